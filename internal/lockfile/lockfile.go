// Package lockfile implements advisory file locks for workspace mutations.
//
// A lock is a sidecar file created with O_EXCL containing a unique writer
// token. Unlock verifies the token before removing the file, so a writer
// that lost its lock to stale-lock recovery cannot remove a newer holder's
// lock. Locks older than StaleAfter are treated as abandoned and broken.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// ErrLocked is returned when the lock could not be acquired within the
// retry budget. The protected file is left untouched.
var ErrLocked = errors.New("lockfile: lock not acquired within retry budget")

// Options tune acquisition behaviour. Zero values fall back to defaults.
type Options struct {
	Retries    int           // attempts before giving up (default 20)
	RetryDelay time.Duration // initial delay between attempts (default 25ms, doubles, capped)
	MaxDelay   time.Duration // delay cap (default 400ms)
	StaleAfter time.Duration // break locks older than this (default 30s)
}

func (o Options) withDefaults() Options {
	if o.Retries <= 0 {
		o.Retries = 20
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 25 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 400 * time.Millisecond
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 30 * time.Second
	}
	return o
}

// Lock is a held advisory lock.
type Lock struct {
	path  string // lock file path
	token string
}

// Acquire takes the advisory lock guarding target. The lock file is
// target+".lock".
func Acquire(target string, opts Options) (*Lock, error) {
	opts = opts.withDefaults()
	path := target + ".lock"
	token := uuid.NewString()

	delay := opts.RetryDelay
	for attempt := 0; attempt < opts.Retries; attempt++ {
		if attempt > 0 {
			time.Sleep(delay)
			delay *= 2
			if delay > opts.MaxDelay {
				delay = opts.MaxDelay
			}
		}

		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := f.WriteString(token)
			f.Close()
			if werr != nil {
				os.Remove(path)
				return nil, fmt.Errorf("lockfile: write token: %w", werr)
			}
			return &Lock{path: path, token: token}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("lockfile: create %s: %w", path, err)
		}

		// Held by someone else. Break it only if abandoned.
		if info, serr := os.Stat(path); serr == nil && time.Since(info.ModTime()) > opts.StaleAfter {
			os.Remove(path)
		}
	}
	return nil, ErrLocked
}

// Release removes the lock file if this holder still owns it.
func (l *Lock) Release() error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // broken as stale; nothing to release
		}
		return err
	}
	if string(data) != l.token {
		// A newer writer holds the lock; leave it alone.
		return nil
	}
	return os.Remove(l.path)
}
