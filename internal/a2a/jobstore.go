package a2a

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the durable flow state.
type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobRunning   JobStatus = "RUNNING"
	JobDone      JobStatus = "DONE"
	JobFailed    JobStatus = "FAILED"
	JobAbandoned JobStatus = "ABANDONED"
)

// Terminal reports whether the job can no longer change state.
func (s JobStatus) Terminal() bool {
	return s == JobDone || s == JobFailed || s == JobAbandoned
}

// JobRecord is one durable A2A flow. Records survive restarts; the reaper
// decides what to do with the incomplete ones.
type JobRecord struct {
	JobID            string    `json:"jobId"`
	FromSession      string    `json:"requesterSessionKey,omitempty"`
	ToSession        string    `json:"targetSessionKey"`
	DisplayKey       string    `json:"displayKey,omitempty"`
	Message          string    `json:"message"`
	Payload          *Payload  `json:"payload,omitempty"`
	ConversationID   string    `json:"conversationId"`
	TaskID           string    `json:"taskId,omitempty"`
	WorkSessionID    string    `json:"workSessionId,omitempty"`
	DelegationID     string    `json:"delegationId,omitempty"`
	ParentConvID     string    `json:"parentConversationId,omitempty"`
	Depth            int       `json:"depth,omitempty"`
	Hop              int       `json:"hop,omitempty"`
	MaxPingPongTurns int       `json:"maxPingPongTurns"`
	SkipPingPong     bool      `json:"skipPingPong,omitempty"`
	CurrentTurn      int       `json:"currentTurn"`
	AnnounceTarget   string    `json:"announceTarget,omitempty"`
	AnnounceTimeout  int       `json:"announceTimeoutMs,omitempty"`
	Status           JobStatus `json:"status"`
	Error            string    `json:"lastError,omitempty"`
	ResumeCount      int       `json:"resumeCount"`
	Reconstructed    bool      `json:"reconstructed,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

const (
	finishedDir = "finished"

	// DefaultStaleTTL marks a RUNNING job as abandoned when its record has
	// not been touched for this long.
	DefaultStaleTTL = 30 * time.Minute

	// DefaultRetention keeps finished job files around for inspection.
	DefaultRetention = 24 * time.Hour
)

// JobStore persists one JSON file per job under Dir, with terminal records
// moved to a finished/ bucket.
type JobStore struct {
	Dir       string
	Retention time.Duration
	Now       func() time.Time
}

func NewJobStore(dir string) *JobStore {
	return &JobStore{Dir: dir, Retention: DefaultRetention, Now: time.Now}
}

func (s *JobStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// NewJobID returns a fresh job id.
func NewJobID() string { return "job_" + uuid.NewString() }

func (s *JobStore) path(jobID string) string {
	return filepath.Join(s.Dir, jobID+".json")
}

func (s *JobStore) finishedPath(jobID string) string {
	return filepath.Join(s.Dir, finishedDir, jobID+".json")
}

// Create persists a new record in PENDING.
func (s *JobStore) Create(rec *JobRecord) error {
	if rec.JobID == "" {
		rec.JobID = NewJobID()
	}
	if rec.ConversationID == "" {
		rec.ConversationID = rec.JobID
	}
	now := s.now()
	rec.Status = JobPending
	rec.CreatedAt = now
	rec.UpdatedAt = now
	return s.write(s.path(rec.JobID), rec)
}

// Read loads one record, checking the finished bucket as a fallback.
// A missing job returns (nil, nil).
func (s *JobStore) Read(jobID string) (*JobRecord, error) {
	if strings.ContainsAny(jobID, `/\`) || strings.Contains(jobID, "..") {
		return nil, fmt.Errorf("a2a: invalid job id %q", jobID)
	}
	for _, p := range []string{s.path(jobID), s.finishedPath(jobID)} {
		raw, err := os.ReadFile(p)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("a2a: read job %s: %w", jobID, err)
		}
		var rec JobRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("a2a: parse job %s: %w", jobID, err)
		}
		return &rec, nil
	}
	return nil, nil
}

// Update applies fn to the stored record and persists the result. A terminal
// status moves the file into the finished bucket.
func (s *JobStore) Update(jobID string, fn func(*JobRecord)) (*JobRecord, error) {
	rec, err := s.Read(jobID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("a2a: job %s not found", jobID)
	}
	wasTerminal := rec.Status.Terminal()
	fn(rec)
	rec.UpdatedAt = s.now()

	if rec.Status.Terminal() {
		if err := s.write(s.finishedPath(jobID), rec); err != nil {
			return nil, err
		}
		if !wasTerminal {
			if err := os.Remove(s.path(jobID)); err != nil && !os.IsNotExist(err) {
				return nil, fmt.Errorf("a2a: retire job %s: %w", jobID, err)
			}
		}
		return rec, nil
	}
	return rec, s.write(s.path(jobID), rec)
}

// SetStatus is the common single-field update.
func (s *JobStore) SetStatus(jobID string, status JobStatus, errMsg string) (*JobRecord, error) {
	return s.Update(jobID, func(rec *JobRecord) {
		rec.Status = status
		rec.Error = errMsg
	})
}

// ListIncomplete returns all PENDING and RUNNING jobs.
func (s *JobStore) ListIncomplete() ([]*JobRecord, error) {
	entries, err := os.ReadDir(s.Dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("a2a: list jobs: %w", err)
	}
	var out []*JobRecord
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		rec, err := s.Read(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil || rec == nil {
			continue // unparsable records are skipped, not fatal
		}
		if rec.Status == JobPending || rec.Status == JobRunning {
			out = append(out, rec)
		}
	}
	return out, nil
}

// CleanupFinishedJobs deletes finished job files older than the retention
// window and returns how many were removed.
func (s *JobStore) CleanupFinishedJobs() (int, error) {
	dir := filepath.Join(s.Dir, finishedDir)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("a2a: list finished jobs: %w", err)
	}
	cutoff := s.now().Add(-s.Retention)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		var rec JobRecord
		if err := json.Unmarshal(raw, &rec); err != nil || rec.UpdatedAt.After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

func (s *JobStore) write(path string, rec *JobRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("a2a: mkdir: %w", err)
	}
	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("a2a: marshal job %s: %w", rec.JobID, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+rec.JobID+".tmp-*")
	if err != nil {
		return fmt.Errorf("a2a: temp file: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("a2a: write job %s: %w", rec.JobID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("a2a: close job %s: %w", rec.JobID, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("a2a: persist job %s: %w", rec.JobID, err)
	}
	return nil
}
