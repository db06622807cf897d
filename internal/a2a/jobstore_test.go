package a2a

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) (*JobStore, *time.Time) {
	t.Helper()
	now := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	s := NewJobStore(t.TempDir())
	s.Now = func() time.Time { return now }
	return s, &now
}

func TestJobStore_CreateUpdateRetire(t *testing.T) {
	s, _ := newTestStore(t)

	rec := &JobRecord{FromSession: "agent:main", ToSession: "agent:helper", Message: "hi"}
	if err := s.Create(rec); err != nil {
		t.Fatal(err)
	}
	if rec.JobID == "" || rec.Status != JobPending {
		t.Fatalf("created: %+v", rec)
	}
	if rec.ConversationID != rec.JobID {
		t.Errorf("conversationId = %q, want job id default", rec.ConversationID)
	}

	got, err := s.Read(rec.JobID)
	if err != nil || got == nil {
		t.Fatalf("read: %v", err)
	}
	if got.Message != "hi" {
		t.Errorf("message = %q", got.Message)
	}

	if _, err := s.SetStatus(rec.JobID, JobRunning, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SetStatus(rec.JobID, JobDone, ""); err != nil {
		t.Fatal(err)
	}

	// Terminal record moved to the finished bucket but still readable.
	if _, err := os.Stat(filepath.Join(s.Dir, rec.JobID+".json")); !os.IsNotExist(err) {
		t.Error("terminal job still in active dir")
	}
	got, err = s.Read(rec.JobID)
	if err != nil || got == nil || got.Status != JobDone {
		t.Fatalf("finished read: %+v err=%v", got, err)
	}

	incomplete, err := s.ListIncomplete()
	if err != nil || len(incomplete) != 0 {
		t.Errorf("incomplete = %v err=%v", incomplete, err)
	}
}

func TestJobStore_ReadValidation(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Read("../escape"); err == nil {
		t.Error("path traversal accepted")
	}
	if rec, err := s.Read("job_missing"); err != nil || rec != nil {
		t.Errorf("missing job: %+v err=%v", rec, err)
	}
}

// The reaper scenario: one fresh RUNNING job resumes, one stale RUNNING job
// is abandoned, PENDING jobs pass through, aged finished files are removed.
func TestReaper(t *testing.T) {
	s, now := newTestStore(t)

	fresh := &JobRecord{FromSession: "agent:a", ToSession: "agent:b", Message: "fresh"}
	stale := &JobRecord{FromSession: "agent:a", ToSession: "agent:c", Message: "stale"}
	pending := &JobRecord{FromSession: "agent:d", ToSession: "agent:e", Message: "queued"}
	for _, rec := range []*JobRecord{fresh, stale, pending} {
		if err := s.Create(rec); err != nil {
			t.Fatal(err)
		}
	}

	// Stale job last touched 2h ago, fresh one 1min ago.
	base := *now
	*now = base.Add(-2 * time.Hour)
	if _, err := s.SetStatus(stale.JobID, JobRunning, ""); err != nil {
		t.Fatal(err)
	}
	*now = base.Add(-time.Minute)
	if _, err := s.SetStatus(fresh.JobID, JobRunning, ""); err != nil {
		t.Fatal(err)
	}

	// Ten finished jobs past the retention window.
	*now = base.Add(-48 * time.Hour)
	for i := 0; i < 10; i++ {
		rec := &JobRecord{FromSession: "agent:x", ToSession: "agent:y"}
		if err := s.Create(rec); err != nil {
			t.Fatal(err)
		}
		if _, err := s.SetStatus(rec.JobID, JobDone, ""); err != nil {
			t.Fatal(err)
		}
	}
	*now = base

	report, resumable, err := s.Reap(30 * time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	want := ReapReport{ResetToPending: 1, Abandoned: 1, CleanedUp: 10, TotalIncomplete: 3}
	if report != want {
		t.Errorf("report = %+v, want %+v", report, want)
	}

	ids := map[string]bool{}
	for _, rec := range resumable {
		ids[rec.JobID] = true
	}
	if len(resumable) != 2 || !ids[fresh.JobID] || !ids[pending.JobID] {
		t.Errorf("resumable = %v", ids)
	}

	got, err := s.Read(fresh.JobID)
	if err != nil || got == nil {
		t.Fatal(err)
	}
	if got.Status != JobPending || got.ResumeCount != 1 || !got.Reconstructed {
		t.Errorf("resumed job = %+v", got)
	}
	if got, _ := s.Read(stale.JobID); got == nil || got.Status != JobAbandoned {
		t.Errorf("stale job = %+v", got)
	}
}
