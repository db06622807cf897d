package a2a

import (
	"fmt"
	"log/slog"
	"time"
)

// ReapReport summarizes one startup reap pass.
type ReapReport struct {
	ResetToPending  int `json:"resetToPending"`
	Abandoned       int `json:"abandoned"`
	CleanedUp       int `json:"cleanedUp"`
	TotalIncomplete int `json:"totalIncomplete"`
}

// Reap recovers jobs left behind by a previous process: stale RUNNING jobs
// are abandoned, fresh ones go back to PENDING with a resume count bump, and
// aged finished files are deleted. It returns the report plus every job now
// eligible for resume.
func (s *JobStore) Reap(staleTTL time.Duration) (ReapReport, []*JobRecord, error) {
	var report ReapReport

	incomplete, err := s.ListIncomplete()
	if err != nil {
		return report, nil, err
	}
	report.TotalIncomplete = len(incomplete)

	cutoff := s.now().Add(-staleTTL)
	var resumable []*JobRecord
	for _, rec := range incomplete {
		switch rec.Status {
		case JobRunning:
			if rec.UpdatedAt.Before(cutoff) {
				if _, err := s.SetStatus(rec.JobID, JobAbandoned,
					fmt.Sprintf("stale for %s at restart", s.now().Sub(rec.UpdatedAt).Round(time.Second))); err != nil {
					slog.Warn("a2a: reaper abandon failed", "job", rec.JobID, "error", err)
					continue
				}
				report.Abandoned++
				continue
			}
			updated, err := s.Update(rec.JobID, func(r *JobRecord) {
				r.Status = JobPending
				r.ResumeCount++
				r.Reconstructed = true
			})
			if err != nil {
				slog.Warn("a2a: reaper reset failed", "job", rec.JobID, "error", err)
				continue
			}
			report.ResetToPending++
			resumable = append(resumable, updated)
		case JobPending:
			resumable = append(resumable, rec)
		}
	}

	cleaned, err := s.CleanupFinishedJobs()
	if err != nil {
		slog.Warn("a2a: finished-job cleanup failed", "error", err)
	}
	report.CleanedUp = cleaned

	slog.Info("a2a: reaper pass complete",
		"incomplete", report.TotalIncomplete,
		"resetToPending", report.ResetToPending,
		"abandoned", report.Abandoned,
		"cleanedUp", report.CleanedUp)
	return report, resumable, nil
}
