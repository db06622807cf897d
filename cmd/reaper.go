package cmd

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawtask/internal/a2a"
)

// reaperCmd runs one reap pass over the durable A2A job store and prints
// the report. The coordinator does this at startup; the subcommand exists
// for inspection and for cron.
func reaperCmd() *cobra.Command {
	var staleMinutes int
	cmd := &cobra.Command{
		Use:   "reaper",
		Short: "Reap stale A2A jobs and clean up finished records",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			jobs := a2a.NewJobStore(filepath.Join(cfg.RootDir(), "a2a-jobs"))
			if cfg.A2A.JobRetentionHours > 0 {
				jobs.Retention = time.Duration(cfg.A2A.JobRetentionHours) * time.Hour
			}

			report, resumable, err := jobs.Reap(time.Duration(staleMinutes) * time.Minute)
			if err != nil {
				return err
			}
			fmt.Printf("incomplete: %d\nreset to pending: %d\nabandoned: %d\ncleaned up: %d\n",
				report.TotalIncomplete, report.ResetToPending, report.Abandoned, report.CleanedUp)
			for _, job := range resumable {
				fmt.Printf("resumable: %s %s -> %s (resumes %d)\n",
					job.JobID, job.FromSession, job.ToSession, job.ResumeCount)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&staleMinutes, "stale-minutes", 30, "age after which a RUNNING job counts as stale")
	return cmd
}
