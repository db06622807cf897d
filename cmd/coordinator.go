package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/clawtask/internal/a2a"
	"github.com/nextlevelbuilder/clawtask/internal/bus"
	"github.com/nextlevelbuilder/clawtask/internal/monitor"
	"github.com/nextlevelbuilder/clawtask/internal/task"
)

// runCoordinator starts the long-running coordination surface: reaps stale
// A2A jobs left over from the previous process, then serves the monitor
// until interrupted. The agent runner itself lives in the OpenClaw gateway
// process; it drives the lifecycle, continuation and flow packages through
// this coordination root.
func runCoordinator() error {
	setupLogging()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	root := cfg.RootDir()
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}

	log := bus.NewCoordinationLog(filepath.Join(root, "logs", "coordination-events.ndjson"))
	b := bus.New()
	b.AttachLog(log)
	store := task.NewStore()

	jobs := a2a.NewJobStore(filepath.Join(root, "a2a-jobs"))
	if cfg.A2A.JobRetentionHours > 0 {
		jobs.Retention = time.Duration(cfg.A2A.JobRetentionHours) * time.Hour
	}
	report, resumable, err := jobs.Reap(a2a.DefaultStaleTTL)
	if err != nil {
		slog.Warn("startup reap failed", "error", err)
	} else if len(resumable) > 0 {
		slog.Info("resumable jobs waiting for the gateway", "count", len(resumable), "abandoned", report.Abandoned)
	}

	server := monitor.NewServer(root, store, b, log)
	server.Host = cfg.Monitor.Host
	server.Port = cfg.Monitor.Port
	writeTeamStateOnce(server)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("coordinator starting", "root", root, "version", Version)
	return server.Start(ctx)
}

// writeTeamStateOnce refreshes team-state.json so a fresh monitor serves a
// current aggregate before any event arrives.
func writeTeamStateOnce(server *monitor.Server) {
	if _, err := server.WriteTeamState(); err != nil {
		slog.Warn("team-state refresh failed", "error", err)
	}
}
