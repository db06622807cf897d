package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawtask/internal/bus"
	"github.com/nextlevelbuilder/clawtask/internal/monitor"
	"github.com/nextlevelbuilder/clawtask/internal/task"
)

// monitorCmd serves the read-only monitor without the rest of the
// coordinator. Flags override the config file.
func monitorCmd() *cobra.Command {
	var (
		host string
		port int
	)
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Serve the HTTP+WS monitor over the coordination root",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if host != "" {
				cfg.Monitor.Host = host
			}
			if port > 0 {
				cfg.Monitor.Port = port
			}
			root := cfg.RootDir()

			log := bus.NewCoordinationLog(filepath.Join(root, "logs", "coordination-events.ndjson"))
			b := bus.New()
			b.AttachLog(log)

			server := monitor.NewServer(root, task.NewStore(), b, log)
			server.Host = cfg.Monitor.Host
			server.Port = cfg.Monitor.Port
			writeTeamStateOnce(server)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			slog.Info("monitor only mode", "root", root)
			return server.Start(ctx)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "bind host (default from config)")
	cmd.Flags().IntVar(&port, "port", 0, "bind port (default from config)")
	return cmd
}
