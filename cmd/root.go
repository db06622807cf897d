// Package cmd wires the clawtask CLI: the root command runs the coordinator,
// subcommands expose the monitor and the job reaper on their own.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawtask/internal/config"
)

// Version is set at build time via -ldflags "-X github.com/nextlevelbuilder/clawtask/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "clawtask",
	Short: "clawtask — durable task coordination for OpenClaw agent fleets",
	Long: "clawtask manages file-backed task state, continuation prompting and " +
		"agent-to-agent flows for a fleet of OpenClaw agents, and serves a " +
		"read-only monitor over the coordination root.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCoordinator()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.openclaw/clawtask.json5 or $CLAWTASK_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.SilenceUsage = true

	rootCmd.AddCommand(monitorCmd())
	rootCmd.AddCommand(reaperCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("clawtask %s\n", Version)
		},
	}
}

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = config.DefaultPath()
	}
	return config.Load(path)
}

func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
