// Package cli provides the command-line interface for dnstt-fleet, built
// with Cobra.
//
// Command tree:
//
//	dnstt-fleet run --config <path>     → loads config and runs the fleet
//	                                       supervisor until SIGINT/SIGTERM
//	dnstt-fleet doctor --config <path>  → runs local preflight diagnostics
//	                                       and prints a report
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/datawire/dlib/dgroup"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/oxblack/dnstt-fleet/internal/apperr"
	"github.com/oxblack/dnstt-fleet/internal/config"
	"github.com/oxblack/dnstt-fleet/internal/doctor"
	"github.com/oxblack/dnstt-fleet/internal/journal"
	"github.com/oxblack/dnstt-fleet/internal/registry"
	"github.com/oxblack/dnstt-fleet/internal/supervisor"
)

// NewRootCommand builds the dnstt-fleet command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "dnstt-fleet",
		Short: "Supervisor for a two-tier DNSTT/SSH tunnel fleet",
	}
	root.AddCommand(newRunCmd())
	root.AddCommand(newDoctorCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var configPath string
	var journalPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the fleet and run until SIGINT/SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				slog.Error("config load failed", "detail", apperr.DebugMessage(err))
				return errors.New(apperr.UserMessage(err, true))
			}
			configureLogging(cfg)

			var jrnl *journal.Journal
			if journalPath != "" {
				jrnl, err = journal.Open(journalPath)
				if err != nil {
					return fmt.Errorf("open journal: %w", err)
				}
				defer jrnl.Close()
			}

			reg := registry.New(registry.Config{
				APIURL:      cfg.XUI.APIURL,
				Username:    cfg.XUI.Username,
				Password:    cfg.XUI.Password,
				LoginPath:   cfg.XUI.LoginPath,
				AddPaths:    cfg.XUI.AddPaths,
				RemovePaths: cfg.XUI.RemovePaths,
				ReloadPaths: cfg.XUI.ReloadPaths,
				ListPaths:   cfg.XUI.ListPaths,
				RetryCount:  cfg.HealthCheck.RetryCount,
			}, 0)

			sv := supervisor.New(cfg, reg, jrnl)

			// dgroup.NewGroup wires SIGINT/SIGTERM into ctx cancellation; the
			// supervisor's own Run treats a cancelled ctx as an orderly-
			// shutdown signal (spec.md §4.E.5).
			ctx := cmd.Context()
			grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
				EnableSignalHandling: true,
				ShutdownOnNonError:   true,
			})
			grp.Go("supervisor", func(ctx context.Context) error {
				sv.Run(ctx)
				return nil
			})
			return grp.Wait()
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "config.yaml", "path to the fleet configuration YAML")
	cmd.Flags().StringVar(&journalPath, "journal", "", "path to an append-only lifecycle event log (disabled if empty)")
	return cmd
}

func newDoctorCmd() *cobra.Command {
	var configPath string
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run local preflight diagnostics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				slog.Error("config load failed", "detail", apperr.DebugMessage(err))
				return errors.New(apperr.UserMessage(err, true))
			}
			report := doctor.Run(cfg)

			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}

			if len(report.Issues) == 0 {
				fmt.Println("no issues found")
				return nil
			}
			for _, iss := range report.Issues {
				fmt.Printf("[%s] %s %s: %s\n  -> %s\n", iss.Severity, iss.Check, iss.Target, iss.Message, iss.Recommendation)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "config.yaml", "path to the fleet configuration YAML")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit the report as JSON")
	return cmd
}

// configureLogging installs a level-appropriate slog handler, matching the
// teacher's own choice of log/slog for structured logging (SPEC_FULL.md
// ambient-stack section).
func configureLogging(cfg config.Config) {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if cfg.Logging.File != "" {
		// lumberjack.Logger maps spec.md §6's max_bytes/backup_count
		// rotation knobs onto MaxSize (megabytes, via maxMB) and MaxBackups.
		rotate := &lumberjack.Logger{
			Filename:   cfg.Logging.File,
			MaxSize:    maxMB(cfg.Logging.MaxBytes),
			MaxBackups: cfg.Logging.BackupCount,
			LocalTime:  true,
		}
		slog.SetDefault(slog.New(slog.NewJSONHandler(rotate, &slog.HandlerOptions{Level: level})))
		return
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// maxMB converts a byte budget into lumberjack's whole-megabyte MaxSize,
// rounding up so a configured value is never silently truncated to 0 (which
// lumberjack treats as "no limit").
func maxMB(bytes int) int {
	const mb = 1024 * 1024
	if bytes <= 0 {
		return 10
	}
	return (bytes + mb - 1) / mb
}
