// Copyright 2026 VenueKit Authors
// SPDX-License-Identifier: Apache-2.0

// Command venuesync reconciles a local venue database with the remote
// entity API: it uploads pending local changes, pulls remote ones and
// audits the local store for inconsistencies.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"github.com/venuekit/go-venuesync/internal/auth"
	"github.com/venuekit/go-venuesync/venuesqlite"
	"github.com/venuekit/go-venuesync/venuesync"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "venuesync",
		Short:         "Offline-first venue curation sync",
		Long:          "venuesync keeps a local SQLite venue database reconciled with the remote entity API.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "venuesync.toml", "path to the TOML config file")

	root.AddCommand(
		newSyncCmd(&configPath, root),
		newPullCmd(&configPath, root),
		newAuditCmd(&configPath, root),
		newStatusCmd(&configPath, root),
	)
	return root
}

// app bundles everything a command needs after config load.
type app struct {
	cfg    *Config
	logger *slog.Logger
	db     *sql.DB
	store  *venuesqlite.Store
	remote *venuesync.RemoteClient
}

func (a *app) close() {
	if a.db != nil {
		_ = a.db.Close()
	}
}

// setup loads config, opens the database and builds the remote client. The
// returned context carries the curator and device identity.
func setup(cmd *cobra.Command, root *cobra.Command, configPath string) (context.Context, *app, error) {
	explicit := root.PersistentFlags().Changed("config")
	cfg, err := loadConfig(configPath, explicit)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, nil, err
	}

	logger := newLogger(cfg.Log)

	db, err := sql.Open("sqlite3", cfg.Database.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database %s: %w", cfg.Database.Path, err)
	}
	store, err := venuesqlite.Open(db, cfg.Remote.CuratorID, logger)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}

	tokens := venuesync.NewTokenSource(cfg.Remote.JWTSecret)
	remote := venuesync.NewRemoteClient(cfg.Remote.BaseURL, tokens.TokenFunc(time.Hour), logger)

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	cmd.PostRun = func(*cobra.Command, []string) { cancel() }
	ctx = auth.SetAuthContext(ctx, cfg.Remote.CuratorID, cfg.Remote.DeviceID)

	return ctx, &app{cfg: cfg, logger: logger, db: db, store: store, remote: remote}, nil
}

func newLogger(cfg LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func (a *app) reconciler() *venuesync.Reconciler {
	cfg := venuesync.DefaultConfig()
	if a.cfg.Sync.Workers > 0 {
		cfg.Workers = a.cfg.Sync.Workers
	}
	if a.cfg.Sync.BackoffMin.Duration > 0 {
		cfg.BackoffMin = a.cfg.Sync.BackoffMin.Duration
	}
	if a.cfg.Sync.BackoffMax.Duration > 0 {
		cfg.BackoffMax = a.cfg.Sync.BackoffMax.Duration
	}
	if a.cfg.Sync.MaxAttempts > 0 {
		cfg.MaxAttempts = a.cfg.Sync.MaxAttempts
	}
	if a.cfg.Sync.PullLimit > 0 {
		cfg.PullLimit = a.cfg.Sync.PullLimit
	}
	r := venuesync.NewReconciler(a.store, a.remote, cfg, a.logger)
	r.AddListener(func(ev venuesync.Event) {
		switch ev.Kind {
		case venuesync.EventSyncProgress:
			a.logger.Info("sync progress", "done", ev.Done, "total", ev.Total)
		case venuesync.EventSyncError:
			if ev.EntityID != "" {
				a.logger.Warn("entity failed", "entity", ev.EntityID, "reason", ev.Reason)
			}
		}
	})
	return r
}

func newSyncCmd(configPath *string, root *cobra.Command) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run a full reconciliation: upload pending, pull remote, dedup",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, a, err := setup(cmd, root, *configPath)
			if err != nil {
				return err
			}
			defer a.close()

			stats, err := a.reconciler().FullSync(ctx)
			if stats != nil {
				printStats(cmd, stats)
			}
			return err
		},
	}
}

func newPullCmd(configPath *string, root *cobra.Command) *cobra.Command {
	return &cobra.Command{
		Use:   "pull",
		Short: "Pull and merge remote changes only",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, a, err := setup(cmd, root, *configPath)
			if err != nil {
				return err
			}
			defer a.close()

			stats, err := a.reconciler().PullRemote(ctx)
			if stats != nil {
				printStats(cmd, stats)
			}
			return err
		},
	}
}

func newAuditCmd(configPath *string, root *cobra.Command) *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Run an integrity audit over the local store",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, a, err := setup(cmd, root, *configPath)
			if err != nil {
				return err
			}
			defer a.close()

			report, err := venuesync.NewAuditor(a.store, a.logger, time.Nanosecond, 0).Audit(ctx)
			if err != nil {
				return err
			}
			out, _ := json.MarshalIndent(report, "", "  ")
			cmd.Println(string(out))
			return nil
		},
	}
}

func newStatusCmd(configPath *string, root *cobra.Command) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show entity counts per sync state and the pull cursor",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, a, err := setup(cmd, root, *configPath)
			if err != nil {
				return err
			}
			defer a.close()

			counts, err := a.store.CountByState(ctx)
			if err != nil {
				return err
			}
			pending, err := a.store.GetPending(ctx)
			if err != nil {
				return err
			}
			cursor, err := a.store.PullCursor(ctx)
			if err != nil {
				return err
			}

			for _, state := range []venuesync.SyncState{
				venuesync.StateNew, venuesync.StatePending, venuesync.StateSynced,
				venuesync.StateConflict, venuesync.StateError, venuesync.StateTombstoned,
			} {
				cmd.Printf("%-12s %d\n", state, counts[state])
			}
			cmd.Printf("pending ops  %d\n", len(pending))
			if cursor != "" {
				cmd.Printf("pull cursor  %s\n", cursor)
			}
			return nil
		},
	}
}

func printStats(cmd *cobra.Command, stats *venuesync.SyncStats) {
	cmd.Printf("uploaded=%d pulled=%d conflicts=%d errors=%d deduped=%d skipped=%d in %s\n",
		stats.Uploaded, stats.Pulled, stats.Conflicts, stats.Errors,
		stats.Deduped, stats.Skipped, stats.Duration.Round(time.Millisecond))
}
