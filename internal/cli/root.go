// Package cli implements the dojang command line.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/example/dojang/internal/config"
	"github.com/example/dojang/internal/database"
	"github.com/example/dojang/internal/engine"
	"github.com/example/dojang/internal/logger"
	"github.com/example/dojang/internal/metrics"
	"github.com/example/dojang/internal/snapshot"
)

// app holds what the commands share. It is filled by the root command's
// PersistentPreRunE and released by close once the command returns.
type app struct {
	v        *viper.Viper
	cfg      *config.Config
	log      *logger.Logger
	registry *prometheus.Registry
	store    *database.Store
	engine   *engine.Engine
}

// Execute runs the root command with the process arguments.
func Execute() {
	root, a := newRootCmd()
	err := root.Execute()
	if cerr := a.close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Exit(1)
	}
}

// newRootCmd builds the command tree around a fresh app.
func newRootCmd() (*cobra.Command, *app) {
	a := &app{v: config.NewViper()}

	root := &cobra.Command{
		Use:          "dojang",
		Short:        "Spaced repetition and progress tracking for martial arts terminology",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !needsEngine(cmd) {
				return nil
			}
			return a.open(cmd.Context())
		},
	}

	flags := root.PersistentFlags()
	flags.String("db-driver", "", "Database driver: sqlite3, sqlite or postgres (env DOJANG_DB_DRIVER)")
	flags.String("db-dsn", "", "Database path or DSN (env DOJANG_DB_DSN)")
	flags.String("log-mode", "", "Log mode: dev or prod (env DOJANG_LOG_MODE)")
	flags.String("timezone", "", "IANA time zone for calendar days (env DOJANG_TIMEZONE)")
	for key, name := range map[string]string{
		"db_driver": "db-driver",
		"db_dsn":    "db-dsn",
		"log_mode":  "log-mode",
		"timezone":  "timezone",
	} {
		_ = a.v.BindPFlag(key, flags.Lookup(name))
	}

	root.AddCommand(
		newProfileCmd(a),
		newImportCmd(a),
		newDueCmd(a),
		newAnswerCmd(a),
		newSessionCmd(a),
		newQuizCmd(a),
		newStatsCmd(a),
		newExportCmd(a),
		newServeCmd(a),
	)
	return root, a
}

// needsEngine is false for the commands cobra adds itself.
func needsEngine(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		switch c.Name() {
		case "help", "completion", "__complete":
			return false
		}
	}
	return true
}

func (a *app) open(ctx context.Context) error {
	cfg, err := config.Load(a.v)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	a.registry = prometheus.NewRegistry()
	m, err := metrics.New(a.registry)
	if err != nil {
		return err
	}

	store, err := database.Connect(ctx, cfg.DBDriver, cfg.DBDSN, log)
	if err != nil {
		return err
	}

	eng, err := engine.New(store, store.Profiles, store.Items, engine.Options{
		Location:    cfg.Location,
		SnapshotTTL: cfg.SnapshotTTL,
		Cache: snapshot.Config{
			Size:                cfg.CacheSize,
			RefreshTimeout:      cfg.RefreshTimeout,
			FirstComputeTimeout: cfg.FirstComputeTimeout,
			FailureBackoff:      cfg.FailureBackoff,
		},
		Metrics: m,
		Logger:  log,
	})
	if err != nil {
		_ = store.Close()
		return err
	}

	a.cfg, a.log, a.store, a.engine = cfg, log, store, eng
	return nil
}

func (a *app) close() error {
	if a.engine != nil {
		a.engine.Close()
		a.engine = nil
	}
	var err error
	if a.store != nil {
		err = a.store.Close()
		a.store = nil
	}
	if a.log != nil {
		a.log.Sync()
	}
	return err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
