package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/deckhand-ops/deckhand/internal/backup"
	"github.com/deckhand-ops/deckhand/internal/bootstrap"
	"github.com/deckhand-ops/deckhand/internal/config"
	"github.com/deckhand-ops/deckhand/internal/healthgate"
	"github.com/deckhand-ops/deckhand/internal/logger"
	"github.com/deckhand-ops/deckhand/internal/orchestrator"
	"github.com/deckhand-ops/deckhand/internal/servicegraph"
	"github.com/deckhand-ops/deckhand/internal/tlscert"
)

// Exit codes. Automation branches on these rather than parsing output.
const (
	exitOK             = 0
	exitValidation     = 2
	exitFailed         = 3
	exitRolledBack     = 4
	exitRollbackFailed = 5
)

var (
	cfgPath string
	envFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "deckhand",
	Short: "Single-host deployment orchestrator",
	Long: `Deckhand drives a full deployment of the chat stack on one host:
configuration validation, TLS provisioning, dependency-ordered service
starts behind health gates, schema bootstrap, and snapshot-based rollback.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if envFile != "" {
			if err := godotenv.Load(envFile); err != nil {
				return fmt.Errorf("failed to load env file %s: %w", envFile, err)
			}
			return nil
		}
		// Best effort; a missing ./.env is the common case.
		_ = godotenv.Load()
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to configuration file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "path to an env file loaded before configuration")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

// exitError carries a process exit code out through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.err != nil {
				fmt.Fprintln(os.Stderr, "Error:", ee.err)
			}
			return ee.code
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return exitOK
}

// app bundles everything a command needs once configuration is loaded.
type app struct {
	cfg  *config.Config
	log  *zap.Logger
	orch *orchestrator.Orchestrator
}

// buildApp wires the orchestrator against the real host: Postgres store,
// pg_dump snapshots, certbot issuance, systemd service actions.
func buildApp(servicesPath string) (*app, func(), error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, err
	}

	log, err := logger.New(cfg.Environment, verbose)
	if err != nil {
		return nil, nil, err
	}

	graph, err := loadGraph(cfg, servicesPath)
	if err != nil {
		return nil, nil, err
	}

	journal, err := orchestrator.OpenJournal(cfg.JournalPath)
	if err != nil {
		return nil, nil, err
	}

	store, err := bootstrap.OpenPG(cfg.Datastore.URL)
	if err != nil {
		journal.Close()
		return nil, nil, err
	}

	backups, err := backup.New(cfg.Snapshots.Dir, cfg.Snapshots.Retention,
		journal.DB(), &backup.PGDumper{URL: cfg.Datastore.URL}, cfgPath, log)
	if err != nil {
		store.Close()
		journal.Close()
		return nil, nil, err
	}

	certs := tlscert.New(cfg.TLS.Dir,
		&tlscert.CertbotIssuer{Logger: log},
		net.DefaultResolver,
		cfg.AdvertiseAddr,
		cfg.TLS.Validity,
		log)

	orch := orchestrator.New(orchestrator.Deps{
		Config:     cfg,
		Graph:      graph,
		Gate:       healthgate.New(log),
		Certs:      certs,
		Store:      store,
		Backups:    backups,
		Journal:    journal,
		Runner:     orchestrator.NewExecRunner(log),
		Migrations: bootstrap.Baseline(cfg.Domain, "admin", cfg.SessionSecret),
		Logger:     log,
	})

	cleanup := func() {
		store.Close()
		journal.Close()
		_ = log.Sync()
	}
	return &app{cfg: cfg, log: log, orch: orch}, cleanup, nil
}

func loadGraph(cfg *config.Config, override string) (*servicegraph.Graph, error) {
	path := cfg.ServicesPath
	if override != "" {
		path = override
	}
	if path != "" {
		return servicegraph.Load(path)
	}
	return servicegraph.Default(cfg.AppPort, cfg.ProxyPort)
}
