package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/harun/conduit/internal/config"
	"github.com/harun/conduit/internal/daemon"
	"github.com/harun/conduit/internal/logger"
	"github.com/harun/conduit/internal/observability"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"start"},
	Short:   "Run the conduit daemon in the foreground",
	Long: `Run the conduit daemon: the gateway, the agent engine, tool servers,
the cleanup janitor and the config watcher. SIGINT or SIGTERM stops it
gracefully, aborting in-flight executions.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	loader, cfg, err := loadConfig()
	if err != nil {
		return err
	}

	pidFile := daemon.PIDFilePath(cfg.DataDir)
	if pid, err := daemon.ReadPID(pidFile); err == nil && daemon.ProcessAlive(pid) {
		return fmt.Errorf("daemon is already running (PID %d, PID file: %s)", pid, pidFile)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	log, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	if err := observability.InitAuditLogger(cfg.Logging.AuditFile, cfg.Logging.MaxSize, cfg.Logging.MaxAge, cfg.Logging.Compress); err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}

	d, err := daemon.New(daemon.Options{Loader: loader, Config: cfg, Logger: log})
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := d.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "conduit listening on %s (config: %s)\n", d.Status().Addr, loader.GetConfigPath())

	return d.Wait(ctx)
}

// newLogger builds the process logger from the logging section. Provider
// keys and the gateway token are redacted verbatim.
func newLogger(cfg *config.Config) (*logger.Logger, error) {
	secrets := []string{cfg.Gateway.Token}
	for _, p := range cfg.Providers {
		secrets = append(secrets, p.APIKey)
	}

	return logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   true,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
		Secrets:   secrets,
	})
}
