package cli

import (
	"folio/api/internal/config"
	"folio/api/internal/logging"
	"folio/api/internal/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type MigrateOptions struct {
	*RootOptions
	DatabaseURL string
}

func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MigrateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if opts.DatabaseURL != "" {
				cfg.DatabaseURL = opts.DatabaseURL
			}
			log, err := newLogger(cfg, opts.RootOptions)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			if err := store.ApplyMigrations(cmd.Context(), cfg.DatabaseURL); err != nil {
				return err
			}
			log.Info("migrations applied")
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.DatabaseURL, "database-url", "", "Postgres connection string; overrides DATABASE_URL")

	return cmd
}

func newLogger(cfg config.Config, opts *RootOptions) (*zap.Logger, error) {
	level, format := cfg.LogLevel, cfg.LogFormat
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		format = opts.LogFormat
	}
	return logging.New(level, format)
}
