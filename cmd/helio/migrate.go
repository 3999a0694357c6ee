package main

import (
	"github.com/spf13/cobra"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadConfig(opts.configPath)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Log, cmd.ErrOrStderr())

			b, err := openStore(cmd.Context(), cfg.Store, true, logger)
			if err != nil {
				return err
			}
			defer b.close()

			logger.Info("[helio] migrations applied", "driver", cfg.Store.Driver)

			return nil
		},
	}
}
