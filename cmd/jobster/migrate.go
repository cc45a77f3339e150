package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newMigrateCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the job tables and indexes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, appLogger, err := load()
			if err != nil {
				return err
			}
			defer appLogger.Close()

			ctx := context.Background()
			b, err := openBackend(ctx, &cfg.Database, appLogger.Logger)
			if err != nil {
				return fmt.Errorf("failed to initialize database: %w", err)
			}
			defer b.close()

			if err := b.migrate(ctx); err != nil {
				return fmt.Errorf("failed to initialize storage: %w", err)
			}

			appLogger.Info("Storage initialized")
			return nil
		},
	}
}
