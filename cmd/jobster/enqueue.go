package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuongbtq/jobster/job"
)

func newEnqueueCmd(load loader) *cobra.Command {
	var (
		name    string
		payload string
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Add a job to the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := job.New(name, json.RawMessage(payload))
			if err != nil {
				return err
			}

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

			if err := b.enqueue(ctx, j); err != nil {
				return fmt.Errorf("failed to enqueue job: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), j.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Job name")
	cmd.Flags().StringVar(&payload, "payload", "", "Job payload as JSON")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("payload")

	return cmd
}
