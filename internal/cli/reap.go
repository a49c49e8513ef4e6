package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newReapCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Remove containers idle longer than the threshold, once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			threshold := cfg.Container.IdleThreshold
			if idle, _ := cmd.Flags().GetDuration("idle"); idle > 0 {
				threshold = idle
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			if err := a.containers.Reconcile(ctx); err != nil {
				return err
			}
			n, err := a.containers.Reap(ctx, threshold)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reaped %d idle containers\n", n)
			return nil
		},
	}
	cmd.Flags().Duration("idle", 0, "Idle threshold (overrides container.idle_threshold)")
	return cmd
}
