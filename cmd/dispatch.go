package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/turnstile/internal/config"
	"github.com/nextlevelbuilder/turnstile/internal/dispatch"
)

func dispatchCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Drain the outbox (as its own process, separate from serve)",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()

			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			stores, err := openStores(cfg)
			if err != nil {
				return err
			}

			d := dispatch.New(stores, buildSink(cfg), dispatch.Options{
				BatchLimit:    cfg.Dispatch.BatchLimit,
				Interval:      cfg.Dispatch.Interval(),
				DeadLetterAt:  cfg.Dispatch.DeadLetterAt,
				SweepSchedule: cfg.Dispatch.SweepSchedule,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if once {
				sent, err := d.DispatchBatch(ctx, cfg.Dispatch.BatchLimit)
				if err != nil {
					return err
				}
				cmd.Printf("sent %d\n", sent)
				return nil
			}

			err = d.Run(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single batch and exit")
	return cmd
}
