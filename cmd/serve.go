package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/turnstile/internal/coalesce"
	"github.com/nextlevelbuilder/turnstile/internal/config"
	"github.com/nextlevelbuilder/turnstile/internal/dispatch"
	"github.com/nextlevelbuilder/turnstile/internal/egress"
	httpapi "github.com/nextlevelbuilder/turnstile/internal/http"
	"github.com/nextlevelbuilder/turnstile/internal/pipeline"
	"github.com/nextlevelbuilder/turnstile/internal/store"
	"github.com/nextlevelbuilder/turnstile/internal/store/pg"
	"github.com/nextlevelbuilder/turnstile/internal/store/sqlite"
	"github.com/nextlevelbuilder/turnstile/internal/tracing"
)

func serveCmd() *cobra.Command {
	var withDispatcher bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook API server (and, by default, the outbox dispatcher)",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()

			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			tp, err := tracing.Init(ctx, cfg.Telemetry)
			if err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer tp.Shutdown(context.Background())

			stores, err := openStores(cfg)
			if err != nil {
				return err
			}

			sink := buildSink(cfg)
			coordinator := coalesce.NewCoordinator(stores.Inbound, stores.Locks, cfg.Coalesce.Window())
			pipe := pipeline.New(stores, coordinator, defaultDecider())
			server := httpapi.NewServer(httpapi.Config{
				Host:        cfg.Server.Host,
				Port:        cfg.Server.Port,
				VerifyToken: cfg.Server.VerifyToken,
				AppSecret:   cfg.Server.AppSecret,
			}, pipe, stores)

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return server.Run(ctx) })
			if withDispatcher {
				d := dispatch.New(stores, sink, dispatch.Options{
					BatchLimit:    cfg.Dispatch.BatchLimit,
					Interval:      cfg.Dispatch.Interval(),
					DeadLetterAt:  cfg.Dispatch.DeadLetterAt,
					SweepSchedule: cfg.Dispatch.SweepSchedule,
				})
				g.Go(func() error { return d.Run(ctx) })
			}

			err = g.Wait()
			if err != nil && ctx.Err() != nil {
				slog.Info("shutdown complete")
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&withDispatcher, "dispatcher", true, "run the outbox dispatcher in-process")
	return cmd
}

func openStores(cfg *config.Config) (*store.Stores, error) {
	if cfg.IsManagedMode() {
		slog.Info("storage: postgres (managed mode)")
		return pg.NewPGStores(store.StoreConfig{PostgresDSN: cfg.Database.PostgresDSN})
	}
	slog.Info("storage: sqlite (standalone mode)", "path", cfg.Database.SQLitePath)
	return sqlite.NewSQLiteStores(store.StoreConfig{SQLitePath: cfg.Database.SQLitePath})
}

func buildSink(cfg *config.Config) egress.Sink {
	if cfg.Provider.Token != "" && cfg.Provider.PhoneNumberID != "" {
		return egress.NewCloudAPISink(egress.CloudAPIConfig{
			BaseURL:       cfg.Provider.BaseURL,
			PhoneNumberID: cfg.Provider.PhoneNumberID,
			Token:         cfg.Provider.Token,
			RatePerSecond: cfg.Provider.RatePerSecond,
		})
	}
	slog.Warn("no provider credentials configured, using log sink")
	return egress.NewLogSink()
}
