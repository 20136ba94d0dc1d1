package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"giftguard/internal/api"
	"giftguard/internal/ingest"
	"giftguard/internal/logging"
	"giftguard/internal/model"
)

func serveCmd(configPath *string) *cobra.Command {
	var watchInterval time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the redemption API, failure ingest and alert fan-out",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, *configPath, watchInterval)
		},
	}
	cmd.Flags().DurationVar(&watchInterval, "watch-interval", 3*time.Second, "config file poll interval")
	return cmd
}

func runServe(ctx context.Context, configPath string, watchInterval time.Duration) error {
	mgr, err := loadManager(configPath)
	if err != nil {
		return err
	}
	cfg := mgr.Get()
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)

	// Dispatch branches get their own context so shutdown can drain them
	// after the listeners stop.
	a, err := newApp(context.Background(), mgr, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	g, gctx := errgroup.WithContext(ctx)

	reports := make(chan model.FailureReport, cfg.Ingest.ChannelBuffer)
	a.engine.Start(gctx, reports)
	ingest.StartKafka(gctx, mgr, ingest.NewParser(), reports, logger)

	server := api.NewServer(mgr, a.engine, a.store, a.hub, a.metrics, logger, Version)
	server.OnConfigChange(a.reload)
	g.Go(func() error {
		return api.Run(gctx, server)
	})

	if cfg.Webhook.ResumeOnStart {
		g.Go(func() error {
			n, err := a.dispatcher.ResumeDeliveries(gctx)
			if err != nil {
				logger.Error("resume pending deliveries", "err", err)
				return nil
			}
			if n > 0 {
				logger.Info("pending deliveries resumed", "count", n)
			}
			return nil
		})
	}

	if mgr.Path() != "" {
		g.Go(func() error {
			stop := make(chan struct{})
			go mgr.Watch(watchInterval, a.reload, func(err error) {
				logger.Warn("config reload failed", "err", err)
			}, stop)
			<-gctx.Done()
			close(stop)
			return nil
		})
	}

	logger.Info("giftguard started", "version", Version, "storage", cfg.Storage.Driver)
	err = g.Wait()
	logger.Info("giftguard stopping")
	return err
}
