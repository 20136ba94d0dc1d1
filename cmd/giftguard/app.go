package main

import (
	"context"
	"fmt"
	"log/slog"

	"giftguard/internal/alerts"
	"giftguard/internal/config"
	"giftguard/internal/dispatch"
	"giftguard/internal/engine"
	"giftguard/internal/metrics"
	"giftguard/internal/storage"
	"giftguard/internal/webhook"
)

type app struct {
	cfg        *config.Manager
	logger     *slog.Logger
	store      storage.Store
	metrics    *metrics.Recorder
	hub        *alerts.Hub
	publisher  *alerts.KafkaPublisher
	webhooks   *webhook.Engine
	dispatcher *dispatch.Dispatcher
	engine     *engine.Engine
}

func loadManager(path string) (*config.Manager, error) {
	if path == "" {
		return config.NewStaticManager(config.DefaultConfig()), nil
	}
	mgr, err := config.NewManager(config.ResolvePath(path))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return mgr, nil
}

// newApp wires the detector, the fan-out and their collaborators. Dispatch
// branches run under ctx.
func newApp(ctx context.Context, mgr *config.Manager, logger *slog.Logger) (*app, error) {
	cfg := mgr.Get()
	st, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return nil, err
	}
	if err := st.Init(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	a := &app{cfg: mgr, logger: logger, store: st, metrics: metrics.New()}
	a.hub = alerts.NewHub(alerts.NewStore(cfg.Realtime.BufferLimit), cfg.Realtime.SubscriberBuffer, logger)

	var channel alerts.Channel = a.hub
	if cfg.Realtime.Kafka.Enabled {
		a.publisher = alerts.NewKafkaPublisher(cfg.Realtime.Kafka)
		channel = alerts.Fanout{a.hub, a.publisher}
		logger.Info("kafka alert publisher enabled", "brokers", cfg.Realtime.Kafka.Brokers, "topic", cfg.Realtime.Kafka.Topic)
	}

	a.webhooks = webhook.New(cfg.Webhook, st, logger, a.metrics)
	a.dispatcher = dispatch.New(ctx, cfg, logger, st, st, channel, a.webhooks, a.metrics,
		dispatch.WithNotifier(dispatch.LogNotifier{Logger: logger}))
	a.engine = engine.NewEngine(cfg, logger, st, st, a.dispatcher, a.metrics)
	return a, nil
}

func (a *app) reload(cfg *config.Config) {
	a.engine.UpdateConfig(cfg)
	a.dispatcher.UpdateConfig(cfg)
	a.logger.Info("config reloaded", "path", a.cfg.Path())
}

func (a *app) Close() {
	a.dispatcher.Close()
	a.hub.Close()
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("close kafka publisher", "err", err)
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close store", "err", err)
	}
}
