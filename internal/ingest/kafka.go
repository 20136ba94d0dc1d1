package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"giftguard/internal/config"
	"giftguard/internal/model"
)

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// StartKafka consumes failure reports published by redemption front ends
// that do not call the HTTP API.
func StartKafka(ctx context.Context, cfg *config.Manager, parser *Parser, out chan<- model.FailureReport, logger *slog.Logger) {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	go consume(ctx, reader, parser, out, logger)
}

func consume(ctx context.Context, reader messageReader, parser *Parser, out chan<- model.FailureReport, logger *slog.Logger) {
	defer reader.Close()
	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if logger != nil {
				logger.Warn("kafka read error", "err", err)
			}
			if !BackoffSleep(ctx, time.Second) {
				return
			}
			continue
		}
		report, err := parser.ParseLine(string(m.Value))
		if err != nil {
			if logger != nil {
				logger.Warn("kafka failure report rejected", "offset", m.Offset, "err", err)
			}
			continue
		}
		if report == nil {
			continue
		}
		report.Source = "kafka"
		SendNonBlocking(ctx, out, *report, logger)
	}
}
