// Package ingest feeds redemption failure reports from asynchronous sources
// into the detector.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"giftguard/internal/model"
)

func SendNonBlocking(ctx context.Context, out chan<- model.FailureReport, r model.FailureReport, logger *slog.Logger) bool {
	select {
	case out <- r:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("failure report channel full, dropping report", "source", r.Source, "gan", r.GAN)
		}
		return false
	}
}

// BackoffSleep waits for d or until ctx ends. It reports whether the full
// delay elapsed.
func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
