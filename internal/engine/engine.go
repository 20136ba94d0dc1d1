package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"giftguard/internal/config"
	"giftguard/internal/metrics"
	"giftguard/internal/model"
	"giftguard/internal/normalize"
	"giftguard/internal/storage"
)

// Dispatcher receives every fraud event the detector persists for a block.
type Dispatcher interface {
	Dispatch(ev model.FraudEvent)
}

// Engine is the abuse detector. It runs synchronously in the redemption
// request path; notification side effects go through the Dispatcher.
type Engine struct {
	logger     *slog.Logger
	events     storage.EventStore
	cards      storage.GiftCardStore
	dispatcher Dispatcher
	metrics    *metrics.Recorder
	cfg        atomic.Value
	deDupe     *DedupeCache
}

func NewEngine(cfg *config.Config, logger *slog.Logger, events storage.EventStore, cards storage.GiftCardStore, dispatcher Dispatcher, rec *metrics.Recorder) *Engine {
	e := &Engine{
		logger:     logger,
		events:     events,
		cards:      cards,
		dispatcher: dispatcher,
		metrics:    rec,
		deDupe:     NewDedupeCache(),
	}
	e.UpdateConfig(cfg)
	return e
}

func (e *Engine) UpdateConfig(cfg *config.Config) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	e.cfg.Store(cfg)
}

func (e *Engine) config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

// Start consumes failure reports from asynchronous sources until ctx ends.
func (e *Engine) Start(ctx context.Context, in <-chan model.FailureReport) {
	go func() {
		for {
			select {
			case report := <-in:
				if _, err := e.LogRedemptionFailure(ctx, report); err != nil && e.logger != nil {
					e.logger.Warn("failure report rejected", "source", report.Source, "err", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// CheckRedemption evaluates the rules in order and stops at the first match.
// A match appends one fraud event and dispatches it; an allowed attempt
// writes nothing.
func (e *Engine) CheckRedemption(ctx context.Context, attempt model.Attempt) model.FraudCheckResult {
	cfg := e.config()
	attempt = normalize.Attempt(attempt)

	for _, r := range e.rules(cfg.Detection) {
		if !r.enabled {
			continue
		}
		qctx, cancel := context.WithTimeout(ctx, cfg.Detection.QueryTimeout)
		matched, err := r.eval(qctx, attempt)
		cancel()
		if err != nil {
			e.metrics.ObserveRuleError(r.name)
			if e.logger != nil {
				e.logger.Error("rule evaluation failed",
					"rule", r.name,
					"ip", attempt.IPAddress,
					"gan", attempt.GAN,
					"fail_closed", cfg.Detection.FailClosed,
					"err", err,
				)
			}
			if cfg.Detection.FailClosed {
				return e.block(ctx, attempt, model.ReasonEvaluationError)
			}
			continue
		}
		if matched {
			return e.block(ctx, attempt, r.reason)
		}
	}
	res := model.FraudCheckResult{IsBlocked: false, RiskLevel: model.RiskLow}
	e.metrics.ObserveCheck(res)
	return res
}

// LogRedemptionFailure records a failure the redemption handler observed on
// its own, feeding the device fingerprint rule. Persistence errors are logged
// and returned; callers must not let them change the redemption response.
func (e *Engine) LogRedemptionFailure(ctx context.Context, report model.FailureReport) (model.FraudEvent, error) {
	report.Attempt = normalize.Attempt(report.Attempt)
	if report.GAN == "" {
		return model.FraudEvent{}, errors.New("failure report requires gan")
	}
	if !report.Reason.Valid() {
		return model.FraudEvent{}, fmt.Errorf("unknown failure reason %q", report.Reason)
	}
	if window := e.config().Ingest.DedupeWindow; report.Source != "" && report.Source != "api" && window > 0 {
		if e.deDupe.Seen(hashReport(report), time.Now().UTC(), window) {
			return model.FraudEvent{}, nil
		}
	}
	source := report.Source
	if source == "" {
		source = "api"
	}
	e.metrics.ObserveFailure(report.Reason, source)
	ev, err := e.events.AppendEvent(context.WithoutCancel(ctx), newEvent(report.Attempt, report.Reason))
	if err != nil {
		e.metrics.ObserveAppendError()
		if e.logger != nil {
			e.logger.Error("failed to log redemption failure", "gan", report.GAN, "reason", report.Reason, "err", err)
		}
		return model.FraudEvent{}, err
	}
	return ev, nil
}

func (e *Engine) block(ctx context.Context, attempt model.Attempt, reason model.Reason) model.FraudCheckResult {
	res := model.FraudCheckResult{IsBlocked: true, Reason: reason, RiskLevel: model.RiskHigh}
	e.metrics.ObserveCheck(res)

	ev := newEvent(attempt, reason)
	// The decision is already made; logging must outlive a cancelled request.
	saved, err := e.events.AppendEvent(context.WithoutCancel(ctx), ev)
	if err != nil {
		e.metrics.ObserveAppendError()
		if e.logger != nil {
			e.logger.Error("failed to append fraud event", "reason", reason, "ip", attempt.IPAddress, "gan", attempt.GAN, "err", err)
		}
		saved = ev
		saved.CreatedAt = time.Now().UTC()
	}
	if e.logger != nil {
		e.logger.Warn("redemption blocked",
			"event_id", saved.ID,
			"reason", reason,
			"ip", attempt.IPAddress,
			"gan", attempt.GAN,
			"merchant_id", attempt.MerchantID,
		)
	}
	if e.dispatcher != nil {
		e.dispatcher.Dispatch(saved)
	}
	return res
}

func newEvent(a model.Attempt, reason model.Reason) model.FraudEvent {
	return model.FraudEvent{
		ID:         uuid.NewString(),
		GAN:        a.GAN,
		IPAddress:  a.IPAddress,
		MerchantID: a.MerchantID,
		UserAgent:  a.UserAgent,
		Reason:     reason,
	}
}
