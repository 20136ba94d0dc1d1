// Package webhook delivers signed fraud notifications to merchant endpoints
// and records every attempt in the delivery audit log.
package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"giftguard/internal/config"
	"giftguard/internal/ingest"
	"giftguard/internal/metrics"
	"giftguard/internal/model"
	"giftguard/internal/storage"
)

var (
	ErrNoEndpoint = errors.New("webhook: no active endpoint")
	// ErrDeliveryClosed is returned when the event already has a terminal
	// attempt or has used every attempt number.
	ErrDeliveryClosed = errors.New("webhook: delivery already finished")
)

type Option func(*Engine)

func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.client = c }
}

// WithSleep replaces the backoff wait. The function reports whether the full
// delay elapsed.
func WithSleep(fn func(ctx context.Context, d time.Duration) bool) Option {
	return func(e *Engine) { e.sleep = fn }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

type Engine struct {
	cfg     config.WebhookConfig
	audit   storage.AuditLog
	client  *http.Client
	logger  *slog.Logger
	metrics *metrics.Recorder
	sleep   func(ctx context.Context, d time.Duration) bool
	now     func() time.Time
}

func New(cfg config.WebhookConfig, audit storage.AuditLog, logger *slog.Logger, rec *metrics.Recorder, opts ...Option) *Engine {
	if cfg.MaxAttempts <= 0 || cfg.MaxAttempts > model.MaxDeliveryAttempts {
		cfg.MaxAttempts = model.MaxDeliveryAttempts
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = "X-Giftguard-Signature"
	}
	e := &Engine{
		cfg:     cfg,
		audit:   audit,
		client:  &http.Client{},
		logger:  logger,
		metrics: rec,
		sleep:   ingest.BackoffSleep,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Deliver sends payload to endpoint until it is accepted or the attempts run
// out. Numbering continues after any attempts already recorded for the event.
// Every attempt is in the audit log before the next one starts. When ctx ends
// during a backoff the last recorded attempt stays retrying.
func (e *Engine) Deliver(ctx context.Context, endpoint model.WebhookEndpoint, payload Payload) ([]model.DeliveryAttempt, error) {
	if endpoint.URL == "" || !endpoint.Active {
		return nil, ErrNoEndpoint
	}
	body, err := payload.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	signature := Sign(endpoint.Secret, body)

	prior, err := e.audit.AttemptsForEvent(ctx, payload.EventID)
	if err != nil {
		return nil, err
	}
	next := 1
	var last *model.DeliveryAttempt
	if len(prior) > 0 {
		last = &prior[len(prior)-1]
		if last.Outcome.Terminal() {
			return nil, ErrDeliveryClosed
		}
		next = last.AttemptNumber + 1
	}
	if next > e.cfg.MaxAttempts {
		return nil, ErrDeliveryClosed
	}
	if last != nil {
		wait := last.SentAt.Add(Backoff(e.cfg.BaseDelay, last.AttemptNumber)).Sub(e.now())
		if wait > 0 && !e.sleep(ctx, wait) {
			return nil, ctx.Err()
		}
	}

	out := make([]model.DeliveryAttempt, 0, e.cfg.MaxAttempts-next+1)
	for n := next; n <= e.cfg.MaxAttempts; n++ {
		att := e.attempt(ctx, endpoint, payload.EventID, n, body, signature)
		// Recording outlives shutdown so partial progress is never lost.
		saved, err := e.audit.AppendAttempt(context.WithoutCancel(ctx), att)
		if err != nil {
			if e.logger != nil {
				e.logger.Error("failed to record delivery attempt", "event_id", payload.EventID, "attempt", n, "err", err)
			}
			if errors.Is(err, storage.ErrDuplicateAttempt) {
				return out, err
			}
			saved = att
		}
		out = append(out, saved)

		switch saved.Outcome {
		case model.OutcomeDelivered:
			return out, nil
		case model.OutcomeExhausted:
			if e.logger != nil {
				e.logger.Error("webhook delivery exhausted", "event_id", payload.EventID, "merchant_id", endpoint.MerchantID, "attempts", n)
			}
			return out, nil
		}
		if !e.sleep(ctx, Backoff(e.cfg.BaseDelay, n)) {
			return out, ctx.Err()
		}
	}
	return out, nil
}

func (e *Engine) attempt(ctx context.Context, endpoint model.WebhookEndpoint, eventID string, n int, body []byte, signature string) model.DeliveryAttempt {
	att := model.DeliveryAttempt{
		EventID:          eventID,
		MerchantID:       endpoint.MerchantID,
		URL:              endpoint.URL,
		AttemptNumber:    n,
		RequestSignature: signature,
		SentAt:           e.now(),
	}
	start := time.Now()
	status, err := e.send(ctx, endpoint.URL, eventID, n, body, signature)
	if status != 0 {
		att.HTTPStatus = &status
	}
	switch {
	case err == nil && status >= 200 && status < 300:
		att.Outcome = model.OutcomeDelivered
	case n >= e.cfg.MaxAttempts:
		att.Outcome = model.OutcomeExhausted
	default:
		att.Outcome = model.OutcomeRetrying
	}
	if err != nil {
		att.Error = err.Error()
	} else if att.Outcome != model.OutcomeDelivered {
		att.Error = "unexpected status " + strconv.Itoa(status)
	}
	e.metrics.ObserveAttempt(att.Outcome, time.Since(start).Seconds())
	if att.Outcome != model.OutcomeDelivered && e.logger != nil {
		e.logger.Warn("webhook attempt failed",
			"event_id", eventID,
			"merchant_id", endpoint.MerchantID,
			"attempt", n,
			"status", status,
			"err", att.Error,
		)
	}
	return att
}

func (e *Engine) send(ctx context.Context, url, eventID string, n int, body []byte, signature string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", e.cfg.UserAgent)
	}
	req.Header.Set(e.cfg.SignatureHeader, SignatureHeaderValue(signature))
	req.Header.Set("X-Giftguard-Event", eventID)
	req.Header.Set("X-Giftguard-Attempt", strconv.Itoa(n))
	resp, err := e.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}

// BuildFunc reconstructs the endpoint and payload for an interrupted delivery.
type BuildFunc func(ctx context.Context, eventID string) (model.WebhookEndpoint, Payload, error)

// ResumePending continues every delivery whose latest attempt is retrying.
// Each event resumes independently. It returns the number of events resumed.
func (e *Engine) ResumePending(ctx context.Context, build BuildFunc) (int, error) {
	pending, err := e.audit.PendingDeliveries(ctx)
	if err != nil {
		return 0, err
	}
	var wg sync.WaitGroup
	resumed := 0
	for _, att := range pending {
		endpoint, payload, err := build(ctx, att.EventID)
		if err != nil {
			if e.logger != nil {
				e.logger.Warn("cannot resume delivery", "event_id", att.EventID, "err", err)
			}
			continue
		}
		resumed++
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.Deliver(ctx, endpoint, payload); err != nil && e.logger != nil {
				e.logger.Warn("resumed delivery stopped", "event_id", payload.EventID, "err", err)
			}
		}()
	}
	wg.Wait()
	if e.logger != nil && len(pending) > 0 {
		e.logger.Info("resumed pending deliveries", "pending", len(pending), "resumed", resumed)
	}
	return resumed, nil
}
