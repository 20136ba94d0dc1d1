// Package dispatch fans a persisted fraud event out to the real-time
// channel, the merchant webhook and an optional notifier.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"giftguard/internal/alerts"
	"giftguard/internal/config"
	"giftguard/internal/metrics"
	"giftguard/internal/model"
	"giftguard/internal/severity"
	"giftguard/internal/storage"
	"giftguard/internal/webhook"
)

type Branch string

const (
	BranchRealtime Branch = "realtime"
	BranchWebhook  Branch = "webhook"
	BranchNotify   Branch = "notify"
)

type Status string

const (
	StatusOK      Status = "ok"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Result is the outcome of one branch for one event.
type Result struct {
	EventID string
	Branch  Branch
	Status  Status
	Err     error
}

// Deliverer is the webhook side of the dispatcher.
type Deliverer interface {
	Deliver(ctx context.Context, endpoint model.WebhookEndpoint, payload webhook.Payload) ([]model.DeliveryAttempt, error)
	ResumePending(ctx context.Context, build webhook.BuildFunc) (int, error)
}

// Notifier is a generic notification collaborator such as email.
type Notifier interface {
	Notify(ctx context.Context, ev model.FraudEvent) model.DeliveryResult
}

type Option func(*Dispatcher)

func WithNotifier(n Notifier) Option {
	return func(d *Dispatcher) { d.notifier = n }
}

// WithObserver registers a callback that receives every branch result.
// It is called from dispatch goroutines.
func WithObserver(fn func(Result)) Option {
	return func(d *Dispatcher) { d.observer = fn }
}

type policyState struct {
	policy severity.Policy
	window time.Duration
}

type Dispatcher struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu orders wg.Add against Close.
	mu     sync.Mutex
	closed bool

	logger    *slog.Logger
	metrics   *metrics.Recorder
	events    storage.EventStore
	endpoints storage.EndpointStore
	channel   alerts.Channel
	webhooks  Deliverer
	notifier  Notifier
	observer  func(Result)
	state     atomic.Value
}

// New builds a dispatcher whose branches run under ctx. Close cancels them.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, events storage.EventStore, endpoints storage.EndpointStore, channel alerts.Channel, webhooks Deliverer, rec *metrics.Recorder, opts ...Option) *Dispatcher {
	ctx, cancel := context.WithCancel(ctx)
	d := &Dispatcher{
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
		metrics:   rec,
		events:    events,
		endpoints: endpoints,
		channel:   channel,
		webhooks:  webhooks,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.UpdateConfig(cfg)
	return d
}

func (d *Dispatcher) UpdateConfig(cfg *config.Config) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	d.state.Store(policyState{
		policy: severity.PolicyFromConfig(cfg.Severity),
		window: cfg.Severity.ContextWindow,
	})
}

func (d *Dispatcher) current() policyState {
	return d.state.Load().(policyState)
}

// Dispatch returns immediately; the branches run in the background.
func (d *Dispatcher) Dispatch(ev model.FraudEvent) {
	d.mu.Lock()
	if d.closed || d.ctx.Err() != nil {
		d.mu.Unlock()
		if d.logger != nil {
			d.logger.Warn("dispatcher closed, event not dispatched", "event_id", ev.ID)
		}
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()
	go func() {
		defer d.wg.Done()
		d.run(d.ctx, ev)
	}()
}

// Wait blocks until every dispatched event has finished all branches.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close abandons in-flight backoff and waits for the branches to return.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancel()
	d.wg.Wait()
}

// classify measures the context window back from the event's own timestamp,
// so a resumed delivery sees the same severity as the original alert.
func (d *Dispatcher) classify(ctx context.Context, ev model.FraudEvent) (model.AlertType, model.Severity, model.AlertContext, error) {
	st := d.current()
	var recent []model.FraudEvent
	if d.events != nil && ev.IPAddress != "" && !ev.CreatedAt.IsZero() {
		var err error
		recent, err = d.events.EventsByIPBetween(ctx, ev.IPAddress, ev.CreatedAt.Add(-st.window), ev.CreatedAt)
		if err != nil && d.logger != nil {
			d.logger.Warn("severity context unavailable", "event_id", ev.ID, "err", err)
		}
	}
	actx := severity.ContextFrom(recent, ev)
	t, sev, err := st.policy.ForReason(ev.Reason, actx)
	return t, sev, actx, err
}

func (d *Dispatcher) run(ctx context.Context, ev model.FraudEvent) {
	alertType, sev, actx, err := d.classify(ctx, ev)
	if err != nil {
		if d.logger != nil {
			d.logger.Error("cannot classify fraud event", "event_id", ev.ID, "reason", ev.Reason, "err", err)
		}
		d.report(Result{EventID: ev.ID, Branch: BranchRealtime, Status: StatusFailed, Err: err})
		d.report(Result{EventID: ev.ID, Branch: BranchWebhook, Status: StatusFailed, Err: err})
		return
	}

	var wg sync.WaitGroup
	branches := []func() Result{
		func() Result { return d.realtime(ctx, ev, alertType, sev, actx) },
		func() Result { return d.webhook(ctx, ev, alertType, sev) },
	}
	if d.notifier != nil {
		branches = append(branches, func() Result { return d.notify(ctx, ev) })
	}
	for _, branch := range branches {
		branch := branch
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.report(branch())
		}()
	}
	wg.Wait()
}

func (d *Dispatcher) realtime(ctx context.Context, ev model.FraudEvent, t model.AlertType, sev model.Severity, actx model.AlertContext) Result {
	res := Result{EventID: ev.ID, Branch: BranchRealtime}
	if d.channel == nil {
		res.Status = StatusSkipped
		return res
	}
	alert := NewAlert(ev, t, sev, actx)
	if err := d.channel.EmitFraudAlert(ctx, alert); err != nil {
		res.Status, res.Err = StatusFailed, err
		return res
	}
	d.metrics.ObserveAlert(alert)
	res.Status = StatusOK
	return res
}

func (d *Dispatcher) webhook(ctx context.Context, ev model.FraudEvent, t model.AlertType, sev model.Severity) Result {
	res := Result{EventID: ev.ID, Branch: BranchWebhook}
	endpoint, err := d.endpointFor(ctx, ev.MerchantID)
	if errors.Is(err, webhook.ErrNoEndpoint) {
		res.Status = StatusSkipped
		return res
	}
	if err != nil {
		res.Status, res.Err = StatusFailed, err
		return res
	}
	attempts, err := d.webhooks.Deliver(ctx, endpoint, webhook.NewPayload(ev, t, sev))
	if err != nil {
		res.Status, res.Err = StatusFailed, err
		return res
	}
	if n := len(attempts); n == 0 || attempts[n-1].Outcome != model.OutcomeDelivered {
		res.Status, res.Err = StatusFailed, fmt.Errorf("webhook not delivered after %d attempts", n)
		return res
	}
	res.Status = StatusOK
	return res
}

func (d *Dispatcher) notify(ctx context.Context, ev model.FraudEvent) Result {
	res := Result{EventID: ev.ID, Branch: BranchNotify, Status: StatusOK}
	out := d.notifier.Notify(ctx, ev)
	if !out.Success {
		res.Status, res.Err = StatusFailed, fmt.Errorf("%s notification failed: %s", out.Method, out.Error)
	}
	return res
}

func (d *Dispatcher) endpointFor(ctx context.Context, merchantID string) (model.WebhookEndpoint, error) {
	if merchantID == "" || d.endpoints == nil || d.webhooks == nil {
		return model.WebhookEndpoint{}, webhook.ErrNoEndpoint
	}
	ep, err := d.endpoints.WebhookEndpoint(ctx, merchantID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && !ep.Active) {
		return model.WebhookEndpoint{}, webhook.ErrNoEndpoint
	}
	return ep, err
}

func (d *Dispatcher) report(r Result) {
	d.metrics.ObserveDispatch(string(r.Branch), string(r.Status))
	if d.logger != nil {
		switch r.Status {
		case StatusFailed:
			d.logger.Warn("dispatch branch failed", "event_id", r.EventID, "branch", r.Branch, "err", r.Err)
		case StatusSkipped:
			d.logger.Debug("dispatch branch skipped", "event_id", r.EventID, "branch", r.Branch)
		}
	}
	if d.observer != nil {
		d.observer(r)
	}
}

// BuildPayload rebuilds the webhook request for a stored event.
func (d *Dispatcher) BuildPayload(ctx context.Context, eventID string) (model.WebhookEndpoint, webhook.Payload, error) {
	ev, err := d.events.EventByID(ctx, eventID)
	if err != nil {
		return model.WebhookEndpoint{}, webhook.Payload{}, err
	}
	endpoint, err := d.endpointFor(ctx, ev.MerchantID)
	if err != nil {
		return model.WebhookEndpoint{}, webhook.Payload{}, err
	}
	t, sev, _, err := d.classify(ctx, ev)
	if err != nil {
		return model.WebhookEndpoint{}, webhook.Payload{}, err
	}
	return endpoint, webhook.NewPayload(ev, t, sev), nil
}

// ResumeDeliveries continues interrupted webhook deliveries.
func (d *Dispatcher) ResumeDeliveries(ctx context.Context) (int, error) {
	if d.webhooks == nil {
		return 0, nil
	}
	return d.webhooks.ResumePending(ctx, d.BuildPayload)
}

var messages = map[model.AlertType]string{
	model.AlertRateLimitExceeded: "too many redemption attempts from one IP",
	model.AlertCodeReuse:         "attempt to redeem an already redeemed gift card",
	model.AlertMerchantVelocity:  "merchant redemption velocity exceeded",
	model.AlertDeviceAbuse:       "repeated failed redemptions from one device",
	model.AlertDistributedAttack: "gift card tried from many IP addresses",
	model.AlertInvalidAttempt:    "invalid redemption attempt",
	model.AlertEvaluationFailure: "redemption blocked because fraud rules could not be evaluated",
}

// NewAlert builds the operator alert for ev.
func NewAlert(ev model.FraudEvent, t model.AlertType, sev model.Severity, actx model.AlertContext) model.FraudAlert {
	msg, ok := messages[t]
	if !ok {
		msg = string(t)
	}
	data := map[string]string{
		"gan":           ev.GAN,
		"reason":        string(ev.Reason),
		"attempt_count": strconv.Itoa(actx.AttemptCount),
		"is_repeated":   strconv.FormatBool(actx.IsRepeated),
	}
	if ev.MerchantID != "" {
		data["merchant_id"] = ev.MerchantID
	}
	return model.FraudAlert{
		ID:             uuid.NewString(),
		EventID:        ev.ID,
		Timestamp:      ev.CreatedAt,
		IP:             ev.IPAddress,
		Type:           t,
		Severity:       sev,
		Message:        msg,
		UserAgent:      ev.UserAgent,
		AdditionalData: data,
	}
}
