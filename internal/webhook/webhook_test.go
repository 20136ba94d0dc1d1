package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"giftguard/internal/config"
	"giftguard/internal/model"
	"giftguard/internal/storage/storagetest"
)

func testConfig() config.WebhookConfig {
	return config.WebhookConfig{
		Timeout:         time.Second,
		BaseDelay:       20 * time.Millisecond,
		MaxAttempts:     3,
		SignatureHeader: "X-Giftguard-Signature",
		UserAgent:       "giftguard-test",
	}
}

func testPayload(id string) Payload {
	return NewPayload(model.FraudEvent{
		ID:         id,
		GAN:        "GC-1",
		IPAddress:  "1.2.3.4",
		MerchantID: "m1",
		Reason:     model.ReasonIPRateLimit,
		CreatedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}, model.AlertRateLimitExceeded, model.SeverityMedium)
}

type receiver struct {
	mu      sync.Mutex
	bodies  [][]byte
	headers []http.Header
	status  func(n int) int
	calls   atomic.Int32
}

func (r *receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	n := int(r.calls.Add(1))
	body, _ := io.ReadAll(req.Body)
	r.mu.Lock()
	r.bodies = append(r.bodies, body)
	r.headers = append(r.headers, req.Header.Clone())
	r.mu.Unlock()
	w.WriteHeader(r.status(n))
}

func endpointFor(url string) model.WebhookEndpoint {
	return model.WebhookEndpoint{MerchantID: "m1", URL: url, Secret: "s3cret", Active: true}
}

func TestSignKnownVector(t *testing.T) {
	got := Sign("key", []byte("The quick brown fox jumps over the lazy dog"))
	if got != "f7bc83f430538424b13298e6aa6fb143ef4d59a14946175997479dbc2d1a3cd8" {
		t.Fatalf("unexpected signature %s", got)
	}
}

func TestPayloadEncodingIsCanonical(t *testing.T) {
	a, _ := testPayload("ev-1").Encode()
	b, _ := testPayload("ev-1").Encode()
	if string(a) != string(b) {
		t.Fatalf("encoding not reproducible")
	}
	var m map[string]any
	if err := json.Unmarshal(a, &m); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"gan", "ip", "reason", "merchantId", "timestamp"} {
		if _, ok := m[k]; !ok {
			t.Fatalf("payload missing %s: %s", k, a)
		}
	}
}

func TestBackoffDoubles(t *testing.T) {
	if Backoff(time.Second, 1) != time.Second || Backoff(time.Second, 2) != 2*time.Second || Backoff(time.Second, 3) != 4*time.Second {
		t.Fatalf("unexpected backoff sequence")
	}
}

func TestDeliverFirstAttemptSucceeds(t *testing.T) {
	rcv := &receiver{status: func(int) int { return http.StatusNoContent }}
	srv := httptest.NewServer(rcv)
	defer srv.Close()
	st := storagetest.New(t, nil)
	eng := New(testConfig(), st, nil, nil)

	atts, err := eng.Deliver(context.Background(), endpointFor(srv.URL), testPayload("ev-1"))
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(atts) != 1 || atts[0].Outcome != model.OutcomeDelivered || *atts[0].HTTPStatus != http.StatusNoContent {
		t.Fatalf("attempts: %+v", atts)
	}
	stored, _ := st.AttemptsForEvent(context.Background(), "ev-1")
	if len(stored) != 1 {
		t.Fatalf("expected one audit row, got %d", len(stored))
	}
	want := SignatureHeaderValue(Sign("s3cret", rcv.bodies[0]))
	if got := rcv.headers[0].Get("X-Giftguard-Signature"); got != want {
		t.Fatalf("signature header %q, want %q", got, want)
	}
	if stored[0].RequestSignature != Sign("s3cret", rcv.bodies[0]) {
		t.Fatalf("stored signature mismatch")
	}
	if rcv.headers[0].Get("User-Agent") != "giftguard-test" {
		t.Fatalf("user agent not set")
	}
}

func TestDeliverExhaustsAfterThreeAttempts(t *testing.T) {
	rcv := &receiver{status: func(int) int { return http.StatusBadGateway }}
	srv := httptest.NewServer(rcv)
	defer srv.Close()
	st := storagetest.New(t, nil)
	cfg := testConfig()
	eng := New(cfg, st, nil, nil)

	atts, err := eng.Deliver(context.Background(), endpointFor(srv.URL), testPayload("ev-2"))
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(atts) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(atts))
	}
	wantOutcomes := []model.Outcome{model.OutcomeRetrying, model.OutcomeRetrying, model.OutcomeExhausted}
	stored, _ := st.AttemptsForEvent(context.Background(), "ev-2")
	if len(stored) != 3 {
		t.Fatalf("expected 3 audit rows, got %d", len(stored))
	}
	for i, att := range stored {
		if att.AttemptNumber != i+1 || att.Outcome != wantOutcomes[i] {
			t.Fatalf("attempt %d: %+v", i+1, att)
		}
		if att.HTTPStatus == nil || *att.HTTPStatus != http.StatusBadGateway {
			t.Fatalf("status not recorded: %+v", att)
		}
		if i > 0 {
			earliest := stored[i-1].SentAt.Add(Backoff(cfg.BaseDelay, i))
			if att.SentAt.Before(earliest) {
				t.Fatalf("attempt %d sent at %v, before %v", i+1, att.SentAt, earliest)
			}
		}
	}
	if rcv.calls.Load() != 3 {
		t.Fatalf("receiver saw %d calls", rcv.calls.Load())
	}
	if _, err := eng.Deliver(context.Background(), endpointFor(srv.URL), testPayload("ev-2")); !errors.Is(err, ErrDeliveryClosed) {
		t.Fatalf("expected closed delivery, got %v", err)
	}
}

func TestDeliverRecoversOnSecondAttempt(t *testing.T) {
	rcv := &receiver{status: func(n int) int {
		if n == 1 {
			return http.StatusInternalServerError
		}
		return http.StatusOK
	}}
	srv := httptest.NewServer(rcv)
	defer srv.Close()
	st := storagetest.New(t, nil)
	eng := New(testConfig(), st, nil, nil)

	atts, err := eng.Deliver(context.Background(), endpointFor(srv.URL), testPayload("ev-3"))
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(atts) != 2 || atts[0].Outcome != model.OutcomeRetrying || atts[1].Outcome != model.OutcomeDelivered {
		t.Fatalf("attempts: %+v", atts)
	}
	if string(rcv.bodies[0]) != string(rcv.bodies[1]) {
		t.Fatalf("retry must resend identical bytes")
	}
}

func TestDeliverTimeoutHasNoStatus(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)
	st := storagetest.New(t, nil)
	cfg := testConfig()
	cfg.Timeout = 30 * time.Millisecond
	cfg.MaxAttempts = 1
	eng := New(cfg, st, nil, nil)

	atts, err := eng.Deliver(context.Background(), endpointFor(srv.URL), testPayload("ev-4"))
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(atts) != 1 || atts[0].HTTPStatus != nil || atts[0].Error == "" || atts[0].Outcome != model.OutcomeExhausted {
		t.Fatalf("attempts: %+v", atts)
	}
}

func TestDeliverRequiresActiveEndpoint(t *testing.T) {
	eng := New(testConfig(), storagetest.New(t, nil), nil, nil)
	ep := endpointFor("http://127.0.0.1:1")
	ep.Active = false
	if _, err := eng.Deliver(context.Background(), ep, testPayload("ev-5")); !errors.Is(err, ErrNoEndpoint) {
		t.Fatalf("expected ErrNoEndpoint, got %v", err)
	}
}

func TestCancelledBackoffLeavesRetryingAndResumeContinues(t *testing.T) {
	var healthy atomic.Bool
	rcv := &receiver{status: func(int) int {
		if healthy.Load() {
			return http.StatusOK
		}
		return http.StatusServiceUnavailable
	}}
	srv := httptest.NewServer(rcv)
	defer srv.Close()
	st := storagetest.New(t, nil)
	cfg := testConfig()

	ctx, cancel := context.WithCancel(context.Background())
	stopping := New(cfg, st, nil, nil, WithSleep(func(context.Context, time.Duration) bool {
		cancel()
		return false
	}))
	atts, err := stopping.Deliver(ctx, endpointFor(srv.URL), testPayload("ev-6"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if len(atts) != 1 || atts[0].Outcome != model.OutcomeRetrying {
		t.Fatalf("attempts: %+v", atts)
	}

	healthy.Store(true)
	resumer := New(cfg, st, nil, nil)
	n, err := resumer.ResumePending(context.Background(), func(_ context.Context, eventID string) (model.WebhookEndpoint, Payload, error) {
		return endpointFor(srv.URL), testPayload(eventID), nil
	})
	if err != nil || n != 1 {
		t.Fatalf("resume: n=%d err=%v", n, err)
	}
	stored, _ := st.AttemptsForEvent(context.Background(), "ev-6")
	if len(stored) != 2 || stored[1].AttemptNumber != 2 || stored[1].Outcome != model.OutcomeDelivered {
		t.Fatalf("resumed attempts: %+v", stored)
	}
	if stored[1].SentAt.Before(stored[0].SentAt.Add(cfg.BaseDelay)) {
		t.Fatalf("resume ignored backoff")
	}
	pending, _ := st.PendingDeliveries(context.Background())
	if len(pending) != 0 {
		t.Fatalf("nothing should be pending: %+v", pending)
	}
}
