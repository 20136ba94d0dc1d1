package api_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"giftguard/internal/alerts"
	"giftguard/internal/api"
	"giftguard/internal/config"
	"giftguard/internal/dispatch"
	"giftguard/internal/engine"
	"giftguard/internal/metrics"
	"giftguard/internal/model"
	"giftguard/internal/storage"
	"giftguard/internal/storage/storagetest"
	"giftguard/internal/webhook"
)

type env struct {
	srv   *httptest.Server
	store storage.Store
	hub   *alerts.Hub
	disp  *dispatch.Dispatcher
}

func newEnv(t *testing.T) *env {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Webhook.BaseDelay = 10 * time.Millisecond
	cfg.Webhook.Timeout = time.Second
	st := storagetest.New(t, nil)
	rec := metrics.New()
	hub := alerts.NewHub(nil, 8, nil)
	wh := webhook.New(cfg.Webhook, st, nil, rec)
	disp := dispatch.New(context.Background(), cfg, nil, st, st, hub, wh, rec)
	eng := engine.NewEngine(cfg, nil, st, st, disp, rec)
	server := api.NewServer(config.NewStaticManager(cfg), eng, st, hub, rec, nil, "test")
	server.OnConfigChange(func(next *config.Config) {
		eng.UpdateConfig(next)
		disp.UpdateConfig(next)
	})
	srv := httptest.NewServer(server.Router())
	t.Cleanup(disp.Close)
	t.Cleanup(srv.Close)
	return &env{srv: srv, store: st, hub: hub, disp: disp}
}

func (e *env) do(t *testing.T, method, path, ip string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(method, e.srv.URL+path, rd)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "test-agent/1.0")
	if ip != "" {
		req.Header.Set("X-Forwarded-For", ip)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

type redemption struct {
	Status string                 `json:"status"`
	Check  model.FraudCheckResult `json:"fraud_check"`
}

func TestThirdRedemptionFromSameIPIsBlocked(t *testing.T) {
	e := newEnv(t)
	wantStatus := []int{http.StatusNotFound, http.StatusNotFound, http.StatusForbidden}
	var last redemption
	for i, want := range wantStatus {
		resp := e.do(t, http.MethodPost, "/api/v1/redemptions", "1.2.3.4", map[string]string{"gan": "GC-1"})
		if resp.StatusCode != want {
			t.Fatalf("call %d: status %d, want %d", i+1, resp.StatusCode, want)
		}
		decode(t, resp, &last)
	}
	if !last.Check.IsBlocked || last.Check.Reason != model.ReasonIPRateLimit || last.Check.RiskLevel != model.RiskHigh {
		t.Fatalf("third call: %+v", last)
	}
	e.disp.Wait()

	var logs struct {
		Events []model.FraudEvent `json:"events"`
		Count  int                `json:"count"`
	}
	decode(t, e.do(t, http.MethodGet, "/api/v1/fraud/logs?limit=10", "", nil), &logs)
	if logs.Count != 3 {
		t.Fatalf("expected 3 fraud events, got %d", logs.Count)
	}
	if alerts := e.hub.History().List(0); len(alerts) != 1 || alerts[0].Type != model.AlertRateLimitExceeded {
		t.Fatalf("expected one realtime alert: %+v", alerts)
	}

	var stats model.Statistics
	decode(t, e.do(t, http.MethodGet, "/api/v1/fraud/stats", "", nil), &stats)
	if stats.TotalAttempts != 3 || stats.UniqueIPs != 1 || len(stats.TopReasons) != 2 {
		t.Fatalf("stats: %+v", stats)
	}
}

func TestRedeemThenReuseIsBlocked(t *testing.T) {
	e := newEnv(t)
	resp := e.do(t, http.MethodPut, "/api/v1/giftcards/gc-ok", "", map[string]bool{"redeemed": false})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("seed card: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = e.do(t, http.MethodPost, "/api/v1/redemptions", "10.0.0.1", map[string]string{"gan": "GC-OK", "merchant_id": "m1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("redeem: %d", resp.StatusCode)
	}
	resp.Body.Close()

	var r redemption
	resp = e.do(t, http.MethodPost, "/api/v1/redemptions", "10.0.0.2", map[string]string{"gan": "GC-OK"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("reuse: %d", resp.StatusCode)
	}
	decode(t, resp, &r)
	if r.Check.Reason != model.ReasonReusedCode {
		t.Fatalf("reuse reason: %+v", r)
	}
}

func TestCheckAndFailureEndpoints(t *testing.T) {
	e := newEnv(t)
	var res model.FraudCheckResult
	decode(t, e.do(t, http.MethodPost, "/api/v1/redemptions/check", "5.5.5.5", map[string]string{"gan": "GC-2"}), &res)
	if res.IsBlocked || res.RiskLevel != model.RiskLow {
		t.Fatalf("check: %+v", res)
	}

	resp := e.do(t, http.MethodPost, "/api/v1/redemptions/failures", "5.5.5.5", map[string]string{"gan": "GC-2", "reason": "reused_code"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("non-failure reason accepted: %d", resp.StatusCode)
	}
	resp.Body.Close()

	var ev model.FraudEvent
	resp = e.do(t, http.MethodPost, "/api/v1/redemptions/failures", "5.5.5.5", map[string]string{"gan": "gc-2", "reason": "invalid_code", "ip": "6.6.6.6"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("failure: %d", resp.StatusCode)
	}
	decode(t, resp, &ev)
	if ev.GAN != "GC-2" || ev.IPAddress != "6.6.6.6" || ev.UserAgent != "test-agent/1.0" {
		t.Fatalf("event: %+v", ev)
	}

	resp = e.do(t, http.MethodPost, "/api/v1/redemptions/check", "5.5.5.5", map[string]string{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing gan: %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestMerchantWebhookLifecycle(t *testing.T) {
	e := newEnv(t)
	resp := e.do(t, http.MethodPut, "/api/v1/merchants/m1/webhook", "", map[string]string{"url": "ftp://nope", "secret": "x"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad url accepted: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = e.do(t, http.MethodPut, "/api/v1/merchants/m1/webhook", "", map[string]string{"url": "https://hooks.example/fraud", "secret": "top-secret"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put: %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if strings.Contains(string(body), "top-secret") {
		t.Fatalf("secret echoed: %s", body)
	}

	resp = e.do(t, http.MethodGet, "/api/v1/merchants/m1/webhook", "", nil)
	var ep model.WebhookEndpoint
	decode(t, resp, &ep)
	if ep.URL != "https://hooks.example/fraud" || !ep.Active {
		t.Fatalf("get: %+v", ep)
	}

	resp = e.do(t, http.MethodDelete, "/api/v1/merchants/m1/webhook", "", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: %d", resp.StatusCode)
	}
	resp.Body.Close()
	resp = e.do(t, http.MethodGet, "/api/v1/merchants/m1/webhook", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete: %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestBlockDeliversSignedWebhook(t *testing.T) {
	e := newEnv(t)
	var mu sync.Mutex
	var gotSig string
	var gotBody []byte
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotSig = r.Header.Get("X-Giftguard-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer receiver.Close()

	resp := e.do(t, http.MethodPut, "/api/v1/merchants/m1/webhook", "", map[string]string{"url": receiver.URL, "secret": "k"})
	resp.Body.Close()
	resp = e.do(t, http.MethodPut, "/api/v1/giftcards/GC-R", "", map[string]bool{"redeemed": true})
	resp.Body.Close()

	resp = e.do(t, http.MethodPost, "/api/v1/redemptions", "7.7.7.7", map[string]string{"gan": "GC-R", "merchant_id": "m1"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected block: %d", resp.StatusCode)
	}
	resp.Body.Close()
	e.disp.Wait()

	mu.Lock()
	if gotSig != webhook.SignatureHeaderValue(webhook.Sign("k", gotBody)) {
		t.Fatalf("signature %q does not match body", gotSig)
	}
	var payload map[string]any
	_ = json.Unmarshal(gotBody, &payload)
	mu.Unlock()
	if payload["reason"] != string(model.ReasonReusedCode) || payload["merchantId"] != "m1" {
		t.Fatalf("payload: %+v", payload)
	}

	var deliveries struct {
		Attempts []model.DeliveryAttempt `json:"attempts"`
		Summary  model.DeliverySummary   `json:"summary"`
	}
	decode(t, e.do(t, http.MethodGet, "/api/v1/webhooks/deliveries", "", nil), &deliveries)
	if len(deliveries.Attempts) != 1 || deliveries.Summary.ByOutcome[model.OutcomeDelivered] != 1 {
		t.Fatalf("deliveries: %+v", deliveries)
	}
	resp = e.do(t, http.MethodGet, "/api/v1/webhooks/deliveries/"+deliveries.Attempts[0].EventID, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("event deliveries: %d", resp.StatusCode)
	}
	resp.Body.Close()
	resp = e.do(t, http.MethodGet, "/api/v1/webhooks/deliveries/unknown", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown event deliveries: %d", resp.StatusCode)
	}
	resp.Body.Close()

	hourAgoMillis := strconv.FormatInt(time.Now().Add(-time.Hour).UnixMilli(), 10)
	decode(t, e.do(t, http.MethodGet, "/api/v1/webhooks/deliveries?since="+hourAgoMillis, "", nil), &deliveries)
	if len(deliveries.Attempts) != 1 {
		t.Fatalf("deliveries since unix millis: %+v", deliveries.Attempts)
	}
	hourAheadSecs := strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10)
	decode(t, e.do(t, http.MethodGet, "/api/v1/webhooks/deliveries?since="+hourAheadSecs, "", nil), &deliveries)
	if len(deliveries.Attempts) != 0 {
		t.Fatalf("deliveries since the future: %+v", deliveries.Attempts)
	}
	var recent struct {
		Count int `json:"count"`
	}
	decode(t, e.do(t, http.MethodGet, "/api/v1/alerts?since=2000-01-01", "", nil), &recent)
	if recent.Count != 1 {
		t.Fatalf("alerts since date: %d", recent.Count)
	}
	resp = e.do(t, http.MethodGet, "/api/v1/webhooks/deliveries?since=yesterday", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad since: %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestDetectionSettingsUpdateAppliesLive(t *testing.T) {
	e := newEnv(t)
	resp := e.do(t, http.MethodPut, "/api/v1/config/detection", "", map[string]any{
		"ip_rate_limit": map[string]any{"enabled": false},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put detection: %d", resp.StatusCode)
	}
	resp.Body.Close()

	for i := 0; i < 3; i++ {
		resp := e.do(t, http.MethodPost, "/api/v1/redemptions", "4.4.4.4", map[string]string{"gan": "GC-X"})
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("call %d: status %d with ip rule disabled", i+1, resp.StatusCode)
		}
		resp.Body.Close()
	}

	var got config.DetectionConfig
	decode(t, e.do(t, http.MethodGet, "/api/v1/config/detection", "", nil), &got)
	if got.IPRateLimit.Enabled || got.IPRateLimit.Threshold != 3 || !got.FailClosed {
		t.Fatalf("merged settings: %+v", got)
	}

	for _, body := range []map[string]any{
		{"query_timeout": 0},
		{"no_such_rule": true},
	} {
		resp := e.do(t, http.MethodPut, "/api/v1/config/detection", "", body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%v: status %d", body, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestAlertStreamPushesBlocks(t *testing.T) {
	e := newEnv(t)
	resp := e.do(t, http.MethodPut, "/api/v1/giftcards/GC-S", "", map[string]bool{"redeemed": true})
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, e.srv.URL+"/api/v1/alerts/stream", nil)
	stream, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer stream.Body.Close()
	if ct := stream.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}
	lines := bufio.NewScanner(stream.Body)
	if !lines.Scan() || lines.Text() != ": connected" {
		t.Fatalf("missing connect comment")
	}

	resp = e.do(t, http.MethodPost, "/api/v1/redemptions/check", "8.8.8.8", map[string]string{"gan": "GC-S"})
	resp.Body.Close()

	for lines.Scan() {
		line := lines.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var alert model.FraudAlert
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &alert); err != nil {
			t.Fatalf("decode alert: %v", err)
		}
		if alert.Type != model.AlertCodeReuse || alert.IP != "8.8.8.8" {
			t.Fatalf("alert: %+v", alert)
		}
		return
	}
	t.Fatalf("stream ended without an alert: %v", lines.Err())
}

func TestStatusAndMetrics(t *testing.T) {
	e := newEnv(t)
	var status map[string]any
	resp := e.do(t, http.MethodGet, "/status", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	decode(t, resp, &status)
	if status["status"] != "ok" || status["version"] != "test" {
		t.Fatalf("status: %+v", status)
	}

	resp = e.do(t, http.MethodPost, "/api/v1/redemptions/check", "9.9.9.9", map[string]string{"gan": "GC-M"})
	resp.Body.Close()
	resp = e.do(t, http.MethodGet, "/metrics", "", nil)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `giftguard_redemption_checks_total{decision="allowed"`) {
		t.Fatalf("metrics missing check counter:\n%s", body)
	}
}
