package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"giftguard/internal/model"
)

// Recorder owns the service collectors. A nil *Recorder records nothing, so
// components can be built without metrics in tests.
type Recorder struct {
	registry     *prometheus.Registry
	checks       *prometheus.CounterVec
	failures     *prometheus.CounterVec
	ruleErrors   *prometheus.CounterVec
	appendErrors prometheus.Counter
	alerts       *prometheus.CounterVec
	dispatches   *prometheus.CounterVec
	attempts     *prometheus.CounterVec
	latency      *prometheus.HistogramVec
}

func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "giftguard",
			Name:      "redemption_checks_total",
			Help:      "Redemption checks by decision and reason.",
		}, []string{"decision", "reason"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "giftguard",
			Name:      "redemption_failures_total",
			Help:      "Redemption failures reported to the detector.",
		}, []string{"reason", "source"}),
		ruleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "giftguard",
			Name:      "rule_errors_total",
			Help:      "Detection rules that could not be evaluated.",
		}, []string{"rule"}),
		appendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "giftguard",
			Name:      "fraud_event_append_errors_total",
			Help:      "Fraud events that could not be persisted.",
		}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "giftguard",
			Name:      "alerts_emitted_total",
			Help:      "Real-time fraud alerts by type and severity.",
		}, []string{"type", "severity"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "giftguard",
			Name:      "dispatch_branches_total",
			Help:      "Fan-out branch results.",
		}, []string{"branch", "status"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "giftguard",
			Name:      "webhook_attempts_total",
			Help:      "Webhook delivery attempts by outcome.",
		}, []string{"outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "giftguard",
			Name:      "webhook_attempt_seconds",
			Help:      "Webhook attempt round trip time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
	}
	r.registry.MustRegister(
		r.checks, r.failures, r.ruleErrors, r.appendErrors,
		r.alerts, r.dispatches, r.attempts, r.latency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

func (r *Recorder) ObserveCheck(res model.FraudCheckResult) {
	if r == nil {
		return
	}
	decision := "allowed"
	if res.IsBlocked {
		decision = "blocked"
	}
	r.checks.WithLabelValues(decision, string(res.Reason)).Inc()
}

func (r *Recorder) ObserveFailure(reason model.Reason, source string) {
	if r == nil {
		return
	}
	r.failures.WithLabelValues(string(reason), source).Inc()
}

func (r *Recorder) ObserveRuleError(rule string) {
	if r == nil {
		return
	}
	r.ruleErrors.WithLabelValues(rule).Inc()
}

func (r *Recorder) ObserveAppendError() {
	if r == nil {
		return
	}
	r.appendErrors.Inc()
}

func (r *Recorder) ObserveAlert(alert model.FraudAlert) {
	if r == nil {
		return
	}
	r.alerts.WithLabelValues(string(alert.Type), string(alert.Severity)).Inc()
}

func (r *Recorder) ObserveDispatch(branch, status string) {
	if r == nil {
		return
	}
	r.dispatches.WithLabelValues(branch, status).Inc()
}

func (r *Recorder) ObserveAttempt(outcome model.Outcome, seconds float64) {
	if r == nil {
		return
	}
	r.attempts.WithLabelValues(string(outcome)).Inc()
	r.latency.WithLabelValues(string(outcome)).Observe(seconds)
}
