// Package api is the HTTP surface: redemption endpoints, the operator query
// surface, the alert stream and merchant configuration.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"giftguard/internal/alerts"
	"giftguard/internal/config"
	"giftguard/internal/metrics"
	"giftguard/internal/model"
	"giftguard/internal/storage"
)

// Detector is the abuse detector as seen by the redemption handlers.
type Detector interface {
	CheckRedemption(ctx context.Context, attempt model.Attempt) model.FraudCheckResult
	LogRedemptionFailure(ctx context.Context, report model.FailureReport) (model.FraudEvent, error)
}

type Server struct {
	cfg     *config.Manager
	engine  Detector
	store   storage.Store
	hub     *alerts.Hub
	metrics *metrics.Recorder
	logger  *slog.Logger
	version string

	heartbeat time.Duration
	onConfig  func(*config.Config)
}

func NewServer(cfg *config.Manager, engine Detector, store storage.Store, hub *alerts.Hub, rec *metrics.Recorder, logger *slog.Logger, version string) *Server {
	return &Server{
		cfg:       cfg,
		engine:    engine,
		store:     store,
		hub:       hub,
		metrics:   rec,
		logger:    logger,
		version:   version,
		heartbeat: 15 * time.Second,
	}
}

func (s *Server) Router() http.Handler {
	cfg := s.cfg.Get()
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if cfg.API.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/status", s.handleStatus)
	if cfg.Metrics.Enabled && s.metrics != nil {
		r.Method(http.MethodGet, cfg.Metrics.Path, s.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/redemptions", func(r chi.Router) {
			r.Post("/", s.handleRedeem)
			r.Post("/check", s.handleCheck)
			r.Post("/failures", s.handleFailure)
		})

		r.Get("/fraud/logs", s.handleFraudLogs)
		r.Get("/fraud/stats", s.handleFraudStats)

		r.Get("/alerts", s.handleAlerts)
		r.Get("/alerts/stream", s.handleAlertStream)

		r.Get("/webhooks/deliveries", s.handleDeliveries)
		r.Get("/webhooks/deliveries/{eventID}", s.handleEventDeliveries)

		r.Route("/merchants/{merchantID}/webhook", func(r chi.Router) {
			r.Get("/", s.handleGetWebhook)
			r.Put("/", s.handlePutWebhook)
			r.Delete("/", s.handleDeleteWebhook)
		})

		r.Get("/config/detection", s.handleGetDetection)
		r.Put("/config/detection", s.handlePutDetection)

		r.Put("/giftcards/{gan}", s.handlePutGiftCard)
		r.Get("/giftcards/{gan}", s.handleGetGiftCard)
	})
	return r
}

// Run serves the router until ctx ends, then shuts down gracefully. It
// returns nil at once when the API is disabled.
func Run(ctx context.Context, s *Server) error {
	current := s.cfg.Get().API
	if !current.Enabled {
		if s.logger != nil {
			s.logger.Info("api disabled")
		}
		return nil
	}
	if s.logger != nil {
		s.logger.Info("api enabled", "addr", current.Addr)
	}
	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}
	ctxShutdown, cancel := context.WithTimeout(context.Background(), current.ShutdownGrace)
	defer cancel()
	// Closing the hub ends the alert streams so Shutdown does not wait on them.
	if s.hub != nil {
		s.hub.Close()
	}
	return httpServer.Shutdown(ctxShutdown)
}

type statusResponse struct {
	Status      string          `json:"status"`
	Time        string          `json:"time"`
	Version     string          `json:"version"`
	ConfigPath  string          `json:"config_path"`
	Storage     storageStatus   `json:"storage"`
	Detection   detectionStatus `json:"detection"`
	Subscribers int             `json:"realtime_subscribers"`
	Kafka       kafkaStatus     `json:"kafka"`
}

type storageStatus struct {
	Driver string `json:"driver"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

type detectionStatus struct {
	Rules      map[string]bool `json:"rules"`
	FailClosed bool            `json:"fail_closed"`
}

type kafkaStatus struct {
	Ingest  bool `json:"ingest"`
	Publish bool `json:"publish"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Get()
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Storage:    storageStatus{Driver: cfg.Storage.Driver, OK: true},
		Detection: detectionStatus{
			Rules: map[string]bool{
				"ip_rate_limit":       cfg.Detection.IPRateLimit.Enabled,
				"reused_code":         cfg.Detection.ReusedCode.Enabled,
				"merchant_rate_limit": cfg.Detection.MerchantRateLimit.Enabled,
				"device_fingerprint":  cfg.Detection.DeviceFingerprint.Enabled,
				"suspicious_pattern":  cfg.Detection.SuspiciousPattern.Enabled,
			},
			FailClosed: cfg.Detection.FailClosed,
		},
		Kafka: kafkaStatus{Ingest: cfg.Ingest.Kafka.Enabled, Publish: cfg.Realtime.Kafka.Enabled},
	}
	if s.hub != nil {
		resp.Subscribers = s.hub.Subscribers()
	}
	status := http.StatusOK
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Storage.OK = false
		resp.Storage.Error = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		if s.logger == nil {
			return
		}
		s.logger.Info("http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
