package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"giftguard/internal/model"
	"giftguard/internal/normalize"
)

const (
	defaultLogLimit = 50
	maxLogLimit     = 500
)

func (s *Server) handleFraudLogs(w http.ResponseWriter, r *http.Request) {
	limit := defaultLogLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be a positive integer")
			return
		}
		limit = min(n, maxLogLimit)
	}
	events, err := s.store.RecentEvents(r.Context(), limit)
	if err != nil {
		s.serverError(w, "recent events", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (s *Server) handleFraudStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Statistics(r.Context())
	if err != nil {
		s.serverError(w, "statistics", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeJSON(w, http.StatusOK, map[string]any{"alerts": []model.FraudAlert{}, "count": 0})
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	var list []model.FraudAlert
	if v := r.URL.Query().Get("since"); v != "" {
		ts, err := normalize.ParseTimestamp(v, time.UTC)
		if err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "since must be an RFC3339 time, a date or a unix timestamp")
			return
		}
		list = s.hub.History().Since(ts)
	} else {
		list = s.hub.History().List(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": list, "count": len(list)})
}

// handleAlertStream is one operator session: server-sent events until the
// client goes away or the hub closes.
func (s *Server) handleAlertStream(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "real-time channel disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "STREAMING_UNSUPPORTED", "streaming unsupported")
		return
	}
	id, alerts := s.hub.Subscribe()
	defer s.hub.Unsubscribe(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case alert, open := <-alerts:
			if !open {
				return
			}
			body, err := json.Marshal(alert)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %s\nevent: fraud_alert\ndata: %s\n\n", alert.ID, body)
			flusher.Flush()
		}
	}
}

func (s *Server) handleDeliveries(w http.ResponseWriter, r *http.Request) {
	since := time.Now().UTC().Add(-24 * time.Hour)
	if v := r.URL.Query().Get("since"); v != "" {
		ts, err := normalize.ParseTimestamp(v, time.UTC)
		if err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "since must be an RFC3339 time, a date or a unix timestamp")
			return
		}
		since = ts
	}
	attempts, err := s.store.AttemptsSince(r.Context(), since)
	if err != nil {
		s.serverError(w, "delivery attempts", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"attempts": attempts,
		"summary":  Summarize(since, attempts),
	})
}

func (s *Server) handleEventDeliveries(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	attempts, err := s.store.AttemptsForEvent(r.Context(), eventID)
	if err != nil {
		s.serverError(w, "event deliveries", err)
		return
	}
	if len(attempts) == 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no deliveries for event "+eventID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"event_id": eventID, "attempts": attempts})
}

// Summarize counts attempts per outcome.
func Summarize(since time.Time, attempts []model.DeliveryAttempt) model.DeliverySummary {
	sum := model.DeliverySummary{
		Since:     since,
		Attempts:  len(attempts),
		ByOutcome: map[model.Outcome]int{},
	}
	for _, o := range []model.Outcome{model.OutcomeDelivered, model.OutcomeRetrying, model.OutcomeExhausted} {
		sum.ByOutcome[o] = 0
	}
	for _, a := range attempts {
		sum.ByOutcome[a.Outcome]++
	}
	return sum
}
