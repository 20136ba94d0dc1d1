package api

import (
	"net/http"

	"giftguard/internal/config"
)

// OnConfigChange registers fn to receive every config the operator API
// writes, so running components pick up new thresholds at once.
func (s *Server) OnConfigChange(fn func(*config.Config)) {
	s.onConfig = fn
}

func (s *Server) handleGetDetection(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Get().Detection)
}

// handlePutDetection merges the body over the current detection settings,
// validates, writes the file back and applies the result.
func (s *Server) handlePutDetection(w http.ResponseWriter, r *http.Request) {
	next := *s.cfg.Get()
	if err := decodeJSON(w, r, &next.Detection); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid JSON body: "+err.Error())
		return
	}
	if next.Detection.QueryTimeout <= 0 {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "query_timeout must be positive")
		return
	}
	if err := s.cfg.Update(&next); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	if s.logger != nil {
		s.logger.Info("detection settings updated", "path", s.cfg.Path(), "fail_closed", next.Detection.FailClosed)
	}
	if s.onConfig != nil {
		s.onConfig(&next)
	}
	writeJSON(w, http.StatusOK, next.Detection)
}
