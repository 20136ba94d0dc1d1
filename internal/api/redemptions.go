package api

import (
	"errors"
	"net/http"

	"giftguard/internal/model"
	"giftguard/internal/normalize"
	"giftguard/internal/storage"
)

type redemptionRequest struct {
	GAN        string `json:"gan"`
	MerchantID string `json:"merchant_id"`
}

type failureRequest struct {
	GAN        string `json:"gan"`
	MerchantID string `json:"merchant_id"`
	Reason     string `json:"reason"`
	IPAddress  string `json:"ip"`
	UserAgent  string `json:"user_agent"`
}

type redemptionResponse struct {
	Status   string                 `json:"status"`
	Check    model.FraudCheckResult `json:"fraud_check"`
	GiftCard *model.GiftCard        `json:"gift_card,omitempty"`
}

func (s *Server) attemptFrom(r *http.Request, gan, merchantID string) model.Attempt {
	return normalize.Attempt(model.Attempt{
		IPAddress:  normalize.ClientIP(r, s.cfg.Get().API.TrustProxy),
		UserAgent:  r.UserAgent(),
		GAN:        gan,
		MerchantID: merchantID,
	})
}

// handleRedeem runs the detector before touching card state. Failures the
// handler sees on its own are logged back into the detector.
func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	var req redemptionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "request body must be valid JSON")
		return
	}
	attempt := s.attemptFrom(r, req.GAN, req.MerchantID)
	if attempt.GAN == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "gan is required")
		return
	}
	ctx := r.Context()
	check := s.engine.CheckRedemption(ctx, attempt)
	if check.IsBlocked {
		writeJSON(w, http.StatusForbidden, redemptionResponse{Status: "blocked", Check: check})
		return
	}

	card, err := s.store.GiftCard(ctx, attempt.GAN)
	if errors.Is(err, storage.ErrNotFound) {
		s.logFailure(r, attempt, model.ReasonInvalidCode)
		writeJSON(w, http.StatusNotFound, redemptionResponse{Status: string(model.ReasonInvalidCode), Check: check})
		return
	}
	if err != nil {
		s.serverError(w, "load gift card", err)
		return
	}
	if card.Redeemed {
		s.logFailure(r, attempt, model.ReasonRedemptionFailed)
		writeJSON(w, http.StatusConflict, redemptionResponse{Status: string(model.ReasonRedemptionFailed), Check: check})
		return
	}
	ok, err := s.store.MarkRedeemed(ctx, attempt.GAN)
	if err != nil {
		s.serverError(w, "mark redeemed", err)
		return
	}
	if !ok {
		s.logFailure(r, attempt, model.ReasonRedemptionFailed)
		writeJSON(w, http.StatusConflict, redemptionResponse{Status: string(model.ReasonRedemptionFailed), Check: check})
		return
	}
	card, err = s.store.GiftCard(ctx, attempt.GAN)
	if err != nil {
		s.serverError(w, "reload gift card", err)
		return
	}
	writeJSON(w, http.StatusOK, redemptionResponse{Status: "redeemed", Check: check, GiftCard: &card})
}

func (s *Server) logFailure(r *http.Request, attempt model.Attempt, reason model.Reason) {
	// Logging is best effort; the response is already decided.
	_, _ = s.engine.LogRedemptionFailure(r.Context(), model.FailureReport{Attempt: attempt, Reason: reason, Source: "api"})
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req redemptionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "request body must be valid JSON")
		return
	}
	attempt := s.attemptFrom(r, req.GAN, req.MerchantID)
	if attempt.GAN == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "gan is required")
		return
	}
	writeJSON(w, http.StatusOK, s.engine.CheckRedemption(r.Context(), attempt))
}

func (s *Server) handleFailure(w http.ResponseWriter, r *http.Request) {
	var req failureRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "request body must be valid JSON")
		return
	}
	reason, err := normalize.ParseReason(req.Reason)
	if err != nil || !reason.IsFailure() {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "reason must be invalid_code or redemption_failed")
		return
	}
	attempt := s.attemptFrom(r, req.GAN, req.MerchantID)
	if req.IPAddress != "" {
		attempt.IPAddress = normalize.IP(req.IPAddress)
	}
	if req.UserAgent != "" {
		attempt.UserAgent = normalize.UserAgent(req.UserAgent)
	}
	if attempt.GAN == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "gan is required")
		return
	}
	ev, err := s.engine.LogRedemptionFailure(r.Context(), model.FailureReport{Attempt: attempt, Reason: reason, Source: "api"})
	if err != nil {
		s.serverError(w, "log redemption failure", err)
		return
	}
	writeJSON(w, http.StatusAccepted, ev)
}

func (s *Server) serverError(w http.ResponseWriter, op string, err error) {
	if s.logger != nil {
		s.logger.Error("request failed", "op", op, "err", err)
	}
	writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "an unexpected error occurred")
}
