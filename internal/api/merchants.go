package api

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"giftguard/internal/model"
	"giftguard/internal/normalize"
	"giftguard/internal/storage"
)

type webhookRequest struct {
	URL    string `json:"url"`
	Secret string `json:"secret"`
	Active *bool  `json:"active"`
}

type giftCardRequest struct {
	Redeemed bool `json:"redeemed"`
}

func (s *Server) handleGetWebhook(w http.ResponseWriter, r *http.Request) {
	merchantID := normalize.MerchantID(chi.URLParam(r, "merchantID"))
	ep, err := s.store.WebhookEndpoint(r.Context(), merchantID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no webhook for merchant "+merchantID)
		return
	}
	if err != nil {
		s.serverError(w, "webhook endpoint", err)
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

func (s *Server) handlePutWebhook(w http.ResponseWriter, r *http.Request) {
	merchantID := normalize.MerchantID(chi.URLParam(r, "merchantID"))
	var req webhookRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "request body must be valid JSON")
		return
	}
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "url must be an absolute http(s) URL")
		return
	}
	if req.Secret == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "secret is required")
		return
	}
	ep := model.WebhookEndpoint{MerchantID: merchantID, URL: u.String(), Secret: req.Secret, Active: true}
	if req.Active != nil {
		ep.Active = *req.Active
	}
	if err := s.store.SaveWebhookEndpoint(r.Context(), ep); err != nil {
		s.serverError(w, "save webhook endpoint", err)
		return
	}
	saved, err := s.store.WebhookEndpoint(r.Context(), merchantID)
	if err != nil {
		s.serverError(w, "reload webhook endpoint", err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	merchantID := normalize.MerchantID(chi.URLParam(r, "merchantID"))
	err := s.store.DeleteWebhookEndpoint(r.Context(), merchantID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no webhook for merchant "+merchantID)
		return
	}
	if err != nil {
		s.serverError(w, "delete webhook endpoint", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePutGiftCard(w http.ResponseWriter, r *http.Request) {
	gan := normalize.GAN(chi.URLParam(r, "gan"))
	if gan == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "gan is required")
		return
	}
	var req giftCardRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "request body must be valid JSON")
		return
	}
	if err := s.store.SaveGiftCard(r.Context(), model.GiftCard{GAN: gan, Redeemed: req.Redeemed}); err != nil {
		s.serverError(w, "save gift card", err)
		return
	}
	s.writeGiftCard(w, r, gan)
}

func (s *Server) handleGetGiftCard(w http.ResponseWriter, r *http.Request) {
	s.writeGiftCard(w, r, normalize.GAN(chi.URLParam(r, "gan")))
}

func (s *Server) writeGiftCard(w http.ResponseWriter, r *http.Request, gan string) {
	card, err := s.store.GiftCard(r.Context(), gan)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown gift card")
		return
	}
	if err != nil {
		s.serverError(w, "gift card", err)
		return
	}
	writeJSON(w, http.StatusOK, card)
}
