package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"app/internal/api/v1/dto"
	"app/internal/billing"
	"app/internal/middleware"
	"app/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// BillingHandler receives billing provider webhooks, verifies them and feeds
// the normalized events to the subscription reconciler.
type BillingHandler struct {
	reconcilerSvc service.ReconcilerService
	secretSvc     service.BillingSecretService
	paddleSecret  string
	stripeSecret  string
	validate      *validator.Validate
	logger        zerolog.Logger
}

// NewBillingHandler creates a new BillingHandler. secretSvc may be nil when
// Secret Manager is not configured; secret rotation is then unavailable.
func NewBillingHandler(reconcilerSvc service.ReconcilerService, secretSvc service.BillingSecretService, paddleSecret, stripeSecret string, validate *validator.Validate, logger zerolog.Logger) *BillingHandler {
	return &BillingHandler{
		reconcilerSvc: reconcilerSvc,
		secretSvc:     secretSvc,
		paddleSecret:  paddleSecret,
		stripeSecret:  stripeSecret,
		validate:      validate,
		logger:        logger,
	}
}

// RegisterRoutes registers the webhook endpoints. Webhooks authenticate via
// provider signatures, not bearer tokens, so no auth middleware is applied to
// them; the secret rotation endpoint is admin-gated.
func (h *BillingHandler) RegisterRoutes(mux *http.ServeMux, authMw func(http.Handler) http.Handler) {
	mux.Handle("/webhooks/paddle", http.HandlerFunc(h.paddleWebhook))
	mux.Handle("/webhooks/stripe", http.HandlerFunc(h.stripeWebhook))
	mux.Handle("/webhooks/billing", http.HandlerFunc(h.genericWebhook))
	mux.Handle("/billing/webhook-secret", authMw(middleware.RequireAdmin(http.HandlerFunc(h.rotateWebhookSecret))))
}

// paddleWebhook godoc
// @Summary Receive a Paddle webhook
// @Description Verifies the Paddle signature and applies subscription lifecycle events.
// @Tags webhooks
// @Accept json
// @Produce json
// @Success 200 {object} map[string]string "event received"
// @Failure 400 {string} string "invalid event"
// @Failure 401 {string} string "signature verification failed"
// @Router /webhooks/paddle [post]
func (h *BillingHandler) paddleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	if err := billing.VerifyPaddleSignature(payload, r.Header.Get("Paddle-Signature"), h.paddleSecret); err != nil {
		h.logger.Warn().Err(err).Msg("Rejected Paddle webhook: bad signature")
		http.Error(w, "signature verification failed", http.StatusUnauthorized)
		return
	}

	event, ok, err := billing.MapPaddleEvent(payload)
	if err != nil {
		http.Error(w, "invalid event payload", http.StatusBadRequest)
		return
	}
	if !ok {
		// Unhandled event type; acknowledge so the provider stops retrying.
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	h.applyEvent(w, r, event.Provider, func() error {
		return h.reconcilerSvc.ApplyEvent(r.Context(), event)
	})
}

// stripeWebhook godoc
// @Summary Receive a Stripe webhook
// @Description Verifies the Stripe signature and applies subscription lifecycle events.
// @Tags webhooks
// @Accept json
// @Produce json
// @Success 200 {object} map[string]string "event received"
// @Failure 400 {string} string "invalid event"
// @Failure 401 {string} string "signature verification failed"
// @Router /webhooks/stripe [post]
func (h *BillingHandler) stripeWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	event, ok, err := billing.ParseStripeEvent(payload, r.Header.Get("Stripe-Signature"), h.stripeSecret)
	if err != nil {
		if errors.Is(err, billing.ErrBadSignature) {
			h.logger.Warn().Err(err).Msg("Rejected Stripe webhook: bad signature")
			http.Error(w, "signature verification failed", http.StatusUnauthorized)
			return
		}
		http.Error(w, "invalid event payload", http.StatusBadRequest)
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	h.applyEvent(w, r, event.Provider, func() error {
		return h.reconcilerSvc.ApplyEvent(r.Context(), event)
	})
}

// genericWebhook godoc
// @Summary Receive a pre-normalized billing event
// @Description Accepts a provider-agnostic subscription lifecycle event. Used by internal billing bridges.
// @Tags webhooks
// @Accept json
// @Produce json
// @Param event body dto.WebhookEventDTO true "Normalized billing event"
// @Success 200 {object} map[string]string "event received"
// @Failure 400 {string} string "invalid event"
// @Router /webhooks/billing [post]
func (h *BillingHandler) genericWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req dto.WebhookEventDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request payload", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		http.Error(w, "invalid request payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	h.applyEvent(w, r, req.Provider, func() error {
		return h.reconcilerSvc.ApplyEvent(r.Context(), req.ToModel())
	})
}

// rotateWebhookSecret godoc
// @Summary Rotate a provider webhook signing secret
// @Description Stores a new webhook secret in Secret Manager. Admin only; takes effect on next restart.
// @Tags webhooks
// @Accept json
// @Produce json
// @Param request body dto.WebhookSecretRequest true "New webhook secret"
// @Success 204 {string} string "secret stored"
// @Failure 400 {string} string "invalid request payload"
// @Failure 403 {string} string "admin access required"
// @Failure 500 {string} string "failed to store secret"
// @Failure 501 {string} string "secret storage not configured"
// @Router /billing/webhook-secret [post]
func (h *BillingHandler) rotateWebhookSecret(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.secretSvc == nil {
		http.Error(w, "secret storage not configured", http.StatusNotImplemented)
		return
	}
	var req dto.WebhookSecretRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request payload", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		http.Error(w, "invalid request payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.secretSvc.StoreWebhookSecret(r.Context(), req.Provider, req.Secret); err != nil {
		h.logger.Error().Err(err).Str("provider", req.Provider).Msg("Failed to store webhook secret")
		http.Error(w, "failed to store secret", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// applyEvent runs the reconciler and maps its errors onto webhook responses.
// Malformed events are a 400 so providers surface them; transient failures
// are a 500 so providers retry.
func (h *BillingHandler) applyEvent(w http.ResponseWriter, r *http.Request, provider string, apply func() error) {
	if err := apply(); err != nil {
		if errors.Is(err, service.ErrInvalidEvent) {
			h.logger.Warn().Err(err).Str("provider", provider).Msg("Rejected billing event")
			http.Error(w, "invalid event", http.StatusBadRequest)
			return
		}
		h.logger.Error().Err(err).Str("provider", provider).Msg("Failed to apply billing event")
		http.Error(w, "failed to apply event", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
}
