package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"app/internal/api/v1/dto"
	"app/internal/middleware"
	"app/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// SubscriptionHandler exposes billing state reads and plan change requests.
type SubscriptionHandler struct {
	entitlementSvc service.EntitlementService
	reconcilerSvc  service.ReconcilerService
	validate       *validator.Validate
	logger         zerolog.Logger
}

// NewSubscriptionHandler creates a new SubscriptionHandler.
func NewSubscriptionHandler(entitlementSvc service.EntitlementService, reconcilerSvc service.ReconcilerService, validate *validator.Validate, logger zerolog.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{
		entitlementSvc: entitlementSvc,
		reconcilerSvc:  reconcilerSvc,
		validate:       validate,
		logger:         logger,
	}
}

// RegisterRoutes registers the billing endpoints.
func (h *SubscriptionHandler) RegisterRoutes(mux *http.ServeMux, authMw func(http.Handler) http.Handler) {
	mux.Handle("/billing/state", authMw(http.HandlerFunc(h.billingState)))
	mux.Handle("/billing/plan-change", authMw(http.HandlerFunc(h.planChange)))
}

// billingState godoc
// @Summary Get the billing state of the authenticated business
// @Description Returns the subscription status, active plan and any staged plan change.
// @Tags billing
// @Produce json
// @Success 200 {object} dto.BillingStateResponse "Billing state"
// @Failure 401 {string} string "unauthorized"
// @Failure 500 {string} string "failed to fetch billing state"
// @Router /billing/state [get]
func (h *SubscriptionHandler) billingState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	businessID, ok := r.Context().Value(middleware.BusinessContextKey).(string)
	if !ok || businessID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	state, err := h.entitlementSvc.BillingState(r.Context(), businessID)
	if err != nil {
		h.logger.Error().Err(err).Str("business_id", businessID).Msg("Failed to fetch billing state")
		http.Error(w, "failed to fetch billing state", http.StatusInternalServerError)
		return
	}

	resp := dto.BillingStateResponse{
		HasSubscription: state.HasSubscription,
		Status:          string(state.Status),
		PendingPlanID:   state.PendingPlanID,
		StartedAt:       state.StartedAt,
	}
	if state.Plan != nil {
		resp.PlanID = state.Plan.ID
		resp.PlanName = state.Plan.Name
	}
	writeJSON(w, http.StatusOK, resp)
}

// planChange godoc
// @Summary Request or force a plan change
// @Description Stages a plan change pending payment, or (admin only) applies one immediately.
// @Tags billing
// @Accept json
// @Produce json
// @Param request body dto.PlanChangeRequest true "Plan change request"
// @Success 202 {object} map[string]string "plan change accepted"
// @Failure 400 {string} string "invalid request payload"
// @Failure 401 {string} string "unauthorized"
// @Failure 403 {string} string "admin access required"
// @Failure 500 {string} string "failed to apply plan change"
// @Router /billing/plan-change [post]
func (h *SubscriptionHandler) planChange(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	businessID, ok := r.Context().Value(middleware.BusinessContextKey).(string)
	if !ok || businessID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req dto.PlanChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request payload", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		http.Error(w, "invalid request payload: "+err.Error(), http.StatusBadRequest)
		return
	}

	var err error
	switch req.Mode {
	case "force":
		// Bypassing the payment flow is an operator action.
		admin, _ := r.Context().Value(middleware.AdminContextKey).(bool)
		if !admin {
			http.Error(w, "admin access required", http.StatusForbidden)
			return
		}
		err = h.reconcilerSvc.ForcePlanChange(r.Context(), businessID, req.PlanID)
	default:
		err = h.reconcilerSvc.RequestPlanChange(r.Context(), businessID, req.PlanID)
	}
	if err != nil {
		if errors.Is(err, service.ErrInvalidEvent) {
			http.Error(w, "invalid plan change: "+err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error().Err(err).Str("business_id", businessID).Str("plan_id", req.PlanID).Msg("Failed to apply plan change")
		http.Error(w, "failed to apply plan change", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "plan_id": req.PlanID})
}
