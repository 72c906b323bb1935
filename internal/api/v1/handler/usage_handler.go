package handler

import (
	"encoding/json"
	"net/http"

	"app/internal/api/v1/dto"
	"app/internal/middleware"
	"app/internal/model"
	"app/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// UsageHandler handles admission checks and usage recording endpoints.
type UsageHandler struct {
	admissionSvc service.AdmissionService
	usageSvc     service.UsageService
	exportSvc    service.ExportService
	validate     *validator.Validate
	logger       zerolog.Logger
}

// NewUsageHandler creates a new UsageHandler. exportSvc may be nil when no
// object storage is configured.
func NewUsageHandler(admissionSvc service.AdmissionService, usageSvc service.UsageService, exportSvc service.ExportService, validate *validator.Validate, logger zerolog.Logger) *UsageHandler {
	return &UsageHandler{
		admissionSvc: admissionSvc,
		usageSvc:     usageSvc,
		exportSvc:    exportSvc,
		validate:     validate,
		logger:       logger,
	}
}

// RegisterRoutes registers the usage endpoints.
func (h *UsageHandler) RegisterRoutes(mux *http.ServeMux, authMw func(http.Handler) http.Handler) {
	mux.Handle("/usage", authMw(http.HandlerFunc(h.getUsage)))
	mux.Handle("/usage/admit", authMw(http.HandlerFunc(h.admit)))
	mux.Handle("/usage/commit", authMw(http.HandlerFunc(h.commit)))
	mux.Handle("/usage/reset", authMw(middleware.RequireAdmin(http.HandlerFunc(h.reset))))
	mux.Handle("/usage/export", authMw(middleware.RequireAdmin(http.HandlerFunc(h.export))))
}

// admit godoc
// @Summary Check whether a feature action may proceed
// @Description Evaluates the business's plan limits against current usage without consuming quota.
// @Tags usage
// @Accept json
// @Produce json
// @Param request body dto.AdmitRequest true "Admission check request"
// @Success 200 {object} dto.AdmitResponse "Admission decision"
// @Failure 400 {string} string "invalid request payload"
// @Failure 401 {string} string "unauthorized"
// @Failure 503 {string} string "counter store unavailable"
// @Router /usage/admit [post]
func (h *UsageHandler) admit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	businessID, ok := r.Context().Value(middleware.BusinessContextKey).(string)
	if !ok || businessID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req dto.AdmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request payload", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		http.Error(w, "invalid request payload: "+err.Error(), http.StatusBadRequest)
		return
	}

	decision, err := h.admissionSvc.Admit(r.Context(), businessID, req.FeatureCode, req.Amount)
	if err != nil {
		// The decision already denies; surface the outage as 503 so callers
		// can distinguish it from an over-limit deny.
		h.logger.Error().Err(err).Str("business_id", businessID).Msg("Admission check failed")
		writeJSON(w, http.StatusServiceUnavailable, toAdmitResponse(decision))
		return
	}
	writeJSON(w, http.StatusOK, toAdmitResponse(decision))
}

// commit godoc
// @Summary Record completed usage
// @Description Atomically increments the usage counter for the current billing period.
// @Tags usage
// @Accept json
// @Produce json
// @Param request body dto.CommitRequest true "Usage commit request"
// @Success 200 {object} dto.CommitResponse "New counter value"
// @Failure 400 {string} string "invalid request payload"
// @Failure 401 {string} string "unauthorized"
// @Failure 503 {string} string "counter store unavailable"
// @Router /usage/commit [post]
func (h *UsageHandler) commit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	businessID, ok := r.Context().Value(middleware.BusinessContextKey).(string)
	if !ok || businessID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req dto.CommitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request payload", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		http.Error(w, "invalid request payload: "+err.Error(), http.StatusBadRequest)
		return
	}

	newCount, err := h.usageSvc.Commit(r.Context(), businessID, req.FeatureCode, req.Amount)
	if err != nil {
		// The commit is queued for the reconciliation sweep; the work already
		// happened, so this is reported but never rolled back.
		h.logger.Error().Err(err).Str("business_id", businessID).Msg("Usage commit deferred to sweep")
		http.Error(w, "usage recording deferred", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, dto.CommitResponse{FeatureCode: req.FeatureCode, UsedCount: newCount})
}

// getUsage godoc
// @Summary Get current-period usage
// @Description Returns all usage counters for the authenticated business, or a single counter when feature_code is given.
// @Tags usage
// @Produce json
// @Param feature_code query string false "Feature code"
// @Success 200 {array} dto.UsageCounterDTO "Current-period counters"
// @Failure 401 {string} string "unauthorized"
// @Failure 500 {string} string "failed to fetch usage"
// @Router /usage [get]
func (h *UsageHandler) getUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	businessID, ok := r.Context().Value(middleware.BusinessContextKey).(string)
	if !ok || businessID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if feature := r.URL.Query().Get("feature_code"); feature != "" {
		count, err := h.usageSvc.Usage(r.Context(), businessID, feature)
		if err != nil {
			h.logger.Error().Err(err).Str("business_id", businessID).Msg("Failed to fetch usage")
			http.Error(w, "failed to fetch usage", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, dto.CommitResponse{FeatureCode: feature, UsedCount: count})
		return
	}

	counters, err := h.usageSvc.UsageReport(r.Context(), businessID)
	if err != nil {
		h.logger.Error().Err(err).Str("business_id", businessID).Msg("Failed to fetch usage report")
		http.Error(w, "failed to fetch usage", http.StatusInternalServerError)
		return
	}
	out := make([]dto.UsageCounterDTO, 0, len(counters))
	for _, c := range counters {
		out = append(out, dto.UsageCounterDTO{
			FeatureCode: c.FeatureCode,
			PeriodStart: c.PeriodStart,
			PeriodEnd:   c.PeriodEnd,
			UsedCount:   c.UsedCount,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// reset godoc
// @Summary Reset a usage counter
// @Description Zeroes the counter for the current period. Admin only; intended for billing-cycle rollover.
// @Tags usage
// @Accept json
// @Produce json
// @Param request body dto.ResetRequest true "Reset request"
// @Success 204 {string} string "counter reset"
// @Failure 400 {string} string "invalid request payload"
// @Failure 403 {string} string "admin access required"
// @Failure 500 {string} string "failed to reset counter"
// @Router /usage/reset [post]
func (h *UsageHandler) reset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	businessID, ok := r.Context().Value(middleware.BusinessContextKey).(string)
	if !ok || businessID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req dto.ResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request payload", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		http.Error(w, "invalid request payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.usageSvc.Reset(r.Context(), businessID, req.FeatureCode); err != nil {
		http.Error(w, "failed to reset counter", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// export godoc
// @Summary Export the current-period usage report
// @Description Snapshots all counters for the business to object storage. Admin only.
// @Tags usage
// @Produce json
// @Success 200 {object} dto.ExportResponse "Object key of the exported report"
// @Failure 403 {string} string "admin access required"
// @Failure 500 {string} string "failed to export usage report"
// @Failure 501 {string} string "export not configured"
// @Router /usage/export [post]
func (h *UsageHandler) export(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	businessID, ok := r.Context().Value(middleware.BusinessContextKey).(string)
	if !ok || businessID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if h.exportSvc == nil {
		http.Error(w, "export not configured", http.StatusNotImplemented)
		return
	}
	key, err := h.exportSvc.ExportUsageReport(r.Context(), businessID)
	if err != nil {
		h.logger.Error().Err(err).Str("business_id", businessID).Msg("Failed to export usage report")
		http.Error(w, "failed to export usage report", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, dto.ExportResponse{Key: key})
}

func toAdmitResponse(d model.Decision) dto.AdmitResponse {
	return dto.AdmitResponse{
		Allowed:      d.Allowed,
		Reason:       d.Reason,
		CurrentUsage: d.CurrentUsage,
		Limit:        d.Limit,
		Unlimited:    d.Unlimited,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
