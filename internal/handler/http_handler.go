package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pesio-ai/be-fee-governance/internal/domain"
	"github.com/pesio-ai/be-fee-governance/internal/service"
	"github.com/pesio-ai/be-fee-governance/pkg/auth"
	"github.com/pesio-ai/be-fee-governance/pkg/errors"
	"github.com/pesio-ai/be-fee-governance/pkg/logger"
)

// ThresholdAPI is the threshold surface served over HTTP.
type ThresholdAPI interface {
	ResolveThreshold(ctx context.Context, feeID string, asOf time.Time) (*domain.ResolvedThreshold, error)
	SetGlobalThreshold(ctx context.Context, req service.SetGlobalThresholdRequest, userID string) (*domain.GlobalThreshold, error)
	LatestGlobalThreshold(ctx context.Context) (*domain.GlobalThreshold, error)
	RequestException(ctx context.Context, req service.ThresholdExceptionRequest, userID string) (*domain.FeeThresholdException, error)
	FinanceReview(ctx context.Context, exceptionID string, req service.ReviewRequest, userID string) (*domain.FeeThresholdException, error)
	RiskReview(ctx context.Context, exceptionID string, req service.ReviewRequest, userID string) (*domain.FeeThresholdException, error)
	DecideException(ctx context.Context, exceptionID string, req service.DecisionRequest, userID string) (*domain.FeeThresholdException, error)
	GetException(ctx context.Context, exceptionID string) (*domain.FeeThresholdException, error)
	ListExceptions(ctx context.Context, status, feeID string) ([]*domain.FeeThresholdException, error)
}

// SatisfactionAPI is the performance and acknowledgment surface.
type SatisfactionAPI interface {
	Acknowledge(ctx context.Context, req service.AcknowledgeRequest, userID string) (*service.AcknowledgeResult, error)
	DecideAsCeo(ctx context.Context, req service.CeoDecisionRequest, userID string) (*service.CeoDecisionResult, error)
	EvaluatePerformance(ctx context.Context, performanceID, userID string) (*service.PerformanceView, error)
	UpdateMeasurement(ctx context.Context, performanceID string, m domain.Measurement, userID string) (*service.PerformanceView, error)
	GetPerformance(ctx context.Context, performanceID string) (*service.PerformanceView, error)
	ListAcknowledgments(ctx context.Context, performanceID string) ([]*domain.GmAcknowledgment, error)
	ListCeoApprovals(ctx context.Context, performanceID string) ([]*domain.CeoApproval, error)
	ListPendingForGM(ctx context.Context, userID string) ([]*service.PerformanceView, error)
}

// ExemptionAPI is the temporary exemption surface.
type ExemptionAPI interface {
	Recommend(ctx context.Context, req service.RecommendExemptionRequest, userID string) (*service.ExemptionView, error)
	Decide(ctx context.Context, exemptionID string, req service.DecisionRequest, userID string) (*service.ExemptionView, error)
	Get(ctx context.Context, exemptionID string) (*service.ExemptionView, error)
	List(ctx context.Context, status, feeID string) ([]*service.ExemptionView, error)
}

// ExemptionLimitAPI is the maker/checker limit surface.
type ExemptionLimitAPI interface {
	Propose(ctx context.Context, req service.ProposeLimitRequest, userID string) (*domain.ExemptionLimit, error)
	Check(ctx context.Context, limitID string, req service.CheckLimitRequest, userID string) (*domain.ExemptionLimit, error)
	Get(ctx context.Context, limitID string) (*domain.ExemptionLimit, error)
	List(ctx context.Context, feeID string) ([]*domain.ExemptionLimit, error)
}

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	thresholds   ThresholdAPI
	satisfaction SatisfactionAPI
	exemptions   ExemptionAPI
	limits       ExemptionLimitAPI
	log          *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(
	thresholds ThresholdAPI,
	satisfaction SatisfactionAPI,
	exemptions ExemptionAPI,
	limits ExemptionLimitAPI,
	log *logger.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		thresholds:   thresholds,
		satisfaction: satisfaction,
		exemptions:   exemptions,
		limits:       limits,
		log:          log.Component("http"),
	}
}

// ── Thresholds ────────────────────────────────────────────────────────────────

// GetLatestGlobalThreshold handles GET /thresholds/global
func (h *HTTPHandler) GetLatestGlobalThreshold(w http.ResponseWriter, r *http.Request) {
	g, err := h.thresholds.LatestGlobalThreshold(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// SetGlobalThreshold handles POST /thresholds/global
func (h *HTTPHandler) SetGlobalThreshold(w http.ResponseWriter, r *http.Request) {
	var req service.SetGlobalThresholdRequest
	if !h.decode(w, r, &req) {
		return
	}
	g, err := h.thresholds.SetGlobalThreshold(r.Context(), req, userID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

// ResolveThreshold handles GET /thresholds/active/{feeID}
func (h *HTTPHandler) ResolveThreshold(w http.ResponseWriter, r *http.Request) {
	var asOf time.Time
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		d, err := domain.ParseDate("as_of", raw)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		asOf = d
	}
	resolved, err := h.thresholds.ResolveThreshold(r.Context(), chi.URLParam(r, "feeID"), asOf)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resolved)
}

// ListExceptions handles GET /thresholds/exceptions
func (h *HTTPHandler) ListExceptions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := h.thresholds.ListExceptions(r.Context(), q.Get("status"), q.Get("fee_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"exceptions": list, "total": len(list)})
}

// GetException handles GET /thresholds/exceptions/{id}
func (h *HTTPHandler) GetException(w http.ResponseWriter, r *http.Request) {
	e, err := h.thresholds.GetException(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// RequestException handles POST /thresholds/exceptions
func (h *HTTPHandler) RequestException(w http.ResponseWriter, r *http.Request) {
	var req service.ThresholdExceptionRequest
	if !h.decode(w, r, &req) {
		return
	}
	ex, err := h.thresholds.RequestException(r.Context(), req, userID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ex)
}

// FinanceReview handles POST /thresholds/exceptions/{id}/finance-review
func (h *HTTPHandler) FinanceReview(w http.ResponseWriter, r *http.Request) {
	var req service.ReviewRequest
	if !h.decode(w, r, &req) {
		return
	}
	ex, err := h.thresholds.FinanceReview(r.Context(), chi.URLParam(r, "id"), req, userID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

// RiskReview handles POST /thresholds/exceptions/{id}/risk-review
func (h *HTTPHandler) RiskReview(w http.ResponseWriter, r *http.Request) {
	var req service.ReviewRequest
	if !h.decode(w, r, &req) {
		return
	}
	ex, err := h.thresholds.RiskReview(r.Context(), chi.URLParam(r, "id"), req, userID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

// DecideException handles POST /thresholds/exceptions/{id}/decision
func (h *HTTPHandler) DecideException(w http.ResponseWriter, r *http.Request) {
	var req service.DecisionRequest
	if !h.decode(w, r, &req) {
		return
	}
	ex, err := h.thresholds.DecideException(r.Context(), chi.URLParam(r, "id"), req, userID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

// ── Performance & satisfaction ────────────────────────────────────────────────

// GetPerformance handles GET /performance/{id}
func (h *HTTPHandler) GetPerformance(w http.ResponseWriter, r *http.Request) {
	v, err := h.satisfaction.GetPerformance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// EvaluatePerformance handles POST /performance/{id}/evaluate
func (h *HTTPHandler) EvaluatePerformance(w http.ResponseWriter, r *http.Request) {
	v, err := h.satisfaction.EvaluatePerformance(r.Context(), chi.URLParam(r, "id"), userID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// UpdateMeasurement handles PUT /performance/{id}/measurement
func (h *HTTPHandler) UpdateMeasurement(w http.ResponseWriter, r *http.Request) {
	var m domain.Measurement
	if !h.decode(w, r, &m) {
		return
	}
	v, err := h.satisfaction.UpdateMeasurement(r.Context(), chi.URLParam(r, "id"), m, userID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// ListAcknowledgments handles GET /performance/{id}/acknowledgments
func (h *HTTPHandler) ListAcknowledgments(w http.ResponseWriter, r *http.Request) {
	list, err := h.satisfaction.ListAcknowledgments(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"acknowledgments": list, "total": len(list)})
}

// ListCeoApprovals handles GET /performance/{id}/ceo-approvals
func (h *HTTPHandler) ListCeoApprovals(w http.ResponseWriter, r *http.Request) {
	list, err := h.satisfaction.ListCeoApprovals(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ceo_approvals": list, "total": len(list)})
}

// ListPendingAcknowledgments handles GET /satisfaction/pending
func (h *HTTPHandler) ListPendingAcknowledgments(w http.ResponseWriter, r *http.Request) {
	list, err := h.satisfaction.ListPendingForGM(r.Context(), userID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"performance": list, "total": len(list)})
}

// Acknowledge handles POST /satisfaction/acknowledgments
func (h *HTTPHandler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	var req service.AcknowledgeRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.satisfaction.Acknowledge(r.Context(), req, userID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// DecideAsCeo handles POST /satisfaction/ceo-decisions
func (h *HTTPHandler) DecideAsCeo(w http.ResponseWriter, r *http.Request) {
	var req service.CeoDecisionRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.satisfaction.DecideAsCeo(r.Context(), req, userID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// ── Exemptions ────────────────────────────────────────────────────────────────

// ListExemptions handles GET /exemptions
func (h *HTTPHandler) ListExemptions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := h.exemptions.List(r.Context(), q.Get("status"), q.Get("fee_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"exemptions": list, "total": len(list)})
}

// GetExemption handles GET /exemptions/{id}
func (h *HTTPHandler) GetExemption(w http.ResponseWriter, r *http.Request) {
	v, err := h.exemptions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// RecommendExemption handles POST /exemptions
func (h *HTTPHandler) RecommendExemption(w http.ResponseWriter, r *http.Request) {
	var req service.RecommendExemptionRequest
	if !h.decode(w, r, &req) {
		return
	}
	v, err := h.exemptions.Recommend(r.Context(), req, userID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

// DecideExemption handles POST /exemptions/{id}/decision
func (h *HTTPHandler) DecideExemption(w http.ResponseWriter, r *http.Request) {
	var req service.DecisionRequest
	if !h.decode(w, r, &req) {
		return
	}
	v, err := h.exemptions.Decide(r.Context(), chi.URLParam(r, "id"), req, userID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// ── Exemption limits ──────────────────────────────────────────────────────────

// ListExemptionLimits handles GET /exemption-limits
func (h *HTTPHandler) ListExemptionLimits(w http.ResponseWriter, r *http.Request) {
	list, err := h.limits.List(r.Context(), r.URL.Query().Get("fee_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"limits": list, "total": len(list)})
}

// GetExemptionLimit handles GET /exemption-limits/{id}
func (h *HTTPHandler) GetExemptionLimit(w http.ResponseWriter, r *http.Request) {
	l, err := h.limits.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// ProposeExemptionLimit handles POST /exemption-limits
func (h *HTTPHandler) ProposeExemptionLimit(w http.ResponseWriter, r *http.Request) {
	var req service.ProposeLimitRequest
	if !h.decode(w, r, &req) {
		return
	}
	l, err := h.limits.Propose(r.Context(), req, userID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

// CheckExemptionLimit handles POST /exemption-limits/{id}/check
func (h *HTTPHandler) CheckExemptionLimit(w http.ResponseWriter, r *http.Request) {
	var req service.CheckLimitRequest
	if !h.decode(w, r, &req) {
		return
	}
	l, err := h.limits.Check(r.Context(), chi.URLParam(r, "id"), req, userID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// userID extracts the authenticated user ID from the request, or returns
// empty string.
func userID(r *http.Request) string {
	if uc, ok := auth.GetUserContext(r.Context()); ok {
		return uc.UserID
	}
	return ""
}

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.writeError(w, r, errors.InvalidInput("body", "invalid request body"))
		return false
	}
	return true
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *errors.AppError
	if !errors.As(err, &appErr) {
		appErr = errors.Wrap(err, errors.ErrCodeInternal, "internal server error")
	}
	status := errors.HTTPStatus(appErr.Code)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("Request failed")
		appErr = errors.New(errors.ErrCodeInternal, "internal server error")
	}
	writeJSON(w, status, map[string]any{"error": appErr})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
