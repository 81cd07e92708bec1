package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/dripcheck/dripcheck/internal/api"
	"github.com/dripcheck/dripcheck/internal/auth"
	"github.com/dripcheck/dripcheck/internal/governance/audit"
	"github.com/dripcheck/dripcheck/internal/governance/quota"
	"github.com/dripcheck/dripcheck/internal/governance/usage"
)

// UserStatsWindow is how far back the per-user usage view looks.
const UserStatsWindow = 30 * 24 * time.Hour

type AuditLister interface {
	List(ctx context.Context, params audit.ListParams) ([]audit.AuditLog, int64, error)
}

type UsageReporter interface {
	UserStats(ctx context.Context, userID string, since time.Time) (*usage.UserStats, error)
}

// Handler serves the operator endpoints over the quota ledger and the
// audit trail.
type Handler struct {
	quotaSvc *quota.Service
	audits   AuditLister
	usage    UsageReporter
	validate *validator.Validate
	now      func() time.Time
}

// NewHandler creates a new governance admin Handler.
func NewHandler(quotaSvc *quota.Service, audits AuditLister, usage UsageReporter) *Handler {
	return &Handler{
		quotaSvc: quotaSvc,
		audits:   audits,
		usage:    usage,
		validate: validator.New(),
		now:      time.Now,
	}
}

// Status returns the ledger with percentages of each ceiling consumed.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.quotaSvc.Status(r.Context())
	if err != nil {
		slog.Error("loading quota status", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	api.JSON(w, http.StatusOK, st)
}

// GetLimits returns the stored ledger.
func (h *Handler) GetLimits(w http.ResponseWriter, r *http.Request) {
	st, err := h.quotaSvc.Status(r.Context())
	if err != nil {
		slog.Error("loading quota limits", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	api.JSON(w, http.StatusOK, st.Ledger)
}

func (h *Handler) UpdateLimits(w http.ResponseWriter, r *http.Request) {
	var req quota.LimitsUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}
	if (req.MaxCostPerDay != nil && req.MaxCostPerDay.IsNegative()) ||
		(req.CostPerToken != nil && req.CostPerToken.IsNegative()) {
		api.HandleError(w, api.NewValidationError("cost values must not be negative"))
		return
	}

	l, err := h.quotaSvc.UpdateLimits(r.Context(), req, auth.ActorFromContext(r.Context()))
	if err != nil {
		slog.Error("updating quota limits", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	api.JSONBody(w, http.StatusOK, api.Response{Message: "limits updated", Data: l})
}

type emergencyStopRequest struct {
	Stop   *bool  `json:"stop" validate:"required"`
	Reason string `json:"reason" validate:"max=500"`
}

func (h *Handler) EmergencyStop(w http.ResponseWriter, r *http.Request) {
	var req emergencyStopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	l, err := h.quotaSvc.SetEmergencyStop(r.Context(), *req.Stop, req.Reason, auth.ActorFromContext(r.Context()))
	if err != nil {
		slog.Error("setting emergency stop", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	msg := "service resumed"
	if l.EmergencyStop {
		msg = "emergency stop engaged"
	}
	api.JSONBody(w, http.StatusOK, api.Response{Message: msg, Data: l})
}

// ListAuditLogs returns the paginated audit trail.
func (h *Handler) ListAuditLogs(w http.ResponseWriter, r *http.Request) {
	params := parseAuditParams(r)

	logs, total, err := h.audits.List(r.Context(), params)
	if err != nil {
		slog.Error("listing audit logs", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSONPaginated(w, http.StatusOK, logs, total, params.Page, params.PageSize)
}

// UserUsage returns one user's aggregate usage over the last 30 days.
func (h *Handler) UserUsage(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		api.HandleError(w, api.NewBadRequestError("user id is required"))
		return
	}

	stats, err := h.usage.UserStats(r.Context(), userID, h.now().Add(-UserStatsWindow))
	if err != nil {
		slog.Error("loading user usage", "error", err, "user_id", userID)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	api.JSON(w, http.StatusOK, stats)
}

func parseAuditParams(r *http.Request) audit.ListParams {
	params := audit.DefaultListParams()
	q := r.URL.Query()

	if a := q.Get("actor"); a != "" {
		params.Actor = a
	}
	if et := q.Get("event_type"); et != "" {
		params.EventType = et
	}
	if sev := q.Get("severity"); sev != "" {
		params.Severity = sev
	}
	if p := q.Get("page"); p != "" {
		if page, err := strconv.Atoi(p); err == nil && page > 0 {
			params.Page = page
		}
	}
	if ps := q.Get("page_size"); ps != "" {
		if pageSize, err := strconv.Atoi(ps); err == nil && pageSize > 0 && pageSize <= 100 {
			params.PageSize = pageSize
		}
	}
	if from := q.Get("from"); from != "" {
		if t, err := time.Parse(time.RFC3339, from); err == nil {
			params.From = &t
		}
	}
	if to := q.Get("to"); to != "" {
		if t, err := time.Parse(time.RFC3339, to); err == nil {
			params.To = &t
		}
	}

	return params
}
