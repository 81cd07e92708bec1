package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/dripcheck/dripcheck/internal/api"
	"github.com/dripcheck/dripcheck/internal/governance/audit"
	inats "github.com/dripcheck/dripcheck/internal/nats"
)

type Auditor interface {
	Record(ctx context.Context, event inats.AuditEvent)
}

type Handler struct {
	authSvc  *Service
	auditor  Auditor
	validate *validator.Validate
}

// NewHandler creates the admin auth Handler. auditor may be nil.
func NewHandler(authSvc *Service, auditor Auditor) *Handler {
	return &Handler{
		authSvc:  authSvc,
		auditor:  auditor,
		validate: validator.New(),
	}
}

type LoginRequest struct {
	Username string `json:"username" validate:"required,max=100"`
	Password string `json:"password" validate:"required,max=200"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}

	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	tokens, err := h.authSvc.Login(r.Context(), req.Username, req.Password)
	if errors.Is(err, ErrInvalidCredentials) {
		slog.Warn("admin login failed", "username", req.Username, "ip", remoteIP(r))
		h.record(r, req.Username, audit.SeverityWarn, `{"success":false}`)
		api.HandleError(w, api.ErrInvalidCredentials)
		return
	}
	if err != nil {
		slog.Error("generating tokens", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	h.record(r, req.Username, audit.SeverityInfo, `{"success":true}`)
	api.JSON(w, http.StatusOK, tokens)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}

	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	tokens, err := h.authSvc.RefreshTokens(r.Context(), req.RefreshToken)
	if err != nil {
		slog.Warn("refreshing tokens", "error", err)
		api.HandleError(w, api.ErrInvalidToken)
		return
	}

	api.JSON(w, http.StatusOK, tokens)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	claims := GetAdminClaims(r.Context())
	if claims == nil {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	if err := h.authSvc.Logout(r.Context(), claims.Username); err != nil {
		slog.Error("logging out", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSONMessage(w, http.StatusOK, "logged out successfully")
}

func (h *Handler) record(r *http.Request, username, severity, details string) {
	if h.auditor == nil {
		return
	}
	h.auditor.Record(r.Context(), inats.AuditEvent{
		Actor:        username,
		EventType:    audit.EventAdminLogin,
		Severity:     severity,
		ResourceType: "admin",
		ResourceID:   username,
		Details:      details,
		IPAddress:    remoteIP(r),
	})
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
