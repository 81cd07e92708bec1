package users

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dripcheck/dripcheck/internal/api"
	"github.com/dripcheck/dripcheck/internal/governance"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

type setUsernameRequest struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type setUsernameResponse struct {
	Message string `json:"message"`
	Profile
}

// Profile serves both /api/user-data and /api/profile.
func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	user := FromContext(r.Context())
	if user == nil {
		api.HandleError(w, governance.Reject(governance.KindIdentityRequired, "user could not be identified"))
		return
	}
	api.JSONBody(w, http.StatusOK, user.Profile())
}

func (h *Handler) SetUsername(w http.ResponseWriter, r *http.Request) {
	user := FromContext(r.Context())
	if user == nil {
		api.HandleError(w, governance.Reject(governance.KindIdentityRequired, "user could not be identified"))
		return
	}

	var req setUsernameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}

	updated, err := h.svc.SetUsername(r.Context(), user.UserID, req.Username)
	if err != nil {
		var nameErr *UsernameError
		switch {
		case errors.As(err, &nameErr):
			api.HandleError(w, api.NewValidationError(nameErr.Reason))
		case errors.Is(err, ErrUsernameTaken):
			api.HandleError(w, api.NewConflictError("username already taken"))
		case errors.Is(err, ErrUserNotFound):
			api.HandleError(w, api.NewNotFoundError("user not found"))
		default:
			slog.Error("setting username", "error", err, "user_id", user.UserID)
			api.HandleError(w, api.ErrInternalServer)
		}
		return
	}

	slog.Info("username updated", "user_id", updated.UserID, "username", updated.Username)
	api.JSONBody(w, http.StatusOK, setUsernameResponse{Message: "Username updated", Profile: updated.Profile()})
}

func (h *Handler) FreeTokenStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.FreeTokenStats(r.Context())
	if err != nil {
		slog.Error("loading free token stats", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	api.JSON(w, http.StatusOK, stats)
}

func (h *Handler) IPStats(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	stats, err := h.svc.IPStats(r.Context(), limit)
	if err != nil {
		slog.Error("loading ip stats", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	api.JSON(w, http.StatusOK, stats)
}
