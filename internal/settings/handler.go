package settings

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/dripcheck/dripcheck/internal/api"
	"github.com/dripcheck/dripcheck/internal/auth"
)

type Handler struct {
	svc      *Service
	validate *validator.Validate
}

func NewHandler(svc *Service) *Handler {
	return &Handler{
		svc:      svc,
		validate: validator.New(),
	}
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	s, err := h.svc.Get(r.Context())
	if err != nil {
		slog.Error("loading admin settings", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	api.JSON(w, http.StatusOK, s)
}

func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	var req Update
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	current, err := h.svc.Get(r.Context())
	if err != nil {
		slog.Error("loading admin settings", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	if err := req.Validate(current); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	updated, err := h.svc.Update(r.Context(), req, auth.ActorFromContext(r.Context()))
	if err != nil {
		slog.Error("updating admin settings", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSONBody(w, http.StatusOK, api.Response{Message: "admin settings updated", Data: updated})
}
