package feedback

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/dripcheck/dripcheck/internal/api"
	"github.com/dripcheck/dripcheck/internal/governance"
	"github.com/dripcheck/dripcheck/internal/users"
)

type Store interface {
	Create(ctx context.Context, f *Feedback) error
	List(ctx context.Context, typ Type, limit, offset int) ([]Feedback, int64, error)
}

type Handler struct {
	store    Store
	validate *validator.Validate
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store, validate: validator.New()}
}

// Submit stores feedback from the identified user.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	user := users.FromContext(r.Context())
	if user == nil {
		api.HandleError(w, governance.Reject(governance.KindIdentityRequired, "user could not be identified"))
		return
	}

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}
	req.Message = strings.TrimSpace(req.Message)

	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(validationMessage(err)))
		return
	}

	f := &Feedback{UserID: user.UserID, Type: Type(req.Type), Message: req.Message}
	if err := h.store.Create(r.Context(), f); err != nil {
		slog.Error("submitting feedback", "error", err, "user_id", user.UserID)
		api.HandleError(w, &api.AppError{Code: http.StatusInternalServerError, Message: "failed to submit feedback"})
		return
	}

	slog.Info("feedback submitted", "user_id", user.UserID, "type", f.Type)
	api.JSONMessage(w, http.StatusCreated, "Feedback submitted")
}

func validationMessage(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return "invalid feedback"
	}
	switch fe := verrs[0]; {
	case fe.Field() == "Type" && fe.Tag() == "oneof":
		return "invalid feedback type"
	case fe.Field() == "Message" && fe.Tag() == "max":
		return "message must be at most 2000 characters"
	default:
		return "type and message are required"
	}
}

// List serves the admin feedback inbox.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, pageSize := 1, 20
	if p, err := strconv.Atoi(q.Get("page")); err == nil && p > 0 {
		page = p
	}
	if ps, err := strconv.Atoi(q.Get("page_size")); err == nil && ps > 0 && ps <= 100 {
		pageSize = ps
	}

	items, total, err := h.store.List(r.Context(), Type(q.Get("type")), pageSize, (page-1)*pageSize)
	if err != nil {
		slog.Error("listing feedback", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	api.JSONPaginated(w, http.StatusOK, items, total, page, pageSize)
}
