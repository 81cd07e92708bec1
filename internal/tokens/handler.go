package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/dripcheck/dripcheck/internal/api"
	"github.com/dripcheck/dripcheck/internal/auth"
	"github.com/dripcheck/dripcheck/internal/governance"
	"github.com/dripcheck/dripcheck/internal/governance/audit"
	inats "github.com/dripcheck/dripcheck/internal/nats"
	"github.com/dripcheck/dripcheck/internal/users"
)

type Redeemer interface {
	RedeemCoupon(ctx context.Context, userID, code string) (*Redemption, error)
}

type CouponStore interface {
	Create(ctx context.Context, c *Coupon) error
	List(ctx context.Context, limit int) ([]Coupon, error)
}

type Auditor interface {
	Record(ctx context.Context, event inats.AuditEvent)
}

type Handler struct {
	redeemer Redeemer
	coupons  CouponStore
	auditor  Auditor
	validate *validator.Validate
}

// NewHandler creates the coupon Handler. auditor may be nil.
func NewHandler(redeemer Redeemer, coupons CouponStore, auditor Auditor) *Handler {
	return &Handler{
		redeemer: redeemer,
		coupons:  coupons,
		auditor:  auditor,
		validate: validator.New(),
	}
}

type redeemRequest struct {
	CouponCode string `json:"couponCode"`
}

type redeemResponse struct {
	Message         string `json:"message"`
	TokensAdded     int    `json:"tokensAdded"`
	NewTokenBalance int    `json:"newTokenBalance"`
}

// Redeem serves POST /api/redeem-coupon for the identified user.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	user := users.FromContext(r.Context())
	if user == nil {
		api.HandleError(w, governance.Reject(governance.KindIdentityRequired, "user could not be identified"))
		return
	}

	var req redeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}
	if NormalizeCode(req.CouponCode) == "" {
		api.HandleError(w, api.NewBadRequestError("coupon code is required"))
		return
	}

	red, err := h.redeemer.RedeemCoupon(r.Context(), user.UserID, req.CouponCode)
	switch {
	case errors.Is(err, ErrCouponNotFound):
		api.HandleError(w, api.NewNotFoundError("invalid coupon code"))
		return
	case errors.Is(err, ErrCouponInvalid), errors.Is(err, ErrCouponAlreadyUsed):
		api.HandleError(w, api.NewBadRequestError(err.Error()))
		return
	case errors.Is(err, ErrUserNotFound):
		api.HandleError(w, api.NewNotFoundError("user not found"))
		return
	case err != nil:
		slog.Error("redeeming coupon", "error", err, "user_id", user.UserID)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	slog.Info("coupon redeemed", "user_id", user.UserID, "code", red.Code, "tokens", red.TokensAdded)
	h.record(r.Context(), inats.AuditEvent{
		Actor:        user.UserID,
		EventType:    audit.EventCouponRedeemed,
		Severity:     audit.SeverityInfo,
		ResourceType: "coupon",
		ResourceID:   red.CouponID,
		Details:      fmt.Sprintf(`{"code":%q,"tokens_added":%d}`, red.Code, red.TokensAdded),
	})

	api.JSONBody(w, http.StatusOK, redeemResponse{
		Message:         "Coupon redeemed successfully!",
		TokensAdded:     red.TokensAdded,
		NewTokenBalance: red.Balance,
	})
}

// CreateCoupon serves POST /api/admin/coupons.
func (h *Handler) CreateCoupon(w http.ResponseWriter, r *http.Request) {
	var req NewCoupon
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	actor := auth.ActorFromContext(r.Context())
	c := &Coupon{
		Code:        req.Code,
		TokenAmount: req.TokenAmount,
		MaxUses:     req.MaxUses,
		ExpiryDate:  req.ExpiryDate,
		IsActive:    true,
		CreatedBy:   actor,
	}
	if err := h.coupons.Create(r.Context(), c); err != nil {
		if errors.Is(err, ErrCouponExists) {
			api.HandleError(w, api.NewConflictError(err.Error()))
			return
		}
		slog.Error("creating coupon", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	h.record(r.Context(), inats.AuditEvent{
		Actor:        actor,
		EventType:    audit.EventCouponCreated,
		Severity:     audit.SeverityInfo,
		ResourceType: "coupon",
		ResourceID:   c.ID,
		Details:      fmt.Sprintf(`{"code":%q,"token_amount":%d,"max_uses":%d}`, c.Code, c.TokenAmount, c.MaxUses),
	})
	api.JSON(w, http.StatusCreated, c)
}

// ListCoupons serves GET /api/admin/coupons.
func (h *Handler) ListCoupons(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= 500 {
		limit = l
	}

	list, err := h.coupons.List(r.Context(), limit)
	if err != nil {
		slog.Error("listing coupons", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	if list == nil {
		list = []Coupon{}
	}
	api.JSON(w, http.StatusOK, list)
}

func (h *Handler) record(ctx context.Context, event inats.AuditEvent) {
	if h.auditor != nil {
		h.auditor.Record(ctx, event)
	}
}
