package tokens

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dripcheck/dripcheck/internal/governance/audit"
	inats "github.com/dripcheck/dripcheck/internal/nats"
	"github.com/dripcheck/dripcheck/internal/users"
)

type fakeRedeemer struct {
	used    map[string]bool
	balance int
}

func (f *fakeRedeemer) RedeemCoupon(_ context.Context, userID, code string) (*Redemption, error) {
	code = NormalizeCode(code)
	switch code {
	case "WELCOME10":
	case "EXPIRED":
		return nil, ErrCouponInvalid
	default:
		return nil, ErrCouponNotFound
	}
	if f.used[userID+code] {
		return nil, ErrCouponAlreadyUsed
	}
	f.used[userID+code] = true
	f.balance += 10
	return &Redemption{CouponID: "c-1", Code: code, TokensAdded: 10, Balance: f.balance}, nil
}

type fakeCoupons struct {
	created []Coupon
}

func (f *fakeCoupons) Create(_ context.Context, c *Coupon) error {
	c.Code = NormalizeCode(c.Code)
	for _, existing := range f.created {
		if existing.Code == c.Code {
			return ErrCouponExists
		}
	}
	c.ID = "c-" + c.Code
	f.created = append(f.created, *c)
	return nil
}

func (f *fakeCoupons) List(context.Context, int) ([]Coupon, error) {
	return f.created, nil
}

type recordingAuditor struct{ events []inats.AuditEvent }

func (r *recordingAuditor) Record(_ context.Context, e inats.AuditEvent) { r.events = append(r.events, e) }

func redeem(h *Handler, user *users.User, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/redeem-coupon", strings.NewReader(body))
	if user != nil {
		req = req.WithContext(users.WithUser(req.Context(), user))
	}
	rec := httptest.NewRecorder()
	h.Redeem(rec, req)
	return rec
}

func TestHandler_Redeem(t *testing.T) {
	redeemer := &fakeRedeemer{used: map[string]bool{}, balance: 2}
	auditor := &recordingAuditor{}
	h := NewHandler(redeemer, &fakeCoupons{}, auditor)
	alice := &users.User{UserID: "DC-alice001", Username: "alice", UsernameSet: true}

	rec := redeem(h, alice, `{"userId":"DC-alice001","couponCode":"welcome10"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body redeemResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 10, body.TokensAdded)
	assert.Equal(t, 12, body.NewTokenBalance)
	require.Len(t, auditor.events, 1)
	assert.Equal(t, audit.EventCouponRedeemed, auditor.events[0].EventType)

	tests := []struct {
		name string
		user *users.User
		body string
		want int
	}{
		{name: "already used", user: alice, body: `{"couponCode":"WELCOME10"}`, want: http.StatusBadRequest},
		{name: "expired", user: alice, body: `{"couponCode":"expired"}`, want: http.StatusBadRequest},
		{name: "unknown code", user: alice, body: `{"couponCode":"nope"}`, want: http.StatusNotFound},
		{name: "missing code", user: alice, body: `{"couponCode":"  "}`, want: http.StatusBadRequest},
		{name: "malformed body", user: alice, body: `{`, want: http.StatusBadRequest},
		{name: "no identity", body: `{"couponCode":"WELCOME10"}`, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, redeem(h, tt.user, tt.body).Code)
		})
	}
}

func TestHandler_CreateCoupon(t *testing.T) {
	coupons := &fakeCoupons{}
	auditor := &recordingAuditor{}
	h := NewHandler(&fakeRedeemer{}, coupons, auditor)

	create := func(body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.CreateCoupon(rec, httptest.NewRequest(http.MethodPost, "/api/admin/coupons", strings.NewReader(body)))
		return rec
	}

	rec := create(`{"code":"launch50","tokenAmount":50,"maxUses":100}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Len(t, coupons.created, 1)
	assert.Equal(t, "LAUNCH50", coupons.created[0].Code)
	assert.True(t, coupons.created[0].IsActive)
	assert.Equal(t, "admin", coupons.created[0].CreatedBy)
	assert.Equal(t, audit.EventCouponCreated, auditor.events[0].EventType)

	assert.Equal(t, http.StatusConflict, create(`{"code":"LAUNCH50","tokenAmount":5}`).Code)
	assert.Equal(t, http.StatusBadRequest, create(`{"code":"x","tokenAmount":5}`).Code)
	assert.Equal(t, http.StatusBadRequest, create(`{"code":"FREEBIE","tokenAmount":0}`).Code)
	assert.Equal(t, http.StatusBadRequest, create(`{"code":"BAD CODE!","tokenAmount":5}`).Code)

	rec = httptest.NewRecorder()
	h.ListCoupons(rec, httptest.NewRequest(http.MethodGet, "/api/admin/coupons", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "LAUNCH50")
}
