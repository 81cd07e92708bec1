package tokens

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrInsufficientBalance = errors.New("insufficient token balance")
	ErrUserNotFound        = errors.New("user not found")
	ErrCouponNotFound      = errors.New("coupon not found")
	ErrCouponInvalid       = errors.New("coupon has expired or reached maximum uses")
	ErrCouponAlreadyUsed   = errors.New("coupon already redeemed by this user")
	ErrCouponExists        = errors.New("coupon code already exists")
)

// Coupon grants TokenAmount tokens once per user. MaxUses of zero means
// unlimited redemptions.
type Coupon struct {
	ID          string     `json:"id"`
	Code        string     `json:"code"`
	TokenAmount int        `json:"tokenAmount"`
	MaxUses     int        `json:"maxUses"`
	UsedCount   int        `json:"usedCount"`
	ExpiryDate  *time.Time `json:"expiryDate,omitempty"`
	IsActive    bool       `json:"isActive"`
	CreatedBy   string     `json:"createdBy,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// NormalizeCode trims and upper-cases a coupon code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Valid reports whether the coupon can still be redeemed at now.
func (c *Coupon) Valid(now time.Time) bool {
	if !c.IsActive {
		return false
	}
	if c.ExpiryDate != nil && now.After(*c.ExpiryDate) {
		return false
	}
	if c.MaxUses > 0 && c.UsedCount >= c.MaxUses {
		return false
	}
	return true
}

// Redemption is the result of a successful coupon redemption.
type Redemption struct {
	CouponID    string
	Code        string
	TokensAdded int
	Balance     int
}

// NewCoupon is the admin request to create a coupon.
type NewCoupon struct {
	Code        string     `json:"code" validate:"required,min=3,max=50,alphanum"`
	TokenAmount int        `json:"tokenAmount" validate:"required,min=1,max=100000"`
	MaxUses     int        `json:"maxUses" validate:"min=0"`
	ExpiryDate  *time.Time `json:"expiryDate"`
}
