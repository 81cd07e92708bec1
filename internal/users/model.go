package users

import "time"

// UnknownIP is the placeholder used when the client address cannot be
// determined.
const UnknownIP = "unknown"

// DefaultUsername is stored until the user picks one.
const DefaultUsername = "User"

type User struct {
	UserID                string           `json:"user_id"`
	Username              string           `json:"username"`
	UsernameSet           bool             `json:"username_set"`
	Tokens                int              `json:"tokens"`
	HasReceivedFreeTokens bool             `json:"has_received_free_tokens"`
	FreeTokensReceived    int              `json:"free_tokens_received"`
	FreeTokensReceivedAt  *time.Time       `json:"free_tokens_received_at,omitempty"`
	IPAddress             string           `json:"ip_address"`
	LastIPAddress         string           `json:"last_ip_address"`
	IPHistory             []IPHistoryEntry `json:"ip_history,omitempty"`
	IPRequestCounts       IPRequestCounts  `json:"ip_request_counts"`
	UsedCoupons           []string         `json:"used_coupons"`
	LastActive            time.Time        `json:"last_active"`
	CreatedAt             time.Time        `json:"created_at"`
	UpdatedAt             time.Time        `json:"updated_at"`

	// WelcomeMessage is set only on the request that created the user with
	// a free-token grant. It is not stored.
	WelcomeMessage string `json:"-"`
}

// IPHistoryEntry is one distinct address a user was seen from.
type IPHistoryEntry struct {
	IP        string    `json:"ip"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	UserAgent string    `json:"user_agent"`
}

// IPRequestCounts are lazily reset: a counter whose reset time is older than
// its window counts as zero.
type IPRequestCounts struct {
	Hourly        int       `json:"hourly"`
	Daily         int       `json:"daily"`
	LastHourReset time.Time `json:"last_hour_reset"`
	LastDayReset  time.Time `json:"last_day_reset"`
}

// HasUsedCoupon reports whether couponID is in the user's redemption list.
func (u *User) HasUsedCoupon(couponID string) bool {
	for _, id := range u.UsedCoupons {
		if id == couponID {
			return true
		}
	}
	return false
}

// KnownIP reports whether ip can be used for IP-based identity heuristics.
func KnownIP(ip string) bool {
	return ip != "" && ip != UnknownIP
}

// Profile is the view of a user returned to the extension.
type Profile struct {
	UserID         string `json:"userId"`
	Username       string `json:"username"`
	Tokens         int    `json:"tokens"`
	WelcomeMessage string `json:"welcomeMessage,omitempty"`
}

func (u *User) Profile() Profile {
	return Profile{UserID: u.UserID, Username: u.Username, Tokens: u.Tokens, WelcomeMessage: u.WelcomeMessage}
}

// FreeTokenStats summarises free-token grants for the admin dashboard.
type FreeTokenStats struct {
	TotalUsers           int64            `json:"total_users"`
	UsersWithFreeTokens  int64            `json:"users_with_free_tokens"`
	TotalFreeTokensGiven int64            `json:"total_free_tokens_given"`
	RecentRecipients     []FreeTokenGrant `json:"recent_recipients"`
}

type FreeTokenGrant struct {
	UserID     string     `json:"user_id"`
	Tokens     int        `json:"tokens"`
	ReceivedAt *time.Time `json:"received_at,omitempty"`
}

// IPStat groups the users sharing one first-seen address.
type IPStat struct {
	IP         string    `json:"ip"`
	Users      int       `json:"users"`
	LastActive time.Time `json:"last_active"`
}
