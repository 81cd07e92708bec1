package settings

import "time"

// Settings is the operator-tunable policy singleton.
type Settings struct {
	EnableFreeTokens        bool      `json:"enableFreeTokens"`
	FreeTokensForNewUsers   int       `json:"freeTokensForNewUsers"`
	MaxFreeTokensPerUser    int       `json:"maxFreeTokensPerUser"`
	FreeTokenExpiryDays     int       `json:"freeTokenExpiryDays"`
	WelcomeMessage          string    `json:"welcomeMessage"`
	EnableIPRestriction     bool      `json:"enableIPRestriction"`
	MaxUsersPerIP           int       `json:"maxUsersPerIP"`
	IPRestrictionMessage    string    `json:"ipRestrictionMessage"`
	EnableIPRequestLimits   bool      `json:"enableIPRequestLimits"`
	MaxRequestsPerIPPerHour int       `json:"maxRequestsPerIPPerHour"`
	MaxRequestsPerIPPerDay  int       `json:"maxRequestsPerIPPerDay"`
	UpdatedBy               string    `json:"updatedBy"`
	UpdatedAt               time.Time `json:"updatedAt"`
}

// DefaultMaxUsersPerIP applies whenever IP restriction is not enabled.
const DefaultMaxUsersPerIP = 3

// UserCap returns the number of accounts one address may create.
func (s *Settings) UserCap() int {
	if s != nil && s.EnableIPRestriction && s.MaxUsersPerIP > 0 {
		return s.MaxUsersPerIP
	}
	return DefaultMaxUsersPerIP
}

// CapMessage is the reason reported when UserCap is reached.
func (s *Settings) CapMessage() string {
	if s != nil && s.EnableIPRestriction && s.IPRestrictionMessage != "" {
		return s.IPRestrictionMessage
	}
	return "maximum number of users for this network reached"
}

// Grant is the outcome of a free-token eligibility check.
type Grant struct {
	Tokens  int
	Message string
	// Reason is set when nothing is granted.
	Reason string
}

func (g Grant) Granted() bool { return g.Tokens > 0 }

// FreeTokenGrant decides how many free tokens a user with the given balance
// and grant history receives.
func (s *Settings) FreeTokenGrant(balance int, alreadyGranted bool) Grant {
	switch {
	case s == nil:
		return Grant{Reason: "settings unavailable"}
	case !s.EnableFreeTokens:
		return Grant{Reason: "free tokens disabled by admin"}
	case balance > 0:
		return Grant{Reason: "user already has tokens"}
	case alreadyGranted:
		return Grant{Reason: "user already received free tokens"}
	}

	tokens := s.FreeTokensForNewUsers
	if s.MaxFreeTokensPerUser > 0 && tokens > s.MaxFreeTokensPerUser {
		tokens = s.MaxFreeTokensPerUser
	}
	if tokens <= 0 {
		return Grant{Reason: "free token amount is zero"}
	}
	return Grant{Tokens: tokens, Message: s.WelcomeMessage}
}

// Update lists the fields an operator may change. Nil fields are left alone.
type Update struct {
	EnableFreeTokens        *bool   `json:"enableFreeTokens"`
	FreeTokensForNewUsers   *int    `json:"freeTokensForNewUsers" validate:"omitempty,min=0,max=1000"`
	MaxFreeTokensPerUser    *int    `json:"maxFreeTokensPerUser" validate:"omitempty,min=0,max=1000"`
	FreeTokenExpiryDays     *int    `json:"freeTokenExpiryDays" validate:"omitempty,min=1,max=365"`
	WelcomeMessage          *string `json:"welcomeMessage" validate:"omitempty,max=500"`
	EnableIPRestriction     *bool   `json:"enableIPRestriction"`
	MaxUsersPerIP           *int    `json:"maxUsersPerIP" validate:"omitempty,min=1,max=100"`
	IPRestrictionMessage    *string `json:"ipRestrictionMessage" validate:"omitempty,max=500"`
	EnableIPRequestLimits   *bool   `json:"enableIPRequestLimits"`
	MaxRequestsPerIPPerHour *int    `json:"maxRequestsPerIPPerHour" validate:"omitempty,min=1,max=100000"`
	MaxRequestsPerIPPerDay  *int    `json:"maxRequestsPerIPPerDay" validate:"omitempty,min=1,max=1000000"`
}

// Apply copies the non-nil fields of u onto s and returns the names of the
// fields that changed.
func (s *Settings) Apply(u Update) []string {
	var changed []string
	setBool := func(name string, dst *bool, v *bool) {
		if v != nil && *dst != *v {
			*dst = *v
			changed = append(changed, name)
		}
	}
	setInt := func(name string, dst *int, v *int) {
		if v != nil && *dst != *v {
			*dst = *v
			changed = append(changed, name)
		}
	}
	setString := func(name string, dst *string, v *string) {
		if v != nil && *dst != *v {
			*dst = *v
			changed = append(changed, name)
		}
	}

	setBool("enableFreeTokens", &s.EnableFreeTokens, u.EnableFreeTokens)
	setInt("freeTokensForNewUsers", &s.FreeTokensForNewUsers, u.FreeTokensForNewUsers)
	setInt("maxFreeTokensPerUser", &s.MaxFreeTokensPerUser, u.MaxFreeTokensPerUser)
	setInt("freeTokenExpiryDays", &s.FreeTokenExpiryDays, u.FreeTokenExpiryDays)
	setString("welcomeMessage", &s.WelcomeMessage, u.WelcomeMessage)
	setBool("enableIPRestriction", &s.EnableIPRestriction, u.EnableIPRestriction)
	setInt("maxUsersPerIP", &s.MaxUsersPerIP, u.MaxUsersPerIP)
	setString("ipRestrictionMessage", &s.IPRestrictionMessage, u.IPRestrictionMessage)
	setBool("enableIPRequestLimits", &s.EnableIPRequestLimits, u.EnableIPRequestLimits)
	setInt("maxRequestsPerIPPerHour", &s.MaxRequestsPerIPPerHour, u.MaxRequestsPerIPPerHour)
	setInt("maxRequestsPerIPPerDay", &s.MaxRequestsPerIPPerDay, u.MaxRequestsPerIPPerDay)
	return changed
}
