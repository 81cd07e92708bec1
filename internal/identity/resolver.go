// Package identity maps a self-reported user id and client address onto a
// persisted user, creating one when needed.
package identity

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dripcheck/dripcheck/internal/governance"
	"github.com/dripcheck/dripcheck/internal/metrics"
	"github.com/dripcheck/dripcheck/internal/settings"
	"github.com/dripcheck/dripcheck/internal/users"
)

// Outcome says how a request was attached to a user.
type Outcome string

const (
	OutcomeExisting   Outcome = "existing"
	OutcomeIPFallback Outcome = "ip_fallback"
	OutcomeCreated    Outcome = "created"
	OutcomeMinimal    Outcome = "minimal"
)

const (
	idPrefix      = "DC-"
	idLength      = 8
	idAlphabet    = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	maxIDAttempts = 3
)

// Store is the persistence the resolver needs; users.Repository satisfies it.
type Store interface {
	FindByID(ctx context.Context, userID string) (*users.User, error)
	FindLatestByIP(ctx context.Context, ip string) (*users.User, error)
	CreateForIP(ctx context.Context, userID, ip string, build users.BuildFunc) (*users.User, bool, error)
	EnsureMinimal(ctx context.Context, userID, ip string) (*users.User, error)
	Touch(ctx context.Context, userID, ip, userAgent string, at time.Time) (*users.User, error)
}

type SettingsSource interface {
	Get(ctx context.Context) (*settings.Settings, error)
}

type Resolver struct {
	store    Store
	settings SettingsSource
	now      func() time.Time
	newID    func() (string, error)
}

func NewResolver(store Store, src SettingsSource) *Resolver {
	return &Resolver{
		store:    store,
		settings: src,
		now:      time.Now,
		newID:    NewUserID,
	}
}

// NewUserID returns "DC-" followed by eight random alphanumerics.
func NewUserID() (string, error) {
	buf := make([]byte, idLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading random id bytes: %w", err)
	}
	out := make([]byte, idLength)
	for i, b := range buf {
		out[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return idPrefix + string(out), nil
}

func persistenceError(op string, err error) error {
	return fmt.Errorf("%w: %w", governance.Reject(governance.KindPersistenceError, op), err)
}

// Resolve attaches the request to a user. A claimed id is looked up exactly;
// without one the most recently active user seen from clientIP is reused;
// otherwise a user is created, subject to the per-address account cap.
func (r *Resolver) Resolve(ctx context.Context, claimedID, clientIP, userAgent string) (*users.User, Outcome, error) {
	claimedID = strings.TrimSpace(claimedID)

	if claimedID != "" {
		u, err := r.store.FindByID(ctx, claimedID)
		if err != nil {
			return nil, "", persistenceError("looking up user", err)
		}
		if u != nil {
			return r.touch(ctx, u, clientIP, userAgent), OutcomeExisting, nil
		}
	} else if users.KnownIP(clientIP) {
		u, err := r.store.FindLatestByIP(ctx, clientIP)
		if err != nil {
			return nil, "", persistenceError("looking up user by address", err)
		}
		if u != nil {
			slog.Debug("identity: reusing user seen from address", "user_id", u.UserID, "ip", clientIP)
			return r.touch(ctx, u, clientIP, userAgent), OutcomeIPFallback, nil
		}
	}

	if claimedID == "" && !users.KnownIP(clientIP) {
		return nil, "", governance.Reject(governance.KindIdentityRequired,
			"a user id is required when the client address is unknown")
	}

	return r.create(ctx, claimedID, clientIP, userAgent)
}

// Identify is Resolve with a single ResolveMinimal retry when storage fails.
func (r *Resolver) Identify(ctx context.Context, claimedID, clientIP, userAgent string) (*users.User, Outcome, error) {
	u, outcome, err := r.Resolve(ctx, claimedID, clientIP, userAgent)
	if err == nil || !governance.IsKind(err, governance.KindPersistenceError) {
		r.observe(outcome, err)
		return u, outcome, err
	}

	slog.Warn("identity: resolution failed, retrying with minimal record", "error", err, "ip", clientIP)
	u, minErr := r.ResolveMinimal(ctx, claimedID, clientIP)
	if minErr != nil {
		r.observe("", minErr)
		return nil, "", errors.Join(err, minErr)
	}
	r.observe(OutcomeMinimal, nil)
	return u, OutcomeMinimal, nil
}

func (r *Resolver) observe(outcome Outcome, err error) {
	label := string(outcome)
	if err != nil {
		label = "error"
		if rej, ok := governance.AsRejection(err); ok {
			label = string(rej.Kind)
		}
	}
	metrics.IdentityResolutionsTotal.WithLabelValues(label).Inc()
}

// ResolveMinimal finds or inserts a bare record for claimedID, synthesizing
// an id when none is claimed. It grants no free tokens and ignores the
// per-address cap.
func (r *Resolver) ResolveMinimal(ctx context.Context, claimedID, clientIP string) (*users.User, error) {
	id := strings.TrimSpace(claimedID)
	if id == "" {
		if !users.KnownIP(clientIP) {
			return nil, governance.Reject(governance.KindIdentityRequired,
				"a user id is required when the client address is unknown")
		}
		var err error
		if id, err = r.newID(); err != nil {
			return nil, persistenceError("allocating user id", err)
		}
	}
	u, err := r.store.EnsureMinimal(ctx, id, clientIP)
	if err != nil {
		return nil, persistenceError("ensuring minimal user", err)
	}
	return u, nil
}

func (r *Resolver) touch(ctx context.Context, u *users.User, ip, userAgent string) *users.User {
	touched, err := r.store.Touch(ctx, u.UserID, ip, userAgent, r.now())
	if err != nil || touched == nil {
		slog.Warn("identity: recording activity", "error", err, "user_id", u.UserID)
		return u
	}
	return touched
}

func (r *Resolver) create(ctx context.Context, claimedID, ip, userAgent string) (*users.User, Outcome, error) {
	policy, err := r.settings.Get(ctx)
	if err != nil {
		slog.Warn("identity: settings unavailable, creating user without free tokens", "error", err)
		policy = nil
	}

	for attempt := 1; attempt <= maxIDAttempts; attempt++ {
		id := claimedID
		synthesized := id == ""
		if synthesized {
			if id, err = r.newID(); err != nil {
				return nil, "", persistenceError("allocating user id", err)
			}
		}

		now := r.now()
		u, created, err := r.store.CreateForIP(ctx, id, ip, func(existing int) (*users.User, error) {
			return r.buildUser(policy, id, ip, userAgent, existing, now)
		})
		if err != nil {
			if _, ok := governance.AsRejection(err); ok {
				return nil, "", err
			}
			return nil, "", persistenceError("creating user", err)
		}

		if created {
			slog.Info("identity: user created",
				"user_id", u.UserID, "ip", ip, "free_tokens", u.FreeTokensReceived, "synthesized_id", synthesized)
			return u, OutcomeCreated, nil
		}
		if !synthesized {
			// another request inserted the same claimed id first; it is
			// returned before the address cap is evaluated
			return r.touch(ctx, u, ip, userAgent), OutcomeExisting, nil
		}
		slog.Warn("identity: generated user id collided, retrying", "user_id", id, "attempt", attempt)
	}

	return nil, "", governance.Reject(governance.KindPersistenceError, "could not allocate a unique user id")
}

func (r *Resolver) buildUser(policy *settings.Settings, id, ip, userAgent string, existing int, now time.Time) (*users.User, error) {
	if users.KnownIP(ip) {
		limit := policy.UserCap()
		if existing >= limit {
			slog.Warn("identity: account cap reached for address", "ip", ip, "current", existing, "max", limit)
			return nil, governance.RejectWithCounts(governance.KindIPLimitExceeded, policy.CapMessage(), existing, limit)
		}
	}

	u := &users.User{
		UserID:    id,
		IPAddress: ip,
		CreatedAt: now,
		IPHistory: []users.IPHistoryEntry{{IP: ip, FirstSeen: now, LastSeen: now, UserAgent: userAgent}},
	}

	grant := policy.FreeTokenGrant(0, false)
	if !grant.Granted() {
		slog.Info("identity: no free tokens for new user", "user_id", id, "reason", grant.Reason)
		return u, nil
	}
	u.Tokens = grant.Tokens
	u.HasReceivedFreeTokens = true
	u.FreeTokensReceived = grant.Tokens
	u.FreeTokensReceivedAt = &now
	u.WelcomeMessage = grant.Message
	return u, nil
}
