package settings

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dripcheck/dripcheck/internal/governance/audit"
	inats "github.com/dripcheck/dripcheck/internal/nats"
)

func defaults() *Settings {
	return &Settings{
		EnableFreeTokens:      true,
		FreeTokensForNewUsers: 5,
		MaxFreeTokensPerUser:  10,
		FreeTokenExpiryDays:   30,
		WelcomeMessage:        "welcome",
		MaxUsersPerIP:         3,
	}
}

func TestFreeTokenGrant(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*Settings)
		balance    int
		granted    bool
		wantTokens int
		wantReason string
	}{
		{name: "new user gets tokens", wantTokens: 5},
		{name: "disabled", mutate: func(s *Settings) { s.EnableFreeTokens = false }, wantReason: "free tokens disabled by admin"},
		{name: "existing balance", balance: 2, wantReason: "user already has tokens"},
		{name: "already granted", granted: true, wantReason: "user already received free tokens"},
		{name: "capped by max", mutate: func(s *Settings) { s.FreeTokensForNewUsers = 50 }, wantTokens: 10},
		{name: "zero amount", mutate: func(s *Settings) { s.FreeTokensForNewUsers = 0 }, wantReason: "free token amount is zero"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := defaults()
			if tt.mutate != nil {
				tt.mutate(s)
			}
			g := s.FreeTokenGrant(tt.balance, tt.granted)
			assert.Equal(t, tt.wantTokens, g.Tokens)
			assert.Equal(t, tt.wantReason, g.Reason)
			assert.Equal(t, tt.wantTokens > 0, g.Granted())
		})
	}
}

func TestFreeTokenGrant_NilSettings(t *testing.T) {
	var s *Settings
	g := s.FreeTokenGrant(0, false)
	assert.False(t, g.Granted())
	assert.Equal(t, "settings unavailable", g.Reason)
}

func TestUserCap(t *testing.T) {
	s := defaults()
	s.MaxUsersPerIP = 7
	assert.Equal(t, DefaultMaxUsersPerIP, s.UserCap(), "restriction disabled keeps the default cap")

	s.EnableIPRestriction = true
	assert.Equal(t, 7, s.UserCap())

	var missing *Settings
	assert.Equal(t, DefaultMaxUsersPerIP, missing.UserCap())
}

func TestApply_OnlyAllowListedFields(t *testing.T) {
	s := defaults()
	five, msg := 5, "hello"
	enabled := true

	changed := s.Apply(Update{
		FreeTokensForNewUsers: &five, // unchanged value
		WelcomeMessage:        &msg,
		EnableIPRestriction:   &enabled,
	})

	assert.ElementsMatch(t, []string{"welcomeMessage", "enableIPRestriction"}, changed)
	assert.Equal(t, "hello", s.WelcomeMessage)
	assert.True(t, s.EnableIPRestriction)
}

func TestUpdateValidate_FreeTokensAboveMax(t *testing.T) {
	s := defaults()
	v := 20
	err := Update{FreeTokensForNewUsers: &v}.Validate(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maxFreeTokensPerUser")
	assert.Equal(t, 5, s.FreeTokensForNewUsers, "validation must not mutate current settings")
}

type memStore struct {
	s       *Settings
	saves   int
	failGet bool
}

func (m *memStore) Get(context.Context) (*Settings, error) {
	if m.failGet {
		return nil, errors.New("db down")
	}
	cp := *m.s
	return &cp, nil
}

func (m *memStore) Save(_ context.Context, s *Settings) error {
	m.saves++
	cp := *s
	m.s = &cp
	return nil
}

type recordingAuditor struct {
	events []inats.AuditEvent
}

func (r *recordingAuditor) Record(_ context.Context, e inats.AuditEvent) {
	r.events = append(r.events, e)
}

func TestService_UpdateRecordsAudit(t *testing.T) {
	store := &memStore{s: defaults()}
	auditor := &recordingAuditor{}
	svc := NewService(store, auditor)

	limit := 9
	updated, err := svc.Update(context.Background(), Update{MaxUsersPerIP: &limit}, "admin")
	require.NoError(t, err)

	assert.Equal(t, 9, updated.MaxUsersPerIP)
	assert.Equal(t, "admin", updated.UpdatedBy)
	assert.Equal(t, 1, store.saves)
	require.Len(t, auditor.events, 1)
	assert.Equal(t, audit.EventSettingsUpdated, auditor.events[0].EventType)

	var details map[string][]string
	require.NoError(t, json.Unmarshal([]byte(auditor.events[0].Details), &details))
	assert.Equal(t, []string{"maxUsersPerIP"}, details["changed"])
}

func TestService_UpdateNoChangesSkipsSave(t *testing.T) {
	store := &memStore{s: defaults()}
	auditor := &recordingAuditor{}
	svc := NewService(store, auditor)

	_, err := svc.Update(context.Background(), Update{}, "admin")
	require.NoError(t, err)
	assert.Zero(t, store.saves)
	assert.Empty(t, auditor.events)
}
