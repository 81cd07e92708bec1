package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/dripcheck/dripcheck/internal/governance/audit"
	inats "github.com/dripcheck/dripcheck/internal/nats"
)

func setupService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	hash, err := bcrypt.GenerateFromPassword([]byte("correct horse"), bcrypt.MinCost)
	require.NoError(t, err)

	mgr := NewJWTManager(testAccessSecret, testRefreshSecret, 15*time.Minute, time.Hour)
	return NewService(mgr, rdb, Credentials{Username: "admin", PasswordHash: string(hash)}), mr
}

func TestService_Login(t *testing.T) {
	svc, mr := setupService(t)
	ctx := context.Background()

	pair, err := svc.Login(ctx, "admin", "correct horse")
	require.NoError(t, err)
	assert.Len(t, mr.Keys(), 1)
	assert.True(t, strings.HasPrefix(mr.Keys()[0], refreshKeyPrefix+"admin:"))

	claims, err := svc.ValidateAccessToken(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.Username)

	_, err = svc.Login(ctx, "admin", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.Login(ctx, "root", "correct horse")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestService_RefreshRotatesToken(t *testing.T) {
	svc, mr := setupService(t)
	ctx := context.Background()

	pair, err := svc.Login(ctx, "admin", "correct horse")
	require.NoError(t, err)

	next, err := svc.RefreshTokens(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken, next.RefreshToken)
	assert.Len(t, mr.Keys(), 1)

	_, err = svc.RefreshTokens(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenRevoked, "a refresh token is single use")
}

func TestService_RefreshRaceHasOneWinner(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	pair, err := svc.Login(ctx, "admin", "correct horse")
	require.NoError(t, err)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.RefreshTokens(ctx, pair.RefreshToken); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
}

func TestService_LogoutRevokesAll(t *testing.T) {
	svc, mr := setupService(t)
	ctx := context.Background()

	first, err := svc.Login(ctx, "admin", "correct horse")
	require.NoError(t, err)
	_, err = svc.Login(ctx, "admin", "correct horse")
	require.NoError(t, err)
	require.Len(t, mr.Keys(), 2)

	require.NoError(t, svc.Logout(ctx, "admin"))
	assert.Empty(t, mr.Keys())

	_, err = svc.RefreshTokens(ctx, first.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenRevoked)
}

type recordingAuditor struct {
	events []inats.AuditEvent
}

func (r *recordingAuditor) Record(_ context.Context, e inats.AuditEvent) {
	r.events = append(r.events, e)
}

func TestHandler_LoginAndMiddleware(t *testing.T) {
	svc, _ := setupService(t)
	auditor := &recordingAuditor{}
	h := NewHandler(svc, auditor)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/admin/auth/login",
		strings.NewReader(`{"username":"admin","password":"nope"}`))
	h.Login(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/admin/auth/login",
		strings.NewReader(`{"username":"admin","password":"correct horse"}`))
	h.Login(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "access_token")

	require.Len(t, auditor.events, 2)
	assert.Equal(t, audit.EventAdminLogin, auditor.events[1].EventType)
	assert.Equal(t, audit.SeverityWarn, auditor.events[0].Severity)

	pair, err := svc.GenerateTokens(context.Background(), "admin")
	require.NoError(t, err)

	var actor string
	protected := Middleware(svc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor = ActorFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "missing header", want: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic abc", want: http.StatusUnauthorized},
		{name: "garbage token", header: "Bearer abc", want: http.StatusUnauthorized},
		{name: "refresh token is not an access token", header: "Bearer " + pair.RefreshToken, want: http.StatusUnauthorized},
		{name: "valid", header: "Bearer " + pair.AccessToken, want: http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/api/admin/settings", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			protected.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
	assert.Equal(t, "admin", actor)
}
