package users

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRepo implements only what the service and handler tests touch.
type fakeRepo struct {
	Repository
	users map[string]*User
}

func newFakeRepo(users ...*User) *fakeRepo {
	r := &fakeRepo{users: map[string]*User{}}
	for _, u := range users {
		r.users[u.UserID] = u
	}
	return r
}

func (r *fakeRepo) FindByID(_ context.Context, id string) (*User, error) {
	return r.users[id], nil
}

func (r *fakeRepo) SetUsername(_ context.Context, id, name string) (*User, error) {
	for _, u := range r.users {
		if u.UserID != id && u.UsernameSet && strings.EqualFold(u.Username, name) {
			return nil, ErrUsernameTaken
		}
	}
	u, ok := r.users[id]
	if !ok {
		return nil, nil
	}
	u.Username = name
	u.UsernameSet = true
	return u, nil
}

func TestNormalizeUsername(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "  drip.master_1 ", want: "drip.master_1"},
		{in: "abc", want: "abc"},
		{in: "ab", wantErr: true},
		{in: strings.Repeat("a", 31), wantErr: true},
		{in: "has space", wantErr: true},
		{in: "emoji😀", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := NormalizeUsername(tt.in)
		if tt.wantErr {
			require.Error(t, err, tt.in)
			assert.True(t, errors.Is(err, ErrInvalidUsername))
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestService_SetUsername_CaseInsensitiveUniqueness(t *testing.T) {
	repo := newFakeRepo(
		&User{UserID: "u1", Username: "Dripper", UsernameSet: true},
		&User{UserID: "u2", Username: DefaultUsername},
	)
	svc := NewService(repo)

	_, err := svc.SetUsername(context.Background(), "u2", "dripper")
	assert.ErrorIs(t, err, ErrUsernameTaken)

	// re-setting your own name in another case is allowed
	u, err := svc.SetUsername(context.Background(), "u1", "DRIPPER")
	require.NoError(t, err)
	assert.Equal(t, "DRIPPER", u.Username)
}

func TestService_SetUsername_UnknownUser(t *testing.T) {
	svc := NewService(newFakeRepo())
	_, err := svc.SetUsername(context.Background(), "ghost", "ghostly")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestHandler_SetUsername(t *testing.T) {
	user := &User{UserID: "DC-ABCDEFGH", Username: DefaultUsername, Tokens: 4}
	h := NewHandler(NewService(newFakeRepo(user)))

	body, _ := json.Marshal(map[string]string{"userId": user.UserID, "username": "new_name"})
	req := httptest.NewRequest(http.MethodPost, "/api/set-username", bytes.NewReader(body))
	req = req.WithContext(WithUser(req.Context(), user))
	rec := httptest.NewRecorder()

	h.SetUsername(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "new_name", resp["username"])
	assert.Equal(t, "DC-ABCDEFGH", resp["userId"])
	assert.EqualValues(t, 4, resp["tokens"])
}

func TestHandler_Profile_WelcomeMessageOnlyWhenSet(t *testing.T) {
	h := NewHandler(NewService(newFakeRepo()))

	tests := []struct {
		name    string
		user    *User
		welcome any
	}{
		{
			name:    "newly created",
			user:    &User{UserID: "DC-NEW00001", Username: DefaultUsername, Tokens: 5, WelcomeMessage: "Welcome to DripCheck!"},
			welcome: "Welcome to DripCheck!",
		},
		{
			name: "returning",
			user: &User{UserID: "DC-OLD00001", Username: DefaultUsername, Tokens: 2},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/user-data", strings.NewReader("{}"))
			req = req.WithContext(WithUser(req.Context(), tt.user))
			rec := httptest.NewRecorder()

			h.Profile(rec, req)

			require.Equal(t, http.StatusOK, rec.Code)
			var resp map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.user.UserID, resp["userId"])
			assert.Equal(t, tt.welcome, resp["welcomeMessage"])
		})
	}
}

func TestHandler_SetUsername_Invalid(t *testing.T) {
	user := &User{UserID: "u1"}
	h := NewHandler(NewService(newFakeRepo(user)))

	req := httptest.NewRequest(http.MethodPost, "/api/set-username", strings.NewReader(`{"username":"no"}`))
	req = req.WithContext(WithUser(req.Context(), user))
	rec := httptest.NewRecorder()

	h.SetUsername(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "3-30 characters")
}

func TestRequireUsernameSet(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	handler := RequireUsernameSet(next)

	t.Run("placeholder username is rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/generate", nil)
		req = req.WithContext(WithUser(req.Context(), &User{UserID: "u1", Username: DefaultUsername}))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "USERNAME_REQUIRED")
	})

	t.Run("chosen username passes", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/generate", nil)
		req = req.WithContext(WithUser(req.Context(), &User{UserID: "u1", Username: "set", UsernameSet: true}))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
	})
}
