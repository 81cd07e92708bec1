package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAccessSecret  = "access-secret-32-chars-long!!!!!"
	testRefreshSecret = "refresh-secret-32-chars-long!!!!"
)

func TestJWTManager_GenerateAndValidate(t *testing.T) {
	mgr := NewJWTManager(testAccessSecret, testRefreshSecret, 15*time.Minute, 7*24*time.Hour)

	t.Run("generate and validate access token", func(t *testing.T) {
		pair, tokenID, err := mgr.GenerateTokenPair("admin")
		require.NoError(t, err)
		assert.NotEmpty(t, pair.AccessToken)
		assert.NotEmpty(t, pair.RefreshToken)
		assert.NotEmpty(t, tokenID)
		assert.Equal(t, int64(900), pair.ExpiresIn)

		claims, err := mgr.ValidateAccessToken(pair.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, "admin", claims.Username)
		assert.Equal(t, RoleAdmin, claims.Role)
	})

	t.Run("generate and validate refresh token", func(t *testing.T) {
		pair, tokenID, err := mgr.GenerateTokenPair("ops")
		require.NoError(t, err)

		claims, err := mgr.ValidateRefreshToken(pair.RefreshToken)
		require.NoError(t, err)
		assert.Equal(t, "ops", claims.Username)
		assert.Equal(t, tokenID, claims.TokenID)
	})

	t.Run("invalid token fails validation", func(t *testing.T) {
		_, err := mgr.ValidateAccessToken("invalid-token")
		assert.Error(t, err)
	})

	t.Run("access token cant validate as refresh", func(t *testing.T) {
		pair, _, _ := mgr.GenerateTokenPair("admin")
		_, err := mgr.ValidateRefreshToken(pair.AccessToken)
		assert.Error(t, err)
	})

	t.Run("token signed with another secret fails", func(t *testing.T) {
		other := NewJWTManager("another-access-secret-32-chars!!", testRefreshSecret, time.Minute, time.Hour)
		pair, _, err := other.GenerateTokenPair("admin")
		require.NoError(t, err)
		_, err = mgr.ValidateAccessToken(pair.AccessToken)
		assert.Error(t, err)
	})

	t.Run("expired token fails", func(t *testing.T) {
		shortMgr := NewJWTManager(testAccessSecret, testRefreshSecret, -1*time.Second, -1*time.Second)
		pair, _, err := shortMgr.GenerateTokenPair("admin")
		require.NoError(t, err)

		_, err = shortMgr.ValidateAccessToken(pair.AccessToken)
		assert.Error(t, err)
	})
}

func TestJWTManager_RejectsForeignTokens(t *testing.T) {
	mgr := NewJWTManager(testAccessSecret, testRefreshSecret, time.Minute, time.Hour)

	t.Run("wrong audience", func(t *testing.T) {
		claims := AccessClaims{
			Username: "admin",
			Role:     RoleAdmin,
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    issuer,
				Audience:  jwt.ClaimStrings{"someone-else"},
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
			},
		}
		raw, err := sign(claims, []byte(testAccessSecret))
		require.NoError(t, err)

		_, err = mgr.ValidateAccessToken(raw)
		assert.Error(t, err)
	})

	t.Run("non admin role", func(t *testing.T) {
		claims := AccessClaims{
			Username:         "admin",
			Role:             "viewer",
			RegisteredClaims: mgr.registered("admin", time.Minute),
		}
		raw, err := sign(claims, []byte(testAccessSecret))
		require.NoError(t, err)

		_, err = mgr.ValidateAccessToken(raw)
		assert.ErrorIs(t, err, errInvalidClaims)
	})

	t.Run("unsigned token", func(t *testing.T) {
		raw, err := jwt.NewWithClaims(jwt.SigningMethodNone, AccessClaims{
			Username:         "admin",
			Role:             RoleAdmin,
			RegisteredClaims: mgr.registered("admin", time.Minute),
		}).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		_, err = mgr.ValidateAccessToken(raw)
		assert.Error(t, err)
	})
}
