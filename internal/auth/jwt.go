package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	issuer = "dripcheck"
	// Tokens are only accepted on the operator surface.
	audience  = "dripcheck-admin"
	RoleAdmin = "admin"
)

var errInvalidClaims = errors.New("invalid token claims")

type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// AccessClaims identify an operator on the admin surface.
type AccessClaims struct {
	Username string `json:"usr"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

type RefreshClaims struct {
	Username string `json:"usr"`
	TokenID  string `json:"tid"`
	jwt.RegisteredClaims
}

type JWTManager struct {
	accessSecret  []byte
	refreshSecret []byte
	accessExpiry  time.Duration
	refreshExpiry time.Duration
	now           func() time.Time
}

func NewJWTManager(accessSecret, refreshSecret string, accessExpiry, refreshExpiry time.Duration) *JWTManager {
	return &JWTManager{
		accessSecret:  []byte(accessSecret),
		refreshSecret: []byte(refreshSecret),
		accessExpiry:  accessExpiry,
		refreshExpiry: refreshExpiry,
		now:           time.Now,
	}
}

func (m *JWTManager) registered(username string, ttl time.Duration) jwt.RegisteredClaims {
	now := m.now()
	return jwt.RegisteredClaims{
		Subject:   username,
		Issuer:    issuer,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
}

func sign(claims jwt.Claims, secret []byte) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// GenerateTokenPair signs an access and a refresh token for username and
// returns the refresh token id so the caller can store it.
func (m *JWTManager) GenerateTokenPair(username string) (*TokenPair, string, error) {
	access, err := sign(AccessClaims{
		Username:         username,
		Role:             RoleAdmin,
		RegisteredClaims: m.registered(username, m.accessExpiry),
	}, m.accessSecret)
	if err != nil {
		return nil, "", fmt.Errorf("signing access token: %w", err)
	}

	tokenID := uuid.NewString()
	refresh, err := sign(RefreshClaims{
		Username:         username,
		TokenID:          tokenID,
		RegisteredClaims: m.registered(username, m.refreshExpiry),
	}, m.refreshSecret)
	if err != nil {
		return nil, "", fmt.Errorf("signing refresh token: %w", err)
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(m.accessExpiry.Seconds()),
	}, tokenID, nil
}

func (m *JWTManager) ValidateAccessToken(raw string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := parse(raw, claims, m.accessSecret); err != nil {
		return nil, fmt.Errorf("access token: %w", err)
	}
	if claims.Role != RoleAdmin {
		return nil, fmt.Errorf("access token: %w", errInvalidClaims)
	}
	return claims, nil
}

func (m *JWTManager) ValidateRefreshToken(raw string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := parse(raw, claims, m.refreshSecret); err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	if claims.TokenID == "" {
		return nil, fmt.Errorf("refresh token: %w", errInvalidClaims)
	}
	return claims, nil
}

func parse(raw string, claims jwt.Claims, secret []byte) error {
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
	)
	if err != nil {
		return err
	}
	if !token.Valid {
		return errInvalidClaims
	}
	return nil
}

func (m *JWTManager) RefreshExpiry() time.Duration {
	return m.refreshExpiry
}
