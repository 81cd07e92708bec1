package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const refreshKeyPrefix = "dripcheck:refresh:"

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTokenRevoked       = errors.New("refresh token revoked")
)

// Credentials are the single operator account configured at startup.
type Credentials struct {
	Username     string
	PasswordHash string
}

type Service struct {
	jwt         *JWTManager
	redisClient redis.Cmdable
	admin       Credentials
}

func NewService(jwt *JWTManager, redisClient redis.Cmdable, admin Credentials) *Service {
	return &Service{
		jwt:         jwt,
		redisClient: redisClient,
		admin:       admin,
	}
}

func refreshKey(username, tokenID string) string {
	return fmt.Sprintf("%s%s:%s", refreshKeyPrefix, username, tokenID)
}

// Login checks the operator credentials and issues a token pair.
func (s *Service) Login(ctx context.Context, username, password string) (*TokenPair, error) {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(s.admin.Username)) == 1
	// always run bcrypt so a wrong username costs the same as a wrong password
	passErr := ComparePassword(s.admin.PasswordHash, password)
	if !userOK || passErr != nil {
		return nil, ErrInvalidCredentials
	}
	return s.GenerateTokens(ctx, s.admin.Username)
}

func (s *Service) GenerateTokens(ctx context.Context, username string) (*TokenPair, error) {
	pair, tokenID, err := s.jwt.GenerateTokenPair(username)
	if err != nil {
		return nil, err
	}

	if err := s.redisClient.Set(ctx, refreshKey(username, tokenID), "1", s.jwt.RefreshExpiry()).Err(); err != nil {
		return nil, fmt.Errorf("storing refresh token: %w", err)
	}
	return pair, nil
}

// RefreshTokens rotates a refresh token. Each refresh token is usable once.
func (s *Service) RefreshTokens(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := s.jwt.ValidateRefreshToken(refreshToken)
	if err != nil {
		return nil, fmt.Errorf("invalid refresh token: %w", err)
	}

	deleted, err := s.redisClient.Del(ctx, refreshKey(claims.Username, claims.TokenID)).Result()
	if err != nil {
		return nil, fmt.Errorf("revoking refresh token: %w", err)
	}
	if deleted == 0 {
		return nil, ErrTokenRevoked
	}

	return s.GenerateTokens(ctx, claims.Username)
}

// Logout revokes every refresh token issued to username.
func (s *Service) Logout(ctx context.Context, username string) error {
	iter := s.redisClient.Scan(ctx, 0, refreshKey(username, "*"), 100).Iterator()
	for iter.Next(ctx) {
		if err := s.redisClient.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("revoking refresh token: %w", err)
		}
	}
	return iter.Err()
}

func (s *Service) ValidateAccessToken(token string) (*AccessClaims, error) {
	return s.jwt.ValidateAccessToken(token)
}
