package users

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrInvalidUsername = errors.New("invalid username")
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)

// UsernameError explains why a username was refused.
type UsernameError struct {
	Reason string
}

func (e *UsernameError) Error() string { return e.Reason }

func (e *UsernameError) Unwrap() error { return ErrInvalidUsername }

// NormalizeUsername trims the input and checks length and alphabet.
func NormalizeUsername(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return "", &UsernameError{Reason: "username is required"}
	}
	if n := utf8.RuneCountInString(name); n < 3 || n > 30 {
		return "", &UsernameError{Reason: "username must be 3-30 characters"}
	}
	if !usernamePattern.MatchString(name) {
		return "", &UsernameError{Reason: "only letters, numbers, underscore, dot, hyphen allowed"}
	}
	return name, nil
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// SetUsername validates and stores a case-insensitively unique username.
func (s *Service) SetUsername(ctx context.Context, userID, raw string) (*User, error) {
	name, err := NormalizeUsername(raw)
	if err != nil {
		return nil, err
	}
	user, err := s.repo.SetUsername(ctx, userID, name)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	return user, nil
}

func (s *Service) GetByID(ctx context.Context, userID string) (*User, error) {
	return s.repo.FindByID(ctx, userID)
}

func (s *Service) FreeTokenStats(ctx context.Context) (*FreeTokenStats, error) {
	return s.repo.FreeTokenStats(ctx, 10)
}

func (s *Service) IPStats(ctx context.Context, limit int) ([]IPStat, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return s.repo.IPStats(ctx, limit)
}
