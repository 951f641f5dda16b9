package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrNoToken = errors.New("auth: no token")

type Refresher interface {
	RefreshAccess(ctx context.Context, refresh string) (string, error)
}

// TokenStore holds the client's access/refresh pair and hands out an access
// token that is not about to expire.
type TokenStore struct {
	refresher Refresher
	skew      time.Duration
	now       func() time.Time

	refreshMu sync.Mutex

	mu      sync.Mutex
	access  string
	refresh string
}

func NewTokenStore(r Refresher) *TokenStore {
	return &TokenStore{refresher: r, skew: 30 * time.Second, now: time.Now}
}

func (s *TokenStore) SetTokens(access, refresh string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = access
	s.refresh = refresh
}

func (s *TokenStore) IsAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.access != ""
}

func (s *TokenStore) Logout() {
	s.SetTokens("", "")
}

func (s *TokenStore) UserID() int64 {
	s.mu.Lock()
	access := s.access
	s.mu.Unlock()
	if access == "" {
		return 0
	}
	claims, err := InspectToken(access)
	if err != nil {
		return 0
	}
	return claims.UserID
}

// GetValidToken returns the access token, refreshing it first when it expires
// within the skew window. A failed refresh logs the store out.
func (s *TokenStore) GetValidToken(ctx context.Context) (string, error) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	s.mu.Lock()
	access, refresh := s.access, s.refresh
	s.mu.Unlock()

	if access == "" {
		return "", ErrNoToken
	}
	if s.fresh(access) {
		return access, nil
	}
	if refresh == "" || s.refresher == nil {
		return "", fmt.Errorf("%w: access token expired", ErrNoToken)
	}

	next, err := s.refresher.RefreshAccess(ctx, refresh)
	if err != nil {
		s.Logout()
		return "", fmt.Errorf("auth: refresh access token: %w", err)
	}

	s.mu.Lock()
	s.access = next
	s.mu.Unlock()
	return next, nil
}

func (s *TokenStore) fresh(token string) bool {
	claims, err := InspectToken(token)
	if err != nil || claims.ExpiresAt == nil {
		return false
	}
	return s.now().Add(s.skew).Before(claims.ExpiresAt.Time)
}
