package ds

import (
	"sync"
	"time"
)

// SessionLifetime stays inside the controller's 180 s session timeout.
const SessionLifetime = 170 * time.Second

// Session holds the short-lived token of the legacy API.
// Only Client writes it; a token is never used after its expiry.
type Session struct {
	mu        sync.Mutex
	token     string
	expiresAt time.Time
	now       func() time.Time
}

func newSession(now func() time.Time) *Session {
	if now == nil {
		now = time.Now
	}
	return &Session{now: now}
}

// Token returns the token if it is still valid.
func (s *Session) Token() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token == "" || !s.now().Before(s.expiresAt) {
		return "", false
	}
	return s.token, true
}

// HasValidToken reports whether a non-expired token is held.
func (s *Session) HasValidToken() bool {
	_, ok := s.Token()
	return ok
}

// ExpiresAt returns the expiry of the current token.
func (s *Session) ExpiresAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiresAt
}

func (s *Session) set(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.token = token
	s.expiresAt = s.now().Add(SessionLifetime)
}
