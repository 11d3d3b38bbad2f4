package ds

import (
	"testing"
	"time"
)

func TestSession_Expiry(t *testing.T) {
	clock := newFakeClock()
	s := newSession(clock.Now)

	if s.HasValidToken() {
		t.Fatal("new session should not hold a token")
	}

	s.set("abc")
	if token, ok := s.Token(); !ok || token != "abc" {
		t.Fatalf("Token() = %q, %v; want abc, true", token, ok)
	}
	if want := clock.Now().Add(SessionLifetime); !s.ExpiresAt().Equal(want) {
		t.Errorf("ExpiresAt() = %v, want %v", s.ExpiresAt(), want)
	}

	clock.Advance(SessionLifetime - time.Millisecond)
	if !s.HasValidToken() {
		t.Error("token should be valid just before expiry")
	}

	clock.Advance(time.Millisecond)
	if _, ok := s.Token(); ok {
		t.Error("token must not be returned at its expiry")
	}
}

func TestSessionLifetimeInsideServerTimeout(t *testing.T) {
	if SessionLifetime >= 180*time.Second {
		t.Errorf("SessionLifetime = %v, must stay below the 180s server timeout", SessionLifetime)
	}
}
