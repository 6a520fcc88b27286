package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func mustIssue(t *testing.T, secret, issuer, userID string, ttl time.Duration, now time.Time) string {
	t.Helper()
	tok, err := IssueToken(secret, issuer, userID, ttl, now)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func TestJWTVerifier_RoundTrip(t *testing.T) {
	t.Parallel()

	v, err := NewJWTVerifier("secret-1", "relay")
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	tok := mustIssue(t, "secret-1", "relay", "alice", time.Hour, time.Now())
	id, err := v.Verify(context.Background(), tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.UserID != "alice" {
		t.Fatalf("user id = %q", id.UserID)
	}
}

func TestJWTVerifier_Rejections(t *testing.T) {
	t.Parallel()

	v, err := NewJWTVerifier("secret-1", "relay")
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	now := time.Now()

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-jwt"},
		{"wrong secret", mustIssue(t, "other-secret", "relay", "alice", time.Hour, now)},
		{"wrong issuer", mustIssue(t, "secret-1", "someone-else", "alice", time.Hour, now)},
		{"expired", mustIssue(t, "secret-1", "relay", "alice", time.Hour, now.Add(-2*time.Hour))},
		{"missing user id", mustIssue(t, "secret-1", "relay", "", time.Hour, now)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := v.Verify(context.Background(), tc.token)
			if !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestJWTVerifier_IssuerOptional(t *testing.T) {
	t.Parallel()

	v, err := NewJWTVerifier("secret-1", "")
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	tok := mustIssue(t, "secret-1", "any-issuer", "bob", time.Hour, time.Now())
	id, err := v.Verify(context.Background(), tok)
	if err != nil {
		t.Fatalf("verify without issuer pin: %v", err)
	}
	if id.UserID != "bob" {
		t.Fatalf("user id = %q", id.UserID)
	}
}

func TestStaticVerifier(t *testing.T) {
	t.Parallel()

	s := Static{"tok-a": "alice"}
	id, err := s.Verify(context.Background(), "tok-a")
	if err != nil || id.UserID != "alice" {
		t.Fatalf("static verify: %v %+v", err, id)
	}
	if _, err := s.Verify(context.Background(), "tok-b"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("unknown token: %v", err)
	}
}
