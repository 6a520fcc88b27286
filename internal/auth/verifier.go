// Package auth adapts the external identity provider: it turns bearer
// tokens into authenticated user ids and nothing more.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any token the verifier rejects
// (bad signature, expired, malformed, unknown).
var ErrInvalidToken = errors.New("auth: invalid token")

// Identity is the verified principal behind a bearer token.
type Identity struct {
	UserID string
}

// TokenVerifier verifies a bearer token and resolves the user behind it.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// Claims is the payload inside every access token issued by the identity
// provider. Only user_id matters to the gateway.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret []byte
	issuer string
	leeway time.Duration
}

// NewJWTVerifier constructs a verifier. Issuer is enforced when non-empty.
func NewJWTVerifier(secret, issuer string) (*JWTVerifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: empty token secret")
	}
	return &JWTVerifier{
		secret: []byte(secret),
		issuer: strings.TrimSpace(issuer),
		leeway: 30 * time.Second,
	}, nil
}

// Verify checks signature, expiry, and (when configured) issuer, and
// extracts the user id.
func (v *JWTVerifier) Verify(_ context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrInvalidToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(v.leeway),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.UserID) == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{UserID: claims.UserID}, nil
}

// IssueToken signs an access token for a user. The gateway never issues
// tokens in production; this exists for tests and local dev tooling.
func IssueToken(secret, issuer, userID string, ttl time.Duration, now time.Time) (string, error) {
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// Static is a fixed token -> user mapping for tests and dev mode.
type Static map[string]string

func (s Static) Verify(_ context.Context, token string) (Identity, error) {
	uid, ok := s[strings.TrimSpace(token)]
	if !ok || uid == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{UserID: uid}, nil
}

var (
	_ TokenVerifier = (*JWTVerifier)(nil)
	_ TokenVerifier = (Static)(nil)
)
