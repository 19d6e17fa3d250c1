package carrier

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultRefreshMargin is how long before expiry a cached token is replaced.
const DefaultRefreshMargin = 5 * time.Minute

// TokenSource hands out a bearer token for carrier calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Token is an access token and its expiry. A zero ExpiresAt never expires.
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
}

// Refresher obtains a new token from the carrier's auth server.
type Refresher interface {
	Refresh(ctx context.Context) (Token, error)
}

// TokenCache keeps the current token and refreshes it through a Refresher
// once it is within Margin of expiry. Safe for concurrent use; concurrent
// callers share a single refresh.
type TokenCache struct {
	refresher Refresher
	margin    time.Duration
	now       func() time.Time

	mu      sync.Mutex
	current Token
}

func NewTokenCache(r Refresher, seed Token, margin time.Duration) *TokenCache {
	if margin <= 0 {
		margin = DefaultRefreshMargin
	}
	if seed.AccessToken != "" && seed.ExpiresAt.IsZero() {
		if exp, ok := TokenExpiry(seed.AccessToken); ok {
			seed.ExpiresAt = exp
		}
	}
	return &TokenCache{refresher: r, margin: margin, now: time.Now, current: seed}
}

func (c *TokenCache) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fresh(c.current) {
		return c.current.AccessToken, nil
	}
	if c.refresher == nil {
		return "", fmt.Errorf("token expired and no refresh credentials: %w", ErrNotConfigured)
	}
	tok, err := c.refresher.Refresh(ctx)
	if err != nil {
		return "", fmt.Errorf("refresh carrier token: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("refresh carrier token: empty access token: %w", ErrUnauthenticated)
	}
	if tok.ExpiresAt.IsZero() {
		if exp, ok := TokenExpiry(tok.AccessToken); ok {
			tok.ExpiresAt = exp
		}
	}
	c.current = tok
	return tok.AccessToken, nil
}

func (c *TokenCache) fresh(t Token) bool {
	if t.AccessToken == "" {
		return false
	}
	if t.ExpiresAt.IsZero() {
		return true
	}
	return c.now().Add(c.margin).Before(t.ExpiresAt)
}

// StaticToken is a long-lived personal token pasted into configuration.
// When the token is a JWT its exp claim is honored.
type StaticToken struct {
	value     string
	expiresAt time.Time
	now       func() time.Time
}

func NewStaticToken(value string) *StaticToken {
	value = strings.TrimSpace(value)
	exp, _ := TokenExpiry(value)
	return &StaticToken{value: value, expiresAt: exp, now: time.Now}
}

func (s *StaticToken) Token(context.Context) (string, error) {
	if s.value == "" {
		return "", fmt.Errorf("carrier token missing: %w", ErrNotConfigured)
	}
	if !s.expiresAt.IsZero() && !s.now().Before(s.expiresAt) {
		return "", fmt.Errorf("carrier token expired at %s: %w", s.expiresAt.Format(time.RFC3339), ErrUnauthenticated)
	}
	return s.value, nil
}

// NoopToken returns a fixed value without checks.
type NoopToken string

func (t NoopToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// TokenExpiry reads the exp claim of a JWT without verifying its signature.
// The carrier signs its own tokens; we only need to know when to refresh.
func TokenExpiry(raw string) (time.Time, bool) {
	if strings.Count(raw, ".") != 2 {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
