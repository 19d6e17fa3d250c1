package melhorenvio

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"example.com/fulfillment/internal/carrier"
)

const tokenPath = "/oauth/token"

// OAuthRefresher trades a refresh token for a new access token. The provider
// rotates refresh tokens, so the latest one is kept in memory.
type OAuthRefresher struct {
	http         *resty.Client
	clientID     string
	clientSecret string

	mu           sync.Mutex
	refreshToken string
}

var _ carrier.Refresher = (*OAuthRefresher)(nil)

func NewOAuthRefresher(cfg Config, clientID, clientSecret, refreshToken string) (*OAuthRefresher, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" || clientID == "" || clientSecret == "" || refreshToken == "" {
		return nil, fmt.Errorf("melhorenvio oauth: client id, secret and refresh token required: %w", carrier.ErrNotConfigured)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	hc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if cfg.UserAgent != "" {
		hc.SetHeader("User-Agent", cfg.UserAgent)
	}
	return &OAuthRefresher{
		http:         hc,
		clientID:     clientID,
		clientSecret: clientSecret,
		refreshToken: refreshToken,
	}, nil
}

type tokenResponse struct {
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func (r *OAuthRefresher) Refresh(ctx context.Context) (carrier.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	resp, err := r.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"grant_type":    "refresh_token",
			"refresh_token": r.refreshToken,
			"client_id":     r.clientID,
			"client_secret": r.clientSecret,
		}).
		Post(tokenPath)
	if err != nil {
		return carrier.Token{}, fmt.Errorf("melhorenvio oauth: %w", err)
	}
	if resp.IsError() {
		return carrier.Token{}, &carrier.StatusError{Provider: Name, Op: "oauth refresh", StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	var out tokenResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return carrier.Token{}, fmt.Errorf("melhorenvio oauth: decode response: %w", err)
	}
	if out.RefreshToken != "" {
		r.refreshToken = out.RefreshToken
	}
	tok := carrier.Token{AccessToken: out.AccessToken}
	if out.ExpiresIn > 0 {
		tok.ExpiresAt = time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
	}
	return tok, nil
}
