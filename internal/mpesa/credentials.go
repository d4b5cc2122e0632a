package mpesa

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	tokenPath = "/oauth/v1/generate?grant_type=client_credentials"
	// cached credentials are dropped this long before the gateway expires them
	tokenExpiryMargin = 60 * time.Second
)

// Credential is a short-lived bearer token for the gateway API.
type Credential struct {
	AccessToken string
	ExpiresIn   time.Duration
}

// CredentialSource obtains a bearer credential.
type CredentialSource interface {
	Obtain(ctx context.Context) (Credential, error)
}

// CredentialProvider exchanges the consumer key/secret for a bearer token.
// It never retries and never caches.
type CredentialProvider struct {
	baseURL string
	key     string
	secret  string
	http    *http.Client
}

func NewCredentialProvider(cfg Config, httpClient *http.Client) *CredentialProvider {
	return &CredentialProvider{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		key:     cfg.ConsumerKey,
		secret:  cfg.ConsumerSecret,
		http:    httpClient,
	}
}

type tokenResponse struct {
	AccessToken string      `json:"access_token"`
	ExpiresIn   json.Number `json:"expires_in"` // the gateway sends a quoted number
}

// Obtain implements CredentialSource.
func (p *CredentialProvider) Obtain(ctx context.Context) (Credential, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+tokenPath, nil)
	if err != nil {
		return Credential{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Authorization", "Basic "+basicAuth(p.key, p.secret))

	resp, err := p.http.Do(req)
	if err != nil {
		return Credential{}, &NetworkError{Op: "fetch access token", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Credential{}, &NetworkError{Op: "read access token", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return Credential{}, &UpstreamAuthError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil || tr.AccessToken == "" {
		return Credential{}, &UpstreamAuthError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	secs, err := tr.ExpiresIn.Int64()
	if err != nil {
		secs = 0
	}
	return Credential{AccessToken: tr.AccessToken, ExpiresIn: time.Duration(secs) * time.Second}, nil
}

func basicAuth(key, secret string) string {
	return base64.StdEncoding.EncodeToString([]byte(key + ":" + secret))
}

// TokenCache stores bearer tokens until shortly before they expire.
type TokenCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// CachingProvider serves credentials from a TokenCache and falls back to next.
// Cache failures are logged and never fail the request.
type CachingProvider struct {
	next   CredentialSource
	cache  TokenCache
	key    string
	logger *zap.Logger
}

// NewCachingProvider caches tokens under a key derived from the consumer key, so
// two merchants sharing a Redis never see each other's token.
func NewCachingProvider(next CredentialSource, cache TokenCache, consumerKey string, logger *zap.Logger) *CachingProvider {
	return &CachingProvider{next: next, cache: cache, key: "mpesa:token:" + consumerKey, logger: logger}
}

func (c *CachingProvider) Obtain(ctx context.Context) (Credential, error) {
	token, ok, err := c.cache.Get(ctx, c.key)
	if err != nil {
		c.logger.Warn("token cache read failed", zap.Error(err))
	}
	if ok {
		return Credential{AccessToken: token}, nil
	}

	cred, err := c.next.Obtain(ctx)
	if err != nil {
		return Credential{}, err
	}
	if ttl := cred.ExpiresIn - tokenExpiryMargin; ttl > 0 {
		if err := c.cache.Set(ctx, c.key, cred.AccessToken, ttl); err != nil {
			c.logger.Warn("token cache write failed", zap.Error(err))
		}
	}
	return cred, nil
}

// Invalidate drops the cached token so the next Obtain asks the gateway for a
// fresh one.
func (c *CachingProvider) Invalidate(ctx context.Context) {
	if err := c.cache.Delete(ctx, c.key); err != nil {
		c.logger.Warn("token cache delete failed", zap.Error(err))
	}
}
