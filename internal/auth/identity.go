package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/quarryhq/quarry-cli/internal/output"
	"github.com/quarryhq/quarry-cli/internal/version"
)

const (
	exchangePath = "/v1/auth/tokens"
	refreshPath  = "/v1/auth/tokens/refresh"
)

// IdentityClient exchanges API keys for token pairs against the
// identity service. It never logs or surfaces request bodies; those
// carry the key secret and refresh token.
type IdentityClient struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	clock      clockwork.Clock
	logger     *slog.Logger
}

// NewIdentityClient creates a client for the identity endpoints under
// baseURL. A nil httpClient gets a default with pooled connections;
// timeout bounds each individual call.
func NewIdentityClient(baseURL string, httpClient *http.Client, timeout time.Duration) *IdentityClient {
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &IdentityClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		timeout:    timeout,
		clock:      clockwork.NewRealClock(),
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// SetLogger replaces the client's logger.
func (c *IdentityClient) SetLogger(logger *slog.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// tokenResponse is the identity service's success payload. The refresh
// endpoint omits refresh_token; the token in hand stays valid.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Exchange trades an API key pair for a full credential set.
func (c *IdentityClient) Exchange(ctx context.Context, keyID, keySecret string) (*Credentials, error) {
	tr, err := c.postToken(ctx, exchangePath, map[string]string{
		"key_id":     keyID,
		"key_secret": keySecret,
	})
	if err != nil {
		return nil, err
	}
	return &Credentials{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    c.expiresAt(tr.ExpiresIn),
	}, nil
}

// Refresh trades a refresh token for a new access token and its
// expiry. The refresh token itself is not rotated.
func (c *IdentityClient) Refresh(ctx context.Context, refreshToken string) (string, int64, error) {
	tr, err := c.postToken(ctx, refreshPath, map[string]string{
		"refresh_token": refreshToken,
	})
	if err != nil {
		return "", 0, err
	}
	return tr.AccessToken, c.expiresAt(tr.ExpiresIn), nil
}

func (c *IdentityClient) postToken(ctx context.Context, path string, payload any) (*tokenResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, output.ErrInternal("encode token request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, output.ErrInternal("build token request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	start := c.clock.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, output.ErrTimeout(err)
		}
		return nil, output.ErrNetwork(err)
	}
	defer resp.Body.Close()

	c.logger.Debug("token endpoint response",
		"path", path, "status", resp.StatusCode, "duration", c.clock.Since(start))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var tr tokenResponse
		if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
			return nil, output.ErrNetworkStatus(resp.StatusCode, "Malformed token response")
		}
		if tr.AccessToken == "" {
			return nil, output.ErrNetworkStatus(resp.StatusCode, "Token response missing access_token")
		}
		return &tr, nil
	}

	// Only the response body may appear in errors; the request body
	// holds credentials.
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, output.ErrUnauthorizedStatus(resp.StatusCode, "Credentials rejected")
	case http.StatusTooManyRequests:
		retryAfter, _ := output.ParseRetryAfter(resp.Header.Get("Retry-After"), c.clock.Now())
		return nil, output.ErrRateLimited(retryAfter)
	default:
		msg := fmt.Sprintf("Token endpoint returned HTTP %d", resp.StatusCode)
		if excerpt := output.Excerpt(respBody, 512); excerpt != "" {
			msg = fmt.Sprintf("%s: %s", msg, excerpt)
		}
		return nil, output.ErrNetworkStatus(resp.StatusCode, msg)
	}
}

// expiresAt converts a relative expires_in to an absolute unix time.
// A missing or zero lifetime yields 0, meaning no known expiry.
func (c *IdentityClient) expiresAt(expiresIn int64) int64 {
	if expiresIn <= 0 {
		return 0
	}
	return c.clock.Now().Unix() + expiresIn
}
