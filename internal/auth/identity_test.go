package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryhq/quarry-cli/internal/output"
)

func newTestIdentityClient(baseURL string) (*IdentityClient, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	client := NewIdentityClient(baseURL, nil, 5*time.Second)
	client.clock = clock
	return client, clock
}

func TestExchange(t *testing.T) {
	var gotBody map[string]string
	var gotPath, gotMethod, gotContentType string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		gotContentType = r.Header.Get("Content-Type")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-new",
			"refresh_token": "rt-new",
			"expires_in":    3600,
		})
	}))
	defer srv.Close()

	client, clock := newTestIdentityClient(srv.URL)

	creds, err := client.Exchange(context.Background(), "AK123", "SK456")
	require.NoError(t, err, "Exchange failed")

	assert.Equal(t, "POST", gotMethod)
	assert.Equal(t, "/v1/auth/tokens", gotPath)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, map[string]string{"key_id": "AK123", "key_secret": "SK456"}, gotBody)

	assert.Equal(t, "at-new", creds.AccessToken)
	assert.Equal(t, "rt-new", creds.RefreshToken)
	assert.Equal(t, clock.Now().Unix()+3600, creds.ExpiresAt)
}

func TestRefresh(t *testing.T) {
	var gotBody map[string]string
	var gotPath string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		// The refresh endpoint never returns a new refresh token
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at-refreshed",
			"expires_in":   1800,
		})
	}))
	defer srv.Close()

	client, clock := newTestIdentityClient(srv.URL)

	accessToken, expiresAt, err := client.Refresh(context.Background(), "rt-current")
	require.NoError(t, err, "Refresh failed")

	assert.Equal(t, "/v1/auth/tokens/refresh", gotPath)
	assert.Equal(t, map[string]string{"refresh_token": "rt-current"}, gotBody)
	assert.Equal(t, "at-refreshed", accessToken)
	assert.Equal(t, clock.Now().Unix()+1800, expiresAt)
}

func TestExchangeNoExpiry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at",
			"refresh_token": "rt",
		})
	}))
	defer srv.Close()

	client, _ := newTestIdentityClient(srv.URL)

	creds, err := client.Exchange(context.Background(), "AK", "SK")
	require.NoError(t, err)
	assert.Zero(t, creds.ExpiresAt, "missing expires_in should leave expiry unset")
}

func TestExchangeUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_key"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	client, _ := newTestIdentityClient(srv.URL)

	_, err := client.Exchange(context.Background(), "AK123", "SK-very-secret")
	require.Error(t, err)

	outErr := output.AsError(err)
	assert.Equal(t, output.CodeUnauthorized, outErr.Code)
	assert.Equal(t, http.StatusUnauthorized, outErr.HTTPStatus)
	assert.False(t, outErr.Retryable, "credential rejection is terminal")
	// The secret from the request must never surface
	assert.NotContains(t, err.Error(), "SK-very-secret")
}

func TestRefreshForbidden(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	client, _ := newTestIdentityClient(srv.URL)

	_, _, err := client.Refresh(context.Background(), "rt-revoked")
	require.Error(t, err)

	outErr := output.AsError(err)
	assert.Equal(t, output.CodeUnauthorized, outErr.Code)
	assert.Equal(t, http.StatusForbidden, outErr.HTTPStatus)
	assert.NotContains(t, err.Error(), "rt-revoked")
}

func TestExchangeRateLimitedSeconds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client, _ := newTestIdentityClient(srv.URL)

	_, err := client.Exchange(context.Background(), "AK", "SK")
	require.Error(t, err)

	outErr := output.AsError(err)
	assert.Equal(t, output.CodeRateLimited, outErr.Code)
	assert.Equal(t, 120*time.Second, outErr.RetryAfter)
}

func TestExchangeRateLimitedHTTPDate(t *testing.T) {
	var clock *clockwork.FakeClock
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", clock.Now().Add(90*time.Second).UTC().Format(http.TimeFormat))
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client, fake := newTestIdentityClient(srv.URL)
	clock = fake

	_, err := client.Exchange(context.Background(), "AK", "SK")
	require.Error(t, err)

	outErr := output.AsError(err)
	assert.Equal(t, output.CodeRateLimited, outErr.Code)
	assert.Equal(t, 90*time.Second, outErr.RetryAfter)
}

func TestExchangeRateLimitedNoHint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client, _ := newTestIdentityClient(srv.URL)

	_, err := client.Exchange(context.Background(), "AK", "SK")
	require.Error(t, err)

	outErr := output.AsError(err)
	assert.Equal(t, output.CodeRateLimited, outErr.Code)
	assert.Zero(t, outErr.RetryAfter, "absent Retry-After must stay unset")
}

func TestExchangeServerError(t *testing.T) {
	long := strings.Repeat("x", 2000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, long, http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, _ := newTestIdentityClient(srv.URL)

	_, err := client.Exchange(context.Background(), "AK", "SK-hidden")
	require.Error(t, err)

	outErr := output.AsError(err)
	assert.Equal(t, output.CodeNetwork, outErr.Code)
	assert.Equal(t, http.StatusInternalServerError, outErr.HTTPStatus)
	assert.Contains(t, outErr.Message, "HTTP 500")
	assert.Contains(t, outErr.Message, "...", "long body should be truncated")
	assert.Less(t, len(outErr.Message), 600, "excerpt must stay short")
	assert.NotContains(t, err.Error(), "SK-hidden")
}

func TestExchangeMalformedSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	client, _ := newTestIdentityClient(srv.URL)

	_, err := client.Exchange(context.Background(), "AK", "SK")
	require.Error(t, err)
	assert.Equal(t, output.CodeNetwork, output.AsError(err).Code)
}

func TestExchangeTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	client := NewIdentityClient(srv.URL, nil, 50*time.Millisecond)

	_, err := client.Exchange(context.Background(), "AK", "SK")
	require.Error(t, err)

	outErr := output.AsError(err)
	assert.Equal(t, output.CodeNetwork, outErr.Code)
	assert.Equal(t, "Request timed out", outErr.Message)
}

func TestExchangeConnectionRefused(t *testing.T) {
	// Point at a server that is already gone
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	client, _ := newTestIdentityClient(url)

	_, err := client.Exchange(context.Background(), "AK", "SK")
	require.Error(t, err)

	outErr := output.AsError(err)
	assert.Equal(t, output.CodeNetwork, outErr.Code)
	assert.Equal(t, "Network error", outErr.Message)
}

func TestRefreshRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client, _ := newTestIdentityClient(srv.URL)

	_, _, err := client.Refresh(context.Background(), "rt")
	require.Error(t, err)

	outErr := output.AsError(err)
	assert.Equal(t, output.CodeRateLimited, outErr.Code)
	assert.Equal(t, 30*time.Second, outErr.RetryAfter)
}
