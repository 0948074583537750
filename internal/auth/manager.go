// Package auth manages API credentials: encrypted persistence, key
// exchange against the identity service, and proactive refresh.
package auth

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/quarryhq/quarry-cli/internal/output"
)

// Manager hands out valid access tokens, refreshing them before they
// expire. All token state flows through a single mutex, so at most one
// refresh is ever in flight; concurrent callers wait and reuse its
// result.
type Manager struct {
	store     *FileStore
	identity  *IdentityClient
	clock     clockwork.Clock
	logger    *slog.Logger
	buffer    time.Duration
	onRefresh func(error)

	mu    sync.Mutex
	creds *Credentials

	bg sync.WaitGroup
}

// NewManager creates a manager over the given store and identity
// client. Tokens within buffer of expiry are treated as expired.
func NewManager(store *FileStore, identity *IdentityClient, buffer time.Duration) *Manager {
	return &Manager{
		store:    store,
		identity: identity,
		clock:    clockwork.NewRealClock(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		buffer:   buffer,
	}
}

// SetLogger replaces the manager's logger.
func (m *Manager) SetLogger(logger *slog.Logger) {
	if logger != nil {
		m.logger = logger
		m.store.SetLogger(logger)
		m.identity.SetLogger(logger)
	}
}

// SetRefreshObserver registers a callback invoked after every refresh
// attempt with its outcome.
func (m *Manager) SetRefreshObserver(fn func(error)) {
	m.onRefresh = fn
}

// Store returns the underlying credential store.
func (m *Manager) Store() *FileStore {
	return m.store
}

// Initialize loads stored credentials and, when the access token is
// already inside the refresh window, kicks off a refresh in the
// background. Refresh failures here are logged, never raised; the
// next AccessToken call retries synchronously and reports properly.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	creds, err := m.store.Load()
	if err != nil {
		if output.AsError(err).Code == output.CodeNotFound {
			return nil // not logged in yet
		}
		return err
	}
	m.creds = creds

	if !m.expiringSoon(creds) {
		return nil
	}

	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		// The window may have been handled by a faster caller.
		if m.creds == nil || !m.expiringSoon(m.creds) {
			return
		}
		if err := m.refreshLocked(context.WithoutCancel(ctx)); err != nil {
			m.logger.Warn("background token refresh failed", "error", err)
		}
	}()

	return nil
}

// Wait blocks until any background refresh started by Initialize has
// finished.
func (m *Manager) Wait() {
	m.bg.Wait()
}

// AccessToken returns a valid access token, refreshing first when the
// stored one is expired or about to expire. If QUARRY_TOKEN is set it
// is used directly and the store is never touched.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	if token := os.Getenv("QUARRY_TOKEN"); token != "" {
		return token, nil
	}
	return m.StoredAccessToken(ctx)
}

// StoredAccessToken is AccessToken without the environment bypass.
func (m *Manager) StoredAccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.creds == nil {
		creds, err := m.store.Load()
		if err != nil {
			if output.AsError(err).Code == output.CodeNotFound {
				return "", output.ErrUnauthorized("Not authenticated")
			}
			return "", err
		}
		m.creds = creds
	}

	if m.expiringSoon(m.creds) {
		if err := m.refreshLocked(ctx); err != nil {
			return "", err
		}
	}

	return m.creds.AccessToken, nil
}

// Refresh forces a refresh regardless of the current expiry.
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.creds == nil {
		creds, err := m.store.Load()
		if err != nil {
			if output.AsError(err).Code == output.CodeNotFound {
				return output.ErrUnauthorized("Not authenticated")
			}
			return err
		}
		m.creds = creds
	}

	return m.refreshLocked(ctx)
}

// refreshLocked exchanges the refresh token for a new access token and
// persists the result before exposing it. Callers hold m.mu.
func (m *Manager) refreshLocked(ctx context.Context) error {
	err := m.doRefresh(ctx)
	if m.onRefresh != nil {
		m.onRefresh(err)
	}
	return err
}

func (m *Manager) doRefresh(ctx context.Context) error {
	if m.creds == nil || m.creds.RefreshToken == "" {
		return output.ErrUnauthorized("No refresh token available")
	}

	accessToken, expiresAt, err := m.identity.Refresh(ctx, m.creds.RefreshToken)
	if err != nil {
		return err
	}

	// The refresh token is not rotated; only the access token moves.
	next := &Credentials{
		AccessToken:  accessToken,
		RefreshToken: m.creds.RefreshToken,
		ExpiresAt:    expiresAt,
	}

	// Persist before handing the token out. A token the next
	// invocation cannot see is a token that expires twice.
	if err := m.store.Save(next); err != nil {
		return err
	}
	m.creds = next

	m.logger.Debug("access token refreshed", "expires_at", expiresAt)
	return nil
}

// Login exchanges an API key pair and persists the credentials.
func (m *Manager) Login(ctx context.Context, keyID, keySecret string) error {
	creds, err := m.identity.Exchange(ctx, keyID, keySecret)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Save(creds); err != nil {
		return err
	}
	m.creds = creds
	return nil
}

// Logout removes stored credentials.
func (m *Manager) Logout() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.creds = nil
	return m.store.Delete()
}

// IsAuthenticated reports whether a token is available, either from
// the environment or the store.
func (m *Manager) IsAuthenticated() bool {
	if os.Getenv("QUARRY_TOKEN") != "" {
		return true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.creds != nil {
		return m.creds.AccessToken != ""
	}
	creds, err := m.store.Load()
	if err != nil {
		return false
	}
	m.creds = creds
	return creds.AccessToken != ""
}

// Status describes the credential state without exposing any token
// material.
type Status struct {
	Authenticated bool
	EnvOverride   bool
	ExpiresAt     int64
	HasRefresh    bool
	Encrypted     bool
	Path          string
}

// Status reports the current credential state for display.
func (m *Manager) Status() Status {
	st := Status{
		Encrypted: m.store.Encrypted(),
		Path:      m.store.Path(),
	}
	if os.Getenv("QUARRY_TOKEN") != "" {
		st.Authenticated = true
		st.EnvOverride = true
		return st
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	creds := m.creds
	if creds == nil {
		loaded, err := m.store.Load()
		if err != nil {
			return st
		}
		m.creds = loaded
		creds = loaded
	}
	st.Authenticated = creds.AccessToken != ""
	st.ExpiresAt = creds.ExpiresAt
	st.HasRefresh = creds.RefreshToken != ""
	return st
}

// expiringSoon reports whether the access token is within the refresh
// buffer of its expiry. The boundary itself counts as expiring; a
// token with no known expiry never does.
func (m *Manager) expiringSoon(creds *Credentials) bool {
	if creds.ExpiresAt <= 0 {
		return false
	}
	return creds.ExpiresAt <= m.clock.Now().Unix()+int64(m.buffer/time.Second)
}
