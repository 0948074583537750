package auth

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/quarryhq/quarry-cli/internal/output"
)

// Credentials holds the token pair issued by the identity service.
// ExpiresAt describes the access token only; the refresh token has no
// expressed expiry.
type Credentials struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresAt    int64  `json:"expires_at,omitempty"` // unix seconds
}

// FileStore persists the credential pair at a single path with
// owner-only permissions. Save/Load/Delete are a per-process critical
// section; coordination across processes is not attempted.
type FileStore struct {
	mu     sync.Mutex
	path   string
	key    []byte // nil when encryption is not configured
	logger *slog.Logger
}

// NewFileStore creates a store at path. A non-empty encryptionKey
// enables envelope encryption; the key material is hashed to a fixed
// size and never retained in raw form.
func NewFileStore(path, encryptionKey string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	var key []byte
	if encryptionKey != "" {
		key = deriveKey(encryptionKey)
	}
	return &FileStore{path: path, key: key, logger: logger}
}

// Path returns the store's file path.
func (s *FileStore) Path() string {
	return s.path
}

// Encrypted reports whether writes are encrypted.
func (s *FileStore) Encrypted() bool {
	return s.key != nil
}

// SetLogger replaces the store's logger.
func (s *FileStore) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// Load reads the credential pair from disk.
func (s *FileStore) Load() (*Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := os.Lstat(s.path)
	if os.IsNotExist(err) {
		return nil, output.ErrNotFound("credentials", s.path)
	}
	if err != nil {
		return nil, output.ErrInternal("stat credentials file", err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return nil, output.ErrPathInvalid(s.path, "symlinks are not followed")
	}
	if !info.Mode().IsRegular() {
		return nil, output.ErrPathInvalid(s.path, "not a regular file")
	}

	// Correct permission drift quietly; a group-readable token file is
	// a hazard, not a reason to refuse the credentials inside it.
	if perm := info.Mode().Perm(); perm != 0o600 {
		if err := os.Chmod(s.path, 0o600); err == nil {
			s.logger.Debug("tightened credentials file permissions",
				"path", s.path, "had", fmt.Sprintf("%04o", perm))
		}
	}

	data, err := os.ReadFile(s.path) //nolint:gosec // G304: path is the configured tokens location
	if err != nil {
		return nil, output.ErrInternal("read credentials file", err)
	}

	return decodeCredentials(data, s.key)
}

// Save writes the credential pair atomically: a reader never observes
// partial content, and the final file is always mode 0600 even when
// the process umask would have allowed more.
func (s *FileStore) Save(creds *Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := encodeCredentials(creds, s.key)
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return output.ErrInternal("create credentials directory", err)
	}

	tmp, err := os.CreateTemp(dir, "credentials-*.json.tmp")
	if err != nil {
		return output.ErrInternal("create temp credentials file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op after successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return output.ErrInternal("write credentials file", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return output.ErrInternal("set credentials file permissions", err)
	}
	if err := tmp.Close(); err != nil {
		return output.ErrInternal("write credentials file", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		// Windows can't rename over an existing file.
		if runtime.GOOS == "windows" {
			if rmErr := os.Remove(s.path); rmErr == nil {
				err = os.Rename(tmpPath, s.path)
			}
		}
		if err != nil {
			return output.ErrInternal("replace credentials file", err)
		}
	}

	// Re-apply after the rename: the create mode can be loosened by
	// ACL inheritance or a pre-existing target.
	if err := os.Chmod(s.path, 0o600); err != nil {
		return output.ErrInternal("set credentials file permissions", err)
	}

	s.logger.Debug("credentials saved", "path", s.path, "encrypted", s.key != nil)
	return nil
}

// Delete removes the credential file. A missing file is not an error.
func (s *FileStore) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return output.ErrInternal("delete credentials file", err)
	}
	return nil
}
