package auth

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryhq/quarry-cli/internal/output"
)

func TestFileStoreLoadMissing(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "credentials.json"), "", nil)

	_, err := store.Load()
	require.Error(t, err, "Load should fail for a missing file")
	assert.Equal(t, output.CodeNotFound, output.AsError(err).Code)
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	store := NewFileStore(path, "", nil)

	creds := &Credentials{
		AccessToken:  "at-roundtrip",
		RefreshToken: "rt-roundtrip",
		ExpiresAt:    1700000000,
	}
	require.NoError(t, store.Save(creds), "Save failed")

	// The file lands with owner-only permissions
	info, err := os.Stat(path)
	require.NoError(t, err, "credentials file not created")
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm(), "file permissions mismatch")

	loaded, err := store.Load()
	require.NoError(t, err, "Load failed")
	assert.Equal(t, creds.AccessToken, loaded.AccessToken)
	assert.Equal(t, creds.RefreshToken, loaded.RefreshToken)
	assert.Equal(t, creds.ExpiresAt, loaded.ExpiresAt)
}

func TestFileStoreSaveCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeper", "credentials.json")
	store := NewFileStore(path, "", nil)

	require.NoError(t, store.Save(&Credentials{AccessToken: "at"}), "Save failed")

	info, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestFileStoreEncrypted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	store := NewFileStore(path, "workshop-passphrase", nil)
	require.True(t, store.Encrypted())

	creds := &Credentials{
		AccessToken:  "at-on-disk-secret",
		RefreshToken: "rt-on-disk-secret",
		ExpiresAt:    1700000000,
	}
	require.NoError(t, store.Save(creds), "Save failed")

	// Nothing recognizable reaches the disk
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "at-on-disk-secret")
	assert.NotContains(t, string(raw), "access_token")

	loaded, err := store.Load()
	require.NoError(t, err, "Load failed")
	assert.Equal(t, creds.AccessToken, loaded.AccessToken)
	assert.Equal(t, creds.RefreshToken, loaded.RefreshToken)
}

func TestFileStoreEncryptedWrongKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	require.NoError(t, NewFileStore(path, "first-key", nil).Save(&Credentials{AccessToken: "at"}))

	_, err := NewFileStore(path, "second-key", nil).Load()
	require.Error(t, err, "Load should fail with a different key")
	assert.Equal(t, output.CodeInternal, output.AsError(err).Code)
}

func TestFileStoreReadsPlaintextAfterKeyConfigured(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	require.NoError(t, NewFileStore(path, "", nil).Save(&Credentials{AccessToken: "at-legacy"}))

	// Configuring a key later must not lock out the existing file
	keyed := NewFileStore(path, "fresh-key", nil)
	loaded, err := keyed.Load()
	require.NoError(t, err, "plaintext file should remain readable")
	assert.Equal(t, "at-legacy", loaded.AccessToken)

	// The next save upgrades the file in place
	require.NoError(t, keyed.Save(loaded))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "at-legacy")
}

func TestFileStoreRejectsSymlink(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "real.json")
	require.NoError(t, os.WriteFile(target, []byte(`{"access_token":"at"}`), 0600))

	link := filepath.Join(dir, "credentials.json")
	require.NoError(t, os.Symlink(target, link))

	_, err := NewFileStore(link, "", nil).Load()
	require.Error(t, err, "Load should refuse a symlink")
	assert.Equal(t, output.CodePathInvalid, output.AsError(err).Code)
}

func TestFileStoreRejectsDirectory(t *testing.T) {
	dir := t.TempDir()

	_, err := NewFileStore(dir, "", nil).Load()
	require.Error(t, err, "Load should refuse a directory")
	assert.Equal(t, output.CodePathInvalid, output.AsError(err).Code)
}

func TestFileStoreCorrectsPermissionDrift(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	store := NewFileStore(path, "", nil)
	require.NoError(t, store.Save(&Credentials{AccessToken: "at"}))

	// Widen the mode behind the store's back
	require.NoError(t, os.Chmod(path, 0644))

	loaded, err := store.Load()
	require.NoError(t, err, "Load should succeed despite drifted permissions")
	assert.Equal(t, "at", loaded.AccessToken)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm(), "permissions not restored")
}

func TestFileStoreSaveReplacesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	store := NewFileStore(path, "", nil)

	require.NoError(t, store.Save(&Credentials{AccessToken: "first"}))
	require.NoError(t, store.Save(&Credentials{AccessToken: "second"}))

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "second", loaded.AccessToken)

	// No stray temp files left behind
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file leaked")
}

func TestFileStoreDeleteIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	store := NewFileStore(path, "", nil)

	require.NoError(t, store.Save(&Credentials{AccessToken: "at"}))
	require.NoError(t, store.Delete(), "first delete failed")
	require.NoError(t, store.Delete(), "delete of a missing file should succeed")

	_, err := store.Load()
	assert.Equal(t, output.CodeNotFound, output.AsError(err).Code)
}
