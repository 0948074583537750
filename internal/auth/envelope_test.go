package auth

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryhq/quarry-cli/internal/output"
)

func TestEncodePlaintextWithoutKey(t *testing.T) {
	creds := &Credentials{
		AccessToken:  "at-plain-123",
		RefreshToken: "rt-plain-456",
		ExpiresAt:    1700000000,
	}

	data, err := encodeCredentials(creds, nil)
	require.NoError(t, err, "encode failed")

	// Without a key the pair is stored as-is
	assert.Contains(t, string(data), "at-plain-123")
	assert.Contains(t, string(data), "rt-plain-456")

	loaded, err := decodeCredentials(data, nil)
	require.NoError(t, err, "decode failed")
	assert.Equal(t, creds.AccessToken, loaded.AccessToken)
	assert.Equal(t, creds.RefreshToken, loaded.RefreshToken)
	assert.Equal(t, creds.ExpiresAt, loaded.ExpiresAt)
}

func TestEncryptedRoundTrip(t *testing.T) {
	key := deriveKey("letters-to-a-young-poet")
	creds := &Credentials{
		AccessToken:  "at-secret-789",
		RefreshToken: "rt-secret-012",
		ExpiresAt:    1700003600,
	}

	data, err := encodeCredentials(creds, key)
	require.NoError(t, err, "encode failed")

	// Ciphertext must not leak the tokens or their JSON field names
	assert.NotContains(t, string(data), "at-secret-789")
	assert.NotContains(t, string(data), "rt-secret-012")
	assert.NotContains(t, string(data), "access_token")

	// The envelope shape is stable JSON
	var env envelope
	require.NoError(t, json.Unmarshal(data, &env), "envelope is not valid JSON")
	assert.Equal(t, 1, env.Version)
	assert.NotEmpty(t, env.Nonce)
	assert.NotEmpty(t, env.AuthTag)
	assert.NotEmpty(t, env.Ciphertext)

	loaded, err := decodeCredentials(data, key)
	require.NoError(t, err, "decode failed")
	assert.Equal(t, creds.AccessToken, loaded.AccessToken)
	assert.Equal(t, creds.RefreshToken, loaded.RefreshToken)
	assert.Equal(t, creds.ExpiresAt, loaded.ExpiresAt)
}

func TestFreshNoncePerEncode(t *testing.T) {
	key := deriveKey("same-key")
	creds := &Credentials{AccessToken: "same-token", ExpiresAt: 1700000000}

	first, err := encodeCredentials(creds, key)
	require.NoError(t, err)
	second, err := encodeCredentials(creds, key)
	require.NoError(t, err)

	var env1, env2 envelope
	require.NoError(t, json.Unmarshal(first, &env1))
	require.NoError(t, json.Unmarshal(second, &env2))

	// Identical plaintext must still produce distinct output
	assert.NotEqual(t, env1.Nonce, env2.Nonce, "nonce reused across writes")
	assert.NotEqual(t, env1.Ciphertext, env2.Ciphertext, "ciphertext identical across writes")
}

func TestDecodeWrongKey(t *testing.T) {
	creds := &Credentials{AccessToken: "at-under-lock", ExpiresAt: 1700000000}

	data, err := encodeCredentials(creds, deriveKey("right-key"))
	require.NoError(t, err)

	_, err = decodeCredentials(data, deriveKey("wrong-key"))
	require.Error(t, err, "decode should fail with the wrong key")

	outErr := output.AsError(err)
	assert.Equal(t, output.CodeInternal, outErr.Code)
	// The failure must not surface any plaintext
	assert.NotContains(t, err.Error(), "at-under-lock")
}

func TestDecodeTamperedAuthTag(t *testing.T) {
	creds := &Credentials{AccessToken: "at-tamper", ExpiresAt: 1700000000}
	key := deriveKey("tamper-key")

	data, err := encodeCredentials(creds, key)
	require.NoError(t, err)

	var env envelope
	require.NoError(t, json.Unmarshal(data, &env))
	tag, err := base64.StdEncoding.DecodeString(env.AuthTag)
	require.NoError(t, err)
	tag[0] ^= 0xff
	env.AuthTag = base64.StdEncoding.EncodeToString(tag)
	tampered, err := json.Marshal(env)
	require.NoError(t, err)

	_, err = decodeCredentials(tampered, key)
	require.Error(t, err, "tampered tag should not authenticate")
	assert.Equal(t, output.CodeInternal, output.AsError(err).Code)
}

func TestDecodeUnknownVersion(t *testing.T) {
	// A future container version fails before any cryptography runs,
	// so the remaining fields can be arbitrary.
	data := []byte(`{"version":2,"nonce":"!!","auth_tag":"!!","ciphertext":"!!"}`)

	_, err := decodeCredentials(data, deriveKey("any-key"))
	require.Error(t, err)
	assert.Equal(t, output.CodeFormatUnsupported, output.AsError(err).Code)
}

func TestDecodeEncryptedWithoutKey(t *testing.T) {
	data, err := encodeCredentials(&Credentials{AccessToken: "at"}, deriveKey("k"))
	require.NoError(t, err)

	_, err = decodeCredentials(data, nil)
	require.Error(t, err, "encrypted payload needs a key")

	outErr := output.AsError(err)
	assert.Equal(t, output.CodeInternal, outErr.Code)
	assert.Contains(t, outErr.Hint, "QUARRY_ENCRYPTION_KEY")
}

func TestDecodePlaintextWithKeyConfigured(t *testing.T) {
	// A pre-encryption credentials file stays readable after the user
	// configures a key; the next save upgrades it.
	plain, err := encodeCredentials(&Credentials{AccessToken: "at-migrate"}, nil)
	require.NoError(t, err)

	loaded, err := decodeCredentials(plain, deriveKey("new-key"))
	require.NoError(t, err, "plaintext should remain readable")
	assert.Equal(t, "at-migrate", loaded.AccessToken)
}

func TestDecodeGarbage(t *testing.T) {
	for _, data := range []string{"", "not json", `{"version":"one"}`} {
		_, err := decodeCredentials([]byte(data), nil)
		assert.Error(t, err, "decode(%q) should fail", data)
	}
}

func TestDeriveKeyStable(t *testing.T) {
	a := deriveKey("passphrase")
	b := deriveKey("passphrase")
	c := deriveKey("different")

	assert.Equal(t, a, b, "same material must derive the same key")
	assert.NotEqual(t, a, c, "different material must derive different keys")
	assert.Len(t, a, 32)
	assert.False(t, strings.Contains(string(a), "passphrase"))
}
