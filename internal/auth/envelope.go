package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"

	"github.com/quarryhq/quarry-cli/internal/output"
)

// envelopeVersion is the current encrypted container version. Bump it
// when the layout or algorithm changes; readers reject anything else.
const envelopeVersion = 1

// envelope is the encrypted on-disk container for a credential pair.
// Plaintext credentials are stored as the bare Credentials JSON with
// no version field; the field's presence is what marks an envelope.
type envelope struct {
	Version    int    `json:"version"`
	Nonce      string `json:"nonce"`
	AuthTag    string `json:"auth_tag"`
	Ciphertext string `json:"ciphertext"`
}

// deriveKey normalizes arbitrary-length key material into an AES-256
// key. A one-way hash, not an iterated KDF: key material is expected
// to be high-entropy, not a human password.
func deriveKey(material string) []byte {
	sum := sha256.Sum256([]byte(material))
	return sum[:]
}

// encodeCredentials serializes a credential pair for disk. With a nil
// key the bare pair JSON is returned; otherwise an encrypted envelope
// with a fresh random nonce per call.
func encodeCredentials(creds *Credentials, key []byte) ([]byte, error) {
	plain, err := json.Marshal(creds)
	if err != nil {
		return nil, output.ErrInternal("encode credentials", err)
	}
	if key == nil {
		return plain, nil
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, output.ErrInternal("generate nonce", err)
	}

	sealed := gcm.Seal(nil, nonce, plain, nil)
	tagStart := len(sealed) - gcm.Overhead()

	env := envelope{
		Version:    envelopeVersion,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		AuthTag:    base64.StdEncoding.EncodeToString(sealed[tagStart:]),
		Ciphertext: base64.StdEncoding.EncodeToString(sealed[:tagStart]),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, output.ErrInternal("encode credentials envelope", err)
	}
	return data, nil
}

// decodeCredentials parses on-disk credential data. The version gate
// runs before any cryptography: an unknown envelope version is fatal
// even when the key would not open it anyway.
func decodeCredentials(data []byte, key []byte) (*Credentials, error) {
	var probe struct {
		Version *int `json:"version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, output.ErrInternal("credentials file is not valid JSON", err)
	}

	if probe.Version == nil {
		// Bare credential pair. Readable even when a key is configured
		// so that enabling encryption does not orphan existing logins;
		// the next write encrypts.
		var creds Credentials
		if err := json.Unmarshal(data, &creds); err != nil {
			return nil, output.ErrInternal("decode credentials", err)
		}
		return &creds, nil
	}

	if *probe.Version != envelopeVersion {
		return nil, output.ErrFormatUnsupported(*probe.Version)
	}
	if key == nil {
		return nil, &output.Error{
			Code:    output.CodeInternal,
			Message: "Credentials file is encrypted",
			Hint:    "Set QUARRY_ENCRYPTION_KEY",
		}
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, output.ErrInternal("decode credentials envelope", err)
	}

	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, output.ErrInternal("decode credentials envelope", err)
	}
	tag, err := base64.StdEncoding.DecodeString(env.AuthTag)
	if err != nil {
		return nil, output.ErrInternal("decode credentials envelope", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, output.ErrInternal("decode credentials envelope", err)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, output.ErrInternal("decrypt credentials: bad nonce", nil)
	}

	// Open verifies the auth tag; a mismatch or wrong key yields an
	// error and no plaintext.
	plain, err := gcm.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return nil, output.ErrInternal("decrypt credentials: wrong key or corrupted file", err)
	}

	var creds Credentials
	if err := json.Unmarshal(plain, &creds); err != nil {
		return nil, output.ErrInternal("decode credentials", err)
	}
	return &creds, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, output.ErrInternal("initialize cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, output.ErrInternal("initialize cipher", err)
	}
	return gcm, nil
}
