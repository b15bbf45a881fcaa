package token

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"
)

const signingKeyInfo = "larder session signing key v1"

// Config controls token signing.
type Config struct {
	SigningKey string        `env:"LARDER_SESSION_SIGNING_KEY"`
	Issuer     string        `env:"LARDER_SESSION_ISSUER"     envDefault:"larder-auth"`
	BridgeTTL  time.Duration `env:"LARDER_SESSION_BRIDGE_TTL" envDefault:"5m"`
}

// Ephemeral reports whether no signing key is configured, in which case a
// random key is generated per process and tokens do not survive restarts.
func (c Config) Ephemeral() bool {
	return strings.TrimSpace(c.SigningKey) == ""
}

// signingKey resolves the configured key material into an ed25519 key.
//
// A base64 value of an ed25519 seed or private key is used as is. Any other
// non-empty value is treated as a passphrase and stretched with HKDF.
func (c Config) signingKey(random io.Reader) (ed25519.PrivateKey, error) {
	raw := strings.TrimSpace(c.SigningKey)
	if raw == "" {
		_, key, err := ed25519.GenerateKey(random)
		if err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
		return key, nil
	}
	if decoded, err := decodeBase64(raw); err == nil {
		switch len(decoded) {
		case ed25519.SeedSize:
			return ed25519.NewKeyFromSeed(decoded), nil
		case ed25519.PrivateKeySize:
			return ed25519.PrivateKey(decoded), nil
		}
	}
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(raw), nil, []byte(signingKeyInfo)), seed); err != nil {
		return nil, fmt.Errorf("derive signing key: %w", err)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

func decodeBase64(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("empty base64 value")
	}
	for _, encoding := range []*base64.Encoding{
		base64.RawStdEncoding,
		base64.StdEncoding,
		base64.RawURLEncoding,
		base64.URLEncoding,
	} {
		if decoded, err := encoding.DecodeString(value); err == nil {
			return decoded, nil
		}
	}
	return nil, errors.New("invalid base64 value")
}
