package passkey

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	defaultDisplayName  = "Larder"
	defaultChallengeTTL = 5 * time.Minute
)

// Config controls WebAuthn relying party settings.
type Config struct {
	RPDisplayName string        `env:"LARDER_WEBAUTHN_RP_DISPLAY_NAME" envDefault:"Larder"`
	RPOrigins     []string      `env:"LARDER_WEBAUTHN_RP_ORIGINS"      envSeparator:","`
	ChallengeTTL  time.Duration `env:"LARDER_WEBAUTHN_CHALLENGE_TTL"   envDefault:"5m"`
	// AllowClonedCounters accepts assertions whose signature counter did not
	// advance. The zero value rejects them.
	AllowClonedCounters bool `env:"LARDER_WEBAUTHN_ALLOW_CLONED_COUNTERS"`
}

// LoadConfigFromEnv returns passkey configuration with defaults.
func LoadConfigFromEnv() Config {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{
			RPDisplayName: defaultDisplayName,
			RPOrigins:     cfg.RPOrigins,
			ChallengeTTL:  defaultChallengeTTL,
		}
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.RPDisplayName) == "" {
		c.RPDisplayName = defaultDisplayName
	}
	if c.ChallengeTTL <= 0 {
		c.ChallengeTTL = defaultChallengeTTL
	}
	return c
}

// RelyingParty is the WebAuthn relying party bound to one request origin.
type RelyingParty struct {
	// ID is the bare hostname of the origin.
	ID string
	// Origin is scheme://host[:port] as the browser reports it.
	Origin string
}

// ResolveOrigin derives the relying party for a request origin. When an
// allowlist is configured the origin must be on it.
func (c Config) ResolveOrigin(raw string) (RelyingParty, error) {
	origin, err := normalizeOrigin(raw)
	if err != nil {
		return RelyingParty{}, err
	}
	if len(c.RPOrigins) > 0 {
		allowed := false
		for _, candidate := range c.RPOrigins {
			normalized, err := normalizeOrigin(candidate)
			if err == nil && normalized.String() == origin.String() {
				allowed = true
				break
			}
		}
		if !allowed {
			return RelyingParty{}, fmt.Errorf("origin %q is not allowed", origin.String())
		}
	}
	return RelyingParty{ID: origin.Hostname(), Origin: origin.String()}, nil
}

func normalizeOrigin(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("origin is required")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("origin scheme %q is not supported", parsed.Scheme)
	}
	if parsed.Hostname() == "" {
		return nil, fmt.Errorf("origin host is required")
	}
	return &url.URL{Scheme: scheme, Host: strings.ToLower(parsed.Host)}, nil
}
