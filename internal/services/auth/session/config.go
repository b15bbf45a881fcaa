package session

import (
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	defaultTTL             = 7 * 24 * time.Hour
	defaultRefreshInterval = 24 * time.Hour
)

// Config controls web session lifetime and the accepted redemption paths.
//
// LedgerFallback lets Authorize accept a consumed login ledger token within
// its grace window when the value is not a bridge token. CookieSecure forces
// the Secure attribute on plain HTTP, e.g. behind a TLS-terminating proxy.
type Config struct {
	TTL             time.Duration `env:"LARDER_SESSION_TTL"              envDefault:"168h"`
	RefreshInterval time.Duration `env:"LARDER_SESSION_REFRESH_INTERVAL" envDefault:"24h"`
	LedgerFallback  bool          `env:"LARDER_SESSION_LEDGER_FALLBACK"  envDefault:"false"`
	CookieSecure    bool          `env:"LARDER_SESSION_COOKIE_SECURE"    envDefault:"false"`
}

// LoadConfigFromEnv loads session configuration with defaults.
func LoadConfigFromEnv() Config {
	var cfg Config
	_ = env.Parse(&cfg)
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = defaultTTL
	}
	if c.RefreshInterval <= 0 || c.RefreshInterval > c.TTL {
		c.RefreshInterval = min(defaultRefreshInterval, c.TTL)
	}
	return c
}
