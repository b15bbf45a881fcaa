package httpapi

import (
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/louisbranch/larder/internal/platform/requestmeta"
)

const (
	defaultRateLimit  = 10
	defaultRateWindow = time.Minute
	maxBodyBytes      = 64 << 10
)

// Config controls request handling at the HTTP boundary.
//
// SuccessURL and FailureURL are where a followed login link lands; they are
// filled from the magic link configuration by the server.
type Config struct {
	RateLimit  int           `env:"LARDER_AUTH_RATE_LIMIT"  envDefault:"10"`
	RateWindow time.Duration `env:"LARDER_AUTH_RATE_WINDOW" envDefault:"1m"`
	TrustProxy bool          `env:"LARDER_AUTH_TRUST_PROXY" envDefault:"false"`

	CookieSecure bool   `env:"-"`
	SuccessURL   string `env:"-"`
	FailureURL   string `env:"-"`
}

// LoadConfigFromEnv loads HTTP configuration with defaults.
func LoadConfigFromEnv() Config {
	var cfg Config
	_ = env.Parse(&cfg)
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.RateLimit <= 0 {
		c.RateLimit = defaultRateLimit
	}
	if c.RateWindow <= 0 {
		c.RateWindow = defaultRateWindow
	}
	return c
}

func (c Config) schemePolicy() requestmeta.SchemePolicy {
	return requestmeta.SchemePolicy{TrustForwardedProto: c.TrustProxy, ForceSecure: c.CookieSecure}
}
