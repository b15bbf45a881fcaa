package magiclink

import (
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	defaultBaseURL    = "http://localhost:8084"
	defaultTTL        = 15 * time.Minute
	defaultGrace      = 5 * time.Minute
	defaultSuccessURL = "http://localhost:8086/"
	defaultFailureURL = "http://localhost:8086/login"
)

// Config controls magic link timing and redirect behavior for authentication.
//
// BaseURL is the public address of the auth service; emailed links point at
// its verify endpoints. SuccessURL and FailureURL are where a browser that
// followed a link is sent afterwards.
type Config struct {
	BaseURL    string        `env:"LARDER_MAGIC_LINK_BASE_URL"    envDefault:"http://localhost:8084"`
	TTL        time.Duration `env:"LARDER_MAGIC_LINK_TTL"         envDefault:"15m"`
	Grace      time.Duration `env:"LARDER_MAGIC_LINK_GRACE"       envDefault:"5m"`
	AutoCreate bool          `env:"LARDER_MAGIC_LINK_AUTO_CREATE" envDefault:"true"`
	SuccessURL string        `env:"LARDER_MAGIC_LINK_SUCCESS_URL" envDefault:"http://localhost:8086/"`
	FailureURL string        `env:"LARDER_MAGIC_LINK_FAILURE_URL" envDefault:"http://localhost:8086/login"`
}

// LoadConfigFromEnv loads magic-link configuration and fills unset values.
func LoadConfigFromEnv() Config {
	var cfg Config
	_ = env.Parse(&cfg)
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if c.TTL <= 0 {
		c.TTL = defaultTTL
	}
	if c.Grace <= 0 {
		c.Grace = defaultGrace
	}
	if c.SuccessURL == "" {
		c.SuccessURL = defaultSuccessURL
	}
	if c.FailureURL == "" {
		c.FailureURL = defaultFailureURL
	}
	return c
}
