package registration

import (
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	defaultTTL            = time.Hour
	defaultResendCooldown = 60 * time.Second
)

// Config controls pending registration lifetime and resend pacing.
type Config struct {
	TTL            time.Duration `env:"LARDER_REGISTRATION_TTL"             envDefault:"1h"`
	ResendCooldown time.Duration `env:"LARDER_REGISTRATION_RESEND_COOLDOWN" envDefault:"60s"`
}

// LoadConfigFromEnv loads registration configuration with defaults.
func LoadConfigFromEnv() Config {
	var cfg Config
	_ = env.Parse(&cfg)
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = defaultTTL
	}
	if c.ResendCooldown <= 0 {
		c.ResendCooldown = defaultResendCooldown
	}
	return c
}
