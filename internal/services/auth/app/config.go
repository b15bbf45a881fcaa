package server

import (
	"time"

	"github.com/louisbranch/larder/internal/platform/logging"
	"github.com/louisbranch/larder/internal/services/auth/api/httpapi"
	"github.com/louisbranch/larder/internal/services/auth/magiclink"
	"github.com/louisbranch/larder/internal/services/auth/mail"
	"github.com/louisbranch/larder/internal/services/auth/passkey"
	"github.com/louisbranch/larder/internal/services/auth/registration"
	"github.com/louisbranch/larder/internal/services/auth/session"
	"github.com/louisbranch/larder/internal/services/auth/token"
)

// Config is the complete auth service configuration. Nested sections carry
// their own env tags.
type Config struct {
	GRPCPort        int           `env:"LARDER_AUTH_GRPC_PORT"        envDefault:"8083"`
	HTTPAddr        string        `env:"LARDER_AUTH_HTTP_ADDR"        envDefault:"localhost:8084"`
	DBPath          string        `env:"LARDER_AUTH_DB_PATH"          envDefault:"data/auth.db"`
	RedisAddr       string        `env:"LARDER_AUTH_REDIS_ADDR"`
	CleanupInterval time.Duration `env:"LARDER_AUTH_CLEANUP_INTERVAL" envDefault:"5m"`

	Logging      logging.Config
	HTTP         httpapi.Config
	Passkey      passkey.Config
	MagicLink    magiclink.Config
	Registration registration.Config
	Session      session.Config
	Token        token.Config
	Mail         mail.Config
}
