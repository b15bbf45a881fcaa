// Package auth wires the auth command: configuration, logging and telemetry
// around the auth server.
package auth

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"os"

	entrypoint "github.com/louisbranch/larder/internal/platform/cmd"
	"github.com/louisbranch/larder/internal/platform/logging"
	server "github.com/louisbranch/larder/internal/services/auth/app"
)

// Config holds auth command configuration.
type Config struct {
	server.Config
}

// ParseConfig loads env configuration and applies flag overrides.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg.Config); err != nil {
		return Config{}, err
	}

	fs.IntVar(&cfg.GRPCPort, "grpc-port", cfg.GRPCPort, "The auth gRPC health port")
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "The auth HTTP server address")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The auth SQLite database path")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// NewLogger builds the process logger from configuration.
func NewLogger(cfg Config, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	return logging.New(cfg.Logging, w).With("service", entrypoint.ServiceAuth)
}

// Run starts the auth server with telemetry.
func Run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	logger = logging.OrDiscard(logger)
	return entrypoint.RunWithTelemetryAndOptions(ctx, entrypoint.ServiceAuth, entrypoint.RunOptions{Logger: logger}, func(ctx context.Context) error {
		return server.Run(ctx, cfg.Config, server.Options{Logger: logger})
	})
}
