// Package logging builds the structured loggers used by larder services.
package logging

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"strings"
)

// Config selects log level and output format.
type Config struct {
	Level  string `env:"LARDER_LOG_LEVEL"  envDefault:"info"`
	Format string `env:"LARDER_LOG_FORMAT" envDefault:"text"`
}

// New returns a slog logger writing to w. Unknown levels fall back to info
// and unknown formats fall back to text.
func New(cfg Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// OrDiscard returns logger, or a discarding logger when it is nil.
func OrDiscard(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return Discard()
	}
	return logger
}

// Fingerprint returns a short, stable digest of a secret so log lines can be
// correlated without exposing the secret.
func Fingerprint(secret string) string {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:6])
}

// Token returns a log attribute carrying a fingerprint of a bearer token.
func Token(key string, secret string) slog.Attr {
	return slog.String(key, Fingerprint(secret))
}

func parseLevel(raw string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return slog.LevelInfo
	}
	return level
}
