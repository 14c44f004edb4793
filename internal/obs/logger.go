package obs

import (
	"context"
	"os"
	"strings"

	"pkt.systems/pslog"
)

// NewLogger builds the process logger. MATCHLOCK_LOG_* environment variables
// configure the writer and format; a non-empty level overrides the minimum level.
func NewLogger(ctx context.Context, level string) pslog.Logger {
	logger := pslog.LoggerFromEnv(ctx,
		pslog.WithEnvPrefix("MATCHLOCK_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "matchlock")
	if level = strings.TrimSpace(level); level != "" {
		if lvl, ok := pslog.ParseLevel(level); ok {
			logger = logger.LogLevel(lvl)
		}
	}
	return logger
}

// EnsureLogger returns l when non-nil, otherwise a disabled logger.
func EnsureLogger(l pslog.Logger) pslog.Logger {
	if l != nil {
		return l
	}
	return pslog.NoopLogger()
}
