// Package logging constructs the zap logger shared by every component of
// the proxy core, grounded on the SOCKS5 proxy logging pattern of a
// per-connection child logger built with zap.Logger.With(...).
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production-style zap logger. When debug is true, the
// encoder switches to human-readable console output at debug level;
// otherwise it emits structured JSON at info level, suitable for a
// long-running daemon.
func New(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	return cfg.Build()
}
