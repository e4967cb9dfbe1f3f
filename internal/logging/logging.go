// Package logging builds the slog handler used by the collection registry binaries.
// Records are encoded by zap as JSON and reach it through a logr bridge.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type options struct {
	level  slog.Level
	output io.Writer
}

// Option configures NewHandler
type Option func(*options)

// WithLevel sets the minimum level of emitted records
func WithLevel(level slog.Level) Option {
	return func(o *options) {
		o.level = level
	}
}

// WithOutput sets the destination of encoded records. Defaults to stderr.
func WithOutput(w io.Writer) Option {
	return func(o *options) {
		o.output = w
	}
}

// NewHandler returns a JSON slog.Handler backed by zap
func NewHandler(opts ...Option) slog.Handler {
	o := &options{level: slog.LevelInfo, output: os.Stderr}
	for _, opt := range opts {
		opt(o)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encCfg),
		zapcore.Lock(zapcore.AddSync(o.output)),
		zapLevel(o.level),
	)
	zl := zap.New(core)

	return logr.ToSlogHandler(zapr.NewLoggerWithOptions(zl, zapr.AllowZapFields(true)))
}

// ParseLevel maps a level name to an slog.Level. Unknown names return false.
func ParseLevel(name string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

// zapLevel converts an slog level. logr verbosity V(n) reaches zap as level -n,
// so debug records (slog -4) arrive as V(4) and need zap level -4 to pass.
func zapLevel(level slog.Level) zapcore.Level {
	if level < slog.LevelInfo {
		return zapcore.Level(int(level))
	}
	switch {
	case level >= slog.LevelError:
		return zapcore.ErrorLevel
	case level >= slog.LevelWarn:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}
