// Package logging builds the process logger. Records are encoded by zap and
// exposed through log/slog so packages only depend on *slog.Logger.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
)

// Options configures New.
type Options struct {
	// Level is one of debug|info|warn|error. Default: info.
	Level string
	// Format is json or console. Default: json.
	Format string
	// OutputPaths defaults to stderr.
	OutputPaths []string
}

// New builds a zap-backed slog logger. The returned sync func flushes buffered
// output and should be deferred by main.
func New(opts Options) (*slog.Logger, func() error, error) {
	lvl, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}

	encoding := strings.ToLower(strings.TrimSpace(opts.Format))
	switch encoding {
	case "":
		encoding = "json"
	case "json", "console":
	default:
		return nil, nil, fmt.Errorf("log format must be json|console, got %q", opts.Format)
	}

	outputs := opts.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(lvl),
		Encoding:         encoding,
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.CallerKey = "caller"

	zl, err := cfg.Build(zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel))
	if err != nil {
		return nil, nil, fmt.Errorf("build zap logger: %w", err)
	}
	return slog.New(zapslog.NewHandler(zl.Core())), zl.Sync, nil
}

// ParseLevel maps a level name to a zap level. Empty means info.
func ParseLevel(raw string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return zap.InfoLevel, nil
	case "debug":
		return zap.DebugLevel, nil
	case "warn", "warning":
		return zap.WarnLevel, nil
	case "error":
		return zap.ErrorLevel, nil
	default:
		return zap.InfoLevel, fmt.Errorf("unknown log level %q", raw)
	}
}

// WatermillAdapter routes watermill's internal logging into slog.
type WatermillAdapter struct {
	logger *slog.Logger
}

// NewWatermill wraps logger for use by watermill components.
func NewWatermill(logger *slog.Logger) *WatermillAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &WatermillAdapter{logger: logger}
}

func (w *WatermillAdapter) Error(msg string, err error, fields watermill.LogFields) {
	w.logger.Error(msg, append(attrs(fields), "error", err)...)
}

// Info is mapped to debug because watermill logs every publish at info.
func (w *WatermillAdapter) Info(msg string, fields watermill.LogFields) {
	w.logger.Debug(msg, attrs(fields)...)
}

func (w *WatermillAdapter) Debug(msg string, fields watermill.LogFields) {
	w.logger.Debug(msg, attrs(fields)...)
}

func (w *WatermillAdapter) Trace(msg string, fields watermill.LogFields) {
	w.logger.Log(context.Background(), slog.LevelDebug-4, msg, attrs(fields)...)
}

func (w *WatermillAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &WatermillAdapter{logger: w.logger.With(attrs(fields)...)}
}

var _ watermill.LoggerAdapter = (*WatermillAdapter)(nil)

func attrs(fields watermill.LogFields) []any {
	out := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		out = append(out, k, v)
	}
	return out
}
