package logger

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls the process-wide logger.
type Config struct {
	Level string // debug|info|warn|error
	File  string // optional; rotated via lumberjack when set
	// Rotation limits, only used with File.
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var (
	mu  sync.RWMutex
	log = newLogger(Config{Level: "info"})
)

func newLogger(cfg Config) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	enc := zapcore.NewJSONEncoder(encCfg)

	var ws zapcore.WriteSyncer = zapcore.AddSync(os.Stderr)
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    orDefault(cfg.MaxSizeMB, 64),
			MaxBackups: orDefault(cfg.MaxBackups, 4),
			MaxAge:     orDefault(cfg.MaxAgeDays, 14),
		}
		ws = zapcore.NewMultiWriteSyncer(ws, zapcore.AddSync(lj))
	}
	return zap.New(zapcore.NewCore(enc, ws, parseLevel(cfg.Level)))
}

func orDefault(v, d int) int {
	if v <= 0 {
		return d
	}
	return v
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Init replaces the process logger. Safe to call more than once.
func Init(cfg Config) {
	l := newLogger(cfg)
	mu.Lock()
	old := log
	log = l
	mu.Unlock()
	_ = old.Sync()
}

// Sync flushes buffered entries.
func Sync() { _ = current().Sync() }

// L exposes the underlying zap logger for packages that want typed fields.
func L() *zap.Logger { return current() }

func current() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

func Debug(msg string) { current().Debug(msg) }
func Info(msg string)  { current().Info(msg) }
func Warn(msg string)  { current().Warn(msg) }
func Error(msg string) { current().Error(msg) }

// InfoJ logs a structured event; fields are emitted as top-level JSON keys.
func InfoJ(event string, fields map[string]any) { current().Info(event, toZap(fields)...) }

func DebugJ(event string, fields map[string]any) { current().Debug(event, toZap(fields)...) }
func WarnJ(event string, fields map[string]any)  { current().Warn(event, toZap(fields)...) }
func ErrorJ(event string, fields map[string]any) { current().Error(event, toZap(fields)...) }

func toZap(fields map[string]any) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}
