package logging

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config options used in creating zap logger
type Config struct {
	FilePath string // log file path
	Level    string // global logging level
	Env      string // app environment
	AppID    string
}

// ContextLogger .
type ContextLogger string

// ContextLoggerKey logger key in request context
const ContextLoggerKey ContextLogger = "logger"

// NewLogger returns a zap logger instance based on given options.
// It's hard to extract a common interface for structured logger like zap,
// since each argument of the log function should be zap.Field type,
// it won't be nice to implement another zap
func NewLogger(cfg *Config) (*zap.Logger, error) {
	var (
		core zapcore.Core
		err  error
	)
	level, err := getZapLoggingLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	switch cfg.Env {
	case "production":
		core, err = createProductionLogger(cfg, level)
	default:
		core, err = createDevLogger(cfg, level)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create logger core: %w", err)
	}

	logger := zap.New(core, zap.AddStacktrace(zap.LevelEnablerFunc(func(lv zapcore.Level) bool {
		return lv > zap.WarnLevel
	})), zap.AddCaller())
	if cfg.AppID != "" {
		logger = logger.With(zap.String("service.id", cfg.AppID))
	}
	return logger, nil
}

func getZapLoggingLevel(level string) (zapcore.Level, error) {
	switch level {
	case "debug":
		return zap.DebugLevel, nil
	case "info", "":
		return zap.InfoLevel, nil
	case "warn":
		return zap.WarnLevel, nil
	case "error":
		return zap.ErrorLevel, nil
	}
	return zap.InfoLevel, fmt.Errorf("unknown logging level: %s", level)
}

func createDevLogger(cfg *Config, level zapcore.Level) (zapcore.Core, error) {
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	encoderConfig.CallerKey = "log.origin.file.name"
	encoder := zapcore.NewConsoleEncoder(encoderConfig)

	if cfg.FilePath != "" {
		output, err := getFileSyncer(cfg)
		return zapcore.NewCore(encoder, output, level), err
	}
	return zapcore.NewCore(encoder, os.Stderr, level), nil
}

func createProductionLogger(cfg *Config, level zapcore.Level) (zapcore.Core, error) {
	ecsEncoderConfig := zap.NewProductionEncoderConfig()
	ecsEncoderConfig.EncodeTime = zapcore.TimeEncoder(func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.UTC().Format("2006-01-02T15:04:05.000Z"))
	})
	ecsEncoderConfig.TimeKey = "@timestamp"
	ecsEncoderConfig.MessageKey = "message"
	ecsEncoderConfig.LevelKey = "log.level"
	ecsEncoderConfig.CallerKey = "log.origin.file.name"
	ecsEncoderConfig.StacktraceKey = "error.stack_trace"
	ecsEncoder := zapcore.NewJSONEncoder(ecsEncoderConfig)

	if cfg.FilePath != "" {
		output, err := getFileSyncer(cfg)
		return zapcore.NewCore(ecsEncoder, output, level), err
	}
	return zapcore.NewCore(ecsEncoder, os.Stderr, level), nil
}

func getFileSyncer(cfg *Config) (zapcore.WriteSyncer, error) {
	fd, err := os.OpenFile(cfg.FilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
	if err != nil {
		return nil, err
	}
	return fd, nil
}

// SetLoggerInContext set logger into target context
func SetLoggerInContext(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, ContextLoggerKey, logger)
}

// ExtractLoggerFromContext try to extract logger from context, returns fallback
// when the context carries none
func ExtractLoggerFromContext(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(ContextLoggerKey).(*zap.Logger); ok && logger != nil {
			return logger
		}
	}
	if fallback == nil {
		return zap.NewNop()
	}
	return fallback
}
