package polybase

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger adapts go.uber.org/zap to the Logger interface
type ZapLogger struct {
	logger *zap.SugaredLogger
}

// NewZapLogger creates a new Zap logger adapter
func NewZapLogger(logger *zap.Logger) *ZapLogger {
	return &ZapLogger{
		logger: logger.Sugar(),
	}
}

// NewProductionZapLogger creates a JSON logger with ISO8601 timestamps under "timestamp".
// level accepts zap level names ("debug", "info", ...); empty means info.
func NewProductionZapLogger(level string) (*ZapLogger, error) {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
				"field":  "log_level",
				"value":  level,
				"reason": err.Error(),
			})
		}
		config.Level = zap.NewAtomicLevelAt(lvl)
	}

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}

	return NewZapLogger(logger), nil
}

// NewDevelopmentZapLogger creates a development Zap logger
// This is optimized for human-readable console output
func NewDevelopmentZapLogger() (*ZapLogger, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, err
	}

	return NewZapLogger(logger), nil
}

func (l *ZapLogger) Debug(msg string, fields ...interface{}) {
	l.logger.Debugw(msg, fields...)
}

func (l *ZapLogger) Info(msg string, fields ...interface{}) {
	l.logger.Infow(msg, fields...)
}

func (l *ZapLogger) Warn(msg string, fields ...interface{}) {
	l.logger.Warnw(msg, fields...)
}

func (l *ZapLogger) Error(msg string, fields ...interface{}) {
	l.logger.Errorw(msg, fields...)
}

// Named returns a child logger scoped to a component name
func (l *ZapLogger) Named(name string) *ZapLogger {
	return &ZapLogger{logger: l.logger.Named(name)}
}

// Sync flushes any buffered log entries
// Should be called before application exit
func (l *ZapLogger) Sync() error {
	return l.logger.Sync()
}
