package polybase

// Logger provides structured logging for providers, the registry and migrations
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// NoOpLogger is a logger that does nothing
type NoOpLogger struct{}

func (l *NoOpLogger) Debug(msg string, fields ...interface{}) {}
func (l *NoOpLogger) Info(msg string, fields ...interface{})  {}
func (l *NoOpLogger) Warn(msg string, fields ...interface{})  {}
func (l *NoOpLogger) Error(msg string, fields ...interface{}) {}

// fieldLogger prepends a fixed set of key/value pairs to every entry.
type fieldLogger struct {
	base   Logger
	fields []interface{}
}

// With returns a logger that attaches fields to every entry written through it.
// A nil base yields a NoOpLogger.
func With(base Logger, fields ...interface{}) Logger {
	if base == nil {
		return &NoOpLogger{}
	}
	if len(fields)%2 != 0 {
		fields = append(fields, "<missing>")
	}
	if fl, ok := base.(*fieldLogger); ok {
		merged := make([]interface{}, 0, len(fl.fields)+len(fields))
		merged = append(merged, fl.fields...)
		merged = append(merged, fields...)
		return &fieldLogger{base: fl.base, fields: merged}
	}
	return &fieldLogger{base: base, fields: fields}
}

func (l *fieldLogger) join(fields []interface{}) []interface{} {
	out := make([]interface{}, 0, len(l.fields)+len(fields))
	out = append(out, l.fields...)
	return append(out, fields...)
}

func (l *fieldLogger) Debug(msg string, fields ...interface{}) { l.base.Debug(msg, l.join(fields)...) }
func (l *fieldLogger) Info(msg string, fields ...interface{})  { l.base.Info(msg, l.join(fields)...) }
func (l *fieldLogger) Warn(msg string, fields ...interface{})  { l.base.Warn(msg, l.join(fields)...) }
func (l *fieldLogger) Error(msg string, fields ...interface{}) { l.base.Error(msg, l.join(fields)...) }

// orNoOp returns l, or a NoOpLogger when l is nil.
func orNoOp(l Logger) Logger {
	if l == nil {
		return &NoOpLogger{}
	}
	return l
}
