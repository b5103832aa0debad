package subledger

// Field represents a structured log field.
type Field struct {
	Key   string
	Value interface{}
}

// String builds a string log field.
func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

// Err builds an error log field.
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}

// Logger defines the interface for structured logging.
type Logger interface {
	// Debug logs a debug message with fields.
	Debug(msg string, fields ...Field)

	// Info logs an info message with fields.
	Info(msg string, fields ...Field)

	// Warn logs a warning message with fields.
	Warn(msg string, fields ...Field)

	// Error logs an error message with fields.
	Error(msg string, fields ...Field)
}

// NopLogger discards all log output. It is the default when no logger
// is configured.
type NopLogger struct{}

func (NopLogger) Debug(_ string, _ ...Field) {}
func (NopLogger) Info(_ string, _ ...Field)  {}
func (NopLogger) Warn(_ string, _ ...Field)  {}
func (NopLogger) Error(_ string, _ ...Field) {}

// ContextLogger wraps a Logger with fields attached to every message.
// Webhook processing uses it to carry organization and event context.
type ContextLogger struct {
	base   Logger
	fields []Field
}

// WithFields returns a ContextLogger that appends fields to every log call
func WithFields(base Logger, fields ...Field) *ContextLogger {
	if cl, ok := base.(*ContextLogger); ok {
		merged := make([]Field, 0, len(cl.fields)+len(fields))
		merged = append(merged, cl.fields...)
		merged = append(merged, fields...)
		return &ContextLogger{base: cl.base, fields: merged}
	}
	return &ContextLogger{base: base, fields: fields}
}

func (l *ContextLogger) Debug(msg string, fields ...Field) {
	l.base.Debug(msg, append(l.fields, fields...)...)
}

func (l *ContextLogger) Info(msg string, fields ...Field) {
	l.base.Info(msg, append(l.fields, fields...)...)
}

func (l *ContextLogger) Warn(msg string, fields ...Field) {
	l.base.Warn(msg, append(l.fields, fields...)...)
}

func (l *ContextLogger) Error(msg string, fields ...Field) {
	l.base.Error(msg, append(l.fields, fields...)...)
}
