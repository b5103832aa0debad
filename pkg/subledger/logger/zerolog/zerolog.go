// Package zerolog adapts rs/zerolog to the subledger.Logger interface.
// Webhook processing attaches organization_id, event_type and event_id
// fields to every line, so each delivery can be traced end to end in
// the structured output.
package zerolog

import (
	"github.com/rs/zerolog"

	"github.com/mrdja026/subledger/pkg/subledger"
)

// Logger implements subledger.Logger using zerolog
type Logger struct {
	logger zerolog.Logger
}

// NewLogger wraps an existing zerolog.Logger. Level filtering and
// output format stay under the caller's control.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger}
}

func (l *Logger) Debug(msg string, fields ...subledger.Field) {
	l.log(l.logger.Debug(), msg, fields)
}

func (l *Logger) Info(msg string, fields ...subledger.Field) {
	l.log(l.logger.Info(), msg, fields)
}

func (l *Logger) Warn(msg string, fields ...subledger.Field) {
	l.log(l.logger.Warn(), msg, fields)
}

func (l *Logger) Error(msg string, fields ...subledger.Field) {
	l.log(l.logger.Error(), msg, fields)
}

func (l *Logger) log(event *zerolog.Event, msg string, fields []subledger.Field) {
	if event == nil {
		return
	}
	for _, f := range fields {
		event = event.Interface(f.Key, f.Value)
	}
	event.Msg(msg)
}
