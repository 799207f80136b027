// Package zerolog adapts a zerolog.Logger to subscription.Logger.
package zerolog

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/mihaimyh/gosubscription/pkg/subscription"
)

// Logger implements subscription.Logger using zerolog.
type Logger struct {
	logger zerolog.Logger
}

var _ subscription.Logger = (*Logger)(nil)

// NewLogger creates a new zerolog logger adapter. Every entry carries
// component=subscription.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger.With().Str("component", "subscription").Logger()}
}

func (l *Logger) Debug(msg string, fields ...subscription.Field) {
	l.log(l.logger.Debug(), msg, fields)
}

func (l *Logger) Info(msg string, fields ...subscription.Field) {
	l.log(l.logger.Info(), msg, fields)
}

func (l *Logger) Warn(msg string, fields ...subscription.Field) {
	l.log(l.logger.Warn(), msg, fields)
}

func (l *Logger) Error(msg string, fields ...subscription.Field) {
	l.log(l.logger.Error(), msg, fields)
}

func (l *Logger) log(event *zerolog.Event, msg string, fields []subscription.Field) {
	if event == nil {
		return
	}
	for _, f := range fields {
		switch v := f.Value.(type) {
		case string:
			if v == "" {
				continue
			}
			event = event.Str(f.Key, v)
		case bool:
			event = event.Bool(f.Key, v)
		case int:
			event = event.Int(f.Key, v)
		case int64:
			event = event.Int64(f.Key, v)
		case time.Time:
			event = event.Time(f.Key, v)
		case time.Duration:
			event = event.Dur(f.Key, v)
		case error:
			event = event.AnErr(f.Key, v)
		default:
			event = event.Interface(f.Key, v)
		}
	}
	event.Msg(msg)
}
