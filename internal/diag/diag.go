// Package diag is the device's diagnostic line sink. Every component logs
// through a [*slog.Logger] built by [New]; the handler behind it is chosen
// at build time. The default build prints one line per record in the form
//
//	INFO: MQTT Connected!
//	ERROR: Connect error: -2 broker=tcp://10.0.0.2:1883
//
// and building with -tags nodiag swaps in a handler that reports every
// level as disabled, so log calls cost nothing beyond the call itself.
//
// Levels are classificatory only. There is no level filtering: when the
// sink is compiled in, DEBUG lines print alongside everything else.
package diag

import (
	"context"
	"io"
	"log/slog"
)

// Level is a diagnostic severity.
type Level int

const (
	LevelInfo Level = iota
	LevelWarn
	LevelError
	LevelDebug
)

// String returns the keyword printed in front of the message.
func (l Level) String() string {
	switch l {
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARNING"
	case LevelError:
		return "ERROR"
	case LevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// SlogLevel maps l onto the equivalent [slog.Level].
func (l Level) SlogLevel() slog.Level {
	switch l {
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	case LevelDebug:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// levelOf folds an arbitrary slog level into the four diagnostic levels.
func levelOf(l slog.Level) Level {
	switch {
	case l >= slog.LevelError:
		return LevelError
	case l >= slog.LevelWarn:
		return LevelWarn
	case l >= slog.LevelInfo:
		return LevelInfo
	default:
		return LevelDebug
	}
}

// New returns a logger writing diagnostic lines to w. With the nodiag
// build tag the writer is never touched.
func New(w io.Writer) *slog.Logger {
	return slog.New(newHandler(w))
}

// Log writes msg at level. It is the plain-message form used where no
// structured attributes are needed.
func Log(logger *slog.Logger, level Level, msg string) {
	logger.Log(context.Background(), level.SlogLevel(), msg)
}
