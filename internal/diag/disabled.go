//go:build nodiag

package diag

import (
	"io"
	"log/slog"
)

// Compiled reports whether the diagnostic sink is built in.
const Compiled = false

func newHandler(io.Writer) slog.Handler {
	return slog.DiscardHandler
}
