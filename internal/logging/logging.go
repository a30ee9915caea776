// Package logging builds the zerolog root logger shared by botdeck components.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// New returns a logger at the given level. Unknown levels fall back to info.
func New(level string, pretty bool) zerolog.Logger {
	return NewWithWriter(os.Stderr, level, pretty)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, level string, pretty bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// WhatsApp adapts a zerolog logger for whatsmeow, tagging it with module.
func WhatsApp(log zerolog.Logger, module string) waLog.Logger {
	return waLog.Zerolog(log.With().Str("module", module).Logger())
}
