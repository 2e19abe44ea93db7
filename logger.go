package rhmq

import (
	"log/slog"

	"github.com/Zereker/rhmq/mq"
)

// Logger is the interface for structured logging.
// It is designed to be compatible with *slog.Logger from the standard library
// and is shared with the transport engine.
type Logger = mq.Logger

// defaultLogger returns the default slog logger from the standard library.
func defaultLogger() Logger {
	return slog.Default()
}
