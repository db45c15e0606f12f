package storage

import (
	"log"
	"os"
)

// Logger is the leveled logging sink the engine reports data-loss
// warnings and debug detail to. It is intentionally narrow: the engine
// never needs anything fancier than "note this" and "warn about this",
// mirroring HStore's guarded LOG.debug/LOG.warn call sites.
type Logger interface {
	Debugf(format string, args ...any)
	Warnf(format string, args ...any)
}

// stdLogger is the default Logger, backed by the standard library's
// log.Logger. No third-party structured logger in the reference corpus
// targets this narrow a surface at the storage-engine layer, so this one
// ambient concern stays on the standard library; see DESIGN.md.
type stdLogger struct {
	l *log.Logger
}

// NewStdLogger returns a Logger that writes to stderr with a
// "storage: " prefix.
func NewStdLogger() Logger {
	return &stdLogger{l: log.New(os.Stderr, "storage: ", log.LstdFlags)}
}

func (s *stdLogger) Debugf(format string, args ...any) {
	s.l.Printf("DEBUG "+format, args...)
}

func (s *stdLogger) Warnf(format string, args ...any) {
	s.l.Printf("WARN "+format, args...)
}

// nopLogger discards everything. Used as the zero-value default so a
// Store constructed without an explicit Logger never panics.
type nopLogger struct{}

func (nopLogger) Debugf(string, ...any) {}
func (nopLogger) Warnf(string, ...any)  {}
