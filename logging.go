package ptadapter

import (
	"os"

	"github.com/op/go-logging"
)

// Logger is the logging abstraction every adapter is built on. Design note
// (spec.md §9): the Python original uses a module-wide logger tree rooted
// at log.pkg_logger; we replace that with an interface injected per
// adapter instead of process-wide state, so that multiple adapters in one
// process can be logged independently (or not at all, via NopLogger).
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// nopLogger discards everything. Useful for tests and for callers who want
// silence without a nil check at every call site.
type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}

// NopLogger is a Logger that discards all messages.
var NopLogger Logger = nopLogger{}

// golog adapts github.com/op/go-logging into the Logger interface. It is
// what NewLogger returns; adapter constructors given a nil Logger use
// NopLogger instead, not golog. It follows the
// teacher's pattern of a small per-component wrapper around a
// general-purpose backend (internal/utils.Debugf wraps the standard
// library log package; here we wrap a backend already pulled into the PT
// ecosystem by the shapeshifter-dispatcher example).
type golog struct {
	inner *logging.Logger
}

func (g golog) Debugf(format string, args ...interface{}) { g.inner.Debugf(format, args...) }
func (g golog) Infof(format string, args ...interface{})  { g.inner.Infof(format, args...) }
func (g golog) Warnf(format string, args ...interface{})  { g.inner.Warningf(format, args...) }
func (g golog) Errorf(format string, args ...interface{}) { g.inner.Errorf(format, args...) }

func init() {
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	formatter := logging.MustStringFormatter(
		`%{time:15:04:05.000} %{level:.4s} %{module} %{message}`,
	)
	formatted := logging.NewBackendFormatter(backend, formatter)
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(logging.WARNING, "")
	logging.SetBackend(leveled)
}

// NewLogger returns the default op/go-logging-backed Logger for a named
// component, e.g. "pt.client", "pt.extor". Each adapter gets its own child
// logger, mirroring the Python original's log.pkg_logger.getChild(name).
func NewLogger(name string) Logger {
	return golog{inner: logging.MustGetLogger(name)}
}
