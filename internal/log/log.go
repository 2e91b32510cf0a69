// Package log defines the logging interface used across the daemon and
// CLI, decoupling callers from the concrete backend.
package log

// Logger is the common logging surface. Implementations may format and
// route messages however they like; callers only depend on this interface.
type Logger interface {
	Infof(format string, args ...interface{})
	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	Info(args ...interface{})
	Debug(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})
}

// WithField is implemented by loggers that can attach structured context.
// Not all backends support this; callers should fall back to the plain
// formatted methods when a Logger doesn't implement it.
type WithField interface {
	WithField(key string, value interface{}) Logger
}
