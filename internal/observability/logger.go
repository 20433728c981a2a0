// Package observability carries the logging and telemetry seams the
// simulator writes through: a process-wide structured logger and a metrics
// sink, both swappable at startup.
package observability

// Logger is the structured logger the pipeline stages write to.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field is one structured key/value attached to a log entry.
type Field struct {
	Key   string
	Value any
}

var activeLogger Logger = nopLogger{}

// SetLogger installs the process-wide logger. A nil logger restores the
// silent default, which tests rely on.
func SetLogger(logger Logger) {
	if logger == nil {
		activeLogger = nopLogger{}
		return
	}
	activeLogger = logger
}

// Log returns the installed logger.
func Log() Logger {
	return activeLogger
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...Field) {}
func (nopLogger) Info(string, ...Field)  {}
func (nopLogger) Error(string, ...Field) {}
