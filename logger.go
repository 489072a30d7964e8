package modhost

// Logger defines the interface for runtime logging.
// The runtime uses structured logging with key-value pairs:
//
//	logger.Info("Module registered", "module", "task-list", "version", "1.2.0")
//
// The interface is satisfied by the zerolog adapter in internal/logging and
// is structurally compatible with apiclient.Logger, so one value serves both.
type Logger interface {
	// Info logs normal lifecycle events like registration and activation.
	Info(msg string, args ...any)

	// Error logs failures that were contained, such as a failed init hook.
	Error(msg string, args ...any)

	// Warn logs unusual conditions, e.g. a dependency that is not yet registered.
	Warn(msg string, args ...any)

	// Debug logs detailed diagnostics like the computed initialization order.
	Debug(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Debug(string, ...any) {}
