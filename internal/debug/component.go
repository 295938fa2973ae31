package debug

import "github.com/sirupsen/logrus"

// Logger writes structured records for one component ("MotorControl",
// "Camera", "ScanMode", ...). Records always reach the journal; console
// output follows the debug level.
type Logger struct {
	component string
	target    func() *logrus.Logger
}

// For returns the component logger backed by the process logger.
func For(component string) *Logger {
	return &Logger{
		component: component,
		target:    func() *logrus.Logger { return logger },
	}
}

// NewLogger returns a component logger writing to l. Used by tests that want
// their own journal.
func NewLogger(l *logrus.Logger, component string) *Logger {
	return &Logger{
		component: component,
		target:    func() *logrus.Logger { return l },
	}
}

// Component returns the component name.
func (l *Logger) Component() string {
	return l.component
}

func (l *Logger) entry(details string) *logrus.Entry {
	fields := logrus.Fields{componentKey: l.component}
	if details != "" {
		fields[detailsKey] = details
	}
	return l.target().WithFields(fields)
}

// Info records an informational message.
func (l *Logger) Info(message, details string) {
	l.entry(details).Info(message)
}

// Warn records a warning.
func (l *Logger) Warn(message, details string) {
	l.entry(details).Warn(message)
}

// Error records an error.
func (l *Logger) Error(message, details string) {
	l.entry(details).Error(message)
}

// Fail records err as an error with message and returns err unchanged, so a
// failing action can log and return in one statement.
func (l *Logger) Fail(message string, err error) error {
	if err != nil {
		l.entry(err.Error()).Error(message)
	}
	return err
}
