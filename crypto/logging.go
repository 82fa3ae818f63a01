package crypto

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// LoggerHelper accumulates logrus fields for one operation.
type LoggerHelper struct {
	fields logrus.Fields
}

// NewLogger creates a logger helper for function in the crypto package.
func NewLogger(function string) *LoggerHelper {
	return NewPackageLogger("crypto", function)
}

// NewPackageLogger creates a logger helper for function in pkg.
func NewPackageLogger(pkg, function string) *LoggerHelper {
	return &LoggerHelper{
		fields: logrus.Fields{
			"function": function,
			"package":  pkg,
		},
	}
}

// WithField adds one field.
func (l *LoggerHelper) WithField(key string, value interface{}) *LoggerHelper {
	l.fields[key] = value
	return l
}

// WithKey adds a shortened public key under "public_key".
func (l *LoggerHelper) WithKey(key []byte) *LoggerHelper {
	l.fields["public_key"] = KeyPreview(key)
	return l
}

// WithError records err together with the failing operation.
func (l *LoggerHelper) WithError(err error, errorType, operation string) *LoggerHelper {
	l.fields["error"] = err.Error()
	l.fields["error_type"] = errorType
	l.fields["operation"] = operation
	return l
}

func (l *LoggerHelper) entry() *logrus.Entry {
	return logrus.WithFields(l.fields)
}

// Debug logs message at debug level.
func (l *LoggerHelper) Debug(message string) { l.entry().Debug(message) }

// Info logs message at info level.
func (l *LoggerHelper) Info(message string) { l.entry().Info(message) }

// Warn logs message at warning level.
func (l *LoggerHelper) Warn(message string) { l.entry().Warn(message) }

// KeyPreview renders the first bytes of a key for log fields.
func KeyPreview(key []byte) string {
	if len(key) > 8 {
		return fmt.Sprintf("%x", key[:8])
	}
	return fmt.Sprintf("%x", key)
}
