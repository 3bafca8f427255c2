package activedirectory

import (
	"errors"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/rs/zerolog"
)

// Logger is the logging interface used throughout the package. Implement it
// to route directory events into your own logging stack, or use
// NewZerologLogger for the built-in zerolog adapter.
type Logger interface {
	Debug(msg string, fields map[string]any)
	Info(msg string, fields map[string]any)
	Warn(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
	Trace(msg string, fields map[string]any)
}

// ZerologLogger adapts a zerolog.Logger to the Logger interface.
type ZerologLogger struct {
	logger zerolog.Logger
}

// NewZerologLogger creates a Logger backed by the given zerolog.Logger.
// Fields are attached to each event; Trace maps to zerolog's trace level.
func NewZerologLogger(logger zerolog.Logger) *ZerologLogger {
	return &ZerologLogger{logger: logger}
}

func (l *ZerologLogger) Debug(msg string, fields map[string]any) {
	l.logger.Debug().Fields(fields).Msg(msg)
}

func (l *ZerologLogger) Info(msg string, fields map[string]any) {
	l.logger.Info().Fields(fields).Msg(msg)
}

func (l *ZerologLogger) Warn(msg string, fields map[string]any) {
	l.logger.Warn().Fields(fields).Msg(msg)
}

func (l *ZerologLogger) Error(msg string, fields map[string]any) {
	l.logger.Error().Fields(fields).Msg(msg)
}

func (l *ZerologLogger) Trace(msg string, fields map[string]any) {
	l.logger.Trace().Fields(fields).Msg(msg)
}

// NopLogger discards everything. It is the default when no logger is
// configured.
type NopLogger struct{}

// NewNopLogger creates a logger that discards all events.
func NewNopLogger() *NopLogger { return &NopLogger{} }

func (*NopLogger) Debug(msg string, fields map[string]any) {}
func (*NopLogger) Info(msg string, fields map[string]any)  {}
func (*NopLogger) Warn(msg string, fields map[string]any)  {}
func (*NopLogger) Error(msg string, fields map[string]any) {}
func (*NopLogger) Trace(msg string, fields map[string]any) {}

// logOperation logs an operation with timing around fn.
func logOperation(log Logger, operation string, fields map[string]any, fn func() error) error {
	start := time.Now()

	if fields == nil {
		fields = make(map[string]any)
	}
	fields["operation"] = operation

	log.Debug("Starting operation", fields)

	err := fn()

	fields["duration_ms"] = time.Since(start).Milliseconds()

	if err != nil {
		fields["error"] = err.Error()
		log.Error("Operation failed", fields)
	} else {
		log.Debug("Operation completed successfully", fields)
	}

	return err
}

// logLDAPError logs backend error details, surfacing the LDAP result code
// and diagnostic message when present.
func logLDAPError(log Logger, operation string, err error, fields map[string]any) {
	if fields == nil {
		fields = make(map[string]any)
	}

	fields["operation"] = operation
	fields["error"] = err.Error()

	var ldapErr *ldap.Error
	if errors.As(err, &ldapErr) {
		fields["ldap_result_code"] = ldapErr.ResultCode
		if ldapErr.MatchedDN != "" {
			fields["ldap_matched_dn"] = ldapErr.MatchedDN
		}
		if ldapErr.Err != nil {
			fields["ldap_diagnostic_message"] = ldapErr.Err.Error()
		}
	}

	log.Error("Directory operation failed", fields)
}

// SanitizeFields removes sensitive information from log fields.
func SanitizeFields(fields map[string]any) map[string]any {
	sanitized := make(map[string]any)

	sensitiveKeys := map[string]bool{
		"password":    true,
		"passwd":      true,
		"secret":      true,
		"token":       true,
		"key":         true,
		"private_key": true,
		"credential":  true,
		"credentials": true,
	}

	for k, v := range fields {
		if sensitiveKeys[k] {
			sanitized[k] = "[REDACTED]"
		} else {
			if str, ok := v.(string); ok && containsSensitivePattern(str) {
				sanitized[k] = "[REDACTED]"
			} else {
				sanitized[k] = v
			}
		}
	}

	return sanitized
}

// containsSensitivePattern checks if a string contains patterns that might be sensitive.
func containsSensitivePattern(s string) bool {
	patterns := []string{
		"password=",
		"passwd=",
		"secret=",
		"token=",
		"key=",
	}

	lower := strings.ToLower(s)
	for _, pattern := range patterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}

	return false
}
