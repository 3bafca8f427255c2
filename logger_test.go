package activedirectory

import (
	"bytes"
	"errors"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capturingLogger records the last event for assertions. Levels it does
// not override are discarded by the embedded NopLogger.
type capturingLogger struct {
	NopLogger
	lastLevel  string
	lastMsg    string
	lastFields map[string]any
}

func (l *capturingLogger) Debug(msg string, fields map[string]any) {
	l.lastLevel, l.lastMsg, l.lastFields = "debug", msg, fields
}

func (l *capturingLogger) Error(msg string, fields map[string]any) {
	l.lastLevel, l.lastMsg, l.lastFields = "error", msg, fields
}

func TestZerologLogger(t *testing.T) {
	var buf bytes.Buffer
	log := NewZerologLogger(zerolog.New(&buf))

	log.Info("session established", map[string]any{"server": "dc1.example.com"})

	line := buf.String()
	assert.Contains(t, line, `"level":"info"`)
	assert.Contains(t, line, `"message":"session established"`)
	assert.Contains(t, line, `"server":"dc1.example.com"`)
}

func TestLogOperation(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		log := &capturingLogger{}

		err := logOperation(log, "resolve", map[string]any{"dn": "CN=x"}, func() error {
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, "debug", log.lastLevel)
		assert.Equal(t, "resolve", log.lastFields["operation"])
		assert.Contains(t, log.lastFields, "duration_ms")
	})

	t.Run("failure", func(t *testing.T) {
		log := &capturingLogger{}
		boom := errors.New("boom")

		err := logOperation(log, "resolve", nil, func() error {
			return boom
		})
		assert.Equal(t, boom, err)
		assert.Equal(t, "error", log.lastLevel)
		assert.Equal(t, "boom", log.lastFields["error"])
	})
}

func TestLogLDAPError(t *testing.T) {
	log := &capturingLogger{}
	cause := ldap.NewError(ldap.LDAPResultBusy, errors.New("server busy"))

	logLDAPError(log, "search", cause, nil)

	assert.Equal(t, "error", log.lastLevel)
	assert.Equal(t, "Directory operation failed", log.lastMsg)
	assert.Equal(t, "search", log.lastFields["operation"])
	assert.Equal(t, uint16(ldap.LDAPResultBusy), log.lastFields["ldap_result_code"])
	assert.Equal(t, "server busy", log.lastFields["ldap_diagnostic_message"])
}

func TestSanitizeFields(t *testing.T) {
	fields := map[string]any{
		"username":   "svc-directory",
		"password":   "hunter2",
		"credential": "tgt",
		"filter":     "(sAMAccountName=tim.golden)",
		"note":       "request carried password=hunter2 inline",
		"count":      42,
	}

	sanitized := SanitizeFields(fields)

	assert.Equal(t, "[REDACTED]", sanitized["password"])
	assert.Equal(t, "[REDACTED]", sanitized["credential"])
	assert.Equal(t, "[REDACTED]", sanitized["note"])
	assert.Equal(t, "svc-directory", sanitized["username"])
	assert.Equal(t, "(sAMAccountName=tim.golden)", sanitized["filter"])
	assert.Equal(t, 42, sanitized["count"])
	// The input map is left alone.
	assert.Equal(t, "hunter2", fields["password"])
}

func TestContainsSensitivePattern(t *testing.T) {
	assert.True(t, containsSensitivePattern("PASSWORD=secret"))
	assert.True(t, containsSensitivePattern("userPassword=x"))
	assert.True(t, containsSensitivePattern("bound with token=abc123"))
	assert.False(t, containsSensitivePattern("tokens are rotated daily"))
	assert.False(t, containsSensitivePattern("CN=Tim Golden,OU=Staff"))
}
