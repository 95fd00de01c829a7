package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactEmail(t *testing.T) {
	assert.Equal(t, "jo***@example.com", RedactEmail("john.doe@example.com"))
	assert.Equal(t, "***@example.com", RedactEmail("ab@example.com"))
	assert.Equal(t, "***@***", RedactEmail("not-an-email"))
}

func TestRedactValue(t *testing.T) {
	assert.Equal(t, "[REDACTED]", redactValue("refresh_token", "ya29.abc"))
	assert.Equal(t, "[REDACTED]", redactValue("client_secret", "s3cr3t"))
	assert.Equal(t, "us***@netflix.com", redactValue("sender", "user@netflix.com"))
	assert.Equal(t, "renewal for jo***@example.com due", redactValue("subject", "renewal for john@example.com due"))
}
