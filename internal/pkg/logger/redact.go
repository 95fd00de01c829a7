package logger

import "strings"

// RedactEmail masks an address for safe logging, keeping just enough of
// the local part to correlate log lines ("john.doe@example.com" becomes
// "jo***@example.com"). Local parts of two characters or fewer are
// masked entirely. Anything that does not look like an address comes
// back fully masked.
func RedactEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "***@***"
	}
	local, domain := email[:at], email[at+1:]
	if len(local) <= 2 {
		return "***@" + domain
	}
	return local[:2] + "***@" + domain
}
