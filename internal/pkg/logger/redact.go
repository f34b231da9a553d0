package logger

import "strings"

// RedactEmail masks an address for logging: "jane.doe@example.com"
// becomes "ja***@example.com". Local parts of two characters or fewer
// are masked entirely. Anything that is not an address masks to
// "***@***".
func RedactEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "***@***"
	}
	local := parts[0]
	if len(local) > 2 {
		return local[:2] + "***@" + parts[1]
	}
	return "***@" + parts[1]
}
