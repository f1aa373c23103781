// Package logsanitize prepares untrusted or secret values for logging.
package logsanitize

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode/utf8"
)

// MaxLen is the longest value Sanitize returns, in bytes, before the ellipsis.
const MaxLen = 256

// Sanitize removes control characters from log field values to reduce
// the risk of log injection (CWE-117), and truncates long values.
//
// Stripped ranges:
//   - C0 controls 0x00-0x1F (except horizontal tab 0x09)
//   - DEL 0x7F and C1 controls 0x80-0x9F
func Sanitize(s string) string {
	s = strings.Map(func(r rune) rune {
		if r < 0x20 && r != '\t' {
			return '_'
		}
		if r >= 0x7f && r <= 0x9f {
			return '_'
		}
		return r
	}, s)
	return truncate(s, MaxLen)
}

// Fingerprint returns a short, stable identifier for a secret such as a
// refresh token, so log lines can be correlated without leaking it.
func Fingerprint(secret string) string {
	if secret == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:6])
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Back off to a rune boundary.
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
