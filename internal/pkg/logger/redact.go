package logger

import (
	"net/url"
	"regexp"
	"strings"
)

const redacted = "[REDACTED]"

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

	// Field names holding credential material. Matched as substrings of the
	// lowercased key.
	secretKeys = []string{"secret", "password", "pass", "token", "auth_key"}
	// Field names whose whole value is a recipient address.
	addressKeys = []string{"email", "target", "recipient"}
)

// RedactEmail keeps the first two characters of the local part and the
// domain: "john.doe@example.com" becomes "jo***@example.com". Local parts of
// two characters or fewer are masked entirely.
func RedactEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || strings.Contains(domain, "@") {
		return "***@***"
	}
	if len(local) <= 2 {
		return "***@" + domain
	}
	return local[:2] + "***@" + domain
}

// RedactURL drops any password in the userinfo and masks token-like query
// parameters. Values that do not parse as absolute URLs are returned as is.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return raw
	}
	q := u.Query()
	masked := false
	for k := range q {
		if matchesAny(k, secretKeys) {
			q.Set(k, redacted)
			masked = true
		}
	}
	if masked {
		u.RawQuery = q.Encode()
	}
	return u.Redacted()
}

// redactField applies the field policy: secrets are always masked, URLs
// always lose embedded credentials, and addresses are masked only when PII
// redaction is on.
func redactField(key, val string, pii bool) string {
	if matchesAny(key, secretKeys) {
		return redacted
	}
	if strings.Contains(val, "://") {
		val = RedactURL(val)
	}
	if !pii {
		return val
	}
	if matchesAny(key, addressKeys) {
		return RedactEmail(val)
	}
	return emailPattern.ReplaceAllStringFunc(val, RedactEmail)
}

func matchesAny(key string, needles []string) bool {
	key = strings.ToLower(key)
	for _, n := range needles {
		if strings.Contains(key, n) {
			return true
		}
	}
	return false
}
