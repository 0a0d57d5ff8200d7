package util

import (
	"net/url"
	"strings"
)

// TokenLogPrefixLength is how much of a token, code or secret may appear in logs
const TokenLogPrefixLength = 8

// SafeTruncate returns at most maxLen leading bytes of s.
// A negative maxLen yields "".
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// LogPrefix returns the log-safe prefix of a secret value
func LogPrefix(secret string) string {
	return SafeTruncate(secret, TokenLogPrefixLength)
}

// NormalizeURL canonicalizes a server or resource URL so that
// "HTTPS://Example.com/" and "https://example.com" compare equal.
// Scheme and host are lowercased and trailing slashes removed. Values that
// do not parse as absolute URLs only lose their trailing slashes.
func NormalizeURL(raw string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(raw), "/")

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return trimmed
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
