package security

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	secretKeyExpr     = `(?:password|passwd|secret|api[_-]?key|auth[_-]?cookie|[a-z0-9._-]*token[a-z0-9._-]*)`
	kvSecretPattern   = regexp.MustCompile(`(?i)(` + secretKeyExpr + `)\s*[:=]\s*(?:"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|[^\s"'&,;]+)`)
	authCookiePattern = regexp.MustCompile(`\bauthcookie_[0-9a-fA-F-]{8,}\b`)
	bearerPattern     = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`)
	openAIKeyPattern  = regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{16,}\b`)
	urlCredsPattern   = regexp.MustCompile(`(?i)([a-z][a-z0-9+.-]*://)[^\s/@:]+:[^\s/@]+@`)
)

// maxEventText bounds the text kept in a player's event log.
const maxEventText = 512

// ScrubText removes credentials that clients occasionally echo into their
// output log so they never reach the registry, the API or the classifier.
func ScrubText(input string) string {
	if input == "" {
		return ""
	}
	out := authCookiePattern.ReplaceAllString(input, "[REDACTED]")
	out = kvSecretPattern.ReplaceAllStringFunc(out, func(match string) string {
		idx := strings.IndexAny(match, ":=")
		if idx < 0 {
			return "[REDACTED]"
		}
		return match[:idx+1] + "[REDACTED]"
	})
	out = bearerPattern.ReplaceAllString(out, "Bearer [REDACTED]")
	out = openAIKeyPattern.ReplaceAllString(out, "[REDACTED]")
	out = urlCredsPattern.ReplaceAllString(out, `${1}[REDACTED]@`)
	return out
}

// SanitizeEventText scrubs secrets, drops control characters and truncates.
func SanitizeEventText(input string) string {
	out := strings.Map(func(r rune) rune {
		if r == '\t' {
			return ' '
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, ScrubText(strings.TrimSpace(input)))
	if len(out) <= maxEventText {
		return out
	}
	cut := maxEventText
	for cut > 0 && !utf8Start(out[cut]) {
		cut--
	}
	return out[:cut] + "…"
}

func utf8Start(b byte) bool {
	return b&0xC0 != 0x80
}
