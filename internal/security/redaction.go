package security

import (
	"regexp"
	"strings"
)

var (
	secretKeyExpr       = `(?:password|passwd|pwd|secret|api[_-]?key|[a-z0-9._-]*token[a-z0-9._-]*)`
	kvSecretPattern     = regexp.MustCompile(`(?i)(` + secretKeyExpr + `)\s*[:=]\s*(?:"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|[^\s"'&]+)`)
	flagSecretPattern   = regexp.MustCompile(`(?i)(--?` + secretKeyExpr + `)(\s+|=)(?:"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|[^\s"']+)`)
	authorizationHeader = regexp.MustCompile(`(?i)(authorization\s*:\s*)("[^"]*"|'[^']*'|[^\r\n'"]+)`)
	bearerTokenPattern  = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`)
	urlUserinfoPattern  = regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*://)[^\s/@:]+(?::[^\s/@]*)?@`)
	curlUserPattern     = regexp.MustCompile(`(\s-u\s+|\s--user(?:\s+|=))("[^"]*"|'[^']*'|\S+)`)
)

// RedactCommand masks credentials in a command line or path before it is
// logged or written to the journal. Commands without secrets pass through
// unchanged.
func RedactCommand(input string) string {
	if input == "" {
		return ""
	}
	out := flagSecretPattern.ReplaceAllString(input, "${1}${2}[REDACTED]")
	out = kvSecretPattern.ReplaceAllStringFunc(out, func(match string) string {
		if strings.Contains(match, "[REDACTED]") {
			return match
		}
		idx := strings.IndexAny(match, ":=")
		if idx < 0 {
			return "[REDACTED]"
		}
		return match[:idx+1] + "[REDACTED]"
	})
	out = authorizationHeader.ReplaceAllString(out, `${1}[REDACTED]`)
	out = bearerTokenPattern.ReplaceAllString(out, "Bearer [REDACTED]")
	out = urlUserinfoPattern.ReplaceAllString(out, `${1}[REDACTED]@`)
	out = curlUserPattern.ReplaceAllString(out, `${1}[REDACTED]`)
	return out
}
