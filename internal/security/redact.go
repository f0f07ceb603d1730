// Package security scrubs credentials from text that leaves the process
// through logs or stored payloads. Pairing URIs and agent API keys must
// never appear in cleartext outside the registration store.
package security

import (
	"regexp"
	"strings"
)

const redactedMarker = "[REDACTED]"

var (
	secretKeyExpr     = `(?:password|passwd|secret|api[_-]?key|[a-z0-9._-]*token[a-z0-9._-]*)`
	kvSecretPattern   = regexp.MustCompile(`(?i)(` + secretKeyExpr + `)\s*[:=]\s*(?:"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|[^\s"']+)`)
	jsonSecretPattern = regexp.MustCompile(`(?i)("` + secretKeyExpr + `"\s*:\s*)"(?:[^"\\]|\\.)*"`)
	bearerPattern     = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`)
	authHeaderPattern = regexp.MustCompile(`(?i)(authorization\s*:\s*)[^\r\n]+`)
	pairingKeyPattern = regexp.MustCompile(`(?i)([?&]key=)[^&\s]+`)
)

// RedactPayload masks credential-shaped substrings in free-form text. It is
// applied to anything handed to the logger that may embed caller input.
func RedactPayload(input string) string {
	if input == "" {
		return ""
	}
	out := jsonSecretPattern.ReplaceAllString(input, `${1}"`+redactedMarker+`"`)
	out = kvSecretPattern.ReplaceAllStringFunc(out, func(match string) string {
		idx := strings.IndexAny(match, ":=")
		if idx < 0 {
			return redactedMarker
		}
		return match[:idx+1] + " " + redactedMarker
	})
	out = authHeaderPattern.ReplaceAllString(out, `${1}`+redactedMarker)
	out = bearerPattern.ReplaceAllString(out, "Bearer "+redactedMarker)
	out = pairingKeyPattern.ReplaceAllString(out, `${1}`+redactedMarker)
	return out
}

// RedactPairingURI masks the key parameter of a pairing URI while keeping
// host and port readable.
func RedactPairingURI(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	return pairingKeyPattern.ReplaceAllString(raw, `${1}`+redactedMarker)
}
