package logging

import (
	"regexp"
	"strings"
)

// RedactedPlaceholder replaces sensitive values.
const RedactedPlaceholder = "[REDACTED]"

// Image URLs are often pre-signed; the signature and token query parameters
// grant access on their own and must not reach the log file.
var sensitivePatterns = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`(?i)([?&](?:token|access_token|sig|signature|x-amz-signature|x-amz-credential|x-amz-security-token|x-goog-signature|key|api_key|apikey)=)[^&#\s"']+`), "${1}" + RedactedPlaceholder},
	{regexp.MustCompile(`(://)[^/@\s:]+:[^/@\s]+@`), "${1}" + RedactedPlaceholder + "@"},
	{regexp.MustCompile(`(?i)(bearer\s+)[a-zA-Z0-9._~+/-]{16,}=*`), "${1}" + RedactedPlaceholder},
	{regexp.MustCompile(`(?i)((?:password|secret|api_key|apikey)\s*[:=]\s*)[^\s,;&]{8,}`), "${1}" + RedactedPlaceholder},
}

var sensitiveFieldNames = []string{
	"PASSWORD",
	"SECRET",
	"TOKEN",
	"API_KEY",
	"APIKEY",
	"AUTHORIZATION",
	"COOKIE",
}

// RedactSensitiveData replaces credentials embedded in value, keeping the
// parameter name or scheme so the log line stays readable.
//
//	RedactSensitiveData("https://cdn.example/a.png?X-Amz-Signature=abc&w=2")
//	// "https://cdn.example/a.png?X-Amz-Signature=[REDACTED]&w=2"
func RedactSensitiveData(value string) string {
	if value == "" {
		return value
	}
	out := value
	for _, p := range sensitivePatterns {
		out = p.re.ReplaceAllString(out, p.repl)
	}
	return out
}

// IsSensitiveField reports whether a field name alone marks its value as secret.
func IsSensitiveField(name string) bool {
	upper := strings.ToUpper(name)
	for _, s := range sensitiveFieldNames {
		if strings.Contains(upper, s) {
			return true
		}
	}
	return false
}

// ContainsSensitiveData reports whether RedactSensitiveData would change value.
func ContainsSensitiveData(value string) bool {
	for _, p := range sensitivePatterns {
		if p.re.MatchString(value) {
			return true
		}
	}
	return false
}
