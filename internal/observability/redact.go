package observability

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/m-mizutani/masq"
)

// RedactedValue replaces sensitive values in log output.
const RedactedValue = "[REDACTED]"

// sensitiveKeys are matched case-insensitively against attribute keys and
// URL query parameter names. Any hit replaces the whole value.
var sensitiveKeys = []string{
	"password",
	"credential",
	"api_key",
	"apikey",
	"secret",
	"token",
	"cookie",
	"sessdata",
	"csrf",
}

// sensitiveParamPattern rewrites sensitive query parameter values inside
// URL-shaped strings while keeping the parameter name visible.
var sensitiveParamPattern = regexp.MustCompile(
	`(?i)([?&](?:password|credential|api_key|apikey|secret|token|cookie|sessdata|csrf)=)[^&\s"]*`,
)

// deepRedact walks structured values (slog.Any of structs, maps, pointers)
// and masks fields tagged `masq:"secret"` as well as well-known credential
// field names. Flat string attributes are handled by redactAttr directly.
var deepRedact = masq.New(
	masq.WithTag("secret"),
	masq.WithFieldName("SESSDATA"),
	masq.WithFieldName("Cookie"),
	masq.WithFieldName("Cookies"),
	masq.WithFieldName("AuthKey"),
	masq.WithFieldPrefix("Secret"),
)

func redactAttr(groups []string, a slog.Attr) slog.Attr {
	if isSensitiveKey(a.Key) {
		return slog.String(a.Key, RedactedValue)
	}
	if a.Value.Kind() == slog.KindString {
		s := a.Value.String()
		if scrubbed := scrubQueryParams(s); scrubbed != s {
			return slog.String(a.Key, scrubbed)
		}
		return a
	}
	return deepRedact(groups, a)
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

func scrubQueryParams(s string) string {
	if !strings.ContainsAny(s, "?&") || !strings.Contains(s, "=") {
		return s
	}
	return sensitiveParamPattern.ReplaceAllString(s, "${1}"+RedactedValue)
}
