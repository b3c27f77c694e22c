package masking

import (
	"log/slog"
	"regexp"
)

// RedactedValue replaces PII attribute values in logs.
const RedactedValue = "***REDACTED***"

// Universal patterns scrubbed from free-text log values regardless of
// schema: they catch PII leaking through messages and tool output.
var universalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`), // email
	regexp.MustCompile(`\+?\d[\d\s().-]{7,}\d`),                          // phone
	regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`),                        // card number
}

// Redactor scrubs PII from log attributes. Fields marked is_pii in the
// customer schema redact wholesale; free text passes through the
// universal patterns.
type Redactor struct {
	piiFields map[string]bool
}

// NewRedactor builds a redactor for the given PII field names.
func NewRedactor(piiFields []string) *Redactor {
	set := make(map[string]bool, len(piiFields))
	for _, f := range piiFields {
		set[f] = true
	}
	return &Redactor{piiFields: set}
}

// IsPII reports whether the field is schema-marked PII.
func (r *Redactor) IsPII(field string) bool {
	return r.piiFields[field]
}

// Attr returns a loggable attribute, redacting PII-marked fields.
func (r *Redactor) Attr(field string, value any) slog.Attr {
	if r.piiFields[field] {
		return slog.String(field, RedactedValue)
	}
	if s, ok := value.(string); ok {
		return slog.String(field, RedactText(s))
	}
	return slog.Any(field, value)
}

// Map redacts a string map in place for logging, returning a copy.
func (r *Redactor) Map(values map[string]string) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		if r.piiFields[k] {
			out[k] = RedactedValue
			continue
		}
		out[k] = RedactText(v)
	}
	return out
}

// RedactText scrubs universal PII patterns out of free text.
func RedactText(s string) string {
	for _, re := range universalPatterns {
		s = re.ReplaceAllString(s, RedactedValue)
	}
	return s
}
