// Package logger holds the log output filter shared by every command.
package logger

import (
	"io"
	"regexp"
)

// Mask replaces every redacted value.
const Mask = "[REDACTED]"

// Each rule keeps capture group 1 (the key name or secret prefix) and masks
// what follows it.
var rules = []*regexp.Regexp{
	// gk_/tk_ secrets; the 10-character display prefix is too short to match
	regexp.MustCompile(`\b((?:gk|tk)_)[A-Za-z0-9\-_]{16,}`),
	regexp.MustCompile(`(?i)((?:redis_)?password["'\s:=]+)\S+`),
	regexp.MustCompile(`(?i)(admin_token["'\s:=]+)\S+`),
	regexp.MustCompile(`(?i)(lapi[_-]?key["'\s:=]+)\S+`),
	regexp.MustCompile(`(?i)(X-Api-Key["'\s:=]+)\S+`),
	regexp.MustCompile(`(?i)(api[_-]?key["'\s:=]+)[A-Za-z0-9\-_]{16,}`),
	regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9\-_\.]+`),
}

var replacement = []byte("${1}" + Mask)

// RedactWriter masks credentials in each write before passing it on.
type RedactWriter struct {
	w io.Writer
}

// NewRedactWriter wraps w.
func NewRedactWriter(w io.Writer) *RedactWriter {
	return &RedactWriter{w: w}
}

// Redact returns p with every credential masked.
func Redact(p []byte) []byte {
	for _, re := range rules {
		if re.Match(p) {
			p = re.ReplaceAll(p, replacement)
		}
	}
	return p
}

// Write reports len(p) on success even when masking changed the length, so
// zerolog does not see a short write.
func (r *RedactWriter) Write(p []byte) (int, error) {
	out := Redact(p)
	n, err := r.w.Write(out)
	if err != nil {
		return min(n, len(p)), err
	}
	return len(p), nil
}
