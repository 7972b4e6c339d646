// Package validate inspects request inputs for oversize bodies and markup or
// injection payloads. Detection is pattern based and conservative: benign
// text containing SQL keywords or markup can be rejected.
package validate

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"

	"github.com/developingchet/admission-gateway/internal/model"
	"github.com/tidwall/gjson"
)

// maxJSONDepth bounds the recursive walk of JSON bodies.
const maxJSONDepth = 32

var (
	scriptBlock = regexp.MustCompile(`(?is)<\s*script\b[^>]*>.*?<\s*/\s*script\s*>`)
	htmlTag     = regexp.MustCompile(`(?i)<\s*/?\s*[a-z!][^>]*>`)
	jsScheme    = regexp.MustCompile(`(?i)javascript\s*:`)
	inlineEvent = regexp.MustCompile(`(?i)\bon[a-z]+\s*=`)
)

var sqliPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bunion\b[\s\S]*?\bselect\b`),
	regexp.MustCompile(`(?i)\bselect\b[\s\S]+?\bfrom\b`),
	regexp.MustCompile(`(?i)\binsert\s+into\b`),
	regexp.MustCompile(`(?i)\bupdate\b\s+\w+\s+\bset\b`),
	regexp.MustCompile(`(?i)\bdelete\s+from\b`),
	regexp.MustCompile(`(?i)\b(drop|truncate|alter)\s+(table|database|schema)\b`),
	regexp.MustCompile(`(?i)\b(or|and)\s+['"]?\w+['"]?\s*=\s*['"]?\w+['"]?`),
	regexp.MustCompile(`(?i)'\s*(or|and)\s+'?\w`),
	regexp.MustCompile(`'\s*(--|#|/\*)`),
	regexp.MustCompile(`/\*[\s\S]*?\*/`),
	regexp.MustCompile(`(?i);\s*(drop|select|insert|update|delete|shutdown|exec)\b`),
	regexp.MustCompile(`(?i)\b(sleep|benchmark|pg_sleep)\s*\(|\bwaitfor\s+delay\b`),
	regexp.MustCompile(`(?i)\bexec(ute)?\s+(xp_|sp_)\w+`),
}

var xssPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<\s*script\b`),
	regexp.MustCompile(`(?i)<\s*/?\s*(iframe|object|embed|applet|frame|frameset|svg|base|meta)\b`),
	inlineEvent,
	jsScheme,
	regexp.MustCompile(`(?i)vbscript\s*:`),
	regexp.MustCompile(`(?i)data\s*:\s*text/html`),
	regexp.MustCompile(`(?i)\bexpression\s*\(`),
	regexp.MustCompile(`(?i)\bdocument\s*\.\s*(cookie|write|location)\b`),
	regexp.MustCompile(`(?i)\beval\s*\(`),
}

// Result is the outcome of input validation.
type Result struct {
	OK      bool
	Failure model.ValidationFailure
	Message string
}

func fail(f model.ValidationFailure, format string, args ...any) Result {
	return Result{Failure: f, Message: fmt.Sprintf(format, args...)}
}

// Sanitize strips script blocks, HTML tags, javascript: schemes and inline
// event handlers from s.
func Sanitize(s string) string {
	s = scriptBlock.ReplaceAllString(s, "")
	s = htmlTag.ReplaceAllString(s, "")
	s = jsScheme.ReplaceAllString(s, "")
	s = inlineEvent.ReplaceAllString(s, "")
	return s
}

// Request checks req against rule: body size first, then sanitization,
// then SQL injection and XSS patterns. The first failing check wins.
func Request(req model.ClientRequest, rule model.ValidationRule) Result {
	if rule.MaxRequestBytes > 0 && int64(len(req.Body)) > rule.MaxRequestBytes {
		return fail(model.ValidationSize, "size exceeded: %d > %d bytes", len(req.Body), rule.MaxRequestBytes)
	}
	if !rule.Sanitize && !rule.BlockSQLi && !rule.BlockXSS {
		return Result{OK: true}
	}

	in := inputs(req)

	if rule.Sanitize {
		for _, s := range in {
			if Sanitize(s) != s {
				return fail(model.ValidationSanitize, "malicious content")
			}
		}
	}
	if rule.BlockSQLi {
		if firstMatch(sqliPatterns, in) != nil {
			return fail(model.ValidationSQLi, "SQL injection suspected")
		}
	}
	if rule.BlockXSS {
		if firstMatch(xssPatterns, in) != nil {
			return fail(model.ValidationXSS, "XSS suspected")
		}
	}
	return Result{OK: true}
}

func firstMatch(patterns []*regexp.Regexp, in []string) *regexp.Regexp {
	for _, s := range in {
		for _, re := range patterns {
			if re.MatchString(s) {
				return re
			}
		}
	}
	return nil
}

// inputs gathers every string inspected for a request: the URL path in raw and
// unescaped form, query keys and values, the raw body and, for JSON bodies,
// every decoded key and string value.
func inputs(req model.ClientRequest) []string {
	out := []string{req.Endpoint}
	if p, err := url.PathUnescape(req.Endpoint); err == nil && p != req.Endpoint {
		out = append(out, p)
	}

	keys := make([]string, 0, len(req.Query))
	for k := range req.Query {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k)
		out = append(out, req.Query[k]...)
	}

	if len(req.Body) > 0 {
		out = append(out, string(req.Body))
		if gjson.ValidBytes(req.Body) {
			walkJSON(gjson.ParseBytes(req.Body), &out, 0)
		}
	}
	return out
}

func walkJSON(v gjson.Result, out *[]string, depth int) {
	if depth > maxJSONDepth {
		return
	}
	switch {
	case v.IsObject():
		v.ForEach(func(key, val gjson.Result) bool {
			*out = append(*out, key.String())
			walkJSON(val, out, depth+1)
			return true
		})
	case v.IsArray():
		v.ForEach(func(_, val gjson.Result) bool {
			walkJSON(val, out, depth+1)
			return true
		})
	case v.Type == gjson.String:
		*out = append(*out, v.String())
	}
}
