package validate

import (
	"net/url"
	"strings"
	"testing"

	"github.com/developingchet/admission-gateway/internal/model"
)

var strict = model.ValidationRule{MaxRequestBytes: 1024, Sanitize: true, BlockSQLi: true, BlockXSS: true}

func post(body string) model.ClientRequest {
	return model.ClientRequest{IP: "10.0.0.1", Endpoint: "/api/search", Method: "POST", Body: []byte(body)}
}

func TestTautologyInJSONBody(t *testing.T) {
	res := Request(post(`{"q":"1 OR 1=1"}`), model.ValidationRule{BlockSQLi: true})
	if res.OK || res.Failure != model.ValidationSQLi {
		t.Fatalf("expected sqli, got %+v", res)
	}
	if res.Message != "SQL injection suspected" {
		t.Errorf("message = %q", res.Message)
	}
}

func TestBenignInputPasses(t *testing.T) {
	cases := []model.ClientRequest{
		post(`{"name":"Alice","age":30,"tags":["a","b"],"color":"#ff0000"}`),
		post(`plain text body`),
		{Endpoint: "/api/users/42", Method: "GET", Query: url.Values{"page": {"2"}, "sort": {"name"}}},
		{Endpoint: "/", Method: "GET"},
	}
	for _, req := range cases {
		if res := Request(req, strict); !res.OK {
			t.Errorf("%s %q rejected: %+v", req.Endpoint, req.Body, res)
		}
	}
}

func TestSizeCheckedFirst(t *testing.T) {
	body := `{"q":"<script>alert(1)</script>` + strings.Repeat("x", 2000) + `"}`
	res := Request(post(body), strict)
	if res.Failure != model.ValidationSize {
		t.Errorf("size should be checked before content, got %+v", res)
	}
	ok := Request(post(strings.Repeat("x", 1024)), strict)
	if !ok.OK {
		t.Errorf("body exactly at limit should pass: %+v", ok)
	}
	unlimited := Request(post(strings.Repeat("x", 1<<16)), model.ValidationRule{})
	if !unlimited.OK {
		t.Error("zero MaxRequestBytes disables the size check")
	}
}

func TestOrdering(t *testing.T) {
	// Markup trips sanitize before the XSS patterns are consulted.
	res := Request(post(`<script>alert(1)</script>`), strict)
	if res.Failure != model.ValidationSanitize || res.Message != "malicious content" {
		t.Errorf("got %+v", res)
	}
	res = Request(post(`<script>alert(1)</script>`), model.ValidationRule{BlockXSS: true})
	if res.Failure != model.ValidationXSS || res.Message != "XSS suspected" {
		t.Errorf("got %+v", res)
	}
}

func TestSQLiPatterns(t *testing.T) {
	rule := model.ValidationRule{BlockSQLi: true}
	payloads := []string{
		"1 UNION SELECT password FROM users",
		"admin' --",
		"x'; DROP TABLE users",
		"' or 'a'='a",
		"1; SELECT pg_sleep(5)",
		"id=1 AND 2=2",
		"/* hidden */",
	}
	for _, p := range payloads {
		if res := Request(post(p), rule); res.Failure != model.ValidationSQLi {
			t.Errorf("%q not flagged: %+v", p, res)
		}
	}
}

func TestXSSPatterns(t *testing.T) {
	rule := model.ValidationRule{BlockXSS: true}
	payloads := []string{
		`<iframe src="x">`,
		`<img src=x onerror=alert(1)>`,
		`javascript:alert(1)`,
		`<svg/onload=alert(1)>`,
		`document.cookie`,
	}
	for _, p := range payloads {
		if res := Request(post(p), rule); res.Failure != model.ValidationXSS {
			t.Errorf("%q not flagged: %+v", p, res)
		}
	}
}

func TestQueryAndPathInspected(t *testing.T) {
	rule := model.ValidationRule{BlockSQLi: true, BlockXSS: true}

	req := model.ClientRequest{Endpoint: "/search", Method: "GET", Query: url.Values{"q": {"1 or 1=1"}}}
	if res := Request(req, rule); res.Failure != model.ValidationSQLi {
		t.Errorf("query not inspected: %+v", res)
	}
	req = model.ClientRequest{Endpoint: "/p/%3Cscript%3E", Method: "GET"}
	if res := Request(req, rule); res.Failure != model.ValidationXSS {
		t.Errorf("escaped path not inspected: %+v", res)
	}
}

func TestEscapedJSONDecoded(t *testing.T) {
	// The raw body never contains '<', only its JSON escape.
	body := `{"comment":{"text":["\u003ciframe src=x\u003e"]}}`
	if res := Request(post(body), model.ValidationRule{BlockXSS: true}); res.Failure != model.ValidationXSS {
		t.Errorf("escaped JSON value not decoded: %+v", res)
	}
}

func TestSanitize(t *testing.T) {
	cases := map[string]string{
		`hello`:                        `hello`,
		`<b>bold</b>`:                  `bold`,
		`a<script>x()</script>b`:       `ab`,
		`<a href="javascript:x">y</a>`: `y`,
		`click onclick=steal() here`:   `click steal() here`,
		`1 < 2 and 3 > 2`:              `1 < 2 and 3 > 2`,
	}
	for in, want := range cases {
		if got := Sanitize(in); got != want {
			t.Errorf("Sanitize(%q) = %q, want %q", in, got, want)
		}
	}
}
