package model

import (
	"net/http"
	"net/url"
	"strings"
)

// Header names the gateway reads credentials from.
const (
	HeaderAuthorization = "Authorization"
	HeaderAPIKey        = "X-API-Key"
)

// ClientRequest is the admission view of one inbound call. It is never persisted.
type ClientRequest struct {
	IP       string
	Endpoint string
	Method   string
	Headers  map[string]string
	Body     []byte
	Query    url.Values
}

// Header returns the named header value, matching the name case-insensitively.
func (r ClientRequest) Header(name string) string {
	if v, ok := r.Headers[name]; ok {
		return v
	}
	if v, ok := r.Headers[http.CanonicalHeaderKey(name)]; ok {
		return v
	}
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// APIKey returns the trimmed X-API-Key header value.
func (r ClientRequest) APIKey() string {
	return strings.TrimSpace(r.Header(HeaderAPIKey))
}

// BearerToken returns the token of an "Authorization: Bearer <token>" header,
// or "" when the header is absent or uses another scheme.
func (r ClientRequest) BearerToken() string {
	h := strings.TrimSpace(r.Header(HeaderAuthorization))
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// Identity is the rate-limit subject: the API key when present, else the IP.
func (r ClientRequest) Identity() string {
	if k := r.APIKey(); k != "" {
		return "key:" + k
	}
	return "ip:" + r.IP
}

// DisplayIdentity is Identity with API key secrets shortened for logs and audit.
func (r ClientRequest) DisplayIdentity() string {
	if k := r.APIKey(); k != "" {
		if len(k) > 10 {
			k = k[:10] + "..."
		}
		return "key:" + k
	}
	return "ip:" + r.IP
}

// PermissionKey is the "METHOD:endpoint" lookup key used by authorization.
func (r ClientRequest) PermissionKey() string {
	return strings.ToUpper(r.Method) + ":" + r.Endpoint
}
