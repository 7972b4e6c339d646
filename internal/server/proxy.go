package server

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/rs/zerolog"
)

// NewProxy returns a reverse proxy to upstream. Upstream failures answer 502.
func NewProxy(upstream string, log zerolog.Logger) (http.Handler, error) {
	target, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("parse upstream URL: %w", err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("upstream URL %q must be http or https", upstream)
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Warn().Err(err).Str("endpoint", r.URL.Path).Str("request_id", r.Header.Get(HeaderRequestID)).
			Msg("upstream request failed")
		writeError(w, http.StatusBadGateway, "bad gateway", "")
	}
	return proxy, nil
}

// DecisionOnly answers admitted requests with 204 and no upstream call, so
// the gateway can sit behind another proxy's auth-request hook.
func DecisionOnly() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}
