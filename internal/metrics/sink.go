package metrics

// Sink receives the per-request counters the gateway maintains.
// Implementations must be safe for concurrent use and must not block.
type Sink interface {
	IncRequest(endpoint string, allowed bool)
	IncBlocked(reason string)
	IncKeyUsage(keyID string)
}

// PromSink records into the package-level Prometheus collectors.
type PromSink struct{}

func verdict(allowed bool) string {
	if allowed {
		return "allowed"
	}
	return "denied"
}

func (PromSink) IncRequest(endpoint string, allowed bool) {
	RequestsTotal.WithLabelValues(endpoint, verdict(allowed)).Inc()
}

func (PromSink) IncBlocked(reason string) {
	RequestsBlocked.WithLabelValues(reason).Inc()
}

func (PromSink) IncKeyUsage(keyID string) {
	APIKeyUsage.WithLabelValues(keyID).Inc()
}

// Multi fans out to several sinks.
type Multi []Sink

func (m Multi) IncRequest(endpoint string, allowed bool) {
	for _, s := range m {
		s.IncRequest(endpoint, allowed)
	}
}

func (m Multi) IncBlocked(reason string) {
	for _, s := range m {
		s.IncBlocked(reason)
	}
}

func (m Multi) IncKeyUsage(keyID string) {
	for _, s := range m {
		s.IncKeyUsage(keyID)
	}
}

// Nop discards everything.
type Nop struct{}

func (Nop) IncRequest(string, bool) {}
func (Nop) IncBlocked(string)       {}
func (Nop) IncKeyUsage(string)      {}
