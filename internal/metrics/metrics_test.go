package metrics_test

import (
	"strings"
	"testing"

	"github.com/developingchet/admission-gateway/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var collectors = []struct {
	name string
	c    prometheus.Collector
}{
	{"admission_gateway_requests_total", metrics.RequestsTotal},
	{"admission_gateway_requests_blocked_total", metrics.RequestsBlocked},
	{"admission_gateway_api_key_usage_total", metrics.APIKeyUsage},
	{"admission_gateway_rate_limit_denied_total", metrics.RateLimitDenied},
	{"admission_gateway_rate_limit_identities", metrics.RateLimitIdentities},
	{"admission_gateway_alerts_fired_total", metrics.AlertsFired},
	{"admission_gateway_evaluate_duration_seconds", metrics.EvaluateDuration},
	{"admission_gateway_blacklist_size", metrics.BlacklistSize},
	{"admission_gateway_active_credentials", metrics.ActiveCredentials},
	{"admission_gateway_sweep_removed_total", metrics.SweepRemoved},
	{"admission_gateway_db_size_bytes", metrics.DBSizeBytes},
	{"admission_gateway_jobs_enqueued_total", metrics.JobsEnqueued},
	{"admission_gateway_jobs_dropped_total", metrics.JobsDropped},
	{"admission_gateway_jobs_processed_total", metrics.JobsProcessed},
	{"admission_gateway_worker_queue_depth", metrics.WorkerQueueDepth},
	{"admission_gateway_store_breaker_state", metrics.StoreBreakerState},
	{"admission_gateway_crowdsec_decisions_total", metrics.CrowdSecDecisions},
	{"admission_gateway_crowdsec_filtered_total", metrics.CrowdSecFiltered},
	{"admission_gateway_admin_requests_total", metrics.AdminRequests},
}

// TestMetricCollectorsLint verifies every collector is non-nil and passes
// Prometheus linting rules.
func TestMetricCollectorsLint(t *testing.T) {
	for _, tc := range collectors {
		t.Run(tc.name, func(t *testing.T) {
			if tc.c == nil {
				t.Fatal("collector is nil")
			}
			lintErrs, err := testutil.CollectAndLint(tc.c)
			if err != nil {
				t.Errorf("CollectAndLint gather error: %v", err)
			}
			if len(lintErrs) > 0 {
				t.Errorf("prometheus lint errors: %v", lintErrs)
			}
		})
	}
}

// TestMetricNamesAndHelp uses Describe() rather than Gather() so Vec metrics
// with no observations are checked too.
func TestMetricNamesAndHelp(t *testing.T) {
	for _, tc := range collectors {
		t.Run(tc.name, func(t *testing.T) {
			ch := make(chan *prometheus.Desc, 32)
			go func() {
				tc.c.Describe(ch)
				close(ch)
			}()

			found := false
			for d := range ch {
				s := d.String()
				if strings.Contains(s, `"`+tc.name+`"`) {
					found = true
					if strings.Contains(s, `help: ""`) {
						t.Errorf("descriptor for %s has an empty help string", tc.name)
					}
				}
			}
			if !found {
				t.Errorf("no descriptor named %q returned by Describe()", tc.name)
			}
		})
	}
}

func TestPromSink(t *testing.T) {
	var sink metrics.Sink = metrics.Multi{metrics.PromSink{}, metrics.Nop{}}

	before := testutil.ToFloat64(metrics.RequestsTotal.WithLabelValues("/sink-test", "denied"))
	sink.IncRequest("/sink-test", false)
	sink.IncRequest("/sink-test", true)
	after := testutil.ToFloat64(metrics.RequestsTotal.WithLabelValues("/sink-test", "denied"))
	if after-before != 1 {
		t.Errorf("denied counter delta = %v, want 1", after-before)
	}

	sink.IncBlocked("Blacklisted")
	sink.IncKeyUsage("key-sink-test")
	if got := testutil.ToFloat64(metrics.APIKeyUsage.WithLabelValues("key-sink-test")); got != 1 {
		t.Errorf("key usage = %v, want 1", got)
	}
}
