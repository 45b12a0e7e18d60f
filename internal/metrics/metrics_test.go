package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndRecord(t *testing.T) {
	Register()
	Register()

	assert.NotPanics(t, func() {
		IncHTTP("POST /api/v1/sync")
		IncVendorRequest("orders/open", 429)
		IncVendorRequest("orders/open", 0)
		IncRetry("retry_after")
		IncRateLimitWait()
		AddImportOutcome("created", 3)
		AddImportOutcome("skipped", 0)
		IncFailedSyncTransition("exhausted")
		ObserveSync(3*time.Second, true)
	})

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	for _, want := range []string{
		"ordersync_http_requests_total",
		"ordersync_vendor_requests_total",
		"ordersync_retries_total",
		"ordersync_rate_limit_waits_total",
		"ordersync_import_records_total",
		"ordersync_failed_sync_transitions_total",
		"ordersync_sync_duration_seconds",
	} {
		assert.True(t, names[want], "missing metric family %s", want)
	}
}
