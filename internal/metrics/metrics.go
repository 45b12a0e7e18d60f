package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ordersync"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	vendorRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vendor_requests_total",
			Help:      "Vendor API calls by endpoint and HTTP status.",
		},
		[]string{"endpoint", "status"},
	)

	retries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retries by delay source (schedule or retry_after).",
		},
		[]string{"source"},
	)

	rateLimitWaits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_waits_total",
			Help:      "Times a caller waited for the next rate-limit window.",
		},
	)

	importOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "import_records_total",
			Help:      "Imported order records by outcome.",
		},
		[]string{"outcome"},
	)

	failedSyncTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failed_sync_transitions_total",
			Help:      "Failed sync record transitions by target status.",
		},
		[]string{"status"},
	)

	syncDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Duration of sync runs.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"success"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			vendorRequests,
			retries,
			rateLimitWaits,
			importOutcomes,
			failedSyncTransitions,
			syncDuration,
		)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

// IncVendorRequest records one vendor call. Status 0 means no response.
func IncVendorRequest(endpoint string, status int) {
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	vendorRequests.WithLabelValues(endpoint, label).Inc()
}

func IncRetry(source string) {
	retries.WithLabelValues(source).Inc()
}

func IncRateLimitWait() {
	rateLimitWaits.Inc()
}

// AddImportOutcome adds n records for outcome (created, updated, skipped, failed).
func AddImportOutcome(outcome string, n int) {
	if n <= 0 {
		return
	}
	importOutcomes.WithLabelValues(outcome).Add(float64(n))
}

func IncFailedSyncTransition(status string) {
	failedSyncTransitions.WithLabelValues(status).Inc()
}

func ObserveSync(d time.Duration, success bool) {
	syncDuration.WithLabelValues(strconv.FormatBool(success)).Observe(d.Seconds())
}
