// metrics.go
package federation

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metric names mirror the domain vocabulary of spec.md rather than any
// internal type name, so a dashboard reader never needs to know the Go
// package layout behind them.
var (
	accountsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "federation_accounts_total",
			Help: "Total number of linked provider accounts by provider and status",
		},
		[]string{"provider", "status"},
	)

	canonicalEventsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "federation_canonical_events_total",
			Help: "Total number of canonical events tracked",
		},
	)

	mirrorsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "federation_mirrors_total",
			Help: "Total number of projected mirror events by state",
		},
		[]string{"state"},
	)

	schedulingSessionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "federation_scheduling_sessions_total",
			Help: "Total number of scheduling sessions by status",
		},
		[]string{"status"},
	)

	encryptionFailuresTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "federation_encryption_failures_total",
			Help: "Cumulative envelope decrypt failure count per account",
		},
		[]string{"account_id"},
	)

	syncConsumerLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "federation_sync_consumer_duration_seconds",
			Help:    "Time taken to process one sync queue message",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	writeConsumerLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "federation_write_consumer_duration_seconds",
			Help:    "Time taken to process one write queue message",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op", "outcome"},
	)

	schedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "federation_scheduling_latency_seconds",
			Help:    "Time taken to propose scheduling candidates for a session",
			Buckets: prometheus.DefBuckets,
		},
	)

	reconcileDiscrepanciesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "federation_reconcile_discrepancies_total",
			Help: "Total number of drift discrepancies found by the reconcile worker",
		},
		[]string{"account_id", "kind"},
	)

	channelRenewalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "federation_channel_renewals_total",
			Help: "Total number of watch channel / subscription renewals attempted",
		},
		[]string{"provider", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		accountsTotal,
		canonicalEventsTotal,
		mirrorsTotal,
		schedulingSessionsTotal,
		encryptionFailuresTotal,
		syncConsumerLatency,
		writeConsumerLatency,
		schedulingLatency,
		reconcileDiscrepanciesTotal,
		channelRenewalsTotal,
	)
}

// metricsCollector pulls point-in-time gauges straight out of the account
// and user-graph stores on each scrape (see refresh), the same way the reconcile worker pulls
// a fresh snapshot rather than tracking state incrementally.
type metricsCollector struct {
	accounts *AccountRegistry
	users    *UserGraphRegistry
}

func newMetricsCollector(accounts *AccountRegistry, users *UserGraphRegistry) *metricsCollector {
	return &metricsCollector{accounts: accounts, users: users}
}

// refresh re-derives every gauge from current store state. Called on each
// scrape rather than on a timer, so /metrics is always consistent with the
// databases at request time.
func (c *metricsCollector) refresh() error {
	counts, err := c.accounts.AccountCounts()
	if err != nil {
		return err
	}
	accountsTotal.Reset()
	for provider, byStatus := range counts {
		for status, n := range byStatus {
			accountsTotal.WithLabelValues(provider, status).Set(float64(n))
		}
	}

	mirrorCounts, err := c.users.MirrorCounts()
	if err != nil {
		return err
	}
	mirrorsTotal.Reset()
	for state, n := range mirrorCounts {
		mirrorsTotal.WithLabelValues(state).Set(float64(n))
	}

	sessionCounts, err := c.users.SessionCounts()
	if err != nil {
		return err
	}
	schedulingSessionsTotal.Reset()
	for status, n := range sessionCounts {
		schedulingSessionsTotal.WithLabelValues(status).Set(float64(n))
	}

	eventCount, err := c.users.CanonicalEventCount()
	if err != nil {
		return err
	}
	canonicalEventsTotal.Set(float64(eventCount))

	accountIDs, err := c.accounts.ListAllAccountIDs()
	if err != nil {
		return err
	}
	encryptionFailuresTotal.Reset()
	for _, id := range accountIDs {
		h, err := c.accounts.Get(id).getEncryptionHealth()
		if err != nil {
			continue
		}
		encryptionFailuresTotal.WithLabelValues(id).Set(float64(h.FailureCount))
	}

	return nil
}

// metricsHandler wraps promhttp.Handler with a refresh so a scrape always
// reflects current store state rather than whatever the last scrape saw.
func (s *Server) metricsHandler() http.Handler {
	collector := newMetricsCollector(s.accounts, s.users)
	inner := promhttp.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := collector.refresh(); err != nil {
			respondError(w, http.StatusInternalServerError, "metrics refresh failed: "+err.Error())
			return
		}
		inner.ServeHTTP(w, r)
	})
}
