//go:build monitoring
// +build monitoring

package monitoring

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/lightninglabs/csvwallet/walletcfg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "csvwallet"

var (
	started sync.Once

	indexerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "indexer_requests_total",
			Help:      "Requests sent to the indexer.",
		},
		[]string{"endpoint", "outcome"},
	)

	scanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Duration of complete chain scans.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		},
	)

	exploredScripts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "explored_scripts_total",
			Help:      "Scripts whose history was queried.",
		},
	)

	broadcasts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Broadcast attempts by outcome.",
		},
		[]string{"outcome"},
	)

	balance = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "balance_sats",
			Help:      "Wallet balance after the last sync.",
		},
		[]string{"state"},
	)
)

func init() {
	prometheus.MustRegister(
		indexerRequests, scanDuration, exploredScripts, broadcasts,
		balance,
	)
}

// ExportPrometheusMetrics launches the Prometheus exporter on the specified
// address.
func ExportPrometheusMetrics(cfg walletcfg.Prometheus) error {
	if !cfg.Enabled() {
		return errors.New("no prometheus listen address set")
	}

	started.Do(func() {
		log.Infof("Prometheus exporter started on %v/metrics",
			cfg.Listen)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			err := http.ListenAndServe(cfg.Listen, mux)
			if err != nil {
				log.Errorf("Prometheus exporter stopped: %v",
					err)
			}
		}()
	})

	return nil
}

// IncrementIndexerRequest counts a request to the indexer.
func IncrementIndexerRequest(endpoint, outcome string) {
	indexerRequests.WithLabelValues(endpoint, outcome).Inc()
}

// ObserveScan records the duration and size of a finished scan.
func ObserveScan(duration time.Duration, explored int) {
	scanDuration.Observe(duration.Seconds())
	exploredScripts.Add(float64(explored))
}

// IncrementBroadcast counts a broadcast attempt by outcome.
func IncrementBroadcast(outcome string) {
	broadcasts.WithLabelValues(outcome).Inc()
}

// SetBalance records the current wallet balance.
func SetBalance(confirmed, unconfirmed int64) {
	balance.WithLabelValues("confirmed").Set(float64(confirmed))
	balance.WithLabelValues("unconfirmed").Set(float64(unconfirmed))
}
