//go:build !monitoring
// +build !monitoring

package monitoring

import (
	"fmt"
	"time"

	"github.com/lightninglabs/csvwallet/walletcfg"
)

// ExportPrometheusMetrics is required for csvwallet to compile so that
// Prometheus metric exporting can be hidden behind a build tag.
func ExportPrometheusMetrics(_ walletcfg.Prometheus) error {
	return fmt.Errorf("csvwallet must be built with the monitoring tag " +
		"to enable exporting Prometheus metrics")
}

// IncrementIndexerRequest counts a request to the indexer when monitoring is
// enabled. This method no-ops as monitoring is disabled.
func IncrementIndexerRequest(_, _ string) {}

// ObserveScan records the duration and size of a finished scan when
// monitoring is enabled. This method no-ops as monitoring is disabled.
func ObserveScan(_ time.Duration, _ int) {}

// IncrementBroadcast counts a broadcast attempt by outcome when monitoring is
// enabled. This method no-ops as monitoring is disabled.
func IncrementBroadcast(_ string) {}

// SetBalance records the current wallet balance when monitoring is enabled.
// This method no-ops as monitoring is disabled.
func SetBalance(_, _ int64) {}
