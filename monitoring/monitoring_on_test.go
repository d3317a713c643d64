//go:build monitoring
// +build monitoring

package monitoring

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// TestCollectors checks that the helpers feed the registered collectors.
func TestCollectors(t *testing.T) {
	IncrementIndexerRequest("tip_height", "ok")
	IncrementIndexerRequest("tip_height", "ok")
	require.Equal(t, 2.0, testutil.ToFloat64(
		indexerRequests.WithLabelValues("tip_height", "ok"),
	))

	before := testutil.ToFloat64(exploredScripts)
	ObserveScan(time.Second, 9)
	require.Equal(t, before+9, testutil.ToFloat64(exploredScripts))

	IncrementBroadcast("policy_not_satisfied")
	require.Equal(t, 1.0, testutil.ToFloat64(
		broadcasts.WithLabelValues("policy_not_satisfied"),
	))

	SetBalance(1_000_000, 500)
	require.Equal(t, 1e6, testutil.ToFloat64(
		balance.WithLabelValues("confirmed"),
	))
	require.Equal(t, 500.0, testutil.ToFloat64(
		balance.WithLabelValues("unconfirmed"),
	))
}
