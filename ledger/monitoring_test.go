//go:build monitoring
// +build monitoring

package ledger

import (
	"strings"
	"testing"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// TestApplyBalanceGauge checks that Apply exports the balance it computed.
// It doesn't run in parallel as the gauge is global.
func TestApplyBalanceGauge(t *testing.T) {
	l := newTestLedger(100)
	l.Apply(testResult(
		120, []uint32{0, 1},
		testOutput(1, 0, 70_000, fn.Some[int32](100)),
		testOutput(2, 1, 3_000, fn.None[int32]()),
	))

	const expected = `
# HELP csvwallet_balance_sats Wallet balance after the last sync.
# TYPE csvwallet_balance_sats gauge
csvwallet_balance_sats{state="confirmed"} 70000
csvwallet_balance_sats{state="unconfirmed"} 3000
`
	err := testutil.GatherAndCompare(
		prometheus.DefaultGatherer, strings.NewReader(expected),
		"csvwallet_balance_sats",
	)
	require.NoError(t, err)
}
