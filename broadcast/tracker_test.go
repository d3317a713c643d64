package broadcast

import (
	"fmt"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

// TestTrackerTransitions checks the state changes caused by each kind of
// publish outcome.
func TestTrackerTransitions(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		outcomes []error
		expected State
	}{
		{
			name:     "no attempt",
			expected: StateSigned,
		},
		{
			name:     "accepted",
			outcomes: []error{nil},
			expected: StateAccepted,
		},
		{
			name: "timelock then accepted",
			outcomes: []error{
				fmt.Errorf("%w: test", ErrPolicyNotSatisfied),
				nil,
			},
			expected: StateAccepted,
		},
		{
			name: "network failures",
			outcomes: []error{
				fmt.Errorf("%w: test", ErrNetwork),
				fmt.Errorf("%w: test", ErrNetwork),
			},
			expected: StateSigned,
		},
		{
			name: "waiting on timelock",
			outcomes: []error{
				fmt.Errorf("%w: test", ErrNetwork),
				fmt.Errorf("%w: test", ErrPolicyNotSatisfied),
			},
			expected: StateRejectedPolicy,
		},
		{
			name: "rejected",
			outcomes: []error{
				fmt.Errorf("%w: test", ErrPolicyNotSatisfied),
				fmt.Errorf("%w: test", ErrRejected),
			},
			expected: StateRejected,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			tracker := NewTracker(
				chainhash.Hash{1}, clock.NewDefaultClock(),
			)
			require.NoError(t, tracker.MarkSigned())

			for _, outcome := range tc.outcomes {
				require.NoError(t, tracker.prepareAttempt())
				err := tracker.recordAttempt(outcome)
				require.NoError(t, err)
			}

			require.Equal(t, tc.expected, tracker.State())
			require.EqualValues(
				t, len(tc.outcomes), tracker.Attempts(),
			)
		})
	}
}

// TestTrackerInvalidTransitions checks that a tracker refuses attempts that
// don't fit its state.
func TestTrackerInvalidTransitions(t *testing.T) {
	t.Parallel()

	testClock := clock.NewTestClock(time.Unix(1_700_000_000, 0))
	tracker := NewTracker(chainhash.Hash{2}, testClock)

	require.Equal(t, chainhash.Hash{2}, tracker.TxID())
	require.Empty(t, tracker.History())

	// A transaction can't be published before it is signed.
	require.Error(t, tracker.prepareAttempt())

	require.NoError(t, tracker.MarkSigned())
	require.NoError(t, tracker.MarkSigned())
	require.Len(t, tracker.History(), 1)

	// Nothing leaves the terminal states.
	require.NoError(t, tracker.recordAttempt(nil))
	require.Error(t, tracker.recordAttempt(nil))
	require.Error(t, tracker.recordAttempt(
		fmt.Errorf("%w: test", ErrRejected),
	))
	require.Equal(t, StateAccepted, tracker.State())

	history := tracker.History()
	require.Len(t, history, 2)
	require.Equal(t, Transition{
		From: StateSigned,
		To:   StateAccepted,
		Time: testClock.Now(),
	}, history[1])
}
