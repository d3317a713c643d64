package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/looplab/fsm"
)

// State is the lifecycle state of a transaction.
type State string

const (
	// StateBuilt is the state of a funded but unsigned transaction.
	StateBuilt State = "built"

	// StateSigned is the state of a signed transaction that wasn't
	// accepted yet. A transaction returns here after a network failure.
	StateSigned State = "signed"

	// StateRejectedPolicy is the state of a transaction the network
	// refused because its inputs haven't matured yet. It can be published
	// again once more blocks are mined.
	StateRejectedPolicy State = "rejected_policy"

	// StateAccepted is the terminal state of a transaction the network
	// accepted into its mempool.
	StateAccepted State = "accepted"

	// StateRejected is the terminal state of a transaction the network
	// refused for good. It has to be rebuilt.
	StateRejected State = "rejected"
)

const (
	eventSign         = "sign"
	eventRejectPolicy = "reject_policy"
	eventRetry        = "retry"
	eventAccept       = "accept"
	eventReject       = "reject"
)

// Transition is a state change of a tracked transaction.
type Transition struct {
	// From is the state left.
	From State

	// To is the state entered.
	To State

	// Time is when the transition happened.
	Time time.Time
}

// Tracker follows a single transaction through its lifecycle.
type Tracker struct {
	txid  chainhash.Hash
	clock clock.Clock

	// mu guards every field below, as well as the state machine, whose
	// callbacks run on the goroutine that holds it.
	mu          sync.Mutex
	machine     *fsm.FSM
	created     time.Time
	attempts    uint32
	lastAttempt time.Time
	lastErr     error
	history     []Transition
}

// NewTracker creates a tracker for a freshly built transaction.
func NewTracker(txid chainhash.Hash, clk clock.Clock) *Tracker {
	t := &Tracker{
		txid:    txid,
		clock:   clk,
		created: clk.Now(),
	}

	t.machine = fsm.NewFSM(
		string(StateBuilt),
		fsm.Events{
			{
				Name: eventSign,
				Src:  []string{string(StateBuilt)},
				Dst:  string(StateSigned),
			},
			{
				Name: eventRejectPolicy,
				Src:  []string{string(StateSigned)},
				Dst:  string(StateRejectedPolicy),
			},
			{
				Name: eventRetry,
				Src:  []string{string(StateRejectedPolicy)},
				Dst:  string(StateSigned),
			},
			{
				Name: eventAccept,
				Src:  []string{string(StateSigned)},
				Dst:  string(StateAccepted),
			},
			{
				Name: eventReject,
				Src:  []string{string(StateSigned)},
				Dst:  string(StateRejected),
			},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				t.history = append(t.history, Transition{
					From: State(e.Src),
					To:   State(e.Dst),
					Time: t.clock.Now(),
				})
			},
		},
	)

	return t
}

// TxID returns the id of the tracked transaction.
func (t *Tracker) TxID() chainhash.Hash {
	return t.txid
}

// State returns the current state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()

	return State(t.machine.Current())
}

// Attempts returns how many times the transaction was published.
func (t *Tracker) Attempts() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.attempts
}

// Created returns when the tracker was created.
func (t *Tracker) Created() time.Time {
	return t.created
}

// LastAttempt returns the time of the last publish attempt.
func (t *Tracker) LastAttempt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.lastAttempt
}

// LastError returns the outcome of the last publish attempt.
func (t *Tracker) LastError() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.lastErr
}

// History returns the transitions so far, oldest first.
func (t *Tracker) History() []Transition {
	t.mu.Lock()
	defer t.mu.Unlock()

	history := make([]Transition, len(t.history))
	copy(history, t.history)

	return history
}

// MarkSigned records that the transaction was signed. Marking a transaction
// that is already past the built state is a no-op.
func (t *Tracker) MarkSigned() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.machine.Current() != string(StateBuilt) {
		return nil
	}

	return t.machine.Event(context.Background(), eventSign)
}

// prepareAttempt moves a transaction waiting on its timelock back to the
// signed state, ready to be published again.
func (t *Tracker) prepareAttempt() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch State(t.machine.Current()) {
	case StateBuilt:
		return fmt.Errorf("transaction %v is not signed", t.txid)

	case StateRejectedPolicy:
		return t.machine.Event(context.Background(), eventRetry)

	default:
		return nil
	}
}

// recordAttempt records the classified outcome of a publish attempt.
func (t *Tracker) recordAttempt(err error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.attempts++
	t.lastAttempt = t.clock.Now()
	t.lastErr = err

	var event string
	switch {
	case err == nil:
		event = eventAccept

	case errors.Is(err, ErrPolicyNotSatisfied):
		event = eventRejectPolicy

	case errors.Is(err, ErrRejected):
		event = eventReject

	// A network failure says nothing about the transaction.
	default:
		return nil
	}

	return t.machine.Event(context.Background(), event)
}
