package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/csvwallet/esplora"
	"github.com/lightninglabs/csvwallet/logutil"
	"github.com/lightninglabs/csvwallet/monitoring"
	"github.com/lightninglabs/csvwallet/signer"
	"github.com/lightningnetwork/lnd/clock"
)

var (
	// ErrPolicyNotSatisfied is returned when the network refuses a
	// transaction because the relative timelock of its inputs hasn't
	// expired yet. The same transaction can be published again once more
	// blocks are mined.
	ErrPolicyNotSatisfied = errors.New("relative timelock not satisfied")

	// ErrNetwork is returned when the indexer couldn't be reached or
	// failed on its side. The same transaction can be published again.
	ErrNetwork = errors.New("network error")

	// ErrRejected is returned when the network refuses a transaction for
	// any other reason. The transaction has to be rebuilt.
	ErrRejected = errors.New("transaction rejected")
)

// IsRetryable reports whether publishing the same transaction again may
// succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPolicyNotSatisfied) ||
		errors.Is(err, ErrNetwork)
}

// Publisher submits transactions to the network.
type Publisher interface {
	// BroadcastTx publishes the transaction and returns its id.
	BroadcastTx(ctx context.Context, tx *wire.MsgTx) (*chainhash.Hash,
		error)

	// GetTransaction looks up a transaction the network knows. It returns
	// esplora.ErrTxNotFound for an unknown one.
	GetTransaction(ctx context.Context, txid string) (*esplora.TxInfo,
		error)
}

// Config holds the configuration of a Client.
type Config struct {
	// Publisher submits the transactions.
	Publisher Publisher

	// Clock is used to timestamp the lifecycle of the transactions.
	Clock clock.Clock
}

// Client publishes signed transactions and tracks their lifecycle. It never
// retries on its own: the caller publishes again after a retryable error,
// usually once a fresh scan has seen more blocks.
type Client struct {
	cfg *Config

	mu       sync.Mutex
	trackers map[chainhash.Hash]*Tracker
}

// New creates a Client from the given config.
func New(cfg *Config) *Client {
	c := *cfg
	if c.Clock == nil {
		c.Clock = clock.NewDefaultClock()
	}

	return &Client{
		cfg:      &c,
		trackers: make(map[chainhash.Hash]*Tracker),
	}
}

// Track returns the tracker of the transaction, creating it in the built
// state if it is unknown.
func (c *Client) Track(txid chainhash.Hash) *Tracker {
	c.mu.Lock()
	defer c.mu.Unlock()

	tracker, ok := c.trackers[txid]
	if !ok {
		tracker = NewTracker(txid, c.cfg.Clock)
		c.trackers[txid] = tracker
	}

	return tracker
}

// Tracker returns the tracker of a transaction published before.
func (c *Client) Tracker(txid chainhash.Hash) (*Tracker, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tracker, ok := c.trackers[txid]

	return tracker, ok
}

// Publish submits the signed transaction. A transaction the network already
// knows counts as accepted. Errors match ErrPolicyNotSatisfied, ErrNetwork or
// ErrRejected.
func (c *Client) Publish(ctx context.Context,
	signed *signer.SignedTransaction) error {

	txid := signed.TxHash()

	tracker := c.Track(txid)
	if err := tracker.MarkSigned(); err != nil {
		return err
	}

	switch tracker.State() {
	case StateAccepted:
		log.Debugf("Transaction %v already accepted", txid)
		return nil

	case StateRejected:
		return fmt.Errorf("%w: transaction %v was rejected before: %v",
			ErrRejected, txid, tracker.LastError())
	}

	if err := tracker.prepareAttempt(); err != nil {
		return err
	}

	log.Infof("Publishing transaction %v (attempt %d)", txid,
		tracker.Attempts()+1)

	_, err := c.cfg.Publisher.BroadcastTx(ctx, signed.Tx())
	if isAlreadyKnown(err) {
		err = c.confirmKnown(ctx, txid)
	} else {
		err = classify(err)
	}

	if trackErr := tracker.recordAttempt(err); trackErr != nil {
		log.Errorf("Unable to record attempt for %v: %v", txid,
			trackErr)
	}

	switch {
	case err == nil:
		log.Infof("Transaction %v accepted", txid)
		monitoring.IncrementBroadcast("accepted")

	case errors.Is(err, ErrPolicyNotSatisfied):
		log.Infof("Transaction %v not final yet: %v", txid, err)
		monitoring.IncrementBroadcast("policy")

	case errors.Is(err, ErrNetwork):
		log.Warnf("Unable to publish transaction %v: %v", txid, err)
		monitoring.IncrementBroadcast("network")

	default:
		log.Errorf("Transaction %v rejected: %v", txid, err)
		log.Debugf("Rejected %v", logutil.TxClosure(signed.Tx()))
		monitoring.IncrementBroadcast("rejected")
	}

	return err
}

// isAlreadyKnown reports whether the indexer refused the transaction because
// it has it already.
func isAlreadyKnown(err error) bool {
	var apiErr *esplora.APIError
	return errors.As(err, &apiErr) && apiErr.AlreadyKnown()
}

// confirmKnown looks up a transaction the indexer reported as already known.
// One it can't serve is a network error, so it gets published again.
func (c *Client) confirmKnown(ctx context.Context,
	txid chainhash.Hash) error {

	info, err := c.cfg.Publisher.GetTransaction(ctx, txid.String())
	switch {
	case errors.Is(err, esplora.ErrTxNotFound):
		return fmt.Errorf("%w: %v reported as known but not found",
			ErrNetwork, txid)

	case err != nil:
		return fmt.Errorf("%w: unable to look up %v: %w", ErrNetwork,
			txid, err)
	}

	log.Debugf("Transaction %v already known (confirmed=%v, height=%d)",
		txid, info.Status.Confirmed, info.Status.BlockHeight)

	return nil
}

// classify maps a publish failure onto the broadcast error kinds.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *esplora.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.AlreadyKnown():
			return nil

		case apiErr.NonFinal():
			return fmt.Errorf("%w: %v", ErrPolicyNotSatisfied,
				apiErr)

		case apiErr.ServerError():
			return fmt.Errorf("%w: %v", ErrNetwork, apiErr)

		default:
			return fmt.Errorf("%w: %v", ErrRejected, apiErr)
		}
	}

	// Anything that isn't an answer of the indexer is a failure to talk
	// to it, including a cancelled context.
	return fmt.Errorf("%w: %w", ErrNetwork, err)
}
