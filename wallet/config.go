package wallet

import (
	"errors"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightninglabs/csvwallet/broadcast"
	"github.com/lightninglabs/csvwallet/chainfee"
	"github.com/lightninglabs/csvwallet/policy"
	"github.com/lightninglabs/csvwallet/scanner"
	"github.com/lightninglabs/csvwallet/signer"
	"github.com/lightninglabs/csvwallet/txbuilder"
	"github.com/lightningnetwork/lnd/clock"
)

const (
	// DefaultPollInterval is how often the chain tip is polled while
	// waiting for blocks.
	DefaultPollInterval = 10 * time.Second

	// DefaultConfTarget is the confirmation target used when a spend
	// leaves the fee rate to the estimator.
	DefaultConfTarget = 6
)

// Config holds everything a Wallet needs.
type Config struct {
	// Policy is the spending policy guarding every output of the wallet.
	Policy *policy.Policy

	// PrivKey is the key of the policy. A wallet without it is watch
	// only and can't create transactions.
	PrivKey *btcec.PrivateKey

	// NetParams are the parameters of the network the wallet runs on.
	NetParams *chaincfg.Params

	// ChainSource answers the scanner's history lookups.
	ChainSource scanner.ChainSource

	// Publisher submits signed transactions.
	Publisher broadcast.Publisher

	// FeeEstimator provides the fee rate of spends that don't set one.
	FeeEstimator chainfee.Estimator

	// ConfTarget is the confirmation target passed to the fee estimator.
	ConfTarget uint32

	// Scan configures the chain scanner.
	Scan *scanner.Config

	// Selector picks the inputs of a spend. SelectAll is used when it
	// is nil.
	Selector txbuilder.InputSelector

	// DustLimit raises the dust threshold of the outputs above the
	// relay policy's.
	DustLimit btcutil.Amount

	// PollInterval is how often the chain tip is polled while waiting
	// for blocks.
	PollInterval time.Duration

	// Clock timestamps the lifecycle of published transactions.
	Clock clock.Clock
}

// validate checks the config and fills in the defaults.
func (c *Config) validate() error {
	switch {
	case c.Policy == nil:
		return errors.New("policy must be set")

	case c.NetParams == nil:
		return errors.New("network parameters must be set")

	case c.ChainSource == nil:
		return errors.New("chain source must be set")

	case c.Publisher == nil:
		return errors.New("publisher must be set")

	case c.FeeEstimator == nil:
		return errors.New("fee estimator must be set")
	}

	if c.PrivKey != nil && !c.PrivKey.PubKey().IsEqual(c.Policy.PubKey()) {
		return signer.ErrKeyMismatch
	}

	if c.Scan == nil {
		c.Scan = scanner.DefaultConfig()
	}
	if err := c.Scan.Validate(); err != nil {
		return err
	}

	if c.ConfTarget == 0 {
		c.ConfTarget = DefaultConfTarget
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Clock == nil {
		c.Clock = clock.NewDefaultClock()
	}

	return nil
}
