package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/lightninglabs/csvwallet/broadcast"
	"github.com/lightninglabs/csvwallet/chainfee"
	"github.com/lightninglabs/csvwallet/ledger"
	"github.com/lightninglabs/csvwallet/policy"
	"github.com/lightninglabs/csvwallet/scanner"
	"github.com/lightninglabs/csvwallet/signer"
	"github.com/lightninglabs/csvwallet/txbuilder"
	"github.com/lightningnetwork/lnd/ticker"
)

var (
	// ErrWatchOnly is returned when a wallet without a private key is
	// asked to spend.
	ErrWatchOnly = errors.New("wallet is watch only")

	// ErrWalletShuttingDown is returned when the wallet is stopped while
	// waiting.
	ErrWalletShuttingDown = errors.New("wallet shutting down")
)

// SpendRequest describes a spend from the wallet.
type SpendRequest struct {
	// Recipient receives the amount.
	Recipient btcutil.Address

	// Amount is how much the recipient receives.
	Amount txbuilder.AmountSpec

	// FeeRate is the fee rate of the spend. Zero asks the fee estimator.
	FeeRate chainfee.SatPerVByte
}

// Wallet ties the components of the wallet together: it keeps the ledger in
// sync with the chain, builds and signs spends of the policy's outputs and
// publishes them.
type Wallet struct {
	started int32
	stopped int32

	cfg *Config

	keychain *policy.Keychain
	scanner  *scanner.Scanner
	ledger   *ledger.Ledger
	builder  *txbuilder.Builder
	client   *broadcast.Client

	// newTicker creates the ticker driving tip polls.
	newTicker func(time.Duration) ticker.Ticker

	// mu serializes syncs and spends, so a spend is always built from
	// the result of a complete scan.
	mu sync.Mutex

	quit chan struct{}
}

// New creates a wallet from the given config.
func New(cfg *Config) (*Wallet, error) {
	c := *cfg
	if err := c.validate(); err != nil {
		return nil, err
	}

	keychain := c.Policy.Keychain(c.NetParams)
	keychains := map[scanner.KeychainKind]scanner.Keychain{
		scanner.KeychainExternal: keychain,
	}

	return &Wallet{
		cfg:      &c,
		keychain: keychain,
		scanner:  scanner.New(c.Scan, c.ChainSource),
		ledger:   ledger.New(keychains),
		builder: txbuilder.New(&txbuilder.Config{
			Policy:    c.Policy,
			Selector:  c.Selector,
			DustLimit: c.DustLimit,
		}),
		client: broadcast.New(&broadcast.Config{
			Publisher: c.Publisher,
			Clock:     c.Clock,
		}),
		newTicker: func(d time.Duration) ticker.Ticker {
			return ticker.New(d)
		},
		quit: make(chan struct{}),
	}, nil
}

// Start starts the fee estimator.
func (w *Wallet) Start() error {
	if atomic.AddInt32(&w.started, 1) != 1 {
		return nil
	}

	log.Infof("Starting wallet for %v", w.cfg.Policy.Descriptor())

	return w.cfg.FeeEstimator.Start()
}

// Stop stops the fee estimator and aborts any wait in progress.
func (w *Wallet) Stop() error {
	if atomic.AddInt32(&w.stopped, 1) != 1 {
		return nil
	}

	log.Info("Stopping wallet")

	close(w.quit)

	return w.cfg.FeeEstimator.Stop()
}

// Policy returns the spending policy of the wallet.
func (w *Wallet) Policy() *policy.Policy {
	return w.cfg.Policy
}

// Sync scans the chain for the wallet's activity and commits the result to
// the ledger. A failed scan leaves the ledger untouched.
func (w *Wallet) Sync(ctx context.Context,
	opts ...scanner.ScanOption) (*scanner.Result, error) {

	w.mu.Lock()
	defer w.mu.Unlock()

	return w.sync(ctx, opts...)
}

func (w *Wallet) sync(ctx context.Context,
	opts ...scanner.ScanOption) (*scanner.Result, error) {

	result, err := w.scanner.Scan(
		ctx, w.ledger.Keychains(), w.ledger.Cursors(),
		w.ledger.KnownOutPoints(), opts...,
	)
	if err != nil {
		return nil, fmt.Errorf("unable to scan chain: %w", err)
	}

	w.ledger.Apply(result)

	balance := w.ledger.Balance()
	log.Infof("Synced to height %d: %d new, %d spent outputs, balance %v",
		result.TipHeight, len(result.NewUtxos), len(result.SpentUtxos),
		balance)

	return result, nil
}

// NextUnusedAddress returns the lowest address without observed activity.
// The address only advances once a sync sees it used.
func (w *Wallet) NextUnusedAddress() (btcutil.Address, error) {
	index, _, err := w.ledger.UnusedAddress(scanner.KeychainExternal)
	if err != nil {
		return nil, err
	}

	return w.keychain.AddressAt(index)
}

// Balance returns the balance as of the last sync.
func (w *Wallet) Balance() ledger.Balance {
	return w.ledger.Balance()
}

// Utxos returns the unspent outputs as of the last sync.
func (w *Wallet) Utxos() []ledger.Utxo {
	return w.ledger.Utxos()
}

// TipHeight returns the chain height seen by the last sync.
func (w *Wallet) TipHeight() int32 {
	return w.ledger.TipHeight()
}

// SpendableUtxos returns the confirmed outputs whose timelock has matured at
// the height of the last sync.
func (w *Wallet) SpendableUtxos() []ledger.Utxo {
	tipHeight := w.ledger.TipHeight()

	var spendable []ledger.Utxo
	for _, utxo := range w.ledger.ConfirmedUtxos() {
		confHeight := utxo.ConfHeight.UnwrapOr(tipHeight)
		if w.cfg.Policy.IsMature(confHeight, tipHeight) {
			spendable = append(spendable, utxo)
		}
	}

	return spendable
}

// CreateTransaction builds and signs a spend of the wallet's confirmed
// outputs. The transaction isn't published.
func (w *Wallet) CreateTransaction(
	req *SpendRequest) (*signer.SignedTransaction, error) {

	if w.cfg.PrivKey == nil {
		return nil, ErrWatchOnly
	}

	recipientScript, err := txscript.PayToAddrScript(req.Recipient)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient: %w", err)
	}

	feeRate, err := w.feeRate(req.FeeRate)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	unsigned, err := w.builder.Build(w.ledger.Utxos(), &txbuilder.Request{
		RecipientScript: recipientScript,
		Amount:          req.Amount,
		FeeRate:         feeRate,
	})
	if err != nil {
		return nil, err
	}

	tracker := w.client.Track(unsigned.Tx().TxHash())

	signed, err := signer.Sign(unsigned, w.cfg.PrivKey, w.cfg.Policy)
	if err != nil {
		return nil, err
	}

	if err := tracker.MarkSigned(); err != nil {
		return nil, err
	}

	log.Infof("Created transaction %v paying %v to %v, fee %v",
		signed.TxHash(), unsigned.Amount, req.Recipient, signed.Fee())

	return signed, nil
}

// feeRate returns the requested fee rate, or the estimator's rate for the
// configured target when none was requested.
func (w *Wallet) feeRate(requested chainfee.SatPerVByte) (chainfee.SatPerVByte,
	error) {

	if requested != 0 {
		return requested, nil
	}

	feeRate, err := w.cfg.FeeEstimator.EstimateFeePerVByte(
		w.cfg.ConfTarget,
	)
	if err != nil {
		return 0, fmt.Errorf("unable to estimate fee: %w", err)
	}

	relayFee := w.cfg.FeeEstimator.RelayFeePerVByte()
	if feeRate < relayFee {
		feeRate = relayFee
	}

	log.Debugf("Using estimated fee rate %v for target %d", feeRate,
		w.cfg.ConfTarget)

	return feeRate, nil
}

// Broadcast publishes the signed transaction once. Errors match the kinds of
// the broadcast package.
func (w *Wallet) Broadcast(ctx context.Context,
	signed *signer.SignedTransaction) error {

	return w.client.Publish(ctx, signed)
}

// Tracker returns the lifecycle tracker of a transaction created by the
// wallet.
func (w *Wallet) Tracker(txid chainhash.Hash) (*broadcast.Tracker, bool) {
	return w.client.Tracker(txid)
}

// PublishWhenMature publishes the transaction, waiting for a new block and
// syncing again each time the network finds its timelock unsatisfied. It
// gives up once maxBlocks blocks were waited for. Network failures are
// retried after a poll interval.
func (w *Wallet) PublishWhenMature(ctx context.Context,
	signed *signer.SignedTransaction, maxBlocks uint32) error {

	var waited uint32
	for {
		err := w.Broadcast(ctx, signed)
		switch {
		case err == nil:
			return nil

		case errors.Is(err, broadcast.ErrPolicyNotSatisfied):
			if waited >= maxBlocks {
				return err
			}

			log.Infof("Waiting for a block before publishing %v "+
				"again", signed.TxHash())

			if _, err := w.WaitForBlocks(ctx, 1); err != nil {
				return err
			}
			waited++

			if _, err := w.Sync(ctx); err != nil {
				return err
			}

		case errors.Is(err, broadcast.ErrNetwork):
			select {
			case <-w.cfg.Clock.TickAfter(w.cfg.PollInterval):
			case <-ctx.Done():
				return ctx.Err()
			case <-w.quit:
				return ErrWalletShuttingDown
			}

		default:
			return err
		}
	}
}

// WaitForBlocks polls the chain tip until numBlocks blocks were mined on top
// of the current one and returns the new tip height.
func (w *Wallet) WaitForBlocks(ctx context.Context,
	numBlocks uint32) (int32, error) {

	startHeight, err := w.cfg.ChainSource.TipHeight(ctx)
	if err != nil {
		return 0, fmt.Errorf("unable to fetch tip height: %w", err)
	}

	return w.WaitForHeight(ctx, startHeight+int32(numBlocks))
}

// WaitForHeight polls the chain tip until it reaches the given height and
// returns the tip height.
func (w *Wallet) WaitForHeight(ctx context.Context,
	height int32) (int32, error) {

	t := w.newTicker(w.cfg.PollInterval)
	t.Resume()
	defer t.Stop()

	for {
		tipHeight, err := w.cfg.ChainSource.TipHeight(ctx)
		switch {
		case err != nil:
			log.Debugf("Unable to fetch tip height: %v", err)

		case tipHeight >= height:
			return tipHeight, nil

		default:
			log.Debugf("Tip at %d, waiting for %d", tipHeight,
				height)
		}

		select {
		case <-t.Ticks():
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-w.quit:
			return 0, ErrWalletShuttingDown
		}
	}
}
