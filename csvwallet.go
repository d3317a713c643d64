package csvwallet

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightninglabs/csvwallet/broadcast"
	"github.com/lightninglabs/csvwallet/build"
	"github.com/lightninglabs/csvwallet/chainfee"
	"github.com/lightninglabs/csvwallet/esplora"
	"github.com/lightninglabs/csvwallet/monitoring"
	"github.com/lightninglabs/csvwallet/policy"
	"github.com/lightninglabs/csvwallet/scanner"
	"github.com/lightninglabs/csvwallet/signal"
	"github.com/lightninglabs/csvwallet/txbuilder"
	"github.com/lightninglabs/csvwallet/wallet"
	"golang.org/x/term"
)

// ErrNoFunds is returned when the wallet has no confirmed balance to spend.
var ErrNoFunds = errors.New("no confirmed funds in wallet")

// Main is the true entry point for csvwallet. It compiles the policy, waits
// for a deposit to its address, spends part of it and publishes the spend
// once the relative timelock lets the network accept it.
func Main(cfg *Config, interceptor signal.Interceptor) error {
	if !cfg.LogFile.Disable {
		logFile := filepath.Join(
			cfg.LogDir, cfg.NetParams.Name, defaultLogFilename,
		)
		err := logRotator.InitLogRotator(cfg.LogFile, logFile)
		if err != nil {
			return err
		}
		defer logRotator.Close()
	}

	err := build.ParseAndSetDebugLevels(cfg.DebugLevel, logMgr)
	if err != nil {
		return err
	}

	log.Infof("Version: %s commit=%s, build=%s, logging=%s",
		build.Version(), build.Commit, build.Deployment,
		build.LoggingType)

	if cfg.Prometheus.Enabled() {
		err := monitoring.ExportPrometheusMetrics(cfg.Prometheus)
		if err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-interceptor.ShutdownChannel():
			cancel()
		case <-ctx.Done():
		}
	}()

	key, err := loadKey(cfg)
	if err != nil {
		return err
	}

	p, err := policy.Compile(key.PubKey(), cfg.Confirmations)
	if err != nil {
		return err
	}

	client := esplora.NewClient(&esplora.ClientConfig{
		URL:               cfg.Esplora.URL,
		RequestTimeout:    cfg.Esplora.RequestTimeout,
		MaxRetries:        cfg.Esplora.MaxRetries,
		MaxRequestsPerSec: cfg.Esplora.MaxRequestsPerSec,
	})

	var estimator chainfee.Estimator
	if cfg.Fee.UseEstimator() {
		estimator = esplora.NewFeeEstimator(
			client, esplora.DefaultFeeEstimatorConfig(),
		)
	} else {
		estimator = chainfee.NewStaticEstimator(
			chainfee.SatPerVByte(cfg.Fee.SatPerVByte), 1,
		)
	}

	w, err := wallet.New(&wallet.Config{
		Policy:       p,
		PrivKey:      key,
		NetParams:    cfg.NetParams,
		ChainSource:  esplora.NewChainSource(client),
		Publisher:    client,
		FeeEstimator: estimator,
		ConfTarget:   cfg.Fee.ConfTarget,
		Scan: &scanner.Config{
			StopGap:          cfg.Scan.StopGap,
			ParallelRequests: cfg.Scan.ParallelRequests,
		},
		PollInterval: cfg.Esplora.PollInterval,
	})
	if err != nil {
		return err
	}

	if err := w.Start(); err != nil {
		return err
	}
	defer func() {
		if err := w.Stop(); err != nil {
			log.Errorf("Unable to stop wallet: %v", err)
		}
	}()

	fmt.Println("Descriptor:", p.Descriptor())

	r := &runner{
		cfg:         cfg,
		wallet:      w,
		out:         os.Stdout,
		in:          bufio.NewReader(os.Stdin),
		interactive: term.IsTerminal(int(os.Stdin.Fd())),
	}

	return r.run(ctx)
}

// loadKey decodes the configured private key, or generates a new one.
func loadKey(cfg *Config) (*btcec.PrivateKey, error) {
	if cfg.PrivKey != "" {
		return decodePrivKey(cfg.PrivKey, cfg.NetParams)
	}

	key, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}

	wif, err := btcutil.NewWIF(key, cfg.NetParams, true)
	if err != nil {
		return nil, err
	}

	// The key only lives in this process, so print it to let the funds
	// be recovered.
	fmt.Println("Generated private key:", wif.String())

	return key, nil
}

// runner drives the deposit, spend and publish flow of a wallet.
type runner struct {
	cfg    *Config
	wallet *wallet.Wallet
	out    io.Writer
	in     *bufio.Reader

	// interactive is set when the user can be asked to press Enter.
	// Otherwise the runner polls the chain.
	interactive bool
}

func (r *runner) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(r.out, format, args...)
}

func (r *runner) run(ctx context.Context) error {
	if err := r.sync(ctx); err != nil {
		return err
	}

	addr, err := r.wallet.NextUnusedAddress()
	if err != nil {
		return err
	}
	r.printf("Deposit address: %v\n", addr)

	if err := r.waitForDeposit(ctx); err != nil {
		return err
	}

	signed, err := r.wallet.CreateTransaction(&wallet.SpendRequest{
		Recipient: r.recipient(),
		Amount:    r.amount(),
		FeeRate:   chainfee.SatPerVByte(r.cfg.Fee.SatPerVByte),
	})
	if err != nil {
		return err
	}

	r.printf("Signed transaction (hex): %s\n", signed.Hex())
	r.printf("Transaction ID: %v\n", signed.TxHash())
	r.printf("Fee: %v\n", signed.Fee())

	err = r.wallet.Broadcast(ctx, signed)
	switch {
	case err == nil:
		r.printf("Transaction published\n")
		return nil

	case errors.Is(err, broadcast.ErrPolicyNotSatisfied):
		r.printf("Transaction refused until the timelock of %d "+
			"blocks matures: %v\n", r.cfg.Confirmations, err)

	case broadcast.IsRetryable(err):
		r.printf("Unable to publish transaction, retrying: %v\n", err)

	default:
		return err
	}

	r.printf("Waiting for blocks to publish the transaction again...\n")

	// The deposit matures at most Confirmations blocks after the tip
	// seen when it was spent.
	maxBlocks := r.cfg.Confirmations + 1
	err = r.wallet.PublishWhenMature(ctx, signed, maxBlocks)
	if err != nil {
		return err
	}

	r.printf("Transaction published after the timelock matured\n")

	return nil
}

// sync scans the chain, printing the explored addresses.
func (r *runner) sync(ctx context.Context) error {
	r.printf("Syncing...")

	seen := make(map[scanner.KeychainKind]struct{})
	inspector := func(kind scanner.KeychainKind, index uint32, _ []byte) {
		if _, ok := seen[kind]; !ok {
			r.printf("\nScanning keychain [%v] ", kind)
			seen[kind] = struct{}{}
		}
		r.printf(" %-3d", index)
	}

	_, err := r.wallet.Sync(ctx, scanner.WithInspector(inspector))
	r.printf("\n")
	if err != nil {
		return err
	}

	r.printf("Balance: %v\n", r.wallet.Balance())

	return nil
}

// waitForDeposit syncs until the wallet holds a confirmed output. An
// interactive user is asked to press Enter once the deposit confirmed,
// otherwise the chain is polled block by block.
func (r *runner) waitForDeposit(ctx context.Context) error {
	for r.wallet.Balance().Confirmed == 0 {
		if r.interactive {
			r.printf("Please send some coins to the deposit " +
				"address, mine a block and press Enter to " +
				"continue...\n")

			if err := r.waitForEnter(ctx); err != nil {
				return err
			}
		} else {
			r.printf("Waiting for a confirmed deposit...\n")

			_, err := r.wallet.WaitForBlocks(ctx, 1)
			if err != nil {
				return err
			}
		}

		if err := r.sync(ctx); err != nil {
			return err
		}

		if r.wallet.Balance().Confirmed == 0 {
			r.printf("%v\n", ErrNoFunds)
		}
	}

	return nil
}

// waitForEnter blocks until a line is read or the context is done.
func (r *runner) waitForEnter(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		_, err := r.in.ReadString('\n')
		errChan <- err
	}()

	select {
	case err := <-errChan:
		return err

	case <-ctx.Done():
		return ctx.Err()
	}
}

// recipient returns the configured recipient. The address was validated
// when the config was loaded.
func (r *runner) recipient() btcutil.Address {
	addr, _ := btcutil.DecodeAddress(r.cfg.Recipient, r.cfg.NetParams)
	return addr
}

// amount returns the amount the recipient receives.
func (r *runner) amount() txbuilder.AmountSpec {
	switch {
	case r.cfg.Sweep:
		return txbuilder.SweepAll()

	case r.cfg.Amount > 0:
		return txbuilder.Exact(btcutil.Amount(r.cfg.Amount))

	default:
		return txbuilder.Fraction(1, 2)
	}
}
