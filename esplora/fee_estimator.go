package esplora

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightninglabs/csvwallet/chainfee"
	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// defaultFeeUpdateInterval is the default interval at which the fee
	// estimator will update its cached fee rates.
	defaultFeeUpdateInterval = 5 * time.Minute

	// defaultFeeRequestTimeout bounds a single fee estimate request.
	defaultFeeRequestTimeout = 30 * time.Second
)

// feeSource is the part of the Client the fee estimator uses.
type feeSource interface {
	GetFeeEstimates(ctx context.Context) (FeeEstimates, error)
}

// FeeEstimatorConfig holds the configuration for the Esplora fee estimator.
type FeeEstimatorConfig struct {
	// FallbackFeePerVByte is the fee rate to use when the API fails to
	// return a fee estimate.
	FallbackFeePerVByte chainfee.SatPerVByte

	// MinFeePerVByte is the minimum fee rate that should be used. Esplora
	// doesn't expose the relay fee of its node, so this also serves as
	// the relay fee.
	MinFeePerVByte chainfee.SatPerVByte

	// FeeUpdateInterval is the interval at which the fee estimator will
	// update its cached fee rates.
	FeeUpdateInterval time.Duration
}

// DefaultFeeEstimatorConfig returns a FeeEstimatorConfig with sensible
// defaults.
func DefaultFeeEstimatorConfig() *FeeEstimatorConfig {
	minFee := chainfee.AbsoluteFeePerKwFloor.FeePerVByte()

	return &FeeEstimatorConfig{
		FallbackFeePerVByte: 50,
		MinFeePerVByte:      minFee,
		FeeUpdateInterval:   defaultFeeUpdateInterval,
	}
}

// FeeEstimator is an implementation of the chainfee.Estimator interface that
// uses the /fee-estimates endpoint of an Esplora API.
type FeeEstimator struct {
	started int32
	stopped int32

	cfg *FeeEstimatorConfig

	client feeSource

	// newTicker creates the ticker driving cache updates.
	newTicker func(time.Duration) ticker.Ticker

	// feeCache stores the latest estimates keyed by confirmation target,
	// in ascending target order.
	feeCacheMtx sync.RWMutex
	feeCache    []targetFee

	quit chan struct{}
	wg   sync.WaitGroup
}

// targetFee is the fee rate estimated for a confirmation target.
type targetFee struct {
	target uint32
	fee    chainfee.SatPerVByte
}

// Compile time check to ensure FeeEstimator implements chainfee.Estimator.
var _ chainfee.Estimator = (*FeeEstimator)(nil)

// NewFeeEstimator creates a new Esplora-based fee estimator.
func NewFeeEstimator(client *Client,
	cfg *FeeEstimatorConfig) *FeeEstimator {

	return newFeeEstimator(client, cfg)
}

func newFeeEstimator(client feeSource,
	cfg *FeeEstimatorConfig) *FeeEstimator {

	if cfg == nil {
		cfg = DefaultFeeEstimatorConfig()
	}

	return &FeeEstimator{
		cfg:    cfg,
		client: client,
		newTicker: func(d time.Duration) ticker.Ticker {
			return ticker.New(d)
		},
		quit: make(chan struct{}),
	}
}

// Start signals the FeeEstimator to start any processes or goroutines it needs
// to perform its duty.
//
// NOTE: This is part of the chainfee.Estimator interface.
func (e *FeeEstimator) Start() error {
	if atomic.AddInt32(&e.started, 1) != 1 {
		return nil
	}

	log.Info("Starting Esplora fee estimator")

	// Do an initial fee cache update.
	if err := e.updateFeeCache(); err != nil {
		log.Warnf("Failed to update initial fee cache: %v", err)
	}

	t := e.newTicker(e.cfg.FeeUpdateInterval)
	t.Resume()

	e.wg.Add(1)
	go e.feeUpdateLoop(t)

	return nil
}

// Stop stops any spawned goroutines and cleans up the resources used by the
// fee estimator.
//
// NOTE: This is part of the chainfee.Estimator interface.
func (e *FeeEstimator) Stop() error {
	if atomic.AddInt32(&e.stopped, 1) != 1 {
		return nil
	}

	log.Info("Stopping Esplora fee estimator")

	close(e.quit)
	e.wg.Wait()

	return nil
}

// EstimateFeePerVByte takes in a target for the number of blocks until an
// initial confirmation and returns the estimated fee expressed in sat/vb. The
// estimate of the largest cached target not above numBlocks is used, which
// errs on the side of paying more.
//
// NOTE: This is part of the chainfee.Estimator interface.
func (e *FeeEstimator) EstimateFeePerVByte(
	numBlocks uint32) (chainfee.SatPerVByte, error) {

	if numBlocks == 0 {
		return 0, fmt.Errorf("confirmation target must be at least 1")
	}

	e.feeCacheMtx.RLock()
	cache := e.feeCache
	e.feeCacheMtx.RUnlock()

	// Not started yet, or the last update failed. Try fetching once.
	if len(cache) == 0 {
		if err := e.updateFeeCache(); err != nil {
			log.Debugf("Failed to fetch fee estimates: %v", err)

			return e.cfg.FallbackFeePerVByte, nil
		}

		e.feeCacheMtx.RLock()
		cache = e.feeCache
		e.feeCacheMtx.RUnlock()
	}

	fee := cache[0].fee
	for _, entry := range cache {
		if entry.target > numBlocks {
			break
		}
		fee = entry.fee
	}

	return fee, nil
}

// RelayFeePerVByte returns the minimum fee rate required for transactions to
// be relayed.
//
// NOTE: This is part of the chainfee.Estimator interface.
func (e *FeeEstimator) RelayFeePerVByte() chainfee.SatPerVByte {
	return e.cfg.MinFeePerVByte
}

// updateFeeCache replaces the cached estimates with a fresh set.
func (e *FeeEstimator) updateFeeCache() error {
	ctx, cancel := context.WithTimeout(
		context.Background(), defaultFeeRequestTimeout,
	)
	defer cancel()

	estimates, err := e.client.GetFeeEstimates(ctx)
	if err != nil {
		return fmt.Errorf("failed to get fee estimates: %w", err)
	}

	cache := make([]targetFee, 0, len(estimates))
	for targetStr, satPerVByte := range estimates {
		target, err := strconv.ParseUint(targetStr, 10, 32)
		if err != nil || target == 0 {
			log.Debugf("Ignoring fee estimate for target %q",
				targetStr)
			continue
		}

		if satPerVByte < 0 || math.IsNaN(satPerVByte) {
			continue
		}

		fee := chainfee.SatPerVByte(math.Ceil(satPerVByte))
		if fee < e.cfg.MinFeePerVByte {
			fee = e.cfg.MinFeePerVByte
		}

		cache = append(cache, targetFee{
			target: uint32(target),
			fee:    fee,
		})
	}

	if len(cache) == 0 {
		return fmt.Errorf("no usable fee estimates returned")
	}

	sort.Slice(cache, func(i, j int) bool {
		return cache[i].target < cache[j].target
	})

	e.feeCacheMtx.Lock()
	e.feeCache = cache
	e.feeCacheMtx.Unlock()

	log.Debugf("Updated fee cache with %d targets, next block: %v",
		len(cache), cache[0].fee)

	return nil
}

// feeUpdateLoop periodically updates the fee cache.
func (e *FeeEstimator) feeUpdateLoop(t ticker.Ticker) {
	defer e.wg.Done()
	defer t.Stop()

	for {
		select {
		case <-t.Ticks():
			if err := e.updateFeeCache(); err != nil {
				log.Debugf("Failed to update fee cache: %v",
					err)
			}

		case <-e.quit:
			return
		}
	}
}
