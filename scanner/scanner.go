package scanner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/csvwallet/monitoring"
	"github.com/lightningnetwork/lnd/fn/v2"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrIndexerUnreachable is returned when the indexer could not be
	// reached, or failed while answering.
	ErrIndexerUnreachable = errors.New("indexer unreachable")

	// ErrMalformedResponse is returned when the indexer answered with data
	// that doesn't describe a valid transaction history.
	ErrMalformedResponse = errors.New("malformed indexer response")
)

// KeychainKind identifies a keychain of the wallet.
type KeychainKind uint8

const (
	// KeychainExternal holds the scripts handed out for deposits.
	KeychainExternal KeychainKind = iota

	// KeychainInternal holds change scripts.
	KeychainInternal
)

// String returns a human readable name of the keychain.
func (k KeychainKind) String() string {
	switch k {
	case KeychainExternal:
		return "external"
	case KeychainInternal:
		return "internal"
	default:
		return fmt.Sprintf("keychain(%d)", uint8(k))
	}
}

// Keychain derives the output scripts of a wallet by index.
type Keychain interface {
	// ScriptAt returns the output script at the given index.
	ScriptAt(index uint32) ([]byte, error)

	// MaxIndex returns the highest index the keychain can derive.
	MaxIndex() uint32
}

// ChainTx is a transaction as reported by the indexer for a script history.
type ChainTx struct {
	// Hash is the txid.
	Hash chainhash.Hash

	// Inputs are the outpoints spent by the transaction, in input order.
	Inputs []wire.OutPoint

	// Outputs are the outputs created by the transaction, in output
	// order.
	Outputs []*wire.TxOut

	// ConfHeight is the height of the block that confirmed the
	// transaction, if any.
	ConfHeight fn.Option[int32]
}

// ChainSource is the view of the indexer the scanner needs.
type ChainSource interface {
	// TipHeight returns the height of the best block.
	TipHeight(ctx context.Context) (int32, error)

	// ScriptTxs returns every transaction that pays to or spends from the
	// given output script, confirmed or not.
	ScriptTxs(ctx context.Context, pkScript []byte) ([]*ChainTx, error)
}

// Cursor tells the scanner where to resume a keychain. Indices in Revisit
// were active in an earlier scan and are queried again unconditionally so that
// spends of their outputs are picked up. The stop-gap walk starts at
// StartIndex.
type Cursor struct {
	StartIndex uint32
	Revisit    []uint32
}

// OutPointSet is a set of outpoints.
type OutPointSet map[wire.OutPoint]struct{}

// Output is an output paying to one of the scanned scripts.
type Output struct {
	OutPoint   wire.OutPoint
	Value      btcutil.Amount
	PkScript   []byte
	Keychain   KeychainKind
	Index      uint32
	ConfHeight fn.Option[int32]
}

// Result holds everything a scan learned. It is only ever returned complete,
// a failing scan yields no Result at all.
type Result struct {
	// ActiveIndices are the indices with any history, per keychain, in
	// ascending order.
	ActiveIndices map[KeychainKind][]uint32

	// NewUtxos are the outputs paying to a scanned script that are not
	// spent by any transaction seen in the scan.
	NewUtxos []Output

	// SpentUtxos are the outpoints, either known beforehand or found in
	// the scan, that are spent by a transaction seen in the scan.
	SpentUtxos []wire.OutPoint

	// TipHeight is the height of the best block when the scan started.
	TipHeight int32

	// Explored are all indices queried, per keychain, in query order.
	Explored map[KeychainKind][]uint32
}

// Inspector is called for each script right before it is queried.
type Inspector func(kind KeychainKind, index uint32, pkScript []byte)

type scanOptions struct {
	inspector Inspector
}

// ScanOption modifies a single Scan call.
type ScanOption func(*scanOptions)

// WithInspector registers a hook that observes scan progress.
func WithInspector(inspector Inspector) ScanOption {
	return func(o *scanOptions) {
		o.inspector = inspector
	}
}

// scriptHistory is the history the indexer returned for a single script.
type scriptHistory struct {
	kind     KeychainKind
	index    uint32
	pkScript []byte
	txs      []*ChainTx
}

// Scanner discovers the on-chain activity of a set of keychains using the
// stop-gap rule.
type Scanner struct {
	cfg *Config
	src ChainSource
}

// New creates a new Scanner.
func New(cfg *Config, src ChainSource) *Scanner {
	return &Scanner{
		cfg: cfg,
		src: src,
	}
}

// Scan queries the history of every keychain and classifies what it finds
// into new and spent outputs. The known set holds the outpoints the caller
// already tracks, so their spends are reported too.
//
// Any indexer failure aborts the whole scan.
func (s *Scanner) Scan(ctx context.Context,
	keychains map[KeychainKind]Keychain, cursors map[KeychainKind]Cursor,
	known OutPointSet, opts ...ScanOption) (*Result, error) {

	if err := s.cfg.Validate(); err != nil {
		return nil, err
	}

	options := &scanOptions{}
	for _, opt := range opts {
		opt(options)
	}

	start := time.Now()

	tipHeight, err := s.src.TipHeight(ctx)
	if err != nil {
		return nil, classifyErr("tip height", err)
	}

	result := &Result{
		ActiveIndices: make(map[KeychainKind][]uint32),
		TipHeight:     tipHeight,
		Explored:      make(map[KeychainKind][]uint32),
	}

	kinds := make([]KeychainKind, 0, len(keychains))
	for kind := range keychains {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool {
		return kinds[i] < kinds[j]
	})

	var histories []*scriptHistory
	for _, kind := range kinds {
		h, err := s.scanKeychain(
			ctx, kind, keychains[kind], cursors[kind], options,
		)
		if err != nil {
			return nil, err
		}

		for _, history := range h {
			result.Explored[kind] = append(
				result.Explored[kind], history.index,
			)

			if len(history.txs) > 0 {
				result.ActiveIndices[kind] = append(
					result.ActiveIndices[kind],
					history.index,
				)
			}
		}
		sortIndices(result.ActiveIndices[kind])

		histories = append(histories, h...)
	}

	result.NewUtxos, result.SpentUtxos = classify(histories, known)

	var explored int
	for _, indices := range result.Explored {
		explored += len(indices)
	}
	monitoring.ObserveScan(time.Since(start), explored)

	log.Debugf("Scan finished at tip %d: explored=%d, new=%d, spent=%d",
		tipHeight, explored, len(result.NewUtxos),
		len(result.SpentUtxos))

	return result, nil
}

// scanKeychain queries the revisit indices of a keychain, then walks it from
// the cursor's start index until the stop gap is reached.
func (s *Scanner) scanKeychain(ctx context.Context, kind KeychainKind,
	keychain Keychain, cursor Cursor,
	options *scanOptions) ([]*scriptHistory, error) {

	maxIndex := uint64(keychain.MaxIndex())

	revisit := make([]uint32, 0, len(cursor.Revisit))
	seen := make(map[uint32]struct{}, len(cursor.Revisit))
	for _, index := range cursor.Revisit {
		if index >= cursor.StartIndex || uint64(index) > maxIndex {
			continue
		}
		if _, ok := seen[index]; ok {
			continue
		}
		seen[index] = struct{}{}
		revisit = append(revisit, index)
	}
	sortIndices(revisit)

	histories, err := s.fetchBatch(ctx, kind, keychain, revisit, options)
	if err != nil {
		return nil, err
	}

	var (
		next           = uint64(cursor.StartIndex)
		emptyInARow    int
		stopGap        = s.cfg.StopGap
		maxConcurrency = s.cfg.ParallelRequests
	)
	for emptyInARow < stopGap && next <= maxIndex {
		// Never ask for more scripts than it takes to reach the stop
		// gap should all of them turn out empty.
		batchSize := min(maxConcurrency, stopGap-emptyInARow)
		batchSize = int(min(uint64(batchSize), maxIndex-next+1))

		batch := make([]uint32, batchSize)
		for i := range batch {
			batch[i] = uint32(next) + uint32(i)
		}

		results, err := s.fetchBatch(
			ctx, kind, keychain, batch, options,
		)
		if err != nil {
			return nil, err
		}

		for _, history := range results {
			if len(history.txs) > 0 {
				emptyInARow = 0
			} else {
				emptyInARow++
			}
		}

		histories = append(histories, results...)
		next += uint64(batchSize)
	}

	log.Tracef("Keychain %v scanned up to index %d", kind, next)

	return histories, nil
}

// fetchBatch queries the history of the given indices concurrently. Each
// worker writes to its own slot, so the results come back in index order.
func (s *Scanner) fetchBatch(ctx context.Context, kind KeychainKind,
	keychain Keychain, indices []uint32,
	options *scanOptions) ([]*scriptHistory, error) {

	if len(indices) == 0 {
		return nil, nil
	}

	results := make([]*scriptHistory, len(indices))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.ParallelRequests)

	for i, index := range indices {
		pkScript, err := keychain.ScriptAt(index)
		if err != nil {
			// Let the workers already running wind down first.
			_ = g.Wait()

			return nil, fmt.Errorf("unable to derive %v script "+
				"%d: %w", kind, index, err)
		}

		if options.inspector != nil {
			options.inspector(kind, index, pkScript)
		}

		g.Go(func() error {
			txs, err := s.src.ScriptTxs(gCtx, pkScript)
			if err != nil {
				return classifyErr(
					fmt.Sprintf("%v index %d", kind, index),
					err,
				)
			}

			if err := validateHistory(txs); err != nil {
				return fmt.Errorf("%v index %d: %w", kind,
					index, err)
			}

			results[i] = &scriptHistory{
				kind:     kind,
				index:    index,
				pkScript: pkScript,
				txs:      txs,
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}

// validateHistory checks the shape of a script history.
func validateHistory(txs []*ChainTx) error {
	for _, tx := range txs {
		if tx == nil {
			return fmt.Errorf("%w: nil transaction",
				ErrMalformedResponse)
		}

		for _, txOut := range tx.Outputs {
			if txOut == nil {
				return fmt.Errorf("%w: nil output in %v",
					ErrMalformedResponse, tx.Hash)
			}
			if txOut.Value < 0 {
				return fmt.Errorf("%w: negative output value "+
					"in %v", ErrMalformedResponse, tx.Hash)
			}
		}
	}

	return nil
}

// classify turns the histories of all scanned scripts into new and spent
// outputs. Transactions are deduplicated by hash, since a transaction moving
// coins between two scanned scripts shows up in both histories.
func classify(histories []*scriptHistory,
	known OutPointSet) ([]Output, []wire.OutPoint) {

	type scriptRef struct {
		kind  KeychainKind
		index uint32
	}

	tracked := make(map[string]scriptRef, len(histories))
	txs := make(map[chainhash.Hash]*ChainTx)
	for _, history := range histories {
		tracked[string(history.pkScript)] = scriptRef{
			kind:  history.kind,
			index: history.index,
		}

		for _, tx := range history.txs {
			prev, ok := txs[tx.Hash]

			// The same transaction may have been seen unconfirmed
			// by one lookup and confirmed by a later one.
			if !ok || (prev.ConfHeight.IsNone() &&
				tx.ConfHeight.IsSome()) {

				txs[tx.Hash] = tx
			}
		}
	}

	candidates := make(map[wire.OutPoint]Output)
	spends := make(OutPointSet)
	for hash, tx := range txs {
		for i, txOut := range tx.Outputs {
			ref, ok := tracked[string(txOut.PkScript)]
			if !ok {
				continue
			}

			op := wire.OutPoint{Hash: hash, Index: uint32(i)}
			candidates[op] = Output{
				OutPoint:   op,
				Value:      btcutil.Amount(txOut.Value),
				PkScript:   txOut.PkScript,
				Keychain:   ref.kind,
				Index:      ref.index,
				ConfHeight: tx.ConfHeight,
			}
		}

		for _, prevOut := range tx.Inputs {
			spends[prevOut] = struct{}{}
		}
	}

	var (
		newUtxos []Output
		spent    []wire.OutPoint
	)
	for op, output := range candidates {
		if _, ok := spends[op]; ok {
			spent = append(spent, op)
			continue
		}

		newUtxos = append(newUtxos, output)
	}
	for op := range known {
		if _, ok := candidates[op]; ok {
			continue
		}
		if _, ok := spends[op]; ok {
			spent = append(spent, op)
		}
	}

	sort.Slice(newUtxos, func(i, j int) bool {
		return lessOutPoint(newUtxos[i].OutPoint, newUtxos[j].OutPoint)
	})
	sort.Slice(spent, func(i, j int) bool {
		return lessOutPoint(spent[i], spent[j])
	})

	return newUtxos, spent
}

// classifyErr maps a chain source failure onto the scan error kinds.
func classifyErr(what string, err error) error {
	switch {
	case errors.Is(err, ErrMalformedResponse),
		errors.Is(err, ErrIndexerUnreachable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):

		return fmt.Errorf("%s: %w", what, err)

	default:
		return fmt.Errorf("%s: %w: %v", what, ErrIndexerUnreachable,
			err)
	}
}

func lessOutPoint(a, b wire.OutPoint) bool {
	if c := bytes.Compare(a.Hash[:], b.Hash[:]); c != 0 {
		return c < 0
	}

	return a.Index < b.Index
}

func sortIndices(indices []uint32) {
	sort.Slice(indices, func(i, j int) bool {
		return indices[i] < indices[j]
	})
}
