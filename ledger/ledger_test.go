package ledger

import (
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/csvwallet/scanner"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type testKeychain struct {
	maxIndex uint32
}

func (k *testKeychain) ScriptAt(index uint32) ([]byte, error) {
	if index > k.maxIndex {
		return nil, fmt.Errorf("index %d out of range", index)
	}

	return []byte(fmt.Sprintf("script-%d", index)), nil
}

func (k *testKeychain) MaxIndex() uint32 {
	return k.maxIndex
}

func newTestLedger(maxIndex uint32) *Ledger {
	return New(map[scanner.KeychainKind]scanner.Keychain{
		scanner.KeychainExternal: &testKeychain{maxIndex: maxIndex},
	})
}

func testOutput(seed byte, index uint32, value btcutil.Amount,
	confHeight fn.Option[int32]) scanner.Output {

	return scanner.Output{
		OutPoint:   wire.OutPoint{Hash: chainhash.Hash{seed}},
		Value:      value,
		PkScript:   []byte(fmt.Sprintf("script-%d", index)),
		Keychain:   scanner.KeychainExternal,
		Index:      index,
		ConfHeight: confHeight,
	}
}

func testResult(tip int32, explored []uint32,
	outputs ...scanner.Output) *scanner.Result {

	active := make(map[uint32]struct{})
	for _, output := range outputs {
		active[output.Index] = struct{}{}
	}

	res := &scanner.Result{
		ActiveIndices: make(map[scanner.KeychainKind][]uint32),
		NewUtxos:      outputs,
		TipHeight:     tip,
		Explored: map[scanner.KeychainKind][]uint32{
			scanner.KeychainExternal: explored,
		},
	}
	for _, index := range explored {
		if _, ok := active[index]; ok {
			res.ActiveIndices[scanner.KeychainExternal] = append(
				res.ActiveIndices[scanner.KeychainExternal],
				index,
			)
		}
	}

	return res
}

// TestApplyBalance checks the balance split after a scan.
func TestApplyBalance(t *testing.T) {
	t.Parallel()

	l := newTestLedger(100)
	require.Equal(t, Balance{}, l.Balance())

	l.Apply(testResult(
		120, []uint32{0, 1, 2, 3, 4, 5},
		testOutput(1, 0, 1_000_000, fn.Some[int32](100)),
		testOutput(2, 0, 50_000, fn.None[int32]()),
		testOutput(3, 1, 25_000, fn.Some[int32](119)),
	))

	balance := l.Balance()
	require.Equal(t, btcutil.Amount(1_025_000), balance.Confirmed)
	require.Equal(t, btcutil.Amount(50_000), balance.Unconfirmed)
	require.Zero(t, balance.Immature)
	require.Equal(t, btcutil.Amount(1_075_000), balance.Total())

	require.Equal(t, int32(120), l.TipHeight())
	require.Len(t, l.Utxos(), 3)

	confirmed := l.ConfirmedUtxos()
	require.Len(t, confirmed, 2)
	for _, utxo := range confirmed {
		require.True(t, utxo.Confirmed())
	}

	require.Len(t, l.KnownOutPoints(), 3)
}

// TestApplySpent checks that spent outputs leave the ledger.
func TestApplySpent(t *testing.T) {
	t.Parallel()

	l := newTestLedger(100)
	deposit := testOutput(1, 0, 1_000_000, fn.Some[int32](100))
	l.Apply(testResult(100, []uint32{0, 1, 2, 3, 4, 5}, deposit))

	// A later scan that explores other scripts only, but sees the spend
	// of the known deposit.
	spend := testResult(
		101, []uint32{6},
		testOutput(2, 6, 400_000, fn.None[int32]()),
	)
	spend.SpentUtxos = []wire.OutPoint{deposit.OutPoint}
	l.Apply(spend)

	utxos := l.Utxos()
	require.Len(t, utxos, 1)
	require.Equal(t, chainhash.Hash{2}, utxos[0].OutPoint.Hash)
	require.Equal(t, Balance{Unconfirmed: 400_000}, l.Balance())
}

// TestApplyReplacesExplored checks that outputs on an explored script that
// the scan no longer reports are dropped, while outputs on scripts the scan
// didn't touch are kept.
func TestApplyReplacesExplored(t *testing.T) {
	t.Parallel()

	l := newTestLedger(100)
	l.Apply(testResult(
		10, []uint32{0, 1},
		testOutput(1, 0, 1000, fn.None[int32]()),
		testOutput(2, 1, 2000, fn.Some[int32](9)),
	))

	// Only index 0 is explored again, and its unconfirmed output is gone.
	l.Apply(testResult(11, []uint32{0}))

	utxos := l.Utxos()
	require.Len(t, utxos, 1)
	require.Equal(t, uint32(1), utxos[0].KeychainIndex)

	// The confirmation of an output updates its height.
	l.Apply(testResult(
		12, []uint32{1}, testOutput(2, 1, 2000, fn.Some[int32](12)),
	))
	utxos = l.Utxos()
	require.Len(t, utxos, 1)
	require.Equal(t, int32(12), utxos[0].ConfHeight.UnwrapOr(0))
}

// TestApplyIdempotent checks that applying the same scan result twice has
// the same effect as applying it once, and that the balance always sums up
// to the value of the tracked outputs.
func TestApplyIdempotent(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		numOutputs := rapid.IntRange(0, 10).Draw(t, "numOutputs")

		var outputs []scanner.Output
		for i := 0; i < numOutputs; i++ {
			index := rapid.Uint32Range(0, 9).Draw(t, "index")
			value := rapid.Int64Range(1, 1e8).Draw(t, "value")

			conf := fn.None[int32]()
			if rapid.Bool().Draw(t, "confirmed") {
				conf = fn.Some(rapid.Int32Range(
					1, 1000,
				).Draw(t, "height"))
			}

			outputs = append(outputs, testOutput(
				byte(i), index, btcutil.Amount(value), conf,
			))
		}

		explored := make([]uint32, 15)
		for i := range explored {
			explored[i] = uint32(i)
		}
		res := testResult(1000, explored, outputs...)

		once := newTestLedger(100)
		once.Apply(res)

		twice := newTestLedger(100)
		twice.Apply(res)
		twice.Apply(res)

		require.Equal(t, once.Utxos(), twice.Utxos())
		require.Equal(t, once.Balance(), twice.Balance())
		require.Equal(
			t, once.Cursor(scanner.KeychainExternal),
			twice.Cursor(scanner.KeychainExternal),
		)

		var sum btcutil.Amount
		for _, utxo := range once.Utxos() {
			sum += utxo.Value
		}
		balance := once.Balance()
		require.Equal(t, sum, balance.Confirmed+balance.Unconfirmed)
	})
}

// TestApplySequence checks the ledger against a model over a random sequence
// of scans that deposit, spend and re-confirm outputs. The balance has to sum
// up to the value of the tracked outputs after every scan.
func TestApplySequence(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		var (
			l     = newTestLedger(100)
			model = make(map[wire.OutPoint]scanner.Output)
			tip   = int32(100)
			seed  byte
		)

		// atIndex returns the modelled outputs on a script.
		atIndex := func(index uint32) []scanner.Output {
			var outputs []scanner.Output
			for _, output := range model {
				if output.Index == index {
					outputs = append(outputs, output)
				}
			}

			return outputs
		}

		// pick returns a random modelled output.
		pick := func(label string) (scanner.Output, bool) {
			if len(model) == 0 {
				return scanner.Output{}, false
			}

			ops := make([]wire.OutPoint, 0, len(model))
			for op := range model {
				ops = append(ops, op)
			}
			sort.Slice(ops, func(i, j int) bool {
				return ops[i].Hash[0] < ops[j].Hash[0]
			})
			op := rapid.SampledFrom(ops).Draw(t, label)

			return model[op], true
		}

		numSteps := rapid.IntRange(1, 30).Draw(t, "numSteps")
		for i := 0; i < numSteps; i++ {
			tip++

			var res *scanner.Result
			switch rapid.IntRange(0, 2).Draw(t, "action") {
			// A new deposit, reported with the full history of its
			// script.
			case 0:
				seed++
				index := rapid.Uint32Range(0, 4).Draw(
					t, "index",
				)
				value := rapid.Int64Range(1, 1e8).Draw(
					t, "value",
				)

				conf := fn.None[int32]()
				if rapid.Bool().Draw(t, "confirmed") {
					conf = fn.Some(tip)
				}

				output := testOutput(
					seed, index, btcutil.Amount(value),
					conf,
				)
				model[output.OutPoint] = output
				res = testResult(
					tip, []uint32{index}, atIndex(index)...,
				)

			// The spend of a known output, seen from another
			// script.
			case 1:
				output, ok := pick("spent")
				res = testResult(tip, nil)
				if ok {
					delete(model, output.OutPoint)
					res.SpentUtxos = []wire.OutPoint{
						output.OutPoint,
					}
				}

			// A known output confirms, or drops back to the
			// mempool after a reorg.
			default:
				output, ok := pick("reconfirmed")
				if !ok {
					res = testResult(tip, nil)
					break
				}

				output.ConfHeight = fn.None[int32]()
				if rapid.Bool().Draw(t, "confirm") {
					output.ConfHeight = fn.Some(tip)
				}
				model[output.OutPoint] = output
				res = testResult(
					tip, []uint32{output.Index},
					atIndex(output.Index)...,
				)
			}

			l.Apply(res)

			var (
				sum      btcutil.Amount
				expected Balance
			)
			for _, utxo := range l.Utxos() {
				sum += utxo.Value
			}
			for _, output := range model {
				if output.ConfHeight.IsSome() {
					expected.Confirmed += output.Value
				} else {
					expected.Unconfirmed += output.Value
				}
			}

			balance := l.Balance()
			require.Equal(
				t, sum, balance.Confirmed+balance.Unconfirmed,
			)
			require.Equal(t, expected, balance)
			require.Len(t, l.Utxos(), len(model))
			require.Equal(t, tip, l.TipHeight())
		}
	})
}

// TestUnusedAddress checks the unused index selection.
func TestUnusedAddress(t *testing.T) {
	t.Parallel()

	l := newTestLedger(100)

	index, pkScript, err := l.UnusedAddress(scanner.KeychainExternal)
	require.NoError(t, err)
	require.Zero(t, index)
	require.Equal(t, []byte("script-0"), pkScript)

	l.Apply(testResult(
		10, []uint32{0, 1, 2, 3, 4, 5, 6, 7, 8},
		testOutput(1, 0, 1000, fn.None[int32]()),
		testOutput(2, 1, 1000, fn.None[int32]()),
		testOutput(3, 3, 1000, fn.None[int32]()),
	))

	index, pkScript, err = l.UnusedAddress(scanner.KeychainExternal)
	require.NoError(t, err)
	require.Equal(t, uint32(2), index)
	require.Equal(t, []byte("script-2"), pkScript)

	// Spending the outputs doesn't make the indices unused again.
	l.Apply(testResult(11, []uint32{0, 1, 3}))
	index, _, err = l.UnusedAddress(scanner.KeychainExternal)
	require.NoError(t, err)
	require.Equal(t, uint32(2), index)

	_, _, err = l.UnusedAddress(scanner.KeychainInternal)
	require.ErrorIs(t, err, ErrUnknownKeychain)
}

// TestUnusedAddressSingleIndex checks that a keychain with a single script
// keeps handing out that script once it is used.
func TestUnusedAddressSingleIndex(t *testing.T) {
	t.Parallel()

	l := newTestLedger(0)
	l.Apply(testResult(
		10, []uint32{0}, testOutput(1, 0, 1000, fn.None[int32]()),
	))

	index, pkScript, err := l.UnusedAddress(scanner.KeychainExternal)
	require.NoError(t, err)
	require.Zero(t, index)
	require.Equal(t, []byte("script-0"), pkScript)
}

// TestCursor checks the cursor derived from the used indices.
func TestCursor(t *testing.T) {
	t.Parallel()

	l := newTestLedger(100)
	require.Equal(t, scanner.Cursor{}, l.Cursor(scanner.KeychainExternal))

	l.Apply(testResult(
		10, []uint32{0, 1, 2, 3, 4, 5, 6, 7, 8},
		testOutput(1, 3, 1000, fn.None[int32]()),
		testOutput(2, 0, 1000, fn.None[int32]()),
	))

	require.Equal(t, scanner.Cursor{
		StartIndex: 4,
		Revisit:    []uint32{0, 3},
	}, l.Cursor(scanner.KeychainExternal))

	cursors := l.Cursors()
	require.Len(t, cursors, 1)
	require.Equal(
		t, uint32(4), cursors[scanner.KeychainExternal].StartIndex,
	)
}

// TestConcurrentReads checks that readers can run alongside Apply.
func TestConcurrentReads(t *testing.T) {
	t.Parallel()

	l := newTestLedger(100)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for j := 0; j < 100; j++ {
				balance := l.Balance()
				require.GreaterOrEqual(t, balance.Total(),
					btcutil.Amount(0))
				_ = l.Utxos()
				_, _, _ = l.UnusedAddress(
					scanner.KeychainExternal,
				)
			}
		}()
	}

	for i := 0; i < 100; i++ {
		l.Apply(testResult(
			int32(i), []uint32{0},
			testOutput(byte(i), 0, 1000, fn.Some(int32(i))),
		))
	}
	wg.Wait()

	require.Equal(t, Balance{Confirmed: 1000}, l.Balance())
}
