package esplora

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/csvwallet/scanner"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// ChainSource adapts a Client to the scanner.ChainSource interface, turning
// the JSON view of the API into wire types.
type ChainSource struct {
	client *Client
}

// Compile time check to ensure ChainSource implements scanner.ChainSource.
var _ scanner.ChainSource = (*ChainSource)(nil)

// NewChainSource creates a new ChainSource backed by the given client.
func NewChainSource(client *Client) *ChainSource {
	return &ChainSource{
		client: client,
	}
}

// TipHeight returns the height of the best block.
//
// NOTE: This is part of the scanner.ChainSource interface.
func (c *ChainSource) TipHeight(ctx context.Context) (int32, error) {
	height, err := c.client.GetTipHeight(ctx)
	if err != nil {
		return 0, mapErr(err)
	}

	if height < 0 || height > math.MaxInt32 {
		return 0, fmt.Errorf("%w: tip height %d out of range",
			scanner.ErrMalformedResponse, height)
	}

	return int32(height), nil
}

// ScriptTxs returns the full history of the given output script.
//
// NOTE: This is part of the scanner.ChainSource interface.
func (c *ChainSource) ScriptTxs(ctx context.Context,
	pkScript []byte) ([]*scanner.ChainTx, error) {

	infos, err := c.client.GetScripthashTxs(ctx, ScriptHash(pkScript))
	if err != nil {
		return nil, mapErr(err)
	}

	txs := make([]*scanner.ChainTx, 0, len(infos))
	for _, info := range infos {
		tx, err := toChainTx(info)
		if err != nil {
			return nil, fmt.Errorf("%w: %v",
				scanner.ErrMalformedResponse, err)
		}

		txs = append(txs, tx)
	}

	return txs, nil
}

// toChainTx converts the API form of a transaction.
func toChainTx(info *TxInfo) (*scanner.ChainTx, error) {
	if info == nil {
		return nil, errors.New("nil transaction")
	}

	hash, err := chainhash.NewHashFromStr(info.TxID)
	if err != nil {
		return nil, fmt.Errorf("txid %q: %w", info.TxID, err)
	}

	tx := &scanner.ChainTx{
		Hash:       *hash,
		Inputs:     make([]wire.OutPoint, 0, len(info.Vin)),
		Outputs:    make([]*wire.TxOut, 0, len(info.Vout)),
		ConfHeight: fn.None[int32](),
	}

	for _, vin := range info.Vin {
		// A coinbase input doesn't spend anything we could track.
		if vin.IsCoinbase {
			continue
		}

		prevHash, err := chainhash.NewHashFromStr(vin.TxID)
		if err != nil {
			return nil, fmt.Errorf("input of %v: %w", hash, err)
		}

		tx.Inputs = append(tx.Inputs, wire.OutPoint{
			Hash:  *prevHash,
			Index: vin.Vout,
		})
	}

	for i, vout := range info.Vout {
		pkScript, err := hex.DecodeString(vout.ScriptPubKey)
		if err != nil {
			return nil, fmt.Errorf("output %d of %v: %w", i, hash,
				err)
		}

		if vout.Value < 0 {
			return nil, fmt.Errorf("output %d of %v: negative "+
				"value %d", i, hash, vout.Value)
		}

		tx.Outputs = append(
			tx.Outputs, wire.NewTxOut(vout.Value, pkScript),
		)
	}

	if info.Status.Confirmed {
		if info.Status.BlockHeight < 0 ||
			info.Status.BlockHeight > math.MaxInt32 {

			return nil, fmt.Errorf("confirmed %v at invalid "+
				"height %d", hash, info.Status.BlockHeight)
		}

		tx.ConfHeight = fn.Some(int32(info.Status.BlockHeight))
	}

	return tx, nil
}

// mapErr maps client errors onto the scan error kinds.
func mapErr(err error) error {
	switch {
	case errors.Is(err, ErrMalformedResponse):
		return fmt.Errorf("%w: %v", scanner.ErrMalformedResponse, err)

	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):

		return err

	default:
		return fmt.Errorf("%w: %v", scanner.ErrIndexerUnreachable, err)
	}
}
