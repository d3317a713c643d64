package esplora

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/jarcoal/httpmock"
	"github.com/lightninglabs/csvwallet/scanner"
	"github.com/stretchr/testify/require"
)

// TestChainSourceScriptTxs checks the conversion of a script history into
// wire types.
func TestChainSourceScriptTxs(t *testing.T) {
	t.Parallel()

	client, transport := newTestClient(t)
	src := NewChainSource(client)

	pkScript := []byte{0x00, 0x20, 0x01}
	history := []*TxInfo{
		{
			TxID: testTxID(1),
			Vin: []TxVin{
				{TxID: testTxID(9), Vout: 3},
				{IsCoinbase: true},
			},
			Vout: []TxVout{
				{
					ScriptPubKey: hex.EncodeToString(
						pkScript,
					),
					Value:        50_000,
				},
				{ScriptPubKey: "51", Value: 1_000},
			},
			Status: TxStatus{Confirmed: true, BlockHeight: 100},
		},
		{
			TxID: testTxID(2),
			Vin:  []TxVin{{TxID: testTxID(1), Vout: 0}},
		},
	}
	transport.RegisterResponder(
		http.MethodGet,
		testURL+"/scripthash/"+ScriptHash(pkScript)+"/txs",
		httpmock.NewJsonResponderOrPanic(http.StatusOK, history),
	)

	txs, err := src.ScriptTxs(context.Background(), pkScript)
	require.NoError(t, err)
	require.Len(t, txs, 2)

	hash1, err := chainhash.NewHashFromStr(testTxID(1))
	require.NoError(t, err)
	hash9, err := chainhash.NewHashFromStr(testTxID(9))
	require.NoError(t, err)

	funding := txs[0]
	require.Equal(t, *hash1, funding.Hash)
	require.Equal(t, []wire.OutPoint{{Hash: *hash9, Index: 3}},
		funding.Inputs)
	require.Len(t, funding.Outputs, 2)
	require.Equal(t, pkScript, funding.Outputs[0].PkScript)
	require.Equal(t, int64(50_000), funding.Outputs[0].Value)
	require.Equal(t, int32(100), funding.ConfHeight.UnwrapOr(-1))

	spend := txs[1]
	require.True(t, spend.ConfHeight.IsNone())
	require.Equal(t, []wire.OutPoint{{Hash: *hash1, Index: 0}},
		spend.Inputs)
}

// TestChainSourceErrors checks that client failures map onto the scan error
// kinds.
func TestChainSourceErrors(t *testing.T) {
	t.Parallel()

	pkScript := []byte{0x51}
	route := testURL + "/scripthash/" + ScriptHash(pkScript) + "/txs"

	testCases := []struct {
		name      string
		responder httpmock.Responder
		expected  error
	}{
		{
			name: "unreachable",
			responder: httpmock.NewErrorResponder(
				errors.New("connection refused"),
			),
			expected: scanner.ErrIndexerUnreachable,
		},
		{
			name: "server error",
			responder: httpmock.NewStringResponder(
				http.StatusBadGateway, "bad gateway",
			),
			expected: scanner.ErrIndexerUnreachable,
		},
		{
			name: "invalid json",
			responder: httpmock.NewStringResponder(
				http.StatusOK, "{not json",
			),
			expected: scanner.ErrMalformedResponse,
		},
		{
			name: "invalid script hex",
			responder: httpmock.NewJsonResponderOrPanic(
				http.StatusOK, []*TxInfo{{
					TxID: testTxID(1),
					Vout: []TxVout{{ScriptPubKey: "zz"}},
				}},
			),
			expected: scanner.ErrMalformedResponse,
		},
		{
			name: "invalid txid",
			responder: httpmock.NewJsonResponderOrPanic(
				http.StatusOK, []*TxInfo{{TxID: "nope"}},
			),
			expected: scanner.ErrMalformedResponse,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			client, transport := newTestClient(t)
			transport.RegisterResponder(
				http.MethodGet, route, tc.responder,
			)

			_, err := NewChainSource(client).ScriptTxs(
				context.Background(), pkScript,
			)
			require.ErrorIs(t, err, tc.expected)
		})
	}
}

// TestChainSourceTipHeight checks the tip height range check.
func TestChainSourceTipHeight(t *testing.T) {
	t.Parallel()

	client, transport := newTestClient(t)
	transport.RegisterResponder(
		http.MethodGet, testURL+"/blocks/tip/height",
		httpmock.NewStringResponder(http.StatusOK, "812").Then(
			httpmock.NewStringResponder(http.StatusOK, "-1"),
		),
	)

	src := NewChainSource(client)

	height, err := src.TipHeight(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(812), height)

	_, err = src.TipHeight(context.Background())
	require.ErrorIs(t, err, scanner.ErrMalformedResponse)
}
