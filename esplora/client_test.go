package esplora

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/require"
)

const testURL = "http://esplora.test"

// newTestClient returns a client whose requests are served by a mock
// transport.
func newTestClient(t *testing.T) (*Client, *httpmock.MockTransport) {
	t.Helper()

	client := NewClient(&ClientConfig{
		URL:            testURL,
		RequestTimeout: time.Second,
		MaxRetries:     2,
		RetryBackoff:   time.Millisecond,
	})

	transport := httpmock.NewMockTransport()
	client.httpClient.Transport = transport

	return client, transport
}

func testTxID(i int) string {
	return fmt.Sprintf("%064x", i)
}

// historyPage returns numMempool unconfirmed followed by numConfirmed
// confirmed txs, numbered from first.
func historyPage(first, numMempool, numConfirmed int) []*TxInfo {
	var page []*TxInfo
	for i := 0; i < numMempool+numConfirmed; i++ {
		tx := &TxInfo{TxID: testTxID(first + i)}
		if i >= numMempool {
			tx.Status = TxStatus{
				Confirmed:   true,
				BlockHeight: int64(1000 - first - i),
			}
		}
		page = append(page, tx)
	}

	return page
}

// TestGetTipHeight checks the tip height parsing.
func TestGetTipHeight(t *testing.T) {
	t.Parallel()

	client, transport := newTestClient(t)
	transport.RegisterResponder(
		http.MethodGet, testURL+"/blocks/tip/height",
		httpmock.NewStringResponder(http.StatusOK, "123\n").
			Then(httpmock.NewStringResponder(http.StatusOK, "tip")),
	)

	height, err := client.GetTipHeight(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(123), height)

	_, err = client.GetTipHeight(context.Background())
	require.ErrorIs(t, err, ErrMalformedResponse)
}

// TestRequestRetries checks that transport failures and server errors are
// retried, while client errors are returned right away.
func TestRequestRetries(t *testing.T) {
	t.Parallel()

	const route = "GET " + testURL + "/blocks/tip/height"

	testCases := []struct {
		name      string
		responder httpmock.Responder
		calls     int
		check     func(t *testing.T, height int64, err error)
	}{
		{
			name: "transport failure exhausts retries",
			responder: httpmock.NewErrorResponder(
				errors.New("connection refused"),
			),
			calls: 3,
			check: func(t *testing.T, _ int64, err error) {
				require.ErrorIs(t, err, ErrNotConnected)
			},
		},
		{
			name: "transport failure then success",
			responder: httpmock.NewErrorResponder(
				errors.New("connection reset"),
			).Then(httpmock.NewStringResponder(http.StatusOK, "7")),
			calls: 2,
			check: func(t *testing.T, height int64, err error) {
				require.NoError(t, err)
				require.Equal(t, int64(7), height)
			},
		},
		{
			name: "server error then success",
			responder: httpmock.NewStringResponder(
				http.StatusServiceUnavailable, "busy",
			).Then(httpmock.NewStringResponder(http.StatusOK, "8")),
			calls: 2,
			check: func(t *testing.T, height int64, err error) {
				require.NoError(t, err)
				require.Equal(t, int64(8), height)
			},
		},
		{
			name: "server error exhausts retries",
			responder: httpmock.NewStringResponder(
				http.StatusInternalServerError, "boom",
			),
			calls: 3,
			check: func(t *testing.T, _ int64, err error) {
				var apiErr *APIError
				require.ErrorAs(t, err, &apiErr)
				require.True(t, apiErr.ServerError())
				require.Equal(t, "boom", apiErr.Body)
			},
		},
		{
			name: "client error is not retried",
			responder: httpmock.NewStringResponder(
				http.StatusBadRequest, "bad request",
			),
			calls: 1,
			check: func(t *testing.T, _ int64, err error) {
				var apiErr *APIError
				require.ErrorAs(t, err, &apiErr)
				require.False(t, apiErr.ServerError())
				require.NotErrorIs(t, err, ErrNotConnected)
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			client, transport := newTestClient(t)
			transport.RegisterResponder(
				http.MethodGet, testURL+"/blocks/tip/height",
				tc.responder,
			)

			height, err := client.GetTipHeight(context.Background())
			tc.check(t, height, err)
			require.Equal(
				t, tc.calls,
				transport.GetCallCountInfo()[route],
			)
		})
	}
}

// TestRequestContextCancel checks that a cancelled context stops the retry
// loop.
func TestRequestContextCancel(t *testing.T) {
	t.Parallel()

	client, transport := newTestClient(t)
	client.cfg.RetryBackoff = time.Hour
	transport.RegisterResponder(
		http.MethodGet, testURL+"/blocks/tip/height",
		httpmock.NewErrorResponder(errors.New("connection refused")),
	)

	ctx, cancel := context.WithTimeout(
		context.Background(), 50*time.Millisecond,
	)
	defer cancel()

	_, err := client.GetTipHeight(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestRequestRateLimit checks that requests beyond the configured rate wait
// for the limiter and give up with the context.
func TestRequestRateLimit(t *testing.T) {
	t.Parallel()

	transport := httpmock.NewMockTransport()
	client := NewClient(&ClientConfig{
		URL:               testURL,
		RequestTimeout:    time.Second,
		MaxRequestsPerSec: 0.5,
		Transport:         transport,
	})
	transport.RegisterResponder(
		http.MethodGet, testURL+"/blocks/tip/height",
		httpmock.NewStringResponder(http.StatusOK, "7"),
	)

	height, err := client.GetTipHeight(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 7, height)

	// The next token is two seconds away.
	ctx, cancel := context.WithTimeout(
		context.Background(), 50*time.Millisecond,
	)
	defer cancel()

	_, err = client.GetTipHeight(ctx)
	require.Error(t, err)
	require.Equal(t, 1, transport.GetTotalCallCount())
}

// TestScripthashPagination checks that the confirmed history is followed
// through the chain pages until a short page.
func TestScripthashPagination(t *testing.T) {
	t.Parallel()

	client, transport := newTestClient(t)

	const scripthash = "ab"
	base := testURL + "/scripthash/" + scripthash + "/txs"

	first := historyPage(0, 2, confirmedPageSize)
	second := historyPage(100, 0, confirmedPageSize)
	third := historyPage(200, 0, 3)

	transport.RegisterResponder(
		http.MethodGet, base, httpmock.NewJsonResponderOrPanic(
			http.StatusOK, first,
		),
	)
	transport.RegisterResponder(
		http.MethodGet, base+"/chain/"+first[len(first)-1].TxID,
		httpmock.NewJsonResponderOrPanic(http.StatusOK, second),
	)
	transport.RegisterResponder(
		http.MethodGet, base+"/chain/"+second[len(second)-1].TxID,
		httpmock.NewJsonResponderOrPanic(http.StatusOK, third),
	)

	txs, err := client.GetScripthashTxs(context.Background(), scripthash)
	require.NoError(t, err)
	require.Len(t, txs, 2+2*confirmedPageSize+3)
	require.Equal(t, testTxID(0), txs[0].TxID)
	require.Equal(t, testTxID(202), txs[len(txs)-1].TxID)
	require.Equal(t, 3, transport.GetTotalCallCount())
}

// TestScripthashPaginationLoop checks that a backend repeating the same page
// is caught instead of looping forever.
func TestScripthashPaginationLoop(t *testing.T) {
	t.Parallel()

	client, transport := newTestClient(t)

	page := historyPage(0, 0, confirmedPageSize)
	base := testURL + "/scripthash/cd/txs"
	transport.RegisterResponder(
		http.MethodGet, base,
		httpmock.NewJsonResponderOrPanic(http.StatusOK, page),
	)
	transport.RegisterResponder(
		http.MethodGet, base+"/chain/"+page[len(page)-1].TxID,
		httpmock.NewJsonResponderOrPanic(http.StatusOK, page),
	)

	_, err := client.GetScripthashTxs(context.Background(), "cd")
	require.ErrorIs(t, err, ErrMalformedResponse)
}

// TestBroadcast checks broadcasting and the classification of rejections.
func TestBroadcast(t *testing.T) {
	t.Parallel()

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{Sequence: 1})
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x51}))
	txHash := tx.TxHash()

	client, transport := newTestClient(t)
	transport.RegisterResponder(
		http.MethodPost, testURL+"/tx",
		httpmock.NewStringResponder(http.StatusOK, txHash.String()),
	)

	hash, err := client.BroadcastTx(context.Background(), tx)
	require.NoError(t, err)
	require.Equal(t, txHash, *hash)

	testCases := []struct {
		body         string
		nonFinal     bool
		alreadyKnown bool
	}{
		{
			body: "sendrawtransaction RPC error: {\"code\":-26," +
				"\"message\":\"non-BIP68-final\"}",
			nonFinal: true,
		},
		{
			body: "sendrawtransaction RPC error: {\"code\":-27," +
				"\"message\":\"txn-already-in-mempool\"}",
			alreadyKnown: true,
		},
		{
			body: "sendrawtransaction RPC error: {\"code\":-26," +
				"\"message\":\"mandatory-script-verify-flag-" +
				"failed\"}",
		},
	}

	for _, tc := range testCases {
		client, transport := newTestClient(t)
		transport.RegisterResponder(
			http.MethodPost, testURL+"/tx",
			httpmock.NewStringResponder(
				http.StatusBadRequest, tc.body,
			),
		)

		_, err := client.BroadcastTx(context.Background(), tx)

		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		require.Equal(t, tc.nonFinal, apiErr.NonFinal())
		require.Equal(t, tc.alreadyKnown, apiErr.AlreadyKnown())
		require.Equal(t, 1, transport.GetTotalCallCount())
	}
}

// TestGetTransaction checks a transaction lookup and the mapping of a 404.
func TestGetTransaction(t *testing.T) {
	t.Parallel()

	client, transport := newTestClient(t)
	transport.RegisterResponder(
		http.MethodGet, testURL+"/tx/"+testTxID(1),
		httpmock.NewStringResponder(
			http.StatusNotFound, "Transaction not found",
		),
	)

	_, err := client.GetTransaction(context.Background(), testTxID(1))
	require.ErrorIs(t, err, ErrTxNotFound)

	transport.RegisterResponder(
		http.MethodGet, testURL+"/tx/"+testTxID(2),
		httpmock.NewStringResponder(
			http.StatusOK, `{"txid":"`+testTxID(2)+`","status":`+
				`{"confirmed":true,"block_height":120}}`,
		),
	)

	info, err := client.GetTransaction(context.Background(), testTxID(2))
	require.NoError(t, err)
	require.Equal(t, testTxID(2), info.TxID)
	require.True(t, info.Status.Confirmed)
	require.EqualValues(t, 120, info.Status.BlockHeight)
}

// TestScriptHash checks the script hash format.
func TestScriptHash(t *testing.T) {
	t.Parallel()

	require.Equal(
		t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b"+
			"7852b855", ScriptHash(nil),
	)
}
