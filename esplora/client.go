package esplora

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/csvwallet/monitoring"
	"golang.org/x/time/rate"
)

const (
	// confirmedPageSize is the number of confirmed transactions Esplora
	// returns per page of a script history. A shorter page is the last
	// one.
	confirmedPageSize = 25

	// defaultRetryBackoff is the base delay between retried requests. The
	// n-th retry waits n times this long.
	defaultRetryBackoff = 100 * time.Millisecond
)

var (
	// ErrNotConnected is returned when the API is not reachable after all
	// retries were used up.
	ErrNotConnected = errors.New("esplora API not reachable")

	// ErrMalformedResponse is returned when the API answers with a body
	// that cannot be decoded into the expected shape.
	ErrMalformedResponse = errors.New("malformed esplora response")

	// ErrTxNotFound is returned when a transaction cannot be found.
	ErrTxNotFound = errors.New("transaction not found")
)

// ClientConfig holds the configuration for the Esplora client.
type ClientConfig struct {
	// URL is the base URL of the Esplora API (e.g., http://localhost:3002).
	URL string

	// RequestTimeout is the timeout for individual HTTP requests.
	RequestTimeout time.Duration

	// MaxRetries is the maximum number of retries for failed requests.
	MaxRetries int

	// RetryBackoff is the base delay between retries. Zero selects the
	// default.
	RetryBackoff time.Duration

	// MaxRequestsPerSec caps the rate of requests sent to the API, public
	// instances throttle busy clients. Zero disables the limit.
	MaxRequestsPerSec float64

	// Transport replaces the default HTTP transport when set.
	Transport http.RoundTripper
}

// APIError is returned when the API answered, but with a non-success status.
// The body carries the reason the backend gave, which for a broadcast is the
// node's mempool rejection reason.
type APIError struct {
	// StatusCode is the HTTP status of the response.
	StatusCode int

	// Body is the trimmed response body.
	Body string
}

// Error returns a human readable description of the rejection.
func (e *APIError) Error() string {
	return fmt.Sprintf("API returned status %d: %s", e.StatusCode, e.Body)
}

// ServerError reports whether the failure is on the server side, which makes
// the request worth retrying as is.
func (e *APIError) ServerError() bool {
	return e.StatusCode >= http.StatusInternalServerError ||
		e.StatusCode == http.StatusTooManyRequests
}

// NonFinal reports whether a broadcast was rejected because one of its inputs
// is still locked by a relative or absolute timelock.
func (e *APIError) NonFinal() bool {
	return strings.Contains(e.Body, "non-BIP68-final") ||
		strings.Contains(e.Body, "non-final")
}

// AlreadyKnown reports whether a broadcast was rejected only because the
// backend already has the transaction.
func (e *APIError) AlreadyKnown() bool {
	return strings.Contains(e.Body, "txn-already-in-mempool") ||
		strings.Contains(e.Body, "txn-already-known") ||
		strings.Contains(e.Body, "already known") ||
		strings.Contains(e.Body, "Transaction already in block chain")
}

// TxStatus represents transaction confirmation status.
type TxStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight int64  `json:"block_height,omitempty"`
	BlockHash   string `json:"block_hash,omitempty"`
	BlockTime   int64  `json:"block_time,omitempty"`
}

// TxInfo represents transaction information from the API.
type TxInfo struct {
	TxID     string   `json:"txid"`
	Version  int32    `json:"version"`
	LockTime uint32   `json:"locktime"`
	Size     int      `json:"size"`
	Weight   int      `json:"weight"`
	Fee      int64    `json:"fee"`
	Vin      []TxVin  `json:"vin"`
	Vout     []TxVout `json:"vout"`
	Status   TxStatus `json:"status"`
}

// TxVin represents a transaction input.
type TxVin struct {
	TxID       string   `json:"txid"`
	Vout       uint32   `json:"vout"`
	PrevOut    *TxVout  `json:"prevout,omitempty"`
	ScriptSig  string   `json:"scriptsig"`
	Witness    []string `json:"witness,omitempty"`
	Sequence   uint32   `json:"sequence"`
	IsCoinbase bool     `json:"is_coinbase"`
}

// TxVout represents a transaction output.
type TxVout struct {
	ScriptPubKey     string `json:"scriptpubkey"`
	ScriptPubKeyType string `json:"scriptpubkey_type"`
	ScriptPubKeyAddr string `json:"scriptpubkey_address,omitempty"`
	Value            int64  `json:"value"`
}

// FeeEstimates represents fee estimates from the API.
// Keys are confirmation targets (as strings), values are fee rates in sat/vB.
type FeeEstimates map[string]float64

// Client is an HTTP client for the Esplora REST API. It holds no state besides
// its configuration, so it is safe for concurrent use.
type Client struct {
	cfg *ClientConfig

	httpClient *http.Client

	// limiter paces requests, nil when unlimited.
	limiter *rate.Limiter
}

// NewClient creates a new Esplora client with the given configuration.
func NewClient(cfg *ClientConfig) *Client {
	c := &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: cfg.Transport,
		},
	}

	if cfg.MaxRequestsPerSec > 0 {
		c.limiter = rate.NewLimiter(
			rate.Limit(cfg.MaxRequestsPerSec), 1,
		)
	}

	return c
}

// ScriptHash returns the hash Esplora indexes an output script under: the
// hex encoded SHA256 of the script.
func ScriptHash(pkScript []byte) string {
	h := sha256.Sum256(pkScript)

	return hex.EncodeToString(h[:])
}

// retryDelay returns how long to wait before the given retry attempt.
func (c *Client) retryDelay(attempt int) time.Duration {
	backoff := c.cfg.RetryBackoff
	if backoff == 0 {
		backoff = defaultRetryBackoff
	}

	return time.Duration(attempt+1) * backoff
}

// doRequest performs an HTTP request with retries and returns the response
// body of a successful answer. Transport failures and server side errors are
// retried, any other status is returned right away as an *APIError.
func (c *Client) doRequest(ctx context.Context, endpoint, method,
	path string, body []byte) ([]byte, error) {

	url := c.cfg.URL + path

	var lastErr error
	for i := 0; i <= c.cfg.MaxRetries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryDelay(i - 1)):
			}
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		respBody, err := c.roundTrip(ctx, method, url, body)

		var apiErr *APIError
		switch {
		case err == nil:
			monitoring.IncrementIndexerRequest(endpoint, "ok")
			return respBody, nil

		case ctx.Err() != nil:
			return nil, ctx.Err()

		case errors.As(err, &apiErr) && !apiErr.ServerError():
			monitoring.IncrementIndexerRequest(endpoint, "rejected")
			return nil, err
		}

		monitoring.IncrementIndexerRequest(endpoint, "error")
		log.Debugf("Request %s %s failed (attempt %d/%d): %v", method,
			path, i+1, c.cfg.MaxRetries+1, err)

		lastErr = err
	}

	var apiErr *APIError
	if errors.As(lastErr, &apiErr) {
		return nil, lastErr
	}

	return nil, fmt.Errorf("%w: request failed after %d attempts: %v",
		ErrNotConnected, c.cfg.MaxRetries+1, lastErr)
}

// roundTrip performs a single HTTP request.
func (c *Client) roundTrip(ctx context.Context, method, url string,
	body []byte) ([]byte, error) {

	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "text/plain")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(respBody)),
		}
	}

	return respBody, nil
}

// doGet performs a GET request and returns the response body.
func (c *Client) doGet(ctx context.Context, endpoint,
	path string) ([]byte, error) {

	return c.doRequest(ctx, endpoint, http.MethodGet, path, nil)
}

// getJSON performs a GET request and decodes the JSON answer into v.
func (c *Client) getJSON(ctx context.Context, endpoint, path string,
	v any) error {

	body, err := c.doGet(ctx, endpoint, path)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedResponse, endpoint,
			err)
	}

	return nil
}

// GetTipHeight returns the current blockchain tip height.
func (c *Client) GetTipHeight(ctx context.Context) (int64, error) {
	body, err := c.doGet(ctx, "tip_height", "/blocks/tip/height")
	if err != nil {
		return 0, err
	}

	height, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to parse height: %v",
			ErrMalformedResponse, err)
	}

	return height, nil
}

// GetTransaction fetches transaction information by txid.
func (c *Client) GetTransaction(ctx context.Context,
	txid string) (*TxInfo, error) {

	var info TxInfo
	err := c.getJSON(ctx, "tx", "/tx/"+txid, &info)
	if isNotFound(err) {
		return nil, fmt.Errorf("%w: %s", ErrTxNotFound, txid)
	}
	if err != nil {
		return nil, err
	}

	return &info, nil
}

// GetScripthashTxs fetches the full transaction history of a script hash,
// mempool transactions first, followed by every confirmed page.
func (c *Client) GetScripthashTxs(ctx context.Context,
	scripthash string) ([]*TxInfo, error) {

	return c.getHistory(ctx, "scripthash_txs", "/scripthash/"+scripthash)
}

// getHistory walks the paginated history below the given resource. The first
// page holds the unconfirmed transactions plus the newest confirmed ones,
// older confirmed pages are requested through /txs/chain/:last_seen until a
// short page is returned.
func (c *Client) getHistory(ctx context.Context, endpoint,
	resource string) ([]*TxInfo, error) {

	var page []*TxInfo
	if err := c.getJSON(ctx, endpoint, resource+"/txs", &page); err != nil {
		return nil, err
	}

	var (
		history   = page
		confirmed = confirmedTxs(page)
		seen      = make(map[string]struct{})
	)
	for len(confirmed) >= confirmedPageSize {
		lastSeen := confirmed[len(confirmed)-1].TxID
		if _, ok := seen[lastSeen]; ok {
			return nil, fmt.Errorf("%w: %s: pagination loop at %s",
				ErrMalformedResponse, endpoint, lastSeen)
		}
		seen[lastSeen] = struct{}{}

		page = nil
		err := c.getJSON(
			ctx, endpoint, resource+"/txs/chain/"+lastSeen, &page,
		)
		if err != nil {
			return nil, err
		}

		log.Tracef("Fetched %d more txs of %s after %s", len(page),
			resource, lastSeen)

		history = append(history, page...)
		confirmed = confirmedTxs(page)
	}

	return history, nil
}

// confirmedTxs returns the confirmed transactions of a history page.
func confirmedTxs(page []*TxInfo) []*TxInfo {
	confirmed := make([]*TxInfo, 0, len(page))
	for _, tx := range page {
		if tx != nil && tx.Status.Confirmed {
			confirmed = append(confirmed, tx)
		}
	}

	return confirmed
}

// GetFeeEstimates fetches fee estimates for various confirmation targets.
func (c *Client) GetFeeEstimates(ctx context.Context) (FeeEstimates, error) {
	var estimates FeeEstimates
	err := c.getJSON(ctx, "fee_estimates", "/fee-estimates", &estimates)
	if err != nil {
		return nil, err
	}

	return estimates, nil
}

// BroadcastTransaction broadcasts a raw transaction to the network.
// Returns the txid on success.
func (c *Client) BroadcastTransaction(ctx context.Context,
	txHex string) (string, error) {

	body, err := c.doRequest(
		ctx, "broadcast", http.MethodPost, "/tx", []byte(txHex),
	)
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(string(body)), nil
}

// BroadcastTx broadcasts a wire.MsgTx to the network.
func (c *Client) BroadcastTx(ctx context.Context,
	tx *wire.MsgTx) (*chainhash.Hash, error) {

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize tx: %w", err)
	}

	txid, err := c.BroadcastTransaction(
		ctx, hex.EncodeToString(buf.Bytes()),
	)
	if err != nil {
		return nil, err
	}

	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return nil, fmt.Errorf("%w: broadcast txid: %v",
			ErrMalformedResponse, err)
	}

	return hash, nil
}

// isNotFound reports whether err is a 404 answer of the API.
func isNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) &&
		apiErr.StatusCode == http.StatusNotFound
}
