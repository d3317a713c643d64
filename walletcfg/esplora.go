package walletcfg

import (
	"fmt"
	"net/url"
	"time"
)

const (
	// DefaultEsploraURL is the default address of a local regtest Esplora
	// API.
	DefaultEsploraURL = "http://127.0.0.1:3002"

	// DefaultEsploraPollInterval is the default interval for polling
	// the Esplora API for new blocks.
	DefaultEsploraPollInterval = 10 * time.Second

	// DefaultEsploraRequestTimeout is the default timeout for HTTP
	// requests to the Esplora API.
	DefaultEsploraRequestTimeout = 30 * time.Second

	// DefaultEsploraMaxRetries is the default number of times to retry
	// a failed request before giving up.
	DefaultEsploraMaxRetries = 3
)

// Esplora holds the configuration options for the wallet's connection to
// an Esplora HTTP API server (e.g., mempool.space, blockstream.info, or
// a local electrs/mempool instance).
//
//nolint:ll
type Esplora struct {
	// URL is the base URL of the Esplora API to connect to.
	// Examples:
	//   - http://127.0.0.1:3002 (local electrs)
	//   - https://blockstream.info/testnet/api (Blockstream testnet)
	//   - https://mempool.space/signet/api (mempool.space signet)
	URL string `long:"url" description:"The base URL of the Esplora API (e.g., http://127.0.0.1:3002)"`

	// RequestTimeout is the timeout for HTTP requests sent to the Esplora
	// API.
	RequestTimeout time.Duration `long:"requesttimeout" description:"Timeout for HTTP requests to the Esplora API."`

	// MaxRetries is the maximum number of times to retry a failed request.
	MaxRetries int `long:"maxretries" description:"Maximum number of times to retry a failed request."`

	// PollInterval is the interval at which to poll for new blocks while
	// waiting for a timelock to mature. Since Esplora is HTTP-only, we
	// need to poll rather than subscribe.
	PollInterval time.Duration `long:"pollinterval" description:"Interval at which to poll for new blocks."`

	// MaxRequestsPerSec limits how fast requests are sent, public Esplora
	// instances throttle clients scanning many scripts.
	MaxRequestsPerSec float64 `long:"maxrequestspersec" description:"Maximum number of requests per second sent to the Esplora API (0 for no limit)."`
}

// DefaultEsploraConfig returns a new Esplora config with default values
// populated.
func DefaultEsploraConfig() *Esplora {
	return &Esplora{
		URL:            DefaultEsploraURL,
		RequestTimeout: DefaultEsploraRequestTimeout,
		MaxRetries:     DefaultEsploraMaxRetries,
		PollInterval:   DefaultEsploraPollInterval,
	}
}

// Validate checks the Esplora options.
func (e *Esplora) Validate() error {
	u, err := url.Parse(e.URL)
	if err != nil {
		return fmt.Errorf("invalid esplora.url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("esplora.url must be http or https, got %q",
			e.URL)
	}

	if e.RequestTimeout <= 0 {
		return fmt.Errorf("esplora.requesttimeout must be positive")
	}

	if e.MaxRetries < 0 {
		return fmt.Errorf("esplora.maxretries must not be negative")
	}

	if e.PollInterval <= 0 {
		return fmt.Errorf("esplora.pollinterval must be positive")
	}

	if e.MaxRequestsPerSec < 0 {
		return fmt.Errorf("esplora.maxrequestspersec must not be " +
			"negative")
	}

	return nil
}
