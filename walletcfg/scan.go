package walletcfg

import "fmt"

const (
	// DefaultStopGap is the default number of consecutive unused scripts
	// that end the scan of a keychain.
	DefaultStopGap = 5

	// DefaultParallelRequests is the default maximum number of concurrent
	// indexer lookups of a scan.
	DefaultParallelRequests = 5
)

// Scan exposes CLI configuration for the chain scanner.
//
//nolint:ll
type Scan struct {
	// StopGap is the number of consecutive unused scripts after which a
	// keychain is considered exhausted.
	StopGap int `long:"stopgap" description:"Number of consecutive unused addresses after which a keychain scan stops."`

	// ParallelRequests is the maximum number of concurrent lookups.
	ParallelRequests int `long:"parallelrequests" description:"Maximum number of concurrent indexer lookups during a scan."`
}

// DefaultScanConfig returns the default scan config.
func DefaultScanConfig() *Scan {
	return &Scan{
		StopGap:          DefaultStopGap,
		ParallelRequests: DefaultParallelRequests,
	}
}

// Validate checks the Scan values to ensure they are sane.
func (s *Scan) Validate() error {
	if s.StopGap <= 0 {
		return fmt.Errorf("scan stop gap must be positive")
	}

	if s.ParallelRequests <= 0 {
		return fmt.Errorf("number of parallel scan requests must be " +
			"positive")
	}

	return nil
}
