package scanner

import (
	"errors"
	"fmt"
)

const (
	// DefaultStopGap is the number of consecutive unused scripts after
	// which a keychain is considered exhausted.
	DefaultStopGap = 5

	// DefaultParallelRequests is the default number of indexer lookups
	// in flight at once during a scan.
	DefaultParallelRequests = 5
)

// ErrInvalidConfig is returned when a scanner config holds values the scan
// loop cannot make progress with.
var ErrInvalidConfig = errors.New("invalid scanner config")

// Config holds the tunables of a Scanner.
type Config struct {
	// StopGap is the number of consecutive scripts without any history
	// that end the scan of a keychain.
	StopGap int

	// ParallelRequests bounds the number of concurrent indexer lookups.
	ParallelRequests int
}

// DefaultConfig returns a Config populated with the default values.
func DefaultConfig() *Config {
	return &Config{
		StopGap:          DefaultStopGap,
		ParallelRequests: DefaultParallelRequests,
	}
}

// Validate checks that the config can drive a scan.
func (c *Config) Validate() error {
	if c.StopGap < 1 {
		return fmt.Errorf("%w: stop gap must be positive, got %d",
			ErrInvalidConfig, c.StopGap)
	}

	if c.ParallelRequests < 1 {
		return fmt.Errorf("%w: parallel requests must be positive, "+
			"got %d", ErrInvalidConfig, c.ParallelRequests)
	}

	return nil
}
