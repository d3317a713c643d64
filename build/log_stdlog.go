//go:build stdlog
// +build stdlog

package build

import "os"

// LoggingType sends all log output to stdout, which is what unit tests use.
const LoggingType = LogTypeStdOut

// Write copies b to stdout. The rotator is never written to.
func (w *LogWriter) Write(b []byte) (int, error) {
	return os.Stdout.Write(b)
}
