//go:build !stdlog && !nolog
// +build !stdlog,!nolog

package build

import "os"

// LoggingType writes the log to stdout and to the log file once the rotator
// is running.
const LoggingType = LogTypeDefault

// Write copies b to stdout and to the rotator. A failing log file must not
// stop the wallet, so its errors are dropped.
func (w *LogWriter) Write(b []byte) (int, error) {
	if w.RotatorPipe != nil {
		_, _ = w.RotatorPipe.Write(b)
	}

	return os.Stdout.Write(b)
}
