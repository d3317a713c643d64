package build

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestParseAndSetDebugLevels checks the global and per-subsystem forms of the
// debug level string.
func TestParseAndSetDebugLevels(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	mgr := NewSubLoggerManager(&buf)
	scan := mgr.GenSubLogger("SCAN")
	sign := mgr.GenSubLogger("SIGN")

	require.NoError(t, ParseAndSetDebugLevels("debug", mgr))
	require.Equal(t, "DBG", scan.Level().String())
	require.Equal(t, "DBG", sign.Level().String())

	require.NoError(t, ParseAndSetDebugLevels("info,SCAN=trace", mgr))
	require.Equal(t, "TRC", scan.Level().String())
	require.Equal(t, "INF", sign.Level().String())

	require.Error(t, ParseAndSetDebugLevels("loud", mgr))
	require.Error(t, ParseAndSetDebugLevels("info,NOPE=debug", mgr))
	require.Error(t, ParseAndSetDebugLevels("info,SCAN", mgr))
	require.Error(t, ParseAndSetDebugLevels("info,SCAN=shout", mgr))
	require.Error(t, ParseAndSetDebugLevels("info,SCAN=a=b", mgr))

	// A rejected string leaves every level untouched.
	require.Error(t, ParseAndSetDebugLevels("error,SIGN=loud", mgr))
	require.Equal(t, "TRC", scan.Level().String())
	require.Equal(t, "INF", sign.Level().String())

	// Asking for a known subsystem again returns the same logger.
	require.Same(t, scan, mgr.GenSubLogger("SCAN"))

	require.Equal(
		t, []string{"SCAN", "SIGN"}, mgr.SupportedSubsystems(),
	)
}

// TestFileLoggerConfigValidate makes sure unknown compressors are rejected.
func TestFileLoggerConfigValidate(t *testing.T) {
	t.Parallel()

	cfg := DefaultFileLoggerConfig()
	require.NoError(t, cfg.Validate())

	cfg.Compressor = Zstd
	require.NoError(t, cfg.Validate())

	cfg.Compressor = "lz4"
	require.Error(t, cfg.Validate())
}
