package csvwallet

import (
	"github.com/btcsuite/btclog"
	"github.com/lightninglabs/csvwallet/broadcast"
	"github.com/lightninglabs/csvwallet/build"
	"github.com/lightninglabs/csvwallet/esplora"
	"github.com/lightninglabs/csvwallet/ledger"
	"github.com/lightninglabs/csvwallet/monitoring"
	"github.com/lightninglabs/csvwallet/scanner"
	"github.com/lightninglabs/csvwallet/signal"
	"github.com/lightninglabs/csvwallet/signer"
	"github.com/lightninglabs/csvwallet/txbuilder"
	"github.com/lightninglabs/csvwallet/wallet"
)

// Subsystem defines the logging code for this subsystem.
const Subsystem = "CSVW"

// Loggers per subsystem. A single backend logger is created and all subsystem
// loggers created from it will write to the backend. When adding new
// subsystems, add the subsystem logger to SetupLoggers.
//
// Loggers can not be used before the log rotator has been initialized with a
// log file. This must be performed early during application startup by
// calling logRotator.InitLogRotator.
var (
	// logRotator is one of the logging outputs. It should be closed on
	// application shutdown.
	logRotator = build.NewRotatingLogWriter()

	logWriter = &build.LogWriter{RotatorPipe: logRotator}

	// logMgr owns the backend every subsystem logger writes to.
	logMgr = build.NewSubLoggerManager(logWriter)

	log = build.NewSubLogger(Subsystem, logMgr.GenSubLogger)
)

func init() {
	SetupLoggers(logMgr)
}

// SetupLoggers initializes all package-global logger variables.
func SetupLoggers(root *build.SubLoggerManager) {
	AddSubLogger(root, signal.Subsystem, signal.UseLogger)
	AddSubLogger(root, esplora.Subsystem, esplora.UseLogger)
	AddSubLogger(root, scanner.Subsystem, scanner.UseLogger)
	AddSubLogger(root, ledger.Subsystem, ledger.UseLogger)
	AddSubLogger(root, txbuilder.Subsystem, txbuilder.UseLogger)
	AddSubLogger(root, signer.Subsystem, signer.UseLogger)
	AddSubLogger(root, broadcast.Subsystem, broadcast.UseLogger)
	AddSubLogger(root, wallet.Subsystem, wallet.UseLogger)
	AddSubLogger(root, monitoring.Subsystem, monitoring.UseLogger)
}

// AddSubLogger is a helper method to conveniently create and register the
// logger of one or more sub systems.
func AddSubLogger(root *build.SubLoggerManager, subsystem string,
	useLoggers ...func(btclog.Logger)) {

	// Create and register just a single logger to prevent them from
	// overwriting each other internally.
	logger := build.NewSubLogger(subsystem, root.GenSubLogger)
	for _, useLogger := range useLoggers {
		useLogger(logger)
	}
}
