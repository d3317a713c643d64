package build

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/btcsuite/btclog"
)

// LogType is an indicating the type of logging specified by the build flag.
type LogType byte

const (
	// LogTypeNone indicates no logging.
	LogTypeNone LogType = iota

	// LogTypeStdOut all logging is written directly to stdout.
	LogTypeStdOut

	// LogTypeDefault logs to both stdout and a given io.PipeWriter.
	LogTypeDefault
)

// String returns a human readable identifier for the logging type.
func (t LogType) String() string {
	switch t {
	case LogTypeNone:
		return "none"
	case LogTypeStdOut:
		return "stdout"
	case LogTypeDefault:
		return "default"
	default:
		return "unknown"
	}
}

// LogWriter is a stub type whose behavior can be changed using the build flags
// "stdlog" and "nolog". The default behavior is to write to both stdout and the
// RotatorPipe.
type LogWriter struct {
	// RotatorPipe receives a copy of every log line in the default build.
	RotatorPipe io.Writer
}

// NewSubLogger returns the logger of a subsystem. Binaries and production
// builds take it from genSubLogger so every subsystem shares one backend.
// Unit tests built with the stdlog tag get a stdout logger at the level the
// build selected. Anything else is disabled.
func NewSubLogger(subsystem string,
	genSubLogger func(string) btclog.Logger) btclog.Logger {

	useBackend := Deployment == Production ||
		LoggingType == LogTypeDefault

	switch {
	case useBackend && genSubLogger != nil:
		return genSubLogger(subsystem)

	case Deployment == Development && LoggingType == LogTypeStdOut:
		logger := btclog.NewBackend(&LogWriter{}).Logger(subsystem)

		level, _ := btclog.LevelFromString(LogLevel)
		logger.SetLevel(level)

		return logger

	default:
		return btclog.Disabled
	}
}

// SubLoggers is a type that holds a map of subsystem loggers keyed by their
// subsystem name.
type SubLoggers map[string]btclog.Logger

// LeveledSubLogger provides the ability to retrieve the subsystem loggers of
// a logger and set their log levels individually or all at once.
type LeveledSubLogger interface {
	// SubLoggers returns the map of all registered subsystem loggers.
	SubLoggers() SubLoggers

	// SupportedSubsystems returns the sorted subsystem names.
	SupportedSubsystems() []string

	// SetLogLevel assigns an individual subsystem logger a new log level.
	SetLogLevel(subsystemID string, logLevel string)

	// SetLogLevels assigns all subsystem loggers the same new log level.
	SetLogLevels(logLevel string)
}

// SubLoggerManager hands out the subsystem loggers of the wallet. They all
// write to one btclog backend.
type SubLoggerManager struct {
	backend *btclog.Backend

	mu         sync.Mutex
	subLoggers SubLoggers
}

// A compile time check to ensure SubLoggerManager implements the
// LeveledSubLogger interface.
var _ LeveledSubLogger = (*SubLoggerManager)(nil)

// NewSubLoggerManager creates a new SubLoggerManager writing to w.
func NewSubLoggerManager(w io.Writer) *SubLoggerManager {
	return &SubLoggerManager{
		backend:    btclog.NewBackend(w),
		subLoggers: make(SubLoggers),
	}
}

// GenSubLogger returns the logger of the given subsystem, creating it on
// first use.
func (m *SubLoggerManager) GenSubLogger(subsystem string) btclog.Logger {
	m.mu.Lock()
	defer m.mu.Unlock()

	if logger, ok := m.subLoggers[subsystem]; ok {
		return logger
	}

	logger := m.backend.Logger(subsystem)
	m.subLoggers[subsystem] = logger

	return logger
}

// SubLoggers returns a copy of the registered subsystem loggers.
func (m *SubLoggerManager) SubLoggers() SubLoggers {
	m.mu.Lock()
	defer m.mu.Unlock()

	loggers := make(SubLoggers, len(m.subLoggers))
	for id, logger := range m.subLoggers {
		loggers[id] = logger
	}

	return loggers
}

// SupportedSubsystems returns a sorted list of all registered subsystems.
func (m *SubLoggerManager) SupportedSubsystems() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	subsystems := make([]string, 0, len(m.subLoggers))
	for id := range m.subLoggers {
		subsystems = append(subsystems, id)
	}
	sort.Strings(subsystems)

	return subsystems
}

// SetLogLevel sets the logging level for the provided subsystem. Unknown
// subsystems are ignored.
func (m *SubLoggerManager) SetLogLevel(subsystemID string, logLevel string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if logger, ok := m.subLoggers[subsystemID]; ok {
		level, _ := btclog.LevelFromString(logLevel)
		logger.SetLevel(level)
	}
}

// SetLogLevels sets the log level for all subsystem loggers to the passed
// level.
func (m *SubLoggerManager) SetLogLevels(logLevel string) {
	level, _ := btclog.LevelFromString(logLevel)

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, logger := range m.subLoggers {
		logger.SetLevel(level)
	}
}

// debugLevels is a parsed debug level string.
type debugLevels struct {
	// global is the level of every subsystem, empty if it wasn't given.
	global string

	// subsystems maps the subsystems named explicitly to their level.
	subsystems map[string]string
}

// parseDebugLevels parses a string of the form
// [<global-level>,]<subsystem>=<level>,... and checks every entry against
// the known subsystems.
func parseDebugLevels(level string,
	known SubLoggers) (*debugLevels, error) {

	parsed := &debugLevels{
		subsystems: make(map[string]string),
	}

	entries := strings.Split(level, ",")
	if !strings.Contains(entries[0], "=") {
		if !validLogLevel(entries[0]) {
			return nil, fmt.Errorf("the specified debug level "+
				"[%v] is invalid", entries[0])
		}

		parsed.global = entries[0]
		entries = entries[1:]
	}

	for _, entry := range entries {
		subsysID, logLevel, ok := strings.Cut(entry, "=")
		if !ok || strings.Contains(logLevel, "=") {
			return nil, fmt.Errorf("the specified debug level has "+
				"an invalid subsystem/level pair [%v] -- use "+
				"format subsystem1=level1,subsystem2=level2",
				entry)
		}

		if _, exists := known[subsysID]; !exists {
			return nil, fmt.Errorf("the specified subsystem [%v] "+
				"is invalid", subsysID)
		}

		if !validLogLevel(logLevel) {
			return nil, fmt.Errorf("the specified debug level "+
				"[%v] is invalid", logLevel)
		}

		parsed.subsystems[subsysID] = logLevel
	}

	return parsed, nil
}

// ParseAndSetDebugLevels parses the debug level string and applies it to
// the given logger. The levels are only changed if the whole string is
// valid.
func ParseAndSetDebugLevels(level string, logger LeveledSubLogger) error {
	parsed, err := parseDebugLevels(level, logger.SubLoggers())
	if err != nil {
		return fmt.Errorf("%w -- supported subsystems are %v", err,
			logger.SupportedSubsystems())
	}

	if parsed.global != "" {
		logger.SetLogLevels(parsed.global)
	}
	for subsysID, logLevel := range parsed.subsystems {
		logger.SetLogLevel(subsysID, logLevel)
	}

	return nil
}

// validLogLevel returns whether or not logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	switch logLevel {
	case "trace", "debug", "info", "warn", "error", "critical", "off":
		return true
	}

	return false
}
