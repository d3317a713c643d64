package csvwallet

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	flags "github.com/jessevdk/go-flags"
	"github.com/lightninglabs/csvwallet/build"
	"github.com/lightninglabs/csvwallet/policy"
	"github.com/lightninglabs/csvwallet/walletcfg"
)

const (
	defaultConfigFilename = "csvwallet.conf"
	defaultLogFilename    = "csvwallet.log"
	defaultLogDirname     = "logs"
	defaultLogLevel       = "info"
	defaultNetwork        = "regtest"
	defaultConfirmations  = 1

	// defaultRecipient is the regtest address the demo spend pays to.
	defaultRecipient = "bcrt1q6rz28mcfaxtmd6v789l9rrlrusdprr9pz3cppk"
)

var (
	// DefaultAppDir is the default directory holding the config file and
	// the logs.
	DefaultAppDir = btcutil.AppDataDir("csvwallet", false)

	// DefaultConfigFile is the default full path of the config file.
	DefaultConfigFile = filepath.Join(DefaultAppDir, defaultConfigFilename)

	defaultLogDir = filepath.Join(DefaultAppDir, defaultLogDirname)
)

// Config defines the configuration options of csvwallet.
//
// See LoadConfig for further details regarding the configuration loading and
// parsing process.
//
//nolint:ll
type Config struct {
	ShowVersion bool `short:"V" long:"version" description:"Display version information and exit"`

	AppDir     string `long:"appdir" description:"The base directory that contains the config file and the logs."`
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	LogDir     string `long:"logdir" description:"Directory to log output."`
	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <global-level>,<subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	LogFile *build.FileLoggerConfig `group:"logfile" namespace:"logfile"`

	Network string `long:"network" description:"The network the wallet runs on." choice:"mainnet" choice:"testnet" choice:"signet" choice:"regtest" choice:"simnet"`

	Confirmations uint32 `long:"confirmations" description:"The number of confirmations an output needs before the policy lets it be spent."`
	PrivKey       string `long:"privkey" description:"The WIF encoded private key of the policy. A new key is generated if none is set."`

	Recipient string `long:"recipient" description:"The address the spend pays to."`
	Amount    int64  `long:"amount" description:"The amount in satoshis the recipient receives. Half of the confirmed balance is sent if neither this nor --sweep is set."`
	Sweep     bool   `long:"sweep" description:"Send the whole confirmed balance to the recipient."`

	Esplora    *walletcfg.Esplora   `group:"esplora" namespace:"esplora"`
	Scan       *walletcfg.Scan      `group:"scan" namespace:"scan"`
	Fee        *walletcfg.Fee       `group:"fee" namespace:"fee"`
	Prometheus walletcfg.Prometheus `group:"prometheus" namespace:"prometheus"`

	// NetParams contains the parameters of the network selected by
	// Network.
	NetParams *chaincfg.Params
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	return Config{
		AppDir:        DefaultAppDir,
		ConfigFile:    DefaultConfigFile,
		LogDir:        defaultLogDir,
		DebugLevel:    defaultLogLevel,
		LogFile:       build.DefaultFileLoggerConfig(),
		Network:       defaultNetwork,
		Confirmations: defaultConfirmations,
		Recipient:     defaultRecipient,
		Esplora:       walletcfg.DefaultEsploraConfig(),
		Scan:          walletcfg.DefaultScanConfig(),
		Fee:           walletcfg.DefaultFeeConfig(),
		Prometheus:    walletcfg.DefaultPrometheus(),
	}
}

// LoadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func LoadConfig() (*Config, error) {
	// Pre-parse the command line options to pick up an alternative config
	// file.
	preCfg := DefaultConfig()
	if _, err := flags.Parse(&preCfg); err != nil {
		return nil, err
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", build.Version(),
			"commit="+build.Commit)
		os.Exit(0)
	}

	// If the config file path has not been modified by the user, then
	// we'll use the default config file path. However, if the user has
	// modified their app dir, then we should assume they intend to use
	// the config file within it.
	configFileDir := CleanAndExpandPath(preCfg.AppDir)
	configFilePath := CleanAndExpandPath(preCfg.ConfigFile)
	if configFileDir != DefaultAppDir &&
		configFilePath == DefaultConfigFile {

		configFilePath = filepath.Join(
			configFileDir, defaultConfigFilename,
		)
	}

	// Next, load any additional configuration options from the file.
	var configFileError error
	cfg := preCfg
	if err := flags.IniParse(configFilePath, &cfg); err != nil {
		// If it's a parsing related error, then we'll return
		// immediately, otherwise we can proceed as possibly the config
		// file doesn't exist which is OK.
		var iniErr *flags.IniError
		if errors.As(err, &iniErr) {
			return nil, err
		}

		configFileError = err
	}

	// Finally, parse the remaining command line options again to ensure
	// they take precedence.
	if _, err := flags.Parse(&cfg); err != nil {
		return nil, err
	}

	// Make sure everything we just loaded makes sense.
	cleanCfg, err := ValidateConfig(cfg)
	if err != nil {
		return nil, err
	}

	// Warn about missing config file only after all other configuration is
	// done. This prevents the warning on help messages and invalid
	// options.
	if configFileError != nil {
		log.Warnf("%v", configFileError)
	}

	return cleanCfg, nil
}

// ValidateConfig checks the given configuration to be sane. This makes sure
// no illegal values or combination of values are set. All file system paths
// are normalized. The cleaned up config is returned on success.
func ValidateConfig(cfg Config) (*Config, error) {
	// If the provided app directory is not the default, the logs live
	// within it.
	appDir := CleanAndExpandPath(cfg.AppDir)
	if appDir != DefaultAppDir && cfg.LogDir == defaultLogDir {
		cfg.LogDir = filepath.Join(appDir, defaultLogDirname)
	}
	cfg.AppDir = appDir
	cfg.LogDir = CleanAndExpandPath(cfg.LogDir)

	params, err := netParams(cfg.Network)
	if err != nil {
		return nil, err
	}
	cfg.NetParams = params

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems",
			logMgr.SupportedSubsystems())
		os.Exit(0)
	}

	if err := cfg.LogFile.Validate(); err != nil {
		return nil, err
	}

	if cfg.Confirmations < 1 ||
		cfg.Confirmations > policy.MaxConfirmations {

		return nil, fmt.Errorf("confirmations must be between 1 and "+
			"%d, got %d", policy.MaxConfirmations,
			cfg.Confirmations)
	}

	if cfg.PrivKey != "" {
		if _, err := decodePrivKey(cfg.PrivKey, params); err != nil {
			return nil, fmt.Errorf("invalid privkey: %w", err)
		}
	}

	recipient, err := btcutil.DecodeAddress(cfg.Recipient, cfg.NetParams)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient: %w", err)
	}
	if !recipient.IsForNet(cfg.NetParams) {
		return nil, fmt.Errorf("recipient %v is not a %s address",
			cfg.Recipient, cfg.NetParams.Name)
	}

	switch {
	case cfg.Amount < 0:
		return nil, fmt.Errorf("amount must not be negative")

	case cfg.Amount > 0 && cfg.Sweep:
		return nil, fmt.Errorf("amount and sweep can't both be set")
	}

	if err := cfg.Esplora.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Scan.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Fee.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Prometheus.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// netParams returns the parameters of the named network.
func netParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil

	case "testnet":
		return &chaincfg.TestNet3Params, nil

	case "signet":
		return &chaincfg.SigNetParams, nil

	case "regtest":
		return &chaincfg.RegressionNetParams, nil

	case "simnet":
		return &chaincfg.SimNetParams, nil

	default:
		return nil, fmt.Errorf("unknown network: %v", network)
	}
}

// CleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
// This function is taken from https://github.com/btcsuite/btcd
func CleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		u, err := user.Current()
		if err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// decodePrivKey decodes a WIF encoded private key of the given network.
func decodePrivKey(encoded string,
	params *chaincfg.Params) (*btcec.PrivateKey, error) {

	wif, err := btcutil.DecodeWIF(encoded)
	if err != nil {
		return nil, err
	}
	if !wif.IsForNet(params) {
		return nil, fmt.Errorf("private key is not for %s", params.Name)
	}

	return wif.PrivKey, nil
}
