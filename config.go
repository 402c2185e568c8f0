// Copyright (c) 2026 The Meridian developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	flags "github.com/jessevdk/go-flags"

	"github.com/meridianchain/mrdd/internal/version"
)

const (
	defaultConfigFilename = "mrdd.conf"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "mrdd.log"
	defaultDataDirname    = "data"
	defaultLogLevel       = "info"

	defaultMaxMempool        = 300  // MiB
	defaultMempoolExpiry     = 336  // hours (2 weeks)
	defaultLimitAncestorNum  = 25
	defaultLimitAncestorSize = 101  // KiB
	defaultLimitDescendNum   = 25
	defaultLimitDescendSize  = 101  // KiB
	defaultBanScore          = 100
	defaultFreeTxRelayLimit  = 15.0 // thousands of bytes per minute
	defaultMinRelayTxFee     = btcutil.Amount(1000)
	defaultDBCache           = 300 // MiB
)

// defaultHomeDir is the default home directory for mrdd.
var defaultHomeDir = btcutil.AppDataDir("mrdd", false)

// config defines the configuration options for mrdd.
//
// See loadConfig for details on the configuration load process.
type config struct {
	ShowVersion    bool   `short:"V" long:"version" description:"Display version information and exit"`
	ConfigFile     string `short:"C" long:"configfile" description:"Path to configuration file"`
	HomeDir        string `long:"appdata" description:"Path to application home directory"`
	DataDir        string `short:"b" long:"datadir" description:"Directory to store data"`
	LogDir         string `long:"logdir" description:"Directory to log output"`
	NoFileLogging  bool   `long:"nofilelogging" description:"Disable file logging"`
	DebugLevel     string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`
	TestNet        bool   `long:"testnet" description:"Use the test network"`
	SimNet         bool   `long:"simnet" description:"Use the simulation test network"`
	MaxMempool     int64  `long:"maxmempool" description:"Keep the transaction memory pool below this many megabytes"`
	MempoolExpiry  int64  `long:"mempoolexpiry" description:"Do not keep transactions in the mempool more than this many hours"`
	LimitAncestorCount   int   `long:"limitancestorcount" description:"Do not accept transactions with more in-mempool ancestors than this"`
	LimitAncestorSize    int64 `long:"limitancestorsize" description:"Do not accept transactions whose size with all in-mempool ancestors exceeds this many kilobytes"`
	LimitDescendantCount int   `long:"limitdescendantcount" description:"Do not accept transactions if any ancestor would have more in-mempool descendants than this"`
	LimitDescendantSize  int64 `long:"limitdescendantsize" description:"Do not accept transactions if any ancestor would have more than this many kilobytes of in-mempool descendants"`
	BanScore       uint32  `long:"banscore" description:"Misbehavior threshold at which peers are disconnected and banned"`
	FreeTxRelayLimit float64 `long:"limitfreerelay" description:"Limit relay of transactions with no transaction fee to the given amount in thousands of bytes per minute"`
	MinRelayTxFee  float64 `long:"minrelaytxfee" description:"The minimum transaction fee in coin/kB to be considered a non-zero fee"`
	DBCache        int64  `long:"dbcache" description:"Size of the coin database cache in megabytes"`
	Prune          uint64 `long:"prune" description:"Reduce storage requirements by deleting old blocks and keeping the given target megabytes of block files (0 disables pruning)"`
	Reindex        bool   `long:"reindex" description:"Rebuild the chain state and block index from the block files on disk"`
	TxIndex        bool   `long:"txindex" description:"Maintain a full hash-based transaction index"`
	AddressIndex   bool   `long:"addressindex" description:"Maintain a full address-based index"`
	TimestampIndex bool   `long:"timestampindex" description:"Maintain a block timestamp index"`
	SpentIndex     bool   `long:"spentindex" description:"Maintain a spent output index"`
	AssumeValid    string `long:"assumevalid" description:"Hash of an assumed valid block; script verification is skipped for it and its ancestors"`
	CheckBlockIndex bool  `long:"checkblockindex" description:"Perform expensive block index invariant checks after chain state transitions"`
	RelayNonStd    bool   `long:"relaynonstd" description:"Relay non-standard transactions regardless of the default network settings"`

	// The following fields are resolved by loadConfig.
	minRelayTxFee    btcutil.Amount
	assumeValidHash  chainhash.Hash
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Expand initial ~ to OS specific home directory.
	if len(path) > 1 && path[:2] == "~/" {
		homeDir := filepath.Dir(defaultHomeDir)
		path = filepath.Join(homeDir, path[2:])
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// loadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func loadConfig(appName string) (*config, []string, error) {
	// Default config.
	cfg := config{
		HomeDir:              defaultHomeDir,
		ConfigFile:           filepath.Join(defaultHomeDir, defaultConfigFilename),
		DataDir:              filepath.Join(defaultHomeDir, defaultDataDirname),
		LogDir:               filepath.Join(defaultHomeDir, defaultLogDirname),
		DebugLevel:           defaultLogLevel,
		MaxMempool:           defaultMaxMempool,
		MempoolExpiry:        defaultMempoolExpiry,
		LimitAncestorCount:   defaultLimitAncestorNum,
		LimitAncestorSize:    defaultLimitAncestorSize,
		LimitDescendantCount: defaultLimitDescendNum,
		LimitDescendantSize:  defaultLimitDescendSize,
		BanScore:             defaultBanScore,
		FreeTxRelayLimit:     defaultFreeTxRelayLimit,
		DBCache:              defaultDBCache,
	}

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.HelpFlag)
	_, err := preParser.Parse()
	if err != nil {
		var e *flags.Error
		if !errors.As(err, &e) || e.Type != flags.ErrHelp {
			return nil, nil, err
		}
		fmt.Fprintln(os.Stdout, err)
		os.Exit(0)
	}

	// Show the version and exit if the version flag was specified.
	if preCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, version.String())
		os.Exit(0)
	}

	// Load additional config from file.
	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := os.Stat(preCfg.ConfigFile); err == nil {
		err := flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile)
		if err != nil {
			return nil, nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		return nil, nil, err
	}

	// Multiple networks can't be selected simultaneously.
	numNets := 0
	if cfg.TestNet {
		numNets++
		activeNetParams = &testNet3Params
	}
	if cfg.SimNet {
		numNets++
		activeNetParams = &simNetParams
	}
	if numNets > 1 {
		return nil, nil, fmt.Errorf("the testnet and simnet params can't " +
			"be used together -- choose one of the two")
	}

	// Append the network type to the data and log directories so it is
	// "namespaced" per network.
	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.DataDir = filepath.Join(cfg.DataDir, activeNetParams.netName)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	cfg.LogDir = filepath.Join(cfg.LogDir, activeNetParams.netName)

	// Validate debug log level.
	if !validLogLevel(cfg.DebugLevel) {
		return nil, nil, fmt.Errorf("the specified debug level [%v] is "+
			"invalid", cfg.DebugLevel)
	}

	// Convert the minimum relay fee from coin/kB to atoms/kB.
	if cfg.MinRelayTxFee > 0 {
		cfg.minRelayTxFee, err = btcutil.NewAmount(cfg.MinRelayTxFee)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid minrelaytxfee: %w", err)
		}
	} else {
		cfg.minRelayTxFee = defaultMinRelayTxFee
	}

	// Resolve the assumed valid block hash when provided.
	if cfg.AssumeValid != "" {
		hash, err := chainhash.NewHashFromStr(cfg.AssumeValid)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid assumevalid: %w", err)
		}
		cfg.assumeValidHash = *hash
	}

	// Initialize log rotation.  After the log rotation has been
	// initialized, the logger variables may be used.
	if !cfg.NoFileLogging {
		initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))
	}
	setLogLevels(cfg.DebugLevel)

	return &cfg, remainingArgs, nil
}
