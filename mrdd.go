// Copyright (c) 2026 The Meridian developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"

	"github.com/meridianchain/mrdd/internal/blockchain"
	"github.com/meridianchain/mrdd/internal/blockchain/indexers"
	"github.com/meridianchain/mrdd/internal/mempool"
	"github.com/meridianchain/mrdd/internal/version"
)

var cfg *config

// chainStateFlushInterval is the interval at which the periodic flush of the
// chain state to durable storage runs.
const chainStateFlushInterval = time.Minute

// mrddMain is the real main function for mrdd.  It is necessary to work
// around the fact that deferred functions do not run when os.Exit() is
// called.
func mrddMain() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	tcfg, _, err := loadConfig(appName)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	cfg = tcfg
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	// Get a context that will be canceled when a shutdown signal has been
	// triggered from an OS signal such as SIGINT (Ctrl+C).
	ctx := shutdownListener()
	defer mrddLog.Info("Shutdown complete")

	// Show version at startup.
	mrddLog.Infof("Version %s (Go version %s %s/%s)", version.String(),
		runtime.Version(), runtime.GOOS, runtime.GOARCH)
	mrddLog.Infof("Home dir: %s", cfg.HomeDir)

	// Caches shared by the chain and the mempool so validation work done
	// while a transaction was loose is not repeated when its block
	// arrives.
	sigCache := txscript.NewSigCache(100000)
	hashCache := txscript.NewHashCache(10000)
	timeSource := blockchain.NewMedianTime()

	// Assemble the optional indexes per the configuration.  The indexers
	// get their database access from the chain once it exists.
	var indexes []indexers.Indexer
	var indexManager blockchain.IndexManager
	chainDataDir := filepath.Join(cfg.DataDir, "chain")

	chain, err := assembleChain(chainDataDir, timeSource, sigCache,
		hashCache, &indexes, &indexManager)
	if err != nil {
		mrddLog.Errorf("Unable to initialize chain: %v", err)
		return err
	}
	defer func() {
		mrddLog.Info("Flushing chain state...")
		if err := chain.Close(); err != nil {
			mrddLog.Errorf("Failed to close chain cleanly: %v", err)
		}
	}()

	// Build the transaction pool around the chain and bridge the two so
	// chain state transitions keep the pool coherent.
	txPool := mempool.New(&mempool.Config{
		Policy: mempool.Policy{
			MaxTxVersion:      2,
			AcceptNonStd:      cfg.RelayNonStd || activeNetParams.RelayNonStdTxs,
			FreeTxRelayLimit:  cfg.FreeTxRelayLimit,
			MaxOrphanTxs:      100,
			MaxOrphanTxSize:   100000,
			MaxSigOpCostPerTx: mempool.MaxStandardTxSigOpsCost,
			MinRelayTxFee:     cfg.minRelayTxFee,
			MaxAncestors:      cfg.LimitAncestorCount,
			MaxAncestorSize:   cfg.LimitAncestorSize * 1000,
			MaxDescendants:    cfg.LimitDescendantCount,
			MaxDescendantSize: cfg.LimitDescendantSize * 1000,
			MempoolExpiry:     time.Duration(cfg.MempoolExpiry) * time.Hour,
			MaxMempoolSize:    cfg.MaxMempool * 1024 * 1024,
			StandardVerifyFlags: func() (txscript.ScriptFlags, error) {
				return standardScriptVerifyFlags(chain)
			},
		},
		ChainParams:      activeNetParams.Params,
		FetchUtxoView:    chain.FetchUtxoView,
		BestHeight:       func() int32 { return chain.BestSnapshot().Height },
		BestHash:         func() *chainhash.Hash { h := chain.BestSnapshot().Hash; return &h },
		MedianTimePast:   func() time.Time { return chain.BestSnapshot().MedianTime },
		AdjustedTime:     timeSource.AdjustedTime,
		CalcSequenceLock: func(tx *btcutil.Tx, view *blockchain.UtxoViewpoint) (*blockchain.SequenceLock, error) {
			return chain.CalcSequenceLock(tx, view, true)
		},
		SigCache:  sigCache,
		HashCache: hashCache,
	})
	chain.SetMempoolBridge(txPool)

	// Periodically flush the chain state until shutdown.  Block and
	// transaction ingestion is driven by external subsystems through
	// ProcessBlock, ProcessBlockHeader, and the mempool; this loop only
	// keeps durable state fresh.
	flushTicker := time.NewTicker(chainStateFlushInterval)
	defer flushTicker.Stop()
	for {
		select {
		case <-flushTicker.C:
			err := chain.FlushChainState(blockchain.FlushModePeriodic)
			if err != nil {
				mrddLog.Errorf("Unable to flush chain state: %v", err)
				return err
			}

		case <-ctx.Done():
			return nil
		}
	}
}

// assembleChain creates the block chain instance along with any of the
// optional indexes enabled by configuration.
func assembleChain(dataDir string, timeSource blockchain.MedianTimeSource,
	sigCache *txscript.SigCache, hashCache *txscript.HashCache,
	indexes *[]indexers.Indexer, indexManager *blockchain.IndexManager) (*blockchain.BlockChain, error) {

	// The chain is created first; the enabled indexers are then bound to
	// its metadata surface and initialized through the index manager.
	chain, err := blockchain.New(&blockchain.Config{
		DataDir:          dataDir,
		ChainParams:      activeNetParams.Params,
		TimeSource:       timeSource,
		SigCache:         sigCache,
		HashCache:        hashCache,
		UtxoCacheMaxSize: uint64(cfg.DBCache) * 1024 * 1024,
		AssumeValid:      cfg.assumeValidHash,
		Prune:            cfg.Prune * 1024 * 1024,
		CheckBlockIndex:  cfg.CheckBlockIndex,
	})
	if err != nil {
		return nil, err
	}

	// Assemble and initialize the enabled optional indexes.
	db := chain.IndexDB()
	if cfg.Reindex {
		// Record the reindex request so a partially rebuilt state is
		// detectable after an interrupted run.
		if err := db.PutFlag("reindexing", true); err != nil {
			chain.Close()
			return nil, err
		}
	}
	if cfg.TxIndex {
		*indexes = append(*indexes, indexers.NewTxIndex(db))
	}
	if cfg.AddressIndex {
		*indexes = append(*indexes, indexers.NewAddrIndex(db))
	}
	if cfg.SpentIndex {
		*indexes = append(*indexes, indexers.NewSpentIndex(db))
	}
	if cfg.TimestampIndex {
		*indexes = append(*indexes, indexers.NewTimestampIndex(db))
	}
	if len(*indexes) > 0 {
		manager := indexers.NewManager(*indexes...)
		if err := manager.Init(chain); err != nil {
			chain.Close()
			return nil, err
		}
		*indexManager = manager
		chain.SetIndexManager(manager)
	}

	return chain, nil
}

// standardScriptVerifyFlags returns the script flags that should be used when
// executing transaction scripts to enforce the most recent soft forks along
// with additional policy.
func standardScriptVerifyFlags(chain *blockchain.BlockChain) (txscript.ScriptFlags, error) {
	scriptFlags := txscript.StandardVerifyFlags
	return scriptFlags, nil
}

func main() {
	// Work around defer not working after os.Exit()
	if err := mrddMain(); err != nil {
		os.Exit(1)
	}
}
