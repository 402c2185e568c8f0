// Copyright (c) 2026 The Meridian developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"context"
	"fmt"
	"math/big"
	"path/filepath"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/dcrd/container/lru"
	"github.com/syndtr/goleveldb/leveldb"

	"github.com/meridianchain/mrdd/chaincfg"
)

const (
	// minBlocksToKeep is the minimum number of most-recent blocks whose
	// data is always kept in the flat file store regardless of pruning.
	// Unrequested blocks more than this far ahead of the current best tip
	// are also refused storage.
	minBlocksToKeep = 288

	// maxReorgBatchSize is the maximum number of blocks connected per
	// batch while reorganizing to a better chain.  The chain lock is
	// released between batches so other callers are not starved during
	// long reorganizations and so shutdown can interrupt the process.
	maxReorgBatchSize = 32

	// validatedScriptsCacheSize is the number of recent per-block script
	// validation results to remember so reconnecting the same block during
	// a reorganization does not repeat the script checks.
	validatedScriptsCacheSize = 512

	// rejectedBlocksExpiry is how long a governance-rejected block hash
	// stays in the rate-limit map.
	rejectedBlocksExpiry = time.Hour
)

// BlockLocation identifies where a block is stored in the flat file store.
type BlockLocation struct {
	File   uint32
	Offset uint32
}

// GovernanceValidator is the interface the chain uses to consult the external
// governance system about the required coinbase payout set of a block before
// it is finalized.  Returning an error rejects the block.
//
// The interface contract requires that all of these methods are safe for
// concurrent access.
type GovernanceValidator interface {
	// ValidateBlockPayouts checks the coinbase payout set of the provided
	// block at the given height.  maxPayout is the maximum total coinbase
	// output value allowed by the subsidy schedule and accumulated fees.
	ValidateBlockPayouts(block *btcutil.Block, height int32, maxPayout int64) error
}

// InstantLockOracle is the interface the chain and mempool use to query
// instant transaction locks on outpoints.
//
// The interface contract requires that all of these methods are safe for
// concurrent access.
type InstantLockOracle interface {
	// LockedBy returns the hash of the transaction holding an instant lock
	// on the provided outpoint, if any.
	LockedBy(outpoint wire.OutPoint) (chainhash.Hash, bool)
}

// SporkID identifies a network-togglable feature flag.
type SporkID uint32

// The spork identifiers the engine itself consults.
const (
	// SporkInstantSendFiltering gates filtering of transactions that
	// conflict with instant transaction locks.
	SporkInstantSendFiltering SporkID = iota
)

// SporkOracle is the interface used to query network feature flags.
//
// The interface contract requires that all of these methods are safe for
// concurrent access.
type SporkOracle interface {
	// IsActive returns whether the provided feature flag is currently
	// active on the network.
	IsActive(id SporkID) bool
}

// MempoolBridge is the narrow interface the chain uses to coordinate the
// transaction pool with chain state transitions.
type MempoolBridge interface {
	// HandleConnectedBlock is invoked after a block is connected to the
	// main chain.  The pool should remove the confirmed transactions and
	// evict any now-conflicting descendants.
	HandleConnectedBlock(block *btcutil.Block)

	// HandleDisconnectedBlock is invoked after a block is disconnected
	// from the main chain.  The pool should attempt to resurrect the
	// block's transactions, leniently swallowing individual failures and
	// dropping the coinbase.
	HandleDisconnectedBlock(block *btcutil.Block)

	// HandleReorgDone is invoked after a chain reorganization completes so
	// the pool can re-filter its contents against the new tip's locktime
	// and sequence-lock context.
	HandleReorgDone()
}

// IndexManager provides a generic interface that is called when blocks are
// connected and disconnected to and from the tip of the main chain for the
// purpose of supporting optional indexes.
type IndexManager interface {
	// Init is invoked during chain initialize in order to allow the index
	// manager to initialize itself and any indexes it is managing.
	Init(chain *BlockChain) error

	// ConnectBlock is invoked when a new block has been connected to the
	// main chain.  The index writes ride in the provided batch so they are
	// atomic with the block's metadata.
	ConnectBlock(batch *leveldb.Batch, block *btcutil.Block, loc BlockLocation, stxos []SpentTxOut) error

	// DisconnectBlock is invoked when a block has been disconnected from
	// the main chain.
	DisconnectBlock(batch *leveldb.Batch, block *btcutil.Block, loc BlockLocation, stxos []SpentTxOut) error
}

// Config is a descriptor which specifies the blockchain instance
// configuration.
type Config struct {
	// DataDir is the directory the metadata database, the coin database,
	// and the flat block files live under.
	DataDir string

	// ChainParams identifies which chain parameters the chain is
	// associated with.
	//
	// This field is required.
	ChainParams *chaincfg.Params

	// TimeSource defines the median time source to use for things such as
	// block processing and determining whether or not the chain is
	// current.
	TimeSource MedianTimeSource

	// SigCache defines a signature cache to use when validating
	// signatures.  This is typically most useful when individual
	// transactions are already being validated prior to their inclusion in
	// a block such as what is usually done via a transaction memory pool.
	SigCache *txscript.SigCache

	// HashCache defines a transaction hash mid-state cache to use when
	// validating transactions.
	HashCache *txscript.HashCache

	// UtxoCacheMaxSize is the target maximum memory usage, in bytes, of
	// the utxo cache.
	UtxoCacheMaxSize uint64

	// IndexManager defines an index manager to use when initializing the
	// chain and connecting and disconnecting blocks.
	IndexManager IndexManager

	// Governance defines an optional validator consulted about coinbase
	// payout sets before a block is finalized.
	Governance GovernanceValidator

	// InstantLocker defines an optional oracle for instant transaction
	// locks.
	InstantLocker InstantLockOracle

	// SporkOracle defines an optional oracle for network feature flags.
	SporkOracle SporkOracle

	// AssumeValid is the hash of a block that has been externally verified
	// to be valid.  Script checking is skipped for it and all of its
	// ancestors.
	AssumeValid chainhash.Hash

	// Prune, when nonzero, is the target amount of storage, in bytes, to
	// keep block and undo files under by deleting the oldest files.
	Prune uint64

	// CheckBlockIndex enables expensive block index invariant checks after
	// chain state transitions.
	CheckBlockIndex bool
}

// BestState houses information about the current best block and other info
// related to the state of the main chain as it exists from the point of view
// of the current best block.
//
// The BestSnapshot method can be used to obtain access to this information
// in a concurrent safe manner and the data will not be changed out from under
// the caller when chain state changes occur as the function name implies.
// However, the returned snapshot must be treated as immutable since it is
// shared by all callers.
type BestState struct {
	Hash        chainhash.Hash // The hash of the block.
	Height      int32          // The height of the block.
	Bits        uint32         // The difficulty bits of the block.
	BlockSize   uint64         // The size of the block.
	NumTxns     uint64         // The number of txns in the block.
	TotalTxns   uint64         // The total number of txns in the chain.
	MedianTime  time.Time      // Median time as per CalcPastMedianTime.
	BlockHeader wire.BlockHeader
}

// newBestState returns a new best stats instance for the given parameters.
func newBestState(node *blockNode, blockSize, numTxns, totalTxns uint64, medianTime time.Time) *BestState {
	return &BestState{
		Hash:        node.hash,
		Height:      node.height,
		Bits:        node.bits,
		BlockSize:   blockSize,
		NumTxns:     numTxns,
		TotalTxns:   totalTxns,
		MedianTime:  medianTime,
		BlockHeader: node.Header(),
	}
}

// BlockChain provides functions for working with the Meridian block chain.
// It includes functionality such as rejecting duplicate blocks, ensuring
// blocks follow all rules, orphan handling, and best chain selection with
// reorganization.
type BlockChain struct {
	// The following fields are set when the instance is created and can't
	// be changed afterwards, so there is no need to protect them with a
	// separate mutex.
	chainParams         *chaincfg.Params
	timeSource          MedianTimeSource
	sigCache            *txscript.SigCache
	hashCache           *txscript.HashCache
	indexManager        IndexManager
	governance          GovernanceValidator
	instantLocker       InstantLockOracle
	sporkOracle         SporkOracle
	assumeValid         chainhash.Hash
	pruneTarget         uint64
	checkBlockIndex     bool
	minRetargetTimespan int64 // target timespan / adjustment factor
	maxRetargetTimespan int64 // target timespan * adjustment factor
	blocksPerRetarget   int32 // target timespan / target time per block

	// db houses the chain metadata, utxoCache the layered utxo state over
	// the coin database, and blockStore the flat block and undo files.
	db         *metadataStore
	utxoCache  *UtxoCache
	blockStore *blockStore

	// chainLock protects concurrent access to the vast majority of the
	// fields in this struct below this point.
	chainLock sync.RWMutex

	// These fields are related to the memory block index.  They both have
	// their own locks, however they are often also protected by the chain
	// lock to help prevent logic races when blocks are being processed.
	index     *blockIndex
	bestChain *chainView

	// mempool is the optional bridge used to coordinate the transaction
	// pool with chain state transitions.  It is set after creation since
	// the pool requires a chain to exist first.
	mempoolLock sync.RWMutex
	mempool     MempoolBridge

	// validatedScriptsCache remembers which blocks have already had their
	// scripts validated under a given flag set so reorganizations do not
	// repeat the work.
	validatedScriptsCache *lru.Set[scriptValCacheKey]

	// rejectedBlocks rate limits blocks the governance validator rejected.
	rejectedBlocksLock sync.Mutex
	rejectedBlocks     map[chainhash.Hash]time.Time

	// These fields house caches for the version bits deployment machinery.
	deploymentCaches []thresholdStateCache
	warningCaches    []thresholdStateCache

	// These fields track warning states.
	unknownRulesWarned    bool
	unknownVersionsWarned bool

	// The state is used as a fairly efficient way to cache information
	// about the current best chain state that is returned to callers when
	// requested.  It operates on the principle of MVCC such that any time a
	// new block becomes the best block, the state pointer is replaced with
	// a new struct and the old state is left untouched.  In this way,
	// multiple callers can be pointing to different best chain states.
	// This is acceptable for most callers because the state is only being
	// queried at a specific point in time.
	stateLock     sync.RWMutex
	stateSnapshot *BestState

	// ibdLatched is a sticky latch for the initial block download state.
	// Once the chain is deemed current, it is never deemed otherwise
	// again for the life of the process.
	ibdLatched bool

	// notifications holds the registered callbacks.
	notificationsLock sync.RWMutex
	notifications     []NotificationCallback

	// lastFlushTime tracks the last periodic flush of the full chain
	// state.
	lastFlushTime time.Time
}

// SetIndexManager installs the optional index manager.  It must be called
// before any block processing occurs; indexes connected afterwards only see
// blocks from that point on.
//
// This function is safe for concurrent access.
func (b *BlockChain) SetIndexManager(manager IndexManager) {
	b.chainLock.Lock()
	b.indexManager = manager
	b.chainLock.Unlock()
}

// SetMempoolBridge installs the bridge used to coordinate the transaction
// pool with chain state transitions.  It may only be set once.
//
// This function is safe for concurrent access.
func (b *BlockChain) SetMempoolBridge(bridge MempoolBridge) {
	b.mempoolLock.Lock()
	b.mempool = bridge
	b.mempoolLock.Unlock()
}

// mempoolBridge returns the installed mempool bridge or nil.
func (b *BlockChain) mempoolBridge() MempoolBridge {
	b.mempoolLock.RLock()
	bridge := b.mempool
	b.mempoolLock.RUnlock()
	return bridge
}

// HaveBlock returns whether or not the chain instance has the block
// represented by the passed hash.  This includes checking the various places
// a block can be like part of the main chain or on a side chain.
//
// This function is safe for concurrent access.
func (b *BlockChain) HaveBlock(hash *chainhash.Hash) bool {
	return b.index.HaveBlock(hash)
}

// ChainWork returns the total work up to and including the block of the
// provided block hash.
//
// This function is safe for concurrent access.
func (b *BlockChain) ChainWork(hash *chainhash.Hash) (*big.Int, error) {
	node := b.index.LookupNode(hash)
	if node == nil {
		return nil, fmt.Errorf("block %s is not known", hash)
	}

	return new(big.Int).Set(node.workSum), nil
}

// BestSnapshot returns information about the current best chain block and
// related state as of the current point in time.  The returned instance must
// be treated as immutable since it is shared by all callers.
//
// This function is safe for concurrent access.
func (b *BlockChain) BestSnapshot() *BestState {
	b.stateLock.RLock()
	snapshot := b.stateSnapshot
	b.stateLock.RUnlock()
	return snapshot
}

// fetchBlockByNode loads the raw block for the provided node from the flat
// file store and returns it with the height set.
func (b *BlockChain) fetchBlockByNode(node *blockNode) (*btcutil.Block, error) {
	if !b.index.NodeStatus(node).HaveData() {
		return nil, fmt.Errorf("block %s has no stored data", node.hash)
	}

	serialized, err := b.blockStore.ReadBlock(node.blockFile, node.blockOffset)
	if err != nil {
		return nil, err
	}
	block, err := btcutil.NewBlockFromBytes(serialized)
	if err != nil {
		return nil, err
	}
	block.SetHeight(node.height)
	return block, nil
}

// BlockByHash returns the block from the main chain or a side chain with the
// given hash.
//
// This function is safe for concurrent access.
func (b *BlockChain) BlockByHash(hash *chainhash.Hash) (*btcutil.Block, error) {
	node := b.index.LookupNode(hash)
	if node == nil {
		return nil, fmt.Errorf("block %s is not known", hash)
	}
	return b.fetchBlockByNode(node)
}

// BlockByHeight returns the block at the given height in the main chain.
//
// This function is safe for concurrent access.
func (b *BlockChain) BlockByHeight(height int32) (*btcutil.Block, error) {
	node := b.bestChain.NodeByHeight(height)
	if node == nil {
		return nil, fmt.Errorf("no block at height %d exists", height)
	}
	return b.fetchBlockByNode(node)
}

// MainChainHasBlock returns whether or not the block with the given hash is
// in the main chain.
//
// This function is safe for concurrent access.
func (b *BlockChain) MainChainHasBlock(hash *chainhash.Hash) bool {
	node := b.index.LookupNode(hash)
	return node != nil && b.bestChain.Contains(node)
}

// BlockHeightByHash returns the height of the block with the given hash in
// the main chain.
//
// This function is safe for concurrent access.
func (b *BlockChain) BlockHeightByHash(hash *chainhash.Hash) (int32, error) {
	node := b.index.LookupNode(hash)
	if node == nil || !b.bestChain.Contains(node) {
		return 0, fmt.Errorf("block %s is not in the main chain", hash)
	}
	return node.height, nil
}

// BlockHashByHeight returns the hash of the block at the given height in the
// main chain.
//
// This function is safe for concurrent access.
func (b *BlockChain) BlockHashByHeight(height int32) (*chainhash.Hash, error) {
	node := b.bestChain.NodeByHeight(height)
	if node == nil {
		return nil, fmt.Errorf("no block at height %d exists", height)
	}
	hash := node.hash
	return &hash, nil
}

// HeaderByHash returns the block header identified by the given hash or an
// error if it doesn't exist.  Note that this will return headers from both
// the main and side chains.
//
// This function is safe for concurrent access.
func (b *BlockChain) HeaderByHash(hash *chainhash.Hash) (wire.BlockHeader, error) {
	node := b.index.LookupNode(hash)
	if node == nil {
		return wire.BlockHeader{}, fmt.Errorf("block %s is not known", hash)
	}
	return node.Header(), nil
}

// BlockLocator returns a block locator for the current best chain: a
// compact list of block hashes starting at the tip, going back exponentially
// further apart, ending at the genesis block.
//
// This function is safe for concurrent access.
func (b *BlockChain) BlockLocator() []chainhash.Hash {
	b.chainLock.RLock()
	defer b.chainLock.RUnlock()

	node := b.bestChain.Tip()
	if node == nil {
		return nil
	}

	var locator []chainhash.Hash
	step := int32(1)
	for node != nil {
		locator = append(locator, node.hash)
		if node.height == 0 {
			break
		}

		height := node.height - step
		if height < 0 {
			height = 0
		}
		node = node.Ancestor(height)
		if len(locator) > 10 {
			step *= 2
		}
	}
	return locator
}

// flushBlockIndex writes any modified block index entries to the metadata
// database.
func (b *BlockChain) flushBlockIndex() error {
	return b.index.flush()
}

// flushDirtyFileInfo persists any flat file usage records that changed since
// the previous flush into the provided batch.
func (b *BlockChain) flushDirtyFileInfo(batch *leveldb.Batch) {
	for fileNum, info := range b.blockStore.dirtyInfo() {
		infoCopy := info
		batch.Put(fileInfoKey(fileNum), serializeBlockFileInfo(&infoCopy))
	}
}

// FlushChainState writes the dirty block index entries and file info records
// followed, when the mode requires it, by the full utxo cache, and then
// notifies external listeners of the durably persisted best chain.
//
// This function is safe for concurrent access.
func (b *BlockChain) FlushChainState(mode FlushMode) error {
	b.chainLock.Lock()
	defer b.chainLock.Unlock()

	return b.flushChainState(mode)
}

// flushChainState performs the work described by FlushChainState.
//
// This function MUST be called with the chain state lock held (for writes).
func (b *BlockChain) flushChainState(mode FlushMode) error {
	if mode == FlushModeNone {
		return nil
	}

	// Dirty block index entries and file info records are always written.
	if err := b.flushBlockIndex(); err != nil {
		return err
	}
	batch := b.db.NewBatch()
	b.flushDirtyFileInfo(batch)
	dbPutBestState(batch, b.BestSnapshot(), b.bestChain.Tip().workSum)
	if err := b.db.Write(batch); err != nil {
		return err
	}

	// The coin view itself only hits disk per the requested mode.
	tip := b.bestChain.Tip()
	if err := b.utxoCache.MaybeFlush(&tip.hash, mode); err != nil {
		return err
	}
	b.lastFlushTime = time.Now()

	// Delete old block files when pruning is enabled.
	if err := b.pruneBlockFiles(); err != nil {
		return err
	}

	// Let external listeners persist their own progress against the
	// durably written chain.
	b.chainLock.Unlock()
	b.sendNotification(NTBestChainPersisted, &BestChainPersistedNtfnsData{
		Locator: b.BlockLocator(),
	})
	b.chainLock.Lock()
	return nil
}

// pruneBlockFiles deletes old block and undo files when pruning is enabled
// and the store has grown beyond the target, always retaining at least the
// most recent minBlocksToKeep blocks.
//
// This function MUST be called with the chain state lock held (for writes).
func (b *BlockChain) pruneBlockFiles() error {
	if b.pruneTarget == 0 {
		return nil
	}

	// Nothing to do while the block and undo files fit within the target.
	b.blockStore.mtx.Lock()
	var storeSize uint64
	for _, info := range b.blockStore.fileInfo {
		storeSize += uint64(info.size) + uint64(info.undoSize)
	}
	b.blockStore.mtx.Unlock()
	if storeSize <= b.pruneTarget {
		return nil
	}

	pruneBefore := b.bestChain.Tip().height - minBlocksToKeep
	if pruneBefore <= 0 {
		return nil
	}
	pruned, err := b.blockStore.PruneFiles(pruneBefore)
	if err != nil {
		return err
	}
	if len(pruned) > 0 {
		if err := b.db.PutFlag(flagPrunedBlockFiles, true); err != nil {
			return err
		}
		batch := b.db.NewBatch()
		for _, fileNum := range pruned {
			batch.Delete(fileInfoKey(fileNum))
		}
		if err := b.db.Write(batch); err != nil {
			return err
		}
		log.Infof("Pruned %d block file pair(s)", len(pruned))
	}
	return nil
}

// connectBlock handles connecting the passed node/block to the end of the
// main (best) chain.
//
// This passed utxo view must have all referenced txos the block spends marked
// as spent and all of the new txos the block creates added to it.  In
// addition, the passed stxos slice must be populated with all of the
// information for the spent txos.
//
// This function MUST be called with the chain state lock held (for writes).
func (b *BlockChain) connectBlock(node *blockNode, block *btcutil.Block, view *UtxoViewpoint, stxos []SpentTxOut) error {
	// Make sure it's extending the end of the best chain.
	prevHash := &block.MsgBlock().Header.PrevBlock
	tip := b.bestChain.Tip()
	if !prevHash.IsEqual(&tip.hash) {
		panicf("block %v (height %v) connects to block %v instead of "+
			"extending the best chain (hash %v, height %v)", node.hash,
			node.height, prevHash, tip.hash, tip.height)
	}

	// Sanity check the correct number of stxos are provided.
	if len(stxos) != countSpentOutputs(block) {
		panicf("provided %v stxos for block %v (height %v) which spends %v "+
			"outputs", len(stxos), node.hash, node.height,
			countSpentOutputs(block))
	}

	// Write the undo data for the block to the undo file store before the
	// fully-validated status can be persisted, so crash recovery always
	// finds undo data for blocks marked fully valid.
	undoSerialized, err := serializeUndoRecord(block, stxos)
	if err != nil {
		return err
	}
	undoOffset, err := b.blockStore.WriteUndo(node.blockFile,
		&node.parent.hash, undoSerialized)
	if err != nil {
		return err
	}
	b.index.Lock()
	node.undoOffset = undoOffset
	b.index.setStatusFlags(node, statusUndoStored)
	b.index.advanceValidity(node, statusValidScripts)
	b.index.Unlock()

	// Write any modified block index entries to the database before
	// updating the best state.
	if err := b.flushBlockIndex(); err != nil {
		return err
	}

	// Generate a new best state snapshot that will be used to update the
	// database and later memory if all database updates are successful.
	b.stateLock.RLock()
	curTotalTxns := b.stateSnapshot.TotalTxns
	b.stateLock.RUnlock()
	numTxns := uint64(len(block.MsgBlock().Transactions))
	blockSize := uint64(block.MsgBlock().SerializeSize())
	state := newBestState(node, blockSize, numTxns, curTotalTxns+numTxns,
		node.CalcPastMedianTime())

	// Atomically insert info into the database: the new best state, the
	// dirty file info records, and any enabled optional indexes.
	batch := b.db.NewBatch()
	dbPutBestState(batch, state, node.workSum)
	b.flushDirtyFileInfo(batch)
	if b.indexManager != nil {
		loc := BlockLocation{File: node.blockFile, Offset: node.blockOffset}
		err := b.indexManager.ConnectBlock(batch, block, loc, stxos)
		if err != nil {
			return err
		}
	}
	if err := b.db.Write(batch); err != nil {
		return err
	}

	// Absorb the per-block view into the utxo cache now that the metadata
	// is committed, and flush the cache to the coin database if it has
	// grown too large.
	if err := b.utxoCache.Commit(view); err != nil {
		return err
	}
	if err := b.utxoCache.MaybeFlush(&node.hash, FlushModeIfNeeded); err != nil {
		return err
	}

	// This node is now the end of the best chain.
	b.bestChain.SetTip(node)

	// Warn if any unknown new rules are either about to activate or have
	// already been activated, and if a high enough percentage of recent
	// blocks have unexpected versions.
	if err := b.warnUnknownRuleActivations(node); err != nil {
		log.Warnf("Unable to check for unknown rule activations: %v", err)
	}
	if err := b.warnUnknownVersions(node); err != nil {
		log.Warnf("Unable to check for unknown block versions: %v", err)
	}

	// Update the state for the best block.  Notice how this replaces the
	// entire struct instead of updating the existing one.  This effectively
	// allows the old version to act as a snapshot which callers can use
	// freely without needing to hold a lock for the duration.  See the
	// comments on the state variable for more details.
	b.stateLock.Lock()
	b.stateSnapshot = state
	b.stateLock.Unlock()

	// Coordinate the transaction pool and notify the caller that the block
	// was connected to the main chain.  The chain lock is released for the
	// duration since the pool consults the chain while updating itself.
	b.chainLock.Unlock()
	if bridge := b.mempoolBridge(); bridge != nil {
		bridge.HandleConnectedBlock(block)
	}
	b.sendNotification(NTBlockConnected, block)
	for _, tx := range block.Transactions() {
		b.sendNotification(NTTransactionConnected, tx)
	}
	b.chainLock.Lock()

	return nil
}

// disconnectBlock handles disconnecting the passed node/block from the end of
// the main (best) chain.
//
// This function MUST be called with the chain state lock held (for writes).
func (b *BlockChain) disconnectBlock(node *blockNode, block *btcutil.Block, view *UtxoViewpoint, stxos []SpentTxOut) error {
	// Make sure the node being disconnected is the end of the best chain.
	tip := b.bestChain.Tip()
	if node.hash != tip.hash {
		panicf("block %v (height %v) is not the end of the best chain "+
			"(hash %v, height %v)", node.hash, node.height, tip.hash,
			tip.height)
	}

	// Write any modified block index entries to the database before
	// updating the best state.
	if err := b.flushBlockIndex(); err != nil {
		return err
	}

	// Generate a new best state snapshot that will be used to update the
	// database and later memory if all database updates are successful.
	b.stateLock.RLock()
	curTotalTxns := b.stateSnapshot.TotalTxns
	b.stateLock.RUnlock()
	prevNode := node.parent
	parentBlock, err := b.fetchBlockByNode(prevNode)
	if err != nil {
		return err
	}
	numParentTxns := uint64(len(parentBlock.MsgBlock().Transactions))
	numBlockTxns := uint64(len(block.MsgBlock().Transactions))
	parentBlockSize := uint64(parentBlock.MsgBlock().SerializeSize())
	state := newBestState(prevNode, parentBlockSize, numParentTxns,
		curTotalTxns-numBlockTxns, prevNode.CalcPastMedianTime())

	// Atomically update the database.
	batch := b.db.NewBatch()
	dbPutBestState(batch, state, prevNode.workSum)
	b.flushDirtyFileInfo(batch)
	if b.indexManager != nil {
		loc := BlockLocation{File: node.blockFile, Offset: node.blockOffset}
		err := b.indexManager.DisconnectBlock(batch, block, loc, stxos)
		if err != nil {
			return err
		}
	}
	if err := b.db.Write(batch); err != nil {
		return err
	}

	// Absorb the per-block view into the utxo cache.
	if err := b.utxoCache.Commit(view); err != nil {
		return err
	}

	// This node's parent is now the end of the best chain.
	b.bestChain.SetTip(node.parent)

	// Update the state for the best block.
	b.stateLock.Lock()
	b.stateSnapshot = state
	b.stateLock.Unlock()

	// Coordinate the transaction pool and notify the caller that the block
	// was disconnected from the main chain.  The chain lock is released for
	// the duration since the pool consults the chain while resurrecting
	// transactions.
	b.chainLock.Unlock()
	if bridge := b.mempoolBridge(); bridge != nil {
		bridge.HandleDisconnectedBlock(block)
	}
	b.sendNotification(NTBlockDisconnected, block)
	b.chainLock.Lock()

	return nil
}

// disconnectTip disconnects the current tip block from the main chain,
// loading its undo data from the undo file store and rolling its effects out
// of the utxo state.
//
// This function MUST be called with the chain state lock held (for writes).
func (b *BlockChain) disconnectTip() error {
	tip := b.bestChain.Tip()
	block, err := b.fetchBlockByNode(tip)
	if err != nil {
		return err
	}

	// Load the undo record for the tip and verify its checksum binds it to
	// the parent block.
	if !b.index.NodeStatus(tip).HaveUndo() {
		return AssertError(fmt.Sprintf("no undo data for tip block %v",
			tip.hash))
	}
	undoSerialized, err := b.blockStore.ReadUndo(tip.blockFile,
		tip.undoOffset, &tip.parent.hash)
	if err != nil {
		return err
	}
	stxos, err := deserializeUndoRecord(undoSerialized, block)
	if err != nil {
		return err
	}

	// Update the view to unspend all of the spent txos and remove the
	// utxos created by the block.
	view := NewUtxoViewpoint()
	view.SetBestHash(&tip.hash)
	err = view.fetchInputUtxos(b.utxoCache, block)
	if err != nil {
		return err
	}
	clean, err := view.disconnectTransactions(block, stxos)
	if err != nil {
		return err
	}
	if !clean {
		// The rollback completed but the restored coin set is not
		// guaranteed byte-identical to the pre-connect state.  The view is
		// still mathematically consistent, so treat it as recoverable and
		// keep going.
		log.Warnf("Unclean disconnect of block %v (height %d)", tip.hash,
			tip.height)
	}

	// Update the database and chain state.
	return b.disconnectBlock(tip, block, view, stxos)
}

// connectTip validates and connects the passed block, which must be a child
// of the current tip, to the main chain.
//
// This function MUST be called with the chain state lock held (for writes).
func (b *BlockChain) connectTip(node *blockNode) error {
	block, err := b.fetchBlockByNode(node)
	if err != nil {
		return err
	}

	// Skip the expensive validation when the block has previously been
	// fully validated; the utxo view still needs to be built.
	view := NewUtxoViewpoint()
	view.SetBestHash(&node.parent.hash)
	stxos := make([]SpentTxOut, 0, countSpentOutputs(block))
	if b.index.NodeStatus(node).KnownValid(statusValidScripts) {
		err = view.fetchInputUtxos(b.utxoCache, block)
		if err != nil {
			return err
		}
		err = view.connectTransactions(block, &stxos)
		if err != nil {
			return err
		}
	} else {
		err = b.checkConnectBlock(node, block, view, &stxos)
		if err != nil {
			var rerr RuleError
			if errorsAs(err, &rerr) && !rerr.CorruptionPossible {
				b.index.MarkBlockFailedValidation(node)
			}
			return err
		}
		b.index.AdvanceValidity(node, statusValidChain)
	}

	return b.connectBlock(node, block, view, stxos)
}

// reorganizeChain attempts to reorganize the block chain to the provided
// target tip, honoring the provided context for cancellation between
// batches.  Upon return the chain will either be fully reorganized to the
// target, stopped at a block that failed to connect (with the failing block
// and its descendants marked invalid), or stopped early due to cancellation.
//
// Connecting happens in batches of at most maxReorgBatchSize blocks with the
// chain lock briefly released between batches so other readers are not
// starved during deep reorganizations.
//
// This function MUST be called with the chain state lock held (for writes).
func (b *BlockChain) reorganizeChain(ctx context.Context, targetTip *blockNode) error {
	// Nothing to do if there is no target tip or the target tip is already
	// the current tip.
	if targetTip == nil || targetTip == b.bestChain.Tip() {
		return nil
	}

	origTip := b.bestChain.Tip()
	fork := b.bestChain.FindFork(targetTip)

	// Send a notification announcing the start of the chain reorganization
	// when blocks are actually being disconnected.
	isReorg := fork != origTip
	if isReorg {
		b.chainLock.Unlock()
		b.sendNotification(NTChainReorgStarted, nil)
		b.chainLock.Lock()
	}

	// Phase 1: disconnect all of the blocks back to the fork point.
	for b.bestChain.Tip() != fork {
		if ctxDone(ctx) {
			return context.Canceled
		}
		if err := b.disconnectTip(); err != nil {
			return err
		}
	}

	// Phase 2: connect the blocks on the new branch in forward order in
	// bounded batches.
	for b.bestChain.Tip() != targetTip {
		if ctxDone(ctx) {
			return context.Canceled
		}

		// Collect up to a batch worth of ancestors of the target above the
		// current tip.
		tipHeight := b.bestChain.Tip().height
		batchEnd := tipHeight + maxReorgBatchSize
		if batchEnd > targetTip.height {
			batchEnd = targetTip.height
		}
		attachNodes := make([]*blockNode, 0, batchEnd-tipHeight)
		for n := targetTip.Ancestor(batchEnd); n != nil &&
			n.height > tipHeight; n = n.parent {

			attachNodes = append(attachNodes, n)
		}

		// The nodes were collected newest first, so connect in reverse.
		for i := len(attachNodes) - 1; i >= 0; i-- {
			n := attachNodes[i]
			if err := b.connectTip(n); err != nil {
				if isReorg {
					b.chainLock.Unlock()
					b.sendNotification(NTChainReorgDone,
						&ReorganizationNtfnsData{
							OldHash:   origTip.hash,
							OldHeight: origTip.height,
							NewHash:   b.bestChain.Tip().hash,
							NewHeight: b.bestChain.Tip().height,
						})
					b.chainLock.Lock()
				}
				return err
			}

			// Remove candidates that can no longer possibly become the
			// best chain now that the tip advanced.
			b.index.RemoveLessWorkCandidates(b.bestChain.Tip())
		}

		// Briefly release the chain lock between batches so other callers
		// have a chance to make progress during deep reorganizations.
		if b.bestChain.Tip() != targetTip {
			b.chainLock.Unlock()
			b.chainLock.Lock()
		}
	}

	if isReorg {
		newTip := b.bestChain.Tip()
		b.chainLock.Unlock()
		b.sendNotification(NTChainReorgDone, &ReorganizationNtfnsData{
			OldHash:   origTip.hash,
			OldHeight: origTip.height,
			NewHash:   newTip.hash,
			NewHeight: newTip.height,
		})
		b.chainLock.Lock()

		// Re-filter the transaction pool against the new tip's locktime
		// and sequence-lock context.
		if bridge := b.mempoolBridge(); bridge != nil {
			b.chainLock.Unlock()
			bridge.HandleReorgDone()
			b.chainLock.Lock()
		}

		log.Infof("REORGANIZE: Chain forks at %v (height %v)", fork.hash,
			fork.height)
		log.Infof("REORGANIZE: Old best chain tip was %v (height %v)",
			origTip.hash, origTip.height)
		log.Infof("REORGANIZE: New best chain tip is %v (height %v)",
			b.bestChain.Tip().hash, b.bestChain.Tip().height)
	}

	return nil
}

// activateBestChain is the chain activation state machine.  It repeatedly
// selects the candidate with the most cumulative work and attempts to
// reorganize the chain to it.  When a candidate fails to connect due to a
// rule violation, the failing block and its descendants have already been
// marked invalid and removed from the candidate set, so the loop simply
// selects the next-best candidate.  System errors abort immediately.
//
// This function MUST be called with the chain state lock held (for writes).
func (b *BlockChain) activateBestChain(ctx context.Context) error {
	for {
		if ctxDone(ctx) {
			return context.Canceled
		}

		target := b.index.FindBestChainCandidate()
		if target == nil || target == b.bestChain.Tip() {
			return nil
		}

		// Refuse to move toward a chain that is already known invalid.
		if b.index.NodeStatus(target).KnownInvalid() {
			b.index.removeBestChainCandidate(target)
			continue
		}

		err := b.reorganizeChain(ctx, target)
		if err == nil {
			continue
		}

		// A rule violation during connection means the offending block was
		// marked failed and pruned from the candidate set, so simply go
		// around the loop again to try the next-best candidate.  A rule
		// violation that did not invalidate the target (such as corrupt
		// undo data on the disconnect side) would loop forever, so it is
		// surfaced like a system error instead.
		var rerr RuleError
		if errorsAs(err, &rerr) &&
			b.index.NodeStatus(target).KnownInvalid() {

			log.Warnf("Chain candidate %v failed to connect: %v",
				target.hash, err)
			continue
		}
		return err
	}
}

// isCurrent returns whether or not the chain believes it is current based on
// the chain work of the best header versus the tip and how recent the tip
// timestamp is.
//
// This function MUST be called with the chain state lock held (for reads).
func (b *BlockChain) isCurrent() bool {
	// Once latched as current, always current.  The latch intentionally
	// never resets so consumers observe a stable transition out of the
	// initial block download state.
	if b.ibdLatched {
		return true
	}

	// Not current if the latest best block has a cumulative work less than
	// the best known header.
	tip := b.bestChain.Tip()
	bestHeader := b.index.BestHeader()
	if bestHeader != nil && tip.workSum.Cmp(bestHeader.workSum) < 0 {
		return false
	}

	// Not current if the latest best block has a timestamp before 24 hours
	// ago.
	minus24Hours := b.timeSource.AdjustedTime().Add(-24 * time.Hour).Unix()
	if tip.timestamp < minus24Hours {
		return false
	}

	b.ibdLatched = true
	return true
}

// IsCurrent returns whether or not the chain believes it is current.  Several
// factors are used to guess, but the key factors that allow the chain to
// believe it is current are the most recent block has a timestamp within the
// last 24 hours and the chain work of the tip is at least that of the best
// known header.
//
// The result latches: once the chain has been deemed current, it remains so
// for the life of the process.
//
// This function is safe for concurrent access.
func (b *BlockChain) IsCurrent() bool {
	b.chainLock.RLock()
	defer b.chainLock.RUnlock()

	return b.isCurrent()
}

// connectBestChain handles connecting the passed block to the chain while
// respecting proper chain selection according to the chain with the most
// proof of work.  In the typical case, the new block simply extends the main
// chain.  However, it may also be extending (or creating) a side chain which
// may or may not end up becoming the main chain depending on which fork
// cumulatively has the most proof of work.  It returns the fork length, which
// is zero when the block ends up on the main chain.
//
// This function MUST be called with the chain state lock held (for writes).
func (b *BlockChain) connectBestChain(ctx context.Context, node *blockNode, block *btcutil.Block, flags BehaviorFlags) (int32, error) {
	// We are extending the main (best) chain with a new block.  This is the
	// most common case.
	parentHash := &block.MsgBlock().Header.PrevBlock
	tip := b.bestChain.Tip()
	if *parentHash == tip.hash {
		// Perform several checks to verify the block can be connected to
		// the main chain without violating any rules before actually
		// connecting the block.
		view := NewUtxoViewpoint()
		view.SetBestHash(parentHash)
		stxos := make([]SpentTxOut, 0, countSpentOutputs(block))
		err := b.checkConnectBlock(node, block, view, &stxos)
		if err != nil {
			var rerr RuleError
			if errorsAs(err, &rerr) && !rerr.CorruptionPossible {
				b.index.MarkBlockFailedValidation(node)
			}
			return 0, err
		}
		b.index.AdvanceValidity(node, statusValidChain)

		// Connect the block to the main chain.
		err = b.connectBlock(node, block, view, stxos)
		if err != nil {
			return 0, err
		}
		b.index.RemoveLessWorkCandidates(node)

		// Periodically run the block index invariant checks when enabled.
		if b.checkBlockIndex {
			b.assertBlockIndexConsistency()
		}

		return 0, nil
	}

	// The block is on a side chain.  Compute the fork length and drive the
	// activation state machine which will reorganize to the side chain if
	// and only if it has more cumulative work.
	fork := b.bestChain.FindFork(node)
	forkLen := node.height - fork.height

	if node.workSum.Cmp(tip.workSum) <= 0 {
		log.Infof("Block %v adds to a side chain (height %v) with less "+
			"cumulative work than the current tip", node.hash, node.height)
		return forkLen, nil
	}

	if err := b.activateBestChain(ctx); err != nil {
		return 0, err
	}
	if b.checkBlockIndex {
		b.assertBlockIndexConsistency()
	}
	if b.bestChain.Contains(node) {
		forkLen = 0
	}
	return forkLen, nil
}

// assertBlockIndexConsistency performs paranoid invariant checks on the block
// index.  It panics on the first violation since an inconsistent index means
// memory corruption or a logic error that cannot be recovered from.
//
// This function MUST be called with the chain state lock held (for reads).
func (b *BlockChain) assertBlockIndexConsistency() {
	b.index.RLock()
	defer b.index.RUnlock()

	var numGenesis int
	for hash, node := range b.index.index {
		if node.hash != hash {
			panicf("block index entry %v houses node with hash %v", hash,
				node.hash)
		}
		if node.parent == nil {
			numGenesis++
			if node.hash != b.chainParams.GenesisHash {
				panicf("parentless block index entry %v is not the "+
					"genesis block", hash)
			}
			continue
		}

		// Chain work must accumulate.
		expectedWork := new(big.Int).Add(node.parent.workSum,
			CalcWork(node.bits))
		if node.workSum.Cmp(expectedWork) != 0 {
			panicf("block index entry %v has work sum %v, expected %v",
				hash, node.workSum, expectedWork)
		}

		// The validity ladder never runs ahead of the parent's.
		if node.status.Validity() >= statusValidChain &&
			node.parent.status.Validity() < statusValidChain &&
			!node.parent.status.KnownInvalid() {

			panicf("block index entry %v is chain valid with a parent "+
				"that is not", hash)
		}
	}
	if numGenesis != 1 {
		panicf("block index houses %d parentless entries", numGenesis)
	}
}

// ctxDone returns whether the provided context has been canceled.  A nil
// context is never done.
func ctxDone(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// errorsAs is a local alias of errors.As specialized for RuleError to keep
// call sites compact.
func errorsAs(err error, target *RuleError) bool {
	re, ok := DetermineRuleError(err)
	if ok {
		*target = re
	}
	return ok
}

// InvalidateBlock manually invalidates the provided block as if it had failed
// validation and then selects the resulting best chain.
//
// This function is safe for concurrent access.
func (b *BlockChain) InvalidateBlock(ctx context.Context, hash *chainhash.Hash) error {
	node := b.index.LookupNode(hash)
	if node == nil {
		return fmt.Errorf("block %s is not known", hash)
	}
	if node.height == 0 {
		return fmt.Errorf("the genesis block cannot be invalidated")
	}

	b.chainLock.Lock()
	defer b.chainLock.Unlock()

	b.index.MarkBlockFailedValidation(node)

	// When the invalidated block is part of the main chain, rewind to its
	// parent and let the activation machinery select the next best chain.
	if b.bestChain.Contains(node) {
		for b.bestChain.Contains(node) {
			if err := b.disconnectTip(); err != nil {
				return err
			}
		}
	}
	b.index.addBestChainCandidate(b.bestChain.Tip())
	return b.activateBestChain(ctx)
}

// Close flushes the chain state and releases the underlying databases.
func (b *BlockChain) Close() error {
	b.chainLock.Lock()
	err := b.flushChainState(FlushModeAlways)
	b.chainLock.Unlock()
	if err != nil {
		log.Errorf("Failed to flush chain state on close: %v", err)
	}

	if cerr := b.utxoCache.backend.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if cerr := b.db.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// New returns a BlockChain instance using the provided configuration details.
func New(config *Config) (*BlockChain, error) {
	// Enforce required config fields.
	if config.ChainParams == nil {
		return nil, AssertError("blockchain.New chain parameters nil")
	}
	if config.TimeSource == nil {
		return nil, AssertError("blockchain.New timestamp source is nil")
	}

	params := config.ChainParams
	targetTimespan := int64(params.TargetTimespan / time.Second)
	targetTimePerBlock := int64(params.TargetTimePerBlock / time.Second)
	adjustmentFactor := params.RetargetAdjustmentFactor

	db, err := newMetadataStore(filepath.Join(config.DataDir, "metadata"))
	if err != nil {
		return nil, err
	}
	utxoBackend, err := newUtxoBackend(filepath.Join(config.DataDir,
		"utxodb"))
	if err != nil {
		db.Close()
		return nil, err
	}
	store, err := newBlockStore(filepath.Join(config.DataDir, "blocks"),
		params.Net)
	if err != nil {
		db.Close()
		utxoBackend.Close()
		return nil, err
	}

	b := BlockChain{
		chainParams:         params,
		timeSource:          config.TimeSource,
		sigCache:            config.SigCache,
		hashCache:           config.HashCache,
		indexManager:        config.IndexManager,
		governance:          config.Governance,
		instantLocker:       config.InstantLocker,
		sporkOracle:         config.SporkOracle,
		assumeValid:         config.AssumeValid,
		pruneTarget:         config.Prune,
		checkBlockIndex:     config.CheckBlockIndex,
		minRetargetTimespan: targetTimespan / adjustmentFactor,
		maxRetargetTimespan: targetTimespan * adjustmentFactor,
		blocksPerRetarget:   int32(targetTimespan / targetTimePerBlock),
		db:                  db,
		blockStore:          store,
		index:               newBlockIndex(db),
		bestChain:           newChainView(nil),
		validatedScriptsCache: lru.NewSet[scriptValCacheKey](
			validatedScriptsCacheSize),
		rejectedBlocks:   make(map[chainhash.Hash]time.Time),
		deploymentCaches: newThresholdCaches(uint32(chaincfg.DefinedDeployments)),
		warningCaches:    newThresholdCaches(vbNumBits),
		lastFlushTime:    time.Now(),
	}
	b.utxoCache = NewUtxoCache(&UtxoCacheConfig{
		Backend: utxoBackend,
		MaxSize: config.UtxoCacheMaxSize,
	})

	// Initialize the chain state from the passed database.  When the db
	// does not yet contain any chain state, both it and the chain state
	// will be initialized to contain only the genesis block.
	if err := b.initChainState(); err != nil {
		db.Close()
		utxoBackend.Close()
		return nil, err
	}

	// Reconcile the coin database against the block index after a
	// potential unclean shutdown.
	if err := b.recoverUtxoState(); err != nil {
		db.Close()
		utxoBackend.Close()
		return nil, err
	}

	// Initialize and catch up all of the currently active optional indexes
	// as needed.
	if config.IndexManager != nil {
		err := config.IndexManager.Init(&b)
		if err != nil {
			db.Close()
			utxoBackend.Close()
			return nil, err
		}
	}

	bestState := b.BestSnapshot()
	log.Infof("Chain state (height %d, hash %v, totaltx %d)",
		bestState.Height, bestState.Hash, bestState.TotalTxns)

	return &b, nil
}
