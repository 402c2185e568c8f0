// Copyright (c) 2026 The Meridian developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// The metadata database houses the block index, the per-file usage records of
// the flat file store, the best chain state, and scalar flags describing
// which optional indexes are enabled.
var (
	// blockIndexKeyPrefix is the prefix for block index entry keys.  The
	// rest of the key is the big-endian block height followed by the block
	// hash, so iterating the prefix yields entries in height order and
	// parents are always seen before children.
	blockIndexKeyPrefix = []byte("i")

	// fileInfoKeyPrefix is the prefix for flat file usage record keys.
	fileInfoKeyPrefix = []byte("f")

	// chainStateKey is the key of the best chain state record.
	chainStateKey = []byte("chainstate")

	// flagKeyPrefix is the prefix for scalar flag keys such as the enabled
	// optional indexes and the prune marker.
	flagKeyPrefix = []byte("flag-")
)

// Flag names persisted under flagKeyPrefix.
const (
	flagTxIndex          = "txindex"
	flagAddressIndex     = "addressindex"
	flagTimestampIndex   = "timestampindex"
	flagSpentIndex       = "spentindex"
	flagPrunedBlockFiles = "prunedblockfiles"
	flagReindexing       = "reindexing"
)

// metadataStore is a thin wrapper around the leveldb instance housing the
// chain metadata.
type metadataStore struct {
	db *leveldb.DB
}

// newMetadataStore opens (and creates if needed) the metadata database.
func newMetadataStore(dbPath string) (*metadataStore, error) {
	opts := opt.Options{
		Strict:      opt.DefaultStrict,
		Compression: opt.NoCompression,
		Filter:      filter.NewBloomFilter(10),
	}
	db, err := leveldb.OpenFile(dbPath, &opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata database: %w", err)
	}
	return &metadataStore{db: db}, nil
}

// Close closes the underlying database.
func (m *metadataStore) Close() error {
	return m.db.Close()
}

// Get returns the value for the provided key or nil when it does not exist.
func (m *metadataStore) Get(key []byte) ([]byte, error) {
	serialized, err := m.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	return serialized, err
}

// Put stores the provided key/value pair.
func (m *metadataStore) Put(key, value []byte) error {
	return m.db.Put(key, value, nil)
}

// NewBatch returns a new write batch for the store.
func (m *metadataStore) NewBatch() *leveldb.Batch {
	return new(leveldb.Batch)
}

// Write atomically applies the provided batch.
func (m *metadataStore) Write(batch *leveldb.Batch) error {
	return m.db.Write(batch, nil)
}

// Iterate invokes the provided function for every key/value pair whose key
// carries the provided prefix.  Returning an error from the function stops
// the iteration and returns that error.
func (m *metadataStore) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	iter := m.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	for iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

// IndexDB is the key/value surface the optional index manager uses to read
// index state and record which indexes are enabled.  Index writes themselves
// ride in the batches handed to the manager during block connection so they
// are atomic with the block.
type IndexDB interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Iterate(prefix []byte, fn func(key, value []byte) error) error
	FetchFlag(name string) (bool, error)
	PutFlag(name string, value bool) error
}

// IndexDB returns the metadata key/value surface used by the optional index
// manager.
func (b *BlockChain) IndexDB() IndexDB {
	return b.db
}

// FetchFlag returns the value of the named boolean flag.  Missing flags
// default to false.
func (m *metadataStore) FetchFlag(name string) (bool, error) {
	serialized, err := m.Get(append(flagKeyPrefix, name...))
	if err != nil || serialized == nil {
		return false, err
	}
	return serialized[0] != 0, nil
}

// PutFlag stores the value of the named boolean flag.
func (m *metadataStore) PutFlag(name string, value bool) error {
	encoded := []byte{0}
	if value {
		encoded[0] = 1
	}
	return m.Put(append(flagKeyPrefix, name...), encoded)
}

// blockIndexKey generates the metadata key for a block index entry.  The key
// is the prefix followed by the block height encoded as a big-endian uint32
// followed by the block hash.
func blockIndexKey(blockHash *chainhash.Hash, blockHeight uint32) []byte {
	indexKey := make([]byte, len(blockIndexKeyPrefix)+chainhash.HashSize+4)
	copy(indexKey, blockIndexKeyPrefix)
	binary.BigEndian.PutUint32(indexKey[1:5], blockHeight)
	copy(indexKey[5:], blockHash[:])
	return indexKey
}

// serializeBlockNode serializes the passed block node into a single byte
// slice: the block header followed by the status, the transaction counts,
// and the flat file locators.
func serializeBlockNode(node *blockNode) ([]byte, error) {
	var buf bytes.Buffer
	header := node.Header()
	if err := header.Serialize(&buf); err != nil {
		return nil, err
	}

	var trailer [2 + 4 + 8 + 4 + 4 + 4 + 4]byte
	binary.LittleEndian.PutUint16(trailer[0:2], uint16(node.status))
	binary.LittleEndian.PutUint32(trailer[2:6], node.numTxns)
	binary.LittleEndian.PutUint64(trailer[6:14], node.totalTxns)
	binary.LittleEndian.PutUint32(trailer[14:18], node.blockSize)
	binary.LittleEndian.PutUint32(trailer[18:22], node.blockFile)
	binary.LittleEndian.PutUint32(trailer[22:26], node.blockOffset)
	binary.LittleEndian.PutUint32(trailer[26:30], node.undoOffset)
	buf.Write(trailer[:])
	return buf.Bytes(), nil
}

// deserializeBlockNode decodes a block index entry.  The parent and work sum
// are resolved by the caller since they require the rest of the index.
func deserializeBlockNode(serialized []byte) (*wire.BlockHeader, *blockNode, error) {
	r := bytes.NewReader(serialized)
	var header wire.BlockHeader
	if err := header.Deserialize(r); err != nil {
		return nil, nil, err
	}

	var trailer [2 + 4 + 8 + 4 + 4 + 4 + 4]byte
	if _, err := io.ReadFull(r, trailer[:]); err != nil {
		return nil, nil, errDeserialize("unexpected end of block index entry")
	}

	node := new(blockNode)
	node.status = blockStatus(binary.LittleEndian.Uint16(trailer[0:2]))
	node.numTxns = binary.LittleEndian.Uint32(trailer[2:6])
	node.totalTxns = binary.LittleEndian.Uint64(trailer[6:14])
	node.blockSize = binary.LittleEndian.Uint32(trailer[14:18])
	node.blockFile = binary.LittleEndian.Uint32(trailer[18:22])
	node.blockOffset = binary.LittleEndian.Uint32(trailer[22:26])
	node.undoOffset = binary.LittleEndian.Uint32(trailer[26:30])
	return &header, node, nil
}

// dbBatchPutBlockNode stores the serialized block index entry for the node in
// the provided batch.
func dbBatchPutBlockNode(batch *leveldb.Batch, node *blockNode) {
	serialized, err := serializeBlockNode(node)
	if err != nil {
		// Serializing to an in-memory buffer can only fail on a coding
		// error.
		panicf("failed to serialize block node %v: %v", node.hash, err)
	}
	batch.Put(blockIndexKey(&node.hash, uint32(node.height)), serialized)
}

// fileInfoKey generates the metadata key for a flat file usage record.
func fileInfoKey(fileNum uint32) []byte {
	key := make([]byte, len(fileInfoKeyPrefix)+4)
	copy(key, fileInfoKeyPrefix)
	binary.BigEndian.PutUint32(key[1:], fileNum)
	return key
}

// serializeBlockFileInfo serializes a flat file usage record.
func serializeBlockFileInfo(info *blockFileInfo) []byte {
	var serialized [4 + 4 + 4 + 4 + 4 + 8 + 8]byte
	binary.LittleEndian.PutUint32(serialized[0:4], info.numBlocks)
	binary.LittleEndian.PutUint32(serialized[4:8], info.size)
	binary.LittleEndian.PutUint32(serialized[8:12], info.undoSize)
	binary.LittleEndian.PutUint32(serialized[12:16], uint32(info.heightFirst))
	binary.LittleEndian.PutUint32(serialized[16:20], uint32(info.heightLast))
	binary.LittleEndian.PutUint64(serialized[20:28], uint64(info.timeFirst))
	binary.LittleEndian.PutUint64(serialized[28:36], uint64(info.timeLast))
	return serialized[:]
}

// deserializeBlockFileInfo decodes a flat file usage record.
func deserializeBlockFileInfo(serialized []byte) (*blockFileInfo, error) {
	if len(serialized) < 36 {
		return nil, errDeserialize("short block file info record")
	}
	return &blockFileInfo{
		numBlocks:   binary.LittleEndian.Uint32(serialized[0:4]),
		size:        binary.LittleEndian.Uint32(serialized[4:8]),
		undoSize:    binary.LittleEndian.Uint32(serialized[8:12]),
		heightFirst: int32(binary.LittleEndian.Uint32(serialized[12:16])),
		heightLast:  int32(binary.LittleEndian.Uint32(serialized[16:20])),
		timeFirst:   int64(binary.LittleEndian.Uint64(serialized[20:28])),
		timeLast:    int64(binary.LittleEndian.Uint64(serialized[28:36])),
	}, nil
}

// bestChainState represents the data to be stored in the database for the
// current best chain state.
type bestChainState struct {
	hash      chainhash.Hash
	height    uint32
	totalTxns uint64
	workSum   *big.Int
}

// serializeBestChainState serializes the passed chain state:
//
//	[hash][height][total txns][work sum length][work sum]
func serializeBestChainState(state bestChainState) []byte {
	workSumBytes := state.workSum.Bytes()
	serialized := make([]byte, chainhash.HashSize+4+8+4+len(workSumBytes))

	copy(serialized, state.hash[:])
	offset := uint32(chainhash.HashSize)
	binary.LittleEndian.PutUint32(serialized[offset:], state.height)
	offset += 4
	binary.LittleEndian.PutUint64(serialized[offset:], state.totalTxns)
	offset += 8
	binary.LittleEndian.PutUint32(serialized[offset:], uint32(len(workSumBytes)))
	offset += 4
	copy(serialized[offset:], workSumBytes)
	return serialized
}

// deserializeBestChainState deserializes the passed serialized best chain
// state.  This is data stored in the chain state key of the metadata
// database.
func deserializeBestChainState(serialized []byte) (bestChainState, error) {
	// Ensure the serialized data has enough bytes to properly deserialize
	// the fixed fields.
	var state bestChainState
	if len(serialized) < chainhash.HashSize+16 {
		return state, errDeserialize("short best chain state record")
	}

	copy(state.hash[:], serialized[0:chainhash.HashSize])
	offset := uint32(chainhash.HashSize)
	state.height = binary.LittleEndian.Uint32(serialized[offset : offset+4])
	offset += 4
	state.totalTxns = binary.LittleEndian.Uint64(serialized[offset : offset+8])
	offset += 8
	workSumBytesLen := binary.LittleEndian.Uint32(serialized[offset : offset+4])
	offset += 4

	// Ensure the serialized data has enough bytes to deserialize the work
	// sum.
	if uint32(len(serialized[offset:])) < workSumBytesLen {
		return state, errDeserialize("short best chain state work sum")
	}
	state.workSum = new(big.Int).SetBytes(
		serialized[offset : offset+workSumBytesLen])

	return state, nil
}

// dbPutBestState uses an existing database batch to update the best chain
// state with the given parameters.
func dbPutBestState(batch *leveldb.Batch, snapshot *BestState, workSum *big.Int) {
	serialized := serializeBestChainState(bestChainState{
		hash:      snapshot.Hash,
		height:    uint32(snapshot.Height),
		totalTxns: snapshot.TotalTxns,
		workSum:   workSum,
	})
	batch.Put(chainStateKey, serialized)
}

// createChainState initializes the metadata database and the block index with
// the genesis block of the active network.
func (b *BlockChain) createChainState() error {
	// Create a new node from the genesis block and set it as the best node.
	genesisBlock := b.chainParams.GenesisBlock
	header := &genesisBlock.Header
	node := newBlockNode(header, nil)
	node.status = statusDataStored | statusValidScripts
	node.isFullyLinked = true
	node.numTxns = uint32(len(genesisBlock.Transactions))
	node.totalTxns = uint64(len(genesisBlock.Transactions))
	node.blockSize = uint32(genesisBlock.SerializeSize())

	// Store the genesis block in the flat file store so it can be loaded
	// like any other block.
	genesisUtil := btcutil.NewBlock(genesisBlock)
	genesisUtil.SetHeight(0)
	fileNum, offset, err := b.blockStore.WriteBlock(genesisUtil)
	if err != nil {
		return err
	}
	node.blockFile = fileNum
	node.blockOffset = offset

	// Initialize the state related to the best block.
	numTxns := uint64(len(genesisBlock.Transactions))
	blockSize := uint64(genesisBlock.SerializeSize())
	b.stateSnapshot = newBestState(node, blockSize, numTxns, numTxns,
		time.Unix(node.timestamp, 0))

	// Add the genesis block to the block index and make it the active
	// chain.
	b.index.addNode(node)
	b.index.addBestChainCandidate(node)
	b.bestChain.SetTip(node)

	// Store the genesis metadata atomically.
	batch := b.db.NewBatch()
	dbBatchPutBlockNode(batch, node)
	dbPutBestState(batch, b.stateSnapshot, node.workSum)
	b.flushDirtyFileInfo(batch)
	return b.db.Write(batch)
}

// initChainState attempts to load and initialize the chain state from the
// database.  When the db does not yet contain any chain state, both it and
// the chain state are initialized to the genesis block.
func (b *BlockChain) initChainState() error {
	// Determine the state of the chain database.
	serializedState, err := b.db.Get(chainStateKey)
	if err != nil {
		return err
	}
	if serializedState == nil {
		// At this point the database has not already been initialized, so
		// initialize both it and the chain state to the genesis block.
		log.Infof("Initializing chain state from genesis block")
		return b.createChainState()
	}

	state, err := deserializeBestChainState(serializedState)
	if err != nil {
		return err
	}

	log.Infof("Loading block index...")

	// Load every block index entry from the database.  The keys are ordered
	// by height, so a parent is always loaded before its children and can
	// be resolved immediately.
	var tip *blockNode
	iter := b.db.db.NewIterator(util.BytesPrefix(blockIndexKeyPrefix), nil)
	for iter.Next() {
		header, node, err := deserializeBlockNode(iter.Value())
		if err != nil {
			iter.Release()
			return err
		}

		var parent *blockNode
		if header.PrevBlock != (chainhash.Hash{}) {
			parent = b.index.index[header.PrevBlock]
			if parent == nil {
				iter.Release()
				return AssertError(fmt.Sprintf("initChainState: block %s "+
					"references unknown parent %s", header.BlockHash(),
					header.PrevBlock))
			}
		}

		// Rebuild the in-memory portion of the node around the stored
		// fields.
		stored := *node
		initBlockNode(node, header, parent)
		node.status = stored.status
		node.numTxns = stored.numTxns
		node.totalTxns = stored.totalTxns
		node.blockSize = stored.blockSize
		node.blockFile = stored.blockFile
		node.blockOffset = stored.blockOffset
		node.undoOffset = stored.undoOffset
		node.isFullyLinked = node.status.KnownValid(statusValidTransactions) &&
			(parent == nil || parent.isFullyLinked)
		b.index.addNodeFromDB(node)

		if node.hash == state.hash {
			tip = node
		}
	}
	err = iter.Error()
	iter.Release()
	if err != nil {
		return err
	}

	if tip == nil {
		return AssertError(fmt.Sprintf("initChainState: best chain tip %s "+
			"is not in the block index", state.hash))
	}

	// Load the flat file usage records.
	iter = b.db.db.NewIterator(util.BytesPrefix(fileInfoKeyPrefix), nil)
	for iter.Next() {
		fileNum := binary.BigEndian.Uint32(iter.Key()[1:])
		info, err := deserializeBlockFileInfo(iter.Value())
		if err != nil {
			iter.Release()
			return err
		}
		b.blockStore.setFileInfo(fileNum, *info)
	}
	err = iter.Error()
	iter.Release()
	if err != nil {
		return err
	}

	// Set the best chain to the stored tip and prime the candidate set with
	// it.
	b.bestChain.SetTip(tip)
	b.index.addBestChainCandidate(tip)

	// Initialize the state related to the best block.
	block, err := b.fetchBlockByNode(tip)
	if err != nil {
		return err
	}
	blockSize := uint64(block.MsgBlock().SerializeSize())
	numTxns := uint64(len(block.MsgBlock().Transactions))
	b.stateSnapshot = newBestState(tip, blockSize, numTxns, state.totalTxns,
		tip.CalcPastMedianTime())

	return nil
}

// recoverUtxoState reconciles the coin database against the block index after
// an unclean shutdown.  When the coin database's best block marker lags the
// block index tip, the missing blocks are replayed through the utxo cache.
// The marker can never legitimately be ahead of the block tree since the
// marker is only advanced after block index flushes.
func (b *BlockChain) recoverUtxoState() error {
	tip := b.bestChain.Tip()
	storedBest, err := b.utxoCache.Initialize(tip)
	if err != nil {
		return err
	}
	if storedBest == tip.hash {
		return nil
	}

	storedNode := b.index.LookupNode(&storedBest)
	if storedNode == nil {
		return AssertError(fmt.Sprintf("recoverUtxoState: utxo set best "+
			"block %s is not in the block index", storedBest))
	}

	// When the stored best block is on a side branch, the process stopped
	// partway through a reorganization before the coin view was flushed.
	// Rewind the coin state down the stale branch to the fork point using
	// the stored undo data, then fall through to the forward replay below.
	if !b.bestChain.Contains(storedNode) {
		fork := b.bestChain.FindFork(storedNode)
		if fork == nil {
			return AssertError(fmt.Sprintf("recoverUtxoState: utxo set "+
				"best block %s does not connect to the main chain",
				storedBest))
		}
		log.Infof("Rewinding the coin database %d block(s) to the fork "+
			"point at height %d", storedNode.height-fork.height,
			fork.height)

		for n := storedNode; n != fork; n = n.parent {
			if !n.status.HaveUndo() {
				return AssertError(fmt.Sprintf("recoverUtxoState: no "+
					"undo data for stale branch block %s", n.hash))
			}
			block, err := b.fetchBlockByNode(n)
			if err != nil {
				return err
			}
			undoSerialized, err := b.blockStore.ReadUndo(n.blockFile,
				n.undoOffset, &n.parent.hash)
			if err != nil {
				return err
			}
			stxos, err := deserializeUndoRecord(undoSerialized, block)
			if err != nil {
				return err
			}

			view := NewUtxoViewpoint()
			view.SetBestHash(&n.hash)
			if err := view.fetchInputUtxos(b.utxoCache, block); err != nil {
				return err
			}
			if _, err := view.disconnectTransactions(block, stxos); err != nil {
				return err
			}
			if err := b.utxoCache.Commit(view); err != nil {
				return err
			}
		}
		storedNode = fork
	}

	log.Infof("Replaying %d block(s) to catch the coin database up to the "+
		"chain tip", tip.height-storedNode.height)

	for n := b.bestChain.Next(storedNode); n != nil; n = b.bestChain.Next(n) {
		block, err := b.fetchBlockByNode(n)
		if err != nil {
			return err
		}

		view := NewUtxoViewpoint()
		view.SetBestHash(&n.parent.hash)
		err = view.fetchInputUtxos(b.utxoCache, block)
		if err != nil {
			return err
		}
		err = view.connectTransactions(block, nil)
		if err != nil {
			return err
		}
		if err := b.utxoCache.Commit(view); err != nil {
			return err
		}
	}

	return b.utxoCache.MaybeFlush(&tip.hash, FlushModeAlways)
}
