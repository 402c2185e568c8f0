// Copyright (c) 2026 The Meridian developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package indexers

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/syndtr/goleveldb/leveldb"

	"github.com/meridianchain/mrdd/internal/blockchain"
)

const (
	// txIndexName is the human-readable name for the index.
	txIndexName = "transaction index"
)

// txIndexKeyPrefix is the prefix for all transaction index keys.  The
// remainder of the key is the transaction hash.
var txIndexKeyPrefix = []byte("tx")

// TxLocation houses the location of a transaction within the flat file
// store: the block record that contains it and the position of the
// serialized transaction within that record.
type TxLocation struct {
	BlockFile   uint32
	BlockOffset uint32
	TxOffset    uint32
	TxLen       uint32
}

// TxIndex implements a transaction-hash-to-location index for all
// transactions in the main chain.
type TxIndex struct {
	db blockchain.IndexDB
}

// Ensure the TxIndex type implements the Indexer interface.
var _ Indexer = (*TxIndex)(nil)

// NewTxIndex returns a new instance of an indexer that is used to create a
// mapping of the hashes of all transactions in the blockchain to the
// location of the respective transaction in the flat file store.
func NewTxIndex(db blockchain.IndexDB) *TxIndex {
	return &TxIndex{db: db}
}

// Name returns the human-readable name of the index.
//
// This is part of the Indexer interface.
func (idx *TxIndex) Name() string {
	return txIndexName
}

// FlagName returns the metadata flag recording that the index is enabled.
//
// This is part of the Indexer interface.
func (idx *TxIndex) FlagName() string {
	return "txindex"
}

// txIndexKey returns the index key for the provided transaction hash.
func txIndexKey(txHash *chainhash.Hash) []byte {
	key := make([]byte, len(txIndexKeyPrefix)+chainhash.HashSize)
	copy(key, txIndexKeyPrefix)
	copy(key[len(txIndexKeyPrefix):], txHash[:])
	return key
}

// serializeTxLocation serializes a transaction location entry.
func serializeTxLocation(loc TxLocation) []byte {
	var serialized [16]byte
	binary.LittleEndian.PutUint32(serialized[0:4], loc.BlockFile)
	binary.LittleEndian.PutUint32(serialized[4:8], loc.BlockOffset)
	binary.LittleEndian.PutUint32(serialized[8:12], loc.TxOffset)
	binary.LittleEndian.PutUint32(serialized[12:16], loc.TxLen)
	return serialized[:]
}

// deserializeTxLocation decodes a transaction location entry.
func deserializeTxLocation(serialized []byte) (TxLocation, error) {
	if len(serialized) < 16 {
		return TxLocation{}, fmt.Errorf("short transaction index entry")
	}
	return TxLocation{
		BlockFile:   binary.LittleEndian.Uint32(serialized[0:4]),
		BlockOffset: binary.LittleEndian.Uint32(serialized[4:8]),
		TxOffset:    binary.LittleEndian.Uint32(serialized[8:12]),
		TxLen:       binary.LittleEndian.Uint32(serialized[12:16]),
	}, nil
}

// txOffsetsInBlock computes the byte offset and length of every serialized
// transaction within the provided block's serialized representation.
func txOffsetsInBlock(block *btcutil.Block) []TxLocation {
	msgBlock := block.MsgBlock()

	// The transactions start after the fixed-size header and the
	// transaction count.
	const blockHeaderLen = 80
	offset := blockHeaderLen + uint32(wire.VarIntSerializeSize(
		uint64(len(msgBlock.Transactions))))

	locs := make([]TxLocation, 0, len(msgBlock.Transactions))
	for _, tx := range msgBlock.Transactions {
		txLen := uint32(tx.SerializeSize())
		locs = append(locs, TxLocation{TxOffset: offset, TxLen: txLen})
		offset += txLen
	}
	return locs
}

// ConnectBlock adds a location entry for every transaction in the connected
// block.
//
// This is part of the Indexer interface.
func (idx *TxIndex) ConnectBlock(batch *leveldb.Batch, block *btcutil.Block, loc blockchain.BlockLocation, _ []blockchain.SpentTxOut) error {
	offsets := txOffsetsInBlock(block)
	for i, tx := range block.Transactions() {
		entry := offsets[i]
		entry.BlockFile = loc.File
		entry.BlockOffset = loc.Offset
		batch.Put(txIndexKey(tx.Hash()), serializeTxLocation(entry))
	}
	return nil
}

// DisconnectBlock removes the location entries of every transaction in the
// disconnected block.
//
// This is part of the Indexer interface.
func (idx *TxIndex) DisconnectBlock(batch *leveldb.Batch, block *btcutil.Block, _ blockchain.BlockLocation, _ []blockchain.SpentTxOut) error {
	for _, tx := range block.Transactions() {
		batch.Delete(txIndexKey(tx.Hash()))
	}
	return nil
}

// TxLocation returns the location of the provided transaction hash in the
// flat file store, or false when the transaction is not indexed.
func (idx *TxIndex) TxLocation(txHash *chainhash.Hash) (TxLocation, bool, error) {
	serialized, err := idx.db.Get(txIndexKey(txHash))
	if err != nil || serialized == nil {
		return TxLocation{}, false, err
	}
	loc, err := deserializeTxLocation(serialized)
	if err != nil {
		return TxLocation{}, false, err
	}
	return loc, true, nil
}
