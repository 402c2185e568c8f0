// Copyright (c) 2026 The Meridian developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package indexers

import (
	"encoding/binary"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/syndtr/goleveldb/leveldb"

	"github.com/meridianchain/mrdd/internal/blockchain"
)

// timestampIndexName is the human-readable name for the index.
const timestampIndexName = "timestamp index"

// timestampIndexKeyPrefix is the prefix for all timestamp index keys.  The
// remainder of the key is the big-endian block timestamp followed by the
// block hash, so a range scan over a time window yields the hashes of the
// blocks mined within it.
var timestampIndexKeyPrefix = []byte("ts")

// TimestampIndex implements a block-timestamp-to-block-hash index.
type TimestampIndex struct {
	db blockchain.IndexDB
}

// Ensure the TimestampIndex type implements the Indexer interface.
var _ Indexer = (*TimestampIndex)(nil)

// NewTimestampIndex returns a new timestamp index instance.
func NewTimestampIndex(db blockchain.IndexDB) *TimestampIndex {
	return &TimestampIndex{db: db}
}

// Name returns the human-readable name of the index.
//
// This is part of the Indexer interface.
func (idx *TimestampIndex) Name() string {
	return timestampIndexName
}

// FlagName returns the metadata flag recording that the index is enabled.
//
// This is part of the Indexer interface.
func (idx *TimestampIndex) FlagName() string {
	return "timestampindex"
}

// timestampIndexKey returns the index key for the provided timestamp and
// block hash.
func timestampIndexKey(timestamp int64, blockHash *chainhash.Hash) []byte {
	key := make([]byte, 0, len(timestampIndexKeyPrefix)+8+chainhash.HashSize)
	key = append(key, timestampIndexKeyPrefix...)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(timestamp))
	key = append(key, buf[:]...)
	return append(key, blockHash[:]...)
}

// ConnectBlock records the timestamp row for the connected block.
//
// This is part of the Indexer interface.
func (idx *TimestampIndex) ConnectBlock(batch *leveldb.Batch, block *btcutil.Block, _ blockchain.BlockLocation, _ []blockchain.SpentTxOut) error {
	ts := block.MsgBlock().Header.Timestamp.Unix()
	batch.Put(timestampIndexKey(ts, block.Hash()), nil)
	return nil
}

// DisconnectBlock removes the timestamp row of the disconnected block.
//
// This is part of the Indexer interface.
func (idx *TimestampIndex) DisconnectBlock(batch *leveldb.Batch, block *btcutil.Block, _ blockchain.BlockLocation, _ []blockchain.SpentTxOut) error {
	ts := block.MsgBlock().Header.Timestamp.Unix()
	batch.Delete(timestampIndexKey(ts, block.Hash()))
	return nil
}

// BlockHashesInRange returns the hashes of all indexed blocks whose
// timestamps fall within [start, end).
func (idx *TimestampIndex) BlockHashesInRange(start, end int64) ([]chainhash.Hash, error) {
	var hashes []chainhash.Hash
	err := idx.db.Iterate(timestampIndexKeyPrefix, func(k, _ []byte) error {
		offset := len(timestampIndexKeyPrefix)
		ts := int64(binary.BigEndian.Uint64(k[offset : offset+8]))
		if ts < start || ts >= end {
			return nil
		}
		var hash chainhash.Hash
		copy(hash[:], k[offset+8:])
		hashes = append(hashes, hash)
		return nil
	})
	return hashes, err
}
