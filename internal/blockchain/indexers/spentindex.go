// Copyright (c) 2026 The Meridian developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package indexers

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/syndtr/goleveldb/leveldb"

	"github.com/meridianchain/mrdd/internal/blockchain"
)

// spentIndexName is the human-readable name for the index.
const spentIndexName = "spent output index"

// spentIndexKeyPrefix is the prefix for all spent output index keys.  The
// remainder of the key is the spent transaction hash followed by the
// big-endian output index.
var spentIndexKeyPrefix = []byte("sp")

// SpentInfo describes how an output was spent.
type SpentInfo struct {
	SpendingTxHash chainhash.Hash
	InputIndex     uint32
	Height         int32
	Amount         int64
	AddrType       byte
	AddrHash       [addrHashSize]byte
}

// SpentIndex implements an index from spent outpoints to the transactions
// that spent them.  It answers the question "what spent this output?" in a
// single lookup.
type SpentIndex struct {
	db blockchain.IndexDB
}

// Ensure the SpentIndex type implements the Indexer interface.
var _ Indexer = (*SpentIndex)(nil)

// NewSpentIndex returns a new spent output index instance.
func NewSpentIndex(db blockchain.IndexDB) *SpentIndex {
	return &SpentIndex{db: db}
}

// Name returns the human-readable name of the index.
//
// This is part of the Indexer interface.
func (idx *SpentIndex) Name() string {
	return spentIndexName
}

// FlagName returns the metadata flag recording that the index is enabled.
//
// This is part of the Indexer interface.
func (idx *SpentIndex) FlagName() string {
	return "spentindex"
}

// spentIndexKey returns the index key for the provided outpoint.
func spentIndexKey(txHash *chainhash.Hash, outIndex uint32) []byte {
	key := make([]byte, 0, len(spentIndexKeyPrefix)+chainhash.HashSize+4)
	key = append(key, spentIndexKeyPrefix...)
	key = append(key, txHash[:]...)
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], outIndex)
	return append(key, buf[:]...)
}

// serializeSpentInfo serializes a spent output entry.
func serializeSpentInfo(info *SpentInfo) []byte {
	serialized := make([]byte, chainhash.HashSize+4+4+8+1+addrHashSize)
	copy(serialized, info.SpendingTxHash[:])
	offset := chainhash.HashSize
	binary.LittleEndian.PutUint32(serialized[offset:], info.InputIndex)
	offset += 4
	binary.LittleEndian.PutUint32(serialized[offset:], uint32(info.Height))
	offset += 4
	binary.LittleEndian.PutUint64(serialized[offset:], uint64(info.Amount))
	offset += 8
	serialized[offset] = info.AddrType
	offset++
	copy(serialized[offset:], info.AddrHash[:])
	return serialized
}

// deserializeSpentInfo decodes a spent output entry.
func deserializeSpentInfo(serialized []byte) (*SpentInfo, error) {
	if len(serialized) < chainhash.HashSize+4+4+8+1+addrHashSize {
		return nil, fmt.Errorf("short spent index entry")
	}
	var info SpentInfo
	copy(info.SpendingTxHash[:], serialized[0:chainhash.HashSize])
	offset := chainhash.HashSize
	info.InputIndex = binary.LittleEndian.Uint32(serialized[offset:])
	offset += 4
	info.Height = int32(binary.LittleEndian.Uint32(serialized[offset:]))
	offset += 4
	info.Amount = int64(binary.LittleEndian.Uint64(serialized[offset:]))
	offset += 8
	info.AddrType = serialized[offset]
	offset++
	copy(info.AddrHash[:], serialized[offset:])
	return &info, nil
}

// ConnectBlock records a spend entry for every outpoint the block spends.
//
// This is part of the Indexer interface.
func (idx *SpentIndex) ConnectBlock(batch *leveldb.Batch, block *btcutil.Block, _ blockchain.BlockLocation, stxos []blockchain.SpentTxOut) error {
	stxoIdx := 0
	for txNum, tx := range block.Transactions() {
		if txNum == 0 {
			continue
		}
		for txInIdx, txIn := range tx.MsgTx().TxIn {
			stxo := &stxos[stxoIdx]
			stxoIdx++

			info := SpentInfo{
				SpendingTxHash: *tx.Hash(),
				InputIndex:     uint32(txInIdx),
				Height:         block.Height(),
				Amount:         stxo.Amount,
			}
			if key, ok := addrKeyFromScript(stxo.PkScript); ok {
				info.AddrType = key.keyType
				info.AddrHash = key.hash
			}
			prevOut := &txIn.PreviousOutPoint
			batch.Put(spentIndexKey(&prevOut.Hash, prevOut.Index),
				serializeSpentInfo(&info))
		}
	}
	return nil
}

// DisconnectBlock removes the spend entries the block created.
//
// This is part of the Indexer interface.
func (idx *SpentIndex) DisconnectBlock(batch *leveldb.Batch, block *btcutil.Block, _ blockchain.BlockLocation, _ []blockchain.SpentTxOut) error {
	for txNum, tx := range block.Transactions() {
		if txNum == 0 {
			continue
		}
		for _, txIn := range tx.MsgTx().TxIn {
			prevOut := &txIn.PreviousOutPoint
			batch.Delete(spentIndexKey(&prevOut.Hash, prevOut.Index))
		}
	}
	return nil
}

// SpentBy returns how the provided outpoint was spent, or false when no
// spend of it is indexed.
func (idx *SpentIndex) SpentBy(txHash *chainhash.Hash, outIndex uint32) (*SpentInfo, bool, error) {
	serialized, err := idx.db.Get(spentIndexKey(txHash, outIndex))
	if err != nil || serialized == nil {
		return nil, false, err
	}
	info, err := deserializeSpentInfo(serialized)
	if err != nil {
		return nil, false, err
	}
	return info, true, nil
}
