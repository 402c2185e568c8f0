// Copyright (c) 2026 The Meridian developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// The coin database maps outpoints to unspent coins.  Spent coins are simply
// absent.  In addition to the coins themselves it houses the best block
// marker, which is always written in the same batch as coin mutations so the
// pair is crash consistent.
var (
	// utxoPrefix is the key prefix for all entries in the utxo set.
	utxoPrefix = []byte("u")

	// utxoBestBlockKey is the key that houses the hash of the block the
	// utxo set is current through.
	utxoBestBlockKey = []byte("bestblock")
)

// utxoKeySize is the size of a serialized utxo set key: the prefix, the
// transaction hash, and the little-endian output index.
const utxoKeySize = 1 + chainhash.HashSize + 4

// outpointKey returns the coin database key for the provided outpoint.
func outpointKey(outpoint wire.OutPoint) []byte {
	key := make([]byte, utxoKeySize)
	key[0] = utxoPrefix[0]
	copy(key[1:], outpoint.Hash[:])
	binary.LittleEndian.PutUint32(key[1+chainhash.HashSize:], outpoint.Index)
	return key
}

// serializeUtxoEntry returns the entry serialized to a format that is
// suitable for long-term storage:
//
//	[varint header code (height << 1 | coinbase flag)]
//	[varint amount]
//	[varint script length][script]
func serializeUtxoEntry(entry *UtxoEntry) []byte {
	headerCode := uint64(entry.BlockHeight()) << 1
	if entry.IsCoinBase() {
		headerCode |= 1
	}

	size := wire.VarIntSerializeSize(headerCode) +
		wire.VarIntSerializeSize(uint64(entry.Amount())) +
		wire.VarIntSerializeSize(uint64(len(entry.PkScript()))) +
		len(entry.PkScript())
	serialized := make([]byte, 0, size)
	serialized = appendVarInt(serialized, headerCode)
	serialized = appendVarInt(serialized, uint64(entry.Amount()))
	serialized = appendVarInt(serialized, uint64(len(entry.PkScript())))
	serialized = append(serialized, entry.PkScript()...)
	return serialized
}

// deserializeUtxoEntry decodes a utxo entry from the passed serialized byte
// slice into a new UtxoEntry using the format described by
// serializeUtxoEntry.
func deserializeUtxoEntry(serialized []byte) (*UtxoEntry, error) {
	headerCode, offset := decodeVarInt(serialized)
	if offset <= 0 {
		return nil, errDeserialize("unexpected end of data after header")
	}
	amount, n := decodeVarInt(serialized[offset:])
	if n <= 0 {
		return nil, errDeserialize("unexpected end of data after amount")
	}
	offset += n
	scriptLen, n := decodeVarInt(serialized[offset:])
	if n <= 0 {
		return nil, errDeserialize("unexpected end of data after script size")
	}
	offset += n
	if uint64(len(serialized[offset:])) < scriptLen {
		return nil, errDeserialize("unexpected end of data after script")
	}

	pkScript := make([]byte, scriptLen)
	copy(pkScript, serialized[offset:offset+int(scriptLen)])

	entry := &UtxoEntry{
		amount:      int64(amount),
		pkScript:    pkScript,
		blockHeight: int32(headerCode >> 1),
	}
	if headerCode&1 != 0 {
		entry.packedFlags |= utxoFlagCoinBase
	}
	return entry, nil
}

// utxoBackend provides a persistent storage layer for the utxo set backed by
// leveldb.
type utxoBackend struct {
	db *leveldb.DB
}

// newUtxoBackend opens (and creates if needed) the leveldb database that
// houses the utxo set and returns a backend instance for it.
func newUtxoBackend(dbPath string) (*utxoBackend, error) {
	opts := opt.Options{
		Strict:      opt.DefaultStrict,
		Compression: opt.NoCompression,
		Filter:      filter.NewBloomFilter(10),
	}
	db, err := leveldb.OpenFile(dbPath, &opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open utxo database: %w", err)
	}
	return &utxoBackend{db: db}, nil
}

// Close closes the underlying database.
func (ub *utxoBackend) Close() error {
	return ub.db.Close()
}

// FetchEntry returns the specified transaction output from the utxo set.
// When there is no entry for the provided output, nil will be returned for
// both the entry and the error.
func (ub *utxoBackend) FetchEntry(outpoint wire.OutPoint) (*UtxoEntry, error) {
	serialized, err := ub.db.Get(outpointKey(outpoint), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return deserializeUtxoEntry(serialized)
}

// FetchBestBlock returns the hash of the block the utxo set is current
// through.  A zero hash is returned when no marker exists, which is the case
// for a freshly created database.
func (ub *utxoBackend) FetchBestBlock() (chainhash.Hash, error) {
	var hash chainhash.Hash
	serialized, err := ub.db.Get(utxoBestBlockKey, nil)
	if err == leveldb.ErrNotFound {
		return hash, nil
	}
	if err != nil {
		return hash, err
	}
	if len(serialized) != chainhash.HashSize {
		return hash, errDeserialize("corrupt best block marker")
	}
	copy(hash[:], serialized)
	return hash, nil
}

// PutUtxos atomically applies the provided set of utxo entries along with the
// new best block marker.  Spent entries are removed while unspent modified
// entries are written.
func (ub *utxoBackend) PutUtxos(utxos map[wire.OutPoint]*UtxoEntry, bestBlock *chainhash.Hash) error {
	batch := new(leveldb.Batch)
	for outpoint, entry := range utxos {
		// No need to update the database if the entry was not modified.
		if entry == nil || !entry.isModified() {
			continue
		}

		key := outpointKey(outpoint)
		if entry.IsSpent() {
			batch.Delete(key)
			continue
		}
		batch.Put(key, serializeUtxoEntry(entry))
	}

	// The best block marker rides in the same batch so the utxo set and
	// the marker can never be observed out of sync.
	batch.Put(utxoBestBlockKey, bestBlock[:])

	return ub.db.Write(batch, nil)
}

// appendVarInt appends the canonical varint encoding of the passed value.
func appendVarInt(b []byte, val uint64) []byte {
	switch {
	case val < 0xfd:
		return append(b, byte(val))
	case val <= 0xffff:
		b = append(b, 0xfd)
		var buf [2]byte
		binary.LittleEndian.PutUint16(buf[:], uint16(val))
		return append(b, buf[:]...)
	case val <= 0xffffffff:
		b = append(b, 0xfe)
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], uint32(val))
		return append(b, buf[:]...)
	default:
		b = append(b, 0xff)
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], val)
		return append(b, buf[:]...)
	}
}

// decodeVarInt decodes a canonical varint from the passed slice and returns
// the value along with the number of bytes consumed.  A non-positive count
// indicates the data was too short.
func decodeVarInt(b []byte) (uint64, int) {
	if len(b) == 0 {
		return 0, 0
	}
	switch b[0] {
	case 0xfd:
		if len(b) < 3 {
			return 0, 0
		}
		return uint64(binary.LittleEndian.Uint16(b[1:3])), 3
	case 0xfe:
		if len(b) < 5 {
			return 0, 0
		}
		return uint64(binary.LittleEndian.Uint32(b[1:5])), 5
	case 0xff:
		if len(b) < 9 {
			return 0, 0
		}
		return binary.LittleEndian.Uint64(b[1:9]), 9
	default:
		return uint64(b[0]), 1
	}
}

// errDeserialize signifies that a problem was encountered when deserializing
// data.
type errDeserialize string

// Error implements the error interface.
func (e errDeserialize) Error() string {
	return string(e)
}
