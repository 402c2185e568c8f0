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

const (
	// addrIndexName is the human-readable name for the index.
	addrIndexName = "address index"

	// addrKeyTypePubKeyHash and friends identify the kind of script an
	// address key was derived from.
	addrKeyTypePubKeyHash     = 1
	addrKeyTypeScriptHash     = 2
	addrKeyTypeWitnessKeyHash = 3

	// addrHashSize is the size of the address hash in index keys.
	addrHashSize = 20
)

var (
	// addrIndexKeyPrefix is the prefix for per-io address index rows.
	addrIndexKeyPrefix = []byte("ai")

	// addrUnspentKeyPrefix is the prefix for address unspent output rows.
	addrUnspentKeyPrefix = []byte("au")
)

// addrKey houses the type tag and hash that identify an address in index
// keys.
type addrKey struct {
	keyType byte
	hash    [addrHashSize]byte
}

// addrKeyFromScript extracts an address key from the standard script
// templates the index covers.  It reports false for scripts with no
// indexable address form.
func addrKeyFromScript(pkScript []byte) (addrKey, bool) {
	var key addrKey
	switch {
	// Pay-to-pubkey-hash:
	// OP_DUP OP_HASH160 <20-byte hash> OP_EQUALVERIFY OP_CHECKSIG
	case len(pkScript) == 25 && pkScript[0] == 0x76 &&
		pkScript[1] == 0xa9 && pkScript[2] == 0x14 &&
		pkScript[23] == 0x88 && pkScript[24] == 0xac:

		key.keyType = addrKeyTypePubKeyHash
		copy(key.hash[:], pkScript[3:23])
		return key, true

	// Pay-to-script-hash: OP_HASH160 <20-byte hash> OP_EQUAL
	case len(pkScript) == 23 && pkScript[0] == 0xa9 &&
		pkScript[1] == 0x14 && pkScript[22] == 0x87:

		key.keyType = addrKeyTypeScriptHash
		copy(key.hash[:], pkScript[2:22])
		return key, true

	// Pay-to-pubkey: <33 or 65-byte pubkey> OP_CHECKSIG
	case (len(pkScript) == 35 && pkScript[0] == 0x21 &&
		pkScript[34] == 0xac) ||
		(len(pkScript) == 67 && pkScript[0] == 0x41 &&
			pkScript[66] == 0xac):

		key.keyType = addrKeyTypePubKeyHash
		copy(key.hash[:], btcutil.Hash160(pkScript[1:len(pkScript)-1]))
		return key, true

	// Pay-to-witness-pubkey-hash: OP_0 <20-byte hash>
	case len(pkScript) == 22 && pkScript[0] == 0x00 && pkScript[1] == 0x14:
		key.keyType = addrKeyTypeWitnessKeyHash
		copy(key.hash[:], pkScript[2:22])
		return key, true
	}

	return key, false
}

// addrIndexRowKey builds the key of a per-io address index row:
//
//	[prefix][type][addr hash][height BE][tx number BE][tx hash][io index BE][is spend]
//
// The big-endian height and transaction number make range scans return rows
// in chain order.
func addrIndexRowKey(key addrKey, height int32, txNum uint32, txHash *chainhash.Hash, ioIndex uint32, isSpend bool) []byte {
	row := make([]byte, 0,
		len(addrIndexKeyPrefix)+1+addrHashSize+4+4+chainhash.HashSize+4+1)
	row = append(row, addrIndexKeyPrefix...)
	row = append(row, key.keyType)
	row = append(row, key.hash[:]...)
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(height))
	row = append(row, buf[:]...)
	binary.BigEndian.PutUint32(buf[:], txNum)
	row = append(row, buf[:]...)
	row = append(row, txHash[:]...)
	binary.BigEndian.PutUint32(buf[:], ioIndex)
	row = append(row, buf[:]...)
	if isSpend {
		row = append(row, 1)
	} else {
		row = append(row, 0)
	}
	return row
}

// addrUnspentRowKey builds the key of an address unspent output row:
//
//	[prefix][type][addr hash][tx hash][output index BE]
func addrUnspentRowKey(key addrKey, txHash *chainhash.Hash, outIndex uint32) []byte {
	row := make([]byte, 0,
		len(addrUnspentKeyPrefix)+1+addrHashSize+chainhash.HashSize+4)
	row = append(row, addrUnspentKeyPrefix...)
	row = append(row, key.keyType)
	row = append(row, key.hash[:]...)
	row = append(row, txHash[:]...)
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], outIndex)
	row = append(row, buf[:]...)
	return row
}

// serializeAddrUnspentRow serializes the value of an address unspent output
// row: the amount, the height, and the script.
func serializeAddrUnspentRow(amount int64, height int32, pkScript []byte) []byte {
	serialized := make([]byte, 12+len(pkScript))
	binary.LittleEndian.PutUint64(serialized[0:8], uint64(amount))
	binary.LittleEndian.PutUint32(serialized[8:12], uint32(height))
	copy(serialized[12:], pkScript)
	return serialized
}

// serializeAmount serializes the signed amount of a per-io row.
func serializeAmount(amount int64) []byte {
	var serialized [8]byte
	binary.LittleEndian.PutUint64(serialized[:], uint64(amount))
	return serialized[:]
}

// AddrIndex implements the address index along with its companion unspent
// output rows.  For every standard-template output and every input spending
// one, a row keyed by the address is written so wallets and explorers can
// discover activity by address.
type AddrIndex struct {
	db blockchain.IndexDB
}

// Ensure the AddrIndex type implements the Indexer interface.
var _ Indexer = (*AddrIndex)(nil)

// NewAddrIndex returns a new address index instance.
func NewAddrIndex(db blockchain.IndexDB) *AddrIndex {
	return &AddrIndex{db: db}
}

// Name returns the human-readable name of the index.
//
// This is part of the Indexer interface.
func (idx *AddrIndex) Name() string {
	return addrIndexName
}

// FlagName returns the metadata flag recording that the index is enabled.
//
// This is part of the Indexer interface.
func (idx *AddrIndex) FlagName() string {
	return "addressindex"
}

// ConnectBlock indexes every standard-template output created by the block
// and every input spending one.
//
// This is part of the Indexer interface.
func (idx *AddrIndex) ConnectBlock(batch *leveldb.Batch, block *btcutil.Block, _ blockchain.BlockLocation, stxos []blockchain.SpentTxOut) error {
	height := block.Height()
	stxoIdx := 0
	for txNum, tx := range block.Transactions() {
		txHash := tx.Hash()

		// Inputs: a spend row per standard-template previous output, and
		// the companion unspent row is removed.
		if txNum != 0 {
			for txInIdx, txIn := range tx.MsgTx().TxIn {
				stxo := &stxos[stxoIdx]
				stxoIdx++

				key, ok := addrKeyFromScript(stxo.PkScript)
				if !ok {
					continue
				}
				batch.Put(addrIndexRowKey(key, height, uint32(txNum),
					txHash, uint32(txInIdx), true),
					serializeAmount(-stxo.Amount))
				prevOut := &txIn.PreviousOutPoint
				batch.Delete(addrUnspentRowKey(key, &prevOut.Hash,
					prevOut.Index))
			}
		}

		// Outputs: a receive row and a companion unspent row.
		for txOutIdx, txOut := range tx.MsgTx().TxOut {
			key, ok := addrKeyFromScript(txOut.PkScript)
			if !ok {
				continue
			}
			batch.Put(addrIndexRowKey(key, height, uint32(txNum), txHash,
				uint32(txOutIdx), false), serializeAmount(txOut.Value))
			batch.Put(addrUnspentRowKey(key, txHash, uint32(txOutIdx)),
				serializeAddrUnspentRow(txOut.Value, height,
					txOut.PkScript))
		}
	}
	return nil
}

// DisconnectBlock removes the per-io rows written when the block was
// connected and restores the companion unspent rows.
//
// NOTE: Unspent rows for outputs created by the disconnected block are
// written as empty values rather than deleted.  Downstream queries must treat
// empty-value rows as tombstones.
//
// This is part of the Indexer interface.
func (idx *AddrIndex) DisconnectBlock(batch *leveldb.Batch, block *btcutil.Block, _ blockchain.BlockLocation, stxos []blockchain.SpentTxOut) error {
	height := block.Height()
	stxoIdx := 0
	for txNum, tx := range block.Transactions() {
		txHash := tx.Hash()

		// Remove the receive rows and tombstone the unspent rows of the
		// block's own outputs.
		for txOutIdx, txOut := range tx.MsgTx().TxOut {
			key, ok := addrKeyFromScript(txOut.PkScript)
			if !ok {
				continue
			}
			batch.Delete(addrIndexRowKey(key, height, uint32(txNum),
				txHash, uint32(txOutIdx), false))
			batch.Put(addrUnspentRowKey(key, txHash, uint32(txOutIdx)), nil)
		}

		// Remove the spend rows and restore the unspent rows of the
		// previous outputs the block spent.
		if txNum != 0 {
			for txInIdx, txIn := range tx.MsgTx().TxIn {
				stxo := &stxos[stxoIdx]
				stxoIdx++

				key, ok := addrKeyFromScript(stxo.PkScript)
				if !ok {
					continue
				}
				batch.Delete(addrIndexRowKey(key, height, uint32(txNum),
					txHash, uint32(txInIdx), true))
				prevOut := &txIn.PreviousOutPoint
				batch.Put(addrUnspentRowKey(key, &prevOut.Hash,
					prevOut.Index), serializeAddrUnspentRow(stxo.Amount,
					stxo.Height, stxo.PkScript))
			}
		}
	}
	return nil
}

// UnspentOutput describes an unspent output discovered through the address
// index.
type UnspentOutput struct {
	TxHash   chainhash.Hash
	OutIndex uint32
	Amount   int64
	Height   int32
	PkScript []byte
}

// UnspentOutputs returns the unspent outputs recorded for the provided
// script's address, skipping tombstoned rows.
func (idx *AddrIndex) UnspentOutputs(pkScript []byte) ([]UnspentOutput, error) {
	key, ok := addrKeyFromScript(pkScript)
	if !ok {
		return nil, nil
	}

	prefix := make([]byte, 0, len(addrUnspentKeyPrefix)+1+addrHashSize)
	prefix = append(prefix, addrUnspentKeyPrefix...)
	prefix = append(prefix, key.keyType)
	prefix = append(prefix, key.hash[:]...)

	var utxos []UnspentOutput
	err := idx.db.Iterate(prefix, func(k, v []byte) error {
		// Empty-value rows are tombstones.
		if len(v) == 0 {
			return nil
		}

		var utxo UnspentOutput
		offset := len(prefix)
		copy(utxo.TxHash[:], k[offset:offset+chainhash.HashSize])
		utxo.OutIndex = binary.BigEndian.Uint32(k[offset+chainhash.HashSize:])
		utxo.Amount = int64(binary.LittleEndian.Uint64(v[0:8]))
		utxo.Height = int32(binary.LittleEndian.Uint32(v[8:12]))
		utxo.PkScript = append([]byte(nil), v[12:]...)
		utxos = append(utxos, utxo)
		return nil
	})
	return utxos, err
}
