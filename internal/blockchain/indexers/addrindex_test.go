// Copyright (c) 2026 The Meridian developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package indexers

import (
	"bytes"
	"math"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/syndtr/goleveldb/leveldb"

	"github.com/meridianchain/mrdd/internal/blockchain"
)

// fakeIndexDB implements the blockchain.IndexDB interface over an in-memory
// map for testing indexers without a real database.
type fakeIndexDB struct {
	entries map[string][]byte
	flags   map[string]bool
}

func newFakeIndexDB() *fakeIndexDB {
	return &fakeIndexDB{
		entries: make(map[string][]byte),
		flags:   make(map[string]bool),
	}
}

func (db *fakeIndexDB) Get(key []byte) ([]byte, error) {
	value, ok := db.entries[string(key)]
	if !ok {
		return nil, nil
	}
	return value, nil
}

func (db *fakeIndexDB) Put(key, value []byte) error {
	db.entries[string(key)] = append([]byte(nil), value...)
	return nil
}

func (db *fakeIndexDB) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	for key, value := range db.entries {
		if len(key) < len(prefix) || key[:len(prefix)] != string(prefix) {
			continue
		}
		if err := fn([]byte(key), value); err != nil {
			return err
		}
	}
	return nil
}

func (db *fakeIndexDB) FetchFlag(name string) (bool, error) {
	return db.flags[name], nil
}

func (db *fakeIndexDB) PutFlag(name string, value bool) error {
	db.flags[name] = value
	return nil
}

// apply replays the batch into the fake database, which is exactly what a
// leveldb write would do.
func (db *fakeIndexDB) apply(t *testing.T, batch *leveldb.Batch) {
	t.Helper()
	err := batch.Replay(batchReplayer{db})
	if err != nil {
		t.Fatalf("batch replay: %v", err)
	}
}

// batchReplayer adapts fakeIndexDB to the leveldb batch replay interface.
type batchReplayer struct {
	db *fakeIndexDB
}

func (r batchReplayer) Put(key, value []byte) {
	r.db.entries[string(key)] = append([]byte(nil), value...)
}

func (r batchReplayer) Delete(key []byte) {
	delete(r.db.entries, string(key))
}

// p2pkhScript builds a pay-to-pubkey-hash script for the provided 20-byte
// hash.
func p2pkhScript(hash20 byte) []byte {
	script := make([]byte, 25)
	script[0] = 0x76 // OP_DUP
	script[1] = 0xa9 // OP_HASH160
	script[2] = 0x14 // 20-byte push
	for i := 3; i < 23; i++ {
		script[i] = hash20
	}
	script[23] = 0x88 // OP_EQUALVERIFY
	script[24] = 0xac // OP_CHECKSIG
	return script
}

// indexTestBlock builds a block paying two p2pkh outputs to the same address
// from its coinbase.
func indexTestBlock(height int32, addrByte byte) *btcutil.Block {
	coinbase := wire.NewMsgTx(1)
	coinbase.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{
			Hash:  chainhash.Hash{},
			Index: math.MaxUint32,
		},
		SignatureScript: []byte{0x51, 0x51},
		Sequence:        wire.MaxTxInSequenceNum,
	})
	coinbase.AddTxOut(&wire.TxOut{Value: 3000e8,
		PkScript: p2pkhScript(addrByte)})
	coinbase.AddTxOut(&wire.TxOut{Value: 2000e8,
		PkScript: p2pkhScript(addrByte)})

	msgBlock := &wire.MsgBlock{
		Header: wire.BlockHeader{Version: 1, Nonce: uint32(height)},
	}
	msgBlock.AddTransaction(coinbase)
	block := btcutil.NewBlock(msgBlock)
	block.SetHeight(height)
	return block
}

// TestAddrKeyFromScript ensures the standard script templates are recognized
// and the hash extracted.
func TestAddrKeyFromScript(t *testing.T) {
	key, ok := addrKeyFromScript(p2pkhScript(0xab))
	if !ok {
		t.Fatal("p2pkh script not recognized")
	}
	if key.keyType != addrKeyTypePubKeyHash {
		t.Fatalf("p2pkh script classified as %d", key.keyType)
	}
	for _, b := range key.hash {
		if b != 0xab {
			t.Fatal("extracted hash is wrong")
		}
	}

	// Pay-to-script-hash.
	p2sh := make([]byte, 23)
	p2sh[0] = 0xa9
	p2sh[1] = 0x14
	p2sh[22] = 0x87
	key, ok = addrKeyFromScript(p2sh)
	if !ok || key.keyType != addrKeyTypeScriptHash {
		t.Fatal("p2sh script not recognized")
	}

	// An OP_RETURN script has no address form.
	if _, ok := addrKeyFromScript([]byte{0x6a, 0x04, 1, 2, 3, 4}); ok {
		t.Fatal("nulldata script produced an address key")
	}
}

// TestAddrIndexConnectDisconnect ensures address index rows appear on
// connect and that disconnect removes the receive rows while tombstoning the
// unspent rows (S6 semantics: empty-value rows are tombstones).
func TestAddrIndexConnectDisconnect(t *testing.T) {
	db := newFakeIndexDB()
	idx := NewAddrIndex(db)

	block := indexTestBlock(5, 0xcd)
	loc := blockchain.BlockLocation{File: 0, Offset: 8}

	batch := new(leveldb.Batch)
	if err := idx.ConnectBlock(batch, block, loc, nil); err != nil {
		t.Fatalf("ConnectBlock: %v", err)
	}
	db.apply(t, batch)

	utxos, err := idx.UnspentOutputs(p2pkhScript(0xcd))
	if err != nil {
		t.Fatalf("UnspentOutputs: %v", err)
	}
	if len(utxos) != 2 {
		t.Fatalf("address has %d unspent outputs indexed, want 2",
			len(utxos))
	}
	var total int64
	for _, utxo := range utxos {
		if utxo.Height != 5 {
			t.Fatalf("unspent row height is %d, want 5", utxo.Height)
		}
		total += utxo.Amount
	}
	if total != 5000e8 {
		t.Fatalf("indexed amounts sum to %d, want %d", total,
			int64(5000e8))
	}

	// Disconnecting erases the rows: the receive rows are deleted and the
	// unspent rows become tombstones that queries must skip.
	batch = new(leveldb.Batch)
	if err := idx.DisconnectBlock(batch, block, loc, nil); err != nil {
		t.Fatalf("DisconnectBlock: %v", err)
	}
	db.apply(t, batch)

	utxos, err = idx.UnspentOutputs(p2pkhScript(0xcd))
	if err != nil {
		t.Fatalf("UnspentOutputs after disconnect: %v", err)
	}
	if len(utxos) != 0 {
		t.Fatalf("address still has %d unspent outputs after disconnect",
			len(utxos))
	}

	// The tombstone rows themselves must still exist with empty values.
	var tombstones int
	err = db.Iterate(addrUnspentKeyPrefix, func(_, v []byte) error {
		if len(v) == 0 {
			tombstones++
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Iterate: %v", err)
	}
	if tombstones != 2 {
		t.Fatalf("found %d tombstone rows, want 2", tombstones)
	}
}

// TestTxIndexOffsets ensures the transaction index computes in-block offsets
// that actually locate each serialized transaction.
func TestTxIndexOffsets(t *testing.T) {
	block := indexTestBlock(9, 0x44)
	serialized, err := block.Bytes()
	if err != nil {
		t.Fatalf("block serialize: %v", err)
	}

	offsets := txOffsetsInBlock(block)
	if len(offsets) != len(block.Transactions()) {
		t.Fatalf("computed %d offsets, want %d", len(offsets),
			len(block.Transactions()))
	}
	for i, tx := range block.Transactions() {
		loc := offsets[i]
		buf := serialized[loc.TxOffset : loc.TxOffset+loc.TxLen]

		var parsed wire.MsgTx
		if err := parsed.Deserialize(bytes.NewReader(buf)); err != nil {
			t.Fatalf("tx %d does not deserialize from its region: %v", i,
				err)
		}
		if parsed.TxHash() != *tx.Hash() {
			t.Fatalf("tx %d region deserializes to the wrong transaction",
				i)
		}
	}
}
