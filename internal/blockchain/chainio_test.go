// Copyright (c) 2026 The Meridian developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"math/big"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/meridianchain/mrdd/chaincfg"
)

// TestBlockNodeSerialization ensures block index entries survive a round trip
// through their serialized form.
func TestBlockNodeSerialization(t *testing.T) {
	parent := newFakeNode(nil, 1, 0x207fffff, time.Unix(1700000000, 0))
	node := newFakeNode(parent, 0x20000001, 0x207fffff,
		time.Unix(1700000055, 0))
	node.status = statusDataStored | statusUndoStored | statusValidScripts
	node.numTxns = 7
	node.totalTxns = 1234
	node.blockSize = 98765
	node.blockFile = 3
	node.blockOffset = 1024
	node.undoOffset = 2048

	serialized, err := serializeBlockNode(node)
	if err != nil {
		t.Fatalf("serializeBlockNode: %v", err)
	}
	header, decoded, err := deserializeBlockNode(serialized)
	if err != nil {
		t.Fatalf("deserializeBlockNode: %v", err)
	}

	if header.BlockHash() != node.hash {
		t.Fatal("decoded header hash mismatch")
	}
	if header.PrevBlock != parent.hash {
		t.Fatal("decoded header parent mismatch")
	}
	if decoded.status != node.status {
		t.Fatalf("decoded status %v, want %v", decoded.status, node.status)
	}
	if decoded.numTxns != node.numTxns ||
		decoded.totalTxns != node.totalTxns ||
		decoded.blockSize != node.blockSize ||
		decoded.blockFile != node.blockFile ||
		decoded.blockOffset != node.blockOffset ||
		decoded.undoOffset != node.undoOffset {

		t.Fatal("decoded node fields mismatch")
	}
}

// TestBestChainStateSerialization ensures the best chain state record
// survives a round trip through its serialized form.
func TestBestChainStateSerialization(t *testing.T) {
	state := bestChainState{
		hash:      chainhash.Hash{0x0a, 0x0b},
		height:    157,
		totalTxns: 2000,
		workSum:   new(big.Int).SetUint64(9876543210),
	}

	serialized := serializeBestChainState(state)
	decoded, err := deserializeBestChainState(serialized)
	if err != nil {
		t.Fatalf("deserializeBestChainState: %v", err)
	}
	if decoded.hash != state.hash || decoded.height != state.height ||
		decoded.totalTxns != state.totalTxns ||
		decoded.workSum.Cmp(state.workSum) != 0 {

		t.Fatal("decoded best chain state mismatch")
	}

	// Truncated data is rejected.
	if _, err := deserializeBestChainState(serialized[:10]); err == nil {
		t.Fatal("truncated best chain state accepted")
	}
}

// TestUtxoEntrySerialization ensures coin database entries survive a round
// trip including the coinbase flag.
func TestUtxoEntrySerialization(t *testing.T) {
	entry := &UtxoEntry{
		amount:      5000e8,
		pkScript:    []byte{0x76, 0xa9, 0x14, 0x01, 0x02},
		blockHeight: 143500,
		packedFlags: utxoFlagCoinBase,
	}

	decoded, err := deserializeUtxoEntry(serializeUtxoEntry(entry))
	if err != nil {
		t.Fatalf("deserializeUtxoEntry: %v", err)
	}
	if decoded.Amount() != entry.Amount() ||
		decoded.BlockHeight() != entry.BlockHeight() ||
		decoded.IsCoinBase() != entry.IsCoinBase() {

		t.Fatal("decoded utxo entry mismatch")
	}
	if string(decoded.PkScript()) != string(entry.PkScript()) {
		t.Fatal("decoded utxo entry script mismatch")
	}
}

// TestChainStateInit ensures a brand new chain initializes to the genesis
// block and reloads to the same state.
func TestChainStateInit(t *testing.T) {
	params := &chaincfg.SimNetParams
	dataDir := t.TempDir()

	chain, err := New(&Config{
		DataDir:          dataDir,
		ChainParams:      params,
		TimeSource:       NewMedianTime(),
		UtxoCacheMaxSize: 1024 * 1024,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	best := chain.BestSnapshot()
	if best.Hash != params.GenesisHash {
		t.Fatalf("fresh chain tip is %v, want genesis %v", best.Hash,
			params.GenesisHash)
	}
	if best.Height != 0 {
		t.Fatalf("fresh chain height is %d, want 0", best.Height)
	}
	if err := chain.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopen and ensure the state was persisted.
	chain, err = New(&Config{
		DataDir:          dataDir,
		ChainParams:      params,
		TimeSource:       NewMedianTime(),
		UtxoCacheMaxSize: 1024 * 1024,
	})
	if err != nil {
		t.Fatalf("New (reopen): %v", err)
	}
	defer chain.Close()

	best = chain.BestSnapshot()
	if best.Hash != params.GenesisHash || best.Height != 0 {
		t.Fatalf("reloaded chain tip is %v (height %d), want genesis",
			best.Hash, best.Height)
	}

	// The genesis block must be loadable from the flat file store.
	block, err := chain.BlockByHeight(0)
	if err != nil {
		t.Fatalf("BlockByHeight(0): %v", err)
	}
	if *block.Hash() != params.GenesisHash {
		t.Fatal("loaded genesis block hash mismatch")
	}
}
