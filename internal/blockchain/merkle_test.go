// Copyright (c) 2026 The Meridian developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// fakeTx returns a minimal transaction whose hash is unique per seed.
func fakeTx(seed uint32) *btcutil.Tx {
	msgTx := wire.NewMsgTx(1)
	msgTx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: encodeFakeOutPoint(seed, 0),
		SignatureScript:  []byte{0x51},
		Sequence:         wire.MaxTxInSequenceNum,
	})
	msgTx.AddTxOut(&wire.TxOut{Value: int64(seed), PkScript: []byte{0x51}})
	return btcutil.NewTx(msgTx)
}

// TestMerkleRootSingleTx ensures the merkle root of a single-transaction list
// is the hash of that transaction.
func TestMerkleRootSingleTx(t *testing.T) {
	tx := fakeTx(1)
	root, mutated := calcMerkleRoot([]*btcutil.Tx{tx}, false)
	if mutated {
		t.Fatal("single transaction list reported as mutated")
	}
	if root != *tx.Hash() {
		t.Fatalf("merkle root of single tx list is %v, want %v", root,
			tx.Hash())
	}
}

// TestMerkleRootPairing ensures the root of an odd-length list equals the
// root obtained by duplicating the final element, which is exactly the
// malleation calcMerkleRoot must detect.
func TestMerkleRootPairing(t *testing.T) {
	txns := []*btcutil.Tx{fakeTx(1), fakeTx(2), fakeTx(3)}
	root, mutated := calcMerkleRoot(txns, false)
	if mutated {
		t.Fatal("honest odd-length list reported as mutated")
	}

	// Padding the list by duplicating the final transaction yields the same
	// root, and the mutation must be detected.
	padded := append(append([]*btcutil.Tx(nil), txns...), txns[2])
	paddedRoot, paddedMutated := calcMerkleRoot(padded, false)
	if paddedRoot != root {
		t.Fatalf("padded list root %v differs from honest root %v -- the "+
			"malleation under test no longer applies", paddedRoot, root)
	}
	if !paddedMutated {
		t.Fatal("padded transaction list not reported as mutated")
	}
}

// TestMerkleRootDistinct ensures different transaction lists produce
// different roots.
func TestMerkleRootDistinct(t *testing.T) {
	rootA, _ := calcMerkleRoot([]*btcutil.Tx{fakeTx(1), fakeTx(2)}, false)
	rootB, _ := calcMerkleRoot([]*btcutil.Tx{fakeTx(1), fakeTx(3)}, false)
	if rootA == rootB {
		t.Fatal("distinct transaction lists produced identical roots")
	}
	var zero chainhash.Hash
	if rootA == zero {
		t.Fatal("merkle root is zero")
	}
}
