// Copyright (c) 2026 The Meridian developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
)

// newFakeBlock builds a block at the provided height whose first transaction
// is a coinbase and whose remaining transactions are the passed ones.  The
// header only carries enough to give the block a stable hash.
func newFakeBlock(parentHash chainhash.Hash, height int32, txns ...*btcutil.Tx) *btcutil.Block {
	msgBlock := &wire.MsgBlock{
		Header: wire.BlockHeader{
			Version:   1,
			PrevBlock: parentHash,
			Bits:      0x207fffff,
			Nonce:     uint32(height),
		},
	}
	coinbase := newCoinbaseTx(uint32(height), 5000e8)
	msgBlock.AddTransaction(coinbase.MsgTx())
	for _, tx := range txns {
		msgBlock.AddTransaction(tx.MsgTx())
	}
	block := btcutil.NewBlock(msgBlock)
	block.SetHeight(height)
	return block
}

// cloneViewEntries deep copies the entries of a view keyed by outpoint for
// later comparison.
func cloneViewEntries(view *UtxoViewpoint) map[wire.OutPoint]UtxoEntry {
	cloned := make(map[wire.OutPoint]UtxoEntry)
	for outpoint, entry := range view.Entries() {
		if entry == nil || entry.IsSpent() {
			continue
		}
		cloned[outpoint] = *entry.Clone()
	}
	return cloned
}

// TestConnectDisconnectIdentity ensures disconnecting a connected block
// restores the view to its prior state exactly (modulo modification flags).
func TestConnectDisconnectIdentity(t *testing.T) {
	// Create a view with two spendable outputs confirmed at height 5.
	originA := fakeTx(100)
	originB := fakeTx(101)
	view := NewUtxoViewpoint()
	view.AddTxOuts(originA, 5)
	view.AddTxOuts(originB, 5)
	parentHash := chainhash.Hash{0x01}
	view.SetBestHash(&parentHash)

	before := cloneViewEntries(view)

	// A block spending both outputs through a chain of two transactions.
	spendA := newSpendTx(wire.OutPoint{Hash: *originA.Hash(), Index: 0},
		wire.MaxTxInSequenceNum, 50)
	spendB := newSpendTx(wire.OutPoint{Hash: *originB.Hash(), Index: 0},
		wire.MaxTxInSequenceNum, 60)
	block := newFakeBlock(parentHash, 6, spendA, spendB)

	// Connect the block's transactions against the view while collecting
	// the undo information.
	var stxos []SpentTxOut
	if err := view.connectTransactions(block, &stxos); err != nil {
		t.Fatalf("connectTransactions: %v", err)
	}
	if *view.BestHash() != *block.Hash() {
		t.Fatal("view best hash not advanced by connect")
	}
	if len(stxos) != countSpentOutputs(block) {
		t.Fatalf("collected %d stxos, want %d", len(stxos),
			countSpentOutputs(block))
	}

	// The spent outputs must now be gone from the view's perspective.
	entry := view.LookupEntry(wire.OutPoint{Hash: *originA.Hash(), Index: 0})
	if entry != nil && !entry.IsSpent() {
		t.Fatal("spent output still unspent after connect")
	}

	// Round trip the undo data through its serialized form, as the real
	// disconnect path always loads it from the undo file store.
	serialized, err := serializeUndoRecord(block, stxos)
	if err != nil {
		t.Fatalf("serializeUndoRecord: %v", err)
	}
	restored, err := deserializeUndoRecord(serialized, block)
	if err != nil {
		t.Fatalf("deserializeUndoRecord: %v", err)
	}

	// Disconnect and verify the original state is restored.
	clean, err := view.disconnectTransactions(block, restored)
	if err != nil {
		t.Fatalf("disconnectTransactions: %v", err)
	}
	if !clean {
		t.Fatal("disconnect of a cleanly connected block reported unclean")
	}
	if *view.BestHash() != parentHash {
		t.Fatal("view best hash not rewound by disconnect")
	}

	after := cloneViewEntries(view)
	if len(after) != len(before) {
		t.Fatalf("view has %d live entries after round trip, want %d:\n"+
			"before: %s\nafter: %s", len(after), len(before),
			spew.Sdump(before), spew.Sdump(after))
	}
	for outpoint, beforeEntry := range before {
		afterEntry, ok := after[outpoint]
		if !ok {
			t.Fatalf("entry %v missing after round trip", outpoint)
		}
		if afterEntry.Amount() != beforeEntry.Amount() ||
			afterEntry.BlockHeight() != beforeEntry.BlockHeight() ||
			afterEntry.IsCoinBase() != beforeEntry.IsCoinBase() {

			t.Fatalf("entry %v changed by round trip:\nbefore: %s\n"+
				"after: %s", outpoint, spew.Sdump(beforeEntry),
				spew.Sdump(afterEntry))
		}
	}
}

// TestUndoRecordBlockMismatch ensures undo data that is structurally
// inconsistent with the block it claims to undo is rejected.
func TestUndoRecordBlockMismatch(t *testing.T) {
	origin := fakeTx(55)
	view := NewUtxoViewpoint()
	view.AddTxOuts(origin, 5)

	spend := newSpendTx(wire.OutPoint{Hash: *origin.Hash(), Index: 0},
		wire.MaxTxInSequenceNum, 50)
	block := newFakeBlock(chainhash.Hash{0x02}, 6, spend)

	var stxos []SpentTxOut
	if err := view.connectTransactions(block, &stxos); err != nil {
		t.Fatalf("connectTransactions: %v", err)
	}
	serialized, err := serializeUndoRecord(block, stxos)
	if err != nil {
		t.Fatalf("serializeUndoRecord: %v", err)
	}

	// A block with a different transaction count must be refused.
	otherBlock := newFakeBlock(chainhash.Hash{0x03}, 6)
	_, err = deserializeUndoRecord(serialized, otherBlock)
	var rerr RuleError
	if !errorsAs(err, &rerr) || rerr.Err != ErrBadUndoData {
		t.Fatalf("mismatched undo record: got %v, want %v", err,
			ErrBadUndoData)
	}
}

// TestSpendJournalCoinbaseFlag ensures restored inputs carry their original
// height and coinbase flag, which is what the maturity rule depends on after
// a reorganization.
func TestSpendJournalCoinbaseFlag(t *testing.T) {
	coinbase := newCoinbaseTx(77, 5000e8)
	view := NewUtxoViewpoint()
	view.AddTxOuts(coinbase, 3)

	spend := newSpendTx(wire.OutPoint{Hash: *coinbase.Hash(), Index: 0},
		wire.MaxTxInSequenceNum, 4999e8)
	block := newFakeBlock(chainhash.Hash{0x04}, 200, spend)

	var stxos []SpentTxOut
	if err := view.connectTransactions(block, &stxos); err != nil {
		t.Fatalf("connectTransactions: %v", err)
	}
	if len(stxos) != 1 {
		t.Fatalf("collected %d stxos, want 1", len(stxos))
	}
	if !stxos[0].IsCoinBase || stxos[0].Height != 3 {
		t.Fatalf("stxo does not preserve origin: %s", spew.Sdump(stxos[0]))
	}

	clean, err := view.disconnectTransactions(block, stxos)
	if err != nil || !clean {
		t.Fatalf("disconnectTransactions: clean=%v err=%v", clean, err)
	}

	entry := view.LookupEntry(wire.OutPoint{Hash: *coinbase.Hash(), Index: 0})
	if entry == nil || entry.IsSpent() {
		t.Fatal("restored entry missing")
	}
	if !entry.IsCoinBase() || entry.BlockHeight() != 3 {
		t.Fatalf("restored entry lost origin info: %s", spew.Sdump(entry))
	}
}
