// Copyright (c) 2026 The Meridian developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	btcchaincfg "github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/meridianchain/mrdd/chaincfg"
	"github.com/meridianchain/mrdd/internal/blockchain"
)

// poolHarness provides a harness that includes functionality for creating
// and signing transactions as well as a fake chain that provides utxos for
// use in generating valid transactions.
type poolHarness struct {
	t *testing.T

	privKey   *btcec.PrivateKey
	payScript []byte

	// confirmed houses the "chain confirmed" transactions keyed by their
	// hash along with the heights they confirmed at.
	confirmed map[chainhash.Hash]*btcutil.Tx
	heights   map[chainhash.Hash]int32

	bestHeight int32
	bestHash   chainhash.Hash

	txPool *TxPool
}

// fetchUtxoView builds a view containing entries for the confirmed outputs
// referenced by the passed transaction's inputs.  The transaction's own
// outputs are not looked up.
func (p *poolHarness) fetchUtxoView(tx *btcutil.Tx) (*blockchain.UtxoViewpoint, error) {
	view := blockchain.NewUtxoViewpoint()
	for _, txIn := range tx.MsgTx().TxIn {
		prevHash := txIn.PreviousOutPoint.Hash
		creator, ok := p.confirmed[prevHash]
		if !ok {
			continue
		}
		view.AddTxOut(creator, txIn.PreviousOutPoint.Index,
			p.heights[prevHash])
	}
	return view, nil
}

// addConfirmed registers the passed transaction as confirmed at the provided
// height so its outputs can be spent by pool transactions.
func (p *poolHarness) addConfirmed(tx *btcutil.Tx, height int32) {
	p.confirmed[*tx.Hash()] = tx
	p.heights[*tx.Hash()] = height
}

// spendableOutput creates a confirmed transaction with a single output of
// the provided amount paying to the harness key and returns the outpoint.
func (p *poolHarness) spendableOutput(seed uint32, amount int64) wire.OutPoint {
	p.t.Helper()

	msgTx := wire.NewMsgTx(1)
	msgTx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{
			Hash:  chainhash.Hash{byte(seed), byte(seed >> 8), 0x77},
			Index: 0,
		},
		SignatureScript: []byte{txscript.OP_0, txscript.OP_0},
		Sequence:        wire.MaxTxInSequenceNum,
	})
	msgTx.AddTxOut(&wire.TxOut{Value: amount, PkScript: p.payScript})
	tx := btcutil.NewTx(msgTx)
	p.addConfirmed(tx, 1)
	return wire.OutPoint{Hash: *tx.Hash(), Index: 0}
}

// outputSource locates the output script and value for the provided outpoint
// among the confirmed and pooled transactions.
func (p *poolHarness) outputSource(prevOut wire.OutPoint) (int64, []byte) {
	p.t.Helper()

	if creator, ok := p.confirmed[prevOut.Hash]; ok {
		out := creator.MsgTx().TxOut[prevOut.Index]
		return out.Value, out.PkScript
	}
	if desc, ok := p.txPool.pool[prevOut.Hash]; ok {
		out := desc.Tx.MsgTx().TxOut[prevOut.Index]
		return out.Value, out.PkScript
	}
	p.t.Fatalf("no source for outpoint %v", prevOut)
	return 0, nil
}

// createTx builds and signs a transaction spending the provided outpoints
// with the given sequence, paying everything except the fee back to the
// harness key in a single output.
func (p *poolHarness) createTx(fee int64, sequence uint32, prevOuts ...wire.OutPoint) *btcutil.Tx {
	p.t.Helper()

	msgTx := wire.NewMsgTx(2)
	var totalIn int64
	var prevScripts [][]byte
	for _, prevOut := range prevOuts {
		value, script := p.outputSource(prevOut)
		totalIn += value
		prevScripts = append(prevScripts, script)
		msgTx.AddTxIn(&wire.TxIn{
			PreviousOutPoint: prevOut,
			Sequence:         sequence,
		})
	}
	msgTx.AddTxOut(&wire.TxOut{
		Value:    totalIn - fee,
		PkScript: p.payScript,
	})

	for i := range msgTx.TxIn {
		sigScript, err := txscript.SignatureScript(msgTx, i,
			prevScripts[i], txscript.SigHashAll, p.privKey, true)
		if err != nil {
			p.t.Fatalf("failed to sign input %d: %v", i, err)
		}
		msgTx.TxIn[i].SignatureScript = sigScript
	}

	return btcutil.NewTx(msgTx)
}

// newPoolHarness returns a new instance of a pool harness initialized with a
// spendable key and a fake chain.
func newPoolHarness(t *testing.T) *poolHarness {
	t.Helper()

	keyBytes := []byte{
		0x2b, 0x8c, 0x52, 0xb7, 0x7b, 0x32, 0x7c, 0x75,
		0x5b, 0x9b, 0x37, 0x55, 0x00, 0xd3, 0xf4, 0xb2,
		0xda, 0x9b, 0x0a, 0x1f, 0xf6, 0x5f, 0x68, 0x91,
		0xd3, 0x11, 0xfe, 0x94, 0x29, 0x5b, 0xc2, 0x6a,
	}
	privKey, _ := btcec.PrivKeyFromBytes(keyBytes)
	payAddr, err := btcutil.NewAddressPubKeyHash(
		btcutil.Hash160(privKey.PubKey().SerializeCompressed()),
		&btcchaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("failed to create pay address: %v", err)
	}
	payScript, err := txscript.PayToAddrScript(payAddr)
	if err != nil {
		t.Fatalf("failed to create pay script: %v", err)
	}

	harness := &poolHarness{
		t:          t,
		privKey:    privKey,
		payScript:  payScript,
		confirmed:  make(map[chainhash.Hash]*btcutil.Tx),
		heights:    make(map[chainhash.Hash]int32),
		bestHeight: 100,
		bestHash:   chainhash.Hash{0x11},
	}
	harness.txPool = New(&Config{
		Policy: Policy{
			MaxTxVersion:      2,
			AcceptNonStd:      false,
			FreeTxRelayLimit:  15.0,
			MaxOrphanTxs:      5,
			MaxOrphanTxSize:   100000,
			MaxSigOpCostPerTx: MaxStandardTxSigOpsCost,
			MinRelayTxFee:     1000,
			MaxAncestors:      25,
			MaxAncestorSize:   101000,
			MaxDescendants:    25,
			MaxDescendantSize: 101000,
			MempoolExpiry:     time.Hour,
			MaxMempoolSize:    5 * 1024 * 1024,
			StandardVerifyFlags: func() (txscript.ScriptFlags, error) {
				return txscript.StandardVerifyFlags, nil
			},
		},
		ChainParams:   &chaincfg.MainNetParams,
		FetchUtxoView: nil, // set below to close over the harness
		BestHeight:    func() int32 { return harness.bestHeight },
		BestHash:      func() *chainhash.Hash { return &harness.bestHash },
		MedianTimePast: func() time.Time {
			return time.Now().Add(-time.Minute)
		},
		AdjustedTime: time.Now,
		CalcSequenceLock: func(tx *btcutil.Tx, view *blockchain.UtxoViewpoint) (*blockchain.SequenceLock, error) {
			return &blockchain.SequenceLock{
				Seconds:     -1,
				BlockHeight: -1,
			}, nil
		},
		SigCache:  txscript.NewSigCache(1000),
		HashCache: txscript.NewHashCache(1000),
	})
	harness.txPool.cfg.FetchUtxoView = harness.fetchUtxoView

	return harness
}

// TestSimpleAccept ensures a well-formed, sufficiently-paying transaction is
// accepted into the pool.
func TestSimpleAccept(t *testing.T) {
	harness := newPoolHarness(t)
	prevOut := harness.spendableOutput(1, 1e8)

	tx := harness.createTx(5000, wire.MaxTxInSequenceNum, prevOut)
	acceptedTxs, err := harness.txPool.ProcessTransaction(tx, false, false, 0)
	if err != nil {
		t.Fatalf("ProcessTransaction: %v", err)
	}
	if len(acceptedTxs) != 1 {
		t.Fatalf("accepted %d transactions, want 1", len(acceptedTxs))
	}
	if !harness.txPool.IsTransactionInPool(tx.Hash()) {
		t.Fatal("accepted transaction not in the pool")
	}
	if harness.txPool.Count() != 1 {
		t.Fatalf("pool count is %d, want 1", harness.txPool.Count())
	}

	// Submitting it again is a duplicate.
	_, err = harness.txPool.ProcessTransaction(tx, false, false, 0)
	if !IsErrorKind(err, ErrDuplicate) {
		t.Fatalf("duplicate submission: got %v, want %v", err, ErrDuplicate)
	}
}

// TestCoinbaseRejected ensures a standalone coinbase is refused.
func TestCoinbaseRejected(t *testing.T) {
	harness := newPoolHarness(t)

	msgTx := wire.NewMsgTx(1)
	msgTx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: 0xffffffff},
		SignatureScript:  []byte{txscript.OP_0, txscript.OP_0},
		Sequence:         wire.MaxTxInSequenceNum,
	})
	msgTx.AddTxOut(&wire.TxOut{Value: 1e8, PkScript: harness.payScript})

	_, err := harness.txPool.ProcessTransaction(btcutil.NewTx(msgTx), false,
		false, 0)
	if !IsErrorKind(err, ErrCoinbase) {
		t.Fatalf("coinbase submission: got %v, want %v", err, ErrCoinbase)
	}
}

// TestDoubleSpendOptOut ensures a conflicting transaction is refused when
// the existing transaction does not signal replaceability.
func TestDoubleSpendOptOut(t *testing.T) {
	harness := newPoolHarness(t)
	prevOut := harness.spendableOutput(2, 1e8)

	tx1 := harness.createTx(1000, wire.MaxTxInSequenceNum, prevOut)
	if _, err := harness.txPool.ProcessTransaction(tx1, false, false,
		0); err != nil {

		t.Fatalf("ProcessTransaction(tx1): %v", err)
	}

	// A higher-fee double spend is still refused since tx1 opted out.
	tx2 := harness.createTx(2000, wire.MaxTxInSequenceNum, prevOut)
	_, err := harness.txPool.ProcessTransaction(tx2, false, false, 0)
	if !IsErrorKind(err, ErrMempoolDoubleSpend) {
		t.Fatalf("conflicting submission: got %v, want %v", err,
			ErrMempoolDoubleSpend)
	}
	if !harness.txPool.IsTransactionInPool(tx1.Hash()) {
		t.Fatal("original transaction evicted by a refused conflict")
	}
}

// TestReplacement ensures the replacement policy is enforced: a conflicting
// transaction replaces an opted-in original only when it pays a strictly
// higher feerate and covers the evicted fees plus its own relay fee.
func TestReplacement(t *testing.T) {
	harness := newPoolHarness(t)
	prevOut := harness.spendableOutput(3, 1e8)

	// The original signals replaceability via a low sequence.
	tx1 := harness.createTx(1000, wire.MaxTxInSequenceNum-2, prevOut)
	if _, err := harness.txPool.ProcessTransaction(tx1, false, false,
		0); err != nil {

		t.Fatalf("ProcessTransaction(tx1): %v", err)
	}

	// A replacement with a lower feerate is refused.
	lowFee := harness.createTx(500, wire.MaxTxInSequenceNum-2, prevOut)
	_, err := harness.txPool.ProcessTransaction(lowFee, false, false, 0)
	if !IsErrorKind(err, ErrReplacementPolicy) {
		t.Fatalf("low-fee replacement: got %v, want %v", err,
			ErrReplacementPolicy)
	}
	if !harness.txPool.IsTransactionInPool(tx1.Hash()) {
		t.Fatal("original evicted by a refused replacement")
	}

	// A replacement paying a strictly higher feerate and covering the
	// evicted fees plus its own relay fee is accepted and evicts the
	// original.
	replacement := harness.createTx(5000, wire.MaxTxInSequenceNum-2, prevOut)
	if _, err := harness.txPool.ProcessTransaction(replacement, false,
		false, 0); err != nil {

		t.Fatalf("ProcessTransaction(replacement): %v", err)
	}
	if harness.txPool.IsTransactionInPool(tx1.Hash()) {
		t.Fatal("replaced transaction still in the pool")
	}
	if !harness.txPool.IsTransactionInPool(replacement.Hash()) {
		t.Fatal("replacement transaction not in the pool")
	}
}

// TestOrphanProcessing ensures an orphan is held until its parent arrives and
// then both land in the pool with the child depending on the parent.
func TestOrphanProcessing(t *testing.T) {
	harness := newPoolHarness(t)
	prevOut := harness.spendableOutput(4, 1e8)

	// Build the parent but do not submit it yet.
	parent := harness.createTx(2000, wire.MaxTxInSequenceNum, prevOut)
	harness.addConfirmed(parent, 0)
	child := harness.createTx(2000, wire.MaxTxInSequenceNum,
		wire.OutPoint{Hash: *parent.Hash(), Index: 0})
	delete(harness.confirmed, *parent.Hash())
	delete(harness.heights, *parent.Hash())

	// The child is an orphan for now.
	acceptedTxs, err := harness.txPool.ProcessTransaction(child, true,
		false, 1)
	if err != nil {
		t.Fatalf("ProcessTransaction(child): %v", err)
	}
	if len(acceptedTxs) != 0 {
		t.Fatalf("orphan accepted %d transactions, want 0",
			len(acceptedTxs))
	}
	if harness.txPool.IsTransactionInPool(child.Hash()) {
		t.Fatal("orphan landed in the main pool")
	}
	if !harness.txPool.HaveTransaction(child.Hash()) {
		t.Fatal("orphan not tracked at all")
	}

	// Submitting the parent pulls the orphan in as well (L4: the pool then
	// contains both with the child spending the parent).
	acceptedTxs, err = harness.txPool.ProcessTransaction(parent, true,
		false, 1)
	if err != nil {
		t.Fatalf("ProcessTransaction(parent): %v", err)
	}
	if len(acceptedTxs) != 2 {
		t.Fatalf("parent acceptance yielded %d transactions, want 2",
			len(acceptedTxs))
	}
	if !harness.txPool.IsTransactionInPool(parent.Hash()) ||
		!harness.txPool.IsTransactionInPool(child.Hash()) {

		t.Fatal("parent and child not both in the pool")
	}

	// The child must be discoverable as a descendant of the parent.
	descendants, _ := harness.txPool.txDescendants(parent.Hash())
	if _, ok := descendants[*child.Hash()]; !ok {
		t.Fatal("child not tracked as a descendant of the parent")
	}
}

// TestAncestorLimit ensures chains longer than the ancestor limit are
// refused.
func TestAncestorLimit(t *testing.T) {
	harness := newPoolHarness(t)
	harness.txPool.cfg.Policy.MaxAncestors = 3

	prevOut := harness.spendableOutput(5, 1e8)
	for i := 0; i < 3; i++ {
		tx := harness.createTx(2000, wire.MaxTxInSequenceNum, prevOut)
		if _, err := harness.txPool.ProcessTransaction(tx, false, false,
			0); err != nil {

			t.Fatalf("ProcessTransaction(%d): %v", i, err)
		}
		prevOut = wire.OutPoint{Hash: *tx.Hash(), Index: 0}
	}

	// The fourth link exceeds the ancestor limit.
	tx := harness.createTx(2000, wire.MaxTxInSequenceNum, prevOut)
	_, err := harness.txPool.ProcessTransaction(tx, false, false, 0)
	if !IsErrorKind(err, ErrAncestorLimits) {
		t.Fatalf("over-limit chain: got %v, want %v", err,
			ErrAncestorLimits)
	}
}

// TestHandleDisconnectedBlock ensures transactions from a disconnected block
// are resurrected into the pool while the coinbase is dropped.
func TestHandleDisconnectedBlock(t *testing.T) {
	harness := newPoolHarness(t)
	prevOut := harness.spendableOutput(6, 1e8)
	tx := harness.createTx(5000, wire.MaxTxInSequenceNum, prevOut)

	// Build a block housing a coinbase and the transaction.
	coinbaseTx := wire.NewMsgTx(1)
	coinbaseTx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: 0xffffffff},
		SignatureScript:  []byte{txscript.OP_0, txscript.OP_0},
		Sequence:         wire.MaxTxInSequenceNum,
	})
	coinbaseTx.AddTxOut(&wire.TxOut{Value: 5000e8,
		PkScript: harness.payScript})
	msgBlock := &wire.MsgBlock{Header: wire.BlockHeader{Version: 1}}
	msgBlock.AddTransaction(coinbaseTx)
	msgBlock.AddTransaction(tx.MsgTx())
	block := btcutil.NewBlock(msgBlock)
	block.SetHeight(2)

	harness.txPool.HandleDisconnectedBlock(block)

	if !harness.txPool.IsTransactionInPool(tx.Hash()) {
		t.Fatal("disconnected transaction not resurrected")
	}
	cbHash := coinbaseTx.TxHash()
	if harness.txPool.HaveTransaction(&cbHash) {
		t.Fatal("resurrected coinbase")
	}
}
