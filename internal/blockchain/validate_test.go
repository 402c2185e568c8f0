// Copyright (c) 2026 The Meridian developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/meridianchain/mrdd/chaincfg"
)

// newCoinbaseTx returns a coinbase transaction paying the provided amount to
// an anyone-can-spend script.  The seed perturbs the signature script so each
// coinbase has a unique hash.
func newCoinbaseTx(seed uint32, amount int64) *btcutil.Tx {
	msgTx := wire.NewMsgTx(1)
	msgTx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{
			Hash:  chainhash.Hash{},
			Index: math.MaxUint32,
		},
		SignatureScript: []byte{0x51, byte(seed), byte(seed >> 8),
			byte(seed >> 16)},
		Sequence: wire.MaxTxInSequenceNum,
	})
	msgTx.AddTxOut(&wire.TxOut{Value: amount, PkScript: []byte{0x51}})
	return btcutil.NewTx(msgTx)
}

// newSpendTx returns a transaction spending the provided outpoint with the
// given sequence and paying the given amount to an anyone-can-spend script.
func newSpendTx(prevOut wire.OutPoint, sequence uint32, amount int64) *btcutil.Tx {
	msgTx := wire.NewMsgTx(2)
	msgTx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: prevOut,
		SignatureScript:  nil,
		Sequence:         sequence,
	})
	msgTx.AddTxOut(&wire.TxOut{Value: amount, PkScript: []byte{0x51}})
	return btcutil.NewTx(msgTx)
}

// TestCheckTransactionSanity ensures the context-free transaction checks
// reject the documented malformed shapes and accept a sane transaction.
func TestCheckTransactionSanity(t *testing.T) {
	params := &chaincfg.MainNetParams

	tests := []struct {
		name    string
		munge   func(tx *wire.MsgTx)
		wantErr ErrorKind
	}{{
		name:  "ok",
		munge: func(tx *wire.MsgTx) {},
	}, {
		name: "no inputs",
		munge: func(tx *wire.MsgTx) {
			tx.TxIn = nil
		},
		wantErr: ErrNoTxInputs,
	}, {
		name: "no outputs",
		munge: func(tx *wire.MsgTx) {
			tx.TxOut = nil
		},
		wantErr: ErrNoTxOutputs,
	}, {
		name: "negative output value",
		munge: func(tx *wire.MsgTx) {
			tx.TxOut[0].Value = -1
		},
		wantErr: ErrBadTxOutValue,
	}, {
		name: "output value above max money",
		munge: func(tx *wire.MsgTx) {
			tx.TxOut[0].Value = params.MaxMoney + 1
		},
		wantErr: ErrBadTxOutValue,
	}, {
		name: "sum of outputs above max money",
		munge: func(tx *wire.MsgTx) {
			tx.TxOut[0].Value = params.MaxMoney
			tx.AddTxOut(&wire.TxOut{Value: 1, PkScript: []byte{0x51}})
		},
		wantErr: ErrBadTxOutValue,
	}, {
		name: "duplicate inputs",
		munge: func(tx *wire.MsgTx) {
			tx.AddTxIn(&wire.TxIn{
				PreviousOutPoint: tx.TxIn[0].PreviousOutPoint,
				Sequence:         wire.MaxTxInSequenceNum,
			})
		},
		wantErr: ErrDuplicateTxInputs,
	}, {
		name: "null prevout in non-coinbase",
		munge: func(tx *wire.MsgTx) {
			tx.AddTxIn(&wire.TxIn{
				PreviousOutPoint: wire.OutPoint{
					Hash:  chainhash.Hash{},
					Index: math.MaxUint32,
				},
				Sequence: wire.MaxTxInSequenceNum,
			})
		},
		wantErr: ErrBadTxInput,
	}}

	for _, test := range tests {
		msgTx := wire.NewMsgTx(1)
		msgTx.AddTxIn(&wire.TxIn{
			PreviousOutPoint: encodeFakeOutPoint(1, 0),
			Sequence:         wire.MaxTxInSequenceNum,
		})
		msgTx.AddTxOut(&wire.TxOut{Value: 1000, PkScript: []byte{0x51}})
		test.munge(msgTx)

		err := CheckTransactionSanity(btcutil.NewTx(msgTx), params)
		if test.wantErr == "" {
			if err != nil {
				t.Errorf("%s: unexpected error %v", test.name, err)
			}
			continue
		}
		if !errors.Is(err, test.wantErr) {
			t.Errorf("%s: got error %v, want kind %v", test.name, err,
				test.wantErr)
		}
	}
}

// TestCheckCoinbaseScriptLen ensures coinbase signature script length bounds
// are enforced.
func TestCheckCoinbaseScriptLen(t *testing.T) {
	params := &chaincfg.MainNetParams

	tooShort := newCoinbaseTx(1, 1000)
	tooShort.MsgTx().TxIn[0].SignatureScript = []byte{0x51}
	if err := CheckTransactionSanity(tooShort, params); !errors.Is(err,
		ErrBadCoinbaseScriptLen) {

		t.Errorf("short coinbase script: got %v, want %v", err,
			ErrBadCoinbaseScriptLen)
	}

	tooLong := newCoinbaseTx(1, 1000)
	tooLong.MsgTx().TxIn[0].SignatureScript = make([]byte,
		MaxCoinbaseScriptLen+1)
	if err := CheckTransactionSanity(tooLong, params); !errors.Is(err,
		ErrBadCoinbaseScriptLen) {

		t.Errorf("long coinbase script: got %v, want %v", err,
			ErrBadCoinbaseScriptLen)
	}

	ok := newCoinbaseTx(1, 1000)
	if err := CheckTransactionSanity(ok, params); err != nil {
		t.Errorf("valid coinbase rejected: %v", err)
	}
}

// TestCoinbaseMaturity ensures spends of coinbase outputs are rejected until
// the maturity depth is reached.
func TestCoinbaseMaturity(t *testing.T) {
	params := &chaincfg.MainNetParams
	maturity := int32(params.CoinbaseMaturity)

	// Create a view with a coinbase output confirmed at height 1.
	coinbase := newCoinbaseTx(1, 5000e8)
	view := NewUtxoViewpoint()
	view.AddTxOuts(coinbase, 1)

	spend := newSpendTx(wire.OutPoint{Hash: *coinbase.Hash(), Index: 0},
		wire.MaxTxInSequenceNum, 4000e8)

	// Spending inside the maturity window fails.
	_, err := CheckTransactionInputs(spend, maturity, view, params)
	if !errors.Is(err, ErrImmatureSpend) {
		t.Fatalf("premature coinbase spend: got %v, want %v", err,
			ErrImmatureSpend)
	}

	// Spending at exactly maturity depth succeeds and yields the fee.
	fee, err := CheckTransactionInputs(spend, maturity+1, view, params)
	if err != nil {
		t.Fatalf("mature coinbase spend rejected: %v", err)
	}
	if fee != 1000e8 {
		t.Fatalf("fee is %d, want %d", fee, int64(1000e8))
	}
}

// TestCheckTransactionInputsMissing ensures spends of unknown outputs are
// rejected.
func TestCheckTransactionInputsMissing(t *testing.T) {
	params := &chaincfg.MainNetParams
	view := NewUtxoViewpoint()
	spend := newSpendTx(encodeFakeOutPoint(7, 0), wire.MaxTxInSequenceNum,
		1000)
	_, err := CheckTransactionInputs(spend, 10, view, params)
	if !errors.Is(err, ErrMissingTxOut) {
		t.Fatalf("missing input: got %v, want %v", err, ErrMissingTxOut)
	}
}

// TestSpendTooHigh ensures transactions spending more than their inputs are
// rejected.
func TestSpendTooHigh(t *testing.T) {
	params := &chaincfg.MainNetParams

	origin := fakeTx(3)
	view := NewUtxoViewpoint()
	view.AddTxOuts(origin, 5)

	spend := newSpendTx(wire.OutPoint{Hash: *origin.Hash(), Index: 0},
		wire.MaxTxInSequenceNum, origin.MsgTx().TxOut[0].Value+1)
	_, err := CheckTransactionInputs(spend, 200, view, params)
	if !errors.Is(err, ErrSpendTooHigh) {
		t.Fatalf("overspend: got %v, want %v", err, ErrSpendTooHigh)
	}
}

// TestIsFinalizedTransaction exercises the absolute locktime semantics.
func TestIsFinalizedTransaction(t *testing.T) {
	blockTime := time.Unix(1700000000, 0)

	// Zero locktime is always final.
	tx := newSpendTx(encodeFakeOutPoint(1, 0), 0, 1000)
	tx.MsgTx().LockTime = 0
	if !IsFinalizedTransaction(tx, 100, blockTime) {
		t.Fatal("zero locktime transaction not final")
	}

	// Height-based locktime: final only once the height exceeds it.
	tx = newSpendTx(encodeFakeOutPoint(1, 0), 0, 1000)
	tx.MsgTx().LockTime = 100
	if IsFinalizedTransaction(tx, 100, blockTime) {
		t.Fatal("transaction final at its locktime height")
	}
	if !IsFinalizedTransaction(tx, 101, blockTime) {
		t.Fatal("transaction not final past its locktime height")
	}

	// Time-based locktime compares against the block time.
	tx = newSpendTx(encodeFakeOutPoint(1, 0), 0, 1000)
	tx.MsgTx().LockTime = uint32(blockTime.Unix())
	if IsFinalizedTransaction(tx, 100, blockTime) {
		t.Fatal("transaction final at its locktime timestamp")
	}
	if !IsFinalizedTransaction(tx, 100, blockTime.Add(time.Second)) {
		t.Fatal("transaction not final past its locktime timestamp")
	}

	// Max sequence numbers disable the locktime entirely.
	tx = newSpendTx(encodeFakeOutPoint(1, 0), wire.MaxTxInSequenceNum, 1000)
	tx.MsgTx().LockTime = 100
	if !IsFinalizedTransaction(tx, 50, blockTime) {
		t.Fatal("max sequence did not disable the locktime")
	}
}

// TestSequenceLocks exercises the relative locktime semantics: a block-based
// lock of N blocks on an input confirmed at height H activates at height
// H+N, i.e. it can be included in the block after that.
func TestSequenceLocks(t *testing.T) {
	chain := newFakeChain(t, &chaincfg.SimNetParams)

	// An origin transaction confirmed at the genesis height.
	origin := fakeTx(9)
	view := NewUtxoViewpoint()
	view.AddTxOuts(origin, 0)

	// A version 2 spend with a 10-block relative lock.
	spend := newSpendTx(wire.OutPoint{Hash: *origin.Hash(), Index: 0},
		LockTimeToSequence(false, 10), 100)

	seqLock, err := chain.CalcSequenceLock(spend, view, true)
	if err != nil {
		t.Fatalf("CalcSequenceLock: %v", err)
	}
	if seqLock.BlockHeight != 9 {
		t.Fatalf("sequence lock height is %d, want 9", seqLock.BlockHeight)
	}

	medianTime := time.Unix(1700000000, 0)
	if SequenceLockActive(seqLock, 9, medianTime) {
		t.Fatal("sequence lock active one block early")
	}
	if !SequenceLockActive(seqLock, 10, medianTime) {
		t.Fatal("sequence lock not active at maturity")
	}

	// The disable bit turns the lock off entirely.
	disabled := newSpendTx(wire.OutPoint{Hash: *origin.Hash(), Index: 0},
		LockTimeToSequence(false, 10)|sequenceLockTimeDisabled, 100)
	seqLock, err = chain.CalcSequenceLock(disabled, view, true)
	if err != nil {
		t.Fatalf("CalcSequenceLock: %v", err)
	}
	if seqLock.BlockHeight != -1 || seqLock.Seconds != -1 {
		t.Fatalf("disabled sequence lock is (%d, %d), want (-1, -1)",
			seqLock.BlockHeight, seqLock.Seconds)
	}
}
