// Copyright (c) 2026 The Meridian developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// TestCalcMinRequiredTxRelayFee tests the calcMinRequiredTxRelayFee API.
func TestCalcMinRequiredTxRelayFee(t *testing.T) {
	tests := []struct {
		name     string
		size     int64
		relayFee btcutil.Amount
		want     int64
	}{
		{
			// Ensure combination of size and fee that are less than
			// 1000 produce a non-zero fee.
			"250 bytes with relay fee of 3",
			250,
			3,
			3,
		},
		{
			"100 bytes with default minimum relay fee",
			100,
			1000,
			100,
		},
		{
			"max standard tx size with default minimum relay fee",
			100000,
			1000,
			100000,
		},
		{
			"1500 bytes with 5000 relay fee",
			1500,
			5000,
			7500,
		},
	}

	for _, test := range tests {
		got := calcMinRequiredTxRelayFee(test.size, test.relayFee)
		if got != test.want {
			t.Errorf("%s: got %v, want %v", test.name, got, test.want)
		}
	}
}

// TestDust tests the isDust API.
func TestDust(t *testing.T) {
	pkScript := []byte{0x76, 0xa9, 0x14, 0xb1, 0x2d, 0x0f, 0xd7, 0x63,
		0x0f, 0x2c, 0x53, 0xe1, 0xd0, 0xf6, 0xd8, 0x35, 0x3f, 0x46, 0xb7,
		0x20, 0xe1, 0x07, 0x79, 0x88, 0xac}

	tests := []struct {
		name     string
		txOut    wire.TxOut
		relayFee btcutil.Amount
		isDust   bool
	}{
		{
			// Any value is allowed with a zero relay fee.
			"zero value with zero relay fee",
			wire.TxOut{Value: 0, PkScript: pkScript},
			0,
			false,
		},
		{
			// Zero value is dust with any relay fee.
			"zero value with very small tx fee",
			wire.TxOut{Value: 0, PkScript: pkScript},
			1,
			true,
		},
		{
			"25 byte public key script with value 545",
			wire.TxOut{Value: 545, PkScript: pkScript},
			1000,
			true,
		},
		{
			"25 byte public key script with value 546",
			wire.TxOut{Value: 546, PkScript: pkScript},
			1000,
			false,
		},
		{
			// Unspendable scripts are dust regardless of value.
			"unspendable script",
			wire.TxOut{Value: 5000, PkScript: []byte{txscript.OP_RETURN}},
			1000,
			true,
		},
	}
	for _, test := range tests {
		res := isDust(&test.txOut, test.relayFee)
		if res != test.isDust {
			t.Errorf("%s: want %v got %v", test.name, test.isDust, res)
		}
	}
}

// TestCheckPkScriptStandard tests the checkPkScriptStandard API.
func TestCheckPkScriptStandard(t *testing.T) {
	var pubKeys [][]byte
	for i := 0; i < 4; i++ {
		pk := make([]byte, 33)
		pk[0] = 0x02
		pk[1] = byte(i + 1)
		pubKeys = append(pubKeys, pk)
	}

	tests := []struct {
		name       string // test description.
		script     *txscript.ScriptBuilder
		shouldPass bool
	}{
		{
			"key1 and key2",
			txscript.NewScriptBuilder().AddOp(txscript.OP_2).
				AddData(pubKeys[0]).AddData(pubKeys[1]).
				AddOp(txscript.OP_2).AddOp(txscript.OP_CHECKMULTISIG),
			true,
		},
		{
			"key1 or key2",
			txscript.NewScriptBuilder().AddOp(txscript.OP_1).
				AddData(pubKeys[0]).AddData(pubKeys[1]).
				AddOp(txscript.OP_2).AddOp(txscript.OP_CHECKMULTISIG),
			true,
		},
		{
			"4 of 4 keys is non-standard",
			txscript.NewScriptBuilder().AddOp(txscript.OP_4).
				AddData(pubKeys[0]).AddData(pubKeys[1]).
				AddData(pubKeys[2]).AddData(pubKeys[3]).
				AddOp(txscript.OP_4).AddOp(txscript.OP_CHECKMULTISIG),
			false,
		},
		{
			"malformed multisig",
			txscript.NewScriptBuilder().AddOp(txscript.OP_3).
				AddData(pubKeys[0]).AddData(pubKeys[1]).
				AddOp(txscript.OP_2).AddOp(txscript.OP_CHECKMULTISIG),
			false,
		},
	}

	for _, test := range tests {
		script, err := test.script.Script()
		if err != nil {
			t.Fatalf("%s: failed to build script: %v", test.name, err)
		}
		scriptClass := txscript.GetScriptClass(script)
		err = checkPkScriptStandard(script, scriptClass)
		if (err == nil) != test.shouldPass {
			t.Errorf("%s: pass=%v, want %v (err=%v)", test.name, err == nil,
				test.shouldPass, err)
		}
	}
}

// TestCheckTransactionStandardVersion ensures unsupported transaction
// versions are rejected as non-standard.
func TestCheckTransactionStandardVersion(t *testing.T) {
	pkScript := []byte{0x76, 0xa9, 0x14, 0xb1, 0x2d, 0x0f, 0xd7, 0x63,
		0x0f, 0x2c, 0x53, 0xe1, 0xd0, 0xf6, 0xd8, 0x35, 0x3f, 0x46, 0xb7,
		0x20, 0xe1, 0x07, 0x79, 0x88, 0xac}

	msgTx := wire.NewMsgTx(3)
	msgTx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: chainhash.Hash{0x01}},
		SignatureScript:  nil,
		Sequence:         wire.MaxTxInSequenceNum,
	})
	msgTx.AddTxOut(&wire.TxOut{Value: 100000, PkScript: pkScript})

	err := checkTransactionStandard(btcutil.NewTx(msgTx), 300,
		time.Now().Add(-time.Minute), 1000, 2)
	if !IsErrorKind(err, ErrNonStandard) {
		t.Fatalf("version 3 transaction: got %v, want %v", err,
			ErrNonStandard)
	}

	msgTx.Version = 2
	err = checkTransactionStandard(btcutil.NewTx(msgTx), 300,
		time.Now().Add(-time.Minute), 1000, 2)
	if err != nil {
		t.Fatalf("version 2 transaction rejected: %v", err)
	}
}
