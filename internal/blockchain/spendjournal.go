// Copyright (c) 2026 The Meridian developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"bytes"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
)

// SpentTxOut contains a spent transaction output and potentially additional
// contextual information such as whether or not it was contained in a
// coinbase transaction and the height of the block that contains the
// transaction.  The undo data for a block consists of one of these per spent
// input, which is sufficient to reverse every effect connecting the block had
// on the utxo set.
type SpentTxOut struct {
	// Amount is the amount of the output.
	Amount int64

	// PkScript is the public key script for the output.
	PkScript []byte

	// Height is the height of the block containing the creating tx.
	Height int32

	// IsCoinBase is whether creating tx is a coinbase.
	IsCoinBase bool
}

// serializeUndoRecord serializes the undo data for a block into a byte slice
// suitable for long-term storage in the undo file store.  The format is:
//
//	[varint num tx records]
//	for each non-coinbase transaction, in block order:
//	  [varint num spent outputs]
//	  for each spent output, in input order:
//	    [varint header code (height << 1 | coinbase flag)]
//	    [varint amount]
//	    [varint script length][script]
//
// The number of transaction records is stored explicitly so a loaded record
// can be validated against the block it claims to undo before any of it is
// applied.
func serializeUndoRecord(block *btcutil.Block, stxos []SpentTxOut) ([]byte, error) {
	var buf bytes.Buffer

	transactions := block.Transactions()
	numTxRecords := uint64(len(transactions) - 1)
	if err := wire.WriteVarInt(&buf, 0, numTxRecords); err != nil {
		return nil, err
	}

	stxoIdx := 0
	for _, tx := range transactions[1:] {
		numIn := uint64(len(tx.MsgTx().TxIn))
		if err := wire.WriteVarInt(&buf, 0, numIn); err != nil {
			return nil, err
		}

		for i := uint64(0); i < numIn; i++ {
			if stxoIdx >= len(stxos) {
				return nil, AssertError("serializeUndoRecord called with " +
					"insufficient spent txout information")
			}
			stxo := &stxos[stxoIdx]
			stxoIdx++

			headerCode := uint64(stxo.Height) << 1
			if stxo.IsCoinBase {
				headerCode |= 1
			}
			if err := wire.WriteVarInt(&buf, 0, headerCode); err != nil {
				return nil, err
			}
			if err := wire.WriteVarInt(&buf, 0, uint64(stxo.Amount)); err != nil {
				return nil, err
			}
			err := wire.WriteVarBytes(&buf, 0, stxo.PkScript)
			if err != nil {
				return nil, err
			}
		}
	}

	if stxoIdx != len(stxos) {
		return nil, AssertError("serializeUndoRecord called with excess " +
			"spent txout information")
	}

	return buf.Bytes(), nil
}

// deserializeUndoRecord decodes undo data loaded from the undo file store and
// validates it is structurally consistent with the block it is expected to
// undo.  The number of transaction records must equal the number of
// transactions in the block minus the coinbase.
func deserializeUndoRecord(serialized []byte, block *btcutil.Block) ([]SpentTxOut, error) {
	r := bytes.NewReader(serialized)

	numTxRecords, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, err
	}
	transactions := block.Transactions()
	if numTxRecords != uint64(len(transactions)-1) {
		str := fmt.Sprintf("undo record for block %v has %d transaction "+
			"records, block has %d non-coinbase transactions", block.Hash(),
			numTxRecords, len(transactions)-1)
		return nil, ruleError(ErrBadUndoData, str)
	}

	stxos := make([]SpentTxOut, 0, countSpentOutputs(block))
	for txIdx := uint64(0); txIdx < numTxRecords; txIdx++ {
		numIn, err := wire.ReadVarInt(r, 0)
		if err != nil {
			return nil, err
		}
		expected := len(transactions[txIdx+1].MsgTx().TxIn)
		if numIn != uint64(expected) {
			str := fmt.Sprintf("undo record for block %v transaction %d "+
				"has %d inputs, expected %d", block.Hash(), txIdx+1, numIn,
				expected)
			return nil, ruleError(ErrBadUndoData, str)
		}

		for i := uint64(0); i < numIn; i++ {
			headerCode, err := wire.ReadVarInt(r, 0)
			if err != nil {
				return nil, err
			}
			amount, err := wire.ReadVarInt(r, 0)
			if err != nil {
				return nil, err
			}
			pkScript, err := wire.ReadVarBytes(r, 0, maxScriptAllocSize,
				"script")
			if err != nil {
				if err == io.EOF || err == io.ErrUnexpectedEOF {
					return nil, ruleError(ErrBadUndoData, "unexpected end "+
						"of undo record")
				}
				return nil, err
			}

			stxos = append(stxos, SpentTxOut{
				Amount:     int64(amount),
				PkScript:   pkScript,
				Height:     int32(headerCode >> 1),
				IsCoinBase: headerCode&1 != 0,
			})
		}
	}

	return stxos, nil
}
