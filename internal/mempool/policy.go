// Copyright (c) 2026 The Meridian developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/meridianchain/mrdd/internal/blockchain"
)

const (
	// maxStandardP2SHSigOps is the maximum number of signature operations
	// that are considered standard in a pay-to-script-hash script.
	maxStandardP2SHSigOps = 15

	// maxStandardTxWeight is the maximum weight allowed for transactions
	// that are considered standard and will therefore be relayed and
	// considered for mining.
	maxStandardTxWeight = 400000

	// maxStandardSigScriptSize is the maximum size allowed for a
	// transaction input signature script to be considered standard.  This
	// value allows for a 15-of-15 CHECKMULTISIG pay-to-script-hash with
	// compressed keys.
	maxStandardSigScriptSize = 1650

	// MaxStandardTxSigOpsCost is the maximum number of witness-scaled
	// signature operations allowed for a transaction to be relayed.
	MaxStandardTxSigOpsCost = blockchain.MaxBlockSigOpsCost / 5

	// defaultMinRelayTxFee is the minimum fee in atoms that is required
	// for a transaction to be treated as free for relay and mining
	// purposes.  It is also used to help determine if a transaction is
	// considered dust.  It is in atoms per 1000 bytes.
	defaultMinRelayTxFee = btcutil.Amount(1000)

	// maxNullDataOutputs is the maximum number of OP_RETURN null data
	// pushes in a standard transaction.
	maxNullDataOutputs = 1
)

// calcMinRequiredTxRelayFee returns the minimum transaction fee required for
// a transaction with the passed serialized size to be accepted into the
// memory pool and relayed.
func calcMinRequiredTxRelayFee(serializedSize int64, minRelayTxFee btcutil.Amount) int64 {
	// Calculate the minimum fee for a transaction to be allowed into the
	// mempool and relayed by scaling the base fee (which is the minimum
	// free transaction relay fee).  minRelayTxFee is in atoms/kB so
	// multiply by serializedSize (which is in bytes) and divide by 1000 to
	// get minimum atoms.
	minFee := (serializedSize * int64(minRelayTxFee)) / 1000

	if minFee == 0 && minRelayTxFee > 0 {
		minFee = int64(minRelayTxFee)
	}

	// Set the minimum fee to the maximum possible value if the calculated
	// fee is not in the valid range for monetary amounts.
	if minFee < 0 {
		minFee = int64(btcutil.MaxSatoshi)
	}

	return minFee
}

// checkInputsStandard performs a series of checks on a transaction's inputs
// to ensure they are "standard".  A standard transaction input within the
// context of this function is one whose referenced public key script is of a
// standard form and, for pay-to-script-hash, does not have more than
// maxStandardP2SHSigOps signature operations.
func checkInputsStandard(tx *btcutil.Tx, utxoView *blockchain.UtxoViewpoint) error {
	// NOTE: The reference implementation also does a coinbase check here,
	// but coinbases have already been rejected prior to calling this
	// function so no need to recheck.

	for i, txIn := range tx.MsgTx().TxIn {
		// It is safe to elide existence and index checks here since
		// they have already been checked prior to calling this
		// function.
		entry := utxoView.LookupEntry(txIn.PreviousOutPoint)
		originPkScript := entry.PkScript()
		switch txscript.GetScriptClass(originPkScript) {
		case txscript.ScriptHashTy:
			numSigOps := txscript.GetPreciseSigOpCount(
				txIn.SignatureScript, originPkScript, true)
			if numSigOps > maxStandardP2SHSigOps {
				str := fmt.Sprintf("transaction input #%d has %d "+
					"signature operations which is more than the "+
					"allowed max amount of %d", i, numSigOps,
					maxStandardP2SHSigOps)
				return ruleError(ErrNonStandard, str)
			}

		case txscript.NonStandardTy:
			str := fmt.Sprintf("transaction input #%d has a "+
				"non-standard script form", i)
			return ruleError(ErrNonStandard, str)
		}
	}

	return nil
}

// isDust returns whether or not the passed transaction output amount is
// considered dust or not based on the passed minimum transaction relay fee.
// Dust is defined in terms of the minimum transaction relay fee.  In
// particular, if the cost to the network to spend coins is more than 1/3 of
// the minimum transaction relay fee, it is considered dust.
func isDust(txOut *wire.TxOut, minRelayTxFee btcutil.Amount) bool {
	// Unspendable outputs are considered dust.
	if txscript.IsUnspendable(txOut.PkScript) {
		return true
	}

	// The total serialized size consists of the output and the associated
	// input script to redeem it.  Since there is no input script to redeem
	// it yet, use the minimum size of a typical input script.
	//
	// Pay-to-pubkey-hash bytes breakdown:
	//
	//  Output to hash (34 bytes):
	//   8 value, 1 script len, 25 script [1 OP_DUP, 1 OP_HASH_160,
	//   1 OP_DATA_20, 20 hash, 1 OP_EQUALVERIFY, 1 OP_CHECKSIG]
	//
	//  Input with compressed pubkey (148 bytes):
	//   36 prev outpoint, 1 script len, 107 script [1 OP_DATA_72, 72 sig,
	//   1 OP_DATA_33, 33 compressed pubkey], 4 sequence
	//
	// The most common scripts are pay-to-pubkey-hash, and as per the above
	// breakdown, the minimum size of a p2pkh input script is 148 bytes.  So
	// that figure is used.
	totalSize := txOut.SerializeSize() + 148

	// The output is considered dust if the cost to the network to spend the
	// coins is more than 1/3 of the minimum free transaction relay fee.
	// minFreeTxRelayFee is in atoms/KB, so multiply by 1000 to convert to
	// bytes.
	//
	// Using the typical values for a pay-to-pubkey-hash transaction from
	// the breakdown above and the default minimum free transaction relay
	// fee of 1000, this equates to values less than 546 atoms being
	// considered dust.
	return txOut.Value*1000/(3*int64(totalSize)) < int64(minRelayTxFee)
}

// checkTransactionStandard performs a series of checks on a transaction to
// ensure it is a "standard" transaction.  A standard transaction is one that
// conforms to several additional limiting cases over what is considered a
// "sane" transaction such as having a version in the supported range, being
// finalized, conforming to more stringent size constraints, having scripts
// of recognized forms, and not containing "dust" outputs (those that are so
// small it costs more to process them than they are worth).
func checkTransactionStandard(tx *btcutil.Tx, height int32,
	medianTimePast time.Time, minRelayTxFee btcutil.Amount,
	maxTxVersion int32) error {

	// The transaction must be a currently supported version.
	msgTx := tx.MsgTx()
	if msgTx.Version > maxTxVersion || msgTx.Version < 1 {
		str := fmt.Sprintf("transaction version %d is not in the valid "+
			"range of %d-%d", msgTx.Version, 1, maxTxVersion)
		return ruleError(ErrNonStandard, str)
	}

	// The transaction must be finalized to be standard and therefore
	// considered for inclusion in a block.
	if !blockchain.IsFinalizedTransaction(tx, height, medianTimePast) {
		return ruleError(ErrUnfinalized, "transaction is not finalized")
	}

	// Since extremely large transactions with a lot of inputs can cost
	// almost as much to process as the sender fees, limit the maximum size
	// of a transaction.  This also helps mitigate CPU exhaustion attacks.
	txWeight := blockchain.GetTransactionWeight(tx)
	if txWeight > maxStandardTxWeight {
		str := fmt.Sprintf("weight of transaction is larger than max "+
			"allowed weight of %v", maxStandardTxWeight)
		return ruleError(ErrNonStandard, str)
	}

	for i, txIn := range msgTx.TxIn {
		// Each transaction input signature script must not exceed the
		// maximum size allowed for a standard transaction.
		sigScriptLen := len(txIn.SignatureScript)
		if sigScriptLen > maxStandardSigScriptSize {
			str := fmt.Sprintf("transaction input %d: signature script "+
				"size of %d bytes is large than max allowed size of %d "+
				"bytes", i, sigScriptLen, maxStandardSigScriptSize)
			return ruleError(ErrNonStandard, str)
		}

		// Each transaction input signature script must only contain opcodes
		// which push data onto the stack.
		if !txscript.IsPushOnlyScript(txIn.SignatureScript) {
			str := fmt.Sprintf("transaction input %d: signature script "+
				"is not push only", i)
			return ruleError(ErrNonStandard, str)
		}
	}

	// None of the output public key scripts can be a non-standard script
	// or be "dust" (except when the script is a null data script).
	numNullDataOutputs := 0
	for i, txOut := range msgTx.TxOut {
		scriptClass := txscript.GetScriptClass(txOut.PkScript)
		err := checkPkScriptStandard(txOut.PkScript, scriptClass)
		if err != nil {
			// Report the failure as a non standard error that carries the
			// output index and the underlying reason.
			str := fmt.Sprintf("transaction output %d: %v", i, err)
			return ruleError(ErrNonStandard, str)
		}

		// Accumulate the number of outputs which only carry data.
		if scriptClass == txscript.NullDataTy {
			numNullDataOutputs++
		} else if isDust(txOut, minRelayTxFee) {
			str := fmt.Sprintf("transaction output %d: payment of %d is "+
				"dust", i, txOut.Value)
			return ruleError(ErrNonStandard, str)
		}
	}

	// A standard transaction must not have more than one output script
	// that only carries data.
	if numNullDataOutputs > maxNullDataOutputs {
		str := "more than one transaction output in a nulldata script"
		return ruleError(ErrNonStandard, str)
	}

	return nil
}

// checkPkScriptStandard performs a series of checks on a transaction output
// script (public key script) to ensure it is a "standard" public key script.
// A standard public key script is one that is a recognized form, and for
// multi-signature scripts, only contains from 1 to maxStandardMultiSigKeys
// public keys.
func checkPkScriptStandard(pkScript []byte, scriptClass txscript.ScriptClass) error {
	switch scriptClass {
	case txscript.MultiSigTy:
		numPubKeys, numSigs, err := txscript.CalcMultiSigStats(pkScript)
		if err != nil {
			str := fmt.Sprintf("multi-signature script parse failure: %v",
				err)
			return ruleError(ErrNonStandard, str)
		}

		// A standard multi-signature public key script must contain from 1
		// to maxStandardMultiSigKeys public keys.
		const maxStandardMultiSigKeys = 3
		if numPubKeys < 1 {
			str := "multi-signature script with no pubkeys"
			return ruleError(ErrNonStandard, str)
		}
		if numPubKeys > maxStandardMultiSigKeys {
			str := fmt.Sprintf("multi-signature script with %d public "+
				"keys which is more than the allowed max of %d",
				numPubKeys, maxStandardMultiSigKeys)
			return ruleError(ErrNonStandard, str)
		}

		// A standard multi-signature public key script must have at least 1
		// signature and no more signatures than available public keys.
		if numSigs < 1 {
			return ruleError(ErrNonStandard,
				"multi-signature script with no signatures")
		}
		if numSigs > numPubKeys {
			str := fmt.Sprintf("multi-signature script with %d "+
				"signatures which is more than the available %d public "+
				"keys", numSigs, numPubKeys)
			return ruleError(ErrNonStandard, str)
		}

	case txscript.NonStandardTy:
		return ruleError(ErrNonStandard, "non-standard script form")
	}

	return nil
}
