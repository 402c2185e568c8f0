// Copyright (c) 2026 The Meridian developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/wire"
)

// AssertError identifies an error that indicates an internal code consistency
// issue and should be treated as a critical and unrecoverable error.
type AssertError string

// Error returns the assertion error as a human-readable string and satisfies
// the error interface.
func (e AssertError) Error() string {
	return "assertion failed: " + string(e)
}

// ErrorKind identifies a kind of error.  It has full support for errors.Is
// and errors.As, so the caller can directly check against an error kind when
// determining the reason for an error.
type ErrorKind string

// These constants are used to identify a specific ErrorKind.
const (
	// ErrDuplicateBlock indicates a block with the same hash already
	// exists.
	ErrDuplicateBlock = ErrorKind("ErrDuplicateBlock")

	// ErrMissingParent indicates that the block was an orphan.
	ErrMissingParent = ErrorKind("ErrMissingParent")

	// ErrInvalidAncestorBlock indicates a block is not valid because one of
	// its ancestors failed validation.
	ErrInvalidAncestorBlock = ErrorKind("ErrInvalidAncestorBlock")

	// ErrKnownInvalidBlock indicates a block is already known to be invalid.
	ErrKnownInvalidBlock = ErrorKind("ErrKnownInvalidBlock")

	// ErrBlockTooBig indicates the serialized block size exceeds the
	// maximum allowed size.
	ErrBlockTooBig = ErrorKind("ErrBlockTooBig")

	// ErrBlockWeightTooBig indicates the weight of the block exceeds the
	// maximum allowed weight.
	ErrBlockWeightTooBig = ErrorKind("ErrBlockWeightTooBig")

	// ErrBlockVersionTooOld indicates the block version is too old and is
	// no longer accepted since the majority of the network has upgraded to
	// a newer version.
	ErrBlockVersionTooOld = ErrorKind("ErrBlockVersionTooOld")

	// ErrTimeTooOld indicates the time is either before the median time of
	// the last several blocks per the chain consensus rules.
	ErrTimeTooOld = ErrorKind("ErrTimeTooOld")

	// ErrTimeTooNew indicates the time is too far in the future as compared
	// the current time.
	ErrTimeTooNew = ErrorKind("ErrTimeTooNew")

	// ErrUnexpectedDifficulty indicates specified bits do not align with
	// the expected value either because it doesn't match the calculated
	// value based on difficulty regarding the rules or it is out of the
	// valid range.
	ErrUnexpectedDifficulty = ErrorKind("ErrUnexpectedDifficulty")

	// ErrHighHash indicates the block does not hash to a value which is
	// lower than the required target difficulty.
	ErrHighHash = ErrorKind("ErrHighHash")

	// ErrBadMerkleRoot indicates the calculated merkle root does not match
	// the expected value.
	ErrBadMerkleRoot = ErrorKind("ErrBadMerkleRoot")

	// ErrNoTransactions indicates the block does not have at least one
	// transaction.  A valid block must have at least the coinbase
	// transaction.
	ErrNoTransactions = ErrorKind("ErrNoTransactions")

	// ErrNoTxInputs indicates a transaction does not have any inputs.  A
	// valid transaction must have at least one input.
	ErrNoTxInputs = ErrorKind("ErrNoTxInputs")

	// ErrNoTxOutputs indicates a transaction does not have any outputs.  A
	// valid transaction must have at least one output.
	ErrNoTxOutputs = ErrorKind("ErrNoTxOutputs")

	// ErrTxTooBig indicates a transaction exceeds the maximum allowed size
	// when serialized.
	ErrTxTooBig = ErrorKind("ErrTxTooBig")

	// ErrBadTxOutValue indicates an output value for a transaction is
	// invalid in some way such as being out of range.
	ErrBadTxOutValue = ErrorKind("ErrBadTxOutValue")

	// ErrDuplicateTxInputs indicates a transaction references the same
	// input more than once.
	ErrDuplicateTxInputs = ErrorKind("ErrDuplicateTxInputs")

	// ErrBadTxInput indicates a transaction input is invalid in some way
	// such as referencing a previous transaction outpoint which is out of
	// range or not referencing one at all.
	ErrBadTxInput = ErrorKind("ErrBadTxInput")

	// ErrMissingTxOut indicates a transaction output referenced by an input
	// either does not exist or has already been spent.
	ErrMissingTxOut = ErrorKind("ErrMissingTxOut")

	// ErrUnfinalizedTx indicates a transaction has not been finalized.
	ErrUnfinalizedTx = ErrorKind("ErrUnfinalizedTx")

	// ErrSequenceLockUnmet indicates a transaction's sequence locks on its
	// inputs are not yet satisfied at the evaluation point.
	ErrSequenceLockUnmet = ErrorKind("ErrSequenceLockUnmet")

	// ErrDuplicateTx indicates a block contains the same transaction more
	// than once.
	ErrDuplicateTx = ErrorKind("ErrDuplicateTx")

	// ErrOverwriteTx indicates a block contains a transaction that
	// overwrites a previous transaction which is not fully spent.
	ErrOverwriteTx = ErrorKind("ErrOverwriteTx")

	// ErrImmatureSpend indicates a transaction is attempting to spend a
	// coinbase that has not yet reached the required maturity.
	ErrImmatureSpend = ErrorKind("ErrImmatureSpend")

	// ErrSpendTooHigh indicates a transaction is attempting to spend more
	// value than the sum of all of its inputs.
	ErrSpendTooHigh = ErrorKind("ErrSpendTooHigh")

	// ErrBadFees indicates the total fees for a block are invalid due to
	// exceeding the maximum possible value.
	ErrBadFees = ErrorKind("ErrBadFees")

	// ErrTooManySigOps indicates the total number of signature operations
	// for a transaction or block exceed the maximum allowed limits.
	ErrTooManySigOps = ErrorKind("ErrTooManySigOps")

	// ErrFirstTxNotCoinbase indicates the first transaction in a block is
	// not a coinbase transaction.
	ErrFirstTxNotCoinbase = ErrorKind("ErrFirstTxNotCoinbase")

	// ErrMultipleCoinbases indicates a block contains more than one
	// coinbase transaction.
	ErrMultipleCoinbases = ErrorKind("ErrMultipleCoinbases")

	// ErrBadCoinbaseScriptLen indicates the length of the signature script
	// for a coinbase transaction is not within the valid range.
	ErrBadCoinbaseScriptLen = ErrorKind("ErrBadCoinbaseScriptLen")

	// ErrBadCoinbaseValue indicates the amount of a coinbase value does
	// not match the expected value of the subsidy plus the sum of all fees.
	ErrBadCoinbaseValue = ErrorKind("ErrBadCoinbaseValue")

	// ErrScriptMalformed indicates a transaction script is malformed in
	// some way.  For example, it might be longer than the maximum allowed
	// length or fail to parse.
	ErrScriptMalformed = ErrorKind("ErrScriptMalformed")

	// ErrScriptValidation indicates the result of executing a transaction
	// script failed.  The error covers any failure when executing scripts
	// such as signature verification failures and execution past the end
	// of the stack.
	ErrScriptValidation = ErrorKind("ErrScriptValidation")

	// ErrUnexpectedWitness indicates that a block includes transactions
	// with witness data, but no witness commitment is signaled as active.
	ErrUnexpectedWitness = ErrorKind("ErrUnexpectedWitness")

	// ErrGovernancePayout indicates the block's coinbase payout set was
	// rejected by the governance validator.
	ErrGovernancePayout = ErrorKind("ErrGovernancePayout")

	// ErrConflictingTxLock indicates a block contains a transaction that
	// conflicts with an established instant transaction lock.
	ErrConflictingTxLock = ErrorKind("ErrConflictingTxLock")

	// ErrBadUndoData indicates the undo data stored for a block is
	// inconsistent with the block itself.
	ErrBadUndoData = ErrorKind("ErrBadUndoData")

	// ErrBlockTooFarAhead indicates an unrequested block is too far ahead
	// of the current best chain tip to be stored.
	ErrBlockTooFarAhead = ErrorKind("ErrBlockTooFarAhead")
)

// Error satisfies the error interface and prints human-readable errors.
func (e ErrorKind) Error() string {
	return string(e)
}

// RuleError identifies a rule violation.  It is used to indicate that
// processing of a block or transaction failed due to one of the many
// validation rules.  In addition to the violated rule, it carries the reject
// code to relay to the offending peer, the misbehavior score the violation
// contributes toward banning that peer, and whether the failure could have
// been caused by transit corruption rather than an actually-invalid block.
//
// It has full support for errors.Is and errors.As, so the caller can
// ascertain the specific reason for the rule violation.
type RuleError struct {
	Err         error
	Description string

	// RejectCode is the wire protocol code describing the violation to the
	// peer the data came from.
	RejectCode wire.RejectCode

	// DoSScore is the misbehavior score contributed to the peer that
	// relayed the offending data.  Zero means the violation is not
	// attributable.
	DoSScore uint32

	// CorruptionPossible indicates the failure may be the result of data
	// corruption in transit rather than a consensus violation, in which
	// case the block must not be permanently marked as failed and may be
	// retried against fresh data.
	CorruptionPossible bool
}

// Error satisfies the error interface and prints human-readable errors.
func (e RuleError) Error() string {
	return e.Description
}

// Unwrap returns the underlying wrapped error.
func (e RuleError) Unwrap() error {
	return e.Err
}

// ruleError creates a RuleError given a set of arguments.  The reject code is
// derived from the kind.
func ruleError(kind ErrorKind, desc string) RuleError {
	return RuleError{Err: kind, Description: desc, RejectCode: rejectCode(kind)}
}

// ruleErrorDoS creates a RuleError that additionally attributes the given
// misbehavior score to the peer the data came from.
func ruleErrorDoS(kind ErrorKind, dosScore uint32, desc string) RuleError {
	return RuleError{
		Err:         kind,
		Description: desc,
		RejectCode:  rejectCode(kind),
		DoSScore:    dosScore,
	}
}

// ruleErrorMaybeCorrupt creates a RuleError whose failure could have been
// caused by transit corruption, so the index entry must not be permanently
// marked failed.
func ruleErrorMaybeCorrupt(kind ErrorKind, dosScore uint32, desc string) RuleError {
	e := ruleErrorDoS(kind, dosScore, desc)
	e.CorruptionPossible = true
	return e
}

// rejectCode maps an error kind to the wire reject code that describes it to
// peers.
func rejectCode(kind ErrorKind) wire.RejectCode {
	switch kind {
	case ErrDuplicateBlock:
		return wire.RejectDuplicate
	case ErrOverwriteTx:
		return wire.RejectDuplicate
	case ErrBlockVersionTooOld:
		return wire.RejectObsolete
	case ErrMissingParent, ErrUnfinalizedTx, ErrSequenceLockUnmet,
		ErrImmatureSpend, ErrMissingTxOut, ErrBlockTooFarAhead:
		return wire.RejectInvalid
	}
	return wire.RejectInvalid
}

// DetermineRuleError pulls a RuleError out of the passed error if one exists
// and reports whether it did.  It is a convenience for callers that need the
// validation state (reject code, DoS score) of a failure.
func DetermineRuleError(err error) (RuleError, bool) {
	var rerr RuleError
	ok := errors.As(err, &rerr)
	return rerr, ok
}

// panicf is a convenience function that formats according to the given format
// specifier and arguments and then panics with it.
func panicf(format string, args ...interface{}) {
	str := fmt.Sprintf(format, args...)
	panic(str)
}
