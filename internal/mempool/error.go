// Copyright (c) 2026 The Meridian developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"errors"

	"github.com/btcsuite/btcd/wire"

	"github.com/meridianchain/mrdd/internal/blockchain"
)

// ErrorKind identifies a kind of error.  It has full support for errors.Is
// and errors.As, so the caller can directly check against an error kind when
// determining the reason for an error.
type ErrorKind string

// These constants are used to identify a specific ErrorKind.
const (
	// ErrInvalid indicates the transaction is invalid per consensus.
	ErrInvalid = ErrorKind("ErrInvalid")

	// ErrCoinbase indicates the transaction is a standalone coinbase
	// transaction, which is never valid outside of a block.
	ErrCoinbase = ErrorKind("ErrCoinbase")

	// ErrDuplicate indicates the transaction already exists in the pool.
	ErrDuplicate = ErrorKind("ErrDuplicate")

	// ErrRecentlyRejected indicates the transaction was recently rejected
	// and the rejection is still being remembered.
	ErrRecentlyRejected = ErrorKind("ErrRecentlyRejected")

	// ErrAlreadyExists indicates the transaction already exists on the
	// main chain and is not fully spent.
	ErrAlreadyExists = ErrorKind("ErrAlreadyExists")

	// ErrMempoolDoubleSpend indicates the transaction spends outputs that
	// are already spent by another transaction in the pool and the
	// conflicting transactions do not signal replaceability.
	ErrMempoolDoubleSpend = ErrorKind("ErrMempoolDoubleSpend")

	// ErrReplacementPolicy indicates a replacement transaction failed one
	// of the replacement policy rules.
	ErrReplacementPolicy = ErrorKind("ErrReplacementPolicy")

	// ErrNonStandard indicates a transaction is not standard according to
	// the active policy.
	ErrNonStandard = ErrorKind("ErrNonStandard")

	// ErrUnfinalized indicates the transaction is not finalized for the
	// next block.
	ErrUnfinalized = ErrorKind("ErrUnfinalized")

	// ErrSeqLockUnmet indicates the transaction's sequence locks are not
	// yet satisfied for the next block.
	ErrSeqLockUnmet = ErrorKind("ErrSeqLockUnmet")

	// ErrInsufficientFee indicates the transaction does not pay the
	// required minimum fee.
	ErrInsufficientFee = ErrorKind("ErrInsufficientFee")

	// ErrFeeTooHigh indicates the transaction pays a fee so far above the
	// expected value that it is almost certainly a mistake.
	ErrFeeTooHigh = ErrorKind("ErrFeeTooHigh")

	// ErrTooManySigOps indicates the transaction exceeds the maximum
	// number of signature operations allowed by policy.
	ErrTooManySigOps = ErrorKind("ErrTooManySigOps")

	// ErrAncestorLimits indicates accepting the transaction would exceed
	// the configured in-pool ancestor or descendant limits.
	ErrAncestorLimits = ErrorKind("ErrAncestorLimits")

	// ErrRateLimit indicates the transaction was rejected by the free
	// transaction rate limiter.
	ErrRateLimit = ErrorKind("ErrRateLimit")

	// ErrOrphan indicates the transaction references outputs that are not
	// known.
	ErrOrphan = ErrorKind("ErrOrphan")

	// ErrOrphanPolicyViolation indicates an orphan transaction violates
	// the prevailing orphan policy.
	ErrOrphanPolicyViolation = ErrorKind("ErrOrphanPolicyViolation")

	// ErrTxLockConflict indicates the transaction conflicts with an
	// established instant transaction lock.
	ErrTxLockConflict = ErrorKind("ErrTxLockConflict")

	// ErrMandatoryVerifyFailed indicates the transaction failed script
	// verification with the mandatory flag set even though it passed with
	// the standard set.  This is a bug-report condition since the two sets
	// should never disagree in that direction.
	ErrMandatoryVerifyFailed = ErrorKind("ErrMandatoryVerifyFailed")
)

// Error satisfies the error interface and prints human-readable errors.
func (e ErrorKind) Error() string {
	return string(e)
}

// RuleError identifies a rule violation.  It is used to indicate that
// processing of a transaction failed due to one of the many validation
// rules.  It has full support for errors.Is and errors.As, so the caller can
// ascertain the specific reason for the error by checking the underlying
// error, which will be either an ErrorKind or a blockchain.RuleError.
type RuleError struct {
	Description string
	Err         error
}

// Error satisfies the error interface and prints human-readable errors.
func (e RuleError) Error() string {
	return e.Description
}

// Unwrap returns the underlying wrapped error.
func (e RuleError) Unwrap() error {
	return e.Err
}

// ruleError creates a RuleError given a set of arguments.
func ruleError(kind ErrorKind, desc string) RuleError {
	return RuleError{Err: kind, Description: desc}
}

// chainRuleError returns a RuleError that encapsulates the given
// blockchain.RuleError.
func chainRuleError(chainErr blockchain.RuleError) RuleError {
	return RuleError{
		Err:         chainErr,
		Description: chainErr.Description,
	}
}

// IsErrorKind returns whether the provided error matches the provided kind.
func IsErrorKind(err error, kind ErrorKind) bool {
	return errors.Is(err, kind)
}

// errorsAsChain returns whether the provided error wraps a
// blockchain.RuleError and extracts it when it does.
func errorsAsChain(err error, target *blockchain.RuleError) bool {
	return errors.As(err, target)
}

// ErrToRejectCode determines the wire reject code and reason string to relay
// to the offending peer for the provided error.
func ErrToRejectCode(err error) (wire.RejectCode, string) {
	var chainErr blockchain.RuleError
	if errors.As(err, &chainErr) {
		return chainErr.RejectCode, chainErr.Description
	}

	var kind ErrorKind
	if errors.As(err, &kind) {
		var code wire.RejectCode
		switch kind {
		case ErrDuplicate, ErrAlreadyExists, ErrMempoolDoubleSpend,
			ErrRecentlyRejected:
			code = wire.RejectDuplicate
		case ErrNonStandard:
			code = wire.RejectNonstandard
		case ErrInsufficientFee, ErrRateLimit:
			code = wire.RejectInsufficientFee
		default:
			code = wire.RejectInvalid
		}
		return code, err.Error()
	}

	return wire.RejectInvalid, err.Error()
}
