// Copyright (c) 2026 The Meridian developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

// utxoFlags is a bitmask defining additional information and state for a
// transaction output in the utxo set.
type utxoFlags uint8

const (
	// utxoFlagCoinBase indicates that a txout was contained in a coinbase
	// transaction.
	utxoFlagCoinBase utxoFlags = 1 << iota

	// utxoFlagSpent indicates that a txout is spent.
	utxoFlagSpent

	// utxoFlagModified indicates that a txout has been modified since it
	// was loaded.
	utxoFlagModified

	// utxoFlagFresh indicates that a txout was added since the last flush
	// of the cache it resides in and therefore does not exist in the
	// backing store.  A fresh entry that is spent again can simply be
	// forgotten rather than written as a deletion.
	utxoFlagFresh
)

// UtxoEntry houses details about an individual transaction output in a utxo
// set such as whether or not it was contained in a coinbase tx, the height of
// the block that contains the tx, whether or not it is spent, its public key
// script, and how much it pays.
type UtxoEntry struct {
	// NOTE: Additions, deletions, or modifications to the order of the
	// definitions in this struct should not be changed without considering
	// how it affects alignment on 64-bit platforms.  The current order is
	// specifically crafted to result in minimal padding.  There will be a
	// lot of these in memory, so a few extra bytes of padding adds up.

	amount      int64
	pkScript    []byte // The public key script for the output.
	blockHeight int32  // Height of block containing tx.

	// packedFlags contains additional info about output such as whether it
	// is a coinbase, whether it is spent, and whether it has been modified
	// since it was loaded.  This approach is used in order to reduce memory
	// usage since there will be a lot of these in memory.
	packedFlags utxoFlags
}

// isModified returns whether or not the output has been modified since it was
// loaded.
func (entry *UtxoEntry) isModified() bool {
	return entry.packedFlags&utxoFlagModified == utxoFlagModified
}

// isFresh returns whether or not the output was added since the containing
// cache was last flushed.
func (entry *UtxoEntry) isFresh() bool {
	return entry.packedFlags&utxoFlagFresh == utxoFlagFresh
}

// IsCoinBase returns whether or not the output was contained in a coinbase
// transaction.
func (entry *UtxoEntry) IsCoinBase() bool {
	return entry.packedFlags&utxoFlagCoinBase == utxoFlagCoinBase
}

// IsSpent returns whether or not the output has been spent based on the
// current state of the unspent transaction output view it was obtained from.
func (entry *UtxoEntry) IsSpent() bool {
	return entry.packedFlags&utxoFlagSpent == utxoFlagSpent
}

// BlockHeight returns the height of the block containing the output.
func (entry *UtxoEntry) BlockHeight() int32 {
	return entry.blockHeight
}

// Spend marks the output as spent.  Spending an output that is already spent
// has no effect.
func (entry *UtxoEntry) Spend() {
	// Nothing to do if the output is already spent.
	if entry.IsSpent() {
		return
	}

	// Mark the output as spent and modified.
	entry.packedFlags |= utxoFlagSpent | utxoFlagModified
}

// Amount returns the amount of the output.
func (entry *UtxoEntry) Amount() int64 {
	return entry.amount
}

// PkScript returns the public key script for the output.
func (entry *UtxoEntry) PkScript() []byte {
	return entry.pkScript
}

// Clone returns a shallow copy of the utxo entry.
func (entry *UtxoEntry) Clone() *UtxoEntry {
	if entry == nil {
		return nil
	}

	return &UtxoEntry{
		amount:      entry.amount,
		pkScript:    entry.pkScript,
		blockHeight: entry.blockHeight,
		packedFlags: entry.packedFlags,
	}
}
