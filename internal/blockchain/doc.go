// Copyright (c) 2026 The Meridian developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package blockchain implements Meridian block handling and chain selection
rules.

The chain selection rules are the primary reason this package exists.  At its
core it maintains three tightly coupled pieces of state: an in-memory tree of
all known block headers annotated with validation status, a layered cache over
the unspent transaction output set, and the currently active best chain.  New
blocks and headers flow in through ProcessBlock and ProcessBlockHeader, and
the package takes care of storing block data in flat files, connecting and
disconnecting blocks against the utxo set with per-block undo data, selecting
the chain with the most proof of work among all known forks, and keeping the
on-disk state crash consistent.

Validation errors are returned as a RuleError which carries the violated
rule, a reject code suitable for relaying to the offending peer, and a
misbehavior score, so callers can react to consensus violations without
string matching.
*/
package blockchain
