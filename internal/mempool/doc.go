// Copyright (c) 2026 The Meridian developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package mempool provides a policy-enforced pool of unmined Meridian
transactions.

A key responsibility of the Meridian network is mining transactions into
blocks.  In order to facilitate this, the mining process relies on having a
readily-available source of transactions that are eligible to be mined.

At a high level, this package satisfies that requirement by providing an
in-memory pool of fully validated transactions that can also optionally be
further filtered based upon a configurable policy.  A transaction must run
the full admission gauntlet before it is admitted: context-free sanity
checks, standardness policy, finality for the next block, conflict and
replacement handling against the existing pool contents, input resolution
against the chain's utxo state layered with the pool's own outputs, sequence
lock evaluation, fee policy with a decaying free-relay rate limiter, ancestor
and descendant limits, and finally full script verification.

The pool coordinates with chain state transitions through the bridge the
blockchain package invokes on block connect, disconnect, and
reorganization.
*/
package mempool
