// Copyright (c) 2026 The Meridian developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/meridianchain/mrdd/chaincfg"
)

// fakeChain returns a chain instance suitable for tests that only exercise
// the in-memory portions of the chain such as the block index, the chain
// view, difficulty calculations, and threshold states.  It is backed by real
// databases rooted in a temporary directory so tests that reach storage work
// too.
func newFakeChain(t *testing.T, params *chaincfg.Params) *BlockChain {
	t.Helper()

	chain, err := New(&Config{
		DataDir:          t.TempDir(),
		ChainParams:      params,
		TimeSource:       NewMedianTime(),
		SigCache:         txscript.NewSigCache(1000),
		HashCache:        txscript.NewHashCache(1000),
		UtxoCacheMaxSize: 10 * 1024 * 1024,
	})
	if err != nil {
		t.Fatalf("failed to create fake chain: %v", err)
	}
	t.Cleanup(func() {
		chain.Close()
	})
	return chain
}

// newFakeNode creates a block node that is populated with the timestamp,
// bits, and version provided while linking it to the provided parent.  The
// node is not added to any index.
func newFakeNode(parent *blockNode, blockVersion int32, bits uint32, timestamp time.Time) *blockNode {
	// Make up a header and create a block node from it.
	var prevHash chainhash.Hash
	var height int32
	if parent != nil {
		prevHash = parent.hash
		height = parent.height + 1
	}
	header := &wire.BlockHeader{
		Version:   blockVersion,
		PrevBlock: prevHash,
		Bits:      bits,
		Timestamp: timestamp,
		Nonce:     uint32(height),
	}
	return newBlockNode(header, parent)
}

// chainedFakeNodes returns the specified number of fake nodes constructed
// such that each subsequent node points to the previous one to create a
// chain.  The first node will point to the passed parent which can be nil.
func chainedFakeNodes(parent *blockNode, numNodes int) []*blockNode {
	nodes := make([]*blockNode, numNodes)
	tip := parent
	blockTime := time.Now()
	if tip != nil {
		blockTime = time.Unix(tip.timestamp, 0)
	}
	for i := 0; i < numNodes; i++ {
		blockTime = blockTime.Add(time.Second)
		node := newFakeNode(tip, 1, 0x207fffff, blockTime)
		tip = node

		nodes[i] = node
	}
	return nodes
}

// branchTip is a convenience function to grab the tip of a chain of block
// nodes created via chainedFakeNodes.
func branchTip(nodes []*blockNode) *blockNode {
	return nodes[len(nodes)-1]
}

// uniqueFakeNode creates a child of the provided parent whose nonce is
// perturbed to keep the hashes of otherwise identical headers distinct.
func uniqueFakeNode(parent *blockNode, nonce uint32) *blockNode {
	header := &wire.BlockHeader{
		Version:   1,
		PrevBlock: parent.hash,
		Bits:      0x207fffff,
		Timestamp: time.Unix(parent.timestamp+1, 0),
		Nonce:     nonce,
	}
	return newBlockNode(header, parent)
}

// encodeFakeOutPoint returns an outpoint with a hash derived from the
// provided seed for use in utxo tests.
func encodeFakeOutPoint(seed uint32, index uint32) wire.OutPoint {
	var hash chainhash.Hash
	binary.LittleEndian.PutUint32(hash[:4], seed)
	return wire.OutPoint{Hash: hash, Index: index}
}
