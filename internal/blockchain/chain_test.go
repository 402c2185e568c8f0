// Copyright (c) 2026 The Meridian developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/meridianchain/mrdd/chaincfg"
)

// solveBlock attempts to find a nonce which makes the passed block header
// hash to a value less than the target difficulty.  It panics when no
// solution is found since the test networks use trivial difficulty.
func solveBlock(header *wire.BlockHeader) {
	target := CompactToBig(header.Bits)
	for nonce := uint32(0); nonce < ^uint32(0); nonce++ {
		header.Nonce = nonce
		hash := header.BlockHash()
		if HashToBig(&hash).Cmp(target) <= 0 {
			return
		}
	}
	panic("unable to solve block")
}

// mineBlock creates and solves a block on top of the provided parent with
// the given transactions appended after a subsidy-paying coinbase.  The
// timestamp nudge spaces competing blocks apart so their hashes differ, and
// it is also mixed into the coinbase so competing blocks at the same height
// carry distinct coinbase transactions.
func mineBlock(t *testing.T, params *chaincfg.Params, parentHash chainhash.Hash, height int32, timestamp time.Time, txns ...*btcutil.Tx) *btcutil.Block {
	t.Helper()

	coinbase := newCoinbaseTx(uint32(height)^0x5a5a0000^uint32(timestamp.Unix())<<16, CalcBlockSubsidy(
		height, params))
	blockTxns := append([]*btcutil.Tx{coinbase}, txns...)
	merkleRoot, mutated := calcMerkleRoot(blockTxns, false)
	if mutated {
		t.Fatal("test transactions produced a mutated merkle list")
	}

	msgBlock := &wire.MsgBlock{
		Header: wire.BlockHeader{
			Version:    1,
			PrevBlock:  parentHash,
			MerkleRoot: merkleRoot,
			Timestamp:  timestamp,
			Bits:       params.PowLimitBits,
		},
	}
	for _, tx := range blockTxns {
		msgBlock.AddTransaction(tx.MsgTx())
	}
	solveBlock(&msgBlock.Header)

	block := btcutil.NewBlock(msgBlock)
	block.SetHeight(height)
	return block
}

// TestLinearExtension exercises the simplest possible chain growth: a single
// block extending the genesis block.
func TestLinearExtension(t *testing.T) {
	params := &chaincfg.SimNetParams
	chain := newFakeChain(t, params)

	baseTime := time.Now().Truncate(time.Second)
	block1 := mineBlock(t, params, params.GenesisHash, 1, baseTime)

	forkLen, err := chain.ProcessBlock(context.Background(), block1, BFNone)
	if err != nil {
		t.Fatalf("ProcessBlock: %v", err)
	}
	if forkLen != 0 {
		t.Fatalf("fork length is %d, want 0", forkLen)
	}

	best := chain.BestSnapshot()
	if best.Hash != *block1.Hash() || best.Height != 1 {
		t.Fatalf("tip is %v (height %d), want %v (height 1)", best.Hash,
			best.Height, block1.Hash())
	}

	// The coinbase output must now exist in the coin view with its height
	// and coinbase flag.
	coinbase := block1.Transactions()[0]
	entry, err := chain.FetchUtxoEntry(wire.OutPoint{
		Hash:  *coinbase.Hash(),
		Index: 0,
	})
	if err != nil {
		t.Fatalf("FetchUtxoEntry: %v", err)
	}
	if entry == nil {
		t.Fatal("coinbase output missing from the coin view")
	}
	if entry.Amount() != CalcBlockSubsidy(1, params) {
		t.Fatalf("coinbase amount is %d, want %d", entry.Amount(),
			CalcBlockSubsidy(1, params))
	}
	if entry.BlockHeight() != 1 || !entry.IsCoinBase() {
		t.Fatal("coinbase entry metadata wrong")
	}

	// Resubmitting the same block is rejected as a duplicate.
	_, err = chain.ProcessBlock(context.Background(), block1, BFNone)
	var rerr RuleError
	if !errors.As(err, &rerr) || rerr.Err != ErrDuplicateBlock {
		t.Fatalf("duplicate block: got %v, want %v", err, ErrDuplicateBlock)
	}
}

// TestHeaderIdempotence ensures re-submitting an accepted header succeeds
// without error.
func TestHeaderIdempotence(t *testing.T) {
	params := &chaincfg.SimNetParams
	chain := newFakeChain(t, params)

	baseTime := time.Now().Truncate(time.Second)
	block1 := mineBlock(t, params, params.GenesisHash, 1, baseTime)
	header := block1.MsgBlock().Header

	if err := chain.ProcessBlockHeader(&header, BFNone); err != nil {
		t.Fatalf("first header submission: %v", err)
	}
	if err := chain.ProcessBlockHeader(&header, BFNone); err != nil {
		t.Fatalf("repeated header submission: %v", err)
	}

	// The body is still accepted after the header-only path.
	if _, err := chain.ProcessBlock(context.Background(), block1,
		BFNone); err != nil {

		t.Fatalf("block after header: %v", err)
	}
}

// TestOneBlockReorg exercises the reorganization machinery: two competing
// blocks at the same height with the later arrival losing the tie, followed
// by a child of the loser that pulls the chain over to its branch.
func TestOneBlockReorg(t *testing.T) {
	params := &chaincfg.SimNetParams
	chain := newFakeChain(t, params)
	ctx := context.Background()

	baseTime := time.Now().Truncate(time.Second)
	block1 := mineBlock(t, params, params.GenesisHash, 1, baseTime)
	if _, err := chain.ProcessBlock(ctx, block1, BFNone); err != nil {
		t.Fatalf("ProcessBlock(1): %v", err)
	}

	// Two competing blocks at height 2.  Different timestamps keep their
	// hashes distinct.
	block2a := mineBlock(t, params, *block1.Hash(), 2,
		baseTime.Add(time.Second))
	block2b := mineBlock(t, params, *block1.Hash(), 2,
		baseTime.Add(2*time.Second))

	if _, err := chain.ProcessBlock(ctx, block2a, BFNone); err != nil {
		t.Fatalf("ProcessBlock(2a): %v", err)
	}

	// The competing block arrives later, so even with equal work it must
	// not displace the current tip.
	forkLen, err := chain.ProcessBlock(ctx, block2b, BFNone)
	if err != nil {
		t.Fatalf("ProcessBlock(2b): %v", err)
	}
	if forkLen != 1 {
		t.Fatalf("side chain fork length is %d, want 1", forkLen)
	}
	if best := chain.BestSnapshot(); best.Hash != *block2a.Hash() {
		t.Fatalf("tip is %v after equal-work arrival, want %v", best.Hash,
			block2a.Hash())
	}

	// A child of the losing block carries more cumulative work and forces
	// a reorganization through the activation machinery.
	block3b := mineBlock(t, params, *block2b.Hash(), 3,
		baseTime.Add(3*time.Second))
	if _, err := chain.ProcessBlock(ctx, block3b, BFNone); err != nil {
		t.Fatalf("ProcessBlock(3b): %v", err)
	}

	best := chain.BestSnapshot()
	if best.Hash != *block3b.Hash() || best.Height != 3 {
		t.Fatalf("tip is %v (height %d) after reorg, want %v (height 3)",
			best.Hash, best.Height, block3b.Hash())
	}

	// The displaced block stays in the index with its data but off the
	// main chain.
	if !chain.HaveBlock(block2a.Hash()) {
		t.Fatal("displaced block lost from the index")
	}
	if chain.MainChainHasBlock(block2a.Hash()) {
		t.Fatal("displaced block still on the main chain")
	}
	if !chain.MainChainHasBlock(block2b.Hash()) {
		t.Fatal("winning branch block not on the main chain")
	}

	// The coin view follows the new branch: block 2a's coinbase output
	// must not be present while block 2b's must.
	entry, err := chain.FetchUtxoEntry(wire.OutPoint{
		Hash: *block2a.Transactions()[0].Hash(),
	})
	if err != nil {
		t.Fatalf("FetchUtxoEntry(2a): %v", err)
	}
	if entry != nil {
		t.Fatal("coin view contains output from the displaced branch")
	}
	entry, err = chain.FetchUtxoEntry(wire.OutPoint{
		Hash: *block2b.Transactions()[0].Hash(),
	})
	if err != nil {
		t.Fatalf("FetchUtxoEntry(2b): %v", err)
	}
	if entry == nil {
		t.Fatal("coin view missing output from the winning branch")
	}
}

// TestReorgIdempotence ensures running the activation machinery with no new
// input is a no-op.
func TestReorgIdempotence(t *testing.T) {
	params := &chaincfg.SimNetParams
	chain := newFakeChain(t, params)
	ctx := context.Background()

	baseTime := time.Now().Truncate(time.Second)
	block1 := mineBlock(t, params, params.GenesisHash, 1, baseTime)
	if _, err := chain.ProcessBlock(ctx, block1, BFNone); err != nil {
		t.Fatalf("ProcessBlock: %v", err)
	}
	tipBefore := chain.BestSnapshot().Hash

	chain.chainLock.Lock()
	err := chain.activateBestChain(ctx)
	chain.chainLock.Unlock()
	if err != nil {
		t.Fatalf("activateBestChain: %v", err)
	}
	if tipAfter := chain.BestSnapshot().Hash; tipAfter != tipBefore {
		t.Fatalf("activation with no new input moved the tip from %v to "+
			"%v", tipBefore, tipAfter)
	}
}

// TestBadCoinbaseValue ensures a block whose coinbase pays more than the
// subsidy plus fees is rejected and marked failed.
func TestBadCoinbaseValue(t *testing.T) {
	params := &chaincfg.SimNetParams
	chain := newFakeChain(t, params)

	baseTime := time.Now().Truncate(time.Second)

	// Mine a block manually with an overpaying coinbase.
	coinbase := newCoinbaseTx(0x77770001, CalcBlockSubsidy(1, params)+1)
	merkleRoot, _ := calcMerkleRoot([]*btcutil.Tx{coinbase}, false)
	msgBlock := &wire.MsgBlock{
		Header: wire.BlockHeader{
			Version:    1,
			PrevBlock:  params.GenesisHash,
			MerkleRoot: merkleRoot,
			Timestamp:  baseTime,
			Bits:       params.PowLimitBits,
		},
	}
	msgBlock.AddTransaction(coinbase.MsgTx())
	solveBlock(&msgBlock.Header)
	block := btcutil.NewBlock(msgBlock)

	_, err := chain.ProcessBlock(context.Background(), block, BFNone)
	var rerr RuleError
	if !errors.As(err, &rerr) || rerr.Err != ErrBadCoinbaseValue {
		t.Fatalf("overpaying coinbase: got %v, want %v", err,
			ErrBadCoinbaseValue)
	}

	// The offending block must be marked as having failed validation so it
	// is never considered as a candidate again.
	node := chain.index.LookupNode(block.Hash())
	if node == nil {
		t.Fatal("failed block missing from the index")
	}
	if !chain.index.NodeStatus(node).KnownValidateFailed() {
		t.Fatal("failed block not marked as validate failed")
	}

	// The chain is still at the genesis block.
	if best := chain.BestSnapshot(); best.Height != 0 {
		t.Fatalf("tip height is %d after invalid block, want 0",
			best.Height)
	}
}
