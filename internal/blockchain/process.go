// Copyright (c) 2026 The Meridian developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
)

// BehaviorFlags is a bitmask defining tweaks to the normal behavior when
// performing chain processing and consensus rules checks.
type BehaviorFlags uint32

const (
	// BFFastAdd may be set to indicate that several checks can be avoided
	// for the block since it is already known to fit into the chain due to
	// already proving it correct links into the chain.
	BFFastAdd BehaviorFlags = 1 << iota

	// BFNoPoWCheck may be set to indicate the proof of work check which
	// ensures a block hashes to a value less than the required target will
	// not be performed.
	BFNoPoWCheck

	// BFUnrequested may be set to indicate the block was not explicitly
	// requested from a peer, in which case it is only stored when it
	// extends the current best tip or carries more cumulative work.
	BFUnrequested

	// BFNone is a convenience value to specifically indicate no flags.
	BFNone BehaviorFlags = 0
)

// ProcessBlockHeader is the main workhorse for handling insertion of new
// block headers into the block index.  Headers which have previously been
// inserted are accepted again idempotently without mutating the existing
// entry.
//
// This function is safe for concurrent access.
func (b *BlockChain) ProcessBlockHeader(header *wire.BlockHeader, flags BehaviorFlags) error {
	b.chainLock.Lock()
	_, err := b.maybeAcceptBlockHeader(header, flags)
	b.chainLock.Unlock()
	return err
}

// ProcessBlock is the main workhorse for handling insertion of new blocks
// into the block chain.  It includes functionality such as rejecting
// duplicate blocks, ensuring blocks follow all rules, and insertion into the
// block chain along with best chain selection and reorganization.
//
// It is up to the caller to ensure the blocks are processed in order since
// blocks whose parent body is unknown are rejected.
//
// When no errors occurred during processing, the first return value indicates
// the length of the fork the block extended.  In the case it either extended
// the best chain or is now the tip of the best chain due to causing a
// reorganize, the fork length will be 0.
//
// The provided context is honored between connection batches during deep
// reorganizations, so processing can be interrupted by shutdown.
//
// This function is safe for concurrent access.
func (b *BlockChain) ProcessBlock(ctx context.Context, block *btcutil.Block, flags BehaviorFlags) (int32, error) {
	b.chainLock.Lock()
	defer b.chainLock.Unlock()

	blockHash := block.Hash()
	log.Tracef("Processing block %v", blockHash)
	currentTime := time.Now()
	defer func() {
		elapsedTime := time.Since(currentTime)
		log.Debugf("Block %v (height %v) finished processing in %s",
			blockHash, block.Height(), elapsedTime)
	}()

	// The block must not already exist in the main chain or side chains.
	if b.index.HaveBlock(blockHash) {
		str := fmt.Sprintf("already have block %v", blockHash)
		return 0, ruleError(ErrDuplicateBlock, str)
	}

	// Refuse blocks the governance validator recently rejected without
	// re-running the expensive validation.
	b.rejectedBlocksLock.Lock()
	if when, ok := b.rejectedBlocks[*blockHash]; ok {
		if time.Since(when) < rejectedBlocksExpiry {
			b.rejectedBlocksLock.Unlock()
			str := fmt.Sprintf("block %v was recently rejected by the "+
				"governance validator", blockHash)
			return 0, ruleError(ErrGovernancePayout, str)
		}
		delete(b.rejectedBlocks, *blockHash)
	}
	b.rejectedBlocksLock.Unlock()

	// Apply the unrequested block policy: a block that was not explicitly
	// requested is only stored when it either extends the current best tip
	// or carries more cumulative work than it, and blocks too far ahead of
	// the active tip are dropped outright.
	if flags&BFUnrequested == BFUnrequested {
		tip := b.bestChain.Tip()
		header := &block.MsgBlock().Header
		if header.PrevBlock != tip.hash {
			prevNode := b.index.LookupNode(&header.PrevBlock)
			if prevNode == nil {
				str := fmt.Sprintf("previous block %s is not known",
					header.PrevBlock)
				return 0, ruleError(ErrMissingParent, str)
			}

			workSum := new(big.Int).Add(prevNode.workSum,
				CalcWork(header.Bits))
			if workSum.Cmp(tip.workSum) <= 0 {
				str := fmt.Sprintf("unrequested block %v does not extend "+
					"the best chain and does not carry more work than it",
					blockHash)
				return 0, ruleError(ErrBlockTooFarAhead, str)
			}
			if prevNode.height+1 > tip.height+minBlocksToKeep {
				str := fmt.Sprintf("unrequested block %v is too far ahead "+
					"of the best chain", blockHash)
				return 0, ruleError(ErrBlockTooFarAhead, str)
			}
		}
	}

	// The block has passed all context independent checks and appears sane
	// enough to potentially accept it into the block chain.
	forkLen, err := b.maybeAcceptBlock(ctx, block, flags)
	if err != nil {
		return 0, err
	}

	log.Debugf("Accepted block %v", blockHash)

	return forkLen, nil
}
