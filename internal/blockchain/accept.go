// Copyright (c) 2026 The Meridian developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
)

// maybeAcceptBlockHeader potentially accepts the header into the block index,
// performing the validation rules that only depend on the header itself and
// the headers of its ancestors.  It returns the block index entry for the
// header, which might already have existed when the header was seen before.
//
// Re-submitting an already-accepted header succeeds idempotently and does not
// mutate the existing entry.  Headers that are known to be invalid, or whose
// ancestors are, are rejected immediately.
//
// This function MUST be called with the chain state lock held (for writes).
func (b *BlockChain) maybeAcceptBlockHeader(header *wire.BlockHeader, flags BehaviorFlags) (*blockNode, error) {
	// Avoid validating the header again if its validation status is already
	// known.  Invalid headers are never added to the block index, so if
	// there is an entry for the block hash, the header itself is known
	// valid, though it may be known invalid through a failed ancestor.
	headerHash := header.BlockHash()
	if node := b.index.LookupNode(&headerHash); node != nil {
		if b.index.NodeStatus(node).KnownInvalid() {
			str := fmt.Sprintf("block %s is known to be invalid", headerHash)
			return nil, ruleError(ErrKnownInvalidBlock, str)
		}
		return node, nil
	}

	// Perform context-free sanity checks on the header.
	err := checkBlockHeaderSanity(header, b.chainParams.PowLimit,
		b.timeSource, flags)
	if err != nil {
		return nil, err
	}

	// The header must connect to a known, not-invalid parent.
	prevNode := b.index.LookupNode(&header.PrevBlock)
	if prevNode == nil {
		str := fmt.Sprintf("previous block %s is not known",
			header.PrevBlock)
		return nil, ruleError(ErrMissingParent, str)
	}
	if b.index.NodeStatus(prevNode).KnownInvalid() {
		str := fmt.Sprintf("previous block %s is known to be invalid",
			header.PrevBlock)
		return nil, ruleErrorDoS(ErrInvalidAncestorBlock, 100, str)
	}

	// The header must pass all of the validation rules which depend on its
	// position within the chain: the difficulty retarget function, the
	// median-time rule, and the version supermajority rule.
	err = b.checkBlockHeaderContext(header, prevNode, flags)
	if err != nil {
		return nil, err
	}

	// Create a new block node for the block and add it to the block index
	// with a validity rung recording the header is valid within the tree.
	newNode := newBlockNode(header, prevNode)
	newNode.status = statusValidTree
	b.index.AddNode(newNode)

	// Notify the caller and report a new best header when it changed.
	b.chainLock.Unlock()
	b.sendNotification(NTBlockHeaderAccepted, &HeaderAcceptedNtfnsData{
		Header: *header,
		Height: newNode.height,
	})
	if b.index.BestHeader() == newNode {
		b.sendNotification(NTHeaderTipChanged, &HeaderAcceptedNtfnsData{
			Header: *header,
			Height: newNode.height,
		})
	}
	b.chainLock.Lock()

	return newNode, nil
}

// maybeAcceptBlock potentially accepts a block into the block chain and, if
// accepted, returns the length of the fork the block extended.  It performs
// several validation checks which depend on its position within the block
// chain before adding it.  The block is expected to have already gone through
// ProcessBlock before calling this function with it.  In the case the block
// extends the best chain or is now the tip of the best chain due to causing a
// reorganize, the fork length will be 0.
//
// This function MUST be called with the chain state lock held (for writes).
func (b *BlockChain) maybeAcceptBlock(ctx context.Context, block *btcutil.Block, flags BehaviorFlags) (int32, error) {
	// Accept the header into the index first (idempotently when it is
	// already present).
	node, err := b.maybeAcceptBlockHeader(&block.MsgBlock().Header, flags)
	if err != nil {
		return 0, err
	}
	block.SetHeight(node.height)

	// Nothing more to do when the block data has already been stored.
	if b.index.NodeStatus(node).HaveData() {
		str := fmt.Sprintf("already have block %v", node.hash)
		return 0, ruleError(ErrDuplicateBlock, str)
	}

	// The block body may only be accepted once the parent's body is
	// present and self-consistent.
	if node.parent != nil &&
		!b.index.NodeStatus(node.parent).HaveData() {

		str := fmt.Sprintf("previous block %s has no stored data",
			node.parent.hash)
		return 0, ruleError(ErrMissingParent, str)
	}

	// Perform the preliminary sanity checks under the block size limit in
	// effect at this chain position.
	blockCtx, err := b.newBlockContext(node.parent)
	if err != nil {
		return 0, err
	}
	err = checkBlockSanity(block, b.chainParams.PowLimit, b.timeSource,
		flags, blockCtx.maxBlockBaseSize, b.chainParams)
	if err != nil {
		b.index.MarkBlockFailedValidation(node)
		return 0, err
	}

	// The block must pass all of the validation rules which depend on
	// having the full block data for all of its ancestors available.
	err = b.checkBlockContext(block, node.parent, blockCtx, flags)
	if err != nil {
		var rerr RuleError
		if errorsAs(err, &rerr) && !rerr.CorruptionPossible {
			b.index.MarkBlockFailedValidation(node)
		}
		return 0, err
	}

	// Insert the block into the flat file store.  Even though it is
	// possible the block will ultimately fail to connect, it has already
	// passed all proof-of-work and validity tests which means it would be
	// prohibitively expensive for an attacker to fill up the disk with a
	// bunch of blocks that fail to connect.  This is necessary since it
	// allows block download to be decoupled from the much more expensive
	// connection logic.  It also has some other nice properties such as
	// making blocks that never become part of the main chain or blocks
	// that fail to connect available for further analysis.
	fileNum, offset, err := b.blockStore.WriteBlock(block)
	if err != nil {
		return 0, err
	}

	// Advance the validity ladder to record the body is present and
	// self-consistent, and fill in the fields that only become known with
	// the body.
	b.index.Lock()
	node.blockFile = fileNum
	node.blockOffset = offset
	node.numTxns = uint32(len(block.MsgBlock().Transactions))
	node.blockSize = uint32(block.MsgBlock().SerializeSize())
	if node.parent != nil {
		node.totalTxns = node.parent.totalTxns + uint64(node.numTxns)
	} else {
		node.totalTxns = uint64(node.numTxns)
	}
	b.index.setStatusFlags(node, statusDataStored)
	if blockHasWitness(block) {
		b.index.setStatusFlags(node, statusOptWitness)
	}
	b.index.advanceValidity(node, statusValidTransactions)
	b.index.Unlock()

	// Account for the new data in the block index: the block, and any
	// previously-orphaned descendants whose ancestors are now all present,
	// become candidates for the best chain.
	b.index.AcceptBlockData(node, b.bestChain.Tip())

	// Ensure the new block index entry is written to the database.
	if err := b.flushBlockIndex(); err != nil {
		return 0, err
	}

	// Notify the caller when the block intends to extend the main chain,
	// the chain believes it is current, and the block has passed all of the
	// sanity and contextual checks, such as having valid proof of work,
	// and a valid merkle root.
	//
	// This allows the block to be relayed before doing the more expensive
	// connection checks, because even though the block might still fail to
	// connect and becomes the new main chain tip, that is quite rare in
	// practice since a lot of work was expended to create a block that
	// satisfies the proof of work requirement.
	//
	// Notice that the chain lock is not released before sending the
	// notification.  This is intentional and must not be changed without
	// understanding why!
	if b.isCurrent() && b.bestChain.Tip() == node.parent {
		b.sendNotification(NTNewTipBlockChecked, block)
	}

	// Connect the passed block to the chain while respecting proper chain
	// selection according to the chain with the most proof of work.  This
	// also handles validation of the transaction scripts.
	forkLen, err := b.connectBestChain(ctx, node, block, flags)
	if err != nil {
		return 0, err
	}

	// Notify the caller that the new block was accepted into the block
	// chain.  The caller would typically want to react by relaying the
	// inventory to other peers.
	bestHeight := b.bestChain.Tip().height
	b.chainLock.Unlock()
	b.sendNotification(NTBlockAccepted, &BlockAcceptedNtfnsData{
		BestHeight: bestHeight,
		ForkLen:    forkLen,
		Block:      block,
	})
	b.chainLock.Lock()

	return forkLen, nil
}
