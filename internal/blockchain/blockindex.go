// Copyright (c) 2026 The Meridian developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// blockStatus is a bit field representing the validation state of the block.
// The low three bits encode how far validation has advanced as a monotonic
// ladder while the remaining bits are orthogonal flags.
type blockStatus uint16

// The following constants specify possible status bit flags for a block.
//
// NOTE: This section specifically does not use iota since the block status is
// serialized and must be stable for long-term storage.
const (
	// statusNone indicates that the block has no validation state flags set.
	statusNone blockStatus = 0

	// statusValidTree indicates the header is valid on its own and connects
	// to a known parent.
	statusValidTree blockStatus = 1

	// statusValidTransactions indicates the full block data is present and
	// internally consistent.  Implies statusValidTree.
	statusValidTransactions blockStatus = 2

	// statusValidChain indicates all ancestors also have their transactions
	// validated and the block has been connected at least once.  Implies
	// statusValidTransactions.
	statusValidChain blockStatus = 3

	// statusValidScripts indicates the block has been fully validated
	// including script and signature checks.  Implies statusValidChain.
	statusValidScripts blockStatus = 4

	// statusValidityMask masks the validity ladder out of the status bits.
	statusValidityMask blockStatus = 0x07

	// statusDataStored indicates the block's payload is stored in the flat
	// file store.
	statusDataStored blockStatus = 1 << 3

	// statusUndoStored indicates the block's undo data is stored in the
	// flat file store.
	statusUndoStored blockStatus = 1 << 4

	// statusValidateFailed indicates the block has failed validation.
	statusValidateFailed blockStatus = 1 << 5

	// statusInvalidAncestor indicates one of the ancestors of the block has
	// failed validation, thus the block is also invalid.
	statusInvalidAncestor blockStatus = 1 << 6

	// statusOptWitness indicates the block data was stored with witness
	// data attached.
	statusOptWitness blockStatus = 1 << 7
)

// Validity returns the position of the status on the validation ladder.
func (status blockStatus) Validity() blockStatus {
	return status & statusValidityMask
}

// HaveData returns whether the full block data is stored in the flat file
// store.  This will return false for a block node where only the header is
// known.
func (status blockStatus) HaveData() bool {
	return status&statusDataStored != 0
}

// HaveUndo returns whether the undo data for the block is stored in the flat
// file store.
func (status blockStatus) HaveUndo() bool {
	return status&statusUndoStored != 0
}

// KnownValid returns whether the block is known to be valid at least up to
// the given rung of the validation ladder.
func (status blockStatus) KnownValid(level blockStatus) bool {
	if status&(statusValidateFailed|statusInvalidAncestor) != 0 {
		return false
	}
	return status.Validity() >= level
}

// KnownInvalid returns whether the block itself is known to be invalid or is
// known to have an invalid ancestor.  A return value of false in no way
// implies the block is valid or only has valid ancestors.
func (status blockStatus) KnownInvalid() bool {
	return status&(statusValidateFailed|statusInvalidAncestor) != 0
}

// KnownValidateFailed returns whether the block is known to have failed
// validation itself, as opposed to merely descending from one that did.
func (status blockStatus) KnownValidateFailed() bool {
	return status&statusValidateFailed != 0
}

// KnownInvalidAncestor returns whether the block is known to have an invalid
// ancestor.
func (status blockStatus) KnownInvalidAncestor() bool {
	return status&statusInvalidAncestor != 0
}

// blockNode represents a block within the block tree and is primarily used to
// aid in selecting the best chain to be the main chain.
type blockNode struct {
	// NOTE: Additions, deletions, or modifications to the order of the
	// definitions in this struct should not be changed without considering
	// how it affects alignment on 64-bit platforms.  There will be many of
	// these in memory, so a few extra bytes of padding adds up.

	// parent is the parent block for this node.
	parent *blockNode

	// skipToAncestor is used to provide a skip list to significantly speed
	// up traversal to ancestors deep in history.
	skipToAncestor *blockNode

	// hash is the hash of the block this node represents.
	hash chainhash.Hash

	// workSum is the total amount of work in the chain up to and including
	// this node.
	workSum *big.Int

	// Some fields from block headers to aid in best chain selection and
	// reconstructing headers from memory.  These must be treated as
	// immutable.
	height     int32
	version    int32
	bits       uint32
	nonce      uint32
	timestamp  int64
	merkleRoot chainhash.Hash

	// numTxns is the number of transactions in the block while totalTxns is
	// the cumulative count of transactions in the chain up to and including
	// this block.  Both are zero until the block data is known.
	numTxns   uint32
	totalTxns uint64

	// blockSize is the serialized size of the block.  It is zero until the
	// block data is known and feeds the adaptive maximum block size
	// calculation.
	blockSize uint32

	// blockFile, blockOffset, and undoOffset locate the serialized block
	// and its undo data within the flat file store.  They are only valid
	// when the corresponding status bits are set.
	blockFile   uint32
	blockOffset uint32
	undoOffset  uint32

	// sequenceID tracks the order the block data was received and acts as
	// the tie breaker between candidate chains with equal work.  Earlier
	// arrivals win.  It is only stored in memory and assigned when the
	// block data is received.
	//
	// It is protected by the block index mutex.
	sequenceID uint32

	// status is a bitfield representing the validation state of the block.
	// This field, unlike most other fields, may be changed after the block
	// node is created, so it must only be accessed or updated using the
	// concurrent-safe NodeStatus, SetStatusFlags, and related methods on
	// blockIndex once the node has been added to the index.
	status blockStatus

	// isFullyLinked indicates whether or not this block builds on a branch
	// that has the block data for all of its ancestors and is therefore
	// eligible for validation.
	//
	// It is protected by the block index mutex and is not stored in the
	// database.
	isFullyLinked bool
}

// clearLowestOneBit clears the lowest set bit in the passed value.
func clearLowestOneBit(n int32) int32 {
	return n & (n - 1)
}

// calcSkipListHeight calculates the height of an ancestor block to use when
// constructing the ancestor traversal skip list.
//
// Since the block tree is append only there is no need to handle random
// insertions or deletions, so a deterministic single-level skip list that is
// reasonably close to O(log n) is used in place of a traditional multi-level
// one.  The only hard requirement is that the calculated height is less than
// the provided height.
func calcSkipListHeight(height int32) int32 {
	if height < 0 {
		return 0
	}
	return clearLowestOneBit(clearLowestOneBit(height))
}

// initBlockNode initializes a block node from the given header and parent
// node.  The workSum is calculated based on the parent, or, in the case no
// parent is provided, it will just be the work for the passed block.
//
// This function is NOT safe for concurrent access.  It must only be called
// when initially creating a node.
func initBlockNode(node *blockNode, blockHeader *wire.BlockHeader, parent *blockNode) {
	*node = blockNode{
		hash:       blockHeader.BlockHash(),
		workSum:    CalcWork(blockHeader.Bits),
		version:    blockHeader.Version,
		bits:       blockHeader.Bits,
		nonce:      blockHeader.Nonce,
		timestamp:  blockHeader.Timestamp.Unix(),
		merkleRoot: blockHeader.MerkleRoot,
		status:     statusNone,
	}
	if parent != nil {
		node.parent = parent
		node.height = parent.height + 1
		node.skipToAncestor = parent.Ancestor(calcSkipListHeight(node.height))
		node.workSum = node.workSum.Add(parent.workSum, node.workSum)
	}
}

// newBlockNode returns a new block node for the given block header and parent
// node.
func newBlockNode(blockHeader *wire.BlockHeader, parent *blockNode) *blockNode {
	var node blockNode
	initBlockNode(&node, blockHeader, parent)
	return &node
}

// Header constructs a block header from the node and returns it.
//
// This function is safe for concurrent access.
func (node *blockNode) Header() wire.BlockHeader {
	// No lock is needed because all accessed fields are immutable.
	prevHash := zeroHash
	if node.parent != nil {
		prevHash = &node.parent.hash
	}
	return wire.BlockHeader{
		Version:    node.version,
		PrevBlock:  *prevHash,
		MerkleRoot: node.merkleRoot,
		Timestamp:  time.Unix(node.timestamp, 0),
		Bits:       node.bits,
		Nonce:      node.nonce,
	}
}

// Ancestor returns the ancestor block node at the provided height by
// following the chain backwards from this node.  The returned block will be
// nil when a height is requested that is after the height of the passed node
// or is less than zero.
//
// This function is safe for concurrent access.
func (node *blockNode) Ancestor(height int32) *blockNode {
	if height < 0 || height > node.height {
		return nil
	}

	n := node
	for n != nil && n.height != height {
		// Skip to the linked ancestor when it won't overshoot the target
		// height.
		if n.skipToAncestor != nil && calcSkipListHeight(n.height) >= height {
			n = n.skipToAncestor
			continue
		}

		n = n.parent
	}

	return n
}

// RelativeAncestor returns the ancestor block node a relative 'distance'
// blocks before this node.  This is equivalent to calling Ancestor with the
// node's height minus provided distance.
//
// This function is safe for concurrent access.
func (node *blockNode) RelativeAncestor(distance int32) *blockNode {
	return node.Ancestor(node.height - distance)
}

// CalcPastMedianTime calculates the median time of the previous few blocks
// prior to, and including, the block node.
//
// This function is safe for concurrent access.
func (node *blockNode) CalcPastMedianTime() time.Time {
	// Create a slice of the previous few block timestamps used to calculate
	// the median per the number defined by the constant medianTimeBlocks.
	timestamps := make([]int64, medianTimeBlocks)
	numNodes := 0
	iterNode := node
	for i := 0; i < medianTimeBlocks && iterNode != nil; i++ {
		timestamps[i] = iterNode.timestamp
		numNodes++

		iterNode = iterNode.parent
	}

	// Prune the slice to the actual number of available timestamps which
	// will be fewer than desired near the beginning of the block chain and
	// sort them.
	timestamps = timestamps[:numNodes]
	sort.Sort(timeSorter(timestamps))

	// NOTE: The consensus rules incorrectly calculate the median for even
	// numbers of blocks.  A true median averages the middle two elements
	// for a set with an even number of elements in it.  Since the constant
	// for the previous number of blocks to be used is odd, this is only an
	// issue for a few blocks near the beginning of the chain.  This code
	// follows suit to ensure the same rules are used, however, be aware
	// that should the medianTimeBlocks constant ever be changed to an even
	// number, this code will be wrong.
	medianTimestamp := timestamps[numNodes/2]
	return time.Unix(medianTimestamp, 0)
}

// compareHashesAsUint256LE compares two raw hashes treated as if they were
// little-endian uint256s in a way that is more efficient than converting them
// to big integers first.  It returns 1 when a > b, -1 when a < b, and 0 when
// a == b.
func compareHashesAsUint256LE(a, b *chainhash.Hash) int {
	// Find the index of the first byte that differs.
	index := len(a) - 1
	for ; index >= 0 && a[index] == b[index]; index-- {
		// Nothing to do.
	}
	if index < 0 {
		return 0
	}
	if a[index] > b[index] {
		return 1
	}
	return -1
}

// workSorterLess returns whether node 'a' is a worse candidate than 'b' for
// the purposes of best chain selection.
//
// The criteria for determining what constitutes a worse candidate, in order
// of priority, is as follows:
//
//  1. Less total cumulative work
//  2. Not having block data available
//  3. Receiving data later
//  4. Hash that represents less work (larger value as a little-endian uint256)
//
// This function MUST be called with the block index lock held (for reads).
func workSorterLess(a, b *blockNode) bool {
	// First, sort by the total cumulative work.
	if workCmp := a.workSum.Cmp(b.workSum); workCmp != 0 {
		return workCmp < 0
	}

	// Then sort according to block data availability.  Blocks that do not
	// have all of their data available yet are worse candidates than those
	// that do.
	if aHasData := a.status.HaveData(); aHasData != b.status.HaveData() {
		return !aHasData
	}

	// Then sort according to blocks that received their data first.  Note
	// that the sequence will be 0 for both in the case neither block has
	// its data available.  Blocks that receive their data later are worse
	// candidates.
	if a.sequenceID != b.sequenceID {
		// Using greater than here because data that was received later
		// will have a higher id.
		return a.sequenceID > b.sequenceID
	}

	// Finally, fall back to sorting based on the hash in the case the work,
	// block data availability, and received order are all the same.  Note
	// that it is more difficult to find hashes with more leading zeros when
	// treated as a little-endian uint256, so larger values represent less
	// work and are therefore worse candidates.
	return compareHashesAsUint256LE(&a.hash, &b.hash) > 0
}

// blockIndex provides facilities for keeping track of an in-memory index of
// the block tree.  Although the name block chain suggests a single chain of
// blocks, it is actually a tree-shaped structure where any node can have
// multiple children.  However, there can only be one active branch which does
// indeed form a chain from the tip all the way back to the genesis block.
type blockIndex struct {
	// The following fields are set when the instance is created and can't
	// be changed afterwards, so there is no need to protect them with a
	// separate mutex.
	db *metadataStore

	// These fields are protected by the embedded mutex.
	//
	// index contains an entry for every known block tracked by the block
	// index.
	//
	// modified contains an entry for all nodes that have been modified
	// since the last time the index was flushed to disk.
	sync.RWMutex
	index    map[chainhash.Hash]*blockNode
	modified map[*blockNode]struct{}

	// These fields are related to selecting the best chain.  They are
	// protected by the embedded mutex.
	//
	// bestHeader tracks the highest work block node in the index that is
	// not known to be invalid.
	//
	// bestInvalid tracks the highest work block node that was found to be
	// invalid.
	//
	// bestChainCandidates tracks the set of block nodes that are potential
	// candidates to become the best chain.
	//
	// unlinkedChildrenOf maps blocks that do not yet have the full block
	// data available to any immediate children that do have the full block
	// data available.  It is used to efficiently discover all child blocks
	// which might be eligible for connection when the full block data for a
	// block becomes available.
	//
	// nextSequenceID is assigned to block nodes and incremented each time
	// block data is received in order to aid in chain selection.  In
	// particular, it ensures no additional priority in terms of chain
	// selection between competing branches can be gained by submitting the
	// header first.
	bestHeader          *blockNode
	bestInvalid         *blockNode
	bestChainCandidates map[*blockNode]struct{}
	unlinkedChildrenOf  map[*blockNode][]*blockNode
	nextSequenceID      uint32
}

// newBlockIndex returns a new empty instance of a block index.  The index
// will be dynamically populated as block nodes are loaded from the database
// and manually added.
func newBlockIndex(db *metadataStore) *blockIndex {
	// Notice the next sequence ID starts at one since all entries loaded
	// from disk will be zero.
	return &blockIndex{
		db:                  db,
		index:               make(map[chainhash.Hash]*blockNode),
		modified:            make(map[*blockNode]struct{}),
		bestChainCandidates: make(map[*blockNode]struct{}),
		unlinkedChildrenOf:  make(map[*blockNode][]*blockNode),
		nextSequenceID:      1,
	}
}

// HaveBlock returns whether or not the block index contains the provided hash
// and the block data is available.
//
// This function is safe for concurrent access.
func (bi *blockIndex) HaveBlock(hash *chainhash.Hash) bool {
	bi.RLock()
	node := bi.index[*hash]
	hasBlock := node != nil && node.status.HaveData()
	bi.RUnlock()
	return hasBlock
}

// addNode adds the provided node to the block index.  Duplicate entries are
// not checked so it is up to caller to avoid adding them.
//
// This function MUST be called with the block index lock held (for writes).
func (bi *blockIndex) addNode(node *blockNode) {
	bi.index[node.hash] = node

	// Update the header with most known work that is also not known to be
	// invalid to this node if needed.
	if !node.status.KnownInvalid() &&
		(bi.bestHeader == nil || workSorterLess(bi.bestHeader, node)) {

		bi.bestHeader = node
	}
}

// AddNode adds the provided node to the block index and marks it as modified.
// Duplicate entries are not checked so it is up to caller to avoid adding
// them.
//
// This function is safe for concurrent access.
func (bi *blockIndex) AddNode(node *blockNode) {
	bi.Lock()
	bi.addNode(node)
	bi.modified[node] = struct{}{}
	bi.Unlock()
}

// addNodeFromDB adds the provided node, which is expected to have come from
// storage, to the block index and also updates the unlinked block
// dependencies and best known invalid block as needed.
//
// This function is NOT safe for concurrent access and therefore must only be
// called during block index initialization.
func (bi *blockIndex) addNodeFromDB(node *blockNode) {
	bi.addNode(node)

	// Add this node to the map of unlinked blocks that are potentially
	// eligible for connection when it is not already fully linked, but the
	// data for it is already known and its parent is not already known to
	// be invalid.
	if !node.isFullyLinked && node.status.HaveData() && node.parent != nil &&
		!node.parent.status.KnownInvalid() {

		unlinkedChildren := bi.unlinkedChildrenOf[node.parent]
		bi.unlinkedChildrenOf[node.parent] = append(unlinkedChildren, node)
	}

	// Set this node as the best known invalid block when it is invalid and
	// has more work than the current one.
	if node.status.KnownInvalid() {
		bi.maybeUpdateBestInvalid(node)
	}
}

// LookupNode returns the block node identified by the provided hash.  It will
// return nil if there is no entry for the hash.
//
// This function is safe for concurrent access.
func (bi *blockIndex) LookupNode(hash *chainhash.Hash) *blockNode {
	bi.RLock()
	node := bi.index[*hash]
	bi.RUnlock()
	return node
}

// NodeStatus returns the status associated with the provided node.
//
// This function is safe for concurrent access.
func (bi *blockIndex) NodeStatus(node *blockNode) blockStatus {
	bi.RLock()
	status := node.status
	bi.RUnlock()
	return status
}

// setStatusFlags sets the provided status flags for the given block node
// regardless of their previous state.  It does not unset any flags.
//
// This function MUST be called with the block index lock held (for writes).
func (bi *blockIndex) setStatusFlags(node *blockNode, flags blockStatus) {
	origStatus := node.status
	node.status |= flags
	if node.status != origStatus {
		bi.modified[node] = struct{}{}
	}
}

// SetStatusFlags sets the provided status flags for the given block node
// regardless of their previous state.  It does not unset any flags.
//
// This function is safe for concurrent access.
func (bi *blockIndex) SetStatusFlags(node *blockNode, flags blockStatus) {
	bi.Lock()
	bi.setStatusFlags(node, flags)
	bi.Unlock()
}

// unsetStatusFlags unsets the provided status flags for the given block node
// regardless of their previous state.
//
// This function MUST be called with the block index lock held (for writes).
func (bi *blockIndex) unsetStatusFlags(node *blockNode, flags blockStatus) {
	origStatus := node.status
	node.status &^= flags
	if node.status != origStatus {
		bi.modified[node] = struct{}{}
	}
}

// UnsetStatusFlags unsets the provided status flags for the given block node
// regardless of their previous state.
//
// This function is safe for concurrent access.
func (bi *blockIndex) UnsetStatusFlags(node *blockNode, flags blockStatus) {
	bi.Lock()
	bi.unsetStatusFlags(node, flags)
	bi.Unlock()
}

// advanceValidity advances the validity ladder of the given block node to the
// provided level.  The ladder never moves backwards.
//
// This function MUST be called with the block index lock held (for writes).
func (bi *blockIndex) advanceValidity(node *blockNode, level blockStatus) {
	if node.status.Validity() < level {
		node.status = (node.status &^ statusValidityMask) | level
		bi.modified[node] = struct{}{}
	}
}

// AdvanceValidity advances the validity ladder of the given block node to the
// provided level.  The ladder never moves backwards.
//
// This function is safe for concurrent access.
func (bi *blockIndex) AdvanceValidity(node *blockNode, level blockStatus) {
	bi.Lock()
	bi.advanceValidity(node, level)
	bi.Unlock()
}

// addBestChainCandidate adds the passed block node as a potential candidate
// for becoming the tip of the best chain.
//
// This function MUST be called with the block index lock held (for writes).
func (bi *blockIndex) addBestChainCandidate(node *blockNode) {
	bi.bestChainCandidates[node] = struct{}{}
}

// removeBestChainCandidate removes the passed block node from the potential
// candidates for becoming the tip of the best chain.
//
// This function MUST be called with the block index lock held (for writes).
func (bi *blockIndex) removeBestChainCandidate(node *blockNode) {
	delete(bi.bestChainCandidates, node)
}

// maybeUpdateBestInvalid potentially updates the best known invalid block, as
// determined by having the most cumulative work, by comparing the passed
// block node, which must have already been determined to be invalid, against
// the current one.
//
// This function MUST be called with the block index lock held (for writes).
func (bi *blockIndex) maybeUpdateBestInvalid(invalidNode *blockNode) {
	if bi.bestInvalid == nil || workSorterLess(bi.bestInvalid, invalidNode) {
		bi.bestInvalid = invalidNode
	}
}

// MarkBlockFailedValidation marks the passed node as having failed validation
// and then marks all of its descendants (if any) as having a failed ancestor.
// Both the failed block and its descendants are removed from the set of best
// chain candidates.
//
// This function is safe for concurrent access.
func (bi *blockIndex) MarkBlockFailedValidation(node *blockNode) {
	bi.Lock()
	bi.setStatusFlags(node, statusValidateFailed)
	bi.removeBestChainCandidate(node)
	bi.maybeUpdateBestInvalid(node)
	delete(bi.unlinkedChildrenOf, node)

	// Mark all descendants of the failed block as having a failed ancestor.
	// The index is a tree keyed by hash rather than parent, so descendants
	// are discovered by walking every entry above the failed height back to
	// the failed block.  The index is small enough in practice for this to
	// be a non-issue and invalidation is rare.
	for _, n := range bi.index {
		if n.height <= node.height || n.status.KnownInvalidAncestor() {
			continue
		}
		if n.Ancestor(node.height) != node {
			continue
		}

		bi.setStatusFlags(n, statusInvalidAncestor)
		bi.removeBestChainCandidate(n)
		delete(bi.unlinkedChildrenOf, n)
		bi.maybeUpdateBestInvalid(n)
	}

	// Update the best header if the current one is now invalid.
	if bi.bestHeader.status.KnownInvalid() {
		bi.bestHeader = node.parent
		for n := bi.bestHeader; n != nil && n.status.KnownInvalid(); {
			n = n.parent
			bi.bestHeader = n
		}
		for _, n := range bi.index {
			if !n.status.KnownInvalid() &&
				(bi.bestHeader == nil || workSorterLess(bi.bestHeader, n)) {

				bi.bestHeader = n
			}
		}
	}
	bi.Unlock()
}

// canValidate returns whether or not the block associated with the provided
// node can be validated.  In order for a block to be validated, both it, and
// all of its ancestors, must have the block data available.
//
// This function MUST be called with the block index lock held (for reads).
func (bi *blockIndex) canValidate(node *blockNode) bool {
	return node.isFullyLinked && node.status.HaveData()
}

// CanValidate returns whether or not the block associated with the provided
// node can be validated.
//
// This function is safe for concurrent access.
func (bi *blockIndex) CanValidate(node *blockNode) bool {
	bi.RLock()
	canValidate := bi.canValidate(node)
	bi.RUnlock()
	return canValidate
}

// RemoveLessWorkCandidates removes all potential best chain candidates that
// have less work than the provided node, which is typically a newly connected
// best chain tip.
//
// This function is safe for concurrent access.
func (bi *blockIndex) RemoveLessWorkCandidates(node *blockNode) {
	bi.Lock()
	for n := range bi.bestChainCandidates {
		if n != node && n.workSum.Cmp(node.workSum) < 0 {
			bi.removeBestChainCandidate(n)
		}
	}

	// The best chain candidates must always contain at least the current
	// best chain tip.  Assert this assumption is true.
	if len(bi.bestChainCandidates) == 0 {
		panicf("best chain candidates list is empty after removing less " +
			"work candidates")
	}
	bi.Unlock()
}

// linkBlockData marks the provided block as fully linked to indicate that
// both it and all of its ancestors have their data available and then
// determines if there are any unlinked blocks which depend on the passed
// block and links those as well until there are no more.  It returns a list
// of blocks that were linked.
//
// It also accounts for the order the blocks are linked and potentially adds
// the newly-linked blocks as best chain candidates if they have at least as
// much cumulative work as the current best chain tip.
//
// This function MUST be called with the block index lock held (for writes).
func (bi *blockIndex) linkBlockData(node, tip *blockNode) []*blockNode {
	// Start with processing at least the passed node.
	linkedNodes := []*blockNode{node}
	for nodeIndex := 0; nodeIndex < len(linkedNodes); nodeIndex++ {
		linkedNode := linkedNodes[nodeIndex]

		// Mark the block as fully linked to indicate that both it and all
		// of its ancestors have their data available.
		linkedNode.isFullyLinked = true

		// Keep track of the order in which the block data was received to
		// ensure miners gain no advantage by advertising the header first.
		linkedNode.sequenceID = bi.nextSequenceID
		bi.nextSequenceID++

		// The block is now a candidate to potentially become the best
		// chain if it has the same or more work than the current best
		// chain tip.
		if linkedNode.workSum.Cmp(tip.workSum) >= 0 {
			bi.addBestChainCandidate(linkedNode)
		}

		// Add any children of the block that was just linked to the list
		// to be linked and remove them from the set of unlinked blocks
		// accordingly.  There will typically only be zero or one, but it
		// could be more if multiple solutions are mined and broadcast
		// around the same time.
		unlinkedChildren := bi.unlinkedChildrenOf[linkedNode]
		if len(unlinkedChildren) > 0 {
			linkedNodes = append(linkedNodes, unlinkedChildren...)
			delete(bi.unlinkedChildrenOf, linkedNode)
		}
	}

	return linkedNodes
}

// AcceptBlockData updates the block index state to account for the full data
// for a block becoming available.  For example, blocks that are currently not
// eligible for validation due to either not having the block data itself or
// not having all ancestor data available might become eligible for
// validation.  It returns a list of all blocks that were linked, if any.
//
// NOTE: It is up to the caller to only call this function when the data was
// not previously available.
//
// This function is safe for concurrent access.
func (bi *blockIndex) AcceptBlockData(node, tip *blockNode) []*blockNode {
	var linkedBlocks []*blockNode
	bi.Lock()
	if node.parent == nil || bi.canValidate(node.parent) ||
		node.parent.status.KnownValid(statusValidChain) {

		linkedBlocks = bi.linkBlockData(node, tip)
	} else if !node.parent.status.KnownInvalid() {
		unlinkedChildren := bi.unlinkedChildrenOf[node.parent]
		bi.unlinkedChildrenOf[node.parent] = append(unlinkedChildren, node)
	}
	bi.Unlock()
	return linkedBlocks
}

// FindBestChainCandidate searches the block index for the best potentially
// valid chain that contains the most cumulative work and returns its tip.
// In order to be potentially valid, all of the block data leading up to a
// block must have already been received and must not be part of a chain that
// is already known to be invalid.  A chain that has not yet been fully
// validated, such as a side chain that has never been the main chain, is
// neither known to be valid nor invalid, so it is possible the returned
// candidate will form a chain that is invalid.
//
// This function is safe for concurrent access.
func (bi *blockIndex) FindBestChainCandidate() *blockNode {
	bi.RLock()
	defer bi.RUnlock()

	// Find the best candidate among the potential candidates as determined
	// by having the highest cumulative work with fallback to the criteria
	// described by workSorterLess in the case of equal work.
	//
	// Note that the best candidate should never actually be nil in practice
	// since the current best tip is always a candidate.
	var bestCandidate *blockNode
	for node := range bi.bestChainCandidates {
		if bestCandidate == nil || workSorterLess(bestCandidate, node) {
			bestCandidate = node
		}
	}
	return bestCandidate
}

// BestHeader returns the header with the most cumulative work that is not
// known to be invalid.
//
// This function is safe for concurrent access.
func (bi *blockIndex) BestHeader() *blockNode {
	bi.RLock()
	header := bi.bestHeader
	bi.RUnlock()
	return header
}

// flush writes all of the modified block nodes to the database and clears the
// set of modified nodes if it succeeds.
func (bi *blockIndex) flush() error {
	// Nothing to flush if there are no modified nodes.
	bi.Lock()
	if len(bi.modified) == 0 {
		bi.Unlock()
		return nil
	}

	// Write all of the nodes in the set of modified nodes to the database.
	batch := bi.db.NewBatch()
	for node := range bi.modified {
		dbBatchPutBlockNode(batch, node)
	}
	if err := bi.db.Write(batch); err != nil {
		bi.Unlock()
		return err
	}

	// Clear the set of modified nodes.
	bi.modified = make(map[*blockNode]struct{})
	bi.Unlock()
	return nil
}
