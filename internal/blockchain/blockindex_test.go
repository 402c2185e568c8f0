// Copyright (c) 2026 The Meridian developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"testing"
	"time"
)

// TestBlockStatusLadder ensures the validity ladder encoded in the status
// bits behaves as a monotonic ladder with orthogonal flags.
func TestBlockStatusLadder(t *testing.T) {
	var status blockStatus

	if status.Validity() != statusNone {
		t.Fatalf("new status has validity %d", status.Validity())
	}

	// Walk up the ladder and ensure each rung implies the previous ones.
	ladder := []blockStatus{statusValidTree, statusValidTransactions,
		statusValidChain, statusValidScripts}
	for _, rung := range ladder {
		status = (status &^ statusValidityMask) | rung
		for _, lower := range ladder {
			if lower > rung {
				break
			}
			if !status.KnownValid(lower) {
				t.Fatalf("status at rung %d does not imply rung %d", rung,
					lower)
			}
		}
	}

	// Orthogonal flags must not disturb the ladder.
	status |= statusDataStored | statusUndoStored | statusOptWitness
	if status.Validity() != statusValidScripts {
		t.Fatalf("flags disturbed the validity ladder: %d",
			status.Validity())
	}
	if !status.HaveData() || !status.HaveUndo() {
		t.Fatal("expected data and undo flags to be set")
	}

	// A failed flag makes every rung unknown-valid.
	status |= statusValidateFailed
	if status.KnownValid(statusValidTree) {
		t.Fatal("failed status still reports known valid")
	}
	if !status.KnownInvalid() || !status.KnownValidateFailed() {
		t.Fatal("failed status not reported as invalid")
	}
	if status.KnownInvalidAncestor() {
		t.Fatal("failed status misreported as invalid ancestor")
	}
}

// TestAncestorSkipList ensures the skip-list-accelerated ancestor traversal
// agrees with simple parent walking.
func TestAncestorSkipList(t *testing.T) {
	// Ensure the skip list height calculation stays below its input.
	for height := int32(1); height < 5000; height++ {
		if skipHeight := calcSkipListHeight(height); skipHeight >= height {
			t.Fatalf("calcSkipListHeight(%d) = %d which is not lower",
				height, skipHeight)
		}
	}

	nodes := chainedFakeNodes(nil, 500)
	tip := branchTip(nodes)
	for _, wantHeight := range []int32{0, 1, 17, 255, 256, 499} {
		ancestor := tip.Ancestor(wantHeight)
		if ancestor == nil {
			t.Fatalf("no ancestor at height %d", wantHeight)
		}
		if ancestor != nodes[wantHeight] {
			t.Fatalf("ancestor at height %d is node at height %d",
				wantHeight, ancestor.height)
		}
	}

	// Heights out of range return nil.
	if tip.Ancestor(-1) != nil || tip.Ancestor(500) != nil {
		t.Fatal("out of range ancestor lookups must return nil")
	}
}

// TestWorkSorter ensures the candidate comparison function implements the
// documented total order: cumulative work, then data availability, then
// arrival order, then the hash itself.
func TestWorkSorter(t *testing.T) {
	lowWork := newFakeNode(nil, 1, 0x207fffff, time.Unix(1700000000, 0))
	highWorkParent := newFakeNode(nil, 1, 0x207fffff, time.Unix(1700000001, 0))
	highWork := newFakeNode(highWorkParent, 1, 0x207fffff,
		time.Unix(1700000002, 0))

	// More cumulative work always wins.
	if !workSorterLess(lowWork, highWork) {
		t.Fatal("node with more cumulative work sorted as worse")
	}
	if workSorterLess(highWork, lowWork) {
		t.Fatal("node with less cumulative work sorted as better")
	}

	// Same work: the one with data wins.
	a := uniqueFakeNode(highWorkParent, 1)
	b := uniqueFakeNode(highWorkParent, 2)
	a.status |= statusDataStored
	if !workSorterLess(b, a) {
		t.Fatal("node without data sorted as better")
	}

	// Same work and data: earlier arrival wins.
	b.status |= statusDataStored
	a.sequenceID = 1
	b.sequenceID = 2
	if !workSorterLess(b, a) {
		t.Fatal("later arrival sorted as better")
	}

	// Everything equal except the hash: smaller hash (more work) wins.
	b.sequenceID = 1
	lesser, greater := a, b
	if compareHashesAsUint256LE(&a.hash, &b.hash) > 0 {
		lesser, greater = b, a
	}
	if !workSorterLess(greater, lesser) {
		t.Fatal("larger hash sorted as better")
	}

	// The order is antisymmetric for distinct nodes.
	if workSorterLess(lesser, greater) && workSorterLess(greater, lesser) {
		t.Fatal("work sorter is not antisymmetric")
	}
}

// TestMarkBlockFailedValidation ensures invalidating a block marks all of its
// descendants as having an invalid ancestor and removes them from the
// candidate set.
func TestMarkBlockFailedValidation(t *testing.T) {
	index := newBlockIndex(nil)

	// Build a tree:
	//   genesis -> 1 -> 2 -> 3 -> 4
	//                   \-> 3a -> 4a
	nodes := chainedFakeNodes(nil, 5)
	for _, node := range nodes {
		node.status |= statusDataStored
		node.isFullyLinked = true
		index.addNode(node)
	}
	side0 := uniqueFakeNode(nodes[2], 0x3a)
	side := []*blockNode{side0, uniqueFakeNode(side0, 0x4a)}
	for _, node := range side {
		node.status |= statusDataStored
		node.isFullyLinked = true
		index.addNode(node)
	}
	for _, node := range []*blockNode{nodes[4], side[1]} {
		index.addBestChainCandidate(node)
	}

	// Invalidate the block at height 3 of the main branch.
	index.MarkBlockFailedValidation(nodes[3])

	if !nodes[3].status.KnownValidateFailed() {
		t.Fatal("failed block not marked failed")
	}
	if !nodes[4].status.KnownInvalidAncestor() {
		t.Fatal("descendant not marked as having an invalid ancestor")
	}
	if side[0].status.KnownInvalid() || side[1].status.KnownInvalid() {
		t.Fatal("nodes on an unrelated branch were marked invalid")
	}
	if _, ok := index.bestChainCandidates[nodes[4]]; ok {
		t.Fatal("descendant of failed block still a candidate")
	}
	if _, ok := index.bestChainCandidates[side[1]]; !ok {
		t.Fatal("unrelated branch tip lost its candidacy")
	}

	// The best header must no longer be on the invalidated branch.
	if index.bestHeader != nil &&
		index.bestHeader.Ancestor(nodes[3].height) == nodes[3] {

		t.Fatal("best header still descends from the failed block")
	}
}
