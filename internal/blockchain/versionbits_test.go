// Copyright (c) 2026 The Meridian developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"testing"
	"time"

	"github.com/meridianchain/mrdd/chaincfg"
)

// TestThresholdStateStringer ensures the threshold states convert to the
// expected strings.
func TestThresholdStateStringer(t *testing.T) {
	tests := []struct {
		in   ThresholdState
		want string
	}{
		{ThresholdDefined, "ThresholdDefined"},
		{ThresholdStarted, "ThresholdStarted"},
		{ThresholdLockedIn, "ThresholdLockedIn"},
		{ThresholdActive, "ThresholdActive"},
		{ThresholdFailed, "ThresholdFailed"},
		{0xff, "Unknown ThresholdState (255)"},
	}

	if int(numThresholdsStates) != len(tests)-1 {
		t.Fatal("threshold states stringer tests not up to date")
	}
	for _, test := range tests {
		if result := test.in.String(); result != test.want {
			t.Errorf("String: got %v, want %v", result, test.want)
		}
	}
}

// testChecker is a threshold condition checker with fixed parameters whose
// condition counts version bit 28.
type testChecker struct {
	begin, end uint64
	window     uint32
	threshold  uint32
}

func (c testChecker) BeginTime() uint64                      { return c.begin }
func (c testChecker) EndTime() uint64                        { return c.end }
func (c testChecker) RuleChangeActivationThreshold() uint32  { return c.threshold }
func (c testChecker) MinerConfirmationWindow() uint32        { return c.window }
func (c testChecker) Condition(node *blockNode) (bool, error) {
	version := uint32(node.version)
	return version&vbTopMask == vbTopBits && version&(1<<28) != 0, nil
}

// chainedVersionNodes extends the parent with the given number of nodes all
// carrying the provided version and one-second timestamp spacing starting
// from the provided base time.
func chainedVersionNodes(parent *blockNode, numNodes int, blockVersion int32, baseTime time.Time) []*blockNode {
	nodes := make([]*blockNode, numNodes)
	tip := parent
	blockTime := baseTime
	if tip != nil {
		blockTime = time.Unix(tip.timestamp, 0)
	}
	for i := 0; i < numNodes; i++ {
		blockTime = blockTime.Add(time.Second)
		node := newFakeNode(tip, blockVersion, 0x207fffff, blockTime)
		tip = node
		nodes[i] = node
	}
	return nodes
}

// TestThresholdStateMachine walks a deployment through every state of the
// version bits state machine.
func TestThresholdStateMachine(t *testing.T) {
	chain := newFakeChain(t, &chaincfg.SimNetParams)
	const window = 8
	const threshold = 6

	baseTime := time.Unix(1700000000, 0)
	checker := testChecker{
		begin:     uint64(baseTime.Unix()) + 1,
		end:       uint64(baseTime.Add(time.Hour).Unix()),
		window:    window,
		threshold: threshold,
	}
	cache := thresholdStateCache{
		entries: make(map[*blockNode]ThresholdState),
	}

	// Before the first full window the state is defined by definition.
	genesis := newFakeNode(nil, 1, 0x207fffff, baseTime)
	state, err := chain.thresholdState(genesis, checker, &cache)
	if err != nil {
		t.Fatalf("thresholdState: %v", err)
	}
	if state != ThresholdDefined {
		t.Fatalf("state before first window is %v, want %v", state,
			ThresholdDefined)
	}

	// A full window of non-signalling blocks after the begin time moves the
	// state to started.
	window1 := chainedVersionNodes(genesis, window-1, 1, baseTime)
	state, err = chain.thresholdState(branchTip(window1), checker, &cache)
	if err != nil {
		t.Fatalf("thresholdState: %v", err)
	}
	if state != ThresholdStarted {
		t.Fatalf("state after first window is %v, want %v", state,
			ThresholdStarted)
	}

	// A window with too few signalling blocks stays started.
	partial := chainedVersionNodes(branchTip(window1), window,
		int32(vbTopBits|1<<28), baseTime)
	for _, node := range partial[threshold-1:] {
		node.version = 1
	}
	state, err = chain.thresholdState(branchTip(partial), checker, &cache)
	if err != nil {
		t.Fatalf("thresholdState: %v", err)
	}
	if state != ThresholdStarted {
		t.Fatalf("state after a weak window is %v, want %v", state,
			ThresholdStarted)
	}

	// A window where the threshold is met locks the deployment in.
	signalling := chainedVersionNodes(branchTip(partial), window,
		int32(vbTopBits|1<<28), baseTime)
	state, err = chain.thresholdState(branchTip(signalling), checker, &cache)
	if err != nil {
		t.Fatalf("thresholdState: %v", err)
	}
	if state != ThresholdLockedIn {
		t.Fatalf("state after the signalling window is %v, want %v", state,
			ThresholdLockedIn)
	}

	// The window after lock-in activates the deployment, and it stays
	// active from then on.
	next := chainedVersionNodes(branchTip(signalling), window, 1, baseTime)
	state, err = chain.thresholdState(branchTip(next), checker, &cache)
	if err != nil {
		t.Fatalf("thresholdState: %v", err)
	}
	if state != ThresholdActive {
		t.Fatalf("state after lock-in window is %v, want %v", state,
			ThresholdActive)
	}

	later := chainedVersionNodes(branchTip(next), window, 1, baseTime)
	state, err = chain.thresholdState(branchTip(later), checker, &cache)
	if err != nil {
		t.Fatalf("thresholdState: %v", err)
	}
	if state != ThresholdActive {
		t.Fatalf("active state did not persist: %v", state)
	}
}

// TestThresholdStateExpiry ensures a deployment that never reaches its
// threshold fails once its expiration time passes.
func TestThresholdStateExpiry(t *testing.T) {
	chain := newFakeChain(t, &chaincfg.SimNetParams)
	const window = 8

	baseTime := time.Unix(1700000000, 0)
	checker := testChecker{
		begin:     uint64(baseTime.Unix()) + 1,
		end:       uint64(baseTime.Unix()) + 20,
		window:    window,
		threshold: window,
	}
	cache := thresholdStateCache{
		entries: make(map[*blockNode]ThresholdState),
	}

	// Build several windows of non-signalling blocks with one-second
	// spacing so the median time quickly passes the expiry.
	genesis := newFakeNode(nil, 1, 0x207fffff, baseTime)
	nodes := chainedVersionNodes(genesis, 5*window-1, 1, baseTime)
	state, err := chain.thresholdState(branchTip(nodes), checker, &cache)
	if err != nil {
		t.Fatalf("thresholdState: %v", err)
	}
	if state != ThresholdFailed {
		t.Fatalf("state after expiry is %v, want %v", state,
			ThresholdFailed)
	}
}

// TestIsMajorityVersion exercises the rolling supermajority window counting.
func TestIsMajorityVersion(t *testing.T) {
	chain := newFakeChain(t, &chaincfg.SimNetParams)

	// SimNet requires 75 of the last 100 blocks.
	required := chain.chainParams.BlockRejectNumRequired

	baseTime := time.Unix(1700000000, 0)
	genesis := newFakeNode(nil, 1, 0x207fffff, baseTime)

	// A chain of old-version blocks is never a majority.
	oldNodes := chainedVersionNodes(genesis, 150, 1, baseTime)
	if chain.isMajorityVersion(2, branchTip(oldNodes), required) {
		t.Fatal("all-old chain reported a new-version majority")
	}

	// Extend with enough new-version blocks to cross the threshold.
	newNodes := chainedVersionNodes(branchTip(oldNodes), int(required), 2,
		baseTime)
	if !chain.isMajorityVersion(2, branchTip(newNodes), required) {
		t.Fatal("majority of new-version blocks not detected")
	}
}
