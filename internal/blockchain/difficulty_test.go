// Copyright (c) 2026 The Meridian developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"math/big"
	"testing"
)

// TestBigToCompact ensures BigToCompact converts big integers to the expected
// compact representation.
func TestBigToCompact(t *testing.T) {
	tests := []struct {
		in  int64
		out uint32
	}{
		{0, 0},
		{-1, 25231360},
	}

	for x, test := range tests {
		n := big.NewInt(test.in)
		r := BigToCompact(n)
		if r != test.out {
			t.Errorf("TestBigToCompact test #%d failed: got %d want %d\n",
				x, r, test.out)
			return
		}
	}
}

// TestCompactToBig ensures CompactToBig converts numbers using the compact
// representation to the expected big integers.
func TestCompactToBig(t *testing.T) {
	tests := []struct {
		in  uint32
		out int64
	}{
		{10000000, 0},
	}

	for x, test := range tests {
		n := CompactToBig(test.in)
		want := big.NewInt(test.out)
		if n.Cmp(want) != 0 {
			t.Errorf("TestCompactToBig test #%d failed: got %d want %d\n",
				x, n.Int64(), want.Int64())
			return
		}
	}
}

// TestCompactRoundTrip ensures converting compact values through big
// integers and back is lossless for in-range difficulties.
func TestCompactRoundTrip(t *testing.T) {
	for _, bits := range []uint32{0x1d00ffff, 0x1e0fffff, 0x207fffff,
		0x1b01ffff} {

		if got := BigToCompact(CompactToBig(bits)); got != bits {
			t.Errorf("round trip of %08x produced %08x", bits, got)
		}
	}
}

// TestCalcWork ensures the work computed for valid difficulty bits behaves
// monotonically: lower targets mean more work.
func TestCalcWork(t *testing.T) {
	easyWork := CalcWork(0x207fffff)
	hardWork := CalcWork(0x1d00ffff)
	if easyWork.Sign() <= 0 || hardWork.Sign() <= 0 {
		t.Fatal("work for valid difficulty bits must be positive")
	}
	if hardWork.Cmp(easyWork) <= 0 {
		t.Fatal("lower target did not produce more work")
	}

	// Negative difficulties produce zero work.
	if CalcWork(0x01803456).Sign() != 0 {
		t.Fatal("negative difficulty produced nonzero work")
	}
}
