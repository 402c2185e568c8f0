// Copyright (c) 2026 The Meridian developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"testing"

	"github.com/meridianchain/mrdd/chaincfg"
)

// TestCalcBlockSubsidy ensures the subsidy schedule produces the expected
// values at its boundaries and decays correctly beyond them.
func TestCalcBlockSubsidy(t *testing.T) {
	params := &chaincfg.MainNetParams
	base := params.SubsidyBaseValue

	// The genesis block carries no subsidy.
	if got := CalcBlockSubsidy(0, params); got != 0 {
		t.Fatalf("genesis subsidy is %d, want 0", got)
	}

	// Every block before the decay height pays the full base value.
	for _, height := range []int32{1, 1000, params.SubsidyDecayHeight - 1} {
		if got := CalcBlockSubsidy(height, params); got != base {
			t.Fatalf("subsidy at height %d is %d, want %d", height, got,
				base)
		}
	}

	// From the decay height onward the subsidy follows
	// floor(0.5 + base*decayHeight/(h+1)).  Verify the exact floor property
	// in integers: for q = subsidy(h), 0 <= 2*num + den - q*2*den < 2*den.
	num := base * int64(params.SubsidyDecayHeight)
	for _, height := range []int32{params.SubsidyDecayHeight,
		params.SubsidyDecayHeight + 1, 200000, 287000, 1000000, 10000000} {

		got := CalcBlockSubsidy(height, params)
		den := int64(height) + 1
		rem := 2*num + den - got*2*den
		if rem < 0 || rem >= 2*den {
			t.Fatalf("subsidy at height %d is %d which is not the "+
				"rounded quotient", height, got)
		}
	}

	// The schedule must never increase with height.
	prev := base
	for _, height := range []int32{params.SubsidyDecayHeight, 200000,
		500000, 5000000} {

		got := CalcBlockSubsidy(height, params)
		if got > prev {
			t.Fatalf("subsidy increased from %d to %d at height %d", prev,
				got, height)
		}
		prev = got
	}

	// Blocks beyond the end height are rewarded with fees only.
	if got := CalcBlockSubsidy(params.SubsidyEndHeight+1, params); got != 0 {
		t.Fatalf("subsidy beyond the end height is %d, want 0", got)
	}
}
