// Copyright (c) 2026 The Meridian developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"github.com/meridianchain/mrdd/chaincfg"
)

// CalcBlockSubsidy returns the subsidy amount a block at the provided height
// should have.
//
// The genesis block carries no subsidy.  Blocks below the decay height pay the
// full base value, and from the decay height onward the subsidy decays
// hyperbolically so the emission per unit of chain length approaches a
// constant total:
//
//	subsidy(h) = floor(0.5 + base * decayHeight / (h + 1))
//
// Blocks beyond the subsidy end height are rewarded with transaction fees
// only.
func CalcBlockSubsidy(height int32, chainParams *chaincfg.Params) int64 {
	switch {
	case height == 0:
		return 0

	case height < chainParams.SubsidyDecayHeight:
		return chainParams.SubsidyBaseValue

	case height <= chainParams.SubsidyEndHeight:
		// floor(0.5 + num/den) computed entirely in integers as
		// (2*num + den) / (2*den).
		num := chainParams.SubsidyBaseValue *
			int64(chainParams.SubsidyDecayHeight)
		den := int64(height) + 1
		return (2*num + den) / (2 * den)
	}

	return 0
}
