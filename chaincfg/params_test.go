// Copyright (c) 2026 The Meridian developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chaincfg

import (
	"testing"
)

// TestInvalidHashStr ensures the newHashFromStr helper panics on invalid
// input since it is only intended to be used with hard-coded data.
func TestInvalidHashStr(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("newHashFromStr did not panic on invalid input")
		}
	}()
	newHashFromStr("banana")
}

// TestGenesisConsistency ensures the genesis blocks embed the merkle root of
// their coinbase transaction and that the per-network hashes are distinct.
func TestGenesisConsistency(t *testing.T) {
	wantMerkle := genesisCoinbaseTx.TxHash()
	for _, params := range []*Params{&MainNetParams, &TestNet3Params,
		&SimNetParams} {

		if params.GenesisBlock.Header.MerkleRoot != wantMerkle {
			t.Fatalf("%s genesis merkle root mismatch", params.Name)
		}
		if params.GenesisHash != params.GenesisBlock.BlockHash() {
			t.Fatalf("%s genesis hash mismatch", params.Name)
		}
	}

	if MainNetParams.GenesisHash == TestNet3Params.GenesisHash ||
		MainNetParams.GenesisHash == SimNetParams.GenesisHash {

		t.Fatal("genesis hashes are not distinct across networks")
	}
}

// TestRegisterDuplicate ensures registering an already-registered network
// fails with ErrDuplicateNet.
func TestRegisterDuplicate(t *testing.T) {
	if err := Register(&MainNetParams); err != ErrDuplicateNet {
		t.Fatalf("Register: got %v, want %v", err, ErrDuplicateNet)
	}
}

// TestSubsidyParams sanity checks the consensus money parameters.
func TestSubsidyParams(t *testing.T) {
	for _, params := range []*Params{&MainNetParams, &TestNet3Params,
		&SimNetParams} {

		if params.SubsidyBaseValue <= 0 {
			t.Fatalf("%s has non-positive base subsidy", params.Name)
		}
		if params.SubsidyDecayHeight <= 0 ||
			params.SubsidyEndHeight <= params.SubsidyDecayHeight {

			t.Fatalf("%s has an inconsistent subsidy schedule", params.Name)
		}
		if params.MaxMoney <= params.SubsidyBaseValue {
			t.Fatalf("%s max money below the base subsidy", params.Name)
		}
		if params.BlockSizeFloor > params.MaxBlockSerializedSize {
			t.Fatalf("%s block size floor above the serialized cap",
				params.Name)
		}
	}
}
