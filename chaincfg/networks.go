// Copyright (c) 2026 The Meridian developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chaincfg

import (
	"math"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Constants used to indicate the message Meridian network.
const (
	// MainNet represents the main Meridian network.
	MainNet wire.BitcoinNet = 0x5ca1ab1e

	// TestNet3 represents the test network (version 3).
	TestNet3 wire.BitcoinNet = 0x0b17ca5e

	// SimNet represents the simulation test network.
	SimNet wire.BitcoinNet = 0x12141c16
)

// atomsPerCoin is the number of atoms in one coin.
const atomsPerCoin = 1e8

// MainNetParams defines the network parameters for the main Meridian network.
var MainNetParams = Params{
	Name:         "mainnet",
	Net:          MainNet,
	GenesisBlock: &genesisBlock,
	GenesisHash:  genesisHash,
	PowLimit:     mainPowLimit,
	PowLimitBits: 0x1e0fffff,

	ReduceMinDifficulty:      false,
	MinDiffReductionTime:     0,
	GenerateSupported:        false,
	TargetTimespan:           time.Hour * 24 * 14 / 26, // ~12.9 hours
	TargetTimePerBlock:       time.Second * 55,
	RetargetAdjustmentFactor: 4,

	CoinbaseMaturity:   100,
	SubsidyBaseValue:   5000 * atomsPerCoin,
	SubsidyDecayHeight: 143500,
	SubsidyEndHeight:   717499999,
	MaxMoney:           5e9 * atomsPerCoin,

	BlockEnforceNumRequired: 750,
	BlockRejectNumRequired:  950,
	BlockUpgradeNumToCheck:  1000,

	AdaptiveSizeWindow:         2016,
	AdaptiveSizeMultiple:       2,
	BlockSizeFloor:             1000000,
	MaxBlockSerializedSize:     2000000,
	AdaptiveSizeEnforceVersion: 0x20000008,

	LegacyPrivacyDisableHeight: 266765,

	RuleChangeActivationThreshold: 1916, // 95% of MinerConfirmationWindow
	MinerConfirmationWindow:       2016,
	Deployments: [DefinedDeployments]ConsensusDeployment{
		DeploymentTestDummy: {
			VoteID:     VoteIDTestDummy,
			BitNumber:  28,
			StartTime:  1199145601, // January 1, 2008 UTC
			ExpireTime: 1230767999, // December 31, 2008 UTC
		},
		DeploymentCSV: {
			VoteID:     VoteIDCSV,
			BitNumber:  0,
			StartTime:  1504224000, // September 1, 2017 UTC
			ExpireTime: 1535760000, // September 1, 2018 UTC
		},
		DeploymentSegwit: {
			VoteID:     VoteIDSegwit,
			BitNumber:  1,
			StartTime:  1504224000, // September 1, 2017 UTC
			ExpireTime: 1535760000, // September 1, 2018 UTC
		},
	},

	BIP0034Height: 1,
	BIP0030GrandfatheredBlocks: map[int32]chainhash.Hash{
		// Two historical blocks duplicated the transactions of earlier
		// blocks before the overwrite rule existed, so they remain exempt.
		91842: *newHashFromStr("00000000000a4d0a398161ffc163c503763" +
			"b1f4360639393e0e4c8e300e0caec"),
		91880: *newHashFromStr("00000000000743f190a18c5577a3c2d2a1f" +
			"610ae9601ac046a38084ccb7cd721"),
	},

	Checkpoints: nil,

	RelayNonStdTxs: false,
}

// TestNet3Params defines the network parameters for the test Meridian network
// (version 3).
var TestNet3Params = Params{
	Name:         "testnet3",
	Net:          TestNet3,
	GenesisBlock: &testNet3GenesisBlock,
	GenesisHash:  testNet3GenesisHash,
	PowLimit:     mainPowLimit,
	PowLimitBits: 0x1e0fffff,

	ReduceMinDifficulty:      true,
	MinDiffReductionTime:     time.Minute * 2,
	GenerateSupported:        true,
	TargetTimespan:           time.Hour * 24 * 14 / 26,
	TargetTimePerBlock:       time.Second * 55,
	RetargetAdjustmentFactor: 4,

	CoinbaseMaturity:   100,
	SubsidyBaseValue:   5000 * atomsPerCoin,
	SubsidyDecayHeight: 143500,
	SubsidyEndHeight:   717499999,
	MaxMoney:           5e9 * atomsPerCoin,

	BlockEnforceNumRequired: 51,
	BlockRejectNumRequired:  75,
	BlockUpgradeNumToCheck:  100,

	AdaptiveSizeWindow:         2016,
	AdaptiveSizeMultiple:       2,
	BlockSizeFloor:             1000000,
	MaxBlockSerializedSize:     2000000,
	AdaptiveSizeEnforceVersion: 0x20000008,

	LegacyPrivacyDisableHeight: 1000,

	RuleChangeActivationThreshold: 1512, // 75% of MinerConfirmationWindow
	MinerConfirmationWindow:       2016,
	Deployments: [DefinedDeployments]ConsensusDeployment{
		DeploymentTestDummy: {
			VoteID:     VoteIDTestDummy,
			BitNumber:  28,
			StartTime:  1199145601,
			ExpireTime: 1230767999,
		},
		DeploymentCSV: {
			VoteID:     VoteIDCSV,
			BitNumber:  0,
			StartTime:  1504224000,
			ExpireTime: 1535760000,
		},
		DeploymentSegwit: {
			VoteID:     VoteIDSegwit,
			BitNumber:  1,
			StartTime:  1504224000,
			ExpireTime: 1535760000,
		},
	},

	BIP0034Height:              1,
	BIP0030GrandfatheredBlocks: nil,

	Checkpoints: nil,

	RelayNonStdTxs: true,
}

// SimNetParams defines the network parameters for the simulation test network.
// This network is similar to the normal test network except it is intended for
// private use within a group of individuals doing simulation testing, so the
// difficulty starts extremely low and blocks never expire deployments.
var SimNetParams = Params{
	Name:         "simnet",
	Net:          SimNet,
	GenesisBlock: &simNetGenesisBlock,
	GenesisHash:  simNetGenesisHash,
	PowLimit:     regNetPowLimit,
	PowLimitBits: 0x207fffff,

	ReduceMinDifficulty:      true,
	MinDiffReductionTime:     time.Minute * 2,
	GenerateSupported:        true,
	TargetTimespan:           time.Hour * 24 * 14 / 26,
	TargetTimePerBlock:       time.Second * 55,
	RetargetAdjustmentFactor: 4,

	CoinbaseMaturity:   100,
	SubsidyBaseValue:   5000 * atomsPerCoin,
	SubsidyDecayHeight: 143500,
	SubsidyEndHeight:   717499999,
	MaxMoney:           5e9 * atomsPerCoin,

	BlockEnforceNumRequired: 51,
	BlockRejectNumRequired:  75,
	BlockUpgradeNumToCheck:  100,

	AdaptiveSizeWindow:         2016,
	AdaptiveSizeMultiple:       2,
	BlockSizeFloor:             1000000,
	MaxBlockSerializedSize:     2000000,
	AdaptiveSizeEnforceVersion: 0x20000008,

	LegacyPrivacyDisableHeight: 0,

	RuleChangeActivationThreshold: 75, // 75% of MinerConfirmationWindow
	MinerConfirmationWindow:       100,
	Deployments: [DefinedDeployments]ConsensusDeployment{
		DeploymentTestDummy: {
			VoteID:     VoteIDTestDummy,
			BitNumber:  28,
			StartTime:  0,
			ExpireTime: math.MaxUint64,
		},
		DeploymentCSV: {
			VoteID:     VoteIDCSV,
			BitNumber:  0,
			StartTime:  0,
			ExpireTime: math.MaxUint64,
		},
		DeploymentSegwit: {
			VoteID:     VoteIDSegwit,
			BitNumber:  1,
			StartTime:  0,
			ExpireTime: math.MaxUint64,
		},
	},

	BIP0034Height:              0,
	BIP0030GrandfatheredBlocks: nil,

	Checkpoints: nil,

	RelayNonStdTxs: true,
}
