// Copyright (c) 2026 The Meridian developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chaincfg

import (
	"encoding/hex"
	"errors"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// These variables are the chain proof-of-work limit parameters for each default
// network.
var (
	// bigOne is 1 represented as a big.Int.  It is defined here to avoid
	// the overhead of creating it multiple times.
	bigOne = big.NewInt(1)

	// mainPowLimit is the highest proof of work value a Meridian block can
	// have for the main network.  It is the value 2^236 - 1.
	mainPowLimit = new(big.Int).Sub(new(big.Int).Lsh(bigOne, 236), bigOne)

	// regNetPowLimit is the highest proof of work value a Meridian block
	// can have for the regression test network.  It is the value 2^255 - 1.
	regNetPowLimit = new(big.Int).Sub(new(big.Int).Lsh(bigOne, 255), bigOne)
)

const (
	// VoteIDTestDummy is the vote ID for the test dummy deployment used on
	// non-main networks to exercise the version bits state machine.
	VoteIDTestDummy = "testdummy"

	// VoteIDCSV is the vote ID for the soft fork deployment which gates the
	// relative lock time semantics of transaction sequence numbers along
	// with OP_CHECKSEQUENCEVERIFY and the use of median time past for
	// absolute lock times.
	VoteIDCSV = "csv"

	// VoteIDSegwit is the vote ID for the segregated witness soft fork
	// deployment.
	VoteIDSegwit = "segwit"
)

// ConsensusDeployment defines details related to a specific consensus rule
// change that is voted in through version bits signalling.
type ConsensusDeployment struct {
	// VoteID is the human readable identifier for the deployment.
	VoteID string

	// BitNumber defines the specific bit number within the block version
	// this particular soft-fork deployment refers to.
	BitNumber uint8

	// StartTime is the median block time after which voting on the
	// deployment starts.
	StartTime uint64

	// ExpireTime is the median block time after which the attempted
	// deployment expires.
	ExpireTime uint64
}

// DeploymentID defines a specific consensus deployment position within the
// Deployments array of the chain parameters.
type DeploymentID int

// Constants that define the deployment offset in the deployments field of the
// parameters for each deployment.
const (
	// DeploymentTestDummy defines the rule change deployment ID for testing
	// purposes.
	DeploymentTestDummy DeploymentID = iota

	// DeploymentCSV defines the rule change deployment ID for the CSV soft
	// fork package which includes the deployment of BIPs 68, 112, and 113.
	DeploymentCSV

	// DeploymentSegwit defines the rule change deployment ID for the
	// segregated witness soft fork package.
	DeploymentSegwit

	// DefinedDeployments is the number of currently defined deployments.
	DefinedDeployments
)

// Checkpoint identifies a known good point in the block chain.  Using
// checkpoints allows a few optimizations for old blocks during initial download
// and also prevents forks from old blocks.
type Checkpoint struct {
	Height int32
	Hash   *chainhash.Hash
}

// Params defines a Meridian network by its parameters.  These parameters may be
// used by Meridian applications to differentiate networks as well as addresses
// and keys for one network from those intended for use on another network.
type Params struct {
	// Name defines a human-readable identifier for the network.
	Name string

	// Net defines the magic bytes used to identify the network.
	Net wire.BitcoinNet

	// GenesisBlock defines the first block of the chain.
	GenesisBlock *wire.MsgBlock

	// GenesisHash is the starting block hash.
	GenesisHash chainhash.Hash

	// PowLimit defines the highest allowed proof of work value for a block
	// as a uint256.
	PowLimit *big.Int

	// PowLimitBits defines the highest allowed proof of work value for a
	// block in compact form.
	PowLimitBits uint32

	// ReduceMinDifficulty defines whether the network should reduce the
	// minimum required difficulty after a long enough period of time has
	// passed without finding a block.  This is really only useful for test
	// networks and should not be set on a main network.
	ReduceMinDifficulty bool

	// MinDiffReductionTime is the amount of time after which the minimum
	// required difficulty should be reduced when a block hasn't been found.
	//
	// NOTE: This only applies if ReduceMinDifficulty is true.
	MinDiffReductionTime time.Duration

	// GenerateSupported specifies whether or not CPU mining is allowed.
	GenerateSupported bool

	// TargetTimespan is the desired amount of time that should elapse
	// before the block difficulty requirement is examined to determine how
	// it should be changed in order to maintain the desired block
	// generation rate.
	TargetTimespan time.Duration

	// TargetTimePerBlock is the desired amount of time to generate each
	// block.
	TargetTimePerBlock time.Duration

	// RetargetAdjustmentFactor is the adjustment factor used to limit
	// the minimum and maximum amount of adjustment that can occur between
	// difficulty retargets.
	RetargetAdjustmentFactor int64

	// CoinbaseMaturity is the number of blocks required before newly mined
	// coins can be spent.
	CoinbaseMaturity uint16

	// SubsidyBaseValue is the starting value of the coinbase subsidy in
	// atoms before the decay schedule begins.
	SubsidyBaseValue int64

	// SubsidyDecayHeight is the height at which the coinbase subsidy
	// begins decaying hyperbolically from the base value.
	SubsidyDecayHeight int32

	// SubsidyEndHeight is the final height that produces a block subsidy.
	// Blocks beyond it are rewarded with fees only.
	SubsidyEndHeight int32

	// MaxMoney is the maximum number of atoms that can ever exist on the
	// network.  It is a sanity bound on transaction and output values.
	MaxMoney int64

	// BlockEnforceNumRequired and BlockRejectNumRequired describe the
	// rolling supermajority windows used to enforce new block versions and
	// reject outdated ones: once BlockEnforceNumRequired of the last
	// BlockUpgradeNumToCheck blocks carry a version at least as new as a
	// given upgrade, the rules for that upgrade are enforced, and once
	// BlockRejectNumRequired do, older-version blocks are rejected.
	BlockEnforceNumRequired uint64
	BlockRejectNumRequired  uint64
	BlockUpgradeNumToCheck  uint64

	// AdaptiveSizeWindow is the number of recent blocks used to compute
	// the median block size for the adaptive maximum block size rule.
	AdaptiveSizeWindow int32

	// AdaptiveSizeMultiple is the multiple of the median block size allowed
	// by the adaptive maximum block size rule.
	AdaptiveSizeMultiple int64

	// BlockSizeFloor is the minimum value the adaptive maximum block size
	// can take regardless of the recent median.
	BlockSizeFloor int64

	// MaxBlockSerializedSize is the absolute cap on the serialized size of
	// a block regardless of the adaptive rule.  It also bounds buffers.
	MaxBlockSerializedSize int64

	// AdaptiveSizeEnforceVersion is the minimum block version whose
	// supermajority presence activates the adaptive maximum block size
	// rule.  The tally keys off the raw block version with no
	// distinguishing bit.
	AdaptiveSizeEnforceVersion int32

	// LegacyPrivacyDisableHeight is the height at which outputs using the
	// legacy privacy-token script class stop being accepted.
	LegacyPrivacyDisableHeight int32

	// RuleChangeActivationThreshold is the number of blocks in a retarget
	// period that must signal a version bits deployment in order for it to
	// lock in.
	RuleChangeActivationThreshold uint32

	// MinerConfirmationWindow is the number of blocks in each version bits
	// signalling window.  It is set independently of the difficulty
	// retarget interval.
	MinerConfirmationWindow uint32

	// Deployments define the specific consensus rule changes to be voted
	// on.
	Deployments [DefinedDeployments]ConsensusDeployment

	// BIP0030GrandfatheredBlocks identifies the blocks that are exempt from
	// the duplicate-transaction overwrite check due to historical
	// violations that occurred before the rule existed.
	BIP0030GrandfatheredBlocks map[int32]chainhash.Hash

	// BIP0034Height is the height at which coinbase height commitments
	// became required and below which the duplicate-transaction overwrite
	// check is skipped.
	BIP0034Height int32

	// Checkpoints are the known good points described above, ordered from
	// oldest to newest.
	Checkpoints []Checkpoint

	// RelayNonStdTxs defines whether the default policy is to relay
	// non-standard transactions.
	RelayNonStdTxs bool
}

// ErrDuplicateNet describes an error where the parameters for a Meridian
// network could not be set due to the network already being a standard
// network or previously-registered into this package.
var ErrDuplicateNet = errors.New("duplicate Meridian network")

var registeredNets = make(map[wire.BitcoinNet]struct{})

// Register registers the network parameters for a Meridian network.  This may
// error with ErrDuplicateNet if the network is already registered (either due
// to a previous Register call, or the network being one of the default
// networks).
func Register(params *Params) error {
	if _, ok := registeredNets[params.Net]; ok {
		return ErrDuplicateNet
	}
	registeredNets[params.Net] = struct{}{}
	return nil
}

// mustRegister performs the same function as Register except it panics if
// there is an error.  This should only be called from package init functions.
func mustRegister(params *Params) {
	if err := Register(params); err != nil {
		panic("failed to register network: " + err.Error())
	}
}

// hexDecode converts the passed hex string into bytes and will panic if there
// is an error.  This is only provided for the hard-coded constants so errors
// in the source code can be detected.  It will only (and must only) be called
// with hard-coded values.
func hexDecode(hexStr string) []byte {
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		panic("invalid hex in source file: " + hexStr)
	}
	return b
}

// newHashFromStr converts the passed big-endian hex string into a
// chainhash.Hash and will panic if there is an error.  It will only (and must
// only) be called with hard-coded, and therefore known good, hashes.
func newHashFromStr(hexStr string) *chainhash.Hash {
	hash, err := chainhash.NewHashFromStr(hexStr)
	if err != nil {
		panic("invalid hash in source file: " + hexStr)
	}
	return hash
}

func init() {
	// Register all default networks when the package is initialized.
	mustRegister(&MainNetParams)
	mustRegister(&TestNet3Params)
	mustRegister(&SimNetParams)
}
