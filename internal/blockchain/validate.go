// Copyright (c) 2026 The Meridian developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"bytes"
	"fmt"
	"math"
	"math/big"
	"sort"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/meridianchain/mrdd/chaincfg"
)

const (
	// medianTimeBlocks is the number of previous blocks which should be
	// used to calculate the median time used to validate block timestamps.
	medianTimeBlocks = 11

	// maxTimeOffsetSeconds is the maximum number of seconds a block time is
	// allowed to be ahead of the current time.
	maxTimeOffsetSeconds = 2 * 60 * 60

	// MinCoinbaseScriptLen is the minimum length a coinbase script can be.
	MinCoinbaseScriptLen = 2

	// MaxCoinbaseScriptLen is the maximum length a coinbase script can be.
	MaxCoinbaseScriptLen = 100

	// WitnessScaleFactor determines the level of "discount" witness data
	// receives compared to "base" data.  A scale factor of 4 means that
	// witness data is 1/4 as cheap as regular non-witness data.
	WitnessScaleFactor = 4

	// MaxBlockSigOpsCost is the maximum number of witness-scaled signature
	// operations allowed in a block.
	MaxBlockSigOpsCost = 160000

	// blockSigOpsPerSizeDivisor relates the adaptive maximum block size to
	// the legacy per-block signature operation allowance.
	blockSigOpsPerSizeDivisor = 50

	// maxScriptAllocSize is the maximum size of a script that will be
	// allocated when deserializing stored data.  It bounds undo and coin
	// record scripts.
	maxScriptAllocSize = 2000000

	// sequenceLockTimeDisabled is a flag that if set on a transaction
	// input's sequence number, the sequence number will not be interpreted
	// as a relative locktime.
	sequenceLockTimeDisabled = 1 << 31

	// sequenceLockTimeIsSeconds is a flag that if set on a transaction
	// input's sequence number, the relative locktime has units of 512
	// seconds.
	sequenceLockTimeIsSeconds = 1 << 22

	// sequenceLockTimeMask is a mask that extracts the relative locktime
	// when masked against the transaction input sequence number.
	sequenceLockTimeMask = 0x0000ffff

	// sequenceLockTimeGranularity is the defined time based granularity
	// for seconds-based relative time locks.  When converting from seconds
	// to a sequence number, the value is right shifted by this amount,
	// therefore the granularity of relative time locks in 512 or 2^9
	// seconds.  Enforced relative lock times are multiples of 512 seconds.
	sequenceLockTimeGranularity = 9

	// LockTimeThreshold is the number below which a lock time is
	// interpreted to be a block number.  Since an average of one block is
	// generated per 55 seconds, this allows blocks for about 871 years.
	LockTimeThreshold = 5e8 // Tue Nov 5 00:53:20 1985 UTC
)

var (
	// zeroHash is the zero value for a chainhash.Hash and is defined as a
	// package level variable to avoid the need to create a new instance
	// every time a check is needed.
	zeroHash = &chainhash.Hash{}

	// witnessMagicBytes is the prefix marker within the public key script
	// of a coinbase output to indicate that this output holds the witness
	// commitment for a block.
	witnessMagicBytes = []byte{
		txscript.OP_RETURN,
		txscript.OP_DATA_36,
		0xaa,
		0x21,
		0xa9,
		0xed,
	}
)

// IsCoinBaseTx determines whether or not a transaction is a coinbase.  A
// coinbase is a special transaction created by miners that has no inputs.
// This is represented in the block chain by a transaction with a single input
// that has a previous output transaction index set to the maximum value along
// with a zero hash.
//
// This function only differs from IsCoinBase in that it works with a raw wire
// transaction as opposed to a higher level util transaction.
func IsCoinBaseTx(msgTx *wire.MsgTx) bool {
	// A coin base must only have one transaction input.
	if len(msgTx.TxIn) != 1 {
		return false
	}

	// The previous output of a coin base must have a max value index and a
	// zero hash.
	prevOut := &msgTx.TxIn[0].PreviousOutPoint
	if prevOut.Index != math.MaxUint32 || prevOut.Hash != *zeroHash {
		return false
	}

	return true
}

// IsCoinBase determines whether or not a transaction is a coinbase.
func IsCoinBase(tx *btcutil.Tx) bool {
	return IsCoinBaseTx(tx.MsgTx())
}

// SequenceLockActive determines if a transaction's sequence locks have been
// met, meaning that all the inputs of a given transaction have reached a
// height or time sufficient for their relative lock-time maturity.
func SequenceLockActive(sequenceLock *SequenceLock, blockHeight int32, medianTimePast time.Time) bool {
	// If either the seconds, or height relative-lock time has not yet
	// reached, then the transaction is not yet mature according to its
	// sequence locks.
	if sequenceLock.Seconds >= medianTimePast.Unix() ||
		sequenceLock.BlockHeight >= blockHeight {
		return false
	}

	return true
}

// IsFinalizedTransaction determines whether or not a transaction is finalized.
func IsFinalizedTransaction(tx *btcutil.Tx, blockHeight int32, blockTime time.Time) bool {
	msgTx := tx.MsgTx()

	// Lock time of zero means the transaction is finalized.
	lockTime := msgTx.LockTime
	if lockTime == 0 {
		return true
	}

	// The lock time field of a transaction is either a block height at
	// which the transaction is finalized or a timestamp depending on if the
	// value is before the LockTimeThreshold.  When it is under the
	// threshold it is a block height.
	var blockTimeOrHeight int64
	if lockTime < LockTimeThreshold {
		blockTimeOrHeight = int64(blockHeight)
	} else {
		blockTimeOrHeight = blockTime.Unix()
	}
	if int64(lockTime) < blockTimeOrHeight {
		return true
	}

	// At this point, the transaction's lock time hasn't occurred yet, but
	// the transaction might still be finalized if the sequence number for
	// all transaction inputs is maxed out.
	for _, txIn := range msgTx.TxIn {
		if txIn.Sequence != math.MaxUint32 {
			return false
		}
	}
	return true
}

// CheckTransactionSanity performs some preliminary checks on a transaction to
// ensure it is sane.  These checks are context free.
func CheckTransactionSanity(tx *btcutil.Tx, chainParams *chaincfg.Params) error {
	// A transaction must have at least one input.
	msgTx := tx.MsgTx()
	if len(msgTx.TxIn) == 0 {
		return ruleErrorDoS(ErrNoTxInputs, 10, "transaction has no inputs")
	}

	// A transaction must have at least one output.
	if len(msgTx.TxOut) == 0 {
		return ruleErrorDoS(ErrNoTxOutputs, 10, "transaction has no outputs")
	}

	// A transaction must not exceed the maximum allowed block payload when
	// serialized.
	serializedTxSize := int64(msgTx.SerializeSizeStripped())
	if serializedTxSize > chainParams.MaxBlockSerializedSize {
		str := fmt.Sprintf("serialized transaction is too big - got "+
			"%d, max %d", serializedTxSize,
			chainParams.MaxBlockSerializedSize)
		return ruleErrorDoS(ErrTxTooBig, 100, str)
	}

	// Ensure the transaction amounts are in range.  Each transaction output
	// must not be negative or more than the max allowed per transaction.
	// Also, the total of all outputs must abide by the same restrictions.
	// All amounts in a transaction are in a unit value known as an atom.
	var totalAtoms int64
	for _, txOut := range msgTx.TxOut {
		atoms := txOut.Value
		if atoms < 0 {
			str := fmt.Sprintf("transaction output has negative value of %v",
				atoms)
			return ruleErrorDoS(ErrBadTxOutValue, 100, str)
		}
		if atoms > chainParams.MaxMoney {
			str := fmt.Sprintf("transaction output value of %v is higher "+
				"than max allowed value of %v", atoms, chainParams.MaxMoney)
			return ruleErrorDoS(ErrBadTxOutValue, 100, str)
		}

		// Two's complement int64 overflow guarantees that any overflow is
		// detected and reported.
		totalAtoms += atoms
		if totalAtoms < 0 {
			str := fmt.Sprintf("total value of all transaction outputs "+
				"exceeds max allowed value of %v", chainParams.MaxMoney)
			return ruleErrorDoS(ErrBadTxOutValue, 100, str)
		}
		if totalAtoms > chainParams.MaxMoney {
			str := fmt.Sprintf("total value of all transaction outputs is "+
				"%v which is higher than max allowed value of %v",
				totalAtoms, chainParams.MaxMoney)
			return ruleErrorDoS(ErrBadTxOutValue, 100, str)
		}
	}

	// Check for duplicate transaction inputs.
	existingTxOut := make(map[wire.OutPoint]struct{})
	for _, txIn := range msgTx.TxIn {
		if _, exists := existingTxOut[txIn.PreviousOutPoint]; exists {
			return ruleErrorDoS(ErrDuplicateTxInputs, 100,
				"transaction contains duplicate inputs")
		}
		existingTxOut[txIn.PreviousOutPoint] = struct{}{}
	}

	// Coinbase script length must be between min and max length.
	if IsCoinBase(tx) {
		slen := len(msgTx.TxIn[0].SignatureScript)
		if slen < MinCoinbaseScriptLen || slen > MaxCoinbaseScriptLen {
			str := fmt.Sprintf("coinbase transaction script length of %d "+
				"is out of range (min: %d, max: %d)", slen,
				MinCoinbaseScriptLen, MaxCoinbaseScriptLen)
			return ruleErrorDoS(ErrBadCoinbaseScriptLen, 100, str)
		}
	} else {
		// Previous transaction outputs referenced by the inputs to this
		// transaction must not be null.
		for _, txIn := range msgTx.TxIn {
			if txIn.PreviousOutPoint.Index == math.MaxUint32 &&
				txIn.PreviousOutPoint.Hash == *zeroHash {

				return ruleErrorDoS(ErrBadTxInput, 100, "transaction input "+
					"refers to previous output that is null")
			}
		}
	}

	return nil
}

// CountSigOps returns the number of signature operations for all transaction
// input and output scripts in the provided transaction.  This uses the
// quicker, but imprecise, signature operation counting mechanism from
// txscript.
func CountSigOps(tx *btcutil.Tx) int {
	msgTx := tx.MsgTx()

	// Accumulate the number of signature operations in all transaction
	// inputs.
	totalSigOps := 0
	for _, txIn := range msgTx.TxIn {
		numSigOps := txscript.GetSigOpCount(txIn.SignatureScript)
		totalSigOps += numSigOps
	}

	// Accumulate the number of signature operations in all transaction
	// outputs.
	for _, txOut := range msgTx.TxOut {
		numSigOps := txscript.GetSigOpCount(txOut.PkScript)
		totalSigOps += numSigOps
	}

	return totalSigOps
}

// CountP2SHSigOps returns the number of signature operations for all input
// transactions which are of the pay-to-script-hash type.  This uses the
// precise, signature operation counting mechanism from the script engine
// which requires access to the input transaction scripts.
func CountP2SHSigOps(tx *btcutil.Tx, isCoinBaseTx bool, utxoView *UtxoViewpoint) (int, error) {
	// Coinbase transactions have no interesting inputs.
	if isCoinBaseTx {
		return 0, nil
	}

	// Accumulate the number of signature operations in all transaction
	// inputs.
	msgTx := tx.MsgTx()
	totalSigOps := 0
	for txInIndex, txIn := range msgTx.TxIn {
		// Ensure the referenced input transaction is available.
		utxo := utxoView.LookupEntry(txIn.PreviousOutPoint)
		if utxo == nil || utxo.IsSpent() {
			str := fmt.Sprintf("output %v referenced from transaction "+
				"%s:%d either does not exist or has already been spent",
				txIn.PreviousOutPoint, tx.Hash(), txInIndex)
			return 0, ruleErrorDoS(ErrMissingTxOut, 100, str)
		}

		// We're only interested in pay-to-script-hash types, so skip this
		// input if it's not one.
		pkScript := utxo.PkScript()
		if !txscript.IsPayToScriptHash(pkScript) {
			continue
		}

		// Count the precise number of signature operations in the
		// referenced public key script.
		sigScript := txIn.SignatureScript
		numSigOps := txscript.GetPreciseSigOpCount(sigScript, pkScript, true)

		// We could potentially overflow the accumulator so check for
		// overflow.
		lastSigOps := totalSigOps
		totalSigOps += numSigOps
		if totalSigOps < lastSigOps {
			str := fmt.Sprintf("the public key script from output %v "+
				"contains too many signature operations - overflow",
				txIn.PreviousOutPoint)
			return 0, ruleErrorDoS(ErrTooManySigOps, 100, str)
		}
	}

	return totalSigOps, nil
}

// GetSigOpCost returns the unified sig op cost for the passed transaction
// respecting current active soft-forks which modified sig op cost counting.
// The unified sig op cost for a transaction is computed as the sum of: the
// legacy sig op count scaled according to the WitnessScaleFactor, the sig op
// count for all p2sh inputs scaled by the WitnessScaleFactor, and finally the
// unscaled sig op count for any inputs spending witness programs.
func GetSigOpCost(tx *btcutil.Tx, isCoinBaseTx bool, utxoView *UtxoViewpoint, bip16, segWit bool) (int, error) {
	numSigOps := CountSigOps(tx) * WitnessScaleFactor
	if bip16 {
		numP2SHSigOps, err := CountP2SHSigOps(tx, isCoinBaseTx, utxoView)
		if err != nil {
			return 0, err
		}
		numSigOps += numP2SHSigOps * WitnessScaleFactor
	}

	if segWit && !isCoinBaseTx {
		msgTx := tx.MsgTx()
		for txInIndex, txIn := range msgTx.TxIn {
			// Ensure the referenced output is available and hasn't already
			// been spent.
			utxo := utxoView.LookupEntry(txIn.PreviousOutPoint)
			if utxo == nil || utxo.IsSpent() {
				str := fmt.Sprintf("output %v referenced from "+
					"transaction %s:%d either does not exist or has "+
					"already been spent", txIn.PreviousOutPoint,
					tx.Hash(), txInIndex)
				return 0, ruleErrorDoS(ErrMissingTxOut, 100, str)
			}

			witness := txIn.Witness
			sigScript := txIn.SignatureScript
			pkScript := utxo.PkScript()
			numSigOps += txscript.GetWitnessSigOpCount(sigScript, pkScript,
				witness)
		}
	}

	return numSigOps, nil
}

// GetBlockWeight computes the value of the weight metric for a given block.
// Currently the weight metric is simply the sum of the block's serialized
// size without any witness data scaled proportionally by the
// WitnessScaleFactor, and the block's serialized size including any witness
// data.
func GetBlockWeight(blk *btcutil.Block) int64 {
	msgBlock := blk.MsgBlock()

	baseSize := msgBlock.SerializeSizeStripped()
	totalSize := msgBlock.SerializeSize()

	// (baseSize * 3) + totalSize
	return int64((baseSize * (WitnessScaleFactor - 1)) + totalSize)
}

// blockHasWitness returns whether any transaction in the block carries
// witness data.
func blockHasWitness(block *btcutil.Block) bool {
	for _, tx := range block.Transactions() {
		if tx.MsgTx().HasWitness() {
			return true
		}
	}
	return false
}

// GetTransactionWeight computes the value of the weight metric for a given
// transaction.  Currently the weight metric is simply the sum of the
// transaction's serialized size without any witness data scaled
// proportionally by the WitnessScaleFactor, and the transaction's serialized
// size including any witness data.
func GetTransactionWeight(tx *btcutil.Tx) int64 {
	msgTx := tx.MsgTx()

	baseSize := msgTx.SerializeSizeStripped()
	totalSize := msgTx.SerializeSize()

	// (baseSize * 3) + totalSize
	return int64((baseSize * (WitnessScaleFactor - 1)) + totalSize)
}

// checkBlockHeaderSanity performs some preliminary checks on a block header
// to ensure it is sane before continuing with processing.  These checks are
// context free.
func checkBlockHeaderSanity(header *wire.BlockHeader, powLimit *big.Int, timeSource MedianTimeSource, flags BehaviorFlags) error {
	// Ensure the proof of work bits in the block header is in min/max range
	// and the block hash is less than the target value described by the
	// bits.
	err := checkProofOfWork(header, powLimit, flags)
	if err != nil {
		return err
	}

	// Ensure the block time is not too far in the future.
	maxTimestamp := timeSource.AdjustedTime().Add(time.Second *
		maxTimeOffsetSeconds)
	if header.Timestamp.After(maxTimestamp) {
		str := fmt.Sprintf("block timestamp of %v is too far in the future",
			header.Timestamp)
		return ruleError(ErrTimeTooNew, str)
	}

	return nil
}

// checkBlockSanity performs some preliminary checks on a block to ensure it
// is sane before continuing with block processing.  These checks are context
// free with the exception of the maximum block size, which is threaded in as
// part of the block context to avoid relying on shared mutable state.
func checkBlockSanity(block *btcutil.Block, powLimit *big.Int, timeSource MedianTimeSource, flags BehaviorFlags, maxBlockBaseSize int64, chainParams *chaincfg.Params) error {
	msgBlock := block.MsgBlock()
	header := &msgBlock.Header
	err := checkBlockHeaderSanity(header, powLimit, timeSource, flags)
	if err != nil {
		return err
	}

	// A block must have at least one transaction.
	numTx := len(msgBlock.Transactions)
	if numTx == 0 {
		return ruleErrorDoS(ErrNoTransactions, 100,
			"block does not contain any transactions")
	}

	// A block must not exceed the maximum allowed block payload when
	// serialized.
	serializedSize := int64(msgBlock.SerializeSizeStripped())
	if serializedSize > maxBlockBaseSize {
		str := fmt.Sprintf("serialized block is too big - got %d, max %d",
			serializedSize, maxBlockBaseSize)
		return ruleErrorDoS(ErrBlockTooBig, 100, str)
	}

	// A block must not have more weight than the max block weight allowed
	// by the adaptive size times the witness scale factor.
	blockWeight := GetBlockWeight(block)
	if blockWeight > maxBlockBaseSize*WitnessScaleFactor {
		str := fmt.Sprintf("block exceeds the maximum allowed weight - "+
			"got %v, max %v", blockWeight,
			maxBlockBaseSize*WitnessScaleFactor)
		return ruleErrorDoS(ErrBlockWeightTooBig, 100, str)
	}

	// The first transaction in a block must be a coinbase.
	transactions := block.Transactions()
	if !IsCoinBase(transactions[0]) {
		return ruleErrorDoS(ErrFirstTxNotCoinbase, 100,
			"first transaction in block is not a coinbase")
	}

	// A block must not have more than one coinbase.
	for i, tx := range transactions[1:] {
		if IsCoinBase(tx) {
			str := fmt.Sprintf("block contains second coinbase at index %d",
				i+1)
			return ruleErrorDoS(ErrMultipleCoinbases, 100, str)
		}
	}

	// Do some preliminary checks on each transaction to ensure they are
	// sane before continuing.
	for _, tx := range transactions {
		err := CheckTransactionSanity(tx, chainParams)
		if err != nil {
			return err
		}
	}

	// Build merkle tree and ensure the calculated merkle root matches the
	// entry in the block header.  This also has the effect of caching all
	// of the transaction hashes in the block to speed up future hash
	// checks.
	calculatedMerkleRoot, mutated := calcMerkleRoot(transactions, false)
	if mutated {
		// The same merkle root can be produced by a mutated transaction
		// list, so the failure could be caused by a relay of a mutation of
		// the actually-valid block.  Never mark the block hash permanently
		// failed for this.
		return ruleErrorMaybeCorrupt(ErrBadMerkleRoot, 100,
			"block merkle tree is malleated")
	}
	if header.MerkleRoot != calculatedMerkleRoot {
		str := fmt.Sprintf("block merkle root is invalid - block header "+
			"indicates %v, but calculated value is %v", header.MerkleRoot,
			calculatedMerkleRoot)
		return ruleErrorMaybeCorrupt(ErrBadMerkleRoot, 100, str)
	}

	// Check for duplicate transactions.  This check will be fairly quick
	// since the transaction hashes are already cached due to building the
	// merkle tree above.
	existingTxHashes := make(map[chainhash.Hash]struct{}, numTx)
	for _, tx := range transactions {
		hash := tx.Hash()
		if _, exists := existingTxHashes[*hash]; exists {
			str := fmt.Sprintf("block contains duplicate transaction %v",
				hash)
			return ruleErrorDoS(ErrDuplicateTx, 100, str)
		}
		existingTxHashes[*hash] = struct{}{}
	}

	// The number of signature operations must be less than the maximum
	// allowed per block.
	totalSigOps := 0
	for _, tx := range transactions {
		// We could potentially overflow the accumulator so check for
		// overflow.
		lastSigOps := totalSigOps
		totalSigOps += CountSigOps(tx) * WitnessScaleFactor
		if totalSigOps < lastSigOps || totalSigOps > MaxBlockSigOpsCost {
			str := fmt.Sprintf("block contains too many signature "+
				"operations - got %v, max %v", totalSigOps,
				MaxBlockSigOpsCost)
			return ruleErrorDoS(ErrTooManySigOps, 100, str)
		}
	}

	return nil
}

// CheckBlockSanity performs some preliminary checks on a block to ensure it
// is sane before continuing with block processing.  These checks are context
// free.
func CheckBlockSanity(block *btcutil.Block, powLimit *big.Int, timeSource MedianTimeSource, chainParams *chaincfg.Params) error {
	return checkBlockSanity(block, powLimit, timeSource, BFNone,
		chainParams.BlockSizeFloor, chainParams)
}

// checkBlockHeaderContext performs several validation checks on the block
// header which depend on its position within the block chain.
//
// The flags modify the behavior of this function as follows:
//   - BFFastAdd: All checks except those involving comparing the header
//     against the checkpoints are not performed.
//
// This function MUST be called with the chain state lock held (for writes).
func (b *BlockChain) checkBlockHeaderContext(header *wire.BlockHeader, prevNode *blockNode, flags BehaviorFlags) error {
	fastAdd := flags&BFFastAdd == BFFastAdd
	if !fastAdd {
		// Ensure the difficulty specified in the block header matches the
		// calculated difficulty based on the previous block and difficulty
		// retarget rules.
		expectedDifficulty, err := b.calcNextRequiredDifficulty(prevNode,
			header.Timestamp)
		if err != nil {
			return err
		}
		blockDifficulty := header.Bits
		if blockDifficulty != expectedDifficulty {
			str := fmt.Sprintf("block difficulty of %d is not the "+
				"expected value of %d", blockDifficulty,
				expectedDifficulty)
			return ruleErrorDoS(ErrUnexpectedDifficulty, 100, str)
		}

		// Ensure the timestamp for the block header is after the median
		// time of the last several blocks (medianTimeBlocks).
		medianTime := prevNode.CalcPastMedianTime()
		if !header.Timestamp.After(medianTime) {
			str := fmt.Sprintf("block timestamp of %v is not after "+
				"expected %v", header.Timestamp, medianTime)
			return ruleError(ErrTimeTooOld, str)
		}
	}

	// Reject outdated block versions once a majority of the network has
	// upgraded.
	blockHeight := prevNode.height + 1
	params := b.chainParams
	for _, upgrade := range []struct {
		version int32
	}{{2}, {3}, {4}} {
		if header.Version < upgrade.version &&
			b.isMajorityVersion(upgrade.version, prevNode,
				params.BlockRejectNumRequired) {

			str := fmt.Sprintf("new blocks with version %d are no "+
				"longer valid at height %d", header.Version, blockHeight)
			return ruleError(ErrBlockVersionTooOld, str)
		}
	}

	return nil
}

// calcMaxBlockBaseSize computes the maximum serialized block size allowed for
// the block after the provided node under the adaptive block size rule.
//
// Until a supermajority of recent blocks signals support via the raw block
// version, the limit is the fixed floor.  Afterwards it is the median
// serialized size of the recent window of blocks times the configured
// multiple, clamped between the floor and the absolute serialized size cap.
//
// NOTE: The result is carried in the per-block context rather than shared
// mutable state so every check against it within a single block's validation
// observes the same value.
//
// This function MUST be called with the chain state lock held (for writes).
func (b *BlockChain) calcMaxBlockBaseSize(prevNode *blockNode) int64 {
	params := b.chainParams
	if prevNode == nil {
		return params.BlockSizeFloor
	}

	// The adaptive rule activates through a supermajority tally keyed off
	// the raw block version with no distinguishing bit.
	if !b.isMajorityVersion(params.AdaptiveSizeEnforceVersion, prevNode,
		params.BlockEnforceNumRequired) {

		return params.BlockSizeFloor
	}

	// Collect the serialized sizes of the recent window of blocks and take
	// the median.
	sizes := make([]int64, 0, params.AdaptiveSizeWindow)
	for n := prevNode; n != nil && len(sizes) < int(params.AdaptiveSizeWindow); n = n.parent {
		sizes = append(sizes, int64(n.blockSize))
	}
	sort.Slice(sizes, func(i, j int) bool { return sizes[i] < sizes[j] })
	median := sizes[len(sizes)/2]

	maxSize := median * params.AdaptiveSizeMultiple
	if maxSize < params.BlockSizeFloor {
		maxSize = params.BlockSizeFloor
	}
	if maxSize > params.MaxBlockSerializedSize {
		maxSize = params.MaxBlockSerializedSize
	}
	return maxSize
}

// blockContext captures the consensus environment a specific block is
// validated under: the adaptive maximum block size, the script verification
// flags, and the locktime semantics in effect for its height and time.  It is
// computed once per block from the state of the chain at its parent and then
// threaded through the checks so no check can observe a different value than
// another.
type blockContext struct {
	// maxBlockBaseSize is the maximum allowed serialized size of the block
	// without witness data.
	maxBlockBaseSize int64

	// maxBlockSigOps is the maximum number of legacy signature operations
	// derived from the maximum block size.
	maxBlockSigOps int

	// scriptFlags is the set of script verification flags in effect.
	scriptFlags txscript.ScriptFlags

	// csvActive indicates BIP68/112/113 semantics are in effect.
	csvActive bool

	// segwitActive indicates the segregated witness deployment is active.
	segwitActive bool

	// medianTimePast is the median time past of the parent block.
	medianTimePast time.Time
}

// newBlockContext computes the consensus environment for the block after the
// provided node.
//
// This function MUST be called with the chain state lock held (for writes).
func (b *BlockChain) newBlockContext(prevNode *blockNode) (*blockContext, error) {
	maxSize := b.calcMaxBlockBaseSize(prevNode)
	ctx := &blockContext{
		maxBlockBaseSize: maxSize,
		maxBlockSigOps:   int(maxSize / blockSigOpsPerSizeDivisor),
	}
	if prevNode != nil {
		ctx.medianTimePast = prevNode.CalcPastMedianTime()
	}

	// Pay-to-script-hash and strict DER signatures are enforced from the
	// start of the chain, as are the checklocktimeverify semantics.
	ctx.scriptFlags |= txscript.ScriptBip16
	ctx.scriptFlags |= txscript.ScriptVerifyDERSignatures
	ctx.scriptFlags |= txscript.ScriptVerifyCheckLockTimeVerify

	// Enforce CHECKSEQUENCEVERIFY and the related relative lock-time
	// semantics once the CSV deployment is active.
	csvState, err := b.deploymentState(prevNode, chaincfg.DeploymentCSV)
	if err != nil {
		return nil, err
	}
	if csvState == ThresholdActive {
		ctx.csvActive = true
		ctx.scriptFlags |= txscript.ScriptVerifyCheckSequenceVerify
	}

	// Enforce witness rules once the segwit deployment is active.
	segwitState, err := b.deploymentState(prevNode, chaincfg.DeploymentSegwit)
	if err != nil {
		return nil, err
	}
	if segwitState == ThresholdActive {
		ctx.segwitActive = true
		ctx.scriptFlags |= txscript.ScriptVerifyWitness
		ctx.scriptFlags |= txscript.ScriptStrictMultiSig
	}

	return ctx, nil
}

// checkBlockContext performs several validation checks on the block which
// depend on its position within the block chain and the provided block
// context.
//
// The flags modify the behavior of this function as follows:
//   - BFFastAdd: The block size is not re-checked against the adaptive
//     limit, the transactions are not checked to see if they are finalized
//     and the witness commitment is not validated.
//
// This function MUST be called with the chain state lock held (for writes).
func (b *BlockChain) checkBlockContext(block *btcutil.Block, prevNode *blockNode, blockCtx *blockContext, flags BehaviorFlags) error {
	// Perform all block header related validation checks.
	header := &block.MsgBlock().Header
	err := b.checkBlockHeaderContext(header, prevNode, flags)
	if err != nil {
		return err
	}

	fastAdd := flags&BFFastAdd == BFFastAdd
	if !fastAdd {
		// The height of this block is one more than the referenced previous
		// block.
		blockHeight := prevNode.height + 1

		// Re-check the block size against the adaptive limit now that the
		// chain position, and therefore the limit, is known.
		serializedSize := int64(block.MsgBlock().SerializeSizeStripped())
		if serializedSize > blockCtx.maxBlockBaseSize {
			str := fmt.Sprintf("serialized block is too big - got %d, "+
				"max %d", serializedSize, blockCtx.maxBlockBaseSize)
			return ruleErrorDoS(ErrBlockTooBig, 100, str)
		}

		// Once the CSV soft-fork is fully active, we'll switch to using the
		// current median time past of the past block's timestamps for all
		// lock-time based checks.
		blockTime := header.Timestamp
		if blockCtx.csvActive {
			blockTime = blockCtx.medianTimePast
		}

		// Ensure all transactions in the block are finalized.
		for _, tx := range block.Transactions() {
			if !IsFinalizedTransaction(tx, blockHeight, blockTime) {
				str := fmt.Sprintf("block contains unfinalized "+
					"transaction %v", tx.Hash())
				return ruleErrorDoS(ErrUnfinalizedTx, 10, str)
			}
		}

		// Validate the witness commitment (if any) within the block.  This
		// involves asserting that if the coinbase contains the special
		// commitment output, then this merkle root matches a computed
		// merkle root of all the wtxid's of the transactions within the
		// block.  In addition, various other checks against the coinbase's
		// witness stack.
		if blockCtx.segwitActive {
			if err := validateWitnessCommitment(block); err != nil {
				return err
			}
		} else if blockHasWitness(block) {
			return ruleErrorMaybeCorrupt(ErrUnexpectedWitness, 100,
				fmt.Sprintf("block %v contains witness data but the "+
					"witness deployment is not active", block.Hash()))
		}
	}

	return nil
}

// CoinbaseWitnessDataLen is the required length of the only element within
// the coinbase's witness data if the coinbase transaction contains a witness.
const CoinbaseWitnessDataLen = 32

// validateWitnessCommitment validates the witness commitment (if any) found
// within the coinbase transaction of the passed block.
func validateWitnessCommitment(blk *btcutil.Block) error {
	// If the block doesn't have any transactions at all, then we won't be
	// able to extract a commitment from the non-existent coinbase
	// transaction.  So we exit early here.
	if len(blk.Transactions()) == 0 {
		return ruleErrorDoS(ErrNoTransactions, 100, "cannot validate "+
			"witness commitment of block without transactions")
	}

	coinbaseTx := blk.Transactions()[0]
	if len(coinbaseTx.MsgTx().TxIn) == 0 {
		return ruleErrorDoS(ErrNoTxInputs, 100,
			"transaction has no inputs")
	}

	witnessCommitment, witnessFound := extractWitnessCommitment(coinbaseTx)

	// If we can't find a witness commitment in any of the coinbase's
	// outputs, then the block MUST NOT contain any transactions with
	// witness data.
	if !witnessFound {
		for _, tx := range blk.Transactions() {
			msgTx := tx.MsgTx()
			if msgTx.HasWitness() {
				str := fmt.Sprintf("block contains transaction with "+
					"witness data, yet no witness commitment present")
				return ruleErrorMaybeCorrupt(ErrUnexpectedWitness, 100, str)
			}
		}
		return nil
	}

	// At this point the block contains a witness commitment, so the
	// coinbase transaction MUST have exactly one witness element within
	// its witness data and that element must be exactly
	// CoinbaseWitnessDataLen bytes.
	coinbaseWitness := coinbaseTx.MsgTx().TxIn[0].Witness
	if len(coinbaseWitness) != 1 {
		str := fmt.Sprintf("the coinbase transaction has %d items in "+
			"its witness stack when only one is allowed",
			len(coinbaseWitness))
		return ruleErrorDoS(ErrScriptValidation, 100, str)
	}
	witnessNonce := coinbaseWitness[0]
	if len(witnessNonce) != CoinbaseWitnessDataLen {
		str := fmt.Sprintf("the coinbase transaction witness nonce has "+
			"%d bytes when it must be %d bytes", len(witnessNonce),
			CoinbaseWitnessDataLen)
		return ruleErrorDoS(ErrScriptValidation, 100, str)
	}

	// Finally, with the preliminary checks out of the way, we can check if
	// the extracted witnessCommitment is equal to:
	// SHA256(witnessMerkleRoot || witnessNonce).  Where witnessNonce is the
	// coinbase transaction's only witness item.
	witnessMerkleRoot, _ := calcMerkleRoot(blk.Transactions(), true)

	var witnessPreimage [chainhash.HashSize * 2]byte
	copy(witnessPreimage[:], witnessMerkleRoot[:])
	copy(witnessPreimage[chainhash.HashSize:], witnessNonce)

	computedCommitment := chainhash.DoubleHashB(witnessPreimage[:])
	if !bytes.Equal(computedCommitment, witnessCommitment) {
		str := fmt.Sprintf("witness commitment does not match: computed "+
			"%x, coinbase includes %x", computedCommitment,
			witnessCommitment)
		return ruleErrorDoS(ErrBadMerkleRoot, 100, str)
	}

	return nil
}

// extractWitnessCommitment attempts to locate, and return the witness
// commitment for a block.  The witness commitment is of the form:
// SHA256(witness root || witness nonce).  The function additionally returns a
// boolean indicating if the witness root was located within any of the txOut's
// in the passed transaction.  The witness commitment is stored as the data
// push for an OP_RETURN with special magic bytes to aide in location.
func extractWitnessCommitment(tx *btcutil.Tx) ([]byte, bool) {
	// The witness commitment *must* be located within one of the coinbase
	// transaction's outputs.
	if !IsCoinBase(tx) {
		return nil, false
	}

	msgTx := tx.MsgTx()
	for i := len(msgTx.TxOut) - 1; i >= 0; i-- {
		// The public key script that contains the witness commitment must
		// be at least 38 bytes.
		pkScript := msgTx.TxOut[i].PkScript
		if len(pkScript) >= CoinbaseWitnessPkScriptLength &&
			bytes.HasPrefix(pkScript, witnessMagicBytes) {

			// The witness commitment itself is a 32-byte hash directly
			// after the WitnessMagicBytes.  The remaining bytes beyond the
			// 38th byte currently have no consensus meaning.
			start := len(witnessMagicBytes)
			end := CoinbaseWitnessPkScriptLength
			return msgTx.TxOut[i].PkScript[start:end], true
		}
	}

	return nil, false
}

// CoinbaseWitnessPkScriptLength is the length of the public key script
// containing an OP_RETURN, the WitnessMagicBytes, and the witness commitment
// itself.  In order to be a valid candidate for the output containing the
// witness commitment.
const CoinbaseWitnessPkScriptLength = 38

// checkBIP0030 ensures blocks do not contain duplicate transactions which
// 'overwrite' older transactions that are not fully spent.  This prevents an
// attack where a coinbase and all of its dependent transactions could be
// duplicated to effectively revert the overwritten transactions to a single
// confirmation thereby making them vulnerable to a double spend.
//
// For more details, see
// https://github.com/bitcoin/bips/blob/master/bip-0030.mediawiki and
// http://r6.ca/blog/20120206T005236Z.html.
//
// This function MUST be called with the chain state lock held (for reads).
func (b *BlockChain) checkBIP0030(node *blockNode, block *btcutil.Block, view *UtxoViewpoint) error {
	// The check is skipped below the height coinbase height commitments
	// became required since the historical violations predate it.
	if node.height < b.chainParams.BIP0034Height {
		return nil
	}

	// A pair of historical blocks violated the rule before it existed and
	// remain grandfathered.
	if hash, ok := b.chainParams.BIP0030GrandfatheredBlocks[node.height]; ok &&
		hash == node.hash {

		return nil
	}

	// Fetch utxos for all of the transaction outputs in this block.
	// Typically, there will not be any utxos for any of the outputs.
	fetchSet := make(viewFilteredSet)
	for _, tx := range block.Transactions() {
		prevOut := wire.OutPoint{Hash: *tx.Hash()}
		for txOutIdx := range tx.MsgTx().TxOut {
			prevOut.Index = uint32(txOutIdx)
			fetchSet.add(view, prevOut)
		}
	}
	err := b.utxoCache.FetchEntries(fetchSet, view)
	if err != nil {
		return err
	}

	// Duplicate transactions are only allowed if the previous transaction
	// is fully spent.
	for outpoint := range fetchSet {
		utxo := view.LookupEntry(outpoint)
		if utxo != nil && !utxo.IsSpent() {
			str := fmt.Sprintf("tried to overwrite transaction %v at "+
				"block height %d that is not fully spent",
				outpoint.Hash, utxo.BlockHeight())
			return ruleErrorDoS(ErrOverwriteTx, 100, str)
		}
	}

	return nil
}

// CheckTransactionInputs performs a series of checks on the inputs to a
// transaction to ensure they are valid.  An example of some of the checks
// include verifying all inputs exist, ensuring the coinbase seasoning
// requirements are met, detecting double spends, validating all values and
// fees are in the legal range and the total output amount doesn't exceed the
// input amount, and verifying the signatures to prove the spender was the
// owner and therefore allowed to spend them.  As it checks the inputs, it
// also calculates the total fees for the transaction and returns that value.
//
// NOTE: The transaction MUST have already been sanity checked with the
// CheckTransactionSanity function prior to calling this function.
func CheckTransactionInputs(tx *btcutil.Tx, txHeight int32, utxoView *UtxoViewpoint, chainParams *chaincfg.Params) (int64, error) {
	// Coinbase transactions have no inputs.
	if IsCoinBase(tx) {
		return 0, nil
	}

	txHash := tx.Hash()
	var totalAtomsIn int64
	for txInIndex, txIn := range tx.MsgTx().TxIn {
		// Ensure the referenced input transaction is available.
		utxo := utxoView.LookupEntry(txIn.PreviousOutPoint)
		if utxo == nil || utxo.IsSpent() {
			str := fmt.Sprintf("output %v referenced from transaction "+
				"%s:%d either does not exist or has already been spent",
				txIn.PreviousOutPoint, tx.Hash(), txInIndex)
			return 0, ruleError(ErrMissingTxOut, str)
		}

		// Ensure the transaction is not spending coins which have not yet
		// reached the required coinbase maturity.
		if utxo.IsCoinBase() {
			originHeight := utxo.BlockHeight()
			blocksSincePrev := txHeight - originHeight
			coinbaseMaturity := int32(chainParams.CoinbaseMaturity)
			if blocksSincePrev < coinbaseMaturity {
				str := fmt.Sprintf("tried to spend coinbase transaction "+
					"output %v from height %v at height %v before "+
					"required maturity of %v blocks",
					txIn.PreviousOutPoint, originHeight, txHeight,
					coinbaseMaturity)
				return 0, ruleError(ErrImmatureSpend, str)
			}
		}

		// Ensure the transaction amounts are in range.  Each of the output
		// values of the input transactions must not be negative or more
		// than the max allowed per transaction.  All amounts in a
		// transaction are in a unit value known as an atom.
		originTxAtoms := utxo.Amount()
		if originTxAtoms < 0 {
			str := fmt.Sprintf("transaction output has negative value of "+
				"%v", btcutil.Amount(originTxAtoms))
			return 0, ruleErrorDoS(ErrBadTxOutValue, 100, str)
		}
		if originTxAtoms > chainParams.MaxMoney {
			str := fmt.Sprintf("transaction output value of %v is higher "+
				"than max allowed value of %v",
				btcutil.Amount(originTxAtoms), chainParams.MaxMoney)
			return 0, ruleErrorDoS(ErrBadTxOutValue, 100, str)
		}

		// The total of all outputs must not be more than the max allowed
		// per transaction.  Also, we could potentially overflow the
		// accumulator so check for overflow.
		lastAtomsIn := totalAtomsIn
		totalAtomsIn += originTxAtoms
		if totalAtomsIn < lastAtomsIn || totalAtomsIn > chainParams.MaxMoney {
			str := fmt.Sprintf("total value of all transaction inputs is "+
				"%v which is higher than max allowed value of %v",
				totalAtomsIn, chainParams.MaxMoney)
			return 0, ruleErrorDoS(ErrBadTxOutValue, 100, str)
		}
	}

	// Calculate the total output amount for this transaction.  It is safe
	// to ignore overflow and out of range errors here because those error
	// conditions would have already been caught by the transaction sanity
	// checks.
	var totalAtomsOut int64
	for _, txOut := range tx.MsgTx().TxOut {
		totalAtomsOut += txOut.Value
	}

	// Ensure the transaction does not spend more than its inputs.
	if totalAtomsIn < totalAtomsOut {
		str := fmt.Sprintf("total value of all transaction inputs for "+
			"transaction %v is %v which is less than the amount spent of "+
			"%v", txHash, totalAtomsIn, totalAtomsOut)
		return 0, ruleErrorDoS(ErrSpendTooHigh, 100, str)
	}

	// NOTE: bitcoind checks if the transaction fees are < 0 here, but that
	// is an impossible condition because of the check above that ensures
	// the inputs are >= the outputs.
	txFeeInAtoms := totalAtomsIn - totalAtomsOut
	return txFeeInAtoms, nil
}

// SequenceLock represents the converted relative lock-time in seconds, and
// absolute block-height for a transaction input's relative lock-times.
// According to SequenceLock, after the referenced input has been confirmed
// within a block, a transaction spending that input can be included into a
// block either after 'seconds' (according to past median time), or once the
// 'BlockHeight' has been reached.
type SequenceLock struct {
	Seconds     int64
	BlockHeight int32
}

// CalcSequenceLock computes a relative lock-time SequenceLock for the passed
// transaction using the passed UtxoViewpoint to obtain the past median time
// for blocks in which the referenced inputs of the transactions were
// included within.  The generated SequenceLock lock can be used in
// conjunction with a block height, and adjusted median block time to
// determine if all the inputs referenced within a transaction have reached
// sufficient maturity allowing the candidate transaction to be included in a
// block.
//
// This function is safe for concurrent access.
func (b *BlockChain) CalcSequenceLock(tx *btcutil.Tx, utxoView *UtxoViewpoint, mempool bool) (*SequenceLock, error) {
	b.chainLock.Lock()
	defer b.chainLock.Unlock()

	return b.calcSequenceLock(b.bestChain.Tip(), tx, utxoView, mempool)
}

// calcSequenceLock computes the relative lock-times for the passed
// transaction.  See the exported version, CalcSequenceLock for further
// details.
//
// This function MUST be called with the chain state lock held (for writes).
func (b *BlockChain) calcSequenceLock(node *blockNode, tx *btcutil.Tx, utxoView *UtxoViewpoint, mempool bool) (*SequenceLock, error) {
	// A value of -1 for each relative lock type represents a relative time
	// lock value that will allow a transaction to be included in a block at
	// any given height or time.  This value is returned as the relative
	// lock time in the case that BIP 68 is disabled, or has not yet been
	// activated.
	sequenceLock := &SequenceLock{Seconds: -1, BlockHeight: -1}

	// The sequence locks semantics are always active for transactions
	// within the mempool.
	csvSoftforkActive := mempool

	// If we're performing block validation, then we need to query the BIP9
	// state.
	if !csvSoftforkActive {
		// Obtain the latest BIP9 version bits state for the
		// CSV-package soft-fork deployment.  The adherence of sequence
		// locks depends on the current soft-fork state.
		csvState, err := b.deploymentState(node.parent, chaincfg.DeploymentCSV)
		if err != nil {
			return nil, err
		}
		csvSoftforkActive = csvState == ThresholdActive
	}

	// If the transaction's version is less than 2, and BIP 68 has not yet
	// been activated then sequence locks are disabled.  Additionally,
	// sequence locks don't apply to coinbase transactions Therefore, we
	// return sequence lock values of -1 indicating that this transaction
	// can be included within a block at any given height or time.
	mTx := tx.MsgTx()
	sequenceLockActive := uint32(mTx.Version) >= 2 && csvSoftforkActive
	if !sequenceLockActive || IsCoinBase(tx) {
		return sequenceLock, nil
	}

	// Grab the next height from the PoV of the passed blockNode to use for
	// inputs present in the mempool.
	nextHeight := node.height + 1

	for txInIndex, txIn := range mTx.TxIn {
		utxo := utxoView.LookupEntry(txIn.PreviousOutPoint)
		if utxo == nil || utxo.IsSpent() {
			str := fmt.Sprintf("output %v referenced from transaction "+
				"%s:%d either does not exist or has already been spent",
				txIn.PreviousOutPoint, tx.Hash(), txInIndex)
			return sequenceLock, ruleError(ErrMissingTxOut, str)
		}

		// If the input height is set to the mempool height, then we
		// assume the transaction makes it into the next block when
		// evaluating its sequence blocks.
		inputHeight := utxo.BlockHeight()
		if inputHeight == 0x7fffffff {
			inputHeight = nextHeight
		}

		// Given a sequence number, we apply the relative time lock
		// mask in order to obtain the time lock delta required before
		// this input can be spent.
		sequenceNum := txIn.Sequence
		relativeLock := int64(sequenceNum & sequenceLockTimeMask)

		switch {
		// Relative time locks are disabled for this input, so we can
		// skip any further calculation.
		case sequenceNum&sequenceLockTimeDisabled == sequenceLockTimeDisabled:
			continue
		case sequenceNum&sequenceLockTimeIsSeconds == sequenceLockTimeIsSeconds:
			// This input requires a relative time lock expressed
			// in seconds before it can be spent.  Therefore, we
			// need to query for the block prior to the one in
			// which this input was included within so we can
			// compute the past median time for the block prior to
			// the one which included this referenced output.
			prevInputHeight := inputHeight - 1
			if prevInputHeight < 0 {
				prevInputHeight = 0
			}
			blockNode := node.Ancestor(prevInputHeight)
			medianTime := blockNode.CalcPastMedianTime()

			// Time based relative time-locks as defined by BIP 68
			// have a time granularity of RelativeLockSeconds, so
			// we shift left by this amount to convert to the
			// proper relative time-lock.  We also subtract one from
			// the relative lock to maintain the original lockTime
			// semantics.
			timeLockSeconds := (relativeLock << sequenceLockTimeGranularity) - 1
			timeLock := medianTime.Unix() + timeLockSeconds
			if timeLock > sequenceLock.Seconds {
				sequenceLock.Seconds = timeLock
			}
		default:
			// The relative lock-time for this input is expressed
			// in blocks so we calculate the relative offset from
			// the input's height as its converted absolute
			// lock-time.  We subtract one from the relative lock in
			// order to maintain the original lockTime semantics.
			blockHeight := inputHeight + int32(relativeLock-1)
			if blockHeight > sequenceLock.BlockHeight {
				sequenceLock.BlockHeight = blockHeight
			}
		}
	}

	return sequenceLock, nil
}

// LockTimeToSequence converts the passed relative locktime to a sequence
// number in accordance to BIP-68.
func LockTimeToSequence(isSeconds bool, locktime uint32) uint32 {
	// If we're expressing the relative lock time in blocks, then the
	// corresponding sequence number is simply the desired input age.
	if !isSeconds {
		return locktime
	}

	// Set the 22nd bit which indicates the lock time is in seconds, then
	// shift the locktime over by 9 since the time granularity is in
	// 512-second intervals (2^9).  This results in a max lock-time of
	// 33,553,920 seconds, or 1.1 years.
	return sequenceLockTimeIsSeconds |
		locktime>>sequenceLockTimeGranularity
}

// checkConnectBlock performs several checks to confirm connecting the passed
// block to the chain represented by the passed view does not violate any
// rules.  In addition, the passed view is updated to spend all of the
// referenced outputs and add all of the new utxos created by block.  Thus,
// the view will represent the state of the chain as if the block were
// actually connected and consequently the best hash for the view is also
// updated to passed block.
//
// An example of some of the checks performed are ensuring connecting the
// block would not cause any duplicate transaction hashes for old transactions
// that aren't already fully spent, double spends, exceeding the maximum
// allowed signature operations per block, invalid values in relation to the
// expected block subsidy, or fail transaction script validation.
//
// This function MUST be called with the chain state lock held (for writes).
func (b *BlockChain) checkConnectBlock(node *blockNode, block *btcutil.Block, view *UtxoViewpoint, stxos *[]SpentTxOut) error {
	// If the side chain blocks end up in the database, a call to
	// CheckBlockSanity should be done here in case a previous version
	// allowed a block that is no longer valid.  However, since the
	// implementation only currently uses memory for the side chain blocks,
	// it isn't currently necessary.  Regardless, re-run the sanity checks
	// to guard against operating on bad state cached prior to a rule
	// change.
	blockCtx, err := b.newBlockContext(node.parent)
	if err != nil {
		return err
	}
	err = checkBlockSanity(block, b.chainParams.PowLimit, b.timeSource,
		BFNoPoWCheck, blockCtx.maxBlockBaseSize, b.chainParams)
	if err != nil {
		return err
	}

	// The coinbase for the Genesis block is not spendable, so just return
	// an error now.
	if node.hash == b.chainParams.GenesisHash {
		str := "the coinbase for the genesis block is not spendable"
		return ruleError(ErrMissingTxOut, str)
	}

	// Ensure the view is for the node being checked.
	parentHash := &block.MsgBlock().Header.PrevBlock
	if !view.BestHash().IsEqual(parentHash) {
		return AssertError(fmt.Sprintf("inconsistent view when "+
			"checking block connection: best hash is %v instead "+
			"of expected %v", view.BestHash(), parentHash))
	}

	// Enforce the rule against overwriting not-fully-spent old
	// transactions.
	err = b.checkBIP0030(node, block, view)
	if err != nil {
		return err
	}

	// Load all of the utxos referenced by the inputs for all transactions
	// in the block don't already exist in the utxo view from the cache.
	//
	// These utxo entries are needed for verification of things such as
	// transaction inputs, counting pay-to-script-hashes, and scripts.
	err = view.fetchInputUtxos(b.utxoCache, block)
	if err != nil {
		return err
	}

	// Blocks created after the BIP0016 activation time need to have the
	// pay-to-script-hash checks enabled, which it always is on this chain.
	enforceBIP0016 := true

	// Query for the segwit state as both the sigop accounting and the
	// script flags depend on it.
	enforceSegWit := blockCtx.segwitActive

	// The number of signature operations must be less than the maximum
	// allowed per block.  Note that the preliminary sanity checks on a
	// block also include a check similar to this one, but this check
	// expands the count to include a precise count of pay-to-script-hash
	// signature operations in each of the input transaction public key
	// scripts.
	transactions := block.Transactions()
	totalSigOpCost := 0
	for i, tx := range transactions {
		// Since the first (and only the first) transaction has already
		// been verified to be a coinbase transaction, use i == 0 as an
		// optimization for the flag to countP2SHSigOps for whether or not
		// the transaction is a coinbase transaction rather than having to
		// do a full coinbase check again.
		sigOpCost, err := GetSigOpCost(tx, i == 0, view, enforceBIP0016,
			enforceSegWit)
		if err != nil {
			return err
		}

		// Check for overflow or going over the limits.  We have to do
		// this on every loop iteration to avoid overflow.
		lastSigOpCost := totalSigOpCost
		totalSigOpCost += sigOpCost
		if totalSigOpCost < lastSigOpCost ||
			totalSigOpCost > MaxBlockSigOpsCost {

			str := fmt.Sprintf("block contains too many signature "+
				"operations - got %v, max %v", totalSigOpCost,
				MaxBlockSigOpsCost)
			return ruleErrorDoS(ErrTooManySigOps, 100, str)
		}
	}

	// Perform several checks on the inputs for each transaction.  Also
	// accumulate the total fees.  This could technically be combined with
	// the loop above instead of running another loop over the
	// transactions, but by separating it we can avoid running the more
	// expensive (though still relatively cheap as compared to running the
	// scripts) checks against all the inputs when the signature operations
	// are out of bounds.
	var totalFees int64
	for _, tx := range transactions {
		txFee, err := CheckTransactionInputs(tx, node.height, view,
			b.chainParams)
		if err != nil {
			return err
		}

		// Sum the total fees and ensure we don't overflow the
		// accumulator.
		lastTotalFees := totalFees
		totalFees += txFee
		if totalFees < lastTotalFees {
			return ruleErrorDoS(ErrBadFees, 100, "total fees for block "+
				"overflows accumulator")
		}

		// Reject any transaction that conflicts with an established
		// instant transaction lock.
		if b.instantLocker != nil && !IsCoinBase(tx) {
			for _, txIn := range tx.MsgTx().TxIn {
				lockingTx, locked := b.instantLocker.LockedBy(
					txIn.PreviousOutPoint)
				if locked && lockingTx != *tx.Hash() {
					str := fmt.Sprintf("transaction %v conflicts with "+
						"instant transaction lock held by %v", tx.Hash(),
						lockingTx)
					return ruleError(ErrConflictingTxLock, str)
				}
			}
		}

		// Add all of the outputs for this transaction which are not
		// provably unspendable as available utxos.  Also, the passed
		// spent txos slice is updated to contain an entry for each
		// spent txout in the order each transaction spends them.
		err = view.connectTransaction(tx, node.height, stxos)
		if err != nil {
			return err
		}
	}

	// Once the CSV soft-fork is fully active, we'll switch to using the
	// current median time past of the past block's timestamps for all
	// lock-time based checks.
	if blockCtx.csvActive {
		// Use the past median time of the *previous* block in order to
		// determine if the transactions in the current block are final.
		medianTime := blockCtx.medianTimePast

		// We obtain the MTP of the *previous* block in order to
		// determine if transactions in the current block are final.
		for _, tx := range transactions {
			// A transaction can only be included within a block once
			// the sequence locks of *all* its inputs are active.
			sequenceLock, err := b.calcSequenceLock(node, tx, view, false)
			if err != nil {
				return err
			}
			if !SequenceLockActive(sequenceLock, node.height, medianTime) {
				str := fmt.Sprintf("block contains transaction %v whose "+
					"input sequence locks are not met", tx.Hash())
				return ruleErrorDoS(ErrSequenceLockUnmet, 10, str)
			}
		}
	}

	// The total output values of the coinbase transaction must not exceed
	// the expected subsidy value plus total transaction fees gained from
	// mining the block.  It is safe to ignore overflow and out of range
	// errors here because those error conditions would have already been
	// caught by checkTransactionSanity.
	var totalAtomsOut int64
	for _, txOut := range transactions[0].MsgTx().TxOut {
		totalAtomsOut += txOut.Value
	}
	expectedAtomsOut := CalcBlockSubsidy(node.height, b.chainParams) +
		totalFees
	if totalAtomsOut > expectedAtomsOut {
		str := fmt.Sprintf("coinbase transaction for block pays %v which "+
			"is more than expected value of %v", totalAtomsOut,
			expectedAtomsOut)
		return ruleErrorDoS(ErrBadCoinbaseValue, 100, str)
	}

	// Consult the governance validator about the coinbase payout set.
	// Blocks it rejects are tracked in a rate-limit map so repeated
	// submissions of the same rejected block are cheap to refuse.
	if b.governance != nil {
		err := b.governance.ValidateBlockPayouts(block, node.height,
			expectedAtomsOut)
		if err != nil {
			b.rejectedBlocksLock.Lock()
			b.rejectedBlocks[node.hash] = time.Now()
			b.rejectedBlocksLock.Unlock()

			str := fmt.Sprintf("governance validator rejected block "+
				"payouts: %v", err)
			return ruleError(ErrGovernancePayout, str)
		}
	}

	// Don't run scripts if this node is before the latest known good
	// checkpoint since the validity is verified via the checkpoints (all
	// transactions are included in the merkle root hash and any changes
	// will therefore be detected by the next checkpoint).  This is a huge
	// optimization because running the scripts is the most time consuming
	// portion of block handling.  The same applies below the configured
	// assumed-valid block.
	runScripts := !b.hasAssumedValidAncestor(node)

	// A cache keyed by block hash and script flags amortizes full script
	// re-verification when the same block is connected again during a
	// reorganization.
	scriptCacheKey := scriptValCacheKey{hash: node.hash, flags: blockCtx.scriptFlags}
	if runScripts && b.validatedScriptsCache.Contains(scriptCacheKey) {
		runScripts = false
	}

	// Now that the inexpensive checks are done and have passed, verify the
	// transactions are actually allowed to spend the coins by running the
	// expensive script checks on a parallel work queue.  Doing this last
	// helps prevent CPU exhaustion attacks.
	if runScripts {
		err := checkBlockScripts(block, view, blockCtx.scriptFlags,
			b.sigCache, b.hashCache)
		if err != nil {
			return err
		}
		b.validatedScriptsCache.Put(scriptCacheKey)
	}

	// Update the best hash for view to include this block since all of its
	// transactions have been connected.
	view.SetBestHash(&node.hash)

	return nil
}

// hasAssumedValidAncestor returns whether the provided node is at or below
// the configured assumed-valid block, in which case script checking may be
// skipped.
//
// This function MUST be called with the chain state lock held (for reads).
func (b *BlockChain) hasAssumedValidAncestor(node *blockNode) bool {
	if b.assumeValid == (chainhash.Hash{}) {
		return false
	}
	assumed := b.index.LookupNode(&b.assumeValid)
	if assumed == nil {
		return false
	}
	return node.height <= assumed.height &&
		assumed.Ancestor(node.height) == node
}

// scriptValCacheKey is the key of the per-block script validation cache.
type scriptValCacheKey struct {
	hash  chainhash.Hash
	flags txscript.ScriptFlags
}
