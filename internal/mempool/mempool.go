// Copyright (c) 2026 The Meridian developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/dcrd/container/apbf"

	"github.com/meridianchain/mrdd/chaincfg"
	"github.com/meridianchain/mrdd/internal/blockchain"
)

const (
	// orphanTTL is the maximum amount of time an orphan is allowed to stay
	// in the orphan pool before it expires and is evicted during the next
	// scan.
	orphanTTL = time.Minute * 15

	// orphanExpireScanInterval is the minimum amount of time in between
	// scans of the orphan pool to evict expired transactions.
	orphanExpireScanInterval = time.Minute * 5

	// maxRelayFeeMultiplier is the factor that we disallow fees / kB above
	// the minimum tx fee.
	maxRelayFeeMultiplier = 1e4

	// maxReplacementEvictions is the maximum number of transactions that
	// can be evicted from the mempool when accepting a single replacement.
	maxReplacementEvictions = 100

	// mempoolHeight is the height used for the "block" height field of the
	// contextual transaction information provided in a transaction view.
	mempoolHeight = 0x7fffffff

	// recentRejectsCapacity is the minimum number of recently rejected
	// transaction hashes the rolling filter tracks between tip changes.
	recentRejectsCapacity = 40000

	// recentRejectsFPRate is the acceptable false positive rate for the
	// recently rejected transaction filter.
	recentRejectsFPRate = 0.000001
)

// Tag represents an identifier to use for tagging orphan transactions.  The
// caller may choose any scheme it desires, however it is common to use peer
// IDs so that orphans can be identified by which peer first relayed them.
type Tag uint64

// Config is a descriptor containing the memory pool configuration.
type Config struct {
	// Policy defines the various mempool configuration options related to
	// policy.
	Policy Policy

	// ChainParams identifies which chain parameters the txpool is
	// associated with.
	ChainParams *chaincfg.Params

	// FetchUtxoView defines the function to use to fetch unspent
	// transaction output information.
	FetchUtxoView func(*btcutil.Tx) (*blockchain.UtxoViewpoint, error)

	// BestHeight defines the function to use to access the block height of
	// the current best chain.
	BestHeight func() int32

	// BestHash defines the function to use to access the block hash of the
	// current best chain.
	BestHash func() *chainhash.Hash

	// MedianTimePast defines the function to use in order to access the
	// median time past calculated from the point-of-view of the current
	// chain tip within the best chain.
	MedianTimePast func() time.Time

	// AdjustedTime defines the function to use to access the adjusted
	// network time.
	AdjustedTime func() time.Time

	// CalcSequenceLock defines the function to use in order to generate
	// the current sequence lock for the given transaction using the passed
	// utxo view.
	CalcSequenceLock func(*btcutil.Tx, *blockchain.UtxoViewpoint) (*blockchain.SequenceLock, error)

	// SigCache defines a signature cache to use.
	SigCache *txscript.SigCache

	// HashCache defines the transaction hash mid-state cache to use.
	HashCache *txscript.HashCache

	// InstantLocker defines an optional oracle consulted about instant
	// transaction locks on outpoints.
	InstantLocker blockchain.InstantLockOracle

	// SporkOracle defines an optional oracle for network feature flags.
	SporkOracle blockchain.SporkOracle
}

// Policy houses the policy (configuration parameters) which is used to
// control the mempool.
type Policy struct {
	// MaxTxVersion is the transaction version that the mempool should
	// accept.  All transactions above this version are rejected as
	// non-standard.
	MaxTxVersion int32

	// AcceptNonStd defines whether to accept non-standard transactions.
	// If true, non-standard transactions will be accepted into the mempool.
	// Otherwise, all non-standard transactions will be rejected.
	AcceptNonStd bool

	// FreeTxRelayLimit defines the given amount in thousands of bytes
	// per minute that transactions with no fee are rate limited to.
	FreeTxRelayLimit float64

	// MaxOrphanTxs is the maximum number of orphan transactions that can
	// be queued.
	MaxOrphanTxs int

	// MaxOrphanTxSize is the maximum size allowed for orphan transactions.
	// This helps prevent memory exhaustion attacks from sending a lot of
	// of big orphans.
	MaxOrphanTxSize int

	// MaxSigOpCostPerTx is the cumulative maximum cost of all the signature
	// operations in a single transaction we will relay or mine.  It is a
	// fraction of the max signature operations for a block.
	MaxSigOpCostPerTx int

	// MinRelayTxFee defines the minimum transaction fee in atoms/1000
	// bytes to be considered a non-zero fee.
	MinRelayTxFee btcutil.Amount

	// MaxAncestors is the maximum number of unconfirmed ancestors,
	// including the transaction itself, allowed for a transaction to be
	// accepted.
	MaxAncestors int

	// MaxAncestorSize is the maximum cumulative serialized size of a
	// transaction and all of its unconfirmed ancestors.
	MaxAncestorSize int64

	// MaxDescendants is the maximum number of unconfirmed descendants,
	// including the transaction itself, any in-pool ancestor is allowed to
	// have.
	MaxDescendants int

	// MaxDescendantSize is the maximum cumulative serialized size of an
	// in-pool ancestor and all of its unconfirmed descendants.
	MaxDescendantSize int64

	// MempoolExpiry is how long a transaction may stay in the pool before
	// it is evicted during the next scan.
	MempoolExpiry time.Duration

	// MaxMempoolSize is the target maximum total serialized size, in
	// bytes, of the transactions in the pool.  When exceeded, the lowest
	// feerate transactions are trimmed.
	MaxMempoolSize int64

	// StandardVerifyFlags defines the function to retrieve the flags to
	// use for verifying scripts for the block after the current best
	// block.
	StandardVerifyFlags func() (txscript.ScriptFlags, error)
}

// TxDesc is a descriptor containing a transaction in the mempool along with
// additional metadata.
type TxDesc struct {
	// Tx is the transaction associated with the entry.
	Tx *btcutil.Tx

	// Added is the time when the entry was added to the pool.
	Added time.Time

	// Height is the block height when the entry was added to the pool.
	Height int32

	// Fee is the total fee the transaction associated with the entry pays.
	Fee int64

	// FeePerKB is the fee the transaction pays in atoms per 1000 bytes.
	FeePerKB int64

	// SigOpCost is the total witness-scaled signature operation cost.
	SigOpCost int

	// SpendsCoinbase records whether any of the transaction's inputs spend
	// a coinbase output.
	SpendsCoinbase bool

	// SeqLock is the sequence lock point computed when the entry was
	// admitted.
	SeqLock *blockchain.SequenceLock

	// Size is the serialized size of the transaction.
	Size int64
}

// orphanTx is a normal transaction that references an ancestor transaction
// that is not yet available.  It also contains additional information related
// to it such as an expiration time to help prevent caching the orphan
// forever.
type orphanTx struct {
	tx         *btcutil.Tx
	tag        Tag
	expiration time.Time
}

// TxPool is used as a source of transactions that need to be mined into
// blocks and relayed to other peers.  It is safe for concurrent access from
// multiple peers.
type TxPool struct {
	// The following variables must only be used atomically.
	lastUpdated int64 // last time pool was updated.

	mtx  sync.RWMutex
	cfg  Config
	pool map[chainhash.Hash]*TxDesc

	orphans       map[chainhash.Hash]*orphanTx
	orphansByPrev map[wire.OutPoint]map[chainhash.Hash]*btcutil.Tx
	outpoints     map[wire.OutPoint]*btcutil.Tx

	// totalSize tracks the cumulative serialized size of the pool while
	// evictionFloorFee tracks the highest feerate, in atoms per 1000
	// bytes, among the transactions evicted by size trimming.  New entries
	// must beat the floor.
	totalSize        int64
	evictionFloorFee int64

	// recentRejects remembers recently rejected transaction hashes so they
	// can be refused cheaply.  It is reset whenever the chain tip changes.
	recentRejects   *apbf.Filter
	recentRejectTip chainhash.Hash

	pennyTotal    float64 // exponentially decaying total for penny spends.
	lastPennyUnix int64   // unix time of last “penny spend”.

	// nextExpireScan is the time after which the orphan pool will be
	// scanned in order to evict orphans.  This is NOT a hard deadline as
	// the scan will only run when an orphan is added to the pool as
	// opposed to on an unconditional timer.
	nextExpireScan time.Time
}

// Ensure the TxPool type implements the blockchain.MempoolBridge interface.
var _ blockchain.MempoolBridge = (*TxPool)(nil)

// removeOrphan removes the passed orphan transaction from the orphan pool
// and previous orphan index.
//
// This function MUST be called with the mempool lock held (for writes).
func (mp *TxPool) removeOrphan(tx *btcutil.Tx, removeRedeemers bool) {
	// Nothing to do if passed tx is not an orphan.
	txHash := tx.Hash()
	otx, exists := mp.orphans[*txHash]
	if !exists {
		return
	}

	// Remove the reference from the previous orphan index.
	for _, txIn := range otx.tx.MsgTx().TxIn {
		orphans, exists := mp.orphansByPrev[txIn.PreviousOutPoint]
		if exists {
			delete(orphans, *txHash)

			// Remove the map entry altogether if there are no
			// longer any orphans which depend on it.
			if len(orphans) == 0 {
				delete(mp.orphansByPrev, txIn.PreviousOutPoint)
			}
		}
	}

	// Remove any orphans that redeem outputs from this one if requested.
	if removeRedeemers {
		prevOut := wire.OutPoint{Hash: *txHash}
		for txOutIdx := range tx.MsgTx().TxOut {
			prevOut.Index = uint32(txOutIdx)
			for _, orphan := range mp.orphansByPrev[prevOut] {
				mp.removeOrphan(orphan, true)
			}
		}
	}

	// Remove the transaction from the orphan pool.
	delete(mp.orphans, *txHash)
}

// RemoveOrphan removes the passed orphan transaction from the orphan pool
// and previous orphan index.
//
// This function is safe for concurrent access.
func (mp *TxPool) RemoveOrphan(tx *btcutil.Tx) {
	mp.mtx.Lock()
	mp.removeOrphan(tx, false)
	mp.mtx.Unlock()
}

// RemoveOrphansByTag removes all orphan transactions tagged with the provided
// identifier.
//
// This function is safe for concurrent access.
func (mp *TxPool) RemoveOrphansByTag(tag Tag) uint64 {
	var numEvicted uint64
	mp.mtx.Lock()
	for _, otx := range mp.orphans {
		if otx.tag == tag {
			mp.removeOrphan(otx.tx, true)
			numEvicted++
		}
	}
	mp.mtx.Unlock()
	return numEvicted
}

// limitNumOrphans limits the number of orphan transactions by evicting a
// random orphan if adding a new one would cause it to overflow the max
// allowed.
//
// This function MUST be called with the mempool lock held (for writes).
func (mp *TxPool) limitNumOrphans() {
	// Scan through the orphan pool and remove any expired orphans when it's
	// time.  This is done for efficiency so the scan only happens
	// periodically instead of on every orphan added to the pool.
	if now := time.Now(); now.After(mp.nextExpireScan) {
		origNumOrphans := len(mp.orphans)
		for _, otx := range mp.orphans {
			if now.After(otx.expiration) {
				// Remove redeemers too because the missing parents are
				// very unlikely to ever materialize since the orphan has
				// already been around more than long enough for them to
				// be delivered.
				mp.removeOrphan(otx.tx, true)
			}
		}

		// Set next expiration scan to occur after the scan interval.
		mp.nextExpireScan = now.Add(orphanExpireScanInterval)

		numOrphans := len(mp.orphans)
		if numExpired := origNumOrphans - numOrphans; numExpired > 0 {
			log.Debugf("Expired %d orphan(s) (remaining: %d)", numExpired,
				numOrphans)
		}
	}

	// Nothing to do if adding another orphan will not cause the pool to
	// exceed the limit.
	if len(mp.orphans)+1 <= mp.cfg.Policy.MaxOrphanTxs {
		return
	}

	// Remove a random entry from the map.  For most compilers, Go's range
	// statement iterates starting at a random item although that is not
	// 100% guaranteed by the spec.  The iteration order is not important
	// here because an adversary would have to be able to pull off
	// preimage attacks on the hashing function in order to target eviction
	// of specific entries anyways.
	for _, otx := range mp.orphans {
		// Don't remove redeemers in the case of a random eviction since it
		// is quite possible it might be needed again shortly.
		mp.removeOrphan(otx.tx, false)
		break
	}
}

// addOrphan adds an orphan transaction to the orphan pool.
//
// This function MUST be called with the mempool lock held (for writes).
func (mp *TxPool) addOrphan(tx *btcutil.Tx, tag Tag) {
	// Nothing to do if no orphans are allowed.
	if mp.cfg.Policy.MaxOrphanTxs <= 0 {
		return
	}

	// Limit the number orphan transactions to prevent memory exhaustion.
	// This will periodically remove any expired orphans and evict a random
	// orphan if space is still needed.
	mp.limitNumOrphans()

	mp.orphans[*tx.Hash()] = &orphanTx{
		tx:         tx,
		tag:        tag,
		expiration: time.Now().Add(orphanTTL),
	}
	for _, txIn := range tx.MsgTx().TxIn {
		if _, exists := mp.orphansByPrev[txIn.PreviousOutPoint]; !exists {
			mp.orphansByPrev[txIn.PreviousOutPoint] =
				make(map[chainhash.Hash]*btcutil.Tx)
		}
		mp.orphansByPrev[txIn.PreviousOutPoint][*tx.Hash()] = tx
	}

	log.Debugf("Stored orphan transaction %v (total: %d)", tx.Hash(),
		len(mp.orphans))
}

// maybeAddOrphan potentially adds an orphan to the orphan pool.
//
// This function MUST be called with the mempool lock held (for writes).
func (mp *TxPool) maybeAddOrphan(tx *btcutil.Tx, tag Tag) error {
	// Ignore orphan transactions that are too large.
	serializedLen := tx.MsgTx().SerializeSize()
	if serializedLen > mp.cfg.Policy.MaxOrphanTxSize {
		str := fmt.Sprintf("orphan transaction size of %d bytes is "+
			"larger than max allowed size of %d bytes", serializedLen,
			mp.cfg.Policy.MaxOrphanTxSize)
		return ruleError(ErrOrphanPolicyViolation, str)
	}

	// Add the orphan if the none of the above disqualified it.
	mp.addOrphan(tx, tag)

	return nil
}

// removeOrphanDoubleSpends removes all orphans which spend outputs spent by
// the passed transaction from the orphan pool.  Removing those orphans then
// leads to removing all orphans which rely on them, recursively.  This is
// necessary when a transaction is added to the main pool because it may spend
// outputs that orphans also spend.
//
// This function MUST be called with the mempool lock held (for writes).
func (mp *TxPool) removeOrphanDoubleSpends(tx *btcutil.Tx) {
	msgTx := tx.MsgTx()
	for _, txIn := range msgTx.TxIn {
		for _, orphan := range mp.orphansByPrev[txIn.PreviousOutPoint] {
			mp.removeOrphan(orphan, true)
		}
	}
}

// isTransactionInPool returns whether or not the passed transaction already
// exists in the main pool.
//
// This function MUST be called with the mempool lock held (for reads).
func (mp *TxPool) isTransactionInPool(hash *chainhash.Hash) bool {
	_, exists := mp.pool[*hash]
	return exists
}

// IsTransactionInPool returns whether or not the passed transaction already
// exists in the main pool.
//
// This function is safe for concurrent access.
func (mp *TxPool) IsTransactionInPool(hash *chainhash.Hash) bool {
	mp.mtx.RLock()
	inPool := mp.isTransactionInPool(hash)
	mp.mtx.RUnlock()
	return inPool
}

// isOrphanInPool returns whether or not the passed transaction already exists
// in the orphan pool.
//
// This function MUST be called with the mempool lock held (for reads).
func (mp *TxPool) isOrphanInPool(hash *chainhash.Hash) bool {
	_, exists := mp.orphans[*hash]
	return exists
}

// haveTransaction returns whether or not the passed transaction already
// exists in the main pool or in the orphan pool.
//
// This function MUST be called with the mempool lock held (for reads).
func (mp *TxPool) haveTransaction(hash *chainhash.Hash) bool {
	return mp.isTransactionInPool(hash) || mp.isOrphanInPool(hash)
}

// HaveTransaction returns whether or not the passed transaction already
// exists in the main pool or in the orphan pool.
//
// This function is safe for concurrent access.
func (mp *TxPool) HaveTransaction(hash *chainhash.Hash) bool {
	mp.mtx.RLock()
	haveTx := mp.haveTransaction(hash)
	mp.mtx.RUnlock()
	return haveTx
}

// removeTransaction removes the passed transaction from the mempool.  When
// the removeRedeemers flag is set, any transactions that redeem outputs from
// the removed transaction will also be removed recursively from the mempool,
// as they would otherwise become orphans.
//
// This function MUST be called with the mempool lock held (for writes).
func (mp *TxPool) removeTransaction(tx *btcutil.Tx, removeRedeemers bool) {
	txHash := tx.Hash()
	if removeRedeemers {
		// Remove any transactions which rely on this one.
		for i := uint32(0); i < uint32(len(tx.MsgTx().TxOut)); i++ {
			prevOut := wire.OutPoint{Hash: *txHash, Index: i}
			if txRedeemer, exists := mp.outpoints[prevOut]; exists {
				mp.removeTransaction(txRedeemer, true)
			}
		}
	}

	// Remove the transaction if needed.
	if txDesc, exists := mp.pool[*txHash]; exists {
		// Mark the referenced outpoints as unspent by the pool.
		for _, txIn := range txDesc.Tx.MsgTx().TxIn {
			delete(mp.outpoints, txIn.PreviousOutPoint)
		}
		mp.totalSize -= txDesc.Size
		delete(mp.pool, *txHash)
		atomic.StoreInt64(&mp.lastUpdated, time.Now().Unix())
	}
}

// RemoveTransaction removes the passed transaction from the mempool.  When
// the removeRedeemers flag is set, any transactions that redeem outputs from
// the removed transaction will also be removed recursively from the mempool.
//
// This function is safe for concurrent access.
func (mp *TxPool) RemoveTransaction(tx *btcutil.Tx, removeRedeemers bool) {
	mp.mtx.Lock()
	mp.removeTransaction(tx, removeRedeemers)
	mp.mtx.Unlock()
}

// RemoveDoubleSpends removes all transactions which spend outputs spent by
// the passed transaction from the memory pool.  Removing those transactions
// then leads to removing all transactions which rely on them, recursively.
// This is necessary when a block is connected to the main chain because the
// block may contain transactions which were previously unknown to the memory
// pool.
//
// This function is safe for concurrent access.
func (mp *TxPool) RemoveDoubleSpends(tx *btcutil.Tx) {
	mp.mtx.Lock()
	for _, txIn := range tx.MsgTx().TxIn {
		if txRedeemer, ok := mp.outpoints[txIn.PreviousOutPoint]; ok {
			if !txRedeemer.Hash().IsEqual(tx.Hash()) {
				mp.removeTransaction(txRedeemer, true)
			}
		}
	}
	mp.mtx.Unlock()
}

// addTransaction adds the passed transaction to the memory pool.  It should
// not be called directly as it doesn't perform any validation.  This is a
// helper for maybeAcceptTransaction.
//
// This function MUST be called with the mempool lock held (for writes).
func (mp *TxPool) addTransaction(tx *btcutil.Tx, height int32, fee int64, sigOpCost int, spendsCoinbase bool, seqLock *blockchain.SequenceLock) *TxDesc {
	serializedSize := int64(tx.MsgTx().SerializeSize())
	txD := &TxDesc{
		Tx:             tx,
		Added:          time.Now(),
		Height:         height,
		Fee:            fee,
		FeePerKB:       fee * 1000 / serializedSize,
		SigOpCost:      sigOpCost,
		SpendsCoinbase: spendsCoinbase,
		SeqLock:        seqLock,
		Size:           serializedSize,
	}

	mp.pool[*tx.Hash()] = txD
	for _, txIn := range tx.MsgTx().TxIn {
		mp.outpoints[txIn.PreviousOutPoint] = tx
	}
	mp.totalSize += serializedSize
	atomic.StoreInt64(&mp.lastUpdated, time.Now().Unix())

	return txD
}

// fetchInputUtxos loads utxo details about the input transactions referenced
// by the passed transaction.  First, it loads the details from the viewpoint
// of the main chain, then it adjusts them based upon the contents of the
// transaction pool: outputs of in-pool transactions are spendable as if they
// were confirmed at the mempool height, and outputs spent by in-pool
// transactions are left alone so double spend detection happens separately.
//
// This function MUST be called with the mempool lock held (for reads).
func (mp *TxPool) fetchInputUtxos(tx *btcutil.Tx) (*blockchain.UtxoViewpoint, error) {
	utxoView, err := mp.cfg.FetchUtxoView(tx)
	if err != nil {
		return nil, err
	}

	// Attempt to populate any missing inputs from the transaction pool.
	for _, txIn := range tx.MsgTx().TxIn {
		prevOut := &txIn.PreviousOutPoint
		entry := utxoView.LookupEntry(*prevOut)
		if entry != nil && !entry.IsSpent() {
			continue
		}

		if poolTxDesc, exists := mp.pool[prevOut.Hash]; exists {
			// AddTxOut ignores out of range index values, so it is safe
			// to call without bounds checking here.
			utxoView.AddTxOut(poolTxDesc.Tx, prevOut.Index, mempoolHeight)
		}
	}

	return utxoView, nil
}

// txAncestors walks the in-pool ancestry of the passed transaction and
// returns the set of in-pool ancestors along with their cumulative serialized
// size.
//
// This function MUST be called with the mempool lock held (for reads).
func (mp *TxPool) txAncestors(tx *btcutil.Tx) (map[chainhash.Hash]*TxDesc, int64) {
	ancestors := make(map[chainhash.Hash]*TxDesc)
	var totalSize int64

	queue := []*btcutil.Tx{tx}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, txIn := range current.MsgTx().TxIn {
			parentHash := txIn.PreviousOutPoint.Hash
			parent, exists := mp.pool[parentHash]
			if !exists {
				continue
			}
			if _, seen := ancestors[parentHash]; seen {
				continue
			}
			ancestors[parentHash] = parent
			totalSize += parent.Size
			queue = append(queue, parent.Tx)
		}
	}

	return ancestors, totalSize
}

// txDescendants walks the in-pool descendants of the passed transaction hash
// and returns the set of descendants along with their cumulative serialized
// size.
//
// This function MUST be called with the mempool lock held (for reads).
func (mp *TxPool) txDescendants(txHash *chainhash.Hash) (map[chainhash.Hash]*TxDesc, int64) {
	descendants := make(map[chainhash.Hash]*TxDesc)
	var totalSize int64

	queue := []chainhash.Hash{*txHash}
	for len(queue) > 0 {
		currentHash := queue[0]
		queue = queue[1:]

		currentDesc, exists := mp.pool[currentHash]
		if !exists {
			continue
		}
		numOuts := len(currentDesc.Tx.MsgTx().TxOut)

		prevOut := wire.OutPoint{Hash: currentHash}
		for i := 0; i < numOuts; i++ {
			prevOut.Index = uint32(i)
			child, ok := mp.outpoints[prevOut]
			if !ok {
				continue
			}
			childHash := *child.Hash()
			if _, seen := descendants[childHash]; seen {
				continue
			}
			childDesc, ok := mp.pool[childHash]
			if !ok {
				continue
			}
			descendants[childHash] = childDesc
			totalSize += childDesc.Size
			queue = append(queue, childHash)
		}
	}

	return descendants, totalSize
}

// checkAncestorLimits enforces the configured limits on the number and
// cumulative size of in-pool ancestors and descendants accepting the passed
// transaction would produce.
//
// This function MUST be called with the mempool lock held (for reads).
func (mp *TxPool) checkAncestorLimits(tx *btcutil.Tx) error {
	policy := &mp.cfg.Policy
	ancestors, ancestorSize := mp.txAncestors(tx)
	txSize := int64(tx.MsgTx().SerializeSize())
	if len(ancestors)+1 > policy.MaxAncestors {
		str := fmt.Sprintf("transaction %v has %d in-pool ancestors which "+
			"is more than the allowed max of %d", tx.Hash(),
			len(ancestors), policy.MaxAncestors-1)
		return ruleError(ErrAncestorLimits, str)
	}
	if ancestorSize+txSize > policy.MaxAncestorSize {
		str := fmt.Sprintf("transaction %v and its %d in-pool ancestors "+
			"have a cumulative size of %d bytes which is more than the "+
			"allowed max of %d bytes", tx.Hash(), len(ancestors),
			ancestorSize+txSize, policy.MaxAncestorSize)
		return ruleError(ErrAncestorLimits, str)
	}

	// Every ancestor also gains this transaction as a descendant.
	for ancestorHash := range ancestors {
		descendants, descendantSize := mp.txDescendants(&ancestorHash)
		if len(descendants)+2 > policy.MaxDescendants {
			str := fmt.Sprintf("in-pool ancestor %v of transaction %v "+
				"would have too many descendants", ancestorHash, tx.Hash())
			return ruleError(ErrAncestorLimits, str)
		}
		if descendantSize+txSize > policy.MaxDescendantSize {
			str := fmt.Sprintf("in-pool ancestor %v of transaction %v "+
				"would have too large a descendant set", ancestorHash,
				tx.Hash())
			return ruleError(ErrAncestorLimits, str)
		}
	}

	return nil
}

// signalsReplacement reports whether the passed transaction opts in to
// replacement: every one of its inputs must carry a sequence number below
// MaxTxInSequenceNum - 1.
func signalsReplacement(tx *btcutil.Tx) bool {
	for _, txIn := range tx.MsgTx().TxIn {
		if txIn.Sequence >= wire.MaxTxInSequenceNum-1 {
			return false
		}
	}
	return true
}

// checkPoolDoubleSpend checks whether or not the passed transaction is
// attempting to spend coins already spent by other transactions in the pool.
// If it does, the set of conflicting pool transactions is returned, but only
// when every conflict signals replaceability; a conflict with any
// non-replaceable transaction is an error.
//
// This function MUST be called with the mempool lock held (for reads).
func (mp *TxPool) checkPoolDoubleSpend(tx *btcutil.Tx) (map[chainhash.Hash]*TxDesc, error) {
	conflicts := make(map[chainhash.Hash]*TxDesc)
	for _, txIn := range tx.MsgTx().TxIn {
		conflict, ok := mp.outpoints[txIn.PreviousOutPoint]
		if !ok {
			continue
		}

		// Replacement is only considered when every input of the
		// transaction being conflicted with can still be replaced, i.e.
		// none of its inputs carry a sequence number of
		// MaxTxInSequenceNum - 1 or higher.
		if !signalsReplacement(conflict) {
			str := fmt.Sprintf("output %v already spent by "+
				"transaction %v in the memory pool",
				txIn.PreviousOutPoint, conflict.Hash())
			return nil, ruleError(ErrMempoolDoubleSpend, str)
		}

		conflicts[*conflict.Hash()] = mp.pool[*conflict.Hash()]
	}
	return conflicts, nil
}

// validateReplacement enforces the replacement policy: the replacement must
// pay a strictly higher feerate than each transaction it conflicts with, its
// absolute fee must cover the fees of everything it evicts plus the minimum
// relay fee for its own size, the total eviction set must stay small, it
// must not introduce a new unconfirmed input, and it must not spend any
// output of a transaction it replaces.
//
// The full set of transactions that would be evicted, including descendants
// of the conflicts, is returned on success.
//
// This function MUST be called with the mempool lock held (for reads).
func (mp *TxPool) validateReplacement(tx *btcutil.Tx, txFee int64, conflicts map[chainhash.Hash]*TxDesc) (map[chainhash.Hash]*TxDesc, error) {
	txSize := int64(tx.MsgTx().SerializeSize())
	txFeeRate := txFee * 1000 / txSize

	// A replacement must not spend an output created by any of the
	// transactions it replaces, since those outputs cease to exist the
	// moment the replacement is accepted.
	for _, txIn := range tx.MsgTx().TxIn {
		if _, ok := conflicts[txIn.PreviousOutPoint.Hash]; ok {
			str := fmt.Sprintf("replacement transaction %v spends an "+
				"output of transaction %v it would replace", tx.Hash(),
				txIn.PreviousOutPoint.Hash)
			return nil, ruleError(ErrReplacementPolicy, str)
		}
	}

	// A replacement must not force the eviction of too many transactions.
	evictions := make(map[chainhash.Hash]*TxDesc)
	var evictedFees int64
	for conflictHash, conflictDesc := range conflicts {
		if conflictDesc == nil {
			continue
		}

		// The replacement must pay a strictly higher feerate than every
		// directly conflicting transaction.
		conflictFeeRate := conflictDesc.Fee * 1000 / conflictDesc.Size
		if txFeeRate <= conflictFeeRate {
			str := fmt.Sprintf("replacement transaction %v has a fee "+
				"rate of %d atoms/kB which is not strictly higher than "+
				"the %d atoms/kB of conflicting transaction %v",
				tx.Hash(), txFeeRate, conflictFeeRate, conflictHash)
			return nil, ruleError(ErrReplacementPolicy, str)
		}

		if _, seen := evictions[conflictHash]; !seen {
			evictions[conflictHash] = conflictDesc
			evictedFees += conflictDesc.Fee
		}
		descendants, _ := mp.txDescendants(&conflictHash)
		for descHash, descDesc := range descendants {
			if _, seen := evictions[descHash]; !seen {
				evictions[descHash] = descDesc
				evictedFees += descDesc.Fee
			}
		}

		if len(evictions) > maxReplacementEvictions {
			str := fmt.Sprintf("replacement transaction %v would evict "+
				"more than the allowed %d transactions", tx.Hash(),
				maxReplacementEvictions)
			return nil, ruleError(ErrReplacementPolicy, str)
		}
	}

	// The replacement's absolute fee must cover the fees of everything it
	// evicts plus the minimum relay fee for its own size, otherwise it
	// would be possible to relay bandwidth for free.
	minFee := evictedFees + calcMinRequiredTxRelayFee(txSize,
		mp.cfg.Policy.MinRelayTxFee)
	if txFee < minFee {
		str := fmt.Sprintf("replacement transaction %v pays %d which is "+
			"less than the evicted fees plus relay fee of %d", tx.Hash(),
			txFee, minFee)
		return nil, ruleError(ErrReplacementPolicy, str)
	}

	// A replacement must not introduce a new unconfirmed input that none
	// of the transactions it replaces were already relying on.
	conflictParents := make(map[chainhash.Hash]struct{})
	for _, conflictDesc := range conflicts {
		if conflictDesc == nil {
			continue
		}
		for _, txIn := range conflictDesc.Tx.MsgTx().TxIn {
			conflictParents[txIn.PreviousOutPoint.Hash] = struct{}{}
		}
	}
	for _, txIn := range tx.MsgTx().TxIn {
		parentHash := txIn.PreviousOutPoint.Hash
		if _, inPool := mp.pool[parentHash]; !inPool {
			continue
		}
		if _, ok := conflictParents[parentHash]; !ok {
			str := fmt.Sprintf("replacement transaction %v adds a new "+
				"unconfirmed input spending transaction %v", tx.Hash(),
				parentHash)
			return nil, ruleError(ErrReplacementPolicy, str)
		}
	}

	return evictions, nil
}

// maybeResetRecentRejects clears the recently rejected filter when the chain
// tip has changed since it was last reset, since a new tip can make
// previously rejected transactions valid.
//
// This function MUST be called with the mempool lock held (for writes).
func (mp *TxPool) maybeResetRecentRejects() {
	bestHash := mp.cfg.BestHash()
	if *bestHash != mp.recentRejectTip {
		mp.recentRejects.Reset()
		mp.recentRejectTip = *bestHash
	}
}

// maybeAcceptTransaction is the internal function which implements the public
// MaybeAcceptTransaction.  See the comment for MaybeAcceptTransaction for
// more details.
//
// This function MUST be called with the mempool lock held (for writes).
func (mp *TxPool) maybeAcceptTransaction(tx *btcutil.Tx, isNew, rateLimit, rejectDupOrphans bool, allowHighFees bool) ([]*chainhash.Hash, *TxDesc, error) {
	txHash := tx.Hash()

	// Don't accept the transaction if it already exists in the pool.  This
	// applies to orphan transactions as well when the reject duplicate
	// orphans flag is set.  This check is intended to be a quick check to
	// weed out duplicates.
	if mp.isTransactionInPool(txHash) || (rejectDupOrphans &&
		mp.isOrphanInPool(txHash)) {

		str := fmt.Sprintf("already have transaction %v", txHash)
		return nil, nil, ruleError(ErrDuplicate, str)
	}

	// Don't accept transactions that were recently rejected against the
	// same chain tip.
	mp.maybeResetRecentRejects()
	if mp.recentRejects.Contains(txHash[:]) {
		str := fmt.Sprintf("transaction %v was recently rejected", txHash)
		return nil, nil, ruleError(ErrRecentlyRejected, str)
	}

	// A standalone coinbase is never valid.
	if blockchain.IsCoinBase(tx) {
		str := fmt.Sprintf("transaction %v is an individual coinbase",
			txHash)
		return nil, nil, ruleError(ErrCoinbase, str)
	}

	// Perform preliminary context-free sanity checks on the transaction.
	err := blockchain.CheckTransactionSanity(tx, mp.cfg.ChainParams)
	if err != nil {
		var cerr blockchain.RuleError
		if errorsAsChain(err, &cerr) {
			return nil, nil, chainRuleError(cerr)
		}
		return nil, nil, err
	}

	// Get the current height of the main chain.  A standalone transaction
	// will be mined into the next block at best, so its height is at least
	// one more than the current height.
	bestHeight := mp.cfg.BestHeight()
	nextBlockHeight := bestHeight + 1

	medianTimePast := mp.cfg.MedianTimePast()

	// Don't allow non-standard transactions if the network parameters
	// forbid their acceptance.
	if !mp.cfg.Policy.AcceptNonStd {
		err = checkTransactionStandard(tx, nextBlockHeight,
			medianTimePast, mp.cfg.Policy.MinRelayTxFee,
			mp.cfg.Policy.MaxTxVersion)
		if err != nil {
			str := fmt.Sprintf("transaction %v is not standard: %v",
				txHash, err)
			return nil, nil, ruleError(ErrNonStandard, str)
		}
	}

	// The transaction must be finalized given the next block height and
	// the median time past of the current tip.
	if !blockchain.IsFinalizedTransaction(tx, nextBlockHeight,
		medianTimePast) {

		return nil, nil, ruleError(ErrUnfinalized,
			"transaction is not finalized")
	}

	// Detect conflicts with transactions already in the pool.  A conflict
	// is only tolerated when the replacement policy accepts the
	// transaction, in which case the conflicting transactions and all of
	// their descendants are evicted below.
	isReplacement := false
	conflicts, err := mp.checkPoolDoubleSpend(tx)
	if err != nil {
		return nil, nil, err
	}
	if len(conflicts) > 0 {
		isReplacement = true
	}

	// Don't allow the transaction if it conflicts with an instant
	// transaction lock when instant-send filtering is active.
	if mp.cfg.InstantLocker != nil && (mp.cfg.SporkOracle == nil ||
		mp.cfg.SporkOracle.IsActive(
			blockchain.SporkInstantSendFiltering)) {

		for _, txIn := range tx.MsgTx().TxIn {
			lockingTx, locked := mp.cfg.InstantLocker.LockedBy(
				txIn.PreviousOutPoint)
			if locked && lockingTx != *txHash {
				str := fmt.Sprintf("output %v is locked by instant "+
					"transaction %v", txIn.PreviousOutPoint, lockingTx)
				return nil, nil, ruleError(ErrTxLockConflict, str)
			}
		}
	}

	// Fetch all of the unspent transaction outputs referenced by the
	// inputs to this transaction.  This function also attempts to fetch
	// the transaction itself to be used for detecting a duplicate
	// transaction without needing to do a separate lookup.
	utxoView, err := mp.fetchInputUtxos(tx)
	if err != nil {
		var cerr blockchain.RuleError
		if errorsAsChain(err, &cerr) {
			return nil, nil, chainRuleError(cerr)
		}
		return nil, nil, err
	}

	// Don't allow the transaction if it exists in the main chain and is
	// not already fully spent.
	prevOut := wire.OutPoint{Hash: *txHash}
	for txOutIdx := range tx.MsgTx().TxOut {
		prevOut.Index = uint32(txOutIdx)
		entry := utxoView.LookupEntry(prevOut)
		if entry != nil && !entry.IsSpent() {
			return nil, nil, ruleError(ErrAlreadyExists,
				"transaction already exists")
		}
		utxoView.RemoveEntry(prevOut)
	}

	// Transaction is an orphan if any of the referenced transaction
	// outputs don't exist or are already spent.  Adding orphans to the
	// orphan pool is not handled by this function, and the caller should
	// use maybeAddOrphan if this behavior is desired.
	var missingParents []*chainhash.Hash
	for _, txIn := range tx.MsgTx().TxIn {
		entry := utxoView.LookupEntry(txIn.PreviousOutPoint)
		if entry == nil || entry.IsSpent() {
			// Must make a copy of the hash here since the loop variable is
			// reused and taking its address directly would result in all
			// of the entries pointing to the same memory location and thus
			// all be the final hash.
			hashCopy := txIn.PreviousOutPoint.Hash
			missingParents = append(missingParents, &hashCopy)
		}
	}
	if len(missingParents) > 0 {
		return missingParents, nil, nil
	}

	// Don't allow the transaction into the mempool unless its sequence
	// lock is active, meaning that it'll be allowed into the next block
	// with respect to its defined relative lock times.
	sequenceLock, err := mp.cfg.CalcSequenceLock(tx, utxoView)
	if err != nil {
		var cerr blockchain.RuleError
		if errorsAsChain(err, &cerr) {
			return nil, nil, chainRuleError(cerr)
		}
		return nil, nil, err
	}
	if !blockchain.SequenceLockActive(sequenceLock, nextBlockHeight,
		medianTimePast) {
		return nil, nil, ruleError(ErrSeqLockUnmet,
			"transaction sequence locks on inputs not met")
	}

	// Perform several checks on the transaction inputs using the invariant
	// rules in blockchain for what transactions are allowed into blocks.
	// Also returns the fees associated with the transaction which will be
	// used later.
	txFee, err := blockchain.CheckTransactionInputs(tx, nextBlockHeight,
		utxoView, mp.cfg.ChainParams)
	if err != nil {
		var cerr blockchain.RuleError
		if errorsAsChain(err, &cerr) {
			return nil, nil, chainRuleError(cerr)
		}
		return nil, nil, err
	}

	// Don't allow transactions with non-standard inputs if the network
	// parameters forbid their acceptance.
	if !mp.cfg.Policy.AcceptNonStd {
		err := checkInputsStandard(tx, utxoView)
		if err != nil {
			str := fmt.Sprintf("transaction %v has a non-standard "+
				"input: %v", txHash, err)
			return nil, nil, ruleError(ErrNonStandard, str)
		}
	}

	// NOTE: if you modify this code to accept non-standard transactions,
	// you should add code here to check that the transaction does a
	// reasonable number of ECDSA signature verifications.

	// Don't allow transactions with an excessive number of signature
	// operations which would result in making it impossible to mine.
	sigOpCost, err := blockchain.GetSigOpCost(tx, false, utxoView, true,
		true)
	if err != nil {
		var cerr blockchain.RuleError
		if errorsAsChain(err, &cerr) {
			return nil, nil, chainRuleError(cerr)
		}
		return nil, nil, err
	}
	if sigOpCost > mp.cfg.Policy.MaxSigOpCostPerTx {
		str := fmt.Sprintf("transaction %v sigop cost is too high: %d > "+
			"%d", txHash, sigOpCost, mp.cfg.Policy.MaxSigOpCostPerTx)
		return nil, nil, ruleError(ErrTooManySigOps, str)
	}

	// Don't allow transactions with fees too low to get into a mined
	// block.  The dynamic minimum is the higher of the network minimum
	// relay fee and the feerate floor established by recent size-trimming
	// evictions.
	serializedSize := int64(tx.MsgTx().SerializeSize())
	minFee := calcMinRequiredTxRelayFee(serializedSize,
		mp.cfg.Policy.MinRelayTxFee)
	if floorFee := mp.evictionFloorFee * serializedSize / 1000; floorFee > minFee {
		minFee = floorFee
	}
	if serializedSize >= (DefaultBlockPrioritySize-1000) && txFee < minFee {
		str := fmt.Sprintf("transaction %v has %d fees which is under "+
			"the required amount of %d", txHash, txFee, minFee)
		return nil, nil, ruleError(ErrInsufficientFee, str)
	}

	// Free-to-relay transactions are rate limited here to prevent
	// penny-flooding with tiny transactions as a form of attack.
	if rateLimit && txFee < minFee {
		nowUnix := time.Now().Unix()
		// Decay passed data with an exponentially decaying ~10 minute
		// window - matches bitcoind handling.
		mp.pennyTotal *= math.Pow(1.0-1.0/600.0,
			float64(nowUnix-mp.lastPennyUnix))
		mp.lastPennyUnix = nowUnix

		// Are we still over the limit?
		if mp.pennyTotal >= mp.cfg.Policy.FreeTxRelayLimit*10*1000 {
			str := fmt.Sprintf("transaction %v has been rejected by the "+
				"rate limiter due to low fees", txHash)
			return nil, nil, ruleError(ErrRateLimit, str)
		}
		oldTotal := mp.pennyTotal

		mp.pennyTotal += float64(serializedSize)
		log.Tracef("rate limit: curTotal %v, nextTotal: %v, limit %v",
			oldTotal, mp.pennyTotal,
			mp.cfg.Policy.FreeTxRelayLimit*10*1000)
	}

	// Don't allow transactions with absurdly high fees unless the caller
	// explicitly overrides the guard; a fee that far above the minimum is
	// almost certainly a mistake.
	if !allowHighFees {
		maxFee := calcMinRequiredTxRelayFee(serializedSize,
			mp.cfg.Policy.MinRelayTxFee) * maxRelayFeeMultiplier
		if txFee > maxFee {
			str := fmt.Sprintf("transaction %v pays a fee of %v which "+
				"is above the allowed maximum of %v", txHash, txFee,
				maxFee)
			return nil, nil, ruleError(ErrFeeTooHigh, str)
		}
	}

	// Enforce the in-pool ancestor and descendant limits.
	if err := mp.checkAncestorLimits(tx); err != nil {
		return nil, nil, err
	}

	// If the transaction conflicts with others in the pool, apply the
	// replacement policy and determine the full eviction set.
	var evictions map[chainhash.Hash]*TxDesc
	if isReplacement {
		evictions, err = mp.validateReplacement(tx, txFee, conflicts)
		if err != nil {
			return nil, nil, err
		}
	}

	// Verify crypto signatures for each input and reject the transaction
	// if any don't verify.
	flags, err := mp.cfg.Policy.StandardVerifyFlags()
	if err != nil {
		return nil, nil, err
	}
	err = blockchain.ValidateTransactionScripts(tx, utxoView, flags,
		mp.cfg.SigCache, mp.cfg.HashCache)
	if err != nil {
		var cerr blockchain.RuleError
		if errorsAsChain(err, &cerr) {
			return nil, nil, chainRuleError(cerr)
		}
		return nil, nil, err
	}

	// Re-verify with the mandatory-only flag subset.  A failure here with
	// a pass above means the standard and mandatory sets disagree in an
	// impossible direction and indicates a programming error.
	mandatoryFlags := flags & txscript.ScriptBip16
	err = blockchain.ValidateTransactionScripts(tx, utxoView,
		mandatoryFlags, mp.cfg.SigCache, mp.cfg.HashCache)
	if err != nil {
		str := fmt.Sprintf("transaction %v failed the mandatory script "+
			"flag verification after passing the standard one: %v -- "+
			"this is a bug, please report it", txHash, err)
		return nil, nil, ruleError(ErrMandatoryVerifyFailed, str)
	}

	// Now that the transaction is fully validated, evict anything it
	// replaces.
	for _, evicted := range evictions {
		log.Debugf("Replacing transaction %v (fee_rate=%d atoms/kB) with "+
			"%v (fee_rate=%d atoms/kB)", evicted.Tx.Hash(),
			evicted.Fee*1000/evicted.Size, txHash,
			txFee*1000/serializedSize)
		mp.removeTransaction(evicted.Tx, false)
	}

	// Determine whether the transaction is spending a coinbase output.
	spendsCoinbase := false
	for _, txIn := range tx.MsgTx().TxIn {
		entry := utxoView.LookupEntry(txIn.PreviousOutPoint)
		if entry.IsCoinBase() {
			spendsCoinbase = true
			break
		}
	}

	// Add to transaction pool.
	txD := mp.addTransaction(tx, bestHeight, txFee, sigOpCost,
		spendsCoinbase, sequenceLock)

	// Trim the pool when it has grown beyond its size target.
	mp.limitPoolSize()

	log.Debugf("Accepted transaction %v (pool size: %v)", txHash,
		len(mp.pool))

	return nil, txD, nil
}

// limitPoolSize evicts the lowest-feerate transactions together with their
// descendants until the pool is back under its size target, recording the
// highest evicted feerate as the admission floor.
//
// This function MUST be called with the mempool lock held (for writes).
func (mp *TxPool) limitPoolSize() {
	maxSize := mp.cfg.Policy.MaxMempoolSize
	if maxSize <= 0 {
		return
	}

	for mp.totalSize > maxSize {
		// Find the entry with the lowest feerate.
		var worst *TxDesc
		for _, txD := range mp.pool {
			if worst == nil || txD.FeePerKB < worst.FeePerKB {
				worst = txD
			}
		}
		if worst == nil {
			return
		}

		if worst.FeePerKB > mp.evictionFloorFee {
			mp.evictionFloorFee = worst.FeePerKB
		}
		log.Debugf("Evicting transaction %v (fee_rate=%d atoms/kB) to "+
			"respect the pool size limit", worst.Tx.Hash(), worst.FeePerKB)
		mp.removeTransaction(worst.Tx, true)
	}
}

// MaybeAcceptTransaction is the main workhorse for handling insertion of new
// free-standing transactions into a memory pool.  It includes functionality
// such as rejecting duplicate transactions, ensuring transactions follow all
// rules, detecting orphan transactions, and insertion into the memory pool.
//
// If the transaction is an orphan (missing parent transactions), the
// transaction is NOT added to the orphan pool, but each unknown referenced
// parent is returned.  Use ProcessTransaction instead if new orphans should
// be added to the orphan pool.
//
// This function is safe for concurrent access.
func (mp *TxPool) MaybeAcceptTransaction(tx *btcutil.Tx, isNew, rateLimit bool) ([]*chainhash.Hash, *TxDesc, error) {
	// Protect concurrent access.
	mp.mtx.Lock()
	hashes, txD, err := mp.maybeAcceptTransaction(tx, isNew, rateLimit,
		true, false)
	if err != nil {
		mp.recentRejects.Add(tx.Hash()[:])
	}
	mp.mtx.Unlock()

	return hashes, txD, err
}

// processOrphans is the internal function which implements the public
// ProcessOrphans.  See the comment for ProcessOrphans for more details.
//
// This function MUST be called with the mempool lock held (for writes).
func (mp *TxPool) processOrphans(acceptedTx *btcutil.Tx) []*TxDesc {
	var acceptedTxns []*TxDesc

	// Start with processing at least the passed transaction.
	processList := []*btcutil.Tx{acceptedTx}
	for len(processList) > 0 {
		// Pop the transaction to process from the front of the list.
		processItem := processList[0]
		processList = processList[1:]

		prevOut := wire.OutPoint{Hash: *processItem.Hash()}
		for txOutIdx := range processItem.MsgTx().TxOut {
			// Look up all orphans that redeem the output that is now
			// available.  This will typically only be one, but it could be
			// multiple if the orphan pool contains double spends.  While it
			// may seem odd that the orphan pool would allow this since
			// there can only possibly ultimately be a single redeemer, it's
			// important to track it this way to prevent malicious actors
			// from being able to purposely construct orphans that prevent
			// other orphans from being accepted to the pool.
			prevOut.Index = uint32(txOutIdx)
			orphans, exists := mp.orphansByPrev[prevOut]
			if !exists {
				continue
			}

			for _, orphan := range orphans {
				// Potentially accept an orphan into the tx pool.
				missing, txD, err := mp.maybeAcceptTransaction(orphan,
					true, true, false, false)
				if err != nil {
					// The orphan is now invalid, so there is no way any
					// other orphans which redeem any of its outputs can be
					// accepted.  Remove them.
					mp.removeOrphan(orphan, true)
					break
				}

				// The orphan still has missing parents.
				if len(missing) > 0 {
					continue
				}

				// The orphan was accepted to the main pool.
				acceptedTxns = append(acceptedTxns, txD)
				mp.removeOrphan(orphan, false)
				processList = append(processList, orphan)

				// Only one transaction for this outpoint can be accepted,
				// so the rest are now double spends and are removed later.
				break
			}
		}
	}

	// Recursively remove any orphans that also redeem any outputs redeemed
	// by the accepted transactions since those are now definitive double
	// spends.
	mp.removeOrphanDoubleSpends(acceptedTx)
	for _, txD := range acceptedTxns {
		mp.removeOrphanDoubleSpends(txD.Tx)
	}

	return acceptedTxns
}

// ProcessOrphans determines if there are any orphans which depend on the
// passed transaction hash (it is possible that they are no longer orphans)
// and potentially accepts them to the memory pool.  It repeats the process
// for the newly accepted transactions (to detect further orphans which may no
// longer be orphans) until there are no more.
//
// This function is safe for concurrent access.
func (mp *TxPool) ProcessOrphans(acceptedTx *btcutil.Tx) []*TxDesc {
	mp.mtx.Lock()
	acceptedTxns := mp.processOrphans(acceptedTx)
	mp.mtx.Unlock()

	return acceptedTxns
}

// ProcessTransaction is the main workhorse for handling insertion of new
// free-standing transactions into the memory pool.  It includes functionality
// such as rejecting duplicate transactions, ensuring transactions follow all
// rules, orphan transaction handling, and insertion into the memory pool.
//
// It returns a slice of transactions added to the mempool.  When the error is
// nil, the list will include the passed transaction itself along with any
// additional orphan transactions that were added as a result of the passed
// one being accepted.
//
// This function is safe for concurrent access.
func (mp *TxPool) ProcessTransaction(tx *btcutil.Tx, allowOrphan, rateLimit bool, tag Tag) ([]*TxDesc, error) {
	log.Tracef("Processing transaction %v", tx.Hash())

	// Protect concurrent access.
	mp.mtx.Lock()
	defer mp.mtx.Unlock()

	// Potentially accept the transaction to the memory pool.
	missingParents, txD, err := mp.maybeAcceptTransaction(tx, true,
		rateLimit, true, false)
	if err != nil {
		mp.recentRejects.Add(tx.Hash()[:])
		return nil, err
	}

	if len(missingParents) == 0 {
		// Accept any orphan transactions that depend on this transaction
		// (they may no longer be orphans if all inputs are now available)
		// and repeat for those accepted transactions until there are no
		// more.
		newTxs := mp.processOrphans(tx)
		acceptedTxs := make([]*TxDesc, len(newTxs)+1)

		// Add the parent transaction first so remote nodes do not add
		// orphans.
		acceptedTxs[0] = txD
		copy(acceptedTxs[1:], newTxs)

		return acceptedTxs, nil
	}

	// The transaction is an orphan (has inputs missing).  Reject it if the
	// flag to allow orphans is not set.
	if !allowOrphan {
		// Only use the first missing parent transaction in the error
		// message.
		str := fmt.Sprintf("orphan transaction %v references outputs of "+
			"unknown or fully-spent transaction %v", tx.Hash(),
			missingParents[0])
		return nil, ruleError(ErrOrphan, str)
	}

	// Potentially add the orphan transaction to the orphan pool.
	err = mp.maybeAddOrphan(tx, tag)
	return nil, err
}

// Count returns the number of transactions in the main pool.  It does not
// include the orphan pool.
//
// This function is safe for concurrent access.
func (mp *TxPool) Count() int {
	mp.mtx.RLock()
	count := len(mp.pool)
	mp.mtx.RUnlock()

	return count
}

// TxHashes returns a slice of hashes for all of the transactions in the
// memory pool.
//
// This function is safe for concurrent access.
func (mp *TxPool) TxHashes() []*chainhash.Hash {
	mp.mtx.RLock()
	hashes := make([]*chainhash.Hash, len(mp.pool))
	i := 0
	for hash := range mp.pool {
		hashCopy := hash
		hashes[i] = &hashCopy
		i++
	}
	mp.mtx.RUnlock()

	return hashes
}

// TxDescs returns a slice of descriptors for all the transactions in the
// pool.  The descriptors are to be treated as immutable.
//
// This function is safe for concurrent access.
func (mp *TxPool) TxDescs() []*TxDesc {
	mp.mtx.RLock()
	descs := make([]*TxDesc, len(mp.pool))
	i := 0
	for _, desc := range mp.pool {
		descs[i] = desc
		i++
	}
	mp.mtx.RUnlock()

	return descs
}

// FetchTransaction returns the requested transaction from the transaction
// pool.  This only fetches from the main transaction pool and does not
// include orphans.
//
// This function is safe for concurrent access.
func (mp *TxPool) FetchTransaction(txHash *chainhash.Hash) (*btcutil.Tx, error) {
	// Protect concurrent access.
	mp.mtx.RLock()
	txDesc, exists := mp.pool[*txHash]
	mp.mtx.RUnlock()

	if exists {
		return txDesc.Tx, nil
	}

	return nil, fmt.Errorf("transaction is not in the pool")
}

// LastUpdated returns the last time a transaction was added to or removed
// from the main pool.  It does not include the orphan pool.
//
// This function is safe for concurrent access.
func (mp *TxPool) LastUpdated() time.Time {
	return time.Unix(atomic.LoadInt64(&mp.lastUpdated), 0)
}

// pruneExpiredTx prunes expired transactions from the mempool that have been
// in the pool longer than the configured expiry.
//
// This function MUST be called with the mempool lock held (for writes).
func (mp *TxPool) pruneExpiredTx() {
	expiry := mp.cfg.Policy.MempoolExpiry
	if expiry <= 0 {
		return
	}

	now := time.Now()
	for _, txD := range mp.pool {
		if now.Sub(txD.Added) > expiry {
			log.Debugf("Expiring transaction %v after %v in the pool",
				txD.Tx.Hash(), expiry)
			mp.removeTransaction(txD.Tx, true)
		}
	}
}

// HandleConnectedBlock is invoked by the chain after a block is connected to
// the main chain.  The confirmed transactions are removed from the pool,
// in-pool descendants whose inputs now conflict are evicted, the recently
// rejected filter is reset for the new tip, and expired transactions are
// pruned.
//
// This is part of the blockchain.MempoolBridge interface.
func (mp *TxPool) HandleConnectedBlock(block *btcutil.Block) {
	for _, tx := range block.Transactions() {
		mp.RemoveTransaction(tx, false)
		mp.RemoveDoubleSpends(tx)
		mp.RemoveOrphan(tx)
		mp.ProcessOrphans(tx)
	}

	mp.mtx.Lock()
	mp.maybeResetRecentRejects()
	mp.pruneExpiredTx()
	mp.mtx.Unlock()
}

// HandleDisconnectedBlock is invoked by the chain after a block is
// disconnected from the main chain.  The block's transactions are reinserted
// into the pool leniently: individual validation failures are swallowed and
// the coinbase is dropped.
//
// This is part of the blockchain.MempoolBridge interface.
func (mp *TxPool) HandleDisconnectedBlock(block *btcutil.Block) {
	for _, tx := range block.Transactions()[1:] {
		_, _, err := mp.MaybeAcceptTransaction(tx, false, false)
		if err != nil {
			// A resurrection failure means the transaction or one of its
			// ancestors is no longer valid on the new chain, so anything
			// in the pool that redeems it has to go too.
			mp.RemoveTransaction(tx, true)
		}
	}
}

// HandleReorgDone is invoked by the chain after a reorganization completes.
// The pool contents are re-filtered against the new tip's locktime and
// sequence-lock context.
//
// This is part of the blockchain.MempoolBridge interface.
func (mp *TxPool) HandleReorgDone() {
	nextBlockHeight := mp.cfg.BestHeight() + 1
	medianTimePast := mp.cfg.MedianTimePast()

	mp.mtx.Lock()
	defer mp.mtx.Unlock()

	for _, txD := range mp.pool {
		if !blockchain.IsFinalizedTransaction(txD.Tx, nextBlockHeight,
			medianTimePast) {

			mp.removeTransaction(txD.Tx, true)
			continue
		}
		if txD.SeqLock != nil && !blockchain.SequenceLockActive(txD.SeqLock,
			nextBlockHeight, medianTimePast) {

			mp.removeTransaction(txD.Tx, true)
		}
	}
}

// DefaultBlockPrioritySize is the default size in bytes for high-priority /
// low-fee transactions.  It is used to help determine which transactions are
// exempt from the relay fee requirement.
const DefaultBlockPrioritySize = 50000

// New returns a new memory pool for validating and storing standalone
// transactions until they are mined into a block.
func New(cfg *Config) *TxPool {
	return &TxPool{
		cfg:           *cfg,
		pool:          make(map[chainhash.Hash]*TxDesc),
		orphans:       make(map[chainhash.Hash]*orphanTx),
		orphansByPrev: make(map[wire.OutPoint]map[chainhash.Hash]*btcutil.Tx),
		outpoints:     make(map[wire.OutPoint]*btcutil.Tx),
		recentRejects: apbf.NewFilter(recentRejectsCapacity,
			recentRejectsFPRate),
		nextExpireScan: time.Now().Add(orphanExpireScanInterval),
	}
}
