// Copyright (c) 2026 The Meridian developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const (
	// baseEntrySize is the approximate overhead in bytes of a utxo cache
	// entry beyond its script: the map key, the entry struct, and map
	// housekeeping.
	baseEntrySize = 100

	// periodicFlushInterval is the amount of time to wait before flushing
	// the cache during a periodic flush.
	periodicFlushInterval = time.Minute * 2
)

// FlushMode identifies the kinds of flushes of the utxo cache to the backing
// store that can be requested.
type FlushMode uint8

const (
	// FlushModeNone skips the flush entirely.  It exists so flush sites can
	// be driven by configuration.
	FlushModeNone FlushMode = iota

	// FlushModeIfNeeded writes the cache to the backing store only when it
	// has grown beyond its memory limit.
	FlushModeIfNeeded

	// FlushModePeriodic writes the cache to the backing store when enough
	// time has passed since the previous flush.
	FlushModePeriodic

	// FlushModeAlways unconditionally writes the cache to the backing
	// store.
	FlushModeAlways
)

// UtxoCache is a layered cache of the utxo set that sits on top of the
// persistent coin database.  All utxo mutation funnels through it: per-block
// views are committed into the cache on successful connect/disconnect and the
// cache writes to the backing store in atomic batches together with the best
// block marker.
//
// Entries created since the last flush are marked fresh.  When a fresh entry
// is spent again before a flush, it can simply be forgotten since the backing
// store has never seen it.
type UtxoCache struct {
	mtx sync.Mutex

	// backend is the persistent coin database underneath the cache.
	backend *utxoBackend

	// maxSize is the target maximum size of the cached entries in bytes.
	maxSize uint64

	// entries holds the cached utxos along with entries that have been
	// spent since the last flush but still need their deletion written to
	// the backing store.
	entries        map[wire.OutPoint]*UtxoEntry
	totalEntrySize uint64

	// lastFlushHash is the block hash of the tip the backing store was
	// current through as of the most recent flush.
	lastFlushHash chainhash.Hash
	lastFlushTime time.Time
}

// UtxoCacheConfig is a descriptor which specifies the utxo cache instance
// configuration.
type UtxoCacheConfig struct {
	// Backend defines the backing persistent store.
	Backend *utxoBackend

	// MaxSize defines a target for the maximum amount of memory the cache
	// may consume, in bytes.
	MaxSize uint64
}

// NewUtxoCache returns a UtxoCache instance using the provided configuration
// details.
func NewUtxoCache(config *UtxoCacheConfig) *UtxoCache {
	return &UtxoCache{
		backend:       config.Backend,
		maxSize:       config.MaxSize,
		entries:       make(map[wire.OutPoint]*UtxoEntry),
		lastFlushTime: time.Now(),
	}
}

// entrySize computes the approximate in-memory size of the provided entry.
func entrySize(entry *UtxoEntry) uint64 {
	return baseEntrySize + uint64(len(entry.PkScript()))
}

// fetchEntry returns the specified entry from the cache, loading it from the
// backing store on a miss.  nil is returned with no error when the output
// does not exist.
//
// This function MUST be called with the cache lock held.
func (c *UtxoCache) fetchEntry(outpoint wire.OutPoint) (*UtxoEntry, error) {
	if entry, ok := c.entries[outpoint]; ok {
		return entry, nil
	}

	entry, err := c.backend.FetchEntry(outpoint)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		c.entries[outpoint] = entry
		c.totalEntrySize += entrySize(entry)
	}
	return entry, nil
}

// FetchEntry returns the specified transaction output from the utxo set,
// pulling it into the cache from the backing store if necessary.  A clone is
// returned so the caller can freely mutate it.
//
// When there is no entry for the provided output, nil will be returned for
// both the entry and the error.
//
// This function is safe for concurrent access.
func (c *UtxoCache) FetchEntry(outpoint wire.OutPoint) (*UtxoEntry, error) {
	c.mtx.Lock()
	entry, err := c.fetchEntry(outpoint)
	c.mtx.Unlock()
	if err != nil || entry == nil || entry.IsSpent() {
		return nil, err
	}
	return entry.Clone(), nil
}

// FetchEntries loads the requested outpoints into the provided view, pulling
// them from the backing store as needed.  Outputs that do not exist are left
// out of the view so the caller can distinguish missing entries.
//
// This function is safe for concurrent access.
func (c *UtxoCache) FetchEntries(filteredSet viewFilteredSet, view *UtxoViewpoint) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	for outpoint := range filteredSet {
		entry, err := c.fetchEntry(outpoint)
		if err != nil {
			return err
		}
		if entry == nil || entry.IsSpent() {
			continue
		}
		view.entries[outpoint] = entry.Clone()
	}
	return nil
}

// Commit absorbs all of the modified entries from the provided per-block view
// into the cache.  On success the view is reset to an empty state.  It is
// invoked after a block has been fully connected or disconnected against the
// view, so the entries represent exactly the effects of that block.
//
// This function is safe for concurrent access.
func (c *UtxoCache) Commit(view *UtxoViewpoint) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	for outpoint, entry := range view.entries {
		if entry == nil || !entry.isModified() {
			continue
		}

		cached, haveCached := c.entries[outpoint]
		if entry.IsSpent() {
			switch {
			case haveCached && cached.isFresh():
				// The backing store has never seen the output, so it can
				// simply be forgotten.
				c.totalEntrySize -= entrySize(cached)
				delete(c.entries, outpoint)
			case haveCached:
				cached.Spend()
			default:
				// Keep a spent tombstone so the deletion is written to the
				// backing store on the next flush.
				tomb := entry.Clone()
				tomb.packedFlags |= utxoFlagSpent | utxoFlagModified
				tomb.packedFlags &^= utxoFlagFresh
				c.entries[outpoint] = tomb
				c.totalEntrySize += entrySize(tomb)
			}
			continue
		}

		newEntry := entry.Clone()
		newEntry.packedFlags |= utxoFlagModified
		if !haveCached && entry.isFresh() {
			newEntry.packedFlags |= utxoFlagFresh
		} else {
			newEntry.packedFlags &^= utxoFlagFresh
		}
		if haveCached {
			c.totalEntrySize -= entrySize(cached)
		}
		c.entries[outpoint] = newEntry
		c.totalEntrySize += entrySize(newEntry)
	}

	// Reset the view so stale per-block state cannot leak into later
	// blocks.
	view.entries = make(map[wire.OutPoint]*UtxoEntry)
	return nil
}

// flush unconditionally writes all dirty entries to the backing store in a
// single atomic batch along with the best block marker and then prunes spent
// entries and clears the modified/fresh flags.
//
// This function MUST be called with the cache lock held.
func (c *UtxoCache) flush(bestHash *chainhash.Hash) error {
	log.Debugf("Flushing %d utxo cache entries (%.2f MiB) to the coin "+
		"database", len(c.entries), float64(c.totalEntrySize)/1024/1024)

	err := c.backend.PutUtxos(c.entries, bestHash)
	if err != nil {
		return err
	}

	for outpoint, entry := range c.entries {
		if entry.IsSpent() {
			c.totalEntrySize -= entrySize(entry)
			delete(c.entries, outpoint)
			continue
		}
		entry.packedFlags &^= utxoFlagModified | utxoFlagFresh
	}

	c.lastFlushHash = *bestHash
	c.lastFlushTime = time.Now()
	return nil
}

// MaybeFlush conditionally flushes the cache to the backing store based on
// the provided mode.
//
// This function is safe for concurrent access.
func (c *UtxoCache) MaybeFlush(bestHash *chainhash.Hash, mode FlushMode) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	switch mode {
	case FlushModeNone:
		return nil

	case FlushModeIfNeeded:
		if c.totalEntrySize <= c.maxSize {
			return nil
		}

	case FlushModePeriodic:
		if time.Since(c.lastFlushTime) < periodicFlushInterval &&
			c.totalEntrySize <= c.maxSize {

			return nil
		}

	case FlushModeAlways:
	}

	return c.flush(bestHash)
}

// LastFlushHash returns the block hash the backing store was current through
// as of the most recent flush.
//
// This function is safe for concurrent access.
func (c *UtxoCache) LastFlushHash() chainhash.Hash {
	c.mtx.Lock()
	hash := c.lastFlushHash
	c.mtx.Unlock()
	return hash
}

// Initialize prepares the cache for use by resolving any inconsistency
// between the backing store and the provided chain tip that can result from
// an unclean shutdown.  The backing store is authoritative about the block it
// is current through; when that lags the chain tip, the caller is responsible
// for replaying the missing blocks through the cache.
//
// This function is safe for concurrent access.
func (c *UtxoCache) Initialize(tip *blockNode) (chainhash.Hash, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	storedBest, err := c.backend.FetchBestBlock()
	if err != nil {
		return chainhash.Hash{}, err
	}

	// A zero stored hash means a brand new database which is current
	// through nothing; initialize the marker to the genesis block the tip
	// chain descends from.
	if storedBest == (chainhash.Hash{}) {
		genesis := tip.Ancestor(0)
		if err := c.flush(&genesis.hash); err != nil {
			return chainhash.Hash{}, err
		}
		storedBest = genesis.hash
	}

	c.lastFlushHash = storedBest
	return storedBest, nil
}
