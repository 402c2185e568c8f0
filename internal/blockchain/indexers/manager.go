// Copyright (c) 2026 The Meridian developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package indexers implements optional block chain indexes: a transaction
// location index, an address index with companion unspent-output rows, a
// spent-output index, and a block timestamp index.  All index writes ride in
// the same database batch as the metadata of the block they describe, so an
// index can never be observed out of sync with the chain.
package indexers

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/syndtr/goleveldb/leveldb"

	"github.com/meridianchain/mrdd/internal/blockchain"
)

// Indexer provides a generic interface for an indexer that is managed by an
// index manager and connected and disconnected along with the main chain.
type Indexer interface {
	// Name returns the human-readable name of the index.
	Name() string

	// FlagName returns the metadata flag recording that the index is
	// enabled.
	FlagName() string

	// ConnectBlock is invoked when a new block has been connected to the
	// main chain.  Writes ride in the provided batch.
	ConnectBlock(batch *leveldb.Batch, block *btcutil.Block, loc blockchain.BlockLocation, stxos []blockchain.SpentTxOut) error

	// DisconnectBlock is invoked when a block has been disconnected from
	// the main chain.
	DisconnectBlock(batch *leveldb.Batch, block *btcutil.Block, loc blockchain.BlockLocation, stxos []blockchain.SpentTxOut) error
}

// Manager defines an index manager that manages multiple optional indexes
// and implements the blockchain.IndexManager interface so it can be
// seamlessly plugged into normal chain processing.
type Manager struct {
	db       blockchain.IndexDB
	indexers []Indexer
}

// Ensure the Manager type implements the blockchain.IndexManager interface.
var _ blockchain.IndexManager = (*Manager)(nil)

// NewManager returns a new index manager with the provided indexes enabled.
func NewManager(indexers ...Indexer) *Manager {
	return &Manager{indexers: indexers}
}

// Init initializes the enabled indexes and records which ones are enabled so
// a mismatch against a previous run can be detected.
//
// This is part of the blockchain.IndexManager interface.
func (m *Manager) Init(chain *blockchain.BlockChain) error {
	m.db = chain.IndexDB()

	for _, indexer := range m.indexers {
		wasEnabled, err := m.db.FetchFlag(indexer.FlagName())
		if err != nil {
			return err
		}
		if !wasEnabled {
			// A freshly enabled index on a chain that is already past the
			// genesis block requires a reindex to be complete.  Record it
			// as enabled and warn; serving partial results is worse than
			// an explicit operator action.
			tip := chain.BestSnapshot()
			if tip.Height > 0 {
				log.Warnf("Index %q enabled with existing chain history; "+
					"historical entries require a reindex", indexer.Name())
			}
			if err := m.db.PutFlag(indexer.FlagName(), true); err != nil {
				return err
			}
		}
		log.Infof("Index %q is enabled", indexer.Name())
	}
	return nil
}

// ConnectBlock is invoked by the chain when a new block has been connected to
// the main chain.  It calls each of the managed indexes with the block so
// their writes land in the same batch as the block metadata.
//
// This is part of the blockchain.IndexManager interface.
func (m *Manager) ConnectBlock(batch *leveldb.Batch, block *btcutil.Block, loc blockchain.BlockLocation, stxos []blockchain.SpentTxOut) error {
	for _, indexer := range m.indexers {
		err := indexer.ConnectBlock(batch, block, loc, stxos)
		if err != nil {
			return fmt.Errorf("index %q: %w", indexer.Name(), err)
		}
	}
	return nil
}

// DisconnectBlock is invoked by the chain when a block has been disconnected
// from the main chain.
//
// This is part of the blockchain.IndexManager interface.
func (m *Manager) DisconnectBlock(batch *leveldb.Batch, block *btcutil.Block, loc blockchain.BlockLocation, stxos []blockchain.SpentTxOut) error {
	for _, indexer := range m.indexers {
		err := indexer.DisconnectBlock(batch, block, loc, stxos)
		if err != nil {
			return fmt.Errorf("index %q: %w", indexer.Name(), err)
		}
	}
	return nil
}
