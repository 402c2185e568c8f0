// Copyright (c) 2026 The Meridian developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// NotificationType represents the type of a notification message.
type NotificationType int

// NotificationCallback is used for a caller to provide a callback for
// notifications about various chain events.
type NotificationCallback func(*Notification)

// Constants for the type of a notification message.
const (
	// NTBlockAccepted indicates the associated block was accepted into the
	// block chain.  Note that this does not necessarily mean it was added
	// to the main chain.  For that, use NTBlockConnected.
	NTBlockAccepted NotificationType = iota

	// NTBlockConnected indicates the associated block was connected to the
	// main chain.
	NTBlockConnected

	// NTBlockDisconnected indicates the associated block was disconnected
	// from the main chain.
	NTBlockDisconnected

	// NTChainReorgStarted indicates that a chain reorganization has
	// commenced.
	NTChainReorgStarted

	// NTChainReorgDone indicates that a chain reorganization has concluded.
	NTChainReorgDone

	// NTNewTipBlockChecked indicates the associated block intends to extend
	// the current main chain and has passed all of the sanity and
	// contextual checks such as having valid proof of work.
	NTNewTipBlockChecked

	// NTBlockHeaderAccepted indicates the associated header was accepted
	// into the block index.
	NTBlockHeaderAccepted

	// NTHeaderTipChanged indicates the header with the most cumulative work
	// that is not known to be invalid has changed.
	NTHeaderTipChanged

	// NTBestChainPersisted indicates the best chain locator was durably
	// written as part of a flush, so external consumers may persist their
	// own progress against it.
	NTBestChainPersisted

	// NTTransactionConnected indicates a transaction was confirmed by a
	// block connected to the main chain.
	NTTransactionConnected
)

// notificationTypeStrings is a map of notification types back to their
// constant names for pretty printing.
var notificationTypeStrings = map[NotificationType]string{
	NTBlockAccepted:        "NTBlockAccepted",
	NTBlockConnected:       "NTBlockConnected",
	NTBlockDisconnected:    "NTBlockDisconnected",
	NTChainReorgStarted:    "NTChainReorgStarted",
	NTChainReorgDone:       "NTChainReorgDone",
	NTNewTipBlockChecked:   "NTNewTipBlockChecked",
	NTBlockHeaderAccepted:  "NTBlockHeaderAccepted",
	NTHeaderTipChanged:     "NTHeaderTipChanged",
	NTBestChainPersisted:   "NTBestChainPersisted",
	NTTransactionConnected: "NTTransactionConnected",
}

// String returns the NotificationType in human-readable form.
func (n NotificationType) String() string {
	if s, ok := notificationTypeStrings[n]; ok {
		return s
	}
	return fmt.Sprintf("Unknown Notification Type (%d)", int(n))
}

// BlockAcceptedNtfnsData is the structure for data indicating information
// about an accepted block.
type BlockAcceptedNtfnsData struct {
	// BestHeight is the height of the current best chain.  Since the accepted
	// block might be on a side chain, this is not necessarily the same as the
	// height of the accepted block.
	BestHeight int32

	// ForkLen is the length of the side chain the block extended or zero in
	// the case the block extended the main chain.
	ForkLen int32

	// Block is the block that was accepted into the chain.
	Block *btcutil.Block
}

// HeaderAcceptedNtfnsData is the structure for data indicating information
// about an accepted block header.
type HeaderAcceptedNtfnsData struct {
	// Header is the header that was accepted into the block index.
	Header wire.BlockHeader

	// Height is the height of the accepted header.
	Height int32
}

// ReorganizationNtfnsData is the structure for data indicating information
// about a reorganization.
type ReorganizationNtfnsData struct {
	OldHash   chainhash.Hash
	OldHeight int32
	NewHash   chainhash.Hash
	NewHeight int32
}

// BestChainPersistedNtfnsData carries the block locator written during a
// flush of the chain state.
type BestChainPersistedNtfnsData struct {
	// Locator is a block locator for the current best chain.
	Locator []chainhash.Hash
}

// Notification defines notification that is sent to the caller via the
// callback function provided during the call to New and consists of a
// notification type as well as associated data that depends on the type as
// follows:
//   - NTBlockAccepted:       *BlockAcceptedNtfnsData
//   - NTBlockConnected:      *btcutil.Block
//   - NTBlockDisconnected:   *btcutil.Block
//   - NTChainReorgStarted:   nil
//   - NTChainReorgDone:      *ReorganizationNtfnsData
//   - NTNewTipBlockChecked:  *btcutil.Block
//   - NTBlockHeaderAccepted: *HeaderAcceptedNtfnsData
//   - NTHeaderTipChanged:    *HeaderAcceptedNtfnsData
//   - NTBestChainPersisted:  *BestChainPersistedNtfnsData
//   - NTTransactionConnected: *btcutil.Tx
type Notification struct {
	Type NotificationType
	Data interface{}
}

// Subscribe to block chain notifications.  Registers a callback to be
// executed when various events take place.  See the documentation on
// Notification and NotificationType for details on the types and contents of
// notifications.
func (b *BlockChain) Subscribe(callback NotificationCallback) {
	b.notificationsLock.Lock()
	b.notifications = append(b.notifications, callback)
	b.notificationsLock.Unlock()
}

// sendNotification sends a notification with the passed type and data if the
// caller requested notifications by providing a callback function in the call
// to New.
func (b *BlockChain) sendNotification(typ NotificationType, data interface{}) {
	// Generate and send the notification.
	n := Notification{Type: typ, Data: data}
	b.notificationsLock.RLock()
	for _, callback := range b.notifications {
		callback(&n)
	}
	b.notificationsLock.RUnlock()
}
