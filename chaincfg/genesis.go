// Copyright (c) 2026 The Meridian developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chaincfg

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// genesisCoinbaseTx is the coinbase transaction for the genesis blocks for the
// main network, test network, and simulation network.  The coinbase script
// embeds a timestamped headline to prove the chain was not started earlier.
var genesisCoinbaseTx = wire.MsgTx{
	Version: 1,
	TxIn: []*wire.TxIn{{
		PreviousOutPoint: wire.OutPoint{
			Hash:  chainhash.Hash{},
			Index: 0xffffffff,
		},
		SignatureScript: []byte{
			0x04, 0xff, 0xff, 0x00, 0x1d, 0x01, 0x04, 0x29, /* |....).| */
			0x4d, 0x65, 0x72, 0x69, 0x64, 0x69, 0x61, 0x6e, /* |Meridian| */
			0x20, 0x6c, 0x61, 0x75, 0x6e, 0x63, 0x68, 0x65, /* | launche| */
			0x73, 0x20, 0x61, 0x20, 0x63, 0x6f, 0x6d, 0x6d, /* |s a comm| */
			0x75, 0x6e, 0x69, 0x74, 0x79, 0x20, 0x63, 0x68, /* |unity ch| */
			0x61, 0x69, 0x6e, 0x20, 0x32, 0x30, 0x31, 0x37, /* |ain 2017| */
		},
		Sequence: 0xffffffff,
	}},
	TxOut: []*wire.TxOut{{
		Value: 0,
		PkScript: []byte{
			0x41, 0x04, 0x67, 0x8a, 0xfd, 0xb0, 0xfe, 0x55, /* |A.g....U| */
			0x48, 0x27, 0x19, 0x67, 0xf1, 0xa6, 0x71, 0x30, /* |H'.g..q0| */
			0xb7, 0x10, 0x5c, 0xd6, 0xa8, 0x28, 0xe0, 0x39, /* |..\..(.9| */
			0x09, 0xa6, 0x79, 0x62, 0xe0, 0xea, 0x1f, 0x61, /* |..yb...a| */
			0xde, 0xb6, 0x49, 0xf6, 0xbc, 0x3f, 0x4c, 0xef, /* |..I..?L.| */
			0x38, 0xc4, 0xf3, 0x55, 0x04, 0xe5, 0x1e, 0xc1, /* |8..U....| */
			0x12, 0xde, 0x5c, 0x38, 0x4d, 0xf7, 0xba, 0x0b, /* |..\8M...| */
			0x8d, 0x57, 0x8a, 0x4c, 0x70, 0x2b, 0x6b, 0xf1, /* |.W.Lp+k.| */
			0x1d, 0x5f, 0xac, /* |._.| */
		},
	}},
	LockTime: 0,
}

// genesisMerkleRoot is the hash of the first transaction in the genesis blocks
// for all default networks.  Since the only fields which differ between the
// per-network genesis blocks are in the header, the merkle root is shared.
var genesisMerkleRoot = genesisCoinbaseTx.TxHash()

// genesisBlock defines the genesis block of the block chain which serves as
// the public transaction ledger for the main network.
//
// The genesis block is valid by definition and none of the fields within it
// are validated for correctness beyond the invariants enforced by the block
// index when it is loaded.
var genesisBlock = wire.MsgBlock{
	Header: wire.BlockHeader{
		Version:    1,
		PrevBlock:  chainhash.Hash{},
		MerkleRoot: genesisMerkleRoot,
		Timestamp:  time.Unix(1499846400, 0), // 2017-07-12 08:00:00 +0000 UTC
		Bits:       0x1e0ffff0,
		Nonce:      0x002e64a1,
	},
	Transactions: []*wire.MsgTx{&genesisCoinbaseTx},
}

// genesisHash is the hash of the first block in the block chain for the main
// network (genesis block).
var genesisHash = genesisBlock.BlockHash()

// testNet3GenesisBlock defines the genesis block of the block chain which
// serves as the public transaction ledger for test network (version 3).
var testNet3GenesisBlock = wire.MsgBlock{
	Header: wire.BlockHeader{
		Version:    1,
		PrevBlock:  chainhash.Hash{},
		MerkleRoot: genesisMerkleRoot,
		Timestamp:  time.Unix(1499846401, 0),
		Bits:       0x1e0ffff0,
		Nonce:      0x00184d25,
	},
	Transactions: []*wire.MsgTx{&genesisCoinbaseTx},
}

// testNet3GenesisHash is the hash of the first block in the block chain for
// the test network (version 3).
var testNet3GenesisHash = testNet3GenesisBlock.BlockHash()

// simNetGenesisBlock defines the genesis block of the block chain which serves
// as the public transaction ledger for the simulation test network.  The
// simulation network intentionally uses the maximum proof of work so blocks
// can be solved instantly.
var simNetGenesisBlock = wire.MsgBlock{
	Header: wire.BlockHeader{
		Version:    1,
		PrevBlock:  chainhash.Hash{},
		MerkleRoot: genesisMerkleRoot,
		Timestamp:  time.Unix(1499846402, 0),
		Bits:       0x207fffff,
		Nonce:      2,
	},
	Transactions: []*wire.MsgTx{&genesisCoinbaseTx},
}

// simNetGenesisHash is the hash of the first block in the block chain for the
// simulation test network.
var simNetGenesisHash = simNetGenesisBlock.BlockHash()
