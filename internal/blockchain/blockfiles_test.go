// Copyright (c) 2026 The Meridian developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/meridianchain/mrdd/chaincfg"
)

// TestBlockStoreRoundTrip ensures blocks written to the flat file store read
// back byte-identical and that the per-file usage records track the writes.
func TestBlockStoreRoundTrip(t *testing.T) {
	store, err := newBlockStore(t.TempDir(), chaincfg.SimNetParams.Net)
	if err != nil {
		t.Fatalf("newBlockStore: %v", err)
	}

	block := newFakeBlock(chainhash.Hash{0x05}, 1)
	fileNum, offset, err := store.WriteBlock(block)
	if err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}

	serialized, err := block.Bytes()
	if err != nil {
		t.Fatalf("block serialize: %v", err)
	}
	loaded, err := store.ReadBlock(fileNum, offset)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if !bytes.Equal(loaded, serialized) {
		t.Fatal("loaded block differs from the written one")
	}

	// A second block lands after the first in the same file.
	block2 := newFakeBlock(*block.Hash(), 2)
	fileNum2, offset2, err := store.WriteBlock(block2)
	if err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}
	if fileNum2 != fileNum {
		t.Fatalf("second block went to file %d, want %d", fileNum2, fileNum)
	}
	if offset2 <= offset {
		t.Fatalf("second block offset %d does not follow the first at %d",
			offset2, offset)
	}

	dirty := store.dirtyInfo()
	info, ok := dirty[fileNum]
	if !ok {
		t.Fatal("no dirty file info after writes")
	}
	if info.numBlocks != 2 {
		t.Fatalf("file info records %d blocks, want 2", info.numBlocks)
	}
	if info.heightFirst != 1 || info.heightLast != 2 {
		t.Fatalf("file info height span [%d, %d], want [1, 2]",
			info.heightFirst, info.heightLast)
	}

	// Loading a block with a bogus offset fails on the magic check or a
	// short read rather than returning garbage.
	if _, err := store.ReadBlock(fileNum, offset+1); err == nil {
		t.Fatal("read at a bogus offset succeeded")
	}

	// Deserializing the loaded bytes yields the same block hash.
	parsed, err := btcutil.NewBlockFromBytes(loaded)
	if err != nil {
		t.Fatalf("NewBlockFromBytes: %v", err)
	}
	if *parsed.Hash() != *block.Hash() {
		t.Fatal("round-tripped block hash mismatch")
	}
}

// TestUndoStoreChecksum ensures undo records round trip and that the
// checksum binds a record to its parent block hash.
func TestUndoStoreChecksum(t *testing.T) {
	store, err := newBlockStore(t.TempDir(), chaincfg.SimNetParams.Net)
	if err != nil {
		t.Fatalf("newBlockStore: %v", err)
	}

	parentHash := chainhash.Hash{0x07}
	undo := []byte{0x01, 0x02, 0x03, 0x04, 0x05}
	offset, err := store.WriteUndo(0, &parentHash, undo)
	if err != nil {
		t.Fatalf("WriteUndo: %v", err)
	}

	loaded, err := store.ReadUndo(0, offset, &parentHash)
	if err != nil {
		t.Fatalf("ReadUndo: %v", err)
	}
	if !bytes.Equal(loaded, undo) {
		t.Fatal("loaded undo record differs from the written one")
	}

	// Reading against the wrong parent hash must fail the checksum.
	wrongParent := chainhash.Hash{0x08}
	_, err = store.ReadUndo(0, offset, &wrongParent)
	var rerr RuleError
	if !errors.As(err, &rerr) || rerr.Err != ErrBadUndoData {
		t.Fatalf("checksum mismatch: got %v, want %v", err, ErrBadUndoData)
	}

	// A second record appends after the first.
	undo2 := []byte{0xaa, 0xbb}
	offset2, err := store.WriteUndo(0, &parentHash, undo2)
	if err != nil {
		t.Fatalf("WriteUndo: %v", err)
	}
	if offset2 <= offset {
		t.Fatalf("second undo offset %d does not follow the first at %d",
			offset2, offset)
	}
}

// TestPruneFiles ensures old file pairs are deleted while the current write
// file survives.
func TestPruneFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := newBlockStore(dir, chaincfg.SimNetParams.Net)
	if err != nil {
		t.Fatalf("newBlockStore: %v", err)
	}

	// Fake two full files below the current write file.
	store.setFileInfo(0, blockFileInfo{numBlocks: 10, heightFirst: 0,
		heightLast: 9})
	store.setFileInfo(1, blockFileInfo{numBlocks: 10, heightFirst: 10,
		heightLast: 19})
	store.setFileInfo(2, blockFileInfo{numBlocks: 1, heightFirst: 20,
		heightLast: 20})
	for _, name := range []string{"blk00000.dat", "rev00000.dat",
		"blk00001.dat"} {

		if err := os.WriteFile(dir+"/"+name, []byte{0}, 0600); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}

	pruned, err := store.PruneFiles(20)
	if err != nil {
		t.Fatalf("PruneFiles: %v", err)
	}
	if len(pruned) != 2 {
		t.Fatalf("pruned %d files, want 2", len(pruned))
	}
	if _, ok := store.fileInfo[0]; ok {
		t.Fatal("pruned file info still present")
	}
	if _, ok := store.fileInfo[2]; !ok {
		t.Fatal("current write file was pruned")
	}
}
