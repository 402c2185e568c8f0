// Copyright (c) 2026 The Meridian developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"golang.org/x/sys/unix"
)

const (
	// maxBlockFileSize is the maximum size for each file used to store
	// blocks.
	maxBlockFileSize uint32 = 128 * 1024 * 1024 // 128 MiB

	// blockFileChunkSize is the number of bytes block files grow by when
	// they are preallocated.  Growing in chunks avoids the fragmentation
	// that would result from many small appends.
	blockFileChunkSize = 16 * 1024 * 1024 // 16 MiB

	// undoFileChunkSize is the number of bytes undo files grow by when they
	// are preallocated.
	undoFileChunkSize = 1024 * 1024 // 1 MiB

	// recordHeaderSize is the number of bytes that precede every record in
	// a block or undo file: 4 bytes of network magic and a 4-byte length.
	recordHeaderSize = 8

	// undoChecksumSize is the number of bytes of the checksum that trails
	// every undo record.  The checksum binds the record to the hash of the
	// block preceding the one it undoes.
	undoChecksumSize = chainhash.HashSize

	// minFreeSpace is the minimum number of bytes that must remain free on
	// the volume housing the file store before an allocation is refused.
	minFreeSpace = 50 * 1024 * 1024 // 50 MiB
)

// blockFileInfo tracks the usage of a single numbered block/undo file pair.
// The records are persisted in the metadata database and rewritten whenever
// they change.
type blockFileInfo struct {
	numBlocks   uint32
	size        uint32
	undoSize    uint32
	heightFirst int32
	heightLast  int32
	timeFirst   int64
	timeLast    int64
}

// blockStore provides append-only storage of serialized blocks and per-block
// undo data in numbered flat files.  Block files hold records of the form
// [magic|length|block] while undo files hold [magic|length|undo|checksum].
//
// All file I/O is serialized by the store mutex and descriptors are opened
// scoped to each operation so they are closed on every exit path.
type blockStore struct {
	mtx sync.Mutex

	// basePath is the directory housing the flat files.
	basePath string

	// network is the magic written in front of every record.
	network wire.BitcoinNet

	// writeFileNum is the file number new blocks are currently appended
	// to.
	writeFileNum uint32

	// fileInfo tracks usage per file number while dirtyFileInfo tracks the
	// entries that have changed since the last metadata flush.
	fileInfo      map[uint32]*blockFileInfo
	dirtyFileInfo map[uint32]struct{}
}

// newBlockStore returns a new flat file block store rooted at the provided
// directory, creating the directory when needed.
func newBlockStore(basePath string, network wire.BitcoinNet) (*blockStore, error) {
	if err := os.MkdirAll(basePath, 0700); err != nil {
		return nil, err
	}
	return &blockStore{
		basePath:      basePath,
		network:       network,
		fileInfo:      make(map[uint32]*blockFileInfo),
		dirtyFileInfo: make(map[uint32]struct{}),
	}, nil
}

// blockFilePath returns the file path for the provided block file number.
func (s *blockStore) blockFilePath(fileNum uint32) string {
	return filepath.Join(s.basePath, fmt.Sprintf("blk%05d.dat", fileNum))
}

// undoFilePath returns the file path for the provided undo file number.
func (s *blockStore) undoFilePath(fileNum uint32) string {
	return filepath.Join(s.basePath, fmt.Sprintf("rev%05d.dat", fileNum))
}

// fileInfoLocked returns the usage record for the provided file number,
// creating it when it does not exist yet.
//
// This function MUST be called with the store mutex held.
func (s *blockStore) fileInfoLocked(fileNum uint32) *blockFileInfo {
	info, ok := s.fileInfo[fileNum]
	if !ok {
		info = &blockFileInfo{heightFirst: -1}
		s.fileInfo[fileNum] = info
	}
	return info
}

// checkFreeSpace returns an error when the volume housing the file store
// does not have at least the minimum free space plus the requested
// allocation.  Disk exhaustion during a write would corrupt the store, so it
// is refused up front.
func (s *blockStore) checkFreeSpace(needed uint64) error {
	var stat unix.Statfs_t
	if err := unix.Statfs(s.basePath, &stat); err != nil {
		// Being unable to stat the volume is not fatal on its own;
		// the subsequent write will surface any real problem.
		return nil
	}
	free := stat.Bavail * uint64(stat.Bsize)
	if free < needed+minFreeSpace {
		return fmt.Errorf("insufficient disk space: %d bytes free, need "+
			"%d plus %d reserve", free, needed, minFreeSpace)
	}
	return nil
}

// preallocate extends the provided file in chunk-aligned steps so it can hold
// at least reqSize bytes.
func preallocate(file *os.File, curSize, reqSize, chunkSize uint32) error {
	if reqSize <= curSize {
		return nil
	}
	newSize := ((reqSize + chunkSize - 1) / chunkSize) * chunkSize
	return file.Truncate(int64(newSize))
}

// scopedOpen opens the file at the provided path for reading and writing,
// creating it when needed.
func scopedOpen(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
}

// writeRecord writes a [magic|length|payload] record at the provided offset
// of the passed file followed by any extra trailer bytes and syncs it.
func (s *blockStore) writeRecord(file *os.File, offset uint32, payload, trailer []byte) error {
	var header [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(s.network))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(payload)))

	if _, err := file.WriteAt(header[:], int64(offset)); err != nil {
		return err
	}
	if _, err := file.WriteAt(payload, int64(offset)+recordHeaderSize); err != nil {
		return err
	}
	if len(trailer) > 0 {
		trailerOff := int64(offset) + recordHeaderSize + int64(len(payload))
		if _, err := file.WriteAt(trailer, trailerOff); err != nil {
			return err
		}
	}
	return file.Sync()
}

// readRecord reads the payload of a [magic|length|payload] record at the
// provided offset of the file at path, along with trailerSize extra bytes.
func (s *blockStore) readRecord(path string, offset uint32, trailerSize int) ([]byte, []byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer file.Close()

	var header [recordHeaderSize]byte
	if _, err := file.ReadAt(header[:], int64(offset)); err != nil {
		return nil, nil, err
	}
	if net := binary.LittleEndian.Uint32(header[0:4]); net != uint32(s.network) {
		return nil, nil, fmt.Errorf("record at %s offset %d has bad magic "+
			"%08x", filepath.Base(path), offset, net)
	}
	payloadLen := binary.LittleEndian.Uint32(header[4:8])

	payload := make([]byte, int(payloadLen)+trailerSize)
	if _, err := io.ReadFull(io.NewSectionReader(file,
		int64(offset)+recordHeaderSize, int64(len(payload))), payload); err != nil {

		return nil, nil, err
	}
	return payload[:payloadLen], payload[payloadLen:], nil
}

// WriteBlock appends the serialized bytes of the provided block to the flat
// file store and returns the file number and byte offset the record was
// written at.
func (s *blockStore) WriteBlock(block *btcutil.Block) (uint32, uint32, error) {
	serialized, err := block.Bytes()
	if err != nil {
		return 0, 0, err
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	// Advance to the next file number when the record does not fit in the
	// current one.
	recordLen := uint32(recordHeaderSize + len(serialized))
	info := s.fileInfoLocked(s.writeFileNum)
	if info.size+recordLen > maxBlockFileSize && info.numBlocks > 0 {
		s.writeFileNum++
		info = s.fileInfoLocked(s.writeFileNum)
	}
	offset := info.size

	if err := s.checkFreeSpace(uint64(recordLen)); err != nil {
		return 0, 0, err
	}

	file, err := scopedOpen(s.blockFilePath(s.writeFileNum))
	if err != nil {
		return 0, 0, err
	}
	defer file.Close()

	err = preallocate(file, offset, offset+recordLen, blockFileChunkSize)
	if err != nil {
		return 0, 0, err
	}
	if err := s.writeRecord(file, offset, serialized, nil); err != nil {
		return 0, 0, err
	}

	info.numBlocks++
	info.size += recordLen
	blockTime := block.MsgBlock().Header.Timestamp.Unix()
	if info.heightFirst == -1 || block.Height() < info.heightFirst {
		info.heightFirst = block.Height()
	}
	if block.Height() > info.heightLast {
		info.heightLast = block.Height()
	}
	if info.timeFirst == 0 || blockTime < info.timeFirst {
		info.timeFirst = blockTime
	}
	if blockTime > info.timeLast {
		info.timeLast = blockTime
	}
	s.dirtyFileInfo[s.writeFileNum] = struct{}{}

	return s.writeFileNum, offset, nil
}

// ReadBlock loads the serialized block stored at the provided file number and
// offset.
func (s *blockStore) ReadBlock(fileNum, offset uint32) ([]byte, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	payload, _, err := s.readRecord(s.blockFilePath(fileNum), offset, 0)
	return payload, err
}

// ReadBlockRegion loads numBytes bytes at the provided position within the
// block record stored at the given file number and offset.  It is used by the
// transaction index to load individual transactions without deserializing the
// surrounding block.
func (s *blockStore) ReadBlockRegion(fileNum, offset, regionOffset, numBytes uint32) ([]byte, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	file, err := os.Open(s.blockFilePath(fileNum))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	region := make([]byte, numBytes)
	readOff := int64(offset) + recordHeaderSize + int64(regionOffset)
	if _, err := file.ReadAt(region, readOff); err != nil {
		return nil, err
	}
	return region, nil
}

// undoChecksum computes the checksum that trails an undo record.  It binds
// the record to the hash of the block that precedes the one being undone so
// a record can never be replayed against the wrong chain position.
func undoChecksum(parentHash *chainhash.Hash, undo []byte) chainhash.Hash {
	buf := make([]byte, 0, chainhash.HashSize+len(undo))
	buf = append(buf, parentHash[:]...)
	buf = append(buf, undo...)
	return chainhash.DoubleHashH(buf)
}

// WriteUndo appends the serialized undo data for a block to the undo file
// with the provided number and returns the byte offset the record was written
// at.  The undo record always rides in the undo file with the same number as
// the block file housing its block.
func (s *blockStore) WriteUndo(fileNum uint32, parentHash *chainhash.Hash, undo []byte) (uint32, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	info := s.fileInfoLocked(fileNum)
	offset := info.undoSize
	recordLen := uint32(recordHeaderSize + len(undo) + undoChecksumSize)

	if err := s.checkFreeSpace(uint64(recordLen)); err != nil {
		return 0, err
	}

	file, err := scopedOpen(s.undoFilePath(fileNum))
	if err != nil {
		return 0, err
	}
	defer file.Close()

	err = preallocate(file, offset, offset+recordLen, undoFileChunkSize)
	if err != nil {
		return 0, err
	}
	checksum := undoChecksum(parentHash, undo)
	if err := s.writeRecord(file, offset, undo, checksum[:]); err != nil {
		return 0, err
	}

	info.undoSize += recordLen
	s.dirtyFileInfo[fileNum] = struct{}{}

	return offset, nil
}

// ReadUndo loads the undo record stored at the provided file number and
// offset and verifies its checksum binds to the provided parent hash.
func (s *blockStore) ReadUndo(fileNum, offset uint32, parentHash *chainhash.Hash) ([]byte, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	payload, trailer, err := s.readRecord(s.undoFilePath(fileNum), offset,
		undoChecksumSize)
	if err != nil {
		return nil, err
	}

	want := undoChecksum(parentHash, payload)
	if !want.IsEqual((*chainhash.Hash)(trailer)) {
		str := fmt.Sprintf("undo record in rev%05d.dat at offset %d failed "+
			"its checksum", fileNum, offset)
		return nil, ruleError(ErrBadUndoData, str)
	}
	return payload, nil
}

// PruneFiles deletes all block and undo files whose highest block is below
// the provided height and returns the file numbers that were removed.  The
// current write file is never pruned.
func (s *blockStore) PruneFiles(beforeHeight int32) ([]uint32, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var pruned []uint32
	for fileNum, info := range s.fileInfo {
		if fileNum == s.writeFileNum || info.heightLast >= beforeHeight {
			continue
		}
		if err := os.Remove(s.blockFilePath(fileNum)); err != nil &&
			!os.IsNotExist(err) {

			return pruned, err
		}
		if err := os.Remove(s.undoFilePath(fileNum)); err != nil &&
			!os.IsNotExist(err) {

			return pruned, err
		}
		delete(s.fileInfo, fileNum)
		delete(s.dirtyFileInfo, fileNum)
		pruned = append(pruned, fileNum)
	}
	return pruned, nil
}

// dirtyInfo returns the set of file info records modified since the previous
// call and resets the dirty set.  The caller is expected to persist them.
func (s *blockStore) dirtyInfo() map[uint32]blockFileInfo {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if len(s.dirtyFileInfo) == 0 {
		return nil
	}
	dirty := make(map[uint32]blockFileInfo, len(s.dirtyFileInfo))
	for fileNum := range s.dirtyFileInfo {
		dirty[fileNum] = *s.fileInfo[fileNum]
	}
	s.dirtyFileInfo = make(map[uint32]struct{})
	return dirty
}

// setFileInfo installs a file info record loaded from the metadata database.
// It is only used during initialization.
func (s *blockStore) setFileInfo(fileNum uint32, info blockFileInfo) {
	s.mtx.Lock()
	infoCopy := info
	s.fileInfo[fileNum] = &infoCopy
	if fileNum > s.writeFileNum {
		s.writeFileNum = fileNum
	}
	s.mtx.Unlock()
}
