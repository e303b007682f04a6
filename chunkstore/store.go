package chunkstore

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"

	"github.com/caleberi/hermes-dfs/common"
	"github.com/rs/zerolog/log"
)

// Store keeps chunk replicas under a single root directory. A chunk
// being replicated is staged as chunk-<handle>.0; version 0 marks it
// dirty so that an interrupted replication is swept away on restart.
// Finalize renames the staging file to its real version and persists
// the per-block checksum sidecar next to it.
type Store struct {
	mu      sync.Mutex
	root    string
	handles map[common.ChunkHandle]*FileHandle
	chunks  map[common.ChunkHandle]chunkEntry // finalized, readable chunks
}

type chunkEntry struct {
	version common.ChunkVersion
	size    common.Offset
}

// FileHandle is the staging file of one in-flight replication. It is
// owned exclusively by its replicator; the store reclaims it through
// Finalize or Release.
type FileHandle struct {
	mu        sync.Mutex
	store     *Store
	fileId    common.FileId
	handle    common.ChunkHandle
	file      *os.File
	size      common.Offset
	checksums []uint64
	closed    bool
}

func (h *FileHandle) Handle() common.ChunkHandle { return h.handle }
func (h *FileHandle) Size() common.Offset        { return h.size }

var chunkFileRe = regexp.MustCompile(`^chunk-(-?\d+)\.(-?\d+)$`)

// NewStore opens the chunk directory, indexes readable chunks and
// deletes dirty version-0 leftovers from a previous run.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("chunkstore: create root %s: %w", root, err)
	}
	s := &Store{
		root:    root,
		handles: make(map[common.ChunkHandle]*FileHandle),
		chunks:  make(map[common.ChunkHandle]chunkEntry),
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	for _, ent := range entries {
		m := chunkFileRe.FindStringSubmatch(ent.Name())
		if m == nil {
			continue
		}
		handle, _ := strconv.ParseInt(m[1], 10, 64)
		version, _ := strconv.ParseInt(m[2], 10, 64)
		if version == 0 {
			log.Warn().Msgf("chunkstore: deleting dirty chunk %d left by interrupted replication", handle)
			os.Remove(filepath.Join(root, ent.Name()))
			os.Remove(filepath.Join(root, ent.Name()+".cksum"))
			continue
		}
		info, err := ent.Info()
		if err != nil {
			continue
		}
		s.chunks[common.ChunkHandle(handle)] = chunkEntry{
			version: common.ChunkVersion(version),
			size:    common.Offset(info.Size()),
		}
	}
	log.Info().Msgf("chunkstore: %s holds %d readable chunks", root, len(s.chunks))
	return s, nil
}

func (s *Store) chunkPath(handle common.ChunkHandle, version common.ChunkVersion) string {
	return filepath.Join(s.root, fmt.Sprintf(common.ChunkFileNameFormat, handle, version))
}

// Allocate opens a staging file for the chunk at version 0. It fails
// with StatusAlreadyExists when a readable chunk at the target version
// is already present.
func (s *Store) Allocate(
	fileId common.FileId,
	handle common.ChunkHandle,
	tier int,
	targetVersion common.ChunkVersion,
	beingReplicated bool,
	mustExist bool,
) (*FileHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.chunks[handle]; ok && entry.version == targetVersion {
		return nil, common.NewError(common.StatusAlreadyExists,
			"chunk %d already readable at version %d", handle, targetVersion)
	}
	if mustExist {
		if _, ok := s.chunks[handle]; !ok {
			return nil, common.NewError(common.StatusNotFound,
				"chunk %d does not exist", handle)
		}
	}
	if prev, ok := s.handles[handle]; ok {
		// An abandoned staging file from a pre-empted replication.
		prev.discardLocked()
	}
	file, err := os.OpenFile(s.chunkPath(handle, 0), os.O_CREATE|os.O_TRUNC|os.O_RDWR, common.FileMode)
	if err != nil {
		return nil, common.NewError(common.StatusIO,
			"chunk %d: open staging file: %v", handle, err)
	}
	h := &FileHandle{
		store:  s,
		fileId: fileId,
		handle: handle,
		file:   file,
	}
	s.handles[handle] = h
	return h, nil
}

// Write appends checksum-block aligned data to the staging file. The
// offset must continue the monotone append and sit on a checksum block
// boundary; only the final write of a chunk may leave the size
// unaligned. Supplied checksums are verified against the data, one per
// block.
func (s *Store) Write(h *FileHandle, offset common.Offset, data []byte, checksums []uint64) (int, error) {
	if h == nil {
		return 0, common.NewError(common.StatusCancelled, "write on retired handle")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, common.NewError(common.StatusIO, "chunk %d: write on reclaimed handle", h.handle)
	}
	if offset != h.size {
		return 0, common.NewError(common.StatusInvalid,
			"chunk %d: non-contiguous write at %d, size %d", h.handle, offset, h.size)
	}
	if offset%common.ChecksumBlockSize != 0 {
		return 0, common.NewError(common.StatusInvalid,
			"chunk %d: misaligned write offset %d", h.handle, offset)
	}
	if int64(offset)+int64(len(data)) > common.ChunkMaxSizeInByte {
		return 0, common.NewError(common.StatusInvalid,
			"chunk %d: write beyond max chunk size", h.handle)
	}
	sums := BlockChecksums(data)
	if checksums != nil {
		if len(checksums) != len(sums) {
			return 0, common.NewError(common.StatusInvalid,
				"chunk %d: %d checksums for %d blocks", h.handle, len(checksums), len(sums))
		}
		for i := range sums {
			if sums[i] != checksums[i] {
				return 0, common.NewError(common.StatusBadChecksum,
					"chunk %d: checksum mismatch in block %d at offset %d",
					h.handle, i, int(offset)+i*common.ChecksumBlockSize)
			}
		}
	}
	n, err := h.file.WriteAt(data, int64(offset))
	if err != nil {
		return n, common.NewError(common.StatusIO,
			"chunk %d: write at %d: %v", h.handle, offset, err)
	}
	h.size += common.Offset(n)
	h.checksums = append(h.checksums, sums...)
	return n, nil
}

// Finalize stamps the staging file with its real version: fsync, write
// the checksum sidecar, rename. The chunk becomes readable atomically.
func (s *Store) Finalize(h *FileHandle, version common.ChunkVersion, stable bool) error {
	if h == nil {
		return common.NewError(common.StatusCancelled, "finalize on retired handle")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return common.NewError(common.StatusIO, "chunk %d: finalize on reclaimed handle", h.handle)
	}
	if version <= 0 {
		return common.NewError(common.StatusInvalid, "chunk %d: invalid final version %d", h.handle, version)
	}
	if err := h.file.Sync(); err != nil {
		return common.NewError(common.StatusIO, "chunk %d: sync: %v", h.handle, err)
	}
	final := s.chunkPath(h.handle, version)
	if err := writeChecksumSidecar(final+".cksum", h.checksums); err != nil {
		return common.NewError(common.StatusIO, "chunk %d: checksum sidecar: %v", h.handle, err)
	}
	if err := os.Rename(s.chunkPath(h.handle, 0), final); err != nil {
		os.Remove(final + ".cksum")
		return common.NewError(common.StatusIO, "chunk %d: finalize rename: %v", h.handle, err)
	}
	h.file.Close()
	h.closed = true

	s.mu.Lock()
	s.chunks[h.handle] = chunkEntry{version: version, size: h.size}
	delete(s.handles, h.handle)
	s.mu.Unlock()
	log.Info().Msgf("chunkstore: chunk %d finalized at version %d size %d", h.handle, version, h.size)
	return nil
}

// Release reclaims the handle. A negative status discards the staging
// file; a finalized handle is already detached and this is a no-op.
func (s *Store) Release(h *FileHandle, status common.ErrorCode) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.discardLocked()
	s.mu.Lock()
	if s.handles[h.handle] == h {
		delete(s.handles, h.handle)
	}
	s.mu.Unlock()
	if status < 0 {
		log.Info().Msgf("chunkstore: chunk %d staging discarded, status %d", h.handle, status)
	}
}

func (h *FileHandle) discardLocked() {
	if h.closed {
		return
	}
	h.file.Close()
	h.closed = true
	os.Remove(h.store.chunkPath(h.handle, 0))
}

// Lookup reports the version and size of a readable chunk.
func (s *Store) Lookup(handle common.ChunkHandle) (common.ChunkVersion, common.Offset, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.chunks[handle]
	return entry.version, entry.size, ok
}

// Read returns numBytes of a readable chunk starting at offset along
// with the covering block checksums from the sidecar. With skipVerify
// unset the data is re-hashed and compared against the sidecar, and a
// divergence surfaces StatusBadChecksum. A read at an offset that is not
// checksum-block aligned returns the data without checksums and without
// verification.
func (s *Store) Read(handle common.ChunkHandle, offset common.Offset, numBytes int64, skipVerify bool) ([]byte, []uint64, error) {
	s.mu.Lock()
	entry, ok := s.chunks[handle]
	s.mu.Unlock()
	if !ok {
		return nil, nil, common.NewError(common.StatusNotFound, "chunk %d not found", handle)
	}
	if offset > entry.size {
		return nil, nil, common.NewError(common.StatusInvalid,
			"chunk %d: read at %d beyond size %d", handle, offset, entry.size)
	}
	if max := int64(entry.size - offset); numBytes > max {
		numBytes = max
	}
	path := s.chunkPath(handle, entry.version)
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, common.NewError(common.StatusIO, "chunk %d: open: %v", handle, err)
	}
	defer file.Close()
	data := make([]byte, numBytes)
	if _, err := io.ReadFull(io.NewSectionReader(file, int64(offset), numBytes), data); err != nil {
		return nil, nil, common.NewError(common.StatusIO, "chunk %d: read: %v", handle, err)
	}
	sums, err := readChecksumSidecar(path + ".cksum")
	if err != nil {
		return nil, nil, common.NewError(common.StatusIO, "chunk %d: sidecar: %v", handle, err)
	}
	first := int(offset) / common.ChecksumBlockSize
	count := (int(numBytes) + common.ChecksumBlockSize - 1) / common.ChecksumBlockSize
	if offset%common.ChecksumBlockSize != 0 {
		// Partial leading block, sums no longer cover the payload.
		return data, nil, nil
	}
	if first+count > len(sums) {
		return nil, nil, common.NewError(common.StatusIO,
			"chunk %d: sidecar covers %d blocks, need %d", handle, len(sums), first+count)
	}
	covering := sums[first : first+count]
	if !skipVerify {
		fresh := BlockChecksums(data)
		for i := range fresh {
			// The final block of the chunk may be partial; its stored sum
			// was taken over the same partial range at write time.
			if fresh[i] != covering[i] {
				return nil, nil, common.NewError(common.StatusBadChecksum,
					"chunk %d: disk verify failed in block %d", handle, first+i)
			}
		}
	}
	out := make([]uint64, count)
	copy(out, covering)
	return data, out, nil
}

func writeChecksumSidecar(path string, sums []uint64) error {
	buf := make([]byte, 8*len(sums))
	for i, sum := range sums {
		binary.BigEndian.PutUint64(buf[i*8:], sum)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, common.FileMode); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readChecksumSidecar(path string) ([]uint64, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(buf)%8 != 0 {
		return nil, fmt.Errorf("truncated checksum sidecar %s", path)
	}
	sums := make([]uint64, len(buf)/8)
	for i := range sums {
		sums[i] = binary.BigEndian.Uint64(buf[i*8:])
	}
	return sums, nil
}
