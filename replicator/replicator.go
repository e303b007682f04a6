package replicator

import (
	"sync"

	"github.com/caleberi/hermes-dfs/bufferpool"
	"github.com/caleberi/hermes-dfs/chunkstore"
	"github.com/caleberi/hermes-dfs/common"
	"github.com/caleberi/hermes-dfs/rpc_struct"
	"github.com/rs/zerolog/log"
)

// Replicating a chunk is three steps: learn the chunk size from the
// source, stream read/write rounds into a staging file, then finalize
// and answer the metadata server. While it streams, the chunk stays at
// version 0 on disk so a crash leaves a dirty file the store sweeps on
// restart instead of a half-readable replica.
type replicator struct {
	mgr  *Manager
	op   *rpc_struct.ReplicateChunkOp
	peer Peer // nil in recovery mode
	// self is the registry identity: the outer recovery replicator when
	// this core is embedded, otherwise the replicator itself.
	self inflightEntry

	mu         sync.Mutex
	cancelled  bool
	finished   bool
	fileHandle *chunkstore.FileHandle

	cancelCh chan struct{}
	grantCh  chan int64

	recovery     bool
	chunkVersion common.ChunkVersion
	chunkSize    int64
	offset       common.Offset
	done         bool
	bufBytes     int64
	skipVerify   bool
}

// chunkHeaderBytes is the floor of every buffer reservation; even a
// zero-length chunk needs header-sized scratch space.
const chunkHeaderBytes = 16 << 10

func newReplicator(m *Manager, op *rpc_struct.ReplicateChunkOp, peer Peer) *replicator {
	r := &replicator{}
	r.init(m, op, peer, r)
	return r
}

func (r *replicator) init(m *Manager, op *rpc_struct.ReplicateChunkOp, peer Peer, self inflightEntry) {
	r.mgr = m
	r.op = op
	r.peer = peer
	r.self = self
	r.cancelCh = make(chan struct{})
	r.grantCh = make(chan int64, 1)
	r.chunkVersion = op.ChunkVersion
	r.skipVerify = m.parameters().ReadSkipDiskVerify
	m.counters.replicator.Add(1)
}

func (r *replicator) chunk() common.ChunkHandle { return r.op.ChunkHandle }

func (r *replicator) effectiveTargetVersion() common.ChunkVersion {
	if r.op.TargetVersion >= 0 {
		return r.op.TargetVersion
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.chunkVersion
}

// finalVersion is the version the finalized replica carries.
func (r *replicator) finalVersion() common.ChunkVersion {
	if r.op.TargetVersion >= 0 {
		return r.op.TargetVersion
	}
	return r.chunkVersion
}

func (r *replicator) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

func (r *replicator) peerName() string {
	if r.peer != nil {
		return r.peer.Location().String()
	}
	return "none"
}

// Cancel is edge-triggered: it flags the replicator, discards the
// staging file right away and wakes a buffer-grant wait. The in-flight
// completion, if any, observes the flag and converts to Cancelled.
func (r *replicator) Cancel() {
	r.mu.Lock()
	if r.cancelled || r.finished {
		r.mu.Unlock()
		return
	}
	r.cancelled = true
	h := r.fileHandle
	r.fileHandle = nil
	close(r.cancelCh)
	r.mu.Unlock()

	if h != nil {
		r.mgr.store.Release(h, common.StatusCancelled)
	}
	r.mgr.bufMgr.CancelRequest(r)
}

func (r *replicator) run() {
	if !r.mgr.register(r.self) {
		r.finish(common.StatusCancelled)
		return
	}
	if !r.admit(int64(common.DefaultReplicationReadSize)) {
		return
	}
	r.start()
}

// admit reserves buffer bytes before any I/O. Queued reservations wait
// for the Granted upcall; cancellation during the wait removes the
// queue entry and terminates.
func (r *replicator) admit(required int64) bool {
	bytes := required
	if bytes < chunkHeaderBytes {
		bytes = chunkHeaderBytes
	}
	if r.mgr.bufMgr.IsOverQuota(bytes) {
		log.Error().Msgf("replication: chunk %d peer %s: %d bytes over buffer quota %d",
			r.chunk(), r.peerName(), bytes, r.mgr.bufMgr.MaxClientQuota())
		r.finish(common.StatusOutOfMemory)
		return false
	}
	switch r.mgr.bufMgr.RequestForIo(r, bytes) {
	case bufferpool.Granted:
		r.bufBytes = bytes
		return true
	case bufferpool.OverQuota:
		r.finish(common.StatusOutOfMemory)
		return false
	default:
		log.Info().Msgf("replication: chunk %d peer %s: waiting for %d buffer bytes",
			r.chunk(), r.peerName(), bytes)
	}
	select {
	case granted := <-r.grantCh:
		r.bufBytes = granted
		if r.isCancelled() {
			r.finish(common.StatusCancelled)
			return false
		}
		log.Info().Msgf("replication: chunk %d peer %s: granted %d buffer bytes",
			r.chunk(), r.peerName(), granted)
		return true
	case <-r.cancelCh:
		r.mgr.bufMgr.CancelRequest(r)
		r.finish(common.StatusCancelled)
		return false
	}
}

// Granted is the bufferpool upcall. A grant that arrives after
// cancellation goes straight back to the pool.
func (r *replicator) Granted(bytes int64) {
	if r.isCancelled() {
		r.mgr.bufMgr.Release(bytes)
		return
	}
	select {
	case r.grantCh <- bytes:
	default:
		r.mgr.bufMgr.Release(bytes)
	}
}

// start runs the size probe and opens the staging file.
func (r *replicator) start() {
	meta, err := r.peer.GetChunkMetadata(rpc_struct.GetChunkMetadataArgs{
		Handle:      r.chunk(),
		ReadVerify:  false,
		ChunkAccess: r.peer.Access(),
	})
	if r.isCancelled() {
		r.finish(common.StatusCancelled)
		return
	}
	if err != nil {
		log.Info().Msgf("replication: chunk %d peer %s: get chunk meta data failed: %v",
			r.chunk(), r.peerName(), err)
		r.finish(common.CodeOf(err))
		return
	}
	if meta.ErrorCode < 0 {
		log.Info().Msgf("replication: chunk %d peer %s: get chunk meta data failed: %s status: %d",
			r.chunk(), r.peerName(), meta.StatusMsg, meta.ErrorCode)
		r.finish(meta.ErrorCode)
		return
	}
	r.chunkSize = meta.ChunkSize
	r.mu.Lock()
	r.chunkVersion = meta.ChunkVersion
	r.mu.Unlock()
	if r.chunkSize < 0 || r.chunkSize > common.ChunkMaxSizeInByte {
		log.Info().Msgf("replication: chunk %d: invalid chunk size: %d", r.chunk(), r.chunkSize)
		r.finish(common.StatusInvalid)
		return
	}
	if !r.allocate() {
		return
	}
	log.Info().Msgf("replication: chunk %d peer %s: starting, size: %d",
		r.chunk(), r.peerName(), r.chunkSize)
	r.readLoop()
}

// allocate opens the staging file at version 0, the dirty marker.
func (r *replicator) allocate() bool {
	h, err := r.mgr.store.Allocate(
		r.op.FileId, r.op.ChunkHandle, r.op.MinStorageTier,
		r.finalVersion(), true, false)
	if err != nil {
		code := common.CodeOf(err)
		if code == common.StatusAlreadyExists {
			r.op.StatusMsg = "readable chunk with target version already exists"
		}
		r.finish(code)
		return false
	}
	r.mu.Lock()
	if r.cancelled {
		r.mu.Unlock()
		r.mgr.store.Release(h, common.StatusCancelled)
		r.finish(common.StatusCancelled)
		return false
	}
	r.fileHandle = h
	r.mu.Unlock()
	return true
}

func (r *replicator) handle() *chunkstore.FileHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fileHandle
}

// readLoop streams the chunk in DefaultReplicationReadSize rounds.
// Reads are issued at strictly ascending, checksum-block aligned
// offsets; only the final write may leave the size unaligned.
func (r *replicator) readLoop() {
	skip := r.skipVerify
	for {
		if r.isCancelled() {
			r.finish(common.StatusCancelled)
			return
		}
		if int64(r.offset) >= r.chunkSize {
			r.done = int64(r.offset) == r.chunkSize
			if r.done {
				log.Info().Msgf("replication: chunk %d peer %s: done, position: %d size: %d",
					r.chunk(), r.peerName(), r.offset, r.chunkSize)
			} else {
				log.Error().Msgf("replication: chunk %d peer %s: failed, position: %d size: %d",
					r.chunk(), r.peerName(), r.offset, r.chunkSize)
			}
			r.terminate(common.StatusOK)
			return
		}
		numBytes := r.chunkSize - int64(r.offset)
		if numBytes > common.DefaultReplicationReadSize {
			numBytes = common.DefaultReplicationReadSize
		}
		skipThis := skip && r.offset%common.ChecksumBlockSize == 0
		reply, err := r.peer.Read(rpc_struct.ReadChunkArgs{
			Handle:                 r.chunk(),
			Version:                r.chunkVersion,
			Offset:                 r.offset,
			NumBytes:               numBytes,
			SkipVerifyDiskChecksum: skipThis,
			ChunkAccess:            r.peer.Access(),
		})
		if r.isCancelled() {
			r.finish(common.StatusCancelled)
			return
		}
		code := common.StatusOK
		if err != nil {
			code = common.CodeOf(err)
		} else if reply.ErrorCode < 0 {
			code = reply.ErrorCode
		}
		if code < 0 {
			log.Info().Msgf("replication: chunk %d peer %s: read failed, error: %d",
				r.chunk(), r.peerName(), code)
			if skipThis && code == common.StatusBadChecksum {
				log.Info().Msgf("replication: chunk %d peer %s: retrying read at offset %d with disk checksum verify",
					r.chunk(), r.peerName(), r.offset)
				skip = false
				continue
			}
			r.terminate(code)
			return
		}
		numRd := len(reply.Data)
		if int64(numRd) < numBytes && int64(r.offset)+int64(numRd) < r.chunkSize {
			log.Error().Msgf("replication: chunk %d peer %s: short read, got: %d expected: %d",
				r.chunk(), r.peerName(), numRd, numBytes)
			r.terminate(common.StatusInvalid)
			return
		}
		if r.offset%common.ChecksumBlockSize != 0 ||
			(len(reply.Checksums) != 0 &&
				len(reply.Checksums) != (numRd+common.ChecksumBlockSize-1)/common.ChecksumBlockSize) {
			common.Die("replicator: invalid read completion for chunk %d", r.chunk())
		}
		if !r.writeAll(reply.Data, reply.Checksums) {
			return
		}
	}
}

// writeAll submits the read to the store, splitting off the unaligned
// tail so every write except the chunk's last lands on checksum block
// boundaries. The retained tail is written as its own round, mirroring
// a synthetic read completion.
func (r *replicator) writeAll(data []byte, checksums []uint64) bool {
	numRd := len(data)
	writeData, writeSums := data, checksums
	var tailData []byte
	var tailSums []uint64
	if numRd > common.ChecksumBlockSize && numRd%common.ChecksumBlockSize != 0 {
		if int64(r.offset)+int64(numRd) != r.chunkSize {
			common.Die("replicator: chunk %d: unaligned read short of chunk end", r.chunk())
		}
		aligned := numRd - numRd%common.ChecksumBlockSize
		tailData = data[aligned:]
		writeData = data[:aligned]
		if len(checksums) > 0 {
			tailSums = checksums[len(checksums)-1:]
			writeSums = checksums[:len(checksums)-1]
		}
	}
	for _, part := range []struct {
		data []byte
		sums []uint64
	}{{writeData, writeSums}, {tailData, tailSums}} {
		if len(part.data) == 0 {
			continue
		}
		n, err := r.mgr.store.Write(r.handle(), r.offset, part.data, part.sums)
		if err != nil {
			log.Error().Msgf("replication: chunk %d peer %s: write failed: %v",
				r.chunk(), r.peerName(), err)
			r.terminate(common.CodeOf(err))
			return false
		}
		r.offset += common.Offset(n)
		if r.isCancelled() {
			r.finish(common.StatusCancelled)
			return false
		}
	}
	return true
}

// terminate finalizes a completed chunk or passes the failure through
// to finish.
func (r *replicator) terminate(status common.ErrorCode) {
	if r.done && !r.isCancelled() {
		log.Info().Msgf("replication: chunk %d version %d peer %s: finished",
			r.chunk(), r.finalVersion(), r.peerName())
		if err := r.mgr.store.Finalize(r.handle(), r.finalVersion(), true); err != nil {
			r.done = false
			r.finish(common.CodeOf(err))
			return
		}
		r.finish(common.StatusOK)
		return
	}
	if status >= 0 {
		status = common.StatusIO
	}
	r.finish(status)
}

// finish is the single exit: release resources, account the outcome,
// answer the metadata server exactly once.
func (r *replicator) finish(status common.ErrorCode) {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	r.finished = true
	cancelled := r.cancelled
	h := r.fileHandle
	r.fileHandle = nil
	r.mu.Unlock()

	if h != nil {
		r.mgr.store.Release(h, status)
	}
	if r.bufBytes > 0 {
		r.mgr.bufMgr.Release(r.bufBytes)
		r.bufBytes = 0
	}
	select {
	case late := <-r.grantCh:
		r.mgr.bufMgr.Release(late)
	default:
	}

	op := r.op
	if status >= 0 {
		op.Status = common.StatusOK
	} else {
		op.Status = status
	}
	if cancelled && op.Status >= 0 {
		op.Status = common.StatusCancelled
	}
	prefix := "replication"
	if r.recovery {
		prefix = "recovery"
	}
	if cancelled || op.Status < 0 {
		op.ChunkVersion = -1
		outcome := "failed"
		if cancelled {
			outcome = "cancelled"
		}
		log.Error().Msgf("%s: chunk %d peer %s: %s status: %d",
			prefix, r.chunk(), r.peerName(), outcome, op.Status)
	} else {
		op.ChunkVersion = r.finalVersion()
		log.Info().Msgf("%s: chunk %d version %d size %d: complete",
			prefix, r.chunk(), op.ChunkVersion, r.chunkSize)
	}

	if op.Status < 0 || cancelled {
		if op.SourceLocation.IsValid() {
			if cancelled {
				r.mgr.counters.replicationCanceled.Add(1)
			} else {
				r.mgr.counters.replicationError.Add(1)
			}
		} else {
			if cancelled {
				r.mgr.counters.recoveryCanceled.Add(1)
			} else {
				r.mgr.counters.recoveryError.Add(1)
			}
		}
	}

	r.mgr.unregister(r.self)
	r.mgr.counters.replicator.Add(-1)
	if r.peer != nil {
		r.peer.Close()
	}
	r.mgr.sink.SubmitOpResponse(op)
}
