package replicator

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/caleberi/hermes-dfs/chunkstore"
	"github.com/caleberi/hermes-dfs/common"
	"github.com/caleberi/hermes-dfs/rpc_struct"
	"github.com/caleberi/hermes-dfs/rsreader"
	"github.com/caleberi/hermes-dfs/utils"
	"github.com/rs/zerolog/log"
)

type rsState int

const (
	stateNone rsState = iota
	stateStart
	stateRead
)

// rsReplicator recovers a chunk by reading the other chunks of its RS
// stripe group and recomputing the lost data. It shares the streaming
// core with direct replication but drives it through a recovery pool
// slot: state transitions marshal onto the slot loop, and the reader
// delivers completions asynchronously.
type rsReplicator struct {
	replicator

	slot     *rsSlot
	reader   *rsreader.Reader
	readSize int
	params   Parameters

	// readTail and issuedOffset are serialized by the
	// at-most-one-outstanding read discipline: they are touched only by
	// the reader completion and the slot loop, never concurrently. state
	// and the pending/in-flight flags are guarded by mu.
	readTail      []byte
	state         rsState
	pendingCancel bool
	pendingClose  bool
	readInFlight  bool
	requestId     int64
	issuedOffset  common.Offset
}

func (m *Manager) runRecovery(op *rpc_struct.ReplicateChunkOp, token, key string) {
	authFlag := token != "" && key != ""
	if authFlag {
		m.auth.update(token, key)
	}
	params := m.parameters()
	slot := m.getSlot(authFlag)
	rs := &rsReplicator{
		slot:      slot,
		readSize:  m.recoveryReadSize(op, params),
		params:    params,
		requestId: m.nextRequestId(),
	}
	rs.init(m, op, nil, rs)
	rs.recovery = true
	readerCfg := params.RSReader
	rs.reader = rsreader.NewReader(slot.meta, rs, readerCfg, op.ChunkHandle)
	go rs.run()
}

func (rs *rsReplicator) run() {
	if !rs.mgr.register(rs.self) {
		rs.finish(common.StatusCancelled)
		return
	}
	required := int64(rs.readSize) * int64(rs.op.NumStripes+1)
	if !rs.admit(required) {
		return
	}
	loc := common.ServerLocation{Host: rs.mgr.metaHost, Port: rs.op.Location.Port}
	if !loc.IsValid() {
		rs.op.StatusMsg = fmt.Sprintf("invalid meta server location: %s or authentication", loc)
		rs.finish(common.StatusInvalid)
		return
	}
	rs.enqueue(stateStart)
}

// Cancel flags the pending cancel and funnels it through the slot loop
// so it cannot interleave with a state handler.
func (rs *rsReplicator) Cancel() {
	rs.mu.Lock()
	if rs.pendingCancel {
		rs.mu.Unlock()
		return
	}
	rs.pendingCancel = true
	rs.mu.Unlock()
	rs.replicator.Cancel()
	rs.slot.post(rs.handleCancel)
}

// enqueue marshals a state transition onto the slot loop. Only one
// transition may be in flight; re-enqueueing the same state is legal
// solely while a cancel is pending.
func (rs *rsReplicator) enqueue(s rsState) {
	rs.mu.Lock()
	if rs.pendingCancel {
		if rs.state != s {
			rs.mu.Unlock()
			common.Die("recovery: invalid cancel enqueue")
			return
		}
	} else if rs.state != stateNone {
		from, to := rs.state, s
		rs.mu.Unlock()
		common.Die("recovery: invalid state transition from %d to %d", from, to)
		return
	} else {
		rs.state = s
	}
	rs.mu.Unlock()
	rs.slot.post(rs.handleState)
}

func (rs *rsReplicator) handleState() {
	rs.mu.Lock()
	cancelPending := rs.pendingCancel
	s := rs.state
	rs.mu.Unlock()
	if cancelPending {
		rs.handleCancel()
		return
	}
	switch s {
	case stateStart:
		rs.handleStart()
	case stateRead:
		rs.issueRead()
	default:
		common.Die("recovery: invalid state %d", s)
	}
}

func (rs *rsReplicator) handleCancel() {
	rs.reader.Shutdown()
	rs.finish(common.StatusCancelled)
}

// handleStart refreshes the slot's credentials when the shared block
// has rotated, points the metadata client at the op's server and opens
// the reader session.
func (rs *rsReplicator) handleStart() {
	m := rs.mgr
	if rs.slot.auth {
		m.auth.mu.Lock()
		if rs.slot.authUpdateCount != m.auth.updateCount {
			log.Debug().Msgf("recovery: updating authentication context, update count: %d / %d",
				rs.slot.authUpdateCount, m.auth.updateCount)
			rs.slot.meta.SetAuth(m.auth.keyId, m.auth.key)
			rs.slot.authUpdateCount = m.auth.updateCount
		}
		m.auth.mu.Unlock()
	}

	var err error
	loc := common.ServerLocation{Host: m.metaHost, Port: rs.op.Location.Port}
	if !rs.slot.meta.SetServer(loc) {
		err = common.NewError(common.StatusHostUnreachable,
			"unable to set meta server location %s", loc)
	}
	if err == nil {
		err = rs.reader.Open(
			rs.op.FileId,
			rs.op.PathName,
			rs.op.FileSize,
			rs.op.StriperType,
			rs.op.StripeSize,
			rs.op.NumStripes,
			rs.op.NumRecoveryStripes,
			rs.op.ChunkOffset,
			true)
	}
	rs.completeStart(err)
}

func (rs *rsReplicator) completeStart(err error) {
	rs.mu.Lock()
	if rs.pendingCancel {
		rs.mu.Unlock()
		return
	}
	rs.state = stateNone
	rs.mu.Unlock()
	if rs.isCancelled() {
		rs.finish(common.StatusCancelled)
		return
	}
	if err != nil {
		log.Info().Msgf("recovery: chunk %d: open failed: %v", rs.chunk(), err)
		if rs.op.StatusMsg == "" {
			rs.op.StatusMsg = err.Error()
		}
		rs.finish(common.CodeOf(err))
		return
	}
	// The recovered size is only discovered at end of chunk; until then
	// assume a full chunk.
	rs.chunkSize = common.ChunkMaxSizeInByte
	if !rs.allocate() {
		return
	}
	log.Info().Msgf("recovery: chunk %d: starting, read size %d", rs.chunk(), rs.readSize)
	rs.nextRead()
}

// nextRead either finishes the stream or schedules the next reader
// round through the slot.
func (rs *rsReplicator) nextRead() {
	if int64(rs.offset) >= rs.chunkSize {
		rs.done = int64(rs.offset) == rs.chunkSize
		if rs.done {
			log.Info().Msgf("recovery: chunk %d: done, position: %d size: %d",
				rs.chunk(), rs.offset, rs.chunkSize)
			rs.terminate(common.StatusOK)
		} else {
			log.Error().Msgf("recovery: chunk %d: failed, position: %d size: %d",
				rs.chunk(), rs.offset, rs.chunkSize)
			rs.terminate(common.StatusIO)
		}
		return
	}
	rs.enqueue(stateRead)
}

// issueRead starts one reader round past the carried tail. The tail
// bytes were already fetched, so the reader cursor runs ahead of the
// write offset by the tail length.
func (rs *rsReplicator) issueRead() {
	rs.mu.Lock()
	rs.readInFlight = true
	rs.mu.Unlock()
	rs.issuedOffset = rs.offset + common.Offset(len(rs.readTail))
	err := rs.reader.Read(rs.requestId, rs.issuedOffset, rs.readSize)
	if err != nil {
		rs.mu.Lock()
		inFlight := rs.readInFlight
		rs.readInFlight = false
		rs.state = stateNone
		rs.mu.Unlock()
		if inFlight {
			rs.slot.post(func() { rs.completeRead(common.CodeOf(err), nil, nil) })
		}
	}
}

// Done is the reader completion upcall. It aligns the accumulated
// bytes on checksum blocks, detects end of chunk, and marshals the
// write back onto the slot loop.
func (rs *rsReplicator) Done(status common.ErrorCode, absOffset common.Offset, size int64, buf []byte, requestId int64) {
	rs.mu.Lock()
	if rs.pendingClose {
		if !rs.reader.IsActive() {
			log.Debug().Msgf("recovery: chunk %d: chunk reader closed", rs.chunk())
			rs.pendingClose = false
		}
		rs.mu.Unlock()
		return
	}
	if rs.pendingCancel || rs.finished {
		rs.mu.Unlock()
		return
	}
	if buf == nil && status >= 0 {
		// Close acknowledgement without a pending close.
		rs.mu.Unlock()
		return
	}
	if !rs.readInFlight {
		rs.mu.Unlock()
		return
	}
	rs.readInFlight = false
	rs.mu.Unlock()

	if requestId != rs.requestId || absOffset < 0 || size > int64(rs.readSize) {
		common.Die("recovery: invalid read completion for chunk %d", rs.chunk())
	}

	readOk := status >= 0
	pendingSize := len(rs.readTail) + len(buf)
	var writeData []byte
	var writeSums []uint64
	if readOk {
		if rs.params.MaxRecoverChunkSize < int64(rs.offset)+int64(pendingSize) {
			common.Die("recovery: file %d chunk %d pos %d + %d rdsize %d exceeds %d",
				rs.op.FileId, rs.chunk(), rs.offset, len(rs.readTail), len(buf),
				rs.params.MaxRecoverChunkSize)
		}
		if rs.op.ChunkOffset+rs.issuedOffset != absOffset {
			common.Die("recovery: invalid read completion offset for chunk %d", rs.chunk())
		}
		endOfChunk := len(buf) < rs.readSize ||
			int64(rs.offset)+int64(len(rs.readTail))+int64(rs.readSize) >= rs.chunkSize
		if endOfChunk {
			writeData = concat(rs.readTail, buf)
			rs.readTail = nil
			rs.chunkSize = int64(rs.offset) + int64(len(writeData))
			rs.reader.Close()
			if rs.reader.IsActive() {
				rs.mu.Lock()
				rs.pendingClose = true
				rs.mu.Unlock()
			}
		} else {
			combined := concat(rs.readTail, buf)
			nmv := len(combined) / common.ChecksumBlockSize * common.ChecksumBlockSize
			if nmv <= 0 {
				// Still short of one checksum block: extend the tail with
				// another read rather than submitting a sub-block write.
				rs.readTail = combined
				rs.issueRead()
				return
			}
			writeData = combined[:nmv]
			rs.readTail = append([]byte(nil), combined[nmv:]...)
		}
		if len(writeData) > 0 &&
			rs.offset%common.ChecksumBlockSize == 0 &&
			len(writeData)%common.ChecksumBlockSize == 0 {
			writeSums = chunkstore.BlockChecksums(writeData)
		}
	}
	if !readOk && len(buf) > 0 {
		rs.reportInvalidStripes(status, buf)
	}

	rs.mu.Lock()
	rs.state = stateNone
	rs.mu.Unlock()
	data, sums := writeData, writeSums
	rs.slot.post(func() { rs.completeRead(status, data, sums) })
}

func (rs *rsReplicator) completeRead(status common.ErrorCode, data []byte, sums []uint64) {
	if rs.isCancelled() {
		rs.finish(common.StatusCancelled)
		return
	}
	if status < 0 {
		rs.terminate(status)
		return
	}
	if len(data) > 0 {
		n, err := rs.mgr.store.Write(rs.handle(), rs.offset, data, sums)
		if err != nil {
			log.Error().Msgf("recovery: chunk %d: write failed: %v", rs.chunk(), err)
			rs.terminate(common.CodeOf(err))
			return
		}
		rs.offset += common.Offset(n)
	}
	rs.nextRead()
}

// reportInvalidStripes records the reader's unrecoverable stripes on
// the op as space-separated "idx chunkId version" triples for operator
// diagnosis.
func (rs *rsReplicator) reportInvalidStripes(status common.ErrorCode, buf []byte) {
	stripes, ok := rsreader.DecodeInvalidStripes(buf)
	ns := rs.op.NumStripes + rs.op.NumRecoveryStripes
	if !ok || len(stripes) > ns {
		common.Die("recovery: completion: invalid number of bad stripes")
		return
	}
	parts := make([]string, 0, len(stripes)*3)
	for _, s := range stripes {
		if s.StripeIdx < 0 || int(s.StripeIdx) >= ns {
			common.Die("recovery: completion: invalid bad stripe index")
			return
		}
		parts = append(parts,
			strconv.FormatInt(int64(s.StripeIdx), 10),
			strconv.FormatInt(s.Handle, 10),
			strconv.FormatInt(s.Version, 10))
	}
	rs.op.InvalidStripeIdx = strings.Join(parts, " ")
	if len(stripes) > 0 {
		log.Error().Msgf("recovery: status: %d invalid stripes: %s file size: %d",
			status, rs.op.InvalidStripeIdx, rs.op.FileSize)
		if rs.params.PanicOnInvalidChunk && rs.op.FileSize > 0 {
			common.Die("recovery: invalid chunk(s) detected: %s", rs.op.InvalidStripeIdx)
		}
	}
}

// recoveryReadSize picks the per-round byte count: a multiple of the
// I/O buffer unit and the checksum block, aligned with the stripe size
// when that fits under the per-stripe buffer budget.
func (m *Manager) recoveryReadSize(op *rpc_struct.ReplicateChunkOp, params Parameters) int {
	blk := common.ChecksumBlockSize
	quota := m.bufMgr.MaxClientQuota() / int64(max(1, op.NumStripes+1))
	size := int(quota / int64(blk) * int64(blk))
	if size > params.MaxReadSize {
		size = params.MaxReadSize
	}
	if size < blk {
		size = blk
	}
	if size <= op.StripeSize {
		log.Debug().Msgf("recovery: large stripe: %d read size: %d", op.StripeSize, size)
		return size
	}
	lcm := utils.Lcm(blk, op.StripeSize)
	if lcm > size {
		lcm = utils.Lcm(common.IOBufferSize, op.StripeSize)
		if lcm > size {
			log.Warn().Msgf("recovery: invalid read parameters: max read size: %d io buffer size: %d stripe size: %d set read size: %d",
				params.MaxReadSize, common.IOBufferSize, op.StripeSize, lcm)
			return lcm
		}
	}
	return size / lcm * lcm
}

func concat(a, b []byte) []byte {
	out := make([]byte, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}
