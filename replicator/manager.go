package replicator

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/caleberi/hermes-dfs/bufferpool"
	"github.com/caleberi/hermes-dfs/chunkstore"
	"github.com/caleberi/hermes-dfs/common"
	"github.com/caleberi/hermes-dfs/rpc_struct"
	"github.com/caleberi/hermes-dfs/rsreader"
	"github.com/caleberi/hermes-dfs/shared"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// ResponseSink receives completed ops on their way back to the
// metadata server session.
type ResponseSink interface {
	SubmitOpResponse(op *rpc_struct.ReplicateChunkOp)
}

// inflightEntry is the registry's view of a live replicator.
type inflightEntry interface {
	chunk() common.ChunkHandle
	effectiveTargetVersion() common.ChunkVersion
	Cancel()
	isCancelled() bool
}

// Options wires the engine's process-wide collaborators.
type Options struct {
	Store   *chunkstore.Store
	Buffers *bufferpool.Manager
	Sink    ResponseSink
	// MetaHost is the metadata server host the recovery clients dial;
	// each op supplies the port.
	MetaHost string
	// WorkerThreads is the number of dedicated recovery loops beyond
	// the shared slot 0.
	WorkerThreads int
}

// Manager is the process-wide replication engine: it indexes in-flight
// replications by chunk, owns the recovery client pool and the shared
// peer connection pool, and accounts all outcomes.
type Manager struct {
	store    *chunkstore.Store
	bufMgr   *bufferpool.Manager
	sink     ResponseSink
	pool     *shared.ConnPool
	metaHost string
	workers  int

	mu       sync.Mutex
	inflight map[common.ChunkHandle]inflightEntry

	counters counters

	paramsMu sync.Mutex
	params   Parameters

	auth authParams

	slotMu      sync.Mutex
	slots       []*rsSlot
	authSlots   []*rsSlot
	lastSlotIdx int

	reqId atomic.Int64
}

func NewManager(opts Options) *Manager {
	if opts.WorkerThreads < 0 {
		opts.WorkerThreads = 0
	}
	return &Manager{
		store:       opts.Store,
		bufMgr:      opts.Buffers,
		sink:        opts.Sink,
		pool:        shared.NewConnPool(),
		metaHost:    opts.MetaHost,
		workers:     opts.WorkerThreads,
		inflight:    make(map[common.ChunkHandle]inflightEntry),
		params:      DefaultParameters(),
		lastSlotIdx: -1,
	}
}

// RegisterMetrics exposes the engine counters on a prometheus
// registry.
func (m *Manager) RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(newCollector(&m.counters))
}

// Count reports the number of live replications.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inflight)
}

// GetCounters snapshots the replication statistics.
func (m *Manager) GetCounters() Counters {
	return m.counters.snapshot()
}

// register installs r as the chunk's only replicator. An existing
// entry is cancelled first and r re-inserted unconditionally: the
// cancelled replicator may tear itself down synchronously and clear
// the slot on its way out. The return value is false when r itself was
// cancelled during the takeover race.
func (m *Manager) register(r inflightEntry) bool {
	chunkId := r.chunk()
	m.mu.Lock()
	other, exists := m.inflight[chunkId]
	if exists && other == r {
		m.mu.Unlock()
		common.Die("replication: attempt to restart replication of chunk %d", chunkId)
		return false
	}
	m.inflight[chunkId] = r
	m.mu.Unlock()

	if exists && other != nil {
		log.Info().Msgf("replication: chunk %d pre-empted, restarting", chunkId)
		other.Cancel()
		m.mu.Lock()
		m.inflight[chunkId] = r
		m.mu.Unlock()
	}
	return !r.isCancelled()
}

// unregister clears the chunk's slot when it still points at r.
func (m *Manager) unregister(r inflightEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inflight[r.chunk()] == r {
		delete(m.inflight, r.chunk())
	}
}

// Cancel cancels the chunk's live replication when its effective
// target version matches. A negative targetVersion matches any.
func (m *Manager) Cancel(chunkId common.ChunkHandle, targetVersion common.ChunkVersion) bool {
	m.mu.Lock()
	entry, ok := m.inflight[chunkId]
	if !ok || entry == nil ||
		(targetVersion >= 0 && entry.effectiveTargetVersion() != targetVersion) {
		m.mu.Unlock()
		return false
	}
	delete(m.inflight, chunkId)
	m.mu.Unlock()
	entry.Cancel()
	return true
}

// CancelAll cancels every replication in flight. Registrations that
// race in during the sweep keep running.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	sweep := m.inflight
	m.inflight = make(map[common.ChunkHandle]inflightEntry)
	m.mu.Unlock()
	for _, entry := range sweep {
		if entry != nil {
			entry.Cancel()
		}
	}
}

// Shutdown cancels everything and drains the shared peer sessions.
func (m *Manager) Shutdown() {
	m.CancelAll()
	m.pool.Shutdown()
}

// Run accepts one ReplicateChunkOp, routing to direct replication when
// the source location is valid and to RS recovery otherwise. Requests
// that fail validation are answered without creating a replicator.
func (m *Manager) Run(op *rpc_struct.ReplicateChunkOp) {
	token, key, ok := parseAccess(op.ChunkServerAccess)
	if !ok {
		op.Status = common.StatusInvalid
		op.StatusMsg = "malformed chunk access header value"
		op.ChunkVersion = -1
		if op.SourceLocation.IsValid() {
			m.counters.replicationError.Add(1)
		} else {
			m.counters.recoveryError.Add(1)
		}
		log.Error().Msgf("replication: chunk %d: %s", op.ChunkHandle, op.StatusMsg)
		m.sink.SubmitOpResponse(op)
		return
	}

	if op.SourceLocation.IsValid() {
		m.counters.replication.Add(1)
		m.runDirect(op, token, key)
		return
	}

	m.counters.recovery.Add(1)
	if op.ChunkOffset < 0 ||
		op.ChunkOffset%common.ChunkMaxSizeInByte != 0 ||
		op.StriperType != common.StriperRS ||
		op.NumStripes <= 0 ||
		op.NumRecoveryStripes <= 0 ||
		op.StripeSize < common.MinStripeSize ||
		op.StripeSize > common.MaxStripeSize ||
		common.ChunkMaxSizeInByte%op.StripeSize != 0 ||
		op.StripeSize%common.StripeAlignment != 0 ||
		op.Location.Port <= 0 {
		op.Status = common.StatusInvalid
		op.StatusMsg = "invalid recovery request parameters"
		op.ChunkVersion = -1
		m.counters.recoveryError.Add(1)
		log.Error().Msgf("recovery: chunk %d: invalid request", op.ChunkHandle)
		m.sink.SubmitOpResponse(op)
		return
	}
	m.runRecovery(op, token, key)
}

func (m *Manager) runDirect(op *rpc_struct.ReplicateChunkOp, token, key string) {
	params := m.parameters()
	var session *shared.RemoteSync
	var err error
	if params.UseConnectionPool {
		session, err = m.pool.Find(
			op.SourceLocation, token, key, op.AllowClearText, params.RSReader.OpTimeout)
	} else {
		session, err = shared.NewRemoteSync(
			op.SourceLocation, token, key, op.AllowClearText, params.RSReader.OpTimeout)
	}
	if err != nil {
		log.Error().Msgf("replication: chunk %d: unable to find peer %s: %v",
			op.ChunkHandle, op.SourceLocation, err)
		op.Status = common.StatusHostUnreachable
		op.StatusMsg = fmt.Sprintf("unable to reach peer %s", op.SourceLocation)
		op.ChunkVersion = -1
		m.counters.replicationError.Add(1)
		m.sink.SubmitOpResponse(op)
		return
	}
	r := newReplicator(m, op, &remoteSyncPeer{session: session})
	go r.run()
}

// parseAccess splits the chunk server access header into its token and
// key. Both must be present or both absent.
func parseAccess(access string) (token, key string, ok bool) {
	fields := strings.Fields(access)
	switch {
	case len(fields) == 0:
		return "", "", true
	case len(fields) >= 2:
		return fields[0], fields[1], true
	default:
		return "", "", false
	}
}

// rsSlot is one recovery pool slot: a metadata client plus the serial
// loop that owns it. Only the slot loop mutates the client, so state
// transitions marshalled here need no further locking against each
// other.
type rsSlot struct {
	name            string
	auth            bool
	mu              sync.Mutex
	meta            *rsreader.MetaClient
	authUpdateCount uint64
	work            chan func()
}

func (s *rsSlot) post(fn func()) {
	s.work <- fn
}

func (s *rsSlot) loop() {
	for fn := range s.work {
		fn()
	}
}

// getSlot picks a recovery slot round-robin. The first call takes slot
// 0; later calls cycle over slots 1 up to
// min(maxRecoveryThreads, workers+1)-1, stay on slot 1 when that bound
// leaves no other, and stay on slot 0 when there are no worker slots or
// maxRecoveryThreads is not positive. Every slot runs its own serial
// loop; authenticated and unauthenticated pools are disjoint.
func (m *Manager) getSlot(auth bool) *rsSlot {
	params := m.parameters()
	m.slotMu.Lock()
	defer m.slotMu.Unlock()
	maxCount := m.workers + 1
	if m.slots == nil {
		m.slots = m.makeSlots(maxCount, false, params)
		m.authSlots = m.makeSlots(maxCount, true, params)
	}
	m.lastSlotIdx++
	if min(params.MaxRecoveryThreads, maxCount) <= m.lastSlotIdx {
		if maxCount <= 1 || params.MaxRecoveryThreads <= 0 {
			m.lastSlotIdx = 0
		} else {
			m.lastSlotIdx = 1
		}
	}
	if auth {
		return m.authSlots[m.lastSlotIdx]
	}
	return m.slots[m.lastSlotIdx]
}

func (m *Manager) makeSlots(count int, auth bool, params Parameters) []*rsSlot {
	slots := make([]*rsSlot, count)
	for i := range slots {
		name := fmt.Sprintf("RSR%d", i)
		if auth {
			name = fmt.Sprintf("RSRA%d", i)
		}
		slots[i] = &rsSlot{
			name: name,
			auth: auth,
			meta: rsreader.NewMetaClient(name, params.RSReaderMeta),
			work: make(chan func(), 16),
		}
		go slots[i].loop()
	}
	return slots
}

func (m *Manager) nextRequestId() int64 {
	return m.reqId.Add(1)
}
