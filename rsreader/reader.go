package rsreader

import (
	"fmt"
	"sync"
	"time"

	"github.com/caleberi/hermes-dfs/common"
	"github.com/caleberi/hermes-dfs/rpc_struct"
	"github.com/caleberi/hermes-dfs/shared"
	"github.com/google/uuid"
	"github.com/klauspost/reedsolomon"
	"github.com/rs/zerolog/log"
)

// Completion receives read results. The offset reported is absolute
// within the logical file. On unrecoverable stripe errors the buffer is
// non-nil and carries invalid stripe triples (EncodeInvalidStripes)
// together with a negative status. The reader stays active after Close
// until it delivers a final Done with a nil buffer.
type Completion interface {
	Done(status common.ErrorCode, offset common.Offset, size int64, buf []byte, requestId int64)
}

// Config mirrors the chunkServer.rsReader.* tuning keys.
type Config struct {
	MaxRetryCount      int
	TimeBetweenRetries time.Duration
	OpTimeout          time.Duration
	IdleTimeout        time.Duration
	MaxChunkReadSize   int
	LeaseRetryTimeout  time.Duration
	LeaseWaitTimeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxRetryCount:      3,
		TimeBetweenRetries: 10 * time.Second,
		OpTimeout:          30 * time.Second,
		IdleTimeout:        150 * time.Second,
		MaxChunkReadSize:   common.DefaultReplicationReadSize,
		LeaseRetryTimeout:  3 * time.Second,
		LeaseWaitTimeout:   30 * time.Second,
	}
}

// Reader reconstructs one missing chunk of an RS stripe group. It
// resolves the group through the metadata client, streams the sibling
// chunks' byte ranges, and recomputes the lost shard.
type Reader struct {
	mu         sync.Mutex
	meta       *MetaClient
	completion Completion
	cfg        Config
	logPrefix  string

	fileId      common.FileId
	fileSize    int64
	layout      Layout
	chunkOffset common.Offset
	skipHoles   bool
	chunkLen    int64

	group    []rpc_struct.StripeChunk
	myIdx    int
	enc      reedsolomon.Encoder
	opened   bool
	closed   bool
	inFlight int
}

// NewReader binds a reader session to a metadata client slot and a
// completion target.
func NewReader(meta *MetaClient, completion Completion, cfg Config, chunkId common.ChunkHandle) *Reader {
	return &Reader{
		meta:       meta,
		completion: completion,
		cfg:        cfg,
		logPrefix:  fmt.Sprintf("RC: %d %s", chunkId, uuid.NewString()[:8]),
	}
}

// Open resolves the stripe group and validates the striping geometry.
// It returns a status error without touching the completion interface.
func (r *Reader) Open(
	fileId common.FileId,
	pathName string,
	fileSize int64,
	striperType common.StriperType,
	stripeSize, numStripes, numRecoveryStripes int,
	chunkOffset common.Offset,
	skipHoles bool,
) error {
	if striperType != common.StriperRS || numStripes <= 0 || numRecoveryStripes <= 0 {
		return common.NewError(common.StatusInvalid,
			"%s: unsupported striping %d/%d/%d", r.logPrefix, striperType, numStripes, numRecoveryStripes)
	}
	group, err := r.meta.GetRecoveryGroup(fileId, chunkOffset)
	if err != nil {
		return err
	}
	total := numStripes + numRecoveryStripes
	if len(group.Stripes) != total {
		return common.NewError(common.StatusInvalid,
			"%s: recovery group has %d stripes, want %d", r.logPrefix, len(group.Stripes), total)
	}
	layout := Layout{StripeSize: stripeSize, NumStripes: numStripes, NumRecoveryStripes: numRecoveryStripes}
	myIdx := layout.StripeIndex(chunkOffset)
	found := false
	for _, s := range group.Stripes {
		if s.StripeIdx == myIdx && s.Missing {
			found = true
		}
	}
	if !found {
		return common.NewError(common.StatusInvalid,
			"%s: recovery group does not report stripe %d missing", r.logPrefix, myIdx)
	}
	enc, err := reedsolomon.New(numStripes, numRecoveryStripes)
	if err != nil {
		return common.NewError(common.StatusInvalid, "%s: %v", r.logPrefix, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.fileId = fileId
	r.fileSize = fileSize
	r.layout = layout
	r.chunkOffset = chunkOffset
	r.skipHoles = skipHoles
	r.group = group.Stripes
	r.myIdx = myIdx
	r.enc = enc
	r.chunkLen = r.layout.ChunkDataLength(chunkOffset, myIdx, fileSize)
	r.opened = true
	log.Info().Msgf("%s: open file %d stripe %d recover length %d", r.logPrefix, fileId, myIdx, r.chunkLen)
	return nil
}

// Read schedules an asynchronous reconstruction of up to maxBytes at
// the chunk-relative offset. At most one read may be outstanding.
func (r *Reader) Read(requestId int64, offset common.Offset, maxBytes int) error {
	r.mu.Lock()
	if !r.opened || r.closed {
		r.mu.Unlock()
		return common.NewError(common.StatusInvalid, "%s: read on inactive reader", r.logPrefix)
	}
	if maxBytes > r.cfg.MaxChunkReadSize {
		maxBytes = r.cfg.MaxChunkReadSize
	}
	r.inFlight++
	r.mu.Unlock()
	go r.doRead(requestId, offset, maxBytes)
	return nil
}

// IsActive reports whether completions may still be delivered.
func (r *Reader) IsActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opened && (!r.closed || r.inFlight > 0)
}

// Close ends the session. The final nil-buffer Done is delivered once
// any outstanding read has drained.
func (r *Reader) Close() {
	r.mu.Lock()
	if r.closed || !r.opened {
		r.mu.Unlock()
		return
	}
	r.closed = true
	drained := r.inFlight == 0
	r.mu.Unlock()
	if drained {
		go r.finishClose()
	}
}

// Shutdown abandons the session without a final completion, for the
// cancellation path.
func (r *Reader) Shutdown() {
	r.mu.Lock()
	r.closed = true
	r.opened = false
	r.completion = nil
	r.mu.Unlock()
}

func (r *Reader) finishClose() {
	r.mu.Lock()
	c := r.completion
	r.opened = false
	r.mu.Unlock()
	if c != nil {
		c.Done(common.StatusOK, 0, 0, nil, 0)
	}
}

func (r *Reader) doRead(requestId int64, offset common.Offset, maxBytes int) {
	status, data, invalid := r.reconstruct(offset, maxBytes)

	r.mu.Lock()
	r.inFlight--
	closed := r.closed
	c := r.completion
	r.mu.Unlock()

	if c != nil && !closed {
		if status < 0 {
			c.Done(status, r.chunkOffset+offset, 0, EncodeInvalidStripes(invalid), requestId)
		} else {
			c.Done(common.StatusOK, r.chunkOffset+offset, int64(len(data)), data, requestId)
		}
	}
	if closed {
		r.finishClose()
	}
}

// reconstruct fetches the covered byte range of every available sibling
// and recomputes the missing shard. Retries span whole rounds.
func (r *Reader) reconstruct(offset common.Offset, maxBytes int) (common.ErrorCode, []byte, []InvalidStripe) {
	avail := r.chunkLen - int64(offset)
	if avail < 0 {
		avail = 0
	}
	n := int64(maxBytes)
	if n > avail {
		n = avail
	}
	if n == 0 {
		return common.StatusOK, []byte{}, nil
	}

	missing := 0
	for _, s := range r.group {
		if s.Missing {
			missing++
		}
	}
	var invalid []InvalidStripe
	for attempt := 0; ; attempt++ {
		shards, bad := r.fetchShards(offset, int(n))
		invalid = bad
		// The group's missing stripes plus this round's failures must
		// stay within the parity budget for Reconstruct to succeed.
		if missing+len(bad) <= r.layout.NumRecoveryStripes {
			if err := r.enc.Reconstruct(shards); err == nil {
				out := shards[r.myIdx][:n]
				return common.StatusOK, out, nil
			}
			log.Warn().Msgf("%s: reconstruction failed at offset %d", r.logPrefix, offset)
		}
		if attempt >= r.cfg.MaxRetryCount {
			break
		}
		log.Info().Msgf("%s: retrying recovery read at %d, %d bad stripes, attempt %d",
			r.logPrefix, offset, len(bad), attempt+1)
		time.Sleep(r.cfg.TimeBetweenRetries)
	}
	if len(invalid) == 0 {
		return common.StatusTimeout, nil, nil
	}
	return common.StatusIO, nil, invalid
}

// fetchShards collects the shard slices for one reconstruction round.
// The missing stripe and unreadable siblings stay nil; short sibling
// data is zero padded, which covers holes when skipHoles is set.
func (r *Reader) fetchShards(offset common.Offset, n int) ([][]byte, []InvalidStripe) {
	total := r.layout.NumStripes + r.layout.NumRecoveryStripes
	shards := make([][]byte, total)
	var mu sync.Mutex
	var bad []InvalidStripe
	var wg sync.WaitGroup
	for _, stripe := range r.group {
		if stripe.StripeIdx == r.myIdx || stripe.Missing {
			continue
		}
		wg.Add(1)
		go func(stripe rpc_struct.StripeChunk) {
			defer wg.Done()
			data, err := r.readSibling(stripe, offset, n)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Warn().Msgf("%s: stripe %d chunk %d read failed: %v",
					r.logPrefix, stripe.StripeIdx, stripe.Handle, err)
				bad = append(bad, InvalidStripe{
					StripeIdx: int32(stripe.StripeIdx),
					Handle:    int64(stripe.Handle),
					Version:   int64(stripe.Version),
				})
				return
			}
			shards[stripe.StripeIdx] = data
		}(stripe)
	}
	wg.Wait()
	return shards, bad
}

func (r *Reader) readSibling(stripe rpc_struct.StripeChunk, offset common.Offset, n int) ([]byte, error) {
	reply := &rpc_struct.ReadChunkReply{}
	err := shared.UnicastToRPCServer(
		string(stripe.Location.Addr()),
		rpc_struct.CRPCReadChunkHandler,
		rpc_struct.ReadChunkArgs{
			Handle:                 stripe.Handle,
			Version:                stripe.Version,
			Offset:                 offset,
			NumBytes:               int64(n),
			SkipVerifyDiskChecksum: true,
		}, reply, shared.RetryConfig{
			MaxRetries: 1,
			RetryDelay: r.cfg.TimeBetweenRetries,
			OpTimeout:  r.cfg.OpTimeout,
		})
	if err != nil {
		return nil, err
	}
	if reply.ErrorCode < 0 {
		return nil, common.NewError(reply.ErrorCode, "sibling read: %s", reply.StatusMsg)
	}
	if len(reply.Data) > n {
		return nil, common.NewError(common.StatusInvalid, "sibling over-read")
	}
	if len(reply.Data) < n {
		if !r.skipHoles {
			return nil, common.NewError(common.StatusInvalid,
				"sibling short read %d of %d", len(reply.Data), n)
		}
		padded := make([]byte, n)
		copy(padded, reply.Data)
		return padded, nil
	}
	return reply.Data, nil
}
