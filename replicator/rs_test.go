package replicator_test

import (
	"sync"
	"testing"

	"github.com/caleberi/hermes-dfs/chunkstore"
	"github.com/caleberi/hermes-dfs/common"
	"github.com/caleberi/hermes-dfs/config"
	"github.com/caleberi/hermes-dfs/rpc_struct"
	"github.com/klauspost/reedsolomon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubSiblings serves chunk reads for a whole stripe group out of
// memory.
type stubSiblings struct {
	mu     sync.Mutex
	chunks map[common.ChunkHandle][]byte
}

func (s *stubSiblings) RPCReadChunkHandler(
	args rpc_struct.ReadChunkArgs, reply *rpc_struct.ReadChunkReply) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.chunks[args.Handle]
	if !ok {
		reply.ErrorCode = common.StatusNotFound
		return nil
	}
	if int64(args.Offset) >= int64(len(data)) {
		reply.Data = []byte{}
		return nil
	}
	end := int64(args.Offset) + args.NumBytes
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	reply.Data = data[args.Offset:end]
	reply.Checksums = chunkstore.BlockChecksums(reply.Data)
	return nil
}

// stubMeta answers recovery group lookups with a canned stripe list.
type stubMeta struct {
	mu      sync.Mutex
	stripes []rpc_struct.StripeChunk
	lookups int
}

func (s *stubMeta) RPCGetRecoveryGroupHandler(
	args rpc_struct.RecoveryGroupArgs, reply *rpc_struct.RecoveryGroupReply) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	reply.Stripes = s.stripes
	return nil
}

// rsFixture builds a consistent RS stripe group: data chunks striped
// from a logical file, parity encoded over zero-padded shards of equal
// length.
type rsFixture struct {
	layout      []rpc_struct.StripeChunk
	chunks      map[common.ChunkHandle][]byte
	missingData []byte // the lost chunk's true bytes
}

func buildRSFixture(
	t *testing.T,
	numStripes, numRecoveryStripes, stripeSize int,
	fileSize int64,
	missingIdx int,
	siblingLoc common.ServerLocation,
) *rsFixture {
	t.Helper()
	enc, err := reedsolomon.New(numStripes, numRecoveryStripes)
	require.NoError(t, err)

	// Per-stripe data lengths for block 0 of the file.
	round := int64(stripeSize) * int64(numStripes)
	dataLen := func(idx int) int64 {
		full := fileSize / round * int64(stripeSize)
		tail := fileSize%round - int64(idx)*int64(stripeSize)
		if tail < 0 {
			tail = 0
		}
		if tail > int64(stripeSize) {
			tail = int64(stripeSize)
		}
		return full + tail
	}
	longest := dataLen(0)
	shardLen := (longest + int64(stripeSize) - 1) / int64(stripeSize) * int64(stripeSize)

	shards := make([][]byte, numStripes+numRecoveryStripes)
	for i := range shards {
		shards[i] = make([]byte, shardLen)
	}
	for i := range numStripes {
		payload := randomBytes(t, int(dataLen(i)))
		copy(shards[i], payload)
	}
	require.NoError(t, enc.Encode(shards))

	fx := &rsFixture{chunks: map[common.ChunkHandle][]byte{}}
	for i := range numStripes + numRecoveryStripes {
		handle := common.ChunkHandle(100 + i)
		stripe := rpc_struct.StripeChunk{
			StripeIdx: i,
			Handle:    handle,
			Version:   1,
			Location:  siblingLoc,
		}
		trueLen := shardLen
		if i < numStripes {
			trueLen = dataLen(i)
		}
		if i == missingIdx {
			stripe.Missing = true
			fx.missingData = shards[i][:trueLen]
		} else {
			fx.chunks[handle] = shards[i][:trueLen]
		}
		fx.layout = append(fx.layout, stripe)
	}
	return fx
}

func recoveryOp(fx *rsFixture, metaLoc common.ServerLocation,
	numStripes, numRecoveryStripes, stripeSize int, fileSize int64,
	missingIdx int, target common.ChunkVersion) *rpc_struct.ReplicateChunkOp {
	return &rpc_struct.ReplicateChunkOp{
		FileId:             77,
		ChunkHandle:        common.ChunkHandle(100 + missingIdx),
		ChunkVersion:       1,
		TargetVersion:      target,
		Location:           metaLoc,
		PathName:           "/archive/objects.dat",
		FileSize:           fileSize,
		ChunkOffset:        common.Offset(missingIdx) * common.ChunkMaxSizeInByte,
		StriperType:        common.StriperRS,
		StripeSize:         stripeSize,
		NumStripes:         numStripes,
		NumRecoveryStripes: numRecoveryStripes,
	}
}

func fastRetryProps(t *testing.T) config.Properties {
	t.Helper()
	props, err := config.Parse([]byte(`
chunkServer:
  rsReader:
    maxRetryCount: 0
    timeSecBetweenRetries: 0
    meta:
      maxRetryCount: 0
      timeSecBetweenRetries: 0
`))
	require.NoError(t, err)
	return props
}

func TestRecoveryTailCarry(t *testing.T) {
	const (
		numStripes         = 6
		numRecoveryStripes = 3
		stripeSize         = 64 << 10
	)
	// 48 full stripe rounds plus a 100 byte tail landing in stripe 0:
	// the recovered chunk is 3 MiB + 100 bytes.
	fileSize := int64(18<<20 + 100)

	siblings := &stubSiblings{}
	siblingLoc := startRPC(t, "ChunkServer", siblings)
	fx := buildRSFixture(t, numStripes, numRecoveryStripes, stripeSize, fileSize, 0, siblingLoc)
	siblings.chunks = fx.chunks

	meta := &stubMeta{stripes: fx.layout}
	metaLoc := startRPC(t, "MetaServer", meta)

	sink := newChanSink()
	engine, store := newEngine(t, sink, 256<<20, 64<<20)
	engine.SetParameters(fastRetryProps(t))

	engine.Run(recoveryOp(fx, metaLoc, numStripes, numRecoveryStripes, stripeSize, fileSize, 0, 5))
	op := waitOp(t, sink)

	require.Equal(t, common.StatusOK, op.Status, "status msg: %s", op.StatusMsg)
	assert.Equal(t, common.ChunkVersion(5), op.ChunkVersion)

	version, size, ok := store.Lookup(100)
	require.True(t, ok)
	assert.Equal(t, common.ChunkVersion(5), version)
	assert.Equal(t, common.Offset(3<<20+100), size)

	got, _, err := store.Read(100, 0, 3<<20+100, false)
	require.NoError(t, err)
	assert.Equal(t, fx.missingData, got)

	snap := engine.GetCounters()
	assert.EqualValues(t, 1, snap.RecoveryCount)
	assert.EqualValues(t, 0, snap.RecoveryErrorCount)
	assert.Equal(t, 1, meta.lookups)
}

func TestRecoveryOfParityStripe(t *testing.T) {
	const (
		numStripes         = 4
		numRecoveryStripes = 2
		stripeSize         = 64 << 10
	)
	fileSize := int64(1<<20 + 4096)

	siblings := &stubSiblings{}
	siblingLoc := startRPC(t, "ChunkServer", siblings)
	missingIdx := numStripes // first parity stripe
	fx := buildRSFixture(t, numStripes, numRecoveryStripes, stripeSize, fileSize, missingIdx, siblingLoc)
	siblings.chunks = fx.chunks

	meta := &stubMeta{stripes: fx.layout}
	metaLoc := startRPC(t, "MetaServer", meta)

	sink := newChanSink()
	engine, store := newEngine(t, sink, 256<<20, 64<<20)
	engine.SetParameters(fastRetryProps(t))

	engine.Run(recoveryOp(fx, metaLoc, numStripes, numRecoveryStripes, stripeSize, fileSize, missingIdx, 2))
	op := waitOp(t, sink)

	require.Equal(t, common.StatusOK, op.Status, "status msg: %s", op.StatusMsg)
	_, size, ok := store.Lookup(common.ChunkHandle(100 + missingIdx))
	require.True(t, ok)
	got, _, err := store.Read(common.ChunkHandle(100+missingIdx), 0, int64(size), false)
	require.NoError(t, err)
	assert.Equal(t, fx.missingData, got)
}

func TestRecoveryReportsInvalidStripes(t *testing.T) {
	const (
		numStripes         = 6
		numRecoveryStripes = 1
		stripeSize         = 64 << 10
	)
	fileSize := int64(6 << 20)

	siblings := &stubSiblings{}
	siblingLoc := startRPC(t, "ChunkServer", siblings)
	fx := buildRSFixture(t, numStripes, numRecoveryStripes, stripeSize, fileSize, 0, siblingLoc)
	siblings.chunks = fx.chunks

	// Stripe 2 is unreachable: with a single parity stripe the group
	// cannot absorb a second loss.
	fx.layout[2].Handle = 77
	fx.layout[2].Version = 9
	fx.layout[2].Location = common.ServerLocation{Host: "127.0.0.1", Port: 1}

	meta := &stubMeta{stripes: fx.layout}
	metaLoc := startRPC(t, "MetaServer", meta)

	sink := newChanSink()
	engine, _ := newEngine(t, sink, 256<<20, 64<<20)
	engine.SetParameters(fastRetryProps(t))

	engine.Run(recoveryOp(fx, metaLoc, numStripes, numRecoveryStripes, stripeSize, fileSize, 0, 3))
	op := waitOp(t, sink)

	assert.Less(t, int(op.Status), 0)
	assert.Equal(t, "2 77 9", op.InvalidStripeIdx)
	assert.Equal(t, common.ChunkVersion(-1), op.ChunkVersion)
	assert.EqualValues(t, 1, engine.GetCounters().RecoveryErrorCount)
}

func TestRecoveryMetaLookupFailure(t *testing.T) {
	sink := newChanSink()
	engine, _ := newEngine(t, sink, 256<<20, 64<<20)
	engine.SetParameters(fastRetryProps(t))

	fx := &rsFixture{}
	op := recoveryOp(fx, common.ServerLocation{Host: "127.0.0.1", Port: 1},
		6, 3, 64<<10, 1<<20, 0, 3)
	engine.Run(op)
	got := waitOp(t, sink)
	assert.Less(t, int(got.Status), 0)
	assert.Equal(t, common.ChunkVersion(-1), got.ChunkVersion)
}
