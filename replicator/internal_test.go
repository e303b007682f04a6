package replicator

import (
	"testing"

	"github.com/caleberi/hermes-dfs/bufferpool"
	"github.com/caleberi/hermes-dfs/config"
	"github.com/caleberi/hermes-dfs/rpc_struct"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAccess(t *testing.T) {
	testCases := []struct {
		name   string
		access string
		token  string
		key    string
		ok     bool
	}{
		{"Empty", "", "", "", true},
		{"WhitespaceOnly", "   \t ", "", "", true},
		{"TokenAndKey", "tok key", "tok", "key", true},
		{"ExtraWhitespace", "  tok \t key  ", "tok", "key", true},
		{"TokenWithoutKey", "tok", "", "", false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			token, key, ok := parseAccess(tc.access)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.token, token)
			assert.Equal(t, tc.key, key)
		})
	}
}

func TestAuthParamsRotation(t *testing.T) {
	a := &authParams{}
	a.update("tok1", "key1")
	first := a.updateCount
	assert.EqualValues(t, 2, first, "both fields changed")

	a.update("tok1", "key1")
	assert.Equal(t, first, a.updateCount, "identical credentials must not rotate")

	a.update("tok1", "key2")
	assert.Equal(t, first+1, a.updateCount)
}

func TestRecoveryReadSize(t *testing.T) {
	newMgr := func(quota int64) *Manager {
		return NewManager(Options{
			Buffers: bufferpool.NewManager(quota*4, quota),
		})
	}
	op := func(numStripes, stripeSize int) *rpc_struct.ReplicateChunkOp {
		return &rpc_struct.ReplicateChunkOp{NumStripes: numStripes, StripeSize: stripeSize}
	}

	t.Run("StripeAlignedUnderQuota", func(t *testing.T) {
		m := newMgr(64 << 20)
		size := m.recoveryReadSize(op(6, 64<<10), m.parameters())
		assert.Equal(t, 1<<20, size)
		assert.Zero(t, size%(64<<10))
	})
	t.Run("LargeStripeCapsAtBudget", func(t *testing.T) {
		m := newMgr(1 << 20)
		// Budget per stripe is ~146 KiB, well below the 1 MiB stripe.
		size := m.recoveryReadSize(op(6, 1<<20), m.parameters())
		assert.LessOrEqual(t, size, 1<<20)
		assert.Zero(t, size%(64<<10))
	})
	t.Run("LcmWithOddStripe", func(t *testing.T) {
		m := newMgr(64 << 20)
		// 448 KiB stripes: lcm(64 KiB, 448 KiB) = 448 KiB, so the read
		// size rounds down to a whole number of stripes.
		size := m.recoveryReadSize(op(6, 448<<10), m.parameters())
		assert.Equal(t, 896<<10, size)
	})
	t.Run("NeverBelowChecksumBlock", func(t *testing.T) {
		m := newMgr(64 << 10)
		size := m.recoveryReadSize(op(100, 64<<10), m.parameters())
		assert.Equal(t, 64<<10, size)
	})
}

func TestSetParametersAppliesKnownKeys(t *testing.T) {
	m := NewManager(Options{Buffers: bufferpool.NewManager(1<<20, 1<<20)})
	props, err := config.Parse([]byte(`
chunkServer:
  replicator:
    useConnetionPool: 1
    readSkipDiskVerify: 0
  rsReader:
    maxRetryCount: 7
    opTimeoutSec: 11
    maxReadSize: 100000
    maxRecoveryThreads: 4
    panicOnInvalidChunk: 1
    meta:
      resetConnectionOnOpTimeout: 0
  rsReadMetaAuth:
    psk:
      keyId: rotated-key-id
      key: rotated-key
`))
	require.NoError(t, err)
	m.SetParameters(props)

	p := m.parameters()
	assert.True(t, p.UseConnectionPool)
	assert.False(t, p.ReadSkipDiskVerify)
	assert.Equal(t, 7, p.RSReader.MaxRetryCount)
	assert.Equal(t, 11, int(p.RSReader.OpTimeout.Seconds()))
	assert.Equal(t, 128<<10, p.MaxReadSize, "read size rounds up to a checksum block multiple")
	assert.Equal(t, 4, p.MaxRecoveryThreads)
	assert.True(t, p.PanicOnInvalidChunk)
	assert.False(t, p.RSReaderMeta.ResetConnectionOnOpTimeout)

	m.auth.mu.Lock()
	defer m.auth.mu.Unlock()
	assert.Equal(t, "rotated-key-id", m.auth.keyId)
	assert.Equal(t, "rotated-key", m.auth.key)
	assert.EqualValues(t, 1, m.auth.updateCount)
}
