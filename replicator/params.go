package replicator

import (
	"sync"
	"time"

	"github.com/caleberi/hermes-dfs/common"
	"github.com/caleberi/hermes-dfs/config"
	"github.com/caleberi/hermes-dfs/rsreader"
	"github.com/caleberi/hermes-dfs/utils"
)

const rsReadMetaAuthPrefix = "chunkServer.rsReadMetaAuth."

// Parameters holds the runtime tunables of the replication engine,
// mutable through SetParameters.
type Parameters struct {
	UseConnectionPool  bool
	ReadSkipDiskVerify bool

	RSReader            rsreader.Config
	RSReaderMeta        rsreader.MetaClientConfig
	MaxReadSize         int
	MaxRecoverChunkSize int64
	MaxRecoveryThreads  int
	PanicOnInvalidChunk bool
}

func DefaultParameters() Parameters {
	return Parameters{
		UseConnectionPool:   false,
		ReadSkipDiskVerify:  true,
		RSReader:            rsreader.DefaultConfig(),
		RSReaderMeta:        rsreader.DefaultMetaClientConfig(),
		MaxReadSize:         common.DefaultReplicationReadSize,
		MaxRecoverChunkSize: common.ChunkMaxSizeInByte,
		MaxRecoveryThreads:  16,
		PanicOnInvalidChunk: false,
	}
}

// SetParameters applies the recognized chunkServer.* keys. Unknown keys
// are ignored, absent keys keep their previous value. The original
// implementation reused the meta idle timeout key for the
// reset-on-op-timeout flag; that is split here into its own key,
// chunkServer.rsReader.meta.resetConnectionOnOpTimeout.
func (m *Manager) SetParameters(props config.Properties) {
	m.paramsMu.Lock()
	p := &m.params
	p.UseConnectionPool = props.GetBool(
		"chunkServer.replicator.useConnetionPool", p.UseConnectionPool)
	p.ReadSkipDiskVerify = props.GetBool(
		"chunkServer.replicator.readSkipDiskVerify", p.ReadSkipDiskVerify)

	sec := func(key string, cur time.Duration) time.Duration {
		return time.Duration(props.GetInt(key, int(cur/time.Second))) * time.Second
	}
	p.RSReader.MaxRetryCount = props.GetInt(
		"chunkServer.rsReader.maxRetryCount", p.RSReader.MaxRetryCount)
	p.RSReader.TimeBetweenRetries = sec(
		"chunkServer.rsReader.timeSecBetweenRetries", p.RSReader.TimeBetweenRetries)
	p.RSReader.OpTimeout = sec(
		"chunkServer.rsReader.opTimeoutSec", p.RSReader.OpTimeout)
	p.RSReader.IdleTimeout = sec(
		"chunkServer.rsReader.idleTimeoutSec", p.RSReader.IdleTimeout)
	p.MaxReadSize = utils.RoundUp(max(1, props.GetInt(
		"chunkServer.rsReader.maxReadSize", p.MaxReadSize)), common.ChecksumBlockSize)
	p.RSReader.MaxChunkReadSize = props.GetInt(
		"chunkServer.rsReader.maxChunkReadSize",
		max(p.MaxReadSize, p.RSReader.MaxChunkReadSize))
	p.RSReader.LeaseRetryTimeout = sec(
		"chunkServer.rsReader.leaseRetryTimeout", p.RSReader.LeaseRetryTimeout)
	p.RSReader.LeaseWaitTimeout = sec(
		"chunkServer.rsReader.leaseWaitTimeout", p.RSReader.LeaseWaitTimeout)

	p.RSReaderMeta.MaxRetryCount = props.GetInt(
		"chunkServer.rsReader.meta.maxRetryCount", p.RSReaderMeta.MaxRetryCount)
	p.RSReaderMeta.TimeBetweenRetries = sec(
		"chunkServer.rsReader.meta.timeSecBetweenRetries", p.RSReaderMeta.TimeBetweenRetries)
	p.RSReaderMeta.OpTimeout = sec(
		"chunkServer.rsReader.meta.opTimeoutSec", p.RSReaderMeta.OpTimeout)
	p.RSReaderMeta.IdleTimeout = sec(
		"chunkServer.rsReader.meta.idleTimeoutSec", p.RSReaderMeta.IdleTimeout)
	p.RSReaderMeta.ResetConnectionOnOpTimeout = props.GetBool(
		"chunkServer.rsReader.meta.resetConnectionOnOpTimeout",
		p.RSReaderMeta.ResetConnectionOnOpTimeout)

	p.MaxRecoverChunkSize = props.GetInt64(
		"chunkServer.rsReader.maxRecoverChunkSize", p.MaxRecoverChunkSize)
	p.PanicOnInvalidChunk = props.GetBool(
		"chunkServer.rsReader.panicOnInvalidChunk", p.PanicOnInvalidChunk)
	p.MaxRecoveryThreads = props.GetInt(
		"chunkServer.rsReader.maxRecoveryThreads", p.MaxRecoveryThreads)
	m.paramsMu.Unlock()

	authProps := config.Properties{}
	if props.CopyWithPrefix(rsReadMetaAuthPrefix, authProps) > 0 {
		m.auth.mu.Lock()
		if keyId, ok := authProps[rsReadMetaAuthPrefix+"psk.keyId"]; ok {
			m.auth.keyId = keyId
		}
		if key, ok := authProps[rsReadMetaAuthPrefix+"psk.key"]; ok {
			m.auth.key = key
		}
		m.auth.updateCount++
		m.auth.mu.Unlock()
	}
}

// parameters returns a copy of the current tunables.
func (m *Manager) parameters() Parameters {
	m.paramsMu.Lock()
	defer m.paramsMu.Unlock()
	return m.params
}

// authParams is the shared PSK parameter block for the recovery
// metadata clients. updateCount versions the block so each pool slot
// can cheaply detect staleness.
type authParams struct {
	mu          sync.Mutex
	keyId       string
	key         string
	updateCount uint64
}

// update write-through: install the op's credentials when they differ
// from the stored block and bump the version.
func (a *authParams) update(token, key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.keyId != token {
		a.keyId = token
		a.updateCount++
	}
	if a.key != key {
		a.key = key
		a.updateCount++
	}
}
