package rsreader

import (
	"sync"
	"time"

	"github.com/caleberi/hermes-dfs/common"
	"github.com/caleberi/hermes-dfs/rpc_struct"
	"github.com/caleberi/hermes-dfs/shared"
	"github.com/rs/zerolog/log"
)

// MetaClientConfig carries the retry/timeout knobs of the metadata
// client pool slots (the chunkServer.rsReader.meta.* keys).
type MetaClientConfig struct {
	MaxRetryCount               int
	TimeBetweenRetries          time.Duration
	OpTimeout                   time.Duration
	IdleTimeout                 time.Duration
	ResetConnectionOnOpTimeout  bool
}

func DefaultMetaClientConfig() MetaClientConfig {
	return MetaClientConfig{
		MaxRetryCount:              2,
		TimeBetweenRetries:         10 * time.Second,
		OpTimeout:                  4 * time.Minute,
		IdleTimeout:                5 * time.Minute,
		ResetConnectionOnOpTimeout: true,
	}
}

// MetaClient resolves stripe groups through the metadata server. One
// client belongs to one recovery pool slot; only that slot mutates it.
type MetaClient struct {
	mu       sync.Mutex
	name     string
	location common.ServerLocation
	keyId    string
	key      string
	cfg      MetaClientConfig
}

func NewMetaClient(name string, cfg MetaClientConfig) *MetaClient {
	return &MetaClient{name: name, cfg: cfg}
}

func (c *MetaClient) Location() common.ServerLocation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.location
}

// SetServer points the client at a metadata server location. Pending
// state tied to the previous location is abandoned.
func (c *MetaClient) SetServer(loc common.ServerLocation) bool {
	if !loc.IsValid() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.location != loc && c.location.IsValid() {
		log.Info().Msgf("%s: meta server address change from %s to %s", c.name, c.location, loc)
	}
	c.location = loc
	return true
}

// SetAuth installs the PSK key pair used on subsequent lookups.
func (c *MetaClient) SetAuth(keyId, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keyId, c.key = keyId, key
}

// GetRecoveryGroup fetches the RS stripe group covering the chunk at
// chunkOffset, retrying per the slot configuration.
func (c *MetaClient) GetRecoveryGroup(fileId common.FileId, chunkOffset common.Offset) (*rpc_struct.RecoveryGroupReply, error) {
	c.mu.Lock()
	loc := c.location
	token := c.keyId
	cfg := c.cfg
	c.mu.Unlock()
	if !loc.IsValid() {
		return nil, common.NewError(common.StatusHostUnreachable,
			"%s: no meta server location", c.name)
	}
	retry := shared.RetryConfig{
		MaxRetries: cfg.MaxRetryCount + 1,
		RetryDelay: cfg.TimeBetweenRetries,
		OpTimeout:  cfg.OpTimeout,
	}
	reply := &rpc_struct.RecoveryGroupReply{}
	err := shared.UnicastToRPCServer(
		string(loc.Addr()),
		rpc_struct.MRPCGetRecoveryGroupHandler,
		rpc_struct.RecoveryGroupArgs{
			FileId:      fileId,
			ChunkOffset: chunkOffset,
			AuthToken:   token,
		}, reply, retry)
	if err != nil {
		return nil, err
	}
	if reply.ErrorCode < 0 {
		return nil, common.NewError(reply.ErrorCode,
			"%s: recovery group lookup: %s", c.name, reply.StatusMsg)
	}
	return reply, nil
}
