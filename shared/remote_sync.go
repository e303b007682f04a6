package shared

import (
	"net/rpc"
	"sync"
	"time"

	"github.com/caleberi/hermes-dfs/common"
	"github.com/rs/zerolog/log"
)

// RemoteSync is a long-lived session to one peer chunk server. A session
// carries the access credentials handed down by the metadata server and
// serializes calls over a single connection, redialing on failure.
type RemoteSync struct {
	mu        sync.Mutex
	location  common.ServerLocation
	client    *rpc.Client
	token     string
	key       string
	clearText bool
	opTimeout time.Duration
	shared    bool // owned by a ConnPool, Close is a no-op
}

// NewRemoteSync dials the peer eagerly so an unreachable host is
// reported before the replicator is registered.
func NewRemoteSync(loc common.ServerLocation, token, key string, allowClearText bool, opTimeout time.Duration) (*RemoteSync, error) {
	client, err := rpc.Dial("tcp", string(loc.Addr()))
	if err != nil {
		return nil, common.NewError(common.StatusHostUnreachable,
			"unable to reach peer %s: %v", loc, err)
	}
	return &RemoteSync{
		location:  loc,
		client:    client,
		token:     token,
		key:       key,
		clearText: allowClearText,
		opTimeout: opTimeout,
	}, nil
}

func (rs *RemoteSync) Location() common.ServerLocation { return rs.location }

// Access returns the session token pair for request headers.
func (rs *RemoteSync) Access() string {
	if rs.token == "" {
		return ""
	}
	return rs.token + " " + rs.key
}

// Call issues one RPC over the session connection, redialing once if
// the connection has gone away since the last call.
func (rs *RemoteSync) Call(method string, args, reply any) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.client == nil {
		client, err := rpc.Dial("tcp", string(rs.location.Addr()))
		if err != nil {
			return common.NewError(common.StatusHostUnreachable,
				"unable to reach peer %s: %v", rs.location, err)
		}
		rs.client = client
	}
	err := callWithTimeout(rs.client, method, args, reply, rs.opTimeout)
	if err == rpc.ErrShutdown {
		rs.client.Close()
		rs.client = nil
	}
	return err
}

func (rs *RemoteSync) Close() {
	if rs.shared {
		return
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.client != nil {
		rs.client.Close()
		rs.client = nil
	}
}

// ConnPool shares RemoteSync sessions between replications targeting
// the same peer. Pooled sessions survive Close and are torn down only
// by Shutdown.
type ConnPool struct {
	mu       sync.Mutex
	sessions map[common.ServerLocation]*RemoteSync
}

func NewConnPool() *ConnPool {
	return &ConnPool{sessions: make(map[common.ServerLocation]*RemoteSync)}
}

// Find returns the pooled session for loc, dialing one if absent. The
// most recent credentials win; an existing session is re-keyed in place.
func (p *ConnPool) Find(loc common.ServerLocation, token, key string, allowClearText bool, opTimeout time.Duration) (*RemoteSync, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rs, ok := p.sessions[loc]; ok {
		rs.mu.Lock()
		rs.token, rs.key = token, key
		rs.mu.Unlock()
		return rs, nil
	}
	rs, err := NewRemoteSync(loc, token, key, allowClearText, opTimeout)
	if err != nil {
		return nil, err
	}
	rs.shared = true
	p.sessions[loc] = rs
	return rs, nil
}

func (p *ConnPool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for loc, rs := range p.sessions {
		rs.shared = false
		rs.Close()
		delete(p.sessions, loc)
	}
	log.Debug().Msg("peer connection pool drained")
}
