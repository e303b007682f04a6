package replicator

import (
	"github.com/caleberi/hermes-dfs/common"
	"github.com/caleberi/hermes-dfs/rpc_struct"
	"github.com/caleberi/hermes-dfs/shared"
)

// Peer is the source chunk server a direct replication streams from.
type Peer interface {
	GetChunkMetadata(args rpc_struct.GetChunkMetadataArgs) (*rpc_struct.GetChunkMetadataReply, error)
	Read(args rpc_struct.ReadChunkArgs) (*rpc_struct.ReadChunkReply, error)
	Location() common.ServerLocation
	Access() string
	Close()
}

// remoteSyncPeer adapts a shared.RemoteSync session to the Peer
// interface. Pooled sessions make Close a no-op through RemoteSync.
type remoteSyncPeer struct {
	session *shared.RemoteSync
}

func (p *remoteSyncPeer) GetChunkMetadata(args rpc_struct.GetChunkMetadataArgs) (*rpc_struct.GetChunkMetadataReply, error) {
	reply := &rpc_struct.GetChunkMetadataReply{}
	if err := p.session.Call(rpc_struct.CRPCGetChunkMetadataHandler, args, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (p *remoteSyncPeer) Read(args rpc_struct.ReadChunkArgs) (*rpc_struct.ReadChunkReply, error) {
	reply := &rpc_struct.ReadChunkReply{}
	if err := p.session.Call(rpc_struct.CRPCReadChunkHandler, args, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (p *remoteSyncPeer) Location() common.ServerLocation { return p.session.Location() }
func (p *remoteSyncPeer) Access() string                  { return p.session.Access() }
func (p *remoteSyncPeer) Close()                          { p.session.Close() }
