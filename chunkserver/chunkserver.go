package chunkserver

import (
	"fmt"
	"net"
	"net/rpc"
	"sync"

	"github.com/caleberi/hermes-dfs/chunkstore"
	"github.com/caleberi/hermes-dfs/common"
	"github.com/caleberi/hermes-dfs/replicator"
	"github.com/caleberi/hermes-dfs/rpc_struct"
	"github.com/rs/zerolog/log"
)

// ChunkServer serves the peer side of the replication protocol: size
// probes and verified chunk reads against the local store, plus the
// ReplicateChunk intake that the metadata server drives. A server being
// asked to replicate is the destination; a server answering reads is
// the source.
type ChunkServer struct {
	mu       sync.RWMutex
	listener net.Listener
	store    *chunkstore.Store
	engine   *replicator.Manager
	isDead   bool

	ServerAddr common.ServerAddr
}

// NewChunkServer starts serving on serverAddr over the given store and
// replication engine. The accept loop runs until Shutdown.
func NewChunkServer(serverAddr common.ServerAddr, store *chunkstore.Store, engine *replicator.Manager) (*ChunkServer, error) {
	log.Info().Msg(fmt.Sprintf("Starting ChunkServer = %s", serverAddr))
	cs := &ChunkServer{
		store:      store,
		engine:     engine,
		ServerAddr: serverAddr,
	}

	srv := rpc.NewServer()
	if err := srv.Register(cs); err != nil {
		return nil, err
	}
	l, err := net.Listen("tcp", string(serverAddr))
	if err != nil {
		return nil, err
	}
	cs.listener = l

	go func(listener net.Listener) {
		for {
			conn, err := listener.Accept()
			if err != nil {
				cs.mu.RLock()
				dead := cs.isDead
				cs.mu.RUnlock()
				if dead {
					return
				}
				continue
			}
			go func() {
				srv.ServeConn(conn)
				if err := conn.Close(); err != nil {
					return
				}
			}()
		}
	}(cs.listener)

	log.Printf("ChunkServer is now running. addr = %v", serverAddr)
	return cs, nil
}

// Shutdown stops accepting connections and cancels every in-flight
// replication. Idempotent.
func (cs *ChunkServer) Shutdown() error {
	cs.mu.Lock()
	if cs.isDead {
		cs.mu.Unlock()
		log.Info().Msgf("Server %s: already dead", cs.ServerAddr)
		return nil
	}
	cs.isDead = true
	cs.mu.Unlock()

	if cs.engine != nil {
		cs.engine.Shutdown()
	}
	if err := cs.listener.Close(); err != nil {
		log.Err(err).Msgf("Server %s: failed to close listener during shutdown", cs.ServerAddr)
		return err
	}
	log.Info().Msgf("Server %s: shutdown complete", cs.ServerAddr)
	return nil
}

// ///////////////////////////////////
//
//	RPC METHODS
//
// /////////////////////////////////

// RPCGetChunkMetadataHandler answers the size probe a destination
// server sends before streaming. Errors surface on the reply so the
// caller can map them onto its status taxonomy.
func (cs *ChunkServer) RPCGetChunkMetadataHandler(
	args rpc_struct.GetChunkMetadataArgs, reply *rpc_struct.GetChunkMetadataReply) error {
	version, size, ok := cs.store.Lookup(args.Handle)
	if !ok {
		reply.ErrorCode = common.StatusNotFound
		reply.StatusMsg = fmt.Sprintf("chunk %d not found", args.Handle)
		return nil
	}
	reply.ChunkSize = int64(size)
	reply.ChunkVersion = version
	return nil
}

// RPCReadChunkHandler serves one verified read of a readable chunk.
// The per-block checksums accompany the data whenever the read is
// block aligned.
func (cs *ChunkServer) RPCReadChunkHandler(
	args rpc_struct.ReadChunkArgs, reply *rpc_struct.ReadChunkReply) error {
	data, sums, err := cs.store.Read(
		args.Handle, args.Offset, args.NumBytes, args.SkipVerifyDiskChecksum)
	if err != nil {
		reply.ErrorCode = common.CodeOf(err)
		reply.StatusMsg = err.Error()
		log.Err(err).Msgf("Server %s: read chunk %d at %d failed",
			cs.ServerAddr, args.Handle, args.Offset)
		return nil
	}
	reply.Data = data
	reply.Checksums = sums
	return nil
}

// RPCReplicateChunkHandler accepts a ReplicateChunkOp from the
// metadata server session. The op is acknowledged immediately; its
// outcome travels back through the engine's response sink.
func (cs *ChunkServer) RPCReplicateChunkHandler(
	args rpc_struct.ReplicateChunkArgs, reply *rpc_struct.ReplicateChunkReply) error {
	cs.mu.RLock()
	dead := cs.isDead
	cs.mu.RUnlock()
	if dead {
		reply.ErrorCode = common.StatusCancelled
		return nil
	}
	op := args.Op
	log.Info().Msgf("Server %s: accepted replication of chunk %d version %d",
		cs.ServerAddr, op.ChunkHandle, op.ChunkVersion)
	go cs.engine.Run(&op)
	return nil
}
