package chunkserver

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/caleberi/hermes-dfs/bufferpool"
	"github.com/caleberi/hermes-dfs/chunkstore"
	"github.com/caleberi/hermes-dfs/common"
	"github.com/caleberi/hermes-dfs/replicator"
	"github.com/caleberi/hermes-dfs/rpc_struct"
	"github.com/caleberi/hermes-dfs/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanSink struct {
	ch chan *rpc_struct.ReplicateChunkOp
}

func (s *chanSink) SubmitOpResponse(op *rpc_struct.ReplicateChunkOp) {
	s.ch <- op
}

func setupChunkServer(t *testing.T, sink replicator.ResponseSink) (*ChunkServer, *chunkstore.Store) {
	t.Helper()
	store, err := chunkstore.NewStore(t.TempDir())
	require.NoError(t, err)
	engine := replicator.NewManager(replicator.Options{
		Store:    store,
		Buffers:  bufferpool.NewManager(256<<20, 64<<20),
		Sink:     sink,
		MetaHost: "127.0.0.1",
	})
	addr := common.ServerAddr(fmt.Sprintf("127.0.0.1:%d", 20000+rand.Intn(20000)))
	server, err := NewChunkServer(addr, store, engine)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, server.Shutdown()) })
	return server, store
}

func seedChunk(t *testing.T, store *chunkstore.Store, handle common.ChunkHandle, version common.ChunkVersion, data []byte) {
	t.Helper()
	h, err := store.Allocate(1, handle, 0, version, true, false)
	require.NoError(t, err)
	offset := common.Offset(0)
	for len(data) > 0 {
		n := len(data)
		if n > common.ChecksumBlockSize {
			n = common.ChecksumBlockSize
		}
		written, err := store.Write(h, offset, data[:n], nil)
		require.NoError(t, err)
		offset += common.Offset(written)
		data = data[n:]
	}
	require.NoError(t, store.Finalize(h, version, true))
}

func TestRPCHandlers(t *testing.T) {
	sink := &chanSink{ch: make(chan *rpc_struct.ReplicateChunkOp, 4)}
	source, sourceStore := setupChunkServer(t, sink)

	payload := make([]byte, 2*common.ChecksumBlockSize+33)
	_, err := rand.Read(payload)
	require.NoError(t, err)
	seedChunk(t, sourceStore, 300, 2, payload)

	t.Run(rpc_struct.CRPCGetChunkMetadataHandler, func(t *testing.T) {
		reply := &rpc_struct.GetChunkMetadataReply{}
		err := shared.UnicastToRPCServer(
			string(source.ServerAddr),
			rpc_struct.CRPCGetChunkMetadataHandler,
			rpc_struct.GetChunkMetadataArgs{Handle: 300},
			reply, shared.DefaultRetryConfig)
		require.NoError(t, err)
		assert.Equal(t, common.StatusOK, reply.ErrorCode)
		assert.Equal(t, int64(len(payload)), reply.ChunkSize)
		assert.Equal(t, common.ChunkVersion(2), reply.ChunkVersion)
	})

	t.Run(rpc_struct.CRPCGetChunkMetadataHandler+"_NotFound", func(t *testing.T) {
		reply := &rpc_struct.GetChunkMetadataReply{}
		err := shared.UnicastToRPCServer(
			string(source.ServerAddr),
			rpc_struct.CRPCGetChunkMetadataHandler,
			rpc_struct.GetChunkMetadataArgs{Handle: 9999},
			reply, shared.DefaultRetryConfig)
		require.NoError(t, err)
		assert.Equal(t, common.StatusNotFound, reply.ErrorCode)
	})

	t.Run(rpc_struct.CRPCReadChunkHandler, func(t *testing.T) {
		reply := &rpc_struct.ReadChunkReply{}
		err := shared.UnicastToRPCServer(
			string(source.ServerAddr),
			rpc_struct.CRPCReadChunkHandler,
			rpc_struct.ReadChunkArgs{
				Handle:   300,
				Version:  2,
				Offset:   0,
				NumBytes: int64(common.ChecksumBlockSize),
			}, reply, shared.DefaultRetryConfig)
		require.NoError(t, err)
		assert.Equal(t, common.StatusOK, reply.ErrorCode)
		assert.Equal(t, payload[:common.ChecksumBlockSize], reply.Data)
		assert.Len(t, reply.Checksums, 1)
	})
}

func TestReplicateChunkBetweenServers(t *testing.T) {
	sourceSink := &chanSink{ch: make(chan *rpc_struct.ReplicateChunkOp, 4)}
	source, sourceStore := setupChunkServer(t, sourceSink)

	destSink := &chanSink{ch: make(chan *rpc_struct.ReplicateChunkOp, 4)}
	dest, destStore := setupChunkServer(t, destSink)

	payload := make([]byte, (1<<20)+511)
	_, err := rand.Read(payload)
	require.NoError(t, err)
	seedChunk(t, sourceStore, 301, 4, payload)

	host, port := "127.0.0.1", 0
	_, err = fmt.Sscanf(string(source.ServerAddr), "127.0.0.1:%d", &port)
	require.NoError(t, err)

	reply := &rpc_struct.ReplicateChunkReply{}
	err = shared.UnicastToRPCServer(
		string(dest.ServerAddr),
		rpc_struct.CRPCReplicateChunkHandler,
		rpc_struct.ReplicateChunkArgs{
			Op: rpc_struct.ReplicateChunkOp{
				FileId:         1,
				ChunkHandle:    301,
				ChunkVersion:   4,
				TargetVersion:  9,
				SourceLocation: common.ServerLocation{Host: host, Port: port},
			},
		}, reply, shared.DefaultRetryConfig)
	require.NoError(t, err)
	assert.Equal(t, common.StatusOK, reply.ErrorCode)

	select {
	case op := <-destSink.ch:
		assert.Equal(t, common.StatusOK, op.Status)
		assert.Equal(t, common.ChunkVersion(9), op.ChunkVersion)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for replication to complete")
	}

	version, size, ok := destStore.Lookup(301)
	require.True(t, ok)
	assert.Equal(t, common.ChunkVersion(9), version)
	assert.Equal(t, common.Offset(len(payload)), size)
	got, _, err := destStore.Read(301, 0, int64(len(payload)), false)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}
