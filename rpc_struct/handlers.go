package rpc_struct

// Registered RPC handler names. The CRPC prefix marks chunk server
// handlers, MRPC marks metadata server handlers.
const (
	CRPCGetChunkMetadataHandler = "ChunkServer.RPCGetChunkMetadataHandler"
	CRPCReadChunkHandler        = "ChunkServer.RPCReadChunkHandler"
	CRPCReplicateChunkHandler   = "ChunkServer.RPCReplicateChunkHandler"

	MRPCGetRecoveryGroupHandler = "MetaServer.RPCGetRecoveryGroupHandler"
)
