package rpc_struct

import (
	"github.com/caleberi/hermes-dfs/common"
)

// GetChunkMetadataArgs is the size probe sent to a source peer before
// streaming its chunk.
type GetChunkMetadataArgs struct {
	Handle      common.ChunkHandle
	ReadVerify  bool
	ChunkAccess string
}

type GetChunkMetadataReply struct {
	ChunkSize    int64
	ChunkVersion common.ChunkVersion
	ErrorCode    common.ErrorCode
	StatusMsg    string
}

// ReadChunkArgs asks a peer for numBytes of chunk data starting at
// Offset. When SkipVerifyDiskChecksum is unset the peer re-verifies its
// on-disk blocks before replying.
type ReadChunkArgs struct {
	Handle                 common.ChunkHandle
	Version                common.ChunkVersion
	Offset                 common.Offset
	NumBytes               int64
	SkipVerifyDiskChecksum bool
	ChunkAccess            string
}

type ReadChunkReply struct {
	Data      []byte
	Checksums []uint64
	ErrorCode common.ErrorCode
	StatusMsg string
}

// ReplicateChunkOp is the request the metadata server hands to a
// destination chunk server. SourceLocation selects direct replication;
// an invalid location selects erasure-coded recovery using the stripe
// parameters.
type ReplicateChunkOp struct {
	FileId         common.FileId
	ChunkHandle    common.ChunkHandle
	ChunkVersion   common.ChunkVersion
	TargetVersion  common.ChunkVersion // < 0 when unset
	SourceLocation common.ServerLocation
	Location       common.ServerLocation // metadata server, recovery only

	PathName          string
	FileSize          int64
	ChunkOffset       common.Offset
	StriperType       common.StriperType
	StripeSize        int
	NumStripes        int
	NumRecoveryStripes int

	MinStorageTier    int
	AllowClearText    bool
	ChunkServerAccess string

	// Result fields, mutated before SubmitOpResponse.
	Status          common.ErrorCode
	StatusMsg       string
	InvalidStripeIdx string
}

type ReplicateChunkArgs struct {
	Op ReplicateChunkOp
}

type ReplicateChunkReply struct {
	ErrorCode common.ErrorCode
}

// RecoveryGroupArgs resolves the RS stripe group covering the chunk at
// ChunkOffset of the file, so a recovering server can locate siblings.
type RecoveryGroupArgs struct {
	FileId      common.FileId
	ChunkOffset common.Offset
	AuthToken   string
}

type StripeChunk struct {
	StripeIdx int
	Handle    common.ChunkHandle
	Version   common.ChunkVersion
	Location  common.ServerLocation
	Missing   bool
}

type RecoveryGroupReply struct {
	Stripes   []StripeChunk
	ErrorCode common.ErrorCode
	StatusMsg string
}
