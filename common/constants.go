package common

// Sizing of chunks and their verification blocks. The checksum block is
// the unit of partial-read verification and must divide the chunk size.
const (
	ChunkMaxSizeInByte = 64 << 20
	ChecksumBlockSize  = 64 << 10
	IOBufferSize       = 4 << 10

	StripeAlignment = 4 << 10
	MinStripeSize   = StripeAlignment
	MaxStripeSize   = ChunkMaxSizeInByte
)

// DefaultReplicationReadSize is 1 MiB rounded up to a whole number of
// checksum blocks.
const DefaultReplicationReadSize = ((1 << 20) + ChecksumBlockSize - 1) /
	ChecksumBlockSize * ChecksumBlockSize

const (
	ChunkFileNameFormat = "chunk-%d.%d"
	FileMode            = 0644
)
