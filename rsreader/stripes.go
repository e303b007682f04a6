package rsreader

import (
	"bytes"
	"encoding/binary"

	"github.com/caleberi/hermes-dfs/common"
)

// InvalidStripe identifies a stripe whose chunk could not serve its
// share of a recovery read.
type InvalidStripe struct {
	StripeIdx int32
	Handle    int64
	Version   int64
}

// EncodeInvalidStripes packs stripes into the wire form delivered on a
// failed Done upcall: a sequence of (int32 idx, int64 chunkId, int64
// version) triples.
func EncodeInvalidStripes(stripes []InvalidStripe) []byte {
	var buf bytes.Buffer
	for _, s := range stripes {
		binary.Write(&buf, binary.BigEndian, s.StripeIdx)
		binary.Write(&buf, binary.BigEndian, s.Handle)
		binary.Write(&buf, binary.BigEndian, s.Version)
	}
	return buf.Bytes()
}

// DecodeInvalidStripes is the inverse of EncodeInvalidStripes. A
// malformed buffer returns false.
func DecodeInvalidStripes(raw []byte) ([]InvalidStripe, bool) {
	const tripleSize = 4 + 8 + 8
	if len(raw)%tripleSize != 0 {
		return nil, false
	}
	r := bytes.NewReader(raw)
	stripes := make([]InvalidStripe, 0, len(raw)/tripleSize)
	for r.Len() > 0 {
		var s InvalidStripe
		if err := binary.Read(r, binary.BigEndian, &s.StripeIdx); err != nil {
			return nil, false
		}
		if err := binary.Read(r, binary.BigEndian, &s.Handle); err != nil {
			return nil, false
		}
		if err := binary.Read(r, binary.BigEndian, &s.Version); err != nil {
			return nil, false
		}
		stripes = append(stripes, s)
	}
	return stripes, true
}

// Layout describes the striping of one RS block: file bytes round-robin
// in stripeSize units across numStripes data chunks, protected by
// numRecoveryStripes parity chunks of equal geometry.
type Layout struct {
	StripeSize         int
	NumStripes         int
	NumRecoveryStripes int
}

// DataSpan is the count of logical file bytes one RS block protects.
func (l Layout) DataSpan() int64 {
	return int64(l.NumStripes) * common.ChunkMaxSizeInByte
}

// OffsetSpan is the chunk-offset footprint of one RS block: the file's
// chunk layout allocates slots for the parity chunks too.
func (l Layout) OffsetSpan() int64 {
	return int64(l.NumStripes+l.NumRecoveryStripes) * common.ChunkMaxSizeInByte
}

// StripeIndex derives a chunk's position in its stripe group from its
// offset.
func (l Layout) StripeIndex(chunkOffset common.Offset) int {
	return int(int64(chunkOffset) / common.ChunkMaxSizeInByte %
		int64(l.NumStripes+l.NumRecoveryStripes))
}

// ChunkDataLength computes how many bytes of real data the chunk at
// chunkOffset holds given the file size. Parity chunks mirror the
// longest data chunk rounded up to a stripe boundary. A zero or
// negative fileSize means the length is unknown and a full chunk is
// assumed.
func (l Layout) ChunkDataLength(chunkOffset common.Offset, stripeIdx int, fileSize int64) int64 {
	if fileSize <= 0 {
		return common.ChunkMaxSizeInByte
	}
	blockIdx := int64(chunkOffset) / l.OffsetSpan()
	remaining := fileSize - blockIdx*l.DataSpan()
	if remaining <= 0 {
		return 0
	}
	if remaining > l.DataSpan() {
		remaining = l.DataSpan()
	}
	dataLen := func(idx int) int64 {
		round := int64(l.StripeSize) * int64(l.NumStripes)
		full := remaining / round * int64(l.StripeSize)
		rem := remaining % round
		tail := rem - int64(idx)*int64(l.StripeSize)
		if tail < 0 {
			tail = 0
		}
		if tail > int64(l.StripeSize) {
			tail = int64(l.StripeSize)
		}
		return full + tail
	}
	if stripeIdx < l.NumStripes {
		return dataLen(stripeIdx)
	}
	// Parity stripes cover every write of the longest data chunk.
	longest := dataLen(0)
	aligned := (longest + int64(l.StripeSize) - 1) / int64(l.StripeSize) * int64(l.StripeSize)
	if aligned > common.ChunkMaxSizeInByte {
		aligned = common.ChunkMaxSizeInByte
	}
	return aligned
}
