package rsreader

import (
	"testing"

	"github.com/caleberi/hermes-dfs/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvalidStripeCodec(t *testing.T) {
	in := []InvalidStripe{
		{StripeIdx: 2, Handle: 77, Version: 9},
		{StripeIdx: 5, Handle: -1, Version: 3},
	}
	raw := EncodeInvalidStripes(in)
	out, ok := DecodeInvalidStripes(raw)
	require.True(t, ok)
	assert.Equal(t, in, out)

	_, ok = DecodeInvalidStripes(raw[:len(raw)-3])
	assert.False(t, ok)

	empty, ok := DecodeInvalidStripes(nil)
	require.True(t, ok)
	assert.Empty(t, empty)
}

func TestChunkDataLength(t *testing.T) {
	layout := Layout{StripeSize: 64 << 10, NumStripes: 6, NumRecoveryStripes: 3}

	testCases := []struct {
		name        string
		fileSize    int64
		chunkOffset common.Offset
		stripeIdx   int
		want        int64
	}{
		{
			name:     "UnknownFileSizeAssumesFullChunk",
			fileSize: 0, stripeIdx: 0,
			want: common.ChunkMaxSizeInByte,
		},
		{
			name:     "TailLandsInStripeZero",
			fileSize: 18<<20 + 100, stripeIdx: 0,
			want: 3<<20 + 100,
		},
		{
			name:     "SiblingStripesHoldFullRounds",
			fileSize: 18<<20 + 100, stripeIdx: 3,
			want: 3 << 20,
		},
		{
			name:     "ParityCoversLongestStripeAligned",
			fileSize: 18<<20 + 100, stripeIdx: 7,
			want: 3<<20 + 64<<10,
		},
		{
			name:     "EmptyBeyondFileEnd",
			fileSize: 1 << 20, chunkOffset: common.Offset(layout.OffsetSpan()), stripeIdx: 0,
			want: 0,
		},
		{
			name:     "FullBlock",
			fileSize: layout.DataSpan() * 2, stripeIdx: 2,
			want: common.ChunkMaxSizeInByte,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := layout.ChunkDataLength(tc.chunkOffset, tc.stripeIdx, tc.fileSize)
			assert.Equal(t, tc.want, got)
		})
	}
}
