package chunkstore

import (
	"github.com/caleberi/hermes-dfs/common"
	"github.com/cespare/xxhash/v2"
)

// BlockChecksums hashes data in ChecksumBlockSize units, one sum per
// block. A trailing partial block gets its own sum.
func BlockChecksums(data []byte) []uint64 {
	if len(data) == 0 {
		return nil
	}
	n := (len(data) + common.ChecksumBlockSize - 1) / common.ChecksumBlockSize
	sums := make([]uint64, 0, n)
	for off := 0; off < len(data); off += common.ChecksumBlockSize {
		end := off + common.ChecksumBlockSize
		if end > len(data) {
			end = len(data)
		}
		sums = append(sums, xxhash.Sum64(data[off:end]))
	}
	return sums
}
