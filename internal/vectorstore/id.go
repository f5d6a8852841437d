package vectorstore

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// VectorID maps a chunk id to its vector id: the first 16 hex chars of
// sha256 over the decimal chunk id, interpreted as an integer, mod 2^63.
// The mapping is a pure function, so deletion and re-ingestion never need
// a lookup table. It must stay stable across versions or the index has to
// be rebuilt.
func VectorID(chunkID int64) int64 {
	sum := sha256.Sum256([]byte(strconv.FormatInt(chunkID, 10)))
	digest := hex.EncodeToString(sum[:])
	v, _ := strconv.ParseUint(digest[:16], 16, 64)
	return int64(v % (1 << 63))
}

// VectorIDs maps a batch of chunk ids.
func VectorIDs(chunkIDs []int64) []int64 {
	out := make([]int64, len(chunkIDs))
	for i, id := range chunkIDs {
		out[i] = VectorID(id)
	}
	return out
}
