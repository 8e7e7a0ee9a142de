package transfer

import (
	"github.com/leafsync/leafsync"
	"github.com/leafsync/leafsync/chunk"
)

func sumChunk(algo leafsync.HashAlgo, b []byte) leafsync.ChunkHash {
	return chunk.Sum(algo, b)
}
