package wire

import (
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/leafsync/leafsync"
)

var (
	encOnce sync.Once
	enc     *zstd.Encoder
	encErr  error

	decOnce sync.Once
	dec     *zstd.Decoder
	decErr  error
)

func zstdEncoder() (*zstd.Encoder, error) {
	encOnce.Do(func() { enc, encErr = zstd.NewWriter(nil) })
	return enc, encErr
}

func zstdDecoder() (*zstd.Decoder, error) {
	decOnce.Do(func() { dec, decErr = zstd.NewReader(nil) })
	return dec, decErr
}

// CompressChunk wraps b in a zstd frame. Called only after the
// chunk's hash has been computed on the sender, so compression never
// touches what gets hashed.
func CompressChunk(b []byte) ([]byte, error) {
	e, err := zstdEncoder()
	if err != nil {
		return nil, leafsync.WrapKind(leafsync.IoError, err, "constructing zstd encoder")
	}
	return e.EncodeAll(b, nil), nil
}

// DecompressChunk undoes CompressChunk. Called before hash
// verification on the receiver, so the bytes handed to the Merkle
// hasher are always the original, uncompressed chunk.
func DecompressChunk(b []byte) ([]byte, error) {
	d, err := zstdDecoder()
	if err != nil {
		return nil, leafsync.WrapKind(leafsync.IoError, err, "constructing zstd decoder")
	}
	out, err := d.DecodeAll(b, nil)
	if err != nil {
		return nil, leafsync.WrapKind(leafsync.ProtocolError, err, "decompressing chunk payload")
	}
	return out, nil
}
