package staging

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/leafsync/leafsync"
)

// recordMagic identifies a StagingRecord file.
var recordMagic = [4]byte{'L', 'S', 'Y', 'N'}

// recordVersion is the only format version this implementation
// writes or accepts.
const recordVersion = 1

// Record is the persistent state of one in-progress file transfer:
// its expected identity and a bitmap of which chunks have been
// verified and written to the staging artifact so far.
type Record struct {
	ExpectedRoot leafsync.ChunkHash
	ExpectedSize uint64
	ChunkSize    uint32
	ChunkCount   uint32
	Bitmap       []byte // ceil(ChunkCount/8) bytes, LSB = chunk 0
}

// NewRecord allocates a zeroed Record (no chunks received yet) for
// the given file identity.
func NewRecord(expectedRoot leafsync.ChunkHash, expectedSize uint64, chunkSize, chunkCount uint32) *Record {
	return &Record{
		ExpectedRoot: expectedRoot,
		ExpectedSize: expectedSize,
		ChunkSize:    chunkSize,
		ChunkCount:   chunkCount,
		Bitmap:       make([]byte, (chunkCount+7)/8),
	}
}

// HasChunk reports whether bit index has been set.
func (r *Record) HasChunk(index uint32) bool {
	if index >= r.ChunkCount {
		return false
	}
	return r.Bitmap[index/8]&(1<<(index%8)) != 0
}

// SetChunk sets bit index.
func (r *Record) SetChunk(index uint32) {
	if index >= r.ChunkCount {
		return
	}
	r.Bitmap[index/8] |= 1 << (index % 8)
}

// Complete reports whether every chunk bit up to ChunkCount is set.
func (r *Record) Complete() bool {
	for i := uint32(0); i < r.ChunkCount; i++ {
		if !r.HasChunk(i) {
			return false
		}
	}
	return true
}

// MissingIndices returns the sorted list of chunk indices whose bit
// is not yet set.
func (r *Record) MissingIndices() []uint32 {
	var out []uint32
	for i := uint32(0); i < r.ChunkCount; i++ {
		if !r.HasChunk(i) {
			out = append(out, i)
		}
	}
	return out
}

// Matches reports whether r's identity matches the given expected
// values — used to decide whether an existing record can be resumed
// or must be discarded.
func (r *Record) Matches(expectedRoot leafsync.ChunkHash, expectedSize uint64, chunkSize uint32) bool {
	return r.ExpectedRoot == expectedRoot && r.ExpectedSize == expectedSize && r.ChunkSize == chunkSize
}

// Encode serializes r into the stable on-disk StagingRecord format:
// magic, version, expected root, expected size, chunk size, chunk
// count, bitmap, trailing CRC32 of everything preceding it.
func (r *Record) Encode() []byte {
	buf := make([]byte, 0, 4+1+leafsync.HashSize+8+4+4+len(r.Bitmap)+4)
	buf = append(buf, recordMagic[:]...)
	buf = append(buf, recordVersion)
	buf = append(buf, r.ExpectedRoot[:]...)
	buf = appendUint64(buf, r.ExpectedSize)
	buf = appendUint32(buf, r.ChunkSize)
	buf = appendUint32(buf, r.ChunkCount)
	buf = append(buf, r.Bitmap...)

	sum := crc32.ChecksumIEEE(buf)
	buf = appendUint32(buf, sum)
	return buf
}

// DecodeRecord parses the stable on-disk StagingRecord format,
// rejecting bad magic, an unsupported version, a truncated buffer,
// or a CRC mismatch.
func DecodeRecord(data []byte) (*Record, error) {
	const headerLen = 4 + 1 + leafsync.HashSize + 8 + 4 + 4
	if len(data) < headerLen+4 {
		return nil, leafsync.KindErrorf(leafsync.IntegrityError, "staging record too short: %d bytes", len(data))
	}
	if string(data[0:4]) != string(recordMagic[:]) {
		return nil, leafsync.KindErrorf(leafsync.IntegrityError, "staging record has bad magic")
	}
	if data[4] != recordVersion {
		return nil, leafsync.KindErrorf(leafsync.IntegrityError, "staging record has unsupported version %d", data[4])
	}

	body := data[:len(data)-4]
	wantSum := binary.BigEndian.Uint32(data[len(data)-4:])
	gotSum := crc32.ChecksumIEEE(body)
	if gotSum != wantSum {
		return nil, leafsync.KindErrorf(leafsync.IntegrityError, "staging record CRC mismatch")
	}

	pos := 5
	var root leafsync.ChunkHash
	copy(root[:], data[pos:pos+leafsync.HashSize])
	pos += leafsync.HashSize

	expectedSize := binary.BigEndian.Uint64(data[pos:])
	pos += 8
	chunkSize := binary.BigEndian.Uint32(data[pos:])
	pos += 4
	chunkCount := binary.BigEndian.Uint32(data[pos:])
	pos += 4

	bitmapLen := int((chunkCount + 7) / 8)
	if pos+bitmapLen > len(body) {
		return nil, leafsync.KindErrorf(leafsync.IntegrityError, "staging record bitmap truncated")
	}
	bitmap := append([]byte(nil), data[pos:pos+bitmapLen]...)

	return &Record{
		ExpectedRoot: root,
		ExpectedSize: expectedSize,
		ChunkSize:    chunkSize,
		ChunkCount:   chunkCount,
		Bitmap:       bitmap,
	}, nil
}

func appendUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}
