package wire

import (
	"encoding/binary"
	"sort"

	"github.com/leafsync/leafsync"
	"github.com/leafsync/leafsync/manifest"
)

// Tag identifies a message's type within a frame payload.
type Tag uint8

const (
	TagHello         Tag = 0x01
	TagHelloOK       Tag = 0x02
	TagReqSummary    Tag = 0x10
	TagRespSummary   Tag = 0x11
	TagReqManifest   Tag = 0x20
	TagRespManifest  Tag = 0x21
	TagReqChunks     Tag = 0x30
	TagRespChunk     Tag = 0x31
	TagRespChunksEnd Tag = 0x32
	TagError         Tag = 0x7F
	TagBye           Tag = 0xFF
)

// ProtocolVersion is the version this implementation speaks. A HELLO
// carrying a different version is rejected with ERROR code=VERSION.
const ProtocolVersion uint16 = 1

// ErrCodeVersion is the ERROR code used for a HELLO version mismatch.
const ErrCodeVersion uint16 = 1

// Hello is sent client->server to open a session.
type Hello struct {
	Version      uint16
	ChunkSize    uint32
	HashAlgo     leafsync.HashAlgo
	CompressZstd bool
}

// HelloOK echoes the negotiated parameters back to the client.
type HelloOK struct {
	Version      uint16
	ChunkSize    uint32
	HashAlgo     leafsync.HashAlgo
	CompressZstd bool
}

// ReqSummary optionally scopes a summary request to one path.
type ReqSummary struct {
	HasScope bool
	Path     string
}

// RespSummary carries the directory summary's (path, size, root)
// triples, in sorted order.
type RespSummary struct {
	Entries []manifest.DirectoryEntry
}

// ReqManifest requests one file's manifest.
type ReqManifest struct {
	Path string
}

// RespManifest carries either a found manifest or a not-found marker
// for Path.
type RespManifest struct {
	Found       bool
	Path        string
	Size        uint64
	ChunkSize   uint32
	ChunkHashes []leafsync.ChunkHash
	Root        leafsync.ChunkHash
	ModeBits    uint32
}

// ReqChunks requests a sorted, deduplicated set of chunk indices for
// one file.
type ReqChunks struct {
	Path    string
	Indices []uint32
}

// RespChunk carries one chunk's raw bytes (possibly zstd-wrapped; see
// Compressed).
type RespChunk struct {
	Path       string
	Index      uint32
	Bytes      []byte
	Compressed bool
}

// RespChunksEnd signals that every requested chunk for Path has been
// sent.
type RespChunksEnd struct {
	Path string
}

// ErrorMsg carries a protocol-level error, sendable by either side.
type ErrorMsg struct {
	Code    uint16
	Message string
}

// Bye signals a clean session close.
type Bye struct{}

type encoder struct {
	buf []byte
}

func (e *encoder) u8(v uint8)   { e.buf = append(e.buf, v) }
func (e *encoder) bool(v bool) {
	if v {
		e.u8(1)
	} else {
		e.u8(0)
	}
}
func (e *encoder) u16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	e.buf = append(e.buf, b[:]...)
}
func (e *encoder) u32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.buf = append(e.buf, b[:]...)
}
func (e *encoder) u64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	e.buf = append(e.buf, b[:]...)
}
func (e *encoder) hash(h leafsync.ChunkHash) { e.buf = append(e.buf, h[:]...) }
func (e *encoder) str(s string)              { e.u16(uint16(len(s))); e.buf = append(e.buf, s...) }
func (e *encoder) bytes(b []byte)            { e.u32(uint32(len(b))); e.buf = append(e.buf, b...) }

type decoder struct {
	buf []byte
	pos int
	err error
}

func (d *decoder) failIfShort(n int) bool {
	if d.err != nil {
		return true
	}
	if d.pos+n > len(d.buf) {
		d.err = leafsync.KindErrorf(leafsync.ProtocolError, "truncated message payload")
		return true
	}
	return false
}

func (d *decoder) u8() uint8 {
	if d.failIfShort(1) {
		return 0
	}
	v := d.buf[d.pos]
	d.pos++
	return v
}
func (d *decoder) boolean() bool { return d.u8() != 0 }
func (d *decoder) u16() uint16 {
	if d.failIfShort(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(d.buf[d.pos:])
	d.pos += 2
	return v
}
func (d *decoder) u32() uint32 {
	if d.failIfShort(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(d.buf[d.pos:])
	d.pos += 4
	return v
}
func (d *decoder) u64() uint64 {
	if d.failIfShort(8) {
		return 0
	}
	v := binary.BigEndian.Uint64(d.buf[d.pos:])
	d.pos += 8
	return v
}
func (d *decoder) hash() leafsync.ChunkHash {
	var h leafsync.ChunkHash
	if d.failIfShort(leafsync.HashSize) {
		return h
	}
	copy(h[:], d.buf[d.pos:])
	d.pos += leafsync.HashSize
	return h
}
func (d *decoder) str() string {
	n := int(d.u16())
	if d.failIfShort(n) {
		return ""
	}
	s := string(d.buf[d.pos : d.pos+n])
	d.pos += n
	return s
}
func (d *decoder) bytes() []byte {
	n := int(d.u32())
	if d.failIfShort(n) {
		return nil
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b
}

// Encode serializes msg into a tagged frame payload, ready for
// WriteFrame.
func Encode(msg interface{}) ([]byte, error) {
	e := &encoder{}
	switch m := msg.(type) {
	case Hello:
		e.u8(uint8(TagHello))
		e.u16(m.Version)
		e.u32(m.ChunkSize)
		e.u8(uint8(m.HashAlgo))
		e.bool(m.CompressZstd)
	case HelloOK:
		e.u8(uint8(TagHelloOK))
		e.u16(m.Version)
		e.u32(m.ChunkSize)
		e.u8(uint8(m.HashAlgo))
		e.bool(m.CompressZstd)
	case ReqSummary:
		e.u8(uint8(TagReqSummary))
		e.bool(m.HasScope)
		if m.HasScope {
			e.str(m.Path)
		}
	case RespSummary:
		e.u8(uint8(TagRespSummary))
		e.u32(uint32(len(m.Entries)))
		for _, ent := range m.Entries {
			e.str(ent.RelativePath)
			e.u64(ent.Size)
			e.hash(ent.Root)
		}
	case ReqManifest:
		e.u8(uint8(TagReqManifest))
		e.str(m.Path)
	case RespManifest:
		e.u8(uint8(TagRespManifest))
		e.bool(m.Found)
		e.str(m.Path)
		if m.Found {
			e.u64(m.Size)
			e.u32(m.ChunkSize)
			e.u32(uint32(len(m.ChunkHashes)))
			for _, h := range m.ChunkHashes {
				e.hash(h)
			}
			e.hash(m.Root)
			e.u32(m.ModeBits)
		}
	case ReqChunks:
		e.u8(uint8(TagReqChunks))
		e.str(m.Path)
		idx := sortedUint32Copy(m.Indices)
		e.u32(uint32(len(idx)))
		for _, i := range idx {
			e.u32(i)
		}
	case RespChunk:
		e.u8(uint8(TagRespChunk))
		e.str(m.Path)
		e.u32(m.Index)
		e.bool(m.Compressed)
		e.bytes(m.Bytes)
	case RespChunksEnd:
		e.u8(uint8(TagRespChunksEnd))
		e.str(m.Path)
	case ErrorMsg:
		e.u8(uint8(TagError))
		e.u16(m.Code)
		e.str(m.Message)
	case Bye:
		e.u8(uint8(TagBye))
	default:
		return nil, leafsync.KindErrorf(leafsync.ProtocolError, "unknown message type %T", msg)
	}
	return e.buf, nil
}

// Decode parses a frame payload into its concrete message type. The
// returned value is one of the message structs in this package
// (Hello, HelloOK, ReqSummary, ...); callers switch on its dynamic
// type.
func Decode(payload []byte) (interface{}, error) {
	if len(payload) == 0 {
		return nil, leafsync.KindErrorf(leafsync.ProtocolError, "empty message payload")
	}
	d := &decoder{buf: payload, pos: 1}
	tag := Tag(payload[0])
	var msg interface{}
	switch tag {
	case TagHello:
		msg = Hello{Version: d.u16(), ChunkSize: d.u32(), HashAlgo: leafsync.HashAlgo(d.u8()), CompressZstd: d.boolean()}
	case TagHelloOK:
		msg = HelloOK{Version: d.u16(), ChunkSize: d.u32(), HashAlgo: leafsync.HashAlgo(d.u8()), CompressZstd: d.boolean()}
	case TagReqSummary:
		hasScope := d.boolean()
		var path string
		if hasScope {
			path = d.str()
		}
		msg = ReqSummary{HasScope: hasScope, Path: path}
	case TagRespSummary:
		n := d.u32()
		entries := make([]manifest.DirectoryEntry, 0, n)
		for i := uint32(0); i < n && d.err == nil; i++ {
			entries = append(entries, manifest.DirectoryEntry{RelativePath: d.str(), Size: d.u64(), Root: d.hash()})
		}
		msg = RespSummary{Entries: entries}
	case TagReqManifest:
		msg = ReqManifest{Path: d.str()}
	case TagRespManifest:
		found := d.boolean()
		path := d.str()
		rm := RespManifest{Found: found, Path: path}
		if found {
			rm.Size = d.u64()
			rm.ChunkSize = d.u32()
			n := d.u32()
			rm.ChunkHashes = make([]leafsync.ChunkHash, 0, n)
			for i := uint32(0); i < n && d.err == nil; i++ {
				rm.ChunkHashes = append(rm.ChunkHashes, d.hash())
			}
			rm.Root = d.hash()
			rm.ModeBits = d.u32()
		}
		msg = rm
	case TagReqChunks:
		path := d.str()
		n := d.u32()
		indices := make([]uint32, 0, n)
		for i := uint32(0); i < n && d.err == nil; i++ {
			indices = append(indices, d.u32())
		}
		msg = ReqChunks{Path: path, Indices: indices}
	case TagRespChunk:
		path := d.str()
		index := d.u32()
		compressed := d.boolean()
		data := d.bytes()
		cp := append([]byte(nil), data...)
		msg = RespChunk{Path: path, Index: index, Compressed: compressed, Bytes: cp}
	case TagRespChunksEnd:
		msg = RespChunksEnd{Path: d.str()}
	case TagError:
		msg = ErrorMsg{Code: d.u16(), Message: d.str()}
	case TagBye:
		msg = Bye{}
	default:
		return nil, leafsync.KindErrorf(leafsync.ProtocolError, "unknown message tag 0x%02x", uint8(tag))
	}
	if d.err != nil {
		return nil, d.err
	}
	return msg, nil
}

func sortedUint32Copy(in []uint32) []uint32 {
	out := append([]uint32(nil), in...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return dedupUint32(out)
}

func dedupUint32(sorted []uint32) []uint32 {
	if len(sorted) == 0 {
		return sorted
	}
	out := sorted[:1]
	for _, v := range sorted[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}
