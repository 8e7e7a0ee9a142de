package wire

import (
	"bytes"
	"io"
	"testing"

	"github.com/leafsync/leafsync"
	"github.com/leafsync/leafsync/manifest"
)

func roundTrip(t *testing.T, msg interface{}) interface{} {
	t.Helper()
	payload, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	buf := &bytes.Buffer{}
	if err := WriteFrame(buf, payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := ReadFrame(buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	decoded, err := Decode(got)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return decoded
}

func TestHelloRoundTrip(t *testing.T) {
	in := Hello{Version: 1, ChunkSize: 1 << 20, HashAlgo: leafsync.HashBLAKE3, CompressZstd: true}
	out := roundTrip(t, in)
	got, ok := out.(Hello)
	if !ok || got != in {
		t.Fatalf("got %#v, want %#v", out, in)
	}
}

func TestRespManifestRoundTrip(t *testing.T) {
	var h1, h2 leafsync.ChunkHash
	h1[0], h2[0] = 1, 2
	in := RespManifest{
		Found:       true,
		Path:        "a/b.bin",
		Size:        2048,
		ChunkSize:   1024,
		ChunkHashes: []leafsync.ChunkHash{h1, h2},
		Root:        h2,
		ModeBits:    0644,
	}
	out := roundTrip(t, in)
	got, ok := out.(RespManifest)
	if !ok {
		t.Fatalf("wrong type %T", out)
	}
	if got.Path != in.Path || got.Size != in.Size || got.ChunkSize != in.ChunkSize || got.Root != in.Root || got.ModeBits != in.ModeBits {
		t.Fatalf("got %#v, want %#v", got, in)
	}
	if len(got.ChunkHashes) != 2 || got.ChunkHashes[0] != h1 || got.ChunkHashes[1] != h2 {
		t.Fatalf("chunk hashes mismatch: %v", got.ChunkHashes)
	}
}

func TestRespSummaryRoundTrip(t *testing.T) {
	in := RespSummary{Entries: []manifest.DirectoryEntry{
		{RelativePath: "a.txt", Size: 10},
		{RelativePath: "dir/b.txt", Size: 20},
	}}
	out := roundTrip(t, in)
	got, ok := out.(RespSummary)
	if !ok || len(got.Entries) != 2 || got.Entries[1].RelativePath != "dir/b.txt" {
		t.Fatalf("got %#v", out)
	}
}

func TestReqChunksSortedDeduped(t *testing.T) {
	in := ReqChunks{Path: "f", Indices: []uint32{3, 1, 1, 2, 3}}
	out := roundTrip(t, in)
	got, ok := out.(ReqChunks)
	if !ok {
		t.Fatalf("wrong type %T", out)
	}
	want := []uint32{1, 2, 3}
	if len(got.Indices) != len(want) {
		t.Fatalf("got %v, want %v", got.Indices, want)
	}
	for i := range want {
		if got.Indices[i] != want[i] {
			t.Fatalf("got %v, want %v", got.Indices, want)
		}
	}
}

func TestOversizeFrameRejected(t *testing.T) {
	big := make([]byte, MaxFrameLen+1)
	buf := &bytes.Buffer{}
	if err := WriteFrame(buf, big); err == nil {
		t.Fatal("expected error writing oversize frame")
	}
}

func TestReadFrameEOF(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader(nil))
	if err != io.EOF {
		t.Fatalf("got %v, want io.EOF", err)
	}
}

func TestCompressRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("hello leafsync "), 100)
	compressed, err := CompressChunk(data)
	if err != nil {
		t.Fatal(err)
	}
	back, err := DecompressChunk(compressed)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(back, data) {
		t.Fatal("round trip mismatch")
	}
}

func TestBusErrorMsgRoundTrip(t *testing.T) {
	in := ErrorMsg{Code: ErrCodeVersion, Message: "version mismatch"}
	out := roundTrip(t, in)
	got, ok := out.(ErrorMsg)
	if !ok || got != in {
		t.Fatalf("got %#v, want %#v", out, in)
	}
}

func TestByeRoundTrip(t *testing.T) {
	out := roundTrip(t, Bye{})
	if _, ok := out.(Bye); !ok {
		t.Fatalf("got %#v, want Bye", out)
	}
}
