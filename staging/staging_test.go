package staging

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/leafsync/leafsync"
	"github.com/leafsync/leafsync/chunk"
)

func writeFileAndManifest(t *testing.T, data []byte, chunkSize uint32) ([]chunk.Chunk, leafsync.ChunkHash) {
	t.Helper()
	var chunks []chunk.Chunk
	b := chunk.NewBuilder(leafsync.HashSHA256)
	err := chunk.Chunks(context.Background(), bytes.NewReader(data), int(chunkSize), func(c chunk.Chunk) error {
		cp := chunk.Chunk{Index: c.Index, Bytes: append([]byte(nil), c.Bytes...)}
		chunks = append(chunks, cp)
		b.Add(chunk.Sum(leafsync.HashSHA256, c.Bytes))
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return chunks, b.Root()
}

func TestOpenWriteVerifyFinalize(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "sub", "file.bin")

	data := bytes.Repeat([]byte{0x42}, 2500)
	chunks, root := writeFileAndManifest(t, data, 1000)

	store := New()
	h, err := Open(context.Background(), store, dest, root, uint64(len(data)), 1000, leafsync.HashSHA256)
	if err != nil {
		t.Fatal(err)
	}

	for _, c := range chunks {
		if err := h.WriteChunk(uint32(c.Index), c.Bytes); err != nil {
			t.Fatal(err)
		}
	}
	if err := h.Flush(); err != nil {
		t.Fatal(err)
	}
	if !h.Complete() {
		t.Fatal("expected complete after all chunks written")
	}

	ok, err := h.VerifyRoot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected root to verify")
	}

	if err := h.Finalize(0o644); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("finalized content mismatch")
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(dest), stagingDir, "file.bin"+recSuffix)); !os.IsNotExist(err) {
		t.Fatal("expected staging record to be removed after finalize")
	}
}

func TestResumeOnlyFetchesMissingIndices(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "file.bin")

	data := bytes.Repeat([]byte{0x01}, 5000)
	chunks, root := writeFileAndManifest(t, data, 1000)

	store := New()
	h, err := Open(context.Background(), store, dest, root, uint64(len(data)), 1000, leafsync.HashSHA256)
	if err != nil {
		t.Fatal(err)
	}
	for _, idx := range []int{0, 1, 2} {
		if err := h.WriteChunk(uint32(idx), chunks[idx].Bytes); err != nil {
			t.Fatal(err)
		}
	}
	if err := h.Flush(); err != nil {
		t.Fatal(err)
	}
	if err := h.Abandon(); err != nil {
		t.Fatal(err)
	}

	h2, err := Open(context.Background(), store, dest, root, uint64(len(data)), 1000, leafsync.HashSHA256)
	if err != nil {
		t.Fatal(err)
	}
	missing := h2.MissingIndices()
	want := []uint32{3, 4}
	if len(missing) != len(want) {
		t.Fatalf("got %v, want %v", missing, want)
	}
	for i := range want {
		if missing[i] != want[i] {
			t.Fatalf("got %v, want %v", missing, want)
		}
	}
	for _, idx := range missing {
		if err := h2.WriteChunk(idx, chunks[idx].Bytes); err != nil {
			t.Fatal(err)
		}
	}
	ok, err := h2.VerifyRoot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected completed resume to verify")
	}
	if err := h2.Finalize(0); err != nil {
		t.Fatal(err)
	}
}

func TestDiscardLeavesDestinationUntouched(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "file.bin")
	if err := os.WriteFile(dest, []byte("original"), 0o644); err != nil {
		t.Fatal(err)
	}

	data := bytes.Repeat([]byte{0x9}, 2000)
	chunks, root := writeFileAndManifest(t, data, 1000)

	store := New()
	h, err := Open(context.Background(), store, dest, root, uint64(len(data)), 1000, leafsync.HashSHA256)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.WriteChunk(0, chunks[0].Bytes); err != nil {
		t.Fatal(err)
	}
	if err := h.Discard(); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "original" {
		t.Fatalf("destination mutated: %q", got)
	}
}

func TestConcurrentOpenFailsBusy(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "file.bin")
	data := bytes.Repeat([]byte{0x5}, 1000)
	_, root := writeFileAndManifest(t, data, 1000)

	store := New()
	h, err := Open(context.Background(), store, dest, root, uint64(len(data)), 1000, leafsync.HashSHA256)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Abandon()

	_, err = Open(context.Background(), store, dest, root, uint64(len(data)), 1000, leafsync.HashSHA256)
	if err == nil {
		t.Fatal("expected Busy error on concurrent open")
	}
	kind, ok := leafsync.KindOf(err)
	if !ok || kind != leafsync.Busy {
		t.Fatalf("got kind %v, want Busy", kind)
	}
}

func TestTrashPreservesFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "c.bin")
	if err := os.WriteFile(src, []byte("keep me"), 0o644); err != nil {
		t.Fatal(err)
	}
	trashRoot := filepath.Join(dir, ".leafsync_trash", "20260101T000000.000000000Z")
	if err := Trash(src, trashRoot, "c.bin"); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(filepath.Join(trashRoot, "c.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "keep me" {
		t.Fatal("trashed content mismatch")
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatal("expected original path to be gone after trash move")
	}
}
