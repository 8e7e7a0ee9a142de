package chunk

import (
	"bytes"
	"context"
	"testing"
	"testing/quick"

	"github.com/leafsync/leafsync"
)

func TestChunksSizes(t *testing.T) {
	data := bytes.Repeat([]byte{0xab}, 3*1024+100)
	var got []Chunk
	err := Chunks(context.Background(), bytes.NewReader(data), 1024, func(c Chunk) error {
		cp := Chunk{Index: c.Index, Bytes: append([]byte(nil), c.Bytes...)}
		got = append(got, cp)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 4 {
		t.Fatalf("got %d chunks, want 4", len(got))
	}
	for i := 0; i < 3; i++ {
		if len(got[i].Bytes) != 1024 {
			t.Errorf("chunk %d: got len %d, want 1024", i, len(got[i].Bytes))
		}
	}
	if len(got[3].Bytes) != 100 {
		t.Errorf("last chunk: got len %d, want 100", len(got[3].Bytes))
	}
}

func TestChunksEmpty(t *testing.T) {
	var calls int
	err := Chunks(context.Background(), bytes.NewReader(nil), 1024, func(Chunk) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 0 {
		t.Errorf("got %d calls for empty input, want 0", calls)
	}
}

func TestMerkleRootEmpty(t *testing.T) {
	root := MerkleRoot(leafsync.HashSHA256, nil)
	want := Sum(leafsync.HashSHA256, nil)
	if root != want {
		t.Errorf("empty root = %s, want %s", root, want)
	}
}

func TestMerkleRootOddPromotion(t *testing.T) {
	// Three leaves: level 1 pairs (0,1) and promotes 2 unchanged;
	// the root must NOT equal hash(pair(2,2)).
	leaves := []leafsync.ChunkHash{
		Sum(leafsync.HashSHA256, []byte("a")),
		Sum(leafsync.HashSHA256, []byte("b")),
		Sum(leafsync.HashSHA256, []byte("c")),
	}
	root := MerkleRoot(leafsync.HashSHA256, leaves)

	pair01 := hashPair(leafsync.HashSHA256, leaves[0], leaves[1])
	wantRoot := hashPair(leafsync.HashSHA256, pair01, leaves[2])
	if root != wantRoot {
		t.Errorf("root = %s, want %s (promote-unchanged)", root, wantRoot)
	}

	duplicated := hashPair(leafsync.HashSHA256, pair01, hashPair(leafsync.HashSHA256, leaves[2], leaves[2]))
	if root == duplicated {
		t.Error("root matches duplicate-last-node scheme; want promote-unchanged scheme")
	}
}

func TestMerkleRootDeterministic(t *testing.T) {
	f := func(data []byte) bool {
		var b1, b2 Builder
		b1 = *NewBuilder(leafsync.HashSHA256)
		b2 = *NewBuilder(leafsync.HashSHA256)
		_ = Chunks(context.Background(), bytes.NewReader(data), 17, func(c Chunk) error {
			b1.Add(Sum(leafsync.HashSHA256, c.Bytes))
			return nil
		})
		_ = Chunks(context.Background(), bytes.NewReader(data), 17, func(c Chunk) error {
			b2.Add(Sum(leafsync.HashSHA256, c.Bytes))
			return nil
		})
		return b1.Root() == b2.Root()
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}

func TestCount(t *testing.T) {
	cases := []struct {
		size      uint64
		chunkSize uint32
		want      uint32
	}{
		{0, 1024, 0},
		{1, 1024, 1},
		{1024, 1024, 1},
		{1025, 1024, 2},
		{3 * 1024, 1024, 3},
	}
	for _, c := range cases {
		if got := Count(c.size, c.chunkSize); got != c.want {
			t.Errorf("Count(%d,%d) = %d, want %d", c.size, c.chunkSize, got, c.want)
		}
	}
}
