package transfer

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leafsync/leafsync"
	"github.com/leafsync/leafsync/ignorepat"
	"github.com/leafsync/leafsync/manifest"
	"github.com/leafsync/leafsync/staging"
	"github.com/leafsync/leafsync/transport"
	"github.com/leafsync/leafsync/transport/pipetransport"
	"github.com/leafsync/leafsync/wire"
)

const testChunkSize = 1024

func newEngine() *manifest.Engine {
	return manifest.New(leafsync.HashSHA256, testChunkSize, nil)
}

// runSession wires up a Responder serving serverRoot and a Session
// syncing into clientRoot, over an in-memory pipetransport
// connection, and returns once both sides finish.
func runSession(t *testing.T, serverRoot, clientRoot string, opts Options) *Status {
	t.Helper()
	reg := pipetransport.NewRegistry()
	serverTransport := pipetransport.New(reg, "server-fingerprint")
	clientTransport := pipetransport.New(reg, "client-fingerprint")

	addr := "test-addr"
	listener, err := serverTransport.Listen(context.Background(), addr)
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()

	serverDone := make(chan error, 1)
	go func() {
		conn, err := listener.Accept(context.Background())
		if err != nil {
			serverDone <- err
			return
		}
		stream, err := conn.AcceptStream(context.Background())
		if err != nil {
			serverDone <- err
			return
		}
		ignoreList, _ := ignorepat.Load(filepath.Join(serverRoot, ".leafsyncignore"))
		responder := &Responder{Root: serverRoot, Engine: newEngine(), Ignore: ignoreList}
		serverDone <- responder.Serve(context.Background(), stream)
	}()

	conn, err := clientTransport.Connect(context.Background(), addr)
	if err != nil {
		t.Fatal(err)
	}
	stream, err := conn.OpenStream(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	opts.ChunkSize = testChunkSize
	opts.HashAlgo = leafsync.HashSHA256
	status := NewStatus()
	session := &Session{
		Root:    clientRoot,
		Engine:  newEngine(),
		Staging: staging.New(),
		Status:  status,
		Opts:    opts,
	}
	if err := session.Run(context.Background(), stream); err != nil {
		t.Fatalf("session.Run: %v", err)
	}
	select {
	case err := <-serverDone:
		if err != nil {
			t.Fatalf("responder.Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for responder")
	}
	return status
}

func writeRandom(t *testing.T, path string, size int) []byte {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*7 + 3)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return data
}

func TestCleanPull(t *testing.T) {
	serverRoot := t.TempDir()
	clientRoot := t.TempDir()

	data := writeRandom(t, filepath.Join(serverRoot, "a.bin"), 3*testChunkSize)

	status := runSession(t, serverRoot, clientRoot, Options{})
	snap := status.Snapshot()
	if snap.Summary.OK != 1 {
		t.Fatalf("summary = %+v, want 1 ok", snap.Summary)
	}

	got, err := os.ReadFile(filepath.Join(clientRoot, "a.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(data) {
		t.Fatal("content mismatch after clean pull")
	}
}

func TestNoOp(t *testing.T) {
	serverRoot := t.TempDir()
	clientRoot := t.TempDir()

	writeRandom(t, filepath.Join(serverRoot, "hello.txt"), 6)
	writeRandom(t, filepath.Join(clientRoot, "hello.txt"), 6)

	status := runSession(t, serverRoot, clientRoot, Options{})
	snap := status.Snapshot()
	if snap.Summary.UpToDate != 1 || snap.Summary.OK != 0 {
		t.Fatalf("summary = %+v, want 1 up_to_date, 0 ok", snap.Summary)
	}
}

func TestPartialUpdate(t *testing.T) {
	serverRoot := t.TempDir()
	clientRoot := t.TempDir()

	size := 2*testChunkSize + 512
	data := writeRandom(t, filepath.Join(serverRoot, "p.bin"), size)
	clientData := append([]byte(nil), data...)
	if err := os.MkdirAll(clientRoot, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(clientRoot, "p.bin"), clientData, 0o644); err != nil {
		t.Fatal(err)
	}
	// Modify only within chunk 1's byte range.
	mutated := append([]byte(nil), data...)
	mutated[testChunkSize+10] ^= 0xFF
	if err := os.WriteFile(filepath.Join(serverRoot, "p.bin"), mutated, 0o644); err != nil {
		t.Fatal(err)
	}

	status := runSession(t, serverRoot, clientRoot, Options{})
	snap := status.Snapshot()
	if snap.Summary.OK != 1 {
		t.Fatalf("summary = %+v, want 1 ok", snap.Summary)
	}

	got, err := os.ReadFile(filepath.Join(clientRoot, "p.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(mutated) {
		t.Fatal("content mismatch after partial update")
	}
}

func TestResumeAfterKill(t *testing.T) {
	serverRoot := t.TempDir()
	clientRoot := t.TempDir()

	size := 10 * testChunkSize
	data := writeRandom(t, filepath.Join(serverRoot, "big.bin"), size)

	// Manually stage chunks 0,1,2,4,5 as "already verified", simulating
	// a client that died mid-transfer.
	destPath := filepath.Join(clientRoot, "big.bin")
	root := computeRoot(t, data, testChunkSize)
	st := staging.New()
	handle, err := staging.Open(context.Background(), st, destPath, root, uint64(size), testChunkSize, leafsync.HashSHA256)
	if err != nil {
		t.Fatal(err)
	}
	for _, idx := range []int{0, 1, 2, 4, 5} {
		start := idx * testChunkSize
		if err := handle.WriteChunk(uint32(idx), data[start:start+testChunkSize]); err != nil {
			t.Fatal(err)
		}
	}
	if err := handle.Flush(); err != nil {
		t.Fatal(err)
	}
	if err := handle.Abandon(); err != nil {
		t.Fatal(err)
	}

	status := runSession(t, serverRoot, clientRoot, Options{})
	snap := status.Snapshot()
	if snap.Summary.OK != 1 {
		t.Fatalf("summary = %+v, want 1 ok", snap.Summary)
	}

	got, err := os.ReadFile(destPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(data) {
		t.Fatal("content mismatch after resume")
	}
}

func TestMirrorDelete(t *testing.T) {
	serverRoot := t.TempDir()
	clientRoot := t.TempDir()

	writeRandom(t, filepath.Join(serverRoot, "a.txt"), 10)
	writeRandom(t, filepath.Join(serverRoot, "b.txt"), 10)
	writeRandom(t, filepath.Join(clientRoot, "a.txt"), 10)
	writeRandom(t, filepath.Join(clientRoot, "b.txt"), 10)
	writeRandom(t, filepath.Join(clientRoot, "c.txt"), 10)

	runSession(t, serverRoot, clientRoot, Options{MirrorDelete: true})

	if _, err := os.Stat(filepath.Join(clientRoot, "c.txt")); !os.IsNotExist(err) {
		t.Fatal("expected c.txt to be moved out of place")
	}
	if _, err := os.Stat(filepath.Join(clientRoot, "a.txt")); err != nil {
		t.Fatal("expected a.txt to remain")
	}
	trashDir := filepath.Join(clientRoot, ".leafsync_trash")
	entries, err := os.ReadDir(trashDir)
	if err != nil || len(entries) == 0 {
		t.Fatal("expected a non-empty trash directory")
	}
}

func TestCorruptionDetected(t *testing.T) {
	reg := pipetransport.NewRegistry()
	serverTransport := pipetransport.New(reg, "server-fingerprint")
	clientTransport := pipetransport.New(reg, "client-fingerprint")

	serverRoot := t.TempDir()
	clientRoot := t.TempDir()
	data := writeRandom(t, filepath.Join(serverRoot, "x.bin"), 2*testChunkSize)

	addr := "corrupt-addr"
	listener, err := serverTransport.Listen(context.Background(), addr)
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()

	serverDone := make(chan error, 1)
	go func() {
		conn, err := listener.Accept(context.Background())
		if err != nil {
			serverDone <- err
			return
		}
		stream, err := conn.AcceptStream(context.Background())
		if err != nil {
			serverDone <- err
			return
		}
		serverDone <- (&corruptingResponder{Responder: Responder{Root: serverRoot, Engine: newEngine()}}).Serve(context.Background(), stream)
	}()

	var conn transport.Conn
	conn, err = clientTransport.Connect(context.Background(), addr)
	if err != nil {
		t.Fatal(err)
	}
	stream, err := conn.OpenStream(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	status := NewStatus()
	session := &Session{
		Root:    clientRoot,
		Engine:  newEngine(),
		Staging: staging.New(),
		Status:  status,
		Opts:    Options{ChunkSize: testChunkSize, HashAlgo: leafsync.HashSHA256},
	}
	if err := session.Run(context.Background(), stream); err != nil {
		t.Fatalf("session.Run: %v", err)
	}
	<-serverDone

	snap := status.Snapshot()
	if snap.Summary.Failed != 1 || snap.Summary.FailedKind[leafsync.IntegrityError.String()] != 1 {
		t.Fatalf("summary = %+v, want 1 failed IntegrityError", snap.Summary)
	}
	if _, err := os.Stat(filepath.Join(clientRoot, "x.bin")); !os.IsNotExist(err) {
		t.Fatal("destination must remain untouched after corruption")
	}
	_ = data
}

// corruptingResponder behaves like Responder except it flips a byte
// in chunk index 1 of any RESP_CHUNK, simulating a malicious or
// corrupted peer for the corruption-detected scenario.
type corruptingResponder struct {
	Responder
}

func (r *corruptingResponder) Serve(ctx context.Context, stream io.ReadWriteCloser) error {
	helloMsg, err := recvMsg(stream)
	if err != nil {
		return err
	}
	hello := helloMsg.(wire.Hello)
	r.Engine.Algo = hello.HashAlgo
	r.Engine.ChunkSize = hello.ChunkSize
	if err := sendMsg(stream, wire.HelloOK{Version: hello.Version, ChunkSize: hello.ChunkSize, HashAlgo: hello.HashAlgo}); err != nil {
		return err
	}

	for {
		msg, err := recvMsg(stream)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case wire.ReqSummary:
			if err := r.handleSummary(ctx, stream, m); err != nil {
				return err
			}
		case wire.ReqManifest:
			if err := r.handleManifest(ctx, stream, m); err != nil {
				return err
			}
		case wire.ReqChunks:
			abs := filepath.Join(r.Root, m.Path)
			data, err := os.ReadFile(abs)
			if err != nil {
				_ = sendMsg(stream, wire.RespChunksEnd{Path: m.Path})
				continue
			}
			for _, index := range m.Indices {
				start := int(index) * int(r.Engine.ChunkSize)
				end := start + int(r.Engine.ChunkSize)
				if end > len(data) {
					end = len(data)
				}
				chunkBytes := append([]byte(nil), data[start:end]...)
				if index == 1 && len(chunkBytes) > 0 {
					chunkBytes[0] ^= 0xFF
				}
				if err := sendMsg(stream, wire.RespChunk{Path: m.Path, Index: index, Bytes: chunkBytes}); err != nil {
					return err
				}
			}
			if err := sendMsg(stream, wire.RespChunksEnd{Path: m.Path}); err != nil {
				return err
			}
		case wire.Bye:
			return nil
		}
	}
}

// TestConcurrencyClamped exercises a multi-file session with a
// configured Concurrency above 1, guarding against the single shared
// stream being driven by more than one in-flight request/response pair
// at a time (see Options.Concurrency's doc comment).
func TestConcurrencyClamped(t *testing.T) {
	serverRoot := t.TempDir()
	clientRoot := t.TempDir()

	writeRandom(t, filepath.Join(serverRoot, "a.bin"), 3*testChunkSize)
	writeRandom(t, filepath.Join(serverRoot, "b.bin"), 2*testChunkSize+7)
	writeRandom(t, filepath.Join(serverRoot, "c.bin"), testChunkSize/2)

	status := runSession(t, serverRoot, clientRoot, Options{Concurrency: 8})
	snap := status.Snapshot()
	if snap.Summary.OK != 3 {
		t.Fatalf("summary = %+v, want 3 ok", snap.Summary)
	}
	for _, name := range []string{"a.bin", "b.bin", "c.bin"} {
		want, err := os.ReadFile(filepath.Join(serverRoot, name))
		if err != nil {
			t.Fatal(err)
		}
		got, err := os.ReadFile(filepath.Join(clientRoot, name))
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != string(want) {
			t.Fatalf("content mismatch for %s", name)
		}
	}
}

// TestIdleTimeoutAborts confirms a peer that completes the handshake
// and then goes silent causes the session to abort with TimeoutError
// instead of hanging forever.
func TestIdleTimeoutAborts(t *testing.T) {
	reg := pipetransport.NewRegistry()
	serverTransport := pipetransport.New(reg, "server-fingerprint")
	clientTransport := pipetransport.New(reg, "client-fingerprint")

	addr := "idle-addr"
	listener, err := serverTransport.Listen(context.Background(), addr)
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()

	stop := make(chan struct{})
	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		conn, err := listener.Accept(context.Background())
		if err != nil {
			return
		}
		stream, err := conn.AcceptStream(context.Background())
		if err != nil {
			return
		}
		helloMsg, err := recvMsg(stream)
		if err != nil {
			return
		}
		hello := helloMsg.(wire.Hello)
		_ = sendMsg(stream, wire.HelloOK{Version: hello.Version, ChunkSize: hello.ChunkSize, HashAlgo: hello.HashAlgo})
		// Go silent instead of answering REQ_SUMMARY, until the test lets go.
		<-stop
	}()

	conn, err := clientTransport.Connect(context.Background(), addr)
	if err != nil {
		t.Fatal(err)
	}
	stream, err := conn.OpenStream(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	status := NewStatus()
	session := &Session{
		Root:    t.TempDir(),
		Engine:  newEngine(),
		Staging: staging.New(),
		Status:  status,
		Opts: Options{
			ChunkSize:        testChunkSize,
			HashAlgo:         leafsync.HashSHA256,
			HandshakeTimeout: 2 * time.Second,
			IdleTimeout:      50 * time.Millisecond,
		},
	}

	runErr := session.Run(context.Background(), stream)
	stream.Close()
	close(stop)
	<-serverDone

	if runErr == nil {
		t.Fatal("expected session.Run to fail after idle timeout")
	}
	kind, ok := leafsync.KindOf(runErr)
	if !ok || kind != leafsync.TimeoutError {
		t.Fatalf("err = %v, want a TimeoutError", runErr)
	}
}

func computeRoot(t *testing.T, data []byte, chunkSize int) leafsync.ChunkHash {
	t.Helper()
	e := newEngine()
	tmp := filepath.Join(t.TempDir(), "ref.bin")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := e.Manifest(context.Background(), tmp, "ref.bin")
	if err != nil {
		t.Fatal(err)
	}
	return m.Root
}
