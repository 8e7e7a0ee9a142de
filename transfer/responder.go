package transfer

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/leafsync/leafsync"
	"github.com/leafsync/leafsync/ignorepat"
	"github.com/leafsync/leafsync/manifest"
	"github.com/leafsync/leafsync/wire"
)

// Responder serves summary/manifest/chunk requests against one
// directory root. The same Responder can serve many sessions
// sequentially; Serve is not safe to call concurrently for the same
// underlying manifest cache unless that cache is itself
// concurrency-safe (manifest.LRUCache and manifest.TieredCache are).
type Responder struct {
	Root   string
	Engine *manifest.Engine
	Ignore *ignorepat.List
	// FileScope, if non-empty, restricts this Responder to serving a
	// single relative path regardless of what the client's REQ_SUMMARY
	// asks for (the CLI's `serve --file` flag). Requests for any other
	// path are answered as not-found rather than rejected outright, the
	// same response a client sees for a path that simply doesn't exist.
	FileScope string
}

// Serve handles exactly one session on stream: a HELLO/HELLO_OK
// handshake followed by a loop of REQ_SUMMARY/REQ_MANIFEST/REQ_CHUNKS
// until BYE or the stream closes.
func (r *Responder) Serve(ctx context.Context, stream io.ReadWriteCloser) error {
	helloMsg, err := recvMsgTimeout(stream)
	if err != nil {
		return err
	}
	hello, ok := helloMsg.(wire.Hello)
	if !ok {
		return r.protocolError(stream, "expected HELLO, got different message")
	}
	if hello.Version != wire.ProtocolVersion {
		_ = sendMsg(stream, wire.ErrorMsg{Code: wire.ErrCodeVersion, Message: "unsupported protocol version"})
		return leafsync.KindErrorf(leafsync.ProtocolError, "client requested version %d, want %d", hello.Version, wire.ProtocolVersion)
	}
	if !hello.HashAlgo.Valid() {
		_ = sendMsg(stream, wire.ErrorMsg{Code: wire.ErrCodeVersion, Message: "unsupported hash algorithm"})
		return leafsync.KindErrorf(leafsync.ProtocolError, "client requested unknown hash algo %d", hello.HashAlgo)
	}

	r.Engine.Algo = hello.HashAlgo
	r.Engine.ChunkSize = hello.ChunkSize

	if err := sendMsg(stream, wire.HelloOK{Version: hello.Version, ChunkSize: hello.ChunkSize, HashAlgo: hello.HashAlgo, CompressZstd: hello.CompressZstd}); err != nil {
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
			if err := r.handleChunks(ctx, stream, m, hello.CompressZstd); err != nil {
				return err
			}
		case wire.Bye:
			return nil
		default:
			return r.protocolError(stream, "unexpected message type")
		}
	}
}

func (r *Responder) protocolError(stream io.Writer, msg string) error {
	_ = sendMsg(stream, wire.ErrorMsg{Code: 0, Message: msg})
	return leafsync.KindErrorf(leafsync.ProtocolError, "%s", msg)
}

func (r *Responder) handleSummary(ctx context.Context, stream io.Writer, req wire.ReqSummary) error {
	if r.FileScope != "" {
		req = wire.ReqSummary{HasScope: true, Path: r.FileScope}
	}
	if req.HasScope {
		norm, err := leafsync.NormalizeRelPath(req.Path)
		if err != nil {
			return sendMsg(stream, wire.RespSummary{})
		}
		abs := filepath.Join(r.Root, filepath.FromSlash(norm))
		if !withinRoot(r.Root, abs) {
			return sendMsg(stream, wire.RespSummary{})
		}
		info, err := os.Stat(abs)
		if err != nil || !info.Mode().IsRegular() {
			return sendMsg(stream, wire.RespSummary{})
		}
		m, err := r.Engine.Manifest(ctx, abs, norm)
		if err != nil {
			return sendMsg(stream, wire.RespSummary{})
		}
		return sendMsg(stream, wire.RespSummary{Entries: []manifest.DirectoryEntry{{RelativePath: norm, Size: m.Size, Root: m.Root}}})
	}

	summary, err := r.Engine.Summary(ctx, r.Root, r.Ignore)
	if err != nil {
		return err
	}
	return sendMsg(stream, wire.RespSummary{Entries: summary.Entries})
}

func (r *Responder) handleManifest(ctx context.Context, stream io.Writer, req wire.ReqManifest) error {
	if r.FileScope != "" && req.Path != r.FileScope {
		return sendMsg(stream, wire.RespManifest{Found: false, Path: req.Path})
	}
	norm, err := leafsync.NormalizeRelPath(req.Path)
	if err != nil {
		return sendMsg(stream, wire.RespManifest{Found: false, Path: req.Path})
	}
	abs := filepath.Join(r.Root, filepath.FromSlash(norm))
	if !withinRoot(r.Root, abs) {
		return sendMsg(stream, wire.RespManifest{Found: false, Path: norm})
	}
	info, err := os.Stat(abs)
	if err != nil || !info.Mode().IsRegular() {
		return sendMsg(stream, wire.RespManifest{Found: false, Path: norm})
	}
	m, err := r.Engine.Manifest(ctx, abs, norm)
	if err != nil {
		return sendMsg(stream, wire.RespManifest{Found: false, Path: norm})
	}
	return sendMsg(stream, wire.RespManifest{
		Found:       true,
		Path:        norm,
		Size:        m.Size,
		ChunkSize:   m.ChunkSize,
		ChunkHashes: m.ChunkHashes,
		Root:        m.Root,
		ModeBits:    m.ModeBits,
	})
}

func (r *Responder) handleChunks(ctx context.Context, stream io.Writer, req wire.ReqChunks, compress bool) error {
	if r.FileScope != "" && req.Path != r.FileScope {
		return sendMsg(stream, wire.RespChunksEnd{Path: req.Path})
	}
	norm, err := leafsync.NormalizeRelPath(req.Path)
	if err != nil {
		return sendMsg(stream, wire.RespChunksEnd{Path: req.Path})
	}
	abs := filepath.Join(r.Root, filepath.FromSlash(norm))
	if !withinRoot(r.Root, abs) {
		return sendMsg(stream, wire.RespChunksEnd{Path: norm})
	}

	f, err := os.Open(abs)
	if err != nil {
		return sendMsg(stream, wire.RespChunksEnd{Path: norm})
	}
	defer f.Close()

	buf := make([]byte, r.Engine.ChunkSize)
	for _, index := range req.Indices {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		offset := int64(index) * int64(r.Engine.ChunkSize)
		n, err := f.ReadAt(buf, offset)
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return leafsync.WrapKindf(leafsync.IoError, err, "reading chunk %d of %s", index, norm)
		}
		data := append([]byte(nil), buf[:n]...)
		respMsg := wire.RespChunk{Path: norm, Index: index, Bytes: data}
		if compress {
			compressed, cerr := wire.CompressChunk(data)
			if cerr == nil {
				respMsg.Bytes = compressed
				respMsg.Compressed = true
			}
		}
		if err := sendMsg(stream, respMsg); err != nil {
			return err
		}
	}
	return sendMsg(stream, wire.RespChunksEnd{Path: norm})
}

func withinRoot(root, abs string) bool {
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	return rel != ".." && !hasDotDotPrefix(rel)
}

func hasDotDotPrefix(rel string) bool {
	return len(rel) >= 3 && rel[:3] == "../"
}
