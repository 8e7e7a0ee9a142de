// Package transfer implements the Transfer Engine: the client-role
// and server-role halves of a sync session, driving summary exchange,
// per-file manifest/diff/fetch/verify/finalize, resume, and
// mirror-delete.
package transfer

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/leafsync/leafsync"
	"github.com/leafsync/leafsync/diffplan"
	"github.com/leafsync/leafsync/ignorepat"
	"github.com/leafsync/leafsync/manifest"
	"github.com/leafsync/leafsync/staging"
	"github.com/leafsync/leafsync/wire"
)

// Session drives a client-role sync against one destination root.
type Session struct {
	Root    string
	Engine  *manifest.Engine
	Ignore  *ignorepat.List
	Staging *staging.Store
	Status  *Status
	Opts    Options

	// sessionStart is fixed once per Run and names this session's
	// mirror-delete trash directory.
	sessionStart time.Time

	// idleTimeout is opts.IdleTimeout, cached once per Run so syncFile
	// and fetchLoop don't need opts threaded through their signatures.
	idleTimeout time.Duration
}

// Run drives one full client-role session over stream: HANDSHAKE,
// SUMMARY, then per file MANIFEST -> PLAN -> FETCH -> VERIFY ->
// FINALIZE, then BYE.
func (s *Session) Run(ctx context.Context, stream io.ReadWriteCloser) error {
	opts := s.Opts.withDefaults()
	s.sessionStart = time.Now()
	s.idleTimeout = opts.IdleTimeout
	if s.Status == nil {
		s.Status = NewStatus()
	}

	hsCtx, cancel := context.WithTimeout(ctx, opts.HandshakeTimeout)
	defer cancel()

	if err := sendMsg(stream, wire.Hello{
		Version:      wire.ProtocolVersion,
		ChunkSize:    opts.ChunkSize,
		HashAlgo:     opts.HashAlgo,
		CompressZstd: opts.CompressZstd,
	}); err != nil {
		return err
	}

	respMsg, err := recvMsgWithContext(hsCtx, stream, "handshake")
	if err != nil {
		return err
	}
	switch m := respMsg.(type) {
	case wire.HelloOK:
		if m.Version != wire.ProtocolVersion || m.ChunkSize != opts.ChunkSize || m.HashAlgo != opts.HashAlgo {
			return leafsync.KindErrorf(leafsync.ProtocolError, "handshake mismatch: got %+v", m)
		}
	case wire.ErrorMsg:
		return leafsync.KindErrorf(leafsync.ProtocolError, "server rejected handshake: %s", m.Message)
	default:
		return leafsync.KindErrorf(leafsync.ProtocolError, "unexpected handshake response %T", respMsg)
	}
	s.Status.event(EventHandshake)

	s.Engine.Algo = opts.HashAlgo
	s.Engine.ChunkSize = opts.ChunkSize

	if err := sendMsg(stream, wire.ReqSummary{HasScope: opts.FileScope != "", Path: opts.FileScope}); err != nil {
		return err
	}
	summaryMsg, err := recvMsgIdle(ctx, stream, s.idleTimeout)
	if err != nil {
		return err
	}
	remoteSummary, ok := summaryMsg.(wire.RespSummary)
	if !ok {
		return leafsync.KindErrorf(leafsync.ProtocolError, "expected RESP_SUMMARY, got %T", summaryMsg)
	}
	s.Status.event(EventSummary)

	remoteByPath := make(map[string]manifest.DirectoryEntry, len(remoteSummary.Entries))
	for _, e := range remoteSummary.Entries {
		remoteByPath[e.RelativePath] = e
	}

	if opts.MirrorDelete && opts.FileScope == "" {
		if err := s.mirrorDelete(ctx, remoteByPath); err != nil {
			return err
		}
	}

	// opts.Concurrency is always clamped to 1 by withDefaults: per-file
	// requests and responses share this one stream with no correlation
	// id, so the errgroup below runs files one at a time rather than
	// truly in parallel (see Options.Concurrency's doc comment).
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for _, entry := range remoteSummary.Entries {
		entry := entry
		g.Go(func() error {
			return s.syncFile(gctx, stream, entry)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	_ = sendMsg(stream, wire.Bye{})
	s.Status.event(EventSessionDone)
	return nil
}

// syncFile drives one file's per-file sub-machine:
// MANIFEST_PENDING -> PLAN -> (OPEN_STAGING -> FETCH_LOOP -> VERIFY_ROOT -> FINALIZE) | skip.
// Errors from this file never abort the session: they are recorded
// in Status and swallowed here, matching the per-file error
// containment policy.
func (s *Session) syncFile(ctx context.Context, stream io.ReadWriteCloser, remoteEntry manifest.DirectoryEntry) error {
	relPath := remoteEntry.RelativePath
	absPath := filepath.Join(s.Root, filepath.FromSlash(relPath))

	var (
		local   manifest.FileManifest
		localOK bool
	)
	if info, statErr := os.Stat(absPath); statErr == nil && info.Mode().IsRegular() {
		if m, mErr := s.Engine.Manifest(ctx, absPath, relPath); mErr == nil {
			local, localOK = m, true
		}
	}

	if localOK && local.Root == remoteEntry.Root {
		s.Status.recordUpToDate()
		s.Status.event(EventUpToDate)
		return nil
	}

	if err := sendMsg(stream, wire.ReqManifest{Path: relPath}); err != nil {
		s.Status.recordFailed(leafsync.TransportError.String())
		return nil
	}
	respMsg, err := recvMsgIdle(ctx, stream, s.idleTimeout)
	if err != nil {
		s.Status.recordFailed(leafsync.TransportError.String())
		return nil
	}
	rm, ok := respMsg.(wire.RespManifest)
	if !ok || !rm.Found {
		s.Status.recordFailed(leafsync.ProtocolError.String())
		return nil
	}
	s.Status.event(EventManifest)

	remote := manifest.FileManifest{
		RelativePath: rm.Path,
		Size:         rm.Size,
		ChunkSize:    rm.ChunkSize,
		ChunkHashes:  rm.ChunkHashes,
		Root:         rm.Root,
		ModeBits:     rm.ModeBits,
	}

	plan := diffplan.File(local, localOK, remote)
	switch plan.Action {
	case diffplan.ActionUpToDate:
		s.Status.recordUpToDate()
		s.Status.event(EventUpToDate)
		return nil
	case diffplan.ActionTruncate:
		// Fetch still runs, then the file is truncated after finalize.
		// fetchAndFinalize requests every chunk its staging record
		// lacks, which for a fresh staging file is every chunk of the
		// remote file, not only the ones named in plan.Indices.
	}

	if err := s.fetchAndFinalize(ctx, stream, remote, plan); err != nil {
		kind, hasKind := leafsync.KindOf(err)
		if !hasKind {
			kind = leafsync.IoError
		}
		if kind == leafsync.Busy {
			log.Printf("warning: skipping %s: %v", relPath, err)
			s.Status.recordSkipped()
			return nil
		}
		s.Status.recordFailed(kind.String())
		s.Status.event(EventFileFailed)
		return nil
	}
	s.Status.recordOK()
	return nil
}

func (s *Session) fetchAndFinalize(ctx context.Context, stream io.ReadWriteCloser, remote manifest.FileManifest, plan diffplan.Plan) error {
	relPath := remote.RelativePath
	absPath := filepath.Join(s.Root, filepath.FromSlash(relPath))

	handle, err := staging.Open(ctx, s.Staging, absPath, remote.Root, remote.Size, remote.ChunkSize, s.Engine.Algo)
	if err != nil {
		return err
	}

	missing := handle.MissingIndices()
	if len(missing) == 0 && !handle.Complete() {
		missing = plan.Indices
	}

	s.Status.setFile(relPath, len(remote.ChunkHashes))
	s.Status.event(EventFetching)

	if len(missing) > 0 {
		if err := sendMsg(stream, wire.ReqChunks{Path: relPath, Indices: missing}); err != nil {
			_ = handle.Abandon()
			return err
		}
		if err := s.fetchLoop(ctx, stream, handle, remote); err != nil {
			if kind, _ := leafsync.KindOf(err); kind == leafsync.IntegrityError {
				_ = handle.Discard()
			} else {
				_ = handle.Abandon()
			}
			return err
		}
	}

	if !handle.Complete() {
		_ = handle.Abandon()
		return leafsync.KindErrorf(leafsync.TransportError, "session ended before %s finished transferring", relPath)
	}

	s.Status.event(EventVerifying)
	ok, err := handle.VerifyRoot(ctx)
	if err != nil {
		_ = handle.Discard()
		return err
	}
	if !ok {
		_ = handle.Discard()
		return leafsync.KindErrorf(leafsync.IntegrityError, "merkle root mismatch for %s after fetch", relPath)
	}

	if err := handle.Finalize(remote.ModeBits); err != nil {
		return err
	}
	s.Status.event(EventFinalized)

	if plan.Action == diffplan.ActionTruncate {
		_ = os.Truncate(absPath, int64(plan.TruncateToSize))
	}
	return nil
}

func (s *Session) fetchLoop(ctx context.Context, stream io.ReadWriteCloser, handle *staging.Handle, remote manifest.FileManifest) error {
	// integrityErr records the first bad chunk; the rest of the
	// exchange is still read up to RESP_CHUNKS_END so the stream stays
	// aligned for the next file.
	var integrityErr error
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg, err := recvMsgIdle(ctx, stream, s.idleTimeout)
		if err == io.EOF {
			// Peer closed early: bitmap persists; caller reports RESUMABLE_FAIL for this file.
			return nil
		}
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case wire.RespChunk:
			if m.Path != remote.RelativePath {
				continue
			}
			if int(m.Index) >= len(remote.ChunkHashes) {
				return leafsync.KindErrorf(leafsync.ProtocolError, "chunk index %d out of range for %s", m.Index, remote.RelativePath)
			}
			if integrityErr != nil {
				continue
			}
			data := m.Bytes
			if m.Compressed {
				data, err = wire.DecompressChunk(data)
				if err != nil {
					integrityErr = leafsync.WrapKindf(leafsync.IntegrityError, err, "decompressing chunk %d of %s", m.Index, remote.RelativePath)
					continue
				}
			}
			got := sumChunk(s.Engine.Algo, data)
			if got != remote.ChunkHashes[m.Index] {
				integrityErr = leafsync.KindErrorf(leafsync.IntegrityError, "chunk %d of %s failed hash verification", m.Index, remote.RelativePath)
				continue
			}
			if err := handle.WriteChunk(m.Index, data); err != nil {
				return err
			}
			s.Status.chunkReceived()
		case wire.RespChunksEnd:
			if m.Path != remote.RelativePath {
				continue
			}
			if integrityErr != nil {
				return integrityErr
			}
			if err := handle.Flush(); err != nil {
				return err
			}
			return nil
		case wire.ErrorMsg:
			return leafsync.KindErrorf(leafsync.ProtocolError, "server error: %s", m.Message)
		default:
			return leafsync.KindErrorf(leafsync.ProtocolError, "unexpected message %T during fetch", msg)
		}
	}
}

// mirrorDelete moves every locally-present file absent from the
// remote summary into this session's timestamped trash directory.
func (s *Session) mirrorDelete(ctx context.Context, remoteByPath map[string]manifest.DirectoryEntry) error {
	localSummary, err := s.Engine.Summary(ctx, s.Root, s.Ignore)
	if err != nil {
		return err
	}
	trashRoot := staging.TrashRootFor(s.Root, s.sessionStart)
	for _, entry := range localSummary.Entries {
		if _, ok := remoteByPath[entry.RelativePath]; ok {
			continue
		}
		absPath := filepath.Join(s.Root, filepath.FromSlash(entry.RelativePath))
		if err := staging.Trash(absPath, trashRoot, entry.RelativePath); err != nil {
			s.Status.recordFailed(leafsync.IoError.String())
			continue
		}
		s.Status.event(EventTrashed)
	}
	return nil
}
