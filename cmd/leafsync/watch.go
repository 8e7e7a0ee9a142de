package main

import (
	"context"
	"crypto/sha256"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/leafsync/leafsync"
	"github.com/leafsync/leafsync/changefeed"
	"github.com/leafsync/leafsync/ignorepat"
	"github.com/leafsync/leafsync/manifest"
	"github.com/leafsync/leafsync/staging"
	"github.com/leafsync/leafsync/transfer"
	"github.com/leafsync/leafsync/transport/tcptransport"
	"github.com/leafsync/leafsync/trust/bolt"
)

// watch implements `leafsync watch <dir> <addr:port> [same flags as
// connect]`: runs a sync session on startup, then again every time the
// local tree's directory summary changes, until signalled.
func (c maincmd) watch(ctx context.Context, fs *flag.FlagSet, args []string) error {
	var (
		acceptFirst = fs.Bool("accept-first", false, "pin whatever fingerprint the peer presents on first connect")
		fingerprint = fs.String("fingerprint", "", "expected peer fingerprint (hex); checked against what the peer presents, and pinned on first contact, but does not override an existing conflicting pin")
		fileOnly    = fs.String("file", "", "sync only this one file, relative to dir")
		mirror      = fs.Bool("mirror", false, "delete (trash) local files the peer no longer has")
		trustDB     = fs.String("trust-db", defaultTrustDBPath(), "path to the bbolt trust-store database")
		interval    = fs.Duration("interval", 2*time.Second, "polling interval for local changes")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return fmt.Errorf("usage: leafsync watch <dir> <addr:port> [flags]")
	}
	dir, addr := fs.Arg(0), fs.Arg(1)

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine := manifest.New(leafsync.HashSHA256, leafsync.DefaultChunkSize, nil)
	var lastRoot leafsync.ChunkHash
	ticker := changefeed.NewTicker(*interval, func(ctx context.Context) ([]string, error) {
		ignore, err := ignorepat.Load(filepath.Join(dir, ".leafsyncignore"))
		if err != nil {
			return nil, err
		}
		summary, err := engine.Summary(ctx, dir, ignore)
		if err != nil {
			return nil, err
		}
		root := summaryDigest(summary)
		if root == lastRoot {
			return nil, nil
		}
		lastRoot = root
		return []string{dir}, nil
	}, func(err error) {
		log.Printf("watch scan error: %v", err)
	})

	run := func() {
		if err := runOneSync(sigCtx, addr, dir, *fileOnly, *fingerprint, *trustDB, *mirror, *acceptFirst); err != nil {
			log.Printf("sync to %s failed: %v", addr, err)
		}
	}

	run() // initial sync on startup
	events := ticker.Events(sigCtx)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return nil
			}
			run()
		case <-sigCtx.Done():
			return nil
		}
	}
}

// runOneSync performs exactly the connect subcommand's connect +
// trust-verify + session.Run sequence, factored out so watch mode can
// repeat it on every detected change.
func runOneSync(ctx context.Context, addr, dir, fileOnly, fingerprint, trustDB string, mirror, acceptFirst bool) error {
	store, err := bolt.Open(trustDB)
	if err != nil {
		return fmt.Errorf("opening trust store: %w", err)
	}
	defer store.Close()

	tr := tcptransport.New(clientTLSConfig())
	conn, err := tr.Connect(ctx, addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	presented := conn.PeerFingerprint()
	if fingerprint != "" && fingerprint != presented {
		return fmt.Errorf("peer presented %s, expected %s", presented, fingerprint)
	}
	if err := verifyTrust(ctx, store, addr, presented, acceptFirst || fingerprint != ""); err != nil {
		return err
	}

	stream, err := conn.OpenStream(ctx)
	if err != nil {
		return err
	}

	ignore, err := ignorepat.Load(filepath.Join(dir, ".leafsyncignore"))
	if err != nil {
		return err
	}

	status := transfer.NewStatus()
	session := &transfer.Session{
		Root:    dir,
		Engine:  manifest.New(leafsync.HashSHA256, leafsync.DefaultChunkSize, nil),
		Ignore:  ignore,
		Staging: staging.New(),
		Status:  status,
		Opts:    transfer.Options{MirrorDelete: mirror, FileScope: fileOnly},
	}
	if err := session.Run(ctx, stream); err != nil {
		return err
	}
	snap := status.Snapshot()
	log.Printf("ok=%d up_to_date=%d skipped=%d failed=%d",
		snap.Summary.OK, snap.Summary.UpToDate, snap.Summary.Skipped, snap.Summary.Failed)
	return nil
}

// summaryDigest folds a DirectorySummary down to one hash so watch
// mode can cheaply detect "nothing changed" without diffing entry
// slices on every tick.
func summaryDigest(summary manifest.DirectorySummary) leafsync.ChunkHash {
	b := make([]byte, 0, len(summary.Entries)*72)
	for _, e := range summary.Entries {
		b = append(b, []byte(e.RelativePath)...)
		b = append(b, e.Root[:]...)
	}
	return leafsync.ChunkHash(sha256.Sum256(b))
}
