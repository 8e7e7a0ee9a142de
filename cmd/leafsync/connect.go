package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"path/filepath"

	"github.com/leafsync/leafsync"
	"github.com/leafsync/leafsync/ignorepat"
	"github.com/leafsync/leafsync/manifest"
	"github.com/leafsync/leafsync/staging"
	"github.com/leafsync/leafsync/transfer"
	"github.com/leafsync/leafsync/transport/tcptransport"
	"github.com/leafsync/leafsync/trust"
	"github.com/leafsync/leafsync/trust/bolt"
)

// connect implements `leafsync connect <addr:port> <dir> [--accept-first]
// [--fingerprint HEX] [--file REL] [--mirror]`: exit 0 on success, 4 on
// trust failure, 5 on integrity failure, 6 on transport failure.
func (c maincmd) connect(ctx context.Context, fs *flag.FlagSet, args []string) error {
	var (
		acceptFirst = fs.Bool("accept-first", false, "pin whatever fingerprint the peer presents on first connect")
		fingerprint = fs.String("fingerprint", "", "expected peer fingerprint (hex); checked against what the peer presents, and pinned on first contact, but does not override an existing conflicting pin")
		fileOnly    = fs.String("file", "", "sync only this one file, relative to dir")
		mirror      = fs.Bool("mirror", false, "delete (trash) local files the peer no longer has")
		trustDB     = fs.String("trust-db", defaultTrustDBPath(), "path to the bbolt trust-store database")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return fmt.Errorf("usage: leafsync connect <addr:port> <dir> [flags]")
	}
	addr, dir := fs.Arg(0), fs.Arg(1)

	store, err := bolt.Open(*trustDB)
	if err != nil {
		return exitErr(6, fmt.Errorf("opening trust store: %w", err))
	}
	defer store.Close()

	tr := tcptransport.New(clientTLSConfig())
	conn, err := tr.Connect(ctx, addr)
	if err != nil {
		return exitErr(6, err)
	}
	defer conn.Close()

	presented := conn.PeerFingerprint()
	if *fingerprint != "" && *fingerprint != presented {
		return exitErr(4, fmt.Errorf("peer presented %s, expected %s", presented, *fingerprint))
	}
	if err := verifyTrust(ctx, store, addr, presented, *acceptFirst || *fingerprint != ""); err != nil {
		return exitErr(4, err)
	}

	stream, err := conn.OpenStream(ctx)
	if err != nil {
		return exitErr(6, err)
	}

	ignore, err := ignorepat.Load(filepath.Join(dir, ".leafsyncignore"))
	if err != nil {
		return fmt.Errorf("loading ignore list: %w", err)
	}

	status := transfer.NewStatus()
	session := &transfer.Session{
		Root:    dir,
		Engine:  manifest.New(leafsync.HashSHA256, leafsync.DefaultChunkSize, nil),
		Ignore:  ignore,
		Staging: staging.New(),
		Status:  status,
		Opts: transfer.Options{
			MirrorDelete: *mirror,
			FileScope:    *fileOnly,
		},
	}
	if err := session.Run(ctx, stream); err != nil {
		kind, _ := leafsync.KindOf(err)
		if kind == leafsync.IntegrityError {
			return exitErr(5, err)
		}
		return exitErr(6, err)
	}

	snap := status.Snapshot()
	log.Printf("ok=%d up_to_date=%d skipped=%d failed=%d",
		snap.Summary.OK, snap.Summary.UpToDate, snap.Summary.Skipped, snap.Summary.Failed)
	if n := snap.Summary.FailedKind[leafsync.IntegrityError.String()]; n > 0 {
		return exitErr(5, fmt.Errorf("%d file(s) failed integrity verification", n))
	}
	if snap.Summary.Failed > 0 {
		log.Printf("warning: %d file(s) failed for non-integrity reasons: %+v", snap.Summary.Failed, snap.Summary.FailedKind)
	}
	return nil
}

// verifyTrust consults the trust store for addr and applies the pure
// TOFU decision in trust.Verify, pinning a new fingerprint when
// acceptFirst allows it.
func verifyTrust(ctx context.Context, store trust.Store, addr, presented string, acceptFirst bool) error {
	pinned, ok, err := store.Lookup(ctx, addr)
	if err != nil {
		return fmt.Errorf("looking up pinned fingerprint: %w", err)
	}
	proceed, shouldPin := trust.Verify(pinned, ok, presented, acceptFirst)
	if !proceed {
		if ok {
			return fmt.Errorf("fingerprint mismatch for %s: pinned %s, presented %s", addr, pinned, presented)
		}
		return fmt.Errorf("no pinned fingerprint for %s and -accept-first not set", addr)
	}
	if shouldPin {
		if err := store.Pin(ctx, addr, presented); err != nil {
			return fmt.Errorf("pinning fingerprint: %w", err)
		}
		log.Printf("pinned new fingerprint for %s: %s", addr, presented)
	}
	return nil
}

func defaultTrustDBPath() string {
	return "leafsync-trust.db"
}
