package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/leafsync/leafsync"
	"github.com/leafsync/leafsync/ignorepat"
	"github.com/leafsync/leafsync/manifest"
	"github.com/leafsync/leafsync/transfer"
	"github.com/leafsync/leafsync/transport"
	"github.com/leafsync/leafsync/transport/tcptransport"
)

// serve implements `leafsync serve <dir> [--port P] [--file REL]`:
// exit 0 on clean shutdown (SIGINT/SIGTERM), 2 on bind failure, 3 on
// TLS init failure.
func (c maincmd) serve(ctx context.Context, fs *flag.FlagSet, args []string) error {
	var (
		port     = fs.Int("port", 4433, "TCP port to listen on")
		fileOnly = fs.String("file", "", "restrict this server to a single file, relative to dir")
		certPath = fs.String("cert", "", "TLS certificate file (PEM); generates an ephemeral identity if empty")
		keyPath  = fs.String("key", "", "TLS private key file (PEM); required together with -cert")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: leafsync serve <dir> [flags]")
	}
	dir := fs.Arg(0)

	tlsConfig, fingerprint, err := serverTLSConfig(*certPath, *keyPath)
	if err != nil {
		return exitErr(3, err)
	}
	log.Printf("serving %s; fingerprint %s", dir, fingerprint)

	tr := tcptransport.New(tlsConfig)
	addr := fmt.Sprintf(":%d", *port)
	listener, err := tr.Listen(ctx, addr)
	if err != nil {
		return exitErr(2, err)
	}
	defer listener.Close()
	log.Printf("listening on %s", listener.Addr())

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ignore, err := ignorepat.Load(filepath.Join(dir, ".leafsyncignore"))
	if err != nil {
		return fmt.Errorf("loading ignore list: %w", err)
	}

	var g errgroup.Group
acceptLoop:
	for {
		conn, err := listener.Accept(sigCtx)
		if err != nil {
			if sigCtx.Err() != nil {
				break acceptLoop
			}
			log.Printf("accept: %v", err)
			continue
		}
		g.Go(func() error {
			serveConn(sigCtx, conn, dir, *fileOnly, ignore)
			return nil
		})
	}
	_ = g.Wait()
	log.Printf("shutting down")
	return nil
}

func serveConn(ctx context.Context, conn transport.Conn, dir, fileOnly string, ignore *ignorepat.List) {
	defer conn.Close()
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		log.Printf("accept stream from %s: %v", conn.PeerFingerprint(), err)
		return
	}
	engine := manifest.New(leafsync.HashSHA256, leafsync.DefaultChunkSize, nil)
	responder := &transfer.Responder{Root: dir, Engine: engine, Ignore: ignore, FileScope: fileOnly}
	if err := responder.Serve(ctx, stream); err != nil {
		log.Printf("session from %s: %v", conn.PeerFingerprint(), err)
	}
}
