package transfer

import (
	"time"

	"github.com/leafsync/leafsync"
)

// Options configures a session, shared by client and server roles.
type Options struct {
	ChunkSize    uint32
	HashAlgo     leafsync.HashAlgo
	CompressZstd bool
	// MirrorDelete enables moving locally-extra files to trash (client
	// role only).
	MirrorDelete bool
	// FileScope, if non-empty, restricts the session to one file.
	FileScope string
	// Concurrency is reserved for a future transport that opens one
	// stream per in-flight file. A session's per-file requests and
	// responses share a single stream with no framing correlation id,
	// so running syncFile for two files at once would interleave their
	// frames and corrupt both; withDefaults always clamps this to 1
	// regardless of what's set here.
	Concurrency int
	// HandshakeTimeout bounds HELLO/HELLO_OK. Defaults to 10s.
	HandshakeTimeout time.Duration
	// IdleTimeout bounds time between messages on the stream once the
	// handshake has completed, enforced by recvMsgIdle racing the wait
	// against a timer. Defaults to 60s.
	IdleTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.ChunkSize == 0 {
		o.ChunkSize = leafsync.DefaultChunkSize
	}
	// See Concurrency's doc comment: the single shared stream has no
	// per-request correlation id, so anything above 1 here would
	// corrupt frame boundaries rather than merely run slower.
	o.Concurrency = 1
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 60 * time.Second
	}
	return o
}
