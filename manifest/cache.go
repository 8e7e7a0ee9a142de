package manifest

import (
	"context"
	"database/sql"
	"encoding/hex"
	stderrs "errors"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/bobg/sqlutil"
	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver
	"github.com/pkg/errors"

	"github.com/leafsync/leafsync"
)

// CacheKey identifies a cached manifest by the file identity the
// spec requires: absolute path, size, and mtime in nanoseconds. Any
// mismatch in size or mtime invalidates the entry.
type CacheKey struct {
	AbsPath    string
	Size       uint64
	MtimeNanos int64
}

// Cache stores and retrieves manifests keyed by CacheKey. A cache hit
// returns the stored manifest without the caller re-reading bytes.
type Cache interface {
	Get(ctx context.Context, key CacheKey) (FileManifest, bool)
	Put(ctx context.Context, key CacheKey, m FileManifest)
}

// LRUCache is an in-process, fixed-size manifest cache. It satisfies
// Cache entirely in memory and does not survive process restarts.
type LRUCache struct {
	mu sync.Mutex
	c  *lru.Cache
}

// NewLRUCache returns an LRUCache holding at most size entries.
func NewLRUCache(size int) (*LRUCache, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, errors.Wrap(err, "constructing LRU cache")
	}
	return &LRUCache{c: c}, nil
}

// Get implements Cache.
func (c *LRUCache) Get(_ context.Context, key CacheKey) (FileManifest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.c.Get(key)
	if !ok {
		return FileManifest{}, false
	}
	return v.(FileManifest), true
}

// Put implements Cache.
func (c *LRUCache) Put(_ context.Context, key CacheKey, m FileManifest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.c.Add(key, m)
}

// TieredCache checks an in-memory LRU first, then an optional
// persistent Sqlite-backed tier that survives process restarts. A
// nil persistent tier degrades the TieredCache to LRU-only.
type TieredCache struct {
	lru  *LRUCache
	disk *SqliteCache
}

// NewTieredCache combines lru (required) with disk (optional; nil
// disables the persistent tier).
func NewTieredCache(lru *LRUCache, disk *SqliteCache) *TieredCache {
	return &TieredCache{lru: lru, disk: disk}
}

// Get implements Cache.
func (c *TieredCache) Get(ctx context.Context, key CacheKey) (FileManifest, bool) {
	if m, ok := c.lru.Get(ctx, key); ok {
		return m, true
	}
	if c.disk == nil {
		return FileManifest{}, false
	}
	m, ok := c.disk.Get(ctx, key)
	if ok {
		c.lru.Put(ctx, key, m)
	}
	return m, ok
}

// Put implements Cache.
func (c *TieredCache) Put(ctx context.Context, key CacheKey, m FileManifest) {
	c.lru.Put(ctx, key, m)
	if c.disk != nil {
		c.disk.Put(ctx, key, m)
	}
}

// SqliteCache is the persistent manifest-cache tier, queried the way
// the teacher's sqlite3-backed blob store queries its tables:
// sqlutil.ForQueryRows for multi-row reads, a single-row query for
// lookups, plain Exec for writes.
type SqliteCache struct {
	db *sql.DB
}

// Schema is the SQL NewSqliteCache executes to create its table if
// absent.
const Schema = `
CREATE TABLE IF NOT EXISTS manifests (
  abs_path TEXT NOT NULL,
  size INTEGER NOT NULL,
  mtime_nanos INTEGER NOT NULL,
  chunk_size INTEGER NOT NULL,
  root TEXT NOT NULL,
  mode_bits INTEGER NOT NULL,
  chunk_hashes TEXT NOT NULL,
  PRIMARY KEY (abs_path, size, mtime_nanos)
);
`

// NewSqliteCache wraps db, creating the manifests table if it does
// not already exist.
func NewSqliteCache(ctx context.Context, db *sql.DB) (*SqliteCache, error) {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return nil, errors.Wrap(err, "creating manifests table")
	}
	return &SqliteCache{db: db}, nil
}

// Get implements a Cache-shaped lookup. Any query or decode error is
// reported as a miss; no error is returned to the caller.
func (c *SqliteCache) Get(ctx context.Context, key CacheKey) (FileManifest, bool) {
	const q = `SELECT chunk_size, root, mode_bits, chunk_hashes FROM manifests WHERE abs_path = $1 AND size = $2 AND mtime_nanos = $3`

	var (
		chunkSize  uint32
		rootHex    string
		modeBits   uint32
		hashesJoin string
	)
	row := c.db.QueryRowContext(ctx, q, key.AbsPath, key.Size, key.MtimeNanos)
	err := row.Scan(&chunkSize, &rootHex, &modeBits, &hashesJoin)
	if stderrs.Is(err, sql.ErrNoRows) {
		return FileManifest{}, false
	}
	if err != nil {
		return FileManifest{}, false
	}

	root, err := decodeHash(rootHex)
	if err != nil {
		return FileManifest{}, false
	}
	hashes, err := decodeHashList(hashesJoin)
	if err != nil {
		return FileManifest{}, false
	}

	return FileManifest{
		Size:        key.Size,
		ChunkSize:   chunkSize,
		ChunkHashes: hashes,
		Root:        root,
		ModeBits:    modeBits,
	}, true
}

// Put implements a Cache-shaped store.
func (c *SqliteCache) Put(ctx context.Context, key CacheKey, m FileManifest) {
	const q = `INSERT INTO manifests (abs_path, size, mtime_nanos, chunk_size, root, mode_bits, chunk_hashes)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (abs_path, size, mtime_nanos) DO UPDATE SET
  chunk_size = excluded.chunk_size, root = excluded.root,
  mode_bits = excluded.mode_bits, chunk_hashes = excluded.chunk_hashes`

	_, _ = c.db.ExecContext(ctx, q, key.AbsPath, key.Size, key.MtimeNanos, m.ChunkSize, encodeHash(m.Root), m.ModeBits, encodeHashList(m.ChunkHashes))
}

// AllForPath lists the key of every cached entry for absPath,
// regardless of size/mtime, via sqlutil.ForQueryRows. It only reads;
// no entry is deleted.
func (c *SqliteCache) AllForPath(ctx context.Context, absPath string) ([]CacheKey, error) {
	var keys []CacheKey
	const q = `SELECT size, mtime_nanos FROM manifests WHERE abs_path = $1`
	err := sqlutil.ForQueryRows(ctx, c.db, q, absPath, func(size uint64, mtime int64) {
		keys = append(keys, CacheKey{AbsPath: absPath, Size: size, MtimeNanos: mtime})
	})
	return keys, errors.Wrap(err, "listing cached manifests for path")
}

func encodeHash(h leafsync.ChunkHash) string {
	return hex.EncodeToString(h[:])
}

func decodeHash(s string) (leafsync.ChunkHash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return leafsync.ChunkHash{}, err
	}
	var h leafsync.ChunkHash
	copy(h[:], b)
	return h, nil
}

func encodeHashList(hs []leafsync.ChunkHash) string {
	parts := make([]string, len(hs))
	for i, h := range hs {
		parts[i] = encodeHash(h)
	}
	return strings.Join(parts, ",")
}

func decodeHashList(s string) ([]leafsync.ChunkHash, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]leafsync.ChunkHash, len(parts))
	for i, p := range parts {
		h, err := decodeHash(p)
		if err != nil {
			return nil, err
		}
		out[i] = h
	}
	return out, nil
}
