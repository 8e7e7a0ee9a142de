// Package manifest implements the Manifest Engine: per-file
// manifests (ordered chunk hashes plus metadata) and directory
// summaries, with a two-tier cache keyed by (abs_path, size,
// mtime_nanos).
package manifest

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"

	"github.com/leafsync/leafsync"
	"github.com/leafsync/leafsync/chunk"
	"github.com/leafsync/leafsync/ignorepat"
)

// FileManifest is the ordered chunk-hash list plus size, root, and
// mode for one file.
type FileManifest struct {
	RelativePath string
	Size         uint64
	ChunkSize    uint32
	ChunkHashes  []leafsync.ChunkHash
	Root         leafsync.ChunkHash
	ModeBits     uint32
}

// DirectoryEntry is one (path, size, root) triple in a
// DirectorySummary.
type DirectoryEntry struct {
	RelativePath string
	Size         uint64
	Root         leafsync.ChunkHash
}

// DirectorySummary is the sorted, ignore-filtered set of file
// entries under a synced root.
type DirectorySummary struct {
	Entries []DirectoryEntry
}

// Engine computes and caches manifests for files under a root
// directory.
type Engine struct {
	Algo      leafsync.HashAlgo
	ChunkSize uint32
	Cache     Cache
}

// New returns an Engine with the given algorithm, chunk size, and
// cache. cache may be nil, in which case every manifest is
// recomputed from bytes on disk.
func New(algo leafsync.HashAlgo, chunkSize uint32, cache Cache) *Engine {
	return &Engine{Algo: algo, ChunkSize: chunkSize, Cache: cache}
}

// Manifest reads absPath once, streaming chunks and accumulating
// per-chunk hashes and the Merkle root in a single pass, unless a
// cache hit short-circuits the read entirely. relativePath is stored
// in the result but does not affect the digest.
func (e *Engine) Manifest(ctx context.Context, absPath, relativePath string) (FileManifest, error) {
	info, err := os.Stat(absPath)
	if err != nil {
		return FileManifest{}, leafsync.WrapKindf(leafsync.IoError, err, "stat %s", absPath)
	}
	key := CacheKey{
		AbsPath:    absPath,
		Size:       uint64(info.Size()),
		MtimeNanos: info.ModTime().UnixNano(),
	}
	if e.Cache != nil {
		if m, ok := e.Cache.Get(ctx, key); ok {
			m.RelativePath = relativePath
			return m, nil
		}
	}

	f, err := os.Open(absPath)
	if err != nil {
		return FileManifest{}, leafsync.WrapKindf(leafsync.IoError, err, "open %s", absPath)
	}
	defer f.Close()

	m, err := e.manifestFromReader(ctx, f, relativePath, uint64(info.Size()), uint32(info.Mode().Perm()))
	if err != nil {
		return FileManifest{}, err
	}
	if e.Cache != nil {
		e.Cache.Put(ctx, key, m)
	}
	return m, nil
}

func (e *Engine) manifestFromReader(ctx context.Context, r io.Reader, relativePath string, size uint64, modeBits uint32) (FileManifest, error) {
	b := chunk.NewBuilder(e.Algo)
	err := chunk.Chunks(ctx, r, int(e.ChunkSize), func(c chunk.Chunk) error {
		b.Add(chunk.Sum(e.Algo, c.Bytes))
		return nil
	})
	if err != nil {
		return FileManifest{}, err
	}
	return FileManifest{
		RelativePath: relativePath,
		Size:         size,
		ChunkSize:    e.ChunkSize,
		ChunkHashes:  b.Leaves(),
		Root:         b.Root(),
		ModeBits:     modeBits,
	}, nil
}

// Verify recomputes the manifest's root from bytesOnDisk and compares
// it to m.Root.
func (e *Engine) Verify(ctx context.Context, m FileManifest, bytesOnDisk io.Reader) (bool, error) {
	got, err := e.manifestFromReader(ctx, bytesOnDisk, m.RelativePath, m.Size, m.ModeBits)
	if err != nil {
		return false, err
	}
	return got.Root == m.Root, nil
}

// Summary walks rootDir depth-first, emitting entries for regular
// files only, in an order matched to a final lexicographic sort by
// path. Symlinks are not followed. ignore, if non-nil, excludes
// matching paths.
func (e *Engine) Summary(ctx context.Context, rootDir string, ignore *ignorepat.List) (DirectorySummary, error) {
	var entries []DirectoryEntry
	err := filepath.WalkDir(rootDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return leafsync.WrapKindf(leafsync.IoError, err, "walking %s", p)
		}
		if p == rootDir {
			return nil
		}
		rel, relErr := filepath.Rel(rootDir, p)
		if relErr != nil {
			return leafsync.WrapKindf(leafsync.IoError, relErr, "relativizing %s", p)
		}
		rel = filepath.ToSlash(rel)

		if isReservedPath(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if ignore != nil && ignore.Match(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if d.Type()&os.ModeSymlink != 0 {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		norm, nerr := leafsync.NormalizeRelPath(rel)
		if nerr != nil {
			return nerr
		}
		m, merr := e.Manifest(ctx, p, norm)
		if merr != nil {
			return merr
		}
		entries = append(entries, DirectoryEntry{RelativePath: norm, Size: m.Size, Root: m.Root})
		return nil
	})
	if err != nil {
		return DirectorySummary{}, errors.Wrap(err, "summarizing directory")
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].RelativePath < entries[j].RelativePath })
	return DirectorySummary{Entries: entries}, nil
}

// reservedDirs are on-disk artifacts of the sync core itself and are
// never part of a summary.
var reservedDirs = []string{".leafsync-staging", ".leafsync_trash"}

func isReservedPath(rel string) bool {
	first := rel
	if i := indexOfSlash(rel); i >= 0 {
		first = rel[:i]
	}
	for _, r := range reservedDirs {
		if first == r {
			return true
		}
	}
	return rel == ".leafsyncignore"
}

func indexOfSlash(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}
