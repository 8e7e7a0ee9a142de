// Package staging implements the Staging Store: chunk-aligned writes
// to a per-file staging artifact, a persistent progress bitmap,
// verification, atomic replace, and safe-delete trash.
package staging

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bobg/flock"
	"github.com/pkg/errors"

	"github.com/leafsync/leafsync"
	"github.com/leafsync/leafsync/chunk"
)

const (
	partSuffix = ".part"
	recSuffix  = ".rec"
	lockSuffix = ".lock"
	stagingDir = ".leafsync-staging"
)

// Store holds the staging lock state shared by every Handle it opens.
// Staging paths are derived from each destination path, not from the
// Store.
type Store struct {
	flocker flock.Locker
}

// New returns a Store.
func New() *Store {
	return &Store{}
}

// Handle is an open staging session for one destination file.
type Handle struct {
	store     *Store
	destPath  string
	partPath  string
	recPath   string
	lockPath  string
	algo      leafsync.HashAlgo
	record    *Record
	modeBits  uint32
	lastFlush time.Time
	locked    bool
}

func stagingPaths(destPath string) (part, rec, lock string) {
	dir := filepath.Join(filepath.Dir(destPath), stagingDir)
	base := filepath.Base(destPath)
	return filepath.Join(dir, base+partSuffix), filepath.Join(dir, base+recSuffix), filepath.Join(dir, base+lockSuffix)
}

// Open creates or reopens a staging handle for destPath. It
// validates any existing .rec against the requested identity; on
// mismatch the existing staging artifact and record are discarded
// and a fresh one is started. Acquiring the lockfile while another
// session holds it fails with Busy.
func Open(ctx context.Context, store *Store, destPath string, expectedRoot leafsync.ChunkHash, expectedSize uint64, chunkSize uint32, algo leafsync.HashAlgo) (*Handle, error) {
	part, rec, lock := stagingPaths(destPath)
	if err := os.MkdirAll(filepath.Dir(part), 0o755); err != nil {
		return nil, leafsync.WrapKindf(leafsync.IoError, err, "creating staging directory for %s", destPath)
	}

	if err := store.flocker.Lock(lock); err != nil {
		return nil, leafsync.WrapKind(leafsync.Busy, err, "acquiring staging lock")
	}

	h := &Handle{
		store:    store,
		destPath: destPath,
		partPath: part,
		recPath:  rec,
		lockPath: lock,
		algo:     algo,
		locked:   true,
	}

	chunkCount := chunk.Count(expectedSize, chunkSize)
	existing, err := loadRecord(rec)
	switch {
	case err != nil:
		h.record = NewRecord(expectedRoot, expectedSize, chunkSize, chunkCount)
	case existing.Matches(expectedRoot, expectedSize, chunkSize):
		h.record = existing
	default:
		_ = os.Remove(part)
		h.record = NewRecord(expectedRoot, expectedSize, chunkSize, chunkCount)
	}

	if err := h.persistRecord(); err != nil {
		_ = h.unlock()
		return nil, err
	}
	return h, nil
}

func loadRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeRecord(data)
}

// MissingIndices reports the chunk indices not yet verified, per the
// handle's persisted record. Used both for a fresh fetch (all
// indices) and for resume (only the zero-bit indices).
func (h *Handle) MissingIndices() []uint32 {
	return h.record.MissingIndices()
}

// WriteChunk writes bytes at index*chunk_size into the staging file,
// after the caller has already verified the chunk hash, and sets the
// bitmap bit. It periodically persists the record; callers that need
// a guaranteed flush before session end should call Flush explicitly.
func (h *Handle) WriteChunk(index uint32, data []byte) error {
	f, err := os.OpenFile(h.partPath, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return leafsync.WrapKindf(leafsync.IoError, err, "opening staging file %s", h.partPath)
	}
	defer f.Close()

	offset := int64(index) * int64(h.record.ChunkSize)
	if _, err := f.WriteAt(data, offset); err != nil {
		return leafsync.WrapKindf(leafsync.IoError, err, "writing chunk %d to staging file", index)
	}
	h.record.SetChunk(index)

	if time.Since(h.lastFlush) > 5*time.Second {
		return h.persistRecord()
	}
	return nil
}

// Flush persists the current record to disk unconditionally. It MUST
// be called before a graceful session end.
func (h *Handle) Flush() error {
	return h.persistRecord()
}

func (h *Handle) persistRecord() error {
	data := h.record.Encode()
	tmp := h.recPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return leafsync.WrapKindf(leafsync.IoError, err, "writing staging record")
	}
	if err := os.Rename(tmp, h.recPath); err != nil {
		return leafsync.WrapKindf(leafsync.IoError, err, "renaming staging record into place")
	}
	h.lastFlush = time.Now()
	return nil
}

// Complete reports whether every chunk bit is set.
func (h *Handle) Complete() bool {
	return h.record.Complete()
}

// VerifyRoot re-hashes the staging file in full and compares its
// Merkle root to the record's expected root.
func (h *Handle) VerifyRoot(ctx context.Context) (bool, error) {
	f, err := os.Open(h.partPath)
	if err != nil {
		return false, leafsync.WrapKindf(leafsync.IoError, err, "opening staging file for verification")
	}
	defer f.Close()

	b := chunk.NewBuilder(h.algo)
	err = chunk.Chunks(ctx, io.LimitReader(f, int64(h.record.ExpectedSize)), int(h.record.ChunkSize), func(c chunk.Chunk) error {
		b.Add(chunk.Sum(h.algo, c.Bytes))
		return nil
	})
	if err != nil {
		return false, err
	}
	return b.Root() == h.record.ExpectedRoot, nil
}

// Finalize truncates the staging file to the expected size, fsyncs
// it, atomically renames it over destPath (creating parent
// directories as needed), applies modeBits, and deletes the staging
// record and lock. Finalize MUST only be called after VerifyRoot has
// returned true.
func (h *Handle) Finalize(modeBits uint32) error {
	f, err := os.OpenFile(h.partPath, os.O_WRONLY, 0o644)
	if err != nil {
		return leafsync.WrapKindf(leafsync.IoError, err, "opening staging file for finalize")
	}
	if err := f.Truncate(int64(h.record.ExpectedSize)); err != nil {
		f.Close()
		return leafsync.WrapKindf(leafsync.IoError, err, "truncating staging file to %d bytes", h.record.ExpectedSize)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return leafsync.WrapKind(leafsync.IoError, err, "fsyncing staging file")
	}
	if err := f.Close(); err != nil {
		return leafsync.WrapKind(leafsync.IoError, err, "closing staging file")
	}

	if err := os.MkdirAll(filepath.Dir(h.destPath), 0o755); err != nil {
		return leafsync.WrapKindf(leafsync.IoError, err, "creating parent directory for %s", h.destPath)
	}
	if err := renameAcrossFilesystems(h.partPath, h.destPath); err != nil {
		return leafsync.WrapKindf(leafsync.IoError, err, "finalizing %s", h.destPath)
	}
	if modeBits != 0 {
		_ = os.Chmod(h.destPath, os.FileMode(modeBits))
	}

	_ = os.Remove(h.recPath)
	return h.unlock()
}

// Discard deletes the staging file and record, leaving the
// destination untouched. Used after a failed VerifyRoot or a chunk
// integrity mismatch.
func (h *Handle) Discard() error {
	_ = os.Remove(h.partPath)
	_ = os.Remove(h.recPath)
	return h.unlock()
}

// Abandon persists the current record and releases the lock without
// deleting any state, so a future session can resume from the
// persisted record (used on cancellation and resumable failures).
func (h *Handle) Abandon() error {
	perr := h.persistRecord()
	if err := h.unlock(); err != nil {
		return err
	}
	return perr
}

func (h *Handle) unlock() error {
	if !h.locked {
		return nil
	}
	h.locked = false
	if err := h.store.flocker.Unlock(h.lockPath); err != nil {
		return leafsync.WrapKind(leafsync.IoError, err, "releasing staging lock")
	}
	return nil
}

// renameAcrossFilesystems attempts an atomic rename; if src and dst
// are on different filesystems, it falls back to copying src onto
// dst's filesystem before renaming.
func renameAcrossFilesystems(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !isCrossDeviceError(err) {
		return err
	}

	tmp := dst + ".leafsync-tmp"
	in, oerr := os.Open(src)
	if oerr != nil {
		return oerr
	}
	defer in.Close()

	out, cerr := os.Create(tmp)
	if cerr != nil {
		return cerr
	}
	if _, cerr = io.Copy(out, in); cerr != nil {
		out.Close()
		os.Remove(tmp)
		return cerr
	}
	if cerr = out.Sync(); cerr != nil {
		out.Close()
		os.Remove(tmp)
		return cerr
	}
	if cerr = out.Close(); cerr != nil {
		os.Remove(tmp)
		return cerr
	}
	if cerr = os.Rename(tmp, dst); cerr != nil {
		os.Remove(tmp)
		return cerr
	}
	return os.Remove(src)
}

func isCrossDeviceError(err error) bool {
	return errors.Is(err, syscall.EXDEV)
}

// Trash moves path into trashRoot, preserving path's structure
// beneath it, creating intermediate directories as needed. Never
// hard-deletes.
func Trash(path, trashRoot, relPath string) error {
	dest := filepath.Join(trashRoot, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return leafsync.WrapKindf(leafsync.IoError, err, "creating trash directory for %s", relPath)
	}
	if err := renameAcrossFilesystems(path, dest); err != nil {
		return leafsync.WrapKindf(leafsync.IoError, err, "trashing %s", relPath)
	}
	return nil
}

// TrashRootFor returns the trash directory for one session, named by
// its UTC ISO8601 start time.
func TrashRootFor(syncRoot string, sessionStart time.Time) string {
	return filepath.Join(syncRoot, ".leafsync_trash", sessionStart.UTC().Format("20060102T150405.000000000Z"))
}
