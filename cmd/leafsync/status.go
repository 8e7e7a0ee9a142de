package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	canonicaljson "github.com/gibson042/canonicaljson-go"

	"github.com/leafsync/leafsync"
	"github.com/leafsync/leafsync/ignorepat"
	"github.com/leafsync/leafsync/manifest"
)

// status implements `leafsync status <dir>`: a local-only
// introspection helper that prints the directory summary the next
// connect/serve would advertise, without any network activity. It
// carries no part of the sync core's correctness surface.
func (c maincmd) status(ctx context.Context, fs *flag.FlagSet, args []string) error {
	var (
		chunkSize = fs.Uint("chunk-size", uint(leafsync.DefaultChunkSize), "chunk size in bytes")
		asJSON    = fs.Bool("json", false, "print a canonical JSON rendering of the summary")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: leafsync status <dir>")
	}
	dir := fs.Arg(0)

	ignore, err := ignorepat.Load(filepath.Join(dir, ".leafsyncignore"))
	if err != nil {
		return err
	}
	engine := manifest.New(leafsync.HashSHA256, uint32(*chunkSize), nil)
	summary, err := engine.Summary(ctx, dir, ignore)
	if err != nil {
		return err
	}

	if *asJSON {
		enc, err := canonicaljson.Marshal(summaryToJSON(summary))
		if err != nil {
			return fmt.Errorf("encoding summary: %w", err)
		}
		_, err = os.Stdout.Write(append(enc, '\n'))
		return err
	}

	for _, e := range summary.Entries {
		fmt.Printf("%s\t%d\t%s\n", e.RelativePath, e.Size, e.Root)
	}
	return nil
}

// jsonSummary is the canonical-JSON-friendly shape of a
// DirectorySummary: chunk hashes render as lowercase hex rather than
// the [32]byte arrays canonicaljson would otherwise emit as integer
// arrays.
type jsonSummary struct {
	Entries []jsonEntry `json:"entries"`
}

type jsonEntry struct {
	Path string `json:"path"`
	Size uint64 `json:"size"`
	Root string `json:"root"`
}

func summaryToJSON(summary manifest.DirectorySummary) jsonSummary {
	out := jsonSummary{Entries: make([]jsonEntry, len(summary.Entries))}
	for i, e := range summary.Entries {
		out.Entries[i] = jsonEntry{Path: e.RelativePath, Size: e.Size, Root: e.Root.String()}
	}
	return out
}
