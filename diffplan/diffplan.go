// Package diffplan implements the Diff Planner: comparing a local
// manifest against a remote one and producing a minimal request plan.
package diffplan

import (
	"github.com/leafsync/leafsync/manifest"
)

// Action classifies what the Transfer Engine must do for one file
// once its plan is known.
type Action int

const (
	// ActionFetch means some (possibly all) chunk indices must be
	// fetched from the remote.
	ActionFetch Action = iota
	// ActionUpToDate means the local and remote roots already match;
	// no transfer is needed.
	ActionUpToDate
	// ActionTruncate means the local file is longer than the remote,
	// whether or not mirror-delete is enabled: after any fetch, the
	// local file must be truncated to the remote's size.
	ActionTruncate
	// ActionTrash means the file is locally present but absent from
	// the remote summary and mirror-delete is enabled: it must be
	// moved to the trash directory, never fetched or deleted outright.
	ActionTrash
)

// Plan is the outcome of diffing one file's local and remote
// manifests: which chunk indices to fetch (sorted, deduplicated) and
// what else must happen.
type Plan struct {
	RelativePath string
	Action       Action
	Indices      []uint32
	// TruncateToSize is set when Action == ActionTruncate.
	TruncateToSize uint64
}

// File computes the Plan for one file given its local manifest
// (localOK=false if absent) and its remote manifest. It takes no
// mirror-delete setting: a locally-longer file always gets
// ActionTruncate. A file absent from the remote entirely is trashed or
// left alone by the caller via Missing, since File always assumes a
// remote manifest is given.
func File(local manifest.FileManifest, localOK bool, remote manifest.FileManifest) Plan {
	if !localOK {
		return Plan{
			RelativePath: remote.RelativePath,
			Action:       ActionFetch,
			Indices:      rangeIndices(0, uint32(len(remote.ChunkHashes))),
		}
	}
	if local.ChunkSize != remote.ChunkSize {
		// Tie-break: chunk-size mismatch means treat local as absent.
		return Plan{
			RelativePath: remote.RelativePath,
			Action:       ActionFetch,
			Indices:      rangeIndices(0, uint32(len(remote.ChunkHashes))),
		}
	}
	if local.Root == remote.Root {
		return Plan{RelativePath: remote.RelativePath, Action: ActionUpToDate}
	}

	minLen := len(local.ChunkHashes)
	if len(remote.ChunkHashes) < minLen {
		minLen = len(remote.ChunkHashes)
	}
	var indices []uint32
	for i := 0; i < minLen; i++ {
		if local.ChunkHashes[i] != remote.ChunkHashes[i] {
			indices = append(indices, uint32(i))
		}
	}
	if len(remote.ChunkHashes) > len(local.ChunkHashes) {
		indices = append(indices, rangeIndices(uint32(len(local.ChunkHashes)), uint32(len(remote.ChunkHashes)))...)
	}

	plan := Plan{RelativePath: remote.RelativePath, Action: ActionFetch, Indices: indices}
	if len(local.ChunkHashes) > len(remote.ChunkHashes) {
		plan.Action = ActionTruncate
		plan.TruncateToSize = remote.Size
	}
	return plan
}

// Missing returns the plan for a file present locally (localPath) but
// absent from the remote summary. If mirrorDelete is enabled the
// action is ActionTrash; otherwise the file is left untouched and
// Missing returns ok=false to signal "no plan" (spec.md only defines
// trash behavior for the absent-remote case; non-mirror sessions
// leave such files alone).
func Missing(localRelPath string, mirrorDelete bool) (Plan, bool) {
	if !mirrorDelete {
		return Plan{}, false
	}
	return Plan{RelativePath: localRelPath, Action: ActionTrash}, true
}

func rangeIndices(from, to uint32) []uint32 {
	if to <= from {
		return nil
	}
	out := make([]uint32, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, i)
	}
	return out
}
