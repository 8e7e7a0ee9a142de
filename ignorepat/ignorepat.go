// Package ignorepat implements the ignore-list collaborator: reading
// .leafsyncignore at a sync root and matching normalized relative
// paths against it.
package ignorepat

import (
	"os"

	gitignore "github.com/denormal/go-gitignore"
	"github.com/pkg/errors"
)

// List matches normalized relative paths against a loaded
// .leafsyncignore file. A nil *List (or one loaded from a missing
// file) matches nothing.
type List struct {
	gi gitignore.GitIgnore
}

// Load reads ignoreFile (typically "<root>/.leafsyncignore") and
// compiles its patterns. A missing file is not an error: it yields
// an empty List. Parse errors on individual lines are collected and
// ignored, the way the teacher's loaders skip malformed input rather
// than aborting the whole walk.
func Load(ignoreFile string) (*List, error) {
	if _, err := os.Stat(ignoreFile); os.IsNotExist(err) {
		return &List{}, nil
	} else if err != nil {
		return nil, errors.Wrapf(err, "stat %s", ignoreFile)
	}

	gi, err := gitignore.NewFromFile(ignoreFile)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", ignoreFile)
	}
	return &List{gi: gi}, nil
}

// Match reports whether relPath (normalized, forward-slash) is
// excluded.
func (l *List) Match(relPath string) bool {
	if l == nil || l.gi == nil {
		return false
	}
	m := l.gi.Relative(relPath, false)
	return m != nil && m.Ignore()
}
