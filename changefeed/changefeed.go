// Package changefeed defines the change-notifier collaborator: a
// debounced stream of Changed(relative_path) events driving watch
// mode's push path. Real OS-level filesystem watching is an external
// concern; this package ships only the contract plus a polling fake
// sufficient to exercise watch mode end-to-end.
package changefeed

import (
	"context"
	"time"
)

// Notifier produces debounced change events for paths under a synced
// root. The debounce window is at least 200ms: rapid repeated writes
// to the same path coalesce into one event.
type Notifier interface {
	// Events returns a channel of normalized relative paths that have
	// changed. The channel is closed when ctx ends.
	Events(ctx context.Context) <-chan string
}

// MinDebounce is the minimum allowed debounce window.
const MinDebounce = 200 * time.Millisecond

// Ticker is a polling Notifier: at each tick it calls scan, which
// returns the relative paths that look changed since the last call
// (e.g. by re-summarizing a directory and diffing against the
// previous summary). It does not itself inspect the filesystem; a
// caller supplies scan so Ticker stays a pure scheduling primitive.
type Ticker struct {
	interval time.Duration
	scan     func(ctx context.Context) ([]string, error)
	onError  func(error)
}

// NewTicker returns a Ticker that calls scan every interval. interval
// is clamped up to MinDebounce. onError, if non-nil, receives scan
// errors; a nil onError silently drops them (the next tick retries).
func NewTicker(interval time.Duration, scan func(ctx context.Context) ([]string, error), onError func(error)) *Ticker {
	if interval < MinDebounce {
		interval = MinDebounce
	}
	return &Ticker{interval: interval, scan: scan, onError: onError}
}

var _ Notifier = (*Ticker)(nil)

// Events implements Notifier.
func (t *Ticker) Events(ctx context.Context) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				paths, err := t.scan(ctx)
				if err != nil {
					if t.onError != nil {
						t.onError(err)
					}
					continue
				}
				for _, p := range paths {
					select {
					case out <- p:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out
}
