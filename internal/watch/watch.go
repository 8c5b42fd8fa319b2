// Package watch tracks the available capacity of selected storage units and
// publishes events.StorageAvailableChanged when it moves. Polls go through
// the hub, so they coalesce with every other storage request in flight.
package watch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	eventbus "github.com/hanpama/sysinfo/internal/eventbus"
	events "github.com/hanpama/sysinfo/internal/events"
	"github.com/hanpama/sysinfo/internal/sysinfo"
)

// ErrUnknownUnit is returned by Add for an ID not present in the current
// storage information.
var ErrUnknownUnit = sysinfo.ErrUnknownUnit

// Source provides storage information.
type Source interface {
	Storage(ctx context.Context) (sysinfo.StorageInfo, error)
}

type Option func(*Watcher)

func WithInterval(d time.Duration) Option { return func(w *Watcher) { w.interval = d } }
func WithLogger(l *slog.Logger) Option    { return func(w *Watcher) { w.logger = l } }

// Watcher holds the set of watched unit IDs and their last seen available
// capacity.
type Watcher struct {
	src      Source
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	watches map[string]uint64
}

// New returns a Watcher polling src every interval (default 5s) while Run is
// active.
func New(src Source, opts ...Option) *Watcher {
	w := &Watcher{src: src, interval: 5 * time.Second, watches: map[string]uint64{}}
	for _, f := range opts {
		f(w)
	}
	if w.logger == nil {
		w.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return w
}

// Add starts watching id. The unit must currently exist.
func (w *Watcher) Add(ctx context.Context, id string) error {
	info, err := w.src.Storage(ctx)
	if err != nil {
		return fmt.Errorf("watch: add %s: %w", id, err)
	}
	unit, ok := info.Unit(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUnit, id)
	}
	w.mu.Lock()
	w.watches[id] = unit.AvailableCapacity
	w.mu.Unlock()
	return nil
}

// Remove stops watching id and reports whether it was watched.
func (w *Watcher) Remove(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.watches[id]
	delete(w.watches, id)
	return ok
}

// List returns the watched IDs in sorted order.
func (w *Watcher) List() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.watches))
	for id := range w.watches {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RemoveAll clears every watch.
func (w *Watcher) RemoveAll() {
	w.mu.Lock()
	w.watches = map[string]uint64{}
	w.mu.Unlock()
}

// Run polls until ctx is done. Ticks with no watches do not query.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if len(w.List()) == 0 {
				continue
			}
			if err := w.Poll(ctx); err != nil && ctx.Err() == nil {
				w.logger.Warn("storage watch poll failed", "error", err)
			}
		}
	}
}

// Poll queries storage once and publishes a change event for each watched
// unit whose available capacity differs from the last poll. Units that
// disappeared stay watched and are reported again once they return.
func (w *Watcher) Poll(ctx context.Context) error {
	info, err := w.src.Storage(ctx)
	if err != nil {
		return err
	}

	var changes []events.StorageAvailableChanged
	w.mu.Lock()
	for id, last := range w.watches {
		unit, ok := info.Unit(id)
		if !ok {
			continue
		}
		if unit.AvailableCapacity != last {
			changes = append(changes, events.StorageAvailableChanged{ID: id, Old: last, New: unit.AvailableCapacity})
			w.watches[id] = unit.AvailableCapacity
		}
	}
	w.mu.Unlock()

	sort.Slice(changes, func(i, j int) bool { return changes[i].ID < changes[j].ID })
	for _, c := range changes {
		w.logger.Info("storage available capacity changed", "id", c.ID, "old", c.Old, "new", c.New)
		eventbus.Publish(ctx, c)
	}
	return nil
}
