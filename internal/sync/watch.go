package sync

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/renderinc/scp-archive/internal/scpdata"
)

// SnapshotHandler is called with the newest snapshot directory under the
// watched root
type SnapshotHandler func(ctx context.Context, dir string)

// Watcher triggers a handler when a new snapshot directory under the raw
// data root gets its items/index.json. Bursts of events within the debounce
// window collapse into one call. A snapshot directory that appears before
// its index is watched, and polled every debounce period, until the index
// shows up.
type Watcher struct {
	watcher  *fsnotify.Watcher
	root     string
	debounce time.Duration
	handle   SnapshotHandler

	// owned by loop
	pending map[string]bool
	last    string

	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewWatcher creates a watcher for root. It must be started with Start.
func NewWatcher(root string, debounce time.Duration, handle SnapshotHandler) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &Watcher{
		watcher:  w,
		root:     filepath.Clean(root),
		debounce: debounce,
		handle:   handle,
		pending:  map[string]bool{},
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. The snapshot already newest under root counts as
// handled. The handler runs with ctx.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}
	if err := w.watcher.Add(w.root); err != nil {
		return fmt.Errorf("watch %s: %w", w.root, err)
	}
	if dir, err := scpdata.LatestSnapshot(w.root); err == nil {
		w.last = dir
	}

	w.running = true
	w.wg.Add(1)
	go w.loop(ctx)
	return nil
}

// Stop stops watching and waits for a running handler to return
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	if err != nil {
		return fmt.Errorf("close watcher: %w", err)
	}
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	timer := time.NewTimer(w.debounce)
	timer.Stop()

	for {
		select {
		case <-w.done:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if w.observe(event) {
				timer.Reset(w.debounce)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logrus.Warnf("Snapshot watcher error: %v", err)

		case <-timer.C:
			if !w.ready() {
				// a snapshot is still being written
				if len(w.pending) > 0 {
					timer.Reset(w.debounce)
				}
				continue
			}

			dir, err := scpdata.LatestSnapshot(w.root)
			if err != nil {
				logrus.Warnf("No snapshot to ingest under %s: %v", w.root, err)
				continue
			}
			if dir == w.last {
				continue
			}
			w.last = dir
			logrus.Infof("New snapshot detected: %s", dir)
			w.handle(ctx, dir)
		}
	}
}

// observe tracks snapshot directories and their items directories as they
// appear, and reports whether the event concerns a snapshot
func (w *Watcher) observe(e fsnotify.Event) bool {
	if !e.Has(fsnotify.Create) && !e.Has(fsnotify.Rename) && !e.Has(fsnotify.Write) {
		return false
	}

	dir, ok := w.snapshotOf(e.Name)
	if !ok {
		return false
	}

	if !w.pending[dir] && dir != w.last && e.Has(fsnotify.Create) {
		w.pending[dir] = true
		w.add(dir)
		w.add(filepath.Join(dir, "items"))
	}
	if e.Name == filepath.Join(dir, "items") && e.Has(fsnotify.Create) {
		w.add(e.Name)
	}
	return true
}

// ready drops pending snapshots that now have an index and reports whether
// any did. A timer without pending snapshots is always ready.
func (w *Watcher) ready() bool {
	if len(w.pending) == 0 {
		return true
	}

	found := false
	for dir := range w.pending {
		if !scpdata.HasIndex(dir) {
			continue
		}
		delete(w.pending, dir)
		w.watcher.Remove(filepath.Join(dir, "items"))
		w.watcher.Remove(dir)
		found = true
	}
	return found
}

// snapshotOf returns the scp-* directory directly under root that path is in
func (w *Watcher) snapshotOf(path string) (string, bool) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	top, _, _ := strings.Cut(filepath.ToSlash(rel), "/")
	if !strings.HasPrefix(top, "scp-") {
		return "", false
	}
	return filepath.Join(w.root, top), true
}

func (w *Watcher) add(path string) {
	if err := w.watcher.Add(path); err != nil {
		logrus.Debugf("Watch %s: %v", path, err)
	}
}
