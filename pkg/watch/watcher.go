// Package watch re-runs a callback whenever files matching a set of glob patterns change.
//
// Filesystem events are collected into batches: every event restarts a debounce timer and the batch is flushed
// once the tree has been quiet for Options.Debounce. Batches are handed to a single worker so that a run never
// overlaps the previous one; changes that arrive during a run are merged into one follow-up run. With
// Options.Spawn each batch is run in its own goroutine instead, which is faster but lets runs race each other
// (e.g. while a virus scanner still holds the previous output open).
package watch

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rotisserie/eris"
	"github.com/romdo/go-debounce"
	"github.com/rs/zerolog"

	"github.com/nagyistge/egeo.visual.guidelines/pkg/fileset"
)

// DefaultDebounce is used when Options.Debounce is zero.
const DefaultDebounce = 200 * time.Millisecond

var ignoredDirs = map[string]bool{
	".git":         true,
	".hg":          true,
	".svn":         true,
	"node_modules": true,
}

// Options configures a Watcher.
type Options struct {
	// Root is the directory the patterns are relative to.
	Root     string
	Patterns []string
	Debounce time.Duration
	// MaxWait forces a flush during a continuous stream of events. Zero disables it.
	MaxWait time.Duration
	Spawn   bool
}

// Trigger is called once per batch with the changed paths (relative to Options.Root, slash separated).
type Trigger func(ctx context.Context, changed []string) error

// Watcher watches the filesystem and calls its Trigger.
type Watcher struct {
	opts    Options
	trigger Trigger
	logger  zerolog.Logger

	ctx       context.Context
	lock      sync.Mutex
	changed   map[string]bool
	queued    map[string]bool
	signal    chan struct{}
	debounced func()
	running   sync.WaitGroup
	// closed is set under lock once stop is waiting for running triggers
	closed bool
}

// New creates a watcher. Nothing is watched until Run is called.
func New(opts Options, trigger Trigger, logger zerolog.Logger) *Watcher {
	if opts.Root == "" {
		opts.Root = "."
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}

	return &Watcher{
		opts:    opts,
		trigger: trigger,
		logger:  logger,
		changed: map[string]bool{},
		queued:  map[string]bool{},
		signal:  make(chan struct{}, 1),
	}
}

// Run watches until ctx is cancelled. It only returns an error if the watch could not be set up.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return eris.Wrap(err, "failed to create file watcher")
	}
	defer fsw.Close()

	dirs := 0
	for _, root := range w.roots() {
		n, err := w.addRecursive(fsw, root)
		if err != nil {
			return err
		}
		dirs += n
	}

	if dirs == 0 {
		return eris.Errorf("none of the patterns %s refer to an existing directory", strings.Join(w.opts.Patterns, ", "))
	}

	ctx, stop := w.start(ctx)
	defer stop()

	w.logger.Info().
		Int("directories", dirs).
		Msgf("Waiting for changes to %s", strings.Join(w.opts.Patterns, ", "))

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handle(fsw, evt)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("watcher error")
		}
	}
}

// start sets up the debouncer and the worker. The returned stop function cancels both and waits for a running
// trigger to return.
func (w *Watcher) start(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	w.ctx = ctx

	var cancelDebounce func()
	if w.opts.MaxWait > 0 {
		w.debounced, cancelDebounce = debounce.NewWithMaxWait(w.opts.Debounce, w.opts.MaxWait, w.flush)
	} else {
		w.debounced, cancelDebounce = debounce.New(w.opts.Debounce, w.flush)
	}

	if !w.opts.Spawn {
		w.running.Add(1)
		go w.worker(ctx)
	}

	return ctx, func() {
		w.lock.Lock()
		w.closed = true
		w.lock.Unlock()

		cancelDebounce()
		cancel()
		w.running.Wait()
	}
}

func (w *Watcher) roots() []string {
	seen := map[string]bool{}
	result := []string{}
	for _, pattern := range w.opts.Patterns {
		if strings.HasPrefix(pattern, "!") {
			continue
		}

		dir := filepath.Join(w.opts.Root, filepath.FromSlash(fileset.Base(pattern)))
		if !seen[dir] {
			seen[dir] = true
			result = append(result, dir)
		}
	}

	sort.Strings(result)
	return result
}

func (w *Watcher) addRecursive(fsw *fsnotify.Watcher, root string) (int, error) {
	count := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if eris.Is(err, os.ErrNotExist) && path == root {
				w.logger.Warn().Str("path", root).Msg("watch directory does not exist")
				return filepath.SkipDir
			}
			return err
		}

		if !d.IsDir() {
			return nil
		}
		if path != root && ignoredDirs[d.Name()] {
			return filepath.SkipDir
		}

		if err := fsw.Add(path); err != nil {
			return eris.Wrapf(err, "failed to watch %s", path)
		}
		count++
		return nil
	})
	if err != nil {
		return count, eris.Wrapf(err, "failed to set up watches for %s", root)
	}

	return count, nil
}

func (w *Watcher) handle(fsw *fsnotify.Watcher, evt fsnotify.Event) {
	// permission changes are caused by scanners and indexers far more often than by edits
	if evt.Op == fsnotify.Chmod {
		return
	}

	if evt.Has(fsnotify.Create) {
		if info, err := os.Stat(evt.Name); err == nil && info.IsDir() && !ignoredDirs[info.Name()] {
			if _, err := w.addRecursive(fsw, evt.Name); err != nil {
				w.logger.Warn().Err(err).Msg("failed to watch new directory")
			}
		}
	}

	rel, err := filepath.Rel(w.opts.Root, evt.Name)
	if err != nil {
		return
	}

	rel = filepath.ToSlash(rel)
	if fileset.Match(w.opts.Patterns, rel) {
		w.logger.Debug().Str("path", rel).Str("op", evt.Op.String()).Msg("change detected")
		w.record(rel)
	}
}

func (w *Watcher) record(path string) {
	w.lock.Lock()
	w.changed[path] = true
	w.lock.Unlock()

	w.debounced()
}

func (w *Watcher) flush() {
	w.lock.Lock()
	if len(w.changed) == 0 || w.closed {
		w.lock.Unlock()
		return
	}

	if w.opts.Spawn {
		batch := sortedKeys(w.changed)
		w.changed = map[string]bool{}
		w.running.Add(1)
		w.lock.Unlock()

		go func() {
			defer w.running.Done()
			w.run(w.ctx, batch)
		}()
		return
	}

	for path := range w.changed {
		w.queued[path] = true
	}
	w.changed = map[string]bool{}
	w.lock.Unlock()

	select {
	case w.signal <- struct{}{}:
	default:
		// a run is already pending and will pick up the queued paths
	}
}

func (w *Watcher) worker(ctx context.Context) {
	defer w.running.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.signal:
		}

		w.lock.Lock()
		batch := sortedKeys(w.queued)
		w.queued = map[string]bool{}
		w.lock.Unlock()

		if len(batch) > 0 {
			w.run(ctx, batch)
		}
	}
}

func (w *Watcher) run(ctx context.Context, batch []string) {
	w.logger.Info().Strs("files", batch).Msgf("%d file(s) changed", len(batch))

	err := w.trigger(ctx, batch)
	if err != nil && ctx.Err() == nil {
		w.logger.Error().Err(err).Msg("triggered run failed; waiting for the next change")
	}
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}

	sort.Strings(keys)
	return keys
}
