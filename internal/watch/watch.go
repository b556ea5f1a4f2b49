// Package watch turns file saves into save-triggered test cycles.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/lucasnoah/atp/internal/cycle"
)

// Starter starts a cycle unless one is already in flight.
type Starter interface {
	StartIfIdle(opts cycle.StartOptions) string
	Config() cycle.Config
}

// Options filter which files count as saves.
type Options struct {
	Paths      []string
	Extensions []string // e.g. ".ts"; empty accepts every file
	Ignore     []string // base names or globs matched against each path element
	Logger     *slog.Logger
}

// Watcher debounces file writes and starts a save cycle for each quiet
// period. The debounce window is read from the starter's current config
// (SaveDebounceMs) whenever a new batch opens.
type Watcher struct {
	starter Starter
	opts    Options
	fsw     *fsnotify.Watcher
	logger  *slog.Logger

	// fired is called after each start attempt; tests hook it.
	fired func(id string, files []string)
}

// New creates a watcher over opts.Paths, recursively.
func New(starter Starter, opts Options) (*Watcher, error) {
	if len(opts.Paths) == 0 {
		opts.Paths = []string{"."}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	w := &Watcher{starter: starter, opts: opts, fsw: fsw, logger: logger}
	for _, p := range opts.Paths {
		if err := w.addRecursive(p); err != nil {
			fsw.Close()
			return nil, err
		}
	}
	return w, nil
}

func (w *Watcher) addRecursive(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("watch %s: %w", root, err)
	}
	if !info.IsDir() {
		return w.fsw.Add(root)
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if path != root && w.ignored(path) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

// Run processes events until ctx is canceled. Pending changes are
// dropped on shutdown.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	pending := map[string]struct{}{}
	var timer *time.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() && !w.ignored(ev.Name) {
					if err := w.addRecursive(ev.Name); err != nil {
						w.logger.Warn("watch new directory", slog.String("path", ev.Name), slog.String("error", err.Error()))
					}
					continue
				}
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if !w.accepts(ev.Name) {
				continue
			}
			pending[filepath.ToSlash(ev.Name)] = struct{}{}

			d := time.Duration(w.starter.Config().SaveDebounceMs) * time.Millisecond
			if timer == nil {
				timer = time.NewTimer(d)
				timerC = timer.C
			} else {
				timer.Reset(d)
			}

		case <-timerC:
			timer, timerC = nil, nil
			files := make([]string, 0, len(pending))
			for f := range pending {
				files = append(files, f)
			}
			sort.Strings(files)
			clear(pending)
			w.fire(files)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) fire(files []string) {
	id := w.starter.StartIfIdle(cycle.StartOptions{Trigger: cycle.TriggerSave, Files: files})
	if id != "" {
		w.logger.Info("save cycle started", slog.String("cycle_id", id), slog.Int("files", len(files)))
	} else {
		w.logger.Debug("save ignored", slog.Int("files", len(files)))
	}
	if w.fired != nil {
		w.fired(id, files)
	}
}

func (w *Watcher) accepts(path string) bool {
	if w.ignored(path) {
		return false
	}
	if len(w.opts.Extensions) == 0 {
		return true
	}
	return slices.Contains(w.opts.Extensions, filepath.Ext(path))
}

func (w *Watcher) ignored(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == "" || part == "." {
			continue
		}
		for _, pattern := range w.opts.Ignore {
			if part == pattern {
				return true
			}
			if ok, _ := filepath.Match(pattern, part); ok {
				return true
			}
		}
	}
	return false
}
