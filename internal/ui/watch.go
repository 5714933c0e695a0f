package ui

import (
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FocusWatcher monitors the repository for source files the operator edits
// while a run is in flight. Each settled edit is published as a focus path,
// which the next iteration's hypothesis generator picks up as a steering
// hint. Used in interactive mode only.
type FocusWatcher struct {
	Root  string
	Focus <-chan string // Read-only external channel

	focus   chan string // Internal write channel
	done    chan struct{}
	watcher *fsnotify.Watcher
	started bool
}

// NewFocusWatcher creates a watcher over the repository root.
func NewFocusWatcher(root string) (*FocusWatcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	ch := make(chan string, 16)
	w := &FocusWatcher{
		Root:    root,
		Focus:   ch,
		focus:   ch,
		done:    make(chan struct{}),
		watcher: fw,
	}
	return w, nil
}

// Start registers every directory under the root (skipping VCS and build
// output) and begins publishing focus paths.
func (w *FocusWatcher) Start() error {
	err := filepath.WalkDir(w.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if skipDir(d.Name()) {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
	if err != nil {
		return err
	}

	w.started = true
	go w.loop()
	return nil
}

// Stop closes the watcher and channels. Safe to call even when Start failed
// before the publishing loop began.
func (w *FocusWatcher) Stop() {
	w.watcher.Close()
	if w.started {
		<-w.done // Wait for loop to exit
	}
	close(w.focus)
}

func (w *FocusWatcher) loop() {
	defer close(w.done)

	// Debounce: track last event time per file.
	const debounce = 100 * time.Millisecond
	pending := make(map[string]time.Time)
	ticker := time.NewTicker(debounce)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				for file := range pending {
					w.emit(file)
				}
				return
			}

			if !w.isSourceFile(event.Name) {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				pending[event.Name] = time.Now()
			}

		case _, ok := <-ticker.C:
			if !ok {
				return
			}
			now := time.Now()
			for file, t := range pending {
				if now.Sub(t) >= debounce {
					w.emit(file)
					delete(pending, file)
				}
			}

		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			// Watch errors are non-fatal.
		}
	}
}

func (w *FocusWatcher) isSourceFile(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	switch filepath.Ext(base) {
	case ".go", ".cs", ".js", ".ts", ".py":
		return true
	}
	return false
}

// emit publishes the repo-relative path, dropping it when nobody is reading.
func (w *FocusWatcher) emit(file string) {
	rel, err := filepath.Rel(w.Root, file)
	if err != nil {
		rel = file
	}
	select {
	case w.focus <- rel:
	default:
	}
}

func skipDir(name string) bool {
	switch name {
	case ".git", "node_modules", "bin", "obj", ".forge-worktrees":
		return true
	}
	return false
}
