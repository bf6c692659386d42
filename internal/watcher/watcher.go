// Package watcher hot-reloads the permission config file when it is
// edited outside this process, so external tooling can flip policies
// without a restart.
package watcher

import (
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceInterval = 500 * time.Millisecond

// Reloader is the config consumer notified after file changes.
// Satisfied by the permission service.
type Reloader interface {
	ReloadFromDisk() error
}

// Watcher monitors a single config file for writes and triggers a
// debounced reload. Editors and atomic writers replace the file, so the
// parent directory is watched rather than the file itself.
type Watcher struct {
	path     string
	reloader Reloader

	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}
	closeOnce sync.Once
}

// New starts watching the config file at path.
func New(path string, reloader Reloader) (*Watcher, error) {
	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := fsW.Add(filepath.Dir(path)); err != nil {
		fsW.Close()
		return nil, err
	}

	w := &Watcher{
		path:      path,
		reloader:  reloader,
		fsWatcher: fsW,
		cancel:    make(chan struct{}),
	}

	go w.watchLoop()
	return w, nil
}

// Shutdown stops the watcher.
func (w *Watcher) Shutdown() {
	w.closeOnce.Do(func() {
		close(w.cancel)
		w.fsWatcher.Close()
	})
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop() {
	var timer *time.Timer

	for {
		select {
		case <-w.cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			// Debounce: reset timer on each event.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceInterval, w.reload)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Printf("config watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	if err := w.reloader.ReloadFromDisk(); err != nil {
		log.Printf("permission config reload failed: %v", err)
		return
	}
	log.Printf("permission config reloaded from %s", w.path)
}
