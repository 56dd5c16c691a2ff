package codexlog

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agusx1211/crew/internal/debug"
)

// Watcher coalesces "the log may have grown" signals. It prefers fsnotify on
// the log's directory and always keeps a polling ticker as fallback, since
// inotify can be unavailable or miss events on some filesystems.
type Watcher struct {
	ch     chan struct{}
	done   chan struct{}
	fsw    *fsnotify.Watcher
	ticker *time.Ticker
}

// WatchFile watches path for appends, waking waiters at least every
// fallback interval.
func WatchFile(path string, fallback time.Duration) *Watcher {
	if fallback <= 0 {
		fallback = 500 * time.Millisecond
	}
	w := &Watcher{
		ch:     make(chan struct{}, 1),
		done:   make(chan struct{}),
		ticker: time.NewTicker(fallback),
	}

	fsw, err := fsnotify.NewWatcher()
	if err == nil {
		// Watch the directory: the file may be replaced or not exist yet.
		if addErr := fsw.Add(filepath.Dir(path)); addErr != nil {
			fsw.Close()
			fsw = nil
			debug.Logf("codexlog", "fsnotify add failed, poll-only: %v", addErr)
		}
	} else {
		fsw = nil
		debug.Logf("codexlog", "fsnotify unavailable, poll-only: %v", err)
	}
	w.fsw = fsw

	go w.loop(path)
	return w
}

// C yields whenever the file may have new content. Signals are coalesced.
func (w *Watcher) C() <-chan struct{} { return w.ch }

// Close stops the watcher.
func (w *Watcher) Close() {
	close(w.done)
	w.ticker.Stop()
	if w.fsw != nil {
		w.fsw.Close()
	}
}

func (w *Watcher) loop(path string) {
	base := filepath.Base(path)
	var fsEvents chan fsnotify.Event
	var fsErrors chan error
	if w.fsw != nil {
		fsEvents = w.fsw.Events
		fsErrors = w.fsw.Errors
	}
	for {
		select {
		case <-w.done:
			return
		case <-w.ticker.C:
			w.wake()
		case ev, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			if filepath.Base(ev.Name) == base && ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.wake()
			}
		case err, ok := <-fsErrors:
			if !ok {
				fsErrors = nil
				continue
			}
			debug.Logf("codexlog", "fsnotify error: %v", err)
		}
	}
}

func (w *Watcher) wake() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}
