package autosave

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// DraftWatcher marks a form dirty whenever its draft file changes on disk.
// It feeds the scheduler only; the save loop itself decides when to persist.
type DraftWatcher struct {
	scheduler *Scheduler
	logger    *slog.Logger
	formID    string
	path      string
	watcher   *fsnotify.Watcher
	done      chan struct{}
}

// NewDraftWatcher watches the directory containing path, since editors
// typically replace files instead of writing in place.
func NewDraftWatcher(scheduler *Scheduler, formID, path string, logger *slog.Logger) (*DraftWatcher, error) {
	formID = strings.TrimSpace(formID)
	path = strings.TrimSpace(path)
	if scheduler == nil || formID == "" || path == "" {
		return nil, fmt.Errorf("scheduler, form id and draft path are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	w := &DraftWatcher{
		scheduler: scheduler,
		logger:    logger,
		formID:    formID,
		path:      filepath.Clean(path),
		watcher:   watcher,
		done:      make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *DraftWatcher) run() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.logger.Debug("draft changed on disk", "form", w.formID, "op", event.Op)
				w.scheduler.MarkDirty(w.formID)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("draft watcher error", "form", w.formID, "error", err)
		}
	}
}

// Close stops watching and waits for the event loop to drain.
func (w *DraftWatcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
