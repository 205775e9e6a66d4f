package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow coalesces the burst of filesystem events a single editor
// save produces into one reload notification.
const debounceWindow = 250 * time.Millisecond

// ReloadEvent signals that a watched config file changed on disk.
type ReloadEvent struct {
	Path string
}

// Watcher watches config.yaml and flows.schema.json for edits and emits
// ReloadEvents. Consumers decide whether a reload is actually needed by
// comparing fingerprints.
type Watcher struct {
	homeDir string
	logger  *slog.Logger
	events  chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	return &Watcher{
		homeDir: homeDir,
		logger:  logger,
		events:  make(chan ReloadEvent, 16),
	}
}

// Events returns the channel reload notifications are delivered on. It is
// closed when the watch loop stops.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start begins watching. It returns immediately; the watch loop runs until
// ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Editors replace files by rename, which strands a file-level watch on
	// the old inode. Watching the home directory and filtering by name
	// survives atomic saves.
	if err := fsw.Add(w.homeDir); err != nil {
		fsw.Close()
		return err
	}

	go w.run(ctx, fsw)
	return nil
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher) {
	defer fsw.Close()
	defer close(w.events)

	watched := map[string]bool{
		filepath.Base(ConfigPath(w.homeDir)): true,
		"flows.schema.json":                  true,
	}

	pending := make(map[string]struct{})
	flush := time.NewTimer(debounceWindow)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if !watched[filepath.Base(ev.Name)] {
				continue
			}
			pending[ev.Name] = struct{}{}
			flush.Reset(debounceWindow)
		case <-flush.C:
			for path := range pending {
				select {
				case w.events <- ReloadEvent{Path: path}:
				default:
					w.logger.Warn("config reload event dropped, channel full", "path", path)
				}
			}
			clear(pending)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)
		}
	}
}
