package seed

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/centrixsystems/centrix-ci/internal/logfields"
)

// Watcher re-applies a seed file when it changes on disk. Events are
// debounced so editors that write in bursts trigger one apply.
type Watcher struct {
	path      string
	seeder    *Seeder
	watcher   *fsnotify.Watcher
	logger    *slog.Logger
	stopChan  chan struct{}
	applyChan chan struct{}
	stopOnce  sync.Once
	debounce  time.Duration
}

// NewWatcher creates a watcher for the seed file at path.
func NewWatcher(path string, seeder *Seeder, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		fsw.Close()
		return nil, fmt.Errorf("resolve seed path: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:      absPath,
		seeder:    seeder,
		watcher:   fsw,
		logger:    logger,
		stopChan:  make(chan struct{}),
		applyChan: make(chan struct{}, 1),
		debounce:  2 * time.Second,
	}, nil
}

// Start begins monitoring. The containing directory is watched rather
// than the file itself so rename-based saves keep working.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch seed directory: %w", err)
	}
	w.logger.Info("Watching seed file", logfields.Path(w.path))

	go w.watchLoop(ctx)
	go w.applyLoop(ctx)
	return nil
}

// Stop ends monitoring. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		if err := w.watcher.Close(); err != nil {
			w.logger.Error("Error closing seed watcher", logfields.Error(err))
		}
	})
}

func (w *Watcher) watchLoop(ctx context.Context) {
	seedFile := filepath.Base(w.path)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != seedFile {
				continue
			}
			switch {
			case event.Op.Has(fsnotify.Write), event.Op.Has(fsnotify.Create), event.Op.Has(fsnotify.Rename):
				w.logger.Debug("Seed file changed", logfields.Path(event.Name))
				w.trigger()
			case event.Op.Has(fsnotify.Remove):
				w.logger.Warn("Seed file removed", logfields.Path(event.Name))
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Seed watcher error", logfields.Error(err))
		}
	}
}

func (w *Watcher) applyLoop(ctx context.Context) {
	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-w.stopChan:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-w.applyChan:
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				created, err := w.seeder.ApplyFile(ctx, w.path)
				if err != nil {
					w.logger.Error("Failed to re-apply seed file", logfields.Error(err))
					return
				}
				w.logger.Info("Seed file re-applied", logfields.Count(created))
			})
		}
	}
}

func (w *Watcher) trigger() {
	select {
	case w.applyChan <- struct{}{}:
	default:
	}
}
