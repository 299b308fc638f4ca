package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/arloliu/go-q330/logger"
)

const reloadDebounce = 100 * time.Millisecond

// Watch re-reads the station file at path whenever it is written, created or renamed
// into place, and hands the new file to fn. Bursts of events are debounced. Files that
// fail to load are logged and skipped, the previous configuration stays in effect.
//
// Watch blocks until ctx is done or the watcher fails.
func Watch(ctx context.Context, path string, fn func(*File)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	defer watcher.Close()

	// editors replace files by rename, so watch the directory
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("config: watch %s: %w", filepath.Dir(abs), err)
	}

	l := logger.With("file", abs)
	timer := newDebounceTimer()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				resetDebounceTimer(timer)
			}

		case <-timer.C:
			f, err := Load(abs)
			if err != nil {
				l.Error("station file reload failed", "error", err)
				continue
			}
			l.Info("station file reloaded", "stations", len(f.Stations))
			fn(f)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("config: watcher: %w", err)
		}
	}
}

func newDebounceTimer() *time.Timer {
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}

	return timer
}

func resetDebounceTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(reloadDebounce)
}
