package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// RulesWatcher monitors the invalidation rules document and invokes the
// supplied callback whenever it changes. Stop must be called to release
// filesystem resources.
type RulesWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for the underlying goroutine to exit.
func (w *RulesWatcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// WatchRules wires fsnotify around the rules document and reloads it on any
// relevant change. The initial load is delivered synchronously before the
// watcher goroutine starts so callers begin with a populated registry.
func WatchRules(ctx context.Context, path string, onChange func([]RuleSpec), onError func(error)) (*RulesWatcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("config: watch rules requires a change callback")
	}
	if path == "" {
		return nil, fmt.Errorf("config: no rules file configured for watching")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: resolve rules file: %w", err)
	}

	rules, err := LoadRules(absPath)
	if err != nil {
		return nil, err
	}
	onChange(rules)

	watchCtx, cancel := context.WithCancel(ctx)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("config: watch rules: %w", err)
	}
	// Editors replace files via rename, so the parent directory is watched
	// rather than the file itself.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		cancel()
		_ = watcher.Close()
		return nil, fmt.Errorf("config: watch add %s: %w", filepath.Dir(absPath), err)
	}

	done := make(chan struct{})
	w := &RulesWatcher{cancel: cancel, done: done}

	go func() {
		defer close(done)
		defer func() {
			if err := watcher.Close(); err != nil && onError != nil {
				onError(fmt.Errorf("config: watch rules close: %w", err))
			}
		}()

		// Debounce rapid event bursts from editors writing in chunks.
		var pending <-chan time.Time
		reload := func() {
			rules, err := LoadRules(absPath)
			if err != nil {
				if onError != nil {
					onError(err)
				}
				return
			}
			onChange(rules)
		}

		for {
			select {
			case <-watchCtx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != absPath {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				pending = time.After(100 * time.Millisecond)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if err != nil && onError != nil {
					onError(fmt.Errorf("config: watch rules: %w", err))
				}
			case <-pending:
				pending = nil
				reload()
			}
		}
	}()

	return w, nil
}
