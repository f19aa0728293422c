// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/MykolaVaskevych/MCP-manager/pkg/logger"
)

const defaultDebounceDelay = 200 * time.Millisecond

// ReloadFunc applies a validated configuration. Returning an error keeps
// the previous snapshot active.
type ReloadFunc func(ctx context.Context, cfg *Config) error

// Watcher reloads the configuration when its file changes. A change that
// fails to load or validate is logged and ignored; the watcher keeps running.
type Watcher struct {
	path          string
	loader        Loader
	validator     Validator
	onReload      ReloadFunc
	debounceDelay time.Duration

	fs       *fsnotify.Watcher
	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	stopped  chan struct{}
	reloadMu sync.Mutex
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounceDelay sets how long the watcher waits for writes to settle.
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounceDelay = d
	}
}

// NewWatcher creates a watcher for path.
func NewWatcher(path string, loader Loader, validator Validator, onReload ReloadFunc, opts ...WatcherOption) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	w := &Watcher{
		path:          absPath,
		loader:        loader,
		validator:     validator,
		onReload:      onReload,
		debounceDelay: defaultDebounceDelay,
		fs:            fsWatcher,
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start begins watching. The directory is watched rather than the file so
// that editors which replace the file on save are followed.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	if err := w.fs.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}
	w.running = true

	logger.Infow("watching configuration file", "path", w.path)
	go w.watch(ctx)
	return nil
}

// Stop stops watching and waits for the loop to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return w.fs.Close()
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.stopped
	return w.fs.Close()
}

func (w *Watcher) watch(ctx context.Context) {
	defer close(w.stopped)

	var timer *time.Timer
	var debounceCh <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			logger.Debugw("configuration file changed", "path", event.Name, "op", event.Op.String())
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounceDelay)
			debounceCh = timer.C
		case <-debounceCh:
			debounceCh = nil
			if err := w.Reload(ctx); err != nil {
				logger.Errorw("configuration reload skipped", "path", w.path, "error", err)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			logger.Errorw("configuration watcher error", "error", err)
		}
	}
}

// Reload loads, validates and applies the file immediately.
func (w *Watcher) Reload(ctx context.Context) error {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	cfg, err := LoadAndValidate(w.loader, w.validator)
	if err != nil {
		return err
	}
	if err := w.onReload(ctx, cfg); err != nil {
		return fmt.Errorf("failed to apply configuration: %w", err)
	}
	logger.Infow("configuration reloaded", "path", w.path)
	return nil
}
