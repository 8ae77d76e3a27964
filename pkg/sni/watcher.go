// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package sni

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/absmach/protomux/pkg/pool"
	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period after the last file event before a
// reload.
const DefaultDebounce = 100 * time.Millisecond

// Watcher serves lookups from the table file at a path and swaps in a new
// table whenever the file changes. A file that fails to parse leaves the
// previous table in place.
type Watcher struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger
	table    atomic.Pointer[Table]
	reloads  atomic.Uint64
	// OnReload, when set, is called after each successful reload.
	OnReload func(*Table)
}

// NewWatcher loads the table at path. Run must be called to follow changes.
func NewWatcher(path string, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	t, err := Load(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{path: path, debounce: debounce, logger: logger}
	w.table.Store(t)
	return w, nil
}

// Table returns the current table.
func (w *Watcher) Table() *Table {
	return w.table.Load()
}

// Lookup resolves serverName against the current table.
func (w *Watcher) Lookup(serverName string) (pool.Key, bool) {
	return w.table.Load().Lookup(serverName)
}

// Reloads returns the number of successful reloads.
func (w *Watcher) Reloads() uint64 {
	return w.reloads.Load()
}

// Run follows the table file until ctx is cancelled. The directory is
// watched rather than the file, so editors that replace the file by rename
// are followed too.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	name := filepath.Base(w.path)
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			fire = timer.C

		case <-fire:
			timer, fire = nil, nil
			w.reload()

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("sni table watcher error", slog.String("error", err.Error()))

		case <-ctx.Done():
			return nil
		}
	}
}

func (w *Watcher) reload() {
	t, err := Load(w.path)
	if err != nil {
		w.logger.Error("failed to reload sni table, keeping previous",
			slog.String("path", w.path),
			slog.String("error", err.Error()))
		return
	}
	w.table.Store(t)
	w.reloads.Add(1)
	w.logger.Info("sni table reloaded",
		slog.String("path", w.path),
		slog.Int("routes", t.Len()))
	if w.OnReload != nil {
		w.OnReload(t)
	}
}
