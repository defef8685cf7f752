// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// file is the on-disk YAML shape.
type file struct {
	Entries []*Entry `yaml:"entries"`
}

// LoadFile reads a YAML knowledge file and returns its entries.
func LoadFile(path string) ([]*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read knowledge file: %w", err)
	}
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse knowledge file %s: %w", path, err)
	}
	return f.Entries, nil
}

// Watcher hot-reloads a Base when its backing file changes.
//
// # Description
//
// Watches the knowledge YAML file and swaps the Base snapshot on every
// write. A reload that fails to parse keeps the previous snapshot; editors
// saving broken YAML never take the knowledge base down.
//
// # Thread Safety
//
// Run should be called once, in its own goroutine.
type Watcher struct {
	path    string
	base    *Base
	watcher *fsnotify.Watcher
}

// NewWatcher creates a watcher for path feeding base.
func NewWatcher(path string, base *Base) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create knowledge watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch knowledge file %s: %w", path, err)
	}
	return &Watcher{path: path, base: base, watcher: fw}, nil
}

// Run blocks until ctx is cancelled, reloading on write events.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	slog.Info("knowledge watcher started", "path", w.path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			entries, err := LoadFile(w.path)
			if err != nil {
				slog.Warn("knowledge reload failed, keeping previous entries",
					"path", w.path, "error", err)
				continue
			}
			w.base.Replace(entries)
			slog.Info("knowledge base reloaded", "path", w.path, "entries", len(entries))
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("knowledge watcher error", "error", err)
		}
	}
}
