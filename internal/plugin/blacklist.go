/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package plugin

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Blacklist is the persisted set of plugin paths that must not be loaded.
// Every change is written back immediately; an empty file path keeps the
// list in memory only.
type Blacklist struct {
	mu    sync.Mutex
	paths map[string]struct{}
	file  string
	log   *logrus.Entry
}

type blacklistFile struct {
	Paths []string `json:"paths"`
}

// OpenBlacklist loads the list stored at file. A missing or unreadable file
// yields an empty list; the error is logged, not returned.
func OpenBlacklist(file string, log *logrus.Entry) *Blacklist {
	b := &Blacklist{paths: make(map[string]struct{}), file: file, log: log}
	if file == "" {
		return b
	}

	data, err := os.ReadFile(file)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.WithError(err).Error("❌ Failed to read blacklist")
		}
		return b
	}

	var stored blacklistFile
	if err := json.Unmarshal(data, &stored); err != nil {
		log.WithError(err).Error("❌ Failed to parse blacklist")
		return b
	}
	for _, p := range stored.Paths {
		b.paths[p] = struct{}{}
	}
	return b
}

// Add blacklists path and saves the list if it changed.
func (b *Blacklist) Add(path string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.paths[path]; ok {
		return
	}
	b.paths[path] = struct{}{}
	b.log.WithField("path", path).Warn("⚠️ Blacklisting plugin")
	b.saveLocked()
}

// Remove drops path from the list and saves the list if it changed.
func (b *Blacklist) Remove(path string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.paths[path]; !ok {
		return
	}
	delete(b.paths, path)
	b.log.WithField("path", path).Info("Removing plugin from blacklist")
	b.saveLocked()
}

func (b *Blacklist) Contains(path string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.paths[path]
	return ok
}

// Clear empties the list.
func (b *Blacklist) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paths = make(map[string]struct{})
	b.saveLocked()
	b.log.Info("Blacklist cleared")
}

// Paths returns the blacklisted paths in sorted order.
func (b *Blacklist) Paths() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sortedLocked()
}

func (b *Blacklist) sortedLocked() []string {
	out := make([]string, 0, len(b.paths))
	for p := range b.paths {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (b *Blacklist) saveLocked() {
	if b.file == "" {
		return
	}
	if err := b.writeLocked(); err != nil {
		b.log.WithError(err).Error("❌ Failed to save blacklist")
	}
}

func (b *Blacklist) writeLocked() error {
	data, err := json.MarshalIndent(blacklistFile{Paths: b.sortedLocked()}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode blacklist: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(b.file), 0o755); err != nil {
		return fmt.Errorf("create blacklist dir: %w", err)
	}
	return os.WriteFile(b.file, data, 0o644)
}
