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
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Factory creates an instance for a resolved path.
type Factory func(id, path string) (Instance, error)

// Registry resolves plugin paths. Paths with the builtin scheme map to
// factories registered in-process; anything else is opened as a Go shared
// object exporting NewInstance.
type Registry struct {
	mu        sync.RWMutex
	builtins  map[string]Factory
	shared    map[string]Factory
	blacklist *Blacklist
	search    []string
	openSO    func(path string) (Factory, error)
	log       *logrus.Entry
}

// NewRegistry returns a registry with every built-in plugin registered.
// blacklist may be nil.
func NewRegistry(blacklist *Blacklist, log *logrus.Entry) *Registry {
	r := &Registry{
		builtins:  make(map[string]Factory),
		shared:    make(map[string]Factory),
		blacklist: blacklist,
		openSO:    openSharedObject,
		log:       log,
	}
	for name, f := range Builtins() {
		r.Register(name, f)
	}
	return r
}

// Register adds or replaces a built-in factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builtins[name] = f
}

// SetSearchPaths sets the directories tried, in order, for relative
// shared-object paths.
func (r *Registry) SetSearchPaths(dirs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.search = append([]string(nil), dirs...)
}

// Names lists the registered built-in paths.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.builtins))
	for name := range r.builtins {
		out = append(out, BuiltinScheme+name)
	}
	return out
}

// Load implements Loader. A panic while constructing the instance is
// recovered, the path is blacklisted and an error is returned.
func (r *Registry) Load(id, path string) (inst Instance, err error) {
	if r.blacklist != nil && r.blacklist.Contains(path) {
		return nil, fmt.Errorf("%w: %s", ErrBlacklisted, path)
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.log.WithField("path", path).Errorf("💥 Plugin crashed during load: %v", rec)
			if r.blacklist != nil {
				r.blacklist.Add(path)
			}
			inst = nil
			err = fmt.Errorf("plugin crashed during load: %v", rec)
		}
	}()

	factory, err := r.resolve(path)
	if err != nil {
		return nil, err
	}
	return factory(id, path)
}

func (r *Registry) resolve(path string) (Factory, error) {
	if name, ok := strings.CutPrefix(path, BuiltinScheme); ok {
		r.mu.RLock()
		f, found := r.builtins[name]
		r.mu.RUnlock()
		if !found {
			return nil, fmt.Errorf("unknown built-in plugin %q", name)
		}
		return f, nil
	}

	full := r.lookPath(path)

	r.mu.RLock()
	f, found := r.shared[full]
	r.mu.RUnlock()
	if found {
		return f, nil
	}

	f, err := r.openSO(full)
	if err != nil {
		return nil, fmt.Errorf("failed to load plugin module: %w", err)
	}

	r.mu.Lock()
	r.shared[full] = f
	r.mu.Unlock()
	return f, nil
}

// lookPath returns the first search-path match for a relative path, or
// path unchanged.
func (r *Registry) lookPath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, dir := range r.search {
		candidate := filepath.Join(dir, path)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return path
}
