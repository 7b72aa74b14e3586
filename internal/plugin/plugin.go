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

// Package plugin defines the capability contract the engine needs from a
// hosted audio plugin, the loaders that produce plugin instances, and the
// Manager that owns every loaded instance and its real-time slot.
package plugin

import (
	"errors"
	"sync/atomic"
)

// MaxPlugins is the number of real-time slots available to the chain
const MaxPlugins = 32

var (
	ErrNotFound       = errors.New("Plugin not found")
	ErrLimitReached   = errors.New("Plugin limit reached (MAX_PLUGINS=32)")
	ErrBlacklisted    = errors.New("plugin is blacklisted")
	ErrNoEditor       = errors.New("plugin has no editor")
	ErrNotPrepared    = errors.New("plugin has not been prepared")
	ErrProcessorFault = errors.New("processor faulted")
)

// EditorGeometry is the size reported by an opened editor view.
type EditorGeometry struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Instance is a loaded plugin owned by the control thread.
//
// Implementations must tolerate Prepare being called again with a new
// configuration after a stream restart, and must keep the flag returned by
// Active shared with every Processor they create.
type Instance interface {
	ID() string
	Name() string
	Vendor() string
	Path() string

	// ModuleKey identifies the backing module for the burned set.
	ModuleKey() string

	Prepare(sampleRate float64, maxBlock, channels int) error
	CreateProcessor() (Processor, error)
	LatencySamples() uint32

	OpenEditor(parent uintptr) (EditorGeometry, error)
	CloseEditor()

	State() ([]byte, error)
	SetState(state []byte) error

	// FinalizeConnection completes a handshake postponed by deferred
	// initialization. It is a no-op for plugins that connect at load.
	FinalizeConnection() error

	Active() *atomic.Bool
	Close() error
}

// Processor runs on the real-time thread. Process must not allocate or
// block. in and out hold one planar slice per channel with at least frames
// samples each.
type Processor interface {
	Process(in, out [][]float32, frames int) error
}

// Loader turns a path into a plugin instance with the given id.
type Loader interface {
	Load(id, path string) (Instance, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(id, path string) (Instance, error)

func (f LoaderFunc) Load(id, path string) (Instance, error) {
	return f(id, path)
}

// State is the lifecycle position of a managed plugin.
type State int

const (
	StateLoaded State = iota
	StatePendingInit
	StateActive
	StatePendingUnload
	StateRetired
)

func (s State) String() string {
	switch s {
	case StateLoaded:
		return "loaded"
	case StatePendingInit:
		return "pending_init"
	case StateActive:
		return "active"
	case StatePendingUnload:
		return "pending_unload"
	case StateRetired:
		return "retired"
	default:
		return "unknown"
	}
}
