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

package events

import (
	"github.com/kelindar/event"

	"github.com/loqalabs/loqa-plughost/internal/ipc"
)

// Event type constants for kelindar/event.
const (
	TypeEngine uint32 = iota + 1
	TypeStats
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// EngineEvent carries every event line the engine writes to stdout.
type EngineEvent struct {
	Message ipc.Message
}

func (e EngineEvent) Type() uint32 { return TypeEngine }

// StatsEvent carries each RuntimeStats snapshot the engine computes.
type StatsEvent struct {
	Stats ipc.RuntimeStats
}

func (e StatsEvent) Type() uint32 { return TypeStats }

// Bus wraps kelindar/event dispatcher for fan-out to secondary sinks.
// Handlers run asynchronously and must not block for long.
type Bus struct {
	dispatcher *event.Dispatcher
}

// New creates a new event bus
func New() *Bus {
	return &Bus{dispatcher: event.NewDispatcher()}
}

// Publish publishes an event to all subscribers. A nil bus drops it.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	switch e := ev.(type) {
	case EngineEvent:
		event.Publish(b.dispatcher, e)
	case StatsEvent:
		event.Publish(b.dispatcher, e)
	}
}

// OnEngine subscribes to engine events and returns the unsubscribe func.
func (b *Bus) OnEngine(handler func(EngineEvent)) func() {
	return event.Subscribe(b.dispatcher, handler)
}

// OnStats subscribes to runtime stats snapshots.
func (b *Bus) OnStats(handler func(StatsEvent)) func() {
	return event.Subscribe(b.dispatcher, handler)
}
