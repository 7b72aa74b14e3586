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

package engine

import "github.com/loqalabs/loqa-plughost/internal/plugin"

type msgKind uint8

const (
	msgAddProcessor msgKind = iota + 1
	msgRemoveProcessor
	msgReorder
	msgSetBypass
	msgSetMute
	msgSetGain
	msgGlobalMute
	msgGlobalBypass
	msgInputGain
	msgOutputGain
	msgNoiseReduction
	msgInputChannels
	msgChannelScan
	msgStop
)

// rtMessage is a control change for the real-time thread. It is a flat
// value so the queue never boxes it.
type rtMessage struct {
	kind   msgKind
	index  uint8
	active bool
	value  float32

	processor plugin.Processor

	order    [plugin.MaxPlugins]uint8
	orderLen uint8

	left, right int
}

// retired hands a processor the real-time thread no longer references back
// to the control loop. processor is nil when the slot was already empty.
type retired struct {
	index     uint8
	processor plugin.Processor
}

func addProcessorMsg(index uint8, p plugin.Processor, initialGain float32) rtMessage {
	return rtMessage{kind: msgAddProcessor, index: index, processor: p, value: initialGain}
}

func reorderMsg(rtOrder []uint8) rtMessage {
	m := rtMessage{kind: msgReorder}
	n := copy(m.order[:], rtOrder)
	m.orderLen = uint8(n)
	return m
}
