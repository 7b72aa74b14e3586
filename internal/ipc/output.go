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

package ipc

import (
	"encoding/json"
	"errors"
	"strings"
)

// Prefix marks protocol lines on the engine's stdout. Any other stdout line
// is diagnostic text printed by a hosted plugin.
const Prefix = "IPC:"

// Output kinds
const (
	KindResponse = "Response"
	KindEvent    = "Event"
)

// Message types shared by responses and events
const (
	TypeDevices       = "Devices"
	TypeSuccess       = "Success"
	TypeStarted       = "Started"
	TypeError         = "Error"
	TypePluginLoaded  = "PluginLoaded"
	TypeRuntimeStats  = "RuntimeStats"
	TypePluginState   = "PluginState"
	TypeLog           = "Log"
	TypeLevelMeter    = "LevelMeter"
	TypeChannelLevels = "ChannelLevels"
)

// ChannelScanWidth is the fixed number of entries in a ChannelLevels event
const ChannelScanWidth = 32

// DeviceInfo describes one direction of an audio endpoint.
type DeviceInfo struct {
	Name            string     `json:"name"`
	Host            string     `json:"host"`
	IsInput         bool       `json:"is_input"`
	BufferSizeRange *[2]uint32 `json:"buffer_size_range"`
	Channels        uint16     `json:"channels"`
	IsDefault       bool       `json:"is_default"`
}

// MeterLevels holds peak levels for the stereo bus, left then right.
type MeterLevels struct {
	Input  [2]float32 `json:"input"`
	Output [2]float32 `json:"output"`
}

type StartedInfo struct {
	SampleRate uint32 `json:"sample_rate"`
	BufferSize uint32 `json:"buffer_size"`
}

type PluginInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Vendor string `json:"vendor"`
}

type PluginStateInfo struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

// RuntimeStats is the diagnostic snapshot returned by GetRuntimeStats.
type RuntimeStats struct {
	ActivePluginCount  int  `json:"active_plugin_count"`
	EnabledPluginCount int  `json:"enabled_plugin_count"`
	PendingUnloadCount int  `json:"pending_unload_count"`
	BurnedLibraryCount int  `json:"burned_library_count"`
	GlobalBypass       bool `json:"global_bypass"`

	MaxJitterUS uint64 `json:"max_jitter_us"`
	GlitchCount uint64 `json:"glitch_count"`

	TotalPluginLatencySamples    uint32  `json:"total_plugin_latency_samples"`
	TotalPluginLatencyMS         float64 `json:"total_plugin_latency_ms"`
	NoiseReductionLatencySamples uint32  `json:"noise_reduction_latency_samples"`
	NoiseReductionLatencyMS      float64 `json:"noise_reduction_latency_ms"`
	TotalChainLatencySamples     uint32  `json:"total_chain_latency_samples"`
	TotalChainLatencyMS          float64 `json:"total_chain_latency_ms"`

	NoiseReductionEnabled bool   `json:"noise_reduction_enabled"`
	NoiseReductionActive  bool   `json:"noise_reduction_active"`
	NoiseReductionMode    string `json:"noise_reduction_mode"`
}

// Message is a typed response or event body, {"type":..,"payload":..}.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Text returns the payload of Log and Error messages.
func (m Message) Text() string {
	s, _ := m.Payload.(string)
	return s
}

// IsError reports whether the message is an Error response or event.
func (m Message) IsError() bool {
	return m.Type == TypeError
}

func Success() Message {
	return Message{Type: TypeSuccess}
}

func Error(msg string) Message {
	return Message{Type: TypeError, Payload: msg}
}

func Devices(list []DeviceInfo) Message {
	if list == nil {
		list = []DeviceInfo{}
	}
	return Message{Type: TypeDevices, Payload: list}
}

func Started(sampleRate, bufferSize uint32) Message {
	return Message{Type: TypeStarted, Payload: StartedInfo{SampleRate: sampleRate, BufferSize: bufferSize}}
}

func PluginLoaded(id, name, vendor string) Message {
	return Message{Type: TypePluginLoaded, Payload: PluginInfo{ID: id, Name: name, Vendor: vendor}}
}

func Stats(s RuntimeStats) Message {
	return Message{Type: TypeRuntimeStats, Payload: s}
}

func PluginState(id, state string) Message {
	return Message{Type: TypePluginState, Payload: PluginStateInfo{ID: id, State: state}}
}

func Log(msg string) Message {
	return Message{Type: TypeLog, Payload: msg}
}

func LevelMeter(levels MeterLevels) Message {
	return Message{Type: TypeLevelMeter, Payload: levels}
}

// ChannelLevels copies the snapshot so the caller may reuse its array.
func ChannelLevels(peaks [ChannelScanWidth]float32) Message {
	return Message{Type: TypeChannelLevels, Payload: peaks[:]}
}

type envelope struct {
	Kind string  `json:"kind"`
	Data Message `json:"data"`
}

// Marshal renders a full output line without the trailing newline.
func Marshal(kind string, m Message) ([]byte, error) {
	body, err := json.Marshal(envelope{Kind: kind, Data: m})
	if err != nil {
		return nil, err
	}
	return append([]byte(Prefix), body...), nil
}

// RawMessage is a message read back from the engine with its payload still
// encoded.
type RawMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the payload into v.
func (m RawMessage) Decode(v any) error {
	if len(m.Payload) == 0 {
		return errors.New("message has no payload")
	}
	return json.Unmarshal(m.Payload, v)
}

// Text returns the string payload of Log and Error messages.
func (m RawMessage) Text() string {
	var s string
	if err := json.Unmarshal(m.Payload, &s); err != nil {
		return ""
	}
	return s
}

// Output is one parsed engine stdout line.
type Output struct {
	Kind string     `json:"kind"`
	Data RawMessage `json:"data"`
}

// ParseOutput decodes a protocol line. ok is false for lines without the
// IPC prefix, which callers treat as plugin diagnostics.
func ParseOutput(line string) (out Output, ok bool, err error) {
	rest, found := strings.CutPrefix(strings.TrimRight(line, "\r\n"), Prefix)
	if !found {
		return Output{}, false, nil
	}
	if err := json.Unmarshal([]byte(rest), &out); err != nil {
		return Output{}, true, err
	}
	return out, true, nil
}
