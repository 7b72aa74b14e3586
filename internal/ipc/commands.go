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
	"fmt"
)

// Command is one decoded control request. Concrete values are the payload
// structs below; the wire name comes from CommandType.
type Command interface {
	CommandType() string
}

var ErrUnknownCommand = errors.New("unknown command")

type GetDevices struct{}

type Start struct {
	Host       string  `json:"host"`
	Input      *string `json:"input"`
	Output     *string `json:"output"`
	BufferSize *uint32 `json:"buffer_size"`
	SampleRate *uint32 `json:"sample_rate"`
}

type Stop struct{}

type LoadPlugin struct {
	Path string `json:"path"`
}

type UnloadPlugin struct {
	ID string `json:"id"`
}

type ReorderPlugins struct {
	Order []string `json:"order"`
}

type OpenEditor struct {
	ID string `json:"id"`
}

type SetBypass struct {
	ID     string `json:"id"`
	Active bool   `json:"active"`
}

type SetMute struct {
	ID     string `json:"id"`
	Active bool   `json:"active"`
}

// SetGain carries a linear gain (1.0 is unity).
type SetGain struct {
	ID    string  `json:"id"`
	Value float32 `json:"value"`
}

type SetGlobalMute struct {
	Active bool `json:"active"`
}

type SetGlobalBypass struct {
	Active bool `json:"active"`
}

type SetInputGain struct {
	Value float32 `json:"value"`
}

type SetOutputGain struct {
	Value float32 `json:"value"`
}

// SetNoiseReduction toggles the suppressor. Mode is "low" or "high";
// anything else is treated as "low".
type SetNoiseReduction struct {
	Active bool    `json:"active"`
	Mode   *string `json:"mode"`
}

type SetInputChannels struct {
	Left  int `json:"left"`
	Right int `json:"right"`
}

type SetChannelScan struct {
	Active bool `json:"active"`
}

type GetRuntimeStats struct{}

type GetPluginState struct {
	ID string `json:"id"`
}

// SetPluginState carries the plugin state as base64.
type SetPluginState struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

func (GetDevices) CommandType() string { return "GetDevices" }
func (Start) CommandType() string { return "Start" }
func (Stop) CommandType() string { return "Stop" }
func (LoadPlugin) CommandType() string { return "LoadPlugin" }
func (UnloadPlugin) CommandType() string { return "UnloadPlugin" }
func (ReorderPlugins) CommandType() string { return "ReorderPlugins" }
func (OpenEditor) CommandType() string { return "OpenEditor" }
func (SetBypass) CommandType() string { return "SetBypass" }
func (SetMute) CommandType() string { return "SetMute" }
func (SetGain) CommandType() string { return "SetGain" }
func (SetGlobalMute) CommandType() string { return "SetGlobalMute" }
func (SetGlobalBypass) CommandType() string { return "SetGlobalBypass" }
func (SetInputGain) CommandType() string { return "SetInputGain" }
func (SetOutputGain) CommandType() string { return "SetOutputGain" }
func (SetNoiseReduction) CommandType() string { return "SetNoiseReduction" }
func (SetInputChannels) CommandType() string { return "SetInputChannels" }
func (SetChannelScan) CommandType() string { return "SetChannelScan" }
func (GetRuntimeStats) CommandType() string { return "GetRuntimeStats" }
func (GetPluginState) CommandType() string { return "GetPluginState" }
func (SetPluginState) CommandType() string { return "SetPluginState" }

// unit commands carry no payload on the wire
var commandFactories = map[string]func() Command{
	"GetDevices":        func() Command { return &GetDevices{} },
	"Start":             func() Command { return &Start{} },
	"Stop":              func() Command { return &Stop{} },
	"LoadPlugin":        func() Command { return &LoadPlugin{} },
	"UnloadPlugin":      func() Command { return &UnloadPlugin{} },
	"ReorderPlugins":    func() Command { return &ReorderPlugins{} },
	"OpenEditor":        func() Command { return &OpenEditor{} },
	"SetBypass":         func() Command { return &SetBypass{} },
	"SetMute":           func() Command { return &SetMute{} },
	"SetGain":           func() Command { return &SetGain{} },
	"SetGlobalMute":     func() Command { return &SetGlobalMute{} },
	"SetGlobalBypass":   func() Command { return &SetGlobalBypass{} },
	"SetInputGain":      func() Command { return &SetInputGain{} },
	"SetOutputGain":     func() Command { return &SetOutputGain{} },
	"SetNoiseReduction": func() Command { return &SetNoiseReduction{} },
	"SetInputChannels":  func() Command { return &SetInputChannels{} },
	"SetChannelScan":    func() Command { return &SetChannelScan{} },
	"GetRuntimeStats":   func() Command { return &GetRuntimeStats{} },
	"GetPluginState":    func() Command { return &GetPluginState{} },
	"SetPluginState":    func() Command { return &SetPluginState{} },
}

type wireCommand struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DecodeCommand parses one {"type":..,"payload":..} object. The returned
// value is a pointer to the matching payload struct.
func DecodeCommand(data []byte) (Command, error) {
	var w wireCommand
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}

	factory, ok := commandFactories[w.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, w.Type)
	}
	cmd := factory()
	if len(w.Payload) > 0 && string(w.Payload) != "null" {
		if err := json.Unmarshal(w.Payload, cmd); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", w.Type, err)
		}
	}
	return cmd, nil
}

// EncodeCommand renders a command as a single JSON line without the
// trailing newline. Payload-less commands omit the payload key.
func EncodeCommand(cmd Command) ([]byte, error) {
	w := wireCommand{Type: cmd.CommandType()}
	switch cmd.(type) {
	case GetDevices, *GetDevices, Stop, *Stop, GetRuntimeStats, *GetRuntimeStats:
	default:
		payload, err := json.Marshal(cmd)
		if err != nil {
			return nil, err
		}
		w.Payload = payload
	}
	return json.Marshal(w)
}
