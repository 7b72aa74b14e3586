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

package audio

import (
	"errors"
	"strings"
)

// Host API names as they appear on the command surface
const (
	HostASIO   = "ASIO"
	HostWASAPI = "Wasapi"
)

var (
	ErrHostUnavailable = errors.New("audio host unavailable")
	ErrNotInitialized  = errors.New("audio backend not initialized")
)

// NormalizeHost maps accepted host spellings to the canonical name.
// ok is false for hosts the engine does not support.
func NormalizeHost(host string) (string, bool) {
	switch {
	case host == HostASIO:
		return HostASIO, true
	case strings.EqualFold(host, HostWASAPI):
		return HostWASAPI, true
	default:
		return "", false
	}
}

// Device describes one direction of an audio endpoint on a host.
type Device struct {
	Name string
	Host string

	MaxInputChannels  int
	MaxOutputChannels int
	DefaultSampleRate float64

	// BufferSizeRange is {min, max} in frames when the driver reports it.
	// min == max means the driver has locked its buffer size.
	BufferSizeRange *[2]int

	// handle is the backend's own device reference
	handle any
}

// Channels returns the maximum channel count for the requested direction.
func (d *Device) Channels(input bool) int {
	if input {
		return d.MaxInputChannels
	}
	return d.MaxOutputChannels
}

// StreamConfig is the requested configuration of one stream.
type StreamConfig struct {
	SampleRate float64
	Channels   int

	// BufferSize in frames; 0 lets the driver choose.
	BufferSize int
}

// InputCallback receives interleaved captured samples. It runs on the
// driver's real-time thread.
type InputCallback func(in []float32)

// OutputCallback fills interleaved samples for playback. It runs on the
// driver's real-time thread.
type OutputCallback func(out []float32)

// AudioBackend provides an abstraction layer for audio operations
// This enables dependency injection and makes testing hardware-independent
type AudioBackend interface {
	// Initialize the audio subsystem
	Initialize() error

	// Terminate the audio subsystem
	Terminate() error

	// HostAvailable reports whether the host API can be used on this machine
	HostAvailable(host string) bool

	// Devices lists the endpoints of a host for one direction, in driver order
	Devices(host string, input bool) ([]*Device, error)

	// DefaultDevice returns the host's default endpoint, or nil if it has none
	DefaultDevice(host string, input bool) (*Device, error)

	// SupportsSampleRate probes whether a stream at rate could be opened
	SupportsSampleRate(dev *Device, input bool, channels int, rate float64) bool

	// OpenInputStream creates a capture stream; it is not started
	OpenInputStream(dev *Device, cfg StreamConfig, cb InputCallback) (StreamInterface, error)

	// OpenOutputStream creates a playback stream; it is not started
	OpenOutputStream(dev *Device, cfg StreamConfig, cb OutputCallback) (StreamInterface, error)
}

// StreamInterface abstracts audio stream operations
type StreamInterface interface {
	// Start the audio stream
	Start() error

	// Stop the audio stream
	Stop() error

	// Close the audio stream and release resources
	Close() error

	// IsActive returns true if the stream is currently active
	IsActive() bool
}
