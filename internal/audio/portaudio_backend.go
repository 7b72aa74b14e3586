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
	"fmt"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
)

// PortAudioBackend implements AudioBackend using the real PortAudio library
type PortAudioBackend struct {
	mu          sync.Mutex
	initialized bool
}

// NewPortAudioBackend creates a new PortAudio backend
func NewPortAudioBackend() *PortAudioBackend {
	return &PortAudioBackend{}
}

// Initialize initializes the PortAudio subsystem
func (p *PortAudioBackend) Initialize() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return nil
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize PortAudio: %w", err)
	}

	p.initialized = true
	return nil
}

// Terminate terminates the PortAudio subsystem
func (p *PortAudioBackend) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return nil
	}

	err := portaudio.Terminate()
	p.initialized = false
	return err
}

func (p *PortAudioBackend) ready() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized {
		return ErrNotInitialized
	}
	return nil
}

// hostAPI resolves a host name to a PortAudio host API. Wasapi stands for
// the platform's shared-mode system API, which is only WASAPI on Windows.
func (p *PortAudioBackend) hostAPI(host string) (*portaudio.HostApiInfo, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}

	name, ok := NormalizeHost(host)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHostUnavailable, host)
	}

	var (
		api *portaudio.HostApiInfo
		err error
	)
	switch {
	case name == HostASIO:
		api, err = portaudio.HostApi(portaudio.ASIO)
	case runtime.GOOS == "windows":
		api, err = portaudio.HostApi(portaudio.WASAPI)
	default:
		api, err = portaudio.DefaultHostApi()
	}
	if err != nil || api == nil {
		return nil, fmt.Errorf("%w: %s", ErrHostUnavailable, host)
	}
	return api, nil
}

// HostAvailable reports whether PortAudio exposes the host API
func (p *PortAudioBackend) HostAvailable(host string) bool {
	_, err := p.hostAPI(host)
	return err == nil
}

// Devices lists the host's devices that have channels in the given direction
func (p *PortAudioBackend) Devices(host string, input bool) ([]*Device, error) {
	api, err := p.hostAPI(host)
	if err != nil {
		return nil, err
	}

	name, _ := NormalizeHost(host)
	var out []*Device
	for _, info := range api.Devices {
		d := convertDevice(name, info)
		if d.Channels(input) > 0 {
			out = append(out, d)
		}
	}
	return out, nil
}

// DefaultDevice returns the host's default device, nil when there is none
func (p *PortAudioBackend) DefaultDevice(host string, input bool) (*Device, error) {
	api, err := p.hostAPI(host)
	if err != nil {
		return nil, err
	}

	info := api.DefaultOutputDevice
	if input {
		info = api.DefaultInputDevice
	}
	if info == nil {
		return nil, nil
	}
	name, _ := NormalizeHost(host)
	return convertDevice(name, info), nil
}

func convertDevice(host string, info *portaudio.DeviceInfo) *Device {
	d := &Device{
		Name:              info.Name,
		Host:              host,
		MaxInputChannels:  info.MaxInputChannels,
		MaxOutputChannels: info.MaxOutputChannels,
		DefaultSampleRate: info.DefaultSampleRate,
		handle:            info,
	}

	// PortAudio has no buffer-size query; the driver's low and high latency
	// bounds at the default rate are the closest approximation.
	low, high := info.DefaultLowOutputLatency, info.DefaultHighOutputLatency
	if info.MaxOutputChannels == 0 {
		low, high = info.DefaultLowInputLatency, info.DefaultHighInputLatency
	}
	if r := latencyFrames(low, high, info.DefaultSampleRate); r != nil {
		d.BufferSizeRange = r
	}
	return d
}

func latencyFrames(low, high time.Duration, rate float64) *[2]int {
	if low <= 0 || high <= 0 || rate <= 0 {
		return nil
	}
	lo := int(math.Round(low.Seconds() * rate))
	hi := int(math.Round(high.Seconds() * rate))
	if lo <= 0 || hi < lo {
		return nil
	}
	return &[2]int{lo, hi}
}

func paDevice(dev *Device) (*portaudio.DeviceInfo, error) {
	if dev == nil {
		return nil, fmt.Errorf("no device")
	}
	info, ok := dev.handle.(*portaudio.DeviceInfo)
	if !ok || info == nil {
		return nil, fmt.Errorf("device %q does not belong to PortAudio", dev.Name)
	}
	return info, nil
}

func streamParams(info *portaudio.DeviceInfo, input bool, cfg StreamConfig) portaudio.StreamParameters {
	var params portaudio.StreamParameters
	if input {
		params = portaudio.LowLatencyParameters(info, nil)
		params.Input.Channels = cfg.Channels
	} else {
		params = portaudio.LowLatencyParameters(nil, info)
		params.Output.Channels = cfg.Channels
	}
	params.SampleRate = cfg.SampleRate
	params.FramesPerBuffer = cfg.BufferSize
	if cfg.BufferSize <= 0 {
		params.FramesPerBuffer = portaudio.FramesPerBufferUnspecified
	}
	return params
}

// SupportsSampleRate asks PortAudio whether the format would open
func (p *PortAudioBackend) SupportsSampleRate(dev *Device, input bool, channels int, rate float64) bool {
	info, err := paDevice(dev)
	if err != nil {
		return false
	}
	params := streamParams(info, input, StreamConfig{SampleRate: rate, Channels: channels})
	return portaudio.IsFormatSupported(params, make([]float32, 0)) == nil
}

// OpenInputStream creates a callback-driven capture stream
func (p *PortAudioBackend) OpenInputStream(dev *Device, cfg StreamConfig, cb InputCallback) (StreamInterface, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}
	info, err := paDevice(dev)
	if err != nil {
		return nil, err
	}

	stream, err := portaudio.OpenStream(streamParams(info, true, cfg), func(in []float32) {
		cb(in)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open input stream: %w", err)
	}
	return &PortAudioStream{stream: stream, isInput: true}, nil
}

// OpenOutputStream creates a callback-driven playback stream
func (p *PortAudioBackend) OpenOutputStream(dev *Device, cfg StreamConfig, cb OutputCallback) (StreamInterface, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}
	info, err := paDevice(dev)
	if err != nil {
		return nil, err
	}

	stream, err := portaudio.OpenStream(streamParams(info, false, cfg), func(out []float32) {
		cb(out)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open output stream: %w", err)
	}
	return &PortAudioStream{stream: stream}, nil
}

// PortAudioStream implements StreamInterface using PortAudio streams
type PortAudioStream struct {
	mu      sync.Mutex
	stream  *portaudio.Stream
	isInput bool
	active  bool
	closed  bool
}

// Start starts the audio stream
func (p *PortAudioStream) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream == nil || p.closed {
		return fmt.Errorf("stream is closed")
	}
	if err := p.stream.Start(); err != nil {
		return err
	}
	p.active = true
	return nil
}

// Stop stops the audio stream
func (p *PortAudioStream) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream == nil || !p.active {
		return nil
	}
	p.active = false
	return p.stream.Stop()
}

// Close closes the audio stream
func (p *PortAudioStream) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream == nil || p.closed {
		return nil
	}
	p.closed = true
	p.active = false
	return p.stream.Close()
}

// IsActive returns true between a successful Start and Stop or Close
func (p *PortAudioStream) IsActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}
