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
	"sync"
	"time"
)

// MockDevice describes a device registered with the mock backend.
type MockDevice struct {
	Name          string
	Inputs        int
	Outputs       int
	DefaultRate   float64
	SampleRates   []float64 // rates SupportsSampleRate accepts; empty means DefaultRate only
	BufferRange   *[2]int
	DefaultInput  bool
	DefaultOutput bool
}

type mockHost struct {
	devices []*Device
	defIn   *Device
	defOut  *Device
}

// OpenAttempt records one stream open request.
type OpenAttempt struct {
	Input  bool
	Device string
	Config StreamConfig
}

// MockAudioBackend implements AudioBackend for testing without hardware dependencies
type MockAudioBackend struct {
	mu                 sync.Mutex
	initialized        bool
	hosts              map[string]*mockHost
	streams            []*MockStream
	streamCounter      int
	initError          error
	terminateError     error
	openHook           func(input bool, dev *Device, cfg StreamConfig) error
	startErrors        map[bool]error
	attempts           []OpenAttempt
	simulateRealTiming bool
	playbackAudioData  [][]float32
}

// NewMockAudioBackend creates a new mock audio backend
func NewMockAudioBackend() *MockAudioBackend {
	return &MockAudioBackend{
		hosts:             make(map[string]*mockHost),
		playbackAudioData: make([][]float32, 0),
	}
}

// AddDevice registers a device on a host. The host becomes available.
func (m *MockAudioBackend) AddDevice(host string, md MockDevice) *Device {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.hosts[host]
	if !ok {
		h = &mockHost{}
		m.hosts[host] = h
	}

	rate := md.DefaultRate
	if rate == 0 {
		rate = 48000
	}
	rates := md.SampleRates
	if len(rates) == 0 {
		rates = []float64{rate}
	}

	d := &Device{
		Name:              md.Name,
		Host:              host,
		MaxInputChannels:  md.Inputs,
		MaxOutputChannels: md.Outputs,
		DefaultSampleRate: rate,
		BufferSizeRange:   md.BufferRange,
		handle:            rates,
	}
	h.devices = append(h.devices, d)
	if md.DefaultInput && md.Inputs > 0 {
		h.defIn = d
	}
	if md.DefaultOutput && md.Outputs > 0 {
		h.defOut = d
	}
	return d
}

// AddHost makes a host available without any devices.
func (m *MockAudioBackend) AddHost(host string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.hosts[host]; !ok {
		m.hosts[host] = &mockHost{}
	}
}

// SetInitError configures the backend to return an error on Initialize()
func (m *MockAudioBackend) SetInitError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initError = err
}

// SetOpenHook installs a function consulted before every stream open; a
// non-nil error fails the open.
func (m *MockAudioBackend) SetOpenHook(hook func(input bool, dev *Device, cfg StreamConfig) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openHook = hook
}

// SetStreamStartError makes Start fail on streams opened afterwards in the
// given direction.
func (m *MockAudioBackend) SetStreamStartError(input bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErrors == nil {
		m.startErrors = make(map[bool]error)
	}
	m.startErrors[input] = err
}

// SetCreateStreamError makes every stream open fail with err
func (m *MockAudioBackend) SetCreateStreamError(err error) {
	m.SetOpenHook(func(bool, *Device, StreamConfig) error { return err })
}

// SetSimulateRealTiming makes started streams run their callbacks from a
// ticker at the configured buffer period
func (m *MockAudioBackend) SetSimulateRealTiming(simulate bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.simulateRealTiming = simulate
}

// GetPlaybackAudioData returns all audio data that was "played back"
func (m *MockAudioBackend) GetPlaybackAudioData() [][]float32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([][]float32, len(m.playbackAudioData))
	copy(result, m.playbackAudioData)
	return result
}

// OpenAttempts returns every open request in order, including failed ones
func (m *MockAudioBackend) OpenAttempts() []OpenAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]OpenAttempt(nil), m.attempts...)
}

// Streams returns the streams that are still open, oldest first
func (m *MockAudioBackend) Streams(input bool) []*MockStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*MockStream
	for _, s := range m.streams {
		if s.isInput == input && s.IsOpen() {
			out = append(out, s)
		}
	}
	return out
}

// LastStream returns the most recently opened stream that is still open
func (m *MockAudioBackend) LastStream(input bool) *MockStream {
	streams := m.Streams(input)
	if len(streams) == 0 {
		return nil
	}
	return streams[len(streams)-1]
}

// Initialize initializes the mock audio subsystem
func (m *MockAudioBackend) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initError != nil {
		return m.initError
	}

	m.initialized = true
	return nil
}

// Terminate terminates the mock audio subsystem
func (m *MockAudioBackend) Terminate() error {
	m.mu.Lock()
	if m.terminateError != nil {
		m.mu.Unlock()
		return m.terminateError
	}
	streams := append([]*MockStream(nil), m.streams...)
	m.mu.Unlock()

	// Release the lock before calling Stop/Close to avoid deadlocks
	for _, stream := range streams {
		_ = stream.Stop()  // Ignore errors during cleanup
		_ = stream.Close() // Ignore errors during cleanup
	}

	m.mu.Lock()
	m.initialized = false
	m.mu.Unlock()
	return nil
}

func (m *MockAudioBackend) host(host string) (*mockHost, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return nil, ErrNotInitialized
	}
	h, ok := m.hosts[host]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHostUnavailable, host)
	}
	return h, nil
}

// HostAvailable reports whether any device or AddHost registered the host
func (m *MockAudioBackend) HostAvailable(host string) bool {
	_, err := m.host(host)
	return err == nil
}

// Devices lists registered devices with channels in the direction
func (m *MockAudioBackend) Devices(host string, input bool) ([]*Device, error) {
	h, err := m.host(host)
	if err != nil {
		return nil, err
	}
	var out []*Device
	for _, d := range h.devices {
		if d.Channels(input) > 0 {
			out = append(out, d)
		}
	}
	return out, nil
}

// DefaultDevice returns the registered default, or nil
func (m *MockAudioBackend) DefaultDevice(host string, input bool) (*Device, error) {
	h, err := m.host(host)
	if err != nil {
		return nil, err
	}
	if input {
		return h.defIn, nil
	}
	return h.defOut, nil
}

// SupportsSampleRate checks the device's registered rates
func (m *MockAudioBackend) SupportsSampleRate(dev *Device, input bool, channels int, rate float64) bool {
	rates, ok := dev.handle.([]float64)
	if !ok || channels > dev.Channels(input) {
		return false
	}
	for _, r := range rates {
		if r == rate {
			return true
		}
	}
	return false
}

// OpenInputStream creates a mock input stream
func (m *MockAudioBackend) OpenInputStream(dev *Device, cfg StreamConfig, cb InputCallback) (StreamInterface, error) {
	s, err := m.open(true, dev, cfg)
	if err != nil {
		return nil, err
	}
	s.inCb = cb
	return s, nil
}

// OpenOutputStream creates a mock output stream
func (m *MockAudioBackend) OpenOutputStream(dev *Device, cfg StreamConfig, cb OutputCallback) (StreamInterface, error) {
	s, err := m.open(false, dev, cfg)
	if err != nil {
		return nil, err
	}
	s.outCb = cb
	return s, nil
}

func (m *MockAudioBackend) open(input bool, dev *Device, cfg StreamConfig) (*MockStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return nil, ErrNotInitialized
	}
	if dev == nil {
		return nil, fmt.Errorf("no device")
	}

	m.attempts = append(m.attempts, OpenAttempt{Input: input, Device: dev.Name, Config: cfg})

	if m.openHook != nil {
		if err := m.openHook(input, dev, cfg); err != nil {
			return nil, err
		}
	}
	if cfg.Channels <= 0 || cfg.Channels > dev.Channels(input) {
		return nil, fmt.Errorf("device %q does not support %d channels", dev.Name, cfg.Channels)
	}

	kind := "output"
	if input {
		kind = "input"
	}
	stream := &MockStream{
		id:                 fmt.Sprintf("%s_%d", kind, m.streamCounter),
		backend:            m,
		device:             dev,
		config:             cfg,
		isInput:            input,
		isOpen:             true,
		startError:         m.startErrors[input],
		simulateRealTiming: m.simulateRealTiming,
		stopChannel:        make(chan bool, 1),
	}
	m.streamCounter++
	m.streams = append(m.streams, stream)
	return stream, nil
}

// MockStream implements StreamInterface for testing. Tests drive its
// callbacks synchronously with Pull and Push.
type MockStream struct {
	mu                 sync.Mutex
	id                 string
	backend            *MockAudioBackend
	device             *Device
	config             StreamConfig
	isInput            bool
	isOpen             bool
	isActive           bool
	simulateRealTiming bool
	inCb               InputCallback
	outCb              OutputCallback
	stopChannel        chan bool
	startError         error
	audioDataGenerator func([]float32) // For generating mock audio input
}

// Config returns the configuration the stream was opened with
func (m *MockStream) Config() StreamConfig { return m.config }

// Device returns the device the stream was opened on
func (m *MockStream) Device() *Device { return m.device }

// SetStartError configures the stream to return an error on Start()
func (m *MockStream) SetStartError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startError = err
}

// SetAudioDataGenerator sets a function to generate mock audio input data
func (m *MockStream) SetAudioDataGenerator(generator func([]float32)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audioDataGenerator = generator
}

// Start starts the mock stream
func (m *MockStream) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.startError != nil {
		return m.startError
	}
	if !m.isOpen {
		return fmt.Errorf("stream not open")
	}
	if m.isActive {
		return fmt.Errorf("stream already active")
	}

	m.isActive = true

	if m.simulateRealTiming {
		go m.simulateClock()
	}
	return nil
}

// Stop stops the mock stream
func (m *MockStream) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.isActive {
		return nil
	}

	m.isActive = false

	// Signal stop to background goroutine
	select {
	case m.stopChannel <- true:
	default:
	}
	return nil
}

// Close closes the mock stream
func (m *MockStream) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.isOpen {
		return nil // Already closed
	}

	m.isOpen = false
	m.isActive = false

	select {
	case m.stopChannel <- true:
	default:
	}
	return nil
}

// IsActive returns true if the mock stream is active
func (m *MockStream) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isActive
}

// IsOpen returns false once Close has been called
func (m *MockStream) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isOpen
}

// Pull runs the output callback for frames frames and returns the
// interleaved result. It returns nil when the stream is not active.
func (m *MockStream) Pull(frames int) []float32 {
	m.mu.Lock()
	active, cb := m.isActive, m.outCb
	m.mu.Unlock()
	if !active || cb == nil || m.isInput {
		return nil
	}

	buf := make([]float32, frames*m.config.Channels)
	cb(buf)

	m.backend.mu.Lock()
	m.backend.playbackAudioData = append(m.backend.playbackAudioData, buf)
	m.backend.mu.Unlock()
	return buf
}

// Push delivers interleaved samples to the input callback. It reports
// whether the stream accepted them.
func (m *MockStream) Push(samples []float32) bool {
	m.mu.Lock()
	active, cb := m.isActive, m.inCb
	m.mu.Unlock()
	if !active || cb == nil || !m.isInput {
		return false
	}
	cb(samples)
	return true
}

// simulateClock runs in background to drive callbacks at the buffer period
func (m *MockStream) simulateClock() {
	frames := m.config.BufferSize
	if frames <= 0 {
		frames = 512
	}
	period := time.Duration(float64(frames) / m.config.SampleRate * float64(time.Second))
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	buffer := make([]float32, frames*m.config.Channels)
	phase := 0.0

	for {
		select {
		case <-m.stopChannel:
			return
		case <-ticker.C:
			if !m.IsActive() {
				return
			}
			if !m.isInput {
				m.Pull(frames)
				continue
			}

			m.mu.Lock()
			gen := m.audioDataGenerator
			m.mu.Unlock()
			if gen != nil {
				gen(buffer)
			} else {
				// Default: 440 Hz sine on every channel
				for i := 0; i < frames; i++ {
					v := float32(0.1 * math.Sin(phase))
					phase += 2 * math.Pi * 440 / m.config.SampleRate
					for ch := 0; ch < m.config.Channels; ch++ {
						buffer[i*m.config.Channels+ch] = v
					}
				}
			}
			m.Push(buffer)
		}
	}
}
