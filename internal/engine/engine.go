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

// Package engine is the audio engine process core: it owns the stream pair,
// dispatches IPC commands on a single control loop and feeds the real-time
// pipeline through lock-free queues.
package engine

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/loqalabs/loqa-plughost/internal/audio"
	"github.com/loqalabs/loqa-plughost/internal/denoise"
	"github.com/loqalabs/loqa-plughost/internal/devices"
	"github.com/loqalabs/loqa-plughost/internal/events"
	"github.com/loqalabs/loqa-plughost/internal/ipc"
	"github.com/loqalabs/loqa-plughost/internal/plugin"
)

// Config holds the control loop timings.
type Config struct {
	TickInterval  time.Duration
	MeterInterval time.Duration
	MeterSilence  time.Duration
	MaxBlock      int
}

func DefaultConfig() Config {
	return Config{
		TickInterval:  8 * time.Millisecond,
		MeterInterval: 16 * time.Millisecond,
		MeterSilence:  75 * time.Millisecond,
		MaxBlock:      4096,
	}
}

// Request is one command entering the control loop. Reply receives the
// response; when nil the response is written to the IPC stream.
type Request struct {
	Command ipc.Command
	Reply   chan<- ipc.Message
}

// streams is everything that exists only while audio is running.
type streams struct {
	output audio.StreamInterface
	input  audio.StreamInterface
	q      *queues
	rt     *pipeline // owned by the output callback
}

type meterState struct {
	peak     ipc.MeterLevels
	updates  int
	lastData time.Time
	lastEmit time.Time
}

// Engine is not safe for concurrent use; all methods run on the goroutine
// executing Run (or the test calling them directly).
type Engine struct {
	cfg     Config
	backend audio.AudioBackend
	plugins *plugin.Manager
	devices *devices.Manager
	out     *ipc.Writer
	bus     *events.Bus
	log     *logrus.Entry
	now     func() time.Time

	active   *streams
	pending  []rtMessage
	counters runtimeCounters
	meter    meterState
	editors  map[string]struct{}

	sampleRate float64
	blockSize  int
	channels   int

	globalMute     bool
	globalBypass   bool
	inputGain      float32
	outputGain     float32
	nrEnabled      bool
	nrMode         string
	inputL, inputR int
	scanEnabled    bool
}

// New creates a stopped engine. bus may be nil.
func New(cfg Config, backend audio.AudioBackend, plugins *plugin.Manager, devs *devices.Manager, out *ipc.Writer, bus *events.Bus, log *logrus.Entry) *Engine {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultConfig().TickInterval
	}
	if cfg.MeterInterval <= 0 {
		cfg.MeterInterval = DefaultConfig().MeterInterval
	}
	if cfg.MeterSilence <= 0 {
		cfg.MeterSilence = DefaultConfig().MeterSilence
	}
	if cfg.MaxBlock <= 0 {
		cfg.MaxBlock = DefaultConfig().MaxBlock
	}

	return &Engine{
		cfg:         cfg,
		backend:     backend,
		plugins:     plugins,
		devices:     devs,
		out:         out,
		bus:         bus,
		log:         log,
		now:         time.Now,
		editors:     make(map[string]struct{}),
		channels:    2,
		inputGain:   1,
		outputGain:  1,
		nrMode:      denoise.ModeLow,
		inputL:      0,
		inputR:      1,
		scanEnabled: true,
	}
}

// Running reports whether a stream pair is open.
func (e *Engine) Running() bool {
	return e.active != nil
}

// Run processes requests and ticks until ctx is cancelled or requests is
// closed. Audio is stopped before it returns.
func (e *Engine) Run(ctx context.Context, requests <-chan Request) error {
	e.emit(ipc.Log("Audio Engine Started"))

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	defer e.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case req, ok := <-requests:
			if !ok {
				e.log.Info("👋 Command stream closed, shutting down")
				return nil
			}
			e.reply(ctx, req, e.Handle(ctx, req.Command))
		case <-ticker.C:
			e.Tick()
		}
	}
}

func (e *Engine) reply(ctx context.Context, req Request, msg ipc.Message) {
	if req.Reply == nil {
		if err := e.out.Respond(msg); err != nil {
			e.log.WithError(err).Error("❌ Failed to write response")
		}
		return
	}
	select {
	case req.Reply <- msg:
	case <-ctx.Done():
	}
}

// emit writes an event line and fans it out to bus subscribers.
func (e *Engine) emit(msg ipc.Message) {
	if err := e.out.Emit(msg); err != nil {
		e.log.WithError(err).Error("❌ Failed to write event")
	}
	e.bus.Publish(events.EngineEvent{Message: msg})
}

// queue hands a message to the real-time thread. A full queue parks the
// message until the next tick; with no stream open the message is dropped,
// since Start seeds the chain from the stored state.
func (e *Engine) queue(msg rtMessage) {
	if e.active == nil {
		return
	}
	if len(e.pending) > 0 || !e.active.q.commands.TryPush(msg) {
		e.pending = append(e.pending, msg)
	}
}

func (e *Engine) flushPending() {
	if e.active == nil {
		e.pending = e.pending[:0]
		return
	}
	sent := 0
	for _, msg := range e.pending {
		if !e.active.q.commands.TryPush(msg) {
			break
		}
		sent++
	}
	if sent > 0 {
		e.pending = append(e.pending[:0], e.pending[sent:]...)
	}
}

func (e *Engine) maxBlock() int {
	return max(e.cfg.MaxBlock, e.blockSize)
}

// Handle executes one command and returns its response.
func (e *Engine) Handle(ctx context.Context, cmd ipc.Command) ipc.Message {
	switch c := cmd.(type) {
	case *ipc.GetDevices:
		list, err := e.devices.Enumerate(ctx)
		if err != nil {
			return ipc.Error(err.Error())
		}
		return ipc.Devices(list)

	case *ipc.Start:
		info, err := e.Start(*c)
		if err != nil {
			return ipc.Error(err.Error())
		}
		return ipc.Started(info.SampleRate, info.BufferSize)

	case *ipc.Stop:
		e.Stop()
		return ipc.Success()

	case *ipc.LoadPlugin:
		return e.loadPlugin(c.Path)

	case *ipc.UnloadPlugin:
		return e.unloadPlugin(c.ID)

	case *ipc.ReorderPlugins:
		e.plugins.SetOrder(c.Order)
		e.queue(reorderMsg(e.plugins.RTOrder()))
		return ipc.Success()

	case *ipc.OpenEditor:
		return e.openEditor(c.ID)

	case *ipc.SetBypass:
		e.plugins.SetBypassed(c.ID, c.Active)
		if idx, ok := e.plugins.RTIndexOf(c.ID); ok {
			e.queue(rtMessage{kind: msgSetBypass, index: idx, active: c.Active})
		}
		return ipc.Success()

	case *ipc.SetMute:
		e.plugins.SetMuted(c.ID, c.Active)
		if idx, ok := e.plugins.RTIndexOf(c.ID); ok {
			e.queue(rtMessage{kind: msgSetMute, index: idx, active: c.Active})
		}
		return ipc.Success()

	case *ipc.SetGain:
		e.plugins.SetGain(c.ID, c.Value)
		if idx, ok := e.plugins.RTIndexOf(c.ID); ok {
			e.queue(rtMessage{kind: msgSetGain, index: idx, value: c.Value})
		}
		return ipc.Success()

	case *ipc.SetGlobalMute:
		e.globalMute = c.Active
		e.queue(rtMessage{kind: msgGlobalMute, active: c.Active})
		return ipc.Success()

	case *ipc.SetGlobalBypass:
		e.globalBypass = c.Active
		e.queue(rtMessage{kind: msgGlobalBypass, active: c.Active})
		return ipc.Success()

	case *ipc.SetInputGain:
		e.inputGain = c.Value
		e.queue(rtMessage{kind: msgInputGain, value: c.Value})
		return ipc.Success()

	case *ipc.SetOutputGain:
		e.outputGain = c.Value
		e.queue(rtMessage{kind: msgOutputGain, value: c.Value})
		return ipc.Success()

	case *ipc.SetNoiseReduction:
		mode := ""
		if c.Mode != nil {
			mode = *c.Mode
		}
		e.nrEnabled = c.Active
		e.nrMode = denoise.NormalizeMode(mode)
		e.queue(rtMessage{kind: msgNoiseReduction, active: c.Active, value: denoise.MixForMode(e.nrMode)})
		return ipc.Success()

	case *ipc.SetInputChannels:
		if c.Left < 0 || c.Right < 0 {
			return ipc.Error(fmt.Sprintf("Invalid input channels: %d/%d", c.Left, c.Right))
		}
		e.inputL, e.inputR = c.Left, c.Right
		e.queue(rtMessage{kind: msgInputChannels, left: c.Left, right: c.Right})
		return ipc.Success()

	case *ipc.SetChannelScan:
		e.scanEnabled = c.Active
		e.queue(rtMessage{kind: msgChannelScan, active: c.Active})
		return ipc.Success()

	case *ipc.GetRuntimeStats:
		stats := e.RuntimeStats()
		e.bus.Publish(events.StatsEvent{Stats: stats})
		return ipc.Stats(stats)

	case *ipc.GetPluginState:
		inst, ok := e.plugins.Get(c.ID)
		if !ok {
			return ipc.Error(plugin.ErrNotFound.Error())
		}
		state, err := inst.State()
		if err != nil {
			return ipc.Error(fmt.Sprintf("Failed to get state: %v", err))
		}
		return ipc.PluginState(c.ID, base64.StdEncoding.EncodeToString(state))

	case *ipc.SetPluginState:
		inst, ok := e.plugins.Get(c.ID)
		if !ok {
			return ipc.Error(plugin.ErrNotFound.Error())
		}
		state, err := base64.StdEncoding.DecodeString(c.State)
		if err == nil {
			err = inst.SetState(state)
		}
		if err != nil {
			return ipc.Error(fmt.Sprintf("Failed to set state: %v", err))
		}
		return ipc.Success()

	default:
		return ipc.Error(fmt.Sprintf("%v: %T", ipc.ErrUnknownCommand, cmd))
	}
}

func (e *Engine) loadPlugin(path string) ipc.Message {
	loaded, err := e.plugins.LoadPlugin(path, e.sampleRate, e.maxBlock(), e.channels, e.Running())
	if err != nil {
		return ipc.Error(err.Error())
	}

	if loaded.Processor != nil {
		id := loaded.ID
		e.queue(addProcessorMsg(loaded.RTIndex, loaded.Processor, e.plugins.Gain(id)))
		if e.plugins.IsBypassed(id) {
			e.queue(rtMessage{kind: msgSetBypass, index: loaded.RTIndex, active: true})
		}
		if e.plugins.IsMuted(id) {
			e.queue(rtMessage{kind: msgSetMute, index: loaded.RTIndex, active: true})
		}
		e.queue(reorderMsg(e.plugins.RTOrder()))
	}
	return ipc.PluginLoaded(loaded.ID, loaded.Name, loaded.Vendor)
}

func (e *Engine) unloadPlugin(id string) ipc.Message {
	e.closeEditor(id)

	if !e.Running() {
		if err := e.plugins.RemovePlugin(id); err != nil {
			return ipc.Error(err.Error())
		}
		return ipc.Success()
	}

	idx, err := e.plugins.BeginUnload(id)
	if err != nil {
		return ipc.Error(err.Error())
	}
	e.queue(rtMessage{kind: msgRemoveProcessor, index: idx})
	e.queue(reorderMsg(e.plugins.RTOrder()))
	return ipc.Success()
}

// openEditor opens a plugin's editor view. The engine has no native
// windowing, so views are attached to a null parent.
func (e *Engine) openEditor(id string) ipc.Message {
	inst, ok := e.plugins.Get(id)
	if !ok {
		return ipc.Error(plugin.ErrNotFound.Error())
	}
	if _, open := e.editors[id]; open {
		return ipc.Success()
	}
	geom, err := inst.OpenEditor(0)
	if err != nil {
		return ipc.Error(fmt.Sprintf("Failed to open editor: %v", err))
	}
	e.editors[id] = struct{}{}
	e.log.WithFields(logrus.Fields{"id": id, "width": geom.Width, "height": geom.Height}).Info("🪟 Editor opened")
	return ipc.Success()
}

func (e *Engine) closeEditor(id string) {
	if _, open := e.editors[id]; !open {
		return
	}
	delete(e.editors, id)
	if inst, ok := e.plugins.Get(id); ok {
		inst.CloseEditor()
	}
}

// RuntimeStats assembles the diagnostic snapshot.
func (e *Engine) RuntimeStats() ipc.RuntimeStats {
	live, pendingDrop, burned := e.plugins.RuntimeStats()

	pluginLatency := e.plugins.TotalLatencySamples(e.globalBypass)
	var nrLatency uint32
	if e.nrEnabled {
		nrLatency = denoise.LatencySamples(int(e.sampleRate + 0.5))
	}
	total := pluginLatency + nrLatency

	return ipc.RuntimeStats{
		ActivePluginCount:            live,
		EnabledPluginCount:           e.plugins.EnabledPluginCount(e.globalBypass),
		PendingUnloadCount:           pendingDrop,
		BurnedLibraryCount:           burned,
		GlobalBypass:                 e.globalBypass,
		MaxJitterUS:                  e.counters.maxJitter.Load(),
		GlitchCount:                  e.counters.glitches.Load(),
		TotalPluginLatencySamples:    pluginLatency,
		TotalPluginLatencyMS:         samplesToMS(pluginLatency, e.sampleRate),
		NoiseReductionLatencySamples: nrLatency,
		NoiseReductionLatencyMS:      samplesToMS(nrLatency, e.sampleRate),
		TotalChainLatencySamples:     total,
		TotalChainLatencyMS:          samplesToMS(total, e.sampleRate),
		NoiseReductionEnabled:        e.nrEnabled,
		NoiseReductionActive:         e.nrEnabled,
		NoiseReductionMode:           e.nrMode,
	}
}

func samplesToMS(samples uint32, sampleRate float64) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(samples) * 1000 / sampleRate
}

// Tick runs the periodic control work: pending flush, retirement,
// deferred initialization and meter publication.
func (e *Engine) Tick() {
	e.flushPending()

	if e.active != nil {
		for {
			r, ok := e.active.q.retire.TryPop()
			if !ok {
				break
			}
			e.plugins.FinalizeUnload(r.index)
		}
	}

	if e.plugins.HasPendingInit() {
		e.runDeferredInit()
	}

	if e.active != nil {
		now := e.now()
		e.publishMeters(now)
		e.publishChannelLevels()
	}
}

func (e *Engine) runDeferredInit() {
	acts := e.plugins.RunDeferredInit(e.sampleRate, e.maxBlock(), e.channels, e.Running())
	for _, a := range acts {
		e.queue(addProcessorMsg(a.RTIndex, a.Processor, a.Gain))
		if a.Bypassed {
			e.queue(rtMessage{kind: msgSetBypass, index: a.RTIndex, active: true})
		}
		if a.Muted {
			e.queue(rtMessage{kind: msgSetMute, index: a.RTIndex, active: true})
		}
	}
	if len(acts) > 0 {
		e.queue(reorderMsg(e.plugins.RTOrder()))
	}
}

func (e *Engine) publishMeters(now time.Time) {
	m := &e.meter
	for {
		lv, ok := e.active.q.levels.TryPop()
		if !ok {
			break
		}
		m.updates++
		m.lastData = now
		for side := 0; side < 2; side++ {
			m.peak.Input[side] = max(m.peak.Input[side], lv.Input[side])
			m.peak.Output[side] = max(m.peak.Output[side], lv.Output[side])
		}
	}

	if now.Sub(m.lastEmit) < e.cfg.MeterInterval {
		return
	}
	m.lastEmit = now

	switch {
	case m.updates > 0:
		levels := m.peak
		for side := 0; side < 2; side++ {
			levels.Input[side] = clampLevel(levels.Input[side])
			levels.Output[side] = clampLevel(levels.Output[side])
		}
		m.peak = ipc.MeterLevels{}
		m.updates = 0
		e.emit(ipc.LevelMeter(levels))
	case now.Sub(m.lastData) > e.cfg.MeterSilence:
		e.emit(ipc.LevelMeter(ipc.MeterLevels{}))
	}
}

func clampLevel(v float32) float32 {
	return min(max(v, 0), 10)
}

// publishChannelLevels forwards only the newest scan snapshot.
func (e *Engine) publishChannelLevels() {
	var latest [ipc.ChannelScanWidth]float32
	got := false
	for {
		snap, ok := e.active.q.scan.TryPop()
		if !ok {
			break
		}
		latest, got = snap, true
	}
	if got {
		e.emit(ipc.ChannelLevels(latest))
	}
}
