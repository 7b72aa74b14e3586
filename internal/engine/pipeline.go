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

import (
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-plughost/internal/denoise"
	"github.com/loqalabs/loqa-plughost/internal/ipc"
	"github.com/loqalabs/loqa-plughost/internal/plugin"
	"github.com/loqalabs/loqa-plughost/internal/resample"
	"github.com/loqalabs/loqa-plughost/internal/ringbuf"
)

// scanPeriodFrames throttles channel-scan snapshots to about 10 Hz at 48 kHz
const scanPeriodFrames = 4800

// runtimeCounters are written by the real-time thread and read by stats.
type runtimeCounters struct {
	frames    atomic.Uint64
	maxJitter atomic.Uint64 // microseconds
	glitches  atomic.Uint64
}

// queues are the lock-free links between the control loop and the audio
// callbacks of one running stream pair.
type queues struct {
	commands *ringbuf.Ring[rtMessage]
	retire   *ringbuf.Ring[retired]
	levels   *ringbuf.Ring[ipc.MeterLevels]
	scan     *ringbuf.Ring[[ipc.ChannelScanWidth]float32]
	audio    *ringbuf.Ring[float32]
}

func newQueues(sampleRate float64) *queues {
	audioSize := (int(sampleRate) / 2) * 2
	if audioSize < 8192 {
		audioSize = 8192
	}
	return &queues{
		commands: ringbuf.New[rtMessage](32),
		retire:   ringbuf.New[retired](32),
		levels:   ringbuf.New[ipc.MeterLevels](4096),
		scan:     ringbuf.New[[ipc.ChannelScanWidth]float32](16),
		audio:    ringbuf.New[float32](audioSize),
	}
}

// pipelineSetup is the control loop's view of the chain at stream start.
type pipelineSetup struct {
	sampleRate float64
	blockSize  int
	channels   int
	capacity   int // most frames processed per callback

	processors []plugin.Prepared
	slots      []plugin.SlotState
	rtOrder    []uint8

	globalMute     bool
	globalBypass   bool
	inputGain      float32
	outputGain     float32
	inputL, inputR int
	scanEnabled    bool
	nrEnabled      bool
	nrMix          float32
}

// pipeline is the output callback state. Everything is allocated in
// newPipeline; process never allocates, blocks or logs.
type pipeline struct {
	q        *queues
	counters *runtimeCounters

	channels         int
	capacity         int
	expectedPeriodUS uint64
	lastCallback     time.Time

	processors    [plugin.MaxPlugins]plugin.Processor
	activeCount   int
	pendingRetire [plugin.MaxPlugins]retired
	retirePending [plugin.MaxPlugins]bool

	bypassed [plugin.MaxPlugins]bool
	muted    [plugin.MaxPlugins]bool
	gains    [plugin.MaxPlugins]Smoother
	order    [plugin.MaxPlugins]uint8
	orderLen int

	globalMute   bool
	globalBypass bool
	inputGain    float32
	outputGain   Smoother
	inputL       int
	inputR       int
	scanEnabled  bool

	nrEnabled bool
	nrMix     float32
	reducer   *denoise.Reducer

	interleaved []float32
	bufA, bufB  [][]float32
}

func newPipeline(setup pipelineSetup, q *queues, counters *runtimeCounters) *pipeline {
	planes := setup.channels
	if planes < 2 {
		planes = 2
	}

	p := &pipeline{
		q:            q,
		counters:     counters,
		channels:     setup.channels,
		capacity:     setup.capacity,
		globalMute:   setup.globalMute,
		globalBypass: setup.globalBypass,
		inputGain:    setup.inputGain,
		outputGain:   NewSmoother(setup.outputGain),
		inputL:       setup.inputL,
		inputR:       setup.inputR,
		scanEnabled:  setup.scanEnabled,
		nrEnabled:    setup.nrEnabled,
		nrMix:        setup.nrMix,
		reducer:      denoise.NewReducer(int(setup.sampleRate + 0.5)),
		interleaved:  make([]float32, setup.capacity*max(setup.channels, 1)),
		bufA:         makePlanes(planes, setup.capacity),
		bufB:         makePlanes(planes, setup.capacity),
	}
	if setup.sampleRate > 0 {
		p.expectedPeriodUS = uint64(setup.blockSize) * 1_000_000 / uint64(setup.sampleRate)
	}

	for i := range p.gains {
		p.gains[i] = NewSmoother(1)
	}
	for _, s := range setup.slots {
		if int(s.RTIndex) < plugin.MaxPlugins {
			p.gains[s.RTIndex] = NewSmoother(s.Gain)
			p.muted[s.RTIndex] = s.Muted
			p.bypassed[s.RTIndex] = s.Bypassed
		}
	}
	for _, prep := range setup.processors {
		slot := int(prep.RTIndex)
		if slot < plugin.MaxPlugins && p.processors[slot] == nil {
			p.processors[slot] = prep.Processor
			p.activeCount++
		}
	}
	p.orderLen = copy(p.order[:], setup.rtOrder)
	return p
}

func makePlanes(n, frames int) [][]float32 {
	planes := make([][]float32, n)
	for i := range planes {
		planes[i] = make([]float32, frames)
	}
	return planes
}

// process is the output stream callback.
func (p *pipeline) process(data []float32) {
	p.flushRetired()
	p.trackJitter()

	if p.channels > 0 {
		p.counters.frames.Add(uint64(len(data) / p.channels))
	}

	p.drainCommands()

	if p.channels == 0 {
		return
	}
	channels := p.channels
	requested := len(data) / channels
	frames := min(requested, p.capacity)
	if frames == 0 {
		clear(data)
		return
	}
	if requested > frames {
		p.counters.glitches.Add(1)
	}

	// input: short reads are padded with silence, never waited for
	want := frames * channels
	n := p.q.audio.PopSlice(p.interleaved[:want])
	clear(p.interleaved[n:want])

	var peaks [ipc.ChannelScanWidth]float32
	scanLimit := min(channels, ipc.ChannelScanWidth)
	var inL, inR float32

	a := p.bufA
	for i := 0; i < frames; i++ {
		base := i * channels
		for ch := 0; ch < channels; ch++ {
			s := p.interleaved[base+ch] * p.inputGain
			a[ch][i] = s
			if p.scanEnabled && ch < scanLimit {
				if v := abs32(s); v > peaks[ch] {
					peaks[ch] = v
				}
			}
		}

		var l, r float32
		if p.inputL >= 0 && p.inputL < channels {
			l = a[p.inputL][i]
		}
		if p.inputR >= 0 && p.inputR < channels {
			r = a[p.inputR][i]
		}
		if channels >= 2 {
			a[0][i] = l
			a[1][i] = r
		}
		inL = max(inL, abs32(l))
		inR = max(inR, abs32(r))
	}

	p.denoise(frames)

	if p.scanEnabled && p.counters.frames.Load()%scanPeriodFrames < uint64(frames) {
		p.q.scan.TryPush(peaks)
	}

	out := p.runChain(frames)

	if p.globalMute {
		clear(data)
		p.q.levels.TryPush(ipc.MeterLevels{Input: [2]float32{inL, inR}})
		return
	}

	clear(data)
	targetL, targetR := p.inputL, p.inputR
	for i := 0; i < frames; i++ {
		g := p.outputGain.Next()
		mainL := out[0][i] * g
		mainR := mainL
		if len(out) > 1 && channels > 1 {
			mainR = out[1][i] * g
		}
		if targetL >= 0 && targetL < channels {
			data[i*channels+targetL] = mainL
		}
		if targetR >= 0 && targetR < channels {
			data[i*channels+targetR] = mainR
		}
	}

	meterGain := p.outputGain.Current()
	outL := peak(out[0][:frames]) * meterGain
	outR := outL
	if channels > 1 {
		outR = peak(out[1][:frames]) * meterGain
	}
	p.q.levels.TryPush(ipc.MeterLevels{
		Input:  [2]float32{inL, inR},
		Output: [2]float32{outL, outR},
	})
}

// flushRetired retries hand-backs that found the retire queue full.
func (p *pipeline) flushRetired() {
	for slot := range p.pendingRetire {
		if !p.retirePending[slot] {
			continue
		}
		if !p.q.retire.TryPush(p.pendingRetire[slot]) {
			return
		}
		p.pendingRetire[slot] = retired{}
		p.retirePending[slot] = false
	}
}

func (p *pipeline) trackJitter() {
	now := time.Now()
	last := p.lastCallback
	p.lastCallback = now
	if last.IsZero() || p.expectedPeriodUS == 0 {
		return
	}

	delta := uint64(now.Sub(last).Microseconds())
	if delta == 0 {
		return
	}
	var jitter uint64
	if delta > p.expectedPeriodUS {
		jitter = delta - p.expectedPeriodUS
	}
	if jitter > p.counters.maxJitter.Load() {
		p.counters.maxJitter.Store(jitter)
	}
	if jitter > p.expectedPeriodUS/2 {
		p.counters.glitches.Add(1)
	}
}

func (p *pipeline) drainCommands() {
	for {
		msg, ok := p.q.commands.TryPop()
		if !ok {
			return
		}
		p.apply(msg)
	}
}

func (p *pipeline) apply(msg rtMessage) {
	slot := int(msg.index)
	inRange := slot < plugin.MaxPlugins

	switch msg.kind {
	case msgAddProcessor:
		if inRange && p.processors[slot] == nil {
			p.processors[slot] = msg.processor
			p.activeCount++
			p.gains[slot] = NewRamp(0, msg.value)
		}
	case msgRemoveProcessor:
		if !inRange {
			return
		}
		if !p.retirePending[slot] {
			r := retired{index: msg.index, processor: p.processors[slot]}
			if p.processors[slot] != nil {
				p.processors[slot] = nil
				p.activeCount--
			}
			if !p.q.retire.TryPush(r) {
				p.pendingRetire[slot] = r
				p.retirePending[slot] = true
			}
		}
		p.muted[slot] = false
		p.bypassed[slot] = false
		p.gains[slot] = NewSmoother(1)
		p.removeFromOrder(msg.index)
	case msgReorder:
		p.order = msg.order
		p.orderLen = min(int(msg.orderLen), plugin.MaxPlugins)
	case msgSetBypass:
		if inRange {
			p.bypassed[slot] = msg.active
		}
	case msgSetMute:
		if inRange {
			p.muted[slot] = msg.active
		}
	case msgSetGain:
		if inRange {
			p.gains[slot].SetTarget(msg.value)
		}
	case msgGlobalMute:
		p.globalMute = msg.active
	case msgGlobalBypass:
		p.globalBypass = msg.active
	case msgInputGain:
		p.inputGain = msg.value
	case msgOutputGain:
		p.outputGain.SetTarget(msg.value)
	case msgNoiseReduction:
		p.nrEnabled = msg.active
		p.nrMix = min(max(msg.value, 0), 1)
		p.reducer.Reset()
	case msgInputChannels:
		p.inputL, p.inputR = msg.left, msg.right
	case msgChannelScan:
		p.scanEnabled = msg.active
	case msgStop:
	}
}

func (p *pipeline) removeFromOrder(idx uint8) {
	w := 0
	for r := 0; r < p.orderLen; r++ {
		if p.order[r] != idx {
			p.order[w] = p.order[r]
			w++
		}
	}
	p.orderLen = w
}

// denoise cross-fades the suppressed stereo bus with the dry signal.
func (p *pipeline) denoise(frames int) {
	if !p.nrEnabled || p.nrMix <= 0 {
		return
	}
	wet := p.nrMix
	dry := 1 - wet
	a := p.bufA

	switch {
	case p.channels >= 2:
		for i := 0; i < frames; i++ {
			l, r := a[0][i], a[1][i]
			wl, wr := p.reducer.ProcessSample(l, r)
			a[0][i] = l*dry + wl*wet
			a[1][i] = r*dry + wr*wet
		}
	case p.channels == 1:
		for i := 0; i < frames; i++ {
			m := a[0][i]
			wm, _ := p.reducer.ProcessSample(m, m)
			a[0][i] = m*dry + wm*wet
		}
	}
}

// runChain executes the ordered chain over the ping-pong pair and returns
// the planes holding the result.
func (p *pipeline) runChain(frames int) [][]float32 {
	src, dst := p.bufA, p.bufB
	if p.globalBypass || p.activeCount == 0 || p.orderLen == 0 {
		return src
	}

	for _, idx := range p.order[:p.orderLen] {
		slot := int(idx)
		if slot >= plugin.MaxPlugins {
			continue
		}

		switch {
		case p.bypassed[slot]:
			for ch := 0; ch < p.channels; ch++ {
				copy(dst[ch][:frames], src[ch][:frames])
			}
			src, dst = dst, src

		case p.muted[slot]:
			for ch := 0; ch < p.channels; ch++ {
				clear(src[ch][:frames])
			}

		case p.processors[slot] != nil:
			if err := p.processors[slot].Process(src, dst, frames); err != nil {
				p.counters.glitches.Add(1)
			}
			src, dst = dst, src

			g := &p.gains[slot]
			if !g.nearUnity() {
				for i := 0; i < frames; i++ {
					gain := g.Next()
					for ch := 0; ch < p.channels; ch++ {
						src[ch][i] *= gain
					}
				}
			}
		}
	}
	return src
}

func peak(buf []float32) float32 {
	var m float32
	for _, v := range buf {
		m = max(m, abs32(v))
	}
	return m
}

// inputSink is the input stream callback. It converts to the output rate
// when they differ and pushes whole frames in the output channel layout.
type inputSink struct {
	audio       *ringbuf.Ring[float32]
	resampler   *resample.StreamResampler
	inChannels  int
	outChannels int

	converted []float32
	frame     []float32
}

func newInputSink(audio *ringbuf.Ring[float32], rs *resample.StreamResampler, inChannels, outChannels, maxBlock int) *inputSink {
	s := &inputSink{
		audio:       audio,
		resampler:   rs,
		inChannels:  inChannels,
		outChannels: outChannels,
		frame:       make([]float32, max(outChannels, 1)),
	}
	if rs != nil {
		chunks := maxBlock/resample.ChunkFrames + 2
		s.converted = make([]float32, 0, chunks*rs.MaxOutputFrames()*inChannels)
	}
	return s
}

func (s *inputSink) process(in []float32) {
	if s.resampler == nil {
		s.push(in)
		return
	}
	out, err := s.resampler.Process(in, s.converted[:0])
	if err != nil {
		return
	}
	s.push(out)
	s.converted = out[:0]
}

// push maps input channels onto output channels: mono input feeds every
// output, otherwise output n takes input min(n, in-1).
func (s *inputSink) push(samples []float32) {
	if s.inChannels == 0 || s.outChannels == 0 {
		return
	}
	framesIn := len(samples) / s.inChannels
	for f := 0; f < framesIn; f++ {
		if s.audio.Vacant() < s.outChannels {
			return
		}
		base := f * s.inChannels
		for ch := 0; ch < s.outChannels; ch++ {
			src := 0
			if s.inChannels > 1 {
				src = min(ch, s.inChannels-1)
			}
			s.frame[ch] = samples[base+src]
		}
		s.audio.PushSlice(s.frame[:s.outChannels])
	}
}
