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

package plugin

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
)

// BuiltinScheme prefixes paths that resolve to plugins compiled into the host
const BuiltinScheme = "builtin:"

const builtinVendor = "Loqa Labs"

var builtinEditor = EditorGeometry{Width: 320, Height: 160}

// param is a float parameter shared between the control thread and the
// real-time processor.
type param struct {
	name     string
	min, max float64
	bits     atomic.Uint64
}

func (p *param) load() float64 {
	return math.Float64frombits(p.bits.Load())
}

func (p *param) store(v float64) {
	if v < p.min {
		v = p.min
	}
	if v > p.max {
		v = p.max
	}
	p.bits.Store(math.Float64bits(v))
}

func newParam(name string, def, min, max float64) *param {
	p := &param{name: name, min: min, max: max}
	p.store(def)
	return p
}

// builtin carries the bookkeeping every built-in plugin shares.
type builtin struct {
	id, name, path string

	active atomic.Bool
	params []*param

	mu         sync.Mutex
	sampleRate float64
	maxBlock   int
	channels   int
	prepared   bool
	editorOpen bool
	closed     bool
}

func (b *builtin) init(id, name, path string, params ...*param) {
	b.id, b.name, b.path = id, name, path
	b.params = params
	b.active.Store(true)
}

func (b *builtin) ID() string { return b.id }
func (b *builtin) Name() string { return b.name }
func (b *builtin) Vendor() string { return builtinVendor }
func (b *builtin) Path() string { return b.path }
func (b *builtin) ModuleKey() string { return b.path }
func (b *builtin) Active() *atomic.Bool { return &b.active }

func (b *builtin) Prepare(sampleRate float64, maxBlock, channels int) error {
	if sampleRate <= 0 || maxBlock <= 0 || channels <= 0 {
		return fmt.Errorf("invalid processing setup: %.0f Hz, block %d, %d ch", sampleRate, maxBlock, channels)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sampleRate = sampleRate
	b.maxBlock = maxBlock
	b.channels = channels
	b.prepared = true
	return nil
}

func (b *builtin) setup() (float64, int, int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.prepared {
		return 0, 0, 0, ErrNotPrepared
	}
	return b.sampleRate, b.maxBlock, b.channels, nil
}

func (b *builtin) LatencySamples() uint32 { return 0 }

func (b *builtin) OpenEditor(parent uintptr) (EditorGeometry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.editorOpen = true
	return builtinEditor, nil
}

func (b *builtin) CloseEditor() {
	b.mu.Lock()
	b.editorOpen = false
	b.mu.Unlock()
}

func (b *builtin) FinalizeConnection() error { return nil }

func (b *builtin) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.active.Store(false)
	b.editorOpen = false
	return nil
}

// State serialises the parameter values as a JSON object.
func (b *builtin) State() ([]byte, error) {
	values := make(map[string]float64, len(b.params))
	for _, p := range b.params {
		values[p.name] = p.load()
	}
	return json.Marshal(values)
}

// SetState applies a JSON object produced by State. Unknown keys are rejected.
func (b *builtin) SetState(state []byte) error {
	var values map[string]float64
	if err := json.Unmarshal(state, &values); err != nil {
		return fmt.Errorf("decode state: %w", err)
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		p := b.param(k)
		if p == nil {
			return fmt.Errorf("unknown parameter %q", k)
		}
	}
	for _, k := range keys {
		b.param(k).store(values[k])
	}
	return nil
}

func (b *builtin) param(name string) *param {
	for _, p := range b.params {
		if p.name == name {
			return p
		}
	}
	return nil
}

func pairs(in, out [][]float32) int {
	n := len(in)
	if len(out) < n {
		n = len(out)
	}
	return n
}

// --- builtin:gain ---

type gainPlugin struct {
	builtin
	gain *param
}

// NewGain creates the trim plugin. Its single parameter "gain" is linear.
func NewGain(id, path string) (Instance, error) {
	p := &gainPlugin{gain: newParam("gain", 1, 0, 4)}
	p.init(id, "Gain", path, p.gain)
	return p, nil
}

func (p *gainPlugin) CreateProcessor() (Processor, error) {
	if _, _, _, err := p.setup(); err != nil {
		return nil, err
	}
	return &gainProcessor{gain: p.gain}, nil
}

type gainProcessor struct {
	gain *param
}

func (p *gainProcessor) Process(in, out [][]float32, frames int) error {
	g := float32(p.gain.load())
	for ch := 0; ch < pairs(in, out); ch++ {
		src, dst := in[ch][:frames], out[ch][:frames]
		for i, v := range src {
			dst[i] = v * g
		}
	}
	return nil
}

// --- builtin:lowpass ---

type lowpassPlugin struct {
	builtin
	cutoff *param
}

// NewLowpass creates a one-pole low-pass filter with parameter "cutoff_hz".
func NewLowpass(id, path string) (Instance, error) {
	p := &lowpassPlugin{cutoff: newParam("cutoff_hz", 8000, 20, 20000)}
	p.init(id, "Lowpass", path, p.cutoff)
	return p, nil
}

func (p *lowpassPlugin) CreateProcessor() (Processor, error) {
	sr, _, channels, err := p.setup()
	if err != nil {
		return nil, err
	}
	return &lowpassProcessor{cutoff: p.cutoff, sampleRate: sr, z: make([]float32, channels)}, nil
}

type lowpassProcessor struct {
	cutoff     *param
	sampleRate float64
	z          []float32

	lastCutoff float64
	coeff      float32
}

func (p *lowpassProcessor) Process(in, out [][]float32, frames int) error {
	fc := p.cutoff.load()
	if fc != p.lastCutoff {
		p.lastCutoff = fc
		p.coeff = float32(1 - math.Exp(-2*math.Pi*fc/p.sampleRate))
	}

	n := pairs(in, out)
	if n > len(p.z) {
		n = len(p.z)
	}
	for ch := 0; ch < n; ch++ {
		z := p.z[ch]
		src, dst := in[ch][:frames], out[ch][:frames]
		for i, v := range src {
			z += p.coeff * (v - z)
			dst[i] = z
		}
		p.z[ch] = z
	}
	return nil
}

// --- builtin:delay ---

type delayPlugin struct {
	builtin
	delayMS *param

	latency atomic.Uint32
}

// NewDelay creates a fixed delay line. "delay_ms" is applied at Prepare and
// reported as plugin latency.
func NewDelay(id, path string) (Instance, error) {
	p := &delayPlugin{delayMS: newParam("delay_ms", 5, 0, 500)}
	p.init(id, "Delay", path, p.delayMS)
	return p, nil
}

func (p *delayPlugin) Prepare(sampleRate float64, maxBlock, channels int) error {
	if err := p.builtin.Prepare(sampleRate, maxBlock, channels); err != nil {
		return err
	}
	p.latency.Store(uint32(math.Round(p.delayMS.load() * sampleRate / 1000)))
	return nil
}

func (p *delayPlugin) LatencySamples() uint32 {
	return p.latency.Load()
}

func (p *delayPlugin) CreateProcessor() (Processor, error) {
	_, _, channels, err := p.setup()
	if err != nil {
		return nil, err
	}
	n := int(p.latency.Load())
	lines := make([][]float32, channels)
	for ch := range lines {
		lines[ch] = make([]float32, n)
	}
	return &delayProcessor{lines: lines, positions: make([]int, channels)}, nil
}

type delayProcessor struct {
	lines     [][]float32
	positions []int
}

func (p *delayProcessor) Process(in, out [][]float32, frames int) error {
	n := pairs(in, out)
	if n > len(p.lines) {
		n = len(p.lines)
	}
	for ch := 0; ch < n; ch++ {
		line := p.lines[ch]
		src, dst := in[ch][:frames], out[ch][:frames]
		if len(line) == 0 {
			copy(dst, src)
			continue
		}
		pos := p.positions[ch]
		for i, v := range src {
			dst[i] = line[pos]
			line[pos] = v
			pos++
			if pos == len(line) {
				pos = 0
			}
		}
		p.positions[ch] = pos
	}
	return nil
}

// --- builtin:deferred-gain ---

type deferredGainPlugin struct {
	gainPlugin
	linked atomic.Bool
}

// NewDeferredGain creates a gain plugin whose processor passes audio through
// untouched until FinalizeConnection has run.
func NewDeferredGain(id, path string) (Instance, error) {
	p := &deferredGainPlugin{}
	p.gain = newParam("gain", 1, 0, 4)
	p.init(id, "Deferred Gain", path, p.gain)
	return p, nil
}

func (p *deferredGainPlugin) FinalizeConnection() error {
	if !p.linked.CompareAndSwap(false, true) {
		return fmt.Errorf("%s: connection already finalized", p.name)
	}
	return nil
}

// Connected reports whether FinalizeConnection has run.
func (p *deferredGainPlugin) Connected() bool {
	return p.linked.Load()
}

func (p *deferredGainPlugin) CreateProcessor() (Processor, error) {
	if _, _, _, err := p.setup(); err != nil {
		return nil, err
	}
	return &deferredGainProcessor{gainProcessor: gainProcessor{gain: p.gain}, linked: &p.linked}, nil
}

type deferredGainProcessor struct {
	gainProcessor
	linked *atomic.Bool
}

func (p *deferredGainProcessor) Process(in, out [][]float32, frames int) error {
	if !p.linked.Load() {
		for ch := 0; ch < pairs(in, out); ch++ {
			copy(out[ch][:frames], in[ch][:frames])
		}
		return nil
	}
	return p.gainProcessor.Process(in, out, frames)
}

// Builtins returns the factories for every built-in plugin keyed by name.
func Builtins() map[string]func(id, path string) (Instance, error) {
	return map[string]func(id, path string) (Instance, error){
		"gain":          NewGain,
		"lowpass":       NewLowpass,
		"delay":         NewDelay,
		"deferred-gain": NewDeferredGain,
	}
}
