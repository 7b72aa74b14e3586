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
	"fmt"
	"runtime"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Loaded is the outcome of LoadPlugin.
type Loaded struct {
	ID      string
	Name    string
	Vendor  string
	RTIndex uint8

	// Processor is set only when the stream is running and the plugin did
	// not need deferred initialization. It is already kill-switch guarded.
	Processor Processor
}

// Prepared pairs a real-time slot with the processor that fills it.
type Prepared struct {
	RTIndex   uint8
	Processor Processor
}

// Activation describes a plugin whose deferred initialization ran on a tick.
type Activation struct {
	ID        string
	RTIndex   uint8
	Processor Processor
	Gain      float32
	Bypassed  bool
	Muted     bool
}

type managed struct {
	inst   Instance
	quirks Quirks
	state  State
}

// Manager owns every loaded plugin instance. It is used from the control
// loop only; the real-time thread sees processors and slot indices, never
// the manager.
type Manager struct {
	loader Loader
	policy atomic.Pointer[Policy]
	log    *logrus.Entry

	plugins     map[string]*managed
	order       []string
	pendingInit []string

	rtIndexByID map[string]uint8
	idByRTIndex [MaxPlugins]string

	pendingDrop map[uint8]*managed

	muted    map[string]struct{}
	bypassed map[string]struct{}
	gains    map[string]float32

	burned    map[string]struct{}
	graveyard []Instance

	newID func() string
}

// NewManager creates an empty manager. policy may be nil, in which case
// DefaultPolicy applies.
func NewManager(loader Loader, policy *Policy, log *logrus.Entry) *Manager {
	m := &Manager{
		loader:      loader,
		log:         log,
		plugins:     make(map[string]*managed),
		rtIndexByID: make(map[string]uint8),
		pendingDrop: make(map[uint8]*managed),
		muted:       make(map[string]struct{}),
		bypassed:    make(map[string]struct{}),
		gains:       make(map[string]float32),
		burned:      make(map[string]struct{}),
		newID:       uuid.NewString,
	}
	if policy == nil {
		policy = DefaultPolicy()
	}
	m.policy.Store(policy)
	return m
}

// SetPolicy swaps the compatibility table. Safe to call from any goroutine;
// the new table applies to subsequent loads.
func (m *Manager) SetPolicy(p *Policy) {
	if p == nil {
		p = DefaultPolicy()
	}
	m.policy.Store(p)
}

func (m *Manager) Policy() *Policy {
	return m.policy.Load()
}

func burnedKey(key string) string {
	if runtime.GOOS == "windows" {
		return strings.ToLower(key)
	}
	return key
}

func (m *Manager) allocRTIndex(id string) (uint8, error) {
	if idx, ok := m.rtIndexByID[id]; ok {
		return idx, nil
	}
	for i, owner := range m.idByRTIndex {
		if owner == "" {
			m.idByRTIndex[i] = id
			m.rtIndexByID[id] = uint8(i)
			return uint8(i), nil
		}
	}
	return 0, ErrLimitReached
}

func (m *Manager) freeRTIndex(id string) {
	idx, ok := m.rtIndexByID[id]
	if !ok {
		return
	}
	delete(m.rtIndexByID, id)
	m.idByRTIndex[idx] = ""
}

// RTIndexOf returns the real-time slot of a plugin.
func (m *Manager) RTIndexOf(id string) (uint8, bool) {
	idx, ok := m.rtIndexByID[id]
	return idx, ok
}

// LoadPlugin instantiates the plugin at path and appends it to the order.
// When running is set and no deferred connection is required, the instance
// is prepared for the given configuration and a processor is returned for
// immediate installation; a prepare failure is logged, not fatal.
func (m *Manager) LoadPlugin(path string, sampleRate float64, maxBlock, channels int, running bool) (Loaded, error) {
	id := m.newID()
	inst, err := m.safeLoad(id, path)
	if err != nil {
		return Loaded{}, err
	}

	idx, err := m.allocRTIndex(id)
	if err != nil {
		if cerr := inst.Close(); cerr != nil {
			m.log.WithError(cerr).Warn("⚠️ Failed to close rejected plugin")
		}
		return Loaded{}, err
	}

	quirks := m.Policy().Lookup(inst.Name(), inst.Vendor(), inst.Path())
	entry := &managed{inst: inst, quirks: quirks, state: StateLoaded}
	res := Loaded{ID: id, Name: inst.Name(), Vendor: inst.Vendor(), RTIndex: idx}
	log := m.log.WithFields(logrus.Fields{"plugin": inst.Name(), "id": id, "rt_index": idx})

	if quirks.DeferredConnection {
		log.Info("⏳ Plugin queued for deferred initialization")
		entry.state = StatePendingInit
		m.pendingInit = append(m.pendingInit, id)
		m.plugins[id] = entry
		m.order = append(m.order, id)
		return res, nil
	}

	if running {
		if err := m.prepare(inst, sampleRate, maxBlock, channels); err != nil {
			log.WithError(err).Warn("⚠️ Failed to prepare plugin on load")
		}
		if proc, err := m.createProcessor(inst, maxBlock); err != nil {
			log.WithError(err).Warn("⚠️ Failed to create processor")
		} else {
			res.Processor = proc
			entry.state = StateActive
		}
	}

	m.plugins[id] = entry
	m.order = append(m.order, id)
	log.Info("🎛️ Plugin loaded")
	return res, nil
}

// RemovePlugin drops a plugin that no real-time processor references.
func (m *Manager) RemovePlugin(id string) error {
	entry, ok := m.plugins[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.plugins, id)
	m.forget(id)
	m.freeRTIndex(id)
	entry.state = StateRetired
	m.release(entry, false)
	return nil
}

// BeginUnload clears the kill switch, removes the plugin from every UI
// facing structure and parks it until the real-time thread confirms the
// processor is retired. It returns the slot to remove.
func (m *Manager) BeginUnload(id string) (uint8, error) {
	idx, ok := m.rtIndexByID[id]
	if !ok {
		return 0, ErrNotFound
	}
	entry, ok := m.plugins[id]
	if !ok {
		return 0, ErrNotFound
	}
	delete(m.plugins, id)

	entry.inst.Active().Store(false)
	entry.state = StatePendingUnload
	m.forget(id)
	m.pendingDrop[idx] = entry
	return idx, nil
}

// FinalizeUnload releases a parked plugin once its slot is no longer used
// by the real-time thread, and frees the slot.
func (m *Manager) FinalizeUnload(idx uint8) {
	if entry, ok := m.pendingDrop[idx]; ok {
		delete(m.pendingDrop, idx)
		entry.state = StateRetired
		m.release(entry, true)
	}

	if int(idx) < len(m.idByRTIndex) {
		if id := m.idByRTIndex[idx]; id != "" {
			m.idByRTIndex[idx] = ""
			delete(m.rtIndexByID, id)
		}
	}
}

// FinalizePendingUnloads finalizes every parked plugin. Only valid when no
// real-time thread is running.
func (m *Manager) FinalizePendingUnloads() int {
	n := 0
	for idx := range m.pendingDrop {
		m.FinalizeUnload(idx)
		n++
	}
	return n
}

// release tears an instance down off the real-time thread. With burn set
// its module is pinned in the burned set first.
func (m *Manager) release(entry *managed, burn bool) {
	if burn {
		key := burnedKey(entry.inst.ModuleKey())
		if _, ok := m.burned[key]; !ok {
			m.burned[key] = struct{}{}
			m.log.WithField("module", key).Debug("🔥 Module pinned")
		}
	}

	if entry.quirks.NeverUnloadModule {
		m.graveyard = append(m.graveyard, entry.inst)
		return
	}
	if err := m.safeCall(entry.inst, "close", entry.inst.Close); err != nil {
		m.log.WithError(err).WithField("plugin", entry.inst.Name()).Warn("⚠️ Plugin close failed")
	}
}

func (m *Manager) forget(id string) {
	m.order = slices.DeleteFunc(m.order, func(v string) bool { return v == id })
	m.pendingInit = slices.DeleteFunc(m.pendingInit, func(v string) bool { return v == id })
	delete(m.muted, id)
	delete(m.bypassed, id)
	delete(m.gains, id)
}

// Get returns a live (not unloading) instance.
func (m *Manager) Get(id string) (Instance, bool) {
	entry, ok := m.plugins[id]
	if !ok {
		return nil, false
	}
	return entry.inst, true
}

func (m *Manager) Exists(id string) bool {
	_, ok := m.plugins[id]
	return ok
}

// StateOf reports the lifecycle state of a plugin still known to the manager.
func (m *Manager) StateOf(id string) (State, bool) {
	if entry, ok := m.plugins[id]; ok {
		return entry.state, true
	}
	for _, entry := range m.pendingDrop {
		if entry.inst.ID() == id {
			return entry.state, true
		}
	}
	return StateRetired, false
}

// Order returns a copy of the UI facing processing order.
func (m *Manager) Order() []string {
	return slices.Clone(m.order)
}

// SetOrder replaces the processing order. Unknown ids and repeats of an
// id already placed are dropped so each plugin runs at most once per block.
func (m *Manager) SetOrder(order []string) {
	seen := make(map[string]bool, len(order))
	next := make([]string, 0, len(order))
	for _, id := range order {
		if _, ok := m.plugins[id]; !ok || seen[id] {
			continue
		}
		seen[id] = true
		next = append(next, id)
	}
	m.order = next
}

// RTOrder maps the current order to real-time slots, skipping ids without one.
func (m *Manager) RTOrder() []uint8 {
	out := make([]uint8, 0, len(m.order))
	for _, id := range m.order {
		if idx, ok := m.rtIndexByID[id]; ok {
			out = append(out, idx)
		}
	}
	return out
}

func (m *Manager) SetMuted(id string, active bool) {
	setFlag(m.muted, id, active)
}

func (m *Manager) SetBypassed(id string, active bool) {
	setFlag(m.bypassed, id, active)
}

func (m *Manager) SetGain(id string, gain float32) {
	m.gains[id] = gain
}

func (m *Manager) IsMuted(id string) bool {
	_, ok := m.muted[id]
	return ok
}

func (m *Manager) IsBypassed(id string) bool {
	_, ok := m.bypassed[id]
	return ok
}

// Gain returns the stored gain, 1.0 when never set.
func (m *Manager) Gain(id string) float32 {
	if g, ok := m.gains[id]; ok {
		return g
	}
	return 1.0
}

func setFlag(set map[string]struct{}, id string, active bool) {
	if active {
		set[id] = struct{}{}
	} else {
		delete(set, id)
	}
}

// SlotState is the mixer setting of one occupied real-time slot.
type SlotState struct {
	RTIndex  uint8
	Gain     float32
	Muted    bool
	Bypassed bool
}

// SlotStates returns the settings of every loaded plugin, keyed by slot, so
// a new real-time chain starts with the current mixer state.
func (m *Manager) SlotStates() []SlotState {
	out := make([]SlotState, 0, len(m.plugins))
	for id := range m.plugins {
		idx, ok := m.rtIndexByID[id]
		if !ok {
			continue
		}
		out = append(out, SlotState{
			RTIndex:  idx,
			Gain:     m.Gain(id),
			Muted:    m.IsMuted(id),
			Bypassed: m.IsBypassed(id),
		})
	}
	return out
}

// HasPendingInit reports whether a tick has deferred work to do.
func (m *Manager) HasPendingInit() bool {
	return len(m.pendingInit) > 0
}

// RunDeferredInit drains the deferred queue. When running, each instance is
// prepared and given a processor before its connection is finalized;
// otherwise only the connection is finalized and the processor is created
// on the next stream start.
func (m *Manager) RunDeferredInit(sampleRate float64, maxBlock, channels int, running bool) []Activation {
	ids := m.pendingInit
	m.pendingInit = nil

	var out []Activation
	for _, id := range ids {
		entry, ok := m.plugins[id]
		if !ok {
			continue
		}
		inst := entry.inst
		log := m.log.WithFields(logrus.Fields{"plugin": inst.Name(), "id": id})
		log.Info("🔌 Executing deferred init")

		var proc Processor
		if running {
			if err := m.prepare(inst, sampleRate, maxBlock, channels); err != nil {
				log.WithError(err).Error("❌ Deferred activation failed")
			}
			p, err := m.createProcessor(inst, maxBlock)
			if err != nil {
				log.WithError(err).Error("❌ Deferred processor creation failed")
			} else {
				proc = p
			}
		}

		if err := m.safeCall(inst, "finalize connection", inst.FinalizeConnection); err != nil {
			log.WithError(err).Error("❌ Error finalizing deferred connection")
		} else {
			log.Info("✅ Deferred connection finalized")
		}
		entry.state = StateLoaded

		idx, hasIdx := m.rtIndexByID[id]
		if running && hasIdx && proc != nil {
			entry.state = StateActive
			out = append(out, Activation{
				ID:        id,
				RTIndex:   idx,
				Processor: proc,
				Gain:      m.Gain(id),
				Bypassed:  m.IsBypassed(id),
				Muted:     m.IsMuted(id),
			})
		}
	}
	return out
}

// PrepareForAudioStart configures every loaded, non-pending plugin for a new
// stream and returns processors to seed the real-time chain with. Failures
// are logged and skip only the affected plugin.
func (m *Manager) PrepareForAudioStart(sampleRate float64, channels, maxBlock int) []Prepared {
	var out []Prepared
	for _, id := range m.order {
		if slices.Contains(m.pendingInit, id) {
			continue
		}
		entry, ok := m.plugins[id]
		if !ok {
			continue
		}
		log := m.log.WithFields(logrus.Fields{"plugin": entry.inst.Name(), "id": id})

		if err := m.prepare(entry.inst, sampleRate, maxBlock, channels); err != nil {
			log.WithError(err).Warn("⚠️ Failed to prepare plugin")
		}
		proc, err := m.createProcessor(entry.inst, maxBlock)
		if err != nil {
			log.WithError(err).Warn("⚠️ Failed to create processor")
			entry.state = StateLoaded
			continue
		}
		if idx, ok := m.rtIndexByID[id]; ok {
			entry.state = StateActive
			out = append(out, Prepared{RTIndex: idx, Processor: proc})
		}
	}
	return out
}

// MarkStopped returns every active plugin to the loaded state after the
// stream pair is torn down.
func (m *Manager) MarkStopped() {
	for _, entry := range m.plugins {
		if entry.state == StateActive {
			entry.state = StateLoaded
		}
	}
}

// RuntimeStats returns the live plugin count, the parked count and the
// number of burned modules.
func (m *Manager) RuntimeStats() (plugins, pendingDrop, burned int) {
	return len(m.plugins), len(m.pendingDrop), len(m.burned)
}

// EnabledPluginCount counts ordered, non-bypassed plugins.
func (m *Manager) EnabledPluginCount(globalBypass bool) int {
	if globalBypass {
		return 0
	}
	n := 0
	for _, id := range m.order {
		if _, ok := m.plugins[id]; ok && !m.IsBypassed(id) {
			n++
		}
	}
	return n
}

// TotalLatencySamples sums the latency of ordered, non-bypassed plugins.
func (m *Manager) TotalLatencySamples(globalBypass bool) uint32 {
	if globalBypass {
		return 0
	}
	var total uint64
	for _, id := range m.order {
		if m.IsBypassed(id) {
			continue
		}
		if entry, ok := m.plugins[id]; ok {
			total += uint64(entry.inst.LatencySamples())
		}
	}
	if total > uint64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(total)
}

// Close releases every instance, including parked ones. Used at shutdown.
func (m *Manager) Close() {
	for id, entry := range m.plugins {
		m.release(entry, false)
		delete(m.plugins, id)
	}
	for idx, entry := range m.pendingDrop {
		m.release(entry, true)
		delete(m.pendingDrop, idx)
	}
	for _, inst := range m.graveyard {
		_ = inst.Close()
	}
	m.graveyard = nil
	m.order = nil
	m.pendingInit = nil
}

func (m *Manager) safeLoad(id, path string) (inst Instance, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			inst = nil
			err = fmt.Errorf("plugin crashed during load: %v", rec)
		}
	}()
	return m.loader.Load(id, path)
}

func (m *Manager) prepare(inst Instance, sampleRate float64, maxBlock, channels int) error {
	return m.safeCall(inst, "prepare", func() error {
		return inst.Prepare(sampleRate, maxBlock, channels)
	})
}

func (m *Manager) createProcessor(inst Instance, maxBlock int) (proc Processor, err error) {
	err = m.safeCall(inst, "create processor", func() error {
		p, err := inst.CreateProcessor()
		if err != nil {
			return err
		}
		proc = Guard(p, inst.Active(), maxBlock)
		return nil
	})
	return proc, err
}

// safeCall runs fn and converts a panic into an error.
func (m *Manager) safeCall(inst Instance, op string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%s panicked in %s: %v", op, inst.Name(), rec)
		}
	}()
	return fn()
}
