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
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInstance struct {
	id, name, vendor, path string

	active     atomic.Bool
	latency    uint32
	prepareErr error
	createErr  error
	finalized  int
	closed     int
	prepared   []int
}

func newFake(id, path string) *fakeInstance {
	f := &fakeInstance{id: id, name: "Fake", vendor: "Tests", path: path}
	f.active.Store(true)
	return f
}

func (f *fakeInstance) ID() string { return f.id }
func (f *fakeInstance) Name() string { return f.name }
func (f *fakeInstance) Vendor() string { return f.vendor }
func (f *fakeInstance) Path() string { return f.path }
func (f *fakeInstance) ModuleKey() string { return f.path }
func (f *fakeInstance) Active() *atomic.Bool { return &f.active }

func (f *fakeInstance) Prepare(sampleRate float64, maxBlock, channels int) error {
	f.prepared = append(f.prepared, maxBlock)
	return f.prepareErr
}

func (f *fakeInstance) CreateProcessor() (Processor, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	return funcProcessor(func(in, out [][]float32, frames int) error { return nil }), nil
}

func (f *fakeInstance) LatencySamples() uint32 { return f.latency }

func (f *fakeInstance) OpenEditor(uintptr) (EditorGeometry, error) { return EditorGeometry{}, ErrNoEditor }
func (f *fakeInstance) CloseEditor() {}
func (f *fakeInstance) State() ([]byte, error) { return nil, nil }
func (f *fakeInstance) SetState([]byte) error { return nil }

func (f *fakeInstance) FinalizeConnection() error {
	f.finalized++
	return nil
}

func (f *fakeInstance) Close() error {
	f.closed++
	return nil
}

// fakeLoader hands out fakeInstances and remembers them by id.
type fakeLoader struct {
	made   map[string]*fakeInstance
	names  map[string]string
	failOn string
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{made: make(map[string]*fakeInstance), names: make(map[string]string)}
}

func (l *fakeLoader) Load(id, path string) (Instance, error) {
	if path == l.failOn {
		return nil, errors.New("cannot open module")
	}
	f := newFake(id, path)
	if n, ok := l.names[path]; ok {
		f.name = n
	}
	l.made[id] = f
	return f, nil
}

func newTestManager(l Loader) *Manager {
	m := NewManager(l, nil, testLogger())
	n := 0
	m.newID = func() string {
		n++
		return fmt.Sprintf("p%d", n)
	}
	return m
}

func TestManager_LoadWhileStopped(t *testing.T) {
	l := newFakeLoader()
	m := newTestManager(l)

	res, err := m.LoadPlugin("/a.so", 48000, 4096, 2, false)
	require.NoError(t, err)
	assert.Equal(t, "p1", res.ID)
	assert.Equal(t, "Fake", res.Name)
	assert.Equal(t, uint8(0), res.RTIndex)
	assert.Nil(t, res.Processor)
	assert.Empty(t, l.made["p1"].prepared, "nothing is prepared without a stream")

	st, ok := m.StateOf("p1")
	require.True(t, ok)
	assert.Equal(t, StateLoaded, st)
	assert.Equal(t, []string{"p1"}, m.Order())
}

func TestManager_LoadWhileRunning(t *testing.T) {
	l := newFakeLoader()
	m := newTestManager(l)

	res, err := m.LoadPlugin("/a.so", 48000, 4096, 2, true)
	require.NoError(t, err)
	require.NotNil(t, res.Processor)
	assert.IsType(t, &Guarded{}, res.Processor)
	assert.Equal(t, []int{4096}, l.made["p1"].prepared)

	st, _ := m.StateOf("p1")
	assert.Equal(t, StateActive, st)
}

func TestManager_PrepareFailureIsNotFatal(t *testing.T) {
	l := newFakeLoader()
	m := newTestManager(l)
	m.loader = LoaderFunc(func(id, path string) (Instance, error) {
		f := newFake(id, path)
		f.prepareErr = errors.New("bad rate")
		return f, nil
	})

	res, err := m.LoadPlugin("/a.so", 48000, 4096, 2, true)
	require.NoError(t, err)
	assert.NotNil(t, res.Processor)
}

func TestManager_LoadErrors(t *testing.T) {
	l := newFakeLoader()
	l.failOn = "/broken.so"
	m := newTestManager(l)

	_, err := m.LoadPlugin("/broken.so", 48000, 4096, 2, false)
	assert.ErrorContains(t, err, "cannot open module")

	m.loader = LoaderFunc(func(id, path string) (Instance, error) { panic("bad module") })
	_, err = m.LoadPlugin("/panics.so", 48000, 4096, 2, false)
	assert.ErrorContains(t, err, "crashed during load")

	plugins, _, _ := m.RuntimeStats()
	assert.Zero(t, plugins)
}

func TestManager_PluginLimit(t *testing.T) {
	l := newFakeLoader()
	m := newTestManager(l)

	for i := 0; i < MaxPlugins; i++ {
		res, err := m.LoadPlugin("/a.so", 48000, 4096, 2, false)
		require.NoError(t, err)
		assert.Equal(t, uint8(i), res.RTIndex)
	}

	_, err := m.LoadPlugin("/a.so", 48000, 4096, 2, false)
	require.ErrorIs(t, err, ErrLimitReached)
	assert.Equal(t, "Plugin limit reached (MAX_PLUGINS=32)", err.Error())
	assert.Equal(t, 1, l.made[fmt.Sprintf("p%d", MaxPlugins+1)].closed, "rejected instance is closed")

	require.NoError(t, m.RemovePlugin("p5"))
	res, err := m.LoadPlugin("/a.so", 48000, 4096, 2, false)
	require.NoError(t, err)
	assert.Equal(t, uint8(4), res.RTIndex, "lowest free slot is reused")
}

func TestManager_RemovePlugin(t *testing.T) {
	l := newFakeLoader()
	m := newTestManager(l)

	_, err := m.LoadPlugin("/a.so", 48000, 4096, 2, false)
	require.NoError(t, err)
	m.SetMuted("p1", true)
	m.SetBypassed("p1", true)
	m.SetGain("p1", 0.5)

	require.NoError(t, m.RemovePlugin("p1"))
	assert.False(t, m.Exists("p1"))
	assert.False(t, m.IsMuted("p1"))
	assert.False(t, m.IsBypassed("p1"))
	assert.Equal(t, float32(1), m.Gain("p1"))
	assert.Empty(t, m.Order())
	_, ok := m.RTIndexOf("p1")
	assert.False(t, ok)
	assert.Equal(t, 1, l.made["p1"].closed)

	_, _, burned := m.RuntimeStats()
	assert.Zero(t, burned, "direct removal does not pin the module")

	assert.ErrorIs(t, m.RemovePlugin("p1"), ErrNotFound)
	assert.Equal(t, "Plugin not found", m.RemovePlugin("nope").Error())
}

func TestManager_UnloadLifecycle(t *testing.T) {
	l := newFakeLoader()
	m := newTestManager(l)

	_, err := m.LoadPlugin("/a.so", 48000, 4096, 2, true)
	require.NoError(t, err)
	_, err = m.LoadPlugin("/b.so", 48000, 4096, 2, true)
	require.NoError(t, err)
	m.SetGain("p1", 0.3)

	idx, err := m.BeginUnload("p1")
	require.NoError(t, err)
	assert.Equal(t, uint8(0), idx)

	assert.False(t, l.made["p1"].active.Load(), "kill switch cleared immediately")
	assert.False(t, m.Exists("p1"))
	assert.Equal(t, []string{"p2"}, m.Order())
	assert.Equal(t, float32(1), m.Gain("p1"))
	assert.Zero(t, l.made["p1"].closed, "instance stays alive until retired")

	st, ok := m.StateOf("p1")
	require.True(t, ok)
	assert.Equal(t, StatePendingUnload, st)

	plugins, pending, burned := m.RuntimeStats()
	assert.Equal(t, 1, plugins)
	assert.Equal(t, 1, pending)
	assert.Zero(t, burned)

	// Slot is still owned until the real-time thread lets go.
	_, ok = m.RTIndexOf("p1")
	assert.True(t, ok)

	m.FinalizeUnload(idx)
	assert.Equal(t, 1, l.made["p1"].closed)
	_, ok = m.RTIndexOf("p1")
	assert.False(t, ok)

	plugins, pending, burned = m.RuntimeStats()
	assert.Equal(t, 1, plugins)
	assert.Zero(t, pending)
	assert.Equal(t, 1, burned)

	_, err = m.BeginUnload("p1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_BurnedSetCountsModulesOnce(t *testing.T) {
	l := newFakeLoader()
	m := newTestManager(l)

	for i := 0; i < 3; i++ {
		res, err := m.LoadPlugin("/same.so", 48000, 4096, 2, true)
		require.NoError(t, err)
		idx, err := m.BeginUnload(res.ID)
		require.NoError(t, err)
		m.FinalizeUnload(idx)
	}

	_, _, burned := m.RuntimeStats()
	assert.Equal(t, 1, burned)
}

func TestManager_NeverUnloadModuleKeepsInstance(t *testing.T) {
	l := newFakeLoader()
	m := newTestManager(l)
	p, err := ParsePolicy([]byte("[[plugin]]\nmatch_path_suffix = \"fragile.so\"\nnever_unload_module = true\n"))
	require.NoError(t, err)
	m.SetPolicy(p)

	res, err := m.LoadPlugin("/x/fragile.so", 48000, 4096, 2, true)
	require.NoError(t, err)
	idx, err := m.BeginUnload(res.ID)
	require.NoError(t, err)
	m.FinalizeUnload(idx)

	assert.Zero(t, l.made[res.ID].closed)
	assert.Len(t, m.graveyard, 1)

	m.Close()
	assert.Equal(t, 1, l.made[res.ID].closed)
}

func TestManager_FinalizePendingUnloads(t *testing.T) {
	l := newFakeLoader()
	m := newTestManager(l)

	for i := 0; i < 3; i++ {
		_, err := m.LoadPlugin("/a.so", 48000, 4096, 2, true)
		require.NoError(t, err)
	}
	_, err := m.BeginUnload("p1")
	require.NoError(t, err)
	_, err = m.BeginUnload("p3")
	require.NoError(t, err)

	assert.Equal(t, 2, m.FinalizePendingUnloads())
	_, pending, _ := m.RuntimeStats()
	assert.Zero(t, pending)
}

func TestManager_DeferredInit(t *testing.T) {
	l := newFakeLoader()
	l.names["/insight.vst3"] = "Insight 2"
	m := newTestManager(l)

	res, err := m.LoadPlugin("/insight.vst3", 48000, 4096, 2, true)
	require.NoError(t, err)
	assert.Nil(t, res.Processor, "deferred plugins never get a processor at load")
	assert.True(t, m.HasPendingInit())
	assert.Equal(t, []string{"p1"}, m.Order())

	st, _ := m.StateOf("p1")
	assert.Equal(t, StatePendingInit, st)

	m.SetBypassed("p1", true)
	m.SetGain("p1", 0.7)

	acts := m.RunDeferredInit(48000, 4096, 2, true)
	require.Len(t, acts, 1)
	assert.Equal(t, "p1", acts[0].ID)
	assert.Equal(t, uint8(0), acts[0].RTIndex)
	assert.Equal(t, float32(0.7), acts[0].Gain)
	assert.True(t, acts[0].Bypassed)
	assert.False(t, acts[0].Muted)
	assert.NotNil(t, acts[0].Processor)

	assert.Equal(t, 1, l.made["p1"].finalized)
	assert.False(t, m.HasPendingInit())
	st, _ = m.StateOf("p1")
	assert.Equal(t, StateActive, st)
}

func TestManager_DeferredInitWhileStopped(t *testing.T) {
	l := newFakeLoader()
	l.names["/insight.vst3"] = "Insight 2"
	m := newTestManager(l)

	_, err := m.LoadPlugin("/insight.vst3", 48000, 4096, 2, false)
	require.NoError(t, err)

	assert.Empty(t, m.PrepareForAudioStart(48000, 2, 4096), "pending plugins are skipped at start")

	acts := m.RunDeferredInit(0, 0, 0, false)
	assert.Empty(t, acts)
	assert.Equal(t, 1, l.made["p1"].finalized, "connection is finalized even without a stream")
	assert.Empty(t, l.made["p1"].prepared)

	prepared := m.PrepareForAudioStart(48000, 2, 4096)
	require.Len(t, prepared, 1)
	assert.Equal(t, uint8(0), prepared[0].RTIndex)
}

func TestManager_PrepareForAudioStart(t *testing.T) {
	l := newFakeLoader()
	m := newTestManager(l)
	m.loader = LoaderFunc(func(id, path string) (Instance, error) {
		f, _ := l.Load(id, path)
		if path == "/nocreate.so" {
			f.(*fakeInstance).createErr = errors.New("no processor")
		}
		return f, nil
	})

	for _, p := range []string{"/a.so", "/nocreate.so", "/c.so"} {
		_, err := m.LoadPlugin(p, 0, 0, 0, false)
		require.NoError(t, err)
	}

	prepared := m.PrepareForAudioStart(44100, 2, 4096)
	require.Len(t, prepared, 2)
	assert.Equal(t, uint8(0), prepared[0].RTIndex)
	assert.Equal(t, uint8(2), prepared[1].RTIndex)

	st, _ := m.StateOf("p2")
	assert.Equal(t, StateLoaded, st)

	m.MarkStopped()
	st, _ = m.StateOf("p1")
	assert.Equal(t, StateLoaded, st)
}

func TestManager_OrderAndRTOrder(t *testing.T) {
	m := newTestManager(newFakeLoader())
	for i := 0; i < 3; i++ {
		_, err := m.LoadPlugin("/a.so", 0, 0, 0, false)
		require.NoError(t, err)
	}

	m.SetOrder([]string{"p3", "ghost", "p1"})
	assert.Equal(t, []string{"p3", "p1"}, m.Order(), "unknown ids are dropped")
	assert.Equal(t, []uint8{2, 0}, m.RTOrder())

	m.SetOrder([]string{"p2", "p1", "p2", "p2"})
	assert.Equal(t, []string{"p2", "p1"}, m.Order(), "repeated ids keep their first position")
	assert.Equal(t, []uint8{1, 0}, m.RTOrder())

	m.SetOrder([]string{})
	assert.Empty(t, m.Order())
	assert.Empty(t, m.RTOrder())
}

func TestManager_EnabledCountAndLatency(t *testing.T) {
	l := newFakeLoader()
	m := newTestManager(l)
	for i := 0; i < 3; i++ {
		_, err := m.LoadPlugin("/a.so", 0, 0, 0, false)
		require.NoError(t, err)
	}
	l.made["p1"].latency = 100
	l.made["p2"].latency = 20
	l.made["p3"].latency = 3

	assert.Equal(t, 3, m.EnabledPluginCount(false))
	assert.Equal(t, uint32(123), m.TotalLatencySamples(false))

	m.SetBypassed("p2", true)
	assert.Equal(t, 2, m.EnabledPluginCount(false))
	assert.Equal(t, uint32(103), m.TotalLatencySamples(false))

	m.SetOrder([]string{"p1"})
	assert.Equal(t, 1, m.EnabledPluginCount(false))
	assert.Equal(t, uint32(100), m.TotalLatencySamples(false))

	assert.Zero(t, m.EnabledPluginCount(true))
	assert.Zero(t, m.TotalLatencySamples(true))
}

func TestManager_RealIDsAreUUIDs(t *testing.T) {
	m := NewManager(NewRegistry(nil, testLogger()), nil, testLogger())
	a, err := m.LoadPlugin("builtin:gain", 0, 0, 0, false)
	require.NoError(t, err)
	b, err := m.LoadPlugin("builtin:gain", 0, 0, 0, false)
	require.NoError(t, err)

	assert.Len(t, a.ID, 36)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestManager_SlotStates(t *testing.T) {
	m := newTestManager(newFakeLoader())
	for i := 0; i < 2; i++ {
		_, err := m.LoadPlugin("/a.so", 0, 0, 0, false)
		require.NoError(t, err)
	}
	m.SetGain("p1", 0.5)
	m.SetMuted("p2", true)
	m.SetBypassed("p2", true)
	m.SetOrder(nil)

	states := m.SlotStates()
	require.Len(t, states, 2, "plugins missing from the order still own a slot")

	byIdx := map[uint8]SlotState{}
	for _, s := range states {
		byIdx[s.RTIndex] = s
	}
	assert.Equal(t, SlotState{RTIndex: 0, Gain: 0.5}, byIdx[0])
	assert.Equal(t, SlotState{RTIndex: 1, Gain: 1, Muted: true, Bypassed: true}, byIdx[1])
}
