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

package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-plughost/internal/logging"
	"github.com/loqalabs/loqa-plughost/internal/plugin"
	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	Name  string `toml:"name"`
	Value int    `toml:"value"`
}

func loadTestConfig(path string) (testConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return testConfig{}, err
	}
	var cfg testConfig
	err = toml.Unmarshal(data, &cfg)
	return cfg, err
}

func startWatcher[T any](t *testing.T, path string, loader func(string) (T, error), opts ...WatcherOption[T]) *Watcher[T] {
	t.Helper()
	opts = append([]WatcherOption[T]{WithDebounce[T](50 * time.Millisecond)}, opts...)
	w := NewWatcher(path, loader, logging.For("config-test"), opts...)
	require.NoError(t, w.Start())
	t.Cleanup(func() {
		assert.NoError(t, w.Stop())
	})
	return w
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for reload")
	}
	var zero T
	return zero
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	path := writeFile(t, t.TempDir(), "watched.toml", "name = \"initial\"\nvalue = 1\n")

	received := make(chan testConfig, 1)
	w := startWatcher(t, path, loadTestConfig)
	w.OnReload(func(cfg testConfig) { received <- cfg })

	require.NoError(t, os.WriteFile(path, []byte("name = \"updated\"\nvalue = 42\n"), 0o644))

	cfg := receive(t, received)
	assert.Equal(t, testConfig{Name: "updated", Value: 42}, cfg)
}

func TestWatcher_DebouncesBursts(t *testing.T) {
	path := writeFile(t, t.TempDir(), "watched.toml", "value = 0\n")

	var loads atomic.Int32
	loader := func(p string) (testConfig, error) {
		loads.Add(1)
		return loadTestConfig(p)
	}

	received := make(chan testConfig, 10)
	w := startWatcher(t, path, loader, WithDebounce[testConfig](200*time.Millisecond))
	w.OnReload(func(cfg testConfig) { received <- cfg })

	for i := 1; i <= 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte("value = "+string(rune('0'+i))+"\n"), 0o644))
		time.Sleep(10 * time.Millisecond)
	}

	cfg := receive(t, received)
	assert.Equal(t, 5, cfg.Value)

	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, int32(1), loads.Load())
}

func TestWatcher_AtomicReplace(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "watched.toml", "value = 1\n")

	received := make(chan testConfig, 1)
	w := startWatcher(t, path, loadTestConfig)
	w.OnReload(func(cfg testConfig) { received <- cfg })

	tmp := writeFile(t, dir, "watched.toml.tmp", "value = 7\n")
	require.NoError(t, os.Rename(tmp, path))

	assert.Equal(t, 7, receive(t, received).Value)
}

func TestWatcher_IgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "watched.toml", "value = 1\n")

	var loads atomic.Int32
	startWatcher(t, path, func(p string) (testConfig, error) {
		loads.Add(1)
		return loadTestConfig(p)
	})

	writeFile(t, dir, "other.toml", "value = 2\n")
	time.Sleep(300 * time.Millisecond)
	assert.Zero(t, loads.Load())
}

func TestWatcher_LoaderErrorSkipsHandlers(t *testing.T) {
	path := writeFile(t, t.TempDir(), "watched.toml", "value = 1\n")

	errs := make(chan error, 1)
	var calls atomic.Int32
	w := startWatcher(t, path, loadTestConfig, WithErrorHandler[testConfig](func(err error) { errs <- err }))
	w.OnReload(func(testConfig) { calls.Add(1) })

	require.NoError(t, os.WriteFile(path, []byte("value = [broken"), 0o644))

	err := receive(t, errs)
	assert.Error(t, err)
	assert.Zero(t, calls.Load())
}

func TestWatcher_Unsubscribe(t *testing.T) {
	path := writeFile(t, t.TempDir(), "watched.toml", "value = 1\n")

	var first atomic.Int32
	second := make(chan testConfig, 1)
	w := startWatcher(t, path, loadTestConfig)
	unsubscribe := w.OnReload(func(testConfig) { first.Add(1) })
	w.OnReload(func(cfg testConfig) { second <- cfg })
	unsubscribe()

	require.NoError(t, os.WriteFile(path, []byte("value = 2\n"), 0o644))

	assert.Equal(t, 2, receive(t, second).Value)
	assert.Zero(t, first.Load())
}

func TestWatcher_StartFailsForMissingDirectory(t *testing.T) {
	w := NewWatcher(filepath.Join(t.TempDir(), "nope", "compat.toml"), loadTestConfig, logging.For("config-test"))
	assert.Error(t, w.Start())
	assert.NoError(t, w.Stop())
}

func TestWatcher_ReloadsCompatibilityTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "compat.toml")

	mgr := plugin.NewManager(plugin.NewRegistry(nil, logging.For("config-test")), plugin.DefaultPolicy(), logging.For("config-test"))
	defer mgr.Close()

	swapped := make(chan struct{}, 1)
	w := startWatcher(t, path, plugin.LoadPolicy)
	w.OnReload(func(p *plugin.Policy) {
		mgr.SetPolicy(p)
		swapped <- struct{}{}
	})

	assert.False(t, mgr.Policy().Lookup("Fragile Synth", "Acme", "/x/fragile.so").DeferredConnection)

	require.NoError(t, os.WriteFile(path, []byte(`
[[plugin]]
match_name = "Fragile Synth"
deferred_connection = true
never_unload_module = true
`), 0o644))

	receive(t, swapped)
	q := mgr.Policy().Lookup("Fragile Synth", "Acme", "/x/fragile.so")
	assert.True(t, q.DeferredConnection)
	assert.True(t, q.NeverUnloadModule)
	assert.True(t, mgr.Policy().Lookup("Insight 2", "", "").DeferredConnection, "defaults are kept")
}
