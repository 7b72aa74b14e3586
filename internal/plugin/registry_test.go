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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_LoadsBuiltins(t *testing.T) {
	r := NewRegistry(nil, testLogger())

	tests := []struct {
		path string
		name string
	}{
		{"builtin:gain", "Gain"},
		{"builtin:lowpass", "Lowpass"},
		{"builtin:delay", "Delay"},
		{"builtin:deferred-gain", "Deferred Gain"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			inst, err := r.Load("id-"+tt.name, tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.name, inst.Name())
			assert.Equal(t, "id-"+tt.name, inst.ID())
			assert.Equal(t, tt.path, inst.Path())
			assert.Equal(t, builtinVendor, inst.Vendor())
		})
	}

	assert.Len(t, r.Names(), 4)
}

func TestRegistry_UnknownBuiltin(t *testing.T) {
	r := NewRegistry(nil, testLogger())
	_, err := r.Load("id", "builtin:reverb")
	assert.ErrorContains(t, err, "unknown built-in plugin")
}

func TestRegistry_RefusesBlacklisted(t *testing.T) {
	bl := OpenBlacklist("", testLogger())
	bl.Add("builtin:gain")
	r := NewRegistry(bl, testLogger())

	_, err := r.Load("id", "builtin:gain")
	assert.ErrorIs(t, err, ErrBlacklisted)
}

func TestRegistry_PanicBlacklistsPath(t *testing.T) {
	file := filepath.Join(t.TempDir(), "blacklist.json")
	bl := OpenBlacklist(file, testLogger())
	r := NewRegistry(bl, testLogger())
	r.Register("explodes", func(id, path string) (Instance, error) {
		panic("constructor blew up")
	})

	inst, err := r.Load("id", "builtin:explodes")
	assert.Nil(t, inst)
	assert.ErrorContains(t, err, "crashed during load")
	assert.True(t, OpenBlacklist(file, testLogger()).Contains("builtin:explodes"))

	_, err = r.Load("id", "builtin:explodes")
	assert.ErrorIs(t, err, ErrBlacklisted)
}

func TestRegistry_SharedObjectsAreOpenedOnce(t *testing.T) {
	r := NewRegistry(nil, testLogger())
	opened := 0
	r.openSO = func(path string) (Factory, error) {
		opened++
		return NewGain, nil
	}

	for i := 0; i < 3; i++ {
		inst, err := r.Load("id", "/plugins/gain.so")
		require.NoError(t, err)
		assert.Equal(t, "/plugins/gain.so", inst.Path())
	}
	assert.Equal(t, 1, opened)
}

func TestRegistry_SharedObjectOpenError(t *testing.T) {
	r := NewRegistry(nil, testLogger())
	r.openSO = func(path string) (Factory, error) {
		return nil, errors.New("no such module")
	}

	_, err := r.Load("id", "/plugins/missing.so")
	assert.ErrorContains(t, err, "failed to load plugin module: no such module")
}

func TestRegistry_SearchPaths(t *testing.T) {
	first, second := t.TempDir(), t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(second, "comp.so"), nil, 0o644))

	r := NewRegistry(nil, testLogger())
	r.SetSearchPaths([]string{first, second})
	var opened []string
	r.openSO = func(path string) (Factory, error) {
		opened = append(opened, path)
		return NewGain, nil
	}

	inst, err := r.Load("a", "comp.so")
	require.NoError(t, err)
	assert.Equal(t, "comp.so", inst.Path())

	_, err = r.Load("b", "other.so")
	require.NoError(t, err)

	_, err = r.Load("c", "/abs/comp.so")
	require.NoError(t, err)

	assert.Equal(t, []string{filepath.Join(second, "comp.so"), "other.so", "/abs/comp.so"}, opened)
}

func TestOpenSharedObject_MissingFile(t *testing.T) {
	_, err := openSharedObject(filepath.Join(t.TempDir(), "absent.so"))
	assert.Error(t, err)
}
