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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicy_DefaultRules(t *testing.T) {
	p := DefaultPolicy()

	assert.True(t, p.Lookup("Insight 2", "iZotope", `C:\VST3\Insight 2.vst3`).DeferredConnection)
	assert.False(t, p.Lookup("Insight", "iZotope", "").DeferredConnection, "name match is exact")
	assert.True(t, p.Lookup("Deferred Gain", builtinVendor, "builtin:deferred-gain").DeferredConnection)
	assert.False(t, p.Lookup("Deferred Gain", "Someone Else", "").DeferredConnection)
	assert.Equal(t, Quirks{}, p.Lookup("Gain", builtinVendor, "builtin:gain"))
}

func TestParsePolicy(t *testing.T) {
	data := []byte(`
[[plugin]]
match_path_suffix = "Crashy.VST3"
never_unload_module = true
note = "leaks threads on teardown"

[[plugin]]
match_vendor = "Slow Corp"
match_name = "Handshake"
deferred_connection = true

[[plugin]]
note = "matches nothing"
deferred_connection = true
`)

	p, err := ParsePolicy(data)
	require.NoError(t, err)
	assert.Len(t, p.Rules, 3+len(defaultRules()))

	tests := []struct {
		name, vendor, path string
		want               Quirks
	}{
		{"Whatever", "", "/plugins/crashy.vst3", Quirks{NeverUnloadModule: true}},
		{"Handshake", "Slow Corp", "", Quirks{DeferredConnection: true}},
		{"Handshake", "Fast Corp", "", Quirks{}},
		{"Insight 2", "", "", Quirks{DeferredConnection: true}},
		{"Other", "", "/plugins/other.vst3", Quirks{}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Lookup(tt.name, tt.vendor, tt.path), "%s/%s/%s", tt.name, tt.vendor, tt.path)
	}
}

func TestParsePolicy_ReplaceDefaults(t *testing.T) {
	p, err := ParsePolicy([]byte("replace_defaults = true\n"))
	require.NoError(t, err)
	assert.Empty(t, p.Rules)
	assert.False(t, p.Lookup("Insight 2", "", "").DeferredConnection)
}

func TestParsePolicy_Invalid(t *testing.T) {
	_, err := ParsePolicy([]byte("[[plugin]\nmatch_name = "))
	assert.Error(t, err)
}

func TestLoadPolicy(t *testing.T) {
	dir := t.TempDir()

	p, err := LoadPolicy(filepath.Join(dir, "missing.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicy(), p)

	p, err = LoadPolicy("")
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicy(), p)

	file := filepath.Join(dir, "compat.toml")
	require.NoError(t, os.WriteFile(file, []byte("[[plugin]]\nmatch_name = \"X\"\ndeferred_connection = true\n"), 0o644))
	p, err = LoadPolicy(file)
	require.NoError(t, err)
	assert.True(t, p.Lookup("X", "", "").DeferredConnection)
}

func TestPolicy_NilLookup(t *testing.T) {
	var p *Policy
	assert.Equal(t, Quirks{}, p.Lookup("Insight 2", "", ""))
}
