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
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Rule is one entry of the compatibility table. A rule applies when every
// matcher it sets matches; a rule with no matchers never applies.
type Rule struct {
	MatchName       string `toml:"match_name"`
	MatchPathSuffix string `toml:"match_path_suffix"`
	MatchVendor     string `toml:"match_vendor"`

	// DeferredConnection postpones Prepare, CreateProcessor and
	// FinalizeConnection to the engine tick after load.
	DeferredConnection bool `toml:"deferred_connection"`

	// NeverUnloadModule keeps the instance itself alive after unload
	// instead of closing it.
	NeverUnloadModule bool `toml:"never_unload_module"`

	Note string `toml:"note"`
}

// Quirks is the merged effect of every rule matching a plugin.
type Quirks struct {
	DeferredConnection bool
	NeverUnloadModule  bool
}

// Policy is the compatibility table consulted at load time.
type Policy struct {
	// ReplaceDefaults drops the built-in rules instead of appending them.
	ReplaceDefaults bool   `toml:"replace_defaults"`
	Rules           []Rule `toml:"plugin"`
}

func defaultRules() []Rule {
	return []Rule{
		{
			MatchName:          "Insight 2",
			DeferredConnection: true,
			Note:               "connecting before activation crashes the host",
		},
		{
			MatchName:          "Deferred Gain",
			MatchVendor:        builtinVendor,
			DeferredConnection: true,
		},
	}
}

// DefaultPolicy returns the built-in compatibility table.
func DefaultPolicy() *Policy {
	return &Policy{Rules: defaultRules()}
}

// ParsePolicy decodes a TOML compatibility table.
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := toml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse compatibility table: %w", err)
	}
	if !p.ReplaceDefaults {
		p.Rules = append(p.Rules, defaultRules()...)
	}
	return &p, nil
}

// LoadPolicy reads the table at path. A missing file yields DefaultPolicy.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultPolicy(), nil
		}
		return nil, fmt.Errorf("read compatibility table: %w", err)
	}
	return ParsePolicy(data)
}

// Lookup merges every rule matching the plugin identity.
func (p *Policy) Lookup(name, vendor, path string) Quirks {
	var q Quirks
	if p == nil {
		return q
	}
	for _, r := range p.Rules {
		if !r.matches(name, vendor, path) {
			continue
		}
		q.DeferredConnection = q.DeferredConnection || r.DeferredConnection
		q.NeverUnloadModule = q.NeverUnloadModule || r.NeverUnloadModule
	}
	return q
}

func (r Rule) matches(name, vendor, path string) bool {
	if r.MatchName == "" && r.MatchPathSuffix == "" && r.MatchVendor == "" {
		return false
	}
	if r.MatchName != "" && r.MatchName != name {
		return false
	}
	if r.MatchVendor != "" && r.MatchVendor != vendor {
		return false
	}
	if r.MatchPathSuffix != "" && !strings.HasSuffix(strings.ToLower(path), strings.ToLower(r.MatchPathSuffix)) {
		return false
	}
	return true
}
