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

package devices

import (
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-plughost/internal/audio"
)

// DisambiguatedNames returns the display name of each device in driver
// order. Names that occur more than once get a 1-based " (n)" suffix, so
// the enumeration pass and the resolution pass agree on identities.
func DisambiguatedNames(names []string) []string {
	total := make(map[string]int, len(names))
	for _, n := range names {
		total[n]++
	}

	seen := make(map[string]int, len(names))
	out := make([]string, len(names))
	for i, n := range names {
		if total[n] > 1 {
			seen[n]++
			out[i] = fmt.Sprintf("%s (%d)", n, seen[n])
		} else {
			out[i] = n
		}
	}
	return out
}

// matchesName reports whether a requested name refers to candidate. The
// request may carry a driver-specific " [..]" suffix such as sample rates.
func matchesName(target, candidate string) bool {
	return target == candidate || strings.HasPrefix(target, candidate+" [")
}

// Resolve finds the device named target on host in one direction. It
// returns nil when nothing matches.
func Resolve(backend audio.AudioBackend, host, target string, input bool) (*audio.Device, error) {
	devs, err := backend.Devices(host, input)
	if err != nil {
		return nil, err
	}

	names := make([]string, len(devs))
	for i, d := range devs {
		names[i] = d.Name
	}
	for i, candidate := range DisambiguatedNames(names) {
		if matchesName(target, candidate) {
			return devs[i], nil
		}
	}
	return nil, nil
}
