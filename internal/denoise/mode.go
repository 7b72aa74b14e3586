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

package denoise

import "strings"

// Noise reduction modes accepted on the command surface
const (
	ModeLow  = "low"
	ModeHigh = "high"
)

// NormalizeMode maps a user supplied mode to ModeHigh or ModeLow.
// Anything other than "high" (case and surrounding space ignored) is low.
func NormalizeMode(mode string) string {
	if strings.ToLower(strings.TrimSpace(mode)) == ModeHigh {
		return ModeHigh
	}
	return ModeLow
}

// MixForMode returns the wet ratio for a normalized mode.
func MixForMode(mode string) float32 {
	if mode == ModeHigh {
		return 1.0
	}
	return 0.6
}

// LatencySamples is the latency reported for an enabled reducer: 10ms at
// the given rate, never less than one sample.
func LatencySamples(sampleRate int) uint32 {
	n := (sampleRate + 50) / 100
	if n < 1 {
		n = 1
	}
	return uint32(n)
}
