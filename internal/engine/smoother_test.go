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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSmoother_ConvergesAndSnaps(t *testing.T) {
	tests := []struct {
		name     string
		from, to float32
	}{
		{"fade in", 0, 1},
		{"fade out", 1, 0},
		{"boost", 1, 4},
		{"large boost", 1, 20},
		{"max boost", 1, 100},
		{"large cut", 100, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewRamp(tt.from, tt.to)
			prev := s.Current()
			steps := 0
			for s.Current() != tt.to && steps < 100000 {
				v := s.Next()
				dist := tt.to - v
				if dist < 0 {
					dist = -dist
				}
				prevDist := tt.to - prev
				if prevDist < 0 {
					prevDist = -prevDist
				}
				assert.LessOrEqual(t, dist, prevDist, "step %d moved away from the target", steps)
				prev = v
				steps++
			}
			assert.Equal(t, tt.to, s.Current(), "smoother must land exactly on the target")
			assert.Less(t, steps, 4000)
		})
	}
}

func TestSmoother_FirstStep(t *testing.T) {
	s := NewRamp(0, 1)
	assert.InDelta(t, 0.005, s.Next(), 1e-7)
	assert.InDelta(t, 0.005+0.995*0.005, s.Next(), 1e-7)
}

func TestSmoother_SettledIsStable(t *testing.T) {
	s := NewSmoother(0.7)
	for i := 0; i < 10; i++ {
		assert.Equal(t, float32(0.7), s.Next())
	}
	s.SetTarget(0.70005)
	assert.Equal(t, float32(0.70005), s.Next(), "sub-threshold moves snap immediately")
}

func TestSmoother_NearUnity(t *testing.T) {
	tests := []struct {
		name string
		s    Smoother
		want bool
	}{
		{"unity", NewSmoother(1), true},
		{"tiny offset", NewSmoother(1.00005), true},
		{"ramping to unity", NewRamp(0, 1), false},
		{"leaving unity", NewRamp(1, 0.5), false},
		{"half", NewSmoother(0.5), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.s.nearUnity())
		})
	}
}
