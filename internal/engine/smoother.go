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

// smoothingCoeff is the per-sample fraction of the remaining distance
const (
	smoothingCoeff = 0.005
	snapThreshold  = 0.0001
)

// Smoother moves a gain toward its target by an exponential step per
// sample and snaps once the remaining distance is negligible or the step
// no longer changes the value.
type Smoother struct {
	current float32
	target  float32
}

// NewSmoother starts settled at v.
func NewSmoother(v float32) Smoother {
	return Smoother{current: v, target: v}
}

// NewRamp starts at from and approaches to.
func NewRamp(from, to float32) Smoother {
	return Smoother{current: from, target: to}
}

func (s *Smoother) SetTarget(v float32) { s.target = v }

func (s *Smoother) Current() float32 { return s.current }

func (s *Smoother) Target() float32 { return s.target }

// Next advances one sample and returns the gain to apply.
func (s *Smoother) Next() float32 {
	diff := s.target - s.current
	if diff < snapThreshold && diff > -snapThreshold {
		s.current = s.target
		return s.current
	}
	// Large targets stall once the step falls below float32 resolution.
	next := s.current + diff*smoothingCoeff
	if next == s.current {
		next = s.target
	}
	s.current = next
	return s.current
}

// nearUnity reports whether applying the smoother would be a no-op.
func (s *Smoother) nearUnity() bool {
	return abs32(s.current-1) <= snapThreshold && abs32(s.target-1) <= snapThreshold
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
