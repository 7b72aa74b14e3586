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

import "sync/atomic"

// Guarded wraps a Processor with the instance kill switch. Once the active
// flag is cleared the wrapped processor is never called again and outputs
// are zeroed. A panic inside the wrapped processor is contained, the block
// is silenced and ErrProcessorFault is returned.
type Guarded struct {
	inner    Processor
	active   *atomic.Bool
	maxBlock int
}

// Guard returns a kill-switch wrapper around p. Blocks longer than maxBlock
// are silenced instead of being passed to the plugin.
func Guard(p Processor, active *atomic.Bool, maxBlock int) *Guarded {
	return &Guarded{inner: p, active: active, maxBlock: maxBlock}
}

// Process implements Processor.
func (g *Guarded) Process(in, out [][]float32, frames int) (err error) {
	if !g.active.Load() || (g.maxBlock > 0 && frames > g.maxBlock) {
		silence(out, frames)
		return nil
	}

	defer func() {
		if recover() != nil {
			silence(out, frames)
			err = ErrProcessorFault
		}
	}()

	return g.inner.Process(in, out, frames)
}

// Inner returns the wrapped processor.
func (g *Guarded) Inner() Processor {
	return g.inner
}

func silence(bufs [][]float32, frames int) {
	for _, ch := range bufs {
		n := frames
		if n > len(ch) {
			n = len(ch)
		}
		clear(ch[:n])
	}
}
