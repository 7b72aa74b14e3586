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
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/loqalabs/loqa-plughost/internal/plugin"
)

func chainSetup(blockSize int) pipelineSetup {
	setup := testSetup(2)
	setup.blockSize = blockSize
	setup.capacity = blockSize
	setup.processors = []plugin.Prepared{
		{RTIndex: 0, Processor: scale(0.5)},
		{RTIndex: 1, Processor: offset(0.01)},
		{RTIndex: 2, Processor: scale(1.5)},
	}
	setup.rtOrder = []uint8{0, 1, 2}
	return setup
}

func TestPipeline_ProcessDoesNotAllocate(t *testing.T) {
	for _, nr := range []bool{false, true} {
		t.Run(fmt.Sprintf("noise_reduction=%v", nr), func(t *testing.T) {
			setup := chainSetup(256)
			setup.nrEnabled = nr
			setup.nrMix = 1
			p, q, _ := newTestPipeline(setup)

			in := make([]float32, 256*2)
			out := make([]float32, 256*2)
			allocs := testing.AllocsPerRun(50, func() {
				q.audio.PushSlice(in)
				p.process(out)
				for q.levels.Len() > 0 {
					q.levels.TryPop()
				}
				for q.scan.Len() > 0 {
					q.scan.TryPop()
				}
			})
			assert.Zero(t, allocs)
		})
	}
}

func BenchmarkPipelineProcess(b *testing.B) {
	for _, block := range []int{64, 256, 1024} {
		b.Run(fmt.Sprintf("block_%d", block), func(b *testing.B) {
			p, q, _ := newTestPipeline(chainSetup(block))
			in := make([]float32, block*2)
			out := make([]float32, block*2)
			for i := range in {
				in[i] = float32(i%100) / 100
			}

			b.ReportAllocs()
			b.SetBytes(int64(len(in) * 4))
			b.ResetTimer()

			for i := 0; i < b.N; i++ {
				q.audio.PushSlice(in)
				p.process(out)
				for q.levels.Len() > 0 {
					q.levels.TryPop()
				}
				for q.scan.Len() > 0 {
					q.scan.TryPop()
				}
			}
		})
	}
}
