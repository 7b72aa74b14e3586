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

package resample

import (
	"errors"
	"fmt"
	"math"
)

// ChunkFrames is the fixed number of input frames converted per step
const ChunkFrames = 1024

var ErrInvalidInput = errors.New("input length is not a whole number of frames")

// StreamResampler converts interleaved audio between two sample rates.
// Input is accumulated until a full chunk is available; each chunk is then
// converted by linear interpolation with the phase carried across chunks,
// so splitting the input differently yields identical output.
type StreamResampler struct {
	inRate   int
	outRate  int
	channels int

	step float64 // input frames advanced per output frame
	pos  float64 // next output position relative to the current chunk start

	acc       [][]float32 // planar accumulation, ChunkFrames per channel
	collected int
	prev      []float32 // last sample of the previous chunk, per channel
}

// NewStreamResampler creates a resampler. All buffers are allocated here.
func NewStreamResampler(inRate, outRate, channels int) (*StreamResampler, error) {
	if inRate <= 0 || outRate <= 0 {
		return nil, fmt.Errorf("invalid sample rates %d -> %d", inRate, outRate)
	}
	if channels <= 0 {
		return nil, fmt.Errorf("invalid channel count %d", channels)
	}

	acc := make([][]float32, channels)
	for ch := range acc {
		acc[ch] = make([]float32, ChunkFrames)
	}

	return &StreamResampler{
		inRate:   inRate,
		outRate:  outRate,
		channels: channels,
		step:     float64(inRate) / float64(outRate),
		acc:      acc,
		prev:     make([]float32, channels),
	}, nil
}

// Channels returns the interleaved channel count.
func (s *StreamResampler) Channels() int {
	return s.channels
}

// MaxOutputFrames is the most frames a single chunk conversion can produce.
func (s *StreamResampler) MaxOutputFrames() int {
	return int(math.Ceil(float64(ChunkFrames)/s.step)) + 2
}

// Process consumes interleaved input and appends any converted interleaved
// frames to dst, returning the extended slice. dst is only grown when its
// capacity is insufficient.
func (s *StreamResampler) Process(input, dst []float32) ([]float32, error) {
	if len(input)%s.channels != 0 {
		return dst, ErrInvalidInput
	}

	framesIn := len(input) / s.channels
	cursor := 0

	for cursor < framesIn {
		space := ChunkFrames - s.collected
		toRead := framesIn - cursor
		if toRead > space {
			toRead = space
		}

		for i := 0; i < toRead; i++ {
			base := (cursor + i) * s.channels
			for ch := 0; ch < s.channels; ch++ {
				s.acc[ch][s.collected+i] = input[base+ch]
			}
		}
		s.collected += toRead
		cursor += toRead

		if s.collected == ChunkFrames {
			dst = s.convertChunk(dst)
			s.collected = 0
		}
	}

	return dst, nil
}

// Reset discards buffered input and interpolation history.
func (s *StreamResampler) Reset() {
	s.collected = 0
	s.pos = 0
	for ch := range s.prev {
		s.prev[ch] = 0
	}
}

func (s *StreamResampler) convertChunk(dst []float32) []float32 {
	last := float64(ChunkFrames - 1)
	p := s.pos

	for p < last {
		i := int(math.Floor(p))
		frac := float32(p - float64(i))
		for ch := 0; ch < s.channels; ch++ {
			var a float32
			if i < 0 {
				a = s.prev[ch]
			} else {
				a = s.acc[ch][i]
			}
			b := s.acc[ch][i+1]
			dst = append(dst, a+(b-a)*frac)
		}
		p += s.step
	}

	s.pos = p - float64(ChunkFrames)
	for ch := 0; ch < s.channels; ch++ {
		s.prev[ch] = s.acc[ch][ChunkFrames-1]
	}
	return dst
}
