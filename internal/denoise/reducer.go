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

const (
	sampleScale = 32768.0

	minSampleRate = 8000
	maxSampleRate = 192000
)

// Reducer adapts two Suppressors to arbitrary device rates, one sample at a
// time. Samples are collected into 10ms device frames, resampled to the model
// frame, denoised and resampled back. Output is silent until the first
// frame has been processed.
//
// Reducer is not safe for concurrent use; the audio callback owns it.
type Reducer struct {
	channels  [2]*Suppressor
	frameSize int

	inFrames  [2][]float32
	outFrames [2][]float32
	modelIn   [2][]float32
	modelOut  [2][]float32

	inputPos    int
	outputPos   int
	outputReady int
}

// NewReducer creates a stereo reducer for the given device sample rate.
// The rate is clamped to 8kHz..192kHz.
func NewReducer(sampleRate int) *Reducer {
	if sampleRate < minSampleRate {
		sampleRate = minSampleRate
	}
	if sampleRate > maxSampleRate {
		sampleRate = maxSampleRate
	}

	frame := (sampleRate + 50) / 100
	r := &Reducer{frameSize: frame}
	for ch := 0; ch < 2; ch++ {
		r.channels[ch] = NewSuppressor(DefaultStrength)
		r.inFrames[ch] = make([]float32, frame)
		r.outFrames[ch] = make([]float32, frame)
		r.modelIn[ch] = make([]float32, FrameSize)
		r.modelOut[ch] = make([]float32, FrameSize)
	}
	return r
}

// FrameSize returns the device-rate frame length in samples.
func (r *Reducer) FrameSize() int {
	return r.frameSize
}

// Reset zeroes all buffered audio and suppressor state.
func (r *Reducer) Reset() {
	for ch := 0; ch < 2; ch++ {
		r.channels[ch].Reset()
		clear(r.inFrames[ch])
		clear(r.outFrames[ch])
		clear(r.modelIn[ch])
		clear(r.modelOut[ch])
	}
	r.inputPos = 0
	r.outputPos = 0
	r.outputReady = 0
}

// ProcessSample pushes one stereo sample and returns one denoised sample.
func (r *Reducer) ProcessSample(left, right float32) (float32, float32) {
	r.inFrames[0][r.inputPos] = clamp(left*sampleScale, -32768, 32767)
	r.inFrames[1][r.inputPos] = clamp(right*sampleScale, -32768, 32767)
	r.inputPos++

	if r.inputPos >= r.frameSize {
		for ch := 0; ch < 2; ch++ {
			if r.frameSize == FrameSize {
				copy(r.modelIn[ch], r.inFrames[ch])
			} else {
				resampleLinear(r.inFrames[ch], r.modelIn[ch])
			}

			r.channels[ch].ProcessFrame(r.modelOut[ch], r.modelIn[ch])

			if r.frameSize == FrameSize {
				copy(r.outFrames[ch], r.modelOut[ch])
			} else {
				resampleLinear(r.modelOut[ch], r.outFrames[ch])
			}
		}
		r.inputPos = 0
		r.outputPos = 0
		r.outputReady = r.frameSize
	}

	if r.outputReady == 0 {
		return 0, 0
	}

	l := clamp(r.outFrames[0][r.outputPos]/sampleScale, -1, 1)
	rr := clamp(r.outFrames[1][r.outputPos]/sampleScale, -1, 1)
	r.outputPos++
	r.outputReady--
	return l, rr
}

// resampleLinear stretches input over output with end points aligned.
func resampleLinear(input, output []float32) {
	if len(input) == 0 || len(output) == 0 {
		return
	}
	if len(input) == 1 {
		for i := range output {
			output[i] = input[0]
		}
		return
	}
	if len(output) == 1 {
		output[0] = input[0]
		return
	}

	inLast := float32(len(input) - 1)
	outLast := float32(len(output) - 1)
	for i := range output {
		pos := float32(i) * inLast / outLast
		i0 := int(pos)
		i1 := i0 + 1
		if i1 > len(input)-1 {
			i1 = len(input) - 1
		}
		frac := pos - float32(i0)
		output[i] = input[i0]*(1-frac) + input[i1]*frac
	}
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
