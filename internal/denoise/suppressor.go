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

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

const (
	// FrameSize is the model frame length in samples (10ms at 48kHz)
	FrameSize = 480

	windowSize = 2 * FrameSize
	fftSize    = 1024
	bins       = fftSize/2 + 1

	learnFrames    = 10
	powerSmoothing = 0.8
	spectralFloor  = 0.1
	noiseRise      = 1.002
	gainRelease    = 0.7

	// DefaultStrength is the over-subtraction factor used by the engine
	DefaultStrength = 2.0
)

// Suppressor is a single-channel spectral-subtraction noise suppressor.
// It consumes and produces FrameSize samples per call using a 50% overlapped
// sqrt-Hann analysis/synthesis pair, so output lags input by one frame.
type Suppressor struct {
	strength float64

	fft    *fourier.FFT
	window []float64
	frame  []float64    // windowed time-domain block, fftSize samples
	coeffs []complex128 // half spectrum, bins entries

	hist    []float64 // previous input frame
	overlap []float64 // synthesis tail carried to the next frame

	power  []float64
	noise  []float64
	gain   []float64
	frames int
}

// NewSuppressor builds a suppressor. Strength 0 disables subtraction and
// reconstructs the input exactly (delayed by one frame).
func NewSuppressor(strength float64) *Suppressor {
	window := make([]float64, windowSize)
	for n := range window {
		window[n] = math.Sqrt(0.5 * (1 - math.Cos(2*math.Pi*float64(n)/float64(windowSize))))
	}

	s := &Suppressor{
		strength: strength,
		fft:      fourier.NewFFT(fftSize),
		window:   window,
		frame:    make([]float64, fftSize),
		coeffs:   make([]complex128, bins),
		hist:     make([]float64, FrameSize),
		overlap:  make([]float64, FrameSize),
		power:    make([]float64, bins),
		noise:    make([]float64, bins),
		gain:     make([]float64, bins),
	}
	s.Reset()
	return s
}

// Reset clears all history and the learned noise profile.
func (s *Suppressor) Reset() {
	for i := range s.hist {
		s.hist[i] = 0
		s.overlap[i] = 0
	}
	for k := 0; k < bins; k++ {
		s.power[k] = 0
		s.noise[k] = 0
		s.gain[k] = 1
	}
	s.frames = 0
}

// ProcessFrame denoises one frame. Both slices must hold FrameSize samples.
func (s *Suppressor) ProcessFrame(out, in []float32) {
	for i := 0; i < FrameSize; i++ {
		s.frame[i] = s.hist[i] * s.window[i]
		s.frame[FrameSize+i] = float64(in[i]) * s.window[FrameSize+i]
	}
	for i := windowSize; i < fftSize; i++ {
		s.frame[i] = 0
	}

	s.fft.Coefficients(s.coeffs, s.frame)

	if s.strength > 0 {
		s.updateGains()
		for k := 0; k < bins; k++ {
			s.coeffs[k] *= complex(s.gain[k], 0)
		}
	}

	// Sequence is unnormalised.
	s.fft.Sequence(s.frame, s.coeffs)

	scale := 1.0 / fftSize
	for i := 0; i < FrameSize; i++ {
		y := s.frame[i] * scale * s.window[i]
		out[i] = float32(s.overlap[i] + y)
		s.overlap[i] = s.frame[FrameSize+i] * scale * s.window[FrameSize+i]
		s.hist[i] = float64(in[i])
	}
	s.frames++
}

func (s *Suppressor) updateGains() {
	for k := 0; k < bins; k++ {
		c := s.coeffs[k]
		p := real(c)*real(c) + imag(c)*imag(c)

		if s.frames == 0 {
			s.power[k] = p
		} else {
			s.power[k] = powerSmoothing*s.power[k] + (1-powerSmoothing)*p
		}

		switch {
		case s.frames < learnFrames:
			s.noise[k] += (s.power[k] - s.noise[k]) / float64(s.frames+1)
		case s.power[k] < s.noise[k]:
			s.noise[k] = 0.9*s.noise[k] + 0.1*s.power[k]
		default:
			s.noise[k] = math.Min(s.noise[k]*noiseRise, s.power[k])
		}

		if s.frames < learnFrames {
			continue
		}

		g := spectralFloor
		if s.power[k] > 0 {
			r := 1 - s.strength*s.noise[k]/s.power[k]
			if r > spectralFloor*spectralFloor {
				g = math.Sqrt(r)
			}
		}

		if g > s.gain[k] {
			s.gain[k] = g
		} else {
			s.gain[k] = gainRelease*s.gain[k] + (1-gainRelease)*g
		}
	}
}
