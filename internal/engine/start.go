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
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/loqalabs/loqa-plughost/internal/audio"
	"github.com/loqalabs/loqa-plughost/internal/denoise"
	"github.com/loqalabs/loqa-plughost/internal/devices"
	"github.com/loqalabs/loqa-plughost/internal/ipc"
	"github.com/loqalabs/loqa-plughost/internal/resample"
)

// defaultBlockSize applies when neither the request nor the driver fixes one
const defaultBlockSize = 512

// Start opens and plays a stream pair for cmd, stopping any running pair
// first. When the requested configuration cannot be built it is retried
// once with the output device's defaults.
func (e *Engine) Start(cmd ipc.Start) (ipc.StartedInfo, error) {
	return e.start(cmd, true)
}

func (e *Engine) start(cmd ipc.Start, allowFallback bool) (ipc.StartedInfo, error) {
	if e.Running() {
		e.Stop()
	}

	e.emit(ipc.Log(fmt.Sprintf("Start Audio Request: Host=%s, Input=%s, Output=%s, SR=%s, Buf=%s",
		cmd.Host, optional(cmd.Input), optional(cmd.Output), optional(cmd.SampleRate), optional(cmd.BufferSize))))

	host, ok := audio.NormalizeHost(cmd.Host)
	if !ok {
		return ipc.StartedInfo{}, fmt.Errorf("Unsupported host: %s", cmd.Host)
	}
	if !e.backend.HostAvailable(host) {
		return ipc.StartedInfo{}, fmt.Errorf("%w: %s", audio.ErrHostUnavailable, host)
	}

	inDev, inName, err := e.resolveDevice(host, cmd.Input, true)
	if err != nil {
		return ipc.StartedInfo{}, err
	}
	outDev, outName, err := e.resolveDevice(host, cmd.Output, false)
	if err != nil {
		return ipc.StartedInfo{}, err
	}

	channels := outDev.Channels(false)
	rate := outDev.DefaultSampleRate
	if cmd.SampleRate != nil && e.backend.SupportsSampleRate(outDev, false, channels, float64(*cmd.SampleRate)) {
		rate = float64(*cmd.SampleRate)
	}
	bufferSize := 0
	if cmd.BufferSize != nil {
		bufferSize = int(*cmd.BufferSize)
	}

	block := defaultBlockSize
	if bufferSize > 0 {
		block = bufferSize
	}
	if r := outDev.BufferSizeRange; r != nil && r[0] == r[1] && r[0] > 0 && r[0] != block {
		e.log.WithFields(logrus.Fields{"requested": block, "locked": r[0]}).Info("🔒 Driver buffer size is locked")
		block = r[0]
	}

	inRate := inDev.DefaultSampleRate
	inChannels := inDev.Channels(true)

	log := e.log.WithFields(logrus.Fields{
		"host":        host,
		"input":       inName,
		"output":      outName,
		"sample_rate": rate,
		"block":       block,
		"channels":    channels,
	})

	e.devices.SetActiveInput(devices.Describe(inDev, host, inName, true))
	e.devices.SetActiveOutput(devices.Describe(outDev, host, outName, false))

	e.sampleRate = rate
	e.blockSize = block
	e.channels = channels
	maxBlock := e.maxBlock()

	q := newQueues(rate)
	prepared := e.plugins.PrepareForAudioStart(rate, channels, maxBlock)
	pl := newPipeline(pipelineSetup{
		sampleRate:   rate,
		blockSize:    block,
		channels:     channels,
		capacity:     maxBlock,
		processors:   prepared,
		slots:        e.plugins.SlotStates(),
		rtOrder:      e.plugins.RTOrder(),
		globalMute:   e.globalMute,
		globalBypass: e.globalBypass,
		inputGain:    e.inputGain,
		outputGain:   e.outputGain,
		inputL:       e.inputL,
		inputR:       e.inputR,
		scanEnabled:  e.scanEnabled,
		nrEnabled:    e.nrEnabled,
		nrMix:        e.nrMix(),
	}, q, &e.counters)

	retry := func(stage string, cause error) (ipc.StartedInfo, error) {
		log.WithError(cause).Warnf("⚠️ %s stream build failed, retrying with device defaults", stage)
		e.plugins.MarkStopped()
		fallback := cmd
		fallback.SampleRate = nil
		fallback.BufferSize = nil
		return e.start(fallback, false)
	}

	outCfg := audio.StreamConfig{SampleRate: rate, Channels: channels, BufferSize: bufferSize}
	output, err := e.backend.OpenOutputStream(outDev, outCfg, pl.process)
	if err != nil {
		if allowFallback {
			return retry("Output", err)
		}
		e.plugins.MarkStopped()
		return ipc.StartedInfo{}, fmt.Errorf("Stream Build Failed (Fallback exhausted): %w", err)
	}

	var rs *resample.StreamResampler
	if inRate != rate && inChannels > 0 {
		rs, err = resample.NewStreamResampler(int(inRate+0.5), int(rate+0.5), inChannels)
		if err != nil {
			closeStream(log, "output", output)
			e.plugins.MarkStopped()
			return ipc.StartedInfo{}, fmt.Errorf("resampler: %w", err)
		}
		log.WithField("input_rate", inRate).Info("🔁 Resampling input to output rate")
	}
	sink := newInputSink(q.audio, rs, inChannels, channels, maxBlock)

	inCfg := audio.StreamConfig{SampleRate: inRate, Channels: inChannels, BufferSize: bufferSize}
	input, err := e.backend.OpenInputStream(inDev, inCfg, sink.process)
	if err != nil {
		closeStream(log, "output", output)
		if allowFallback {
			return retry("Input", err)
		}
		e.plugins.MarkStopped()
		return ipc.StartedInfo{}, fmt.Errorf("Input Stream Build Failed (Post-Output): %w", err)
	}

	e.active = &streams{output: output, input: input, q: q, rt: pl}
	e.meter = meterState{lastData: e.now(), lastEmit: e.now()}

	e.emit(ipc.Log("Attempting to start Output Stream..."))
	if err := output.Start(); err != nil {
		e.emit(ipc.Error(fmt.Sprintf("Output Stream play() failed: %v", err)))
		e.Stop()
		return ipc.StartedInfo{}, err
	}
	e.emit(ipc.Log("Output Stream started successfully."))

	e.emit(ipc.Log("Attempting to start Input Stream..."))
	if err := input.Start(); err != nil {
		e.emit(ipc.Error(fmt.Sprintf("Input Stream play() failed: %v", err)))
		e.Stop()
		return ipc.StartedInfo{}, err
	}
	e.emit(ipc.Log("Input Stream started successfully."))

	info := ipc.StartedInfo{SampleRate: uint32(rate + 0.5), BufferSize: uint32(block)}
	e.emit(ipc.Log(fmt.Sprintf("Audio Engine Started: Sample Rate=%v, Buffer Size=%d, Channels=%d", rate, block, channels)))
	e.emit(ipc.Started(info.SampleRate, info.BufferSize))
	log.Info("▶️ Audio streams running")
	return info, nil
}

// resolveDevice finds the named device, or the host default when name is
// absent. It also returns the display name recorded as the active device.
func (e *Engine) resolveDevice(host string, name *string, input bool) (*audio.Device, string, error) {
	dir, kind := "Output", "output"
	if input {
		dir, kind = "Input", "input"
	}

	if name != nil && *name != "" {
		dev, err := devices.Resolve(e.backend, host, *name, input)
		if err != nil {
			return nil, "", err
		}
		if dev == nil {
			return nil, "", fmt.Errorf("%s device not found: %s", dir, *name)
		}
		return dev, *name, nil
	}

	dev, err := e.backend.DefaultDevice(host, input)
	if err != nil && !errors.Is(err, audio.ErrHostUnavailable) {
		return nil, "", err
	}
	if dev == nil {
		return nil, "", fmt.Errorf("No default %s device", kind)
	}
	return dev, dev.Name, nil
}

func (e *Engine) nrMix() float32 {
	if !e.nrEnabled {
		return 0
	}
	return denoise.MixForMode(e.nrMode)
}

// Stop tears down the stream pair. Once both streams are closed no
// processor can be referenced by the real-time thread, so every parked
// unload is finalized. Stopping a stopped engine is a no-op.
func (e *Engine) Stop() {
	s := e.active
	e.pending = e.pending[:0]
	if s == nil {
		return
	}

	s.q.commands.TryPush(rtMessage{kind: msgStop})
	closeStream(e.log, "output", s.output)
	closeStream(e.log, "input", s.input)
	e.active = nil

	for {
		r, ok := s.q.retire.TryPop()
		if !ok {
			break
		}
		e.plugins.FinalizeUnload(r.index)
	}
	e.plugins.MarkStopped()
	if n := e.plugins.FinalizePendingUnloads(); n > 0 {
		e.log.WithField("count", n).Info("🧹 Finalized pending unloads")
	}
	e.devices.ClearActive()
	e.log.Info("⏹️ Audio streams stopped")
}

func closeStream(log *logrus.Entry, kind string, s audio.StreamInterface) {
	if s == nil {
		return
	}
	if err := s.Stop(); err != nil {
		log.WithError(err).Warnf("⚠️ Failed to stop %s stream", kind)
	}
	if err := s.Close(); err != nil {
		log.WithError(err).Warnf("⚠️ Failed to close %s stream", kind)
	}
}

func optional[T any](v *T) string {
	if v == nil {
		return "default"
	}
	return fmt.Sprint(*v)
}
