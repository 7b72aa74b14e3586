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
	"math"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/loqalabs/loqa-plughost/internal/audio"
	"github.com/loqalabs/loqa-plughost/internal/ipc"
)

// ProbeRates are the sample rates advertised in device names.
var ProbeRates = []float64{44100, 48000, 88200, 96000, 192000}

// ScanHosts is the order hosts are enumerated in.
var ScanHosts = []string{audio.HostASIO, audio.HostWASAPI}

// RatesSuffix formats the supported probe rates as " [44/48kHz]". It is
// empty when no probe rate is supported.
func RatesSuffix(backend audio.AudioBackend, dev *audio.Device, input bool) string {
	channels := dev.Channels(input)
	if channels > 2 {
		channels = 2
	}

	var found []string
	for _, rate := range ProbeRates {
		if backend.SupportsSampleRate(dev, input, channels, rate) {
			found = append(found, fmt.Sprintf("%d", int(rate)/1000))
		}
	}
	if len(found) == 0 {
		return ""
	}
	return " [" + strings.Join(found, "/") + "kHz]"
}

// Describe converts a backend device into its wire form under name.
func Describe(dev *audio.Device, host, name string, input bool) ipc.DeviceInfo {
	info := ipc.DeviceInfo{
		Name:     name,
		Host:     host,
		IsInput:  input,
		Channels: clampChannels(dev.Channels(input)),
	}
	if r := dev.BufferSizeRange; r != nil && r[0] > 0 && r[0] <= r[1] {
		info.BufferSizeRange = &[2]uint32{uint32(r[0]), uint32(r[1])}
	}
	return info
}

func clampChannels(n int) uint16 {
	if n < 0 {
		return 0
	}
	if n > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(n)
}

// Scan enumerates every available host's inputs then outputs. Hosts or
// directions that fail to list are skipped with a warning.
func Scan(backend audio.AudioBackend, log *logrus.Entry) []ipc.DeviceInfo {
	out := []ipc.DeviceInfo{}
	for _, host := range ScanHosts {
		if !backend.HostAvailable(host) {
			log.WithField("host", host).Debug("Host not available")
			continue
		}
		for _, input := range []bool{true, false} {
			list, err := scanDirection(backend, host, input)
			if err != nil {
				log.WithError(err).WithFields(logrus.Fields{"host": host, "input": input}).Warn("⚠️ Failed to list devices")
				continue
			}
			out = append(out, list...)
		}
	}
	return out
}

func scanDirection(backend audio.AudioBackend, host string, input bool) ([]ipc.DeviceInfo, error) {
	devs, err := backend.Devices(host, input)
	if err != nil {
		return nil, err
	}

	defName := ""
	if def, err := backend.DefaultDevice(host, input); err == nil && def != nil {
		defName = def.Name
	}

	names := make([]string, len(devs))
	for i, d := range devs {
		names[i] = d.Name
	}

	out := make([]ipc.DeviceInfo, 0, len(devs))
	for i, name := range DisambiguatedNames(names) {
		d := devs[i]
		if host != audio.HostASIO {
			name += RatesSuffix(backend, d, input)
		}
		info := Describe(d, host, name, input)
		info.IsDefault = d.Name == defName
		out = append(out, info)
	}
	return out, nil
}
