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

// Package sysprio raises the engine process priority on a best-effort basis.
package sysprio

import (
	"errors"

	"github.com/sirupsen/logrus"
)

const (
	// NormalNice is requested when perf tweaks are on.
	NormalNice = -10
	// RealtimeNice is the opt-in highest priority.
	RealtimeNice = -20
)

var ErrUnsupported = errors.New("process priority is not supported on this platform")

// Options mirrors the [system] config section.
type Options struct {
	PerfTweaks       bool
	RealtimePriority bool
}

// setPriority is replaced in tests.
var setPriority = platformSetPriority

// Apply raises the priority of the current process. It returns the nice
// value that was applied, or 0 when nothing changed. Failures are logged
// and never fatal.
func Apply(opts Options, log *logrus.Entry) int {
	if !opts.PerfTweaks {
		log.Debug("Process priority tweaks disabled")
		return 0
	}

	candidates := []int{NormalNice}
	if opts.RealtimePriority {
		candidates = []int{RealtimeNice, NormalNice}
	}

	var lastErr error
	for _, nice := range candidates {
		if err := setPriority(nice); err != nil {
			lastErr = err
			log.WithError(err).WithField("nice", nice).Debug("Priority request refused")
			continue
		}
		log.WithField("nice", nice).Info("⚡ Raised process priority")
		return nice
	}

	log.WithError(lastErr).Warn("⚠️ Could not raise process priority")
	return 0
}
