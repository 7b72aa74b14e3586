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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/sirupsen/logrus"

	"github.com/loqalabs/loqa-plughost/internal/ipc"
)

// ScanFlag makes the engine binary print its device list and exit.
const ScanFlag = "--scan"

// Scanner produces the raw device list.
type Scanner interface {
	Scan(ctx context.Context) ([]ipc.DeviceInfo, error)
}

// ProcessScanner runs the engine binary with ScanFlag so a crashing driver
// takes down the child, not the engine.
type ProcessScanner struct {
	Executable string
	Args       []string
	log        *logrus.Entry
}

// NewProcessScanner scans with the current executable.
func NewProcessScanner(log *logrus.Entry) *ProcessScanner {
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	return &ProcessScanner{Executable: exe, Args: []string{ScanFlag}, log: log}
}

func (s *ProcessScanner) Scan(ctx context.Context) ([]ipc.DeviceInfo, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, s.Executable, s.Args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("Scanner failed: %s", stderr.String())
		}
		return nil, fmt.Errorf("failed to spawn scanner process: %w", err)
	}
	if stderr.Len() > 0 && s.log != nil {
		s.log.Debugf("[Scanner stderr]\n%s", stderr.String())
	}

	var list []ipc.DeviceInfo
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &list); err != nil {
		return nil, fmt.Errorf("Scanner JSON error. Output: %s: %w", stdout.String(), err)
	}
	return list, nil
}

// Manager caches the last enumeration and remembers the devices the engine
// currently has open.
type Manager struct {
	scanner Scanner
	log     *logrus.Entry

	cached    []ipc.DeviceInfo
	activeIn  *ipc.DeviceInfo
	activeOut *ipc.DeviceInfo
}

func NewManager(scanner Scanner, log *logrus.Entry) *Manager {
	return &Manager{scanner: scanner, log: log}
}

func (m *Manager) SetActiveInput(info ipc.DeviceInfo) {
	m.log.WithFields(logrus.Fields{"device": info.Name, "host": info.Host}).Debug("Active input device set")
	m.activeIn = &info
}

func (m *Manager) SetActiveOutput(info ipc.DeviceInfo) {
	m.log.WithFields(logrus.Fields{"device": info.Name, "host": info.Host}).Debug("Active output device set")
	m.activeOut = &info
}

// ClearActive forgets the open devices once streams stop.
func (m *Manager) ClearActive() {
	m.activeIn = nil
	m.activeOut = nil
}

// Cached returns the result of the last successful Enumerate.
func (m *Manager) Cached() []ipc.DeviceInfo {
	return m.cached
}

// Enumerate scans and merges the open devices back in when the scan missed
// them. Drivers that lock a device exclusively hide it from other
// processes, including the scanner child.
func (m *Manager) Enumerate(ctx context.Context) ([]ipc.DeviceInfo, error) {
	m.log.Debug("🔍 Starting out-of-process device enumeration")
	list, err := m.scanner.Scan(ctx)
	if err != nil {
		return nil, err
	}

	m.log.WithField("count", len(list)).Debug("Device scan finished")
	list = mergeActive(list, m.activeIn, true)
	list = mergeActive(list, m.activeOut, false)

	m.cached = list
	return list, nil
}

func mergeActive(list []ipc.DeviceInfo, active *ipc.DeviceInfo, input bool) []ipc.DeviceInfo {
	if active == nil {
		return list
	}
	for _, d := range list {
		if d.Name == active.Name && d.Host == active.Host && d.IsInput == input {
			return list
		}
	}
	return append(list, *active)
}
