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

package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-plughost/internal/ipc"
	"github.com/pelletier/go-toml/v2"
)

// SavedStart is a Start command in file form. Empty and zero fields stand
// for "use the default".
type SavedStart struct {
	Host       string `toml:"host"`
	Input      string `toml:"input,omitempty"`
	Output     string `toml:"output,omitempty"`
	BufferSize uint32 `toml:"buffer_size,omitempty"`
	SampleRate uint32 `toml:"sample_rate,omitempty"`
}

// State is persisted after every successful Start.
type State struct {
	SavedAt time.Time  `toml:"saved_at"`
	Start   SavedStart `toml:"start"`
}

func FromStart(cmd ipc.Start) SavedStart {
	s := SavedStart{Host: cmd.Host}
	if cmd.Input != nil {
		s.Input = *cmd.Input
	}
	if cmd.Output != nil {
		s.Output = *cmd.Output
	}
	if cmd.BufferSize != nil {
		s.BufferSize = *cmd.BufferSize
	}
	if cmd.SampleRate != nil {
		s.SampleRate = *cmd.SampleRate
	}
	return s
}

// Command rebuilds the Start command.
func (s SavedStart) Command() *ipc.Start {
	cmd := &ipc.Start{Host: s.Host}
	if s.Input != "" {
		cmd.Input = &s.Input
	}
	if s.Output != "" {
		cmd.Output = &s.Output
	}
	if s.BufferSize != 0 {
		cmd.BufferSize = &s.BufferSize
	}
	if s.SampleRate != 0 {
		cmd.SampleRate = &s.SampleRate
	}
	return cmd
}

// LoadState reads the state file. A missing file returns an error
// satisfying errors.Is(err, os.ErrNotExist).
func LoadState(path string) (State, error) {
	var st State
	data, err := os.ReadFile(path)
	if err != nil {
		return st, err
	}
	if err := toml.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("parse state file: %w", err)
	}
	return st, nil
}

// SaveState writes the state file through a temporary file and rename.
func SaveState(path string, st State) error {
	data, err := toml.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}
