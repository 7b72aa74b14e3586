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

package ipc

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// maxLineBytes bounds a single command line (large plugin states are base64)
const maxLineBytes = 16 << 20

// Writer serialises protocol lines onto the engine's stdout. It is safe
// for concurrent use.
type Writer struct {
	mu  sync.Mutex
	out io.Writer
	log *logrus.Entry
}

func NewWriter(out io.Writer, log *logrus.Entry) *Writer {
	return &Writer{out: out, log: log}
}

// Respond writes a Response line.
func (w *Writer) Respond(m Message) error {
	return w.write(KindResponse, m)
}

// Emit writes an Event line.
func (w *Writer) Emit(m Message) error {
	return w.write(KindEvent, m)
}

func (w *Writer) write(kind string, m Message) error {
	line, err := Marshal(kind, m)
	if err != nil {
		w.log.WithError(err).WithField("type", m.Type).Error("❌ Failed to encode IPC message")
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.out.Write(line); err != nil {
		return fmt.Errorf("write %s: %w", kind, err)
	}
	return nil
}

// ReadCommands decodes one command per line from r and forwards it to out
// until r is exhausted or ctx is cancelled. Blank lines are skipped and
// malformed or oversized lines are logged and dropped. out is closed on return.
func ReadCommands(ctx context.Context, r io.Reader, out chan<- Command, log *logrus.Entry) error {
	return readCommands(ctx, r, out, log, maxLineBytes)
}

func readCommands(ctx context.Context, r io.Reader, out chan<- Command, log *logrus.Entry, limit int) error {
	defer close(out)

	br := bufio.NewReaderSize(r, 64*1024)
	for {
		raw, size, err := readLine(br, limit)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if size > limit {
			log.WithFields(logrus.Fields{"bytes": size, "limit": limit}).Error("❌ Command line too long, skipped")
			continue
		}

		line := bytes.TrimSpace(raw)
		if len(line) == 0 {
			continue
		}

		cmd, err := DecodeCommand(line)
		if err != nil {
			log.WithError(err).Error("❌ JSON parse error")
			continue
		}

		select {
		case out <- cmd:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// readLine returns the next line without its terminator and the line's
// full length. Bytes beyond limit are read and discarded, so an oversized
// line is returned truncated with size > limit. A final unterminated line
// is returned before io.EOF.
func readLine(br *bufio.Reader, limit int) ([]byte, int, error) {
	var line []byte
	size := 0
	for {
		chunk, err := br.ReadSlice('\n')
		size += len(chunk)
		if len(line) <= limit {
			line = append(line, chunk...)
		}
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case err == nil:
			size--
			return bytes.TrimSuffix(line, []byte{'\n'}), size, nil
		case errors.Is(err, io.EOF) && size > 0:
			return line, size, nil
		default:
			return nil, 0, err
		}
	}
}
