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

// Package supervisor drives an engine child process over its stdin/stdout
// protocol from the controlling side.
package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/loqalabs/loqa-plughost/internal/ipc"
	"github.com/sirupsen/logrus"
)

const (
	DefaultResponseTimeout = 10 * time.Second

	// CrashedMessage is the Error text handed to a request whose engine died.
	CrashedMessage = "Engine Crashed/Exited"

	closeGrace   = 2 * time.Second
	maxLineBytes = 16 << 20
)

var (
	ErrTimeout       = errors.New("engine response timed out")
	ErrEngineCrashed = errors.New("engine crashed or exited")
	ErrNotRunning    = errors.New("engine is not running")
)

type Options struct {
	ResponseTimeout time.Duration
	// StateFile receives the last successful Start. Empty disables it.
	StateFile string
	// OnEvent is called from the reader goroutine for every engine event.
	OnEvent func(ipc.RawMessage)
}

// Client owns one engine process at a time. Requests are serialised: the
// protocol has no correlation ids, so only one may be in flight.
type Client struct {
	spawn Spawner
	opts  Options
	log   *logrus.Entry

	reqMu sync.Mutex

	mu       sync.Mutex
	proc     Process
	exited   chan struct{}
	inflight chan ipc.RawMessage
	// owed counts responses still due for abandoned requests; they are
	// discarded so a late reply never answers the next request.
	owed int
}

func NewClient(spawn Spawner, opts Options, log *logrus.Entry) *Client {
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = DefaultResponseTimeout
	}
	return &Client{spawn: spawn, opts: opts, log: log}
}

// Start spawns the engine if it is not already running.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proc != nil {
		return nil
	}

	proc, err := c.spawn(ctx)
	if err != nil {
		return fmt.Errorf("spawn engine: %w", err)
	}
	exited := make(chan struct{})
	c.proc = proc
	c.exited = exited
	c.owed = 0
	go c.readLoop(proc, exited)

	c.log.Info("🚀 Engine process started")
	return nil
}

func (c *Client) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proc != nil
}

// Send writes cmd and waits for its response. When the engine dies first
// the returned message is Error(CrashedMessage) together with
// ErrEngineCrashed.
func (c *Client) Send(ctx context.Context, cmd ipc.Command) (ipc.RawMessage, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	line, err := ipc.EncodeCommand(cmd)
	if err != nil {
		return ipc.RawMessage{}, fmt.Errorf("encode %s: %w", cmd.CommandType(), err)
	}
	line = append(line, '\n')

	c.mu.Lock()
	proc, exited := c.proc, c.exited
	if proc == nil {
		c.mu.Unlock()
		return ipc.RawMessage{}, ErrNotRunning
	}
	reply := make(chan ipc.RawMessage, 1)
	c.inflight = reply
	c.mu.Unlock()
	defer c.clearInflight(reply)

	if _, err := proc.Stdin().Write(line); err != nil {
		return crashed(), fmt.Errorf("%w: %v", ErrEngineCrashed, err)
	}

	timer := time.NewTimer(c.opts.ResponseTimeout)
	defer timer.Stop()

	select {
	case msg := <-reply:
		c.afterResponse(cmd, msg)
		return msg, nil
	case <-exited:
		select {
		case msg := <-reply:
			return msg, nil
		default:
		}
		return crashed(), ErrEngineCrashed
	case <-timer.C:
		c.log.WithField("type", cmd.CommandType()).Warn("⏱️ Engine response timed out")
		if msg, ok := c.abandon(reply); ok {
			c.afterResponse(cmd, msg)
			return msg, nil
		}
		return ipc.RawMessage{}, ErrTimeout
	case <-ctx.Done():
		if msg, ok := c.abandon(reply); ok {
			c.afterResponse(cmd, msg)
			return msg, nil
		}
		return ipc.RawMessage{}, ctx.Err()
	}
}

// Restart stops the current engine, if any, and spawns a fresh one.
func (c *Client) Restart(ctx context.Context) error {
	if err := c.Close(); err != nil {
		c.log.WithError(err).Warn("⚠️ Error stopping engine before restart")
	}
	return c.Start(ctx)
}

// Warmup replays the last successful Start. ok is false when there is no
// saved state to replay.
func (c *Client) Warmup(ctx context.Context) (msg ipc.RawMessage, ok bool, err error) {
	if c.opts.StateFile == "" {
		return ipc.RawMessage{}, false, nil
	}
	st, err := LoadState(c.opts.StateFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ipc.RawMessage{}, false, nil
		}
		return ipc.RawMessage{}, false, err
	}

	c.log.WithFields(logrus.Fields{
		"host":     st.Start.Host,
		"saved_at": st.SavedAt,
	}).Info("♻️ Replaying last audio configuration")

	msg, err = c.Send(ctx, st.Start.Command())
	return msg, true, err
}

// Close ends the engine by closing its stdin, killing it if it has not
// exited within a short grace period.
func (c *Client) Close() error {
	c.mu.Lock()
	proc, exited := c.proc, c.exited
	c.proc = nil
	c.mu.Unlock()
	if proc == nil {
		return nil
	}

	err := proc.Stdin().Close()
	select {
	case <-exited:
	case <-time.After(closeGrace):
		c.log.Warn("⚠️ Engine did not exit, killing it")
		if kerr := proc.Kill(); kerr != nil {
			return kerr
		}
		<-exited
	}
	return err
}

func (c *Client) afterResponse(cmd ipc.Command, msg ipc.RawMessage) {
	if msg.Type != ipc.TypeStarted || c.opts.StateFile == "" {
		return
	}
	var start ipc.Start
	switch v := cmd.(type) {
	case ipc.Start:
		start = v
	case *ipc.Start:
		start = *v
	default:
		return
	}
	st := State{SavedAt: time.Now(), Start: FromStart(start)}
	if err := SaveState(c.opts.StateFile, st); err != nil {
		c.log.WithError(err).Warn("⚠️ Failed to persist audio configuration")
	}
}

// abandon gives up on reply. If the response was already handed over it is
// returned instead; otherwise the response is marked as owed.
func (c *Client) abandon(reply chan ipc.RawMessage) (ipc.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight == reply {
		c.inflight = nil
		c.owed++
		return ipc.RawMessage{}, false
	}
	select {
	case msg := <-reply:
		return msg, true
	default:
		return ipc.RawMessage{}, false
	}
}

func (c *Client) clearInflight(reply chan ipc.RawMessage) {
	c.mu.Lock()
	if c.inflight == reply {
		c.inflight = nil
	}
	c.mu.Unlock()
}

func (c *Client) readLoop(proc Process, exited chan struct{}) {
	scanner := bufio.NewScanner(proc.Stdout())
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Text()
		out, ok, err := ipc.ParseOutput(line)
		switch {
		case !ok:
			if line != "" {
				c.log.WithField("line", line).Info("🔌 Plugin output")
			}
		case err != nil:
			c.log.WithError(err).Warn("⚠️ Malformed IPC line from engine")
		case out.Kind == ipc.KindResponse:
			c.deliver(out.Data)
		case out.Kind == ipc.KindEvent:
			if c.opts.OnEvent != nil {
				c.opts.OnEvent(out.Data)
			}
		default:
			c.log.WithField("kind", out.Kind).Warn("⚠️ Unknown IPC kind")
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		c.log.WithError(err).Warn("⚠️ Engine stdout read failed")
	}

	c.mu.Lock()
	if c.proc == proc {
		c.proc = nil
	}
	c.mu.Unlock()
	close(exited)

	if err := proc.Wait(); err != nil {
		c.log.WithError(err).Error("💥 " + CrashedMessage)
	} else {
		c.log.Info("Engine exited")
	}
}

func (c *Client) deliver(msg ipc.RawMessage) {
	c.mu.Lock()
	if c.owed > 0 {
		c.owed--
		c.mu.Unlock()
		c.log.WithField("type", msg.Type).Warn("⚠️ Dropping late response to an abandoned request")
		return
	}
	reply := c.inflight
	c.inflight = nil
	c.mu.Unlock()

	if reply == nil {
		c.log.WithField("type", msg.Type).Warn("⚠️ Dropping response with no pending request")
		return
	}
	reply <- msg
}

func crashed() ipc.RawMessage {
	payload, _ := json.Marshal(CrashedMessage)
	return ipc.RawMessage{Type: ipc.TypeError, Payload: payload}
}
