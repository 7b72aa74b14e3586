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

// Package nats mirrors engine events onto a NATS subject tree and accepts
// remote commands for the control loop.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/loqalabs/loqa-plughost/internal/events"
	"github.com/loqalabs/loqa-plughost/internal/ipc"
)

const (
	connectAttempts = 5
	connectDelay    = 2 * time.Second

	// DefaultCommandTimeout bounds how long a remote command may wait for
	// the control loop.
	DefaultCommandTimeout = 10 * time.Second
)

// Connection interface for dependency injection
type Connection interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
	Close()
}

// ConnectionAdapter adapts *nats.Conn to the Connection interface
type ConnectionAdapter struct {
	conn *nats.Conn
}

func NewConnectionAdapter(conn *nats.Conn) *ConnectionAdapter {
	return &ConnectionAdapter{conn: conn}
}

func (a *ConnectionAdapter) Publish(subject string, data []byte) error {
	return a.conn.Publish(subject, data)
}

func (a *ConnectionAdapter) Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error) {
	return a.conn.Subscribe(subject, cb)
}

func (a *ConnectionAdapter) Close() {
	a.conn.Close()
}

// Connect dials the server, retrying a few times before giving up.
func Connect(ctx context.Context, url string, log *logrus.Entry) (*ConnectionAdapter, error) {
	var nc *nats.Conn
	var err error

	for i := 0; i < connectAttempts; i++ {
		nc, err = nats.Connect(url, nats.Name("loqa-plughost"))
		if err == nil {
			break
		}
		log.WithError(err).Warnf("⚠️ Failed to connect to NATS (attempt %d/%d)", i+1, connectAttempts)
		if i == connectAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(connectDelay):
		}
	}

	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS after %d attempts: %w", connectAttempts, err)
	}

	log.WithField("url", url).Info("✅ Connected to NATS")
	return NewConnectionAdapter(nc), nil
}

// CommandSink executes a command on the control loop and returns its response.
type CommandSink func(ctx context.Context, cmd ipc.Command) (ipc.Message, error)

// Mirror publishes engine events as JSON to <prefix>.events.<type>, stats
// snapshots to <prefix>.stats, and serves <prefix>.commands requests.
type Mirror struct {
	conn    Connection
	prefix  string
	sink    CommandSink
	timeout time.Duration
	log     *logrus.Entry

	mu     sync.Mutex
	cancel []func()
}

// NewMirror creates a mirror over an existing connection. sink may be nil,
// in which case remote commands are not accepted.
func NewMirror(conn Connection, prefix string, sink CommandSink, log *logrus.Entry) *Mirror {
	if prefix == "" {
		prefix = "loqa.plughost"
	}
	return &Mirror{
		conn:    conn,
		prefix:  prefix,
		sink:    sink,
		timeout: DefaultCommandTimeout,
		log:     log,
	}
}

func (m *Mirror) CommandSubject() string { return m.prefix + ".commands" }

func (m *Mirror) StatsSubject() string { return m.prefix + ".stats" }

// EventSubject returns the subject an event of the given type goes to.
func (m *Mirror) EventSubject(eventType string) string {
	return m.prefix + ".events." + eventType
}

// Start subscribes to the bus and, when a sink is set, to the command subject.
func (m *Mirror) Start(bus *events.Bus) error {
	if m.sink != nil {
		if _, err := m.conn.Subscribe(m.CommandSubject(), m.handleCommand); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", m.CommandSubject(), err)
		}
	}

	m.mu.Lock()
	m.cancel = append(m.cancel,
		bus.OnEngine(m.publishEvent),
		bus.OnStats(m.publishStats),
	)
	m.mu.Unlock()

	m.log.WithField("prefix", m.prefix).Info("📡 Mirroring engine events to NATS")
	return nil
}

func (m *Mirror) publishEvent(ev events.EngineEvent) {
	m.publish(m.EventSubject(ev.Message.Type), ev.Message)
}

func (m *Mirror) publishStats(ev events.StatsEvent) {
	m.publish(m.StatsSubject(), ev.Stats)
}

func (m *Mirror) publish(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		m.log.WithError(err).Error("❌ Failed to encode NATS payload")
		return
	}
	if err := m.conn.Publish(subject, data); err != nil {
		m.log.WithError(err).WithField("subject", subject).Debug("NATS publish failed")
	}
}

// handleCommand decodes a remote command, runs it and replies when the
// request carries a reply subject.
func (m *Mirror) handleCommand(msg *nats.Msg) {
	var resp ipc.Message

	cmd, err := ipc.DecodeCommand(msg.Data)
	if err != nil {
		m.log.WithError(err).Warn("⚠️ Rejected remote command")
		resp = ipc.Error(err.Error())
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		resp, err = m.sink(ctx, cmd)
		cancel()
		if err != nil {
			resp = ipc.Error(err.Error())
		}
		m.log.WithField("command", cmd.CommandType()).Debug("📥 Remote command handled")
	}

	if msg.Reply != "" {
		m.publish(msg.Reply, resp)
	}
}

// Close stops mirroring and closes the connection.
func (m *Mirror) Close() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	for _, c := range cancel {
		c()
	}
	if m.conn != nil {
		m.conn.Close()
		m.log.Info("🔌 NATS connection closed")
	}
}
