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

// Package logging configures the process-wide logrus logger.
//
// Stdout is reserved for IPC framing, so every logger writes to stderr.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Config holds logging configuration
type Config struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

var root = newRoot(os.Stderr)

func newRoot(w io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l
}

// Setup applies level and format to the root logger.
func Setup(cfg Config) {
	root.SetLevel(ParseLevel(cfg.Level))
	if strings.EqualFold(cfg.Format, "json") {
		root.SetFormatter(&logrus.JSONFormatter{})
	} else {
		root.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// SetOutput redirects the root logger. Used by tests.
func SetOutput(w io.Writer) {
	root.SetOutput(w)
}

// ParseLevel converts a level string, defaulting to info.
func ParseLevel(level string) logrus.Level {
	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// For returns a logger tagged with the component name.
func For(component string) *logrus.Entry {
	return root.WithField("component", component)
}

// Root exposes the underlying logger.
func Root() *logrus.Logger {
	return root
}
