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

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-plughost/internal/audio"
	"github.com/loqalabs/loqa-plughost/internal/config"
	"github.com/loqalabs/loqa-plughost/internal/devices"
	"github.com/loqalabs/loqa-plughost/internal/engine"
	"github.com/loqalabs/loqa-plughost/internal/events"
	"github.com/loqalabs/loqa-plughost/internal/ipc"
	"github.com/loqalabs/loqa-plughost/internal/logging"
	"github.com/loqalabs/loqa-plughost/internal/metrics"
	natsmirror "github.com/loqalabs/loqa-plughost/internal/nats"
	"github.com/loqalabs/loqa-plughost/internal/plugin"
	"github.com/loqalabs/loqa-plughost/internal/supervisor"
	"github.com/loqalabs/loqa-plughost/internal/sysprio"
)

const defaultConfigFile = "plughost.toml"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	var scan bool

	root := &cobra.Command{
		Use:   "loqa-plughost",
		Short: "Audio plugin host engine",
		Long: `Hosts an audio plugin chain between an input and an output device. ` +
			`Commands are read as JSON lines on stdin; responses and events are written to stdout prefixed with "IPC:".`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, configPath)
			if err != nil {
				return err
			}

			backend := audio.NewPortAudioBackend()
			if err := backend.Initialize(); err != nil {
				logging.For("main").WithError(err).Error("❌ Failed to initialize audio")
				return err
			}
			defer backend.Terminate()

			if scan {
				return writeScan(cmd.OutOrStdout(), backend)
			}

			a := &app{
				cfg:     cfg,
				backend: backend,
				scanner: devices.NewProcessScanner(logging.For("devices")),
				in:      cmd.InOrStdin(),
				out:     cmd.OutOrStdout(),
			}
			return a.run(cmd.Context())
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigFile, "path to configuration file")
	config.RegisterFlags(root.PersistentFlags())
	root.Flags().BoolVar(&scan, "scan", false, "print the device list as JSON and exit")

	root.AddCommand(newCtlCmd(&configPath))
	return root
}

func loadConfig(cmd *cobra.Command, path string) (config.Config, error) {
	cfg, err := config.Load(path, cmd.Flags())
	if err != nil {
		return cfg, err
	}
	logging.Setup(cfg.Logging)
	return cfg, nil
}

// writeScan prints the device list as one JSON array.
func writeScan(w io.Writer, backend audio.AudioBackend) error {
	list := devices.Scan(backend, logging.For("devices"))
	return json.NewEncoder(w).Encode(list)
}

func engineConfig(c config.EngineConfig) engine.Config {
	cfg := engine.DefaultConfig()
	if c.TickMS > 0 {
		cfg.TickInterval = c.TickInterval()
	}
	if c.MeterIntervalMS > 0 {
		cfg.MeterInterval = c.MeterInterval()
	}
	if c.MeterSilenceMS > 0 {
		cfg.MeterSilence = c.MeterSilence()
	}
	if c.MaxBlock > 0 {
		cfg.MaxBlock = c.MaxBlock
	}
	return cfg
}

// app is one engine process: stdin commands in, IPC lines out.
type app struct {
	cfg     config.Config
	backend audio.AudioBackend
	scanner devices.Scanner
	in      io.Reader
	out     io.Writer

	// connectNATS is replaced in tests.
	connectNATS func(ctx context.Context, url string, log *logrus.Entry) (natsmirror.Connection, error)
}

func (a *app) run(ctx context.Context) error {
	log := logging.For("main")
	cfg := a.cfg

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sysprio.Apply(sysprio.Options{
		PerfTweaks:       cfg.System.PerfTweaks,
		RealtimePriority: cfg.System.RealtimePriority,
	}, logging.For("sysprio"))

	pluginLog := logging.For("plugins")
	blacklist := plugin.OpenBlacklist(cfg.Plugins.BlacklistFile, pluginLog)
	registry := plugin.NewRegistry(blacklist, pluginLog)
	registry.SetSearchPaths(cfg.Plugins.SearchPaths)

	policy, err := plugin.LoadPolicy(cfg.Plugins.CompatFile)
	if err != nil {
		log.WithError(err).Warn("⚠️ Invalid compatibility table, using built-in rules")
		policy = plugin.DefaultPolicy()
	}
	plugins := plugin.NewManager(registry, policy, pluginLog)
	defer plugins.Close()

	if cfg.Plugins.CompatFile != "" {
		watcher := config.NewWatcher(cfg.Plugins.CompatFile, plugin.LoadPolicy, logging.For("config"))
		watcher.OnReload(plugins.SetPolicy)
		if err := watcher.Start(); err != nil {
			log.WithError(err).Warn("⚠️ Compatibility table will not be reloaded")
		} else {
			defer watcher.Stop()
		}
	}

	bus := events.New()
	collector := metrics.NewCollector(bus)
	defer collector.Close()

	if cfg.Metrics.Listen != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Listen, logging.For("metrics")); err != nil {
				log.WithError(err).Error("❌ Metrics listener failed")
			}
		}()
	}

	writer := ipc.NewWriter(a.out, logging.For("ipc"))
	devs := devices.NewManager(a.scanner, logging.For("devices"))
	eng := engine.New(engineConfig(cfg.Engine), a.backend, plugins, devs, writer, bus, logging.For("engine"))

	requests := make(chan engine.Request)

	if cfg.NATS.Enabled {
		if mirror := a.startMirror(ctx, bus, requests); mirror != nil {
			defer mirror.Close()
		}
	}

	commands := make(chan ipc.Command)
	go func() {
		if err := ipc.ReadCommands(ctx, a.in, commands, logging.For("ipc")); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Error("❌ Failed to read commands")
		}
	}()
	go func() {
		defer cancel()
		for cmd := range commands {
			select {
			case requests <- engine.Request{Command: cmd}:
			case <-ctx.Done():
				return
			}
		}
	}()

	log.Info("🎛️ Plugin host ready")
	return eng.Run(ctx, requests)
}

func (a *app) startMirror(ctx context.Context, bus *events.Bus, requests chan<- engine.Request) *natsmirror.Mirror {
	log := logging.For("nats")

	connect := a.connectNATS
	if connect == nil {
		connect = func(ctx context.Context, url string, log *logrus.Entry) (natsmirror.Connection, error) {
			return natsmirror.Connect(ctx, url, log)
		}
	}
	conn, err := connect(ctx, a.cfg.NATS.URL, log)
	if err != nil {
		log.WithError(err).Warn("⚠️ NATS mirror disabled")
		return nil
	}

	mirror := natsmirror.NewMirror(conn, a.cfg.NATS.SubjectPrefix, controlSink(ctx, requests), log)
	if err := mirror.Start(bus); err != nil {
		log.WithError(err).Warn("⚠️ NATS mirror disabled")
		mirror.Close()
		return nil
	}
	return mirror
}

// controlSink runs a command on the control loop and waits for its response.
func controlSink(loopCtx context.Context, requests chan<- engine.Request) natsmirror.CommandSink {
	return func(ctx context.Context, cmd ipc.Command) (ipc.Message, error) {
		reply := make(chan ipc.Message, 1)
		select {
		case requests <- engine.Request{Command: cmd, Reply: reply}:
		case <-ctx.Done():
			return ipc.Message{}, ctx.Err()
		case <-loopCtx.Done():
			return ipc.Message{}, loopCtx.Err()
		}

		select {
		case msg := <-reply:
			return msg, nil
		case <-ctx.Done():
			return ipc.Message{}, ctx.Err()
		}
	}
}

func newCtlCmd(configPath *string) *cobra.Command {
	var warmup bool

	cmd := &cobra.Command{
		Use:   "ctl <json-command>",
		Short: "Spawn an engine, send it one command and print the response",
		Example: `  loqa-plughost ctl '{"type":"GetDevices"}'
  loqa-plughost ctl --warmup '{"type":"GetRuntimeStats"}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, *configPath)
			if err != nil {
				return err
			}
			command, err := ipc.DecodeCommand([]byte(args[0]))
			if err != nil {
				return fmt.Errorf("invalid command: %w", err)
			}

			exe, err := os.Executable()
			if err != nil {
				return err
			}
			spawn := supervisor.ExecSpawner(exe, "--config", *configPath)
			return runCtl(cmd.Context(), spawn, cfg, command, warmup, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&warmup, "warmup", false, "replay the last successful Start before the command")
	return cmd
}

func runCtl(ctx context.Context, spawn supervisor.Spawner, cfg config.Config, command ipc.Command, warmup bool, out io.Writer) error {
	log := logging.For("ctl")

	client := supervisor.NewClient(spawn, supervisor.Options{
		ResponseTimeout: cfg.Supervisor.ResponseTimeout(),
		StateFile:       cfg.Supervisor.StateFile,
		OnEvent: func(m ipc.RawMessage) {
			log.WithField("type", m.Type).Debug("Engine event")
		},
	}, log)
	if err := client.Start(ctx); err != nil {
		return err
	}
	defer client.Close()

	if warmup {
		msg, ok, err := client.Warmup(ctx)
		switch {
		case err != nil:
			return fmt.Errorf("warmup: %w", err)
		case ok && msg.Type == ipc.TypeError:
			log.WithField("error", msg.Text()).Warn("⚠️ Warmup start failed")
		}
	}

	msg, err := client.Send(ctx, command)
	if err != nil && msg.Type == "" {
		return err
	}
	if encErr := json.NewEncoder(out).Encode(msg); encErr != nil {
		return encErr
	}
	if err != nil {
		return err
	}
	if msg.Type == ipc.TypeError {
		return errors.New(msg.Text())
	}
	return nil
}
