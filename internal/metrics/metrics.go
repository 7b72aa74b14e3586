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

// Package metrics exposes engine diagnostics as Prometheus gauges.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/loqalabs/loqa-plughost/internal/events"
	"github.com/loqalabs/loqa-plughost/internal/ipc"
)

var (
	activePlugins = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "loqa_plughost",
		Name:      "active_plugins",
		Help:      "Loaded plugins not pending unload",
	})

	enabledPlugins = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "loqa_plughost",
		Name:      "enabled_plugins",
		Help:      "Ordered plugins that are not bypassed",
	})

	pendingUnloads = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "loqa_plughost",
		Name:      "pending_unloads",
		Help:      "Plugins waiting for the audio thread to release them",
	})

	burnedLibraries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "loqa_plughost",
		Name:      "burned_libraries",
		Help:      "Plugin modules pinned for the life of the process",
	})

	glitches = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "loqa_plughost",
		Name:      "glitches_total",
		Help:      "Late or truncated audio callbacks since process start",
	})

	maxJitter = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "loqa_plughost",
		Name:      "max_jitter_us",
		Help:      "Largest callback lateness observed, in microseconds",
	})

	chainLatency = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "loqa_plughost",
		Name:      "chain_latency_samples",
		Help:      "Plugin plus noise reduction latency in samples",
	})

	level = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "loqa_plughost",
		Name:      "level",
		Help:      "Most recent peak level per bus and side",
	}, []string{"bus", "side"})
)

var sides = [2]string{"left", "right"}

// SetStats records a RuntimeStats snapshot.
func SetStats(s ipc.RuntimeStats) {
	activePlugins.Set(float64(s.ActivePluginCount))
	enabledPlugins.Set(float64(s.EnabledPluginCount))
	pendingUnloads.Set(float64(s.PendingUnloadCount))
	burnedLibraries.Set(float64(s.BurnedLibraryCount))
	glitches.Set(float64(s.GlitchCount))
	maxJitter.Set(float64(s.MaxJitterUS))
	chainLatency.Set(float64(s.TotalChainLatencySamples))
}

// SetLevels records a LevelMeter event.
func SetLevels(lv ipc.MeterLevels) {
	for i, side := range sides {
		level.WithLabelValues("input", side).Set(float64(lv.Input[i]))
		level.WithLabelValues("output", side).Set(float64(lv.Output[i]))
	}
}

// Collector feeds the gauges from the event bus.
type Collector struct {
	cancel []func()
}

// NewCollector subscribes to stats snapshots and meter events.
func NewCollector(bus *events.Bus) *Collector {
	c := &Collector{}
	c.cancel = append(c.cancel,
		bus.OnStats(func(ev events.StatsEvent) { SetStats(ev.Stats) }),
		bus.OnEngine(func(ev events.EngineEvent) {
			if lv, ok := ev.Message.Payload.(ipc.MeterLevels); ok && ev.Message.Type == ipc.TypeLevelMeter {
				SetLevels(lv)
			}
		}),
	)
	return c
}

// Close unsubscribes from the bus.
func (c *Collector) Close() {
	for _, cancel := range c.cancel {
		cancel()
	}
	c.cancel = nil
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, log *logrus.Entry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.WithField("addr", addr).Info("📈 Metrics listener started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
