// Licensed to Apache Software Foundation (ASF) under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Apache Software Foundation (ASF) licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

// Package observability exposes queue and cluster state as prometheus
// metrics over HTTP.
package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/apache/flowqueue/flowd/cluster"
	"github.com/apache/flowqueue/flowd/queue"
	"github.com/apache/flowqueue/pkg/logger"
	"github.com/apache/flowqueue/pkg/meter"
	"github.com/apache/flowqueue/pkg/meter/prom"
	"github.com/apache/flowqueue/pkg/run"
)

const (
	moduleName = "observability"

	scrapeInterval = 10 * time.Second
)

// Service serves /metrics and periodically samples queue and cluster gauges.
type Service struct {
	registry    *queue.Registry
	coordinator *cluster.StandardCoordinator
	monitor     *cluster.Monitor
	l           *logger.Logger
	server      *http.Server
	promReg     *prometheus.Registry
	closer      *run.Closer
	stopCh      chan struct{}
	metrics     *metrics
	listenAddr  string
}

var (
	_ run.Config    = (*Service)(nil)
	_ run.PreRunner = (*Service)(nil)
	_ run.Service   = (*Service)(nil)
)

// NewService creates the metrics service.
func NewService(registry *queue.Registry, coordinator *cluster.StandardCoordinator, monitor *cluster.Monitor) *Service {
	return &Service{
		registry:    registry,
		coordinator: coordinator,
		monitor:     monitor,
		listenAddr:  ":2121",
		closer:      run.NewCloser(1),
		stopCh:      make(chan struct{}),
		l:           logger.GetLogger(moduleName),
	}
}

// Name implements run.Unit.
func (s *Service) Name() string { return moduleName }

// FlagSet implements run.Config.
func (s *Service) FlagSet() *run.FlagSet {
	fs := run.NewFlagSet("observability")
	fs.StringVar(&s.listenAddr, "observability-listener-addr", s.listenAddr, "listen address of the metrics endpoint")
	return fs
}

// Validate implements run.Config.
func (s *Service) Validate() error {
	if s.listenAddr == "" {
		return errors.New("observability-listener-addr must not be empty")
	}
	return nil
}

// PreRun implements run.PreRunner.
func (s *Service) PreRun(_ context.Context) error {
	s.promReg = prometheus.NewRegistry()
	s.metrics = newMetrics(prom.NewProvider(meter.NewHierarchicalScope("flowqueue", "_"), s.promReg))
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	s.server = &http.Server{
		Addr:              s.listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 3 * time.Second,
	}
	return nil
}

// Serve implements run.Service.
func (s *Service) Serve() run.StopNotify {
	go func() {
		defer close(s.stopCh)
		s.l.Info().Str("addr", s.listenAddr).Msg("serving metrics")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.l.Error().Err(err).Msg("metrics server failed")
		}
	}()
	go s.sampleLoop()
	return s.stopCh
}

// GracefulStop implements run.Service.
func (s *Service) GracefulStop() {
	s.closer.CloseThenWait()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.l.Warn().Err(err).Msg("metrics server shutdown")
	}
}

func (s *Service) sampleLoop() {
	defer s.closer.Done()
	ticker := time.NewTicker(scrapeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closer.CloseNotify():
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *Service) sample() {
	for _, q := range s.registry.Queues() {
		// Queue totals span every partition, local and remote-buffered.
		// The swap and in-flight detail only exists locally.
		total := q.Size()
		detail := q.LocalQueue().FlowFileQueueSize()
		s.metrics.queuedObjects.Set(float64(total.ObjectCount), q.ID())
		s.metrics.queuedBytes.Set(float64(total.ByteCount), q.ID())
		s.metrics.swappedObjects.Set(float64(detail.Swapped.ObjectCount), q.ID())
		s.metrics.inFlightObjects.Set(float64(detail.InFlight.ObjectCount), q.ID())
		s.metrics.swapFiles.Set(float64(detail.SwapFiles), q.ID())
	}
	s.metrics.connectedNodes.Set(float64(len(s.coordinator.ConnectedNodes())))
	s.metrics.trackedHeartbeats.Set(float64(s.monitor.HeartbeatCount()))
}

type metrics struct {
	queuedObjects     meter.Gauge
	queuedBytes       meter.Gauge
	swappedObjects    meter.Gauge
	inFlightObjects   meter.Gauge
	swapFiles         meter.Gauge
	connectedNodes    meter.Gauge
	trackedHeartbeats meter.Gauge
}

func newMetrics(provider meter.Provider) *metrics {
	return &metrics{
		queuedObjects:     provider.Gauge("queued_objects", "queue"),
		queuedBytes:       provider.Gauge("queued_bytes", "queue"),
		swappedObjects:    provider.Gauge("swapped_objects", "queue"),
		inFlightObjects:   provider.Gauge("in_flight_objects", "queue"),
		swapFiles:         provider.Gauge("swap_files", "queue"),
		connectedNodes:    provider.Gauge("connected_nodes"),
		trackedHeartbeats: provider.Gauge("tracked_heartbeats"),
	}
}
