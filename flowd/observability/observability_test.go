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

package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apache/flowqueue/flowd/cluster"
	"github.com/apache/flowqueue/flowd/queue"
	"github.com/apache/flowqueue/flowd/swap"
	"github.com/apache/flowqueue/pkg/flowfile"
)

func newTestService(t *testing.T) (*Service, *queue.Registry) {
	manager := swap.NewFileSystemSwapManager(swap.NewMemoryRepository(), t.TempDir())
	registry := queue.NewRegistry(manager, nil)
	coordinator := cluster.NewStandardCoordinator()
	monitor := cluster.NewMonitor(coordinator)
	s := NewService(registry, coordinator, monitor)
	require.NoError(t, s.PreRun(context.Background()))
	return s, registry
}

func gaugeValue(t *testing.T, s *Service, name string, labelValue string) float64 {
	families, err := s.promReg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, m := range family.GetMetric() {
			if labelValue == "" {
				return m.GetGauge().GetValue()
			}
			for _, label := range m.GetLabel() {
				if label.GetValue() == labelValue {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestSamplePublishesQueueGauges(t *testing.T) {
	s, registry := newTestService(t)
	q, err := registry.CreateQueue("orders")
	require.NoError(t, err)
	records := []*flowfile.Record{
		flowfile.New(nil, 10),
		flowfile.New(nil, 20),
		flowfile.New(nil, 30),
	}
	require.NoError(t, q.LocalQueue().PutAll(records))

	s.sample()

	assert.Equal(t, float64(3), gaugeValue(t, s, "flowqueue_queued_objects", "orders"))
	assert.Equal(t, float64(60), gaugeValue(t, s, "flowqueue_queued_bytes", "orders"))
	assert.Equal(t, float64(0), gaugeValue(t, s, "flowqueue_in_flight_objects", "orders"))
	assert.Equal(t, float64(0), gaugeValue(t, s, "flowqueue_connected_nodes", ""))
}

func TestSampleTracksInFlight(t *testing.T) {
	s, registry := newTestService(t)
	q, err := registry.CreateQueue("orders")
	require.NoError(t, err)
	require.NoError(t, q.LocalQueue().Put(flowfile.New(nil, 10)))
	polled := q.Poll(nil, queue.UnpenalizedFlowFiles)
	require.NotNil(t, polled)

	s.sample()
	assert.Equal(t, float64(1), gaugeValue(t, s, "flowqueue_in_flight_objects", "orders"))

	q.Acknowledge(polled)
	s.sample()
	assert.Equal(t, float64(0), gaugeValue(t, s, "flowqueue_in_flight_objects", "orders"))
}

// gatedSender blocks deliveries until released, pinning records in the
// remote partition buffers.
type gatedSender struct {
	release chan struct{}
}

func (s *gatedSender) Send(_ context.Context, _, _ string, _ []*flowfile.Record) error {
	<-s.release
	return nil
}

func TestSampleIncludesRemoteBufferedRecords(t *testing.T) {
	manager := swap.NewFileSystemSwapManager(swap.NewMemoryRepository(), t.TempDir())
	gate := &gatedSender{release: make(chan struct{})}
	registry := queue.NewRegistry(manager, gate)
	coordinator := cluster.NewStandardCoordinator()
	monitor := cluster.NewMonitor(coordinator)
	s := NewService(registry, coordinator, monitor)
	require.NoError(t, s.PreRun(context.Background()))

	q, err := registry.CreateQueue("orders")
	require.NoError(t, err)
	t.Cleanup(func() {
		close(gate.release)
		_ = q.Close()
	})
	require.NoError(t, q.SetNodes([]queue.NodeInfo{{ID: "node-2", Address: "10.0.0.2:8080"}}))
	require.NoError(t, q.SetPartitioner(queue.SingleNodePartitioner{NodeID: "node-2"}))
	require.NoError(t, q.Put(flowfile.New(nil, 10)))
	require.NoError(t, q.Put(flowfile.New(nil, 20)))

	s.sample()

	// Records buffered for a peer count toward the queue totals even though
	// the local partition holds nothing.
	assert.Equal(t, float64(2), gaugeValue(t, s, "flowqueue_queued_objects", "orders"))
	assert.Equal(t, float64(30), gaugeValue(t, s, "flowqueue_queued_bytes", "orders"))
	assert.True(t, q.LocalQueue().IsEmpty())
}

func TestServeAndGracefulStop(t *testing.T) {
	s, _ := newTestService(t)
	s.listenAddr = "127.0.0.1:0"
	require.NoError(t, s.PreRun(context.Background()))

	stopped := s.Serve()
	s.GracefulStop()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("metrics server did not stop")
	}
}
