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

package cluster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apache/flowqueue/pkg/timestamp"
)

func newTestMonitor(t *testing.T) (*Monitor, *StandardCoordinator, timestamp.MockClock) {
	t.Helper()
	mock := timestamp.NewMockClock()
	coordinator := NewStandardCoordinator()
	coordinator.SetClock(mock)
	monitor := NewMonitor(coordinator)
	monitor.SetClock(mock)
	return monitor, coordinator, mock
}

func heartbeatFrom(nodeID string, mock timestamp.MockClock, state NodeConnectionState) *NodeHeartbeat {
	return &NodeHeartbeat{
		NodeID:          nodeID,
		Address:         "10.0.0.1:6342",
		ConnectionState: state,
		Timestamp:       mock.Now(),
	}
}

func nodeState(t *testing.T, c *StandardCoordinator, nodeID string) NodeConnectionStatus {
	t.Helper()
	status, ok := c.ConnectionStatus(nodeID)
	require.True(t, ok)
	return status
}

func TestFirstHeartbeatCompletesConnection(t *testing.T) {
	monitor, coordinator, mock := newTestMonitor(t)
	var topology [][]Node
	coordinator.OnTopologyChange(func(nodes []Node) { topology = append(topology, nodes) })

	coordinator.AddNode(Node{ID: "node-1", Address: "10.0.0.1:6342"})
	assert.Equal(t, Connecting, nodeState(t, coordinator, "node-1").State)

	mock.Add(time.Second)
	monitor.ProcessHeartbeat(heartbeatFrom("node-1", mock, Connected))

	assert.Equal(t, Connected, nodeState(t, coordinator, "node-1").State)
	require.Len(t, topology, 1)
	require.Len(t, topology[0], 1)
	assert.Equal(t, "node-1", topology[0][0].ID)
	_, ok := monitor.LatestHeartbeat("node-1")
	assert.True(t, ok)
}

func TestStaleHeartbeatDoesNotCompleteConnection(t *testing.T) {
	monitor, coordinator, mock := newTestMonitor(t)
	mock.Add(time.Minute)
	coordinator.AddNode(Node{ID: "node-1", Address: "10.0.0.1:6342"})

	stale := heartbeatFrom("node-1", mock, Connected)
	stale.Timestamp = mock.Now().Add(-30 * time.Second)
	monitor.ProcessHeartbeat(stale)

	assert.Equal(t, Connecting, nodeState(t, coordinator, "node-1").State)
	_, ok := monitor.LatestHeartbeat("node-1")
	assert.False(t, ok)
}

func connectNode(t *testing.T, monitor *Monitor, coordinator *StandardCoordinator, mock timestamp.MockClock, nodeID string) {
	t.Helper()
	coordinator.AddNode(Node{ID: nodeID, Address: "10.0.0.1:6342"})
	mock.Add(time.Millisecond)
	monitor.ProcessHeartbeat(heartbeatFrom(nodeID, mock, Connected))
	require.Equal(t, Connected, nodeState(t, coordinator, nodeID).State)
}

func TestLivenessSweepDisconnectsSilentNode(t *testing.T) {
	monitor, coordinator, mock := newTestMonitor(t)
	connectNode(t, monitor, coordinator, mock, "node-1")

	// Just inside the threshold: the node survives.
	mock.Add(monitor.Threshold())
	monitor.MonitorHeartbeats()
	assert.Equal(t, Connected, nodeState(t, coordinator, "node-1").State)

	// Past the threshold: one sweep disconnects it for lack of heartbeat.
	mock.Add(time.Second)
	monitor.MonitorHeartbeats()
	status := nodeState(t, coordinator, "node-1")
	assert.Equal(t, Disconnected, status.State)
	assert.Equal(t, DisconnectLackOfHeartbeat, status.Code)
	assert.Equal(t, 0, monitor.HeartbeatCount())

	// The node is no longer CONNECTED, so further sweeps leave it alone.
	requestedAt := status.RequestedAt
	mock.Add(time.Hour)
	monitor.MonitorHeartbeats()
	assert.Equal(t, requestedAt, nodeState(t, coordinator, "node-1").RequestedAt)
}

func TestSilentFromBirthComparedAgainstPurge(t *testing.T) {
	monitor, coordinator, mock := newTestMonitor(t)
	coordinator.AddNode(Node{ID: "node-1", Address: "10.0.0.1:6342"})
	coordinator.FinishNodeConnection("node-1")

	// No heartbeat was ever stored; the purge timestamp stands in.
	mock.Add(monitor.Threshold() / 2)
	monitor.MonitorHeartbeats()
	assert.Equal(t, Connected, nodeState(t, coordinator, "node-1").State)

	mock.Add(monitor.Threshold())
	monitor.MonitorHeartbeats()
	status := nodeState(t, coordinator, "node-1")
	assert.Equal(t, Disconnected, status.State)
	assert.Equal(t, DisconnectLackOfHeartbeat, status.Code)
}

func TestTransientDisconnectSelfHeals(t *testing.T) {
	monitor, coordinator, mock := newTestMonitor(t)
	connectNode(t, monitor, coordinator, mock, "node-1")
	coordinator.RequestNodeDisconnect("node-1", DisconnectCommunicationFailure, "socket reset")

	mock.Add(time.Second)
	monitor.ProcessHeartbeat(heartbeatFrom("node-1", mock, Connected))
	assert.Equal(t, Connecting, nodeState(t, coordinator, "node-1").State)

	// The next heartbeat, at or after the reconnect request, completes it.
	mock.Add(time.Second)
	monitor.ProcessHeartbeat(heartbeatFrom("node-1", mock, Connected))
	assert.Equal(t, Connected, nodeState(t, coordinator, "node-1").State)
}

func TestStickyDisconnectStands(t *testing.T) {
	monitor, coordinator, mock := newTestMonitor(t)
	connectNode(t, monitor, coordinator, mock, "node-1")
	coordinator.RequestNodeDisconnect("node-1", DisconnectUserRequested, "maintenance")

	mock.Add(time.Second)
	monitor.ProcessHeartbeat(heartbeatFrom("node-1", mock, Connected))

	status := nodeState(t, coordinator, "node-1")
	assert.Equal(t, Disconnected, status.State)
	assert.Equal(t, DisconnectUserRequested, status.Code)
}

func TestCorrectiveReconnectOnContradictoryClaim(t *testing.T) {
	monitor, coordinator, mock := newTestMonitor(t)
	connectNode(t, monitor, coordinator, mock, "node-1")

	mock.Add(time.Second)
	monitor.ProcessHeartbeat(heartbeatFrom("node-1", mock, Disconnected))

	// Contradiction triggers a reconnect request, not an eviction.
	assert.Equal(t, Connecting, nodeState(t, coordinator, "node-1").State)
}

func TestOffloadedNodeHeartbeatsDiscarded(t *testing.T) {
	monitor, coordinator, mock := newTestMonitor(t)
	connectNode(t, monitor, coordinator, mock, "node-1")
	coordinator.RequestNodeOffload("node-1", "decommissioning")
	coordinator.FinishNodeOffload("node-1")

	mock.Add(time.Second)
	monitor.ProcessHeartbeat(heartbeatFrom("node-1", mock, Connected))

	assert.Equal(t, Offloaded, nodeState(t, coordinator, "node-1").State)
	assert.Equal(t, 0, monitor.HeartbeatCount())
}

func TestFirewalledAddressDisconnected(t *testing.T) {
	monitor, coordinator, mock := newTestMonitor(t)
	connectNode(t, monitor, coordinator, mock, "node-1")
	coordinator.SetFirewall(func(address string) bool { return address == "10.0.0.1:6342" })

	mock.Add(time.Second)
	monitor.ProcessHeartbeat(heartbeatFrom("node-1", mock, Connected))

	status := nodeState(t, coordinator, "node-1")
	assert.Equal(t, Disconnected, status.State)
	assert.Equal(t, DisconnectBlockedByFirewall, status.Code)
}

func TestNonCoordinatorPurgesAndTakesNoAction(t *testing.T) {
	monitor, coordinator, mock := newTestMonitor(t)
	connectNode(t, monitor, coordinator, mock, "node-1")
	coordinator.SetActive(false)

	mock.Add(monitor.Threshold() * 2)
	monitor.MonitorHeartbeats()

	assert.Equal(t, Connected, nodeState(t, coordinator, "node-1").State)
	assert.Equal(t, 0, monitor.HeartbeatCount())
}

func TestUnknownNodeRequestedToDisconnect(t *testing.T) {
	monitor, coordinator, mock := newTestMonitor(t)
	monitor.ProcessHeartbeat(heartbeatFrom("ghost", mock, Connected))

	events := coordinator.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, "ghost", events[len(events)-1].NodeID)
}

func TestServeSweepsOnSchedule(t *testing.T) {
	monitor, coordinator, mock := newTestMonitor(t)
	connectNode(t, monitor, coordinator, mock, "node-1")

	stopped := monitor.Serve()
	defer func() {
		monitor.GracefulStop()
		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			t.Fatal("monitor did not stop")
		}
	}()

	mock.Add(monitor.Threshold() + monitor.Threshold())
	require.Eventually(t, func() bool {
		status, ok := coordinator.ConnectionStatus("node-1")
		return ok && status.State == Disconnected && status.Code == DisconnectLackOfHeartbeat
	}, 5*time.Second, 10*time.Millisecond)
}

func TestTransientCodeSet(t *testing.T) {
	for _, code := range []DisconnectionCode{
		DisconnectLackOfHeartbeat,
		DisconnectCommunicationFailure,
		DisconnectNotYetConnected,
		DisconnectMismatchedFlows,
		DisconnectMissingBundle,
		DisconnectNodeShutdown,
		DisconnectFailedToServiceRequest,
		DisconnectStartupFailure,
	} {
		assert.True(t, code.Transient(), string(code))
	}
	assert.False(t, DisconnectBlockedByFirewall.Transient())
	assert.False(t, DisconnectUserRequested.Transient())
}
