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
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/apache/flowqueue/pkg/logger"
	"github.com/apache/flowqueue/pkg/run"
	"github.com/apache/flowqueue/pkg/timestamp"
)

const (
	defaultHeartbeatInterval = 5 * time.Second
	defaultMissableCount     = 8
)

// Monitor consumes node heartbeats and sweeps for silent nodes. All sweeps
// run on one goroutine so cycles never overlap, and a failing cycle never
// breaks the schedule.
type Monitor struct {
	coordinator Coordinator
	clock       timestamp.Clock
	l           *logger.Logger
	heartbeats  map[string]*NodeHeartbeat
	closer      *run.Closer
	stopCh      chan struct{}
	purgeTime   time.Time
	interval    time.Duration
	missable    int
	mu          sync.Mutex
}

var (
	_ run.Config  = (*Monitor)(nil)
	_ run.Service = (*Monitor)(nil)
)

// NewMonitor creates a heartbeat monitor for the coordinator.
func NewMonitor(coordinator Coordinator) *Monitor {
	clock := timestamp.NewClock()
	return &Monitor{
		coordinator: coordinator,
		clock:       clock,
		interval:    defaultHeartbeatInterval,
		missable:    defaultMissableCount,
		heartbeats:  map[string]*NodeHeartbeat{},
		purgeTime:   clock.Now(),
		closer:      run.NewCloser(1),
		stopCh:      make(chan struct{}),
		l:           logger.GetLogger(moduleName).Named("heartbeat"),
	}
}

// SetClock replaces the monitor's time source. Intended for tests. The purge
// timestamp moves onto the new clock so silent-node math stays consistent.
func (m *Monitor) SetClock(clock timestamp.Clock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
	m.purgeTime = clock.Now()
}

// Name implements run.Unit.
func (m *Monitor) Name() string { return "heartbeat-monitor" }

// FlagSet implements run.Config.
func (m *Monitor) FlagSet() *run.FlagSet {
	fs := run.NewFlagSet("heartbeat")
	fs.DurationVar(&m.interval, "heartbeat-interval", defaultHeartbeatInterval, "expected gap between node heartbeats")
	fs.IntVar(&m.missable, "missable-heartbeat-count", defaultMissableCount, "heartbeats a node may miss before disconnection")
	return fs
}

// Validate implements run.Config.
func (m *Monitor) Validate() error {
	if m.interval <= 0 {
		return errors.New("heartbeat-interval must be positive")
	}
	if m.missable <= 0 {
		return errors.New("missable-heartbeat-count must be positive")
	}
	return nil
}

// Serve implements run.Service.
func (m *Monitor) Serve() run.StopNotify {
	m.mu.Lock()
	ticker := m.clock.Ticker(m.interval)
	m.mu.Unlock()
	go func() {
		defer close(m.stopCh)
		defer m.closer.Done()
		defer ticker.Stop()
		for {
			select {
			case <-m.closer.CloseNotify():
				return
			case <-ticker.C:
				m.MonitorHeartbeats()
			}
		}
	}()
	return m.stopCh
}

// GracefulStop implements run.Service.
func (m *Monitor) GracefulStop() {
	m.closer.CloseThenWait()
}

// Threshold returns how long a node may stay silent before it is considered
// dead.
func (m *Monitor) Threshold() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interval * time.Duration(m.missable)
}

// LatestHeartbeat returns the last retained heartbeat of a node.
func (m *Monitor) LatestHeartbeat(nodeID string) (NodeHeartbeat, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hb, ok := m.heartbeats[nodeID]
	if !ok {
		return NodeHeartbeat{}, false
	}
	return *hb, true
}

// HeartbeatCount returns how many nodes currently have a retained heartbeat.
func (m *Monitor) HeartbeatCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.heartbeats)
}

// ProcessHeartbeat runs one heartbeat through the per-node state machine.
// Failures stay contained to the reporting path; a heartbeat can never take
// the monitor down.
func (m *Monitor) ProcessHeartbeat(hb *NodeHeartbeat) {
	defer func() {
		if r := recover(); r != nil {
			m.coordinator.ReportEvent(hb.NodeID, SeverityError, fmt.Sprintf("failed to process heartbeat: %v", r))
		}
	}()

	if m.coordinator.IsBlockedByFirewall(hb.Address) {
		m.coordinator.ReportEvent(hb.NodeID, SeverityWarning, "heartbeat from firewalled address "+hb.Address)
		m.coordinator.RequestNodeDisconnect(hb.NodeID, DisconnectBlockedByFirewall, "node address is blocked by the cluster firewall")
		m.removeHeartbeat(hb.NodeID)
		return
	}

	status, known := m.coordinator.ConnectionStatus(hb.NodeID)
	if !known {
		m.coordinator.ReportEvent(hb.NodeID, SeverityWarning, "heartbeat from unknown node; requesting disconnect")
		m.coordinator.RequestNodeDisconnect(hb.NodeID, DisconnectNotYetConnected, "node is not known to the cluster")
		return
	}

	switch status.State {
	case Connecting:
		if hb.Timestamp.Before(status.RequestedAt) {
			// A leftover heartbeat predating the connection request proves
			// nothing about the node's current health.
			m.l.Debug().Str("node", hb.NodeID).Msg("discarding stale heartbeat from before connection request")
			return
		}
		m.coordinator.FinishNodeConnection(hb.NodeID)
		m.coordinator.ReportEvent(hb.NodeID, SeverityInfo, "first heartbeat received; connection completed")
		m.storeHeartbeat(hb)
	case Connected:
		if hb.ConnectionState != Connected {
			// The node's own claim contradicts ours. Reconnect it so both
			// sides agree, rather than evicting a live node.
			m.coordinator.ReportEvent(hb.NodeID, SeverityWarning,
				fmt.Sprintf("node claims to be %s while coordinator sees it CONNECTED; requesting reconnect", hb.ConnectionState))
			m.coordinator.RequestNodeConnect(hb.NodeID)
			return
		}
		m.storeHeartbeat(hb)
	case Offloading, Offloaded:
		m.removeHeartbeat(hb.NodeID)
	case Disconnecting:
		// The node is on its way out; nothing to decide until it lands.
	case Disconnected:
		if status.Code.Transient() {
			m.coordinator.ReportEvent(hb.NodeID, SeverityInfo,
				fmt.Sprintf("heartbeat received from node disconnected due to %s; requesting reconnect", status.Code))
			m.coordinator.RequestNodeConnect(hb.NodeID)
			return
		}
		m.coordinator.ReportEvent(hb.NodeID, SeverityWarning,
			fmt.Sprintf("heartbeat received from node disconnected due to %s; disconnection stands", status.Code))
		m.coordinator.RequestNodeDisconnect(hb.NodeID, status.Code, status.Reason)
	}
}

// MonitorHeartbeats runs one liveness sweep. A node the coordinator believes
// CONNECTED is disconnected for lack of heartbeat when its latest heartbeat,
// or the last cache purge for nodes that never reported, is older than
// interval times the missable count.
func (m *Monitor) MonitorHeartbeats() {
	defer func() {
		if r := recover(); r != nil {
			m.l.Error().Any("panic", r).Msg("heartbeat sweep failed; schedule continues")
		}
	}()

	if !m.coordinator.IsActiveCoordinator() {
		// A stale ex-coordinator must not evict anyone off old data.
		m.purge()
		return
	}

	threshold := m.Threshold()
	m.mu.Lock()
	now := m.clock.Now()
	purgeTime := m.purgeTime
	m.mu.Unlock()

	for _, nodeID := range m.coordinator.NodeIDs(Connected) {
		m.sweepNode(nodeID, now, purgeTime, threshold)
	}
}

// sweepNode evaluates one node; a panic while handling it is reported and
// does not abort the rest of the sweep.
func (m *Monitor) sweepNode(nodeID string, now, purgeTime time.Time, threshold time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			m.coordinator.ReportEvent(nodeID, SeverityError, fmt.Sprintf("failed to evaluate node liveness: %v", r))
		}
	}()

	m.mu.Lock()
	hb := m.heartbeats[nodeID]
	m.mu.Unlock()

	lastSeen := purgeTime
	if hb != nil {
		lastSeen = hb.Timestamp
	}
	if now.Sub(lastSeen) <= threshold {
		return
	}
	m.removeHeartbeat(nodeID)
	m.coordinator.ReportEvent(nodeID, SeverityWarning,
		fmt.Sprintf("no heartbeat for %v (threshold %v); disconnecting", now.Sub(lastSeen), threshold))
	m.coordinator.RequestNodeDisconnect(nodeID, DisconnectLackOfHeartbeat,
		fmt.Sprintf("no heartbeat received in %v", now.Sub(lastSeen)))
}

func (m *Monitor) storeHeartbeat(hb *NodeHeartbeat) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *hb
	m.heartbeats[hb.NodeID] = &copied
}

func (m *Monitor) removeHeartbeat(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.heartbeats, nodeID)
}

func (m *Monitor) purge() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.heartbeats) > 0 {
		m.l.Info().Int("nodes", len(m.heartbeats)).Msg("not the active coordinator; purging heartbeat cache")
	}
	m.heartbeats = map[string]*NodeHeartbeat{}
	m.purgeTime = m.clock.Now()
}
