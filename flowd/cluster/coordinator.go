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
	"sync"

	"github.com/apache/flowqueue/pkg/logger"
	"github.com/apache/flowqueue/pkg/timestamp"
)

const moduleName = "cluster"

// Coordinator is the authoritative membership view the heartbeat monitor
// works against.
type Coordinator interface {
	// NodeIDs lists nodes currently in any of the given states, or all nodes
	// when no state is given.
	NodeIDs(states ...NodeConnectionState) []string
	// ConnectionStatus returns the node's status, ok false for unknown nodes.
	ConnectionStatus(nodeID string) (NodeConnectionStatus, bool)
	// IsActiveCoordinator reports whether this node currently holds the
	// coordinator role. Only the active coordinator may evict nodes.
	IsActiveCoordinator() bool
	// IsBlockedByFirewall reports whether heartbeats from the address must
	// be rejected.
	IsBlockedByFirewall(address string) bool
	// RequestNodeConnect asks a node to (re)join; the node is CONNECTING
	// until its first heartbeat at or after the request completes the
	// connection.
	RequestNodeConnect(nodeID string)
	// FinishNodeConnection marks a CONNECTING node CONNECTED.
	FinishNodeConnection(nodeID string)
	// RequestNodeDisconnect removes a node from service with a reason.
	RequestNodeDisconnect(nodeID string, code DisconnectionCode, explanation string)
	// ReportEvent surfaces a per-node occurrence.
	ReportEvent(nodeID string, severity Severity, message string)
}

const maxRetainedEvents = 1000

// StandardCoordinator keeps membership in memory and notifies topology
// listeners when the connected node set changes. Election of the active
// coordinator happens elsewhere; it is reflected here through SetActive.
type StandardCoordinator struct {
	clock     timestamp.Clock
	nodes     map[string]*NodeConnectionStatus
	firewall  func(address string) bool
	l         *logger.Logger
	listeners []func([]Node)
	events    []Event
	active    bool
	mu        sync.RWMutex
}

var _ Coordinator = (*StandardCoordinator)(nil)

// NewStandardCoordinator creates a coordinator that considers itself active.
func NewStandardCoordinator() *StandardCoordinator {
	return &StandardCoordinator{
		nodes:  map[string]*NodeConnectionStatus{},
		active: true,
		clock:  timestamp.NewClock(),
		l:      logger.GetLogger(moduleName),
	}
}

// SetClock replaces the coordinator's time source. Intended for tests.
func (c *StandardCoordinator) SetClock(clock timestamp.Clock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock = clock
}

// SetActive reflects the outcome of coordinator election.
func (c *StandardCoordinator) SetActive(active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = active
}

// SetFirewall installs the address filter. A nil filter blocks nothing.
func (c *StandardCoordinator) SetFirewall(blocked func(address string) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.firewall = blocked
}

// OnTopologyChange registers a listener invoked with the connected node set
// whenever it changes.
func (c *StandardCoordinator) OnTopologyChange(listener func([]Node)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, listener)
}

// AddNode introduces a node in the CONNECTING state, expecting its first
// heartbeat to complete the connection.
func (c *StandardCoordinator) AddNode(node Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes[node.ID] = &NodeConnectionStatus{
		Node:        node,
		State:       Connecting,
		RequestedAt: c.clock.Now(),
	}
	c.l.Info().Str("node", node.ID).Str("address", node.Address).Msg("node joining")
}

// NodeIDs implements Coordinator.
func (c *StandardCoordinator) NodeIDs(states ...NodeConnectionState) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.nodes))
	for id, status := range c.nodes {
		if len(states) == 0 {
			ids = append(ids, id)
			continue
		}
		for _, state := range states {
			if status.State == state {
				ids = append(ids, id)
				break
			}
		}
	}
	return ids
}

// ConnectionStatus implements Coordinator.
func (c *StandardCoordinator) ConnectionStatus(nodeID string) (NodeConnectionStatus, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	status, ok := c.nodes[nodeID]
	if !ok {
		return NodeConnectionStatus{}, false
	}
	return *status, true
}

// IsActiveCoordinator implements Coordinator.
func (c *StandardCoordinator) IsActiveCoordinator() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

// IsBlockedByFirewall implements Coordinator.
func (c *StandardCoordinator) IsBlockedByFirewall(address string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.firewall != nil && c.firewall(address)
}

// RequestNodeConnect implements Coordinator.
func (c *StandardCoordinator) RequestNodeConnect(nodeID string) {
	c.mu.Lock()
	status, ok := c.nodes[nodeID]
	if !ok {
		c.mu.Unlock()
		return
	}
	wasConnected := status.State == Connected
	status.State = Connecting
	status.Code = ""
	status.Reason = ""
	status.RequestedAt = c.clock.Now()
	c.mu.Unlock()
	c.l.Info().Str("node", nodeID).Msg("requested node connection")
	if wasConnected {
		c.notifyTopologyChange()
	}
}

// FinishNodeConnection implements Coordinator.
func (c *StandardCoordinator) FinishNodeConnection(nodeID string) {
	c.mu.Lock()
	status, ok := c.nodes[nodeID]
	if !ok {
		c.mu.Unlock()
		return
	}
	status.State = Connected
	status.Code = ""
	status.Reason = ""
	c.mu.Unlock()
	c.l.Info().Str("node", nodeID).Msg("node connected")
	c.notifyTopologyChange()
}

// RequestNodeDisconnect implements Coordinator.
func (c *StandardCoordinator) RequestNodeDisconnect(nodeID string, code DisconnectionCode, explanation string) {
	c.mu.Lock()
	status, ok := c.nodes[nodeID]
	if !ok {
		c.mu.Unlock()
		return
	}
	wasConnected := status.State == Connected
	status.State = Disconnected
	status.Code = code
	status.Reason = explanation
	status.RequestedAt = c.clock.Now()
	c.mu.Unlock()
	c.l.Warn().Str("node", nodeID).Str("code", string(code)).Str("reason", explanation).Msg("requested node disconnection")
	if wasConnected {
		c.notifyTopologyChange()
	}
}

// RequestNodeOffload starts moving a node's queued records to its peers. The
// node stops being part of the serving topology immediately.
func (c *StandardCoordinator) RequestNodeOffload(nodeID, explanation string) {
	c.mu.Lock()
	status, ok := c.nodes[nodeID]
	if !ok {
		c.mu.Unlock()
		return
	}
	wasConnected := status.State == Connected
	status.State = Offloading
	status.Code = ""
	status.Reason = explanation
	status.RequestedAt = c.clock.Now()
	c.mu.Unlock()
	c.l.Info().Str("node", nodeID).Str("reason", explanation).Msg("offloading node")
	if wasConnected {
		c.notifyTopologyChange()
	}
}

// FinishNodeOffload marks an OFFLOADING node OFFLOADED.
func (c *StandardCoordinator) FinishNodeOffload(nodeID string) {
	c.mu.Lock()
	status, ok := c.nodes[nodeID]
	if !ok || status.State != Offloading {
		c.mu.Unlock()
		return
	}
	status.State = Offloaded
	c.mu.Unlock()
	c.l.Info().Str("node", nodeID).Msg("node offloaded")
}

// ReportEvent implements Coordinator.
func (c *StandardCoordinator) ReportEvent(nodeID string, severity Severity, message string) {
	c.mu.Lock()
	c.events = append(c.events, Event{
		Timestamp: c.clock.Now(),
		NodeID:    nodeID,
		Severity:  severity,
		Message:   message,
	})
	if len(c.events) > maxRetainedEvents {
		c.events = c.events[len(c.events)-maxRetainedEvents:]
	}
	c.mu.Unlock()
	event := c.l.Info()
	switch severity {
	case SeverityWarning:
		event = c.l.Warn()
	case SeverityError:
		event = c.l.Error()
	}
	event.Str("node", nodeID).Msg(message)
}

// Events returns a snapshot of retained cluster events, oldest first.
func (c *StandardCoordinator) Events() []Event {
	c.mu.RLock()
	defer c.mu.RUnlock()
	events := make([]Event, len(c.events))
	copy(events, c.events)
	return events
}

// ConnectedNodes returns the nodes currently in service.
func (c *StandardCoordinator) ConnectedNodes() []Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectedNodesLocked()
}

func (c *StandardCoordinator) connectedNodesLocked() []Node {
	nodes := make([]Node, 0, len(c.nodes))
	for _, status := range c.nodes {
		if status.State == Connected {
			nodes = append(nodes, status.Node)
		}
	}
	return nodes
}

func (c *StandardCoordinator) notifyTopologyChange() {
	c.mu.RLock()
	nodes := c.connectedNodesLocked()
	listeners := make([]func([]Node), len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.RUnlock()
	for _, listener := range listeners {
		listener(nodes)
	}
}
