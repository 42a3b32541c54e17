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

// Package cluster tracks node membership and liveness. The coordinator holds
// the authoritative per-node connection state; the heartbeat monitor drives
// its transitions.
package cluster

import "time"

// Node identifies a cluster member and where its record transfer port lives.
type Node struct {
	ID      string
	Address string
}

// NodeConnectionState is a node's position in the cluster membership
// lifecycle.
type NodeConnectionState string

// Connection states.
const (
	Connecting    NodeConnectionState = "CONNECTING"
	Connected     NodeConnectionState = "CONNECTED"
	Disconnecting NodeConnectionState = "DISCONNECTING"
	Disconnected  NodeConnectionState = "DISCONNECTED"
	Offloading    NodeConnectionState = "OFFLOADING"
	Offloaded     NodeConnectionState = "OFFLOADED"
)

// DisconnectionCode records why a node was disconnected. The code decides
// whether a renewed heartbeat may heal the disconnection.
type DisconnectionCode string

// Disconnection codes.
const (
	DisconnectLackOfHeartbeat        DisconnectionCode = "LACK_OF_HEARTBEAT"
	DisconnectCommunicationFailure   DisconnectionCode = "COMMUNICATION_FAILURE"
	DisconnectNotYetConnected        DisconnectionCode = "NOT_YET_CONNECTED"
	DisconnectMismatchedFlows        DisconnectionCode = "MISMATCHED_FLOWS"
	DisconnectMissingBundle          DisconnectionCode = "MISSING_BUNDLE"
	DisconnectNodeShutdown           DisconnectionCode = "NODE_SHUTDOWN"
	DisconnectFailedToServiceRequest DisconnectionCode = "FAILED_TO_SERVICE_REQUEST"
	DisconnectStartupFailure         DisconnectionCode = "STARTUP_FAILURE"
	DisconnectBlockedByFirewall      DisconnectionCode = "BLOCKED_BY_FIREWALL"
	DisconnectUserRequested          DisconnectionCode = "USER_REQUESTED"
)

// Transient reports whether a renewed heartbeat is allowed to reconnect the
// node on its own. Any other code is sticky: the node keeps being told to
// disconnect until an operator intervenes.
func (c DisconnectionCode) Transient() bool {
	switch c {
	case DisconnectLackOfHeartbeat,
		DisconnectCommunicationFailure,
		DisconnectNotYetConnected,
		DisconnectMismatchedFlows,
		DisconnectMissingBundle,
		DisconnectNodeShutdown,
		DisconnectFailedToServiceRequest,
		DisconnectStartupFailure:
		return true
	default:
		return false
	}
}

// NodeConnectionStatus is the coordinator's authoritative view of one node.
type NodeConnectionStatus struct {
	// RequestedAt is when the current state was requested. Heartbeats older
	// than it predate the request and are ignored for state transitions.
	RequestedAt time.Time
	Node        Node
	State       NodeConnectionState
	Code        DisconnectionCode
	Reason      string
}

// NodeHeartbeat is one node's periodic liveness claim.
type NodeHeartbeat struct {
	Timestamp       time.Time
	NodeID          string
	Address         string
	ConnectionState NodeConnectionState
	QueuedRecords   int
}

// Severity grades cluster events.
type Severity string

// Event severities.
const (
	SeverityInfo    Severity = "INFO"
	SeverityWarning Severity = "WARNING"
	SeverityError   Severity = "ERROR"
)

// Event is a per-node occurrence worth surfacing to operators.
type Event struct {
	Timestamp time.Time
	NodeID    string
	Severity  Severity
	Message   string
}
