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

package queue

import (
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/apache/flowqueue/pkg/flowfile"
)

// Partitioner maps each record to exactly one partition of the current set.
// Implementations must be deterministic for an unchanged partition set and
// safe for concurrent use.
type Partitioner interface {
	Name() string
	GetPartition(record *flowfile.Record, partitions []QueuePartition, local QueuePartition) QueuePartition
	// RebalanceOnClusterResize reports whether adding or removing a node
	// invalidates prior assignments.
	RebalanceOnClusterResize() bool
	// RebalanceOnFailure reports whether a node outage should redistribute
	// that node's records instead of buffering through it.
	RebalanceOnFailure() bool
}

// LocalPartitionPartitioner keeps every record on the local node.
type LocalPartitionPartitioner struct{}

// Name implements Partitioner.
func (LocalPartitionPartitioner) Name() string { return "local-partition" }

// GetPartition implements Partitioner.
func (LocalPartitionPartitioner) GetPartition(_ *flowfile.Record, _ []QueuePartition, local QueuePartition) QueuePartition {
	return local
}

// RebalanceOnClusterResize implements Partitioner.
func (LocalPartitionPartitioner) RebalanceOnClusterResize() bool { return false }

// RebalanceOnFailure implements Partitioner.
func (LocalPartitionPartitioner) RebalanceOnFailure() bool { return false }

// RoundRobinPartitioner spreads records evenly across all partitions.
type RoundRobinPartitioner struct {
	counter atomic.Uint64
}

// Name implements Partitioner.
func (*RoundRobinPartitioner) Name() string { return "round-robin" }

// GetPartition implements Partitioner.
func (p *RoundRobinPartitioner) GetPartition(_ *flowfile.Record, partitions []QueuePartition, local QueuePartition) QueuePartition {
	if len(partitions) == 0 {
		return local
	}
	return partitions[(p.counter.Add(1)-1)%uint64(len(partitions))]
}

// RebalanceOnClusterResize implements Partitioner.
func (*RoundRobinPartitioner) RebalanceOnClusterResize() bool { return false }

// RebalanceOnFailure implements Partitioner.
func (*RoundRobinPartitioner) RebalanceOnFailure() bool { return true }

// CorrelationAttributePartitioner sends records sharing an attribute value to
// the same partition. The attribute value is hashed with xxhash64, the hash
// seeds a SplitMix64 generator and the generator's first output modulo the
// partition count picks the index. Every node must compute the same index
// for the same value and partition count; a missing attribute hashes as zero.
type CorrelationAttributePartitioner struct {
	Attribute string
}

// Name implements Partitioner.
func (p CorrelationAttributePartitioner) Name() string { return "correlation:" + p.Attribute }

// GetPartition implements Partitioner.
func (p CorrelationAttributePartitioner) GetPartition(record *flowfile.Record, partitions []QueuePartition, local QueuePartition) QueuePartition {
	if len(partitions) == 0 {
		return local
	}
	var hash uint64
	if v := record.Attribute(p.Attribute); v != "" {
		hash = xxhash.Sum64String(v)
	}
	index := splitMix64(hash) % uint64(len(partitions))
	return partitions[index]
}

// RebalanceOnClusterResize implements Partitioner. The modulus changes with
// the partition count, so prior assignments are stale.
func (CorrelationAttributePartitioner) RebalanceOnClusterResize() bool { return true }

// RebalanceOnFailure implements Partitioner. A node outage does not change
// the mapping.
func (CorrelationAttributePartitioner) RebalanceOnFailure() bool { return false }

// splitMix64 is the first output of the SplitMix64 sequence for the seed.
func splitMix64(seed uint64) uint64 {
	z := seed + 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// SingleNodePartitioner pins every record to one fixed partition.
type SingleNodePartitioner struct {
	NodeID string
}

// Name implements Partitioner.
func (p SingleNodePartitioner) Name() string { return "single-node:" + p.NodeID }

// GetPartition implements Partitioner.
func (p SingleNodePartitioner) GetPartition(_ *flowfile.Record, partitions []QueuePartition, local QueuePartition) QueuePartition {
	for _, partition := range partitions {
		if partition.NodeID() == p.NodeID {
			return partition
		}
	}
	return local
}

// RebalanceOnClusterResize implements Partitioner.
func (SingleNodePartitioner) RebalanceOnClusterResize() bool { return true }

// RebalanceOnFailure implements Partitioner.
func (SingleNodePartitioner) RebalanceOnFailure() bool { return false }
