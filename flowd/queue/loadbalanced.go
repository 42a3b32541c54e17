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
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/apache/flowqueue/flowd/swap"
	"github.com/apache/flowqueue/pkg/flowfile"
	"github.com/apache/flowqueue/pkg/logger"
)

// NodeInfo names a cluster node a queue may place records on.
type NodeInfo struct {
	ID      string
	Address string
}

// Backpressure bounds how much content a queue accepts before producers are
// told to hold off. A zero field disables that bound.
type Backpressure struct {
	MaxObjectCount int
	MaxByteCount   int64
}

// LoadBalancedFlowFileQueue distributes records across one local partition
// and a remote partition per connected peer, according to the configured
// Partitioner. Poll and acknowledge always work against the local partition;
// remote content is polled by its owning node.
type LoadBalancedFlowFileQueue struct {
	partitioner  Partitioner
	local        *LocalQueuePartition
	sender       RecordSender
	swapManager  swap.Manager
	l            *logger.Logger
	remotes      map[string]*RemoteQueuePartition
	id           string
	localNodeID  string
	partitions   []QueuePartition
	backpressure Backpressure
	mu           sync.RWMutex
}

// NewLoadBalancedQueue creates a queue with only the local partition and the
// LocalPartitionPartitioner. Peers join through SetNodes.
func NewLoadBalancedQueue(id, localNodeID string, manager swap.Manager, sender RecordSender, swapThreshold int) *LoadBalancedFlowFileQueue {
	local := NewLocalQueuePartition(NewSwappablePriorityQueue(manager, id, localPartitionName, swapThreshold), localNodeID)
	return &LoadBalancedFlowFileQueue{
		id:          id,
		localNodeID: localNodeID,
		sender:      sender,
		swapManager: manager,
		partitioner: LocalPartitionPartitioner{},
		local:       local,
		partitions:  []QueuePartition{local},
		remotes:     map[string]*RemoteQueuePartition{},
		l:           logger.GetLogger(moduleName).Named(id),
	}
}

// ID returns the queue identifier.
func (q *LoadBalancedFlowFileQueue) ID() string { return q.id }

// LocalQueue exposes the local partition's backing queue.
func (q *LoadBalancedFlowFileQueue) LocalQueue() *SwappablePriorityQueue { return q.local.Queue() }

// SetBackpressure configures the queue's producer-side thresholds.
func (q *LoadBalancedFlowFileQueue) SetBackpressure(bp Backpressure) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.backpressure = bp
}

// IsFull reports whether producers should stop offering records. In-flight
// records count toward fullness, so polling without acknowledging does not
// release backpressure.
func (q *LoadBalancedFlowFileQueue) IsFull() bool {
	q.mu.RLock()
	bp := q.backpressure
	q.mu.RUnlock()
	if bp.MaxObjectCount <= 0 && bp.MaxByteCount <= 0 {
		return false
	}
	size := q.Size()
	if bp.MaxObjectCount > 0 && size.ObjectCount >= bp.MaxObjectCount {
		return true
	}
	return bp.MaxByteCount > 0 && size.ByteCount >= bp.MaxByteCount
}

// Put routes one record to the partition the partitioner names.
func (q *LoadBalancedFlowFileQueue) Put(record *flowfile.Record) error {
	q.mu.RLock()
	partition := q.partitioner.GetPartition(record, q.partitions, q.local)
	q.mu.RUnlock()
	return partition.Put(record)
}

// PutAll routes a batch record by record; correlated records may target
// different partitions within one batch.
func (q *LoadBalancedFlowFileQueue) PutAll(records []*flowfile.Record) error {
	var err error
	for _, r := range records {
		err = multierr.Append(err, q.Put(r))
	}
	return err
}

// Poll removes the local partition's highest-priority eligible record.
func (q *LoadBalancedFlowFileQueue) Poll(expired *[]*flowfile.Record, strategy PollStrategy) *flowfile.Record {
	return q.local.Queue().Poll(expired, strategy)
}

// PollBatch removes up to maxResults records from the local partition.
func (q *LoadBalancedFlowFileQueue) PollBatch(maxResults int, expired *[]*flowfile.Record, strategy PollStrategy) []*flowfile.Record {
	return q.local.Queue().PollBatch(maxResults, expired, strategy)
}

// Acknowledge releases one polled record.
func (q *LoadBalancedFlowFileQueue) Acknowledge(record *flowfile.Record) {
	q.local.Queue().Acknowledge(record)
}

// AcknowledgeAll releases a batch of polled records.
func (q *LoadBalancedFlowFileQueue) AcknowledgeAll(records []*flowfile.Record) {
	q.local.Queue().AcknowledgeAll(records)
}

// Size returns the queue's total size across all partitions.
func (q *LoadBalancedFlowFileQueue) Size() flowfile.QueueSize {
	q.mu.RLock()
	partitions := q.partitions
	q.mu.RUnlock()
	var total flowfile.QueueSize
	for _, p := range partitions {
		total = total.Add(p.Size())
	}
	return total
}

// SetMaxAge configures local record expiration.
func (q *LoadBalancedFlowFileQueue) SetMaxAge(maxAge time.Duration) {
	q.local.Queue().SetMaxAge(maxAge)
}

// SetPriorities reorders the local partition and is applied to future
// swap-out batches.
func (q *LoadBalancedFlowFileQueue) SetPriorities(prioritizers []flowfile.Prioritizer) {
	q.local.Queue().SetPriorities(prioritizers)
}

// SetPartitioner swaps the distribution strategy and redistributes existing
// local content under it.
func (q *LoadBalancedFlowFileQueue) SetPartitioner(partitioner Partitioner) error {
	q.mu.Lock()
	q.partitioner = partitioner
	q.mu.Unlock()
	return q.rebalance()
}

// SetNodes reconciles the partition set against the connected cluster
// topology. Partitions for departed nodes are closed, draining their buffers
// back into the local partition. A rebalance follows when the partitioner is
// sensitive to resize.
func (q *LoadBalancedFlowFileQueue) SetNodes(nodes []NodeInfo) error {
	q.mu.Lock()
	present := map[string]bool{}
	resized := false
	for _, node := range nodes {
		if node.ID == q.localNodeID {
			continue
		}
		present[node.ID] = true
		if _, ok := q.remotes[node.ID]; !ok {
			q.remotes[node.ID] = NewRemoteQueuePartition(q.id, node.ID, node.Address, q.sender, q.requeueLocal)
			resized = true
		}
	}
	var departed []*RemoteQueuePartition
	for nodeID, partition := range q.remotes {
		if !present[nodeID] {
			departed = append(departed, partition)
			delete(q.remotes, nodeID)
			resized = true
		}
	}
	q.rebuildPartitionsLocked()
	rebalanceNeeded := resized && q.partitioner.RebalanceOnClusterResize()
	q.mu.Unlock()

	for _, partition := range departed {
		if err := partition.Close(); err != nil {
			q.l.Warn().Err(err).Str("node", partition.NodeID()).Msg("failed to close remote partition")
		}
	}
	if rebalanceNeeded {
		return q.rebalance()
	}
	return nil
}

// rebuildPartitionsLocked rebuilds the partition slice in stable
// swap-partition-name order. The stable order is the lock order during
// rebalance, so concurrent rebalances of different queues cannot deadlock.
func (q *LoadBalancedFlowFileQueue) rebuildPartitionsLocked() {
	partitions := make([]QueuePartition, 0, len(q.remotes)+1)
	partitions = append(partitions, q.local)
	for _, p := range q.remotes {
		partitions = append(partitions, p)
	}
	sort.Slice(partitions, func(i, j int) bool {
		return partitions[i].SwapPartitionName() < partitions[j].SwapPartitionName()
	})
	q.partitions = partitions
}

func (q *LoadBalancedFlowFileQueue) requeueLocal(records []*flowfile.Record) {
	if err := q.local.PutAll(records); err != nil {
		q.l.Error().Err(err).Int("records", len(records)).Msg("failed to requeue undeliverable records")
	}
}

// rebalance repackages the local partition and routes every record, active
// and swapped, through the current partitioner. Swap files are recovered one
// at a time, so peak memory stays bounded by the swap batch size. A file that
// cannot be read stays under local ownership to keep its content reachable.
func (q *LoadBalancedFlowFileQueue) rebalance() error {
	records, locations, err := q.local.Queue().PackageForRebalance(localPartitionName)
	if err != nil {
		q.l.Error().Err(err).Msg("rebalance packaging reported failures")
	}
	putErr := q.redistribute(records)
	redistributed := len(records)
	for _, location := range locations {
		contents, sErr := q.swapManager.SwapIn(location, q.id)
		if sErr != nil {
			err = multierr.Append(err, errors.Wrapf(sErr, "recover swap file %s", location))
			if iErr := q.local.Queue().InheritSwapContents([]string{location}); iErr != nil {
				err = multierr.Append(err, iErr)
			}
			continue
		}
		putErr = multierr.Append(putErr, q.redistribute(contents.Records))
		redistributed += len(contents.Records)
	}
	q.l.Info().Int("records", redistributed).Int("swap_files", len(locations)).Msg("rebalanced queue")
	return multierr.Append(err, putErr)
}

func (q *LoadBalancedFlowFileQueue) redistribute(records []*flowfile.Record) error {
	var err error
	for _, r := range records {
		q.mu.RLock()
		partition := q.partitioner.GetPartition(r, q.partitions, q.local)
		q.mu.RUnlock()
		err = multierr.Append(err, partition.Put(r))
	}
	return err
}

// Close shuts the remote partitions down, draining their buffers locally.
func (q *LoadBalancedFlowFileQueue) Close() error {
	q.mu.Lock()
	remotes := make([]*RemoteQueuePartition, 0, len(q.remotes))
	for _, p := range q.remotes {
		remotes = append(remotes, p)
	}
	q.remotes = map[string]*RemoteQueuePartition{}
	q.rebuildPartitionsLocked()
	q.mu.Unlock()
	var err error
	for _, p := range remotes {
		err = multierr.Append(err, p.Close())
	}
	return err
}
