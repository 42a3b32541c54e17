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
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/apache/flowqueue/pkg/flowfile"
	"github.com/apache/flowqueue/pkg/logger"
	"github.com/apache/flowqueue/pkg/run"
)

const moduleName = "queue"

// localPartitionName is the stable swap-partition name of the node-local
// partition.
const localPartitionName = "local"

// QueuePartition holds one node's share of a flow queue. Exactly one
// partition per queue is local; the rest proxy to other cluster nodes.
type QueuePartition interface {
	// SwapPartitionName is the stable identifier naming this partition's
	// swap files and ordering partitions during rebalance locking.
	SwapPartitionName() string
	// NodeID identifies the owning cluster node, "" for the local node.
	NodeID() string
	Put(record *flowfile.Record) error
	PutAll(records []*flowfile.Record) error
	Size() flowfile.QueueSize
	// Close releases the partition's resources. Remote partitions drain
	// their send buffer back through the requeue callback.
	Close() error
}

// LocalQueuePartition is the partition backed by this node's
// SwappablePriorityQueue.
type LocalQueuePartition struct {
	queue  *SwappablePriorityQueue
	nodeID string
}

var _ QueuePartition = (*LocalQueuePartition)(nil)

// NewLocalQueuePartition wraps a swappable queue as a partition.
func NewLocalQueuePartition(queue *SwappablePriorityQueue, nodeID string) *LocalQueuePartition {
	return &LocalQueuePartition{queue: queue, nodeID: nodeID}
}

// SwapPartitionName implements QueuePartition.
func (p *LocalQueuePartition) SwapPartitionName() string { return localPartitionName }

// NodeID implements QueuePartition.
func (p *LocalQueuePartition) NodeID() string { return p.nodeID }

// Put implements QueuePartition.
func (p *LocalQueuePartition) Put(record *flowfile.Record) error { return p.queue.Put(record) }

// PutAll implements QueuePartition.
func (p *LocalQueuePartition) PutAll(records []*flowfile.Record) error { return p.queue.PutAll(records) }

// Size implements QueuePartition.
func (p *LocalQueuePartition) Size() flowfile.QueueSize { return p.queue.Size() }

// Close implements QueuePartition.
func (p *LocalQueuePartition) Close() error { return nil }

// Queue exposes the backing swappable queue for poll and acknowledge.
func (p *LocalQueuePartition) Queue() *SwappablePriorityQueue { return p.queue }

// RecordSender transmits records to a remote node's partition of a queue.
// Implemented by the load-balance transport client.
type RecordSender interface {
	Send(ctx context.Context, nodeAddress, queueID string, records []*flowfile.Record) error
}

const remoteBufferSize = 1000

// RemoteQueuePartition proxies a partition owned by another cluster node.
// Records are buffered and shipped by a background sender; records that
// cannot be delivered are handed back through the requeue callback so a node
// outage never loses data.
type RemoteQueuePartition struct {
	sender      RecordSender
	requeue     func([]*flowfile.Record)
	l           *logger.Logger
	closer      *run.Closer
	buffer      chan *flowfile.Record
	nodeID      string
	nodeAddress string
	queueID     string
	size        flowfile.QueueSize
	mu          sync.Mutex
	sendMu      sync.RWMutex
	closed      bool
	closeOnce   sync.Once
}

var _ QueuePartition = (*RemoteQueuePartition)(nil)

// NewRemoteQueuePartition creates a remote proxy and starts its sender.
func NewRemoteQueuePartition(queueID, nodeID, nodeAddress string, sender RecordSender, requeue func([]*flowfile.Record)) *RemoteQueuePartition {
	p := &RemoteQueuePartition{
		queueID:     queueID,
		nodeID:      nodeID,
		nodeAddress: nodeAddress,
		sender:      sender,
		requeue:     requeue,
		buffer:      make(chan *flowfile.Record, remoteBufferSize),
		closer:      run.NewCloser(1),
		l:           logger.GetLogger(moduleName).Named("remote", nodeID),
	}
	go p.sendLoop()
	return p
}

// SwapPartitionName implements QueuePartition.
func (p *RemoteQueuePartition) SwapPartitionName() string { return "node-" + p.nodeID }

// NodeID implements QueuePartition.
func (p *RemoteQueuePartition) NodeID() string { return p.nodeID }

// Put implements QueuePartition. Put and Close are serialized through
// sendMu, so a record accepted here is always seen by Close's final drain.
func (p *RemoteQueuePartition) Put(record *flowfile.Record) error {
	p.sendMu.RLock()
	defer p.sendMu.RUnlock()
	if p.closed {
		return errors.Errorf("partition for node %s is closed", p.nodeID)
	}
	p.buffer <- record
	p.mu.Lock()
	p.size = p.size.AddRecord(record.Size)
	p.mu.Unlock()
	return nil
}

// PutAll implements QueuePartition.
func (p *RemoteQueuePartition) PutAll(records []*flowfile.Record) error {
	for _, r := range records {
		if err := p.Put(r); err != nil {
			return err
		}
	}
	return nil
}

// Size implements QueuePartition.
func (p *RemoteQueuePartition) Size() flowfile.QueueSize {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

func (p *RemoteQueuePartition) sendLoop() {
	defer p.closer.Done()
	ctx := p.closer.Ctx()
	for {
		select {
		case <-p.closer.CloseNotify():
			return
		case first := <-p.buffer:
			batch := p.drainBatch(first)
			if err := p.sender.Send(ctx, p.nodeAddress, p.queueID, batch); err != nil {
				p.l.Warn().Err(err).Int("records", len(batch)).Msg("send failed; requeueing locally")
				p.requeue(batch)
			}
			p.mu.Lock()
			for _, r := range batch {
				p.size = p.size.Subtract(flowfile.QueueSize{ObjectCount: 1, ByteCount: r.Size})
			}
			p.mu.Unlock()
		}
	}
}

func (p *RemoteQueuePartition) drainBatch(first *flowfile.Record) []*flowfile.Record {
	batch := []*flowfile.Record{first}
	for len(batch) < remoteBufferSize {
		select {
		case r := <-p.buffer:
			batch = append(batch, r)
		default:
			return batch
		}
	}
	return batch
}

// Close implements QueuePartition. Producers are excluded before the sender
// stops, so whatever is still buffered afterwards goes back to the caller
// through the requeue callback.
func (p *RemoteQueuePartition) Close() error {
	p.closeOnce.Do(func() {
		p.sendMu.Lock()
		p.closed = true
		p.sendMu.Unlock()
		p.closer.CloseThenWait()
		var leftover []*flowfile.Record
		for {
			select {
			case r := <-p.buffer:
				leftover = append(leftover, r)
			default:
				if len(leftover) > 0 {
					p.requeue(leftover)
					p.mu.Lock()
					for _, r := range leftover {
						p.size = p.size.Subtract(flowfile.QueueSize{ObjectCount: 1, ByteCount: r.Size})
					}
					p.mu.Unlock()
				}
				return
			}
		}
	})
	return nil
}
