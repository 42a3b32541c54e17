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
	"go.uber.org/multierr"

	"github.com/apache/flowqueue/flowd/swap"
	"github.com/apache/flowqueue/pkg/flowfile"
	"github.com/apache/flowqueue/pkg/logger"
	"github.com/apache/flowqueue/pkg/run"
)

// ErrQueueExists is returned when creating a queue under a taken identifier.
var ErrQueueExists = errors.New("queue already exists")

// Registry owns the node's flow queues. It is a run unit so the swap
// threshold and node identity arrive through flags, and queues recover their
// swapped content during PreRun, before any consumer runs.
type Registry struct {
	swapManager   swap.Manager
	sender        RecordSender
	l             *logger.Logger
	queues        map[string]*LoadBalancedFlowFileQueue
	nodeID        string
	queueIDs      []string
	swapThreshold int
	mu            sync.RWMutex
}

var (
	_ run.Config    = (*Registry)(nil)
	_ run.PreRunner = (*Registry)(nil)
)

// NewRegistry creates an empty registry.
func NewRegistry(manager swap.Manager, sender RecordSender) *Registry {
	return &Registry{
		swapManager:   manager,
		sender:        sender,
		queues:        map[string]*LoadBalancedFlowFileQueue{},
		swapThreshold: DefaultSwapThreshold,
		l:             logger.GetLogger(moduleName),
	}
}

// Name implements run.Unit.
func (r *Registry) Name() string { return moduleName }

// FlagSet implements run.Config.
func (r *Registry) FlagSet() *run.FlagSet {
	fs := run.NewFlagSet("queue")
	fs.IntVar(&r.swapThreshold, "swap-threshold", DefaultSwapThreshold, "records held in memory per queue before swapping to disk")
	fs.StringVar(&r.nodeID, "node-id", r.nodeID, "this node's cluster identifier")
	fs.StringSliceVar(&r.queueIDs, "queues", nil, "queue identifiers to create at startup")
	return fs
}

// Validate implements run.Config.
func (r *Registry) Validate() error {
	if r.swapThreshold <= 0 {
		return errors.New("swap-threshold must be positive")
	}
	return nil
}

// PreRun implements run.PreRunner by creating the configured queues and
// recovering their swapped content before any consumer runs.
func (r *Registry) PreRun(_ context.Context) error {
	for _, id := range r.queueIDs {
		if _, err := r.CreateQueue(id); err != nil && !errors.Is(err, ErrQueueExists) {
			return err
		}
	}
	r.mu.RLock()
	queues := make([]*LoadBalancedFlowFileQueue, 0, len(r.queues))
	for _, q := range r.queues {
		queues = append(queues, q)
	}
	r.mu.RUnlock()
	var err error
	for _, q := range queues {
		recovered, _, rErr := q.LocalQueue().RecoverSwappedFlowFiles()
		if rErr != nil {
			err = multierr.Append(err, errors.Wrapf(rErr, "recover queue %s", q.ID()))
		}
		if recovered.ObjectCount > 0 {
			r.l.Info().Str("queue", q.ID()).Int("records", recovered.ObjectCount).Msg("recovered swapped content")
		}
	}
	return err
}

// NodeID returns this node's cluster identifier.
func (r *Registry) NodeID() string { return r.nodeID }

// CreateQueue registers a new queue under the given identifier.
func (r *Registry) CreateQueue(id string) (*LoadBalancedFlowFileQueue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.queues[id]; ok {
		return nil, errors.Wrap(ErrQueueExists, id)
	}
	q := NewLoadBalancedQueue(id, r.nodeID, r.swapManager, r.sender, r.swapThreshold)
	r.queues[id] = q
	return q, nil
}

// GetQueue returns a queue by identifier, nil when absent.
func (r *Registry) GetQueue(id string) *LoadBalancedFlowFileQueue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.queues[id]
}

// Queues returns a snapshot of all registered queues.
func (r *Registry) Queues() []*LoadBalancedFlowFileQueue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	queues := make([]*LoadBalancedFlowFileQueue, 0, len(r.queues))
	for _, q := range r.queues {
		queues = append(queues, q)
	}
	return queues
}

// RemoveQueue closes and deregisters a queue.
func (r *Registry) RemoveQueue(id string) error {
	r.mu.Lock()
	q, ok := r.queues[id]
	delete(r.queues, id)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return q.Close()
}

// Receive deposits records arriving from a peer node into the local
// partition of their queue. Satisfies the load-balance server's receiver
// contract.
func (r *Registry) Receive(queueID string, records []*flowfile.Record) error {
	q := r.GetQueue(queueID)
	if q == nil {
		return errors.Errorf("unknown queue %s", queueID)
	}
	return q.LocalQueue().PutAll(records)
}

// SetNodes pushes a topology change to every queue.
func (r *Registry) SetNodes(nodes []NodeInfo) error {
	var err error
	for _, q := range r.Queues() {
		err = multierr.Append(err, q.SetNodes(nodes))
	}
	return err
}
