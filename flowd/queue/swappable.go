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

// Package queue holds the hybrid in-memory/on-disk flow queue, its
// partitions and the strategies assigning records to partitions.
package queue

import (
	"container/heap"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/apache/flowqueue/flowd/swap"
	"github.com/apache/flowqueue/pkg/flowfile"
	"github.com/apache/flowqueue/pkg/logger"
	"github.com/apache/flowqueue/pkg/timestamp"
)

const (
	// DefaultSwapThreshold is the number of records held in memory before
	// overflow is pushed to disk.
	DefaultSwapThreshold = 20000

	// swapBatchSize is how many overflow records are written per swap file.
	swapBatchSize = 10000
)

// PollStrategy selects which records a poll may hand out.
type PollStrategy int

const (
	// UnpenalizedFlowFiles skips the queue head while it is penalized.
	UnpenalizedFlowFiles PollStrategy = iota
	// AllFlowFiles hands out penalized records as well.
	AllFlowFiles
)

// SwappablePriorityQueue keeps a bounded active window of records in memory,
// ordered by the configured prioritizers, and overflows the remainder to swap
// files. Queue size is decremented on acknowledge, not on poll, so in-flight
// records keep exerting backpressure.
type SwappablePriorityQueue struct {
	clock        timestamp.Clock
	swapManager  swap.Manager
	l            *logger.Logger
	queueID      string
	partition    string
	swapQueue    []*flowfile.Record
	swapLocs     []string
	prioritizers []flowfile.Prioritizer
	active       recordHeap
	activeSize   flowfile.QueueSize
	swappedSize  flowfile.QueueSize
	inFlight     flowfile.QueueSize
	maxAge       time.Duration
	threshold    int
	mu           sync.Mutex
	swapIO       sync.Mutex
}

// NewSwappablePriorityQueue creates a queue for the given owner and swap
// partition name. A zero threshold selects DefaultSwapThreshold.
func NewSwappablePriorityQueue(manager swap.Manager, queueID, partition string, threshold int) *SwappablePriorityQueue {
	if threshold <= 0 {
		threshold = DefaultSwapThreshold
	}
	return &SwappablePriorityQueue{
		swapManager: manager,
		queueID:     queueID,
		partition:   partition,
		threshold:   threshold,
		clock:       timestamp.NewClock(),
		l:           logger.GetLogger(moduleName).Named(partitionOrLocal(partition)),
	}
}

func partitionOrLocal(partition string) string {
	if partition == "" {
		return "local"
	}
	return partition
}

// SetClock replaces the queue's time source. Intended for tests.
func (q *SwappablePriorityQueue) SetClock(clock timestamp.Clock) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.clock = clock
}

// SetMaxAge configures record expiration. Zero disables it.
func (q *SwappablePriorityQueue) SetMaxAge(maxAge time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.maxAge = maxAge
}

// SetPriorities reorders the active window under the new prioritizer list.
func (q *SwappablePriorityQueue) SetPriorities(prioritizers []flowfile.Prioritizer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.prioritizers = prioritizers
	q.active.prioritizers = prioritizers
	heap.Init(&q.active)
}

// Put enqueues one record.
func (q *SwappablePriorityQueue) Put(record *flowfile.Record) error {
	return q.PutAll([]*flowfile.Record{record})
}

// PutAll enqueues a batch. Records land in the active window while it is
// under the swap threshold and nothing is already swapped; otherwise they
// join the overflow destined for disk. Keeping new arrivals out of the
// active window while swap content exists preserves rough FIFO fairness
// between fresh and swapped records.
func (q *SwappablePriorityQueue) PutAll(records []*flowfile.Record) error {
	q.mu.Lock()
	for _, r := range records {
		if q.active.Len() < q.threshold && len(q.swapQueue) == 0 && len(q.swapLocs) == 0 {
			heap.Push(&q.active, r)
			q.activeSize = q.activeSize.AddRecord(r.Size)
		} else {
			q.swapQueue = append(q.swapQueue, r)
			q.swappedSize = q.swappedSize.AddRecord(r.Size)
		}
	}
	needSwap := len(q.swapQueue) >= q.swapBatchSizeLocked()
	q.mu.Unlock()
	if needSwap {
		return q.writeSwapFilesIfNecessary()
	}
	return nil
}

// swapBatchSizeLocked caps each swap file at swapBatchSize records, or at
// the threshold when the threshold is smaller, so small-window queues still
// overflow to disk.
func (q *SwappablePriorityQueue) swapBatchSizeLocked() int {
	if q.threshold < swapBatchSize {
		return q.threshold
	}
	return swapBatchSize
}

// writeSwapFilesIfNecessary drains the overflow buffer to disk one batch per
// file. The file write happens outside the queue lock; a write failure puts
// the extracted records back, so nothing is lost.
func (q *SwappablePriorityQueue) writeSwapFilesIfNecessary() error {
	q.swapIO.Lock()
	defer q.swapIO.Unlock()
	for {
		q.mu.Lock()
		batchSize := q.swapBatchSizeLocked()
		if len(q.swapQueue) < batchSize {
			q.mu.Unlock()
			return nil
		}
		// The coldest records go to disk first: sort the overflow so the
		// highest-priority records stay closest to the active window.
		sort.SliceStable(q.swapQueue, func(i, j int) bool {
			return flowfile.Compare(q.prioritizers, q.swapQueue[i], q.swapQueue[j]) < 0
		})
		batch := make([]*flowfile.Record, batchSize)
		copy(batch, q.swapQueue[len(q.swapQueue)-batchSize:])
		q.swapQueue = q.swapQueue[:len(q.swapQueue)-batchSize]
		q.mu.Unlock()

		location, err := q.swapManager.SwapOut(batch, q.queueID, q.partition)

		q.mu.Lock()
		if err != nil {
			q.swapQueue = append(q.swapQueue, batch...)
			q.mu.Unlock()
			return errors.Wrap(err, "swap out overflow batch")
		}
		q.swapLocs = append(q.swapLocs, location)
		q.mu.Unlock()
	}
}

// Poll removes and returns the highest-priority non-expired record, or nil
// when the queue is empty or its head is withheld by the poll strategy.
// Expired records encountered on the way are appended to expired; they are
// in-flight until acknowledged like any polled record.
func (q *SwappablePriorityQueue) Poll(expired *[]*flowfile.Record, strategy PollStrategy) *flowfile.Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pollLocked(expired, strategy)
}

// PollBatch removes and returns up to maxResults records in priority order.
func (q *SwappablePriorityQueue) PollBatch(maxResults int, expired *[]*flowfile.Record, strategy PollStrategy) []*flowfile.Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	var polled []*flowfile.Record
	for len(polled) < maxResults {
		record := q.pollLocked(expired, strategy)
		if record == nil {
			break
		}
		polled = append(polled, record)
	}
	return polled
}

func (q *SwappablePriorityQueue) pollLocked(expired *[]*flowfile.Record, strategy PollStrategy) *flowfile.Record {
	now := q.clock.Now()
	for {
		q.migrateSwapToActiveLocked()
		if q.active.Len() == 0 {
			return nil
		}
		head := q.active.records[0]
		if head.Expired(now, q.maxAge) {
			heap.Pop(&q.active)
			q.activeSize = q.activeSize.Subtract(flowfile.QueueSize{ObjectCount: 1, ByteCount: head.Size})
			q.inFlight = q.inFlight.AddRecord(head.Size)
			if expired != nil {
				*expired = append(*expired, head)
			}
			continue
		}
		if strategy == UnpenalizedFlowFiles && head.Penalized(now) {
			// The head outranks everything behind it, so a penalized head
			// stalls the partition until the penalty lapses.
			return nil
		}
		heap.Pop(&q.active)
		q.activeSize = q.activeSize.Subtract(flowfile.QueueSize{ObjectCount: 1, ByteCount: head.Size})
		q.inFlight = q.inFlight.AddRecord(head.Size)
		return head
	}
}

// migrateSwapToActiveLocked refills an empty active window, first from the
// not-yet-written overflow buffer, then from the oldest swap file.
func (q *SwappablePriorityQueue) migrateSwapToActiveLocked() {
	if q.active.Len() > 0 {
		return
	}
	if len(q.swapQueue) > 0 {
		n := len(q.swapQueue)
		if n > q.threshold {
			n = q.threshold
		}
		sort.SliceStable(q.swapQueue, func(i, j int) bool {
			return flowfile.Compare(q.prioritizers, q.swapQueue[i], q.swapQueue[j]) < 0
		})
		for _, r := range q.swapQueue[:n] {
			heap.Push(&q.active, r)
			q.activeSize = q.activeSize.AddRecord(r.Size)
			q.swappedSize = q.swappedSize.Subtract(flowfile.QueueSize{ObjectCount: 1, ByteCount: r.Size})
		}
		q.swapQueue = append(q.swapQueue[:0], q.swapQueue[n:]...)
		return
	}
	if len(q.swapLocs) == 0 {
		return
	}
	location := q.swapLocs[0]
	contents, err := q.swapManager.SwapIn(location, q.queueID)
	if err != nil {
		if errors.Is(err, swap.ErrSwapFileMissing) || errors.Is(err, swap.ErrUnknownSwapLocation) {
			// The file may have legitimately aged off. Correct the size and
			// move on rather than wedging the queue.
			q.l.Warn().Err(err).Str("location", location).Msg("swap file vanished; correcting queue size")
			summary, sErr := q.swapManager.GetSwapSummary(location)
			if sErr == nil {
				q.swappedSize = q.swappedSize.Subtract(summary.QueueSize)
			}
			q.swapLocs = q.swapLocs[1:]
			return
		}
		q.l.Error().Err(err).Str("location", location).Msg("failed to swap in")
		return
	}
	q.swapLocs = q.swapLocs[1:]
	for _, r := range contents.Records {
		heap.Push(&q.active, r)
		q.activeSize = q.activeSize.AddRecord(r.Size)
	}
	q.swappedSize = q.swappedSize.Subtract(contents.Summary.QueueSize)
}

// Acknowledge releases one in-flight record, finally shrinking the queue.
func (q *SwappablePriorityQueue) Acknowledge(record *flowfile.Record) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inFlight = q.inFlight.Subtract(flowfile.QueueSize{ObjectCount: 1, ByteCount: record.Size})
}

// AcknowledgeAll releases a batch of in-flight records.
func (q *SwappablePriorityQueue) AcknowledgeAll(records []*flowfile.Record) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, r := range records {
		q.inFlight = q.inFlight.Subtract(flowfile.QueueSize{ObjectCount: 1, ByteCount: r.Size})
	}
}

// Size returns the total queue size including swapped and in-flight records.
func (q *SwappablePriorityQueue) Size() flowfile.QueueSize {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.activeSize.Add(q.swappedSize).Add(q.inFlight)
}

// FlowFileQueueSize breaks the size down by where records live.
func (q *SwappablePriorityQueue) FlowFileQueueSize() flowfile.DetailedQueueSize {
	q.mu.Lock()
	defer q.mu.Unlock()
	return flowfile.DetailedQueueSize{
		Active:    q.activeSize,
		Swapped:   q.swappedSize,
		InFlight:  q.inFlight,
		SwapFiles: len(q.swapLocs),
	}
}

// IsEmpty reports whether no record is active, swapped or in flight.
func (q *SwappablePriorityQueue) IsEmpty() bool {
	return q.Size().IsEmpty()
}

// IsActiveQueueEmpty reports whether the in-memory window is drained.
func (q *SwappablePriorityQueue) IsActiveQueueEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active.Len() == 0 && len(q.swapQueue) == 0
}

// RecoverSwappedFlowFiles rebuilds queue size from swap files left on disk by
// a previous run, using summaries only, and returns the largest record id
// seen so that identity generation can resume above it.
func (q *SwappablePriorityQueue) RecoverSwappedFlowFiles() (flowfile.QueueSize, uint64, error) {
	q.swapIO.Lock()
	defer q.swapIO.Unlock()
	locations, err := q.swapManager.RecoverSwapLocations(q.queueID, q.partition)
	if err != nil && len(locations) == 0 {
		return flowfile.QueueSize{}, 0, errors.Wrap(err, "recover swap locations")
	}
	var recovered flowfile.QueueSize
	var maxID uint64
	for _, location := range locations {
		summary, sErr := q.swapManager.GetSwapSummary(location)
		if sErr != nil {
			err = multierr.Append(err, errors.Wrapf(sErr, "summarize %s", location))
			continue
		}
		recovered = recovered.Add(summary.QueueSize)
		if summary.MaxFlowFileID > maxID {
			maxID = summary.MaxFlowFileID
		}
	}
	q.mu.Lock()
	q.swapLocs = append(q.swapLocs, locations...)
	q.swappedSize = q.swappedSize.Add(recovered)
	q.mu.Unlock()
	if len(locations) > 0 {
		q.l.Info().Int("files", len(locations)).Int("records", recovered.ObjectCount).Msg("recovered swapped records")
	}
	return recovered, maxID, err
}

// DropFlowFiles removes all active and swapped content, deleting swap files.
// Progress is reported through the request.
func (q *SwappablePriorityQueue) DropFlowFiles(request *DropFlowFileRequest) {
	request.start(q.Size())

	q.swapIO.Lock()
	defer q.swapIO.Unlock()
	q.mu.Lock()
	dropped := flowfile.QueueSize{}
	for q.active.Len() > 0 {
		r := heap.Pop(&q.active).(*flowfile.Record)
		dropped = dropped.AddRecord(r.Size)
	}
	for _, r := range q.swapQueue {
		dropped = dropped.AddRecord(r.Size)
	}
	q.swapQueue = nil
	q.activeSize = flowfile.QueueSize{}
	locations := q.swapLocs
	q.swapLocs = nil
	q.mu.Unlock()

	request.progress(dropped)

	var dropErr error
	for _, location := range locations {
		summary, err := q.swapManager.GetSwapSummary(location)
		if err != nil {
			dropErr = multierr.Append(dropErr, err)
			continue
		}
		if err = q.swapManager.Drop(location, q.queueID); err != nil {
			dropErr = multierr.Append(dropErr, err)
			continue
		}
		dropped = dropped.Add(summary.QueueSize)
		request.progress(dropped)
	}

	q.mu.Lock()
	q.swappedSize = flowfile.QueueSize{}
	q.mu.Unlock()

	if dropErr != nil {
		q.l.Error().Err(dropErr).Str("request", request.ID).Msg("drop completed with failures")
		request.fail(dropErr)
		return
	}
	request.complete(dropped)
}

// PackageForRebalance extracts all queued content for transfer to another
// partition. In-memory records are returned for re-partitioning; swap files
// are renamed in place to the new partition name, an O(1) transfer of their
// ownership.
func (q *SwappablePriorityQueue) PackageForRebalance(newPartition string) ([]*flowfile.Record, []string, error) {
	q.swapIO.Lock()
	defer q.swapIO.Unlock()
	q.mu.Lock()
	records := make([]*flowfile.Record, 0, q.active.Len()+len(q.swapQueue))
	for q.active.Len() > 0 {
		records = append(records, heap.Pop(&q.active).(*flowfile.Record))
	}
	records = append(records, q.swapQueue...)
	q.swapQueue = nil
	q.activeSize = flowfile.QueueSize{}
	locations := q.swapLocs
	q.swapLocs = nil
	q.swappedSize = flowfile.QueueSize{}
	q.mu.Unlock()

	moved := make([]string, 0, len(locations))
	var err error
	for _, location := range locations {
		newLocation, mErr := q.swapManager.ChangePartitionName(location, newPartition)
		if mErr != nil {
			err = multierr.Append(err, errors.Wrapf(mErr, "reassign %s", location))
			// The file keeps its old name; hand it back under the old
			// location so the content stays reachable.
			moved = append(moved, location)
			continue
		}
		moved = append(moved, newLocation)
	}
	return records, moved, err
}

// InheritSwapContents adopts swap locations handed over by a rebalance.
func (q *SwappablePriorityQueue) InheritSwapContents(locations []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	var err error
	for _, location := range locations {
		summary, sErr := q.swapManager.GetSwapSummary(location)
		if sErr != nil {
			err = multierr.Append(err, sErr)
			continue
		}
		q.swapLocs = append(q.swapLocs, location)
		q.swappedSize = q.swappedSize.Add(summary.QueueSize)
	}
	return err
}
