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
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apache/flowqueue/pkg/flowfile"
)

type requeueRecorder struct {
	mu      sync.Mutex
	records []*flowfile.Record
}

func (r *requeueRecorder) requeue(records []*flowfile.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, records...)
}

func (r *requeueRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func TestClosedRemotePartitionRejectsPuts(t *testing.T) {
	recorder := &requeueRecorder{}
	p := NewRemoteQueuePartition(uuid.NewString(), "node-1", "10.0.0.1:8080", newCaptureSender(), recorder.requeue)
	require.NoError(t, p.Close())

	for i := 0; i < 200; i++ {
		require.Error(t, p.Put(flowfile.New(nil, 1)))
	}
	assert.Zero(t, recorder.count())
	assert.True(t, p.Size().IsEmpty())
}

func TestPutDuringCloseNeverLosesRecords(t *testing.T) {
	sender := newCaptureSender()
	recorder := &requeueRecorder{}
	p := NewRemoteQueuePartition(uuid.NewString(), "node-1", "10.0.0.1:8080", sender, recorder.requeue)

	const workers = 8
	const perWorker = 25
	var accepted atomic.Int64
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < perWorker; j++ {
				if p.Put(flowfile.New(nil, 1)) == nil {
					accepted.Add(1)
				}
			}
		}()
	}
	close(start)
	require.NoError(t, p.Close())
	wg.Wait()

	// Every accepted record was either delivered or handed back; none sit
	// forgotten in the buffer.
	assert.Equal(t, int(accepted.Load()), sender.sent()+recorder.count())
	assert.True(t, p.Size().IsEmpty())
}
