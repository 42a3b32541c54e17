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

	"github.com/google/uuid"

	"github.com/apache/flowqueue/pkg/flowfile"
)

// DropState tracks the progress of an administrative purge.
type DropState string

// Drop request lifecycle states.
const (
	DropWaiting  DropState = "WAITING"
	DropDropping DropState = "DROPPING"
	DropComplete DropState = "COMPLETE"
	DropFailed   DropState = "FAILED"
)

// DropFlowFileRequest is an asynchronous handle on a bulk queue purge. The
// queue updates it as content is removed; callers observe it for progress.
type DropFlowFileRequest struct {
	err       error
	state     DropState
	ID        string
	Requestor string
	original  flowfile.QueueSize
	dropped   flowfile.QueueSize
	mu        sync.Mutex
}

// NewDropFlowFileRequest creates a request in the WAITING state.
func NewDropFlowFileRequest(requestor string) *DropFlowFileRequest {
	return &DropFlowFileRequest{
		ID:        uuid.NewString(),
		Requestor: requestor,
		state:     DropWaiting,
	}
}

// State returns the request's current lifecycle state.
func (r *DropFlowFileRequest) State() DropState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// DroppedSize returns how much content has been removed so far.
func (r *DropFlowFileRequest) DroppedSize() flowfile.QueueSize {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// OriginalSize returns the queue size when the drop began.
func (r *DropFlowFileRequest) OriginalSize() flowfile.QueueSize {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.original
}

// Err returns the failure cause after a FAILED transition.
func (r *DropFlowFileRequest) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *DropFlowFileRequest) start(original flowfile.QueueSize) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.original = original
	r.state = DropDropping
}

func (r *DropFlowFileRequest) progress(dropped flowfile.QueueSize) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped = dropped
}

func (r *DropFlowFileRequest) complete(dropped flowfile.QueueSize) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped = dropped
	r.state = DropComplete
}

func (r *DropFlowFileRequest) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
	r.state = DropFailed
}
