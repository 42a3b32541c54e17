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

// Package flowfile defines the record model moving through flow queues.
package flowfile

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// AttributeUUID is the reserved attribute carrying the record's identity.
const AttributeUUID = "uuid"

var nextID atomic.Uint64

// Record is one unit of data in flight. A Record is immutable from the
// queue's perspective: once enqueued, its fields must not be mutated until
// ownership is transferred back by a poll and acknowledge cycle.
type Record struct {
	EntryDate         time.Time
	LineageStartDate  time.Time
	PenaltyExpiration time.Time
	Attributes        map[string]string
	UUID              string
	ID                uint64
	Size              int64
}

// New creates a Record with a fresh identity and the given attributes.
func New(attributes map[string]string, size int64) *Record {
	now := time.Now()
	id := uuid.NewString()
	attrs := make(map[string]string, len(attributes)+1)
	for k, v := range attributes {
		attrs[k] = v
	}
	attrs[AttributeUUID] = id
	return &Record{
		ID:               nextID.Add(1),
		UUID:             id,
		Attributes:       attrs,
		Size:             size,
		EntryDate:        now,
		LineageStartDate: now,
	}
}

// Restore rebuilds a record received from another node. The uuid attribute
// is kept when present so identity survives the transfer; the numeric id is
// local to this process and is always reissued.
func Restore(attributes map[string]string, size int64, entry, lineage, penalty time.Time) *Record {
	attrs := make(map[string]string, len(attributes)+1)
	for k, v := range attributes {
		attrs[k] = v
	}
	id, ok := attrs[AttributeUUID]
	if !ok {
		id = uuid.NewString()
		attrs[AttributeUUID] = id
	}
	return &Record{
		ID:                nextID.Add(1),
		UUID:              id,
		Attributes:        attrs,
		Size:              size,
		EntryDate:         entry,
		LineageStartDate:  lineage,
		PenaltyExpiration: penalty,
	}
}

// Attribute returns the value of the named attribute, or "" when absent.
func (r *Record) Attribute(name string) string {
	return r.Attributes[name]
}

// Penalized reports whether the record may not yet be handed to a consumer.
func (r *Record) Penalized(now time.Time) bool {
	return !r.PenaltyExpiration.IsZero() && now.Before(r.PenaltyExpiration)
}

// Penalize delays redelivery of the record until now+duration.
func (r *Record) Penalize(now time.Time, duration time.Duration) {
	r.PenaltyExpiration = now.Add(duration)
}

// Expired reports whether the record outlived maxAge in the queue.
// A zero maxAge disables expiration.
func (r *Record) Expired(now time.Time, maxAge time.Duration) bool {
	return maxAge > 0 && now.Sub(r.EntryDate) > maxAge
}
