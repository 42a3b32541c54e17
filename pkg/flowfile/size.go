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

package flowfile

import "fmt"

// QueueSize is an immutable object count and byte count pair.
type QueueSize struct {
	ObjectCount int
	ByteCount   int64
}

// Add returns the sum of s and other.
func (s QueueSize) Add(other QueueSize) QueueSize {
	return QueueSize{
		ObjectCount: s.ObjectCount + other.ObjectCount,
		ByteCount:   s.ByteCount + other.ByteCount,
	}
}

// AddRecord returns s grown by one record of the given byte size.
func (s QueueSize) AddRecord(bytes int64) QueueSize {
	return QueueSize{ObjectCount: s.ObjectCount + 1, ByteCount: s.ByteCount + bytes}
}

// Subtract returns the difference of s and other.
func (s QueueSize) Subtract(other QueueSize) QueueSize {
	return QueueSize{
		ObjectCount: s.ObjectCount - other.ObjectCount,
		ByteCount:   s.ByteCount - other.ByteCount,
	}
}

// IsEmpty reports whether no records are counted.
func (s QueueSize) IsEmpty() bool {
	return s.ObjectCount == 0
}

func (s QueueSize) String() string {
	return fmt.Sprintf("QueueSize[count=%d, bytes=%d]", s.ObjectCount, s.ByteCount)
}

// DetailedQueueSize breaks a queue's size down by where records live.
// In-flight records are polled but not yet acknowledged; they still count
// toward the total for backpressure purposes.
type DetailedQueueSize struct {
	Active    QueueSize
	Swapped   QueueSize
	InFlight  QueueSize
	SwapFiles int
}

// Total returns the aggregate size across active, swapped and in-flight records.
func (d DetailedQueueSize) Total() QueueSize {
	return d.Active.Add(d.Swapped).Add(d.InFlight)
}
