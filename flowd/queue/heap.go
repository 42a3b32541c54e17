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

import "github.com/apache/flowqueue/pkg/flowfile"

// recordHeap is a min-heap over the prioritizer chain. The record id fallback
// inside flowfile.Compare makes equal-priority records FIFO.
type recordHeap struct {
	prioritizers []flowfile.Prioritizer
	records      []*flowfile.Record
}

func (h *recordHeap) Len() int { return len(h.records) }

func (h *recordHeap) Less(i, j int) bool {
	return flowfile.Compare(h.prioritizers, h.records[i], h.records[j]) < 0
}

func (h *recordHeap) Swap(i, j int) {
	h.records[i], h.records[j] = h.records[j], h.records[i]
}

func (h *recordHeap) Push(x any) {
	h.records = append(h.records, x.(*flowfile.Record))
}

func (h *recordHeap) Pop() any {
	old := h.records
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	h.records = old[:n-1]
	return r
}
