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

import "strconv"

// Prioritizer orders records within a queue. A negative result means a takes
// precedence over b. Prioritizers must be consistent and side-effect free.
type Prioritizer interface {
	Name() string
	Compare(a, b *Record) int
}

// Compare applies prioritizers in order, the first one is the primary sort
// key, subsequent ones break ties. Records equal under every prioritizer fall
// back to insertion order, so equal-priority records are FIFO.
func Compare(prioritizers []Prioritizer, a, b *Record) int {
	for _, p := range prioritizers {
		if c := p.Compare(a, b); c != 0 {
			return c
		}
	}
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	default:
		return 0
	}
}

// OldestFirstPrioritizer hands out records in order of their entry date,
// oldest first. This is the default first-in-first-out behavior.
type OldestFirstPrioritizer struct{}

// Name implements Prioritizer.
func (OldestFirstPrioritizer) Name() string { return "oldest-first" }

// Compare implements Prioritizer.
func (OldestFirstPrioritizer) Compare(a, b *Record) int {
	return a.EntryDate.Compare(b.EntryDate)
}

// NewestFirstPrioritizer hands out the most recently enqueued record first.
type NewestFirstPrioritizer struct{}

// Name implements Prioritizer.
func (NewestFirstPrioritizer) Name() string { return "newest-first" }

// Compare implements Prioritizer.
func (NewestFirstPrioritizer) Compare(a, b *Record) int {
	return b.EntryDate.Compare(a.EntryDate)
}

// LargestFirstPrioritizer hands out the largest record first.
type LargestFirstPrioritizer struct{}

// Name implements Prioritizer.
func (LargestFirstPrioritizer) Name() string { return "largest-first" }

// Compare implements Prioritizer.
func (LargestFirstPrioritizer) Compare(a, b *Record) int {
	switch {
	case a.Size > b.Size:
		return -1
	case a.Size < b.Size:
		return 1
	default:
		return 0
	}
}

// AttributePrioritizer orders records by the numeric value of a configured
// attribute, the lowest value first. Records missing the attribute or holding
// a non-numeric value sort last.
type AttributePrioritizer struct {
	Attribute string
}

// Name implements Prioritizer.
func (p AttributePrioritizer) Name() string { return "attribute:" + p.Attribute }

// Compare implements Prioritizer.
func (p AttributePrioritizer) Compare(a, b *Record) int {
	av, aOK := parsePriority(a.Attribute(p.Attribute))
	bv, bOK := parsePriority(b.Attribute(p.Attribute))
	switch {
	case aOK && !bOK:
		return -1
	case !aOK && bOK:
		return 1
	case !aOK && !bOK:
		return 0
	case av < bv:
		return -1
	case av > bv:
		return 1
	default:
		return 0
	}
}

func parsePriority(v string) (int64, bool) {
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
