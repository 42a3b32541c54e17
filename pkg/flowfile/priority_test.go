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

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func recordAt(entry time.Time, size int64, attrs map[string]string) *Record {
	r := New(attrs, size)
	r.EntryDate = entry
	r.LineageStartDate = entry
	return r
}

func TestOldestFirstPrioritizer(t *testing.T) {
	base := time.UnixMilli(1700000000000)
	old := recordAt(base, 1, nil)
	young := recordAt(base.Add(time.Minute), 1, nil)
	p := OldestFirstPrioritizer{}
	assert.Negative(t, p.Compare(old, young))
	assert.Positive(t, p.Compare(young, old))
	assert.Zero(t, p.Compare(old, old))
}

func TestNewestFirstPrioritizer(t *testing.T) {
	base := time.UnixMilli(1700000000000)
	old := recordAt(base, 1, nil)
	young := recordAt(base.Add(time.Minute), 1, nil)
	p := NewestFirstPrioritizer{}
	assert.Negative(t, p.Compare(young, old))
	assert.Positive(t, p.Compare(old, young))
}

func TestLargestFirstPrioritizer(t *testing.T) {
	small := New(nil, 10)
	large := New(nil, 1000)
	p := LargestFirstPrioritizer{}
	assert.Negative(t, p.Compare(large, small))
	assert.Positive(t, p.Compare(small, large))
	assert.Zero(t, p.Compare(small, small))
}

func TestAttributePrioritizer(t *testing.T) {
	p := AttributePrioritizer{Attribute: "rank"}
	low := New(map[string]string{"rank": "1"}, 1)
	high := New(map[string]string{"rank": "20"}, 1)
	missing := New(nil, 1)
	garbage := New(map[string]string{"rank": "first"}, 1)

	assert.Negative(t, p.Compare(low, high))
	assert.Positive(t, p.Compare(high, low))
	// Records without a usable value sort last.
	assert.Negative(t, p.Compare(high, missing))
	assert.Negative(t, p.Compare(high, garbage))
	assert.Zero(t, p.Compare(missing, garbage))
}

func TestCompareFallsBackToInsertionOrder(t *testing.T) {
	first := New(nil, 5)
	second := New(nil, 5)
	// Equal under the prioritizer, so the earlier record wins.
	assert.Negative(t, Compare([]Prioritizer{LargestFirstPrioritizer{}}, first, second))
	assert.Positive(t, Compare([]Prioritizer{LargestFirstPrioritizer{}}, second, first))
	assert.Zero(t, Compare(nil, first, first))
}

func TestCompareAppliesPrioritizersInOrder(t *testing.T) {
	base := time.UnixMilli(1700000000000)
	bigOld := recordAt(base, 100, nil)
	bigYoung := recordAt(base.Add(time.Hour), 100, nil)
	small := recordAt(base, 1, nil)
	chain := []Prioritizer{LargestFirstPrioritizer{}, OldestFirstPrioritizer{}}

	assert.Negative(t, Compare(chain, bigOld, small))
	assert.Negative(t, Compare(chain, bigOld, bigYoung))
}

func TestRestoreKeepsIdentity(t *testing.T) {
	entry := time.UnixMilli(1700000000000)
	r := Restore(map[string]string{AttributeUUID: "fixed-id", "k": "v"}, 42, entry, entry, time.Time{})
	assert.Equal(t, "fixed-id", r.UUID)
	assert.Equal(t, "fixed-id", r.Attribute(AttributeUUID))
	assert.Equal(t, int64(42), r.Size)

	anonymous := Restore(map[string]string{"k": "v"}, 1, entry, entry, time.Time{})
	assert.NotEmpty(t, anonymous.UUID)
	assert.NotEqual(t, r.ID, anonymous.ID)
}

func TestPenaltyAndExpiration(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	r := recordAt(now, 1, nil)
	assert.False(t, r.Penalized(now))
	r.Penalize(now, time.Minute)
	assert.True(t, r.Penalized(now))
	assert.False(t, r.Penalized(now.Add(time.Minute)))

	assert.False(t, r.Expired(now.Add(time.Hour), 0))
	assert.True(t, r.Expired(now.Add(time.Hour), time.Minute))
	assert.False(t, r.Expired(now.Add(time.Second), time.Minute))
}
