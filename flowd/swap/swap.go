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

// Package swap persists queue overflow to durable storage and recovers it
// after a restart. Batches of records are encoded by a versioned serializer
// into swap files whose names embed the owning queue's identity.
package swap

import (
	"io"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/apache/flowqueue/pkg/flowfile"
)

var (
	// ErrUnknownSwapLocation indicates a swap file not tracked by the repository.
	// Such a file is orphaned: it is reported but never deleted automatically.
	ErrUnknownSwapLocation = errors.New("swap location is not known to the repository")

	// ErrSwapFileMissing indicates a tracked swap file no longer exists on disk.
	ErrSwapFileMissing = errors.New("swap file does not exist")

	// ErrUnknownSerializer indicates a swap file written by a serializer this
	// build does not carry.
	ErrUnknownSerializer = errors.New("unknown swap serializer")
)

// Summary describes a swap file's contents without materializing its records.
type Summary struct {
	QueueSize     flowfile.QueueSize
	MaxFlowFileID uint64
}

// Contents is a fully deserialized swap file.
type Contents struct {
	Records []*flowfile.Record
	Summary Summary
}

// Serializer encodes a batch of records, owned by the identified queue, onto w.
type Serializer interface {
	Name() string
	Serialize(w io.Writer, queueID string, records []*flowfile.Record) error
}

// Deserializer decodes a swap payload previously written by the serializer of
// the same name. ReadSummary must not require decoding individual records
// when the format allows it.
type Deserializer interface {
	Name() string
	Deserialize(r io.Reader, queueID string) (*Contents, error)
	ReadSummary(r io.Reader) (Summary, error)
}

// Repository is the authoritative index of swap-file ownership. A location,
// once registered, belongs to exactly one queue until it is swapped back in
// or dropped.
type Repository interface {
	RegisterSwapLocation(queueID, location string, size flowfile.QueueSize) error
	UnregisterSwapLocation(location string) error
	RenameSwapLocation(oldLocation, newLocation string) error
	IsValidSwapLocation(location string) bool
	SwapLocations(queueID string) []string
}

// memoryRepository is a Repository held entirely in memory. Production
// deployments back this with the FlowFile repository; tests and single-node
// setups use it directly.
type memoryRepository struct {
	locations map[string]swapEntry
	mu        sync.RWMutex
}

type swapEntry struct {
	queueID string
	size    flowfile.QueueSize
}

// NewMemoryRepository returns an empty in-memory swap Repository.
func NewMemoryRepository() Repository {
	return &memoryRepository{locations: make(map[string]swapEntry)}
}

func (m *memoryRepository) RegisterSwapLocation(queueID, location string, size flowfile.QueueSize) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.locations[location]; ok {
		return errors.Errorf("swap location %s is already registered", location)
	}
	m.locations[location] = swapEntry{queueID: queueID, size: size}
	return nil
}

func (m *memoryRepository) UnregisterSwapLocation(location string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.locations[location]; !ok {
		return errors.Wrap(ErrUnknownSwapLocation, location)
	}
	delete(m.locations, location)
	return nil
}

func (m *memoryRepository) RenameSwapLocation(oldLocation, newLocation string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.locations[oldLocation]
	if !ok {
		return errors.Wrap(ErrUnknownSwapLocation, oldLocation)
	}
	delete(m.locations, oldLocation)
	m.locations[newLocation] = entry
	return nil
}

func (m *memoryRepository) IsValidSwapLocation(location string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.locations[location]
	return ok
}

func (m *memoryRepository) SwapLocations(queueID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for location, entry := range m.locations {
		if entry.queueID == queueID {
			out = append(out, location)
		}
	}
	sort.Strings(out)
	return out
}
