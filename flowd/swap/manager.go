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

package swap

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/apache/flowqueue/pkg/flowfile"
	"github.com/apache/flowqueue/pkg/logger"
	"github.com/apache/flowqueue/pkg/run"
)

const (
	moduleName = "swap"

	summaryCacheSize = 1024
)

var swapMagic = []byte("SWAP")

// Manager owns the lifecycle of swap files on durable storage.
type Manager interface {
	// SwapOut durably writes the batch and returns its location. On failure no
	// file is visible under the final swap name and the error is propagated;
	// the caller keeps the records.
	SwapOut(records []*flowfile.Record, queueID, partition string) (string, error)
	// SwapIn restores a batch, removing the swap file and its repository entry
	// only after a fully successful deserialization.
	SwapIn(location, queueID string) (*Contents, error)
	// Peek deserializes without mutating repository state or deleting the file.
	Peek(location, queueID string) (*Contents, error)
	// GetSwapSummary reports a file's aggregate size without materializing records.
	GetSwapSummary(location string) (Summary, error)
	// RecoverSwapLocations scans storage for swap files owned by the given
	// queue and partition, purging leftover temp files from interrupted writes.
	// Locations are returned oldest first.
	RecoverSwapLocations(queueID, partition string) ([]string, error)
	// ChangePartitionName reassigns a swap file to another partition by
	// renaming it, without rewriting its content.
	ChangePartitionName(location, newPartition string) (string, error)
	// Drop deletes a swap file and releases its repository entry.
	Drop(location, queueID string) error
}

// FileSystemSwapManager stores swap files in a flat directory shared by all
// queues on the node. Filename encoding is what keeps queues from
// interfering with each other, so names are never constructed ad hoc.
type FileSystemSwapManager struct {
	repo          Repository
	l             *logger.Logger
	serializer    Serializer
	deserializers map[string]Deserializer
	summaries     *lru.Cache
	dir           string
}

var (
	_ Manager       = (*FileSystemSwapManager)(nil)
	_ run.Config    = (*FileSystemSwapManager)(nil)
	_ run.PreRunner = (*FileSystemSwapManager)(nil)
)

// NewFileSystemSwapManager creates a manager rooted at dir, writing the
// SchemaSwap format and reading both SchemaSwap and the legacy format.
func NewFileSystemSwapManager(repo Repository, dir string) *FileSystemSwapManager {
	cache, err := lru.New(summaryCacheSize)
	if err != nil {
		panic(err)
	}
	return &FileSystemSwapManager{
		repo:       repo,
		dir:        dir,
		l:          logger.GetLogger(moduleName),
		serializer: SchemaSwap{},
		deserializers: map[string]Deserializer{
			SchemaSwapName: SchemaSwap{},
			SimpleSwapName: SimpleSwap{},
		},
		summaries: cache,
	}
}

// Name implements run.Unit.
func (m *FileSystemSwapManager) Name() string { return moduleName }

// FlagSet implements run.Config.
func (m *FileSystemSwapManager) FlagSet() *run.FlagSet {
	fs := run.NewFlagSet("swap")
	fs.StringVar(&m.dir, "swap-dir", m.dir, "directory holding swap files")
	return fs
}

// Validate implements run.Config.
func (m *FileSystemSwapManager) Validate() error {
	if m.dir == "" {
		return errors.New("swap-dir must not be empty")
	}
	return nil
}

// PreRun implements run.PreRunner.
func (m *FileSystemSwapManager) PreRun(_ context.Context) error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return errors.Wrap(err, "create swap directory")
	}
	m.l.Info().Str("dir", m.dir).Msg("swap storage initialized")
	return nil
}

// SwapOut implements Manager.
func (m *FileSystemSwapManager) SwapOut(records []*flowfile.Record, queueID, partition string) (string, error) {
	if len(records) == 0 {
		return "", errors.New("no records to swap out")
	}
	location := filepath.Join(m.dir, swapFileName(queueID, partition, time.Now()))
	temp := location + swapTempSuffix

	if err := m.writeSwapFile(temp, queueID, records); err != nil {
		if rmErr := os.Remove(temp); rmErr != nil && !os.IsNotExist(rmErr) {
			m.l.Warn().Err(rmErr).Str("file", temp).Msg("failed to remove temp swap file")
		}
		return "", errors.Wrapf(err, "swap out %d records of queue %s", len(records), queueID)
	}
	if err := os.Rename(temp, location); err != nil {
		if rmErr := os.Remove(temp); rmErr != nil {
			m.l.Warn().Err(rmErr).Str("file", temp).Msg("failed to remove temp swap file")
		}
		return "", errors.Wrap(err, "publish swap file")
	}

	summary := summarize(records)
	if err := m.repo.RegisterSwapLocation(queueID, location, summary.QueueSize); err != nil {
		// The batch is not lost: the caller keeps its records, so the
		// unregistered file must not stay visible.
		if rmErr := os.Remove(location); rmErr != nil {
			m.l.Warn().Err(rmErr).Str("file", location).Msg("failed to remove unregistered swap file")
		}
		return "", errors.Wrap(err, "register swap location")
	}
	m.summaries.Add(location, summary)
	m.l.Debug().Str("location", location).Int("records", len(records)).Msg("swapped out")
	return location, nil
}

func (m *FileSystemSwapManager) writeSwapFile(path, queueID string, records []*flowfile.Record) (err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(err, "create temp swap file")
	}
	defer func() {
		if cErr := f.Close(); cErr != nil && err == nil {
			err = errors.Wrap(cErr, "close swap file")
		}
	}()
	if _, err = f.Write(swapMagic); err != nil {
		return errors.Wrap(err, "write magic header")
	}
	if err = writeString16(f, m.serializer.Name()); err != nil {
		return errors.Wrap(err, "write serializer name")
	}
	if err = m.serializer.Serialize(f, queueID, records); err != nil {
		return err
	}
	if err = f.Sync(); err != nil {
		return errors.Wrap(err, "sync swap file")
	}
	return nil
}

// SwapIn implements Manager.
func (m *FileSystemSwapManager) SwapIn(location, queueID string) (*Contents, error) {
	if !m.repo.IsValidSwapLocation(location) {
		return nil, errors.Wrap(ErrUnknownSwapLocation, location)
	}
	contents, err := m.Peek(location, queueID)
	if err != nil {
		return nil, err
	}
	if err = m.repo.UnregisterSwapLocation(location); err != nil {
		return nil, errors.Wrap(err, "unregister swap location")
	}
	if err = os.Remove(location); err != nil && !os.IsNotExist(err) {
		m.l.Warn().Err(err).Str("location", location).Msg("failed to delete swapped-in file")
	}
	m.summaries.Remove(location)
	m.l.Debug().Str("location", location).Int("records", len(contents.Records)).Msg("swapped in")
	return contents, nil
}

// Peek implements Manager.
func (m *FileSystemSwapManager) Peek(location, queueID string) (*Contents, error) {
	deserializer, payload, err := m.openSwapFile(location)
	if err != nil {
		return nil, err
	}
	contents, err := deserializer.Deserialize(payload, queueID)
	if err != nil {
		return nil, errors.Wrapf(err, "deserialize swap file %s", location)
	}
	return contents, nil
}

// GetSwapSummary implements Manager.
func (m *FileSystemSwapManager) GetSwapSummary(location string) (Summary, error) {
	if cached, ok := m.summaries.Get(location); ok {
		return cached.(Summary), nil
	}
	deserializer, payload, err := m.openSwapFile(location)
	if err != nil {
		return Summary{}, err
	}
	summary, err := deserializer.ReadSummary(payload)
	if err != nil {
		return Summary{}, errors.Wrapf(err, "read summary of swap file %s", location)
	}
	m.summaries.Add(location, summary)
	return summary, nil
}

// RecoverSwapLocations implements Manager.
func (m *FileSystemSwapManager) RecoverSwapLocations(queueID, partition string) ([]string, error) {
	files, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, errors.Wrap(err, "read swap directory")
	}

	type candidate struct {
		name      string
		timestamp int64
	}
	var candidates []candidate
	var recoverErr error
	for _, file := range files {
		name := file.Name()
		if file.IsDir() {
			continue
		}
		// Leftover temp files are incomplete writes from a prior crash. Their
		// final-name counterparts never became visible, so they hold nothing
		// the repository knows about.
		if filepath.Ext(name) == swapTempSuffix {
			m.l.Warn().Str("file", name).Msg("purging incomplete swap file from previous session")
			if rmErr := os.Remove(filepath.Join(m.dir, name)); rmErr != nil {
				recoverErr = multierr.Append(recoverErr, errors.Wrapf(rmErr, "purge %s", name))
			}
			continue
		}
		info, parseErr := parseSwapFileName(name)
		if parseErr != nil {
			continue
		}
		if info.partition != partition {
			continue
		}
		if info.legacy {
			owner, ownerErr := m.readOwner(filepath.Join(m.dir, name))
			if ownerErr != nil {
				m.l.Error().Err(ownerErr).Str("file", name).Msg("cannot attribute legacy swap file; leaving it in place")
				recoverErr = multierr.Append(recoverErr, ownerErr)
				continue
			}
			if owner != queueID {
				continue
			}
		} else if info.queueID != queueID {
			continue
		}
		candidates = append(candidates, candidate{name: name, timestamp: info.timestamp})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].timestamp != candidates[j].timestamp {
			return candidates[i].timestamp < candidates[j].timestamp
		}
		return candidates[i].name < candidates[j].name
	})

	locations := make([]string, 0, len(candidates))
	for _, c := range candidates {
		location := filepath.Join(m.dir, c.name)
		if !m.repo.IsValidSwapLocation(location) {
			summary, sErr := m.GetSwapSummary(location)
			if sErr != nil {
				// Corrupt or unreadable: report and leave the file for manual
				// inspection rather than deleting data.
				m.l.Error().Err(sErr).Str("location", location).Msg("cannot recover swap file")
				recoverErr = multierr.Append(recoverErr, sErr)
				continue
			}
			if rErr := m.repo.RegisterSwapLocation(queueID, location, summary.QueueSize); rErr != nil {
				recoverErr = multierr.Append(recoverErr, rErr)
				continue
			}
		}
		locations = append(locations, location)
	}
	return locations, recoverErr
}

// ChangePartitionName implements Manager.
func (m *FileSystemSwapManager) ChangePartitionName(location, newPartition string) (string, error) {
	dir, name := filepath.Split(location)
	newName, err := changePartition(name, newPartition)
	if err != nil {
		return "", err
	}
	newLocation := filepath.Join(dir, newName)
	if newLocation == location {
		return location, nil
	}
	if err = os.Rename(location, newLocation); err != nil {
		if os.IsNotExist(err) {
			return "", errors.Wrap(ErrSwapFileMissing, location)
		}
		return "", errors.Wrap(err, "rename swap file")
	}
	if err = m.repo.RenameSwapLocation(location, newLocation); err != nil {
		return "", err
	}
	if cached, ok := m.summaries.Get(location); ok {
		m.summaries.Remove(location)
		m.summaries.Add(newLocation, cached)
	}
	return newLocation, nil
}

// Drop implements Manager.
func (m *FileSystemSwapManager) Drop(location, queueID string) error {
	if !m.repo.IsValidSwapLocation(location) {
		return errors.Wrap(ErrUnknownSwapLocation, location)
	}
	if err := os.Remove(location); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "delete swap file")
	}
	m.summaries.Remove(location)
	return errors.Wrap(m.repo.UnregisterSwapLocation(location), "unregister swap location")
}

// openSwapFile reads a swap file and dispatches on its header: the magic
// marker selects the named deserializer, its absence means the legacy format
// and the stream starts over from the beginning.
func (m *FileSystemSwapManager) openSwapFile(location string) (Deserializer, *bytes.Reader, error) {
	data, err := os.ReadFile(location)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, errors.Wrap(ErrSwapFileMissing, location)
		}
		return nil, nil, errors.Wrap(err, "read swap file")
	}
	if len(data) >= len(swapMagic) && bytes.Equal(data[:len(swapMagic)], swapMagic) {
		payload := bytes.NewReader(data[len(swapMagic):])
		name, nameErr := readString16(payload)
		if nameErr != nil {
			return nil, nil, errors.Wrap(nameErr, "read serializer name")
		}
		deserializer, ok := m.deserializers[name]
		if !ok {
			return nil, nil, errors.Wrap(ErrUnknownSerializer, name)
		}
		return deserializer, payload, nil
	}
	return m.deserializers[SimpleSwapName], bytes.NewReader(data), nil
}

func (m *FileSystemSwapManager) readOwner(location string) (string, error) {
	deserializer, payload, err := m.openSwapFile(location)
	if err != nil {
		return "", err
	}
	if simple, ok := deserializer.(SimpleSwap); ok {
		return simple.PeekQueueID(payload)
	}
	// Versioned payloads lead with the owning queue id as well.
	return readString16(payload)
}

func summarize(records []*flowfile.Record) Summary {
	var summary Summary
	for _, r := range records {
		summary.QueueSize = summary.QueueSize.AddRecord(r.Size)
		if r.ID > summary.MaxFlowFileID {
			summary.MaxFlowFileID = r.ID
		}
	}
	return summary
}
