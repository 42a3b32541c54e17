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
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apache/flowqueue/pkg/flowfile"
)

func newTestManager(t *testing.T) *FileSystemSwapManager {
	t.Helper()
	return NewFileSystemSwapManager(NewMemoryRepository(), t.TempDir())
}

func listSwapDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestSwapOutSwapInRoundTrip(t *testing.T) {
	m := newTestManager(t)
	queueID := uuid.NewString()
	records := testRecords(500)

	location, err := m.SwapOut(records, queueID, "")
	require.NoError(t, err)
	assert.True(t, m.repo.IsValidSwapLocation(location))
	require.FileExists(t, location)

	summary, err := m.GetSwapSummary(location)
	require.NoError(t, err)
	assert.Equal(t, 500, summary.QueueSize.ObjectCount)

	contents, err := m.SwapIn(location, queueID)
	require.NoError(t, err)
	assertSameRecords(t, records, contents.Records)

	assert.NoFileExists(t, location)
	assert.False(t, m.repo.IsValidSwapLocation(location))
	assert.Empty(t, listSwapDir(t, m.dir))
}

func TestPeekDoesNotMutate(t *testing.T) {
	m := newTestManager(t)
	queueID := uuid.NewString()

	location, err := m.SwapOut(testRecords(10), queueID, "")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		contents, pErr := m.Peek(location, queueID)
		require.NoError(t, pErr)
		assert.Len(t, contents.Records, 10)
	}
	assert.FileExists(t, location)
	assert.True(t, m.repo.IsValidSwapLocation(location))
}

func TestSwapInRejectsUnknownLocation(t *testing.T) {
	m := newTestManager(t)
	_, err := m.SwapIn(filepath.Join(m.dir, "nowhere.swap"), uuid.NewString())
	assert.ErrorIs(t, err, ErrUnknownSwapLocation)
}

func TestSwapInRejectsForeignQueue(t *testing.T) {
	m := newTestManager(t)
	queueID := uuid.NewString()

	location, err := m.SwapOut(testRecords(5), queueID, "")
	require.NoError(t, err)

	_, err = m.SwapIn(location, uuid.NewString())
	assert.Error(t, err)
	// A rejected swap-in leaves the file and its registration intact.
	assert.FileExists(t, location)
	assert.True(t, m.repo.IsValidSwapLocation(location))
}

type failingSerializer struct{}

func (failingSerializer) Name() string { return SchemaSwapName }

func (failingSerializer) Serialize(io.Writer, string, []*flowfile.Record) error {
	return errors.New("disk full")
}

func TestFailedSwapOutLeavesNoFile(t *testing.T) {
	m := newTestManager(t)
	m.serializer = failingSerializer{}

	_, err := m.SwapOut(testRecords(5), uuid.NewString(), "")
	require.Error(t, err)
	assert.Empty(t, listSwapDir(t, m.dir))
}

func TestDrop(t *testing.T) {
	m := newTestManager(t)
	queueID := uuid.NewString()

	location, err := m.SwapOut(testRecords(5), queueID, "")
	require.NoError(t, err)

	require.NoError(t, m.Drop(location, queueID))
	assert.NoFileExists(t, location)
	assert.False(t, m.repo.IsValidSwapLocation(location))

	assert.ErrorIs(t, m.Drop(location, queueID), ErrUnknownSwapLocation)
}

func TestRecoverSwapLocations(t *testing.T) {
	m := newTestManager(t)
	queueID := uuid.NewString()
	otherQueue := uuid.NewString()

	write := func(name, owner string, count int) string {
		t.Helper()
		path := filepath.Join(m.dir, name)
		require.NoError(t, m.writeSwapFile(path, owner, testRecords(count)))
		return path
	}

	newest := write("3000-"+queueID+"-"+uuid.NewString()+".swap", queueID, 3)
	oldest := write("1000-"+queueID+"-"+uuid.NewString()+".swap", queueID, 1)
	middle := write("2000-"+queueID+"-"+uuid.NewString()+".swap", queueID, 2)
	write("1500-"+otherQueue+"-"+uuid.NewString()+".swap", otherQueue, 4)
	write("500-"+queueID+"-"+uuid.NewString()+".p1.swap", queueID, 5)

	// Interrupted write from a previous session.
	leftover := filepath.Join(m.dir, "4000-"+queueID+"-"+uuid.NewString()+".swap"+swapTempSuffix)
	require.NoError(t, os.WriteFile(leftover, []byte("partial"), 0o644))

	locations, err := m.RecoverSwapLocations(queueID, "")
	require.NoError(t, err)
	assert.Equal(t, []string{oldest, middle, newest}, locations)
	assert.NoFileExists(t, leftover)

	for _, location := range locations {
		assert.True(t, m.repo.IsValidSwapLocation(location))
		summary, sErr := m.GetSwapSummary(location)
		require.NoError(t, sErr)
		assert.NotZero(t, summary.QueueSize.ObjectCount)
	}
}

func TestRecoverLegacySwapFilesByOwner(t *testing.T) {
	m := newTestManager(t)
	queueID := uuid.NewString()
	otherQueue := uuid.NewString()

	writeLegacy := func(name, owner string, count int) string {
		t.Helper()
		var buf bytes.Buffer
		require.NoError(t, SimpleSwap{}.Serialize(&buf, owner, testRecords(count)))
		path := filepath.Join(m.dir, name)
		require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
		return path
	}

	mine := writeLegacy("1000-"+uuid.NewString()+".swap", queueID, 7)
	writeLegacy("2000-"+uuid.NewString()+".swap", otherQueue, 3)

	locations, err := m.RecoverSwapLocations(queueID, "")
	require.NoError(t, err)
	assert.Equal(t, []string{mine}, locations)

	contents, err := m.SwapIn(mine, queueID)
	require.NoError(t, err)
	assert.Len(t, contents.Records, 7)
}

func TestRecoverSkipsCorruptFiles(t *testing.T) {
	m := newTestManager(t)
	queueID := uuid.NewString()

	good := filepath.Join(m.dir, "2000-"+queueID+"-"+uuid.NewString()+".swap")
	require.NoError(t, m.writeSwapFile(good, queueID, testRecords(2)))

	corrupt := filepath.Join(m.dir, "1000-"+queueID+"-"+uuid.NewString()+".swap")
	require.NoError(t, os.WriteFile(corrupt, append(append([]byte{}, swapMagic...), 0xFF, 0xFF), 0o644))

	locations, err := m.RecoverSwapLocations(queueID, "")
	assert.Error(t, err)
	assert.Equal(t, []string{good}, locations)
	// The corrupt file stays on disk for inspection.
	assert.FileExists(t, corrupt)
}

func TestChangePartitionName(t *testing.T) {
	m := newTestManager(t)
	queueID := uuid.NewString()

	location, err := m.SwapOut(testRecords(5), queueID, "partition-1")
	require.NoError(t, err)
	before, err := m.GetSwapSummary(location)
	require.NoError(t, err)

	moved, err := m.ChangePartitionName(location, "partition-2")
	require.NoError(t, err)
	assert.NotEqual(t, location, moved)
	assert.NoFileExists(t, location)
	assert.FileExists(t, moved)
	assert.False(t, m.repo.IsValidSwapLocation(location))
	assert.True(t, m.repo.IsValidSwapLocation(moved))

	after, err := m.GetSwapSummary(moved)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	info, err := parseSwapFileName(filepath.Base(moved))
	require.NoError(t, err)
	assert.Equal(t, "partition-2", info.partition)

	contents, err := m.SwapIn(moved, queueID)
	require.NoError(t, err)
	assert.Len(t, contents.Records, 5)
}

func TestChangePartitionNameMissingFile(t *testing.T) {
	m := newTestManager(t)
	queueID := uuid.NewString()

	location, err := m.SwapOut(testRecords(2), queueID, "partition-1")
	require.NoError(t, err)
	require.NoError(t, os.Remove(location))

	_, err = m.ChangePartitionName(location, "partition-2")
	assert.ErrorIs(t, err, ErrSwapFileMissing)
}
