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
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apache/flowqueue/pkg/flowfile"
)

func testRecords(n int) []*flowfile.Record {
	records := make([]*flowfile.Record, 0, n)
	for i := 0; i < n; i++ {
		r := flowfile.New(map[string]string{
			"correlation": fmt.Sprintf("customer-%d", i%7),
			"path":        "/in",
		}, int64(100+i))
		r.EntryDate = time.UnixMilli(1700000000000 + int64(i))
		r.LineageStartDate = r.EntryDate
		if i%10 == 0 {
			r.PenaltyExpiration = r.EntryDate.Add(30 * time.Second)
		}
		records = append(records, r)
	}
	return records
}

func assertSameRecords(t *testing.T, want, got []*flowfile.Record) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].ID, got[i].ID)
		assert.Equal(t, want[i].UUID, got[i].UUID)
		assert.Equal(t, want[i].Size, got[i].Size)
		assert.Equal(t, want[i].Attributes, got[i].Attributes)
		assert.Equal(t, want[i].EntryDate.UnixMilli(), got[i].EntryDate.UnixMilli())
		assert.Equal(t, want[i].LineageStartDate.UnixMilli(), got[i].LineageStartDate.UnixMilli())
		assert.Equal(t, want[i].PenaltyExpiration.IsZero(), got[i].PenaltyExpiration.IsZero())
	}
}

func TestSchemaSwapRoundTrip(t *testing.T) {
	records := testRecords(250)
	queueID := uuid.NewString()

	var buf bytes.Buffer
	require.NoError(t, SchemaSwap{}.Serialize(&buf, queueID, records))

	contents, err := SchemaSwap{}.Deserialize(bytes.NewReader(buf.Bytes()), queueID)
	require.NoError(t, err)
	assertSameRecords(t, records, contents.Records)
	assert.Equal(t, 250, contents.Summary.QueueSize.ObjectCount)
}

func TestSchemaSwapSummaryWithoutRecords(t *testing.T) {
	records := testRecords(100)
	queueID := uuid.NewString()

	var buf bytes.Buffer
	require.NoError(t, SchemaSwap{}.Serialize(&buf, queueID, records))

	// The summary precedes the record block: truncate to just past the header
	// to prove no record decoding happens.
	header := buf.Bytes()[:2+len(queueID)+4+8+8]
	summary, err := SchemaSwap{}.ReadSummary(bytes.NewReader(header))
	require.NoError(t, err)
	assert.Equal(t, 100, summary.QueueSize.ObjectCount)
	var wantBytes int64
	var wantMax uint64
	for _, r := range records {
		wantBytes += r.Size
		if r.ID > wantMax {
			wantMax = r.ID
		}
	}
	assert.Equal(t, wantBytes, summary.QueueSize.ByteCount)
	assert.Equal(t, wantMax, summary.MaxFlowFileID)
}

func TestSchemaSwapRejectsForeignQueue(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, SchemaSwap{}.Serialize(&buf, uuid.NewString(), testRecords(3)))
	_, err := SchemaSwap{}.Deserialize(bytes.NewReader(buf.Bytes()), uuid.NewString())
	assert.Error(t, err)
}

func TestSimpleSwapRoundTrip(t *testing.T) {
	records := testRecords(25)
	queueID := uuid.NewString()

	var buf bytes.Buffer
	require.NoError(t, SimpleSwap{}.Serialize(&buf, queueID, records))

	owner, err := SimpleSwap{}.PeekQueueID(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, queueID, owner)

	contents, err := SimpleSwap{}.Deserialize(bytes.NewReader(buf.Bytes()), queueID)
	require.NoError(t, err)
	assertSameRecords(t, records, contents.Records)

	summary, err := SimpleSwap{}.ReadSummary(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 25, summary.QueueSize.ObjectCount)
}
