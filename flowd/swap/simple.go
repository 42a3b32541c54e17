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
	"io"

	"github.com/pkg/errors"

	"github.com/apache/flowqueue/pkg/flowfile"
)

// SimpleSwapName identifies the legacy, pre-versioned swap format. Files in
// this format carry no magic header; the payload leads with the owning queue
// id so ownership can be attributed when the filename does not embed it.
const SimpleSwapName = "Simple"

// SimpleSwap reads and writes the legacy format. New swap files are written
// with SchemaSwap; this format is kept so disk state from old deployments
// survives an upgrade.
type SimpleSwap struct{}

// Name implements Serializer and Deserializer.
func (SimpleSwap) Name() string { return SimpleSwapName }

// Serialize implements Serializer.
func (SimpleSwap) Serialize(w io.Writer, queueID string, records []*flowfile.Record) error {
	if err := writeString16(w, queueID); err != nil {
		return errors.Wrap(err, "write queue id")
	}
	if err := writeUint32(w, uint32(len(records))); err != nil {
		return errors.Wrap(err, "write record count")
	}
	for _, r := range records {
		if err := writeRecord(w, r); err != nil {
			return errors.Wrap(err, "encode record")
		}
	}
	return nil
}

// Deserialize implements Deserializer.
func (SimpleSwap) Deserialize(r io.Reader, queueID string) (*Contents, error) {
	owner, err := readString16(r)
	if err != nil {
		return nil, errors.Wrap(err, "read queue id")
	}
	if owner != queueID {
		return nil, errors.Errorf("swap file is owned by queue %s, not %s", owner, queueID)
	}
	count, err := readUint32(r)
	if err != nil {
		return nil, errors.Wrap(err, "read record count")
	}
	records := make([]*flowfile.Record, 0, count)
	var summary Summary
	for i := uint32(0); i < count; i++ {
		record, rErr := readRecord(r)
		if rErr != nil {
			return nil, errors.Wrapf(rErr, "decode record %d of %d", i+1, count)
		}
		records = append(records, record)
		summary.QueueSize = summary.QueueSize.AddRecord(record.Size)
		if record.ID > summary.MaxFlowFileID {
			summary.MaxFlowFileID = record.ID
		}
	}
	return &Contents{Records: records, Summary: summary}, nil
}

// ReadSummary implements Deserializer. The legacy format carries no summary
// fields, so the whole payload is scanned.
func (s SimpleSwap) ReadSummary(r io.Reader) (Summary, error) {
	contents, err := s.deserializeAnyOwner(r)
	if err != nil {
		return Summary{}, err
	}
	return contents.Summary, nil
}

// PeekQueueID returns the owning queue id a legacy payload leads with.
func (SimpleSwap) PeekQueueID(r io.Reader) (string, error) {
	owner, err := readString16(r)
	return owner, errors.Wrap(err, "read queue id")
}

func (SimpleSwap) deserializeAnyOwner(r io.Reader) (*Contents, error) {
	if _, err := readString16(r); err != nil {
		return nil, errors.Wrap(err, "read queue id")
	}
	count, err := readUint32(r)
	if err != nil {
		return nil, errors.Wrap(err, "read record count")
	}
	records := make([]*flowfile.Record, 0, count)
	var summary Summary
	for i := uint32(0); i < count; i++ {
		record, rErr := readRecord(r)
		if rErr != nil {
			return nil, errors.Wrapf(rErr, "decode record %d of %d", i+1, count)
		}
		records = append(records, record)
		summary.QueueSize = summary.QueueSize.AddRecord(record.Size)
		if record.ID > summary.MaxFlowFileID {
			summary.MaxFlowFileID = record.ID
		}
	}
	return &Contents{Records: records, Summary: summary}, nil
}
