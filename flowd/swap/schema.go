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
	"time"

	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"github.com/apache/flowqueue/pkg/flowfile"
	"github.com/apache/flowqueue/pkg/pool"
)

var blockBufferPool = pool.Register[*bytes.Buffer]("swap-block-buffer")

// SchemaSwapName identifies the current swap serialization format.
const SchemaSwapName = "SchemaSwap"

// SchemaSwap is the current swap format. The payload leads with the owning
// queue id and the queue summary, so summaries are read without touching the
// record block. Records follow in one snappy-compressed block.
type SchemaSwap struct{}

// Name implements Serializer and Deserializer.
func (SchemaSwap) Name() string { return SchemaSwapName }

// Serialize implements Serializer.
func (SchemaSwap) Serialize(w io.Writer, queueID string, records []*flowfile.Record) error {
	if err := writeString16(w, queueID); err != nil {
		return errors.Wrap(err, "write queue id")
	}
	var byteCount int64
	var maxID uint64
	for _, r := range records {
		byteCount += r.Size
		if r.ID > maxID {
			maxID = r.ID
		}
	}
	if err := writeUint32(w, uint32(len(records))); err != nil {
		return errors.Wrap(err, "write record count")
	}
	if err := writeUint64(w, uint64(byteCount)); err != nil {
		return errors.Wrap(err, "write byte count")
	}
	if err := writeUint64(w, maxID); err != nil {
		return errors.Wrap(err, "write max record id")
	}

	block := blockBufferPool.Get()
	if block == nil {
		block = &bytes.Buffer{}
	}
	defer func() {
		block.Reset()
		blockBufferPool.Put(block)
	}()
	for _, r := range records {
		if err := writeRecord(block, r); err != nil {
			return errors.Wrap(err, "encode record block")
		}
	}
	compressed := snappy.Encode(nil, block.Bytes())
	if err := writeUint32(w, uint32(len(compressed))); err != nil {
		return errors.Wrap(err, "write block length")
	}
	if _, err := w.Write(compressed); err != nil {
		return errors.Wrap(err, "write record block")
	}
	return nil
}

// Deserialize implements Deserializer.
func (s SchemaSwap) Deserialize(r io.Reader, queueID string) (*Contents, error) {
	owner, summary, err := s.readHeader(r)
	if err != nil {
		return nil, err
	}
	if owner != queueID {
		return nil, errors.Errorf("swap file is owned by queue %s, not %s", owner, queueID)
	}
	blockLen, err := readUint32(r)
	if err != nil {
		return nil, errors.Wrap(err, "read block length")
	}
	compressed := make([]byte, blockLen)
	if _, err = io.ReadFull(r, compressed); err != nil {
		return nil, errors.Wrap(err, "read record block")
	}
	block, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, errors.Wrap(err, "decompress record block")
	}
	br := bytes.NewReader(block)
	records := make([]*flowfile.Record, 0, summary.QueueSize.ObjectCount)
	for i := 0; i < summary.QueueSize.ObjectCount; i++ {
		record, rErr := readRecord(br)
		if rErr != nil {
			return nil, errors.Wrapf(rErr, "decode record %d of %d", i+1, summary.QueueSize.ObjectCount)
		}
		records = append(records, record)
	}
	return &Contents{Records: records, Summary: summary}, nil
}

// ReadSummary implements Deserializer.
func (s SchemaSwap) ReadSummary(r io.Reader) (Summary, error) {
	_, summary, err := s.readHeader(r)
	return summary, err
}

func (SchemaSwap) readHeader(r io.Reader) (string, Summary, error) {
	owner, err := readString16(r)
	if err != nil {
		return "", Summary{}, errors.Wrap(err, "read queue id")
	}
	count, err := readUint32(r)
	if err != nil {
		return "", Summary{}, errors.Wrap(err, "read record count")
	}
	byteCount, err := readUint64(r)
	if err != nil {
		return "", Summary{}, errors.Wrap(err, "read byte count")
	}
	maxID, err := readUint64(r)
	if err != nil {
		return "", Summary{}, errors.Wrap(err, "read max record id")
	}
	return owner, Summary{
		QueueSize:     flowfile.QueueSize{ObjectCount: int(count), ByteCount: int64(byteCount)},
		MaxFlowFileID: maxID,
	}, nil
}

func writeRecord(w io.Writer, r *flowfile.Record) error {
	if err := writeUint64(w, r.ID); err != nil {
		return err
	}
	if err := writeString16(w, r.UUID); err != nil {
		return err
	}
	if err := writeUint64(w, uint64(r.Size)); err != nil {
		return err
	}
	for _, t := range []time.Time{r.EntryDate, r.LineageStartDate, r.PenaltyExpiration} {
		if err := writeUint64(w, uint64(timeToMillis(t))); err != nil {
			return err
		}
	}
	if err := writeUint32(w, uint32(len(r.Attributes))); err != nil {
		return err
	}
	for k, v := range r.Attributes {
		if err := writeString32(w, k); err != nil {
			return err
		}
		if err := writeString32(w, v); err != nil {
			return err
		}
	}
	return nil
}

func readRecord(r io.Reader) (*flowfile.Record, error) {
	id, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	recordUUID, err := readString16(r)
	if err != nil {
		return nil, err
	}
	size, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	times := make([]time.Time, 3)
	for i := range times {
		millis, tErr := readUint64(r)
		if tErr != nil {
			return nil, tErr
		}
		times[i] = millisToTime(int64(millis))
	}
	attrCount, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	attrs := make(map[string]string, attrCount)
	for i := uint32(0); i < attrCount; i++ {
		k, kErr := readString32(r)
		if kErr != nil {
			return nil, kErr
		}
		v, vErr := readString32(r)
		if vErr != nil {
			return nil, vErr
		}
		attrs[k] = v
	}
	return &flowfile.Record{
		ID:                id,
		UUID:              recordUUID,
		Size:              int64(size),
		EntryDate:         times[0],
		LineageStartDate:  times[1],
		PenaltyExpiration: times[2],
		Attributes:        attrs,
	}, nil
}

func timeToMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func millisToTime(millis int64) time.Time {
	if millis == 0 {
		return time.Time{}
	}
	return time.UnixMilli(millis)
}
