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

// Package loadbalance moves records between cluster nodes over TCP. The
// record encoding is fixed big-endian so nodes of mixed builds interoperate.
package loadbalance

import (
	"encoding/binary"
	"io"
	"time"

	"github.com/pkg/errors"

	"github.com/apache/flowqueue/pkg/flowfile"
)

const maxAttributeLength = 1 << 24

var errAttributeTooLong = errors.New("attribute exceeds maximum length")

// WriteRecord encodes one record's attributes and metadata:
//
//	[int32] attribute count
//	repeated { [int32] keyLen, keyBytes, [int32] valLen, valBytes }
//	[int64] lineageStartDate millis
//	[int64] entryDate millis
//	[int64] penaltyExpiration millis, 0 when unpenalized
func WriteRecord(w io.Writer, record *flowfile.Record) error {
	if err := writeInt32(w, int32(len(record.Attributes))); err != nil {
		return errors.Wrap(err, "write attribute count")
	}
	for k, v := range record.Attributes {
		if err := writeBytes(w, []byte(k)); err != nil {
			return errors.Wrap(err, "write attribute key")
		}
		if err := writeBytes(w, []byte(v)); err != nil {
			return errors.Wrap(err, "write attribute value")
		}
	}
	if err := writeInt64(w, record.LineageStartDate.UnixMilli()); err != nil {
		return errors.Wrap(err, "write lineage start date")
	}
	if err := writeInt64(w, record.EntryDate.UnixMilli()); err != nil {
		return errors.Wrap(err, "write entry date")
	}
	var penalty int64
	if !record.PenaltyExpiration.IsZero() {
		penalty = record.PenaltyExpiration.UnixMilli()
	}
	return errors.Wrap(writeInt64(w, penalty), "write penalty expiration")
}

// ReadRecord decodes one record. The content size travels in the transport
// frame, not here, and is stitched back by the caller.
func ReadRecord(r io.Reader) (*flowfile.Record, error) {
	count, err := readInt32(r)
	if err != nil {
		return nil, errors.Wrap(err, "read attribute count")
	}
	if count < 0 {
		return nil, errors.Errorf("negative attribute count %d", count)
	}
	attributes := make(map[string]string, count)
	for i := int32(0); i < count; i++ {
		key, kErr := readBytes(r)
		if kErr != nil {
			return nil, errors.Wrap(kErr, "read attribute key")
		}
		value, vErr := readBytes(r)
		if vErr != nil {
			return nil, errors.Wrap(vErr, "read attribute value")
		}
		attributes[string(key)] = string(value)
	}
	lineage, err := readInt64(r)
	if err != nil {
		return nil, errors.Wrap(err, "read lineage start date")
	}
	entry, err := readInt64(r)
	if err != nil {
		return nil, errors.Wrap(err, "read entry date")
	}
	penaltyMillis, err := readInt64(r)
	if err != nil {
		return nil, errors.Wrap(err, "read penalty expiration")
	}
	var penalty time.Time
	if penaltyMillis != 0 {
		penalty = time.UnixMilli(penaltyMillis)
	}
	return flowfile.Restore(attributes, 0, time.UnixMilli(entry), time.UnixMilli(lineage), penalty), nil
}

func writeInt32(w io.Writer, v int32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(v))
	_, err := w.Write(buf[:])
	return err
}

func writeInt64(w io.Writer, v int64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	_, err := w.Write(buf[:])
	return err
}

func writeBytes(w io.Writer, b []byte) error {
	if len(b) > maxAttributeLength {
		return errors.Wrapf(errAttributeTooLong, "%d bytes", len(b))
	}
	if err := writeInt32(w, int32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readInt32(r io.Reader) (int32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(buf[:])), nil
}

func readInt64(r io.Reader) (int64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(buf[:])), nil
}

func readBytes(r io.Reader) ([]byte, error) {
	n, err := readInt32(r)
	if err != nil {
		return nil, err
	}
	if n < 0 || n > maxAttributeLength {
		return nil, errors.Errorf("invalid length %d", n)
	}
	b := make([]byte, n)
	if _, err = io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
