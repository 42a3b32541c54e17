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

package loadbalance

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/apache/flowqueue/pkg/flowfile"
	"github.com/apache/flowqueue/pkg/logger"
)

// Transaction frame markers and acknowledgement codes.
const (
	markerMoreRecords byte = 1
	markerComplete    byte = 0

	ackAccepted byte = 1
	ackRejected byte = 0
)

const defaultSendTimeout = 30 * time.Second

// ErrTransactionRejected is returned when the receiving node refuses a
// batch, e.g. for an unknown queue.
var ErrTransactionRejected = errors.New("transaction rejected by receiving node")

// Client ships record batches to peer nodes. One transaction per Send: all
// records are applied by the receiver only after the completion marker, so a
// broken connection never leaves a partial batch on the peer.
type Client struct {
	l           *logger.Logger
	dialer      net.Dialer
	sendTimeout time.Duration
}

// NewClient creates a transport client.
func NewClient() *Client {
	return &Client{
		sendTimeout: defaultSendTimeout,
		l:           logger.GetLogger(moduleName).Named("client"),
	}
}

// Send delivers records to the queue's partition on the addressed node.
func (c *Client) Send(ctx context.Context, nodeAddress, queueID string, records []*flowfile.Record) error {
	conn, err := c.dialer.DialContext(ctx, "tcp", nodeAddress)
	if err != nil {
		return errors.Wrapf(err, "dial %s", nodeAddress)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.sendTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err = conn.SetDeadline(deadline); err != nil {
		return errors.Wrap(err, "set deadline")
	}

	w := bufio.NewWriter(conn)
	if err = writeQueueID(w, queueID); err != nil {
		return errors.Wrap(err, "write queue id")
	}
	for _, record := range records {
		if err = w.WriteByte(markerMoreRecords); err != nil {
			return errors.Wrap(err, "write record marker")
		}
		if err = WriteRecord(w, record); err != nil {
			return err
		}
		if err = writeInt64(w, record.Size); err != nil {
			return errors.Wrap(err, "write content size")
		}
	}
	if err = w.WriteByte(markerComplete); err != nil {
		return errors.Wrap(err, "write completion marker")
	}
	if err = w.Flush(); err != nil {
		return errors.Wrap(err, "flush transaction")
	}

	var ack [1]byte
	if _, err = io.ReadFull(conn, ack[:]); err != nil {
		return errors.Wrap(err, "read acknowledgement")
	}
	if ack[0] != ackAccepted {
		return errors.Wrapf(ErrTransactionRejected, "queue %s on %s", queueID, nodeAddress)
	}
	c.l.Debug().Str("node", nodeAddress).Int("records", len(records)).Msg("transaction accepted")
	return nil
}

func writeQueueID(w io.Writer, queueID string) error {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], uint16(len(queueID)))
	if _, err := w.Write(buf[:]); err != nil {
		return err
	}
	_, err := io.WriteString(w, queueID)
	return err
}

func readQueueID(r io.Reader) (string, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return "", err
	}
	b := make([]byte, binary.BigEndian.Uint16(buf[:]))
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
