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
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apache/flowqueue/pkg/flowfile"
)

type memoryReceiver struct {
	mu        sync.Mutex
	byQueue   map[string][]*flowfile.Record
	rejectAll bool
}

func newMemoryReceiver() *memoryReceiver {
	return &memoryReceiver{byQueue: map[string][]*flowfile.Record{}}
}

func (m *memoryReceiver) Receive(queueID string, records []*flowfile.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rejectAll {
		return errors.New("unknown queue")
	}
	m.byQueue[queueID] = append(m.byQueue[queueID], records...)
	return nil
}

func (m *memoryReceiver) records(queueID string) []*flowfile.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byQueue[queueID]
}

func startServer(t *testing.T, receiver Receiver) *Server {
	t.Helper()
	server := NewServer(receiver)
	server.addr = "127.0.0.1:0"
	stopped := server.Serve()
	t.Cleanup(func() {
		server.GracefulStop()
		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			t.Fatal("server did not stop")
		}
	})
	return server
}

func TestLoopbackTransfer(t *testing.T) {
	receiver := newMemoryReceiver()
	server := startServer(t, receiver)
	client := NewClient()

	records := []*flowfile.Record{
		flowfile.New(map[string]string{"path": "/a"}, 100),
		flowfile.New(map[string]string{"path": "/b"}, 200),
	}
	require.NoError(t, client.Send(context.Background(), server.Addr(), "queue-1", records))

	got := receiver.records("queue-1")
	require.Len(t, got, 2)
	assert.Equal(t, records[0].UUID, got[0].UUID)
	assert.Equal(t, records[1].UUID, got[1].UUID)
	assert.Equal(t, int64(100), got[0].Size)
	assert.Equal(t, int64(200), got[1].Size)
	assert.Equal(t, "/a", got[0].Attribute("path"))
}

func TestRejectedTransaction(t *testing.T) {
	receiver := newMemoryReceiver()
	receiver.rejectAll = true
	server := startServer(t, receiver)
	client := NewClient()

	err := client.Send(context.Background(), server.Addr(), "queue-x", []*flowfile.Record{flowfile.New(nil, 1)})
	assert.ErrorIs(t, err, ErrTransactionRejected)
}

func TestSendToDeadNodeFails(t *testing.T) {
	client := NewClient()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := client.Send(ctx, "127.0.0.1:1", "queue-1", []*flowfile.Record{flowfile.New(nil, 1)})
	assert.Error(t, err)
}

func TestEmptyTransaction(t *testing.T) {
	receiver := newMemoryReceiver()
	server := startServer(t, receiver)
	client := NewClient()

	require.NoError(t, client.Send(context.Background(), server.Addr(), "queue-1", nil))
	assert.Empty(t, receiver.records("queue-1"))
}
