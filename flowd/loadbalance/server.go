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
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/apache/flowqueue/pkg/flowfile"
	"github.com/apache/flowqueue/pkg/logger"
	"github.com/apache/flowqueue/pkg/run"
)

const moduleName = "loadbalance"

// Receiver deposits records arriving from peer nodes into their queue.
type Receiver interface {
	Receive(queueID string, records []*flowfile.Record) error
}

// Server accepts record transactions from peer nodes. A transaction's
// records are buffered and handed to the Receiver only once the completion
// marker arrives, so a half-transferred batch is never applied.
type Server struct {
	receiver Receiver
	l        *logger.Logger
	listener net.Listener
	closer   *run.Closer
	stopCh   chan struct{}
	addr     string
	mu       sync.Mutex
}

var (
	_ run.Config  = (*Server)(nil)
	_ run.Service = (*Server)(nil)
)

// NewServer creates a transport server feeding the given receiver.
func NewServer(receiver Receiver) *Server {
	return &Server{
		receiver: receiver,
		addr:     ":6342",
		closer:   run.NewCloser(0),
		stopCh:   make(chan struct{}),
		l:        logger.GetLogger(moduleName),
	}
}

// Name implements run.Unit.
func (s *Server) Name() string { return moduleName }

// FlagSet implements run.Config.
func (s *Server) FlagSet() *run.FlagSet {
	fs := run.NewFlagSet("loadbalance")
	fs.StringVar(&s.addr, "load-balance-addr", s.addr, "listen address for node-to-node record transfer")
	return fs
}

// Validate implements run.Config.
func (s *Server) Validate() error {
	if s.addr == "" {
		return errors.New("load-balance-addr must not be empty")
	}
	return nil
}

// Serve implements run.Service.
func (s *Server) Serve() run.StopNotify {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.l.Error().Err(err).Str("addr", s.addr).Msg("failed to listen")
		close(s.stopCh)
		return s.stopCh
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	s.l.Info().Str("addr", listener.Addr().String()).Msg("listening for record transfer")

	go func() {
		defer close(s.stopCh)
		for {
			conn, aErr := listener.Accept()
			if aErr != nil {
				if s.closer.Closed() {
					return
				}
				s.l.Warn().Err(aErr).Msg("accept failed")
				continue
			}
			if !s.closer.AddRunning() {
				_ = conn.Close()
				return
			}
			go s.handle(conn)
		}
	}()
	return s.stopCh
}

// Addr returns the bound listen address, usable once Serve has started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// GracefulStop implements run.Service.
func (s *Server) GracefulStop() {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	s.closer.CloseThenWait()
	if listener != nil {
		_ = listener.Close()
	}
}

func (s *Server) handle(conn net.Conn) {
	defer s.closer.Done()
	defer conn.Close()
	if err := conn.SetDeadline(time.Now().Add(defaultSendTimeout)); err != nil {
		return
	}
	r := bufio.NewReader(conn)
	queueID, err := readQueueID(r)
	if err != nil {
		s.l.Warn().Err(err).Str("peer", conn.RemoteAddr().String()).Msg("bad transaction header")
		return
	}
	records, err := s.readTransaction(r)
	if err != nil {
		s.l.Warn().Err(err).Str("peer", conn.RemoteAddr().String()).Str("queue", queueID).Msg("transaction aborted")
		_, _ = conn.Write([]byte{ackRejected})
		return
	}
	if err = s.receiver.Receive(queueID, records); err != nil {
		s.l.Warn().Err(err).Str("queue", queueID).Int("records", len(records)).Msg("rejected incoming records")
		_, _ = conn.Write([]byte{ackRejected})
		return
	}
	if _, err = conn.Write([]byte{ackAccepted}); err != nil {
		s.l.Warn().Err(err).Str("queue", queueID).Msg("failed to acknowledge; peer will requeue")
	}
	s.l.Debug().Str("queue", queueID).Int("records", len(records)).Msg("received records")
}

func (s *Server) readTransaction(r *bufio.Reader) ([]*flowfile.Record, error) {
	var records []*flowfile.Record
	for {
		marker, err := r.ReadByte()
		if err != nil {
			return nil, errors.Wrap(err, "read record marker")
		}
		switch marker {
		case markerComplete:
			return records, nil
		case markerMoreRecords:
			record, rErr := ReadRecord(r)
			if rErr != nil {
				return nil, rErr
			}
			size, sErr := readInt64(r)
			if sErr != nil {
				return nil, errors.Wrap(sErr, "read content size")
			}
			record.Size = size
			records = append(records, record)
		default:
			return nil, errors.Errorf("unknown frame marker 0x%02x", marker)
		}
	}
}
