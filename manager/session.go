// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package manager

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/destiny/rtma/core"
	"github.com/destiny/rtma/envelope"
)

// session is one accepted connection. The fields below the line are owned
// by the dispatch loop.
type session struct {
	id   string
	conn *envelope.Conn
	out  chan envelope.Envelope

	done       chan struct{} // closed by the dispatch loop on teardown
	writerDone chan struct{}
	closeOnce  sync.Once

	fmu    sync.Mutex
	failed []envelope.Header // written after a write error

	// ---
	connected bool
	mod       core.ModuleID
	host      core.HostID
	logger    bool
	dead      bool
}

type inbound struct {
	s     *session
	frame envelope.Frame
}

// closeEvent reports that a session's reader stopped.
type closeEvent struct {
	s   *session
	err error
}

// managerCmd is a request served by the dispatch loop.
type managerCmd struct {
	action string
	data   interface{}
	reply  chan interface{}
}

func newSession(conn net.Conn, queue int) *session {
	return &session{
		id:         uuid.NewString(),
		conn:       envelope.NewConn(conn, nil),
		out:        make(chan envelope.Envelope, queue),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

func (s *session) String() string {
	if s.connected {
		return s.mod.String()
	}
	return s.id
}

func (s *session) close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	})
	return err
}

// readLoop feeds frames to the dispatch loop until the connection fails.
// Every frame is stamped with its receive time.
func (m *Manager) readLoop(ctx context.Context, s *session) error {
	var err error
	for {
		var f envelope.Frame
		f, err = s.conn.ReadFrame()
		if err != nil {
			break
		}
		f.Header.RecvTime = m.now()
		m.metrics.framesReceived.Inc()
		select {
		case m.inbound <- inbound{s: s, frame: f}:
		case <-s.done:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
	if errors.Is(err, io.EOF) {
		err = nil
	}
	select {
	case m.closed <- closeEvent{s: s, err: err}:
	case <-s.done:
	case <-ctx.Done():
	}
	return nil
}

// writeLoop drains the session queue. After a write error the connection
// is closed and every remaining queued message is recorded as failed
// until the dispatch loop tears the session down.
func (m *Manager) writeLoop(ctx context.Context, s *session) error {
	defer close(s.writerDone)
	broken := false
	for {
		select {
		case env := <-s.out:
			if broken {
				s.recordFailed(env.Header)
				continue
			}
			if err := s.conn.WriteEnvelope(env); err != nil {
				broken = true
				s.recordFailed(env.Header)
				_ = s.conn.Close()
			}
		case <-s.done:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *session) recordFailed(h envelope.Header) {
	s.fmu.Lock()
	s.failed = append(s.failed, h)
	s.fmu.Unlock()
}

// drainFailed collects the headers of everything the session will never
// deliver. It must only run after the writer exited.
func (s *session) drainFailed() []envelope.Header {
	s.fmu.Lock()
	out := s.failed
	s.failed = nil
	s.fmu.Unlock()
	for {
		select {
		case env := <-s.out:
			out = append(out, env.Header)
		default:
			return out
		}
	}
}
