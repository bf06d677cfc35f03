// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package envelope

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

var ErrClosedConn = errors.New("envelope: read/write on closed connection")

// Conn carries frames over a stream connection. Writes are serialized so
// the fragments of one envelope are never interleaved with another
// envelope's frames on the same connection.
type Conn struct {
	rw  net.Conn
	wmu sync.Mutex

	closed         int32
	onCloseErrorCB func(c *Conn)
}

// NewConn wraps rw. An optional onCloseErrorCB is invoked once when an I/O
// error marks the connection closed.
func NewConn(rw net.Conn, onCloseErrorCB func(c *Conn)) *Conn {
	return &Conn{rw: rw, onCloseErrorCB: onCloseErrorCB}
}

func (c *Conn) Close() error {
	atomic.StoreInt32(&c.closed, 1)
	return c.rw.Close()
}

func (c *Conn) RemoteAddr() net.Addr { return c.rw.RemoteAddr() }

func (c *Conn) SetReadDeadline(t time.Time) error { return c.rw.SetReadDeadline(t) }

func (c *Conn) SetWriteDeadline(t time.Time) error { return c.rw.SetWriteDeadline(t) }

// ReadFrame reads the next frame.
func (c *Conn) ReadFrame() (Frame, error) {
	if c.Closed() {
		return Frame{}, ErrClosedConn
	}
	f, err := ReadFrame(c.rw)
	c.checkIO(err)
	return f, err
}

// WriteFrame writes a single frame.
func (c *Conn) WriteFrame(f Frame) error {
	if c.Closed() {
		return ErrClosedConn
	}
	buf, err := f.MarshalBinary()
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err = c.rw.Write(buf)
	c.checkIO(err)
	return err
}

// WriteEnvelope splits env and writes all of its frames back to back.
func (c *Conn) WriteEnvelope(env Envelope) error {
	if c.Closed() {
		return ErrClosedConn
	}
	frames := Split(env)
	bufs := make(net.Buffers, 0, len(frames))
	for _, f := range frames {
		b, err := f.MarshalBinary()
		if err != nil {
			return err
		}
		bufs = append(bufs, b)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := bufs.WriteTo(c.rw)
	c.checkIO(err)
	return err
}

func (c *Conn) SetClosed() {
	if atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		c.notifyOnCloseError()
	}
}

func (c *Conn) Closed() bool {
	return atomic.LoadInt32(&c.closed) == 1
}

func (c *Conn) checkIO(err error) {
	if err == nil {
		return
	}

	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		c.SetClosed()
		return
	}

	var e net.Error
	if errors.As(err, &e) && e.Timeout() {
		return
	}
	if errors.Is(err, ErrMalformedFrame) {
		return
	}
	c.SetClosed()
}

func (c *Conn) notifyOnCloseError() {
	if c.onCloseErrorCB == nil {
		return
	}
	c.onCloseErrorCB(c)
}
