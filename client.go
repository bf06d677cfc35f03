// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package rtma is the module side of the RTMA message bus. A Client
// connects to a message manager, manages its subscriptions and exchanges
// envelopes with the other modules.
package rtma

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/destiny/rtma/control"
	"github.com/destiny/rtma/core"
	"github.com/destiny/rtma/envelope"
	"github.com/destiny/rtma/registry"
	"github.com/destiny/rtma/subscription"
)

const (
	defaultRetry      = 250 * time.Millisecond
	defaultTimeout    = 5 * time.Second
	defaultMaxRetries = 10
	defaultAckTimeout = 3 * time.Second

	inboxSize = 256
)

var (
	ErrNotConnected       = errors.New("rtma: not connected")
	ErrAlreadyConnected   = errors.New("rtma: already connected")
	ErrAckTimeout         = errors.New("rtma: timed out waiting for acknowledgement")
	ErrSubscribeRefused   = errors.New("rtma: subscription refused")
	ErrConnectionLost     = errors.New("rtma: connection to message manager lost")
	ErrDefinitionMismatch = errors.New("rtma: message definition out of sync")
)

// Message is one logical message read from the manager.
type Message struct {
	Header envelope.Header
	Data   []byte
}

func (m Message) Type() int32 { return m.Header.MsgType }

// Decode parses the payload of a control message.
func (m Message) Decode() (control.Payload, error) {
	return control.Decode(m.Header.MsgType, m.Data)
}

// link is one manager connection and its reader goroutine.
type link struct {
	conn  *envelope.Conn
	inbox chan envelope.Envelope
	quit  chan struct{}
	done  chan struct{}
	once  sync.Once
	err   error // set before inbox is closed
}

// Client is a module connection to the message manager. Sends may be
// issued from any goroutine. Reads and acknowledged requests are
// serialized with each other.
type Client struct {
	requested    int16
	hostID       int16
	log          *Logger
	dialer       net.Dialer
	retry        time.Duration
	maxRetries   int
	ackTimeout   time.Duration
	clock        clock.Clock
	reasmOpts    []envelope.ReassemblerOption
	syncCheck    bool
	loggerStatus bool
	daemonStatus bool

	wmu      sync.Mutex
	msgCount int32

	rmu     sync.Mutex
	pending []envelope.Envelope

	mu        sync.RWMutex
	link      *link
	modID     int16
	connected bool
	subs      map[int32]subscription.State
	all       subscription.State
}

// NewClient returns an unconnected client.
func NewClient(opts ...Option) (*Client, error) {
	c := &Client{
		log:        DefaultLogger,
		dialer:     net.Dialer{Timeout: defaultTimeout},
		retry:      defaultRetry,
		maxRetries: defaultMaxRetries,
		ackTimeout: defaultAckTimeout,
		clock:      clock.New(),
		subs:       make(map[int32]subscription.State),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.requested != 0 {
		id, err := core.ParseModuleID(c.requested)
		if err != nil {
			return nil, err
		}
		if id.IsDynamic() {
			return nil, fmt.Errorf("%w: %d is in the dynamic range", core.ErrInvalidModuleID, c.requested)
		}
	}
	if _, err := core.NewHostID(c.hostID); err != nil {
		return nil, err
	}
	return c, nil
}

// Connect dials the manager at addr and performs the CONNECT handshake.
// A client without a fixed module id adopts the id assigned by the
// manager.
func (c *Client) Connect(ctx context.Context, addr string) error {
	c.mu.RLock()
	busy := c.link != nil
	c.mu.RUnlock()
	if busy {
		return ErrAlreadyConnected
	}

	conn, err := c.dial(ctx, addr)
	if err != nil {
		return err
	}
	l := c.open(conn)

	c.mu.Lock()
	c.link = l
	c.modID = c.requested
	c.subs = make(map[int32]subscription.State)
	c.all = subscription.Absent
	c.mu.Unlock()

	req := &control.Connect{}
	if c.loggerStatus {
		req.LoggerStatus = 1
	}
	if c.daemonStatus {
		req.DaemonStatus = 1
	}
	ack, err := c.request(l, req)
	if err != nil {
		c.mu.Lock()
		c.link = nil
		c.mu.Unlock()
		return multierr.Append(fmt.Errorf("rtma: connect to %q: %w", addr, err), l.shutdown())
	}

	c.mu.Lock()
	if c.requested == 0 {
		c.modID = ack.Header.DestModID
	}
	c.connected = true
	id := c.modID
	c.mu.Unlock()

	c.log.Info("connected to %s as module %d", addr, id)
	return nil
}

func (c *Client) dial(ctx context.Context, addr string) (net.Conn, error) {
	var (
		conn    net.Conn
		err     error
		retries = 0
	)

connect:
	conn, err = c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if (c.maxRetries == -1 || retries < c.maxRetries) && ctx.Err() == nil {
			retries++
			c.log.Debug("dial %s failed (attempt %d): %v", addr, retries, err)
			select {
			case <-c.clock.After(c.retry):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			goto connect
		}
		return nil, fmt.Errorf("rtma: could not dial to %q (retry=%v): %w", addr, c.retry, err)
	}
	return conn, nil
}

// open starts the reader goroutine for conn.
func (c *Client) open(conn net.Conn) *link {
	l := &link{
		conn:  envelope.NewConn(conn, nil),
		inbox: make(chan envelope.Envelope, inboxSize),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	opts := append([]envelope.ReassemblerOption{envelope.WithClock(c.clock)}, c.reasmOpts...)
	go c.readLoop(l, envelope.NewReassembler(opts...))
	return l
}

func (c *Client) readLoop(l *link, r *envelope.Reassembler) {
	defer close(l.done)
	defer close(l.inbox)
	for {
		f, err := l.conn.ReadFrame()
		if err != nil {
			l.err = err
			return
		}
		f.Header.RecvTime = c.now()
		env, complete, err := r.Add(f)
		if err != nil {
			c.log.Warn("dropping message type %d from module %d: %v", f.Header.MsgType, f.Header.SrcModID, err)
			continue
		}
		if !complete {
			continue
		}
		select {
		case l.inbox <- env:
		case <-l.quit:
			return
		}
	}
}

func (l *link) shutdown() error {
	var err error
	l.once.Do(func() {
		close(l.quit)
		err = l.conn.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
		<-l.done
	})
	return err
}

// Disconnect sends DISCONNECT and closes the connection.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	l := c.link
	wasConnected := c.connected
	c.link = nil
	c.connected = false
	c.mu.Unlock()
	if l == nil {
		return ErrNotConnected
	}

	var err error
	if wasConnected {
		err = c.send(l, core.MTDisconnect, nil, 0, 0)
	}
	err = multierr.Append(err, l.shutdown())

	c.rmu.Lock()
	c.pending = nil
	c.rmu.Unlock()
	c.log.Debug("disconnected")
	return err
}

// Close disconnects if connected.
func (c *Client) Close() error {
	err := c.Disconnect()
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

func (c *Client) ModuleID() int16 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.modID
}

func (c *Client) HostID() int16 { return c.hostID }

func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// MessageCount is the msg_count of the last message sent. FAILED_MESSAGE
// reports carry it in their embedded header.
func (c *Client) MessageCount() int32 {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.msgCount
}

func (c *Client) active() (*link, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.connected || c.link == nil {
		return nil, ErrNotConnected
	}
	return c.link, nil
}

// now is the send_time and recv_time clock in seconds.
func (c *Client) now() float64 {
	return float64(c.clock.Now().UnixNano()) / float64(time.Second)
}

func (c *Client) send(l *link, mt int32, data []byte, destModID, destHostID int16) error {
	if _, err := core.NewMessageType(mt); err != nil {
		return err
	}
	if err := registry.ValidateAddress(destHostID, destModID); err != nil {
		return err
	}
	c.mu.RLock()
	src := c.modID
	c.mu.RUnlock()

	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.msgCount++
	h := envelope.Header{
		MsgType:    mt,
		MsgCount:   c.msgCount,
		SendTime:   c.now(),
		SrcHostID:  c.hostID,
		SrcModID:   src,
		DestHostID: destHostID,
		DestModID:  destModID,
	}
	h.SetVersion(control.Version(mt))
	if err := l.conn.WriteEnvelope(envelope.New(h, data)); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	c.log.Trace("sent type %d count %d to module %d host %d (%d bytes)", mt, h.MsgCount, destModID, destHostID, len(data))
	return nil
}

// SendMessage sends data as message type mt. Payloads larger than one
// frame are fragmented. A zero destination module or host means any.
func (c *Client) SendMessage(mt int32, data []byte, destModID, destHostID int16) error {
	l, err := c.active()
	if err != nil {
		return err
	}
	return c.send(l, mt, data, destModID, destHostID)
}

// SendSignal sends a message without payload.
func (c *Client) SendSignal(mt int32, destModID, destHostID int16) error {
	return c.SendMessage(mt, nil, destModID, destHostID)
}

// SendPayload encodes and sends a control payload.
func (c *Client) SendPayload(p control.Payload, destModID, destHostID int16) error {
	b, err := p.MarshalBinary()
	if err != nil {
		return err
	}
	return c.SendMessage(p.Type(), b, destModID, destHostID)
}

// SendModuleReady announces that the module finished initializing.
func (c *Client) SendModuleReady() error {
	return c.SendPayload(&control.ModuleReady{PID: int32(os.Getpid())}, 0, 0)
}

// request sends a control payload to the manager and waits for its ACK.
// Messages that arrive meanwhile are kept for ReadMessage.
func (c *Client) request(l *link, p control.Payload) (envelope.Envelope, error) {
	b, err := p.MarshalBinary()
	if err != nil {
		return envelope.Envelope{}, err
	}

	c.rmu.Lock()
	defer c.rmu.Unlock()
	if err := c.send(l, p.Type(), b, 0, 0); err != nil {
		return envelope.Envelope{}, err
	}

	var held []envelope.Envelope
	defer func() {
		c.pending = append(c.pending, held...)
	}()

	start := c.clock.Now()
	for {
		wait := time.Duration(-1)
		if c.ackTimeout > 0 {
			if wait = c.ackTimeout - c.clock.Since(start); wait <= 0 {
				return envelope.Envelope{}, ErrAckTimeout
			}
		}
		env, ok, err := c.receive(l, wait)
		switch {
		case err != nil:
			return envelope.Envelope{}, err
		case !ok:
			return envelope.Envelope{}, ErrAckTimeout
		}

		switch env.Header.MsgType {
		case core.MTAcknowledge:
			return env, nil
		case core.MTFailSubscribe:
			if p.Type() == core.MTSubscribe {
				var fs control.FailSubscribe
				if fs.UnmarshalBinary(env.Payload) == nil {
					return env, fmt.Errorf("%w: message type %d", ErrSubscribeRefused, fs.MsgType)
				}
			}
		}
		held = append(held, env)
	}
}

// receive waits up to d for the next message from the connection. A
// negative d blocks; zero polls.
func (c *Client) receive(l *link, d time.Duration) (envelope.Envelope, bool, error) {
	if d == 0 {
		select {
		case env, open := <-l.inbox:
			return c.received(l, env, open)
		default:
			return envelope.Envelope{}, false, nil
		}
	}

	var timeout <-chan time.Time
	if d > 0 {
		t := c.clock.Timer(d)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case env, open := <-l.inbox:
		return c.received(l, env, open)
	case <-timeout:
		return envelope.Envelope{}, false, nil
	}
}

func (c *Client) received(l *link, env envelope.Envelope, open bool) (envelope.Envelope, bool, error) {
	if open {
		return env, true, nil
	}
	c.mu.Lock()
	if c.link == l {
		c.connected = false
	}
	c.mu.Unlock()
	return envelope.Envelope{}, false, fmt.Errorf("%w: %v", ErrConnectionLost, l.err)
}

// ReadMessage returns the next message of a subscribed type, waiting up
// to timeout. A negative timeout blocks and zero polls. ok is false when
// nothing arrived in time. Messages of types no longer subscribed (still
// in flight after unsubscribe or pause) are discarded, except for logger
// clients, which see everything.
func (c *Client) ReadMessage(timeout time.Duration) (msg Message, ok bool, err error) {
	l, err := c.active()
	if err != nil {
		return Message{}, false, err
	}
	c.rmu.Lock()
	defer c.rmu.Unlock()

	start := c.clock.Now()
	for {
		var env envelope.Envelope
		if len(c.pending) > 0 {
			env, c.pending = c.pending[0], c.pending[1:]
		} else {
			wait := timeout
			if timeout > 0 {
				if wait = timeout - c.clock.Since(start); wait < 0 {
					wait = 0
				}
			}
			env, ok, err = c.receive(l, wait)
			if err != nil || !ok {
				return Message{}, false, err
			}
		}

		if !c.wanted(env.Header) {
			c.log.Trace("discarding type %d from module %d", env.Header.MsgType, env.Header.SrcModID)
			continue
		}
		if err := c.checkVersion(env.Header); err != nil {
			return Message{Header: env.Header, Data: env.Payload}, false, err
		}
		return Message{Header: env.Header, Data: env.Payload}, true, nil
	}
}

func (c *Client) wanted(h envelope.Header) bool {
	if c.loggerStatus {
		return true
	}
	switch h.MsgType {
	case core.MTFailedMessage, core.MTFailSubscribe:
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	// control messages addressed to this module need no subscription,
	// except late acknowledgements
	if h.MsgType <= core.MaxRTMAMsgType && h.MsgType != core.MTAcknowledge &&
		h.DestModID != 0 && h.DestModID == c.modID {
		return true
	}
	if st, ok := c.subs[h.MsgType]; ok {
		return st == subscription.Active
	}
	return c.all == subscription.Active && h.MsgType > core.MaxRTMAMsgType
}

func (c *Client) checkVersion(h envelope.Header) error {
	if !c.syncCheck || h.Version() == 0 {
		return nil
	}
	if want := control.Version(h.MsgType); want != 0 && want != h.Version() {
		return fmt.Errorf("%w: type %d has version %#x, want %#x", ErrDefinitionMismatch, h.MsgType, h.Version(), want)
	}
	return nil
}

// DiscardMessages drops pending input for up to timeout. It reports
// whether everything available was read.
func (c *Client) DiscardMessages(timeout time.Duration) (bool, error) {
	l, err := c.active()
	if err != nil {
		return false, err
	}
	c.rmu.Lock()
	defer c.rmu.Unlock()
	c.pending = nil

	start := c.clock.Now()
	for c.clock.Since(start) <= timeout {
		_, ok, err := c.receive(l, 0)
		if err != nil {
			return false, err
		}
		if !ok {
			return true, nil
		}
	}
	return false, nil
}
