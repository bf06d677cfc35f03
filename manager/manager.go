// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package manager implements the RTMA message manager, the relay every
// module connects to.
//
// The manager accepts TCP connections and runs one reader and one writer
// goroutine per connection. Everything that touches routing state goes
// through a single dispatch loop: connection handshakes, subscription
// changes and the forwarding decision for every logical message are
// applied in the order the loop receives them. Each module has a bounded
// outbound queue. When a queue is full or its connection has failed the
// sender is told with FAILED_MESSAGE; logger modules are the exception and
// slow the dispatch loop down instead of losing messages.
package manager

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/destiny/rtma/config"
	"github.com/destiny/rtma/control"
	"github.com/destiny/rtma/core"
	"github.com/destiny/rtma/envelope"
	"github.com/destiny/rtma/registry"
	"github.com/destiny/rtma/subscription"
)

var (
	ErrAlreadyStarted = errors.New("manager: already started")
	ErrNotRunning     = errors.New("manager: not running")
)

// Option configures a Manager.
type Option func(m *Manager)

// WithLogger sets the zap logger. The default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(m *Manager) {
		m.log = log
	}
}

// WithClock sets the time source for timestamps, timing snapshots and
// reassembly expiry.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithRegisterer registers the manager's Prometheus collectors with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(m *Manager) {
		m.registerer = reg
	}
}

// Manager is the message relay.
type Manager struct {
	cfg        config.ManagerConfig
	log        *zap.Logger
	clock      clock.Clock
	registerer prometheus.Registerer
	metrics    *metrics

	types  *registry.Registry
	table  *subscription.Table
	reasm  *envelope.Reassembler
	timing control.Counter

	// owned by the dispatch loop
	sessions map[string]*session
	modules  map[int16]*session
	msgCount int32

	opened  chan *session
	inbound chan inbound
	closed  chan closeEvent
	cmds    chan managerCmd

	mu       sync.Mutex
	listener net.Listener
	group    *errgroup.Group
	cancel   context.CancelFunc
	done     chan struct{}

	stats counters
}

// New builds a manager from its configuration.
func New(cfg config.ManagerConfig, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	types, err := registry.New(cfg.MessageTypes...)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:      cfg,
		log:      zap.NewNop(),
		clock:    clock.New(),
		metrics:  newMetrics(),
		types:    types,
		sessions: make(map[string]*session),
		modules:  make(map[int16]*session),
		opened:   make(chan *session),
		inbound:  make(chan inbound, cfg.SendQueue),
		closed:   make(chan closeEvent),
		cmds:     make(chan managerCmd),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.registerer != nil {
		if err := m.metrics.register(m.registerer); err != nil {
			return nil, fmt.Errorf("manager: register metrics: %w", err)
		}
	}
	m.table = subscription.NewTable(subscription.WithClock(m.clock))
	m.reasm = envelope.NewReassembler(
		envelope.WithClock(m.clock),
		envelope.WithTTL(cfg.ReassemblyTTL),
		envelope.WithSlots(cfg.ReassemblySlots),
	)
	return m, nil
}

// Start binds the listener and starts serving in the background.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.group != nil {
		return ErrAlreadyStarted
	}

	l, err := net.Listen("tcp", m.cfg.Addr)
	if err != nil {
		return fmt.Errorf("manager: could not listen to %q: %w", m.cfg.Addr, err)
	}
	m.listener = l

	ctx, m.cancel = context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	m.group = g

	g.Go(func() error { return m.acceptLoop(ctx) })
	g.Go(func() error { return m.dispatchLoop(ctx, g) })
	g.Go(func() error {
		<-ctx.Done()
		return l.Close()
	})

	m.log.Info("message manager listening",
		zap.Stringer("addr", l.Addr()),
		zap.Duration("timing_period", m.cfg.TimingPeriod),
		zap.Bool("closed_registry", m.types.Closed()),
	)
	return nil
}

// Addr is the bound listener address.
func (m *Manager) Addr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

// Wait blocks until the manager stops.
func (m *Manager) Wait() error {
	m.mu.Lock()
	g := m.group
	m.mu.Unlock()
	if g == nil {
		return ErrNotRunning
	}
	err := g.Wait()
	if errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// Close stops accepting, disconnects every module and waits for all
// goroutines to exit.
func (m *Manager) Close() error {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	return m.Wait()
}

func (m *Manager) acceptLoop(ctx context.Context) error {
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("manager: accept: %w", err)
		}

		s := newSession(conn, m.cfg.SendQueue)
		select {
		case m.opened <- s:
			m.log.Debug("connection accepted",
				zap.String("conn", s.id), zap.Stringer("remote", conn.RemoteAddr()))
		case <-ctx.Done():
			_ = conn.Close()
			return nil
		}
	}
}

// ForceDisconnect drops a connected module as if another module had sent
// FORCE_DISCONNECT for it.
func (m *Manager) ForceDisconnect(ctx context.Context, id core.ModuleID) error {
	reply := make(chan interface{}, 1)
	cmd := managerCmd{action: "force_disconnect", data: id, reply: reply}
	select {
	case m.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case res := <-reply:
		if err, ok := res.(error); ok {
			return err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Modules lists the connected modules.
func (m *Manager) Modules(ctx context.Context) ([]subscription.Module, error) {
	reply := make(chan interface{}, 1)
	cmd := managerCmd{action: "modules", reply: reply}
	select {
	case m.cmds <- cmd:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-reply:
		return res.([]subscription.Module), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// now is the timestamp written into send_time and recv_time.
func (m *Manager) now() float64 {
	return float64(m.clock.Now().UnixNano()) / float64(time.Second)
}

// counters back Stats. They stay readable after Close.
type counters struct {
	received  atomic.Uint64
	forwarded atomic.Uint64
	failed    atomic.Uint64
	acks      atomic.Uint64
	forced    atomic.Uint64
	timing    atomic.Uint64
}

func (m *Manager) closeSessions() error {
	var err error
	for _, s := range m.sessions {
		err = multierr.Append(err, s.close())
	}
	return err
}
