// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/destiny/rtma/control"
	"github.com/destiny/rtma/core"
	"github.com/destiny/rtma/envelope"
	"github.com/destiny/rtma/registry"
	"github.com/destiny/rtma/subscription"
)

// Failure reasons used as metric labels.
const (
	reasonQueueFull   = "queue_full"
	reasonConnection  = "connection"
	reasonDestination = "destination"
	reasonFragment    = "fragment"
	reasonSubscribe   = "subscribe"
)

// dispatchLoop owns the routing state. It is the only goroutine that
// mutates sessions, the subscription table and the timing counter.
func (m *Manager) dispatchLoop(ctx context.Context, g *errgroup.Group) error {
	var timing <-chan time.Time
	if m.cfg.TimingPeriod > 0 {
		t := m.clock.Ticker(m.cfg.TimingPeriod)
		defer t.Stop()
		timing = t.C
	}
	every := m.cfg.ReassemblyTTL / 2
	if every <= 0 {
		every = m.cfg.ReassemblyTTL
	}
	sweep := m.clock.Ticker(every)
	defer sweep.Stop()

	defer func() {
		if err := m.closeSessions(); err != nil {
			m.log.Warn("closing sessions", zap.Error(err))
		}
		close(m.done)
	}()

	for {
		select {
		case s := <-m.opened:
			m.sessions[s.id] = s
			g.Go(func() error { return m.readLoop(ctx, s) })
			g.Go(func() error { return m.writeLoop(ctx, s) })

		case in := <-m.inbound:
			if in.s.dead {
				continue
			}
			m.handleFrame(in.s, in.frame)

		case ev := <-m.closed:
			m.handleClosed(ev)

		case cmd := <-m.cmds:
			m.handleCommand(cmd)

		case <-timing:
			m.sendTiming()

		case <-sweep.C:
			for _, h := range m.reasm.Sweep() {
				m.log.Warn("partial message expired",
					zap.Int16("src_mod", h.SrcModID),
					zap.Int32("msg_type", h.MsgType),
					zap.Int32("msg_count", h.MsgCount))
				m.failed(h.DestModID, h, reasonFragment)
			}

		case <-ctx.Done():
			return nil
		}
	}
}

func (m *Manager) handleCommand(cmd managerCmd) {
	switch cmd.action {
	case "force_disconnect":
		id := cmd.data.(core.ModuleID)
		s, ok := m.modules[id.Raw()]
		if !ok {
			cmd.reply <- fmt.Errorf("%w: %s", subscription.ErrNotConnected, id)
			return
		}
		m.forceDisconnect(s, "requested by operator")
		cmd.reply <- nil
	case "modules":
		out := make([]subscription.Module, 0, len(m.modules))
		for _, s := range m.modules {
			if mod, ok := m.table.Lookup(s.mod); ok {
				out = append(out, mod)
			}
		}
		cmd.reply <- out
	default:
		cmd.reply <- fmt.Errorf("manager: unknown command %q", cmd.action)
	}
}

// handleFrame reassembles fragments and processes each completed message.
func (m *Manager) handleFrame(s *session, f envelope.Frame) {
	env, complete, err := m.reasm.Add(f)
	switch {
	case err != nil:
		m.log.Warn("dropping fragmented message",
			zap.String("from", s.String()),
			zap.Int32("msg_type", f.Header.MsgType),
			zap.Error(err))
		if s.connected && !errors.Is(err, envelope.ErrDroppedFragment) {
			m.failed(f.Header.DestModID, f.Header, reasonFragment)
		}
		return
	case !complete:
		return
	}
	start := m.clock.Now()
	m.process(s, env)
	m.metrics.dispatch.Observe(m.clock.Since(start).Seconds())
}

func (m *Manager) process(s *session, env envelope.Envelope) {
	h := env.Header
	m.stats.received.Add(1)
	m.timing.Add(h.MsgType)
	if mt, err := core.NewMessageType(h.MsgType); err == nil {
		m.metrics.messagesReceived.WithLabelValues(classLabel(mt)).Inc()
	}

	if h.MsgType == core.MTConnect {
		m.handleConnect(s, env)
		return
	}
	if !s.connected {
		m.log.Warn("message from unconnected module",
			zap.String("conn", s.id), zap.Int32("msg_type", h.MsgType))
		m.forceDisconnect(s, subscription.ErrNotConnected.Error())
		return
	}

	switch h.MsgType {
	case core.MTDisconnect:
		m.log.Info("DISCONNECT", zap.Stringer("mod_id", s.mod))
		m.teardown(s, false)

	case core.MTSubscribe, core.MTUnsubscribe, core.MTPauseSubscription, core.MTResumeSubscription:
		m.handleSubscription(s, env)

	case core.MTModuleReady:
		var ready control.ModuleReady
		if err := ready.UnmarshalBinary(env.Payload); err != nil {
			m.forceDisconnect(s, err.Error())
			return
		}
		_ = m.table.SetPID(s.mod, ready.PID)
		m.log.Info("MODULE_READY", zap.Stringer("mod_id", s.mod), zap.Int32("pid", ready.PID))
		m.forward(s, env)

	case core.MTForceDisconnect:
		var fd control.ForceDisconnect
		if err := fd.UnmarshalBinary(env.Payload); err != nil {
			m.forceDisconnect(s, err.Error())
			return
		}
		id, err := fd.Module()
		if err != nil {
			m.log.Warn("FORCE_DISCONNECT for invalid module", zap.Int32("mod_id", fd.ModID))
			return
		}
		if target, ok := m.modules[id.Raw()]; ok {
			m.forceDisconnect(target, fmt.Sprintf("requested by %s", s.mod))
		}

	default:
		m.forward(s, env)
	}
}

func (m *Manager) handleConnect(s *session, env envelope.Envelope) {
	var req control.Connect
	if err := req.UnmarshalBinary(env.Payload); err != nil {
		m.forceDisconnect(s, err.Error())
		return
	}

	if s.connected {
		if _, err := m.table.Refresh(s.mod, req.IsLogger(), req.DaemonStatus != 0); err != nil {
			m.log.Error("refreshing connection", zap.Stringer("mod_id", s.mod), zap.Error(err))
			return
		}
		s.logger = req.IsLogger()
		m.sendAck(s)
		return
	}

	host, err := core.NewHostID(env.Header.SrcHostID)
	if err == nil {
		var mod subscription.Module
		mod, err = m.table.Connect(subscription.ConnectRequest{
			Requested: env.Header.SrcModID,
			Host:      host,
			Logger:    req.IsLogger(),
			Daemon:    req.DaemonStatus != 0,
		})
		if err == nil {
			s.connected = true
			s.mod = mod.ID
			s.host = mod.Host
			s.logger = mod.Logger
		}
	}
	if err != nil {
		m.log.Error("connection refused",
			zap.String("conn", s.id),
			zap.Int16("mod_id", env.Header.SrcModID),
			zap.Error(err))
		m.teardown(s, false)
		return
	}

	m.modules[s.mod.Raw()] = s
	m.updateGauges()
	m.log.Info("CONNECT",
		zap.Stringer("mod_id", s.mod),
		zap.Int16("host_id", int16(s.host)),
		zap.Bool("logger", s.logger),
		zap.String("conn", s.id))
	m.sendAck(s)
}

func (m *Manager) handleSubscription(s *session, env envelope.Envelope) {
	h := env.Header
	req, err := control.Decode(h.MsgType, env.Payload)
	if err != nil {
		m.forceDisconnect(s, err.Error())
		return
	}
	change := req.(*control.SubscriptionChange)
	sel, err := change.Selector()
	if err != nil {
		m.failSubscribe(s, change.MsgType, err)
		return
	}

	var types []core.MessageType
	switch {
	case h.MsgType == core.MTSubscribe:
		types, err = m.types.Expand(sel)
	case sel.All():
		types, err = m.table.Subscribed(s.mod)
	default:
		mt, _ := sel.Type()
		types = []core.MessageType{mt}
	}
	if err != nil {
		m.failSubscribe(s, change.MsgType, err)
		return
	}

	switch h.MsgType {
	case core.MTSubscribe:
		err = m.table.Subscribe(s.mod, types...)
	case core.MTUnsubscribe:
		err = m.table.Unsubscribe(s.mod, types...)
	case core.MTPauseSubscription:
		err = m.table.Pause(s.mod, types...)
	case core.MTResumeSubscription:
		err = m.table.Resume(s.mod, types...)
	}
	if err != nil {
		m.failSubscribe(s, change.MsgType, err)
		return
	}
	m.updateGauges()
	m.log.Debug(core.MustMessageType(h.MsgType).String(),
		zap.Stringer("mod_id", s.mod),
		zap.Stringer("selector", sel),
		zap.Int("types", len(types)))
	m.sendAck(s)
}

// header returns a header for a message originated by the manager.
func (m *Manager) header(mt int32) envelope.Header {
	m.msgCount++
	h := envelope.Header{
		MsgType:   mt,
		MsgCount:  m.msgCount,
		SendTime:  m.now(),
		SrcModID:  core.MIDMessageManager,
		SrcHostID: core.HIDLocalHost,
	}
	h.SetVersion(control.Version(mt))
	return h
}

func (m *Manager) envelopeOf(h envelope.Header, p control.Payload) (envelope.Envelope, error) {
	b, err := p.MarshalBinary()
	if err != nil {
		return envelope.Envelope{}, err
	}
	return envelope.New(h, b), nil
}

func (m *Manager) sendAck(s *session) {
	h := m.header(core.MTAcknowledge)
	h.DestModID = s.mod.Raw()
	h.DestHostID = int16(s.host)
	env := envelope.New(h, nil)
	m.stats.acks.Add(1)
	m.toLoggers(env, s)
	m.deliver(s, env)
}

func (m *Manager) failSubscribe(s *session, raw int32, cause error) {
	m.log.Warn("FAIL_SUBSCRIBE",
		zap.Stringer("mod_id", s.mod), zap.Int32("msg_type", raw), zap.Error(cause))
	m.metrics.failed.WithLabelValues(reasonSubscribe).Inc()
	m.stats.failed.Add(1)

	h := m.header(core.MTFailSubscribe)
	h.DestModID = s.mod.Raw()
	h.DestHostID = int16(s.host)
	env, err := m.envelopeOf(h, &control.FailSubscribe{ModID: s.mod.Raw(), MsgType: raw})
	if err != nil {
		m.log.Error("encoding FAIL_SUBSCRIBE", zap.Error(err))
		return
	}
	m.toLoggers(env, s)
	m.deliver(s, env)
}

// forward routes a message from src to the loggers and to every module
// holding an ACTIVE subscription inside its destination scope.
func (m *Manager) forward(src *session, env envelope.Envelope) {
	h := env.Header
	mt, route, err := m.types.Resolve(h, m.table)
	if err != nil {
		m.log.Debug("undeliverable message",
			zap.Int32("msg_type", h.MsgType),
			zap.Int16("dest_mod", h.DestModID),
			zap.Int16("dest_host", h.DestHostID),
			zap.Error(err))
		m.toLoggers(env, nil)
		m.failed(h.DestModID, h, reasonDestination)
		return
	}
	if err := m.types.Observe(mt); err != nil {
		m.failed(h.DestModID, h, reasonDestination)
		return
	}
	m.route(mt, route, env)
}

// route delivers env to loggers and subscribers. Loggers that also
// subscribe receive the message once. A control message addressed to a
// concrete module reaches it without a subscription.
func (m *Manager) route(mt core.MessageType, route registry.Route, env envelope.Envelope) {
	m.toLoggers(env, nil)
	subs := m.table.Subscribers(mt, route)
	for _, sub := range subs {
		s, ok := m.modules[sub.ID.Raw()]
		if !ok || s.logger {
			continue
		}
		m.deliver(s, env)
	}
	if !mt.IsControl() || route.AnyModule || len(subs) > 0 {
		return
	}
	if s, ok := m.modules[route.Module.Raw()]; ok && !s.logger {
		m.deliver(s, env)
	}
}

// deliver queues env for s without blocking. A full queue or a failed
// connection turns into FAILED_MESSAGE.
func (m *Manager) deliver(s *session, env envelope.Envelope) {
	if s.dead {
		m.failed(s.mod.Raw(), env.Header, reasonConnection)
		return
	}
	select {
	case s.out <- env:
		m.stats.forwarded.Add(1)
		m.metrics.forwarded.WithLabelValues(classOf(env.Header.MsgType)).Inc()
	default:
		m.log.Warn("send queue full",
			zap.Stringer("mod_id", s.mod), zap.Int32("msg_type", env.Header.MsgType))
		m.failed(s.mod.Raw(), env.Header, reasonQueueFull)
	}
}

// toLoggers queues env for every logger module except skip, waiting for
// queue space instead of dropping. The wait ends when the logger's writer
// exits.
func (m *Manager) toLoggers(env envelope.Envelope, skip *session) {
	for _, lg := range m.table.Loggers() {
		s, ok := m.modules[lg.ID.Raw()]
		if !ok || s == skip || s.dead {
			continue
		}
		select {
		case s.out <- env:
			m.stats.forwarded.Add(1)
			m.metrics.forwarded.WithLabelValues(classOf(env.Header.MsgType)).Inc()
		case <-s.writerDone:
			m.failed(s.mod.Raw(), env.Header, reasonConnection)
		}
	}
}

// failed reports that the message described by h did not reach dest. The
// report goes to loggers, to FAILED_MESSAGE subscribers and to the
// original sender. A failure is never reported about a FAILED_MESSAGE.
func (m *Manager) failed(dest int16, h envelope.Header, reason string) {
	m.stats.failed.Add(1)
	m.metrics.failed.WithLabelValues(reason).Inc()
	if h.MsgType == core.MTFailedMessage {
		return
	}
	m.publishFailure(dest, h)
}

func (m *Manager) publishFailure(dest int16, orig envelope.Header) {
	fh := m.header(core.MTFailedMessage)
	env, err := m.envelopeOf(fh, &control.FailedMessage{
		DestModID:     dest,
		TimeOfFailure: m.now(),
		Header:        orig,
	})
	if err != nil {
		m.log.Error("encoding FAILED_MESSAGE", zap.Error(err))
		return
	}
	m.timing.Add(core.MTFailedMessage)

	mt := core.MustMessageType(core.MTFailedMessage)
	m.route(mt, registry.Route{AnyHost: true, AnyModule: true}, env)

	sender, ok := m.modules[orig.SrcModID]
	if !ok || sender.logger {
		return
	}
	if sender.connected && m.table.State(sender.mod, mt) == subscription.Active {
		return
	}
	m.deliver(sender, env)
}

func (m *Manager) sendTiming() {
	snap := m.timing.Snapshot(m.table.PIDs(), m.now())
	env, err := m.envelopeOf(m.header(core.MTTimingMessage), snap)
	if err != nil {
		m.log.Error("encoding TIMING_MESSAGE", zap.Error(err))
		return
	}
	m.stats.timing.Add(1)
	m.route(core.MustMessageType(core.MTTimingMessage), registry.Route{AnyHost: true, AnyModule: true}, env)
}

// forceDisconnect drops s and tells subscribers with FORCE_DISCONNECT.
func (m *Manager) forceDisconnect(s *session, reason string) {
	wasConnected := s.connected
	mod := s.mod
	m.log.Warn("FORCE_DISCONNECT", zap.String("module", s.String()), zap.String("reason", reason))
	m.stats.forced.Add(1)
	m.metrics.forced.Inc()
	m.teardown(s, true)
	if !wasConnected {
		return
	}
	env, err := m.envelopeOf(m.header(core.MTForceDisconnect), &control.ForceDisconnect{ModID: int32(mod.Raw())})
	if err != nil {
		return
	}
	m.route(core.MustMessageType(core.MTForceDisconnect), registry.Route{AnyHost: true, AnyModule: true}, env)
}

func (m *Manager) handleClosed(ev closeEvent) {
	s := ev.s
	if s.dead {
		return
	}
	if ev.err != nil {
		m.forceDisconnect(s, ev.err.Error())
		return
	}
	m.log.Info("connection closed", zap.String("module", s.String()))
	m.teardown(s, false)
}

// teardown removes s from every table, closes it and reports whatever it
// still had queued.
func (m *Manager) teardown(s *session, forced bool) {
	if s.dead {
		return
	}
	s.dead = true
	delete(m.sessions, s.id)
	if err := s.close(); err != nil {
		m.log.Debug("closing connection", zap.String("module", s.String()), zap.Error(err))
	}
	<-s.writerDone

	if !s.connected {
		return
	}
	delete(m.modules, s.mod.Raw())
	if forced {
		_, _ = m.table.ForceDisconnect(s.mod)
	} else {
		_, _ = m.table.Disconnect(s.mod)
	}
	if n := m.reasm.DropSource(int16(s.host), s.mod.Raw()); n > 0 {
		m.log.Debug("dropped partial messages", zap.Stringer("mod_id", s.mod), zap.Int("count", n))
	}
	m.updateGauges()

	for _, h := range s.drainFailed() {
		m.failed(s.mod.Raw(), h, reasonConnection)
	}
}

func (m *Manager) updateGauges() {
	m.metrics.modules.Set(float64(m.table.Len()))
	m.metrics.subscriptions.Set(float64(m.table.Subscriptions()))
}

func classOf(raw int32) string {
	mt, err := core.NewMessageType(raw)
	if err != nil {
		return "invalid"
	}
	return classLabel(mt)
}
