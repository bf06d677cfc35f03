// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package manager

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/destiny/rtma/config"
	"github.com/destiny/rtma/control"
	"github.com/destiny/rtma/core"
	"github.com/destiny/rtma/envelope"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const readTimeout = 2 * time.Second

func startManager(t *testing.T, mutate func(*config.ManagerConfig), opts ...Option) *Manager {
	t.Helper()
	cfg := config.DefaultManagerConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.TimingPeriod = 0
	if mutate != nil {
		mutate(&cfg)
	}
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	m, err := New(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { assert.NoError(t, m.Close()) })
	return m
}

// testModule speaks the wire protocol directly.
type testModule struct {
	t      *testing.T
	conn   *envelope.Conn
	reasm  *envelope.Reassembler
	mod    int16
	logger bool
	count  int32
}

func dial(t *testing.T, m *Manager) *testModule {
	t.Helper()
	c, err := net.Dial("tcp", m.Addr().String())
	require.NoError(t, err)
	tm := &testModule{t: t, conn: envelope.NewConn(c, nil), reasm: envelope.NewReassembler()}
	t.Cleanup(func() { _ = tm.conn.Close() })
	return tm
}

func connectModule(t *testing.T, m *Manager, requested int16, logger bool) *testModule {
	t.Helper()
	tm := dial(t, m)
	tm.mod = requested
	tm.logger = logger
	tm.sendConnect()
	ack := tm.expect(core.MTAcknowledge)
	require.NotZero(t, ack.Header.DestModID)
	tm.mod = ack.Header.DestModID
	return tm
}

func (tm *testModule) sendConnect() {
	req := &control.Connect{}
	if tm.logger {
		req.LoggerStatus = 1
	}
	tm.sendPayload(core.MTConnect, 0, 0, req)
}

func (tm *testModule) send(mt int32, destHost, destMod int16, payload []byte) envelope.Header {
	tm.t.Helper()
	tm.count++
	h := envelope.Header{
		MsgType:    mt,
		MsgCount:   tm.count,
		SrcModID:   tm.mod,
		DestHostID: destHost,
		DestModID:  destMod,
	}
	require.NoError(tm.t, tm.conn.WriteEnvelope(envelope.New(h, payload)))
	return h
}

func (tm *testModule) sendPayload(mt int32, destHost, destMod int16, p control.Payload) {
	tm.t.Helper()
	b, err := p.MarshalBinary()
	require.NoError(tm.t, err)
	tm.send(mt, destHost, destMod, b)
}

func (tm *testModule) change(p *control.SubscriptionChange) {
	tm.t.Helper()
	tm.sendPayload(p.Op, 0, 0, p)
}

// next reads one logical message.
func (tm *testModule) next() (envelope.Envelope, error) {
	require.NoError(tm.t, tm.conn.SetReadDeadline(time.Now().Add(readTimeout)))
	for {
		f, err := tm.conn.ReadFrame()
		if err != nil {
			return envelope.Envelope{}, err
		}
		env, done, err := tm.reasm.Add(f)
		if err != nil {
			return envelope.Envelope{}, err
		}
		if done {
			return env, nil
		}
	}
}

// expect requires the next message to be of type mt.
func (tm *testModule) expect(mt int32) envelope.Envelope {
	tm.t.Helper()
	env, err := tm.next()
	require.NoError(tm.t, err)
	require.Equal(tm.t, mt, env.Header.MsgType, "got %s", core.MustMessageType(env.Header.MsgType))
	return env
}

// skipTo discards messages until one of type mt arrives.
func (tm *testModule) skipTo(mt int32) envelope.Envelope {
	tm.t.Helper()
	for {
		env, err := tm.next()
		require.NoError(tm.t, err)
		if env.Header.MsgType == mt {
			return env
		}
	}
}

// sync round-trips a repeated CONNECT. Once its ACK arrives, everything
// this module sent earlier has been routed.
func (tm *testModule) sync() {
	tm.t.Helper()
	tm.sendConnect()
	tm.expect(core.MTAcknowledge)
}

func (tm *testModule) expectClosed() {
	tm.t.Helper()
	for {
		_, err := tm.next()
		if err == nil {
			continue
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			tm.t.Fatalf("connection still open: %v", err)
		}
		return
	}
}

func sel(id int32) core.Selector {
	return core.OneType(core.MustMessageType(id))
}

func TestPublishSubscribe(t *testing.T) {
	m := startManager(t, nil)

	a := connectModule(t, m, 0, false)
	b := connectModule(t, m, 0, false)
	assert.EqualValues(t, 100, a.mod)
	assert.EqualValues(t, 101, b.mod)

	a.change(control.Subscribe(sel(5000)))
	ack := a.expect(core.MTAcknowledge)
	assert.Equal(t, a.mod, ack.Header.DestModID)
	assert.Equal(t, control.Version(core.MTAcknowledge), ack.Header.Version())

	sent := b.send(5000, core.HIDAllHosts, 0, []byte("hello"))
	got := a.expect(5000)
	assert.Equal(t, []byte("hello"), got.Payload)
	assert.Equal(t, b.mod, got.Header.SrcModID)
	assert.Equal(t, sent.MsgCount, got.Header.MsgCount)
	assert.NotZero(t, got.Header.RecvTime)

	a.change(control.Unsubscribe(sel(5000)))
	a.expect(core.MTAcknowledge)

	b.send(5000, core.HIDAllHosts, 0, []byte("again"))
	b.sync()
	a.sync()
}

func TestDirectedDelivery(t *testing.T) {
	m := startManager(t, nil)
	a := connectModule(t, m, 42, false)
	c := connectModule(t, m, 43, false)
	b := connectModule(t, m, 0, false)

	for _, tm := range []*testModule{a, c} {
		tm.change(control.Subscribe(sel(5000)))
		tm.expect(core.MTAcknowledge)
	}

	b.send(5000, core.HIDAllHosts, 42, []byte{1})
	b.sync()
	assert.Equal(t, []byte{1}, a.expect(5000).Payload)
	c.sync()

	// A concrete destination that is connected but not subscribed gets
	// nothing, and no failure is reported.
	b.send(5001, core.HIDAllHosts, 42, []byte{2})
	b.sync()
	a.sync()
}

func TestPauseResume(t *testing.T) {
	m := startManager(t, nil)
	a := connectModule(t, m, 0, false)
	b := connectModule(t, m, 0, false)

	a.change(control.Subscribe(sel(5000)))
	a.expect(core.MTAcknowledge)
	a.change(control.PauseSubscription(sel(5000)))
	a.expect(core.MTAcknowledge)

	b.send(5000, core.HIDAllHosts, 0, []byte("paused"))
	b.sync()
	a.sync()

	a.change(control.ResumeSubscription(core.AllTypes()))
	a.expect(core.MTAcknowledge)
	b.send(5000, core.HIDAllHosts, 0, []byte("resumed"))
	assert.Equal(t, []byte("resumed"), a.expect(5000).Payload)

	// Resuming a type that was never subscribed does not subscribe it.
	a.change(control.ResumeSubscription(sel(5001)))
	a.expect(core.MTAcknowledge)
	b.send(5001, core.HIDAllHosts, 0, nil)
	b.sync()
	a.sync()
}

func TestNotConnected(t *testing.T) {
	m := startManager(t, nil)
	raw := dial(t, m)
	raw.mod = 50
	raw.change(control.Subscribe(sel(5000)))
	raw.expectClosed()
}

func TestDuplicateStaticID(t *testing.T) {
	m := startManager(t, nil)
	connectModule(t, m, 42, false)

	dup := dial(t, m)
	dup.mod = 42
	dup.sendConnect()
	dup.expectClosed()

	assert.EqualValues(t, 1, m.Stats().Refused)
}

func TestFailSubscribeClosedRegistry(t *testing.T) {
	m := startManager(t, func(cfg *config.ManagerConfig) {
		cfg.MessageTypes = []int32{5000}
	})
	a := connectModule(t, m, 0, false)

	a.change(control.Subscribe(sel(5000)))
	a.expect(core.MTAcknowledge)

	a.change(control.Subscribe(sel(6000)))
	env := a.expect(core.MTFailSubscribe)
	var fs control.FailSubscribe
	require.NoError(t, fs.UnmarshalBinary(env.Payload))
	assert.Equal(t, a.mod, fs.ModID)
	assert.EqualValues(t, 6000, fs.MsgType)

	a.change(control.Subscribe(sel(core.MTSubscribe)))
	a.expect(core.MTFailSubscribe)
}

func TestFailedMessageUnknownDestination(t *testing.T) {
	m := startManager(t, nil)
	b := connectModule(t, m, 0, false)

	sent := b.send(5000, core.HIDAllHosts, 150, []byte("lost"))
	env := b.expect(core.MTFailedMessage)
	var fm control.FailedMessage
	require.NoError(t, fm.UnmarshalBinary(env.Payload))
	assert.EqualValues(t, 150, fm.DestModID)
	assert.Equal(t, sent.MsgType, fm.Header.MsgType)
	assert.Equal(t, sent.MsgCount, fm.Header.MsgCount)
	assert.Equal(t, b.mod, fm.Header.SrcModID)
	assert.EqualValues(t, 1, m.Stats().Failed)
}

func TestDirectControlDelivery(t *testing.T) {
	m := startManager(t, nil)
	a := connectModule(t, m, 0, false)
	b := connectModule(t, m, 0, false)
	c := connectModule(t, m, 0, false)

	// no subscriptions anywhere
	a.send(core.MTKill, core.HIDAllHosts, b.mod, nil)
	got := b.expect(core.MTKill)
	assert.Equal(t, a.mod, got.Header.SrcModID)
	assert.Equal(t, b.mod, got.Header.DestModID)

	a.send(core.MTExit, core.HIDAllHosts, c.mod, nil)
	c.expect(core.MTExit)

	// a subscriber to the same control type is not a second recipient
	c.change(control.Subscribe(sel(core.MTKill)))
	c.expect(core.MTAcknowledge)
	a.send(core.MTKill, core.HIDAllHosts, b.mod, nil)
	a.sync()
	b.expect(core.MTKill)
	c.sync()
	assert.Zero(t, m.Stats().Failed)
}

// writeFrames sends raw frames, bypassing the fragmentation done by send.
func (tm *testModule) writeFrames(frames ...envelope.Frame) {
	tm.t.Helper()
	for _, f := range frames {
		require.NoError(tm.t, tm.conn.WriteFrame(f))
	}
}

func (tm *testModule) fragments(mt int32, size int) []envelope.Frame {
	tm.count++
	h := envelope.Header{
		MsgType:    mt,
		MsgCount:   tm.count,
		SrcModID:   tm.mod,
		DestHostID: core.HIDAllHosts,
	}
	return envelope.Split(envelope.New(h, bytes.Repeat([]byte{0x5a}, size)))
}

func expectFailure(t *testing.T, tm *testModule, orig envelope.Header) control.FailedMessage {
	t.Helper()
	env := tm.expect(core.MTFailedMessage)
	var fm control.FailedMessage
	require.NoError(t, fm.UnmarshalBinary(env.Payload))
	assert.Equal(t, orig.MsgType, fm.Header.MsgType)
	assert.Equal(t, orig.MsgCount, fm.Header.MsgCount)
	assert.Equal(t, orig.SrcModID, fm.Header.SrcModID)
	return fm
}

func TestFragmentMismatchReportsFailure(t *testing.T) {
	m := startManager(t, nil)
	a := connectModule(t, m, 0, false)
	b := connectModule(t, m, 0, false)
	a.change(control.Subscribe(sel(9100)))
	a.expect(core.MTAcknowledge)

	frames := b.fragments(9100, 20000)
	require.Len(t, frames, 3)
	bad := frames[1]
	bad.Header.RemainingBytes = 5000
	b.writeFrames(frames[0], bad)

	expectFailure(t, b, frames[0].Header)

	// the rest of the broken message is dropped without a second report
	b.writeFrames(frames[1], frames[2])
	b.sync()
	a.sync()
	assert.EqualValues(t, 1, m.Stats().Failed)
}

func TestFragmentExpiryReportsFailure(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Unix(1700000000, 0))
	m := startManager(t, func(cfg *config.ManagerConfig) {
		cfg.ReassemblyTTL = time.Second
	}, WithClock(mock))
	a := connectModule(t, m, 0, false)
	b := connectModule(t, m, 0, false)
	a.change(control.Subscribe(sel(9100)))
	a.expect(core.MTAcknowledge)

	frames := b.fragments(9100, 20000)
	b.writeFrames(frames[0])
	b.sync()

	// the sweep runs every half TTL
	mock.Add(time.Second + 500*time.Millisecond)
	fm := expectFailure(t, b, frames[0].Header)
	assert.InDelta(t, 1700000001.5, fm.TimeOfFailure, 0.6)

	// late fragments neither reach the subscriber nor fail again
	b.writeFrames(frames[1:]...)
	b.sync()
	a.sync()
	assert.EqualValues(t, 1, m.Stats().Failed)
}

func TestLoggerReceivesEverything(t *testing.T) {
	m := startManager(t, nil)
	lg := connectModule(t, m, core.MIDQuickLogger, true)
	a := connectModule(t, m, 0, false)
	b := connectModule(t, m, 0, false)

	a.change(control.Subscribe(sel(5000)))
	a.expect(core.MTAcknowledge)

	b.send(5000, core.HIDAllHosts, 0, []byte("x"))
	b.send(5001, core.HIDAllHosts, 0, []byte("nobody listens"))

	got := lg.skipTo(5000)
	assert.Equal(t, []byte("x"), got.Payload)
	got = lg.skipTo(5001)
	assert.Equal(t, []byte("nobody listens"), got.Payload)
	a.expect(5000)
}

func TestFragmentedForwarding(t *testing.T) {
	m := startManager(t, nil)
	a := connectModule(t, m, 0, false)
	b := connectModule(t, m, 0, false)

	a.change(control.Subscribe(sel(9100)))
	a.expect(core.MTAcknowledge)

	payload := bytes.Repeat([]byte("rtma"), 5000)
	b.send(9100, core.HIDAllHosts, 0, payload)
	got := a.expect(9100)
	assert.Equal(t, payload, got.Payload)
	assert.EqualValues(t, 20000, got.Header.NumDataBytes)
}

func TestModuleReadyAndTiming(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Unix(1700000000, 0))
	m := startManager(t, func(cfg *config.ManagerConfig) {
		cfg.TimingPeriod = time.Second
	}, WithClock(mock))

	a := connectModule(t, m, 0, false)
	a.change(control.Subscribe(sel(core.MTTimingMessage)))
	a.expect(core.MTAcknowledge)
	a.change(control.Subscribe(sel(core.MTModuleReady)))
	a.expect(core.MTAcknowledge)

	a.sendPayload(core.MTModuleReady, 0, 0, &control.ModuleReady{PID: 4242})
	ready := a.expect(core.MTModuleReady)
	var mr control.ModuleReady
	require.NoError(t, mr.UnmarshalBinary(ready.Payload))
	assert.EqualValues(t, 4242, mr.PID)

	mock.Add(time.Second)
	env := a.expect(core.MTTimingMessage)
	var tm control.TimingMessage
	require.NoError(t, tm.UnmarshalBinary(env.Payload))
	assert.EqualValues(t, 1, tm.Timing[core.MTConnect])
	assert.EqualValues(t, 2, tm.Timing[core.MTSubscribe])
	assert.EqualValues(t, 1, tm.Timing[core.MTModuleReady])
	assert.EqualValues(t, 4242, tm.ModulePID[a.mod])
	assert.InDelta(t, 1700000001.0, tm.SendTime, 1e-6)

	mock.Add(time.Second)
	env = a.expect(core.MTTimingMessage)
	require.NoError(t, tm.UnmarshalBinary(env.Payload))
	assert.Zero(t, tm.Timing[core.MTSubscribe], "counts reset after each snapshot")
	assert.EqualValues(t, 2, m.Stats().TimingSent)
}

func TestForceDisconnect(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := startManager(t, nil, WithRegisterer(reg))
	ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
	defer cancel()

	a := connectModule(t, m, 0, false)
	b := connectModule(t, m, 0, false)
	a.change(control.Subscribe(sel(core.MTForceDisconnect)))
	a.expect(core.MTAcknowledge)

	require.NoError(t, m.ForceDisconnect(ctx, mustModule(t, b.mod)))
	env := a.expect(core.MTForceDisconnect)
	var fd control.ForceDisconnect
	require.NoError(t, fd.UnmarshalBinary(env.Payload))
	assert.EqualValues(t, b.mod, fd.ModID)
	b.expectClosed()

	mods, err := m.Modules(ctx)
	require.NoError(t, err)
	require.Len(t, mods, 1)
	assert.Equal(t, a.mod, mods[0].ID.Raw())

	err = m.ForceDisconnect(ctx, mustModule(t, b.mod))
	assert.Error(t, err)

	values := gather(t, reg)
	assert.Equal(t, 1.0, values["rtma_manager_forced_disconnects_total"])
	assert.Equal(t, 1.0, values["rtma_manager_connected_modules"])
}

// gather flattens single-series counters and gauges by name.
func gather(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]float64)
	for _, f := range families {
		if len(f.GetMetric()) != 1 {
			continue
		}
		metric := f.GetMetric()[0]
		switch {
		case metric.GetCounter() != nil:
			out[f.GetName()] = metric.GetCounter().GetValue()
		case metric.GetGauge() != nil:
			out[f.GetName()] = metric.GetGauge().GetValue()
		}
	}
	return out
}

func TestForceDisconnectMessage(t *testing.T) {
	m := startManager(t, nil)
	a := connectModule(t, m, 0, false)
	b := connectModule(t, m, 0, false)

	a.sendPayload(core.MTForceDisconnect, 0, 0, &control.ForceDisconnect{ModID: int32(b.mod)})
	b.expectClosed()
	a.sync()
	assert.EqualValues(t, 1, m.Stats().Forced)
}

func TestDisconnect(t *testing.T) {
	m := startManager(t, nil)
	a := connectModule(t, m, 0, false)
	a.send(core.MTDisconnect, 0, 0, nil)
	a.expectClosed()

	// The dynamic id is free again but round-robin moves on.
	b := connectModule(t, m, 0, false)
	assert.EqualValues(t, 101, b.mod)

	st := m.Stats()
	assert.EqualValues(t, 2, st.Connects)
	assert.EqualValues(t, 1, st.Disconnects)
	assert.Equal(t, 1, st.Modules)
}

func TestStatsReport(t *testing.T) {
	var buf strings.Builder
	st := Stats{Received: 12345, Forwarded: 2, Modules: 3}
	require.NoError(t, st.Report(&buf))
	assert.Contains(t, buf.String(), "received 12,345")
	assert.Contains(t, buf.String(), "modules 3")
}

func TestStartTwice(t *testing.T) {
	m := startManager(t, nil)
	assert.ErrorIs(t, m.Start(context.Background()), ErrAlreadyStarted)

	idle, err := New(config.DefaultManagerConfig())
	require.NoError(t, err)
	assert.ErrorIs(t, idle.Wait(), ErrNotRunning)
	assert.NoError(t, idle.Close())
}

func mustModule(t *testing.T, raw int16) core.ModuleID {
	t.Helper()
	id, err := core.ParseModuleID(raw)
	require.NoError(t, err)
	return id
}
