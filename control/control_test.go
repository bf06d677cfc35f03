// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package control

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"

	"github.com/destiny/rtma/core"
	"github.com/destiny/rtma/envelope"
)

func TestPayloadSizes(t *testing.T) {
	cases := []struct {
		p    Payload
		size int
	}{
		{&Connect{LoggerStatus: 1}, 4},
		{Subscribe(core.AllTypes()), 4},
		{&FailSubscribe{ModID: 101, MsgType: 5000}, 8},
		{&FailedMessage{DestModID: 101}, 64},
		{&ForceDisconnect{ModID: 120}, 4},
		{&ModuleReady{PID: 99}, 4},
		{&SaveMessageLog{Pathname: "/tmp/x.bin"}, 260},
		{&TimingMessage{}, 20808},
		{&Signal{MsgType: core.MTExit}, 0},
	}
	for _, tc := range cases {
		b, err := tc.p.MarshalBinary()
		require.NoError(t, err)
		assert.Len(t, b, tc.size, "type %d", tc.p.Type())

		size, ok := Size(tc.p.Type())
		require.True(t, ok)
		assert.Equal(t, tc.size, size)
		assert.NotZero(t, Version(tc.p.Type()))
	}
	assert.Greater(t, TimingMessageSize, core.MaxContiguousMessageData)
}

func TestDecode(t *testing.T) {
	t.Run("connect", func(t *testing.T) {
		b, _ := (&Connect{LoggerStatus: 1, DaemonStatus: 0}).MarshalBinary()
		p, err := Decode(core.MTConnect, b)
		require.NoError(t, err)
		c := p.(*Connect)
		assert.True(t, c.IsLogger())
		assert.Equal(t, []byte{1, 0, 0, 0}, b)
	})

	t.Run("subscription family", func(t *testing.T) {
		for _, op := range []int32{core.MTSubscribe, core.MTUnsubscribe, core.MTPauseSubscription, core.MTResumeSubscription} {
			b, _ := (&SubscriptionChange{Op: op, MsgType: core.AllMessageTypes}).MarshalBinary()
			p, err := Decode(op, b)
			require.NoError(t, err)
			sc := p.(*SubscriptionChange)
			assert.Equal(t, op, sc.Type())
			sel, err := sc.Selector()
			require.NoError(t, err)
			assert.True(t, sel.All())
		}
	})

	t.Run("failed message", func(t *testing.T) {
		hdr := envelope.Header{MsgType: 5000, MsgCount: 12, SrcModID: 101, DestModID: 100, NumDataBytes: 3}
		in := &FailedMessage{DestModID: 100, TimeOfFailure: 1.5, Header: hdr}
		b, err := in.MarshalBinary()
		require.NoError(t, err)
		p, err := Decode(core.MTFailedMessage, b)
		require.NoError(t, err)
		assert.Equal(t, in, p)
	})

	t.Run("signals", func(t *testing.T) {
		p, err := Decode(core.MTKill, nil)
		require.NoError(t, err)
		assert.Equal(t, int32(core.MTKill), p.Type())

		_, err = Decode(core.MTExit, []byte{1})
		assert.ErrorIs(t, err, ErrMalformedPayload)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := Decode(core.MTSubscribe, []byte{1, 2, 3})
		assert.ErrorIs(t, err, ErrMalformedPayload)
		_, err = Decode(core.MTConnect, nil)
		assert.ErrorIs(t, err, ErrMalformedPayload)
		_, err = Decode(5000, []byte{1})
		assert.ErrorIs(t, err, ErrUnknownPayload)
	})

	t.Run("force disconnect", func(t *testing.T) {
		f := &ForceDisconnect{ModID: 130}
		mod, err := f.Module()
		require.NoError(t, err)
		assert.True(t, mod.IsDynamic())

		_, err = (&ForceDisconnect{ModID: math.MaxInt32}).Module()
		assert.ErrorIs(t, err, core.ErrInvalidModuleID)
	})
}

func TestSaveMessageLogPathLimit(t *testing.T) {
	exact := strings.Repeat("a", core.MaxLoggerFilenameLength)
	s, err := NewSaveMessageLog(exact)
	require.NoError(t, err)
	b, err := s.MarshalBinary()
	require.NoError(t, err)

	p, err := Decode(core.MTSaveMessageLog, b)
	require.NoError(t, err)
	assert.Equal(t, exact, p.(*SaveMessageLog).Pathname)

	_, err = NewSaveMessageLog(exact + "a")
	assert.ErrorIs(t, err, ErrPathTooLong)
	_, err = (&SaveMessageLog{Pathname: exact + "a"}).MarshalBinary()
	assert.ErrorIs(t, err, ErrPathTooLong)

	// a length field beyond the buffer is rejected
	byteOrder.PutUint32(b[core.MaxLoggerFilenameLength:], core.MaxLoggerFilenameLength+1)
	_, err = Decode(core.MTSaveMessageLog, b)
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestTimingMessage(t *testing.T) {
	var c Counter
	for i := 0; i < 3; i++ {
		c.Add(5000)
	}
	c.Add(core.MTFailedMessage)
	c.Add(-1)
	c.Add(core.AllMessageTypes)
	for i := 0; i < 70000; i++ {
		c.Add(9001)
	}

	var pids [core.MaxModules]int32
	pids[100] = 4321
	snap := c.Snapshot(pids, 3.25)
	assert.Equal(t, uint16(3), snap.Timing[5000])
	assert.Equal(t, uint16(math.MaxUint16), snap.Timing[9001], "counts saturate")

	next := c.Snapshot(pids, 4.25)
	assert.Zero(t, next.Total(), "snapshot resets the period")

	b, err := snap.MarshalBinary()
	require.NoError(t, err)
	frames := envelope.Split(envelope.New(envelope.Header{MsgType: core.MTTimingMessage}, b))
	assert.Len(t, frames, 3)

	p, err := Decode(core.MTTimingMessage, b)
	require.NoError(t, err)
	got := p.(*TimingMessage)
	assert.Equal(t, snap, got)

	counts := got.Counts()
	require.Len(t, counts, 3)
	assert.Equal(t, int32(9001), counts[0].Type.ID())

	var out bytes.Buffer
	require.NoError(t, got.Report(&out, language.English))
	assert.Contains(t, out.String(), "65,539 messages")
	assert.Contains(t, out.String(), "module 100 pid 4321")
}
