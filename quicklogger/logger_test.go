// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quicklogger

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/destiny/rtma"
	"github.com/destiny/rtma/config"
	"github.com/destiny/rtma/control"
	"github.com/destiny/rtma/core"
	"github.com/destiny/rtma/envelope"
	"github.com/destiny/rtma/manager"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const waitFor = 2 * time.Second

func msg(mt int32, count int32, payload string) envelope.Envelope {
	return envelope.New(envelope.Header{MsgType: mt, MsgCount: count, SrcModID: 100}, []byte(payload))
}

func TestRing(t *testing.T) {
	r := newRing(3)
	for i := int32(1); i <= 5; i++ {
		r.push(msg(5000, i, "ab"))
	}
	assert.Equal(t, 3, r.len())
	assert.EqualValues(t, 2, r.dropped)
	assert.Equal(t, 6, r.bytes)

	var counts []int32
	for _, env := range r.snapshot() {
		counts = append(counts, env.Header.MsgCount)
	}
	assert.Equal(t, []int32{3, 4, 5}, counts)

	r.reset()
	assert.Zero(t, r.len())
	assert.Zero(t, r.bytes)
	assert.Empty(t, r.snapshot())
	r.push(msg(5000, 6, "x"))
	assert.EqualValues(t, 6, r.snapshot()[0].Header.MsgCount)
}

func TestLogFile(t *testing.T) {
	big := bytes.Repeat([]byte{0xA5}, 2*core.MaxContiguousMessageData+17)
	msgs := []envelope.Envelope{
		msg(5000, 1, "first"),
		envelope.New(envelope.Header{MsgType: 9000, MsgCount: 2, SrcModID: 101}, big),
		msg(core.MTAcknowledge, 3, ""),
	}

	for _, name := range []string{"plain.bin", "packed.bin" + CompressedExt} {
		t.Run(name, func(t *testing.T) {
			path, compress := resolve(t.TempDir(), name, false)
			require.NoError(t, WriteLog(path, msgs, compress))

			raw, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, compress, bytes.HasPrefix(raw, zstdMagic))
			_, err = os.Stat(path + ".tmp")
			assert.True(t, os.IsNotExist(err))

			got, err := ReadLog(path)
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.Equal(t, []byte("first"), got[0].Payload)
			assert.Equal(t, big, got[1].Payload)
			assert.EqualValues(t, 9000, got[1].Header.MsgType)
			assert.EqualValues(t, core.MTAcknowledge, got[2].Header.MsgType)
			assert.Empty(t, got[2].Payload)

			sum, err := ScanLog(path)
			require.NoError(t, err)
			assert.Equal(t, 3, sum.Messages)
			assert.Equal(t, 5, sum.Frames)
			assert.EqualValues(t, len("first")+len(big), sum.Bytes)
			assert.Equal(t, map[int32]int{5000: 1, 9000: 1, core.MTAcknowledge: 1}, sum.ByType)
		})
	}
}

func TestReadTruncatedLog(t *testing.T) {
	big := envelope.New(envelope.Header{MsgType: 9000, MsgCount: 1}, make([]byte, core.MaxContiguousMessageData+1))
	frames := envelope.Split(big)
	require.Len(t, frames, 2)

	var buf bytes.Buffer
	require.NoError(t, envelope.WriteFrame(&buf, envelope.Split(msg(5000, 1, "ok"))[0]))
	require.NoError(t, envelope.WriteFrame(&buf, frames[0]))
	path := filepath.Join(t.TempDir(), "cut.bin")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	got, err := ReadLog(path)
	assert.ErrorIs(t, err, ErrTruncatedLog)
	require.Len(t, got, 1)

	sum, err := ScanLog(path)
	assert.ErrorIs(t, err, ErrTruncatedLog)
	assert.Equal(t, 1, sum.Messages)
	assert.Equal(t, 2, sum.Frames)
}

func TestResolve(t *testing.T) {
	p, c := resolve("/var/log/rtma", "run1.bin", false)
	assert.Equal(t, "/var/log/rtma/run1.bin", p)
	assert.False(t, c)

	p, c = resolve("/var/log/rtma", "/tmp/run2.bin.zst", false)
	assert.Equal(t, "/tmp/run2.bin.zst", p)
	assert.True(t, c)

	_, c = resolve(".", "run3.bin", true)
	assert.True(t, c)
}

type harness struct {
	m      *manager.Manager
	logger *Logger
	ctrl   *rtma.Client
	dir    string
	errc   chan error
	cancel context.CancelFunc
}

// start runs a manager, a controller module subscribed to the logger's
// replies and a quick logger. It returns once the logger announced
// LM_READY.
func start(t *testing.T, mutate func(cfg *config.LoggerConfig)) *harness {
	t.Helper()
	mcfg := config.DefaultManagerConfig()
	mcfg.Addr = "127.0.0.1:0"
	mcfg.TimingPeriod = 0
	m, err := manager.New(mcfg, manager.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { assert.NoError(t, m.Close()) })

	ctrl, err := rtma.NewClient(rtma.WithLogger(rtma.DevNullLogger))
	require.NoError(t, err)
	require.NoError(t, ctrl.Connect(context.Background(), m.Addr().String()))
	t.Cleanup(func() { assert.NoError(t, ctrl.Close()) })
	require.NoError(t, ctrl.Subscribe(core.MTLMReady, core.MTMessageLogSaved))

	h := &harness{m: m, ctrl: ctrl, dir: t.TempDir(), errc: make(chan error, 1)}
	cfg := config.DefaultLoggerConfig()
	cfg.Server = m.Addr().String()
	cfg.LogDir = h.dir
	if mutate != nil {
		mutate(&cfg)
	}
	h.logger, err = New(cfg, WithZap(zaptest.NewLogger(t)), WithClientOptions(rtma.WithLogger(rtma.DevNullLogger)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.errc <- h.logger.Run(ctx) }()
	t.Cleanup(h.stop)

	ready := h.read(t)
	require.EqualValues(t, core.MTLMReady, ready.Type())
	require.EqualValues(t, core.MIDQuickLogger, ready.Header.SrcModID)
	return h
}

func (h *harness) stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	h.cancel = nil
	<-h.errc
}

func (h *harness) read(t *testing.T) rtma.Message {
	t.Helper()
	m, ok, err := h.ctrl.ReadMessage(waitFor)
	require.NoError(t, err)
	require.True(t, ok, "no message within %v", waitFor)
	return m
}

func (h *harness) publish(t *testing.T, payloads ...string) {
	t.Helper()
	for _, p := range payloads {
		require.NoError(t, h.ctrl.SendMessage(5000, []byte(p), 0, 0))
	}
}

func (h *harness) signal(t *testing.T, mt int32) {
	t.Helper()
	require.NoError(t, h.ctrl.SendSignal(mt, core.MIDQuickLogger, 0))
}

// saveAndLoad asks the logger to save through the bus and returns the
// payloads of type 5000 found in the file.
func (h *harness) saveAndLoad(t *testing.T, name string) []string {
	t.Helper()
	req, err := control.NewSaveMessageLog(name)
	require.NoError(t, err)
	require.NoError(t, h.ctrl.SendPayload(req, core.MIDQuickLogger, 0))

	saved := h.read(t)
	require.EqualValues(t, core.MTMessageLogSaved, saved.Type())
	assert.EqualValues(t, core.MIDQuickLogger, saved.Header.SrcModID)

	msgs, err := ReadLog(filepath.Join(h.dir, name))
	require.NoError(t, err)
	var out []string
	for _, env := range msgs {
		if env.Header.MsgType == 5000 {
			out = append(out, string(env.Payload))
		}
	}
	return out
}

func TestLoggerSaveOnRequest(t *testing.T) {
	h := start(t, nil)
	h.publish(t, "a", "b", "c")
	assert.Equal(t, []string{"a", "b", "c"}, h.saveAndLoad(t, "run.bin"))

	h.publish(t, "d")
	assert.Equal(t, []string{"a", "b", "c", "d"}, h.saveAndLoad(t, "nested/run.bin"+CompressedExt))

	raw, err := os.ReadFile(filepath.Join(h.dir, "nested", "run.bin"+CompressedExt))
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(raw, zstdMagic))
}

func TestLoggerSaveFailure(t *testing.T) {
	h := start(t, nil)
	h.publish(t, "a")

	// a plain file where the log directory should be
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "blocker"), nil, 0o644))
	req, err := control.NewSaveMessageLog("blocker/run.bin")
	require.NoError(t, err)
	require.NoError(t, h.ctrl.SendPayload(req, core.MIDQuickLogger, 0))

	reply := h.read(t)
	require.EqualValues(t, core.MTFailedMessage, reply.Type())
	assert.EqualValues(t, core.MIDQuickLogger, reply.Header.SrcModID)
	p, err := reply.Decode()
	require.NoError(t, err)
	fm := p.(*control.FailedMessage)
	assert.EqualValues(t, core.MIDQuickLogger, fm.DestModID)
	assert.EqualValues(t, core.MTSaveMessageLog, fm.Header.MsgType)
	assert.Equal(t, h.ctrl.ModuleID(), fm.Header.SrcModID)
	assert.Positive(t, fm.TimeOfFailure)

	st, err := h.logger.Stats()
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.Failures)
	assert.Zero(t, st.Saves)

	// the buffer is intact and a later save succeeds
	assert.Equal(t, []string{"a"}, h.saveAndLoad(t, "after.bin"))
}

func TestLoggerPauseResumeReset(t *testing.T) {
	h := start(t, nil)
	h.publish(t, "kept")
	h.signal(t, core.MTPauseMessageLogging)
	h.publish(t, "skipped")
	h.signal(t, core.MTResumeMessageLogging)
	h.publish(t, "resumed")
	assert.Equal(t, []string{"kept", "resumed"}, h.saveAndLoad(t, "paused.bin"))

	h.signal(t, core.MTResetMessageLog)
	h.signal(t, core.MTDumpMessageLog)
	h.publish(t, "fresh")
	assert.Equal(t, []string{"fresh"}, h.saveAndLoad(t, "reset.bin"))
}

func TestLoggerBufferLimit(t *testing.T) {
	h := start(t, func(cfg *config.LoggerConfig) {
		cfg.BufferMessages = 2
		cfg.Compress = true
	})
	h.publish(t, "1", "2", "3", "4")
	req, err := control.NewSaveMessageLog("limit.bin")
	require.NoError(t, err)
	require.NoError(t, h.ctrl.SendPayload(req, core.MIDQuickLogger, 0))
	require.EqualValues(t, core.MTMessageLogSaved, h.read(t).Type())

	msgs, err := ReadLog(filepath.Join(h.dir, "limit.bin"))
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, []byte("3"), msgs[0].Payload)
	assert.Equal(t, []byte("4"), msgs[1].Payload)

	st, err := h.logger.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, st.Buffered)
	assert.EqualValues(t, 1, st.Saves)
	assert.Positive(t, st.Dropped)
}

func TestLoggerDirectAPI(t *testing.T) {
	h := start(t, nil)
	h.publish(t, "x", "y")
	// a bus round trip orders the publishes before the API calls
	assert.Equal(t, []string{"x", "y"}, h.saveAndLoad(t, "sync.bin"))

	n, err := h.logger.Save("api.bin")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 2)
	msgs, err := ReadLog(filepath.Join(h.dir, "api.bin"))
	require.NoError(t, err)
	assert.Len(t, msgs, n)

	require.NoError(t, h.logger.Reset())
	st, err := h.logger.Stats()
	require.NoError(t, err)
	assert.Zero(t, st.Buffered)
	assert.False(t, st.Paused)
	assert.EqualValues(t, 2, st.Saves)
	assert.EqualValues(t, 2, st.Logged)

	h.stop()
	_, err = h.logger.Stats()
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestLoggerExit(t *testing.T) {
	for _, mt := range []int32{core.MTLMExit, core.MTExit, core.MTKill} {
		t.Run(core.MustMessageType(mt).String(), func(t *testing.T) {
			h := start(t, nil)
			h.signal(t, mt)
			select {
			case err := <-h.errc:
				assert.NoError(t, err)
				h.cancel()
				h.cancel = nil
			case <-time.After(waitFor):
				t.Fatal("logger did not exit")
			}
		})
	}
}

func TestLoggerIgnoresOthersExit(t *testing.T) {
	h := start(t, nil)
	require.NoError(t, h.ctrl.SendSignal(core.MTExit, 0, 0))
	h.publish(t, "still here")
	assert.Equal(t, []string{"still here"}, h.saveAndLoad(t, "alive.bin"))
}

func TestLoggerConfig(t *testing.T) {
	cfg := config.DefaultLoggerConfig()
	cfg.BufferMessages = 0
	_, err := New(cfg)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)

	l, err := New(config.DefaultLoggerConfig())
	require.NoError(t, err)
	_, err = l.Stats()
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.ErrorIs(t, l.Reset(), ErrNotRunning)
}
