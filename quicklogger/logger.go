// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package quicklogger implements the RTMA logger module. It connects to
// the message manager with logger status, keeps the most recent messages
// in memory and writes them to disk on request.
package quicklogger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/destiny/rtma"
	"github.com/destiny/rtma/config"
	"github.com/destiny/rtma/control"
	"github.com/destiny/rtma/core"
	"github.com/destiny/rtma/envelope"
)

const (
	readPoll       = 100 * time.Millisecond
	commandTimeout = 5 * time.Second
)

var (
	ErrNotRunning     = errors.New("quicklogger: not running")
	ErrAlreadyRunning = errors.New("quicklogger: already running")
)

// Stats describes the logger buffer.
type Stats struct {
	Logged   uint64 // messages added to the buffer
	Dropped  uint64 // messages overwritten before being saved
	Buffered int
	Bytes    int // payload bytes buffered
	Saves    uint64
	Failures uint64 // save requests that could not be written
	Paused   bool
}

// Option configures a Logger.
type Option func(l *Logger)

// WithZap sets the structured logger.
func WithZap(z *zap.Logger) Option {
	return func(l *Logger) {
		l.log = z
	}
}

// WithClientOptions passes extra options to the manager connection.
func WithClientOptions(opts ...rtma.Option) Option {
	return func(l *Logger) {
		l.copts = append(l.copts, opts...)
	}
}

type loggerCmd struct {
	action string
	data   interface{}
	reply  chan interface{}
}

type saveResult struct {
	n   int
	err error
}

// Logger is the quick logger module.
type Logger struct {
	cfg   config.LoggerConfig
	log   *zap.Logger
	copts []rtma.Option

	// owned by the run loop
	client *rtma.Client
	ring   *ring
	paused bool
	stats  Stats

	msgs chan rtma.Message
	cmds chan loggerCmd

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

// New returns a logger for cfg. It does not connect until Run.
func New(cfg config.LoggerConfig, opts ...Option) (*Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := &Logger{
		cfg:  cfg,
		log:  zap.NewNop(),
		ring: newRing(cfg.BufferMessages),
		msgs: make(chan rtma.Message),
		cmds: make(chan loggerCmd),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = l.log.Named("quicklogger")
	return l, nil
}

// Run connects to the manager as module MID_QUICKLOGGER and logs until
// ctx is done, an exit request arrives or the connection is lost.
func (l *Logger) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return ErrAlreadyRunning
	}
	l.running = true
	l.done = make(chan struct{})
	done := l.done
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.running = false
		close(done)
		l.mu.Unlock()
	}()

	lvl, _ := config.ParseLevel(l.cfg.LogLevel)
	opts := append([]rtma.Option{
		rtma.WithModuleID(core.MIDQuickLogger),
		rtma.WithLoggerStatus(true),
		rtma.WithLogger(rtma.NewLoggerFromZap(l.log, clientLevel(lvl))),
	}, l.copts...)
	client, err := rtma.NewClient(opts...)
	if err != nil {
		return err
	}
	if err := client.Connect(ctx, l.cfg.Server); err != nil {
		return err
	}
	defer client.Close()
	l.client = client

	if err := client.SendSignal(core.MTLMReady, 0, 0); err != nil {
		return err
	}
	l.log.Info("logging", zap.String("server", l.cfg.Server), zap.Int("buffer", l.cfg.BufferMessages))

	g, gctx := errgroup.WithContext(ctx)
	quit := make(chan struct{})
	g.Go(func() error {
		return l.readLoop(quit)
	})
	g.Go(func() error {
		defer close(quit)
		return l.loop(gctx)
	})
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

func (l *Logger) readLoop(quit <-chan struct{}) error {
	for {
		select {
		case <-quit:
			return nil
		default:
		}
		msg, ok, err := l.client.ReadMessage(readPoll)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		select {
		case l.msgs <- msg:
		case <-quit:
			return nil
		}
	}
}

func (l *Logger) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-l.msgs:
			if exits(msg.Header) {
				l.log.Info("exit requested",
					zap.Int16("mod_id", msg.Header.SrcModID),
					zap.Stringer("msg_type", core.MustMessageType(msg.Type())))
				return nil
			}
			l.handleMessage(msg)
		case cmd := <-l.cmds:
			l.handleCommand(cmd)
		}
	}
}

// exits reports whether h asks the logger to stop. Loggers see every
// message, so EXIT and KILL only count when addressed to the logger.
func exits(h envelope.Header) bool {
	switch h.MsgType {
	case core.MTLMExit:
		return true
	case core.MTExit, core.MTKill:
		return h.DestModID == core.MIDQuickLogger
	}
	return false
}

func (l *Logger) handleMessage(msg rtma.Message) {
	h := msg.Header
	switch h.MsgType {
	case core.MTSaveMessageLog:
		p, err := msg.Decode()
		if err != nil {
			l.log.Warn("bad save request", zap.Int16("mod_id", h.SrcModID), zap.Error(err))
			return
		}
		n, err := l.save(p.(*control.SaveMessageLog).Pathname)
		if err != nil {
			l.log.Error("save failed", zap.Int16("mod_id", h.SrcModID), zap.Error(err))
			l.saveFailed(h)
			return
		}
		if err := l.client.SendSignal(core.MTMessageLogSaved, h.SrcModID, 0); err != nil {
			l.log.Warn("could not confirm save", zap.Int16("mod_id", h.SrcModID), zap.Error(err))
		}
		l.log.Debug("saved on request", zap.Int16("mod_id", h.SrcModID), zap.Int("messages", n))
	case core.MTPauseMessageLogging:
		l.paused = true
	case core.MTResumeMessageLogging:
		l.paused = false
	case core.MTResetMessageLog:
		l.ring.reset()
	case core.MTDumpMessageLog:
		l.dump()
	case core.MTMessageLogSaved, core.MTLMReady:
	default:
		if l.paused {
			return
		}
		l.ring.push(envelope.New(h, msg.Data))
		l.stats.Logged++
	}
}

func (l *Logger) handleCommand(cmd loggerCmd) {
	switch cmd.action {
	case "save":
		n, err := l.save(cmd.data.(string))
		cmd.reply <- saveResult{n: n, err: err}
	case "stats":
		cmd.reply <- l.snapshot()
	case "reset":
		l.ring.reset()
		cmd.reply <- nil
	}
}

func (l *Logger) save(path string) (int, error) {
	path, compress := resolve(l.cfg.LogDir, path, l.cfg.Compress)
	msgs := l.ring.snapshot()
	if err := WriteLog(path, msgs, compress); err != nil {
		return 0, err
	}
	l.stats.Saves++
	l.log.Info("message log saved", zap.String("path", path), zap.Int("messages", len(msgs)), zap.Bool("compressed", compress))
	return len(msgs), nil
}

// saveFailed answers a SAVE_MESSAGE_LOG that could not be written with a
// FAILED_MESSAGE carrying the request header.
func (l *Logger) saveFailed(h envelope.Header) {
	l.stats.Failures++
	fm := &control.FailedMessage{
		DestModID:     core.MIDQuickLogger,
		TimeOfFailure: float64(time.Now().UnixNano()) / 1e9,
		Header:        h,
	}
	if err := l.client.SendPayload(fm, h.SrcModID, 0); err != nil {
		l.log.Warn("could not report failed save", zap.Int16("mod_id", h.SrcModID), zap.Error(err))
	}
}

func (l *Logger) dump() {
	counts := make(map[int32]int)
	for _, env := range l.ring.snapshot() {
		counts[env.Header.MsgType]++
	}
	fields := make([]zap.Field, 0, len(counts)+1)
	fields = append(fields, zap.Int("buffered", l.ring.len()))
	for mt, n := range counts {
		fields = append(fields, zap.Int(fmt.Sprintf("msg_type_%d", mt), n))
	}
	l.log.Info("message log", fields...)
}

func (l *Logger) snapshot() Stats {
	s := l.stats
	s.Dropped = l.ring.dropped
	s.Buffered = l.ring.len()
	s.Bytes = l.ring.bytes
	s.Paused = l.paused
	return s
}

func (l *Logger) command(action string, data interface{}) (interface{}, error) {
	l.mu.Lock()
	done, running := l.done, l.running
	l.mu.Unlock()
	if !running {
		return nil, ErrNotRunning
	}

	cmd := loggerCmd{action: action, data: data, reply: make(chan interface{}, 1)}
	timeout := time.NewTimer(commandTimeout)
	defer timeout.Stop()
	select {
	case l.cmds <- cmd:
	case <-done:
		return nil, ErrNotRunning
	case <-timeout.C:
		return nil, fmt.Errorf("quicklogger: %s timed out", action)
	}
	return <-cmd.reply, nil
}

// Save writes the buffer to path, relative to the configured log
// directory unless absolute, and returns the number of messages written.
func (l *Logger) Save(path string) (int, error) {
	v, err := l.command("save", path)
	if err != nil {
		return 0, err
	}
	r := v.(saveResult)
	return r.n, r.err
}

// Reset empties the buffer.
func (l *Logger) Reset() error {
	_, err := l.command("reset", nil)
	return err
}

func (l *Logger) Stats() (Stats, error) {
	v, err := l.command("stats", nil)
	if err != nil {
		return Stats{}, err
	}
	return v.(Stats), nil
}

func clientLevel(lvl zapcore.Level) rtma.LogLevel {
	switch {
	case lvl <= zapcore.DebugLevel:
		return rtma.LogLevelDebug
	case lvl == zapcore.InfoLevel:
		return rtma.LogLevelInfo
	case lvl == zapcore.WarnLevel:
		return rtma.LogLevelWarn
	default:
		return rtma.LogLevelError
	}
}
