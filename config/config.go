// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config loads the TOML configuration of the message manager and
// the quick logger.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/destiny/rtma/core"
)

const (
	DefaultAddr            = ":7111"
	DefaultTimingPeriod    = time.Second
	DefaultSendQueue       = 1024
	DefaultReassemblyTTL   = 5 * time.Second
	DefaultReassemblySlots = 1024
	DefaultBufferMessages  = 100000
	DefaultLogLevel        = "info"
)

var ErrInvalidConfig = errors.New("config: invalid configuration")

// ManagerConfig configures the message manager.
type ManagerConfig struct {
	Addr            string
	TimingPeriod    time.Duration // zero disables TIMING_MESSAGE
	SendQueue       int
	ReassemblyTTL   time.Duration
	ReassemblySlots int
	MessageTypes    []int32 // non-empty closes the type registry
	MetricsAddr     string
	LogLevel        string
}

// LoggerConfig configures the quick logger module.
type LoggerConfig struct {
	Server         string
	BufferMessages int
	LogDir         string
	Compress       bool
	LogLevel       string
}

type managerFile struct {
	Addr            string  `toml:"addr"`
	TimingPeriod    string  `toml:"timing_period"`
	SendQueue       int     `toml:"send_queue"`
	ReassemblyTTL   string  `toml:"reassembly_ttl"`
	ReassemblySlots int     `toml:"reassembly_slots"`
	MessageTypes    []int32 `toml:"message_types"`
	MetricsAddr     string  `toml:"metrics_addr"`
	LogLevel        string  `toml:"log_level"`
}

type loggerFile struct {
	Server         string `toml:"server"`
	BufferMessages int    `toml:"buffer_messages"`
	LogDir         string `toml:"log_dir"`
	Compress       bool   `toml:"compress"`
	LogLevel       string `toml:"log_level"`
}

// DefaultManagerConfig returns the settings used when no file is given.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Addr:            DefaultAddr,
		TimingPeriod:    DefaultTimingPeriod,
		SendQueue:       DefaultSendQueue,
		ReassemblyTTL:   DefaultReassemblyTTL,
		ReassemblySlots: DefaultReassemblySlots,
		LogLevel:        DefaultLogLevel,
	}
}

// DefaultLoggerConfig returns the quick logger defaults.
func DefaultLoggerConfig() LoggerConfig {
	return LoggerConfig{
		Server:         "127.0.0.1" + DefaultAddr,
		BufferMessages: DefaultBufferMessages,
		LogDir:         ".",
		LogLevel:       DefaultLogLevel,
	}
}

// LoadManager reads a manager configuration. Keys missing from the file
// keep their defaults.
func LoadManager(path string) (ManagerConfig, error) {
	cfg := DefaultManagerConfig()

	var raw managerFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ManagerConfig{}, fmt.Errorf("load manager config: %w", err)
	}

	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("timing_period") {
		if cfg.TimingPeriod, err = parseDuration("timing_period", raw.TimingPeriod); err != nil {
			return ManagerConfig{}, err
		}
	}
	if meta.IsDefined("send_queue") {
		cfg.SendQueue = raw.SendQueue
	}
	if meta.IsDefined("reassembly_ttl") {
		if cfg.ReassemblyTTL, err = parseDuration("reassembly_ttl", raw.ReassemblyTTL); err != nil {
			return ManagerConfig{}, err
		}
	}
	if meta.IsDefined("reassembly_slots") {
		cfg.ReassemblySlots = raw.ReassemblySlots
	}
	if meta.IsDefined("message_types") {
		cfg.MessageTypes = raw.MessageTypes
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}

	if err := cfg.Validate(); err != nil {
		return ManagerConfig{}, err
	}
	return cfg, nil
}

// LoadLogger reads a quick logger configuration.
func LoadLogger(path string) (LoggerConfig, error) {
	cfg := DefaultLoggerConfig()

	var raw loggerFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return LoggerConfig{}, fmt.Errorf("load logger config: %w", err)
	}

	if meta.IsDefined("server") {
		cfg.Server = strings.TrimSpace(raw.Server)
	}
	if meta.IsDefined("buffer_messages") {
		cfg.BufferMessages = raw.BufferMessages
	}
	if meta.IsDefined("log_dir") {
		cfg.LogDir = strings.TrimSpace(raw.LogDir)
	}
	if meta.IsDefined("compress") {
		cfg.Compress = raw.Compress
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}

	if err := cfg.Validate(); err != nil {
		return LoggerConfig{}, err
	}
	return cfg, nil
}

func parseDuration(key, v string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%w: %s must not be negative", ErrInvalidConfig, key)
	}
	return d, nil
}

// Validate checks the manager settings.
func (cfg ManagerConfig) Validate() error {
	if cfg.Addr == "" {
		return fmt.Errorf("%w: manager config missing addr", ErrInvalidConfig)
	}
	if cfg.SendQueue <= 0 {
		return fmt.Errorf("%w: send_queue must be positive", ErrInvalidConfig)
	}
	if cfg.ReassemblySlots <= 0 {
		return fmt.Errorf("%w: reassembly_slots must be positive", ErrInvalidConfig)
	}
	if cfg.ReassemblyTTL <= 0 {
		return fmt.Errorf("%w: reassembly_ttl must be positive", ErrInvalidConfig)
	}
	for i, id := range cfg.MessageTypes {
		mt, err := core.NewMessageType(id)
		if err != nil {
			return fmt.Errorf("%w: message_types[%d]: %v", ErrInvalidConfig, i, err)
		}
		if mt.IsControl() {
			return fmt.Errorf("%w: message_types[%d]: %s is a control type", ErrInvalidConfig, i, mt)
		}
	}
	if _, err := ParseLevel(cfg.LogLevel); err != nil {
		return err
	}
	return nil
}

// Validate checks the quick logger settings.
func (cfg LoggerConfig) Validate() error {
	if cfg.Server == "" {
		return fmt.Errorf("%w: logger config missing server", ErrInvalidConfig)
	}
	if cfg.BufferMessages <= 0 {
		return fmt.Errorf("%w: buffer_messages must be positive", ErrInvalidConfig)
	}
	if _, err := ParseLevel(cfg.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps a log_level value onto a zap level. An empty value is
// info.
func ParseLevel(s string) (zapcore.Level, error) {
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	lvl, err := zapcore.ParseLevel(s)
	if err != nil {
		return 0, fmt.Errorf("%w: log_level: %v", ErrInvalidConfig, err)
	}
	return lvl, nil
}

// NewZapLogger builds the production zap logger at the configured level.
func NewZapLogger(level string) (*zap.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.Encoding = "console"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zc.Build()
}
