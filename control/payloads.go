// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package control

import (
	"bytes"
	"fmt"
	"math"

	"github.com/destiny/rtma/core"
	"github.com/destiny/rtma/envelope"
)

const (
	connectSize         = 4
	subscriptionSize    = 4
	failSubscribeSize   = 8
	failedMessageSize   = 16 + envelope.HeaderSize
	forceDisconnectSize = 4
	moduleReadySize     = 4
	saveMessageLogSize  = core.MaxLoggerFilenameLength + 4
)

// Connect is the CONNECT handshake payload.
type Connect struct {
	LoggerStatus int16
	DaemonStatus int16
}

func (*Connect) Type() int32 { return core.MTConnect }

// IsLogger reports whether the module asks to receive every message.
func (c *Connect) IsLogger() bool { return c.LoggerStatus == 1 }

func (c *Connect) MarshalBinary() ([]byte, error) {
	b := make([]byte, connectSize)
	byteOrder.PutUint16(b[0:], uint16(c.LoggerStatus))
	byteOrder.PutUint16(b[2:], uint16(c.DaemonStatus))
	return b, nil
}

func (c *Connect) UnmarshalBinary(data []byte) error {
	if err := checkSize(core.MTConnect, data); err != nil {
		return err
	}
	c.LoggerStatus = int16(byteOrder.Uint16(data[0:]))
	c.DaemonStatus = int16(byteOrder.Uint16(data[2:]))
	return nil
}

// SubscriptionChange is the payload shared by SUBSCRIBE, UNSUBSCRIBE,
// PAUSE_SUBSCRIPTION and RESUME_SUBSCRIPTION. Op selects which.
type SubscriptionChange struct {
	Op      int32
	MsgType int32
}

func Subscribe(sel core.Selector) *SubscriptionChange {
	return &SubscriptionChange{Op: core.MTSubscribe, MsgType: sel.Raw()}
}

func Unsubscribe(sel core.Selector) *SubscriptionChange {
	return &SubscriptionChange{Op: core.MTUnsubscribe, MsgType: sel.Raw()}
}

func PauseSubscription(sel core.Selector) *SubscriptionChange {
	return &SubscriptionChange{Op: core.MTPauseSubscription, MsgType: sel.Raw()}
}

func ResumeSubscription(sel core.Selector) *SubscriptionChange {
	return &SubscriptionChange{Op: core.MTResumeSubscription, MsgType: sel.Raw()}
}

func (s *SubscriptionChange) Type() int32 { return s.Op }

// Selector interprets MsgType, accepting the ALL_MESSAGE_TYPES wildcard.
func (s *SubscriptionChange) Selector() (core.Selector, error) {
	return core.ParseSelector(s.MsgType)
}

func (s *SubscriptionChange) MarshalBinary() ([]byte, error) {
	b := make([]byte, subscriptionSize)
	byteOrder.PutUint32(b, uint32(s.MsgType))
	return b, nil
}

func (s *SubscriptionChange) UnmarshalBinary(data []byte) error {
	if err := checkSize(s.Op, data); err != nil {
		return err
	}
	s.MsgType = int32(byteOrder.Uint32(data))
	return nil
}

// FailSubscribe tells a module its subscription request was refused.
type FailSubscribe struct {
	ModID   int16
	MsgType int32
}

func (*FailSubscribe) Type() int32 { return core.MTFailSubscribe }

func (f *FailSubscribe) MarshalBinary() ([]byte, error) {
	b := make([]byte, failSubscribeSize)
	byteOrder.PutUint16(b[0:], uint16(f.ModID))
	byteOrder.PutUint32(b[4:], uint32(f.MsgType))
	return b, nil
}

func (f *FailSubscribe) UnmarshalBinary(data []byte) error {
	if err := checkSize(core.MTFailSubscribe, data); err != nil {
		return err
	}
	f.ModID = int16(byteOrder.Uint16(data[0:]))
	f.MsgType = int32(byteOrder.Uint32(data[4:]))
	return nil
}

// FailedMessage reports that a message could not be delivered to
// DestModID. Header is a copy of the undelivered message's header.
type FailedMessage struct {
	DestModID     int16
	TimeOfFailure float64
	Header        envelope.Header
}

func (*FailedMessage) Type() int32 { return core.MTFailedMessage }

func (f *FailedMessage) MarshalBinary() ([]byte, error) {
	b := make([]byte, 16, failedMessageSize)
	byteOrder.PutUint16(b[0:], uint16(f.DestModID))
	byteOrder.PutUint64(b[8:], math.Float64bits(f.TimeOfFailure))
	hdr, err := f.Header.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return append(b, hdr...), nil
}

func (f *FailedMessage) UnmarshalBinary(data []byte) error {
	if err := checkSize(core.MTFailedMessage, data); err != nil {
		return err
	}
	f.DestModID = int16(byteOrder.Uint16(data[0:]))
	f.TimeOfFailure = math.Float64frombits(byteOrder.Uint64(data[8:]))
	return f.Header.UnmarshalBinary(data[16:])
}

// ForceDisconnect names the module a relay must drop.
type ForceDisconnect struct {
	ModID int32
}

func (*ForceDisconnect) Type() int32 { return core.MTForceDisconnect }

func (f *ForceDisconnect) MarshalBinary() ([]byte, error) {
	b := make([]byte, forceDisconnectSize)
	byteOrder.PutUint32(b, uint32(f.ModID))
	return b, nil
}

func (f *ForceDisconnect) UnmarshalBinary(data []byte) error {
	if err := checkSize(core.MTForceDisconnect, data); err != nil {
		return err
	}
	f.ModID = int32(byteOrder.Uint32(data))
	return nil
}

// Module returns the target as a module id.
func (f *ForceDisconnect) Module() (core.ModuleID, error) {
	if f.ModID < math.MinInt16 || f.ModID > math.MaxInt16 {
		return core.ModuleID{}, fmt.Errorf("%w: %d", core.ErrInvalidModuleID, f.ModID)
	}
	return core.ParseModuleID(int16(f.ModID))
}

// ModuleReady announces that a module finished initializing.
type ModuleReady struct {
	PID int32
}

func (*ModuleReady) Type() int32 { return core.MTModuleReady }

func (m *ModuleReady) MarshalBinary() ([]byte, error) {
	b := make([]byte, moduleReadySize)
	byteOrder.PutUint32(b, uint32(m.PID))
	return b, nil
}

func (m *ModuleReady) UnmarshalBinary(data []byte) error {
	if err := checkSize(core.MTModuleReady, data); err != nil {
		return err
	}
	m.PID = int32(byteOrder.Uint32(data))
	return nil
}

// SaveMessageLog asks a logger to write its buffer to Pathname. The path
// occupies a fixed MaxLoggerFilenameLength buffer followed by its length.
type SaveMessageLog struct {
	Pathname string
}

// NewSaveMessageLog validates the path length before building the request.
func NewSaveMessageLog(path string) (*SaveMessageLog, error) {
	if len(path) > core.MaxLoggerFilenameLength {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrPathTooLong, len(path), core.MaxLoggerFilenameLength)
	}
	return &SaveMessageLog{Pathname: path}, nil
}

func (*SaveMessageLog) Type() int32 { return core.MTSaveMessageLog }

func (s *SaveMessageLog) MarshalBinary() ([]byte, error) {
	if len(s.Pathname) > core.MaxLoggerFilenameLength {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrPathTooLong, len(s.Pathname), core.MaxLoggerFilenameLength)
	}
	b := make([]byte, saveMessageLogSize)
	copy(b, s.Pathname)
	byteOrder.PutUint32(b[core.MaxLoggerFilenameLength:], uint32(len(s.Pathname)))
	return b, nil
}

func (s *SaveMessageLog) UnmarshalBinary(data []byte) error {
	if err := checkSize(core.MTSaveMessageLog, data); err != nil {
		return err
	}
	n := int32(byteOrder.Uint32(data[core.MaxLoggerFilenameLength:]))
	if n < 0 || n > core.MaxLoggerFilenameLength {
		return fmt.Errorf("%w: pathname_length %d", ErrMalformedPayload, n)
	}
	path := data[:n]
	// a NUL inside the declared length ends the path
	if i := bytes.IndexByte(path, 0); i >= 0 {
		path = path[:i]
	}
	s.Pathname = string(path)
	return nil
}
