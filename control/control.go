// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package control encodes and decodes the payloads of RTMA control and
// diagnostic messages.
//
// Every payload has a fixed little-endian layout without padding. Types
// that carry no payload (EXIT, KILL, ACKNOWLEDGE, DISCONNECT and the
// message-log signals) are represented by Signal.
package control

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/destiny/rtma/core"
)

var (
	ErrPathTooLong      = errors.New("control: log path too long")
	ErrMalformedPayload = errors.New("control: malformed payload")
	ErrUnknownPayload   = errors.New("control: no payload definition for message type")
)

var byteOrder = binary.LittleEndian

// Payload is a control message body.
type Payload interface {
	// Type is the message type the payload travels under.
	Type() int32
	MarshalBinary() ([]byte, error)
	UnmarshalBinary(data []byte) error
}

// def describes the fixed layout of one control type.
type def struct {
	size    int
	version uint32
}

// defs holds the payload size and definition hash of every control type.
// The hash travels in the header's reserved field.
var defs = map[int32]def{
	core.MTExit:                 {0, 0x095E0546},
	core.MTKill:                 {0, 0x82FC702D},
	core.MTAcknowledge:          {0, 0xB725B581},
	core.MTFailSubscribe:        {failSubscribeSize, 0x9AD70A15},
	core.MTFailedMessage:        {failedMessageSize, 0xDCA545B2},
	core.MTConnect:              {connectSize, 0x6F2E3CA5},
	core.MTDisconnect:           {0, 0xD0126BF9},
	core.MTSubscribe:            {subscriptionSize, 0xF5B437C8},
	core.MTUnsubscribe:          {subscriptionSize, 0x193FB9E0},
	core.MTModuleReady:          {moduleReadySize, 0x0DF81813},
	core.MTLMExit:               {0, 0x35DD547B},
	core.MTSaveMessageLog:       {saveMessageLogSize, 0x515569E9},
	core.MTMessageLogSaved:      {0, 0x66E84AE5},
	core.MTPauseMessageLogging:  {0, 0x20C1E922},
	core.MTResumeMessageLogging: {0, 0x0D1A3E77},
	core.MTResetMessageLog:      {0, 0x68EC4AAB},
	core.MTDumpMessageLog:       {0, 0xF9D7E2BF},
	core.MTTimingMessage:        {TimingMessageSize, 0x3595C23E},
	core.MTForceDisconnect:      {forceDisconnectSize, 0xC37C54E8},
	core.MTPauseSubscription:    {subscriptionSize, 0x22338A6D},
	core.MTResumeSubscription:   {subscriptionSize, 0xC56A97F2},
	core.MTLMReady:              {0, 0x4863B960},
}

// HeaderVersion is the definition hash of the envelope header itself.
const HeaderVersion uint32 = 0x9A4D7016

// Size returns the payload size of a control type.
func Size(mt int32) (int, bool) {
	d, ok := defs[mt]
	return d.size, ok
}

// Version returns the definition hash of a control type, or zero when the
// type has no known definition.
func Version(mt int32) uint32 {
	return defs[mt].version
}

// Decode parses the payload of a control message. It returns
// ErrUnknownPayload for types without a definition.
func Decode(mt int32, data []byte) (Payload, error) {
	var p Payload
	switch mt {
	case core.MTConnect:
		p = &Connect{}
	case core.MTSubscribe, core.MTUnsubscribe, core.MTPauseSubscription, core.MTResumeSubscription:
		p = &SubscriptionChange{Op: mt}
	case core.MTFailSubscribe:
		p = &FailSubscribe{}
	case core.MTFailedMessage:
		p = &FailedMessage{}
	case core.MTForceDisconnect:
		p = &ForceDisconnect{}
	case core.MTModuleReady:
		p = &ModuleReady{}
	case core.MTSaveMessageLog:
		p = &SaveMessageLog{}
	case core.MTTimingMessage:
		p = &TimingMessage{}
	default:
		if _, ok := defs[mt]; !ok {
			return nil, fmt.Errorf("%w: %d", ErrUnknownPayload, mt)
		}
		p = &Signal{MsgType: mt}
	}
	if err := p.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return p, nil
}

func checkSize(mt int32, data []byte) error {
	want := defs[mt].size
	if len(data) != want {
		return fmt.Errorf("%w: %s payload is %d bytes, want %d",
			ErrMalformedPayload, core.MustMessageType(mt), len(data), want)
	}
	return nil
}

// Signal is a control message without payload.
type Signal struct {
	MsgType int32
}

func (s *Signal) Type() int32 { return s.MsgType }

func (s *Signal) MarshalBinary() ([]byte, error) {
	if d, ok := defs[s.MsgType]; !ok || d.size != 0 {
		return nil, fmt.Errorf("%w: %d is not a signal", ErrUnknownPayload, s.MsgType)
	}
	return nil, nil
}

func (s *Signal) UnmarshalBinary(data []byte) error {
	return checkSize(s.MsgType, data)
}
