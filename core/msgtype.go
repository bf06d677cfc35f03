// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import "fmt"

// Class partitions the message type space.
type Class uint8

const (
	ClassControl     Class = iota // 0..=99
	ClassApplication              // 100..=8999
	ClassStream                   // 9000..=9999
)

func (c Class) String() string {
	switch c {
	case ClassControl:
		return "control"
	case ClassApplication:
		return "application"
	case ClassStream:
		return "stream"
	default:
		return "unknown"
	}
}

// MessageType is a validated message type number. The zero value is MT_EXIT.
type MessageType struct {
	id    int32
	class Class
}

// NewMessageType range-checks id and classifies it. The wildcard
// AllMessageTypes is rejected; use AllTypes to build a subscription selector.
func NewMessageType(id int32) (MessageType, error) {
	switch {
	case id < 0 || id >= MaxMessageTypes:
		return MessageType{}, fmt.Errorf("%w: %d", ErrInvalidMessageType, id)
	case id <= MaxRTMAMsgType:
		return MessageType{id: id, class: ClassControl}, nil
	case id < MinStreamType:
		return MessageType{id: id, class: ClassApplication}, nil
	default:
		return MessageType{id: id, class: ClassStream}, nil
	}
}

// MustMessageType is NewMessageType for constants known to be valid.
func MustMessageType(id int32) MessageType {
	mt, err := NewMessageType(id)
	if err != nil {
		panic(err)
	}
	return mt
}

// ID returns the wire value.
func (mt MessageType) ID() int32 { return mt.id }

// Class returns the range class of the type.
func (mt MessageType) Class() Class { return mt.class }

func (mt MessageType) IsControl() bool { return mt.class == ClassControl }

func (mt MessageType) String() string {
	if name, ok := controlNames[mt.id]; ok && mt.class == ClassControl {
		return name
	}
	return fmt.Sprintf("MT:%d", mt.id)
}

var controlNames = map[int32]string{
	MTExit:                 "EXIT",
	MTKill:                 "KILL",
	MTAcknowledge:          "ACKNOWLEDGE",
	MTFailSubscribe:        "FAIL_SUBSCRIBE",
	MTFailedMessage:        "FAILED_MESSAGE",
	MTConnect:              "CONNECT",
	MTDisconnect:           "DISCONNECT",
	MTSubscribe:            "SUBSCRIBE",
	MTUnsubscribe:          "UNSUBSCRIBE",
	MTModuleReady:          "MODULE_READY",
	MTLMExit:               "LM_EXIT",
	MTSaveMessageLog:       "SAVE_MESSAGE_LOG",
	MTMessageLogSaved:      "MESSAGE_LOG_SAVED",
	MTPauseMessageLogging:  "PAUSE_MESSAGE_LOGGING",
	MTResumeMessageLogging: "RESUME_MESSAGE_LOGGING",
	MTResetMessageLog:      "RESET_MESSAGE_LOG",
	MTDumpMessageLog:       "DUMP_MESSAGE_LOG",
	MTTimingMessage:        "TIMING_MESSAGE",
	MTForceDisconnect:      "FORCE_DISCONNECT",
	MTPauseSubscription:    "PAUSE_SUBSCRIPTION",
	MTResumeSubscription:   "RESUME_SUBSCRIPTION",
	MTLMReady:              "LM_READY",
}

// Selector names the target of a subscription request: one type, or every
// registered application and stream type.
type Selector struct {
	all bool
	typ MessageType
}

// AllTypes selects every registered application and stream type.
func AllTypes() Selector { return Selector{all: true} }

// OneType selects a single type.
func OneType(mt MessageType) Selector { return Selector{typ: mt} }

// ParseSelector interprets the msg_type field of a subscription payload.
func ParseSelector(raw int32) (Selector, error) {
	if raw == AllMessageTypes {
		return AllTypes(), nil
	}
	mt, err := NewMessageType(raw)
	if err != nil {
		return Selector{}, err
	}
	return OneType(mt), nil
}

// All reports whether the selector is the wildcard.
func (s Selector) All() bool { return s.all }

// Type returns the selected type; ok is false for the wildcard.
func (s Selector) Type() (mt MessageType, ok bool) {
	return s.typ, !s.all
}

// Raw returns the wire value of the selector.
func (s Selector) Raw() int32 {
	if s.all {
		return AllMessageTypes
	}
	return s.typ.id
}

func (s Selector) String() string {
	if s.all {
		return "ALL_MESSAGE_TYPES"
	}
	return s.typ.String()
}
