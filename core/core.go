// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package core holds the reserved constants, message type numbers and
// identifier types shared by every RTMA participant.
//
// Module IDs and message types are not bare integers: ModuleID is a tagged
// identifier (reserved role, static or dynamic) and MessageType carries its
// range class. Both can only be built through range-checked constructors,
// so a wildcard or out-of-range value is never mistaken for a real one.
package core

import "errors"

// System limits
const (
	MaxModules               = 200   // Module slots, including reserved ids
	DynModIDStart            = 100   // First dynamically assigned module id
	MaxHosts                 = 5     // Highest concrete host id
	MaxMessageTypes          = 10000 // Exclusive upper bound of real message types
	MinStreamType            = 9000  // First stream message type
	MaxTimers                = 100   // User timers per process
	MaxInternalTimers        = 20    // System timers per process
	MaxRTMAMsgType           = 99    // Highest reserved control type
	MaxRTMAModuleID          = 9     // Highest reserved module id
	MaxLoggerFilenameLength  = 256   // Fixed path buffer of SAVE_MESSAGE_LOG
	MaxContiguousMessageData = 9000  // Largest payload carried by one frame
)

// Host ids
const (
	HIDLocalHost = 0
	HIDAllHosts  = 0x7FFF
)

// AllMessageTypes is the subscribe/unsubscribe wildcard. It is never the
// type of a real message.
const AllMessageTypes = 0x7FFFFFFF

// Reserved module ids
const (
	MIDMessageManager    = 0
	MIDCommandModule     = 1
	MIDApplicationModule = 2
	MIDNetworkRelay      = 3
	MIDStatusModule      = 4
	MIDQuickLogger       = 5
)

// Control message types
const (
	MTExit                 = 0
	MTKill                 = 1
	MTAcknowledge          = 2
	MTFailSubscribe        = 6
	MTFailedMessage        = 8
	MTConnect              = 13
	MTDisconnect           = 14
	MTSubscribe            = 15
	MTUnsubscribe          = 16
	MTModuleReady          = 26
	MTLMExit               = 55
	MTSaveMessageLog       = 56
	MTMessageLogSaved      = 57
	MTPauseMessageLogging  = 58
	MTResumeMessageLogging = 59
	MTResetMessageLog      = 60
	MTDumpMessageLog       = 61
	MTTimingMessage        = 80
	MTForceDisconnect      = 82
	MTPauseSubscription    = 85
	MTResumeSubscription   = 86
	MTLMReady              = 96
)

var (
	ErrInvalidMessageType = errors.New("core: invalid message type")
	ErrInvalidModuleID    = errors.New("core: invalid module id")
	ErrInvalidHostID      = errors.New("core: invalid host id")
)
