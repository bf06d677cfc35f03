// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import "fmt"

// Role is the fixed system role behind a reserved module id.
type Role int16

const (
	RoleMessageManager    Role = MIDMessageManager
	RoleCommandModule     Role = MIDCommandModule
	RoleApplicationModule Role = MIDApplicationModule
	RoleNetworkRelay      Role = MIDNetworkRelay
	RoleStatusModule      Role = MIDStatusModule
	RoleQuickLogger       Role = MIDQuickLogger
)

func (r Role) String() string {
	switch r {
	case RoleMessageManager:
		return "message-manager"
	case RoleCommandModule:
		return "command-module"
	case RoleApplicationModule:
		return "application-module"
	case RoleNetworkRelay:
		return "network-relay"
	case RoleStatusModule:
		return "status-module"
	case RoleQuickLogger:
		return "quick-logger"
	default:
		return fmt.Sprintf("reserved-%d", int16(r))
	}
}

// IDKind tags a ModuleID.
type IDKind uint8

const (
	KindReserved IDKind = iota // 0..=9, fixed system roles
	KindStatic                 // 10..=99, fixed ids chosen by the module
	KindDynamic                // 100..MaxModules-1, assigned at connect
)

func (k IDKind) String() string {
	switch k {
	case KindReserved:
		return "reserved"
	case KindStatic:
		return "static"
	case KindDynamic:
		return "dynamic"
	default:
		return "unknown"
	}
}

// ModuleID is a tagged module identifier. The zero value is the message
// manager.
type ModuleID struct {
	kind IDKind
	id   int16
}

// Reserved returns the id of a fixed system role.
func Reserved(r Role) ModuleID {
	return ModuleID{kind: KindReserved, id: int16(r)}
}

// Static returns a fixed, module-chosen id in 10..=99.
func Static(id int16) (ModuleID, error) {
	if id <= MaxRTMAModuleID || id >= DynModIDStart {
		return ModuleID{}, fmt.Errorf("%w: static id %d", ErrInvalidModuleID, id)
	}
	return ModuleID{kind: KindStatic, id: id}, nil
}

// Dynamic returns a relay-assigned id in DynModIDStart..MaxModules-1.
func Dynamic(id int16) (ModuleID, error) {
	if id < DynModIDStart || id >= MaxModules {
		return ModuleID{}, fmt.Errorf("%w: dynamic id %d", ErrInvalidModuleID, id)
	}
	return ModuleID{kind: KindDynamic, id: id}, nil
}

// ParseModuleID tags a raw wire value.
func ParseModuleID(raw int16) (ModuleID, error) {
	switch {
	case raw < 0 || raw >= MaxModules:
		return ModuleID{}, fmt.Errorf("%w: %d", ErrInvalidModuleID, raw)
	case raw <= MaxRTMAModuleID:
		return ModuleID{kind: KindReserved, id: raw}, nil
	case raw < DynModIDStart:
		return ModuleID{kind: KindStatic, id: raw}, nil
	default:
		return ModuleID{kind: KindDynamic, id: raw}, nil
	}
}

func (m ModuleID) Raw() int16      { return m.id }
func (m ModuleID) Kind() IDKind    { return m.kind }
func (m ModuleID) IsDynamic() bool { return m.kind == KindDynamic }

// Role returns the system role of a reserved id.
func (m ModuleID) Role() (Role, bool) {
	if m.kind != KindReserved {
		return 0, false
	}
	return Role(m.id), true
}

func (m ModuleID) String() string {
	if r, ok := m.Role(); ok {
		return fmt.Sprintf("%d(%s)", m.id, r)
	}
	return fmt.Sprintf("%d", m.id)
}

// HostID identifies a host. HIDAllHosts is represented separately by the
// registry and is not a valid HostID.
type HostID int16

// NewHostID range-checks a concrete host id.
func NewHostID(raw int16) (HostID, error) {
	if raw < 0 || raw > MaxHosts {
		return 0, fmt.Errorf("%w: %d", ErrInvalidHostID, raw)
	}
	return HostID(raw), nil
}
