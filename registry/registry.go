// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package registry validates message addressing and tracks which message
// types are registered with a relay.
//
// A registry is either open or closed. An open registry accepts every
// application and stream type and records each one the first time it is
// subscribed to or sent. A closed registry is seeded with a fixed list and
// rejects everything else.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/destiny/rtma/core"
	"github.com/destiny/rtma/envelope"
)

var (
	ErrUnknownDestination = errors.New("registry: unknown destination")
	ErrUnknownType        = errors.New("registry: unknown message type")
)

// Directory answers which modules are currently connected.
type Directory interface {
	IsConnected(mod core.ModuleID) bool
	HostOf(mod core.ModuleID) (core.HostID, bool)
}

// Route is a resolved destination scope.
type Route struct {
	AnyHost   bool
	Host      core.HostID
	AnyModule bool
	Module    core.ModuleID
}

// Matches reports whether a module on host falls inside the route.
func (r Route) Matches(mod core.ModuleID, host core.HostID) bool {
	if !r.AnyHost && r.Host != host {
		return false
	}
	return r.AnyModule || r.Module == mod
}

// Registry holds the registered message types.
type Registry struct {
	mu     sync.RWMutex
	closed bool
	types  map[int32]core.MessageType
}

// New returns a registry. With no types it is open; otherwise it is closed
// over the given application and stream types.
func New(types ...int32) (*Registry, error) {
	r := &Registry{
		closed: len(types) > 0,
		types:  make(map[int32]core.MessageType, len(types)),
	}
	for _, id := range types {
		mt, err := core.NewMessageType(id)
		if err != nil {
			return nil, err
		}
		if mt.IsControl() {
			return nil, fmt.Errorf("%w: %s is a reserved control type", ErrUnknownType, mt)
		}
		r.types[id] = mt
	}
	return r, nil
}

// Closed reports whether the registry only accepts its seeded types.
func (r *Registry) Closed() bool { return r.closed }

// Known reports whether mt may be delivered through this relay.
func (r *Registry) Known(mt core.MessageType) bool {
	if mt.IsControl() {
		return true
	}
	if !r.closed {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[mt.ID()]
	return ok
}

// Observe records an application or stream type seen on the bus. It
// returns ErrUnknownType when a closed registry does not list it.
func (r *Registry) Observe(mt core.MessageType) error {
	if mt.IsControl() {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.types[mt.ID()]; ok {
		return nil
	}
	if r.closed {
		return fmt.Errorf("%w: %s", ErrUnknownType, mt)
	}
	r.types[mt.ID()] = mt
	return nil
}

// Registered lists the registered application and stream types in
// ascending order.
func (r *Registry) Registered() []core.MessageType {
	r.mu.RLock()
	out := make([]core.MessageType, 0, len(r.types))
	for _, mt := range r.types {
		out = append(out, mt)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Expand turns a subscription selector into concrete types. The wildcard
// expands to the registered application and stream types at the time of
// the call; reserved control types are never part of it.
func (r *Registry) Expand(sel core.Selector) ([]core.MessageType, error) {
	mt, ok := sel.Type()
	if !ok {
		return r.Registered(), nil
	}
	if mt.IsControl() && !Subscribable(mt) {
		return nil, fmt.Errorf("%w: %s cannot be subscribed to", ErrUnknownType, mt)
	}
	if err := r.Observe(mt); err != nil {
		return nil, err
	}
	return []core.MessageType{mt}, nil
}

// Resolve validates the type and destination of a header that is about to
// be forwarded.
func (r *Registry) Resolve(h envelope.Header, dir Directory) (core.MessageType, Route, error) {
	mt, err := core.NewMessageType(h.MsgType)
	if err != nil {
		return core.MessageType{}, Route{}, err
	}
	if !r.Known(mt) {
		return mt, Route{}, fmt.Errorf("%w: %s", ErrUnknownType, mt)
	}

	var route Route
	switch {
	case h.DestHostID == core.HIDAllHosts || h.DestHostID == core.HIDLocalHost:
		route.AnyHost = true
	default:
		host, err := core.NewHostID(h.DestHostID)
		if err != nil {
			return mt, Route{}, fmt.Errorf("%w: host %d", ErrUnknownDestination, h.DestHostID)
		}
		route.Host = host
	}

	if h.DestModID == core.MIDMessageManager {
		if mt.IsControl() && !Broadcastable(mt) {
			return mt, Route{}, fmt.Errorf("%w: %s needs a concrete destination", ErrUnknownDestination, mt)
		}
		route.AnyModule = true
		return mt, route, nil
	}

	mod, err := core.ParseModuleID(h.DestModID)
	if err != nil {
		return mt, Route{}, fmt.Errorf("%w: module %d", ErrUnknownDestination, h.DestModID)
	}
	if dir == nil || !dir.IsConnected(mod) {
		return mt, Route{}, fmt.Errorf("%w: module %s is not connected", ErrUnknownDestination, mod)
	}
	if !route.AnyHost {
		if host, _ := dir.HostOf(mod); host != route.Host {
			return mt, Route{}, fmt.Errorf("%w: module %s is not on host %d", ErrUnknownDestination, mod, route.Host)
		}
	}
	route.Module = mod
	return mt, route, nil
}

// ValidateAddress checks raw destination ids without consulting connection
// state. Module 0 and HIDAllHosts act as wildcards.
func ValidateAddress(destHost, destMod int16) error {
	if destMod < 0 || destMod >= core.MaxModules {
		return fmt.Errorf("%w: module %d", ErrUnknownDestination, destMod)
	}
	if destHost != core.HIDAllHosts && (destHost < 0 || destHost > core.MaxHosts) {
		return fmt.Errorf("%w: host %d", ErrUnknownDestination, destHost)
	}
	return nil
}

// relayOnly are control types consumed by the relay itself.
var relayOnly = map[int32]bool{
	core.MTAcknowledge:        true,
	core.MTConnect:            true,
	core.MTDisconnect:         true,
	core.MTSubscribe:          true,
	core.MTUnsubscribe:        true,
	core.MTPauseSubscription:  true,
	core.MTResumeSubscription: true,
}

// Subscribable reports whether modules may subscribe to mt.
func Subscribable(mt core.MessageType) bool {
	return !mt.IsControl() || !relayOnly[mt.ID()]
}

// Broadcastable reports whether mt may be sent without a concrete
// destination module.
func Broadcastable(mt core.MessageType) bool {
	if !mt.IsControl() {
		return true
	}
	switch mt.ID() {
	case core.MTAcknowledge, core.MTFailSubscribe:
		return false
	}
	return true
}
