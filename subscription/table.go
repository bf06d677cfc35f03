// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package subscription implements the connection and subscription state
// machine held by a relay.
//
// Each module is either absent from the table (DISCONNECTED) or connected.
// A connected module holds an independent state per message type: absent,
// ACTIVE or PAUSED. Every transition goes through a Table method and is
// applied under the table lock, so the delivery path never observes a
// half-applied change.
package subscription

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/destiny/rtma/core"
	"github.com/destiny/rtma/registry"
)

var (
	ErrNotConnected  = errors.New("subscription: module not connected")
	ErrModuleIDInUse = errors.New("subscription: module id already in use")
	ErrNoDynamicIDs  = errors.New("subscription: all dynamic module ids are in use")
	ErrReservedRelay = errors.New("subscription: module id is reserved for the relay")
)

// State of one (module, message type) subscription.
type State uint8

const (
	Absent State = iota
	Active
	Paused
)

func (s State) String() string {
	switch s {
	case Absent:
		return "ABSENT"
	case Active:
		return "ACTIVE"
	case Paused:
		return "PAUSED"
	default:
		return "UNKNOWN"
	}
}

// ConnectRequest describes a CONNECT handshake. A zero Requested asks for a
// dynamic id.
type ConnectRequest struct {
	Requested int16
	Host      core.HostID
	Logger    bool
	Daemon    bool
}

// Module is a snapshot of a connected module.
type Module struct {
	ID          core.ModuleID
	Host        core.HostID
	Logger      bool
	Daemon      bool
	PID         int32
	ConnectedAt time.Time
}

type entry struct {
	info Module
	subs map[int32]State
}

// Stats counts table transitions since creation.
type Stats struct {
	Connects         uint64
	Disconnects      uint64
	ForcedDisconnect uint64
	Refused          uint64
}

// Option configures a Table.
type Option func(t *Table)

// WithClock sets the clock used to stamp connection times.
func WithClock(c clock.Clock) Option {
	return func(t *Table) {
		t.clock = c
	}
}

// Table owns the connection and subscription state of one relay.
type Table struct {
	mu      sync.RWMutex
	clock   clock.Clock
	modules map[int16]*entry
	byType  map[int32]map[int16]*entry
	nextDyn int16
	stats   Stats
}

// NewTable returns an empty table.
func NewTable(opts ...Option) *Table {
	t := &Table{
		clock:   clock.New(),
		modules: make(map[int16]*entry),
		byType:  make(map[int32]map[int16]*entry),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Connect registers a module. Dynamic ids are handed out round-robin over
// DynModIDStart..MaxModules-1, skipping ids in use.
func (t *Table) Connect(req ConnectRequest) (Module, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var (
		id  core.ModuleID
		err error
	)
	switch req.Requested {
	case core.MIDMessageManager:
		id, err = t.assignDynamic()
	default:
		id, err = core.ParseModuleID(req.Requested)
		if err == nil && id.Raw() == core.MIDMessageManager {
			err = ErrReservedRelay
		}
		if err == nil {
			if _, dup := t.modules[id.Raw()]; dup {
				err = fmt.Errorf("%w: %s", ErrModuleIDInUse, id)
			}
		}
	}
	if err != nil {
		t.stats.Refused++
		return Module{}, err
	}

	e := &entry{
		info: Module{
			ID:          id,
			Host:        req.Host,
			Logger:      req.Logger,
			Daemon:      req.Daemon,
			ConnectedAt: t.clock.Now(),
		},
		subs: make(map[int32]State),
	}
	t.modules[id.Raw()] = e
	t.stats.Connects++
	return e.info, nil
}

func (t *Table) assignDynamic() (core.ModuleID, error) {
	const span = core.MaxModules - core.DynModIDStart
	for i := 0; i < span; i++ {
		raw := core.DynModIDStart + t.nextDyn
		t.nextDyn = (t.nextDyn + 1) % span
		if _, used := t.modules[raw]; used {
			continue
		}
		return core.Dynamic(raw)
	}
	return core.ModuleID{}, ErrNoDynamicIDs
}

// Refresh applies a repeated CONNECT from an already connected module. The
// status flags are updated and the subscriptions are left untouched.
func (t *Table) Refresh(id core.ModuleID, logger, daemon bool) (Module, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.modules[id.Raw()]
	if !ok {
		return Module{}, fmt.Errorf("%w: %s", ErrNotConnected, id)
	}
	e.info.Logger = logger
	e.info.Daemon = daemon
	return e.info, nil
}

// Disconnect removes a module and all of its subscriptions.
func (t *Table) Disconnect(id core.ModuleID) (Module, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, err := t.remove(id)
	if err == nil {
		t.stats.Disconnects++
	}
	return m, err
}

// ForceDisconnect removes a module on the relay's initiative. Its effect
// on the table is the same as Disconnect.
func (t *Table) ForceDisconnect(id core.ModuleID) (Module, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, err := t.remove(id)
	if err == nil {
		t.stats.ForcedDisconnect++
	}
	return m, err
}

func (t *Table) remove(id core.ModuleID) (Module, error) {
	e, ok := t.modules[id.Raw()]
	if !ok {
		return Module{}, fmt.Errorf("%w: %s", ErrNotConnected, id)
	}
	for typ := range e.subs {
		t.unindex(typ, id.Raw())
	}
	delete(t.modules, id.Raw())
	return e.info, nil
}

func (t *Table) unindex(typ int32, raw int16) {
	set := t.byType[typ]
	delete(set, raw)
	if len(set) == 0 {
		delete(t.byType, typ)
	}
}

func (t *Table) lookup(id core.ModuleID) (*entry, error) {
	e, ok := t.modules[id.Raw()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, id)
	}
	return e, nil
}

// Subscribe makes every listed type ACTIVE for the module. Subscribing to
// an ACTIVE type changes nothing; a PAUSED type becomes ACTIVE again.
func (t *Table) Subscribe(id core.ModuleID, types ...core.MessageType) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, err := t.lookup(id)
	if err != nil {
		return err
	}
	for _, mt := range types {
		e.subs[mt.ID()] = Active
		set, ok := t.byType[mt.ID()]
		if !ok {
			set = make(map[int16]*entry)
			t.byType[mt.ID()] = set
		}
		set[id.Raw()] = e
	}
	return nil
}

// Unsubscribe drops the listed types. Unknown types are ignored.
func (t *Table) Unsubscribe(id core.ModuleID, types ...core.MessageType) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, err := t.lookup(id)
	if err != nil {
		return err
	}
	for _, mt := range types {
		if _, ok := e.subs[mt.ID()]; !ok {
			continue
		}
		delete(e.subs, mt.ID())
		t.unindex(mt.ID(), id.Raw())
	}
	return nil
}

// Pause moves ACTIVE subscriptions to PAUSED. Types the module is not
// subscribed to stay absent.
func (t *Table) Pause(id core.ModuleID, types ...core.MessageType) error {
	return t.transition(id, Active, Paused, types)
}

// Resume moves PAUSED subscriptions back to ACTIVE. Types the module is not
// subscribed to stay absent.
func (t *Table) Resume(id core.ModuleID, types ...core.MessageType) error {
	return t.transition(id, Paused, Active, types)
}

func (t *Table) transition(id core.ModuleID, from, to State, types []core.MessageType) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, err := t.lookup(id)
	if err != nil {
		return err
	}
	for _, mt := range types {
		if e.subs[mt.ID()] == from {
			e.subs[mt.ID()] = to
		}
	}
	return nil
}

// Subscribed lists the types the module holds in any state, in ascending
// order. It is the expansion target of an ALL_MESSAGE_TYPES unsubscribe,
// pause or resume.
func (t *Table) Subscribed(id core.ModuleID) ([]core.MessageType, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, err := t.lookup(id)
	if err != nil {
		return nil, err
	}
	out := make([]core.MessageType, 0, len(e.subs))
	for typ := range e.subs {
		out = append(out, core.MustMessageType(typ))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out, nil
}

// State returns the subscription state of one type for a module.
func (t *Table) State(id core.ModuleID, mt core.MessageType) State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.modules[id.Raw()]
	if !ok {
		return Absent
	}
	return e.subs[mt.ID()]
}

// Subscribers returns the modules inside route holding an ACTIVE
// subscription to mt, ordered by module id.
func (t *Table) Subscribers(mt core.MessageType, route registry.Route) []Module {
	t.mu.RLock()
	defer t.mu.RUnlock()
	set := t.byType[mt.ID()]
	out := make([]Module, 0, len(set))
	for _, e := range set {
		if e.subs[mt.ID()] != Active {
			continue
		}
		if !route.Matches(e.info.ID, e.info.Host) {
			continue
		}
		out = append(out, e.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Raw() < out[j].ID.Raw() })
	return out
}

// Loggers returns every connected logger module.
func (t *Table) Loggers() []Module {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Module
	for _, e := range t.modules {
		if e.info.Logger {
			out = append(out, e.info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Raw() < out[j].ID.Raw() })
	return out
}

// SetPID records the process id announced by MODULE_READY.
func (t *Table) SetPID(id core.ModuleID, pid int32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, err := t.lookup(id)
	if err != nil {
		return err
	}
	e.info.PID = pid
	return nil
}

// PIDs returns the recorded process id of every module slot.
func (t *Table) PIDs() [core.MaxModules]int32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out [core.MaxModules]int32
	for raw, e := range t.modules {
		out[raw] = e.info.PID
	}
	return out
}

// Lookup returns the snapshot of a connected module.
func (t *Table) Lookup(id core.ModuleID) (Module, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.modules[id.Raw()]
	if !ok {
		return Module{}, false
	}
	return e.info, true
}

// IsConnected implements registry.Directory.
func (t *Table) IsConnected(id core.ModuleID) bool {
	_, ok := t.Lookup(id)
	return ok
}

// HostOf implements registry.Directory.
func (t *Table) HostOf(id core.ModuleID) (core.HostID, bool) {
	m, ok := t.Lookup(id)
	return m.Host, ok
}

// Len is the number of connected modules.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.modules)
}

// Subscriptions is the number of (module, type) pairs in any state.
func (t *Table) Subscriptions() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, e := range t.modules {
		n += len(e.subs)
	}
	return n
}

// Stats returns the transition counters.
func (t *Table) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stats
}

var _ registry.Directory = (*Table)(nil)
