// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rtma

import (
	"sort"

	"github.com/destiny/rtma/control"
	"github.com/destiny/rtma/core"
	"github.com/destiny/rtma/subscription"
)

// Subscribe asks the manager to deliver the given types. core.AllMessageTypes
// subscribes to every registered application and stream type. Each type is
// acknowledged before the next is requested.
func (c *Client) Subscribe(types ...int32) error {
	return c.change(core.MTSubscribe, types)
}

// Unsubscribe stops delivery of the given types.
func (c *Client) Unsubscribe(types ...int32) error {
	return c.change(core.MTUnsubscribe, types)
}

// PauseSubscription suspends delivery of the given types while keeping the
// subscriptions.
func (c *Client) PauseSubscription(types ...int32) error {
	return c.change(core.MTPauseSubscription, types)
}

// ResumeSubscription restores delivery of paused types.
func (c *Client) ResumeSubscription(types ...int32) error {
	return c.change(core.MTResumeSubscription, types)
}

func (c *Client) UnsubscribeFromAll() error {
	return c.change(core.MTUnsubscribe, []int32{core.AllMessageTypes})
}

func (c *Client) PauseAllSubscriptions() error {
	return c.change(core.MTPauseSubscription, []int32{core.AllMessageTypes})
}

func (c *Client) ResumeAllSubscriptions() error {
	return c.change(core.MTResumeSubscription, []int32{core.AllMessageTypes})
}

func (c *Client) change(op int32, types []int32) error {
	l, err := c.active()
	if err != nil {
		return err
	}
	for _, t := range types {
		if _, err := core.ParseSelector(t); err != nil {
			return err
		}
		if _, err := c.request(l, &control.SubscriptionChange{Op: op, MsgType: t}); err != nil {
			return err
		}
		c.apply(op, t)
	}
	return nil
}

// apply mirrors an acknowledged change in the local subscription set used
// to filter reads.
func (c *Client) apply(op, t int32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t == core.AllMessageTypes {
		switch op {
		case core.MTSubscribe:
			c.all = subscription.Active
		case core.MTUnsubscribe:
			c.all = subscription.Absent
			c.subs = make(map[int32]subscription.State)
		case core.MTPauseSubscription:
			c.setAll(subscription.Active, subscription.Paused)
		case core.MTResumeSubscription:
			c.setAll(subscription.Paused, subscription.Active)
		}
		return
	}

	st, ok := c.subs[t]
	switch op {
	case core.MTSubscribe:
		c.subs[t] = subscription.Active
	case core.MTUnsubscribe:
		delete(c.subs, t)
	case core.MTPauseSubscription:
		if ok && st == subscription.Active {
			c.subs[t] = subscription.Paused
		}
	case core.MTResumeSubscription:
		if ok && st == subscription.Paused {
			c.subs[t] = subscription.Active
		}
	}
}

func (c *Client) setAll(from, to subscription.State) {
	if c.all == from {
		c.all = to
	}
	for t, st := range c.subs {
		if st == from {
			c.subs[t] = to
		}
	}
}

// SubscribedTypes lists the explicitly subscribed types that are active.
func (c *Client) SubscribedTypes() []int32 {
	return c.typesIn(subscription.Active)
}

// PausedTypes lists the explicitly subscribed types that are paused.
func (c *Client) PausedTypes() []int32 {
	return c.typesIn(subscription.Paused)
}

func (c *Client) typesIn(want subscription.State) []int32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []int32
	for t, st := range c.subs {
		if st == want {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
