// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rtma

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/destiny/rtma/envelope"
)

// Option configures some aspect of a Client.
type Option func(c *Client)

// WithModuleID requests a fixed module id. Zero, the default, asks the
// manager to assign a dynamic id on connect.
func WithModuleID(id int16) Option {
	return func(c *Client) {
		c.requested = id
	}
}

// WithHostID sets the host id written into every header.
func WithHostID(id int16) Option {
	return func(c *Client) {
		c.hostID = id
	}
}

// WithLogger sets a dedicated Logger for the client.
func WithLogger(l *Logger) Option {
	return func(c *Client) {
		c.log = l
	}
}

// WithDialerRetry configures the time to wait before two failed attempts
// at dialing the manager.
func WithDialerRetry(retry time.Duration) Option {
	return func(c *Client) {
		c.retry = retry
	}
}

// WithDialerTimeout sets the maximum amount of time a dial will wait
// for a connect to complete.
func WithDialerTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.dialer.Timeout = timeout
	}
}

// WithDialerMaxRetries configures the maximum number of retries
// when dialing the manager (-1 means infinite retries).
func WithDialerMaxRetries(maxRetries int) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
	}
}

// WithAckTimeout sets how long connect and subscription requests wait for
// the manager's acknowledgement.
func WithAckTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.ackTimeout = timeout
	}
}

// WithReassembly configures how the client rebuilds fragmented messages.
func WithReassembly(opts ...envelope.ReassemblerOption) Option {
	return func(c *Client) {
		c.reasmOpts = append(c.reasmOpts, opts...)
	}
}

// WithClock sets the time source for send times and timeouts.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) {
		c.clock = clk
	}
}

// WithSyncCheck makes ReadMessage reject control messages whose header
// version disagrees with the local message definition. Headers with a
// zero version are accepted.
func WithSyncCheck(check bool) Option {
	return func(c *Client) {
		c.syncCheck = check
	}
}

// WithLoggerStatus connects as a logger module. Logger modules receive
// every message the manager forwards and are never filtered.
func WithLoggerStatus(logger bool) Option {
	return func(c *Client) {
		c.loggerStatus = logger
	}
}

// WithDaemonStatus sets the daemon flag announced on connect.
func WithDaemonStatus(daemon bool) Option {
	return func(c *Client) {
		c.daemonStatus = daemon
	}
}
