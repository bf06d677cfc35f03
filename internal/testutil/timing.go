// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package testutil

import (
	"sync"
	"testing"
	"time"
)

// MessageTracker tracks sent and received messages for verification
type MessageTracker struct {
	sent     map[string]time.Time
	received map[string]time.Time
	sentSeq  []string
	order    []string
	mu       sync.RWMutex
}

// NewMessageTracker creates a new message tracker
func NewMessageTracker() *MessageTracker {
	return &MessageTracker{
		sent:     make(map[string]time.Time),
		received: make(map[string]time.Time),
	}
}

// MarkSent marks a message as sent
func (mt *MessageTracker) MarkSent(messageID string) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	mt.sent[messageID] = time.Now()
	mt.sentSeq = append(mt.sentSeq, messageID)
}

// MarkReceived marks a message as received
func (mt *MessageTracker) MarkReceived(messageID string) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	mt.received[messageID] = time.Now()
	mt.order = append(mt.order, messageID)
}

// MessageStats holds statistics about message exchange
type MessageStats struct {
	TotalSent     int
	TotalReceived int
	MessageOrder  []string
	Latencies     map[string]time.Duration
}

// GetStats returns statistics about the message exchange
func (mt *MessageTracker) GetStats() MessageStats {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	stats := MessageStats{
		TotalSent:     len(mt.sent),
		TotalReceived: len(mt.received),
		MessageOrder:  make([]string, len(mt.order)),
		Latencies:     make(map[string]time.Duration),
	}
	copy(stats.MessageOrder, mt.order)

	for msgID, sentTime := range mt.sent {
		if recvTime, received := mt.received[msgID]; received {
			stats.Latencies[msgID] = recvTime.Sub(sentTime)
		}
	}
	return stats
}

// VerifyDelivery verifies that all sent messages were received
func (mt *MessageTracker) VerifyDelivery(t testing.TB) {
	t.Helper()
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	for _, msgID := range mt.sentSeq {
		if _, received := mt.received[msgID]; !received {
			t.Errorf("message %s was sent but not received", msgID)
		}
	}
}

// VerifyOrder verifies that messages arrived in the order they were sent.
func (mt *MessageTracker) VerifyOrder(t testing.TB) {
	t.Helper()
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	if len(mt.order) != len(mt.sentSeq) {
		t.Errorf("sent %d messages, received %d", len(mt.sentSeq), len(mt.order))
		return
	}
	for i := range mt.order {
		if mt.order[i] != mt.sentSeq[i] {
			t.Errorf("message %d: got %s, want %s", i, mt.order[i], mt.sentSeq[i])
			return
		}
	}
}

// GetAverageLatency calculates average latency
func (ms *MessageStats) GetAverageLatency() time.Duration {
	if len(ms.Latencies) == 0 {
		return 0
	}

	var total time.Duration
	for _, latency := range ms.Latencies {
		total += latency
	}
	return total / time.Duration(len(ms.Latencies))
}
