// Copyright 2025 TallyGate
// SPDX-License-Identifier: Apache-2.0

package gatekeeper

import "sync"

// ClientSyncBus fans one authoritative usage snapshot out to every
// subscribed display surface in this process, so indicators update after a
// charge without issuing redundant reads. It is strictly single-process:
// no cross-device or cross-tab guarantee.
type ClientSyncBus struct {
	mu   sync.RWMutex
	subs map[int]chan Snapshot
	next int
}

// NewClientSyncBus creates an empty bus.
func NewClientSyncBus() *ClientSyncBus {
	return &ClientSyncBus{subs: make(map[int]chan Snapshot)}
}

// Subscribe registers a subscriber with the given channel buffer and
// returns its id plus the receive channel.
func (b *ClientSyncBus) Subscribe(buffer int) (int, <-chan Snapshot) {
	if buffer < 1 {
		buffer = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Snapshot, buffer)
	b.subs[id] = ch
	return id, ch
}

// Unsubscribe removes the subscriber and closes its channel.
func (b *ClientSyncBus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish delivers the snapshot to every subscriber without blocking.
// A subscriber whose buffer is full misses the update; the next charge
// will carry fresh state anyway. Returns the number delivered.
func (b *ClientSyncBus) Publish(snap Snapshot) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for _, ch := range b.subs {
		select {
		case ch <- snap:
			delivered++
		default:
		}
	}
	return delivered
}
