// Copyright 2022 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package muxserver

import "sync"

// tunnel is a bidirectional byte stream multiplexed over 0x40/0x41
// subframes on a single channel number. All traffic is poll-driven by
// the client: ingress fills on 0x40, egress only drains into a 0x41
// reply once a poll for this channel arrives. Both buffers are bounded
// by the server's buffer_size; a Write against a full egress buffer
// blocks until the next poll makes room.
type tunnel struct {
	mu       sync.Mutex
	cond     *sync.Cond
	channel  uint32
	capacity int
	ingress  []byte
	egress   []byte
	readyCh  chan struct{}
}

func newTunnel(channel uint32, capacity int) *tunnel {
	t := &tunnel{channel: channel, capacity: capacity, readyCh: make(chan struct{}, 1)}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// deliverFromClient appends a 0x40 subframe's bytes to ingress, keeping
// only the newest capacity bytes (the oldest unread bytes are
// discarded) rather than blocking the dispatch
// loop -- there is no flow-control signal back to the client for
// ingress pressure in the wire format.
func (t *tunnel) deliverFromClient(data []byte) {
	t.mu.Lock()
	t.ingress = append(t.ingress, data...)
	if len(t.ingress) > t.capacity {
		t.ingress = t.ingress[len(t.ingress)-t.capacity:]
	}
	t.mu.Unlock()
	select {
	case t.readyCh <- struct{}{}:
	default:
	}
}

// drainEgress removes and returns up to max bytes queued by Write, for
// the next 0x41 reply, and wakes any Write blocked on free capacity.
func (t *tunnel) drainEgress(max int) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if max > len(t.egress) {
		max = len(t.egress)
	}
	out := append([]byte{}, t.egress[:max]...)
	t.egress = t.egress[max:]
	t.cond.Broadcast()
	return out
}

// Read blocks until at least one ingress byte is available, matching
// the tunnel stream's read-completes-on-first-byte contract, then
// returns as many as fit in p.
func (t *tunnel) Read(p []byte) (int, error) {
	for {
		t.mu.Lock()
		if len(t.ingress) > 0 {
			n := copy(p, t.ingress)
			t.ingress = t.ingress[n:]
			t.mu.Unlock()
			return n, nil
		}
		t.mu.Unlock()
		<-t.readyCh
	}
}

// Write blocks until all of p is queued to egress, waiting out poll
// cycles if the egress buffer is at capacity.
func (t *tunnel) Write(p []byte) (int, error) {
	total := len(p)
	t.mu.Lock()
	defer t.mu.Unlock()
	for len(p) > 0 {
		free := t.capacity - len(t.egress)
		if free <= 0 {
			t.cond.Wait()
			continue
		}
		n := len(p)
		if n > free {
			n = free
		}
		t.egress = append(t.egress, p[:n]...)
		p = p[n:]
	}
	return total, nil
}
