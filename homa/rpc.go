// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package homa

import (
	"fmt"
	"net/netip"
	"slices"
	"sort"

	"homa.dev/net/homapkt"
)

// RPCKey identifies a server RPC within a socket.
type RPCKey struct {
	Peer netip.AddrPort // client address and port
	ID   uint64
}

func (k RPCKey) String() string {
	return fmt.Sprintf("%v/%d", k.Peer, k.ID)
}

// RPCState is the receive-side state of an RPC.
type RPCState int

const (
	// RPCIncoming means the RPC is still waiting for message bytes.
	RPCIncoming RPCState = iota
	// RPCReady means every byte of the message has arrived and the RPC
	// has been handed to the Delivery.
	RPCReady
	// RPCDead means the RPC is being torn down. Packets for it are
	// dropped until it is finished.
	RPCDead
	// RPCCompleted means the RPC has been finished and removed from its
	// socket.
	RPCCompleted
)

func (s RPCState) String() string {
	switch s {
	case RPCIncoming:
		return "incoming"
	case RPCReady:
		return "ready"
	case RPCDead:
		return "dead"
	case RPCCompleted:
		return "completed"
	}
	return fmt.Sprintf("RPCState(%d)", int(s))
}

// Segment is the placement of one received DATA packet within its message.
type Segment struct {
	Offset uint32
	Length uint32
	pkt    *homapkt.Buffer
	data   []byte // aliases pkt
}

// Payload returns the segment's bytes. It is only valid until the RPC is
// finished.
func (sg Segment) Payload() []byte {
	return sg.data
}

// extent is a received byte range [start, end).
type extent struct {
	start, end uint32
}

// RPC is the server-side receive state of one incoming call.
//
// All methods must be called with the owning socket locked, either between
// Sock.Lock and Sock.Unlock or from a Delivery or ControlHandler callback.
type RPC struct {
	key  RPCKey
	sock *Sock

	// The following fields are guarded by sock.mu.
	state       RPCState
	msgLen      uint32
	unscheduled uint32
	received    uint32   // every byte below this offset has arrived
	extents     []extent // ranges above received; sorted, disjoint, non-adjacent
	segments    []Segment
	retransmits int
}

func newRPC(s *Sock, key RPCKey, p *homapkt.Parsed) *RPC {
	return &RPC{
		key:         key,
		sock:        s,
		msgLen:      p.MessageLength,
		unscheduled: p.Unscheduled,
	}
}

// Key returns the RPC's identity.
func (r *RPC) Key() RPCKey { return r.key }

// State returns the RPC's current state.
func (r *RPC) State() RPCState { return r.state }

// MessageLength returns the total length of the incoming message.
func (r *RPC) MessageLength() uint32 { return r.msgLen }

// Unscheduled returns how many bytes of the message the client sends
// without waiting for grants, as declared by the first DATA packet.
func (r *RPC) Unscheduled() uint32 { return r.unscheduled }

// Received returns the contiguous received marker: every message byte below
// it has arrived.
func (r *RPC) Received() uint32 { return r.received }

// Segments returns the received segments in arrival order. The slice must
// not be modified.
func (r *RPC) Segments() []Segment { return r.segments }

// Retransmits returns the number of accepted segments that the client
// flagged as retransmissions.
func (r *RPC) Retransmits() int { return r.retransmits }

// addSegment attaches the payload window of DATA packet p to r. It reports
// false, leaving r unchanged, if every byte of the window had already been
// received.
func (r *RPC) addSegment(pkt *homapkt.Buffer, p *homapkt.Parsed) bool {
	start, end := p.Offset, p.End()
	if !r.addRange(start, end) {
		return false
	}
	if p.Retransmit {
		r.retransmits++
	}
	r.segments = append(r.segments, Segment{
		Offset: start,
		Length: end - start,
		pkt:    pkt,
		data:   p.Payload(),
	})
	return true
}

// addRange records [start, end) as received and reports whether any of it
// was new.
func (r *RPC) addRange(start, end uint32) bool {
	if end <= r.received {
		return false
	}
	if start <= r.received {
		r.received = end
		n := 0
		for n < len(r.extents) && r.extents[n].start <= r.received {
			r.received = max(r.received, r.extents[n].end)
			n++
		}
		r.extents = slices.Delete(r.extents, 0, n)
		return true
	}

	// Out of order. Find the first extent that touches or follows start.
	i := sort.Search(len(r.extents), func(i int) bool { return r.extents[i].end >= start })
	if i < len(r.extents) && r.extents[i].start <= start && end <= r.extents[i].end {
		return false
	}
	j := i
	merged := extent{start, end}
	for j < len(r.extents) && r.extents[j].start <= end {
		merged.start = min(merged.start, r.extents[j].start)
		merged.end = max(merged.end, r.extents[j].end)
		j++
	}
	r.extents = slices.Replace(r.extents, i, j, merged)
	return true
}

// releaseLocked frees every buffer the RPC holds.
func (r *RPC) releaseLocked() {
	for _, sg := range r.segments {
		sg.pkt.Free()
	}
	r.segments = nil
	r.extents = nil
}
