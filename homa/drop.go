// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package homa

import (
	"errors"
	"fmt"
	"net/netip"

	"homa.dev/net/homapkt"
)

// DropReason says why the receive path discarded a packet. Its values are
// also the "reason" label of the dropped-packets metric.
type DropReason string

const (
	// Malformed packets.
	DropTooShort    DropReason = "too_short"
	DropUnknownType DropReason = "unknown_type"
	DropBadField    DropReason = "bad_field"

	// DropUnknownPort means no socket is bound to the destination port.
	DropUnknownPort DropReason = "unknown_port"

	// Packets that contradict an RPC's recorded state.
	DropProtocolInconsistency DropReason = "protocol_inconsistency"
	DropStaleRPC              DropReason = "stale_rpc"
	DropRPCDead               DropReason = "rpc_dead"
	DropDuplicateData         DropReason = "duplicate_data"
	DropUnknownRPC            DropReason = "unknown_rpc"
	DropUnhandled             DropReason = "unhandled"

	DropBacklogOverflow DropReason = "backlog_overflow"
	DropSocketClosed    DropReason = "socket_closed"
)

var dropReasons = []DropReason{
	DropTooShort, DropUnknownType, DropBadField,
	DropUnknownPort,
	DropProtocolInconsistency, DropStaleRPC, DropRPCDead, DropDuplicateData, DropUnknownRPC, DropUnhandled,
	DropBacklogOverflow, DropSocketClosed,
}

// Malformed reports whether r is one of the malformed-packet reasons.
func (r DropReason) Malformed() bool {
	return r == DropTooShort || r == DropUnknownType || r == DropBadField
}

// anomaly reports whether drops for r are worth logging.
func (r DropReason) anomaly() bool {
	switch r {
	case DropUnknownPort, DropDuplicateData, DropSocketClosed, DropRPCDead:
		return false
	}
	return true
}

var (
	errFinishedRPC = errors.New("id of a finished RPC")
	errReadyRPC    = errors.New("RPC already complete")
	errBacklogFull = errors.New("backlog full")
)

type lengthMismatchError struct {
	got, want uint32
}

func (e *lengthMismatchError) Error() string {
	return fmt.Sprintf("message_length %d, RPC has %d", e.got, e.want)
}

// DropEvent describes a dropped packet. Header fields are zero if the packet
// was too short to carry them.
type DropEvent struct {
	Reason DropReason
	Src    netip.Addr
	Sport  uint16
	Dport  uint16
	ID     uint64
	Type   homapkt.Type
	Err    error // optional detail
}

// drop discards pkt, accounting for it under reason.
func (h *Homa) drop(pkt *homapkt.Buffer, p *homapkt.Parsed, reason DropReason, err error) {
	h.metrics.dropped(reason).Inc()
	ev := DropEvent{
		Reason: reason,
		Src:    pkt.Src(),
		Sport:  p.Sport,
		Dport:  p.Dport,
		ID:     p.ID,
		Type:   p.Type,
		Err:    err,
	}
	if h.onDrop != nil {
		h.onDrop(ev)
	}
	if reason.anomaly() {
		if reason.Malformed() {
			h.anomalyf("dropped malformed packet from %v: %v", ev.Src, err)
		} else {
			h.anomalyf("dropped %v from %v:%d (id %d, port %d): %s: %v",
				ev.Type, ev.Src, ev.Sport, ev.ID, ev.Dport, reason, err)
		}
	}
	pkt.Free()
}
