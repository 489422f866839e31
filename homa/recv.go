// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package homa

import (
	"errors"
	"net/netip"

	"homa.dev/net/homapkt"
)

// PktRecv is the receive entry point for one inbound packet. It takes
// ownership of pkt.
//
// PktRecv validates the packet, finds the socket bound to its destination
// port and hands the packet to it. It never blocks on a socket lock and may
// be called concurrently from any number of goroutines.
func (h *Homa) PktRecv(pkt *homapkt.Buffer) {
	var p homapkt.Parsed
	if err := p.Decode(pkt.Bytes()); err != nil {
		h.drop(pkt, &p, malformedReason(err), err)
		return
	}
	h.metrics.received(p.Type).Inc()

	s := h.ports.Lookup(p.Dport)
	if s == nil {
		h.drop(pkt, &p, DropUnknownPort, nil)
		return
	}
	defer s.refs.Put()
	s.deliver(pkt, &p)
}

func malformedReason(err error) DropReason {
	switch {
	case errors.Is(err, homapkt.ErrTooShort):
		return DropTooShort
	case errors.Is(err, homapkt.ErrUnknownType):
		return DropUnknownType
	}
	return DropBadField
}

// deliver processes pkt now if s can be locked without waiting and queues it
// on the backlog otherwise.
func (s *Sock) deliver(pkt *homapkt.Buffer, p *homapkt.Parsed) {
	if s.mu.TryLock() {
		// Older packets go first.
		s.processBacklogLocked()
		s.handleLocked(pkt, p)
		s.Unlock()
		return
	}

	evicted, overflow := s.backlog.push(backlogEntry{pkt: pkt, hdr: *p})
	if overflow {
		s.h.drop(evicted.pkt, &evicted.hdr, DropBacklogOverflow, errBacklogFull)
	}
	if !overflow || evicted.pkt != pkt {
		s.h.metrics.backlogged.Inc()
	}
	s.flushBacklog()
}

// handleLocked processes one validated packet. s must be locked.
func (s *Sock) handleLocked(pkt *homapkt.Buffer, p *homapkt.Parsed) {
	if s.shutdown {
		s.h.drop(pkt, p, DropSocketClosed, nil)
		return
	}
	if p.Type == homapkt.DATA {
		s.dataLocked(pkt, p)
		return
	}
	s.controlLocked(pkt, p)
}

func rpcKey(pkt *homapkt.Buffer, p *homapkt.Parsed) RPCKey {
	return RPCKey{
		Peer: netip.AddrPortFrom(pkt.Src(), p.Sport),
		ID:   p.ID,
	}
}

// dataLocked associates a DATA packet with its server RPC, creating the RPC
// on the first packet of an unseen id.
func (s *Sock) dataLocked(pkt *homapkt.Buffer, p *homapkt.Parsed) {
	key := rpcKey(pkt, p)
	rpc := s.serverRPCs[key]
	if rpc == nil {
		if s.completed.Get(key) != nil {
			s.h.drop(pkt, p, DropStaleRPC, errFinishedRPC)
			return
		}
		rpc = newRPC(s, key, p)
		s.serverRPCs[key] = rpc
		s.h.metrics.rpcsCreated.Inc()
	}

	switch {
	case rpc.state == RPCDead:
		s.h.drop(pkt, p, DropRPCDead, nil)
		return
	case rpc.state == RPCReady:
		s.h.drop(pkt, p, DropStaleRPC, errReadyRPC)
		return
	case p.MessageLength != rpc.msgLen:
		s.h.drop(pkt, p, DropProtocolInconsistency,
			&lengthMismatchError{got: p.MessageLength, want: rpc.msgLen})
		return
	}
	if !rpc.addSegment(pkt, p) {
		s.h.drop(pkt, p, DropDuplicateData, nil)
		return
	}
	if rpc.received == rpc.msgLen {
		rpc.state = RPCReady
		s.h.metrics.rpcsReady.Inc()
		if s.h.delivery != nil {
			s.h.delivery.RPCReady(s, rpc)
		}
	}
}

// controlLocked hands a non-DATA packet to the control handler. Packets
// that match no live server RPC are passed with a nil rpc, since they may
// belong to a client RPC owned by the handler.
func (s *Sock) controlLocked(pkt *homapkt.Buffer, p *homapkt.Parsed) {
	var rpc *RPC
	if p.Type.RPCScoped() {
		rpc = s.serverRPCs[rpcKey(pkt, p)]
		if rpc != nil && rpc.state == RPCDead {
			rpc = nil
		}
	}
	if s.h.control == nil {
		reason := DropUnhandled
		if p.Type.RPCScoped() && rpc == nil {
			reason = DropUnknownRPC
		}
		s.h.drop(pkt, p, reason, nil)
		return
	}
	s.h.control.HandleControl(s, rpc, p)
	pkt.Free()
}
