// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package homa implements the receive side of the Homa transport: it
// validates inbound packets, demultiplexes them to the socket bound to their
// destination port, and associates DATA packets with the server RPC they
// belong to.
//
// The receive path never blocks on a socket's lock. If the socket is busy,
// the packet is queued on the socket's backlog and processed, in arrival
// order, by whoever releases the lock.
package homa

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"homa.dev/net/homapkt"
	"homa.dev/types/logger"
)

const (
	// DefaultCompletedTTL is how long a finished RPC's id is remembered so
	// that late duplicates are recognized as stale.
	DefaultCompletedTTL = 30 * time.Second

	// DefaultCompletedCapacity bounds the number of remembered finished RPC
	// ids per socket.
	DefaultCompletedCapacity = 4096

	// Malformed packets and protocol anomalies are logged at most once per
	// anomalyLogInterval per format string, in bursts of anomalyLogBurst.
	anomalyLogInterval = 5 * time.Second
	anomalyLogBurst    = 5
)

// Config configures a Homa instance. The zero value is a usable
// configuration: unbounded backlogs, logging via log.Printf, unregistered
// metrics and no collaborators.
type Config struct {
	// Logf is where the receive path logs anomalies. It defaults to
	// log.Printf.
	Logf logger.Logf

	// Registerer, if non-nil, is where the receive path's Prometheus
	// metrics are registered.
	Registerer prometheus.Registerer

	// BacklogLimit is the maximum number of packets queued on a busy
	// socket. Zero means unbounded.
	BacklogLimit int

	// BacklogPolicy selects which packet is dropped when a bounded
	// backlog is full.
	BacklogPolicy OverflowPolicy

	// CompletedTTL and CompletedCapacity size the per-socket memory of
	// finished RPC ids. Zero selects DefaultCompletedTTL and
	// DefaultCompletedCapacity.
	CompletedTTL      time.Duration
	CompletedCapacity int

	// Delivery, if non-nil, is told about RPCs whose message has been
	// fully received.
	Delivery Delivery

	// Control, if non-nil, receives every valid non-DATA packet. Without
	// it those packets are dropped.
	Control ControlHandler

	// OnDrop, if non-nil, is called for every dropped packet. It is
	// called from the receive path and must not block.
	OnDrop func(DropEvent)
}

// Homa is one instance of the protocol: the port map and the policy shared
// by every socket bound in it.
type Homa struct {
	ports    *PortMap
	logf     logger.Logf
	anomalyf logger.Logf // rate limited
	metrics  *metrics

	backlogLimit  int
	backlogPolicy OverflowPolicy
	completedTTL  time.Duration
	completedCap  uint64
	delivery      Delivery
	control       ControlHandler
	onDrop        func(DropEvent)
}

// New returns a new Homa instance configured by c.
func New(c Config) (*Homa, error) {
	if c.BacklogLimit < 0 {
		return nil, fmt.Errorf("homa: negative BacklogLimit %d", c.BacklogLimit)
	}
	switch c.BacklogPolicy {
	case DropIncoming, DropOldest:
	default:
		return nil, fmt.Errorf("homa: unknown BacklogPolicy %v", c.BacklogPolicy)
	}
	if c.CompletedCapacity < 0 {
		return nil, errors.New("homa: negative CompletedCapacity")
	}
	logf := c.Logf
	if logf == nil {
		logf = log.Printf
	}
	logf = logger.WithPrefix(logf, "homa: ")
	h := &Homa{
		ports:         NewPortMap(),
		logf:          logf,
		anomalyf:      logger.RateLimitedFn(logf, anomalyLogInterval, anomalyLogBurst, 100),
		metrics:       newMetrics(),
		backlogLimit:  c.BacklogLimit,
		backlogPolicy: c.BacklogPolicy,
		completedTTL:  c.CompletedTTL,
		completedCap:  uint64(c.CompletedCapacity),
		delivery:      c.Delivery,
		control:       c.Control,
		onDrop:        c.OnDrop,
	}
	if h.completedTTL <= 0 {
		h.completedTTL = DefaultCompletedTTL
	}
	if h.completedCap == 0 {
		h.completedCap = DefaultCompletedCapacity
	}
	if c.Registerer != nil {
		if err := h.metrics.register(c.Registerer); err != nil {
			return nil, fmt.Errorf("homa: registering metrics: %w", err)
		}
	}
	return h, nil
}

// Ports returns the instance's port map.
func (h *Homa) Ports() *PortMap { return h.ports }

// Delivery is the collaborator that consumes fully received messages.
type Delivery interface {
	// RPCReady is called exactly once per RPC, when its contiguous
	// received marker reaches the message length. It is called with s
	// locked, so it must neither block nor call back into s's locking
	// methods; hand the RPC to another goroutine and call s.FinishRPC
	// from there.
	RPCReady(s *Sock, rpc *RPC)
}

// DeliveryFunc is an adapter to allow the use of ordinary functions as a
// Delivery.
type DeliveryFunc func(s *Sock, rpc *RPC)

func (f DeliveryFunc) RPCReady(s *Sock, rpc *RPC) { f(s, rpc) }

// ControlHandler is the collaborator that acts on GRANT, RESEND, BUSY,
// UNKNOWN, CUTOFFS and FREEZE packets.
type ControlHandler interface {
	// HandleControl is called with s locked. rpc is the live server RPC
	// the packet refers to, or nil: for packets that address the socket
	// as a whole (CUTOFFS, FREEZE), and for RPC-scoped packets with no
	// live server RPC, which usually target the handler's own client
	// RPCs. p and its buffer are only valid for the duration of the call.
	HandleControl(s *Sock, rpc *RPC, p *homapkt.Parsed)
}

// ControlFunc is an adapter to allow the use of ordinary functions as a
// ControlHandler.
type ControlFunc func(s *Sock, rpc *RPC, p *homapkt.Parsed)

func (f ControlFunc) HandleControl(s *Sock, rpc *RPC, p *homapkt.Parsed) { f(s, rpc, p) }
