// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"homa.dev/homa"
)

const (
	readyQueueLen = 1024

	// sweepInterval is how often every socket is scanned for ready RPCs
	// that did not fit in the queue.
	sweepInterval = time.Second
)

type readyRPC struct {
	s   *homa.Sock
	rpc *homa.RPC
}

// deliverer is homad's Delivery: it reassembles each ready RPC's message
// from its segments, logs it and finishes the RPC.
type deliverer struct {
	logger *zap.SugaredLogger
	ready  chan readyRPC

	delivered prometheus.Counter
	bytes     prometheus.Counter
	deferred  prometheus.Counter
}

func newDeliverer(logger *zap.SugaredLogger, reg prometheus.Registerer) *deliverer {
	f := promauto.With(reg)
	return &deliverer{
		logger: logger,
		ready:  make(chan readyRPC, readyQueueLen),
		delivered: f.NewCounter(prometheus.CounterOpts{
			Name: "homad_messages_delivered_total",
			Help: "Complete request messages reassembled.",
		}),
		bytes: f.NewCounter(prometheus.CounterOpts{
			Name: "homad_message_bytes_total",
			Help: "Bytes of complete request messages reassembled.",
		}),
		deferred: f.NewCounter(prometheus.CounterOpts{
			Name: "homad_ready_queue_full_total",
			Help: "Ready RPCs left for the periodic sweep because the queue was full.",
		}),
	}
}

// RPCReady implements homa.Delivery. It is called with s locked and must
// not block.
func (d *deliverer) RPCReady(s *homa.Sock, rpc *homa.RPC) {
	select {
	case d.ready <- readyRPC{s, rpc}:
	default:
		d.deferred.Inc()
	}
}

// run delivers ready RPCs until ctx is done.
func (d *deliverer) run(ctx context.Context, socks []*homa.Sock) error {
	t := time.NewTicker(sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case r := <-d.ready:
			d.deliver(r.s, r.rpc)
		case <-t.C:
			for _, s := range socks {
				for _, rpc := range s.ReadyRPCs() {
					d.deliver(s, rpc)
				}
			}
		}
	}
}

func (d *deliverer) deliver(s *homa.Sock, rpc *homa.RPC) {
	msg, ok := reassemble(s, rpc)
	if !ok {
		return
	}
	if err := s.FinishRPC(rpc); err != nil {
		return
	}
	d.delivered.Inc()
	d.bytes.Add(float64(len(msg)))
	d.logger.Infow("request received",
		"peer", rpc.Key().Peer.String(),
		"id", rpc.Key().ID,
		"port", s.Port(),
		"len", len(msg),
	)
}

// reassemble copies rpc's message out of its segments. It reports false if
// rpc is no longer ready, for instance because an earlier sweep already
// finished it.
func reassemble(s *homa.Sock, rpc *homa.RPC) ([]byte, bool) {
	s.Lock()
	defer s.Unlock()
	if rpc.State() != homa.RPCReady {
		return nil, false
	}
	segs := slices.Clone(rpc.Segments())
	slices.SortFunc(segs, func(a, b homa.Segment) int {
		return cmp.Compare(a.Offset, b.Offset)
	})
	msg := make([]byte, rpc.MessageLength())
	for _, sg := range segs {
		copy(msg[sg.Offset:], sg.Payload())
	}
	return msg, true
}
