// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package homa

import (
	"github.com/prometheus/client_golang/prometheus"
	"homa.dev/net/homapkt"
)

// metrics are the receive path's counters. Every labeled child is resolved
// up front so the hot path does no label lookups.
type metrics struct {
	receivedVec *prometheus.CounterVec
	droppedVec  *prometheus.CounterVec

	receivedByType map[homapkt.Type]prometheus.Counter
	droppedBy      map[DropReason]prometheus.Counter

	backlogged  prometheus.Counter
	drained     prometheus.Counter
	rpcsCreated prometheus.Counter
	rpcsReady   prometheus.Counter
}

func newMetrics() *metrics {
	m := &metrics{
		receivedVec: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "homa_packets_received_total",
			Help: "Valid packets received, by type.",
		}, []string{"type"}),
		droppedVec: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "homa_packets_dropped_total",
			Help: "Packets dropped by the receive path, by reason.",
		}, []string{"reason"}),
		backlogged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "homa_packets_backlogged_total",
			Help: "Packets queued because their socket was locked.",
		}),
		drained: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "homa_backlog_drained_total",
			Help: "Backlogged packets processed.",
		}),
		rpcsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "homa_server_rpcs_created_total",
			Help: "Server RPCs created by an incoming DATA packet.",
		}),
		rpcsReady: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "homa_server_rpcs_ready_total",
			Help: "Server RPCs whose message was fully received.",
		}),
		receivedByType: make(map[homapkt.Type]prometheus.Counter),
		droppedBy:      make(map[DropReason]prometheus.Counter),
	}
	for t := homapkt.DATA; t.Valid(); t++ {
		m.receivedByType[t] = m.receivedVec.WithLabelValues(t.String())
	}
	for _, r := range dropReasons {
		m.droppedBy[r] = m.droppedVec.WithLabelValues(string(r))
	}
	return m
}

func (m *metrics) received(t homapkt.Type) prometheus.Counter {
	return m.receivedByType[t]
}

func (m *metrics) dropped(r DropReason) prometheus.Counter {
	if c, ok := m.droppedBy[r]; ok {
		return c
	}
	return m.droppedVec.WithLabelValues(string(r))
}

func (m *metrics) register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.receivedVec, m.droppedVec,
		m.backlogged, m.drained, m.rpcsCreated, m.rpcsReady,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
