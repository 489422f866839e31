// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"fmt"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
	"homa.dev/net/homaconn"
)

// registerReceiverMetrics exports the receiver's counters and buffer pool
// occupancy to reg.
func registerReceiverMetrics(reg prometheus.Registerer, r *homaconn.Receiver) {
	f := promauto.With(reg)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "homad_buffers_outstanding",
		Help: "Packet buffers held by the receive path.",
	}, func() float64 {
		return float64(r.Pool().Outstanding())
	})
	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "homad_datagrams_read_total",
		Help: "Datagrams read from the network.",
	}, func() float64 {
		read, _, _ := r.Stats()
		return float64(read)
	})
	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "homad_datagrams_filtered_total",
		Help: "Datagrams discarded by the source allowlist.",
	}, func() float64 {
		_, filtered, _ := r.Stats()
		return float64(filtered)
	})
	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "homad_datagrams_unframed_total",
		Help: "Datagrams discarded because their IP header could not be parsed.",
	}, func() float64 {
		_, _, bad := r.Stats()
		return float64(bad)
	})
	reg.MustRegister(collectors.NewGoCollector())
}

func metricsMux(g prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", string(expfmt.NewFormat(expfmt.TypeTextPlain)))
		if err := writeMetrics(w, g); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return mux
}

// writeMetrics writes the metrics gathered from g in text format.
func writeMetrics(w io.Writer, g prometheus.Gatherer) error {
	mfs, err := g.Gather()
	if err != nil {
		return fmt.Errorf("could not gather metrics: %w", err)
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("could not encode metric %v: %w", mf.GetName(), err)
		}
	}
	if closer, ok := enc.(expfmt.Closer); ok {
		return closer.Close()
	}
	return nil
}
