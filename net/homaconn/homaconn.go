// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package homaconn reads Homa packets from the network and feeds them to the
// receive path.
//
// Packets arrive either encapsulated in UDP, or on a raw IPv4 socket for IP
// protocol 146. Either way they are read in batches, copied into pooled
// buffers and handed over one at a time.
package homaconn

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/gaissmai/bart"
	"golang.org/x/net/ipv4"
	"homa.dev/net/homapkt"
	"homa.dev/types/logger"
)

const (
	// DefaultBatchSize is the number of datagrams read per system call
	// where the platform supports it.
	DefaultBatchSize = 64

	maxDatagram = 1 << 16

	// pooledSize is one byte more than the largest valid packet, so that
	// an oversized DATA packet still fails validation after the copy.
	pooledSize = homapkt.DataHeaderLength + homapkt.MaxSegmentPayload + 1
)

// PacketHandler consumes inbound packets. It takes ownership of each
// buffer. *homa.Homa implements it.
type PacketHandler interface {
	PktRecv(*homapkt.Buffer)
}

// Config configures a Receiver.
type Config struct {
	// Logf defaults to logger.Discard.
	Logf logger.Logf

	// BatchSize defaults to DefaultBatchSize.
	BatchSize int

	// AllowedSources, if non-empty, restricts the source addresses
	// whose packets are accepted. Others are discarded before the
	// receive path sees them.
	AllowedSources []netip.Prefix
}

// Receiver reads packets from a net.PacketConn and hands them to a
// PacketHandler.
type Receiver struct {
	pc      net.PacketConn
	xpc     *ipv4.PacketConn
	h       PacketHandler
	pool    *homapkt.Pool
	logf    logger.Logf
	batch   int
	allow   *bart.Table[struct{}] // nil means allow all
	stripIP bool                  // pc is a raw socket; datagrams start with an IPv4 header

	read     atomic.Uint64
	filtered atomic.Uint64
	bad      atomic.Uint64

	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool
}

// New returns a Receiver reading from pc. The Receiver owns pc and closes
// it on Close.
func New(pc net.PacketConn, h PacketHandler, c Config) (*Receiver, error) {
	if pc == nil || h == nil {
		return nil, errors.New("homaconn: nil conn or handler")
	}
	r := &Receiver{
		pc:    pc,
		xpc:   ipv4.NewPacketConn(pc),
		h:     h,
		pool:  homapkt.NewPool(pooledSize),
		logf:  c.Logf,
		batch: c.BatchSize,
	}
	if r.logf == nil {
		r.logf = logger.Discard
	}
	if r.batch <= 0 {
		r.batch = DefaultBatchSize
	}
	if _, ok := pc.(*net.IPConn); ok {
		r.stripIP = true
	}
	if len(c.AllowedSources) > 0 {
		r.allow = &bart.Table[struct{}]{}
		for _, p := range c.AllowedSources {
			if !p.IsValid() {
				return nil, errors.New("homaconn: invalid allowed source prefix")
			}
			r.allow.Insert(p.Masked(), struct{}{})
		}
	}
	return r, nil
}

// Pool returns the pool the Receiver copies packets into.
func (r *Receiver) Pool() *homapkt.Pool { return r.pool }

// LocalAddr returns the address the Receiver is reading on.
func (r *Receiver) LocalAddr() net.Addr { return r.pc.LocalAddr() }

// Stats returns the number of datagrams read, discarded by the source
// allowlist, and discarded because they could not be framed.
func (r *Receiver) Stats() (read, filtered, bad uint64) {
	return r.read.Load(), r.filtered.Load(), r.bad.Load()
}

// Run reads packets until ctx is done or the Receiver is closed, in which
// case it returns nil. Any other read error is returned.
func (r *Receiver) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { r.Close() })
	defer stop()

	msgs := make([]ipv4.Message, r.batch)
	bufs := make([][]byte, r.batch)
	for i := range msgs {
		bufs[i] = make([]byte, maxDatagram)
		msgs[i].Buffers = [][]byte{bufs[i]}
	}
	for {
		n, err := r.xpc.ReadBatch(msgs, 0)
		if err != nil {
			if r.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			r.logf("homaconn: read on %v: %v", r.pc.LocalAddr(), err)
			return err
		}
		for i := range n {
			r.handle(bufs[i][:msgs[i].N], msgs[i].Addr)
		}
	}
}

func (r *Receiver) handle(b []byte, from net.Addr) {
	r.read.Add(1)
	src := addrOf(from)
	if r.stripIP {
		h, err := ipv4.ParseHeader(b)
		if err != nil || h.Len > len(b) {
			r.bad.Add(1)
			return
		}
		b = b[h.Len:]
	}
	if r.allow != nil {
		if _, ok := r.allow.Lookup(src); !ok {
			r.filtered.Add(1)
			return
		}
	}
	r.h.PktRecv(r.pool.Copy(src, b))
}

func addrOf(a net.Addr) netip.Addr {
	switch a := a.(type) {
	case *net.UDPAddr:
		return a.AddrPort().Addr().Unmap()
	case *net.IPAddr:
		ip, _ := netip.AddrFromSlice(a.IP)
		return ip.Unmap()
	}
	return netip.Addr{}
}

// Close closes the underlying conn, causing Run to return. It is safe to
// call more than once.
func (r *Receiver) Close() error {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		r.closeErr = r.pc.Close()
	})
	return r.closeErr
}

// ListenUDP listens for UDP-encapsulated Homa packets on addr.
func ListenUDP(addr string) (net.PacketConn, error) {
	return net.ListenPacket("udp4", addr)
}

// ListenRaw opens a raw IPv4 socket for Homa's IP protocol number. It
// normally requires elevated privileges.
func ListenRaw(addr string) (net.PacketConn, error) {
	return net.ListenPacket("ip4:146", addr)
}
