// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package homa

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/netip"
	"sync"
	"testing"
	"time"

	"homa.dev/net/homapkt"
)

// readyCounter is a Delivery that counts ready transitions per RPC.
type readyCounter struct {
	mu sync.Mutex
	n  map[RPCKey]int
}

func (c *readyCounter) RPCReady(s *Sock, rpc *RPC) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.n == nil {
		c.n = make(map[RPCKey]int)
	}
	if rpc.Received() != rpc.MessageLength() {
		panic(fmt.Sprintf("RPCReady with %d of %d bytes", rpc.Received(), rpc.MessageLength()))
	}
	c.n[rpc.Key()]++
}

func (c *readyCounter) get(k RPCKey) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n[k]
}

func key(src netip.Addr, id uint64) RPCKey {
	return RPCKey{netip.AddrPortFrom(src, clientPort), id}
}

func (e *testEnv) rpc(k RPCKey) *RPC {
	e.s.Lock()
	defer e.s.Unlock()
	return e.s.ServerRPC(k)
}

func TestReadyExactlyOnce(t *testing.T) {
	var rc readyCounter
	e := newTestEnv(t, Config{Delivery: &rc})
	k := key(client, 1)

	for off := uint32(0); off < 10000; off += 1400 {
		if got := rc.get(k); got != 0 {
			t.Fatalf("ready before offset %d", off)
		}
		e.h.PktRecv(e.data(client, 1, 10000, off, min(1400, int(10000-off))))
	}
	if got := rc.get(k); got != 1 {
		t.Fatalf("ready %d times; want 1", got)
	}
	rpc := e.rpc(k)
	if rpc.State() != RPCReady || rpc.Received() != 10000 {
		t.Errorf("rpc state %v received %d", rpc.State(), rpc.Received())
	}

	// A late duplicate does not reopen the RPC.
	e.h.PktRecv(e.data(client, 1, 10000, 0, 1400))
	if got := rc.get(k); got != 1 {
		t.Errorf("ready %d times after duplicate; want 1", got)
	}
	if n := e.dropped(DropStaleRPC); n != 1 {
		t.Errorf("stale_rpc drops = %d; want 1", n)
	}
	if n := e.s.NumServerRPCs(); n != 1 {
		t.Errorf("NumServerRPCs = %d; want 1", n)
	}
	// Eight segments are held by the RPC; the duplicate was freed.
	e.checkOutstanding(8)
}

func TestOutOfOrderCompletion(t *testing.T) {
	var rc readyCounter
	e := newTestEnv(t, Config{Delivery: &rc})
	k := key(client, 2)

	e.sendMessage(client, 2, 7000, []uint32{5600, 2800, 1400, 4200})
	rpc := e.rpc(k)
	if rpc.Received() != 0 {
		t.Errorf("Received = %d; want 0 with offset 0 missing", rpc.Received())
	}
	e.sendMessage(client, 2, 7000, []uint32{0})
	if got := rc.get(k); got != 1 {
		t.Fatalf("ready %d times; want 1", got)
	}
	if rpc.Received() != 7000 {
		t.Errorf("Received = %d; want 7000", rpc.Received())
	}
}

func TestSameIDDifferentPeers(t *testing.T) {
	var rc readyCounter
	e := newTestEnv(t, Config{Delivery: &rc})
	e.sendMessage(client, 5, 2000, nil)
	e.sendMessage(client2, 5, 3000, nil)
	if n := e.s.NumServerRPCs(); n != 2 {
		t.Errorf("NumServerRPCs = %d; want 2", n)
	}
	if rc.get(key(client, 5)) != 1 || rc.get(key(client2, 5)) != 1 {
		t.Errorf("ready counts = %v", rc.n)
	}
}

func TestLengthMismatch(t *testing.T) {
	var events []DropEvent
	e := newTestEnv(t, Config{OnDrop: func(ev DropEvent) { events = append(events, ev) }})
	k := key(client, 3)

	e.h.PktRecv(e.data(client, 3, 10000, 0, 1400))
	e.h.PktRecv(e.data(client, 3, 20000, 1400, 1400))

	rpc := e.rpc(k)
	if rpc.MessageLength() != 10000 || rpc.Received() != 1400 || len(rpc.Segments()) != 1 {
		t.Errorf("rpc mutated: len %d received %d segments %d",
			rpc.MessageLength(), rpc.Received(), len(rpc.Segments()))
	}
	if len(events) != 1 || events[0].Reason != DropProtocolInconsistency || events[0].ID != 3 {
		t.Fatalf("drop events = %+v", events)
	}
	var lm *lengthMismatchError
	if !errors.As(events[0].Err, &lm) || lm.got != 20000 || lm.want != 10000 {
		t.Errorf("Err = %v", events[0].Err)
	}
	e.checkOutstanding(1)
}

func TestDuplicateData(t *testing.T) {
	e := newTestEnv(t, Config{})
	e.h.PktRecv(e.data(client, 4, 10000, 1400, 1400))
	e.h.PktRecv(e.data(client, 4, 10000, 1400, 1400))
	e.h.PktRecv(e.data(client, 4, 10000, 0, 1400))
	e.h.PktRecv(e.data(client, 4, 10000, 0, 1000))

	if n := e.dropped(DropDuplicateData); n != 2 {
		t.Errorf("duplicate_data drops = %d; want 2", n)
	}
	rpc := e.rpc(key(client, 4))
	if rpc.Received() != 2800 || len(rpc.Segments()) != 2 {
		t.Errorf("received %d, %d segments", rpc.Received(), len(rpc.Segments()))
	}
	e.checkOutstanding(2)
}

func TestRetransmitCounted(t *testing.T) {
	e := newTestEnv(t, Config{})
	b := homapkt.Generate(homapkt.DataHeader{
		CommonHeader:  homapkt.CommonHeader{Sport: clientPort, Dport: serverPort, ID: 9},
		MessageLength: 3000,
		Offset:        1400,
		Unscheduled:   1400,
		Retransmit:    true,
	}, make([]byte, 1400))
	e.h.PktRecv(e.pool.Copy(client, b))
	rpc := e.rpc(key(client, 9))
	if rpc.Retransmits() != 1 || rpc.Unscheduled() != 1400 {
		t.Errorf("retransmits %d unscheduled %d", rpc.Retransmits(), rpc.Unscheduled())
	}
}

func TestFinishRPC(t *testing.T) {
	var rc readyCounter
	e := newTestEnv(t, Config{Delivery: &rc})
	k := key(client, 10)

	e.h.PktRecv(e.data(client, 10, 2000, 0, 1400))
	rpc := e.rpc(k)
	if err := e.s.FinishRPC(rpc); !errors.Is(err, ErrRPCIncoming) {
		t.Errorf("FinishRPC(incoming) = %v; want %v", err, ErrRPCIncoming)
	}
	e.h.PktRecv(e.data(client, 10, 2000, 1400, 600))

	ready := e.s.ReadyRPCs()
	if len(ready) != 1 || ready[0] != rpc {
		t.Fatalf("ReadyRPCs = %v", ready)
	}
	var msg []byte
	e.s.Lock()
	for _, sg := range rpc.Segments() {
		msg = append(msg, sg.Payload()...)
	}
	e.s.Unlock()
	if len(msg) != 2000 {
		t.Errorf("reassembled %d bytes; want 2000", len(msg))
	}

	if err := e.s.FinishRPC(rpc); err != nil {
		t.Fatal(err)
	}
	if rpc.State() != RPCCompleted {
		t.Errorf("state = %v; want completed", rpc.State())
	}
	e.checkOutstanding(0)
	if err := e.s.FinishRPC(rpc); !errors.Is(err, ErrNotOwned) {
		t.Errorf("second FinishRPC = %v; want %v", err, ErrNotOwned)
	}

	// The id is remembered: a late packet does not start a new RPC.
	e.h.PktRecv(e.data(client, 10, 2000, 0, 1400))
	if n := e.s.NumServerRPCs(); n != 0 {
		t.Errorf("NumServerRPCs = %d; want 0", n)
	}
	if n := e.dropped(DropStaleRPC); n != 1 {
		t.Errorf("stale_rpc drops = %d; want 1", n)
	}
	if got := rc.get(k); got != 1 {
		t.Errorf("ready %d times; want 1", got)
	}
	e.checkOutstanding(0)
}

func TestCompletedIDsExpire(t *testing.T) {
	e := newTestEnv(t, Config{CompletedTTL: 10 * time.Millisecond})
	e.sendMessage(client, 11, 100, nil)
	if err := e.s.FinishRPC(e.rpc(key(client, 11))); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	e.sendMessage(client, 11, 100, nil)
	if n := e.s.NumServerRPCs(); n != 1 {
		t.Errorf("NumServerRPCs = %d after tombstone expiry; want 1", n)
	}
}

func TestFinishRPCOtherSocket(t *testing.T) {
	e := newTestEnv(t, Config{})
	other := NewSock(e.h)
	defer other.Destroy()
	e.sendMessage(client, 12, 100, nil)
	if err := other.FinishRPC(e.rpc(key(client, 12))); !errors.Is(err, ErrNotOwned) {
		t.Errorf("FinishRPC on other socket = %v; want %v", err, ErrNotOwned)
	}
}

func TestAbortRPC(t *testing.T) {
	e := newTestEnv(t, Config{})
	k := key(client, 20)
	e.h.PktRecv(e.data(client, 20, 5000, 0, 1400))

	if !e.s.AbortRPC(k) {
		t.Fatal("AbortRPC = false")
	}
	if e.s.AbortRPC(k) {
		t.Error("second AbortRPC = true")
	}
	e.checkOutstanding(0)

	e.h.PktRecv(e.data(client, 20, 5000, 1400, 1400))
	e.h.PktRecv(e.control(homapkt.ResendHeader{CommonHeader: homapkt.CommonHeader{Sport: clientPort, Dport: serverPort, ID: 20}}))
	if n := e.dropped(DropRPCDead); n != 1 {
		t.Errorf("rpc_dead drops = %d; want 1", n)
	}
	if n := e.dropped(DropUnknownRPC); n != 1 {
		t.Errorf("unknown_rpc drops = %d; want 1", n)
	}
	rpc := e.rpc(k)
	if rpc.State() != RPCDead || rpc.Received() != 1400 {
		t.Errorf("state %v received %d", rpc.State(), rpc.Received())
	}
	if err := e.s.FinishRPC(rpc); err != nil {
		t.Fatal(err)
	}
	if n := e.s.NumServerRPCs(); n != 0 {
		t.Errorf("NumServerRPCs = %d; want 0", n)
	}
	e.checkOutstanding(0)
}

func TestControlPackets(t *testing.T) {
	type call struct {
		typ homapkt.Type
		rpc *RPC
		off uint32
	}
	var calls []call
	e := newTestEnv(t, Config{
		Control: ControlFunc(func(s *Sock, rpc *RPC, p *homapkt.Parsed) {
			calls = append(calls, call{p.Type, rpc, p.Offset})
		}),
	})
	common := homapkt.CommonHeader{Sport: clientPort, Dport: serverPort, ID: 30}

	// No server RPC 30 yet: the handler still sees the packet.
	e.h.PktRecv(e.control(homapkt.GrantHeader{CommonHeader: common, Offset: 500}))
	if n := e.dropped(DropUnknownRPC); n != 0 {
		t.Errorf("unknown_rpc drops = %d; want 0", n)
	}

	e.h.PktRecv(e.data(client, 30, 5000, 0, 1400))
	rpc := e.rpc(key(client, 30))
	e.h.PktRecv(e.control(homapkt.GrantHeader{CommonHeader: common, Offset: 2800}))
	busy := common
	busy.Type = homapkt.BUSY
	e.h.PktRecv(e.control(busy))
	e.h.PktRecv(e.control(homapkt.CutoffsHeader{CommonHeader: homapkt.CommonHeader{Dport: serverPort}}))

	want := []call{
		{homapkt.GRANT, nil, 500},
		{homapkt.GRANT, rpc, 2800},
		{homapkt.BUSY, rpc, 0},
		{homapkt.CUTOFFS, nil, 0},
	}
	if len(calls) != len(want) {
		t.Fatalf("calls = %+v", calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d = %+v; want %+v", i, calls[i], want[i])
		}
	}
	// Only the DATA segment is still held.
	e.checkOutstanding(1)
}

func TestControlUnhandled(t *testing.T) {
	e := newTestEnv(t, Config{})
	freeze := homapkt.CommonHeader{Dport: serverPort, Type: homapkt.FREEZE}
	e.h.PktRecv(e.control(freeze))
	if n := e.dropped(DropUnhandled); n != 1 {
		t.Errorf("unhandled drops = %d; want 1", n)
	}
	e.checkOutstanding(0)
}

func TestControlWithoutServerRPC(t *testing.T) {
	var rpcs []*RPC
	e := newTestEnv(t, Config{
		Control: ControlFunc(func(s *Sock, rpc *RPC, p *homapkt.Parsed) {
			rpcs = append(rpcs, rpc)
		}),
	})
	e.h.PktRecv(e.data(client, 40, 5000, 0, 1400))
	if !e.s.AbortRPC(key(client, 40)) {
		t.Fatal("AbortRPC = false")
	}
	resend := func(id uint64) *homapkt.Buffer {
		return e.control(homapkt.ResendHeader{CommonHeader: homapkt.CommonHeader{Sport: clientPort, Dport: serverPort, ID: id}, Length: 100})
	}
	e.h.PktRecv(resend(40)) // dead server RPC
	e.h.PktRecv(resend(41)) // never seen
	if len(rpcs) != 2 || rpcs[0] != nil || rpcs[1] != nil {
		t.Errorf("handler rpcs = %v; want [nil nil]", rpcs)
	}
	if n := e.dropped(DropUnknownRPC); n != 0 {
		t.Errorf("unknown_rpc drops = %d; want 0", n)
	}
	e.checkOutstanding(0)
}

func TestSegmentPayload(t *testing.T) {
	e := newTestEnv(t, Config{})
	e.h.PktRecv(e.data(client, 50, 3000, 1400, 1400))
	e.h.PktRecv(e.data(client, 50, 3000, 0, 1400))
	rpc := e.rpc(key(client, 50))
	e.s.Lock()
	defer e.s.Unlock()
	for _, sg := range rpc.Segments() {
		want := bytes.Repeat([]byte{byte(sg.Offset / homapkt.MaxSegmentPayload)}, int(sg.Length))
		if !bytes.Equal(sg.Payload(), want) {
			t.Errorf("segment at %d: payload %d bytes, not the bytes sent", sg.Offset, len(sg.Payload()))
		}
	}
}

func TestBacklogOverflow(t *testing.T) {
	tests := []struct {
		policy   OverflowPolicy
		wantHead uint64 // id of the backlog head after overflow
		wantIDs  []uint64
	}{
		{DropIncoming, 1, []uint64{1, 2}},
		{DropOldest, 2, []uint64{2, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.policy.String(), func(t *testing.T) {
			var events []DropEvent
			e := newTestEnv(t, Config{
				BacklogLimit:  2,
				BacklogPolicy: tt.policy,
				OnDrop:        func(ev DropEvent) { events = append(events, ev) },
			})
			e.s.Lock()
			var pkts []*homapkt.Buffer
			for id := uint64(1); id <= 3; id++ {
				pkt := e.data(client, id, 100, 0, 100)
				pkts = append(pkts, pkt)
				e.h.PktRecv(pkt)
			}
			if n := e.s.BacklogLen(); n != 2 {
				t.Errorf("BacklogLen = %d; want 2", n)
			}
			if got := e.s.BacklogHead(); got != pkts[tt.wantHead-1] {
				t.Errorf("BacklogHead is not packet %d", tt.wantHead)
			}
			if len(events) != 1 || events[0].Reason != DropBacklogOverflow {
				t.Errorf("drop events = %+v", events)
			}
			e.s.Unlock()

			for _, id := range tt.wantIDs {
				if e.rpc(key(client, id)) == nil {
					t.Errorf("no RPC %d", id)
				}
			}
			if n := e.s.NumServerRPCs(); n != 2 {
				t.Errorf("NumServerRPCs = %d; want 2", n)
			}
			e.checkOutstanding(2)
		})
	}
}

func TestParseOverflowPolicy(t *testing.T) {
	for _, p := range []OverflowPolicy{DropIncoming, DropOldest} {
		got, err := ParseOverflowPolicy(p.String())
		if err != nil || got != p {
			t.Errorf("ParseOverflowPolicy(%q) = %v, %v", p.String(), got, err)
		}
	}
	if _, err := ParseOverflowPolicy("drop-newest"); err == nil {
		t.Error("ParseOverflowPolicy accepted an unknown policy")
	}
}

func TestDestroyFreesEverything(t *testing.T) {
	e := newTestEnv(t, Config{})
	e.sendMessage(client, 40, 5000, []uint32{0, 1400})

	e.s.Lock()
	for id := uint64(41); id < 50; id++ {
		e.h.PktRecv(e.data(client, id, 3000, 0, 1400))
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.s.Destroy()
	}()
	e.s.Unlock()
	<-done

	e.checkOutstanding(0)
	if e.h.Ports().Lookup(serverPort) != nil {
		t.Error("port still bound after Destroy")
	}
	e.h.PktRecv(e.data(client, 40, 5000, 2800, 1400))
	if n := e.dropped(DropUnknownPort); n != 1 {
		t.Errorf("unknown_port drops = %d; want 1", n)
	}
	e.checkOutstanding(0)

	// Destroy is idempotent; Bind after it fails.
	e.s.Destroy()
	if err := e.s.Bind(serverPort); !errors.Is(err, ErrSockClosed) {
		t.Errorf("Bind after Destroy = %v; want %v", err, ErrSockClosed)
	}
}

func TestDestroyWaitsForReceivers(t *testing.T) {
	e := newTestEnv(t, Config{})
	s := e.h.Ports().Lookup(serverPort)
	if s != e.s {
		t.Fatal("Lookup did not return the bound socket")
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.s.Destroy()
	}()
	select {
	case <-done:
		t.Fatal("Destroy returned while a receiver held the socket")
	case <-time.After(50 * time.Millisecond):
	}

	// The receiver can still use the socket; the packet is dropped.
	pkt := e.data(client, 1, 100, 0, 100)
	p, _ := homapkt.Decode(pkt.Bytes())
	s.deliver(pkt, &p)
	s.refs.Put()
	<-done
	if n := e.dropped(DropSocketClosed); n != 1 {
		t.Errorf("socket_closed drops = %d; want 1", n)
	}
	e.checkOutstanding(0)
}

func TestDestroyDropsLateBacklog(t *testing.T) {
	e := newTestEnv(t, Config{})
	s := e.h.Ports().Lookup(serverPort)
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.s.Destroy()
	}()
	for s.refs.Refs() != 1 {
		time.Sleep(time.Millisecond)
	}

	// Destroy is waiting on our hold. Queue a packet behind the lock.
	s.Lock()
	pkt := e.data(client, 1, 100, 0, 100)
	p, _ := homapkt.Decode(pkt.Bytes())
	s.deliver(pkt, &p)
	if n := s.BacklogLen(); n != 1 {
		t.Errorf("BacklogLen = %d; want 1", n)
	}
	s.refs.Put()
	s.Unlock()
	<-done

	if n := e.dropped(DropSocketClosed); n != 1 {
		t.Errorf("socket_closed drops = %d; want 1", n)
	}
	if n := s.BacklogLen(); n != 0 {
		t.Errorf("BacklogLen = %d after Destroy; want 0", n)
	}
	e.checkOutstanding(0)
}

func TestBindErrors(t *testing.T) {
	e := newTestEnv(t, Config{})
	if err := e.s.Bind(serverPort + 1); !errors.Is(err, ErrAlreadyBound) {
		t.Errorf("second Bind = %v; want %v", err, ErrAlreadyBound)
	}
	s2 := NewSock(e.h)
	defer s2.Destroy()
	if err := s2.Bind(serverPort); !errors.Is(err, ErrPortInUse) {
		t.Errorf("Bind to used port = %v; want %v", err, ErrPortInUse)
	}
	if err := s2.Bind(0); !errors.Is(err, ErrInvalidPort) {
		t.Errorf("Bind(0) = %v; want %v", err, ErrInvalidPort)
	}
	if s2.Port() != 0 {
		t.Errorf("Port = %d after failed binds", s2.Port())
	}
}

// TestConcurrentReceive delivers the segments of many RPCs from many
// goroutines, in random order, while another goroutine keeps taking the
// socket lock as user-level work would.
func TestConcurrentReceive(t *testing.T) {
	const (
		senders = 8
		rpcs    = 50
		msgLen  = 10 * homapkt.MaxSegmentPayload
	)
	var rc readyCounter
	e := newTestEnv(t, Config{Delivery: &rc})

	type seg struct {
		id  uint64
		off uint32
	}
	var segs []seg
	for id := uint64(1); id <= rpcs; id++ {
		for off := uint32(0); off < msgLen; off += homapkt.MaxSegmentPayload {
			segs = append(segs, seg{id, off})
		}
	}
	rand.Shuffle(len(segs), func(i, j int) { segs[i], segs[j] = segs[j], segs[i] })

	stop := make(chan struct{})
	var userWG sync.WaitGroup
	userWG.Add(1)
	go func() {
		defer userWG.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			e.s.Lock()
			e.s.RangeServerRPCs(func(*RPC) bool { return true })
			e.s.Unlock()
		}
	}()

	var wg sync.WaitGroup
	for i := range senders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := i; j < len(segs); j += senders {
				sg := segs[j]
				e.h.PktRecv(e.data(client, sg.id, msgLen, sg.off, homapkt.MaxSegmentPayload))
			}
		}()
	}
	wg.Wait()
	close(stop)
	userWG.Wait()

	if n := e.s.BacklogLen(); n != 0 {
		t.Fatalf("BacklogLen = %d after all receivers returned", n)
	}
	for id := uint64(1); id <= rpcs; id++ {
		if got := rc.get(key(client, id)); got != 1 {
			t.Errorf("RPC %d ready %d times; want 1", id, got)
		}
	}
	if n := len(e.s.ReadyRPCs()); n != rpcs {
		t.Errorf("%d ready RPCs; want %d", n, rpcs)
	}
	e.checkOutstanding(int64(len(segs)))
	e.s.Destroy()
	e.checkOutstanding(0)
}
