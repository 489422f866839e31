// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package homa

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/jellydator/ttlcache/v3"
	"homa.dev/net/homapkt"
	"homa.dev/syncs"
)

var (
	// ErrSockClosed is returned by operations on a destroyed socket.
	ErrSockClosed = errors.New("homa: socket closed")
	// ErrAlreadyBound is returned when binding a socket twice.
	ErrAlreadyBound = errors.New("homa: socket already bound")
	// ErrNotOwned is returned when finishing an RPC that does not belong
	// to the socket (or was already finished).
	ErrNotOwned = errors.New("homa: rpc not owned by socket")
	// ErrRPCIncoming is returned when finishing an RPC that is still
	// receiving; abort it first.
	ErrRPCIncoming = errors.New("homa: rpc still receiving")
)

// Sock is a Homa socket: the local endpoint that owns a port and the server
// RPCs addressed to it.
//
// A Sock has a single lock. User-level work takes it with Lock, which may
// block; the receive path only ever tries it. Packets that arrive while the
// lock is held are queued on the socket's backlog and processed, in arrival
// order, before the holder's Unlock returns.
type Sock struct {
	h    *Homa
	refs *syncs.RefCount // held by the owner and by in-flight receive paths
	port atomic.Uint32   // 0 until bound

	mu      sync.Mutex
	backlog backlog

	// The following fields are guarded by mu.
	shutdown   bool
	serverRPCs map[RPCKey]*RPC
	completed  *ttlcache.Cache[RPCKey, struct{}] // ids of finished RPCs
}

// NewSock returns a new, unbound socket. It must eventually be released
// with Destroy.
func NewSock(h *Homa) *Sock {
	s := &Sock{
		h:          h,
		refs:       syncs.NewRefCount(),
		serverRPCs: make(map[RPCKey]*RPC),
		completed: ttlcache.New(
			ttlcache.WithTTL[RPCKey, struct{}](h.completedTTL),
			ttlcache.WithCapacity[RPCKey, struct{}](h.completedCap),
			ttlcache.WithDisableTouchOnHit[RPCKey, struct{}](),
		),
	}
	s.backlog.limit = h.backlogLimit
	s.backlog.policy = h.backlogPolicy
	go s.completed.Start()
	return s
}

// Bind binds s to port in its Homa instance's port map.
func (s *Sock) Bind(port uint16) error {
	s.Lock()
	defer s.Unlock()
	if s.shutdown {
		return ErrSockClosed
	}
	if s.port.Load() != 0 {
		return ErrAlreadyBound
	}
	if err := s.h.ports.Bind(port, s); err != nil {
		return err
	}
	s.port.Store(uint32(port))
	return nil
}

// Port returns the port s is bound to, or 0.
func (s *Sock) Port() uint16 {
	return uint16(s.port.Load())
}

// Lock acquires the socket lock for user-level work, blocking if
// necessary. Packets arriving while it is held are backlogged.
func (s *Sock) Lock() {
	s.mu.Lock()
}

// Unlock processes the backlog and releases the socket lock.
func (s *Sock) Unlock() {
	s.processBacklogLocked()
	s.mu.Unlock()
	s.flushBacklog()
}

// flushBacklog processes backlog entries queued by receive paths that lost
// the race with an Unlock. Whoever queues an entry or releases the lock
// calls it afterwards, so no entry is left behind with the lock free.
func (s *Sock) flushBacklog() {
	for s.backlog.pending() && s.mu.TryLock() {
		s.processBacklogLocked()
		s.mu.Unlock()
	}
}

func (s *Sock) processBacklogLocked() {
	for {
		e, ok := s.backlog.pop()
		if !ok {
			return
		}
		s.h.metrics.drained.Inc()
		s.handleLocked(e.pkt, &e.hdr)
	}
}

// BacklogLen returns the number of packets waiting on the backlog.
func (s *Sock) BacklogLen() int {
	return s.backlog.len()
}

// BacklogHead returns the oldest packet on the backlog, or nil. The buffer
// remains owned by the socket.
func (s *Sock) BacklogHead() *homapkt.Buffer {
	return s.backlog.head()
}

// NumServerRPCs returns the number of server RPCs s holds, in any state.
// It must not be called with s locked.
func (s *Sock) NumServerRPCs() int {
	s.Lock()
	defer s.Unlock()
	return len(s.serverRPCs)
}

// RangeServerRPCs calls f for each server RPC until f returns false.
// s must be locked.
func (s *Sock) RangeServerRPCs(f func(*RPC) bool) {
	for _, rpc := range s.serverRPCs {
		if !f(rpc) {
			return
		}
	}
}

// ServerRPC returns the server RPC with the given key, or nil.
// s must be locked.
func (s *Sock) ServerRPC(key RPCKey) *RPC {
	return s.serverRPCs[key]
}

// ReadyRPCs returns the server RPCs whose message is complete and that have
// not been finished yet. It must not be called with s locked.
func (s *Sock) ReadyRPCs() []*RPC {
	s.Lock()
	defer s.Unlock()
	var ready []*RPC
	for _, rpc := range s.serverRPCs {
		if rpc.state == RPCReady {
			ready = append(ready, rpc)
		}
	}
	return ready
}

// FinishRPC releases a ready or aborted RPC: its buffers are freed, it is
// removed from s, and its id is remembered so that late duplicates are
// dropped rather than starting a new RPC.
// It must not be called with s locked.
func (s *Sock) FinishRPC(rpc *RPC) error {
	s.Lock()
	defer s.Unlock()
	return s.finishLocked(rpc)
}

func (s *Sock) finishLocked(rpc *RPC) error {
	if rpc.sock != s || s.serverRPCs[rpc.key] != rpc {
		return ErrNotOwned
	}
	if rpc.state == RPCIncoming {
		return ErrRPCIncoming
	}
	rpc.releaseLocked()
	rpc.state = RPCCompleted
	delete(s.serverRPCs, rpc.key)
	s.completed.Set(rpc.key, struct{}{}, ttlcache.DefaultTTL)
	return nil
}

// AbortRPC marks the RPC with the given key as being torn down and frees
// its buffers. Packets for it are dropped until it is finished with
// FinishRPC. It reports whether a live RPC was found.
// It must not be called with s locked.
func (s *Sock) AbortRPC(key RPCKey) bool {
	s.Lock()
	defer s.Unlock()
	rpc := s.serverRPCs[key]
	if rpc == nil || rpc.state == RPCDead {
		return false
	}
	rpc.state = RPCDead
	rpc.releaseLocked()
	return true
}

// Destroy unbinds s, waits for in-flight receive paths to finish with it,
// and frees every packet it holds, backlogged or attached to an RPC.
// It must not be called with s locked. Calls after the first do nothing.
func (s *Sock) Destroy() {
	s.Lock()
	if s.shutdown {
		s.Unlock()
		return
	}
	s.shutdown = true
	s.Unlock()

	if port := s.Port(); port != 0 {
		s.h.ports.Unbind(port, s)
	}
	s.refs.Put()
	s.refs.Wait()

	// Nothing can reach s any more. Any packet that was backlogged after
	// shutdown was set is dropped by the next Unlock, the one below
	// included.
	s.Lock()
	for _, rpc := range s.serverRPCs {
		rpc.releaseLocked()
		rpc.state = RPCCompleted
	}
	clear(s.serverRPCs)
	s.completed.DeleteAll()
	s.Unlock()
	s.completed.Stop()
}
