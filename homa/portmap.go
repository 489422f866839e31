// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package homa

import (
	"errors"

	"homa.dev/syncs"
)

var (
	// ErrInvalidPort is returned when binding port 0.
	ErrInvalidPort = errors.New("homa: invalid port")
	// ErrPortInUse is returned when binding a port another socket owns.
	ErrPortInUse = errors.New("homa: port in use")
)

const portMapShards = 64

// PortMap maps local port numbers to the socket bound to each.
//
// Lookups are far more frequent than binds, so the map is sharded and
// lookups only take a shard's read lock.
type PortMap struct {
	m *syncs.ShardedMap[uint16, *Sock]
}

// NewPortMap returns an empty PortMap.
func NewPortMap() *PortMap {
	return &PortMap{
		m: syncs.NewShardedMap[uint16, *Sock](portMapShards, func(port uint16) int {
			return int(port % portMapShards)
		}),
	}
}

// Bind maps port to s.
func (pm *PortMap) Bind(port uint16, s *Sock) error {
	if port == 0 {
		return ErrInvalidPort
	}
	var err error
	pm.m.Mutate(port, func(old *Sock, ok bool) (*Sock, bool) {
		if ok && old != s {
			err = ErrPortInUse
			return old, true
		}
		return s, true
	})
	return err
}

// Unbind removes the mapping of port, if it is mapped to s.
// It reports whether a mapping was removed.
//
// Once Unbind returns, no Lookup can return s for port.
func (pm *PortMap) Unbind(port uint16, s *Sock) bool {
	return pm.m.Mutate(port, func(old *Sock, ok bool) (*Sock, bool) {
		if ok && old != s {
			return old, true
		}
		return nil, false
	}) == -1
}

// Lookup returns the socket bound to port, or nil.
//
// The returned socket has a reference taken while the mapping was known to
// be live, so it cannot be torn down until the caller releases it with Put.
func (pm *PortMap) Lookup(port uint16) *Sock {
	var s *Sock
	pm.m.Peek(port, func(v *Sock, ok bool) {
		if ok {
			v.refs.Hold()
			s = v
		}
	})
	return s
}

// Len returns the number of bound ports.
func (pm *PortMap) Len() int {
	return pm.m.Len()
}
