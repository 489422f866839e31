// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package homapkt contains the Homa wire format: packet types, fixed-size
// headers, and a validating decoder for inbound packets.
package homapkt

import (
	"encoding/binary"
	"fmt"
)

// Type is the Homa packet type, carried in byte 12 of the common header.
type Type uint8

const (
	DATA    Type = 0x10
	GRANT   Type = 0x11
	RESEND  Type = 0x12
	UNKNOWN Type = 0x13
	BUSY    Type = 0x14
	CUTOFFS Type = 0x15
	FREEZE  Type = 0x16
)

// Header lengths, in bytes, including the common header.
const (
	CommonHeaderLength  = 16
	DataHeaderLength    = 32
	GrantHeaderLength   = 24
	ResendHeaderLength  = 28
	CutoffsHeaderLength = 52
)

const (
	// MaxSegmentPayload is the largest payload a single DATA packet may carry.
	MaxSegmentPayload = 1400

	// MaxMessageLength is the largest message a DATA packet may describe.
	MaxMessageLength = 1000000

	// NumPriorities is the number of unscheduled cutoffs in a CUTOFFS packet.
	NumPriorities = 8
)

// IPProto is the IP protocol number used for Homa.
const IPProto = 146

var (
	get16 = binary.BigEndian.Uint16
	get32 = binary.BigEndian.Uint32
	get64 = binary.BigEndian.Uint64

	put16 = binary.BigEndian.PutUint16
	put32 = binary.BigEndian.PutUint32
	put64 = binary.BigEndian.PutUint64
)

// Valid reports whether t is a packet type this package knows how to decode.
func (t Type) Valid() bool {
	return t >= DATA && t <= FREEZE
}

// MinHeaderLength returns the smallest byte length a packet of type t may
// have, or 0 if t is not a valid type.
func (t Type) MinHeaderLength() int {
	switch t {
	case DATA:
		return DataHeaderLength
	case GRANT:
		return GrantHeaderLength
	case RESEND:
		return ResendHeaderLength
	case CUTOFFS:
		return CutoffsHeaderLength
	case UNKNOWN, BUSY, FREEZE:
		return CommonHeaderLength
	}
	return 0
}

// RPCScoped reports whether packets of type t refer to a single RPC, as
// opposed to the whole endpoint.
func (t Type) RPCScoped() bool {
	switch t {
	case CUTOFFS, FREEZE:
		return false
	}
	return true
}

func (t Type) String() string {
	switch t {
	case DATA:
		return "DATA"
	case GRANT:
		return "GRANT"
	case RESEND:
		return "RESEND"
	case UNKNOWN:
		return "UNKNOWN"
	case BUSY:
		return "BUSY"
	case CUTOFFS:
		return "CUTOFFS"
	case FREEZE:
		return "FREEZE"
	default:
		return fmt.Sprintf("Type(0x%02x)", uint8(t))
	}
}
