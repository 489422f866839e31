// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package homapkt

import "errors"

var (
	// errSmallBuffer is returned when Marshal receives a buffer
	// too small to contain the header to marshal.
	errSmallBuffer = errors.New("buffer too small")
	// errLargePacket is returned when Marshal receives a payload
	// larger than a single segment may carry.
	errLargePacket = errors.New("packet too large")
)

// Header is a Homa packet header capable of marshaling itself into a byte
// buffer.
type Header interface {
	// Len returns the length of the marshaled header.
	Len() int
	// Marshal serializes the header into buf, which must be at
	// least Len() bytes long. Bytes after the first Len() are
	// payload bytes. Marshal implementations must not allocate
	// memory.
	Marshal(buf []byte) error
}

// Generate generates a new packet with the given Header and payload.
// This function allocates memory, see Header.Marshal for an
// allocation-free option.
func Generate(h Header, payload []byte) []byte {
	hlen := h.Len()
	buf := make([]byte, hlen+len(payload))

	copy(buf[hlen:], payload)
	h.Marshal(buf)

	return buf
}

// CommonHeader is the prefix shared by every Homa packet.
type CommonHeader struct {
	Sport uint16
	Dport uint16
	ID    uint64
	Type  Type
}

func (CommonHeader) Len() int { return CommonHeaderLength }

func (h CommonHeader) Marshal(buf []byte) error {
	if len(buf) < CommonHeaderLength {
		return errSmallBuffer
	}
	h.marshal(buf)
	return nil
}

func (h CommonHeader) marshal(buf []byte) {
	put16(buf[0:2], h.Sport)
	put16(buf[2:4], h.Dport)
	put64(buf[4:12], h.ID)
	buf[12] = byte(h.Type)
	buf[13], buf[14], buf[15] = 0, 0, 0
}

// DataHeader is the header of a DATA packet. The segment payload follows
// it directly.
type DataHeader struct {
	CommonHeader
	MessageLength uint32 // total length of the message
	Offset        uint32 // offset within the message of the first payload byte
	Unscheduled   uint32 // bytes the sender transmits without grants
	Retransmit    bool   // set when the segment is sent in response to RESEND
}

func (DataHeader) Len() int { return DataHeaderLength }

func (h DataHeader) Marshal(buf []byte) error {
	if len(buf) < DataHeaderLength {
		return errSmallBuffer
	}
	if len(buf)-DataHeaderLength > MaxSegmentPayload {
		return errLargePacket
	}
	// The caller does not need to set this.
	h.Type = DATA
	h.CommonHeader.marshal(buf)
	put32(buf[16:20], h.MessageLength)
	put32(buf[20:24], h.Offset)
	put32(buf[24:28], h.Unscheduled)
	buf[28] = 0
	if h.Retransmit {
		buf[28] = 1
	}
	buf[29], buf[30], buf[31] = 0, 0, 0
	return nil
}

// GrantHeader is the header of a GRANT packet.
type GrantHeader struct {
	CommonHeader
	Offset   uint32 // bytes of the message the sender may now transmit
	Priority uint8
}

func (GrantHeader) Len() int { return GrantHeaderLength }

func (h GrantHeader) Marshal(buf []byte) error {
	if len(buf) < GrantHeaderLength {
		return errSmallBuffer
	}
	h.Type = GRANT
	h.CommonHeader.marshal(buf)
	put32(buf[16:20], h.Offset)
	buf[20] = h.Priority
	buf[21], buf[22], buf[23] = 0, 0, 0
	return nil
}

// ResendHeader is the header of a RESEND packet.
type ResendHeader struct {
	CommonHeader
	Offset   uint32
	Length   uint32
	Priority uint8
}

func (ResendHeader) Len() int { return ResendHeaderLength }

func (h ResendHeader) Marshal(buf []byte) error {
	if len(buf) < ResendHeaderLength {
		return errSmallBuffer
	}
	h.Type = RESEND
	h.CommonHeader.marshal(buf)
	put32(buf[16:20], h.Offset)
	put32(buf[20:24], h.Length)
	buf[24] = h.Priority
	buf[25], buf[26], buf[27] = 0, 0, 0
	return nil
}

// CutoffsHeader is the header of a CUTOFFS packet.
type CutoffsHeader struct {
	CommonHeader
	UnschedCutoffs [NumPriorities]uint32
	CutoffVersion  uint16
}

func (CutoffsHeader) Len() int { return CutoffsHeaderLength }

func (h CutoffsHeader) Marshal(buf []byte) error {
	if len(buf) < CutoffsHeaderLength {
		return errSmallBuffer
	}
	h.Type = CUTOFFS
	h.CommonHeader.marshal(buf)
	for i, c := range h.UnschedCutoffs {
		put32(buf[16+4*i:20+4*i], c)
	}
	put16(buf[48:50], h.CutoffVersion)
	buf[50], buf[51] = 0, 0
	return nil
}
