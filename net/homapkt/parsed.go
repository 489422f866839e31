// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package homapkt

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrTooShort means the packet is shorter than the header its type
	// requires.
	ErrTooShort = errors.New("packet too short")
	// ErrUnknownType means the type byte is not a known Homa packet type.
	ErrUnknownType = errors.New("unknown packet type")
	// ErrBadField means a header field is inconsistent with the packet
	// length or with another field.
	ErrBadField = errors.New("inconsistent header field")
)

// MalformedError describes why a packet failed validation.
// It wraps one of ErrTooShort, ErrUnknownType or ErrBadField.
type MalformedError struct {
	Type   Type   // type byte, if the packet was long enough to carry one
	Len    int    // byte length of the packet
	Detail string // optional, names the offending field
	Err    error
}

func (e *MalformedError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("malformed %v packet (len %d): %v: %s", e.Type, e.Len, e.Err, e.Detail)
	}
	return fmt.Sprintf("malformed %v packet (len %d): %v", e.Type, e.Len, e.Err)
}

func (e *MalformedError) Unwrap() error { return e.Err }

// Parsed is a validated decoding of a Homa packet header.
//
// Only the fields relevant to the packet's Type are set.
type Parsed struct {
	// b is the byte buffer that this decodes.
	b []byte
	// dataofs is the offset of the payload.
	dataofs int

	Sport uint16
	Dport uint16
	ID    uint64
	Type  Type

	// DATA
	MessageLength uint32
	Offset        uint32 // DATA, GRANT, RESEND
	Unscheduled   uint32
	Retransmit    bool

	// RESEND
	Length uint32

	// GRANT, RESEND
	Priority uint8

	// CUTOFFS
	UnschedCutoffs [NumPriorities]uint32
	CutoffVersion  uint16
}

// Decode validates b and returns its decoding.
func Decode(b []byte) (Parsed, error) {
	var p Parsed
	err := p.Decode(b)
	return p, err
}

// Decode validates b and extracts its header into p. On failure it returns a
// *MalformedError and p must not be used.
//
// Decode does not allocate unless it fails. p retains b.
func (p *Parsed) Decode(b []byte) error {
	*p = Parsed{b: b}
	if len(b) < CommonHeaderLength {
		return &MalformedError{Len: len(b), Err: ErrTooShort}
	}
	p.Sport = get16(b[0:2])
	p.Dport = get16(b[2:4])
	p.ID = get64(b[4:12])
	p.Type = Type(b[12])
	if !p.Type.Valid() {
		return p.malformed(ErrUnknownType, "")
	}
	if len(b) < p.Type.MinHeaderLength() {
		return p.malformed(ErrTooShort, "")
	}
	p.dataofs = p.Type.MinHeaderLength()

	switch p.Type {
	case DATA:
		return p.decodeData()
	case GRANT:
		p.Offset = get32(b[16:20])
		p.Priority = b[20]
	case RESEND:
		p.Offset = get32(b[16:20])
		p.Length = get32(b[20:24])
		p.Priority = b[24]
		if uint64(p.Offset)+uint64(p.Length) > math.MaxUint32 {
			return p.malformed(ErrBadField, "resend range overflows")
		}
	case CUTOFFS:
		for i := range p.UnschedCutoffs {
			p.UnschedCutoffs[i] = get32(b[16+4*i : 20+4*i])
		}
		p.CutoffVersion = get16(b[48:50])
	}
	return nil
}

func (p *Parsed) decodeData() error {
	b := p.b
	p.MessageLength = get32(b[16:20])
	p.Offset = get32(b[20:24])
	p.Unscheduled = get32(b[24:28])
	p.Retransmit = b[28] != 0

	n := len(b) - DataHeaderLength
	switch {
	case p.MessageLength == 0 || p.MessageLength > MaxMessageLength:
		return p.malformed(ErrBadField, "message_length out of range")
	case p.Offset >= p.MessageLength:
		return p.malformed(ErrBadField, "offset beyond message_length")
	case n == 0:
		return p.malformed(ErrBadField, "empty segment")
	case n > MaxSegmentPayload:
		return p.malformed(ErrBadField, "segment larger than MaxSegmentPayload")
	case uint64(p.Offset)+uint64(n) > uint64(p.MessageLength):
		return p.malformed(ErrBadField, "segment extends past message_length")
	case p.Unscheduled > p.MessageLength:
		return p.malformed(ErrBadField, "unscheduled exceeds message_length")
	}
	return nil
}

func (p *Parsed) malformed(err error, detail string) error {
	return &MalformedError{Type: p.Type, Len: len(p.b), Detail: detail, Err: err}
}

func (p *Parsed) String() string {
	switch p.Type {
	case DATA:
		return fmt.Sprintf("DATA{%d > %d id=%d off=%d len=%d msglen=%d}",
			p.Sport, p.Dport, p.ID, p.Offset, p.PayloadLen(), p.MessageLength)
	case GRANT:
		return fmt.Sprintf("GRANT{%d > %d id=%d off=%d prio=%d}",
			p.Sport, p.Dport, p.ID, p.Offset, p.Priority)
	case RESEND:
		return fmt.Sprintf("RESEND{%d > %d id=%d off=%d len=%d prio=%d}",
			p.Sport, p.Dport, p.ID, p.Offset, p.Length, p.Priority)
	}
	return fmt.Sprintf("%v{%d > %d id=%d}", p.Type, p.Sport, p.Dport, p.ID)
}

// Payload returns the bytes following the type-specific header.
// This is a read-only view; that is, p retains the ownership of the buffer.
func (p *Parsed) Payload() []byte {
	return p.b[p.dataofs:]
}

// PayloadLen returns the number of payload bytes.
func (p *Parsed) PayloadLen() int {
	return len(p.b) - p.dataofs
}

// End returns the message offset just past this DATA packet's payload.
func (p *Parsed) End() uint32 {
	return p.Offset + uint32(p.PayloadLen())
}
