// Package wire encodes and decodes the two fixed-width binary headers that
// bookend every rtipc connection: the 8-byte protocol handshake header
// (spec.md §6, original_source/src/transports/utils/streamhdr.c) and the
// 9-byte message frame header (spec.md §6,
// original_source/src/transports/rtipc/srtipc.h).
package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// HandshakeSize is the fixed size, in bytes, of the protocol handshake
// header exchanged by StreamHdr.
const HandshakeSize = 8

// signature is the literal 4-byte prefix every handshake header begins
// with: 0x00 'S' 'P' 0x00, exactly as composed by nn_streamhdr_start via
// memcpy(self->protohdr, "\0SP\0\0\0\0\0", 8).
var signature = [4]byte{0x00, 'S', 'P', 0x00}

// ErrBadSignature is returned by ParseHandshake when the 4-byte signature
// prefix doesn't match "\0SP\0".
var ErrBadSignature = errors.New("handshake signature mismatch")

// Handshake is the decoded form of the 8-byte handshake header: a
// signature (implicit — always the fixed prefix on encode) and the peer's
// advertised protocol identifier.
type Handshake struct {
	Protocol uint16
}

// MarshalHandshake encodes h into the fixed 8-byte wire form: signature,
// big-endian protocol id, two reserved zero bytes. Reserved bytes are
// always zero on send, per spec.md §6.
func MarshalHandshake(h Handshake) [HandshakeSize]byte {
	var buf [HandshakeSize]byte
	copy(buf[0:4], signature[:])
	binary.BigEndian.PutUint16(buf[4:6], h.Protocol)
	// buf[6:8] already zero.
	return buf
}

// ParseHandshake decodes an 8-byte wire buffer into a Handshake. It
// validates only the signature; the reserved trailing bytes are accepted
// without checking on receive, per spec.md §6 ("accepted without checking
// on receive by reference implementations").
func ParseHandshake(buf [HandshakeSize]byte) (Handshake, error) {
	if buf[0] != signature[0] || buf[1] != signature[1] ||
		buf[2] != signature[2] || buf[3] != signature[3] {
		return Handshake{}, ErrBadSignature
	}
	return Handshake{Protocol: binary.BigEndian.Uint16(buf[4:6])}, nil
}

// FrameHeaderSize is the fixed size, in bytes, of a message frame header:
// one type byte followed by a big-endian uint64 payload length.
const FrameHeaderSize = 9

// Message type bytes, spec.md §6.
const (
	MsgNormal byte = 1 // the only type this sender ever emits
	MsgShmem  byte = 2 // reserved for a future shared-memory fastpath
)

// ErrUnknownMsgType is returned by ParseFrameHeader for a type byte that is
// neither MsgNormal nor MsgShmem.
var ErrUnknownMsgType = errors.New("unknown message frame type")

// FrameHeader is the decoded form of the 9-byte message frame header.
type FrameHeader struct {
	Type   byte
	Length uint64
}

// MarshalFrameHeader encodes h into its fixed 9-byte wire form.
func MarshalFrameHeader(h FrameHeader) [FrameHeaderSize]byte {
	var buf [FrameHeaderSize]byte
	buf[0] = h.Type
	binary.BigEndian.PutUint64(buf[1:9], h.Length)
	return buf
}

// ParseFrameHeader decodes a 9-byte wire buffer into a FrameHeader. It
// rejects any type byte other than MsgNormal or MsgShmem; callers that
// don't support MsgShmem (this module's session.Session does not, per the
// redesigned behavior recorded in DESIGN.md) must additionally reject it
// themselves rather than treat ErrUnknownMsgType as the only failure mode.
func ParseFrameHeader(buf [FrameHeaderSize]byte) (FrameHeader, error) {
	switch buf[0] {
	case MsgNormal, MsgShmem:
	default:
		return FrameHeader{}, ErrUnknownMsgType
	}
	return FrameHeader{
		Type:   buf[0],
		Length: binary.BigEndian.Uint64(buf[1:9]),
	}, nil
}
