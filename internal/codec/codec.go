// Package codec implements the wire transform that turns a plaintext
// WireGuard datagram into an obfuscated one and back.
//
// The transform has no state and performs no I/O: callers own the
// buffer and the key. See the keyed scramble in scramble.go for the
// byte-level cipher and encode.go/decode.go for the per-version framing
// rules.
package codec

import (
	"encoding/binary"
	"errors"

	"golang.zx2c4.com/wireguard/device"
)

// Current obfuscation wire version. Encoders always write this version;
// decoders accept this version and the legacy version 0 (no
// randomization, no padding — see Decode).
const CurrentVersion = 1

const (
	// MaxDummyHandshake bounds the random padding added to handshake
	// initiation and handshake response packets.
	MaxDummyHandshake = 512
	// MaxDummyTotal bounds the total length of an encoded datagram
	// after dummy padding is applied.
	MaxDummyTotal = 1024
)

// WireGuard message types, reused from the upstream wireguard-go device
// package so the four type constants stay byte-identical to the real
// protocol by construction rather than by magic numbers.
const (
	TypeHandshakeInitiation = device.MessageInitiationType
	TypeHandshakeResponse   = device.MessageResponseType
	TypeCookieReply         = device.MessageCookieReplyType
	TypeTransportData       = device.MessageTransportType
)

var (
	// ErrTooShort is returned when a buffer is shorter than the 4-byte
	// WireGuard type header.
	ErrTooShort = errors.New("codec: packet shorter than 4 bytes")
	// ErrDecodeOutOfRange is returned when a decoded length falls
	// outside [4, received_length].
	ErrDecodeOutOfRange = errors.New("codec: decoded length out of range")
)

// IsObfuscated reports whether buf looks like an obfuscated datagram,
// i.e. its first little-endian 32-bit word is NOT a valid WireGuard
// packet type in {1,2,3,4}. This is the only classifier in the system
// and is used both before decode and, by the decoder itself, to detect
// legacy version-0 peers.
func IsObfuscated(buf []byte) bool {
	if len(buf) < 4 {
		// Too short to carry a type word at all; treat as obfuscated
		// so callers fall through to the normal drop path instead of
		// misreading a partial header as a handshake type.
		return true
	}
	t := binary.LittleEndian.Uint32(buf[0:4])
	return !(t >= 1 && t <= 4)
}

// WireGuardPacketType returns the little-endian 32-bit type word of a
// plaintext WireGuard datagram. Callers must check IsObfuscated (or a
// prior successful Decode) first; this function does not validate.
func WireGuardPacketType(buf []byte) uint32 {
	return binary.LittleEndian.Uint32(buf[0:4])
}
