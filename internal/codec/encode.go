package codec

import (
	"encoding/binary"
	"math/rand"
)

// Encode transforms the plaintext WireGuard datagram in buf[:n] into an
// obfuscated datagram, returning the new length. buf must have spare
// capacity for dummy padding (callers should size their buffers to
// BUFFER_SIZE, see proxy.BufferSize).
//
// version selects the wire format:
//   - version 0: the datagram is scrambled in place with no other
//     change (legacy, pre-randomization compatibility).
//   - version >= 1 (use CurrentVersion): byte 1 is overwritten with a
//     random value r and byte 0 is XORed with r, a random dummy length
//     is chosen per packet type and written into bytes 2-3, that many
//     0xFF bytes are appended, and the whole thing is scrambled.
//
// maxDummyData bounds the dummy length chosen for cookie-reply and
// transport-data packets (0 disables padding for those types);
// handshake initiation and handshake response packets always use
// MaxDummyHandshake regardless of maxDummyData.
func Encode(buf []byte, n int, key []byte, version uint8, maxDummyData int) (int, error) {
	if n < 4 {
		return 0, ErrTooShort
	}
	if version == 0 {
		out := buf[:n]
		scramble(out, key)
		return n, nil
	}

	packetType := binary.LittleEndian.Uint32(buf[0:4])

	r := byte(1 + rand.Intn(255))
	buf[0] ^= r
	buf[1] = r

	if n < MaxDummyTotal {
		var dummyLength int
		switch packetType {
		case TypeHandshakeInitiation, TypeHandshakeResponse:
			dummyLength = rand.Intn(MaxDummyHandshake)
		case TypeCookieReply, TypeTransportData:
			if maxDummyData > 0 {
				dummyLength = rand.Intn(maxDummyData)
			}
		}
		if n+dummyLength > MaxDummyTotal {
			dummyLength = MaxDummyTotal - n
		}
		binary.LittleEndian.PutUint16(buf[2:4], uint16(dummyLength))
		if dummyLength > 0 {
			end := n + dummyLength
			for i := n; i < end; i++ {
				buf[i] = 0xFF
			}
			n = end
		}
	} else {
		binary.LittleEndian.PutUint16(buf[2:4], 0)
	}

	out := buf[:n]
	scramble(out, key)
	return n, nil
}
