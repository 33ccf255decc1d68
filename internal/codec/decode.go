package codec

import "encoding/binary"

// Decode reverses Encode. It scrambles buf[:n] with the keyed CRC-8
// stream; if the result already looks like a plaintext WireGuard packet
// (IsObfuscated is false), the sender used version 0 and the scrambled
// bytes are returned unchanged with version 0 reported. Otherwise the
// version-1 framing (random byte, dummy length) is stripped and the
// decoded length is returned.
//
// A decoded length outside [4, n] is reported as ErrDecodeOutOfRange;
// callers must drop the packet without mutating any state.
func Decode(buf []byte, n int, key []byte) (length int, version uint8, err error) {
	if n < 4 {
		return 0, 0, ErrTooShort
	}
	out := buf[:n]
	scramble(out, key)

	if !IsObfuscated(out) {
		return n, 0, nil
	}

	buf[0] ^= buf[1]
	buf[1] = 0
	dummyLength := int(binary.LittleEndian.Uint16(buf[2:4]))
	binary.LittleEndian.PutUint16(buf[2:4], 0)

	length = n - dummyLength
	if length < 4 || length > n {
		return 0, 1, ErrDecodeOutOfRange
	}
	return length, 1, nil
}
