package codec

// scramble applies the keyed CRC-8 stream cipher to buf in place. It is
// its own inverse for a fixed total length: calling it twice with the
// same key and the same len(buf) restores the original bytes.
//
// For each output byte i, a one-byte seed is built from
// key[i%len(key)] + len(buf) + len(key) (8-bit wrapping addition), then
// run through 8 iterations of a reflected CRC-8 (polynomial 0x8C,
// right-shifting), one bit of the seed per iteration. The resulting
// state byte is XORed into buf[i].
//
// This is not a cryptographic cipher; it is a fixed, public bit-mixing
// function chosen for wire compatibility with the upstream obfuscator,
// not for confidentiality (see the non-goals in the system overview).
func scramble(buf []byte, key []byte) {
	length := byte(len(buf))
	keyLen := byte(len(key))
	var crc byte
	for i := range buf {
		inbyte := key[i%len(key)] + length + keyLen
		for j := 0; j < 8; j++ {
			mix := (crc ^ inbyte) & 0x01
			crc >>= 1
			if mix != 0 {
				crc ^= 0x8C
			}
			inbyte >>= 1
		}
		buf[i] ^= crc
	}
}
