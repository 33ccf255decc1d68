package masking

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math/rand"
	"net"
	"time"
)

// STUN magic cookie, fixed by RFC 5389.
var stunMagicCookie = [4]byte{0x21, 0x12, 0xA4, 0x42}

const (
	stunHeaderSize = 20 // type(2) + length(2) + cookie(4) + txid(12)
	stunTxIDSize   = 12

	stunBindingRequest  = 0x0001
	stunBindingSuccess  = 0x0101
	stunDataIndication  = 0x0115
	stunAttrXORMapped   = 0x0020
	stunAttrData        = 0x0013
	stunAttrSoftware    = 0x8022 // SOFTWARE attribute; unused, see below
	stunAttrFingerprint = 0x8028

	stunAttrHeaderSize       = 4
	stunXORMappedAttrValLen  = 8
	stunFingerprintAttrValLn = 4

	// stunFingerprintXOR is XORed into the CRC-32 of the preceding
	// bytes to build the FINGERPRINT attribute, per RFC 5389 §15.5.
	stunFingerprintXOR = 0x5354554E
)

// STUNBufferOverhead is the worst-case number of bytes Wrap adds to a
// payload (header + DATA attribute header), used by callers sizing
// buffers.
const STUNBufferOverhead = stunHeaderSize + stunAttrHeaderSize

// stunProfile implements Profile with RFC-5389-shaped cover traffic:
// Binding Requests/Responses for handshake and keep-alive cover, and a
// vendor Data Indication message (type 0x0115) carrying the actual
// obfuscated WireGuard datagram in a DATA attribute.
type stunProfile struct {
	timerInterval time.Duration
}

// NewSTUNProfile constructs the reference STUN masking profile.
func NewSTUNProfile() Profile {
	return &stunProfile{timerInterval: 10 * time.Second}
}

func (p *stunProfile) Name() string               { return "stun" }
func (p *stunProfile) TimerInterval() time.Duration { return p.timerInterval }

func (p *stunProfile) OnHandshakeReq(dir Direction, src, dst *net.UDPAddr, sendBack, sendFwd SendFunc) {
	buf := make([]byte, 128)
	n := buildBindingRequest(buf)
	if _, err := sendFwd(buf[:n]); err != nil {
		// Best-effort cover traffic; caller logs at its own discretion
		// by inspecting the returned error through the SendFunc's own
		// logging wrapper, so there is nothing to propagate here.
		_ = err
	}
}

func (p *stunProfile) OnTimer(src, dst *net.UDPAddr, sendBack, sendFwd SendFunc) {
	buf := make([]byte, 128)
	n := buildBindingRequest(buf)
	if sendBack != nil {
		_, _ = sendBack(buf[:n])
	}
	if sendFwd != nil {
		_, _ = sendFwd(buf[:n])
	}
}

func (p *stunProfile) Unwrap(buf []byte, n int, dir Direction, src, dst *net.UDPAddr, sendBack, sendFwd SendFunc) (int, error) {
	if n < stunHeaderSize || !bytesEqualCookie(buf[4:8]) {
		return 0, ErrUnknownFormat
	}

	msgType := binary.BigEndian.Uint16(buf[0:2])
	switch msgType {
	case stunBindingRequest:
		var txID [stunTxIDSize]byte
		copy(txID[:], buf[8:8+stunTxIDSize])
		respLen, err := buildBindingSuccess(buf, txID, src)
		if err != nil {
			return 0, fmt.Errorf("masking/stun: build binding success: %w", err)
		}
		if sendBack != nil {
			_, _ = sendBack(buf[:respLen])
		}
		return 0, nil

	case stunBindingSuccess:
		// We only ever send Binding Requests from this side; a
		// response arriving is not actionable, just evidence the peer
		// is alive. Swallow it.
		return 0, nil

	case stunDataIndication:
		dataLen, err := stunUnwrapData(buf, n)
		if err != nil {
			return 0, err
		}
		return dataLen, nil

	default:
		// Recognizable STUN framing but a message type we don't
		// generate or expect; treat as consumed cover traffic rather
		// than forwarding garbage upstream.
		return 0, nil
	}
}

func (p *stunProfile) Wrap(buf []byte, n int, dir Direction, src, dst *net.UDPAddr, sendBack, sendFwd SendFunc) (int, error) {
	total := stunHeaderSize + stunAttrHeaderSize + n
	if total > cap(buf) {
		return 0, fmt.Errorf("masking/stun: wrap would exceed buffer (%d > %d)", total, cap(buf))
	}
	buf = buf[:cap(buf)]
	copy(buf[stunHeaderSize+stunAttrHeaderSize:], buf[:n])

	var txID [stunTxIDSize]byte
	rand.Read(txID[:])
	writeSTUNHeader(buf, stunDataIndication, 0, txID)

	binary.BigEndian.PutUint16(buf[stunHeaderSize:stunHeaderSize+2], stunAttrData)
	binary.BigEndian.PutUint16(buf[stunHeaderSize+2:stunHeaderSize+4], uint16(n))

	return total, nil
}

// stunUnwrapData validates and strips the Data Indication framing,
// memmove-ing the inner obfuscated payload to the start of buf.
func stunUnwrapData(buf []byte, n int) (int, error) {
	if n < stunHeaderSize+stunAttrHeaderSize {
		return 0, errors.New("masking/stun: data indication too short")
	}
	msgLen := int(binary.BigEndian.Uint16(buf[2:4]))
	if msgLen+stunHeaderSize > n {
		return 0, errors.New("masking/stun: data indication length overruns buffer")
	}
	attrType := binary.BigEndian.Uint16(buf[stunHeaderSize : stunHeaderSize+2])
	if attrType != stunAttrData {
		return 0, errors.New("masking/stun: expected DATA attribute")
	}
	dataLen := int(binary.BigEndian.Uint16(buf[stunHeaderSize+2 : stunHeaderSize+4]))
	if dataLen+stunHeaderSize+stunAttrHeaderSize > n {
		return 0, errors.New("masking/stun: DATA attribute length overruns buffer")
	}
	copy(buf, buf[stunHeaderSize+stunAttrHeaderSize:stunHeaderSize+stunAttrHeaderSize+dataLen])
	return dataLen, nil
}

func writeSTUNHeader(buf []byte, msgType uint16, msgLen uint16, txID [stunTxIDSize]byte) {
	binary.BigEndian.PutUint16(buf[0:2], msgType)
	binary.BigEndian.PutUint16(buf[2:4], msgLen)
	copy(buf[4:8], stunMagicCookie[:])
	copy(buf[8:8+stunTxIDSize], txID[:])
}

func buildBindingRequest(buf []byte) int {
	var txID [stunTxIDSize]byte
	rand.Read(txID[:])
	writeSTUNHeader(buf, stunBindingRequest, 0, txID)
	mlen := writeFingerprint(buf, stunHeaderSize)
	binary.BigEndian.PutUint16(buf[2:4], uint16(mlen))
	return stunHeaderSize + mlen
}

func buildBindingSuccess(buf []byte, txID [stunTxIDSize]byte, src *net.UDPAddr) (int, error) {
	if cap(buf) < stunHeaderSize+12+8 {
		return 0, errors.New("masking/stun: buffer too small for binding success")
	}
	writeSTUNHeader(buf, stunBindingSuccess, 0, txID)
	mlen := writeXORMappedAddress(buf, stunHeaderSize, src)
	mlen += writeFingerprint(buf, stunHeaderSize+mlen)
	binary.BigEndian.PutUint16(buf[2:4], uint16(mlen))
	return stunHeaderSize + mlen, nil
}

// writeXORMappedAddress writes an IPv4 XOR-MAPPED-ADDRESS attribute at
// offset off and returns its total length (header + value).
func writeXORMappedAddress(buf []byte, off int, addr *net.UDPAddr) int {
	b := buf[off:]
	binary.BigEndian.PutUint16(b[0:2], stunAttrXORMapped)
	binary.BigEndian.PutUint16(b[2:4], stunXORMappedAttrValLen)
	b[4] = 0
	b[5] = 0x01 // family: IPv4

	port := uint16(addr.Port)
	b[6] = byte(port>>8) ^ stunMagicCookie[0]
	b[7] = byte(port) ^ stunMagicCookie[1]

	ip4 := addr.IP.To4()
	for i := 0; i < 4; i++ {
		b[8+i] = ip4[i] ^ stunMagicCookie[i]
	}
	return stunAttrHeaderSize + stunXORMappedAttrValLen
}

// writeFingerprint appends a FINGERPRINT attribute covering buf[:off]
// exactly as it stands — the header's length field is still whatever
// the caller last wrote (typically 0), matching the upstream
// obfuscator's own fingerprint placement: the field is only updated to
// its final value by the caller after this call returns, so the CRC
// is never computed over the true final length.
func writeFingerprint(buf []byte, off int) int {
	crc := crc32.ChecksumIEEE(buf[:off]) ^ stunFingerprintXOR

	b := buf[off:]
	binary.BigEndian.PutUint16(b[0:2], stunAttrFingerprint)
	binary.BigEndian.PutUint16(b[2:4], stunFingerprintAttrValLn)
	binary.BigEndian.PutUint32(b[4:8], crc)
	return stunAttrHeaderSize + stunFingerprintAttrValLn
}

func bytesEqualCookie(b []byte) bool {
	return b[0] == stunMagicCookie[0] && b[1] == stunMagicCookie[1] &&
		b[2] == stunMagicCookie[2] && b[3] == stunMagicCookie[3]
}

// stunAttrSoftware is defined for parity with the upstream obfuscator,
// which also never calls its own encoder for this attribute (commented
// out there); left unwired here too rather than speculatively added to
// the wire format.
