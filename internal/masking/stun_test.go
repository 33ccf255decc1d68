package masking

import (
	"net"
	"testing"
)

func TestSTUNWrapUnwrapIdempotence(t *testing.T) {
	p := NewSTUNProfile()
	payload := []byte("obfuscated-wireguard-datagram-payload")

	buf := make([]byte, 65535)
	n := copy(buf, payload)

	wrapped, err := p.Wrap(buf, n, ClientToServer, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	if wrapped < stunHeaderSize {
		t.Fatalf("wrapped length %d too small", wrapped)
	}
	if !bytesEqualCookie(buf[4:8]) {
		t.Fatalf("wrapped bytes missing STUN magic cookie at offset 4")
	}

	unwrapped, err := p.Unwrap(buf, wrapped, ClientToServer, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("Unwrap: %v", err)
	}
	if unwrapped != len(payload) {
		t.Fatalf("unwrapped length = %d, want %d", unwrapped, len(payload))
	}
	if string(buf[:unwrapped]) != string(payload) {
		t.Fatalf("unwrapped payload mismatch: got %q want %q", buf[:unwrapped], payload)
	}
}

func TestSTUNUnwrapRejectsNonSTUN(t *testing.T) {
	p := NewSTUNProfile()
	buf := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	if _, err := p.Unwrap(buf, len(buf), ClientToServer, nil, nil, nil, nil); err != ErrUnknownFormat {
		t.Fatalf("err = %v, want ErrUnknownFormat", err)
	}
}

// A Binding Request from
// 192.0.2.1:40000 with a known transaction id gets a Binding Success
// Response echoing that id and reporting the peer's address, and
// nothing is forwarded upstream.
func TestSTUNBindingRequestYieldsBindingSuccess(t *testing.T) {
	p := NewSTUNProfile()

	req := make([]byte, 128)
	reqLen := buildBindingRequest(req)
	var txID [stunTxIDSize]byte
	copy(txID[:], req[8:8+stunTxIDSize])
	for i := range txID {
		txID[i] = byte(i + 1)
	}
	copy(req[8:8+stunTxIDSize], txID[:])

	src := &net.UDPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 40000}

	var sentBack []byte
	sendBack := func(b []byte) (int, error) {
		sentBack = append([]byte(nil), b...)
		return len(b), nil
	}
	var forwarded bool
	sendFwd := func(b []byte) (int, error) {
		forwarded = true
		return len(b), nil
	}

	n, err := p.Unwrap(req, reqLen, ClientToServer, src, nil, sendBack, sendFwd)
	if err != nil {
		t.Fatalf("Unwrap: %v", err)
	}
	if n != 0 {
		t.Fatalf("Unwrap returned %d, want 0 (fully consumed)", n)
	}
	if forwarded {
		t.Fatalf("nothing should be forwarded upstream for a Binding Request")
	}
	if len(sentBack) < stunHeaderSize {
		t.Fatalf("no Binding Success Response was sent back")
	}
	if !bytesEqualCookie(sentBack[4:8]) {
		t.Fatalf("response missing magic cookie")
	}
	for i := 0; i < stunTxIDSize; i++ {
		if sentBack[8+i] != txID[i] {
			t.Fatalf("response transaction id mismatch at byte %d", i)
		}
	}
}
