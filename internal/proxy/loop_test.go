package proxy

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/haruue-net/wg-obfuscator/internal/codec"
	"github.com/haruue-net/wg-obfuscator/internal/conntable"
	"github.com/haruue-net/wg-obfuscator/internal/masking"
	"github.com/haruue-net/wg-obfuscator/internal/xlog"
)

func discardLogger() *xlog.Logger {
	return xlog.New(discardWriter{}, "test", xlog.LevelError)
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func newHandshakeInitiation() []byte {
	buf := make([]byte, 148)
	binary.LittleEndian.PutUint32(buf[0:4], codec.TypeHandshakeInitiation)
	for i := 4; i < len(buf); i++ {
		buf[i] = byte(i)
	}
	return buf
}

func newHandshakeResponse() []byte {
	buf := make([]byte, 92)
	binary.LittleEndian.PutUint32(buf[0:4], codec.TypeHandshakeResponse)
	for i := 4; i < len(buf); i++ {
		buf[i] = byte(i * 3)
	}
	return buf
}

// TestLoopObfuscatesIngressHandshake covers the first-handshake scenario
// end to end: a plaintext handshake initiation arriving on the
// ingress socket must reach the target socket obfuscated, and decode
// back to the exact original bytes.
func TestLoopObfuscatesIngressHandshake(t *testing.T) {
	targetConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen target: %v", err)
	}
	defer targetConn.Close()
	targetAddr := targetConn.LocalAddr().(*net.UDPAddr)

	ingressConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen ingress: %v", err)
	}
	defer ingressConn.Close()
	ingressAddr := ingressConn.LocalAddr().(*net.UDPAddr)

	key := []byte("test-key")
	table := conntable.New(8, &conntable.SocketDialer{})
	defer table.Close()
	registry := masking.NewRegistry(masking.NewSTUNProfile())
	loop := NewLoop(discardLogger(), table, registry, key, 4, 300_000, targetAddr, ingressConn, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	clientConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen client: %v", err)
	}
	defer clientConn.Close()

	initiation := newHandshakeInitiation()
	if _, err := clientConn.WriteToUDP(initiation, ingressAddr); err != nil {
		t.Fatalf("send initiation: %v", err)
	}

	targetConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	recvBuf := make([]byte, 65535)
	n, _, err := targetConn.ReadFromUDP(recvBuf)
	if err != nil {
		t.Fatalf("target did not receive forwarded datagram: %v", err)
	}

	if !codec.IsObfuscated(recvBuf[:n]) {
		t.Fatalf("forwarded datagram should be obfuscated")
	}

	decLen, version, err := codec.Decode(recvBuf, n, key)
	if err != nil {
		t.Fatalf("decode forwarded datagram: %v", err)
	}
	if version != codec.CurrentVersion {
		t.Fatalf("got version %d, want %d", version, codec.CurrentVersion)
	}
	if decLen < len(initiation) {
		t.Fatalf("decoded length %d shorter than original %d", decLen, len(initiation))
	}
	if string(recvBuf[:len(initiation)]) != string(initiation) {
		t.Fatalf("decoded payload does not match the original initiation")
	}

	if table.Len() != 1 {
		t.Fatalf("expected one connection table entry, got %d", table.Len())
	}
}

// TestLoopRoundTripsHandshakeResponse completes the handshake scenario:
// after the initiation above, an obfuscated response arriving from the
// target must be delivered to the client as plaintext, and the entry
// must transition to the handshaked (UP) state.
func TestLoopRoundTripsHandshakeResponse(t *testing.T) {
	targetConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen target: %v", err)
	}
	defer targetConn.Close()
	targetAddr := targetConn.LocalAddr().(*net.UDPAddr)

	ingressConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen ingress: %v", err)
	}
	defer ingressConn.Close()
	ingressAddr := ingressConn.LocalAddr().(*net.UDPAddr)

	key := []byte("test-key")
	table := conntable.New(8, &conntable.SocketDialer{})
	defer table.Close()
	registry := masking.NewRegistry(masking.NewSTUNProfile())
	loop := NewLoop(discardLogger(), table, registry, key, 4, 300_000, targetAddr, ingressConn, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	clientConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen client: %v", err)
	}
	defer clientConn.Close()

	initiation := newHandshakeInitiation()
	if _, err := clientConn.WriteToUDP(initiation, ingressAddr); err != nil {
		t.Fatalf("send initiation: %v", err)
	}

	targetConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	fwdBuf := make([]byte, 65535)
	n, fromEgress, err := targetConn.ReadFromUDP(fwdBuf)
	if err != nil {
		t.Fatalf("target did not receive forwarded initiation: %v", err)
	}

	response := newHandshakeResponse()
	respBuf := make([]byte, BufferSize)
	copy(respBuf, response)
	encLen, err := codec.Encode(respBuf, len(response), key, codec.CurrentVersion, 4)
	if err != nil {
		t.Fatalf("encode response: %v", err)
	}
	if _, err := targetConn.WriteToUDP(respBuf[:encLen], fromEgress); err != nil {
		t.Fatalf("send response: %v", err)
	}
	_ = n

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	recvBuf := make([]byte, 65535)
	rn, _, err := clientConn.ReadFromUDP(recvBuf)
	if err != nil {
		t.Fatalf("client did not receive the handshake response: %v", err)
	}
	if codec.IsObfuscated(recvBuf[:rn]) {
		t.Fatalf("client should receive a plaintext response")
	}
	if string(recvBuf[:len(response)]) != string(response) {
		t.Fatalf("client received a mismatched response payload")
	}

	var entry *conntable.Entry
	table.Each(func(_ conntable.Endpoint, e *conntable.Entry) { entry = e })
	if entry == nil {
		t.Fatal("expected a connection table entry to exist")
	}
	deadline := time.Now().Add(2 * time.Second)
	for !entry.Handshaked && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !entry.Handshaked {
		t.Fatal("entry did not transition to handshaked after the response")
	}
	if !entry.ServerSideObfuscated {
		t.Fatal("server-side leg should be recorded as obfuscated")
	}
}

// TestLoopCompletesReverseHandshake exercises the server-initiated
// handshake: the target sends the Type 1 initiation on the egress leg,
// and the client completes it with a Type 2 response on the ingress
// leg. The completing response must set the client leg's obfuscation
// state directly and negate the server leg from it, overriding
// whatever the initiation itself had already recorded there.
func TestLoopCompletesReverseHandshake(t *testing.T) {
	targetConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen target: %v", err)
	}
	defer targetConn.Close()
	targetAddr := targetConn.LocalAddr().(*net.UDPAddr)

	ingressConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen ingress: %v", err)
	}
	defer ingressConn.Close()
	ingressAddr := ingressConn.LocalAddr().(*net.UDPAddr)

	clientConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen client: %v", err)
	}
	defer clientConn.Close()
	clientAddr := clientConn.LocalAddr().(*net.UDPAddr)

	key := []byte("test-key")
	table := conntable.New(8, &conntable.SocketDialer{})
	defer table.Close()

	clientEP, ok := conntable.NewEndpoint(clientAddr)
	if !ok {
		t.Fatal("client address is not a valid endpoint")
	}
	entry, err := table.CreateStatic(clientEP, targetAddr, 0, conntable.NowMillis())
	if err != nil {
		t.Fatalf("CreateStatic: %v", err)
	}

	registry := masking.NewRegistry(masking.NewSTUNProfile())
	loop := NewLoop(discardLogger(), table, registry, key, 4, 300_000, targetAddr, ingressConn, nil)
	loop.spawnEgressReaderFromBackground(entry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	initiation := newHandshakeInitiation()
	initBuf := make([]byte, BufferSize)
	copy(initBuf, initiation)
	initLen, err := codec.Encode(initBuf, len(initiation), key, codec.CurrentVersion, 4)
	if err != nil {
		t.Fatalf("encode initiation: %v", err)
	}
	if _, err := targetConn.WriteToUDP(initBuf[:initLen], entry.LocalAddr()); err != nil {
		t.Fatalf("send reverse initiation: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for entry.HandshakeDirection != conntable.DirectionServerToClient && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if entry.HandshakeDirection != conntable.DirectionServerToClient {
		t.Fatal("reverse initiation was not recorded")
	}
	if !entry.ServerSideObfuscated {
		t.Fatal("server leg should be recorded as obfuscated right after the initiation")
	}

	response := newHandshakeResponse()
	respBuf := make([]byte, BufferSize)
	copy(respBuf, response)
	respLen, err := codec.Encode(respBuf, len(response), key, codec.CurrentVersion, 4)
	if err != nil {
		t.Fatalf("encode response: %v", err)
	}
	if _, err := clientConn.WriteToUDP(respBuf[:respLen], ingressAddr); err != nil {
		t.Fatalf("send reverse response: %v", err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for !entry.Handshaked && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !entry.Handshaked {
		t.Fatal("entry did not transition to handshaked after the reverse response")
	}
	if !entry.ClientSideObfuscated {
		t.Fatal("client leg should be recorded as obfuscated from the completing response")
	}
	if entry.ServerSideObfuscated {
		t.Fatal("server leg should be negated from the completing response's obfuscation state, not left as the initiation recorded it")
	}
}

// TestHousekeepingPurgesIdleEntry exercises the idle-purge behavior
// directly against the table, independent of socket timing.
func TestHousekeepingPurgesIdleEntry(t *testing.T) {
	table := conntable.New(8, &conntable.SocketDialer{})
	target := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 51820}
	clientEP, _ := conntable.NewEndpoint(&net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 51821})

	entry, err := table.CreateDynamic(clientEP, target, 1_000)
	if err != nil {
		t.Fatalf("CreateDynamic: %v", err)
	}
	entry.Handshaked = true

	removed := table.PurgeExpired(1_000+299_999, 5_000, 300_000)
	if removed != 0 {
		t.Fatalf("entry purged before its idle timeout elapsed")
	}
	removed = table.PurgeExpired(1_000+300_001, 5_000, 300_000)
	if removed != 1 {
		t.Fatalf("expected the idle entry to be purged, removed=%d", removed)
	}
	if table.Len() != 0 {
		t.Fatalf("table should be empty after the purge")
	}
}
