// Package conntable implements the per-client connection table: a map
// from client endpoint to an entry that owns an egress UDP socket and
// tracks handshake/session state.
package conntable

import (
	"encoding/binary"
	"errors"
	"net"
	"time"

	"github.com/haruue-net/wg-obfuscator/internal/codec"
	"github.com/haruue-net/wg-obfuscator/internal/masking"
)

// ErrTableFull is returned when a new client would exceed the
// configured maximum number of live entries.
var ErrTableFull = errors.New("conntable: maximum client entries reached")

// ErrDuplicateStaticBinding is returned when a static binding's client
// endpoint collides with an existing entry at creation time.
var ErrDuplicateStaticBinding = errors.New("conntable: duplicate static binding")

// HandshakeDirection records which side most recently initiated a
// handshake for an entry.
type HandshakeDirection uint8

const (
	DirectionClientToServer HandshakeDirection = iota
	DirectionServerToClient
)

// Endpoint is an IPv4 address and port, compared by wire-form bytes
// rather than by printed form so it is a valid,
// allocation-free map key.
type Endpoint struct {
	IP   [4]byte
	Port uint16
}

// NewEndpoint converts a *net.UDPAddr into an Endpoint. It returns
// false if addr is not an IPv4 address.
func NewEndpoint(addr *net.UDPAddr) (Endpoint, bool) {
	ip4 := addr.IP.To4()
	if ip4 == nil {
		return Endpoint{}, false
	}
	var e Endpoint
	copy(e.IP[:], ip4)
	e.Port = uint16(addr.Port)
	return e, true
}

// UDPAddr converts back to a *net.UDPAddr.
func (e Endpoint) UDPAddr() *net.UDPAddr {
	ip := make(net.IP, 4)
	copy(ip, e.IP[:])
	return &net.UDPAddr{IP: ip, Port: int(e.Port)}
}

// WireBytes returns the endpoint as its 6 wire-form bytes (4 bytes IP,
// 2 bytes port, big-endian), the input xlog.Tag takes.
func (e Endpoint) WireBytes() [6]byte {
	var b [6]byte
	copy(b[0:4], e.IP[:])
	binary.BigEndian.PutUint16(b[4:6], e.Port)
	return b
}

func (e Endpoint) String() string { return e.UDPAddr().String() }

// Entry is one client's session state.
type Entry struct {
	ClientEndpoint Endpoint // immutable for the entry's lifetime; equals the table key

	conn       *net.UDPConn // egress socket, connected to the target
	localAddr  *net.UDPAddr // OS-assigned or statically bound local egress endpoint
	cancelRead func()       // stops this entry's egress reader goroutine

	LastActivityTime          int64 // ms, monotonic
	LastHandshakeRequestTime  int64
	LastHandshakeCompleteTime int64
	LastMaskingTimerTime      int64

	Version uint8 // obfuscation version; downgrade-only

	MaskingProfile masking.Profile // may be nil

	Handshaked           bool
	HandshakeDirection   HandshakeDirection
	ClientSideObfuscated bool
	ServerSideObfuscated bool
	IsStatic             bool
}

// EgressConn returns the entry's connected egress socket.
func (e *Entry) EgressConn() *net.UDPConn { return e.conn }

// LocalAddr returns the entry's local egress endpoint.
func (e *Entry) LocalAddr() *net.UDPAddr { return e.localAddr }

// State summarizes the handshake state machine for logging/tests
//: NEW -> HALF -> UP.
type State int

const (
	StateNew State = iota
	StateHalf
	StateUp
)

// State reports the entry's current coarse handshake state.
func (e *Entry) State() State {
	if e.Handshaked {
		return StateUp
	}
	if e.LastHandshakeRequestTime != 0 {
		return StateHalf
	}
	return StateNew
}

// Expired reports whether a non-static entry should be purged at time
// now (ms): purge if either the idle timeout or, while not yet
// handshaked, the handshake timeout has elapsed since the last
// activity.
func (e *Entry) Expired(now int64, handshakeTimeoutMs, idleTimeoutMs int64) bool {
	if e.IsStatic {
		return false
	}
	idle := now - e.LastActivityTime
	if e.Handshaked {
		return idle >= idleTimeoutMs
	}
	return idle >= handshakeTimeoutMs || idle >= idleTimeoutMs
}

// Table is the client-endpoint-keyed connection table. It is owned
// exclusively by the single event-loop goroutine: no
// internal locking is used, matching the single-threaded concurrency
// model.
type Table struct {
	entries   map[Endpoint]*Entry
	maxClient int
	dialer    Dialer
}

// Dialer creates and configures egress sockets; it exists so tests can
// substitute a fake that does not connect to a real target, and so platform
// socket-option wiring stays out of the table's core
// logic.
type Dialer interface {
	// DialDynamic opens a fresh UDP socket connected to target, letting
	// the OS assign the local port.
	DialDynamic(target *net.UDPAddr) (*net.UDPConn, error)
	// DialStatic opens a UDP socket bound to localPort and connected to
	// target.
	DialStatic(target *net.UDPAddr, localPort int) (*net.UDPConn, error)
}

// New builds an empty table bounded at maxClient live entries.
func New(maxClient int, dialer Dialer) *Table {
	return &Table{
		entries:   make(map[Endpoint]*Entry),
		maxClient: maxClient,
		dialer:    dialer,
	}
}

// Len returns the number of live entries.
func (t *Table) Len() int { return len(t.entries) }

// Lookup returns the entry for a client endpoint, or nil if none
// exists.
func (t *Table) Lookup(ep Endpoint) *Entry { return t.entries[ep] }

// CreateDynamic allocates a new entry for a previously unseen client
// endpoint on first observed handshake. It fails with ErrTableFull at capacity.
func (t *Table) CreateDynamic(clientEP Endpoint, target *net.UDPAddr, now int64) (*Entry, error) {
	if _, exists := t.entries[clientEP]; exists {
		return nil, errors.New("conntable: entry already exists for this endpoint")
	}
	if len(t.entries) >= t.maxClient {
		return nil, ErrTableFull
	}
	conn, err := t.dialer.DialDynamic(target)
	if err != nil {
		return nil, err
	}
	local := conn.LocalAddr().(*net.UDPAddr)
	e := &Entry{
		ClientEndpoint:   clientEP,
		conn:             conn,
		localAddr:        local,
		Version:          codec.CurrentVersion,
		LastActivityTime: now,
	}
	t.entries[clientEP] = e
	return e, nil
}

// CreateStatic allocates a pre-configured static binding. It refuses to
// collide with an existing entry.
func (t *Table) CreateStatic(clientEP Endpoint, target *net.UDPAddr, localPort int, now int64) (*Entry, error) {
	if _, exists := t.entries[clientEP]; exists {
		return nil, ErrDuplicateStaticBinding
	}
	if len(t.entries) >= t.maxClient {
		return nil, ErrTableFull
	}
	conn, err := t.dialer.DialStatic(target, localPort)
	if err != nil {
		return nil, err
	}
	local := conn.LocalAddr().(*net.UDPAddr)
	e := &Entry{
		ClientEndpoint:   clientEP,
		conn:             conn,
		localAddr:        local,
		Version:          codec.CurrentVersion,
		LastActivityTime: now,
		IsStatic:         true,
	}
	t.entries[clientEP] = e
	return e, nil
}

// Remove deregisters and closes an entry's egress socket. It is a
// no-op if ep is not present.
func (t *Table) Remove(ep Endpoint) {
	e, ok := t.entries[ep]
	if !ok {
		return
	}
	delete(t.entries, ep)
	if e.cancelRead != nil {
		e.cancelRead()
	}
	_ = e.conn.Close()
}

// SetReader records the cancel function for an entry's egress-reading
// goroutine, so Remove can stop it deterministically.
func (e *Entry) SetReader(cancel func()) { e.cancelRead = cancel }

// PurgeExpired removes every non-static entry expired at time now,
// returning how many were removed.
func (t *Table) PurgeExpired(now int64, handshakeTimeoutMs, idleTimeoutMs int64) int {
	var removed int
	for ep, e := range t.entries {
		if e.Expired(now, handshakeTimeoutMs, idleTimeoutMs) {
			t.Remove(ep)
			removed++
		}
	}
	return removed
}

// Each calls fn for every live entry; used by housekeeping's masking
// timer sweep and by shutdown.
func (t *Table) Each(fn func(Endpoint, *Entry)) {
	for ep, e := range t.entries {
		fn(ep, e)
	}
}

// Close removes and closes every entry, used at shutdown.
func (t *Table) Close() {
	for ep := range t.entries {
		t.Remove(ep)
	}
}

// NowMillis returns a monotonic millisecond clock reading, suitable
// for the timestamps this package tracks. It is not wall-clock
// time and must not be persisted or compared across process restarts.
func NowMillis() int64 {
	return clockBaseMillis + int64(time.Since(clockBase)/time.Millisecond)
}

// clockBase anchors NowMillis: time.Since uses its monotonic reading,
// so later values never jump with changes to the system clock.
var (
	clockBase       = time.Now()
	clockBaseMillis = clockBase.UnixNano() / int64(time.Millisecond)
)
