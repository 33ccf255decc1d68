// Package masking implements the pluggable outer-framing layer that
// disguises obfuscated WireGuard datagrams as another protocol. A
// Profile wraps/unwraps datagrams and may emit cover traffic on a
// handshake or on a timer.
package masking

import (
	"errors"
	"net"
	"time"
)

// Direction identifies which side of the proxy originated a packet.
type Direction uint8

const (
	ClientToServer Direction = iota
	ServerToClient
)

func (d Direction) String() string {
	if d == ServerToClient {
		return "server->client"
	}
	return "client->server"
}

// ErrUnknownFormat is returned by Profile.Unwrap when the buffer does
// not look like this profile's framing at all (the "negative" return
// format at all. Callers must try the next candidate profile
// during auto-detection, or otherwise treat the buffer as a bare
// obfuscated datagram with no masking.
var ErrUnknownFormat = errors.New("masking: not this profile's format")

// SendFunc delivers a raw datagram to one side of the proxy. Profiles
// use it to emit cover traffic without needing to know about sockets.
type SendFunc func(buf []byte) (int, error)

// Profile is a named masking scheme. All methods must be safe to call
// from the single event-loop goroutine only; a Profile keeps no
// per-client state of its own (client-specific data, like a pinned
// profile choice, lives on the connection table entry instead).
type Profile interface {
	// Name is the short lowercase identifier used in configuration and
	// logs (e.g. "stun").
	Name() string

	// OnHandshakeReq is called when a plaintext WireGuard handshake
	// initiation is about to be forwarded, so the profile can emit a
	// plausible cover burst on the forward side. Best-effort: errors
	// are logged by the caller, never propagated.
	OnHandshakeReq(dir Direction, src, dst *net.UDPAddr, sendBack, sendFwd SendFunc)

	// Unwrap strips masking framing from buf[:n] in place. It returns
	// the new length on success (0 means the datagram was a cover
	// message fully consumed — nothing left to forward), or
	// ErrUnknownFormat if buf does not look like this profile's wire
	// format at all.
	Unwrap(buf []byte, n int, dir Direction, src, dst *net.UDPAddr, sendBack, sendFwd SendFunc) (int, error)

	// Wrap adds masking framing to buf[:n] in place, growing the
	// buffer as needed up to cap(buf). It returns the new length, or
	// an error if the envelope would not fit.
	Wrap(buf []byte, n int, dir Direction, src, dst *net.UDPAddr, sendBack, sendFwd SendFunc) (int, error)

	// OnTimer is invoked every TimerInterval to emit keep-alive cover
	// traffic on whichever directions are currently obfuscated.
	OnTimer(src, dst *net.UDPAddr, sendBack, sendFwd SendFunc)

	// TimerInterval is how often OnTimer fires for a given client
	// entry once this profile is pinned to it. Zero disables the timer.
	TimerInterval() time.Duration
}

// Registry is a small closed set of named masking profiles.
type Registry struct {
	profiles []Profile
	byName   map[string]Profile
}

// NewRegistry builds a registry from the given profiles. Each profile
// is registered under its Name() exactly as returned (no case folding);
// names must be unique.
func NewRegistry(profiles ...Profile) *Registry {
	r := &Registry{
		profiles: profiles,
		byName:   make(map[string]Profile, len(profiles)),
	}
	for _, p := range profiles {
		r.byName[p.Name()] = p
	}
	return r
}

// ByName looks up a profile by its configured name. It returns nil if
// no such profile is registered.
func (r *Registry) ByName(name string) Profile {
	return r.byName[name]
}

// Detect tries every registered profile's Unwrap against buf[:n] and
// returns the first one that accepts it (Unwrap returns no error), along
// with the new length. An Unwrap error other than ErrUnknownFormat stops
// detection and is returned as (nil, 0, err). If none accept it, it
// returns (nil, n, nil): the datagram is treated as bare obfuscation
// with no masking.
func (r *Registry) Detect(buf []byte, n int, dir Direction, src, dst *net.UDPAddr, sendBack, sendFwd SendFunc) (Profile, int, error) {
	for _, p := range r.profiles {
		newLen, err := p.Unwrap(buf, n, dir, src, dst, sendBack, sendFwd)
		if err == nil {
			return p, newLen, nil
		}
		if !errors.Is(err, ErrUnknownFormat) {
			return nil, 0, err
		}
	}
	return nil, n, nil
}
