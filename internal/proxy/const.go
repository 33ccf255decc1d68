// Package proxy implements the single-threaded event loop and
// supervisor/lifecycle: it reads from
// the ingress socket and every client's egress socket, classifies each
// datagram, drives the per-client handshake state machine, and invokes
// the codec and masking layers to translate between the plaintext and
// obfuscated representations of a WireGuard datagram.
package proxy

import "time"

const (
	// BufferSize is sized to survive the largest UDP datagram plus
	// masking overhead plus dummy padding.
	BufferSize = 65535

	// PollTimeout is a readiness-wait bound that Loop.Run does not use:
	// Run waits on its event channel and on an IterateInterval ticker,
	// so housekeeping is re-checked at least every IterateInterval.
	PollTimeout = 5000 * time.Millisecond

	// HandshakeTimeout is the window between a handshake initiation
	// and its paired response.
	HandshakeTimeout = 5000 * time.Millisecond

	// IterateInterval is how often the housekeeping tick runs.
	IterateInterval = 1000 * time.Millisecond
)

// HandshakeTimeoutMillis is HandshakeTimeout as the millisecond integer
// the event loop's monotonic clock comparisons use.
const HandshakeTimeoutMillis = int64(HandshakeTimeout / time.Millisecond)
