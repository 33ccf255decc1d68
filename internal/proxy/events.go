package proxy

import (
	"net"
	"sync"

	"github.com/haruue-net/wg-obfuscator/internal/conntable"
)

// packetEvent is one readiness event handed from a socket-reading
// goroutine to the single loop goroutine that owns all mutable state
//. Reader goroutines only produce raw bytes; they
// never touch the connection table.
type packetEvent struct {
	fromClient bool // true: ingress (client->server); false: egress (server->client)

	buf []byte // BufferSize-capacity buffer drawn from bufPool
	n   int

	srcAddr *net.UDPAddr // ingress only: the client's observed source address

	entry *conntable.Entry // egress only: which entry this reader belongs to
}

// bufPool recycles BufferSize buffers across iterations, avoiding a
// per-datagram heap allocation on the hot path.
var bufPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, BufferSize)
		return &b
	},
}

func getBuf() []byte {
	return *(bufPool.Get().(*[]byte))
}

func putBuf(b []byte) {
	b = b[:cap(b)]
	bufPool.Put(&b)
}
