package proxy

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/haruue-net/wg-obfuscator/internal/codec"
	"github.com/haruue-net/wg-obfuscator/internal/conntable"
	"github.com/haruue-net/wg-obfuscator/internal/masking"
	"github.com/haruue-net/wg-obfuscator/internal/xlog"
)

// Loop is the single-threaded event loop: all
// table and entry mutation happens on the goroutine that calls Run;
// every other goroutine (ingress reader, one per-entry egress reader)
// only produces packetEvents.
type Loop struct {
	log    *xlog.Logger
	table  *conntable.Table
	regist *masking.Registry

	key          []byte
	maxDummyData int
	idleTimeoutMs int64

	target  *net.UDPAddr
	ingress *net.UDPConn

	// pinnedProfile, when non-nil, is used for every client instead of
	// auto-detection.
	pinnedProfile masking.Profile

	events chan packetEvent
}

// NewLoop builds a Loop bound to an already-created ingress socket.
func NewLoop(log *xlog.Logger, table *conntable.Table, registry *masking.Registry, key []byte, maxDummyData int, idleTimeoutMs int64, target *net.UDPAddr, ingress *net.UDPConn, pinnedProfile masking.Profile) *Loop {
	return &Loop{
		log:           log,
		table:         table,
		regist:        registry,
		key:           key,
		maxDummyData:  maxDummyData,
		idleTimeoutMs: idleTimeoutMs,
		target:        target,
		ingress:       ingress,
		pinnedProfile: pinnedProfile,
		events:        make(chan packetEvent, 256),
	}
}

// Run blocks, processing events until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	go l.readIngress(ctx)

	ticker := time.NewTicker(IterateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-l.events:
			now := conntable.NowMillis()
			if ev.fromClient {
				l.handleIngress(ev, now)
			} else {
				l.handleEgress(ev, now)
			}
			putBuf(ev.buf)
		case <-ticker.C:
			l.housekeeping(conntable.NowMillis())
		}
	}
}

func (l *Loop) readIngress(ctx context.Context) {
	for {
		buf := getBuf()
		n, addr, err := l.ingress.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				putBuf(buf)
				return
			default:
			}
			l.log.Errorf("recvfrom ingress socket: %v", err)
			putBuf(buf)
			continue
		}
		select {
		case l.events <- packetEvent{fromClient: true, buf: buf, n: n, srcAddr: addr}:
		case <-ctx.Done():
			putBuf(buf)
			return
		}
	}
}

// spawnEgressReader starts the per-entry goroutine that reads from a
// newly created client's egress (connected) socket. It exits when the
// socket is closed by Table.Remove.
func (l *Loop) spawnEgressReader(ctx context.Context, entry *conntable.Entry) {
	readerCtx, cancel := context.WithCancel(ctx)
	entry.SetReader(cancel)
	go func() {
		conn := entry.EgressConn()
		for {
			buf := getBuf()
			n, err := conn.Read(buf)
			if err != nil {
				select {
				case <-readerCtx.Done():
				default:
					l.log.Debugf("recv on egress socket for %s: %v", entry.ClientEndpoint, err)
				}
				putBuf(buf)
				return
			}
			select {
			case l.events <- packetEvent{fromClient: false, buf: buf, n: n, entry: entry}:
			case <-readerCtx.Done():
				putBuf(buf)
				return
			}
		}
	}()
}

func (l *Loop) sendToClient(clientAddr *net.UDPAddr) masking.SendFunc {
	return func(buf []byte) (int, error) {
		return l.ingress.WriteToUDP(buf, clientAddr)
	}
}

func (l *Loop) sendToServer(entry *conntable.Entry) masking.SendFunc {
	return func(buf []byte) (int, error) {
		return entry.EgressConn().Write(buf)
	}
}

// classifyAndUnwrap implements the symmetric unwrap step shared by
// ingress and egress: if the datagram looks obfuscated, try the pinned
// or entry-pinned masking profile first, falling back to
// auto-detection when no profile is known yet. It returns the
// (possibly shrunk) length, whether the datagram should be forwarded
// at all, the profile that accepted it (for pinning on handshake
// completion), and whether this classification pass means the
// datagram should now be treated as obfuscated (pre-decode).
func (l *Loop) classifyAndUnwrap(buf []byte, n int, dir masking.Direction, src, dst *net.UDPAddr, entry *conntable.Entry, sendBack, sendFwd masking.SendFunc) (newLen int, forward bool, detected masking.Profile, obfuscated bool, err error) {
	if n < 4 {
		return n, true, nil, false, nil
	}
	obfuscated = codec.IsObfuscated(buf[:n])
	if !obfuscated {
		return n, true, nil, false, nil
	}

	var profile masking.Profile
	if entry != nil {
		profile = entry.MaskingProfile
	} else {
		profile = l.pinnedProfile
	}

	if profile != nil {
		newLen, uerr := profile.Unwrap(buf, n, dir, src, dst, sendBack, sendFwd)
		if uerr != nil {
			if errors.Is(uerr, masking.ErrUnknownFormat) {
				return n, true, nil, true, nil
			}
			return 0, false, nil, true, uerr
		}
		return newLen, newLen > 0, profile, true, nil
	}

	detected, newLen, derr := l.regist.Detect(buf, n, dir, src, dst, sendBack, sendFwd)
	if derr != nil {
		return 0, false, nil, true, derr
	}
	return newLen, newLen > 0 || detected == nil, detected, true, nil
}

func (l *Loop) handleIngress(ev packetEvent, now int64) {
	if ev.n > BufferSize {
		l.log.Debugf("dropping oversized ingress packet (%d bytes) from %s", ev.n, ev.srcAddr)
		return
	}
	buf := ev.buf
	n := ev.n

	clientEP, ok := conntable.NewEndpoint(ev.srcAddr)
	if !ok {
		l.log.Debugf("dropping non-IPv4 ingress packet from %s", ev.srcAddr)
		return
	}
	entry := l.table.Lookup(clientEP)

	sendBack := l.sendToClient(ev.srcAddr)
	var sendFwd masking.SendFunc
	if entry != nil {
		sendFwd = l.sendToServer(entry)
	}

	newLen, forward, candidate, obfuscated, err := l.classifyAndUnwrap(buf, n, masking.ClientToServer, ev.srcAddr, l.target, entry, sendBack, sendFwd)
	if err != nil {
		l.log.Debugf("masking unwrap failed for %s: %v", ev.srcAddr, err)
		return
	}
	if !forward {
		return
	}
	n = newLen
	if n < 4 {
		l.log.Debugf("dropping short ingress packet (%d bytes) from %s", n, ev.srcAddr)
		return
	}

	var version uint8 = codec.CurrentVersion
	if entry != nil {
		version = entry.Version
	}

	wasObfuscated := obfuscated
	if obfuscated {
		decLen, reportedVersion, derr := codec.Decode(buf, n, l.key)
		if derr != nil {
			l.log.Debugf("decode failed for %s: %v", ev.srcAddr, derr)
			return
		}
		n = decLen
		version = reportedVersion
	}
	if n < 4 {
		l.log.Debugf("dropping short decoded ingress packet from %s", ev.srcAddr)
		return
	}

	packetType := codec.WireGuardPacketType(buf[:n])

	switch packetType {
	case codec.TypeHandshakeInitiation:
		if entry == nil {
			var cerr error
			entry, cerr = l.table.CreateDynamic(clientEP, l.target, now)
			if cerr != nil {
				l.log.Errorf("can't allocate client entry for %s: %v", clientEP, cerr)
				return
			}
			entry.MaskingProfile = candidate
			if l.pinnedProfile != nil {
				entry.MaskingProfile = l.pinnedProfile
			}
			l.spawnEgressReaderFromBackground(entry)
		}
		if !wasObfuscated && entry.MaskingProfile != nil {
			entry.MaskingProfile.OnHandshakeReq(masking.ClientToServer, ev.srcAddr, l.target, sendBack, l.sendToServer(entry))
		}
		entry.HandshakeDirection = conntable.DirectionClientToServer
		entry.LastHandshakeRequestTime = now
		entry.ClientSideObfuscated = wasObfuscated

	case codec.TypeHandshakeResponse:
		if entry == nil || entry.HandshakeDirection != conntable.DirectionServerToClient || now-entry.LastHandshakeRequestTime > HandshakeTimeoutMillis {
			l.log.Debugf("dropping handshake response from %s outside the handshake window", ev.srcAddr)
			return
		}
		l.completeHandshake(entry, clientEP, wasObfuscated, false, candidate, now)

	default:
		if entry == nil || !entry.Handshaked {
			l.log.Debugf("dropping non-handshake packet from unverified client %s", ev.srcAddr)
			return
		}
	}

	if version < entry.Version {
		l.log.Warnf("downgrading %s from obfuscation version %d to %d", clientEP, entry.Version, version)
		entry.Version = version
	}

	if !wasObfuscated {
		encLen, eerr := codec.Encode(buf, n, l.key, entry.Version, l.maxDummyData)
		if eerr != nil {
			l.log.Warnf("encode refused for %s: %v", clientEP, eerr)
			return
		}
		n = encLen
		if entry.MaskingProfile != nil {
			wrapLen, werr := entry.MaskingProfile.Wrap(buf, n, masking.ClientToServer, ev.srcAddr, l.target, sendBack, l.sendToServer(entry))
			if werr != nil {
				l.log.Warnf("masking wrap failed for %s: %v", clientEP, werr)
				return
			}
			n = wrapLen
		}
	}

	if _, werr := entry.EgressConn().Write(buf[:n]); werr != nil {
		l.log.Debugf("send to server for %s: %v", clientEP, werr)
		return
	}
	entry.LastActivityTime = now
}

func (l *Loop) handleEgress(ev packetEvent, now int64) {
	entry := ev.entry
	if ev.n > BufferSize {
		l.log.Debugf("dropping oversized egress packet (%d bytes) for %s", ev.n, entry.ClientEndpoint)
		return
	}
	buf := ev.buf
	n := ev.n

	clientAddr := entry.ClientEndpoint.UDPAddr()
	sendBack := l.sendToServer(entry)
	sendFwd := l.sendToClient(clientAddr)

	newLen, forward, candidate, obfuscated, err := l.classifyAndUnwrap(buf, n, masking.ServerToClient, l.target, clientAddr, entry, sendBack, sendFwd)
	if err != nil {
		l.log.Debugf("masking unwrap failed on egress for %s: %v", entry.ClientEndpoint, err)
		return
	}
	if !forward {
		return
	}
	n = newLen
	if n < 4 {
		return
	}

	version := entry.Version
	wasObfuscated := obfuscated
	if obfuscated {
		decLen, reportedVersion, derr := codec.Decode(buf, n, l.key)
		if derr != nil {
			l.log.Debugf("decode failed on egress for %s: %v", entry.ClientEndpoint, derr)
			return
		}
		n = decLen
		version = reportedVersion
	}
	if n < 4 {
		return
	}

	packetType := codec.WireGuardPacketType(buf[:n])

	switch packetType {
	case codec.TypeHandshakeInitiation:
		// Unusual: the server initiated a handshake. Tolerated per
		// tolerated (NAT-traversal games), flagged as unusual.
		l.log.Warnf("unusual: handshake initiation from server side for %s", entry.ClientEndpoint)
		entry.HandshakeDirection = conntable.DirectionServerToClient
		entry.LastHandshakeRequestTime = now
		entry.ServerSideObfuscated = wasObfuscated
		if !wasObfuscated && entry.MaskingProfile != nil {
			entry.MaskingProfile.OnHandshakeReq(masking.ServerToClient, l.target, clientAddr, sendBack, sendFwd)
		}

	case codec.TypeHandshakeResponse:
		if entry.HandshakeDirection != conntable.DirectionClientToServer || now-entry.LastHandshakeRequestTime > HandshakeTimeoutMillis {
			l.log.Debugf("dropping handshake response from server for %s outside the handshake window", entry.ClientEndpoint)
			return
		}
		l.completeHandshake(entry, entry.ClientEndpoint, wasObfuscated, true, candidate, now)

	default:
		if !entry.Handshaked {
			l.log.Debugf("dropping non-handshake packet from server before handshake for %s", entry.ClientEndpoint)
			return
		}
	}

	if version < entry.Version {
		l.log.Warnf("downgrading %s from obfuscation version %d to %d", entry.ClientEndpoint, entry.Version, version)
		entry.Version = version
	}

	if !wasObfuscated {
		encLen, eerr := codec.Encode(buf, n, l.key, entry.Version, l.maxDummyData)
		if eerr != nil {
			l.log.Warnf("encode refused on egress for %s: %v", entry.ClientEndpoint, eerr)
			return
		}
		n = encLen
		if entry.MaskingProfile != nil {
			wrapLen, werr := entry.MaskingProfile.Wrap(buf, n, masking.ServerToClient, l.target, clientAddr, sendBack, sendFwd)
			if werr != nil {
				l.log.Warnf("masking wrap failed on egress for %s: %v", entry.ClientEndpoint, werr)
				return
			}
			n = wrapLen
		}
	}

	if _, werr := l.ingress.WriteToUDP(buf[:n], clientAddr); werr != nil {
		l.log.Debugf("sendto client %s: %v", clientAddr, werr)
		return
	}
	entry.LastActivityTime = now
}

// completeHandshake marks an entry UP once its paired response has
// been seen. respObfuscated/viaServerLeg record which leg the response
// travelled on.
//
// The two handshake directions are not symmetric here. When the
// response completes a client-initiated handshake (viaServerLeg,
// egress), the client leg's obfuscation was already recorded from the
// initiation, so only the server leg is set from the response. When
// the response completes a server-initiated handshake (!viaServerLeg,
// ingress), the client leg is set from the response itself, and the
// server leg is set to the response's negation: the reverse-handshake
// initiation arrived on the opposite leg, so its own obfuscation state
// is assumed to mirror the completing response rather than re-observed.
func (l *Loop) completeHandshake(entry *conntable.Entry, clientEP conntable.Endpoint, respObfuscated bool, viaServerLeg bool, candidate masking.Profile, now int64) {
	first := !entry.Handshaked
	entry.Handshaked = true
	if viaServerLeg {
		entry.ServerSideObfuscated = respObfuscated
	} else {
		entry.ClientSideObfuscated = respObfuscated
		entry.ServerSideObfuscated = !respObfuscated
	}
	entry.LastHandshakeCompleteTime = now
	if entry.MaskingProfile == nil && candidate != nil {
		entry.MaskingProfile = candidate
		l.log.Infof("pinned masking profile %q for %s", candidate.Name(), clientEP)
	}
	if first {
		l.log.Infof("handshake completed for %s", clientEP)
	}
}

// housekeeping purges expired dynamic
// entries and fire any due masking timers.
func (l *Loop) housekeeping(now int64) {
	removed := l.table.PurgeExpired(now, HandshakeTimeoutMillis, l.idleTimeoutMs)
	if removed > 0 {
		l.log.Debugf("purged %d expired client entries", removed)
	}

	l.table.Each(func(ep conntable.Endpoint, e *conntable.Entry) {
		if e.MaskingProfile == nil {
			return
		}
		interval := e.MaskingProfile.TimerInterval()
		if interval <= 0 {
			return
		}
		intervalMs := interval.Milliseconds()
		if now-e.LastMaskingTimerTime < intervalMs {
			return
		}
		clientAddr := ep.UDPAddr()
		var sendBack, sendFwd masking.SendFunc
		if e.ClientSideObfuscated {
			sendBack = l.sendToClient(clientAddr)
		}
		if e.ServerSideObfuscated {
			sendFwd = l.sendToServer(e)
		}
		e.MaskingProfile.OnTimer(clientAddr, l.target, sendBack, sendFwd)
		e.LastMaskingTimerTime = now
	})
}

func (l *Loop) spawnEgressReaderFromBackground(entry *conntable.Entry) {
	l.spawnEgressReader(context.Background(), entry)
}
