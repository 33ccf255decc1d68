package proxy

import (
	"context"
	"fmt"
	"net"

	"github.com/haruue-net/wg-obfuscator/internal/codec"
	"github.com/haruue-net/wg-obfuscator/internal/config"
	"github.com/haruue-net/wg-obfuscator/internal/conntable"
	"github.com/haruue-net/wg-obfuscator/internal/masking"
	"github.com/haruue-net/wg-obfuscator/internal/xlog"
)

// Supervisor owns one running instance's lifecycle: it
// resolves the target, opens the ingress socket, pre-populates static
// bindings, and runs the Loop until its context is cancelled.
type Supervisor struct {
	cfg config.Config
	log *xlog.Logger

	ingress *net.UDPConn
	table   *conntable.Table
	loop    *Loop
}

// NewSupervisor builds a Supervisor from a validated Config. cfg.Validate
// must have already returned nil; NewSupervisor itself only performs the
// startup steps that can fail at runtime (DNS resolution, socket bind).
func NewSupervisor(cfg config.Config, log *xlog.Logger) (*Supervisor, error) {
	target, err := resolveTarget(cfg.TargetHost, cfg.TargetPort)
	if err != nil {
		return nil, fmt.Errorf("proxy: resolve target: %w", err)
	}

	ingressAddr := &net.UDPAddr{IP: net.ParseIP(cfg.ListenAddr), Port: int(cfg.ListenPort)}
	ingress, err := net.ListenUDP("udp4", ingressAddr)
	if err != nil {
		return nil, fmt.Errorf("proxy: bind ingress socket %s: %w", ingressAddr, err)
	}

	dialer := &conntable.SocketDialer{
		FirewallMark: cfg.FirewallMark,
		BindAddr:     net.ParseIP(cfg.TargetBindAddr),
		BindPort:     cfg.TargetBindPort,
		WarnOnce: func(msg string) {
			log.Warnf("socket option unavailable: %s", msg)
		},
	}
	table := conntable.New(cfg.MaxClient, dialer)

	registry := masking.NewRegistry(masking.NewSTUNProfile())
	var pinned masking.Profile
	if cfg.MaskingProfile != "" {
		pinned = registry.ByName(cfg.MaskingProfile)
		if pinned == nil {
			ingress.Close()
			return nil, fmt.Errorf("proxy: unknown masking profile %q", cfg.MaskingProfile)
		}
	}

	loop := NewLoop(log, table, registry, cfg.Key, cfg.MaxDummyData, cfg.IdleTimeoutMillis(), target, ingress, pinned)

	s := &Supervisor{
		cfg:     cfg,
		log:     log,
		ingress: ingress,
		table:   table,
		loop:    loop,
	}

	if err := s.populateStaticBindings(target); err != nil {
		ingress.Close()
		return nil, err
	}
	return s, nil
}

func resolveTarget(host string, port uint16) (*net.UDPAddr, error) {
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, err
	}
	for _, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil {
			return &net.UDPAddr{IP: ip4, Port: int(port)}, nil
		}
	}
	return nil, fmt.Errorf("proxy: %s has no IPv4 address", host)
}

// populateStaticBindings creates a connection-table entry for every
// configured static binding up front.
func (s *Supervisor) populateStaticBindings(target *net.UDPAddr) error {
	now := conntable.NowMillis()
	for _, b := range s.cfg.StaticBindings {
		clientEP, ok := conntable.NewEndpoint(&net.UDPAddr{IP: b.ClientIP, Port: int(b.ClientPort)})
		if !ok {
			return fmt.Errorf("proxy: static binding %s:%d is not a valid IPv4 endpoint", b.ClientIP, b.ClientPort)
		}
		entry, err := s.table.CreateStatic(clientEP, target, int(b.LocalPort), now)
		if err != nil {
			return fmt.Errorf("proxy: static binding %s:%d: %w", b.ClientIP, b.ClientPort, err)
		}
		entry.Version = codec.CurrentVersion
		entry.MaskingProfile = s.loop.pinnedProfile
		s.loop.spawnEgressReaderFromBackground(entry)
		s.log.Infof("static binding ready: %s -> local %s -> %s", clientEP, entry.LocalAddr(), target)
	}
	return nil
}

// Run blocks until ctx is cancelled, then closes the ingress socket and
// every client's egress socket.
func (s *Supervisor) Run(ctx context.Context) error {
	s.log.Infof("listening on %s, forwarding to %s", s.ingress.LocalAddr(), s.cfg.TargetHost)
	err := s.loop.Run(ctx)
	s.log.Infof("shutting down")
	s.table.Close()
	_ = s.ingress.Close()
	return err
}
