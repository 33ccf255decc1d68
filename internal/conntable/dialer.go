package conntable

import "net"

// SocketDialer is the production Dialer: it opens real UDP sockets and
// applies the platform socket options (do-not-fragment,
// optional firewall mark) via the platform-specific applySocketOptions
// hook in dialer_linux.go / dialer_other.go.
type SocketDialer struct {
	// FirewallMark, if non-nil, is applied via SO_MARK on Linux.
	FirewallMark *int
	// BindAddr, if non-nil, pins every egress socket's local address to
	// this IP instead of letting the OS choose one.
	BindAddr net.IP
	// BindPort, if non-zero, pins a dynamic egress socket's local port
	// instead of letting the OS choose one. DialStatic ignores it: its
	// caller-supplied localPort already fixes the port per binding.
	BindPort uint16
	// WarnOnce is called at most once if a requested platform option
	// could not be applied because the host OS doesn't support it
	//.
	WarnOnce func(msg string)

	warned bool
}

func (d *SocketDialer) warn(msg string) {
	if d.warned || d.WarnOnce == nil {
		return
	}
	d.warned = true
	d.WarnOnce(msg)
}

// DialDynamic implements Dialer.
func (d *SocketDialer) DialDynamic(target *net.UDPAddr) (*net.UDPConn, error) {
	var laddr *net.UDPAddr
	if d.BindAddr != nil || d.BindPort != 0 {
		laddr = &net.UDPAddr{IP: d.BindAddr, Port: int(d.BindPort)}
	}
	conn, err := net.DialUDP("udp4", laddr, target)
	if err != nil {
		return nil, err
	}
	d.applyOptions(conn)
	return conn, nil
}

// DialStatic implements Dialer.
func (d *SocketDialer) DialStatic(target *net.UDPAddr, localPort int) (*net.UDPConn, error) {
	laddr := &net.UDPAddr{IP: d.BindAddr, Port: localPort}
	conn, err := net.DialUDP("udp4", laddr, target)
	if err != nil {
		return nil, err
	}
	d.applyOptions(conn)
	return conn, nil
}

func (d *SocketDialer) applyOptions(conn *net.UDPConn) {
	if err := applySocketOptions(conn, d.FirewallMark); err != nil {
		d.warn(err.Error())
	}
}
