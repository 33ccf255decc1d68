//go:build !linux

package conntable

import (
	"fmt"
	"net"
)

// applySocketOptions is a no-op on non-Linux platforms: both
// IP_MTU_DISCOVER and SO_MARK are Linux sockopts with no portable
// equivalent reachable from net.UDPConn, so they are skipped. Every call
// returns an error naming the skipped option (SO_MARK when a mark was
// requested, IP_MTU_DISCOVER otherwise), and the caller (SocketDialer)
// logs it as a single warn on the first egress socket.
func applySocketOptions(conn *net.UDPConn, mark *int) error {
	if mark != nil {
		return fmt.Errorf("conntable: SO_MARK is not supported on this platform")
	}
	return fmt.Errorf("conntable: IP_MTU_DISCOVER do-not-fragment hint is not supported on this platform")
}
