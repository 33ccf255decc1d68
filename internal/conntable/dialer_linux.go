//go:build linux

package conntable

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// applySocketOptions sets IP_MTU_DISCOVER=IP_PMTUDISC_DO (the
// "do not fragment" hint) and, if mark is non-nil, SO_MARK on the
// egress socket. Both are Linux-only sockopts; other platforms skip
// them and report that once as a warn (see dialer_other.go).
func applySocketOptions(conn *net.UDPConn, mark *int) error {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("conntable: get raw conn: %w", err)
	}

	var setErr error
	ctrlErr := rawConn.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_MTU_DISCOVER, unix.IP_PMTUDISC_DO); err != nil {
			setErr = fmt.Errorf("conntable: IP_MTU_DISCOVER: %w", err)
			return
		}
		if mark != nil {
			if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, *mark); err != nil {
				setErr = fmt.Errorf("conntable: SO_MARK: %w", err)
				return
			}
		}
	})
	if ctrlErr != nil {
		return fmt.Errorf("conntable: control raw conn: %w", ctrlErr)
	}
	return setErr
}
