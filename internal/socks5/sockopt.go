package socks5

import (
	"fmt"
	"syscall"
)

// ProtectFunc is called with the file descriptor of every socket the client
// creates, before it connects or binds. On Android this is where
// VpnService.protect is invoked so the socket bypasses the VPN and is never
// offered back to the interception layer.
type ProtectFunc func(fd uintptr) error

// socketControl returns a net.Dialer / net.ListenConfig Control function that
// marks and protects client-owned sockets. It returns nil when there is
// nothing to do.
func socketControl(mark int, protect ProtectFunc) func(network, address string, c syscall.RawConn) error {
	if mark == 0 && protect == nil {
		return nil
	}

	return func(network, address string, c syscall.RawConn) error {
		var opErr error
		err := c.Control(func(fd uintptr) {
			if mark != 0 {
				if err := setSocketMark(fd, mark); err != nil {
					opErr = fmt.Errorf("set SO_MARK %d: %w", mark, err)
					return
				}
			}
			if protect != nil {
				if err := protect(fd); err != nil {
					opErr = fmt.Errorf("protect socket: %w", err)
				}
			}
		})
		if err != nil {
			return err
		}
		return opErr
	}
}
