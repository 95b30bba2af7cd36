//go:build linux

package socks5

import "golang.org/x/sys/unix"

// setSocketMark sets SO_MARK so policy routing and packet filters can tell
// the client's own sockets apart from intercepted application traffic.
func setSocketMark(fd uintptr, mark int) error {
	return unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, mark)
}
