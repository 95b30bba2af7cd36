//go:build !linux

package socks5

// setSocketMark is a no-op where SO_MARK does not exist.
func setSocketMark(fd uintptr, mark int) error {
	return nil
}
