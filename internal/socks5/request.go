package socks5

import (
	"fmt"
	"io"
)

// writeRequest sends a CONNECT or UDP ASSOCIATE request.
//
//	+----+-----+-------+------+----------+----------+
//	|VER | CMD |  RSV  | ATYP | DST.ADDR | DST.PORT |
//	+----+-----+-------+------+----------+----------+
//	| 1  |  1  | X'00' |  1   | Variable |    2     |
//	+----+-----+-------+------+----------+----------+
func writeRequest(w io.Writer, cmd byte, dst Addr) error {
	buf := make([]byte, 0, 3+dst.encodedLen())
	buf = append(buf, SOCKS5Version, cmd, 0x00)
	buf = dst.appendTo(buf)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write %s request: %w", commandName(cmd), err)
	}
	return nil
}

// readReply reads the reply to a request and returns the bound address.
// A non-zero REP is returned as *ReplyError without reading the rest,
// since proxies commonly close right after a failure reply.
//
//	+----+-----+-------+------+----------+----------+
//	|VER | REP |  RSV  | ATYP | BND.ADDR | BND.PORT |
//	+----+-----+-------+------+----------+----------+
//	| 1  |  1  | X'00' |  1   | Variable |    2     |
//	+----+-----+-------+------+----------+----------+
func readReply(r io.Reader, cmd byte) (Addr, error) {
	var hdr [3]byte
	if err := readFull(r, hdr[:], "reply header"); err != nil {
		return Addr{}, err
	}
	if hdr[0] != SOCKS5Version {
		return Addr{}, protocolErrorf("unexpected version %d in %s reply", hdr[0], commandName(cmd))
	}
	if hdr[1] != ReplySucceeded {
		return Addr{}, &ReplyError{Command: cmd, Code: hdr[1]}
	}

	return readAddr(r)
}
