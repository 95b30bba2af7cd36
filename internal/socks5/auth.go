package socks5

import (
	"fmt"
	"io"
)

// Credentials are the RFC 1929 username and password offered to the proxy.
type Credentials struct {
	Username string
	Password string
}

// methods returns the authentication methods to offer in the greeting.
// No-auth is always offered; username/password only with credentials.
func methods(creds *Credentials) []byte {
	if creds != nil && creds.Username != "" {
		return []byte{AuthMethodNoAuth, AuthMethodUserPass}
	}
	return []byte{AuthMethodNoAuth}
}

// negotiate sends the greeting, reads the method selection and runs the
// username/password subnegotiation if the proxy picked it.
//
// Greeting:
//
//	+----+----------+----------+
//	|VER | NMETHODS | METHODS  |
//	+----+----------+----------+
//	| 1  |    1     | 1 to 255 |
//	+----+----------+----------+
//
// Method selection:
//
//	+----+--------+
//	|VER | METHOD |
//	+----+--------+
//	| 1  |   1    |
//	+----+--------+
func negotiate(rw io.ReadWriter, creds *Credentials) error {
	offered := methods(creds)

	greeting := make([]byte, 0, 2+len(offered))
	greeting = append(greeting, SOCKS5Version, byte(len(offered)))
	greeting = append(greeting, offered...)
	if _, err := rw.Write(greeting); err != nil {
		return fmt.Errorf("write greeting: %w", err)
	}

	var reply [2]byte
	if err := readFull(rw, reply[:], "method selection"); err != nil {
		return err
	}
	if reply[0] != SOCKS5Version {
		return protocolErrorf("unexpected version %d in method selection", reply[0])
	}

	switch reply[1] {
	case AuthMethodNoAuth:
		return nil
	case AuthMethodUserPass:
		if len(offered) < 2 {
			return protocolErrorf("proxy selected username/password, which was not offered")
		}
		return authenticate(rw, creds)
	case AuthMethodNoAcceptable:
		return fmt.Errorf("%w: no acceptable authentication method", ErrNegotiation)
	default:
		return protocolErrorf("proxy selected unoffered method 0x%02x", reply[1])
	}
}

// authenticate performs username/password authentication (RFC 1929).
//
//	+----+------+----------+------+----------+
//	|VER | ULEN |  UNAME   | PLEN |  PASSWD  |
//	+----+------+----------+------+----------+
//	| 1  |  1   | 1 to 255 |  1   | 1 to 255 |
//	+----+------+----------+------+----------+
//
// Response:
//
//	+----+--------+
//	|VER | STATUS |
//	+----+--------+
//	| 1  |   1    |
//	+----+--------+
func authenticate(rw io.ReadWriter, creds *Credentials) error {
	if len(creds.Username) > 255 || len(creds.Password) > 255 {
		return fmt.Errorf("%w: credentials longer than 255 bytes", ErrNegotiation)
	}

	req := make([]byte, 0, 3+len(creds.Username)+len(creds.Password))
	req = append(req, userPassVersion, byte(len(creds.Username)))
	req = append(req, creds.Username...)
	req = append(req, byte(len(creds.Password)))
	req = append(req, creds.Password...)
	if _, err := rw.Write(req); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}

	var resp [2]byte
	if err := readFull(rw, resp[:], "auth status"); err != nil {
		return err
	}
	if resp[0] != userPassVersion {
		return protocolErrorf("unexpected auth version %d", resp[0])
	}
	if resp[1] != AuthStatusSuccess {
		return fmt.Errorf("%w: credentials rejected (status %d)", ErrNegotiation, resp[1])
	}

	return nil
}
