package socks5

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"unicode/utf8"

	"golang.org/x/net/idna"
)

// Addr is a SOCKS5 address: either an IP or a domain name, plus a port.
type Addr struct {
	IP   net.IP // nil for domain addresses
	Name string // set when IP is nil
	Port uint16
}

// NewAddr builds an Addr from a host string. IP literals become ATYP 1 or 4;
// anything else is a domain name, converted to its ASCII form when needed.
// No I/O is performed.
func NewAddr(host string, port uint16) (Addr, error) {
	if host == "" {
		return Addr{}, fmt.Errorf("%w: empty host", ErrInvalidAddress)
	}

	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			ip = ip4
		}
		return Addr{IP: ip, Port: port}, nil
	}

	name := host
	if !isASCII(name) {
		ascii, err := idna.Lookup.ToASCII(name)
		if err != nil {
			return Addr{}, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, host, err)
		}
		name = ascii
	}
	if len(name) > MaxDomainLen {
		return Addr{}, fmt.Errorf("%w: %d bytes", ErrDomainTooLong, len(name))
	}

	return Addr{Name: name, Port: port}, nil
}

// AddrFromUDP converts a *net.UDPAddr to an Addr.
func AddrFromUDP(a *net.UDPAddr) Addr {
	ip := a.IP
	if ip4 := ip.To4(); ip4 != nil {
		ip = ip4
	}
	return Addr{IP: ip, Port: uint16(a.Port)}
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// Type returns the ATYP value for the address.
func (a Addr) Type() byte {
	switch {
	case a.IP == nil:
		return AddrTypeDomain
	case a.IP.To4() != nil:
		return AddrTypeIPv4
	default:
		return AddrTypeIPv6
	}
}

// Host returns the IP or domain name as a string.
func (a Addr) Host() string {
	if a.IP != nil {
		return a.IP.String()
	}
	return a.Name
}

// String returns host:port.
func (a Addr) String() string {
	return net.JoinHostPort(a.Host(), strconv.Itoa(int(a.Port)))
}

// appendTo appends ATYP, ADDR and PORT to b.
func (a Addr) appendTo(b []byte) []byte {
	switch a.Type() {
	case AddrTypeIPv4:
		b = append(b, AddrTypeIPv4)
		b = append(b, a.IP.To4()...)
	case AddrTypeIPv6:
		b = append(b, AddrTypeIPv6)
		b = append(b, a.IP.To16()...)
	default:
		b = append(b, AddrTypeDomain, byte(len(a.Name)))
		b = append(b, a.Name...)
	}
	return binary.BigEndian.AppendUint16(b, a.Port)
}

// encodedLen is the size of ATYP + ADDR + PORT.
func (a Addr) encodedLen() int {
	switch a.Type() {
	case AddrTypeIPv4:
		return 1 + net.IPv4len + 2
	case AddrTypeIPv6:
		return 1 + net.IPv6len + 2
	default:
		return 1 + 1 + len(a.Name) + 2
	}
}

// readAddr reads ATYP, ADDR and PORT from a control connection.
// Truncation and unknown address types are protocol errors.
func readAddr(r io.Reader) (Addr, error) {
	var atyp [1]byte
	if err := readFull(r, atyp[:], "address type"); err != nil {
		return Addr{}, err
	}

	var addr Addr
	switch atyp[0] {
	case AddrTypeIPv4:
		ip := make([]byte, net.IPv4len)
		if err := readFull(r, ip, "IPv4 address"); err != nil {
			return Addr{}, err
		}
		addr.IP = net.IP(ip)

	case AddrTypeIPv6:
		ip := make([]byte, net.IPv6len)
		if err := readFull(r, ip, "IPv6 address"); err != nil {
			return Addr{}, err
		}
		addr.IP = net.IP(ip)

	case AddrTypeDomain:
		var l [1]byte
		if err := readFull(r, l[:], "domain length"); err != nil {
			return Addr{}, err
		}
		if l[0] == 0 {
			return Addr{}, protocolErrorf("zero-length domain in reply")
		}
		name := make([]byte, l[0])
		if err := readFull(r, name, "domain"); err != nil {
			return Addr{}, err
		}
		addr.Name = string(name)

	default:
		return Addr{}, protocolErrorf("unsupported address type 0x%02x", atyp[0])
	}

	var port [2]byte
	if err := readFull(r, port[:], "port"); err != nil {
		return Addr{}, err
	}
	addr.Port = binary.BigEndian.Uint16(port[:])

	return addr, nil
}

// readFull is io.ReadFull with truncation reported as ErrProtocol.
func readFull(r io.Reader, buf []byte, field string) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return protocolErrorf("truncated %s", field)
		}
		return fmt.Errorf("read %s: %w", field, err)
	}
	return nil
}
