package socks5

import (
	"encoding/binary"
	"fmt"
	"net"
	"slices"
)

// UDPHeader is the SOCKS5 UDP request header (RFC 1928 section 7).
type UDPHeader struct {
	Frag byte
	Addr Addr // destination on send, origin on receive
}

// AppendUDPHeader appends an unfragmented header for dst to b.
//
//	+----+------+------+----------+----------+----------+
//	|RSV | FRAG | ATYP | DST.ADDR | DST.PORT |   DATA   |
//	+----+------+------+----------+----------+----------+
//	| 2  |  1   |  1   | Variable |    2     | Variable |
//	+----+------+------+----------+----------+----------+
func AppendUDPHeader(b []byte, dst Addr) []byte {
	b = append(b, 0x00, 0x00, 0x00)
	return dst.appendTo(b)
}

// EncapsulateDatagram returns header+payload as a single datagram.
func EncapsulateDatagram(dst Addr, payload []byte) []byte {
	packet := make([]byte, 0, 3+dst.encodedLen()+len(payload))
	packet = AppendUDPHeader(packet, dst)
	return append(packet, payload...)
}

// ParseUDPHeader parses a relayed datagram and returns the header and the
// payload, which aliases data. The header does not alias data.
func ParseUDPHeader(data []byte) (*UDPHeader, []byte, error) {
	if len(data) < MinUDPHeaderLen {
		return nil, nil, ErrDatagramTooShort
	}

	frag := data[2]
	if frag != 0 {
		return nil, nil, ErrFragmentedDatagram
	}

	header := &UDPHeader{Frag: frag}
	atyp := data[3]
	offset := 4

	switch atyp {
	case AddrTypeIPv4:
		// The minimum length check already covers IPv4 + port.
		header.Addr.IP = net.IP(slices.Clone(data[offset : offset+net.IPv4len]))
		offset += net.IPv4len

	case AddrTypeIPv6:
		if len(data) < offset+net.IPv6len+2 {
			return nil, nil, fmt.Errorf("%w: short IPv6 address", ErrMalformedDatagram)
		}
		header.Addr.IP = net.IP(slices.Clone(data[offset : offset+net.IPv6len]))
		offset += net.IPv6len

	case AddrTypeDomain:
		domainLen := int(data[offset])
		offset++
		if domainLen == 0 || len(data) < offset+domainLen+2 {
			return nil, nil, fmt.Errorf("%w: bad domain length %d", ErrMalformedDatagram, domainLen)
		}
		header.Addr.Name = string(data[offset : offset+domainLen])
		offset += domainLen

	default:
		return nil, nil, fmt.Errorf("%w: unsupported address type %d", ErrMalformedDatagram, atyp)
	}

	header.Addr.Port = binary.BigEndian.Uint16(data[offset:])
	offset += 2

	return header, data[offset:], nil
}
