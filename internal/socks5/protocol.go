// Package socks5 implements an outbound SOCKS5 client (RFC 1928, RFC 1929)
// that relays TCP streams with CONNECT and UDP datagrams with UDP ASSOCIATE.
package socks5

import "fmt"

// SOCKS5 protocol constants per RFC 1928.
const (
	SOCKS5Version = 0x05

	// userPassVersion is the RFC 1929 subnegotiation version.
	userPassVersion = 0x01
)

// Authentication methods.
const (
	AuthMethodNoAuth       = 0x00
	AuthMethodGSSAPI       = 0x01
	AuthMethodUserPass     = 0x02
	AuthMethodNoAcceptable = 0xFF
)

// Auth status for username/password auth (RFC 1929).
const (
	AuthStatusSuccess = 0x00
	AuthStatusFailure = 0x01
)

// Command types.
const (
	CmdConnect      = 0x01
	CmdBind         = 0x02
	CmdUDPAssociate = 0x03
)

// Address types.
const (
	AddrTypeIPv4   = 0x01
	AddrTypeDomain = 0x03
	AddrTypeIPv6   = 0x04
)

// Reply codes.
const (
	ReplySucceeded          = 0x00
	ReplyServerFailure      = 0x01
	ReplyNotAllowed         = 0x02
	ReplyNetworkUnreachable = 0x03
	ReplyHostUnreachable    = 0x04
	ReplyConnectionRefused  = 0x05
	ReplyTTLExpired         = 0x06
	ReplyCmdNotSupported    = 0x07
	ReplyAddrNotSupported   = 0x08
)

// MinUDPHeaderLen is the smallest datagram accepted from a relay:
// RSV(2) + FRAG(1) + ATYP(1) + IPv4(4) + PORT(2).
const MinUDPHeaderLen = 10

// MaxDomainLen is the longest domain name an ATYP 3 field can carry.
const MaxDomainLen = 255

// ReplyText returns the RFC 1928 description of a reply code.
func ReplyText(code byte) string {
	switch code {
	case ReplySucceeded:
		return "succeeded"
	case ReplyServerFailure:
		return "general SOCKS server failure"
	case ReplyNotAllowed:
		return "connection not allowed by ruleset"
	case ReplyNetworkUnreachable:
		return "network unreachable"
	case ReplyHostUnreachable:
		return "host unreachable"
	case ReplyConnectionRefused:
		return "connection refused"
	case ReplyTTLExpired:
		return "TTL expired"
	case ReplyCmdNotSupported:
		return "command not supported"
	case ReplyAddrNotSupported:
		return "address type not supported"
	default:
		return fmt.Sprintf("unassigned reply 0x%02x", code)
	}
}

func commandName(cmd byte) string {
	switch cmd {
	case CmdConnect:
		return "CONNECT"
	case CmdBind:
		return "BIND"
	case CmdUDPAssociate:
		return "UDP ASSOCIATE"
	default:
		return fmt.Sprintf("command 0x%02x", cmd)
	}
}
