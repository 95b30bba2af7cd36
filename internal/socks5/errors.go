package socks5

import (
	"errors"
	"fmt"
	"net"
)

var (
	// ErrNoProxy is returned when a Connector is built without a proxy address.
	ErrNoProxy = errors.New("socks5: no proxy address configured")

	// ErrNegotiation covers "no acceptable method" and rejected credentials.
	ErrNegotiation = errors.New("socks5: negotiation failed")

	// ErrProtocol is returned for malformed control-plane replies.
	// The handshake is aborted; partial control data is never used.
	ErrProtocol = errors.New("socks5: protocol error")

	// ErrConnectRejected matches a *ReplyError for a CONNECT request.
	ErrConnectRejected = errors.New("socks5: connect rejected")

	// ErrAssociateRejected matches a *ReplyError for a UDP ASSOCIATE request.
	ErrAssociateRejected = errors.New("socks5: associate rejected")

	// ErrTransport wraps failures to create, dial or bind a socket.
	ErrTransport = errors.New("socks5: transport error")

	// ErrDomainTooLong is returned before any I/O for names over 255 bytes.
	ErrDomainTooLong = errors.New("socks5: domain name longer than 255 bytes")

	// ErrInvalidAddress is returned for empty or unencodable destinations.
	ErrInvalidAddress = errors.New("socks5: invalid address")

	// ErrAssociationClosed is returned by a RelayWorker after Close.
	ErrAssociationClosed = errors.New("socks5: association closed")

	// ErrAssociationLost is returned once the proxy dropped the control
	// connection. The worker never re-associates on its own.
	ErrAssociationLost = errors.New("socks5: association lost")
)

// Data-plane parse errors. These never reach callers of Receive; the
// datagram is dropped and counted instead.
var (
	ErrDatagramTooShort   = errors.New("datagram too short")
	ErrFragmentedDatagram = errors.New("fragmented datagrams not supported")
	ErrMalformedDatagram  = errors.New("malformed datagram")
)

// errClosed matches both ErrAssociationClosed and net.ErrClosed.
var errClosed = fmt.Errorf("%w: %w", ErrAssociationClosed, net.ErrClosed)

// ReplyError is a non-zero REP field in a request reply.
type ReplyError struct {
	Command byte
	Code    byte
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("socks5: %s rejected by proxy: %s (0x%02x)",
		commandName(e.Command), ReplyText(e.Code), e.Code)
}

// Unwrap lets errors.Is match ErrConnectRejected or ErrAssociateRejected.
func (e *ReplyError) Unwrap() error {
	switch e.Command {
	case CmdConnect:
		return ErrConnectRejected
	case CmdUDPAssociate:
		return ErrAssociateRejected
	}
	return nil
}

func protocolErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}

// failureReason classifies an error for metrics labels.
func failureReason(err error) string {
	var netErr net.Error
	switch {
	case errors.Is(err, ErrDomainTooLong), errors.Is(err, ErrInvalidAddress):
		return "invalid_address"
	case errors.Is(err, ErrNegotiation):
		return "negotiation"
	case errors.Is(err, ErrConnectRejected), errors.Is(err, ErrAssociateRejected):
		return "rejected"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	case errors.Is(err, ErrTransport):
		return "transport"
	default:
		return "io"
	}
}
