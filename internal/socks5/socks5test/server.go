// Package socks5test provides a scriptable SOCKS5 proxy for tests.
//
// The server speaks just enough RFC 1928/1929 to drive a client: CONNECT
// is forwarded to the real destination (or echoed with EchoConnect) and
// UDP ASSOCIATE echoes every datagram back unchanged, so the destination
// becomes the origin.
package socks5test

import (
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/net/nettest"
)

// Options script the server's behaviour.
type Options struct {
	// Method selected in reply to every greeting (0x00, 0x02 or 0xFF).
	Method byte

	// Username and Password accepted when Method is 0x02.
	Username string
	Password string

	// ReplyCode answers every request; non-zero rejects it.
	ReplyCode byte

	// WildcardBound makes UDP ASSOCIATE reply with 0.0.0.0.
	WildcardBound bool

	// ZeroPort makes UDP ASSOCIATE reply with port 0.
	ZeroPort bool

	// Junk datagrams are sent to the client before every echo.
	Junk [][]byte

	// EchoConnect answers CONNECT itself and echoes the stream instead of
	// dialing the destination, so any host name works.
	EchoConnect bool
}

// Request is a decoded CONNECT or UDP ASSOCIATE request.
type Request struct {
	Command byte
	Host    string
	Port    uint16
}

// String returns host:port.
func (r Request) String() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(int(r.Port)))
}

// Server is a running test proxy. It is closed by the test's cleanup.
type Server struct {
	opts Options
	ln   net.Listener
	pc   *net.UDPConn

	greetings  atomic.Int32
	requests   atomic.Int32
	associates atomic.Int32

	mu       sync.Mutex
	conns    []net.Conn
	controls []net.Conn
	greeting []byte
	last     Request

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewServer starts a proxy on loopback.
func NewServer(t testing.TB, opts Options) *Server {
	t.Helper()

	ln, err := nettest.NewLocalListener("tcp4")
	if err != nil {
		t.Fatalf("socks5test: listen: %v", err)
	}
	pc, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		ln.Close()
		t.Fatalf("socks5test: listen udp: %v", err)
	}

	s := &Server{opts: opts, ln: ln, pc: pc}

	s.wg.Add(2)
	go s.acceptLoop()
	go s.relayLoop()

	t.Cleanup(s.Close)
	return s
}

// Addr returns the proxy's TCP address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// UDPAddr returns the relay endpoint.
func (s *Server) UDPAddr() *net.UDPAddr {
	return s.pc.LocalAddr().(*net.UDPAddr)
}

// Greetings returns how many greetings the proxy has read.
func (s *Server) Greetings() int { return int(s.greetings.Load()) }

// Requests returns how many requests the proxy has read.
func (s *Server) Requests() int { return int(s.requests.Load()) }

// Associates returns how many associations the proxy has granted.
func (s *Server) Associates() int { return int(s.associates.Load()) }

// Greeting returns the raw bytes of the most recent greeting.
func (s *Server) Greeting() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.greeting...)
}

// LastRequest returns the most recent request.
func (s *Server) LastRequest() Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// DropControls closes every open UDP ASSOCIATE control connection, which
// ends those associations from the proxy's side.
func (s *Server) DropControls() {
	s.mu.Lock()
	controls := s.controls
	s.controls = nil
	s.mu.Unlock()

	for _, c := range controls {
		c.Close()
	}
}

// Close stops the proxy and waits for its goroutines.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.ln.Close()
		s.pc.Close()

		s.mu.Lock()
		conns := s.conns
		s.conns = nil
		s.mu.Unlock()
		for _, c := range conns {
			c.Close()
		}

		s.wg.Wait()
	})
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			s.serve(conn)
		}()
	}
}

func (s *Server) serve(conn net.Conn) {
	var hdr [2]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return
	}
	offered := make([]byte, hdr[1])
	if _, err := io.ReadFull(conn, offered); err != nil {
		return
	}
	s.greetings.Add(1)
	s.mu.Lock()
	s.greeting = append([]byte{hdr[0], hdr[1]}, offered...)
	s.mu.Unlock()

	conn.Write([]byte{0x05, s.opts.Method})
	switch s.opts.Method {
	case 0xFF:
		return
	case 0x02:
		if !s.checkCredentials(conn) {
			return
		}
	}

	var req [3]byte
	if _, err := io.ReadFull(conn, req[:]); err != nil {
		return
	}
	host, port, err := readAddr(conn)
	if err != nil {
		return
	}
	s.requests.Add(1)
	s.mu.Lock()
	s.last = Request{Command: req[1], Host: host, Port: port}
	s.mu.Unlock()

	if s.opts.ReplyCode != 0 {
		conn.Write([]byte{0x05, s.opts.ReplyCode, 0x00})
		return
	}

	switch req[1] {
	case 0x01:
		s.connect(conn, net.JoinHostPort(host, strconv.Itoa(int(port))))
	case 0x03:
		s.associate(conn)
	default:
		conn.Write([]byte{0x05, 0x07, 0x00})
	}
}

func (s *Server) connect(conn net.Conn, target string) {
	if s.opts.EchoConnect {
		conn.Write([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
		io.Copy(conn, conn)
		return
	}

	upstream, err := net.DialTimeout("tcp", target, 2*time.Second)
	if err != nil {
		conn.Write([]byte{0x05, 0x05, 0x00})
		return
	}
	defer upstream.Close()

	conn.Write([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})

	go func() {
		io.Copy(upstream, conn)
		upstream.Close()
	}()
	io.Copy(conn, upstream)
}

func (s *Server) associate(conn net.Conn) {
	s.associates.Add(1)

	bound := s.UDPAddr()
	ip := bound.IP.To4()
	if s.opts.WildcardBound {
		ip = net.IPv4zero.To4()
	}
	port := uint16(bound.Port)
	if s.opts.ZeroPort {
		port = 0
	}

	reply := []byte{0x05, 0x00, 0x00, 0x01}
	reply = append(reply, ip...)
	reply = binary.BigEndian.AppendUint16(reply, port)
	conn.Write(reply)

	s.mu.Lock()
	s.controls = append(s.controls, conn)
	s.mu.Unlock()

	// The association lives as long as the control connection.
	io.Copy(io.Discard, conn)
}

func (s *Server) checkCredentials(conn net.Conn) bool {
	var ver [2]byte
	if _, err := io.ReadFull(conn, ver[:]); err != nil {
		return false
	}
	user := make([]byte, ver[1])
	if _, err := io.ReadFull(conn, user); err != nil {
		return false
	}
	var plen [1]byte
	if _, err := io.ReadFull(conn, plen[:]); err != nil {
		return false
	}
	pass := make([]byte, plen[0])
	if _, err := io.ReadFull(conn, pass); err != nil {
		return false
	}

	if string(user) != s.opts.Username || string(pass) != s.opts.Password {
		conn.Write([]byte{0x01, 0x01})
		return false
	}
	conn.Write([]byte{0x01, 0x00})
	return true
}

func (s *Server) relayLoop() {
	defer s.wg.Done()
	buf := make([]byte, 65535)
	for {
		n, from, err := s.pc.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if n < 10 || buf[2] != 0 {
			continue
		}
		for _, j := range s.opts.Junk {
			s.pc.WriteToUDP(j, from)
		}
		s.pc.WriteToUDP(buf[:n], from)
	}
}

func readAddr(r io.Reader) (string, uint16, error) {
	var atyp [1]byte
	if _, err := io.ReadFull(r, atyp[:]); err != nil {
		return "", 0, err
	}

	var host string
	switch atyp[0] {
	case 0x01, 0x04:
		ip := make(net.IP, net.IPv4len)
		if atyp[0] == 0x04 {
			ip = make(net.IP, net.IPv6len)
		}
		if _, err := io.ReadFull(r, ip); err != nil {
			return "", 0, err
		}
		host = ip.String()
	case 0x03:
		var l [1]byte
		if _, err := io.ReadFull(r, l[:]); err != nil {
			return "", 0, err
		}
		name := make([]byte, l[0])
		if _, err := io.ReadFull(r, name); err != nil {
			return "", 0, err
		}
		host = string(name)
	default:
		return "", 0, io.ErrUnexpectedEOF
	}

	var port [2]byte
	if _, err := io.ReadFull(r, port[:]); err != nil {
		return "", 0, err
	}
	return host, binary.BigEndian.Uint16(port[:]), nil
}
