package socks5

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"golang.org/x/net/proxy"
	"golang.org/x/time/rate"

	"github.com/lauramikodo-star/zauraHook-sub000/internal/logging"
	"github.com/lauramikodo-star/zauraHook-sub000/internal/metrics"
)

// defaultDatagramSize fits any UDP payload plus the largest SOCKS5 header.
const defaultDatagramSize = 65535

// ClientConfig holds Connector configuration.
type ClientConfig struct {
	// ProxyAddr is the proxy host:port.
	ProxyAddr string

	// Credentials enable username/password auth when non-nil.
	Credentials *Credentials

	// DialTimeout bounds opening TCP to the proxy (0 = none).
	DialTimeout time.Duration

	// HandshakeTimeout bounds each control handshake (0 = none).
	// The deadline is cleared once the handshake completes.
	HandshakeTimeout time.Duration

	// SocketMark is applied as SO_MARK to client sockets on Linux (0 = off).
	SocketMark int

	// Protect is called for every socket the client creates.
	Protect ProtectFunc

	// Forward dials the proxy. Defaults to a net.Dialer that applies
	// SocketMark and Protect. A custom Forward is responsible for both.
	Forward proxy.ContextDialer

	// MaxDatagramSize is the receive buffer of each relay worker.
	MaxDatagramSize int

	// SendRate paces Send in datagrams per second per worker (0 = unpaced).
	SendRate  rate.Limit
	SendBurst int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// DefaultClientConfig returns sensible defaults for the given proxy.
func DefaultClientConfig(proxyAddr string) ClientConfig {
	return ClientConfig{
		ProxyAddr:        proxyAddr,
		DialTimeout:      10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		MaxDatagramSize:  defaultDatagramSize,
	}
}

// Connector opens proxied TCP streams and UDP relay workers. It is safe for
// concurrent use; every call runs its own independent handshake.
type Connector struct {
	cfg     ClientConfig
	forward proxy.ContextDialer
	listen  net.ListenConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewConnector creates a Connector.
func NewConnector(cfg ClientConfig) (*Connector, error) {
	if cfg.ProxyAddr == "" {
		return nil, ErrNoProxy
	}
	if _, _, err := net.SplitHostPort(cfg.ProxyAddr); err != nil {
		return nil, fmt.Errorf("invalid proxy address %q: %w", cfg.ProxyAddr, err)
	}
	if cfg.MaxDatagramSize <= 0 {
		cfg.MaxDatagramSize = defaultDatagramSize
	}

	control := socketControl(cfg.SocketMark, cfg.Protect)

	forward := cfg.Forward
	if forward == nil {
		forward = &net.Dialer{Control: control}
	}

	logger := logging.OrNop(cfg.Logger).With(
		logging.KeyComponent, "socks5",
		logging.KeyProxy, cfg.ProxyAddr,
	)

	return &Connector{
		cfg:     cfg,
		forward: forward,
		listen:  net.ListenConfig{Control: control},
		logger:  logger,
		metrics: metrics.OrDefault(cfg.Metrics),
	}, nil
}

// ProxyAddr returns the configured proxy address.
func (c *Connector) ProxyAddr() string {
	return c.cfg.ProxyAddr
}

// Connect opens a TCP stream to host:port through the proxy. The returned
// connection carries application bytes only; the handshake is complete.
// Over-long domain names fail before any socket is opened.
func (c *Connector) Connect(ctx context.Context, host string, port uint16) (net.Conn, error) {
	dst, err := NewAddr(host, port)
	if err != nil {
		c.metrics.RecordConnectFailure(failureReason(err))
		return nil, err
	}

	start := time.Now()

	conn, err := c.dialProxy(ctx)
	if err != nil {
		c.metrics.RecordConnectFailure(failureReason(err))
		return nil, err
	}

	bound, err := c.handshake(ctx, conn, CmdConnect, dst)
	if err != nil {
		conn.Close()
		c.metrics.RecordConnectFailure(failureReason(err))
		c.logger.Debug("connect failed",
			logging.KeyTarget, dst.String(),
			logging.KeyError, err)
		return nil, err
	}

	latency := time.Since(start)
	c.metrics.RecordConnect(latency.Seconds())
	c.logger.Debug("connect established",
		logging.KeyTarget, dst.String(),
		"bound", bound.String(),
		logging.KeyDuration, latency)

	return conn, nil
}

// DialContext implements proxy.ContextDialer for TCP networks.
func (c *Connector) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
	default:
		return nil, fmt.Errorf("socks5: unsupported network %q", network)
	}

	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("%w: port %q", ErrInvalidAddress, portStr)
	}

	return c.Connect(ctx, host, uint16(port))
}

// Dial implements proxy.Dialer.
func (c *Connector) Dial(network, address string) (net.Conn, error) {
	return c.DialContext(context.Background(), network, address)
}

// Associate opens a new control connection, performs UDP ASSOCIATE and
// returns a worker bound to the proxy's relay endpoint. On failure every
// socket opened so far is closed.
func (c *Connector) Associate(ctx context.Context) (*RelayWorker, error) {
	control, err := c.dialProxy(ctx)
	if err != nil {
		c.metrics.RecordAssociateFailure(failureReason(err))
		return nil, err
	}

	// The client does not know its sending endpoint yet, so it asks for 0.0.0.0:0.
	bound, err := c.handshake(ctx, control, CmdUDPAssociate, Addr{IP: net.IPv4zero.To4()})
	if err != nil {
		control.Close()
		c.metrics.RecordAssociateFailure(failureReason(err))
		return nil, err
	}

	relayAddr, err := c.relayEndpoint(ctx, control, bound)
	if err != nil {
		control.Close()
		c.metrics.RecordAssociateFailure(failureReason(err))
		return nil, err
	}

	network := "udp4"
	if relayAddr.IP.To4() == nil {
		network = "udp6"
	}
	pc, err := c.listen.ListenPacket(ctx, network, ":0")
	if err != nil {
		control.Close()
		err = fmt.Errorf("%w: open relay transport: %w", ErrTransport, err)
		c.metrics.RecordAssociateFailure(failureReason(err))
		return nil, err
	}

	w := newRelayWorker(control, pc.(*net.UDPConn), relayAddr, c)
	c.metrics.RecordAssociate()
	w.logger.Debug("association established")

	go w.watchControl()

	return w, nil
}

// dialProxy opens TCP to the proxy.
func (c *Connector) dialProxy(ctx context.Context) (net.Conn, error) {
	if c.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.DialTimeout)
		defer cancel()
	}

	conn, err := c.forward.DialContext(ctx, "tcp", c.cfg.ProxyAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial proxy %s: %w", ErrTransport, c.cfg.ProxyAddr, err)
	}
	return conn, nil
}

// handshake runs negotiation plus one request/reply exchange on conn.
// Context cancellation interrupts blocked I/O by expiring the deadline.
// Once cancellation has fired the handshake counts as aborted even if the
// exchange finished, since the expired deadline may land after it.
// The caller closes conn on error.
func (c *Connector) handshake(ctx context.Context, conn net.Conn, cmd byte, dst Addr) (Addr, error) {
	if c.cfg.HandshakeTimeout > 0 {
		conn.SetDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})

	bound, err := c.exchange(conn, cmd, dst)

	if !stop() {
		return Addr{}, fmt.Errorf("%s aborted: %w", commandName(cmd), ctx.Err())
	}
	if err != nil {
		return Addr{}, err
	}

	conn.SetDeadline(time.Time{})
	return bound, nil
}

func (c *Connector) exchange(conn net.Conn, cmd byte, dst Addr) (Addr, error) {
	if err := negotiate(conn, c.cfg.Credentials); err != nil {
		return Addr{}, err
	}
	if err := writeRequest(conn, cmd, dst); err != nil {
		return Addr{}, err
	}
	return readReply(conn, cmd)
}

// relayEndpoint turns the ASSOCIATE reply into a UDP address. A wildcard
// bound address means "same host as the control connection".
func (c *Connector) relayEndpoint(ctx context.Context, control net.Conn, bound Addr) (*net.UDPAddr, error) {
	if bound.Port == 0 {
		return nil, protocolErrorf("UDP ASSOCIATE reply carries port 0")
	}

	if bound.IP != nil {
		if !bound.IP.IsUnspecified() {
			return &net.UDPAddr{IP: bound.IP, Port: int(bound.Port)}, nil
		}
		if tcp, ok := control.RemoteAddr().(*net.TCPAddr); ok {
			return &net.UDPAddr{IP: tcp.IP, Port: int(bound.Port)}, nil
		}
		host, _, _ := net.SplitHostPort(c.cfg.ProxyAddr)
		return c.resolve(ctx, host, bound.Port)
	}

	return c.resolve(ctx, bound.Name, bound.Port)
}

func (c *Connector) resolve(ctx context.Context, host string, port uint16) (*net.UDPAddr, error) {
	if ip := net.ParseIP(host); ip != nil {
		return &net.UDPAddr{IP: ip, Port: int(port)}, nil
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve relay host %s: %w", ErrTransport, host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: relay host %s has no addresses", ErrTransport, host)
	}

	ip := addrs[0].IP
	for _, a := range addrs {
		if a.IP.To4() != nil {
			ip = a.IP
			break
		}
	}
	return &net.UDPAddr{IP: ip, Port: int(port)}, nil
}
