// Package intercept is the entry point used by socket interception hooks.
//
// A Layer is built once from the loaded configuration. When no proxy is
// configured it is inert: TCP dials go out directly and datagram calls
// report that they did not handle the operation, so hooks fall through
// to the original socket call. Inert calls never fail because the proxy
// is missing.
package intercept

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/net/proxy"
	"golang.org/x/time/rate"

	"github.com/lauramikodo-star/zauraHook-sub000/internal/config"
	"github.com/lauramikodo-star/zauraHook-sub000/internal/health"
	"github.com/lauramikodo-star/zauraHook-sub000/internal/logging"
	"github.com/lauramikodo-star/zauraHook-sub000/internal/metrics"
	"github.com/lauramikodo-star/zauraHook-sub000/internal/relay"
	"github.com/lauramikodo-star/zauraHook-sub000/internal/socks5"
)

// Options carry process-level collaborators that are not part of the
// configuration file.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Protect is applied to every socket the client owns, so hooks can
	// recognise and skip them.
	Protect socks5.ProtectFunc

	// Direct dials pass-through TCP when the layer is inert.
	Direct proxy.ContextDialer
}

// Layer routes intercepted TCP and UDP operations through the proxy.
type Layer struct {
	proxyAddr  string
	connector  *socks5.Connector // nil when inert
	registry   *relay.Registry   // nil when inert
	maxWorkers int
	direct     proxy.ContextDialer
	logger     *slog.Logger
	running    atomic.Bool
}

// New builds a Layer from cfg. A config with an empty proxy host yields an
// inert Layer, not an error.
func New(cfg *config.Config, opts Options) (*Layer, error) {
	logger := logging.OrNop(opts.Logger).With(logging.KeyComponent, "intercept")

	direct := opts.Direct
	if direct == nil {
		direct = proxy.Direct
	}

	l := &Layer{
		direct: direct,
		logger: logger,
	}
	l.running.Store(true)

	if !cfg.Proxy.Enabled() {
		logger.Info("proxy disabled, passing traffic through")
		return l, nil
	}

	bufSize, err := cfg.Relay.DatagramBufferSize()
	if err != nil {
		return nil, fmt.Errorf("relay.max_datagram_size: %w", err)
	}

	clientCfg := socks5.DefaultClientConfig(cfg.Proxy.Address())
	clientCfg.DialTimeout = cfg.Proxy.DialTimeout
	clientCfg.HandshakeTimeout = cfg.Proxy.HandshakeTimeout
	clientCfg.SocketMark = cfg.Proxy.SocketMark
	clientCfg.Protect = opts.Protect
	clientCfg.MaxDatagramSize = bufSize
	clientCfg.SendRate = rate.Limit(cfg.Relay.SendRate)
	clientCfg.SendBurst = cfg.Relay.SendBurst
	clientCfg.Logger = opts.Logger
	clientCfg.Metrics = opts.Metrics
	if cfg.Proxy.HasCredentials() {
		clientCfg.Credentials = &socks5.Credentials{
			Username: cfg.Proxy.Username,
			Password: cfg.Proxy.Password,
		}
	}

	connector, err := socks5.NewConnector(clientCfg)
	if err != nil {
		return nil, err
	}

	l.proxyAddr = clientCfg.ProxyAddr
	l.connector = connector
	l.maxWorkers = cfg.Relay.MaxWorkers
	l.registry = relay.NewRegistry(relay.Config{
		MaxWorkers:  cfg.Relay.MaxWorkers,
		IdleTimeout: cfg.Relay.IdleTimeout,
	}, connector, opts.Logger)

	logger.Info("proxy enabled",
		logging.KeyProxy, l.proxyAddr,
		"auth", clientCfg.Credentials != nil)

	return l, nil
}

// Enabled reports whether traffic is routed through the proxy.
func (l *Layer) Enabled() bool {
	return l.connector != nil
}

// Connector returns the underlying connector, or nil when inert.
func (l *Layer) Connector() *socks5.Connector {
	return l.connector
}

// DialTCP opens an outbound TCP connection for an intercepted connect.
// When inert it dials address directly.
func (l *Layer) DialTCP(ctx context.Context, network, address string) (net.Conn, error) {
	if l.connector == nil {
		return l.direct.DialContext(ctx, network, address)
	}
	return l.connector.DialContext(ctx, network, address)
}

// SendDatagram relays payload for the local endpoint localID to host:port.
// handled is false when the layer is inert and the caller should send the
// datagram itself.
func (l *Layer) SendDatagram(ctx context.Context, localID string, payload []byte, host string, port uint16) (handled bool, err error) {
	if l.registry == nil {
		return false, nil
	}

	w, err := l.registry.GetOrCreate(ctx, localID)
	if err != nil {
		return true, err
	}
	return true, w.Send(payload, host, port)
}

// ReceiveDatagram waits for the next datagram for localID and copies its
// payload into buf. The wait ends early when ctx is done. handled is false
// when the layer is inert.
func (l *Layer) ReceiveDatagram(ctx context.Context, localID string, buf []byte) (n int, origin socks5.Addr, handled bool, err error) {
	if l.registry == nil {
		return 0, socks5.Addr{}, false, nil
	}

	w, err := l.registry.GetOrCreate(ctx, localID)
	if err != nil {
		return 0, socks5.Addr{}, true, err
	}

	deadline, hasDeadline := ctx.Deadline()
	w.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		w.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	n, origin, err = w.Receive(buf)
	if err == nil || errors.Is(err, socks5.ErrAssociationClosed) || errors.Is(err, socks5.ErrAssociationLost) {
		return n, origin, true, err
	}

	// The socket deadline can fire just before the context's own timer.
	if cerr := ctx.Err(); cerr != nil {
		err = cerr
	} else if hasDeadline && !time.Now().Before(deadline) {
		err = context.DeadlineExceeded
	}
	return n, origin, true, err
}

// CloseEndpoint releases the relay worker of a closed local endpoint.
func (l *Layer) CloseEndpoint(localID string) {
	if l.registry == nil {
		return
	}
	l.registry.Remove(localID)
}

// IsRunning implements health.StatsProvider.
func (l *Layer) IsRunning() bool {
	return l.running.Load()
}

// Stats implements health.StatsProvider.
func (l *Layer) Stats() health.Stats {
	s := health.Stats{
		ProxyEnabled: l.Enabled(),
		ProxyAddr:    l.proxyAddr,
		MaxWorkers:   l.maxWorkers,
	}
	if l.registry != nil {
		rs := l.registry.Stats()
		s.Workers = rs.Workers
		s.LostWorkers = rs.Lost
	}
	return s
}

// WorkerStatuses implements health.WorkerLister.
func (l *Layer) WorkerStatuses() []health.WorkerStatus {
	if l.registry == nil {
		return nil
	}

	workers := l.registry.Workers()
	out := make([]health.WorkerStatus, 0, len(workers))
	for _, w := range workers {
		out = append(out, health.WorkerStatus{
			LocalID:      w.LocalID,
			LocalAddr:    w.LocalAddr,
			RelayAddr:    w.RelayAddr,
			State:        w.State.String(),
			CreatedAt:    w.CreatedAt,
			LastActivity: w.LastActivity,
		})
	}
	return out
}

// Close releases every relay worker. Calls made after Close on an
// enabled layer fail with relay.ErrRegistryClosed.
func (l *Layer) Close() error {
	l.running.Store(false)
	if l.registry == nil {
		return nil
	}
	return l.registry.Close()
}
