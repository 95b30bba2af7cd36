package socks5

import (
	"context"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/net/nettest"

	"github.com/lauramikodo-star/zauraHook-sub000/internal/metrics"
)

// echoServer accepts TCP connections and echoes everything back.
func echoServer(t *testing.T) *net.TCPAddr {
	t.Helper()

	ln, err := nettest.NewLocalListener("tcp4")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()

	return ln.Addr().(*net.TCPAddr)
}

// countingDialer counts dials to the proxy.
type countingDialer struct {
	dials atomic.Int32
	d     net.Dialer
}

func (c *countingDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	c.dials.Add(1)
	return c.d.DialContext(ctx, network, addr)
}

func newTestConnector(t *testing.T, proxyAddr string, opts ...func(*ClientConfig)) (*Connector, *metrics.Metrics) {
	t.Helper()

	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	cfg := DefaultClientConfig(proxyAddr)
	cfg.DialTimeout = 2 * time.Second
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.Metrics = m
	for _, opt := range opts {
		opt(&cfg)
	}

	c, err := NewConnector(cfg)
	if err != nil {
		t.Fatalf("NewConnector() error = %v", err)
	}
	return c, m
}
