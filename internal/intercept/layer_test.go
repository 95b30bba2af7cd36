package intercept

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/net/nettest"

	"github.com/lauramikodo-star/zauraHook-sub000/internal/config"
	"github.com/lauramikodo-star/zauraHook-sub000/internal/health"
	"github.com/lauramikodo-star/zauraHook-sub000/internal/metrics"
	"github.com/lauramikodo-star/zauraHook-sub000/internal/relay"
	"github.com/lauramikodo-star/zauraHook-sub000/internal/socks5"
	"github.com/lauramikodo-star/zauraHook-sub000/internal/socks5/socks5test"
)

var (
	_ health.StatsProvider = (*Layer)(nil)
	_ health.WorkerLister  = (*Layer)(nil)
)

func echoServer(t *testing.T) string {
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

	return ln.Addr().String()
}

func proxyConfig(t *testing.T, proxyAddr string) *config.Config {
	t.Helper()

	host, portStr, err := net.SplitHostPort(proxyAddr)
	if err != nil {
		t.Fatalf("SplitHostPort(%q) error = %v", proxyAddr, err)
	}
	port, _ := strconv.Atoi(portStr)

	cfg := config.Default()
	cfg.Proxy.Host = host
	cfg.Proxy.Port = port
	cfg.Proxy.DialTimeout = 2 * time.Second
	cfg.Proxy.HandshakeTimeout = 2 * time.Second
	return cfg
}

func newLayer(t *testing.T, cfg *config.Config) (*Layer, *metrics.Metrics) {
	t.Helper()

	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	l, err := New(cfg, Options{Metrics: m})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l, m
}

func roundTrip(t *testing.T, conn net.Conn, msg string) {
	t.Helper()

	conn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write([]byte(msg)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("ReadFull() error = %v", err)
	}
	if string(buf) != msg {
		t.Errorf("echo = %q, want %q", buf, msg)
	}
}

func TestLayer_Inert(t *testing.T) {
	target := echoServer(t)
	l, _ := newLayer(t, config.Default())

	if l.Enabled() {
		t.Fatal("Enabled() = true for a config without proxy host")
	}
	if l.Connector() != nil {
		t.Error("Connector() != nil for an inert layer")
	}

	conn, err := l.DialTCP(context.Background(), "tcp", target)
	if err != nil {
		t.Fatalf("DialTCP() error = %v", err)
	}
	defer conn.Close()
	roundTrip(t, conn, "direct")

	handled, err := l.SendDatagram(context.Background(), "flow", []byte("x"), "1.1.1.1", 53)
	if handled || err != nil {
		t.Errorf("SendDatagram() = (%v, %v), want (false, nil)", handled, err)
	}

	_, _, handled, err = l.ReceiveDatagram(context.Background(), "flow", make([]byte, 16))
	if handled || err != nil {
		t.Errorf("ReceiveDatagram() = (%v, %v), want (false, nil)", handled, err)
	}

	l.CloseEndpoint("flow")

	s := l.Stats()
	if s.ProxyEnabled || s.ProxyAddr != "" || s.Workers != 0 {
		t.Errorf("Stats() = %+v, want disabled and empty", s)
	}
	if l.WorkerStatuses() != nil {
		t.Error("WorkerStatuses() != nil for an inert layer")
	}
	if !l.IsRunning() {
		t.Error("IsRunning() = false before Close")
	}
}

func TestLayer_InvalidDatagramSize(t *testing.T) {
	cfg := proxyConfig(t, "127.0.0.1:1080")
	cfg.Relay.MaxDatagramSize = "lots"

	if _, err := New(cfg, Options{}); err == nil {
		t.Error("New() with bad max_datagram_size: expected error")
	}
}

func TestLayer_DialTCPThroughProxy(t *testing.T) {
	target := echoServer(t)
	srv := socks5test.NewServer(t, socks5test.Options{
		Method:   socks5.AuthMethodUserPass,
		Username: "user",
		Password: "pass",
	})

	cfg := proxyConfig(t, srv.Addr())
	cfg.Proxy.Username = "user"
	cfg.Proxy.Password = "pass"
	l, m := newLayer(t, cfg)

	if !l.Enabled() {
		t.Fatal("Enabled() = false")
	}

	conn, err := l.DialTCP(context.Background(), "tcp", target)
	if err != nil {
		t.Fatalf("DialTCP() error = %v", err)
	}
	defer conn.Close()
	roundTrip(t, conn, "proxied")

	if got := srv.LastRequest().String(); got != target {
		t.Errorf("CONNECT destination = %s, want %s", got, target)
	}
	if got := testutil.ToFloat64(m.ConnectsTotal); got != 1 {
		t.Errorf("ConnectsTotal = %v, want 1", got)
	}
}

func TestLayer_DatagramRoundTrip(t *testing.T) {
	srv := socks5test.NewServer(t, socks5test.Options{})
	l, _ := newLayer(t, proxyConfig(t, srv.Addr()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	handled, err := l.SendDatagram(ctx, "udp:10.0.0.2:40000", []byte("query"), "dns.example", 53)
	if !handled || err != nil {
		t.Fatalf("SendDatagram() = (%v, %v), want (true, nil)", handled, err)
	}

	buf := make([]byte, 64)
	n, origin, handled, err := l.ReceiveDatagram(ctx, "udp:10.0.0.2:40000", buf)
	if !handled || err != nil {
		t.Fatalf("ReceiveDatagram() = (%v, %v), want (true, nil)", handled, err)
	}
	if string(buf[:n]) != "query" {
		t.Errorf("payload = %q, want query", buf[:n])
	}
	if origin.String() != "dns.example:53" {
		t.Errorf("origin = %s, want dns.example:53", origin)
	}

	// A second send on the same endpoint reuses the association.
	if _, err := l.SendDatagram(ctx, "udp:10.0.0.2:40000", []byte("again"), "dns.example", 53); err != nil {
		t.Fatalf("SendDatagram() error = %v", err)
	}
	if got := srv.Associates(); got != 1 {
		t.Errorf("associations = %d, want 1", got)
	}

	statuses := l.WorkerStatuses()
	if len(statuses) != 1 {
		t.Fatalf("WorkerStatuses() len = %d, want 1", len(statuses))
	}
	if statuses[0].LocalID != "udp:10.0.0.2:40000" || statuses[0].State != "ACTIVE" {
		t.Errorf("WorkerStatuses()[0] = %+v", statuses[0])
	}

	l.CloseEndpoint("udp:10.0.0.2:40000")
	if s := l.Stats(); s.Workers != 0 {
		t.Errorf("Stats().Workers = %d after CloseEndpoint, want 0", s.Workers)
	}
}

func TestLayer_ReceiveHonoursContext(t *testing.T) {
	srv := socks5test.NewServer(t, socks5test.Options{})
	l, _ := newLayer(t, proxyConfig(t, srv.Addr()))

	t.Run("deadline", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		_, _, handled, err := l.ReceiveDatagram(ctx, "quiet-1", make([]byte, 16))
		if !handled {
			t.Error("ReceiveDatagram() handled = false")
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("ReceiveDatagram() error = %v, want context.DeadlineExceeded", err)
		}
	})

	t.Run("cancel", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		if _, err := l.SendDatagram(ctx, "quiet-2", []byte("x"), "10.0.0.1", 9); err != nil {
			t.Fatalf("SendDatagram() error = %v", err)
		}
		// Drain the echo so the next receive blocks.
		if _, _, _, err := l.ReceiveDatagram(ctx, "quiet-2", make([]byte, 16)); err != nil {
			t.Fatalf("ReceiveDatagram() error = %v", err)
		}

		time.AfterFunc(50*time.Millisecond, cancel)
		_, _, _, err := l.ReceiveDatagram(ctx, "quiet-2", make([]byte, 16))
		if !errors.Is(err, context.Canceled) {
			t.Errorf("ReceiveDatagram() error = %v, want context.Canceled", err)
		}

		// The worker survives a cancelled receive.
		if _, err := l.SendDatagram(context.Background(), "quiet-2", []byte("y"), "10.0.0.1", 9); err != nil {
			t.Errorf("SendDatagram() after cancel error = %v", err)
		}
	})
}

func TestLayer_LostAssociation(t *testing.T) {
	srv := socks5test.NewServer(t, socks5test.Options{})
	l, _ := newLayer(t, proxyConfig(t, srv.Addr()))
	ctx := context.Background()

	if _, err := l.SendDatagram(ctx, "flow", []byte("x"), "10.0.0.1", 9); err != nil {
		t.Fatalf("SendDatagram() error = %v", err)
	}

	srv.DropControls()

	deadline := time.Now().Add(2 * time.Second)
	for l.Stats().LostWorkers == 0 {
		if time.Now().After(deadline) {
			t.Fatal("worker not marked lost after the control connection dropped")
		}
		time.Sleep(10 * time.Millisecond)
	}

	handled, err := l.SendDatagram(ctx, "flow", []byte("x"), "10.0.0.1", 9)
	if !handled || !errors.Is(err, socks5.ErrAssociationLost) {
		t.Errorf("SendDatagram() = (%v, %v), want (true, ErrAssociationLost)", handled, err)
	}
	if got := srv.Associates(); got != 1 {
		t.Errorf("associations = %d, want 1", got)
	}
	if statuses := l.WorkerStatuses(); len(statuses) != 1 || statuses[0].State != "LOST" {
		t.Errorf("WorkerStatuses() = %+v, want one LOST worker", statuses)
	}

	// Closing the endpoint clears the lost worker; the next use associates again.
	l.CloseEndpoint("flow")
	if _, err := l.SendDatagram(ctx, "flow", []byte("x"), "10.0.0.1", 9); err != nil {
		t.Errorf("SendDatagram() after CloseEndpoint error = %v", err)
	}
	if got := srv.Associates(); got != 2 {
		t.Errorf("associations = %d, want 2", got)
	}
}

func TestLayer_Close(t *testing.T) {
	srv := socks5test.NewServer(t, socks5test.Options{})
	l, _ := newLayer(t, proxyConfig(t, srv.Addr()))

	if _, err := l.SendDatagram(context.Background(), "flow", []byte("x"), "10.0.0.1", 9); err != nil {
		t.Fatalf("SendDatagram() error = %v", err)
	}

	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if l.IsRunning() {
		t.Error("IsRunning() = true after Close")
	}

	handled, err := l.SendDatagram(context.Background(), "flow", []byte("x"), "10.0.0.1", 9)
	if !handled || !errors.Is(err, relay.ErrRegistryClosed) {
		t.Errorf("SendDatagram() after Close = (%v, %v), want (true, ErrRegistryClosed)", handled, err)
	}
}
