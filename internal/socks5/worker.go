package socks5

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/lauramikodo-star/zauraHook-sub000/internal/logging"
	"github.com/lauramikodo-star/zauraHook-sub000/internal/metrics"
	"github.com/lauramikodo-star/zauraHook-sub000/internal/recovery"
)

// WorkerState is the lifecycle state of a RelayWorker.
type WorkerState int

const (
	// StateActive means datagrams flow through the association.
	StateActive WorkerState = iota
	// StateLost means the proxy dropped the control connection.
	StateLost
	// StateClosed means Close was called.
	StateClosed
)

// String returns a human-readable name for the state.
func (s WorkerState) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateLost:
		return "LOST"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// WorkerInfo is a point-in-time view of a RelayWorker.
type WorkerInfo struct {
	LocalAddr    string
	RelayAddr    string
	State        WorkerState
	CreatedAt    time.Time
	LastActivity time.Time
}

// RelayWorker is one UDP ASSOCIATE session. It owns the control TCP
// connection, which must stay open for the relay to remain valid, and a
// local UDP socket that talks only to the proxy's relay endpoint.
//
// Send and Receive may be called concurrently with each other and with
// Close. Concurrent Receive calls are serialized.
type RelayWorker struct {
	control   net.Conn
	conn      *net.UDPConn
	relayAddr *net.UDPAddr
	limiter   *rate.Limiter

	readMu  sync.Mutex
	readBuf []byte

	logger  *slog.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	closed       atomic.Bool
	lost         atomic.Bool
	lastActivity atomic.Int64
	createdAt    time.Time
	closeOnce    sync.Once

	hookMu    sync.Mutex
	hooks     []func()
	hooksDone bool
}

func newRelayWorker(control net.Conn, conn *net.UDPConn, relayAddr *net.UDPAddr, c *Connector) *RelayWorker {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()

	w := &RelayWorker{
		control:   control,
		conn:      conn,
		relayAddr: relayAddr,
		readBuf:   make([]byte, c.cfg.MaxDatagramSize),
		logger: c.logger.With(
			logging.KeyLocalAddr, conn.LocalAddr().String(),
			logging.KeyRelayAddr, relayAddr.String(),
		),
		metrics:   c.metrics,
		ctx:       ctx,
		cancel:    cancel,
		createdAt: now,
	}
	w.lastActivity.Store(now.UnixNano())

	if c.cfg.SendRate > 0 {
		burst := c.cfg.SendBurst
		if burst < 1 {
			burst = 1
		}
		w.limiter = rate.NewLimiter(c.cfg.SendRate, burst)
	}

	return w
}

// RelayAddr returns the proxy's UDP relay endpoint.
func (w *RelayWorker) RelayAddr() *net.UDPAddr {
	return w.relayAddr
}

// LocalAddr returns the local UDP socket address.
func (w *RelayWorker) LocalAddr() net.Addr {
	return w.conn.LocalAddr()
}

// State returns the current lifecycle state.
func (w *RelayWorker) State() WorkerState {
	switch {
	case w.closed.Load():
		return StateClosed
	case w.lost.Load():
		return StateLost
	default:
		return StateActive
	}
}

// IsClosed reports whether Close has been called.
func (w *RelayWorker) IsClosed() bool {
	return w.closed.Load()
}

// IsLost reports whether the proxy dropped the association.
func (w *RelayWorker) IsLost() bool {
	return w.lost.Load()
}

// Done is closed when the worker is closed or lost.
func (w *RelayWorker) Done() <-chan struct{} {
	return w.ctx.Done()
}

// Info returns a snapshot of the worker.
func (w *RelayWorker) Info() WorkerInfo {
	return WorkerInfo{
		LocalAddr:    w.conn.LocalAddr().String(),
		RelayAddr:    w.relayAddr.String(),
		State:        w.State(),
		CreatedAt:    w.createdAt,
		LastActivity: time.Unix(0, w.lastActivity.Load()),
	}
}

// usable returns the error a data-plane call should fail with, if any.
func (w *RelayWorker) usable() error {
	if w.closed.Load() {
		return errClosed
	}
	if w.lost.Load() {
		return ErrAssociationLost
	}
	return nil
}

// ioError maps a socket error to the worker's terminal state, if any.
func (w *RelayWorker) ioError(op string, err error) error {
	if uerr := w.usable(); uerr != nil {
		return uerr
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrTransport, op, err)
}

// Send encapsulates payload for host:port and sends it to the relay as one
// datagram. It fails fast once the worker is closed or lost.
func (w *RelayWorker) Send(payload []byte, host string, port uint16) error {
	if err := w.usable(); err != nil {
		return err
	}

	dst, err := NewAddr(host, port)
	if err != nil {
		return err
	}

	if w.limiter != nil {
		if err := w.limiter.Wait(w.ctx); err != nil {
			if uerr := w.usable(); uerr != nil {
				return uerr
			}
			return err
		}
	}

	packet := EncapsulateDatagram(dst, payload)
	if _, err := w.conn.WriteToUDP(packet, w.relayAddr); err != nil {
		return w.ioError("send datagram", err)
	}

	w.lastActivity.Store(time.Now().UnixNano())
	w.metrics.RecordDatagramSent(len(payload))
	return nil
}

// Receive blocks until a valid datagram arrives from the relay, copies its
// payload into buf and returns the payload length and its origin. Payloads
// larger than buf are truncated.
//
// Datagrams that are not from the relay endpoint, are too short,
// fragmented or malformed, or carry an empty payload are dropped and the
// wait continues. Close unblocks a pending Receive with an error matching
// both ErrAssociationClosed and net.ErrClosed.
func (w *RelayWorker) Receive(buf []byte) (int, Addr, error) {
	w.readMu.Lock()
	defer w.readMu.Unlock()

	for {
		if err := w.usable(); err != nil {
			return 0, Addr{}, err
		}

		n, from, err := w.conn.ReadFromUDP(w.readBuf)
		if err != nil {
			return 0, Addr{}, w.ioError("receive datagram", err)
		}

		if !from.IP.Equal(w.relayAddr.IP) || from.Port != w.relayAddr.Port {
			w.drop(metrics.DropForeignSource, from)
			continue
		}

		header, payload, err := ParseUDPHeader(w.readBuf[:n])
		if err != nil {
			w.drop(dropReason(err), from)
			continue
		}
		if len(payload) == 0 {
			w.drop(metrics.DropEmpty, from)
			continue
		}

		w.lastActivity.Store(time.Now().UnixNano())
		w.metrics.RecordDatagramReceived(len(payload))
		return copy(buf, payload), header.Addr, nil
	}
}

func (w *RelayWorker) drop(reason string, from *net.UDPAddr) {
	w.metrics.RecordDatagramDropped(reason)
	w.logger.Debug("datagram dropped",
		logging.KeyReason, reason,
		"from", from.String())
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, ErrDatagramTooShort):
		return metrics.DropTooShort
	case errors.Is(err, ErrFragmentedDatagram):
		return metrics.DropFragmented
	default:
		return metrics.DropMalformed
	}
}

// SetReadDeadline sets the deadline for pending and future Receive calls.
func (w *RelayWorker) SetReadDeadline(t time.Time) error {
	return w.conn.SetReadDeadline(t)
}

// OnClose registers fn to run once after Close. If the worker is already
// closed, fn runs immediately.
func (w *RelayWorker) OnClose(fn func()) {
	w.hookMu.Lock()
	if w.hooksDone {
		w.hookMu.Unlock()
		fn()
		return
	}
	w.hooks = append(w.hooks, fn)
	w.hookMu.Unlock()
}

// Close releases the UDP socket and the control connection. It is safe to
// call more than once.
func (w *RelayWorker) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.closed.Store(true)
		w.cancel()

		if cerr := w.conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
		if cerr := w.control.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) && err == nil {
			err = cerr
		}

		w.metrics.RecordWorkerClosed()
		w.logger.Debug("association closed")

		w.hookMu.Lock()
		hooks := w.hooks
		w.hooks = nil
		w.hooksDone = true
		w.hookMu.Unlock()

		for _, fn := range hooks {
			fn()
		}
	})
	return err
}

// watchControl blocks on the control connection. The proxy never sends
// anything on it after the reply, so any read result other than stray
// bytes means the association is gone.
func (w *RelayWorker) watchControl() {
	defer recovery.RecoverWithCallback(w.logger, "socks5.watchControl", func(r any) {
		w.markLost(fmt.Errorf("control watcher panic: %v", r))
	})

	var buf [64]byte
	for {
		_, err := w.control.Read(buf[:])
		if err == nil {
			continue
		}
		if w.closed.Load() {
			return
		}
		w.markLost(err)
		return
	}
}

func (w *RelayWorker) markLost(cause error) {
	if !w.lost.CompareAndSwap(false, true) {
		return
	}

	reason := "control connection error"
	if errors.Is(cause, io.EOF) {
		reason = "proxy closed control connection"
	}
	w.logger.Warn("association lost",
		logging.KeyReason, reason,
		logging.KeyError, cause)
	w.metrics.RecordAssociationLost()

	w.cancel()
	w.conn.Close()
}
