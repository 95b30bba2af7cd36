package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lauramikodo-star/zauraHook-sub000/internal/logging"
	"github.com/lauramikodo-star/zauraHook-sub000/internal/recovery"
	"github.com/lauramikodo-star/zauraHook-sub000/internal/socks5"
)

var (
	// ErrRegistryFull is returned when MaxWorkers workers already exist.
	ErrRegistryFull = errors.New("relay: worker limit reached")

	// ErrRegistryClosed is returned after Close.
	ErrRegistryClosed = errors.New("relay: registry closed")

	// ErrEndpointRemoved is returned when the endpoint was removed while
	// its association was still being set up. The new worker is closed.
	ErrEndpointRemoved = errors.New("relay: endpoint removed during association")
)

// Associator opens UDP relay workers. *socks5.Connector implements it.
type Associator interface {
	Associate(ctx context.Context) (*socks5.RelayWorker, error)
}

// WorkerStats describes one registered worker.
type WorkerStats struct {
	LocalID string
	socks5.WorkerInfo
}

// Stats is a snapshot of the registry.
type Stats struct {
	Workers    int
	Lost       int
	MaxWorkers int
}

// Registry maps local endpoint IDs to relay workers.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*socks5.RelayWorker
	pending map[string]*pendingAssociation
	closed  bool

	flight singleflight.Group
	assoc  Associator
	config Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// pendingAssociation tracks an association in flight so Remove can cancel
// its registration.
type pendingAssociation struct {
	removed bool
}

// NewRegistry creates a registry that opens workers through assoc.
func NewRegistry(cfg Config, assoc Associator, logger *slog.Logger) *Registry {
	ctx, cancel := context.WithCancel(context.Background())

	r := &Registry{
		workers: make(map[string]*socks5.RelayWorker),
		pending: make(map[string]*pendingAssociation),
		assoc:   assoc,
		config:  cfg,
		logger:  logging.OrNop(logger).With(logging.KeyComponent, "relay"),
		ctx:     ctx,
		cancel:  cancel,
	}

	if cfg.IdleTimeout > 0 {
		r.wg.Add(1)
		go r.cleanupLoop()
	}

	return r
}

// GetOrCreate returns the worker for localID, associating a new one if
// none exists. Concurrent first calls for the same ID share a single
// association; a failed association leaves the ID unregistered.
//
// The association runs under the context of the caller that started it;
// callers waiting on it get the same result.
func (r *Registry) GetOrCreate(ctx context.Context, localID string) (*socks5.RelayWorker, error) {
	if w := r.lookup(localID); w != nil {
		return w, nil
	}

	v, err, _ := r.flight.Do(localID, func() (any, error) {
		if w := r.lookup(localID); w != nil {
			return w, nil
		}
		return r.create(ctx, localID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*socks5.RelayWorker), nil
}

func (r *Registry) create(ctx context.Context, localID string) (*socks5.RelayWorker, error) {
	r.mu.Lock()
	if err := r.admitLocked(); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	p := &pendingAssociation{}
	r.pending[localID] = p
	r.mu.Unlock()

	w, err := r.assoc.Associate(ctx)

	r.mu.Lock()
	delete(r.pending, localID)
	if err != nil {
		r.mu.Unlock()
		r.logger.Debug("association failed",
			logging.KeyLocalID, localID,
			logging.KeyError, err)
		return nil, err
	}

	// Limits are checked again: other keys may have associated meanwhile.
	if p.removed {
		err = ErrEndpointRemoved
	} else {
		err = r.admitLocked()
	}
	if err != nil {
		r.mu.Unlock()
		w.Close()
		r.logger.Debug("association discarded",
			logging.KeyLocalID, localID,
			logging.KeyReason, err)
		return nil, err
	}
	r.workers[localID] = w
	r.mu.Unlock()

	w.OnClose(func() { r.forget(localID, w) })

	r.logger.Debug("relay worker registered",
		logging.KeyLocalID, localID,
		logging.KeyRelayAddr, w.RelayAddr().String())

	return w, nil
}

// admitLocked reports whether one more worker may be registered.
// r.mu must be held.
func (r *Registry) admitLocked() error {
	if r.closed {
		return ErrRegistryClosed
	}
	if r.config.MaxWorkers > 0 && len(r.workers) >= r.config.MaxWorkers {
		return fmt.Errorf("%w (%d)", ErrRegistryFull, r.config.MaxWorkers)
	}
	return nil
}

// lookup returns a registered worker that has not been closed.
func (r *Registry) lookup(localID string) *socks5.RelayWorker {
	r.mu.RLock()
	w := r.workers[localID]
	r.mu.RUnlock()

	if w == nil || w.IsClosed() {
		return nil
	}
	return w
}

// forget drops localID only if it still maps to w.
func (r *Registry) forget(localID string, w *socks5.RelayWorker) {
	r.mu.Lock()
	if r.workers[localID] == w {
		delete(r.workers, localID)
	}
	r.mu.Unlock()
}

// Get returns the worker for localID, if any. Lost workers are returned.
func (r *Registry) Get(localID string) (*socks5.RelayWorker, bool) {
	w := r.lookup(localID)
	return w, w != nil
}

// Remove closes and forgets the worker for localID. An association still
// in flight for localID is closed as soon as it completes. It is a no-op
// for unknown IDs.
func (r *Registry) Remove(localID string) {
	r.mu.Lock()
	w := r.workers[localID]
	delete(r.workers, localID)
	if p := r.pending[localID]; p != nil {
		p.removed = true
	}
	r.mu.Unlock()

	if w != nil {
		w.Close()
		r.logger.Debug("relay worker removed", logging.KeyLocalID, localID)
	}
}

// Len returns the number of registered workers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.workers)
}

// Stats returns a summary of the registry.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{Workers: len(r.workers), MaxWorkers: r.config.MaxWorkers}
	for _, w := range r.workers {
		if w.IsLost() {
			s.Lost++
		}
	}
	return s
}

// Workers returns per-worker details ordered by local ID.
func (r *Registry) Workers() []WorkerStats {
	r.mu.RLock()
	out := make([]WorkerStats, 0, len(r.workers))
	for id, w := range r.workers {
		out = append(out, WorkerStats{LocalID: id, WorkerInfo: w.Info()})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].LocalID < out[j].LocalID })
	return out
}

// CloseAll closes and forgets every worker, including associations still
// in flight. The registry stays usable.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	workers := r.workers
	r.workers = make(map[string]*socks5.RelayWorker)
	for _, p := range r.pending {
		p.removed = true
	}
	r.mu.Unlock()

	for _, w := range workers {
		w.Close()
	}

	if len(workers) > 0 {
		r.logger.Info("relay workers closed", logging.KeyCount, len(workers))
	}
}

// Close stops idle expiry, closes every worker and rejects further
// GetOrCreate calls.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.CloseAll()
	r.wg.Wait()

	return nil
}

// cleanupLoop periodically closes idle workers.
func (r *Registry) cleanupLoop() {
	defer r.wg.Done()
	defer recovery.RecoverWithLog(r.logger, "relay.cleanupLoop")

	ticker := time.NewTicker(r.config.IdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.cleanupExpired(time.Now())
		}
	}
}

// cleanupExpired removes active workers idle since before now-IdleTimeout.
func (r *Registry) cleanupExpired(now time.Time) int {
	cutoff := now.Add(-r.config.IdleTimeout)

	r.mu.RLock()
	var expired []string
	for id, w := range r.workers {
		info := w.Info()
		if info.State == socks5.StateActive && info.LastActivity.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range expired {
		r.logger.Debug("relay worker idle", logging.KeyLocalID, id)
		r.Remove(id)
	}
	return len(expired)
}
