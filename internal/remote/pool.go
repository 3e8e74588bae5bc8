package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/warfeedhq/ingest/internal/logging"
	"github.com/warfeedhq/ingest/internal/metrics"
	"github.com/warfeedhq/ingest/pkg/types"
)

// ErrPoolSaturated is returned when no session slot frees up within the
// acquire timeout. The caller skips the poll cycle; the source is retried on
// its next tick.
var ErrPoolSaturated = errors.New("session pool saturated")

// Pool bounds the number of concurrently open remote sessions across all
// sources and rate-limits reads per host so a single game server is never
// hammered by many sources that happen to live on it.
type Pool struct {
	dialer         Dialer
	sem            *semaphore.Weighted
	acquireTimeout time.Duration
	readsPerSecond float64

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	logger  *logging.Logger
	metrics *metrics.Collector
}

// PoolConfig configures the session pool.
type PoolConfig struct {
	MaxSessions    int64
	AcquireTimeout time.Duration
	ReadsPerSecond float64
}

// NewPool creates a pool on top of a dialer.
func NewPool(dialer Dialer, cfg PoolConfig, logger *logging.Logger, collector *metrics.Collector) *Pool {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 32
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 10 * time.Second
	}
	if cfg.ReadsPerSecond <= 0 {
		cfg.ReadsPerSecond = 4
	}
	return &Pool{
		dialer:         dialer,
		sem:            semaphore.NewWeighted(cfg.MaxSessions),
		acquireTimeout: cfg.AcquireTimeout,
		readsPerSecond: cfg.ReadsPerSecond,
		limiters:       make(map[string]*rate.Limiter),
		logger:         logger.WithComponent("session-pool"),
		metrics:        collector,
	}
}

// Acquire reserves a session slot, waits for the host's rate limiter, and
// dials. On saturation it returns ErrPoolSaturated without dialing.
func (p *Pool) Acquire(ctx context.Context, src types.Source) (*Lease, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, p.acquireTimeout)
	defer cancel()

	if err := p.sem.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if p.metrics != nil {
			p.metrics.PoolAcquireTimeout.Inc()
		}
		return nil, ErrPoolSaturated
	}

	if err := p.limiter(src.HostKey()).Wait(ctx); err != nil {
		p.sem.Release(1)
		return nil, err
	}

	session, err := p.dialer.Dial(ctx, src)
	if err != nil {
		p.sem.Release(1)
		if p.metrics != nil {
			p.metrics.PoolDials.WithLabelValues("error").Inc()
		}
		return nil, fmt.Errorf("dialing source %s: %w", src.ID, err)
	}

	if p.metrics != nil {
		p.metrics.PoolDials.WithLabelValues("ok").Inc()
		p.metrics.PoolSessionsActive.Inc()
	}
	return &Lease{pool: p, src: src, Session: session}, nil
}

func (p *Pool) limiter(hostKey string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[hostKey]
	if !ok {
		l = rate.NewLimiter(rate.Limit(p.readsPerSecond), 1)
		p.limiters[hostKey] = l
	}
	return l
}

func (p *Pool) release(l *Lease, failed bool) {
	l.Session.Close()
	if failed {
		p.dialer.Invalidate(l.src)
	}
	p.sem.Release(1)
	if p.metrics != nil {
		p.metrics.PoolSessionsActive.Dec()
	}
}

// Lease is one held session slot. Exactly one of Release or Fail must be
// called, once.
type Lease struct {
	pool *Pool
	src  types.Source
	once sync.Once

	Session Session
}

// Release returns the slot and keeps the host transport cached.
func (l *Lease) Release() {
	l.once.Do(func() { l.pool.release(l, false) })
}

// Fail returns the slot and discards the host transport, forcing the next
// dial to reconnect.
func (l *Lease) Fail() {
	l.once.Do(func() { l.pool.release(l, true) })
}
