// Package pgstore provides the PostgreSQL-backed store for the ingestion
// pipeline: a bounded connection pool and the per-entity staging, manifest
// and merge operations.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// ErrPoolClosed is returned by Get on a pool that was never opened or has
// been closed. Callers must treat it as fatal for the operation, not retry.
var ErrPoolClosed = errors.New("pgstore: pool not initialized")

// ConnSource is the underlying connection provider the pool draws from.
// *pgxpool.Pool satisfies it via the adapter in pgx.go; tests supply fakes.
type ConnSource[C any] interface {
	Acquire(ctx context.Context) (C, error)
	Release(conn C) error
	Close()
}

// Pool bounds concurrent store access. A counting semaphore sized to maxConns
// gates every draw from the source, so the number of connections handed out
// at once never exceeds maxConns even if the source is configured larger.
// All methods are safe for concurrent use.
type Pool[C any] struct {
	src            ConnSource[C]
	sem            *semaphore.Weighted
	acquireTimeout time.Duration
	log            zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// NewPool creates a pool over src with a hard ceiling of maxConns concurrent
// connections. acquireTimeout bounds the wait in Get; zero waits forever.
func NewPool[C any](src ConnSource[C], maxConns int, acquireTimeout time.Duration, log zerolog.Logger) *Pool[C] {
	return &Pool[C]{
		src:            src,
		sem:            semaphore.NewWeighted(int64(maxConns)),
		acquireTimeout: acquireTimeout,
		log:            log,
	}
}

// Get blocks until a permit and a connection are both available. The permit
// is acquired before the source draw; if the draw fails the permit is
// released before the error returns, so failures never leak capacity.
func (p *Pool[C]) Get(ctx context.Context) (C, error) {
	var zero C
	if p.isClosed() {
		return zero, ErrPoolClosed
	}

	if p.acquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.acquireTimeout)
		defer cancel()
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return zero, fmt.Errorf("acquire permit: %w", err)
	}
	if p.isClosed() {
		p.sem.Release(1)
		return zero, ErrPoolClosed
	}

	conn, err := p.src.Acquire(ctx)
	if err != nil {
		p.sem.Release(1)
		return zero, fmt.Errorf("acquire connection: %w", err)
	}
	return conn, nil
}

// Put returns a connection to the source. The permit is released in a
// deferred path so a failing return can never starve future acquires.
func (p *Pool[C]) Put(conn C) error {
	defer p.sem.Release(1)
	return p.src.Release(conn)
}

// WithConn acquires a connection for the duration of fn and releases it on
// every exit path, including panics. This is the only sanctioned way for
// application code to touch a connection outside the pool itself.
func (p *Pool[C]) WithConn(ctx context.Context, fn func(conn C) error) error {
	conn, err := p.Get(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := p.Put(conn); rerr != nil {
			p.log.Error().Err(rerr).Msg("release connection")
		}
	}()
	return fn(conn)
}

// Close closes the underlying source and marks the pool unusable. It is
// idempotent and safe to call from multiple goroutines; only the first
// caller performs the actual close, but every caller observes closed state.
func (p *Pool[C]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.src.Close()
	p.log.Info().Msg("connection pool closed")
}

func (p *Pool[C]) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
