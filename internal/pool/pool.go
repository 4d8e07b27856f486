package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/andresmejia3/identity/internal/worker"
	"github.com/rs/zerolog"
)

var (
	// ErrExhausted is returned by Acquire when every pooled worker is busy and the cap is reached.
	ErrExhausted = errors.New("worker pool exhausted")
	// ErrClosed is returned by Acquire after Close.
	ErrClosed = errors.New("worker pool closed")
)

// Config controls pool sizing.
type Config struct {
	// MaxWorkers caps live workers across every request sharing the pool.
	MaxWorkers int
}

// Pool owns the live workers and tracks which are attached to a chunk.
// busy is always a subset of all.
type Pool struct {
	mu      sync.Mutex
	factory worker.Factory
	max     int
	all     []worker.Worker
	busy    map[worker.Worker]struct{}
	nextID  int
	closed  bool
	release chan struct{}
	log     zerolog.Logger
}

// New creates an empty pool; workers are created lazily by Acquire.
func New(factory worker.Factory, cfg Config, log zerolog.Logger) *Pool {
	max := cfg.MaxWorkers
	if max < 1 {
		max = 1
	}
	return &Pool{
		factory: factory,
		max:     max,
		busy:    make(map[worker.Worker]struct{}),
		release: make(chan struct{}),
		log:     log.With().Str("component", "pool").Logger(),
	}
}

// Max returns the configured cap.
func (p *Pool) Max() int { return p.max }

// Acquire returns an idle worker, or creates one while under the cap. Creation
// failures are returned as-is; callers treat them like ErrExhausted.
func (p *Pool) Acquire(ctx context.Context) (worker.Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}
	// use idle worker if possible
	for _, w := range p.all {
		if _, ok := p.busy[w]; !ok {
			p.busy[w] = struct{}{}
			return w, nil
		}
	}
	if len(p.all) >= p.max {
		return nil, ErrExhausted
	}

	p.nextID++
	w, err := p.factory(ctx, p.nextID)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker %d: %w", p.nextID, err)
	}
	p.all = append(p.all, w)
	p.busy[w] = struct{}{}
	p.log.Debug().Int("worker", w.ID()).Int("size", len(p.all)).Msg("worker created")
	return w, nil
}

// Release detaches w. When dispose is set the worker also leaves the pool and
// is closed; otherwise it stays idle for reuse.
func (p *Pool) Release(w worker.Worker, dispose bool) {
	p.mu.Lock()
	delete(p.busy, w)
	removed := false
	if dispose || p.closed {
		for i, x := range p.all {
			if x == w {
				p.all = append(p.all[:i], p.all[i+1:]...)
				removed = true
				break
			}
		}
	}
	// Wake everyone waiting for capacity.
	close(p.release)
	p.release = make(chan struct{})
	p.mu.Unlock()

	if removed {
		p.log.Debug().Int("worker", w.ID()).Msg("worker disposed")
		go w.Close()
	}
}

// Released returns a channel closed at the next Release.
func (p *Pool) Released() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.release
}

// Size returns the number of live workers.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.all)
}

// Busy returns the number of workers attached to a chunk.
func (p *Pool) Busy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.busy)
}

// Close shuts down idle workers now; busy ones are closed on release.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	var idle []worker.Worker
	keep := p.all[:0]
	for _, w := range p.all {
		if _, ok := p.busy[w]; ok {
			keep = append(keep, w)
		} else {
			idle = append(idle, w)
		}
	}
	p.all = keep
	p.mu.Unlock()

	var errs []error
	for _, w := range idle {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
