package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/andresmejia3/identity/internal/pool"
	"github.com/andresmejia3/identity/internal/templates"
	"github.com/andresmejia3/identity/internal/types"
	"github.com/andresmejia3/identity/internal/utils"
	"github.com/andresmejia3/identity/internal/worker"
	"github.com/rs/zerolog"
)

// Backoff bounds for retrying a failed worker acquisition.
const (
	minAcquireRetry = 10 * time.Millisecond
	maxAcquireRetry = time.Second
)

// Store is the part of the template store a request needs.
type Store interface {
	Snapshot() templates.Snapshot
	Normalize(types.Template) types.Template
	Correct(id string, data types.Template) bool
}

// Pool is the worker pool shared by every request.
type Pool interface {
	Acquire(ctx context.Context) (worker.Worker, error)
	Release(w worker.Worker, dispose bool)
	Released() <-chan struct{}
}

// Config controls chunking and aggregation.
type Config struct {
	// MaxWorks is the chunk size; 0 dispatches everything as one chunk.
	MaxWorks int
	// MaxWorkers bounds workers attached to a single request.
	MaxWorkers int
	// KeepWorkers returns finished workers to the pool instead of disposing them.
	KeepWorkers bool
	// HasConfidence waits for every chunk and keeps the highest-confidence match.
	// Otherwise the first reported match wins and the rest are stopped.
	HasConfidence bool
	// ChunkTimeout abandons a chunk that has not reported in time; 0 disables it.
	ChunkTimeout time.Duration
}

// Hooks observe request progress. Every field is optional.
type Hooks struct {
	// OnDispatch runs on the scheduling goroutine when a chunk is handed to a worker.
	OnDispatch func(requestID string, c Chunk, workerID int)
	// OnChunkDone runs after a chunk is accounted for.
	OnChunkDone func(requestID string, completed, total int)
	// OnCorrection runs after a worker correction is applied to the store.
	OnCorrection func(id string, data types.Template)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithHooks installs progress hooks.
func WithHooks(h Hooks) Option {
	return func(s *Scheduler) { s.hooks = h }
}

// Scheduler runs identification requests over a shared pool.
type Scheduler struct {
	store Store
	pool  Pool
	cfg   Config
	hooks Hooks
	log   zerolog.Logger
}

// New creates a scheduler.
func New(store Store, p Pool, cfg Config, log zerolog.Logger, opts ...Option) *Scheduler {
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = 1
	}
	s := &Scheduler{
		store: store,
		pool:  p,
		cfg:   cfg,
		log:   log.With().Str("component", "scheduler").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type request struct {
	id      string
	ref     string
	snap    templates.Snapshot
	probe   types.Template
	started time.Time
	matched *types.Match
	label   string
}

type event struct {
	w        worker.Worker
	chunk    Chunk
	update   *types.Update
	done     *types.Done
	abnormal bool
}

// Identify compares probe against every enrolled template and returns the
// winning identifier, or a result with a nil Matched when nothing matched.
// ref is an opaque caller label echoed in the result.
func (s *Scheduler) Identify(ctx context.Context, ref string, probe types.Template) (*types.Result, error) {
	req := &request{
		id:      utils.GenerateRequestID(),
		ref:     ref,
		started: time.Now(),
	}
	log := s.log.With().Str("request", req.id).Str("ref", ref).Logger()

	req.snap = s.store.Snapshot()
	if req.snap.Len() == 0 {
		return req.finalize(), nil
	}
	req.probe = s.store.Normalize(probe)
	chunks := Plan(req.snap.Len(), s.cfg.MaxWorks)
	log.Info().Int("samples", req.snap.Len()).Int("chunks", len(chunks)).Msg("starting identify")

	var (
		events    = make(chan event)
		attached  = make(map[worker.Worker]Chunk)
		wg        sync.WaitGroup
		next      int
		completed int
		decided   bool
		ctxErr    error
		waiting   = -1
		cancelled = ctx.Done()
		backoff   time.Duration
		failed    bool
		poolErr   error
	)

	stopAll := func() {
		for w, c := range attached {
			if err := w.Send(types.StopMessage(types.Stop{RequestID: req.id, Chunk: c.Seq})); err != nil {
				log.Debug().Err(err).Int("worker", w.ID()).Msg("stop not delivered")
			}
		}
	}
	admitting := func() bool {
		return next < len(chunks) && !decided && ctxErr == nil && poolErr == nil
	}

	for {
		// Taken before Acquire so a release in between is not missed.
		released := s.pool.Released()
		if ctxErr == nil && ctx.Err() != nil {
			ctxErr = ctx.Err()
			cancelled = nil
			stopAll()
		}

		for admitting() && len(attached) < s.cfg.MaxWorkers {
			w, err := s.pool.Acquire(ctx)
			if err != nil {
				switch {
				case errors.Is(err, pool.ErrExhausted), ctx.Err() != nil:
				case errors.Is(err, pool.ErrClosed):
					poolErr = err
				default:
					failed = true
					log.Warn().Err(err).Msg("worker acquisition failed, retrying later")
				}
				break
			}
			failed, backoff = false, 0
			c := chunks[next]
			next++
			attached[w] = c
			wg.Add(1)

			do := types.Do{
				RequestID: req.id,
				Chunk:     c.Seq,
				Templates: req.snap.Templates,
				Probe:     req.probe,
				Start:     c.Start,
				End:       c.End,
				Issued:    time.Now().UnixMilli(),
			}
			if err := w.Send(types.DoMessage(do)); err != nil {
				// A worker that cannot take work counts as terminated.
				log.Warn().Err(err).Int("worker", w.ID()).Int("chunk", c.Seq).Msg("dispatch failed")
				go func() {
					defer wg.Done()
					events <- event{w: w, chunk: c, abnormal: true}
				}()
				continue
			}
			if s.hooks.OnDispatch != nil {
				s.hooks.OnDispatch(req.id, c, w.ID())
			}
			go s.watch(ctx, req.id, w, c, events, &wg)
		}

		// A failed factory call leaves nothing to release, so retry on a timer too.
		var retry <-chan time.Time
		var retryTimer *time.Timer
		if failed && admitting() {
			backoff = min(max(2*backoff, minAcquireRetry), maxAcquireRetry)
			retryTimer = time.NewTimer(backoff)
			retry = retryTimer.C
		}

		if len(attached) == 0 {
			if !admitting() {
				break
			}
			// Every pooled worker belongs to other requests; wait for one to free up.
			select {
			case <-released:
			case <-retry:
			case <-cancelled:
				ctxErr = ctx.Err()
				cancelled = nil
			}
			if retryTimer != nil {
				retryTimer.Stop()
			}
			continue
		}

		if !admitting() && waiting != len(attached) {
			waiting = len(attached)
			log.Debug().Int("workers", waiting).Msg("still waiting for workers to finish")
		}

		var wakeup <-chan struct{}
		if admitting() {
			wakeup = released
		}

		select {
		case ev := <-events:
			if ev.update != nil {
				s.correct(log, req, ev.update)
				continue
			}
			delete(attached, ev.w)
			s.pool.Release(ev.w, ev.abnormal || !s.cfg.KeepWorkers)
			completed++
			if ev.abnormal {
				log.Warn().Int("worker", ev.w.ID()).Int("chunk", ev.chunk.Seq).Msg("worker terminated abnormally, chunk counted as no match")
			} else if ev.done.Matched != nil && ctxErr == nil {
				if s.aggregate(log, req, ev.done.Matched) && !s.cfg.HasConfidence && !decided {
					decided = true
					stopAll()
				}
			}
			if s.hooks.OnChunkDone != nil {
				s.hooks.OnChunkDone(req.id, completed, len(chunks))
			}
		case <-wakeup:
		case <-retry:
		case <-cancelled:
			ctxErr = ctx.Err()
			cancelled = nil
			stopAll()
		}
		if retryTimer != nil {
			retryTimer.Stop()
		}
	}

	wg.Wait()

	if ctxErr != nil {
		log.Warn().Err(ctxErr).Msg("identify cancelled")
		return nil, ctxErr
	}
	if poolErr != nil {
		log.Error().Err(poolErr).Msg("identify aborted")
		return nil, poolErr
	}
	res := req.finalize()
	matched := "none"
	if res.Matched != nil {
		matched = *res.Matched
	}
	log.Info().Int64("elapsed_ms", res.Elapsed).Str("match", matched).Msg("identify done")
	return res, nil
}

// aggregate applies the aggregation policy and reports whether m was adopted.
func (s *Scheduler) aggregate(log zerolog.Logger, req *request, m *types.Match) bool {
	if m.Index < 0 || m.Index >= req.snap.Len() {
		log.Warn().Int("index", m.Index).Msg("worker reported match outside snapshot")
		return false
	}
	if req.matched != nil {
		if !s.cfg.HasConfidence || m.Confidence <= req.matched.Confidence {
			return false
		}
	}
	adopted := *m
	req.matched = &adopted
	req.label = req.snap.IDs[m.Index]
	return true
}

func (s *Scheduler) correct(log zerolog.Logger, req *request, u *types.Update) {
	if u.Index < 0 || u.Index >= req.snap.Len() {
		log.Warn().Int("index", u.Index).Msg("correction outside snapshot ignored")
		return
	}
	id := req.snap.IDs[u.Index]
	if !s.store.Correct(id, u.Data) {
		return
	}
	if u.Data == nil {
		log.Info().Str("template", id).Msg("template removed by worker")
	} else {
		log.Info().Str("template", id).Msg("template replaced by worker")
	}
	if s.hooks.OnCorrection != nil {
		s.hooks.OnCorrection(id, u.Data)
	}
}

// watch forwards one chunk's messages until its terminal event.
func (s *Scheduler) watch(ctx context.Context, requestID string, w worker.Worker, c Chunk, events chan<- event, wg *sync.WaitGroup) {
	defer wg.Done()

	var timeout <-chan time.Time
	if s.cfg.ChunkTimeout > 0 {
		t := time.NewTimer(s.cfg.ChunkTimeout)
		defer t.Stop()
		timeout = t.C
	}
	abandon := func() {
		w.Send(types.StopMessage(types.Stop{RequestID: requestID, Chunk: c.Seq}))
		events <- event{w: w, chunk: c, abnormal: true}
	}

	for {
		select {
		case msg, ok := <-w.Events():
			if !ok {
				events <- event{w: w, chunk: c, abnormal: true}
				return
			}
			switch msg.Kind {
			case types.KindUpdate:
				if msg.Update.RequestID == requestID {
					events <- event{w: w, chunk: c, update: msg.Update}
				}
			case types.KindDone:
				if msg.Done.RequestID != requestID || msg.Done.Chunk != c.Seq {
					continue
				}
				events <- event{w: w, chunk: c, done: msg.Done}
				return
			}
		case <-timeout:
			s.log.Warn().Str("request", requestID).Int("chunk", c.Seq).Int("worker", w.ID()).Msg("chunk timed out")
			abandon()
			return
		case <-ctx.Done():
			abandon()
			return
		}
	}
}

func (r *request) finalize() *types.Result {
	res := &types.Result{
		Ref:       r.ref,
		RequestID: r.id,
		Elapsed:   time.Since(r.started).Milliseconds(),
	}
	if r.matched != nil {
		label := r.label
		res.Matched = &label
		res.Confidence = r.matched.Confidence
	}
	return res
}
