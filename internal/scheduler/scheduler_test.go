package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andresmejia3/identity/internal/pool"
	"github.com/andresmejia3/identity/internal/templates"
	"github.com/andresmejia3/identity/internal/types"
	"github.com/andresmejia3/identity/internal/worker"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// respondFunc plays the worker side for one Do message.
type respondFunc func(w *scriptWorker, do types.Do)

type scriptWorker struct {
	id      int
	h       *harness
	events  chan types.Message
	mu      sync.Mutex
	stopped map[string]chan struct{}
	closed  atomic.Bool
}

func (w *scriptWorker) ID() int                      { return w.id }
func (w *scriptWorker) Events() <-chan types.Message { return w.events }
func (w *scriptWorker) Close() error                 { w.closed.Store(true); return nil }

func (w *scriptWorker) Send(msg types.Message) error {
	switch msg.Kind {
	case types.KindDo:
		do := *msg.Do
		w.h.recordDo(do)
		go w.h.respond(w, do)
	case types.KindStop:
		w.h.recordStop(msg.Stop.Chunk)
		w.mu.Lock()
		ch := w.stopChLocked(msg.Stop.RequestID, msg.Stop.Chunk)
		select {
		case <-ch:
		default:
			close(ch)
		}
		w.mu.Unlock()
	}
	return nil
}

func (w *scriptWorker) stopChLocked(request string, chunk int) chan struct{} {
	key := fmt.Sprintf("%s/%d", request, chunk)
	ch, ok := w.stopped[key]
	if !ok {
		ch = make(chan struct{})
		w.stopped[key] = ch
	}
	return ch
}

// waitStop blocks until the chunk is stopped, then reports an empty done.
func (w *scriptWorker) waitStop(do types.Do) {
	w.mu.Lock()
	ch := w.stopChLocked(do.RequestID, do.Chunk)
	w.mu.Unlock()
	<-ch
	w.done(do, nil)
}

func (w *scriptWorker) done(do types.Do, m *types.Match) {
	w.events <- types.DoneMessage(types.Done{RequestID: do.RequestID, Chunk: do.Chunk, Worker: w.id, Matched: m})
}

type harness struct {
	respond respondFunc

	mu      sync.Mutex
	dos     []types.Do
	stops   []int
	created atomic.Int32
	live    atomic.Int32
	maxLive atomic.Int32
}

func (h *harness) recordDo(do types.Do) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dos = append(h.dos, do)
}

func (h *harness) recordStop(chunk int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stops = append(h.stops, chunk)
}

func (h *harness) dispatched() []types.Do {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]types.Do(nil), h.dos...)
}

func (h *harness) stoppedChunks() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := append([]int(nil), h.stops...)
	sort.Ints(out)
	return out
}

func (h *harness) factory() worker.Factory {
	return func(_ context.Context, id int) (worker.Worker, error) {
		h.created.Add(1)
		if n := h.live.Add(1); n > h.maxLive.Load() {
			h.maxLive.Store(n)
		}
		return &scriptWorker{id: id, h: h, events: make(chan types.Message, 16), stopped: make(map[string]chan struct{})}, nil
	}
}

// trackingPool decrements the live count when a worker is disposed.
type trackingPool struct {
	*pool.Pool
	h *harness
}

func (p trackingPool) Release(w worker.Worker, dispose bool) {
	if dispose {
		p.h.live.Add(-1)
	}
	p.Pool.Release(w, dispose)
}

func newStore(ids ...string) *templates.Store {
	s := templates.New(nil)
	for i, id := range ids {
		s.Add(id, types.Template{float64(i)})
	}
	return s
}

func setup(t *testing.T, store *templates.Store, cfg Config, maxPool int, respond respondFunc) (*Scheduler, *harness, *pool.Pool) {
	t.Helper()
	h := &harness{respond: respond}
	p := pool.New(h.factory(), pool.Config{MaxWorkers: maxPool}, zerolog.Nop())
	t.Cleanup(func() { p.Close() })
	return New(store, trackingPool{Pool: p, h: h}, cfg, zerolog.Nop()), h, p
}

// matchIndex reports a match when the chunk covers index, otherwise no match.
func matchIndex(index int) respondFunc {
	return func(w *scriptWorker, do types.Do) {
		if index >= do.Start && index <= do.End {
			w.done(do, &types.Match{Index: index})
			return
		}
		w.done(do, nil)
	}
}

func identify(t *testing.T, s *Scheduler) *types.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := s.Identify(ctx, "probe", types.Template{1})
	require.NoError(t, err)
	return res
}

func TestPlanCoversEveryIndexOnce(t *testing.T) {
	for _, n := range []int{1, 2, 7, 10} {
		for _, l := range []int{0, 1, n, n / 2, n + 1} {
			seen := make([]int, n)
			for i, c := range Plan(n, l) {
				assert.Equal(t, i+1, c.Seq)
				assert.LessOrEqual(t, c.Start, c.End)
				for j := c.Start; j <= c.End; j++ {
					seen[j]++
				}
			}
			for j, count := range seen {
				assert.Equalf(t, 1, count, "n=%d l=%d index %d", n, l, j)
			}
		}
	}
	assert.Empty(t, Plan(0, 3))
}

func TestDispatchedRangesCoverSnapshot(t *testing.T) {
	ids := []string{"a", "b", "c", "d", "e"}
	for _, l := range []int{1, 2, 5, 6} {
		s, h, _ := setup(t, newStore(ids...), Config{MaxWorks: l, MaxWorkers: 2, KeepWorkers: true}, 2, matchIndex(-1))
		res := identify(t, s)
		assert.Nil(t, res.Matched)

		seen := make([]int, len(ids))
		for _, do := range h.dispatched() {
			assert.Len(t, do.Templates, len(ids))
			for j := do.Start; j <= do.End; j++ {
				seen[j]++
			}
		}
		for j, count := range seen {
			assert.Equalf(t, 1, count, "maxWorks=%d index %d", l, j)
		}
	}
}

func TestEmptyStore(t *testing.T) {
	s, h, _ := setup(t, templates.New(nil), Config{MaxWorkers: 2}, 2, matchIndex(0))
	res := identify(t, s)
	assert.Nil(t, res.Matched)
	assert.NotEmpty(t, res.RequestID)
	assert.Equal(t, int32(0), h.created.Load(), "no worker should be acquired for an empty store")
}

func TestFirstMatchStopsOthers(t *testing.T) {
	// "b" matches immediately; "a" and "c" only finish when stopped.
	respond := func(w *scriptWorker, do types.Do) {
		if do.Start == 1 {
			w.done(do, &types.Match{Index: 1})
			return
		}
		w.waitStop(do)
	}
	s, h, _ := setup(t, newStore("a", "b", "c"), Config{MaxWorks: 1, MaxWorkers: 2, KeepWorkers: true}, 2, respond)

	res := identify(t, s)
	require.NotNil(t, res.Matched)
	assert.Equal(t, "b", *res.Matched)

	dos := h.dispatched()
	require.Len(t, dos, 2, "chunk for c must not be dispatched after the match")
	assert.Equal(t, []int{1}, h.stoppedChunks(), "the worker on a must receive stop")
}

func TestFirstMatchKeepsFirstReport(t *testing.T) {
	s, _, _ := setup(t, newStore("a", "b", "c"), Config{MaxWorks: 1, MaxWorkers: 1, KeepWorkers: true}, 1,
		func(w *scriptWorker, do types.Do) { w.done(do, &types.Match{Index: do.Start}) })

	res := identify(t, s)
	require.NotNil(t, res.Matched)
	assert.Equal(t, "a", *res.Matched)
}

func TestBestConfidence(t *testing.T) {
	confidences := []float64{0.5, 0.9, 0.9, 0.7}
	respond := func(w *scriptWorker, do types.Do) {
		w.done(do, &types.Match{Index: do.Start, Confidence: confidences[do.Start]})
	}
	s, h, _ := setup(t, newStore("a", "b", "c", "d"), Config{MaxWorks: 1, MaxWorkers: 1, KeepWorkers: true, HasConfidence: true}, 1, respond)

	res := identify(t, s)
	require.NotNil(t, res.Matched)
	assert.Equal(t, "b", *res.Matched, "ties resolve to the earliest report")
	assert.InDelta(t, 0.9, res.Confidence, 1e-9)
	assert.Len(t, h.dispatched(), 4, "confidence mode waits for every chunk")
	assert.Empty(t, h.stoppedChunks())
}

func TestIdempotent(t *testing.T) {
	s, _, _ := setup(t, newStore("a", "b", "c", "d"), Config{MaxWorks: 2, MaxWorkers: 2, KeepWorkers: true}, 2, matchIndex(2))
	for i := 0; i < 5; i++ {
		res := identify(t, s)
		require.NotNil(t, res.Matched)
		assert.Equal(t, "c", *res.Matched)
	}
}

func TestCorrectionRemovesTemplate(t *testing.T) {
	store := newStore("x", "y")
	var corrected []string
	respond := func(w *scriptWorker, do types.Do) {
		for i := do.Start; i <= do.End; i++ {
			if do.Templates[i][0] == 0 { // "x" is corrupt
				w.events <- types.UpdateMessage(types.Update{RequestID: do.RequestID, Index: i})
			}
		}
		w.done(do, nil)
	}
	h := &harness{respond: respond}
	p := pool.New(h.factory(), pool.Config{MaxWorkers: 1}, zerolog.Nop())
	defer p.Close()
	s := New(store, p, Config{MaxWorkers: 1, KeepWorkers: true}, zerolog.Nop(), WithHooks(Hooks{
		OnCorrection: func(id string, data types.Template) {
			assert.Nil(t, data)
			corrected = append(corrected, id)
		},
	}))

	identify(t, s)
	assert.False(t, store.Has("x"))
	assert.Equal(t, []string{"x"}, corrected)

	identify(t, s)
	last := h.dispatched()[len(h.dispatched())-1]
	assert.Len(t, last.Templates, 1, "removed template must not be dispatched again")
}

func TestCorrectionReplacesTemplate(t *testing.T) {
	store := newStore("x")
	respond := func(w *scriptWorker, do types.Do) {
		w.events <- types.UpdateMessage(types.Update{RequestID: do.RequestID, Index: 0, Data: types.Template{42}})
		w.done(do, nil)
	}
	s, _, _ := setup(t, store, Config{MaxWorkers: 1}, 1, respond)

	identify(t, s)
	got, ok := store.Get("x")
	require.True(t, ok)
	assert.Equal(t, types.Template{42}, got)
}

func TestLateCorrectionAfterFirstMatch(t *testing.T) {
	// "a" matches at once; the worker on "b" reports a correction only after it is stopped.
	store := newStore("a", "b")
	respond := func(w *scriptWorker, do types.Do) {
		if do.Start == 0 {
			w.done(do, &types.Match{Index: 0})
			return
		}
		w.mu.Lock()
		ch := w.stopChLocked(do.RequestID, do.Chunk)
		w.mu.Unlock()
		<-ch
		w.events <- types.UpdateMessage(types.Update{RequestID: do.RequestID, Index: 1, Data: types.Template{7}})
		w.done(do, nil)
	}
	s, h, _ := setup(t, store, Config{MaxWorks: 1, MaxWorkers: 2, KeepWorkers: true}, 2, respond)

	res := identify(t, s)
	require.NotNil(t, res.Matched)
	assert.Equal(t, "a", *res.Matched, "late correction does not change the decision")
	assert.Equal(t, []int{2}, h.stoppedChunks())

	got, ok := store.Get("b")
	require.True(t, ok)
	assert.Equal(t, types.Template{7}, got, "correction after stop is still applied")
}

func TestAcquireRetriesAfterFactoryFailure(t *testing.T) {
	h := &harness{respond: matchIndex(0)}
	base := h.factory()
	var calls atomic.Int32
	factory := func(ctx context.Context, id int) (worker.Worker, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("spawn failed")
		}
		return base(ctx, id)
	}
	p := pool.New(factory, pool.Config{MaxWorkers: 1}, zerolog.Nop())
	defer p.Close()
	s := New(newStore("a"), p, Config{MaxWorkers: 1, KeepWorkers: true}, zerolog.Nop())

	res := identify(t, s)
	require.NotNil(t, res.Matched)
	assert.Equal(t, "a", *res.Matched)
	assert.Equal(t, int32(2), calls.Load(), "one failed spawn, one retry")
}

func TestClosedPoolFailsRequest(t *testing.T) {
	s, _, p := setup(t, newStore("a"), Config{MaxWorkers: 1}, 1, matchIndex(0))
	require.NoError(t, p.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.Identify(ctx, "probe", types.Template{1})
	assert.ErrorIs(t, err, pool.ErrClosed)
}

func TestConcurrentRequestsShareSmallPool(t *testing.T) {
	s, h, p := setup(t, newStore("a", "b", "c"), Config{MaxWorks: 1, MaxWorkers: 2, KeepWorkers: true}, 1, func(w *scriptWorker, do types.Do) {
		time.Sleep(5 * time.Millisecond)
		w.done(do, nil)
	})

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := identify(t, s)
			assert.Nil(t, res.Matched)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, h.maxLive.Load(), int32(1))
	assert.Equal(t, int32(1), h.created.Load())
	assert.Len(t, h.dispatched(), 6)
	assert.Equal(t, 0, p.Busy())
}

func TestKeepAliveDisabledDisposesWorkers(t *testing.T) {
	s, h, p := setup(t, newStore("a", "b"), Config{MaxWorks: 1, MaxWorkers: 1}, 1, matchIndex(-1))
	identify(t, s)
	assert.Equal(t, int32(2), h.created.Load())
	assert.Equal(t, 0, p.Size())
}

func TestAbnormalTermination(t *testing.T) {
	// The worker on chunk 1 dies without reporting; chunk 2 matches.
	respond := func(w *scriptWorker, do types.Do) {
		if do.Chunk == 1 {
			close(w.events)
			return
		}
		w.done(do, &types.Match{Index: do.Start})
	}
	s, h, p := setup(t, newStore("a", "b"), Config{MaxWorks: 1, MaxWorkers: 1, KeepWorkers: true}, 1, respond)

	res := identify(t, s)
	require.NotNil(t, res.Matched)
	assert.Equal(t, "b", *res.Matched)
	assert.Equal(t, int32(2), h.created.Load(), "dead worker must be replaced, not reused")
	assert.Equal(t, 1, p.Size())
}

func TestChunkTimeout(t *testing.T) {
	respond := func(w *scriptWorker, do types.Do) {} // never answers
	s, h, p := setup(t, newStore("a"), Config{MaxWorkers: 1, KeepWorkers: true, ChunkTimeout: 30 * time.Millisecond}, 1, respond)

	res := identify(t, s)
	assert.Nil(t, res.Matched)
	assert.Equal(t, []int{1}, h.stoppedChunks())
	assert.Equal(t, 0, p.Size(), "timed-out worker is disposed")
}

func TestContextCancel(t *testing.T) {
	s, h, _ := setup(t, newStore("a", "b"), Config{MaxWorks: 1, MaxWorkers: 2, KeepWorkers: true}, 2, func(w *scriptWorker, do types.Do) {
		w.waitStop(do)
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := s.Identify(ctx, "probe", types.Template{1})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotEmpty(t, h.stoppedChunks())
}

func TestHooks(t *testing.T) {
	h := &harness{respond: matchIndex(-1)}
	p := pool.New(h.factory(), pool.Config{MaxWorkers: 2}, zerolog.Nop())
	defer p.Close()

	var mu sync.Mutex
	var dispatched []int
	var lastCompleted, lastTotal int
	s := New(newStore("a", "b", "c"), p, Config{MaxWorks: 1, MaxWorkers: 2, KeepWorkers: true}, zerolog.Nop(), WithHooks(Hooks{
		OnDispatch: func(_ string, c Chunk, _ int) {
			mu.Lock()
			dispatched = append(dispatched, c.Seq)
			mu.Unlock()
		},
		OnChunkDone: func(_ string, completed, total int) {
			lastCompleted, lastTotal = completed, total
		},
	}))

	identify(t, s)
	assert.Equal(t, []int{1, 2, 3}, dispatched, "dispatch follows sequence order")
	assert.Equal(t, 3, lastCompleted)
	assert.Equal(t, 3, lastTotal)
}
