package worker

import (
	"context"
	"sync"

	"github.com/andresmejia3/identity/internal/matcher"
	"github.com/andresmejia3/identity/internal/types"
)

// LocalWorker runs the protocol on a goroutine inside this process.
type LocalWorker struct {
	id     int
	in     chan types.Message
	events chan types.Message
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
}

// NewLocalWorker starts a goroutine-backed worker.
func NewLocalWorker(id int, m matcher.Matcher) *LocalWorker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &LocalWorker{
		id:     id,
		in:     make(chan types.Message, 8),
		events: make(chan types.Message, 16),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		w.err = Serve(ctx, id, m, w.in, w.events)
		close(w.events)
		close(w.done)
	}()
	return w
}

// LocalFactory builds goroutine workers sharing one matcher.
func LocalFactory(m matcher.Matcher) Factory {
	return func(_ context.Context, id int) (Worker, error) {
		return NewLocalWorker(id, m), nil
	}
}

func (w *LocalWorker) ID() int { return w.id }

func (w *LocalWorker) Send(msg types.Message) error {
	select {
	case <-w.done:
		return ErrClosed
	default:
	}
	select {
	case w.in <- msg:
		return nil
	case <-w.done:
		return ErrClosed
	}
}

func (w *LocalWorker) Events() <-chan types.Message { return w.events }

// Close stops the goroutine and waits for it to exit.
func (w *LocalWorker) Close() error {
	w.once.Do(w.cancel)
	<-w.done
	return nil
}

// Err returns why the worker exited, once it has.
func (w *LocalWorker) Err() error {
	select {
	case <-w.done:
		return w.err
	default:
		return nil
	}
}
