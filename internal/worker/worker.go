package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/andresmejia3/identity/internal/matcher"
	"github.com/andresmejia3/identity/internal/types"
)

// ErrClosed is returned when sending to a worker that has exited.
var ErrClosed = errors.New("worker closed")

// Worker is one execution unit. The orchestrator sends Do and Stop messages;
// the worker answers on Events with zero or more Update messages followed by
// exactly one Done per Do. Events is closed when the worker exits, so a
// closed channel before Done means abnormal termination.
type Worker interface {
	ID() int
	Send(msg types.Message) error
	Events() <-chan types.Message
	Close() error
}

// Factory creates the worker with the given pool-local id.
type Factory func(ctx context.Context, id int) (Worker, error)

type chunkKey struct {
	request string
	chunk   int
}

type job struct {
	do      *types.Do
	stopped atomic.Bool
}

type server struct {
	id      int
	matcher matcher.Matcher
	out     chan<- types.Message

	mu      sync.Mutex
	current *job
}

// Serve runs the worker side of the protocol: it reads Do/Stop from in and
// writes Update/Done to out. It returns nil when in is closed, ctx.Err() when
// cancelled, and an error if the matcher panics.
func Serve(ctx context.Context, id int, m matcher.Matcher, in <-chan types.Message, out chan<- types.Message) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := &server{id: id, matcher: m, out: out}
	jobs := make(chan *job, 1)
	go s.receive(ctx, in, jobs)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j, ok := <-jobs:
			if !ok {
				return nil
			}
			if err := s.run(ctx, j); err != nil {
				return err
			}
		}
	}
}

func (s *server) receive(ctx context.Context, in <-chan types.Message, jobs chan<- *job) {
	defer close(jobs)
	for {
		var msg types.Message
		var ok bool
		select {
		case <-ctx.Done():
			return
		case msg, ok = <-in:
			if !ok {
				return
			}
		}

		switch msg.Kind {
		case types.KindDo:
			if msg.Do == nil {
				continue
			}
			j := &job{do: msg.Do}
			s.mu.Lock()
			s.current = j
			s.mu.Unlock()
			select {
			case jobs <- j:
			case <-ctx.Done():
				return
			}
		case types.KindStop:
			if msg.Stop == nil {
				continue
			}
			key := chunkKey{msg.Stop.RequestID, msg.Stop.Chunk}
			s.mu.Lock()
			// A stop for anything but the current chunk is stale.
			if s.current != nil && (chunkKey{s.current.do.RequestID, s.current.do.Chunk}) == key {
				s.current.stopped.Store(true)
			}
			s.mu.Unlock()
		}
	}
}

func (s *server) run(ctx context.Context, j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker %d matcher panic: %v", s.id, r)
		}
	}()

	do := j.do
	task := matcher.Task{
		Probe:     do.Probe,
		Templates: do.Templates,
		Start:     do.Start,
		End:       do.End,
		Stopped:   j.stopped.Load,
		Correct: func(index int, data types.Template) {
			s.emit(ctx, types.UpdateMessage(types.Update{RequestID: do.RequestID, Index: index, Data: data}))
		},
	}
	matched := s.matcher.Match(task)
	s.emit(ctx, types.DoneMessage(types.Done{
		RequestID: do.RequestID,
		Chunk:     do.Chunk,
		Worker:    s.id,
		Matched:   matched,
	}))
	return nil
}

func (s *server) emit(ctx context.Context, msg types.Message) {
	select {
	case s.out <- msg:
	case <-ctx.Done():
	}
}
