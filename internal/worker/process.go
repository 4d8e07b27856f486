package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/andresmejia3/identity/internal/matcher"
	"github.com/andresmejia3/identity/internal/types"
	"github.com/andresmejia3/identity/internal/utils" // Using the SafeCommand wrapper
	"golang.org/x/sync/errgroup"
)

// ProcessConfig describes how to launch a child worker process.
type ProcessConfig struct {
	Path string   // executable, defaults to the running binary
	Args []string // defaults to ["worker"]
	// ExitTimeout is how long Close waits for a graceful exit before killing.
	ExitTimeout time.Duration
}

// ProcessWorker is a child process speaking the frame protocol: requests go to
// its stdin, replies come back on a side-channel pipe (FD 3 in the child).
type ProcessWorker struct {
	id       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	events  chan types.Message
	writeMu sync.Mutex
	group   *errgroup.Group
	exited  chan struct{}
	once    sync.Once
	timeout time.Duration
}

// NewProcessWorker launches the child and starts reading its replies.
func NewProcessWorker(id int, cfg ProcessConfig) (*ProcessWorker, error) {
	path := cfg.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve worker executable: %w", err)
		}
		path = exe
	}
	args := cfg.Args
	if len(args) == 0 {
		args = []string{"worker"}
	}

	proc := utils.NewSafeCommand(path, args...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	proc.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := proc.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := proc.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	pw := newProcessWorker(id, proc, stdin, r)
	if cfg.ExitTimeout > 0 {
		pw.timeout = cfg.ExitTimeout
	}
	return pw, nil
}

func newProcessWorker(id int, cmd *utils.SafeCommand, stdin io.WriteCloser, data io.ReadCloser) *ProcessWorker {
	w := &ProcessWorker{
		id:       id,
		Cmd:      cmd,
		Stdin:    stdin,
		DataPipe: data,
		events:   make(chan types.Message, 16),
		group:    new(errgroup.Group),
		exited:   make(chan struct{}),
		timeout:  5 * time.Second,
	}
	w.group.Go(w.readLoop)
	return w
}

// ProcessFactory launches one child process per pooled worker.
func ProcessFactory(cfg ProcessConfig) Factory {
	return func(_ context.Context, id int) (Worker, error) {
		return NewProcessWorker(id, cfg)
	}
}

func (w *ProcessWorker) ID() int { return w.id }

func (w *ProcessWorker) Events() <-chan types.Message { return w.events }

func (w *ProcessWorker) Send(msg types.Message) error {
	select {
	case <-w.exited:
		return ErrClosed
	default:
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := WriteFrame(w.Stdin, msg); err != nil {
		return fmt.Errorf("worker %d: %w", w.id, err)
	}
	return nil
}

// readLoop forwards replies until the child closes its end or sends garbage.
func (w *ProcessWorker) readLoop() error {
	defer close(w.exited)
	defer close(w.events)
	for {
		msg, err := ReadFrame(w.DataPipe)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return fmt.Errorf("worker %d: %w", w.id, err)
		}
		if msg.Kind != types.KindDone && msg.Kind != types.KindUpdate {
			continue
		}
		w.events <- msg
	}
}

// Close asks the child to exit by closing its stdin and reaps it.
func (w *ProcessWorker) Close() error {
	var err error
	w.once.Do(func() {
		// Drain anything the scheduler no longer listens for so readLoop can finish.
		go func() {
			for range w.events {
			}
		}()
		w.Stdin.Close()
		select {
		case <-w.exited:
		case <-time.After(w.timeout):
			if w.Cmd != nil && w.Cmd.Process != nil {
				w.Cmd.Process.Kill()
			}
			w.DataPipe.Close()
		}
		err = w.group.Wait()
		w.DataPipe.Close()
		if w.Cmd != nil {
			w.Cmd.Wait()
		}
	})
	return err
}

// ServeProcess is the child side: frames from in become Do/Stop messages,
// replies are framed to out. It returns when in reaches EOF.
func ServeProcess(ctx context.Context, id int, m matcher.Matcher, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	inbox := make(chan types.Message, 8)
	outbox := make(chan types.Message, 16)

	// The reader stays outside the group: a blocked read must not hold up exit.
	readErr := make(chan error, 1)
	go func() {
		defer close(inbox)
		for {
			msg, err := ReadFrame(in)
			if err != nil {
				if !errors.Is(err, io.EOF) {
					readErr <- err
				}
				return
			}
			select {
			case inbox <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(outbox)
		return Serve(gctx, id, m, inbox, outbox)
	})
	g.Go(func() error {
		for msg := range outbox {
			if err := WriteFrame(out, msg); err != nil {
				return err
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	select {
	case err := <-readErr:
		return err
	default:
		return nil
	}
}
