package worker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/andresmejia3/identity/internal/matcher"
	"github.com/andresmejia3/identity/internal/types"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

func nextEvent(t *testing.T, w Worker) (types.Message, bool) {
	t.Helper()
	select {
	case msg, ok := <-w.Events():
		return msg, ok
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for worker event")
	}
	return types.Message{}, false
}

func TestProcessWorkerProtocol(t *testing.T) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}

	// Pre-fill the data pipe with what a child would answer: one correction, then done.
	WriteFrame(dataPipeMock, types.UpdateMessage(types.Update{RequestID: "r1", Index: 2}))
	WriteFrame(dataPipeMock, types.DoneMessage(types.Done{RequestID: "r1", Chunk: 1, Matched: &types.Match{Index: 1, Confidence: 0.9}}))

	w := newProcessWorker(1, nil, stdinMock, dataPipeMock)

	do := types.Do{RequestID: "r1", Chunk: 1, Probe: types.Template{1, 0}, Start: 0, End: 3}
	if err := w.Send(types.DoMessage(do)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	// Verify the orchestrator framed the request correctly
	sent, err := ReadFrame(bytes.NewReader(stdinMock.Bytes()))
	if err != nil {
		t.Fatalf("Failed to decode sent frame: %v", err)
	}
	if sent.Kind != types.KindDo || sent.Do.RequestID != "r1" || sent.Do.End != 3 {
		t.Errorf("Unexpected frame sent to worker: %+v", sent)
	}

	msg, ok := nextEvent(t, w)
	if !ok || msg.Kind != types.KindUpdate || msg.Update.Index != 2 || msg.Update.Data != nil {
		t.Fatalf("Expected removal update for index 2, got %+v (ok=%v)", msg, ok)
	}
	msg, ok = nextEvent(t, w)
	if !ok || msg.Kind != types.KindDone || msg.Done.Matched == nil || msg.Done.Matched.Index != 1 {
		t.Fatalf("Expected done with match 1, got %+v (ok=%v)", msg, ok)
	}

	// The mock pipe is exhausted, which looks like the child exiting.
	if _, ok := nextEvent(t, w); ok {
		t.Error("Expected events to close at end of stream")
	}
	if err := w.Close(); err != nil {
		t.Errorf("Close returned %v", err)
	}
	if err := w.Send(types.StopMessage(types.Stop{RequestID: "r1"})); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed after exit, got %v", err)
	}
}

func TestProcessWorkerGarbage(t *testing.T) {
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	// Length header promising more bytes than follow.
	dataPipeMock.Write([]byte{0, 0, 0, 10, 0xC1})

	w := newProcessWorker(2, nil, &MockCloser{Buffer: new(bytes.Buffer)}, dataPipeMock)

	if _, ok := nextEvent(t, w); ok {
		t.Fatal("Expected events to close on a truncated frame")
	}
	if err := w.Close(); err == nil {
		t.Error("Expected Close to report the read failure")
	}
}

func TestLocalWorkerMatch(t *testing.T) {
	w := NewLocalWorker(1, matcher.Cosine{Threshold: 0.5})
	defer w.Close()

	do := types.Do{
		RequestID: "r1",
		Chunk:     1,
		Templates: []types.Template{{0, 1}, {1, 0}},
		Probe:     types.Template{1, 0},
		Start:     0,
		End:       1,
	}
	if err := w.Send(types.DoMessage(do)); err != nil {
		t.Fatal(err)
	}
	msg, ok := nextEvent(t, w)
	if !ok || msg.Kind != types.KindDone {
		t.Fatalf("Expected done, got %+v", msg)
	}
	if msg.Done.Worker != 1 || msg.Done.Matched == nil || msg.Done.Matched.Index != 1 {
		t.Errorf("Unexpected done payload %+v", msg.Done)
	}
}

// blockingMatcher runs until stopped or until the deadline passes, then matches index 0.
func blockingMatcher(started chan<- struct{}, deadline time.Duration) matcher.Matcher {
	return matcher.Func(func(task matcher.Task) *types.Match {
		started <- struct{}{}
		end := time.Now().Add(deadline)
		for time.Now().Before(end) {
			if task.Stopped() {
				return nil
			}
			time.Sleep(time.Millisecond)
		}
		return &types.Match{Index: 0}
	})
}

func TestLocalWorkerStop(t *testing.T) {
	started := make(chan struct{}, 1)
	w := NewLocalWorker(1, blockingMatcher(started, 5*time.Second))
	defer w.Close()

	w.Send(types.DoMessage(types.Do{RequestID: "r1", Chunk: 3, Templates: []types.Template{{1}}, Probe: types.Template{1}}))
	<-started
	w.Send(types.StopMessage(types.Stop{RequestID: "r1", Chunk: 3}))

	msg, ok := nextEvent(t, w)
	if !ok || msg.Kind != types.KindDone || msg.Done.Matched != nil {
		t.Fatalf("Expected empty done after stop, got %+v", msg)
	}
}

func TestLocalWorkerIgnoresStaleStop(t *testing.T) {
	started := make(chan struct{}, 1)
	w := NewLocalWorker(1, blockingMatcher(started, 100*time.Millisecond))
	defer w.Close()

	w.Send(types.DoMessage(types.Do{RequestID: "r2", Chunk: 1, Templates: []types.Template{{1}}, Probe: types.Template{1}}))
	<-started
	w.Send(types.StopMessage(types.Stop{RequestID: "r1", Chunk: 1}))

	msg, _ := nextEvent(t, w)
	if msg.Done == nil || msg.Done.Matched == nil {
		t.Fatalf("Stale stop cancelled the current chunk: %+v", msg)
	}
}

func TestLocalWorkerPanicClosesEvents(t *testing.T) {
	w := NewLocalWorker(7, matcher.Func(func(matcher.Task) *types.Match {
		panic("corrupt model")
	}))
	defer w.Close()

	w.Send(types.DoMessage(types.Do{RequestID: "r1", Chunk: 1}))
	if _, ok := nextEvent(t, w); ok {
		t.Fatal("Expected events to close after a matcher panic")
	}
	if w.Err() == nil {
		t.Error("Expected Err to report the panic")
	}
	if err := w.Send(types.DoMessage(types.Do{})); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestServeProcess(t *testing.T) {
	in := new(bytes.Buffer)
	WriteFrame(in, types.DoMessage(types.Do{
		RequestID: "r9",
		Chunk:     2,
		Templates: []types.Template{{1, 0}, {0, 1}},
		Probe:     types.Template{0, 1},
		Start:     0,
		End:       1,
	}))
	out := new(bytes.Buffer)

	if err := ServeProcess(context.Background(), 4, matcher.Cosine{Threshold: 0.5}, in, out); err != nil {
		t.Fatalf("ServeProcess failed: %v", err)
	}

	msg, err := ReadFrame(out)
	if err != nil {
		t.Fatalf("Expected a reply frame: %v", err)
	}
	if msg.Kind != types.KindDone || msg.Done.Chunk != 2 || msg.Done.Matched == nil || msg.Done.Matched.Index != 1 {
		t.Errorf("Unexpected reply %+v", msg)
	}
	if _, err := ReadFrame(out); !errors.Is(err, io.EOF) {
		t.Errorf("Expected a single reply, got err %v", err)
	}
}
