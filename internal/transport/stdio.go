package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
)

const maxLine = 64 * 1024 * 1024

// envelope is one newline-delimited JSON message on the stdio channel.
// Requests and their responses share Seq; pushes carry none.
type envelope struct {
	Channel string          `json:"channel"`
	Seq     *int64          `json:"seq,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Stdio serves a single caller over a pair of streams, typically the stdin and
// stdout of a process embedded in a desktop shell.
type Stdio struct {
	in  io.Reader
	log zerolog.Logger

	outMu sync.Mutex
	enc   *json.Encoder

	mu       sync.RWMutex
	names    map[string]struct{}
	callback Callback
}

func NewStdio(in io.Reader, out io.Writer, log zerolog.Logger) *Stdio {
	return &Stdio{
		in:    in,
		enc:   json.NewEncoder(out),
		log:   log.With().Str("component", "ipc").Logger(),
		names: make(map[string]struct{}),
	}
}

func (s *Stdio) Handle(names []string, cb Callback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names = nameSet(names)
	s.callback = cb
}

// Send writes an out-of-band event to the caller.
func (s *Stdio) Send(event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", event, err)
	}
	return s.write(envelope{Channel: event, Data: raw})
}

func (s *Stdio) write(e envelope) error {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	return s.enc.Encode(e)
}

// Start reads requests until the input ends or ctx is done, then waits for
// in-flight requests to answer.
func (s *Stdio) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(s.in)
		sc.Buffer(make([]byte, 0, 64*1024), maxLine)
		for sc.Scan() {
			line := append([]byte(nil), sc.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	s.log.Info().Msg("IPC is ready to serve")

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				wg.Wait()
				select {
				case err := <-readErr:
					if err != nil {
						return fmt.Errorf("failed to read requests: %w", err)
					}
				default:
				}
				return nil
			}
			if len(line) == 0 {
				continue
			}
			var req envelope
			if err := json.Unmarshal(line, &req); err != nil {
				s.log.Warn().Err(err).Msg("malformed request")
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.handle(ctx, req)
			}()
		}
	}
}

func (s *Stdio) handle(ctx context.Context, req envelope) {
	s.mu.RLock()
	_, known := s.names[req.Channel]
	cb := s.callback
	s.mu.RUnlock()

	resp := envelope{Channel: req.Channel, Seq: req.Seq}
	if !known || cb == nil {
		resp.Error = "operation not recognized"
	} else if res, ok := cb(ctx, req.Channel, req.Data); !ok {
		resp.Error = "operation not recognized"
	} else {
		raw, err := json.Marshal(res)
		if err != nil {
			s.log.Error().Err(err).Str("channel", req.Channel).Msg("failed to encode response")
			return
		}
		resp.Data = raw
		s.log.Debug().Str("channel", req.Channel).RawJSON("result", raw).Msg("done")
	}
	if err := s.write(resp); err != nil {
		s.log.Error().Err(err).Str("channel", req.Channel).Msg("failed to write response")
	}
}
