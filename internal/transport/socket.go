package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var (
	// ErrNoServer is returned when the socket transport has no listen address.
	ErrNoServer = errors.New("socket transport requires a listen address")
	// ErrStarted is returned by a second call to Start.
	ErrStarted = errors.New("socket transport already started")
)

const writeTimeout = 10 * time.Second

// Frame is the wire format in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// SocketOptions configures the socket transport.
type SocketOptions struct {
	Listen    string
	Namespace string
	// RateLimit caps requests per second per connection; 0 disables it.
	RateLimit float64
	Burst     int

	OnRequest  func(c *Client, event string, data json.RawMessage)
	OnResponse func(c *Client, event string, data json.RawMessage, res any, send func())

	Logger zerolog.Logger
}

// Client is one websocket connection.
type Client struct {
	ID      string
	conn    *websocket.Conn
	writeMu sync.Mutex
	limiter *rate.Limiter
}

// Emit writes one frame to the client.
func (c *Client) Emit(event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", event, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(Frame{Event: event, Data: raw})
}

// Socket serves named operations over websocket connections at /<namespace>.
type Socket struct {
	opts     SocketOptions
	upgrader websocket.Upgrader
	log      zerolog.Logger

	mu       sync.RWMutex
	clients  map[string]*Client
	names    map[string]struct{}
	callback Callback

	addrMu sync.Mutex
	addr   net.Addr
	ready  chan struct{}

	started atomic.Bool
}

// NewSocket validates options. The listener is opened by Start.
func NewSocket(opts SocketOptions) (*Socket, error) {
	if opts.Listen == "" {
		return nil, ErrNoServer
	}
	if opts.Burst < 1 {
		opts.Burst = 1
	}
	return &Socket{
		opts: opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log:     opts.Logger.With().Str("component", "socket").Logger(),
		clients: make(map[string]*Client),
		names:   make(map[string]struct{}),
		ready:   make(chan struct{}),
	}, nil
}

func (s *Socket) Handle(names []string, cb Callback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names = nameSet(names)
	s.callback = cb
}

// Send broadcasts to every connected client. Per-client failures are logged.
func (s *Socket) Send(event string, data any) error {
	s.mu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		if err := c.Emit(event, data); err != nil {
			s.log.Warn().Err(err).Str("client", c.ID).Str("event", event).Msg("broadcast failed")
		}
	}
	return nil
}

// Clients returns the number of connected clients.
func (s *Socket) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Path is the websocket endpoint.
func (s *Socket) Path() string {
	return "/" + s.opts.Namespace
}

// Handler returns the HTTP handler serving the websocket endpoint.
func (s *Socket) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.Path(), s.serveWS)
	return mux
}

// Addr blocks until Start has bound its listener.
func (s *Socket) Addr() net.Addr {
	<-s.ready
	s.addrMu.Lock()
	defer s.addrMu.Unlock()
	return s.addr
}

func (s *Socket) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrStarted
	}
	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Listen, err)
	}
	s.addrMu.Lock()
	s.addr = ln.Addr()
	s.addrMu.Unlock()
	close(s.ready)

	srv := &http.Server{Handler: s.Handler(), BaseContext: func(net.Listener) context.Context { return ctx }}
	s.log.Info().Str("url", fmt.Sprintf("ws://%s%s", ln.Addr(), s.Path())).Msg("socket connection ready")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.closeClients()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Socket) closeClients() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		c.conn.Close()
	}
}

func (s *Socket) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("upgrade failed")
		return
	}
	c := &Client{ID: uuid.NewString(), conn: conn}
	if s.opts.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(s.opts.RateLimit), s.opts.Burst)
	}

	s.mu.Lock()
	s.clients[c.ID] = c
	s.mu.Unlock()
	log := s.log.With().Str("client", c.ID).Logger()
	log.Info().Msg("connected")

	ctx, cancel := context.WithCancel(r.Context())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		s.mu.Lock()
		delete(s.clients, c.ID)
		s.mu.Unlock()
		conn.Close()
		log.Info().Msg("disconnected")
	}()

	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("read ended")
			}
			return
		}
		s.mu.RLock()
		_, known := s.names[f.Event]
		cb := s.callback
		s.mu.RUnlock()
		if !known || cb == nil {
			log.Debug().Str("event", f.Event).Msg("ignoring unregistered event")
			continue
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return
			}
		}

		wg.Add(1)
		go func(f Frame) {
			defer wg.Done()
			s.handle(ctx, log, c, f, cb)
		}(f)
	}
}

func (s *Socket) handle(ctx context.Context, log zerolog.Logger, c *Client, f Frame, cb Callback) {
	log.Debug().Str("event", f.Event).Msg("handle message")
	if s.opts.OnRequest != nil {
		s.opts.OnRequest(c, f.Event, f.Data)
	}
	res, ok := cb(ctx, f.Event, f.Data)
	if !ok {
		return
	}
	send := func() {
		if err := c.Emit(f.Event, res); err != nil {
			log.Warn().Err(err).Str("event", f.Event).Msg("response not delivered")
		}
	}
	if s.opts.OnResponse != nil {
		s.opts.OnResponse(c, f.Event, f.Data, res, send)
		return
	}
	send()
}
