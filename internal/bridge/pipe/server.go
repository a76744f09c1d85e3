package pipe

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/petems/showdesk-guard/internal/eventbus"
)

const (
	writeTimeout    = 5 * time.Second
	sendQueueSize   = 16
	maxClients      = 8
	acceptBackoff   = 500 * time.Millisecond
	maxAcceptErrors = 10
)

// ErrUnsupportedPlatform is returned by Start where named pipes do not exist.
var ErrUnsupportedPlatform = errors.New("named pipes are not supported on this platform")

type pipeClient struct {
	conn      net.Conn
	send      chan []byte
	done      chan struct{}
	flush     chan struct{} // closed when the write loop should drain and hang up
	closeOnce sync.Once
	flushOnce sync.Once
}

// hangUp asks the write loop to write what is queued and then disconnect.
func (c *pipeClient) hangUp() {
	c.flushOnce.Do(func() { close(c.flush) })
}

func (c *pipeClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// enqueue never blocks. It reports false when the client's queue is full.
func (c *pipeClient) enqueue(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return true
	default:
		return false
	}
}

// Server accepts pipe clients and pushes every broadcast event to each.
type Server struct {
	name   string
	exec   CommandExecutor
	log    zerolog.Logger
	listen func(name string) (net.Listener, error)

	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	started  bool
	clients  map[*pipeClient]struct{}
	wg       sync.WaitGroup
}

// NewServer constructs a Server. An empty name selects DefaultPipeName; a
// nil exec answers every request with an error.
func NewServer(name string, exec CommandExecutor, log zerolog.Logger) *Server {
	if name == "" {
		name = DefaultPipeName()
	}
	return &Server{
		name:    name,
		exec:    exec,
		log:     log.With().Str("component", "pipe").Str("pipe", name).Logger(),
		listen:  listenPipe,
		clients: make(map[*pipeClient]struct{}),
	}
}

// PipeName returns the listen pipe name.
func (s *Server) PipeName() string {
	return s.name
}

// Start begins listening.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.New("pipe server already started")
	}

	listener, err := s.listen(s.name)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.name, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.listener = listener
	s.started = true
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx, listener)
	}()
	s.log.Info().Msg("Pipe bridge started")
	return nil
}

// Stop closes the listener and every client, then waits for their goroutines.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.cancel()
	listener := s.listener
	s.listener = nil
	clients := s.clients
	s.clients = make(map[*pipeClient]struct{})
	s.mu.Unlock()

	if err := listener.Close(); err != nil {
		s.log.Warn().Err(err).Msg("Failed to close pipe listener during shutdown")
	}
	for c := range clients {
		c.close()
	}
	s.wg.Wait()
	s.log.Info().Msg("Pipe bridge stopped")
	return nil
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Broadcast queues ev for every client. Slow clients are disconnected.
func (s *Server) Broadcast(ev eventbus.Event) {
	raw, err := encodeEvent(ev)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to encode event")
		return
	}

	s.mu.Lock()
	targets := make([]*pipeClient, 0, len(s.clients))
	for c := range s.clients {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	for _, c := range targets {
		if !c.enqueue(raw) {
			s.log.Warn().Msg("Pipe client too slow, disconnecting")
			s.remove(c)
		}
	}
}

func (s *Server) remove(c *pipeClient) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	c.close()
}

func (s *Server) acceptLoop(ctx context.Context, listener net.Listener) {
	consecutiveErrors := 0
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			consecutiveErrors++
			if consecutiveErrors > maxAcceptErrors {
				s.log.Warn().Err(err).Int("count", consecutiveErrors).Msg("Repeated pipe accept failures")
				time.Sleep(acceptBackoff)
			} else {
				s.log.Debug().Err(err).Msg("Pipe accept error")
			}
			continue
		}
		consecutiveErrors = 0

		c := &pipeClient{
			conn: conn,
			send:  make(chan []byte, sendQueueSize),
			done:  make(chan struct{}),
			flush: make(chan struct{}),
		}

		s.mu.Lock()
		if !s.started || len(s.clients) >= maxClients {
			full := s.started
			s.mu.Unlock()
			if full {
				s.log.Warn().Msg("Pipe client limit reached, rejecting client")
				if raw, err := encodeResponse(Response{OK: false, Error: "server busy"}); err == nil {
					conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					conn.Write(raw)
				}
			}
			conn.Close()
			continue
		}
		s.clients[c] = struct{}{}
		s.wg.Add(2)
		s.mu.Unlock()

		go func() {
			defer s.wg.Done()
			s.writeLoop(c)
		}()
		go func() {
			defer s.wg.Done()
			s.readLoop(c)
		}()
	}
}

func (s *Server) writeLoop(c *pipeClient) {
	defer s.remove(c)
	for {
		select {
		case <-c.done:
			return
		case raw := <-c.send:
			if !s.write(c, raw) {
				return
			}
		case <-c.flush:
			for {
				select {
				case raw := <-c.send:
					if !s.write(c, raw) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (s *Server) write(c *pipeClient, raw []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return false
	}
	if _, err := c.conn.Write(raw); err != nil {
		s.log.Debug().Err(err).Msg("Pipe write failed")
		return false
	}
	return true
}

func (s *Server) readLoop(c *pipeClient) {
	reader := bufio.NewReaderSize(c.conn, maxRequestBytes+1)
	for {
		raw, err := readRequestFrame(reader)
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			s.remove(c)
			return
		}
		if err != nil {
			// The stream cannot be resynchronized; answer, then hang up once
			// the answer is written.
			s.reply(c, Response{OK: false, Error: fmt.Sprintf("invalid request: %v", err)})
			c.hangUp()
			return
		}

		req, err := decodeRequest(raw)
		if err != nil {
			s.reply(c, Response{OK: false, Error: fmt.Sprintf("invalid request: %v", err)})
			continue
		}
		s.reply(c, s.execute(req))
	}
}

func (s *Server) execute(req Request) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("command", req.Command).Msg("Pipe command panicked")
			resp = Response{Command: req.Command, OK: false, Error: "internal error"}
		}
	}()
	if s.exec == nil {
		return Response{Command: req.Command, OK: false, Error: "no command handler"}
	}
	resp = s.exec.Execute(req)
	resp.Command = req.Command
	return resp
}

func (s *Server) reply(c *pipeClient, resp Response) {
	raw, err := encodeResponse(resp)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to encode response")
		return
	}
	if !c.enqueue(raw) {
		s.remove(c)
	}
}
