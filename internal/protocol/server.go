package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/poppobuilder/poppo/internal/log"
)

// ServerConfig configures the control-channel server.
type ServerConfig struct {
	// AuthToken, when non-empty, requires clients to authenticate before
	// any other message.
	AuthToken string
	// HandlerTimeout bounds one command handler. Default 30s.
	HandlerTimeout time.Duration
	// Logger receives protocol diagnostics. Nil discards them.
	Logger *log.Logger
}

func (c *ServerConfig) applyDefaults() {
	if c.HandlerTimeout == 0 {
		c.HandlerTimeout = 30 * time.Second
	}
}

// client is one accepted connection.
type client struct {
	id      string
	conn    net.Conn
	writeMu sync.Mutex // a frame is written whole; concurrent responses interleave per frame
	authed  bool
}

func (c *client) send(m *Message) error {
	frame, err := m.Encode()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.conn.Write(frame)
	return err
}

// Server accepts control-channel connections, performs the welcome/auth
// handshake and dispatches commands through the registry. Events are
// broadcast to every authenticated client best-effort.
type Server struct {
	cfg      ServerConfig
	registry *Registry

	mu      sync.Mutex
	clients map[string]*client
	ln      net.Listener
	closed  bool

	// seen drops replayed command ids inside a short window.
	seen *cache.Cache

	wg  sync.WaitGroup
	log *log.Logger
}

// NewServer creates a Server around a command registry.
func NewServer(registry *Registry, cfg ServerConfig) *Server {
	cfg.applyDefaults()
	return &Server{
		cfg:      cfg,
		registry: registry,
		clients:  make(map[string]*client),
		seen:     cache.New(time.Minute, 5*time.Minute),
		log:      cfg.Logger,
	}
}

// Serve accepts connections until the listener closes or ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

// Close stops accepting, disconnects all clients and waits for their
// read loops to drain.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	if s.ln != nil {
		_ = s.ln.Close()
	}
	for _, c := range s.clients {
		_ = c.conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Broadcast sends an event to every authenticated client. Delivery is
// best-effort: a slow or broken client never blocks the caller.
func (s *Server) Broadcast(event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		s.log.ErrorErr(log.CatProto, "event marshal failed", err, "event", event)
		return
	}

	s.mu.Lock()
	targets := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		if c.authed {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	for _, c := range targets {
		c := c
		s.log.SafeGo("event-send", func() {
			m := newMessage(TypeEvent)
			m.Event = event
			m.Data = payload
			if err := c.send(&m); err != nil {
				s.log.Debug(log.CatProto, "event send failed", "client", c.id, "event", event)
			}
		})
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()

	c := &client{id: uuid.New().String(), conn: conn}
	defer func() {
		s.mu.Lock()
		delete(s.clients, c.id)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.clients[c.id] = c
	s.mu.Unlock()

	authRequired := s.cfg.AuthToken != ""
	welcome := newMessage(TypeWelcome)
	welcome.AuthRequired = boolPtr(authRequired)
	if err := c.send(&welcome); err != nil {
		return
	}
	s.setAuthed(c, !authRequired)

	r := bufio.NewReader(conn)
	if authRequired {
		if !s.authenticate(c, r) {
			return
		}
	}

	s.log.Debug(log.CatProto, "client connected", "client", c.id)
	for {
		payload, err := ReadFrame(r)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Debug(log.CatProto, "client read ended", "client", c.id, "error", err.Error())
			}
			return
		}
		var m Message
		if err := json.Unmarshal(payload, &m); err != nil {
			s.sendError(c, "", "Internal", "malformed message: "+err.Error())
			continue
		}
		switch m.Type {
		case TypeCommand:
			s.dispatchCommand(ctx, c, m)
		case TypeAuth:
			// Already authenticated; ignore.
		default:
			s.sendError(c, m.ID, "InvalidArgs", "unexpected message type "+m.Type)
		}
	}
}

// authenticate reads the mandatory auth message. Any other first message,
// or a wrong token, gets an error and the connection closes.
func (s *Server) authenticate(c *client, r *bufio.Reader) bool {
	payload, err := ReadFrame(r)
	if err != nil {
		return false
	}
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		s.sendError(c, "", "AuthRequired", "malformed auth message")
		return false
	}
	if m.Type != TypeAuth {
		s.sendError(c, m.ID, "AuthRequired", "authentication required before "+m.Type)
		return false
	}
	if m.Token != s.cfg.AuthToken {
		s.sendError(c, m.ID, "AuthRequired", "invalid token")
		s.log.Warn(log.CatProto, "auth rejected", "client", c.id)
		return false
	}

	ok := newMessage(TypeAuthSuccess)
	ok.ID = m.ID
	if err := c.send(&ok); err != nil {
		return false
	}
	s.setAuthed(c, true)
	s.log.Debug(log.CatProto, "client authenticated", "client", c.id)
	return true
}

// setAuthed flips the client's auth flag under the server lock; the
// broadcaster reads it from other goroutines.
func (s *Server) setAuthed(c *client, authed bool) {
	s.mu.Lock()
	c.authed = authed
	s.mu.Unlock()
}

// dispatchCommand runs the handler on its own goroutine so one slow
// command never blocks the connection's read loop. Multiple commands per
// client run concurrently, disambiguated by id.
func (s *Server) dispatchCommand(ctx context.Context, c *client, m Message) {
	if m.ID == "" {
		s.sendError(c, "", "InvalidArgs", "command without id")
		return
	}
	// Replayed command id inside the dedup window: drop it. The original
	// response is already on its way.
	if err := s.seen.Add(c.id+"/"+m.ID, struct{}{}, cache.DefaultExpiration); err != nil {
		s.log.Debug(log.CatProto, "duplicate command dropped", "client", c.id, "id", m.ID)
		return
	}

	s.log.SafeGo("command-"+m.Command, func() {
		cctx, cancel := context.WithTimeout(ctx, s.cfg.HandlerTimeout)
		defer cancel()

		result, err := s.registry.Dispatch(cctx, m.Command, m.Args)
		resp := newMessage(TypeResponse)
		resp.ID = m.ID
		if err != nil {
			resp.Success = boolPtr(false)
			resp.Error = &ErrorInfo{Message: err.Error(), Code: ErrorCode(err)}
			s.log.Debug(log.CatProto, "command failed", "command", m.Command, "code", resp.Error.Code)
		} else {
			payload, merr := json.Marshal(result)
			if merr != nil {
				resp.Success = boolPtr(false)
				resp.Error = &ErrorInfo{Message: merr.Error(), Code: "Internal"}
			} else {
				resp.Success = boolPtr(true)
				resp.Result = payload
			}
		}
		if err := c.send(&resp); err != nil {
			s.log.Debug(log.CatProto, "response send failed", "client", c.id, "id", m.ID)
		}
	})
}

func (s *Server) sendError(c *client, id, code, msg string) {
	m := newMessage(TypeError)
	m.ID = id
	m.Error = &ErrorInfo{Message: msg, Code: code}
	_ = c.send(&m)
}
