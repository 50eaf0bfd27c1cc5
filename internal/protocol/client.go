package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/poppobuilder/poppo/internal/log"
)

// DefaultRequestTimeout is the implicit per-request deadline.
const DefaultRequestTimeout = 30 * time.Second

// ErrClosed is returned by calls on a closed client.
var ErrClosed = errors.New("client closed")

// EventMessage is one server-pushed event.
type EventMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ClientConfig configures Dial.
type ClientConfig struct {
	// Token authenticates when the server requires it.
	Token string
	// RequestTimeout is the default Call deadline. Default 30s.
	RequestTimeout time.Duration
	// Logger receives protocol diagnostics. Nil discards them.
	Logger *log.Logger
}

// Client is a control-channel client. Calls may be issued concurrently;
// responses are matched to callers by message id.
type Client struct {
	conn    net.Conn
	cfg     ClientConfig
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Message
	closed  bool

	events chan EventMessage
	done   chan struct{}
}

// NewClient performs the handshake over an established connection.
func NewClient(conn net.Conn, cfg ClientConfig) (*Client, error) {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	c := &Client{
		conn:    conn,
		cfg:     cfg,
		pending: make(map[string]chan Message),
		events:  make(chan EventMessage, 64),
		done:    make(chan struct{}),
	}

	r := bufio.NewReader(conn)
	welcome, err := readMessage(r)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("reading welcome: %w", err)
	}
	if welcome.Type != TypeWelcome {
		_ = conn.Close()
		return nil, fmt.Errorf("expected welcome, got %s", welcome.Type)
	}

	if welcome.AuthRequired != nil && *welcome.AuthRequired {
		auth := newMessage(TypeAuth)
		auth.Token = cfg.Token
		if err := c.send(&auth); err != nil {
			_ = conn.Close()
			return nil, err
		}
		reply, err := readMessage(r)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("reading auth reply: %w", err)
		}
		if reply.Type != TypeAuthSuccess {
			_ = conn.Close()
			if reply.Error != nil {
				return nil, fmt.Errorf("%w: %s", ErrAuthRequired, reply.Error.Message)
			}
			return nil, ErrAuthRequired
		}
	}

	go c.readLoop(r)
	return c, nil
}

func readMessage(r *bufio.Reader) (Message, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return Message{}, err
	}
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return Message{}, err
	}
	return m, nil
}

func (c *Client) send(m *Message) error {
	frame, err := m.Encode()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.conn.Write(frame)
	return err
}

func (c *Client) readLoop(r *bufio.Reader) {
	defer func() {
		c.mu.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.closed = true
		c.mu.Unlock()
		close(c.events)
		close(c.done)
	}()

	for {
		m, err := readMessage(r)
		if err != nil {
			return
		}
		switch m.Type {
		case TypeResponse, TypeError:
			c.mu.Lock()
			ch, ok := c.pending[m.ID]
			if ok {
				delete(c.pending, m.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- m
			}
			// A response with no pending caller belongs to a request
			// that already timed out; drop it.
		case TypeEvent:
			select {
			case c.events <- EventMessage{Event: m.Event, Data: m.Data}:
			default:
				// Slow consumer: drop rather than stall the read loop.
			}
		}
	}
}

// Events returns the stream of server-pushed events. The channel closes
// when the connection does.
func (c *Client) Events() <-chan EventMessage { return c.events }

// Call sends a command and waits for its response. On deadline the
// pending entry is abandoned and a late response is ignored.
func (c *Client) Call(ctx context.Context, command string, args any) (json.RawMessage, error) {
	var rawArgs json.RawMessage
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("marshal args: %w", err)
		}
		rawArgs = b
	}

	m := newMessage(TypeCommand)
	m.Command = command
	m.Args = rawArgs

	ch := make(chan Message, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[m.ID] = ch
	c.mu.Unlock()

	abandon := func() {
		c.mu.Lock()
		delete(c.pending, m.ID)
		c.mu.Unlock()
	}

	if err := c.send(&m); err != nil {
		abandon()
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		if resp.Type == TypeError || (resp.Success != nil && !*resp.Success) {
			if resp.Error != nil {
				return nil, &RemoteError{Code: resp.Error.Code, Message: resp.Error.Message}
			}
			return nil, fmt.Errorf("command %s failed", command)
		}
		return resp.Result, nil
	case <-ctx.Done():
		abandon()
		c.cfg.Logger.Debug(log.CatProto, "request timed out", "command", command, "id", m.ID)
		return nil, fmt.Errorf("%w: %s", ErrTimeout, command)
	}
}

// Close tears the connection down and waits for the read loop.
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}

// RemoteError is a failed response surfaced to the caller.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
