package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dreamware/consortium/internal/cluster"
)

// defaultRetryDelay is the pause between reconnection attempts.
const defaultRetryDelay = 400 * time.Millisecond

// Client is the participant end of the link. It keeps reconnecting until
// closed and buffers outbound messages while it is not registered, flushing
// them in order once the coordinator accepted its registration again.
type Client struct {
	onMessage  func(cluster.RunMessage)
	logger     *zap.Logger
	dialer     *websocket.Dialer
	conn       *websocket.Conn
	ready      chan struct{}
	cancel     context.CancelFunc
	url        string
	clientID   string
	token      string
	pending    [][]byte
	retryDelay time.Duration
	wg         sync.WaitGroup
	mu         sync.Mutex
	registered bool
	closed     bool
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the client's logger.
func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithToken makes the client present token when connecting.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithRetryDelay sets the pause between reconnection attempts.
func WithRetryDelay(d time.Duration) ClientOption {
	return func(c *Client) { c.retryDelay = d }
}

// NewClient creates a client for the coordinator at url, registering as
// clientID. onMessage receives every run message from the coordinator, on
// the client's read goroutine.
func NewClient(url, clientID string, onMessage func(cluster.RunMessage), opts ...ClientOption) *Client {
	c := &Client{
		url:        url,
		clientID:   clientID,
		onMessage:  onMessage,
		logger:     zap.NewNop(),
		dialer:     websocket.DefaultDialer,
		retryDelay: defaultRetryDelay,
		ready:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("client_id", clientID))
	return c
}

// Start launches the connection loop and returns immediately.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.loop(ctx)
	return nil
}

// WaitReady blocks until the client is registered with the coordinator.
func (c *Client) WaitReady(ctx context.Context) error {
	c.mu.Lock()
	ready := c.ready
	c.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) loop(ctx context.Context) {
	defer c.wg.Done()

	for attempt := 1; ; attempt++ {
		err := c.connect(ctx)
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("coordinator connection lost", zap.Int("attempt", attempt), zap.Error(err))

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.retryDelay):
		}
	}
}

// connect runs one connection until it fails.
func (c *Client) connect(ctx context.Context) error {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, _, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		if c.registered {
			c.registered = false
			c.ready = make(chan struct{})
		}
		c.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		env, err := cluster.Decode(data)
		if err != nil {
			c.logger.Warn("dropping malformed message", zap.Error(err))
			continue
		}

		switch env.Type {
		case cluster.MsgHello:
			if err := c.register(); err != nil {
				return err
			}
		case cluster.MsgRun:
			var msg cluster.RunMessage
			if err := env.Payload(&msg); err != nil {
				c.logger.Warn("dropping run message", zap.Error(err))
				continue
			}
			c.logger.Debug("run message received", zap.String("run_id", msg.RunID), zap.Bool("replay", msg.Replay))
			c.onMessage(msg)
		default:
			c.logger.Debug("ignoring message", zap.String("type", string(env.Type)))
		}
	}
}

// register answers hello and flushes the messages buffered meanwhile.
func (c *Client) register() error {
	data, err := cluster.Encode(cluster.MsgRegister, cluster.Register{ID: c.clientID})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.writeLocked(data); err != nil {
		return err
	}
	for len(c.pending) > 0 {
		if err := c.writeLocked(c.pending[0]); err != nil {
			return err
		}
		c.pending = c.pending[1:]
	}
	if !c.registered {
		c.registered = true
		close(c.ready)
	}
	c.logger.Info("registered with coordinator", zap.String("url", c.url))
	return nil
}

func (c *Client) writeLocked(data []byte) error {
	if c.conn == nil {
		return ErrClosed
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Send delivers msg to the coordinator, or buffers it until the client is
// registered again. sessions are ignored.
func (c *Client) Send(msg cluster.RunMessage, _ ...string) error {
	data, err := cluster.Encode(cluster.MsgRun, msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if !c.registered {
		c.pending = append(c.pending, data)
		return nil
	}
	if err := c.writeLocked(data); err != nil {
		c.logger.Warn("send failed, buffering until reconnect", zap.String("run_id", msg.RunID), zap.Error(err))
		c.pending = append(c.pending, data)
	}
	return nil
}

// Close stops reconnecting and closes the connection. Buffered messages
// are dropped.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	return nil
}
