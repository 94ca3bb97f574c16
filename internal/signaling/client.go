// Package signaling is the JSON-RPC 2.0 websocket client for the presence
// and directive service. Dropped connections are redialed in the background.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
	wsrpc "github.com/sourcegraph/jsonrpc2/websocket"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/mikeyg42/psoagent/internal/metrics"
)

var ErrClosed = errors.New("signaling client closed")

// Message is a server push delivered to a joined group.
type Message struct {
	Group   string          `json:"group"`
	Payload json.RawMessage `json:"payload"`
}

type connectParams struct {
	Identity string `json:"identity"`
}

type groupParams struct {
	Group string `json:"group"`
}

type Options struct {
	URL string
	// Token, when set, supplies the bearer token for every dial.
	Token            oauth2.TokenSource
	HandshakeTimeout time.Duration
	MaxRedialDelay   time.Duration
}

type Client struct {
	opts    Options
	dialer  *websocket.Dialer
	metrics *metrics.Metrics
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// failed carries the error that ended background redialing for good.
	failed chan error

	mu             sync.Mutex
	conn           *jsonrpc2.Conn
	identity       string
	closed         bool
	dialing        bool
	onMessage      func(Message)
	onConnected    func()
	onDisconnected func()
}

func New(opts Options, m *metrics.Metrics, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.MaxRedialDelay <= 0 {
		opts.MaxRedialDelay = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:    opts,
		dialer:  &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		metrics: m,
		logger:  logger.Named("signaling"),
		ctx:     ctx,
		cancel:  cancel,
		failed:  make(chan error, 1),
	}
}

// Failed delivers the error that made background redialing give up, such as
// rejected credentials. Nothing is sent when the client is closed.
func (c *Client) Failed() <-chan error { return c.failed }

func (c *Client) OnMessage(fn func(Message)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

func (c *Client) OnConnected(fn func()) {
	c.mu.Lock()
	c.onConnected = fn
	c.mu.Unlock()
}

func (c *Client) OnDisconnected(fn func()) {
	c.mu.Lock()
	c.onDisconnected = fn
	c.mu.Unlock()
}

// Connected reports whether a connection is currently installed.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect dials and announces identity, retrying with backoff until it
// succeeds, ctx ends, or the server rejects the credentials.
func (c *Client) Connect(ctx context.Context, identity string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.identity = identity
	c.dialing = true
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		c.dialing = false
		c.mu.Unlock()
		return err
	}
	c.install(conn)
	return nil
}

// Reconnect drops the current connection and redials in the background. It
// returns at once; OnConnected fires when the new link is up. It is a no-op
// while a dial is already under way.
func (c *Client) Reconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.identity == "" {
		c.mu.Unlock()
		return errors.New("signaling never connected")
	}
	if c.dialing {
		c.mu.Unlock()
		c.logger.Debug("Reconnect skipped, dial in progress")
		return nil
	}
	old := c.conn
	c.conn = nil
	c.dialing = true
	c.wg.Add(1)
	c.mu.Unlock()

	if old != nil {
		_ = old.Close()
		c.disconnected()
	}
	c.logger.Info("Reconnecting signaling")
	go func() {
		defer c.wg.Done()
		c.redial()
	}()
	return nil
}

func (c *Client) current() (*jsonrpc2.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.conn == nil {
		return nil, errors.New("signaling not connected")
	}
	return c.conn, nil
}

func (c *Client) JoinGroup(ctx context.Context, name string) error {
	conn, err := c.current()
	if err != nil {
		return err
	}
	if err := conn.Call(ctx, "joinGroup", groupParams{Group: name}, nil); err != nil {
		return fmt.Errorf("join group %s: %w", name, err)
	}
	c.logger.Debug("Joined group", zap.String("group", name))
	return nil
}

func (c *Client) Notify(ctx context.Context, method string, params any) error {
	conn, err := c.current()
	if err != nil {
		return err
	}
	if err := conn.Notify(ctx, method, params); err != nil {
		return fmt.Errorf("notify %s: %w", method, err)
	}
	return nil
}

// Close stops redialing and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.cancel()
	var err error
	if conn != nil {
		err = conn.Close()
		if errors.Is(err, jsonrpc2.ErrClosed) {
			err = nil
		}
	}
	c.wg.Wait()
	c.metrics.SetSignalingConnected(false)
	return err
}

func (c *Client) header() (http.Header, error) {
	header := http.Header{}
	if c.opts.Token == nil {
		return header, nil
	}
	tok, err := c.opts.Token.Token()
	if err != nil {
		return nil, fmt.Errorf("signaling token: %w", err)
	}
	tok.SetAuthHeader(&http.Request{Header: header})
	return header, nil
}

// dial retries with exponential backoff. Rejected credentials are permanent.
func (c *Client) dial(ctx context.Context) (*jsonrpc2.Conn, error) {
	c.mu.Lock()
	identity := c.identity
	c.mu.Unlock()

	// The client context stops retries on Close.
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	unlink := context.AfterFunc(c.ctx, stop)
	defer unlink()

	var conn *jsonrpc2.Conn
	op := func() error {
		header, err := c.header()
		if err != nil {
			return err
		}
		ws, resp, err := c.dialer.DialContext(ctx, c.opts.URL, header)
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				return backoff.Permanent(fmt.Errorf("signaling rejected credentials: %s", resp.Status))
			}
			return fmt.Errorf("signaling dial: %w", err)
		}
		rc := jsonrpc2.NewConn(c.ctx, wsrpc.NewObjectStream(ws), jsonrpc2.AsyncHandler(jsonrpc2.HandlerWithError(c.handle)))

		callCtx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
		defer cancel()
		if err := rc.Call(callCtx, "connect", connectParams{Identity: identity}, nil); err != nil {
			_ = rc.Close()
			var rpcErr *jsonrpc2.Error
			if errors.As(err, &rpcErr) && rpcErr.Code == jsonrpc2.CodeInvalidParams {
				return backoff.Permanent(fmt.Errorf("signaling refused identity %q: %w", identity, err))
			}
			return fmt.Errorf("signaling connect: %w", err)
		}
		conn = rc
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = c.opts.MaxRedialDelay
	b.MaxElapsedTime = 0

	notify := func(err error, next time.Duration) {
		c.logger.Warn("Signaling dial failed, retrying", zap.Error(err), zap.Duration("next_in", next))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		if c.ctx.Err() != nil {
			return nil, ErrClosed
		}
		return nil, err
	}
	return conn, nil
}

// install makes conn current, watches it and fires the connected listener.
func (c *Client) install(conn *jsonrpc2.Conn) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	old := c.conn
	c.conn = conn
	c.dialing = false
	fn := c.onConnected
	c.wg.Add(1)
	c.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	go c.watch(conn)

	c.metrics.SetSignalingConnected(true)
	c.logger.Info("Signaling connected", zap.String("url", c.opts.URL))
	if fn != nil {
		fn()
	}
}

func (c *Client) disconnected() {
	c.metrics.SetSignalingConnected(false)
	c.mu.Lock()
	fn := c.onDisconnected
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// watch redials when conn drops while it is still the current connection.
func (c *Client) watch(conn *jsonrpc2.Conn) {
	defer c.wg.Done()
	select {
	case <-conn.DisconnectNotify():
	case <-c.ctx.Done():
		return
	}

	c.mu.Lock()
	if c.closed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.dialing = true
	c.mu.Unlock()

	c.logger.Warn("Signaling connection lost")
	c.disconnected()
	c.redial()
}

// redial dials until it succeeds or fails permanently. The caller has set
// dialing.
func (c *Client) redial() {
	next, err := c.dial(c.ctx)
	if err == nil {
		c.install(next)
		return
	}
	c.mu.Lock()
	c.dialing = false
	c.mu.Unlock()
	if errors.Is(err, ErrClosed) {
		return
	}
	c.logger.Error("Signaling redial gave up", zap.Error(err))
	select {
	case c.failed <- err:
	default:
	}
}

func (c *Client) handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (interface{}, error) {
	switch req.Method {
	case "message":
		if req.Params == nil {
			return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: "missing params"}
		}
		var msg Message
		if err := json.Unmarshal(*req.Params, &msg); err != nil {
			return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
		}
		c.mu.Lock()
		fn := c.onMessage
		c.mu.Unlock()
		if fn != nil {
			fn(msg)
		}
		return nil, nil
	case "ping":
		return "pong", nil
	default:
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: fmt.Sprintf("method not supported: %s", req.Method)}
	}
}
