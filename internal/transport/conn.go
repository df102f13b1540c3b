// Package transport owns the single duplex connection to the asset service.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/atelierhq/atelier/internal/errors"
	"github.com/atelierhq/atelier/internal/logging"
)

// DefaultReadLimit is the largest inbound frame accepted when Options does
// not set one. sync:state snapshots of large spaces exceed the library's
// 32 KiB default.
const DefaultReadLimit = 4 << 20

// ErrClosed is returned by Read after Close, or after the server closed the
// connection normally.
var ErrClosed = errors.New("connection closed")

// Options configures a connection.
type Options struct {
	// URL is the ws:// or wss:// endpoint.
	URL string
	// SpaceID scopes the connection to one collaborative space.
	SpaceID string
	// Token is sent as a bearer token when set.
	Token string
	// ReadLimit caps the size of one inbound frame in bytes.
	ReadLimit int64
	// DialTimeout bounds the handshake. Zero means the caller's context
	// alone governs it.
	DialTimeout time.Duration
	// HTTPClient overrides the client used for the upgrade request.
	HTTPClient *http.Client
}

// Conn is one logical duplex channel. The zero value is not usable; create
// it with New or Dial.
type Conn struct {
	opts   Options
	logger *logging.Logger

	mu     sync.Mutex
	ws     *websocket.Conn
	closed bool

	writeMu sync.Mutex
}

// New creates an unconnected Conn.
func New(opts Options, logger *logging.Logger) *Conn {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = DefaultReadLimit
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Conn{opts: opts, logger: logger.WithSpace(opts.SpaceID)}
}

// Dial creates a Conn and connects it.
func Dial(ctx context.Context, opts Options, logger *logging.Logger) (*Conn, error) {
	c := New(opts, logger)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Endpoint returns the URL dialed by Connect, including the space query
// parameter.
func (c *Conn) Endpoint() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", fmt.Errorf("invalid server url %q: %w", c.opts.URL, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid server url %q: scheme must be ws or wss", c.opts.URL)
	}
	if c.opts.SpaceID != "" {
		q := u.Query()
		q.Set("spaceId", c.opts.SpaceID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Connect performs the websocket handshake. It returns only after the
// upgrade succeeded. Calling Connect on a connected Conn is a no-op; a
// closed Conn cannot be reconnected.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.NewTransportError("connect", ErrClosed).WithURL(c.opts.URL)
	}
	if c.ws != nil {
		return nil
	}

	endpoint, err := c.Endpoint()
	if err != nil {
		return errors.NewTransportError("connect", err).WithURL(c.opts.URL)
	}

	if c.opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.DialTimeout)
		defer cancel()
	}

	dialOpts := &websocket.DialOptions{HTTPClient: c.opts.HTTPClient}
	if c.opts.Token != "" {
		dialOpts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + c.opts.Token}}
	}

	ws, resp, err := websocket.Dial(ctx, endpoint, dialOpts)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("handshake rejected with HTTP %d: %w", resp.StatusCode, err)
		}
		c.logger.Warn("connect failed", "url", c.opts.URL, "error", err)
		return errors.NewTransportError("connect", err).WithURL(c.opts.URL)
	}
	ws.SetReadLimit(c.opts.ReadLimit)
	c.ws = ws
	c.logger.Info("connected", "url", c.opts.URL)
	return nil
}

func (c *Conn) current() (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.ws == nil {
		return nil, errors.ErrNotConnected
	}
	return c.ws, nil
}

// Write sends one text frame. Concurrent writers are serialized.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	ws, err := c.current()
	if err != nil {
		return errors.NewTransportError("write", err).WithURL(c.opts.URL)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		return errors.NewTransportError("write", err).WithURL(c.opts.URL)
	}
	return nil
}

// Read returns the next inbound frame. It must be called from a single
// goroutine. After a local Close or a normal closure by the server it
// returns ErrClosed.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	ws, err := c.current()
	if err != nil {
		if err == ErrClosed {
			return nil, ErrClosed
		}
		return nil, errors.NewTransportError("read", err).WithURL(c.opts.URL)
	}

	_, data, err := ws.Read(ctx)
	if err != nil {
		if c.isClosed() || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			return nil, ErrClosed
		}
		return nil, errors.NewTransportError("read", err).WithURL(c.opts.URL)
	}
	return data, nil
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close closes the connection. It is safe to call more than once and on a
// Conn that never connected.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	c.mu.Unlock()

	if ws == nil {
		return nil
	}
	err := ws.Close(websocket.StatusNormalClosure, "bye")
	c.logger.Debug("connection closed")
	if err != nil && websocket.CloseStatus(err) == -1 {
		// The peer may already be gone; a failed close handshake still
		// releases the socket.
		c.logger.Debug("close handshake incomplete", "error", err)
	}
	return nil
}
