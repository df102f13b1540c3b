// Package client is the typed facade over one connection to the asset
// service: it owns the transport, runs the read loop, and exposes one
// method per request kind.
package client

import (
	"context"
	"sync"

	"github.com/atelierhq/atelier/internal/clock"
	"github.com/atelierhq/atelier/internal/correlate"
	"github.com/atelierhq/atelier/internal/errors"
	"github.com/atelierhq/atelier/internal/event"
	"github.com/atelierhq/atelier/internal/logging"
	"github.com/atelierhq/atelier/internal/protocol"
	"github.com/atelierhq/atelier/internal/transport"
)

// Options configures a Client.
type Options struct {
	Transport transport.Options
	Timeouts  correlate.Timeouts
	Clock     clock.Clock
	Logger    *logging.Logger
	// Bus receives unsolicited activity. A private bus is created when nil.
	Bus *event.Bus
	// Recorder receives correlation metrics; typically *metrics.Collector.
	Recorder correlate.Recorder
}

// Client is connected to one space. Methods are safe for concurrent use.
type Client struct {
	conn   *transport.Conn
	corr   *correlate.Correlator
	bus    *event.Bus
	logger *logging.Logger

	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	readErr error
}

// Connect dials the service and starts the read loop. No frame is
// dispatched before Connect returns.
func Connect(ctx context.Context, opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	bus := opts.Bus
	if bus == nil {
		bus = event.NewBus(logger)
	}

	conn := transport.New(opts.Transport, logger)
	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}

	c := &Client{
		conn:   conn,
		bus:    bus,
		logger: logger.WithSpace(opts.Transport.SpaceID),
		done:   make(chan struct{}),
	}
	c.corr = correlate.New(conn, correlate.Options{
		Clock:    opts.Clock,
		Logger:   c.logger,
		Recorder: opts.Recorder,
		Timeouts: opts.Timeouts,
	})
	go c.readLoop()
	return c, nil
}

// Bus returns the event bus the client publishes to.
func (c *Client) Bus() *event.Bus { return c.bus }

// Done is closed when the read loop has stopped.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the read loop stopped, or nil while it is running or
// after a local Close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readErr
}

// Close disconnects and waits for the read loop to exit. Pending callers
// are rejected with a TransportError. It is safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
		<-c.done
	})
	return nil
}

func (c *Client) readLoop() {
	defer close(c.done)

	ctx := context.Background()
	for {
		data, err := c.conn.Read(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) {
				c.logger.Debug("read loop stopped")
			} else {
				c.mu.Lock()
				c.readErr = err
				c.mu.Unlock()
				c.logger.Warn("connection lost", "error", err)
				c.bus.Publish(event.NewConnectionLostEvent(err))
			}
			if n := c.corr.Fail(err); n > 0 {
				c.logger.Info("rejected pending requests", "count", n)
			}
			return
		}

		f, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("ignoring undecodable frame", "error", err, "size", len(data))
			continue
		}
		c.dispatch(f)
	}
}

func (c *Client) dispatch(f protocol.Frame) {
	d := c.corr.Dispatch(f)
	c.logger.Debug("frame dispatched", "kind", string(f.Kind()), "disposition", d.String())

	switch f := f.(type) {
	case protocol.JobStarted:
		if d == correlate.Rekeyed {
			c.bus.Publish(event.NewJobStartedEvent(string(f.Kind()), f.RequestID, f.JobID, f.AssetID, f.AssetName))
		}
	case protocol.VariantUpdated:
		if f.Terminal() {
			c.bus.Publish(event.NewJobFinishedEvent(f.JobID, f.AssetID, f.VariantID,
				f.Status == protocol.VariantCompleted, f.Error, d == correlate.Settled))
		} else {
			c.bus.Publish(event.NewJobProgressEvent(f.JobID, f.AssetID, f.VariantID, f.Status, f.Progress))
		}
	case protocol.ApprovalUpdated:
		a := f.Approval
		c.bus.Publish(event.NewApprovalUpdatedEvent(a.ID, a.Tool, a.Status, a.Error))
	case protocol.SyncState:
		c.bus.Publish(event.NewSyncStateEvent(len(f.Assets)))
	case protocol.ErrorFrame:
		if d == correlate.Unmatched {
			c.logger.Warn("server error", "code", f.Code, "message", f.Message, "request_id", f.RequestID)
			c.bus.Publish(event.NewRemoteErrorEvent(f.Code, f.Message, f.RequestID))
		}
	}
}

// Pending returns the sizes of the correlator's request and job tables.
func (c *Client) Pending() (requests, jobs int) {
	return c.corr.Pending()
}
