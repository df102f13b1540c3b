package correlate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atelierhq/atelier/internal/clock"
	"github.com/atelierhq/atelier/internal/errors"
	"github.com/atelierhq/atelier/internal/logging"
	"github.com/atelierhq/atelier/internal/metrics"
	"github.com/atelierhq/atelier/internal/protocol"
)

// Sender writes one encoded frame to the connection.
type Sender interface {
	Write(ctx context.Context, data []byte) error
}

// Recorder receives correlation metrics. *metrics.Collector implements it.
type Recorder interface {
	RequestSent(kind string)
	RequestSettled(kind, outcome string, elapsed time.Duration)
	FrameDropped(kind, reason string)
	PendingChanged(requests, jobs int)
}

// Disposition reports what Dispatch did with a frame.
type Disposition int

const (
	// Unmatched means no pending caller took the frame. Broadcasts land
	// here when nobody asked for them.
	Unmatched Disposition = iota
	// Settled means one or more pending callers were resolved or rejected.
	Settled
	// Rekeyed means a started frame moved its caller to the job table.
	Rekeyed
	// Progress means a non-terminal job update, which never settles a caller.
	Progress
)

func (d Disposition) String() string {
	switch d {
	case Settled:
		return "settled"
	case Rekeyed:
		return "rekeyed"
	case Progress:
		return "progress"
	default:
		return "unmatched"
	}
}

// Options configures a Correlator. Zero values select defaults.
type Options struct {
	Clock    clock.Clock
	Logger   *logging.Logger
	Recorder Recorder
	Timeouts Timeouts
	// NewID generates request IDs. Defaults to uuid.NewString.
	NewID func() string
}

type outcome struct {
	frame   protocol.Frame
	started *protocol.JobStarted
	err     error
}

// pending is one registered caller. Every field except result is guarded
// by Correlator.mu; done is the settle-once flag.
type pending struct {
	kind      protocol.Kind
	route     route
	requestID string
	key       string
	jobID     string
	started   *protocol.JobStarted
	onStarted func(protocol.JobStarted)
	created   time.Time
	timeout   time.Duration
	timer     *clock.Timer
	done      bool

	result chan outcome
}

// Correlator matches inbound frames to the callers waiting for them.
// There is one per connection.
type Correlator struct {
	sender   Sender
	clock    clock.Clock
	logger   *logging.Logger
	recorder Recorder
	timeouts Timeouts
	newID    func() string

	mu       sync.Mutex
	requests map[string]*pending   // requestId -> caller
	jobs     map[string]*pending   // jobId -> caller
	keyed    map[string][]*pending // approval/<id> or latest-wins kind -> callers
	failed   error
}

// New creates a Correlator that writes through sender.
func New(sender Sender, opts Options) *Correlator {
	c := &Correlator{
		sender:   sender,
		clock:    opts.Clock,
		logger:   opts.Logger,
		recorder: opts.Recorder,
		timeouts: opts.Timeouts.merged(),
		newID:    opts.NewID,
		requests: make(map[string]*pending),
		jobs:     make(map[string]*pending),
		keyed:    make(map[string][]*pending),
	}
	if c.clock == nil {
		c.clock = clock.Real()
	}
	if c.logger == nil {
		c.logger = logging.NopLogger()
	}
	if c.recorder == nil {
		c.recorder = nopRecorder{}
	}
	if c.newID == nil {
		c.newID = uuid.NewString
	}
	return c
}

// CallOption adjusts a single request.
type CallOption func(*callConfig)

type callConfig struct {
	timeout   time.Duration
	onStarted func(protocol.JobStarted)
}

// WithTimeout overrides the kind's default budget for one call.
func WithTimeout(d time.Duration) CallOption {
	return func(cfg *callConfig) {
		if d > 0 {
			cfg.timeout = d
		}
	}
}

// OnStarted registers a callback for the started acknowledgement of a
// generate or refine request. It runs on the dispatching goroutine and
// must not block.
func OnStarted(fn func(protocol.JobStarted)) CallOption {
	return func(cfg *callConfig) { cfg.onStarted = fn }
}

// Timeout returns the budget applied to kind.
func (c *Correlator) Timeout(kind protocol.Kind) time.Duration {
	return c.timeouts.For(kind)
}

// Request sends req and blocks until it settles. It returns the frame that
// settled it: the response for request/response kinds, the terminal
// variant:updated for generate and refine, approval:updated for approve and
// reject, and the next approval:list or sync:state for the latest-wins
// kinds.
//
// Exactly one of these happens: the call resolves, it fails with a
// TimeoutError (budget elapsed or ctx done), or it fails with a
// TransportError because the write failed. A failure envelope from the
// server resolves the call with a RemoteError.
func (c *Correlator) Request(ctx context.Context, req protocol.Request, opts ...CallOption) (protocol.Frame, error) {
	o := c.send(ctx, req, opts)
	return o.frame, o.err
}

func (c *Correlator) send(ctx context.Context, req protocol.Request, opts []CallOption) outcome {
	kind := req.Kind()
	r, ok := routes[kind]
	if !ok {
		return outcome{err: fmt.Errorf("%w: %s is not a request kind", errors.ErrInvalidInput, kind)}
	}

	cfg := callConfig{timeout: c.timeouts.For(kind)}
	for _, opt := range opts {
		opt(&cfg)
	}

	p := &pending{
		kind:      kind,
		route:     r,
		requestID: c.newID(),
		key:       secondaryKey(req, r.mode),
		onStarted: cfg.onStarted,
		created:   c.clock.Now(),
		timeout:   cfg.timeout,
		result:    make(chan outcome, 1),
	}

	data, err := protocol.EncodeRequest(p.requestID, req)
	if err != nil {
		return outcome{err: err}
	}

	if err := c.register(p); err != nil {
		return outcome{err: err}
	}

	timer := c.clock.AfterFunc(p.timeout, func() { c.expire(p) })
	c.mu.Lock()
	if p.done {
		c.mu.Unlock()
		timer.Stop()
	} else {
		p.timer = timer
		c.mu.Unlock()
	}

	c.recorder.RequestSent(string(kind))
	if err := c.sender.Write(ctx, data); err != nil {
		if c.take(p) {
			if !errors.Is(err, errors.ErrTransport) {
				err = errors.NewTransportError("send", err)
			}
			c.finish(p, outcome{err: err}, metrics.OutcomeTransport)
		}
	}
	return c.wait(ctx, p)
}

func (c *Correlator) register(p *pending) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failed != nil {
		return errors.NewTransportError("send", c.failed)
	}
	c.requests[p.requestID] = p
	if p.key != "" {
		c.keyed[p.key] = append(c.keyed[p.key], p)
	}
	c.pendingChangedLocked()
	c.logger.WithRequest(string(p.kind), p.requestID).Debug("request registered", "timeout", p.timeout.String())
	return nil
}

func (c *Correlator) wait(ctx context.Context, p *pending) outcome {
	select {
	case o := <-p.result:
		return o
	case <-ctx.Done():
		if c.take(p) {
			err := errors.NewTimeoutError(string(p.kind), p.requestID, c.clock.Now().Sub(p.created)).WithCause(ctx.Err())
			c.record(p, metrics.OutcomeCancelled)
			return outcome{started: p.started, err: err}
		}
		// Settled concurrently; the result is already buffered.
		return <-p.result
	}
}

func (c *Correlator) expire(p *pending) {
	if !c.take(p) {
		return
	}
	c.logger.WithRequest(string(p.kind), p.requestID).Info("request timed out",
		"timeout", p.timeout.String(), "job_id", p.jobID)
	c.finish(p, outcome{err: errors.NewTimeoutError(string(p.kind), p.requestID, p.timeout)}, metrics.OutcomeTimeout)
}

func (c *Correlator) take(p *pending) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.takeLocked(p)
}

// takeLocked removes p from every table. It returns false if p was already
// settled; only the caller that gets true may deliver a result.
func (c *Correlator) takeLocked(p *pending) bool {
	if p.done {
		return false
	}
	p.done = true

	if c.requests[p.requestID] == p {
		delete(c.requests, p.requestID)
	}
	if p.jobID != "" && c.jobs[p.jobID] == p {
		delete(c.jobs, p.jobID)
	}
	if p.key != "" {
		waiters := c.keyed[p.key]
		for i, w := range waiters {
			if w == p {
				waiters = append(waiters[:i:i], waiters[i+1:]...)
				break
			}
		}
		if len(waiters) == 0 {
			delete(c.keyed, p.key)
		} else {
			c.keyed[p.key] = waiters
		}
	}
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	c.pendingChangedLocked()
	return true
}

// finish delivers o to a caller previously taken with takeLocked.
func (c *Correlator) finish(p *pending, o outcome, label string) {
	o.started = p.started
	p.result <- o
	c.record(p, label)
}

func (c *Correlator) record(p *pending, label string) {
	elapsed := c.clock.Now().Sub(p.created)
	c.recorder.RequestSettled(string(p.kind), label, elapsed)
	c.logger.WithRequest(string(p.kind), p.requestID).Debug("request settled",
		"outcome", label, "elapsed", elapsed.String())
}

// deliver settles p with f, turning failure envelopes into RemoteErrors.
func (c *Correlator) deliver(p *pending, f protocol.Frame) {
	if failed, msg := protocol.Failure(f); failed {
		code := ""
		if ef, ok := f.(protocol.ErrorFrame); ok {
			code = ef.Code
		}
		err := errors.NewRemoteError(string(p.kind), code, msg).WithRequestID(p.requestID)
		c.finish(p, outcome{frame: f, err: err}, metrics.OutcomeRemote)
		return
	}
	c.finish(p, outcome{frame: f}, metrics.OutcomeResolved)
}

// Dispatch routes one inbound frame. It must be called from a single
// goroutine (the connection's read loop) so that a started frame is always
// processed before the terminal frame of the same job.
func (c *Correlator) Dispatch(f protocol.Frame) Disposition {
	switch f := f.(type) {
	case protocol.ChatResponse, protocol.DescribeResponse, protocol.CompareResponse:
		return c.dispatchResponse(f)
	case protocol.JobStarted:
		return c.dispatchStarted(f)
	case protocol.VariantUpdated:
		return c.dispatchVariant(f)
	case protocol.ApprovalUpdated:
		return c.resolveKeyed(approvalKey(f.Approval.ID), f)
	case protocol.ApprovalList:
		return c.resolveKeyed(broadcastKey(protocol.KindApprovalList), f)
	case protocol.SyncState:
		return c.resolveKeyed(broadcastKey(protocol.KindSyncState), f)
	case protocol.ErrorFrame:
		return c.dispatchError(f)
	default:
		return Unmatched
	}
}

func (c *Correlator) dispatchResponse(f protocol.Frame) Disposition {
	id := protocol.RequestIDOf(f)

	c.mu.Lock()
	p, ok := c.requests[id]
	if !ok || !p.route.expects(f.Kind()) {
		c.mu.Unlock()
		c.drop(f, "request_id", id, "unknown_request")
		return Unmatched
	}
	c.takeLocked(p)
	c.mu.Unlock()

	c.deliver(p, f)
	return Settled
}

func (c *Correlator) resolveKeyed(key string, f protocol.Frame) Disposition {
	c.mu.Lock()
	waiters := append([]*pending(nil), c.keyed[key]...)
	for _, p := range waiters {
		c.takeLocked(p)
	}
	c.mu.Unlock()

	for _, p := range waiters {
		c.deliver(p, f)
	}
	if len(waiters) == 0 {
		return Unmatched
	}
	return Settled
}

func (c *Correlator) dispatchError(f protocol.ErrorFrame) Disposition {
	if f.RequestID == "" {
		return Unmatched
	}

	c.mu.Lock()
	p, ok := c.requests[f.RequestID]
	if !ok {
		// A started job is no longer indexed by requestId.
		for _, j := range c.jobs {
			if j.requestID == f.RequestID {
				p, ok = j, true
				break
			}
		}
	}
	if !ok {
		c.mu.Unlock()
		return Unmatched
	}
	c.takeLocked(p)
	c.mu.Unlock()

	c.deliver(p, f)
	return Settled
}

func (c *Correlator) drop(f protocol.Frame, idKey, id, reason string) {
	c.recorder.FrameDropped(string(f.Kind()), reason)
	c.logger.Debug("dropped frame", "kind", string(f.Kind()), idKey, id, "reason", reason)
}

// Fail rejects every pending caller with a TransportError wrapping err and
// makes later requests fail immediately. The client calls it when the
// connection is lost. It returns the number of callers rejected.
func (c *Correlator) Fail(err error) int {
	c.mu.Lock()
	if c.failed == nil {
		c.failed = err
	}
	var victims []*pending
	for _, p := range c.requests {
		victims = append(victims, p)
	}
	for _, p := range c.jobs {
		victims = append(victims, p)
	}
	taken := victims[:0]
	for _, p := range victims {
		if c.takeLocked(p) {
			taken = append(taken, p)
		}
	}
	c.mu.Unlock()

	for _, p := range taken {
		c.finish(p, outcome{err: errors.NewTransportError("receive", err)}, metrics.OutcomeTransport)
	}
	return len(taken)
}

// Pending returns the sizes of the request and job tables.
func (c *Correlator) Pending() (requests, jobs int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests), len(c.jobs)
}

func (c *Correlator) pendingChangedLocked() {
	c.recorder.PendingChanged(len(c.requests), len(c.jobs))
}

type nopRecorder struct{}

func (nopRecorder) RequestSent(string)                            {}
func (nopRecorder) RequestSettled(string, string, time.Duration) {}
func (nopRecorder) FrameDropped(string, string)                   {}
func (nopRecorder) PendingChanged(int, int)                       {}
