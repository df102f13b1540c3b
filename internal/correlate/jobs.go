package correlate

import (
	"context"
	"fmt"

	"github.com/atelierhq/atelier/internal/errors"
	"github.com/atelierhq/atelier/internal/protocol"
)

// JobResult is the normalized outcome of a generate or refine request.
type JobResult struct {
	RequestID string
	JobID     string
	AssetID   string
	AssetName string
	VariantID string
	Success   bool
	Error     string
}

// StartJob sends a generate or refine request and waits for the job's
// terminal status. The started acknowledgement re-keys the wait from the
// request ID to the job ID; the request's budget keeps running across both
// phases.
//
// A job that finishes with status failed is not an error: the result has
// Success false and Error set. When the call fails after the job started,
// the returned JobResult still carries the job and asset IDs.
func (c *Correlator) StartJob(ctx context.Context, req protocol.Request, opts ...CallOption) (JobResult, error) {
	if r, ok := routes[req.Kind()]; !ok || r.mode != twoPhase {
		return JobResult{}, fmt.Errorf("%w: %s does not start a job", errors.ErrInvalidInput, req.Kind())
	}

	o := c.send(ctx, req, opts)

	var res JobResult
	if o.started != nil {
		res.RequestID = o.started.RequestID
		res.JobID = o.started.JobID
		res.AssetID = o.started.AssetID
		res.AssetName = o.started.AssetName
	}
	if o.err != nil {
		return res, o.err
	}

	v, ok := o.frame.(protocol.VariantUpdated)
	if !ok {
		return res, fmt.Errorf("unexpected %s settling %s", o.frame.Kind(), req.Kind())
	}
	res.JobID = v.JobID
	if v.AssetID != "" {
		res.AssetID = v.AssetID
	}
	res.VariantID = v.VariantID
	res.Success = v.Status == protocol.VariantCompleted
	res.Error = v.Error
	if !res.Success && res.Error == "" {
		res.Error = "generation failed"
	}
	return res, nil
}

func (c *Correlator) dispatchStarted(f protocol.JobStarted) Disposition {
	c.mu.Lock()
	p, ok := c.requests[f.RequestID]
	if !ok || p.route.mode != twoPhase || !p.route.expects(f.Kind()) {
		c.mu.Unlock()
		c.drop(f, "request_id", f.RequestID, "unknown_request")
		return Unmatched
	}

	if !f.Success {
		c.takeLocked(p)
		c.mu.Unlock()
		c.deliver(p, f)
		return Settled
	}

	if f.JobID == "" || c.jobs[f.JobID] != nil {
		c.takeLocked(p)
		c.mu.Unlock()
		msg := "started frame has no jobId"
		if f.JobID != "" {
			msg = fmt.Sprintf("job %s is already tracked for another request", f.JobID)
		}
		err := errors.NewRemoteError(string(p.kind), "protocol", msg).WithRequestID(p.requestID)
		c.finish(p, outcome{frame: f, err: err}, "protocol_error")
		return Settled
	}

	delete(c.requests, p.requestID)
	started := f
	p.started = &started
	p.jobID = f.JobID
	c.jobs[f.JobID] = p
	c.pendingChangedLocked()
	onStarted := p.onStarted
	c.mu.Unlock()

	c.logger.WithRequest(string(p.kind), p.requestID).Debug("job started",
		"job_id", f.JobID, "asset_id", f.AssetID)
	if onStarted != nil {
		onStarted(f)
	}
	return Rekeyed
}

func (c *Correlator) dispatchVariant(f protocol.VariantUpdated) Disposition {
	if !f.Terminal() {
		return Progress
	}

	c.mu.Lock()
	p, ok := c.jobs[f.JobID]
	if !ok {
		c.mu.Unlock()
		c.drop(f, "job_id", f.JobID, "unknown_job")
		return Unmatched
	}
	c.takeLocked(p)
	c.mu.Unlock()

	c.deliver(p, f)
	return Settled
}
