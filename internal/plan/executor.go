package plan

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atelierhq/atelier/internal/correlate"
	"github.com/atelierhq/atelier/internal/errors"
	"github.com/atelierhq/atelier/internal/event"
	"github.com/atelierhq/atelier/internal/logging"
	"github.com/atelierhq/atelier/internal/protocol"
)

// Dispatcher sends the requests a plan needs. *client.Client satisfies it.
type Dispatcher interface {
	Generate(ctx context.Context, req protocol.GenerateRequest, onStarted func(protocol.JobStarted)) (correlate.JobResult, error)
	Refine(ctx context.Context, req protocol.RefineRequest, onStarted func(protocol.JobStarted)) (correlate.JobResult, error)
	Sync(ctx context.Context) ([]protocol.Asset, error)
}

// Store persists plan progress. created holds the artifacts produced by the
// transition being saved and is empty for pure status changes.
type Store interface {
	SaveProgress(ctx context.Context, p *Plan, created Artifacts) error
}

// StepRecorder counts finished steps. *metrics.Collector satisfies it.
type StepRecorder interface {
	StepFinished(action, status string)
}

// Options configures an Executor. Every field is optional.
type Options struct {
	Store    Store
	Bus      *event.Bus
	Logger   *logging.Logger
	Recorder StepRecorder
}

// Outcome summarizes one advance call.
type Outcome struct {
	// Executed is the number of steps that completed during the call.
	Executed int
	// Status is the plan status after the call.
	Status Status
	// Message is set for informational no-ops.
	Message string
}

// Executor advances a single plan. Calls are serialized.
type Executor struct {
	mu         sync.Mutex
	plan       *Plan
	dispatcher Dispatcher
	store      Store
	bus        *event.Bus
	logger     *logging.Logger
	recorder   StepRecorder

	// closed is set once the store reports that the plan was closed or
	// replaced elsewhere; the executor refuses further work after that.
	closed error
}

// NewExecutor returns an executor for p. A step left in_progress by an
// interrupted run is reset to pending.
func NewExecutor(p *Plan, d Dispatcher, opts Options) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	e := &Executor{
		plan:       p,
		dispatcher: d,
		store:      opts.Store,
		bus:        opts.Bus,
		logger:     logger.WithPlan(p.ID),
		recorder:   opts.Recorder,
	}
	for i := range p.Steps {
		if p.Steps[i].Status == StepInProgress {
			e.logger.Warn("resetting interrupted step", "step", i+1)
			p.Steps[i].Status = StepPending
		}
	}
	return e
}

// Plan returns a copy of the current plan state.
func (e *Executor) Plan() *Plan {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.plan.Clone()
}

// AdvanceOne executes the next pending step and pauses.
func (e *Executor) AdvanceOne(ctx context.Context) (Outcome, error) {
	return e.advance(ctx, 1)
}

// AdvanceAll executes pending steps in order until the plan completes or a
// step fails.
func (e *Executor) AdvanceAll(ctx context.Context) (Outcome, error) {
	return e.advance(ctx, -1)
}

// Cancel moves a non-terminal plan to cancelled.
func (e *Executor) Cancel(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed != nil {
		return e.closed
	}
	if e.plan.Status.Terminal() {
		return fmt.Errorf("%w: plan is already %s", errors.ErrPlanClosed, e.plan.Status)
	}
	if err := e.setStatus(StatusCancelled); err != nil {
		return err
	}
	return e.persist(ctx, Artifacts{})
}

func (e *Executor) advance(ctx context.Context, limit int) (Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.plan
	if e.closed != nil {
		return Outcome{Status: p.Status}, e.closed
	}
	switch p.Status {
	case StatusCompleted:
		return Outcome{Status: p.Status, Message: "plan already completed"}, nil
	case StatusFailed, StatusCancelled:
		return Outcome{Status: p.Status}, fmt.Errorf("%w: plan is %s; start a new conversation to continue", errors.ErrPlanClosed, p.Status)
	}

	out := Outcome{}
	for limit < 0 || out.Executed < limit {
		idx := p.NextPending()
		if idx < 0 {
			break
		}
		if err := e.runStep(ctx, idx); err != nil {
			out.Status = p.Status
			return out, err
		}
		out.Executed++
	}

	if p.NextPending() < 0 {
		if err := e.complete(ctx); err != nil {
			out.Status = p.Status
			return out, err
		}
		if out.Executed == 0 {
			out.Message = "no pending steps"
		}
	} else if p.Status == StatusExecuting {
		if err := e.setStatus(StatusPaused); err != nil {
			return out, err
		}
		if err := e.persist(ctx, Artifacts{}); err != nil {
			out.Status = p.Status
			return out, err
		}
	}
	out.Status = p.Status
	return out, nil
}

// complete walks the plan to completed, going through executing when the
// plan was paused or awaiting approval.
func (e *Executor) complete(ctx context.Context) error {
	if e.plan.Status != StatusExecuting {
		if err := e.setStatus(StatusExecuting); err != nil {
			return err
		}
	}
	if err := e.setStatus(StatusCompleted); err != nil {
		return err
	}
	e.logger.Info("plan completed", "steps", len(e.plan.Steps))
	return e.persist(ctx, Artifacts{})
}

func (e *Executor) runStep(ctx context.Context, idx int) error {
	p := e.plan
	step := &p.Steps[idx]

	if p.Status != StatusExecuting {
		if err := e.setStatus(StatusExecuting); err != nil {
			return err
		}
	}
	if err := e.setStepStatus(idx, StepInProgress, ""); err != nil {
		return err
	}
	p.CurrentStep = idx
	if err := e.persist(ctx, Artifacts{}); err != nil {
		// Nothing was dispatched; leave the step for the next advance.
		_ = e.setStepStatus(idx, StepPending, "")
		return err
	}

	stepLog := e.logger.With("step", idx+1, "action", string(step.Action))
	stepLog.Info("step started", "description", step.Description)

	res, err := e.execute(ctx, *step)
	if err != nil && ctx.Err() != nil {
		// Interrupted by the caller: the remote outcome is unknown, so the
		// step goes back to pending and the plan pauses.
		stepLog.Warn("step interrupted", "error", err)
		_ = e.setStepStatus(idx, StepPending, "")
		_ = e.setStatus(StatusPaused)
		if perr := e.persist(context.WithoutCancel(ctx), Artifacts{}); perr != nil {
			stepLog.Error("failed to persist interrupted step", "error", perr)
		}
		return err
	}

	result := StepResult{
		StepIndex:  idx,
		Success:    err == nil && res.Success,
		AssetID:    res.AssetID,
		VariantID:  res.VariantID,
		JobID:      res.JobID,
		FinishedAt: time.Now().UTC(),
	}
	if !result.Success {
		cause := err
		if cause == nil {
			cause = errors.New(res.Error)
		}
		result.Error = cause.Error()
		p.Results = append(p.Results, result)
		_ = e.setStepStatus(idx, StepFailed, result.Error)
		_ = e.setStatus(StatusFailed)
		e.record(step.Action, StepFailed)
		stepLog.Error("step failed", "error", result.Error)
		// Anything the job produced before failing is still recorded.
		if perr := e.persist(ctx, result.artifacts()); perr != nil {
			stepLog.Error("failed to persist failed step", "error", perr)
		}
		return errors.NewStepExecutionError(p.ID, idx, string(step.Action), cause)
	}

	p.Results = append(p.Results, result)
	step.Result = describeResult(res)
	if err := e.setStepStatus(idx, StepCompleted, ""); err != nil {
		return err
	}
	e.record(step.Action, StepCompleted)
	stepLog.Info("step completed", "asset_id", res.AssetID, "variant_id", res.VariantID)
	return e.persist(ctx, result.artifacts())
}

func (e *Executor) execute(ctx context.Context, step Step) (correlate.JobResult, error) {
	var r *resolver
	if needsSnapshot(step) {
		assets, err := e.dispatcher.Sync(ctx)
		if err != nil {
			return correlate.JobResult{}, fmt.Errorf("failed to fetch asset snapshot: %w", err)
		}
		r = newResolver(assets)
	}

	req, err := buildRequest(step, r)
	if err != nil {
		return correlate.JobResult{}, err
	}

	onStarted := func(s protocol.JobStarted) {
		e.logger.Debug("job started", "job_id", s.JobID, "asset_id", s.AssetID)
	}
	switch req := req.(type) {
	case protocol.GenerateRequest:
		return e.dispatcher.Generate(ctx, req, onStarted)
	case protocol.RefineRequest:
		return e.dispatcher.Refine(ctx, req, onStarted)
	}
	return correlate.JobResult{}, fmt.Errorf("%w: %s is not a job request", errors.ErrInvalidInput, req.Kind())
}

func describeResult(res correlate.JobResult) string {
	name := res.AssetName
	if name == "" {
		name = res.AssetID
	}
	return fmt.Sprintf("variant %s of %s", res.VariantID, name)
}

func (e *Executor) setStatus(to Status) error {
	from := e.plan.Status
	if err := e.plan.Transition(to); err != nil {
		return err
	}
	e.publish(event.NewPlanStatusChangedEvent(e.plan.ID, string(from), string(to)))
	return nil
}

func (e *Executor) setStepStatus(idx int, to StepStatus, errMsg string) error {
	if err := e.plan.transitionStep(idx, to); err != nil {
		return err
	}
	e.plan.Steps[idx].Error = errMsg
	e.publish(event.NewPlanStepChangedEvent(e.plan.ID, idx, string(to), errMsg))
	return nil
}

func (e *Executor) persist(ctx context.Context, created Artifacts) error {
	if e.store == nil {
		return nil
	}
	if err := e.store.SaveProgress(ctx, e.plan, created); err != nil {
		if errors.Is(err, errors.ErrPlanClosed) {
			e.closed = err
			e.logger.Warn("plan closed by another writer", "error", err)
		}
		return fmt.Errorf("failed to save plan: %w", err)
	}
	return nil
}

func (e *Executor) publish(ev event.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

func (e *Executor) record(a Action, s StepStatus) {
	if e.recorder != nil {
		e.recorder.StepFinished(string(a), string(s))
	}
}
