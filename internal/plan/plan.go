// Package plan implements the persisted plan state machine: an ordered
// list of generation steps advanced one at a time or all at once.
package plan

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/atelierhq/atelier/internal/errors"
	"github.com/atelierhq/atelier/internal/protocol"
)

// Status is the lifecycle state of a plan.
type Status string

const (
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusExecuting        Status = "executing"
	StatusPaused           Status = "paused"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusAwaitingApproval: {StatusExecuting, StatusCancelled},
	StatusExecuting:        {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:           {StatusExecuting, StatusCancelled},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusAwaitingApproval, StatusExecuting, StatusPaused,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether s -> to is allowed.
func (s Status) CanTransition(to Status) bool {
	return slices.Contains(transitions[s], to)
}

// StepStatus is the state of a single step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
)

// in_progress -> pending is only taken when a step was interrupted before
// its outcome was known.
var stepTransitions = map[StepStatus][]StepStatus{
	StepPending:    {StepInProgress},
	StepInProgress: {StepCompleted, StepFailed, StepPending},
}

// CanTransition reports whether s -> to is allowed.
func (s StepStatus) CanTransition(to StepStatus) bool {
	return slices.Contains(stepTransitions[s], to)
}

// Action is what a step asks the service to do.
type Action string

const (
	// ActionCreate generates a new asset.
	ActionCreate Action = "create"
	// ActionRefine generates a new variant of an existing asset.
	ActionRefine Action = "refine"
	// ActionCombine generates a new asset from two or more references.
	ActionCombine Action = "combine"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	return a == ActionCreate || a == ActionRefine || a == ActionCombine
}

// Step is one action of a plan. Steps are never reordered.
type Step struct {
	ID          string         `json:"id" yaml:"id"`
	Action      Action         `json:"action" yaml:"action"`
	Description string         `json:"description" yaml:"description"`
	Params      map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	Status      StepStatus     `json:"status" yaml:"status"`
	Result      string         `json:"result,omitempty" yaml:"result,omitempty"`
	Error       string         `json:"error,omitempty" yaml:"error,omitempty"`
}

// StepResult is the immutable outcome of one step execution.
type StepResult struct {
	StepIndex  int       `json:"stepIndex" yaml:"step_index"`
	Success    bool      `json:"success" yaml:"success"`
	AssetID    string    `json:"assetId,omitempty" yaml:"asset_id,omitempty"`
	VariantID  string    `json:"variantId,omitempty" yaml:"variant_id,omitempty"`
	JobID      string    `json:"jobId,omitempty" yaml:"job_id,omitempty"`
	Error      string    `json:"error,omitempty" yaml:"error,omitempty"`
	FinishedAt time.Time `json:"finishedAt" yaml:"finished_at"`
}

// Plan is an ordered sequence of steps toward a goal.
type Plan struct {
	ID          string       `json:"id" yaml:"id"`
	Goal        string       `json:"goal" yaml:"goal"`
	Steps       []Step       `json:"steps" yaml:"steps"`
	Status      Status       `json:"status" yaml:"status"`
	CurrentStep int          `json:"currentStep" yaml:"current_step"`
	Results     []StepResult `json:"results,omitempty" yaml:"results,omitempty"`
	CreatedAt   time.Time    `json:"createdAt" yaml:"created_at"`
	UpdatedAt   time.Time    `json:"updatedAt" yaml:"updated_at"`
}

// New creates a plan awaiting approval. Step IDs and statuses are filled
// in; the steps are validated.
func New(goal string, steps []Step) (*Plan, error) {
	now := time.Now().UTC()
	p := &Plan{
		ID:        uuid.NewString(),
		Goal:      goal,
		Steps:     make([]Step, len(steps)),
		Status:    StatusAwaitingApproval,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for i, s := range steps {
		if s.ID == "" {
			s.ID = fmt.Sprintf("step-%d", i+1)
		}
		s.Status = StepPending
		s.Result, s.Error = "", ""
		p.Steps[i] = s
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// FromProposal creates a plan from a chat response proposal.
func FromProposal(proposal protocol.PlanProposal) (*Plan, error) {
	steps := make([]Step, len(proposal.Steps))
	for i, s := range proposal.Steps {
		steps[i] = Step{Action: Action(s.Action), Description: s.Description, Params: s.Params}
	}
	return New(proposal.Goal, steps)
}

// Validate checks the plan's structure and each step's parameters.
func (p *Plan) Validate() error {
	if p.Goal == "" {
		return fmt.Errorf("%w: plan has no goal", errors.ErrInvalidInput)
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("%w: plan has no steps", errors.ErrInvalidInput)
	}
	if !p.Status.Valid() {
		return fmt.Errorf("%w: unknown plan status %q", errors.ErrInvalidInput, p.Status)
	}
	for i, s := range p.Steps {
		if err := validateStep(s); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	return nil
}

// Transition moves the plan to a new status.
func (p *Plan) Transition(to Status) error {
	if !p.Status.CanTransition(to) {
		return fmt.Errorf("%w: plan %s cannot go from %s to %s", errors.ErrInvalidTransition, p.ID, p.Status, to)
	}
	p.Status = to
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (p *Plan) transitionStep(i int, to StepStatus) error {
	s := &p.Steps[i]
	if !s.Status.CanTransition(to) {
		return fmt.Errorf("%w: step %d cannot go from %s to %s", errors.ErrInvalidTransition, i+1, s.Status, to)
	}
	s.Status = to
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// NextPending returns the index of the first pending step, or -1.
func (p *Plan) NextPending() int {
	for i, s := range p.Steps {
		if s.Status == StepPending {
			return i
		}
	}
	return -1
}

// Count returns how many steps are in status s.
func (p *Plan) Count(s StepStatus) int {
	n := 0
	for _, step := range p.Steps {
		if step.Status == s {
			n++
		}
	}
	return n
}

// Clone returns a deep copy suitable for handing to another goroutine.
func (p *Plan) Clone() *Plan {
	c := *p
	c.Steps = make([]Step, len(p.Steps))
	for i, s := range p.Steps {
		if s.Params != nil {
			params := make(map[string]any, len(s.Params))
			for k, v := range s.Params {
				params[k] = v
			}
			s.Params = params
		}
		c.Steps[i] = s
	}
	c.Results = slices.Clone(p.Results)
	return &c
}
