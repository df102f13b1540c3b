package event

import "time"

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns "category.action", e.g. "job.progress".
	EventType() string
	Timestamp() time.Time
}

// Event type identifiers.
const (
	TypeJobStarted       = "job.started"
	TypeJobProgress      = "job.progress"
	TypeJobFinished      = "job.finished"
	TypeApprovalUpdated  = "approval.updated"
	TypeRemoteError      = "remote.error"
	TypeSyncState        = "sync.state"
	TypeConnectionLost   = "connection.lost"
	TypePlanStepChanged  = "plan.step_changed"
	TypePlanStatusChange = "plan.status_changed"
)

type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{eventType: eventType, timestamp: time.Now()}
}

// -----------------------------------------------------------------------------
// Job events
// -----------------------------------------------------------------------------

// JobStartedEvent is emitted when the server acknowledges a generate or
// refine request with a job ID.
type JobStartedEvent struct {
	baseEvent
	Kind      string // request kind, e.g. "generate:request"
	RequestID string
	JobID     string
	AssetID   string
	AssetName string
}

// NewJobStartedEvent creates a JobStartedEvent.
func NewJobStartedEvent(kind, requestID, jobID, assetID, assetName string) JobStartedEvent {
	return JobStartedEvent{
		baseEvent: newBaseEvent(TypeJobStarted),
		Kind:      kind,
		RequestID: requestID,
		JobID:     jobID,
		AssetID:   assetID,
		AssetName: assetName,
	}
}

// JobProgressEvent is emitted for every non-terminal variant:updated frame.
type JobProgressEvent struct {
	baseEvent
	JobID     string
	AssetID   string
	VariantID string
	Status    string
	Progress  float64 // 0..1, zero when the server does not report it
}

// NewJobProgressEvent creates a JobProgressEvent.
func NewJobProgressEvent(jobID, assetID, variantID, status string, progress float64) JobProgressEvent {
	return JobProgressEvent{
		baseEvent: newBaseEvent(TypeJobProgress),
		JobID:     jobID,
		AssetID:   assetID,
		VariantID: variantID,
		Status:    status,
		Progress:  progress,
	}
}

// JobFinishedEvent is emitted for every terminal variant:updated frame,
// whether or not a local caller is still waiting for it.
type JobFinishedEvent struct {
	baseEvent
	JobID     string
	AssetID   string
	VariantID string
	Success   bool
	Error     string
	// Awaited is false when no local caller was waiting (it timed out, or
	// the job was started by another operator).
	Awaited bool
}

// NewJobFinishedEvent creates a JobFinishedEvent.
func NewJobFinishedEvent(jobID, assetID, variantID string, success bool, errMsg string, awaited bool) JobFinishedEvent {
	return JobFinishedEvent{
		baseEvent: newBaseEvent(TypeJobFinished),
		JobID:     jobID,
		AssetID:   assetID,
		VariantID: variantID,
		Success:   success,
		Error:     errMsg,
		Awaited:   awaited,
	}
}

// -----------------------------------------------------------------------------
// Approval events
// -----------------------------------------------------------------------------

// ApprovalUpdatedEvent is emitted for each approval:updated frame, including
// updates caused by other operators.
type ApprovalUpdatedEvent struct {
	baseEvent
	ApprovalID string
	Tool       string
	Status     string
	Error      string
}

// NewApprovalUpdatedEvent creates an ApprovalUpdatedEvent.
func NewApprovalUpdatedEvent(approvalID, tool, status, errMsg string) ApprovalUpdatedEvent {
	return ApprovalUpdatedEvent{
		baseEvent:  newBaseEvent(TypeApprovalUpdated),
		ApprovalID: approvalID,
		Tool:       tool,
		Status:     status,
		Error:      errMsg,
	}
}

// -----------------------------------------------------------------------------
// Connection events
// -----------------------------------------------------------------------------

// RemoteErrorEvent is emitted for error frames not tied to a pending request.
type RemoteErrorEvent struct {
	baseEvent
	Code      string
	Message   string
	RequestID string // set when the request had already settled
}

// NewRemoteErrorEvent creates a RemoteErrorEvent.
func NewRemoteErrorEvent(code, message, requestID string) RemoteErrorEvent {
	return RemoteErrorEvent{
		baseEvent: newBaseEvent(TypeRemoteError),
		Code:      code,
		Message:   message,
		RequestID: requestID,
	}
}

// SyncStateEvent is emitted when a sync:state snapshot arrives.
type SyncStateEvent struct {
	baseEvent
	AssetCount int
}

// NewSyncStateEvent creates a SyncStateEvent.
func NewSyncStateEvent(assetCount int) SyncStateEvent {
	return SyncStateEvent{baseEvent: newBaseEvent(TypeSyncState), AssetCount: assetCount}
}

// ConnectionLostEvent is emitted once when the read loop ends for any reason
// other than a local Close.
type ConnectionLostEvent struct {
	baseEvent
	Err error
}

// NewConnectionLostEvent creates a ConnectionLostEvent.
func NewConnectionLostEvent(err error) ConnectionLostEvent {
	return ConnectionLostEvent{baseEvent: newBaseEvent(TypeConnectionLost), Err: err}
}

// -----------------------------------------------------------------------------
// Plan events
// -----------------------------------------------------------------------------

// PlanStepChangedEvent is emitted whenever a step changes status.
type PlanStepChangedEvent struct {
	baseEvent
	PlanID    string
	StepIndex int
	Status    string
	Error     string
}

// NewPlanStepChangedEvent creates a PlanStepChangedEvent.
func NewPlanStepChangedEvent(planID string, stepIndex int, status, errMsg string) PlanStepChangedEvent {
	return PlanStepChangedEvent{
		baseEvent: newBaseEvent(TypePlanStepChanged),
		PlanID:    planID,
		StepIndex: stepIndex,
		Status:    status,
		Error:     errMsg,
	}
}

// PlanStatusChangedEvent is emitted on every plan status transition.
type PlanStatusChangedEvent struct {
	baseEvent
	PlanID string
	From   string
	To     string
}

// NewPlanStatusChangedEvent creates a PlanStatusChangedEvent.
func NewPlanStatusChangedEvent(planID, from, to string) PlanStatusChangedEvent {
	return PlanStatusChangedEvent{
		baseEvent: newBaseEvent(TypePlanStatusChange),
		PlanID:    planID,
		From:      from,
		To:        to,
	}
}
