// Package errors provides the error taxonomy shared by the atelier client.
//
// Four domain error types cover everything the correlation layer and the plan
// executor can report:
//   - TransportError: the connection could not be opened or a frame could not be sent
//   - TimeoutError: no matching response arrived within the request budget
//   - RemoteError: the server replied with an explicit failure envelope
//   - StepExecutionError: a plan step failed and halted its plan
//
// Each type wraps a sentinel so callers can match with errors.Is, or extract
// the typed value with errors.As:
//
//	if errors.Is(err, errors.ErrTimeout) { ... }
//
//	var remote *errors.RemoteError
//	if errors.As(err, &remote) {
//	    fmt.Println(remote.Code)
//	}
//
// Nothing in this module retries automatically. IsRetryable only reports
// whether a caller-driven retry is reasonable.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions so callers import only this package.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Correlation-layer sentinels.
var (
	// ErrTransport indicates the connection could not be established or a write failed.
	ErrTransport = New("transport failure")
	// ErrTimeout indicates no matching response arrived within the budget.
	ErrTimeout = New("request timed out")
	// ErrRemote indicates the server returned an explicit failure.
	ErrRemote = New("remote error")
	// ErrNotConnected indicates an operation that needs an open connection was
	// attempted before Connect or after Close.
	ErrNotConnected = New("not connected")
)

// Plan and approval sentinels.
var (
	// ErrStepFailed indicates a plan step failed.
	ErrStepFailed = New("plan step failed")
	// ErrPlanClosed indicates a failed or cancelled plan was advanced.
	ErrPlanClosed = New("plan is closed; start a new conversation")
	// ErrNoPlan indicates a plan operation was attempted with no active plan.
	ErrNoPlan = New("no active plan")
	// ErrInvalidTransition indicates a state machine rejected a transition.
	ErrInvalidTransition = New("invalid status transition")
	// ErrNotFound indicates a missing plan, step, approval or stored key.
	ErrNotFound = New("not found")
)

// General sentinels.
var (
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error
// -----------------------------------------------------------------------------

// AtelierError is implemented by every typed error in this package.
type AtelierError interface {
	error
	Unwrap() error
	Severity() Severity
	IsRetryable() bool
	IsUserFacing() bool
}

type baseError struct {
	message    string
	cause      error
	severity   Severity
	retryable  bool
	userFacing bool
}

func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *baseError) Unwrap() error      { return e.cause }
func (e *baseError) Severity() Severity { return e.severity }
func (e *baseError) IsRetryable() bool  { return e.retryable }
func (e *baseError) IsUserFacing() bool { return e.userFacing }

// format renders "prefix [k=v, ...]: message: cause".
func format(prefix string, parts []string, message string, cause error) string {
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", prefix, strings.Join(parts, ", "))
	}
	if cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, message, cause)
	}
	return fmt.Sprintf("%s: %s", prefix, message)
}

// -----------------------------------------------------------------------------
// TransportError
// -----------------------------------------------------------------------------

// TransportError reports a failed connect or send. It is fatal to the
// operation that hit it, not to the process.
//
// Example:
//
//	err := errors.NewTransportError("dial", cause).WithURL("wss://example/ws")
//	fmt.Println(err) // "transport error [op=dial, url=wss://example/ws]: ..."
type TransportError struct {
	baseError
	Op  string
	URL string
}

// NewTransportError creates a TransportError for the given operation.
func NewTransportError(op string, cause error) *TransportError {
	return &TransportError{
		baseError: baseError{
			message:    fmt.Sprintf("%s failed", op),
			cause:      cause,
			severity:   SeverityError,
			retryable:  true,
			userFacing: true,
		},
		Op: op,
	}
}

// WithURL adds the endpoint to the error context.
func (e *TransportError) WithURL(url string) *TransportError {
	e.URL = url
	return e
}

func (e *TransportError) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, "op="+e.Op)
	}
	if e.URL != "" {
		parts = append(parts, "url="+e.URL)
	}
	return format("transport error", parts, e.message, e.cause)
}

// Is matches any *TransportError and ErrTransport.
func (e *TransportError) Is(target error) bool {
	if _, ok := target.(*TransportError); ok {
		return true
	}
	if target == ErrTransport {
		return true
	}
	return e.cause != nil && errors.Is(e.cause, target)
}

// -----------------------------------------------------------------------------
// TimeoutError
// -----------------------------------------------------------------------------

// TimeoutError reports that a request got no matching response in budget.
//
// Example:
//
//	err := errors.NewTimeoutError("describe:request", "req-1", 60*time.Second)
//	fmt.Println(err) // "timeout error [kind=describe:request, request=req-1]: no response within 1m0s"
type TimeoutError struct {
	baseError
	Kind      string
	RequestID string
	Duration  time.Duration
}

// NewTimeoutError creates a TimeoutError.
func NewTimeoutError(kind, requestID string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:    fmt.Sprintf("no response within %s", duration),
			severity:   SeverityWarning,
			retryable:  true,
			userFacing: true,
		},
		Kind:      kind,
		RequestID: requestID,
		Duration:  duration,
	}
}

// WithCause records why the wait ended, e.g. a context cancellation.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

func (e *TimeoutError) Error() string {
	var parts []string
	if e.Kind != "" {
		parts = append(parts, "kind="+e.Kind)
	}
	if e.RequestID != "" {
		parts = append(parts, "request="+e.RequestID)
	}
	return format("timeout error", parts, e.message, e.cause)
}

// Is matches any *TimeoutError and ErrTimeout.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if target == ErrTimeout {
		return true
	}
	return e.cause != nil && errors.Is(e.cause, target)
}

// -----------------------------------------------------------------------------
// RemoteError
// -----------------------------------------------------------------------------

// RemoteError carries a failure envelope from the server verbatim.
type RemoteError struct {
	baseError
	Kind      string
	RequestID string
	Code      string
}

// NewRemoteError creates a RemoteError. An empty message is replaced with a
// generic one so the error is never blank.
func NewRemoteError(kind, code, message string) *RemoteError {
	if message == "" {
		message = "server reported failure"
	}
	return &RemoteError{
		baseError: baseError{
			message:    message,
			severity:   SeverityError,
			retryable:  false,
			userFacing: true,
		},
		Kind: kind,
		Code: code,
	}
}

// WithRequestID adds the request id to the error context.
func (e *RemoteError) WithRequestID(id string) *RemoteError {
	e.RequestID = id
	return e
}

// Message returns the server's message without decoration.
func (e *RemoteError) Message() string {
	return e.message
}

func (e *RemoteError) Error() string {
	var parts []string
	if e.Kind != "" {
		parts = append(parts, "kind="+e.Kind)
	}
	if e.Code != "" {
		parts = append(parts, "code="+e.Code)
	}
	if e.RequestID != "" {
		parts = append(parts, "request="+e.RequestID)
	}
	return format("remote error", parts, e.message, e.cause)
}

// Is matches any *RemoteError and ErrRemote.
func (e *RemoteError) Is(target error) bool {
	if _, ok := target.(*RemoteError); ok {
		return true
	}
	return target == ErrRemote
}

// -----------------------------------------------------------------------------
// StepExecutionError
// -----------------------------------------------------------------------------

// StepExecutionError reports that a plan step failed. The plan is halted;
// the process is not.
//
// Example:
//
//	err := errors.NewStepExecutionError("plan-1", 1, "refine", cause)
//	fmt.Println(err) // "step execution error [plan=plan-1, step=2, action=refine]: step failed: ..."
type StepExecutionError struct {
	baseError
	PlanID    string
	StepIndex int
	Action    string
}

// NewStepExecutionError creates a StepExecutionError. stepIndex is zero-based.
func NewStepExecutionError(planID string, stepIndex int, action string, cause error) *StepExecutionError {
	return &StepExecutionError{
		baseError: baseError{
			message:    "step failed",
			cause:      cause,
			severity:   SeverityError,
			retryable:  false,
			userFacing: true,
		},
		PlanID:    planID,
		StepIndex: stepIndex,
		Action:    action,
	}
}

func (e *StepExecutionError) Error() string {
	var parts []string
	if e.PlanID != "" {
		parts = append(parts, "plan="+e.PlanID)
	}
	if e.StepIndex >= 0 {
		parts = append(parts, fmt.Sprintf("step=%d", e.StepIndex+1))
	}
	if e.Action != "" {
		parts = append(parts, "action="+e.Action)
	}
	return format("step execution error", parts, e.message, e.cause)
}

// Is matches any *StepExecutionError, ErrStepFailed, and anything the cause matches.
func (e *StepExecutionError) Is(target error) bool {
	if _, ok := target.(*StepExecutionError); ok {
		return true
	}
	if target == ErrStepFailed {
		return true
	}
	return e.cause != nil && errors.Is(e.cause, target)
}

// -----------------------------------------------------------------------------
// Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable reports whether a caller-driven retry may succeed.
// Timeouts and transport failures are retryable; remote and step errors are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ae AtelierError
	if As(err, &ae) {
		return ae.IsRetryable()
	}
	return Is(err, ErrTimeout)
}

// IsUserFacing reports whether the error message is safe to print to the operator.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	var ae AtelierError
	if As(err, &ae) {
		return ae.IsUserFacing()
	}
	return false
}

// GetSeverity returns the severity of err, defaulting to SeverityError.
func GetSeverity(err error) Severity {
	var ae AtelierError
	if As(err, &ae) {
		return ae.Severity()
	}
	return SeverityError
}

// Wrap adds context to an error, returning nil when err is nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf adds formatted context to an error, returning nil when err is nil.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
