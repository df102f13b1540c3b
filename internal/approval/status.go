package approval

import (
	"slices"

	"github.com/atelierhq/atelier/internal/protocol"
)

// Status is the lifecycle state of an approval.
type Status string

const (
	StatusPending  Status = protocol.ApprovalPending
	StatusApproved Status = protocol.ApprovalApproved
	StatusRejected Status = protocol.ApprovalRejected
	StatusExecuted Status = protocol.ApprovalExecuted
	StatusFailed   Status = protocol.ApprovalFailed
)

// pending -> executed|failed happens when the server runs the tool without
// an explicit approve step.
var transitions = map[Status][]Status{
	StatusPending:  {StatusApproved, StatusRejected, StatusExecuted, StatusFailed},
	StatusApproved: {StatusExecuted, StatusFailed},
}

// CanTransition reports whether s -> to is a legal move.
func (s Status) CanTransition(to Status) bool {
	return slices.Contains(transitions[s], to)
}

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusExecuted || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusExecuted, StatusFailed:
		return true
	}
	return false
}
