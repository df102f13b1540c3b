package correlate

import (
	"slices"
	"time"

	"github.com/atelierhq/atelier/internal/protocol"
)

type mode int

const (
	// byRequestID settles on the first expected frame carrying the requestId.
	byRequestID mode = iota
	// twoPhase re-keys from requestId to jobId on *:started, then settles
	// on the terminal variant:updated.
	twoPhase
	// byApproval settles on the next approval:updated for the approvalId.
	byApproval
	// latestWins settles every outstanding waiter of the kind on the next
	// matching frame.
	latestWins
)

type route struct {
	mode      mode
	responses []protocol.Kind
}

func (r route) expects(k protocol.Kind) bool {
	return slices.Contains(r.responses, k)
}

var routes = map[protocol.Kind]route{
	protocol.KindChatRequest:     {byRequestID, []protocol.Kind{protocol.KindChatResponse}},
	protocol.KindGenerateRequest: {twoPhase, []protocol.Kind{protocol.KindGenerateStarted}},
	protocol.KindRefineRequest:   {twoPhase, []protocol.Kind{protocol.KindRefineStarted}},
	protocol.KindDescribeRequest: {byRequestID, []protocol.Kind{protocol.KindDescribeResponse}},
	protocol.KindCompareRequest:  {byRequestID, []protocol.Kind{protocol.KindCompareResponse}},
	protocol.KindApprovalApprove: {byApproval, []protocol.Kind{protocol.KindApprovalUpdated}},
	protocol.KindApprovalReject:  {byApproval, []protocol.Kind{protocol.KindApprovalUpdated}},
	protocol.KindApprovalList:    {latestWins, []protocol.Kind{protocol.KindApprovalList}},
	protocol.KindSyncRequest:     {latestWins, []protocol.Kind{protocol.KindSyncState}},
}

// secondaryKey returns the index key for modes that are not settled by
// requestId alone.
func secondaryKey(req protocol.Request, m mode) string {
	switch m {
	case byApproval:
		switch r := req.(type) {
		case protocol.ApproveRequest:
			return approvalKey(r.ApprovalID)
		case protocol.RejectRequest:
			return approvalKey(r.ApprovalID)
		}
	case latestWins:
		if r, ok := routes[req.Kind()]; ok && len(r.responses) > 0 {
			return broadcastKey(r.responses[0])
		}
	}
	return ""
}

func approvalKey(id string) string { return "approval/" + id }

// broadcastKey indexes latest-wins waiters by the frame kind that settles
// them, which need not match the request kind (sync:request -> sync:state).
func broadcastKey(response protocol.Kind) string { return "broadcast/" + string(response) }

// Timeouts maps a request kind to how long its caller waits. For two-phase
// kinds the budget covers both the acknowledgement and the terminal status.
type Timeouts map[protocol.Kind]time.Duration

// FallbackTimeout applies to kinds with no configured budget.
const FallbackTimeout = 60 * time.Second

// DefaultTimeouts returns the per-kind defaults.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		protocol.KindChatRequest:     120 * time.Second,
		protocol.KindGenerateRequest: 300 * time.Second,
		protocol.KindRefineRequest:   300 * time.Second,
		protocol.KindDescribeRequest: 60 * time.Second,
		protocol.KindCompareRequest:  60 * time.Second,
		protocol.KindApprovalList:    10 * time.Second,
		protocol.KindApprovalApprove: 30 * time.Second,
		protocol.KindApprovalReject:  30 * time.Second,
		protocol.KindSyncRequest:     10 * time.Second,
	}
}

// For returns the budget for kind.
func (t Timeouts) For(kind protocol.Kind) time.Duration {
	if d, ok := t[kind]; ok && d > 0 {
		return d
	}
	return FallbackTimeout
}

// merged returns the defaults overlaid with the positive entries of t.
func (t Timeouts) merged() Timeouts {
	out := DefaultTimeouts()
	for k, d := range t {
		if d > 0 {
			out[k] = d
		}
	}
	return out
}
