package protocol

// Frame is an inbound message. The set of implementations is closed:
// only types in this package satisfy it, and Decode returns one of them.
type Frame interface {
	Kind() Kind
	frame()
}

// ChatResponse answers a chat:request.
type ChatResponse struct {
	RequestID        string        `json:"requestId"`
	Success          bool          `json:"success"`
	Message          string        `json:"message,omitempty"`
	Error            string        `json:"error,omitempty"`
	Plan             *PlanProposal `json:"plan,omitempty"`
	PendingApprovals []Approval    `json:"pendingApprovals,omitempty"`
	Artifacts        *Artifacts    `json:"artifacts,omitempty"`
}

// JobStarted acknowledges a generate or refine request. Type is either
// generate:started or refine:started.
type JobStarted struct {
	Type      Kind   `json:"type"`
	RequestID string `json:"requestId"`
	JobID     string `json:"jobId"`
	AssetID   string `json:"assetId,omitempty"`
	AssetName string `json:"assetName,omitempty"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// VariantUpdated reports job progress or its terminal outcome.
type VariantUpdated struct {
	JobID     string  `json:"jobId"`
	AssetID   string  `json:"assetId,omitempty"`
	VariantID string  `json:"variantId,omitempty"`
	Status    string  `json:"status"`
	Progress  float64 `json:"progress,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// DescribeResponse answers a describe:request.
type DescribeResponse struct {
	RequestID   string `json:"requestId"`
	Success     bool   `json:"success"`
	Description string `json:"description,omitempty"`
	Error       string `json:"error,omitempty"`
}

// CompareResponse answers a compare:request.
type CompareResponse struct {
	RequestID  string `json:"requestId"`
	Success    bool   `json:"success"`
	Comparison string `json:"comparison,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ApprovalUpdated is broadcast whenever an approval changes status.
type ApprovalUpdated struct {
	Approval Approval `json:"approval"`
}

// ApprovalList carries the pending approvals of the space.
type ApprovalList struct {
	Approvals []Approval `json:"approvals"`
}

// SyncState carries a full asset snapshot.
type SyncState struct {
	Assets []Asset `json:"assets"`
}

// ErrorFrame is an out-of-band failure. RequestID is set when the server
// could tie the failure to a request.
type ErrorFrame struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

func (ChatResponse) Kind() Kind     { return KindChatResponse }
func (f JobStarted) Kind() Kind     { return f.Type }
func (VariantUpdated) Kind() Kind   { return KindVariantUpdated }
func (DescribeResponse) Kind() Kind { return KindDescribeResponse }
func (CompareResponse) Kind() Kind  { return KindCompareResponse }
func (ApprovalUpdated) Kind() Kind  { return KindApprovalUpdated }
func (ApprovalList) Kind() Kind     { return KindApprovalList }
func (SyncState) Kind() Kind        { return KindSyncState }
func (ErrorFrame) Kind() Kind       { return KindError }

func (ChatResponse) frame()     {}
func (JobStarted) frame()       {}
func (VariantUpdated) frame()   {}
func (DescribeResponse) frame() {}
func (CompareResponse) frame()  {}
func (ApprovalUpdated) frame()  {}
func (ApprovalList) frame()     {}
func (SyncState) frame()        {}
func (ErrorFrame) frame()       {}

// Terminal reports whether the update ends its job.
func (f VariantUpdated) Terminal() bool {
	return f.Status == VariantCompleted || f.Status == VariantFailed
}

// RequestIDOf returns the requestId a frame answers, or "" for frames that
// are not correlated by request ID.
func RequestIDOf(f Frame) string {
	switch f := f.(type) {
	case ChatResponse:
		return f.RequestID
	case JobStarted:
		return f.RequestID
	case DescribeResponse:
		return f.RequestID
	case CompareResponse:
		return f.RequestID
	case ErrorFrame:
		return f.RequestID
	default:
		return ""
	}
}

// Failure reports whether f is an explicit failure envelope and returns
// the server's message.
func Failure(f Frame) (bool, string) {
	switch f := f.(type) {
	case ChatResponse:
		return !f.Success, f.Error
	case JobStarted:
		return !f.Success, f.Error
	case DescribeResponse:
		return !f.Success, f.Error
	case CompareResponse:
		return !f.Success, f.Error
	case ErrorFrame:
		return true, f.Message
	default:
		return false, ""
	}
}
