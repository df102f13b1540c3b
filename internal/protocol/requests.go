package protocol

// Request is an outbound payload. The envelope fields (type, requestId)
// are added by EncodeRequest.
type Request interface {
	Kind() Kind
}

// ChatRequest sends a user message to the assistant.
type ChatRequest struct {
	Message string     `json:"message"`
	History []ChatTurn `json:"history,omitempty"`
}

// GenerateRequest creates a new asset (or a combination of references).
type GenerateRequest struct {
	Name              string   `json:"name"`
	AssetType         string   `json:"assetType,omitempty"`
	Prompt            string   `json:"prompt"`
	ParentAssetID     string   `json:"parentAssetId,omitempty"`
	ReferenceAssetIDs []string `json:"referenceAssetIds,omitempty"`
	AspectRatio       string   `json:"aspectRatio,omitempty"`
}

// RefineRequest produces a new variant of an existing asset.
type RefineRequest struct {
	AssetID           string   `json:"assetId"`
	Prompt            string   `json:"prompt"`
	SourceVariantID   string   `json:"sourceVariantId,omitempty"`
	ReferenceAssetIDs []string `json:"referenceAssetIds,omitempty"`
}

// DescribeRequest asks for a textual description of a variant.
type DescribeRequest struct {
	AssetID   string `json:"assetId"`
	VariantID string `json:"variantId,omitempty"`
	Focus     string `json:"focus,omitempty"`
	Question  string `json:"question,omitempty"`
}

// CompareRequest asks for a comparison of two or more variants.
type CompareRequest struct {
	VariantIDs []string `json:"variantIds"`
	Focus      string   `json:"focus,omitempty"`
}

// ApproveRequest approves a pending approval.
type ApproveRequest struct {
	ApprovalID string `json:"approvalId"`
}

// RejectRequest rejects a pending approval.
type RejectRequest struct {
	ApprovalID string `json:"approvalId"`
	Reason     string `json:"reason,omitempty"`
}

// ApprovalListRequest asks for the current pending approvals.
type ApprovalListRequest struct{}

// SyncRequest asks for a full asset snapshot.
type SyncRequest struct{}

func (ChatRequest) Kind() Kind         { return KindChatRequest }
func (GenerateRequest) Kind() Kind     { return KindGenerateRequest }
func (RefineRequest) Kind() Kind       { return KindRefineRequest }
func (DescribeRequest) Kind() Kind     { return KindDescribeRequest }
func (CompareRequest) Kind() Kind      { return KindCompareRequest }
func (ApproveRequest) Kind() Kind      { return KindApprovalApprove }
func (RejectRequest) Kind() Kind       { return KindApprovalReject }
func (ApprovalListRequest) Kind() Kind { return KindApprovalList }
func (SyncRequest) Kind() Kind         { return KindSyncRequest }
