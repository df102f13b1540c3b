package protocol

// Kind is the value of a frame's "type" field.
type Kind string

// Outbound request kinds.
const (
	KindChatRequest     Kind = "chat:request"
	KindGenerateRequest Kind = "generate:request"
	KindRefineRequest   Kind = "refine:request"
	KindDescribeRequest Kind = "describe:request"
	KindCompareRequest  Kind = "compare:request"
	KindApprovalApprove Kind = "approval:approve"
	KindApprovalReject  Kind = "approval:reject"
	KindApprovalList    Kind = "approval:list"
	KindSyncRequest     Kind = "sync:request"
)

// Inbound frame kinds. approval:list is used in both directions.
const (
	KindChatResponse     Kind = "chat:response"
	KindGenerateStarted  Kind = "generate:started"
	KindRefineStarted    Kind = "refine:started"
	KindVariantUpdated   Kind = "variant:updated"
	KindDescribeResponse Kind = "describe:response"
	KindCompareResponse  Kind = "compare:response"
	KindApprovalUpdated  Kind = "approval:updated"
	KindSyncState        Kind = "sync:state"
	KindError            Kind = "error"
)

func (k Kind) String() string { return string(k) }

// Variant statuses carried by variant:updated.
const (
	VariantPending    = "pending"
	VariantProcessing = "processing"
	VariantCompleted  = "completed"
	VariantFailed     = "failed"
)

// Approval statuses carried by approval:updated and approval:list.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
	ApprovalExecuted = "executed"
	ApprovalFailed   = "failed"
)
