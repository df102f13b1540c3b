package protocol

import "time"

// Asset is one entry of a sync:state snapshot.
type Asset struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Type            string    `json:"type,omitempty"`
	ParentAssetID   string    `json:"parentAssetId,omitempty"`
	ActiveVariantID string    `json:"activeVariantId,omitempty"`
	Variants        []Variant `json:"variants,omitempty"`
}

// Variant is one generated artifact belonging to an asset.
type Variant struct {
	ID      string `json:"id"`
	AssetID string `json:"assetId"`
	Status  string `json:"status,omitempty"`
	JobID   string `json:"jobId,omitempty"`
	Prompt  string `json:"prompt,omitempty"`
}

// Approval is a pending or resolved human-gated tool invocation.
type Approval struct {
	ID          string         `json:"id"`
	Tool        string         `json:"tool"`
	Params      map[string]any `json:"params,omitempty"`
	Description string         `json:"description,omitempty"`
	Status      string         `json:"status"`
	RequestedBy string         `json:"requestedBy,omitempty"`
	Result      string         `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"createdAt,omitzero"`
}

// PlanProposal is a plan suggested by the assistant in a chat response.
type PlanProposal struct {
	Goal  string         `json:"goal"`
	Steps []ProposedStep `json:"steps"`
}

// ProposedStep is one step of a PlanProposal.
type ProposedStep struct {
	Action      string         `json:"action"`
	Description string         `json:"description"`
	Params      map[string]any `json:"params,omitempty"`
}

// Artifacts lists identifiers created as a side effect of a chat turn.
type Artifacts struct {
	Assets   []string `json:"assets,omitempty"`
	Variants []string `json:"variants,omitempty"`
	Jobs     []string `json:"jobs,omitempty"`
}

// ChatTurn is one prior message sent as conversation history.
type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
