package client

import (
	"context"
	"fmt"

	"github.com/atelierhq/atelier/internal/correlate"
	"github.com/atelierhq/atelier/internal/protocol"
)

// Chat sends a message and returns the assistant's response.
func (c *Client) Chat(ctx context.Context, req protocol.ChatRequest) (protocol.ChatResponse, error) {
	return request[protocol.ChatResponse](ctx, c, req)
}

// Generate creates an asset and waits for its job to finish. onStarted,
// when non-nil, is called with the acknowledgement as soon as it arrives.
func (c *Client) Generate(ctx context.Context, req protocol.GenerateRequest, onStarted func(protocol.JobStarted)) (correlate.JobResult, error) {
	return c.corr.StartJob(ctx, req, jobOpts(onStarted)...)
}

// Refine creates a new variant of an asset and waits for its job to finish.
func (c *Client) Refine(ctx context.Context, req protocol.RefineRequest, onStarted func(protocol.JobStarted)) (correlate.JobResult, error) {
	return c.corr.StartJob(ctx, req, jobOpts(onStarted)...)
}

func jobOpts(onStarted func(protocol.JobStarted)) []correlate.CallOption {
	if onStarted == nil {
		return nil
	}
	return []correlate.CallOption{correlate.OnStarted(onStarted)}
}

// Describe returns a textual description of a variant.
func (c *Client) Describe(ctx context.Context, req protocol.DescribeRequest) (string, error) {
	resp, err := request[protocol.DescribeResponse](ctx, c, req)
	return resp.Description, err
}

// Compare returns a comparison of two or more variants.
func (c *Client) Compare(ctx context.Context, req protocol.CompareRequest) (string, error) {
	if len(req.VariantIDs) < 2 {
		return "", fmt.Errorf("compare needs at least two variants, got %d", len(req.VariantIDs))
	}
	resp, err := request[protocol.CompareResponse](ctx, c, req)
	return resp.Comparison, err
}

// Approve approves an approval and returns it as the server reports it in
// the next approval:updated for that ID.
func (c *Client) Approve(ctx context.Context, approvalID string) (protocol.Approval, error) {
	resp, err := request[protocol.ApprovalUpdated](ctx, c, protocol.ApproveRequest{ApprovalID: approvalID})
	return resp.Approval, err
}

// Reject rejects an approval.
func (c *Client) Reject(ctx context.Context, approvalID, reason string) (protocol.Approval, error) {
	resp, err := request[protocol.ApprovalUpdated](ctx, c, protocol.RejectRequest{ApprovalID: approvalID, Reason: reason})
	return resp.Approval, err
}

// ListApprovals returns the pending approvals of the space.
func (c *Client) ListApprovals(ctx context.Context) ([]protocol.Approval, error) {
	resp, err := request[protocol.ApprovalList](ctx, c, protocol.ApprovalListRequest{})
	return resp.Approvals, err
}

// Sync returns a snapshot of the space's assets.
func (c *Client) Sync(ctx context.Context) ([]protocol.Asset, error) {
	resp, err := request[protocol.SyncState](ctx, c, protocol.SyncRequest{})
	return resp.Assets, err
}

func request[T protocol.Frame](ctx context.Context, c *Client, req protocol.Request) (T, error) {
	var zero T
	f, err := c.corr.Request(ctx, req)
	if err != nil {
		return zero, err
	}
	resp, ok := f.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected %s in response to %s", f.Kind(), req.Kind())
	}
	return resp, nil
}
