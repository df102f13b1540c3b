// Package approval tracks tool-call approvals requested by the remote
// assistant.
//
// The server is authoritative. [Manager] forwards approve and reject
// decisions without checking them locally and adopts whatever status the
// server reports, including broadcasts caused by other operators.
//
// # Usage
//
//	mgr := approval.NewManager(client, approval.Options{Policy: policy})
//	mgr.Watch(bus) // follow approval:updated broadcasts
//
//	pending, err := mgr.List(ctx)
//	a, err := mgr.Approve(ctx, pending[0].ID)
//
// Approvals leave the tracked set once they reach rejected, executed or
// failed.
//
// # Thread Safety
//
// All methods on [Manager] are safe for concurrent use. Remote calls are made
// without holding the internal mutex.
package approval
