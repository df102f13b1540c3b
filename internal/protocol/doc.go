// Package protocol defines the JSON frames exchanged with the asset
// service over the duplex connection.
//
// Outbound messages implement [Request] and are wrapped in a
// {type, requestId, ...fields} envelope by [EncodeRequest]. Inbound
// messages are decoded by [Decode] into one of the [Frame] types; callers
// switch on the concrete type instead of reading fields out of a map.
//
//	chat:request      -> chat:response                        (requestId)
//	generate:request  -> generate:started -> variant:updated  (requestId, then jobId)
//	refine:request    -> refine:started   -> variant:updated  (requestId, then jobId)
//	describe:request  -> describe:response                    (requestId)
//	compare:request   -> compare:response                     (requestId)
//	approval:approve  -> approval:updated                     (approvalId)
//	approval:reject   -> approval:updated                     (approvalId)
//	approval:list     -> approval:list                        (latest wins)
//	sync:request      -> sync:state                           (latest wins)
package protocol
