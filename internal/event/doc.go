// Package event provides a synchronous pub-sub bus used to surface
// connection activity that no caller is directly waiting for.
//
// The client publishes job progress, approval broadcasts, remote error
// frames and connection loss here; the plan executor publishes step and
// status changes. The CLI subscribes to render them.
//
// Handlers run on the publisher's goroutine. For events published by the
// client that is the connection's read loop, so handlers must not block and
// must not issue requests on the same client synchronously.
//
//	bus := event.NewBus(logger)
//	bus.Subscribe(event.TypeJobProgress, func(e event.Event) {
//	    p := e.(event.JobProgressEvent)
//	    fmt.Printf("%s %.0f%%\n", p.JobID, p.Progress*100)
//	})
package event
