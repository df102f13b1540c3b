// Package correlate matches inbound frames on the duplex connection to the
// callers waiting for them.
//
// Each request gets a fresh request ID and a pending entry holding a
// one-slot result channel. Whichever path removes the entry from the
// tables under the lock (a matching frame, the timeout, a write failure,
// context cancellation, or connection loss) is the only one allowed to
// deliver a result, so every request settles exactly once. Frames for
// entries that are gone are dropped and counted.
//
// Generate and refine are two-phase: the server first answers with a
// started frame carrying a job ID, and the real outcome arrives later as a
// variant:updated keyed by that job ID. The started frame moves the entry
// from the request table to the job table; the original deadline still
// applies.
//
// The remote side is never told when a caller gives up. A job that finishes
// after its caller timed out is dropped here; observers still see it
// through the client's event bus.
package correlate
