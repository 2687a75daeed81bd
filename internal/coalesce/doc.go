// Package coalesce makes concurrent requests for the same key share one
// in-flight call.
//
// A Coalescer is driven under the caller's lock (the store turn). Fetch
// either joins the live call for a key or starts a new one. The produce
// function runs in its own goroutine without the lock; its result is handed
// to settle after the lock is re-acquired, so a settlement and every merge
// it performs are atomic with respect to other turns. The call is removed
// from the in-flight table before its waiters are released.
//
// Each started call is stamped with the next value of a logical Clock.
// Supersede bumps a key's generation; a response for an older generation is
// dropped and its waiters receive a SUPERSEDED error.
//
// Batcher groups single-record fetches issued during one turn so they can be
// sent as one findMany request per type.
package coalesce
