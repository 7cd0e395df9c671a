// Package session orchestrates chat turns. The Registry is where the other
// layers meet: it begins turns on the stream controller, runs them on the
// backend adapter, translates adapter events into protocol envelopes, routes
// mid-turn decisions through the permission coordinator, and persists
// metadata to the store.
//
// Each HandleChat call delivers that turn's envelopes through a caller
// supplied send function, in production order. The terminal stream_control
// is delivered even when the turn was cancelled, and its delivery completes
// before the turn ends, so quiesce paths and successor turns always observe
// it first.
package session
