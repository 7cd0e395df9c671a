// Package permission correlates an agent backend's mid-turn decision points
// with answers that arrive asynchronously from the client connection.
//
// The backend adapter blocks a turn on a decision; this package only provides
// exactly-once correlation and a deadline primitive. What a denial means is
// the adapter's business.
//
// Flow:
//
//	id, w := coord.Create()          // register, send permission_request out
//	outcome, err := w.Await(ctx, 60*time.Second)
//	coord.Release(id)                // always, exactly once, by the awaiter
//
// The inbound dispatcher calls coord.Resolve(id, outcome) when a
// permission_response arrives. Resolve for an unknown, expired, or already
// resolved id is a silent no-op: late answers racing a timeout are normal,
// not errors.
package permission
