// Package backend defines the contract between the session layer and the
// agent implementations that actually produce responses.
//
// An Adapter runs one turn per RunTurn call and streams Events on a channel
// it closes when the turn ends. Adapters are stateless across turns:
// conversation continuity is carried by an opaque continuation id the
// adapter returns on completion and receives back on the next turn.
//
// Mid-turn decision points (tool approvals, questions for the user) surface
// through the TurnRequest's DecisionFunc. The backend blocks on it; the
// session layer decides by policy or by asking the connected client.
//
// Concrete adapters live in subpackages: claudecli drives the Claude Code
// CLI as a subprocess, scripted replays canned turns for tests and demos.
package backend
