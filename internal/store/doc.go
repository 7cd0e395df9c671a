// Package store persists session metadata in SQLite.
//
// Only metadata lives here: titles, permission policies, continuation ids,
// activity timestamps. Conversation content belongs to the backend agent,
// which the continuation id points back into.
package store
