// Package domain holds the entities shared across the scanning, merge,
// and cancellation layers: scan sessions, message refs, candidates,
// subscriptions, unsubscribe actions, and activity events.
//
// Everything here is a plain value type. No database handles, no HTTP
// types, no imports of other internal packages; struct tags and pure
// helper methods only. Services own behavior, repositories own
// persistence, this package owns the vocabulary.
package domain
