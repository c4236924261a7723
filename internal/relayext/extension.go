// Package relayext defines the narrow interfaces the gateway core expects
// from its host relay framework. The framework itself (connection
// handling, signature verification, the subscription/query engine) is out
// of scope and treated as an external collaborator; these interfaces are
// the plug-in seam.
package relayext

import (
	"context"

	"fiatjaf.com/nostr"
)

// EventSink receives events the gateway core wants stored into the
// framework's in-memory event store, used by the startup backfill to
// rehydrate recent history after a stateless restart.
type EventSink interface {
	BulkInsert(ctx context.Context, events []*nostr.Event) error
}

// REQHookResult is what a REQ interceptor returns to the framework: either
// Continue (no interception needed), or Handle
// (the interceptor has decided what to forward).
type REQHookResult int

const (
	REQContinue REQHookResult = iota
	REQHandle
)

// REQHook is the pre-query interception point: given the filters a
// subscription submitted, decide whether normal query processing should
// continue.
type REQHook interface {
	BeforeQuery(ctx context.Context, requester nostr.PubKey, filters []nostr.Filter) REQHookResult
}

// PostQueryHook is the post-processing point: given the events the query
// engine assembled, return the events to actually forward to the
// subscriber plus the subset that should be marked consumed.
type PostQueryHook interface {
	AfterQuery(ctx context.Context, requester nostr.PubKey, filters []nostr.Filter, assembled []*nostr.Event) (forward []*nostr.Event, consumed []string, err error)
}

// KindHandler is the per-kind dispatch contract the event pipeline
// satisfies for the host framework.
type KindHandler interface {
	HandleEvent(ctx context.Context, ev *nostr.Event)
}
