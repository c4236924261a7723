package mlsgw

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"fiatjaf.com/nostr"

	"github.com/nostrmls/gateway/internal/gwlog"
	"github.com/nostrmls/gateway/internal/relayext"
)

var (
	_ relayext.REQHook       = (*ReqInterceptor)(nil)
	_ relayext.PostQueryHook = (*ReqInterceptor)(nil)
)

// DefaultMaxQueriesPerHour is the sliding-window rate limit applied per
// (requester, author) pair.
const DefaultMaxQueriesPerHour = 10

// ReqInterceptor couples subscription reads to consumption: it detects
// keypackage queries among a
// subscription's filters, rate-limits them per (requester, author) pair,
// and drives keypackage consumption once the framework has assembled the
// result set to deliver.
type ReqInterceptor struct {
	keypackages *KeyPackageManager
	metrics     *metrics

	maxPerHour int

	mu     sync.Mutex
	window map[string][]time.Time // "requester|author" -> admitted query timestamps within the last hour
}

// NewReqInterceptor constructs an interceptor bound to the keypackage manager.
func NewReqInterceptor(keypackages *KeyPackageManager, m *metrics) *ReqInterceptor {
	return &ReqInterceptor{
		keypackages: keypackages,
		metrics:     m,
		maxPerHour:  DefaultMaxQueriesPerHour,
		window:      make(map[string][]time.Time),
	}
}

// IsKeyPackageQuery reports whether any filter in the set queries kind 443.
func IsKeyPackageQuery(filters []nostr.Filter) bool {
	for _, f := range filters {
		for _, k := range f.Kinds {
			if int(k) == KindKeyPackage {
				return true
			}
		}
	}
	return false
}

// ExtractAuthors returns the distinct hex-encoded authors named across a
// filter set's Authors fields.
func ExtractAuthors(filters []nostr.Filter) []string {
	var out []string
	for _, f := range filters {
		for _, a := range f.Authors {
			out = append(out, fmt.Sprintf("%x", a))
		}
	}
	return dedupeStrings(out)
}

// pairKey is the rate limiter's bucket key for one (requester, author) pair.
func pairKey(requester, author string) string {
	return requester + "|" + author
}

// checkRateLimit enforces the sliding-hour-window limit (default 10/hr)
// for one (requester, author) pair, pruning expired entries as it goes.
func (r *ReqInterceptor) checkRateLimit(requester, author string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := pairKey(requester, author)
	now := time.Now()
	cutoff := now.Add(-time.Hour)

	hits := r.window[key]
	var kept []time.Time
	for _, t := range hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= r.maxPerHour {
		oldest := kept[0]
		minutesUntilReset := int(math.Ceil(oldest.Add(time.Hour).Sub(now).Minutes()))
		if minutesUntilReset < 1 {
			minutesUntilReset = 1
		}
		r.window[key] = kept
		if r.metrics != nil {
			r.metrics.rateLimitExceeded.Inc()
		}
		return newRateLimitedError(minutesUntilReset)
	}

	kept = append(kept, now)
	r.window[key] = kept
	return nil
}

// BeforeQuery satisfies relayext.REQHook. A kind-443 query does not
// change the framework's normal query path — interception happens entirely
// post-assembly in AfterQuery — so this always signals Continue.
func (r *ReqInterceptor) BeforeQuery(ctx context.Context, requester nostr.PubKey, filters []nostr.Filter) relayext.REQHookResult {
	return relayext.REQContinue
}

// AfterQuery satisfies relayext.PostQueryHook, the framework's post-query
// processing point, delegating to InterceptAndConsume.
func (r *ReqInterceptor) AfterQuery(ctx context.Context, requester nostr.PubKey, filters []nostr.Filter, assembled []*nostr.Event) ([]*nostr.Event, []string, error) {
	return r.InterceptAndConsume(ctx, fmt.Sprintf("%x", requester), filters, assembled)
}

// InterceptAndConsume implements the post-query framework contract: given
// the requester's pubkey, the filters it submitted, and the events the
// query engine assembled to deliver, it rate-limits by (requester, author),
// then consumes each delivered kind 443 event, honoring the last-remaining
// invariant independently per owner.
func (r *ReqInterceptor) InterceptAndConsume(ctx context.Context, requester string, filters []nostr.Filter, delivered []*nostr.Event) ([]*nostr.Event, []string, error) {
	log := gwlog.WithComponent("reqinterceptor")

	if !IsKeyPackageQuery(filters) {
		return delivered, nil, nil
	}

	authors := ExtractAuthors(filters)
	for _, author := range authors {
		if err := r.checkRateLimit(requester, author); err != nil {
			return nil, nil, err
		}
	}

	var consumed []string
	var kept []*nostr.Event
	for _, ev := range delivered {
		if int(ev.Kind) != KindKeyPackage {
			kept = append(kept, ev)
			continue
		}

		eventID := fmt.Sprintf("%x", ev.ID)
		deleted, err := r.keypackages.Consume(ctx, eventID)
		if err != nil {
			log.Warn().Err(err).Str("event_id", eventID).Msg("consume on delivery failed")
		}
		if deleted {
			consumed = append(consumed, eventID)
		}
		kept = append(kept, ev)
		if r.metrics != nil {
			r.metrics.keypackagesServed.Inc()
		}
	}

	return kept, consumed, nil
}
