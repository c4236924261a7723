package mlsgw

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"fiatjaf.com/nostr"

	"github.com/nostrmls/gateway/internal/gwlog"
)

// Archive is the TTL-indexed event store: it decides whether an
// incoming event should be archived and translates it into an
// ArchivedEvent record, then delegates retrieval to storage.
type Archive struct {
	storage Storage
	ttl     time.Duration
	metrics *metrics
}

// NewArchive constructs an archive bound to storage with the configured
// message_archive_ttl_days retention window.
func NewArchive(storage Storage, ttlDays int, m *metrics) *Archive {
	return &Archive{
		storage: storage,
		ttl:     time.Duration(ttlDays) * 24 * time.Hour,
		metrics: m,
	}
}

// MaybeArchive computes recipients/group_id/epoch and stores the
// event unless both recipients is empty and no h tag is present.
func (a *Archive) MaybeArchive(ctx context.Context, ev *nostr.Event) error {
	recipients := dedupeStrings(allTagValues(ev.Tags, "p"))
	groupID := firstTagValue(ev.Tags, "h")

	if len(recipients) == 0 && groupID == "" {
		return nil
	}

	record := ArchivedEvent{
		EventID:    fmt.Sprintf("%x", ev.ID),
		Kind:       int(ev.Kind),
		Content:    ev.Content,
		Tags:       tagsToSlices(ev.Tags),
		CreatedAt:  time.Unix(int64(ev.CreatedAt), 0),
		Pubkey:     fmt.Sprintf("%x", ev.PubKey),
		Sig:        fmt.Sprintf("%x", ev.Sig),
		Recipients: recipients,
		ArchivedAt: time.Now(),
		ExpiresAt:  time.Now().Add(a.ttl),
	}

	if groupID != "" {
		record.GroupID = groupID
		record.HasGroup = true
	}
	if k := firstTagValue(ev.Tags, "k"); k != "" {
		if epoch, err := strconv.ParseInt(k, 10, 64); err == nil {
			record.Epoch = epoch
			record.HasEpoch = true
		}
	}

	if err := a.storage.ArchiveEvent(ctx, record); err != nil {
		return fmt.Errorf("archiving event %s: %w", record.EventID, err)
	}
	if a.metrics != nil {
		a.metrics.archivedEventsTotal.WithLabelValues(strconv.Itoa(record.Kind)).Inc()
	}
	return nil
}

func tagsToSlices(tags nostr.Tags) [][]string {
	out := make([][]string, len(tags))
	for i, t := range tags {
		out[i] = append([]string(nil), t...)
	}
	return out
}

// GetMissedMessages serves recipient-indexed catch-up.
func (a *Archive) GetMissedMessages(ctx context.Context, pubkey string, since time.Time, limit int) ([]ArchivedEvent, error) {
	return a.storage.GetMissedMessages(ctx, pubkey, since, limit)
}

// GetGroupMessages serves group-indexed catch-up.
func (a *Archive) GetGroupMessages(ctx context.Context, groupID string, since time.Time, limit int) ([]ArchivedEvent, error) {
	return a.storage.GetGroupMessages(ctx, groupID, since, limit)
}

// ListRecentEventsByKinds backs the startup backfill.
func (a *Archive) ListRecentEventsByKinds(ctx context.Context, kinds []int, since time.Time, totalLimit int) ([]ArchivedEvent, error) {
	return a.storage.ListRecentEventsByKinds(ctx, kinds, since, totalLimit)
}

// CleanupExpired deletes every expired archive entry in a single storage
// pass (no paging), logging the count removed.
func (a *Archive) CleanupExpired(ctx context.Context) (int, error) {
	n, err := a.storage.CleanupExpiredArchive(ctx)
	if err != nil {
		return 0, fmt.Errorf("cleaning up expired archive: %w", err)
	}
	if a.metrics != nil {
		a.metrics.archiveCleanupRuns.Inc()
	}
	gwlog.WithComponent("archive").Debug().Int("deleted", n).Msg("expired archive cleanup")
	return n, nil
}
