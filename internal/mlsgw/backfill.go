package mlsgw

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"fiatjaf.com/nostr"
	"golang.org/x/sync/errgroup"

	"github.com/nostrmls/gateway/internal/gwlog"
	"github.com/nostrmls/gateway/internal/relayext"
)

// GCInterval is the period of the hourly expired-keypackage sweep.
const GCInterval = time.Hour

// Backfiller handles startup archive-to-in-memory hydration and the
// periodic expired-keypackage GC.
type Backfiller struct {
	cfg     *Config
	archive *Archive
	kps     *KeyPackageManager
	sink    relayext.EventSink
}

// NewBackfiller constructs a backfiller. sink may be nil if the host
// framework has no in-memory event store to hydrate (backfill is then a
// no-op regardless of BackfillOnStartup).
func NewBackfiller(cfg *Config, archive *Archive, kps *KeyPackageManager, sink relayext.EventSink) *Backfiller {
	return &Backfiller{cfg: cfg, archive: archive, kps: kps, sink: sink}
}

// RunStartupBackfill, if enabled, reads the configured backfill kinds from
// the archive since now-archive_ttl_days and bulk-inserts into the host's
// in-memory event store, fanning pages out concurrently bounded by
// errgroup, restoring recent history across stateless restarts.
func (b *Backfiller) RunStartupBackfill(ctx context.Context) error {
	if !b.cfg.BackfillOnStartup || b.sink == nil {
		return nil
	}

	log := gwlog.WithComponent("backfill")
	since := time.Now().Add(-time.Duration(b.cfg.MessageArchiveTTLDays) * 24 * time.Hour)

	g, gctx := errgroup.WithContext(ctx)
	results := make([][]ArchivedEvent, len(b.cfg.BackfillKinds))

	perKindLimit := b.cfg.BackfillMaxEvents
	if n := len(b.cfg.BackfillKinds); n > 0 {
		perKindLimit = b.cfg.BackfillMaxEvents / n
		if perKindLimit <= 0 {
			perKindLimit = b.cfg.BackfillMaxEvents
		}
	}

	for i, kind := range b.cfg.BackfillKinds {
		i, kind := i, kind
		g.Go(func() error {
			evs, err := b.archive.ListRecentEventsByKinds(gctx, []int{kind}, since, perKindLimit)
			if err != nil {
				return fmt.Errorf("listing archived events for kind %d: %w", kind, err)
			}
			results[i] = evs
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	var toInsert []*nostr.Event
	total := 0
	for _, page := range results {
		for _, rec := range page {
			if total >= b.cfg.BackfillMaxEvents {
				break
			}
			ev, err := archivedEventToNostr(rec)
			if err != nil {
				log.Warn().Err(err).Str("event_id", rec.EventID).Msg("skipping undecodable archived event in backfill")
				continue
			}
			toInsert = append(toInsert, ev)
			total++
		}
	}

	if len(toInsert) == 0 {
		return nil
	}

	if err := b.sink.BulkInsert(ctx, toInsert); err != nil {
		return fmt.Errorf("bulk inserting backfilled events: %w", err)
	}

	log.Info().Int("count", len(toInsert)).Msg("startup backfill complete")
	return nil
}

// archivedEventToNostr reconstructs a wire event from an archived record.
// Signature is not re-verified here; the framework verified it on original
// ingest and archival is a faithful copy.
func archivedEventToNostr(rec ArchivedEvent) (*nostr.Event, error) {
	var pk nostr.PubKey
	if err := decodeHexInto(pk[:], rec.Pubkey); err != nil {
		return nil, err
	}
	var id nostr.ID
	if err := decodeHexInto(id[:], rec.EventID); err != nil {
		return nil, err
	}

	tags := make(nostr.Tags, len(rec.Tags))
	for i, t := range rec.Tags {
		tags[i] = nostr.Tag(t)
	}

	ev := &nostr.Event{
		ID:        id,
		PubKey:    pk,
		CreatedAt: nostr.Timestamp(rec.CreatedAt.Unix()),
		Kind:      nostr.Kind(rec.Kind),
		Tags:      tags,
		Content:   rec.Content,
	}
	if len(rec.Sig) == len(ev.Sig)*2 {
		_ = decodeHexInto(ev.Sig[:], rec.Sig)
	}
	return ev, nil
}

func decodeHexInto(dst []byte, s string) error {
	if len(s) != len(dst)*2 {
		return fmt.Errorf("unexpected hex length for %d-byte field: %q", len(dst), s)
	}
	_, err := hex.Decode(dst, []byte(s))
	return err
}

// RunPeriodicGC starts the hourly expired-keypackage sweep,
// returning once ctx is canceled.
func (b *Backfiller) RunPeriodicGC(ctx context.Context) {
	log := gwlog.WithComponent("backfill")
	ticker := time.NewTicker(GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := b.kps.CleanupExpired(ctx); err != nil {
				log.Error().Err(err).Msg("periodic keypackage GC failed")
			}
			if b.cfg.EnableMessageArchive {
				if _, err := b.archive.CleanupExpired(ctx); err != nil {
					log.Error().Err(err).Msg("periodic archive GC failed")
				}
			}
		}
	}
}
