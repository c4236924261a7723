package mlsgw

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"fiatjaf.com/nostr"

	"github.com/nostrmls/gateway/internal/gwlog"
)

// LastResortWindow is the delay between the 1→2 keypackage transition and
// the last-resort deletion timer firing.
const LastResortWindow = 10 * time.Minute

// requiredSoftTags are soft-validated on ingest: missing or invalid
// values are warned and counted but are not themselves fatal.
var requiredSoftTags = []string{"mls_protocol_version", "ciphersuite", "extensions"}

// KeyPackageManager owns keypackage lifecycle: ingest with the quota and expiry checks,
// consume-on-delivery honoring the last-remaining invariant, the expired
// sweep, and the 10-minute last-resort deletion timer for 1→2 transitions.
type KeyPackageManager struct {
	storage    Storage
	metrics    *metrics
	maxPerUser int
	defaultTTL time.Duration

	mu     sync.Mutex
	timers map[string]context.CancelFunc // owner -> cancel for its active last-resort timer goroutine
}

// NewKeyPackageManager constructs a manager bound to storage.
func NewKeyPackageManager(storage Storage, m *metrics, maxPerUser int, defaultTTL time.Duration) *KeyPackageManager {
	return &KeyPackageManager{
		storage:    storage,
		metrics:    m,
		maxPerUser: maxPerUser,
		defaultTTL: defaultTTL,
		timers:     make(map[string]context.CancelFunc),
	}
}

// Ingest validates and stores one kind 443 keypackage event.
func (m *KeyPackageManager) Ingest(ctx context.Context, ev *nostr.Event) error {
	log := gwlog.WithComponent("keypackage")
	author := fmt.Sprintf("%x", ev.PubKey)

	if ownerTag := firstTagValue(ev.Tags, "p"); ownerTag != "" && ownerTag != author {
		if m.metrics != nil {
			m.metrics.keypackagesRejected.WithLabelValues("OwnerMismatch").Inc()
		}
		return ErrOwnerMismatch
	}

	for _, tag := range requiredSoftTags {
		if !hasTag(ev.Tags, tag) {
			log.Warn().Str("tag", tag).Str("owner", author).Msg("keypackage missing soft-required tag")
		}
	}
	if v := firstTagValue(ev.Tags, "mls_protocol_version"); v != "" && v != MLSProtocolVersion {
		log.Warn().Str("owner", author).Str("version", v).Msg("keypackage declares unexpected protocol version")
	}
	if !hasTag(ev.Tags, "relays") && !hasTag(ev.Tags, "relay") {
		log.Warn().Str("owner", author).Msg("keypackage missing relays/relay tag")
	}

	if expRaw := firstTagValue(ev.Tags, "exp"); expRaw != "" {
		if exp, err := parseUnixSeconds(expRaw); err == nil && !exp.After(time.Now()) {
			if m.metrics != nil {
				m.metrics.keypackagesRejected.WithLabelValues("Expired").Inc()
			}
			return ErrExpired
		}
	}

	declared, err := DeclaredEncoding(ev.Tags)
	if err != nil {
		if m.metrics != nil {
			m.metrics.keypackagesRejected.WithLabelValues("UnsupportedEncoding").Inc()
		}
		return err
	}
	if declared == "hex" && !IsValidHexContent(ev.Content) {
		if m.metrics != nil {
			m.metrics.keypackagesRejected.WithLabelValues("InvalidContent").Inc()
		}
		return ErrInvalidContent
	}
	raw, err := DecodeKeyPackageContent(ev.Content, declared)
	if err != nil {
		if m.metrics != nil {
			m.metrics.keypackagesRejected.WithLabelValues("InvalidContent").Inc()
		}
		return err
	}
	canonical := CanonicalEncode(raw)

	limit := m.maxPerUser
	if limit <= 0 {
		limit = 10
	}
	countBefore, err := m.storage.CountUserKeyPackages(ctx, author)
	if err != nil {
		return fmt.Errorf("counting keypackages for %s: %w", author, err)
	}
	if countBefore >= limit {
		if m.metrics != nil {
			m.metrics.quotaExceeded.Inc()
		}
		return ErrQuotaExceeded
	}

	expiresAt := time.Now().Add(m.defaultTTL)
	if expRaw := firstTagValue(ev.Tags, "exp"); expRaw != "" {
		if exp, err := parseUnixSeconds(expRaw); err == nil {
			expiresAt = exp
		}
	}

	record := KeyPackageRecord{
		EventID:     fmt.Sprintf("%x", ev.ID),
		Owner:       author,
		Content:     canonical,
		Ciphersuite: firstTagValue(ev.Tags, "ciphersuite"),
		Extensions:  allTagValues(ev.Tags, "extensions"),
		Relays:      unionStrings(allTagValues(ev.Tags, "relay"), allTagValues(ev.Tags, "relays")),
		CreatedAt:   time.Unix(int64(ev.CreatedAt), 0),
		ExpiresAt:   expiresAt,
	}

	if err := m.storage.StoreKeyPackage(ctx, record); err != nil {
		return fmt.Errorf("storing keypackage %s: %w", record.EventID, err)
	}
	if m.metrics != nil {
		m.metrics.keypackagesIngested.Inc()
	}

	countAfter := countBefore + 1
	if countBefore == 1 && countAfter == 2 {
		if err := m.startLastResortTimer(ctx, author); err != nil {
			log.Error().Err(err).Str("owner", author).Msg("failed to start last-resort timer")
		}
	}

	return nil
}

func parseUnixSeconds(s string) (time.Time, error) {
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0), nil
}

// Consume implements the primary last-remaining guard: it loads the
// owner, re-reads the non-expired count, and refuses to delete if the
// count is already at or below 1. Storage.DeleteConsumedKeyPackage performs
// the count check and deletion atomically; this wrapper adds metrics.
func (m *KeyPackageManager) Consume(ctx context.Context, eventID string) (bool, error) {
	deleted, err := m.storage.DeleteConsumedKeyPackage(ctx, eventID)
	if err != nil {
		return false, fmt.Errorf("consuming keypackage %s: %w", eventID, err)
	}
	if m.metrics != nil && deleted {
		m.metrics.keypackagesConsumed.Inc()
	}
	return deleted, nil
}

// CleanupExpired runs the expired sweep via storage and logs the result.
func (m *KeyPackageManager) CleanupExpired(ctx context.Context) (int, error) {
	n, err := m.storage.CleanupExpiredKeyPackages(ctx)
	if err != nil {
		return 0, fmt.Errorf("cleaning up expired keypackages: %w", err)
	}
	gwlog.WithComponent("keypackage").Debug().Int("deleted", n).Msg("expired keypackage sweep")
	return n, nil
}

// startLastResortTimer records the pending deletion for a 1→2 transition
// and schedules the fire after LastResortWindow. Oldest existing
// keypackage for the owner is treated as the "old" one being protected.
func (m *KeyPackageManager) startLastResortTimer(ctx context.Context, owner string) error {
	existing, err := m.storage.QueryKeyPackages(ctx, QueryKeyPackagesOptions{Authors: []string{owner}})
	if err != nil {
		return err
	}
	if len(existing) < 2 {
		return nil
	}

	oldest := existing[0]
	for _, kp := range existing[1:] {
		if kp.CreatedAt.Before(oldest.CreatedAt) {
			oldest = kp
		}
	}

	now := time.Now()
	pd := PendingDeletion{
		Owner:                   owner,
		OldKeyPackageID:         oldest.EventID,
		NewKeyPackagesCollected: []string{},
		TimerStartedAt:          now,
		DeletionScheduledAt:     now.Add(LastResortWindow),
	}
	for _, kp := range existing {
		if kp.EventID != oldest.EventID {
			pd.NewKeyPackagesCollected = append(pd.NewKeyPackagesCollected, kp.EventID)
		}
	}

	if err := m.storage.CreatePendingDeletion(ctx, pd); err != nil {
		return fmt.Errorf("creating pending deletion for %s: %w", owner, err)
	}
	if m.metrics != nil {
		m.metrics.lastResortTimerStarts.Inc()
	}

	m.scheduleFire(owner, LastResortWindow)
	return nil
}

// scheduleFire spawns the delayed task for a pending deletion. Any
// previously scheduled timer for the same owner is canceled first, since
// at most one pending deletion exists per owner.
func (m *KeyPackageManager) scheduleFire(owner string, delay time.Duration) {
	m.mu.Lock()
	if cancel, ok := m.timers[owner]; ok {
		cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.timers[owner] = cancel
	m.mu.Unlock()

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			m.mu.Lock()
			delete(m.timers, owner)
			m.mu.Unlock()
			m.fireLastResort(context.Background(), owner)
		}
	}()
}

// fireLastResort runs the timer-fire procedure: reload the pending record,
// recheck the schedule, recount, verify the old record still exists, delete.
func (m *KeyPackageManager) fireLastResort(ctx context.Context, owner string) {
	log := gwlog.WithComponent("keypackage")

	pd, ok, err := m.storage.GetPendingDeletion(ctx, owner)
	if err != nil {
		log.Error().Err(err).Str("owner", owner).Msg("reading pending deletion on fire")
		return
	}
	if !ok {
		return
	}

	if pd.DeletionScheduledAt.After(time.Now()) {
		// Clock skew or re-fire before schedule; leave it for the real fire.
		return
	}

	count, err := m.storage.CountUserKeyPackages(ctx, owner)
	if err != nil {
		log.Error().Err(err).Str("owner", owner).Msg("counting keypackages on fire")
		return
	}

	if count < 3 {
		if err := m.storage.DeletePendingDeletion(ctx, owner); err != nil {
			log.Error().Err(err).Str("owner", owner).Msg("deleting pending deletion on cancel")
		}
		if m.metrics != nil {
			m.metrics.lastResortCancels.Inc()
		}
		log.Info().Str("owner", owner).Int("count", count).Msg("last-resort timer canceled")
		return
	}

	exists, err := m.storage.KeyPackageExists(ctx, pd.OldKeyPackageID)
	if err != nil {
		log.Error().Err(err).Str("owner", owner).Msg("checking old keypackage existence on fire")
		return
	}
	if !exists {
		if err := m.storage.DeletePendingDeletion(ctx, owner); err != nil {
			log.Error().Err(err).Str("owner", owner).Msg("deleting pending deletion after old kp gone")
		}
		return
	}

	if err := m.storage.DeleteKeyPackageByID(ctx, pd.OldKeyPackageID); err != nil {
		log.Error().Err(err).Str("owner", owner).Str("event_id", pd.OldKeyPackageID).Msg("deleting old keypackage on fire")
		return
	}
	if err := m.storage.DeletePendingDeletion(ctx, owner); err != nil {
		log.Error().Err(err).Str("owner", owner).Msg("deleting pending deletion after fire")
	}
	if m.metrics != nil {
		m.metrics.lastResortTimerFires.Inc()
	}
	log.Info().Str("owner", owner).Str("event_id", pd.OldKeyPackageID).Msg("last-resort timer fired, old keypackage deleted")
}

// ResumePendingDeletions is the startup pass over pending deletions: process
// already-expired pending deletions immediately, and re-schedule timers for
// those not yet due from their remaining delay.
func (m *KeyPackageManager) ResumePendingDeletions(ctx context.Context) error {
	all, err := m.storage.GetAllPendingDeletions(ctx)
	if err != nil {
		return fmt.Errorf("listing pending deletions: %w", err)
	}
	now := time.Now()
	for _, pd := range all {
		if !pd.DeletionScheduledAt.After(now) {
			m.fireLastResort(ctx, pd.Owner)
			continue
		}
		m.scheduleFire(pd.Owner, pd.DeletionScheduledAt.Sub(now))
	}
	return nil
}

// ResumeOwner re-schedules a single owner's pending-deletion timer from its
// remaining delay, used when a caller already knows an owner has an
// in-flight pending deletion (e.g. after manually editing storage state).
func (m *KeyPackageManager) ResumeOwner(ctx context.Context, owner string) error {
	pd, ok, err := m.storage.GetPendingDeletion(ctx, owner)
	if err != nil || !ok {
		return err
	}
	remaining := time.Until(pd.DeletionScheduledAt)
	if remaining <= 0 {
		m.fireLastResort(ctx, owner)
		return nil
	}
	m.scheduleFire(owner, remaining)
	return nil
}
