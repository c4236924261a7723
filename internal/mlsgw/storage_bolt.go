package mlsgw

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketGroups           = []byte("groups")
	bucketKeyPackages      = []byte("keypackages")
	bucketRoster           = []byte("roster_policy")
	bucketKeyPackageRelays = []byte("keypackage_relays")
	bucketPendingDeletions = []byte("pending_deletions")
	bucketArchivedEvents   = []byte("archived_events")
)

var allBuckets = [][]byte{
	bucketGroups, bucketKeyPackages, bucketRoster,
	bucketKeyPackageRelays, bucketPendingDeletions, bucketArchivedEvents,
}

// BoltStorage is the concrete bbolt-backed Storage implementation, the
// default backend selected by Config.StorageBackend == StorageBackendBolt.
// Each persisted collection is its own bucket; every
// record is stored as its JSON encoding keyed by its natural id.
type BoltStorage struct {
	db *bolt.DB
}

// NewBoltStorage opens (creating if absent) a single bbolt database file
// under dataDir.
func NewBoltStorage(dataDir string) (*BoltStorage, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	path := filepath.Join(dataDir, "mlsgateway.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt database at %s: %w", path, err)
	}
	s := &BoltStorage{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BoltStorage) Migrate(ctx context.Context) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("creating bucket %s: %w", b, err)
			}
		}
		return nil
	})
}

func (s *BoltStorage) HealthCheck(ctx context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketGroups) == nil {
			return fmt.Errorf("groups bucket missing")
		}
		return nil
	})
}

func (s *BoltStorage) Close() error { return s.db.Close() }

// --- Groups ---

func (s *BoltStorage) UpsertGroup(ctx context.Context, groupID string, displayName *string, owner string, lastEpoch *int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGroups)
		now := time.Now()

		existing := &GroupRecord{}
		if raw := b.Get([]byte(groupID)); raw != nil {
			if err := json.Unmarshal(raw, existing); err != nil {
				return fmt.Errorf("decoding group %s: %w", groupID, err)
			}
		} else {
			existing = &GroupRecord{
				GroupID:   groupID,
				Owner:     owner,
				CreatedAt: now,
			}
		}

		// COALESCE semantics: preserve owner, created_at, admin set,
		// display_name, last_epoch unless a new value is explicitly given.
		if displayName != nil {
			existing.DisplayName = *displayName
		}
		if lastEpoch != nil {
			existing.LastEpoch = *lastEpoch
			existing.HasLastEpoch = true
		}
		existing.UpdatedAt = now

		raw, err := json.Marshal(existing)
		if err != nil {
			return err
		}
		return b.Put([]byte(groupID), raw)
	})
}

func (s *BoltStorage) GroupExists(ctx context.Context, groupID string) (bool, error) {
	var exists bool
	err := s.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket(bucketGroups).Get([]byte(groupID)) != nil
		return nil
	})
	return exists, err
}

func (s *BoltStorage) GetGroup(ctx context.Context, groupID string) (*GroupRecord, error) {
	var g *GroupRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketGroups).Get([]byte(groupID))
		if raw == nil {
			return nil
		}
		g = &GroupRecord{}
		return json.Unmarshal(raw, g)
	})
	return g, err
}

func (s *BoltStorage) IsOwner(ctx context.Context, groupID, pubkey string) (bool, error) {
	g, err := s.GetGroup(ctx, groupID)
	if err != nil || g == nil {
		return false, err
	}
	return g.Owner == pubkey, nil
}

func (s *BoltStorage) IsAdmin(ctx context.Context, groupID, pubkey string) (bool, error) {
	g, err := s.GetGroup(ctx, groupID)
	if err != nil || g == nil {
		return false, err
	}
	return g.IsAdmin(pubkey), nil
}

func (s *BoltStorage) AddAdmins(ctx context.Context, groupID string, pubkeys []string) error {
	return s.mutateGroup(groupID, func(g *GroupRecord) {
		g.Admins = unionStrings(g.Admins, pubkeys)
	})
}

func (s *BoltStorage) RemoveAdmins(ctx context.Context, groupID string, pubkeys []string) error {
	return s.mutateGroup(groupID, func(g *GroupRecord) {
		g.Admins = subtractStrings(g.Admins, pubkeys)
	})
}

func (s *BoltStorage) mutateGroup(groupID string, fn func(*GroupRecord)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGroups)
		raw := b.Get([]byte(groupID))
		if raw == nil {
			return wrapErr(ClassAuthorization, "UnknownGroup", nil)
		}
		g := &GroupRecord{}
		if err := json.Unmarshal(raw, g); err != nil {
			return err
		}
		fn(g)
		g.UpdatedAt = time.Now()
		newRaw, err := json.Marshal(g)
		if err != nil {
			return err
		}
		return b.Put([]byte(groupID), newRaw)
	})
}

// --- Roster ---

func rosterKey(groupID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s_%020d", groupID, seq))
}

func (s *BoltStorage) GetLastRosterSequence(ctx context.Context, groupID string) (uint64, bool, error) {
	var (
		found bool
		last  uint64
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRoster).Cursor()
		prefix := []byte(groupID + "_")
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			entry := &RosterEntry{}
			if err := json.Unmarshal(v, entry); err != nil {
				continue
			}
			if !found || entry.Sequence > last {
				last = entry.Sequence
				found = true
			}
		}
		return nil
	})
	return last, found, err
}

func (s *BoltStorage) StoreRosterPolicy(ctx context.Context, entry RosterEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRoster).Put(rosterKey(entry.GroupID, entry.Sequence), raw)
	})
}

func (s *BoltStorage) GetRosterEntries(ctx context.Context, groupID string) ([]RosterEntry, error) {
	var entries []RosterEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRoster).Cursor()
		prefix := []byte(groupID + "_")
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			entry := RosterEntry{}
			if err := json.Unmarshal(v, &entry); err != nil {
				continue
			}
			entries = append(entries, entry)
		}
		return nil
	})
	sort.Slice(entries, func(i, j int) bool { return entries[i].Sequence < entries[j].Sequence })
	return entries, err
}

// --- KeyPackages ---

func (s *BoltStorage) StoreKeyPackage(ctx context.Context, kp KeyPackageRecord) error {
	raw, err := json.Marshal(kp)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKeyPackages).Put([]byte(kp.EventID), raw)
	})
}

func (s *BoltStorage) allKeyPackages(tx *bolt.Tx) ([]KeyPackageRecord, error) {
	var out []KeyPackageRecord
	err := tx.Bucket(bucketKeyPackages).ForEach(func(k, v []byte) error {
		kp := KeyPackageRecord{}
		if err := json.Unmarshal(v, &kp); err != nil {
			return nil
		}
		out = append(out, kp)
		return nil
	})
	return out, err
}

func (s *BoltStorage) QueryKeyPackages(ctx context.Context, opts QueryKeyPackagesOptions) ([]KeyPackageRecord, error) {
	var out []KeyPackageRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		all, err := s.allKeyPackages(tx)
		if err != nil {
			return err
		}
		for _, kp := range all {
			if len(opts.Authors) > 0 && !containsString(opts.Authors, kp.Owner) {
				continue
			}
			if !opts.Since.IsZero() && !kp.CreatedAt.After(opts.Since) {
				continue
			}
			out = append(out, kp)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if opts.OrderByCreatedAtDesc {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *BoltStorage) GetKeyPackage(ctx context.Context, eventID string) (*KeyPackageRecord, error) {
	var kp *KeyPackageRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketKeyPackages).Get([]byte(eventID))
		if raw == nil {
			return nil
		}
		kp = &KeyPackageRecord{}
		return json.Unmarshal(raw, kp)
	})
	return kp, err
}

func (s *BoltStorage) KeyPackageExists(ctx context.Context, eventID string) (bool, error) {
	kp, err := s.GetKeyPackage(ctx, eventID)
	return kp != nil, err
}

// DeleteConsumedKeyPackage implements the last-remaining invariant:
// it loads the record, re-reads the owner's non-expired count inside the
// same transaction, and refuses to delete if that would leave zero.
func (s *BoltStorage) DeleteConsumedKeyPackage(ctx context.Context, eventID string) (bool, error) {
	var deleted bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKeyPackages)
		raw := b.Get([]byte(eventID))
		if raw == nil {
			return nil
		}
		kp := KeyPackageRecord{}
		if err := json.Unmarshal(raw, &kp); err != nil {
			return err
		}

		count := 0
		now := time.Now()
		all, err := s.allKeyPackages(tx)
		if err != nil {
			return err
		}
		for _, other := range all {
			if other.Owner == kp.Owner && !other.Expired(now) {
				count++
			}
		}
		if count <= 1 {
			return nil
		}

		deleted = true
		return b.Delete([]byte(eventID))
	})
	return deleted, err
}

func (s *BoltStorage) CountUserKeyPackages(ctx context.Context, owner string) (int, error) {
	count := 0
	now := time.Now()
	err := s.db.View(func(tx *bolt.Tx) error {
		all, err := s.allKeyPackages(tx)
		if err != nil {
			return err
		}
		for _, kp := range all {
			if kp.Owner == owner && !kp.Expired(now) {
				count++
			}
		}
		return nil
	})
	return count, err
}

// CleanupExpiredKeyPackages implements the expired sweep: for each owner
// with at least one expired keypackage, at most (expired_count - 1) are
// removed if total_count == expired_count, otherwise all expired are
// removed, so a non-expired replacement is never zeroed out by expiry alone.
func (s *BoltStorage) CleanupExpiredKeyPackages(ctx context.Context) (int, error) {
	deleted := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKeyPackages)
		all, err := s.allKeyPackages(tx)
		if err != nil {
			return err
		}
		now := time.Now()

		byOwner := map[string][]KeyPackageRecord{}
		for _, kp := range all {
			byOwner[kp.Owner] = append(byOwner[kp.Owner], kp)
		}

		for _, kps := range byOwner {
			var expired, nonExpired []KeyPackageRecord
			for _, kp := range kps {
				if kp.Expired(now) {
					expired = append(expired, kp)
				} else {
					nonExpired = append(nonExpired, kp)
				}
			}
			if len(expired) == 0 {
				continue
			}

			deletable := len(expired)
			if len(nonExpired) == 0 {
				deletable = len(expired) - 1
			}
			sort.Slice(expired, func(i, j int) bool { return expired[i].CreatedAt.Before(expired[j].CreatedAt) })
			for i := 0; i < deletable; i++ {
				if err := b.Delete([]byte(expired[i].EventID)); err != nil {
					return err
				}
				deleted++
			}
		}
		return nil
	})
	return deleted, err
}

// DeleteKeyPackageByID bypasses the last-remaining invariant, used only by
// the last-resort timer which has already verified safety.
func (s *BoltStorage) DeleteKeyPackageByID(ctx context.Context, eventID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKeyPackages).Delete([]byte(eventID))
	})
}

// --- Relay lists ---

func (s *BoltStorage) UpsertKeyPackageRelays(ctx context.Context, owner string, relays []string) error {
	raw, err := json.Marshal(dedupeStrings(relays))
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKeyPackageRelays).Put([]byte(owner), raw)
	})
}

func (s *BoltStorage) GetKeyPackageRelays(ctx context.Context, owner string) ([]string, error) {
	var relays []string
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketKeyPackageRelays).Get([]byte(owner))
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &relays)
	})
	return relays, err
}

// --- Pending deletions ---

func (s *BoltStorage) CreatePendingDeletion(ctx context.Context, pd PendingDeletion) error {
	raw, err := json.Marshal(pd)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPendingDeletions).Put([]byte(pd.Owner), raw)
	})
}

func (s *BoltStorage) GetPendingDeletion(ctx context.Context, owner string) (*PendingDeletion, bool, error) {
	var pd *PendingDeletion
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketPendingDeletions).Get([]byte(owner))
		if raw == nil {
			return nil
		}
		pd = &PendingDeletion{}
		return json.Unmarshal(raw, pd)
	})
	return pd, pd != nil, err
}

func (s *BoltStorage) UpdatePendingDeletion(ctx context.Context, pd PendingDeletion) error {
	return s.CreatePendingDeletion(ctx, pd)
}

func (s *BoltStorage) DeletePendingDeletion(ctx context.Context, owner string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPendingDeletions).Delete([]byte(owner))
	})
}

func (s *BoltStorage) GetExpiredPendingDeletions(ctx context.Context, now time.Time) ([]PendingDeletion, error) {
	var out []PendingDeletion
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPendingDeletions).ForEach(func(k, v []byte) error {
			pd := PendingDeletion{}
			if err := json.Unmarshal(v, &pd); err != nil {
				return nil
			}
			if !pd.DeletionScheduledAt.After(now) {
				out = append(out, pd)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStorage) GetAllPendingDeletions(ctx context.Context) ([]PendingDeletion, error) {
	var out []PendingDeletion
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPendingDeletions).ForEach(func(k, v []byte) error {
			pd := PendingDeletion{}
			if err := json.Unmarshal(v, &pd); err != nil {
				return nil
			}
			out = append(out, pd)
			return nil
		})
	})
	return out, err
}

// --- Archive ---

func archiveKey(kind int, eventID string) []byte {
	return []byte(fmt.Sprintf("%d-%s", kind, eventID))
}

func (s *BoltStorage) ArchiveEvent(ctx context.Context, ev ArchivedEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketArchivedEvents).Put(archiveKey(ev.Kind, ev.EventID), raw)
	})
}

func (s *BoltStorage) allArchivedEvents(tx *bolt.Tx) ([]ArchivedEvent, error) {
	var out []ArchivedEvent
	err := tx.Bucket(bucketArchivedEvents).ForEach(func(k, v []byte) error {
		ev := ArchivedEvent{}
		if err := json.Unmarshal(v, &ev); err != nil {
			return nil
		}
		out = append(out, ev)
		return nil
	})
	return out, err
}

func (s *BoltStorage) GetMissedMessages(ctx context.Context, pubkey string, since time.Time, limit int) ([]ArchivedEvent, error) {
	var out []ArchivedEvent
	now := time.Now()
	err := s.db.View(func(tx *bolt.Tx) error {
		all, err := s.allArchivedEvents(tx)
		if err != nil {
			return err
		}
		for _, ev := range all {
			if !containsString(ev.Recipients, pubkey) {
				continue
			}
			if !ev.CreatedAt.After(since) {
				continue
			}
			if !ev.ExpiresAt.After(now) {
				continue
			}
			out = append(out, ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *BoltStorage) GetGroupMessages(ctx context.Context, groupID string, since time.Time, limit int) ([]ArchivedEvent, error) {
	var out []ArchivedEvent
	now := time.Now()
	err := s.db.View(func(tx *bolt.Tx) error {
		all, err := s.allArchivedEvents(tx)
		if err != nil {
			return err
		}
		for _, ev := range all {
			if !ev.HasGroup || ev.GroupID != groupID {
				continue
			}
			if !ev.CreatedAt.After(since) {
				continue
			}
			if !ev.ExpiresAt.After(now) {
				continue
			}
			out = append(out, ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListRecentEventsByKinds reads per-kind pages (capped at
// 500 each), dedupes by event id, and returns the union sorted ascending.
func (s *BoltStorage) ListRecentEventsByKinds(ctx context.Context, kinds []int, since time.Time, totalLimit int) ([]ArchivedEvent, error) {
	const perKindPage = 500

	seen := map[string]struct{}{}
	var out []ArchivedEvent

	err := s.db.View(func(tx *bolt.Tx) error {
		all, err := s.allArchivedEvents(tx)
		if err != nil {
			return err
		}
		byKind := map[int][]ArchivedEvent{}
		for _, ev := range all {
			if ev.CreatedAt.After(since) {
				byKind[ev.Kind] = append(byKind[ev.Kind], ev)
			}
		}
		for _, kind := range kinds {
			page := byKind[kind]
			sort.Slice(page, func(i, j int) bool { return page[i].CreatedAt.Before(page[j].CreatedAt) })
			if len(page) > perKindPage {
				page = page[:perKindPage]
			}
			for _, ev := range page {
				if _, dup := seen[ev.EventID]; dup {
					continue
				}
				seen[ev.EventID] = struct{}{}
				out = append(out, ev)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if totalLimit > 0 && len(out) > totalLimit {
		out = out[:totalLimit]
	}
	return out, nil
}

func (s *BoltStorage) CleanupExpiredArchive(ctx context.Context) (int, error) {
	deleted := 0
	now := time.Now()
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketArchivedEvents)
		all, err := s.allArchivedEvents(tx)
		if err != nil {
			return err
		}
		for _, ev := range all {
			if !ev.ExpiresAt.IsZero() && !ev.ExpiresAt.After(now) {
				if err := b.Delete(archiveKey(ev.Kind, ev.EventID)); err != nil {
					return err
				}
				deleted++
			}
		}
		return nil
	})
	return deleted, err
}
