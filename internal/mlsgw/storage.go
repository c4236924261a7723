package mlsgw

import (
	"context"
	"time"
)

// GroupRecord is the durable state for one MLS group.
type GroupRecord struct {
	GroupID       string
	DisplayName   string
	Owner         string
	Admins        []string
	ServiceMember bool
	LastEpoch     int64
	HasLastEpoch  bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IsAdmin reports whether pubkey is the owner or in the admin set.
func (g *GroupRecord) IsAdmin(pubkey string) bool {
	if g.Owner == pubkey {
		return true
	}
	return containsString(g.Admins, pubkey)
}

// KeyPackageRecord is one stored keypackage.
type KeyPackageRecord struct {
	EventID     string
	Owner       string
	Content     string // canonical base64, standard padding
	Ciphersuite string
	Extensions  []string
	Relays      []string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Expired reports whether the record has passed its expiry at time now.
func (k *KeyPackageRecord) Expired(now time.Time) bool {
	return !k.ExpiresAt.IsZero() && !now.Before(k.ExpiresAt)
}

// RosterEntry is one (group_id, sequence) log entry.
type RosterEntry struct {
	GroupID   string
	Sequence  uint64
	Operation RosterOp
	Members   []string
	Admin     string
	CreatedAt time.Time
}

// PendingDeletion is the per-owner last-resort-timer bookkeeping record.
type PendingDeletion struct {
	Owner                   string
	OldKeyPackageID         string
	NewKeyPackagesCollected []string
	TimerStartedAt          time.Time
	DeletionScheduledAt     time.Time
}

// ArchivedEvent is a durable copy of a Nostr event indexed for catch-up
// retrieval.
type ArchivedEvent struct {
	EventID    string
	Kind       int
	Content    string
	Tags       [][]string
	CreatedAt  time.Time
	Pubkey     string
	Sig        string
	Recipients []string
	GroupID    string
	HasGroup   bool
	Epoch      int64
	HasEpoch   bool
	ArchivedAt time.Time
	ExpiresAt  time.Time
}

// QueryKeyPackagesOptions narrows a keypackage query.
type QueryKeyPackagesOptions struct {
	Authors              []string
	Since                time.Time
	Limit                int
	OrderByCreatedAtDesc bool
}

// Storage is the single capability set the rest of the core consumes.
// The concrete backend is selected at startup from Config.StorageBackend;
// BoltStorage is the only implementation in this repository. Nothing above
// this interface knows which backend is in use.
type Storage interface {
	// Health
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// Groups
	UpsertGroup(ctx context.Context, groupID string, displayName *string, owner string, lastEpoch *int64) error
	GroupExists(ctx context.Context, groupID string) (bool, error)
	GetGroup(ctx context.Context, groupID string) (*GroupRecord, error)
	IsOwner(ctx context.Context, groupID, pubkey string) (bool, error)
	IsAdmin(ctx context.Context, groupID, pubkey string) (bool, error)
	AddAdmins(ctx context.Context, groupID string, pubkeys []string) error
	RemoveAdmins(ctx context.Context, groupID string, pubkeys []string) error

	// Roster
	GetLastRosterSequence(ctx context.Context, groupID string) (uint64, bool, error)
	StoreRosterPolicy(ctx context.Context, entry RosterEntry) error
	GetRosterEntries(ctx context.Context, groupID string) ([]RosterEntry, error)

	// KeyPackages
	StoreKeyPackage(ctx context.Context, kp KeyPackageRecord) error
	QueryKeyPackages(ctx context.Context, opts QueryKeyPackagesOptions) ([]KeyPackageRecord, error)
	DeleteConsumedKeyPackage(ctx context.Context, eventID string) (bool, error)
	CountUserKeyPackages(ctx context.Context, owner string) (int, error)
	CleanupExpiredKeyPackages(ctx context.Context) (int, error)
	DeleteKeyPackageByID(ctx context.Context, eventID string) error
	KeyPackageExists(ctx context.Context, eventID string) (bool, error)
	GetKeyPackage(ctx context.Context, eventID string) (*KeyPackageRecord, error)

	// Relay lists
	UpsertKeyPackageRelays(ctx context.Context, owner string, relays []string) error
	GetKeyPackageRelays(ctx context.Context, owner string) ([]string, error)

	// Pending deletions
	CreatePendingDeletion(ctx context.Context, pd PendingDeletion) error
	GetPendingDeletion(ctx context.Context, owner string) (*PendingDeletion, bool, error)
	UpdatePendingDeletion(ctx context.Context, pd PendingDeletion) error
	DeletePendingDeletion(ctx context.Context, owner string) error
	GetExpiredPendingDeletions(ctx context.Context, now time.Time) ([]PendingDeletion, error)
	GetAllPendingDeletions(ctx context.Context) ([]PendingDeletion, error)

	// Archive
	ArchiveEvent(ctx context.Context, ev ArchivedEvent) error
	GetMissedMessages(ctx context.Context, pubkey string, since time.Time, limit int) ([]ArchivedEvent, error)
	GetGroupMessages(ctx context.Context, groupID string, since time.Time, limit int) ([]ArchivedEvent, error)
	ListRecentEventsByKinds(ctx context.Context, kinds []int, since time.Time, totalLimit int) ([]ArchivedEvent, error)
	CleanupExpiredArchive(ctx context.Context) (int, error)

	Close() error
}
