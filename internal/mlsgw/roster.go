package mlsgw

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"fiatjaf.com/nostr"

	"github.com/nostrmls/gateway/internal/gwlog"
)

// RosterLog applies kind 450 roster/policy events: a per-group
// monotonically sequenced, admin-signed membership log with idempotent
// apply semantics (a later event at an already-seen or lower sequence is
// rejected, not silently merged).
type RosterLog struct {
	storage Storage
	metrics *metrics
}

// NewRosterLog constructs a roster log bound to storage.
func NewRosterLog(storage Storage, m *metrics) *RosterLog {
	return &RosterLog{storage: storage, metrics: m}
}

// Apply validates and applies one kind 450 event, running the checks and
// the persist-then-apply steps in a fixed order.
func (r *RosterLog) Apply(ctx context.Context, ev *nostr.Event) error {
	log := gwlog.WithComponent("roster")
	author := fmt.Sprintf("%x", ev.PubKey)

	groupID := firstTagValue(ev.Tags, "h")
	if groupID == "" {
		return wrapErr(ClassValidation, "MissingTag", fmt.Errorf("missing h tag"))
	}

	seqRaw := firstTagValue(ev.Tags, "seq")
	seq, err := strconv.ParseUint(seqRaw, 10, 64)
	if err != nil {
		return wrapErr(ClassValidation, "InvalidTag", fmt.Errorf("invalid seq tag %q: %w", seqRaw, err))
	}

	opRaw := firstTagValue(ev.Tags, "op")
	op := RosterOp(opRaw)
	switch op {
	case RosterOpBootstrap, RosterOpAdd, RosterOpRemove, RosterOpPromote, RosterOpDemote, RosterOpReplace:
	default:
		return wrapErr(ClassValidation, "InvalidTag", fmt.Errorf("unknown op %q", opRaw))
	}

	members := allTagValues(ev.Tags, "p")
	role := firstTagValue(ev.Tags, "role")

	exists, err := r.storage.GroupExists(ctx, groupID)
	if err != nil {
		return fmt.Errorf("checking group existence: %w", err)
	}

	// Rule 1: non-bootstrap ops require an existing group.
	if op != RosterOpBootstrap && !exists {
		return wrapErr(ClassAuthorization, "UnknownGroup", nil)
	}

	// Rule 2: author must be owner or admin if the group exists.
	if exists {
		isAdmin, err := r.storage.IsAdmin(ctx, groupID, author)
		if err != nil {
			return fmt.Errorf("checking admin: %w", err)
		}
		if !isAdmin {
			return wrapErr(ClassAuthorization, "Unauthorized", nil)
		}
	}

	// Rule 3: strictly increasing sequence.
	last, hasLast, err := r.storage.GetLastRosterSequence(ctx, groupID)
	if err != nil {
		return fmt.Errorf("reading last roster sequence: %w", err)
	}
	if hasLast && seq <= last {
		if r.metrics != nil {
			r.metrics.rosterStaleSequence.Inc()
		}
		return wrapErr(ClassSequencing, "StaleSequence", nil)
	}

	// Rule 4: persist — this write is what enforces idempotence for retries
	// at an already-seen sequence.
	entry := RosterEntry{
		GroupID:   groupID,
		Sequence:  seq,
		Operation: op,
		Members:   members,
		Admin:     author,
		CreatedAt: time.Unix(int64(ev.CreatedAt), 0),
	}
	if err := r.storage.StoreRosterPolicy(ctx, entry); err != nil {
		return fmt.Errorf("storing roster entry: %w", err)
	}

	// Rule 5: apply the operation's side effect.
	switch op {
	case RosterOpBootstrap:
		if err := r.storage.UpsertGroup(ctx, groupID, nil, author, nil); err != nil {
			return fmt.Errorf("bootstrapping group: %w", err)
		}
		if err := r.storage.AddAdmins(ctx, groupID, []string{author}); err != nil {
			return fmt.Errorf("adding bootstrap admin: %w", err)
		}
	case RosterOpAdd, RosterOpReplace:
		// Membership tracking beyond admin/owner is delegated to clients in
		// the current design; ensure the group record exists as a no-op update.
		if err := r.storage.UpsertGroup(ctx, groupID, nil, author, nil); err != nil {
			return fmt.Errorf("touching group on %s: %w", op, err)
		}
	case RosterOpPromote:
		if role == "admin" && len(members) > 0 {
			if err := r.storage.AddAdmins(ctx, groupID, members); err != nil {
				return fmt.Errorf("promoting admins: %w", err)
			}
		}
	case RosterOpDemote:
		if role == "admin" && len(members) > 0 {
			if err := r.storage.RemoveAdmins(ctx, groupID, members); err != nil {
				return fmt.Errorf("demoting admins: %w", err)
			}
		}
	case RosterOpRemove:
		// No admin-side effect in current design.
	}

	log.Info().Str("group_id", groupID).Uint64("seq", seq).Str("op", string(op)).Msg("roster entry applied")
	return nil
}
