package mlsgw

import (
	"context"
	"fmt"
	"strconv"
	"testing"

	"fiatjaf.com/nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rosterEvent(pubkey nostr.PubKey, groupID string, seq uint64, op RosterOp, members []string, role string) *nostr.Event {
	tags := nostr.Tags{
		nostr.Tag{"h", groupID},
		nostr.Tag{"seq", strconv.FormatUint(seq, 10)},
		nostr.Tag{"op", string(op)},
	}
	for _, m := range members {
		tags = append(tags, nostr.Tag{"p", m})
	}
	if role != "" {
		tags = append(tags, nostr.Tag{"role", role})
	}
	return testEvent(KindRosterPolicy, pubkey, "", tags)
}

func TestRosterBootstrapMakesAuthorAdmin(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	r := NewRosterLog(s, newMetrics())
	owner := testPubKey(1)
	ownerHex := fmt.Sprintf("%x", owner)

	require.NoError(t, r.Apply(ctx, rosterEvent(owner, "group-1", 1, RosterOpBootstrap, nil, "")))

	isAdmin, err := s.IsAdmin(ctx, "group-1", ownerHex)
	require.NoError(t, err)
	assert.True(t, isAdmin)
}

func TestRosterNonBootstrapRequiresExistingGroup(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	r := NewRosterLog(s, newMetrics())
	owner := testPubKey(1)

	err := r.Apply(ctx, rosterEvent(owner, "unknown-group", 1, RosterOpAdd, []string{"x"}, ""))
	require.Error(t, err)
	var gerr *GatewayError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, "UnknownGroup", gerr.Reason)
}

func TestRosterRejectsNonAdminAuthor(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	r := NewRosterLog(s, newMetrics())
	owner := testPubKey(1)
	outsider := testPubKey(2)

	require.NoError(t, r.Apply(ctx, rosterEvent(owner, "group-1", 1, RosterOpBootstrap, nil, "")))

	err := r.Apply(ctx, rosterEvent(outsider, "group-1", 2, RosterOpAdd, []string{"z"}, ""))
	require.Error(t, err)
	var gerr *GatewayError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, "Unauthorized", gerr.Reason)
}

func TestRosterRejectsStaleOrRepeatedSequence(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	r := NewRosterLog(s, newMetrics())
	owner := testPubKey(1)

	require.NoError(t, r.Apply(ctx, rosterEvent(owner, "group-1", 1, RosterOpBootstrap, nil, "")))
	require.NoError(t, r.Apply(ctx, rosterEvent(owner, "group-1", 2, RosterOpAdd, []string{"m1"}, "")))

	err := r.Apply(ctx, rosterEvent(owner, "group-1", 2, RosterOpAdd, []string{"m2"}, ""))
	require.Error(t, err)
	var gerr *GatewayError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, "StaleSequence", gerr.Reason)

	err = r.Apply(ctx, rosterEvent(owner, "group-1", 1, RosterOpAdd, []string{"m3"}, ""))
	require.Error(t, err)
}

func TestRosterPromoteAndDemoteAdmins(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	r := NewRosterLog(s, newMetrics())
	owner := testPubKey(1)
	member := "member-pubkey"

	require.NoError(t, r.Apply(ctx, rosterEvent(owner, "group-1", 1, RosterOpBootstrap, nil, "")))
	require.NoError(t, r.Apply(ctx, rosterEvent(owner, "group-1", 2, RosterOpPromote, []string{member}, "admin")))

	isAdmin, err := s.IsAdmin(ctx, "group-1", member)
	require.NoError(t, err)
	assert.True(t, isAdmin)

	require.NoError(t, r.Apply(ctx, rosterEvent(owner, "group-1", 3, RosterOpDemote, []string{member}, "admin")))
	isAdmin, err = s.IsAdmin(ctx, "group-1", member)
	require.NoError(t, err)
	assert.False(t, isAdmin)
}

func TestRosterMissingHTag(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	r := NewRosterLog(s, newMetrics())
	owner := testPubKey(1)

	ev := testEvent(KindRosterPolicy, owner, "", nostr.Tags{nostr.Tag{"seq", "1"}, nostr.Tag{"op", "bootstrap"}})
	err := r.Apply(ctx, ev)
	require.Error(t, err)
	var gerr *GatewayError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, "MissingTag", gerr.Reason)
}
