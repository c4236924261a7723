package mlsgw

import (
	"testing"
	"time"

	"fiatjaf.com/nostr"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *BoltStorage {
	t.Helper()
	s, err := NewBoltStorage(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// testPubKey builds a deterministic 32-byte pubkey whose every byte is seed,
// distinct per seed byte.
func testPubKey(seed byte) nostr.PubKey {
	var pk nostr.PubKey
	for i := range pk {
		pk[i] = seed
	}
	return pk
}

var testIDCounter uint32

func testID() nostr.ID {
	testIDCounter++
	var id nostr.ID
	id[0] = byte(testIDCounter)
	id[1] = byte(testIDCounter >> 8)
	id[2] = byte(testIDCounter >> 16)
	id[3] = byte(testIDCounter >> 24)
	return id
}

func testEvent(kind int, pubkey nostr.PubKey, content string, tags nostr.Tags) *nostr.Event {
	return &nostr.Event{
		ID:        testID(),
		PubKey:    pubkey,
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Kind:      nostr.Kind(kind),
		Tags:      tags,
		Content:   content,
	}
}
