package mlsgw

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalMACInputIsLengthPrefixed(t *testing.T) {
	a := canonicalMACInput("client", "v1", "secret")
	b := canonicalMACInput("cli", "entv1", "secret")
	assert.NotEqual(t, a, b, "length prefixing must prevent field-boundary ambiguity")
}

func TestHMACSignBase64URLIsDeterministic(t *testing.T) {
	key := []byte("test-key")
	data := canonicalMACInput("client-1", "version-1", "top-secret")

	tag1 := hmacSignBase64URL(key, data)
	tag2 := hmacSignBase64URL(key, data)
	assert.Equal(t, tag1, tag2)

	otherKey := hmacSignBase64URL([]byte("different-key"), data)
	assert.NotEqual(t, tag1, otherKey)
}

func TestRotationPrepareRequiresMACKey(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	rc := NewRotationCoordinator(s, nil, nil, "")
	// no NIP_KR_TEST_HMAC_KEY_BASE64URL set in this test process

	_, err := rc.PrepareRotation(ctx, RotationRequest{ActionID: "a1", ClientID: "client-1"})
	require.Error(t, err)
	var gerr *GatewayError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, ClassConfiguration, gerr.Class)
}

func TestRotationPrepareThenAckPromotes(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	rc := NewRotationCoordinator(s, nil, []byte("unit-test-mac-key"), "unit-test-key-v1")

	record, err := rc.PrepareRotation(ctx, RotationRequest{ActionID: "rot-1", ClientID: "client-1"})
	require.NoError(t, err)
	assert.Equal(t, RotationNone, record.Outcome)
	assert.NotEmpty(t, record.NewVersionID)

	promoted, err := rc.Ack(ctx, "rot-1")
	require.NoError(t, err)
	assert.Equal(t, RotationPromoted, promoted.Outcome)

	current, ok := rc.CurrentVersion("client-1")
	require.True(t, ok)
	assert.Equal(t, record.NewVersionID, current.VersionID)
	assert.Equal(t, VersionCurrent, current.State)
}

func TestRotationSecondRotationMovesPreviousVersionToGrace(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	rc := NewRotationCoordinator(s, nil, []byte("unit-test-mac-key"), "unit-test-key-v1")

	first, err := rc.PrepareRotation(ctx, RotationRequest{ActionID: "rot-1", ClientID: "client-1"})
	require.NoError(t, err)
	_, err = rc.Ack(ctx, "rot-1")
	require.NoError(t, err)

	second, err := rc.PrepareRotation(ctx, RotationRequest{ActionID: "rot-2", ClientID: "client-1"})
	require.NoError(t, err)
	promoted, err := rc.Ack(ctx, "rot-2")
	require.NoError(t, err)

	assert.Equal(t, first.NewVersionID, promoted.OldVersionID)
	assert.Equal(t, second.NewVersionID, promoted.NewVersionID)

	current, ok := rc.CurrentVersion("client-1")
	require.True(t, ok)
	assert.Equal(t, second.NewVersionID, current.VersionID)
}

func TestRotationAckIsIdempotentPastPromotion(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	rc := NewRotationCoordinator(s, nil, []byte("unit-test-mac-key"), "unit-test-key-v1")

	_, err := rc.PrepareRotation(ctx, RotationRequest{ActionID: "rot-1", ClientID: "client-1"})
	require.NoError(t, err)
	first, err := rc.Ack(ctx, "rot-1")
	require.NoError(t, err)
	require.Equal(t, RotationPromoted, first.Outcome)

	second, err := rc.Ack(ctx, "rot-1")
	require.NoError(t, err)
	assert.Equal(t, RotationPromoted, second.Outcome)
	assert.Equal(t, 1, second.QuorumAcks, "a repeated ack on an already-promoted rotation must not re-increment")
}

func TestRotationAckUnknownIDErrors(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	rc := NewRotationCoordinator(s, nil, []byte("unit-test-mac-key"), "unit-test-key-v1")

	_, err := rc.Ack(ctx, "does-not-exist")
	require.Error(t, err)
}
