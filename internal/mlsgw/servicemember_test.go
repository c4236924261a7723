package mlsgw

import (
	"context"
	"errors"
	"testing"

	"fiatjaf.com/nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMLSClient is a minimal MLSClient stub for exercising the four-step
// gating order in MaybeDispatch without a real MLS implementation.
type fakeMLSClient struct {
	hasGroup     bool
	hasGroupErr  error
	decryptOK    bool
	decryptErr   error
	decryptBytes []byte

	hasGroupCalls int
	decryptCalls  int
}

func (f *fakeMLSClient) HasGroup(ctx context.Context, userID, groupID string) (bool, error) {
	f.hasGroupCalls++
	return f.hasGroup, f.hasGroupErr
}

func (f *fakeMLSClient) TryDecryptServiceRequest(ctx context.Context, ev *nostr.Event) ([]byte, bool, error) {
	f.decryptCalls++
	return f.decryptBytes, f.decryptOK, f.decryptErr
}

func newTestServiceMemberAdapter(t *testing.T, client MLSClient, cfg *Config) *ServiceMemberAdapter {
	t.Helper()
	s := newTestStorage(t)
	rc := NewRotationCoordinator(s, nil, []byte("unit-test-mac-key"), "unit-test-key-v1")
	dispatcher := NewServiceDispatcher(rc)
	return NewServiceMemberAdapter(client, dispatcher, nil, cfg)
}

func serviceMemberConfig() *Config {
	cfg := DefaultConfig()
	cfg.EnableInProcessDecrypt = true
	cfg.PreferredServiceHandler = "in-process"
	cfg.GatingUseRegistryHint = false
	cfg.MLSServiceUserID = "service-member"
	return cfg
}

func groupMessageEvent(groupID string) *nostr.Event {
	return testEvent(KindGroupMessage, testPubKey(1), "ciphertext", nostr.Tags{nostr.Tag{"h", groupID}})
}

func TestServiceMemberSkipsWhenDisabled(t *testing.T) {
	client := &fakeMLSClient{hasGroup: true}
	cfg := serviceMemberConfig()
	cfg.EnableInProcessDecrypt = false
	a := newTestServiceMemberAdapter(t, client, cfg)

	a.MaybeDispatch(context.Background(), groupMessageEvent("grp"), nil)
	assert.Zero(t, client.hasGroupCalls, "disabled adapter must not reach the membership check")
}

func TestServiceMemberSkipsWhenHandlerNotInProcess(t *testing.T) {
	client := &fakeMLSClient{hasGroup: true}
	cfg := serviceMemberConfig()
	cfg.PreferredServiceHandler = "external"
	a := newTestServiceMemberAdapter(t, client, cfg)

	a.MaybeDispatch(context.Background(), groupMessageEvent("grp"), nil)
	assert.Zero(t, client.hasGroupCalls)
}

func TestServiceMemberSkipsWhenClientNil(t *testing.T) {
	cfg := serviceMemberConfig()
	a := newTestServiceMemberAdapter(t, nil, cfg)

	// Must not panic even though no client is wired.
	a.MaybeDispatch(context.Background(), groupMessageEvent("grp"), nil)
}

func TestServiceMemberRegistryHintNarrowsWhenEnabled(t *testing.T) {
	client := &fakeMLSClient{hasGroup: true}
	cfg := serviceMemberConfig()
	cfg.GatingUseRegistryHint = true
	a := newTestServiceMemberAdapter(t, client, cfg)

	// No group record / hint false: must short-circuit before the membership check.
	a.MaybeDispatch(context.Background(), groupMessageEvent("grp"), nil)
	assert.Zero(t, client.hasGroupCalls)

	a.MaybeDispatch(context.Background(), groupMessageEvent("grp"), &GroupRecord{ServiceMember: false})
	assert.Zero(t, client.hasGroupCalls)

	a.MaybeDispatch(context.Background(), groupMessageEvent("grp"), &GroupRecord{ServiceMember: true})
	assert.Equal(t, 1, client.hasGroupCalls, "a true registry hint must allow the membership check to run")
}

func TestServiceMemberSkipsOnMembershipFailure(t *testing.T) {
	client := &fakeMLSClient{hasGroup: false}
	cfg := serviceMemberConfig()
	a := newTestServiceMemberAdapter(t, client, cfg)

	a.MaybeDispatch(context.Background(), groupMessageEvent("grp"), nil)
	assert.Zero(t, client.decryptCalls, "decrypt must never be attempted without confirmed membership")
}

func TestServiceMemberSkipsOnMembershipCheckError(t *testing.T) {
	client := &fakeMLSClient{hasGroupErr: errors.New("backend unavailable")}
	cfg := serviceMemberConfig()
	a := newTestServiceMemberAdapter(t, client, cfg)

	a.MaybeDispatch(context.Background(), groupMessageEvent("grp"), nil)
	assert.Zero(t, client.decryptCalls)
}

func TestServiceMemberSkipsOnDecryptFailure(t *testing.T) {
	client := &fakeMLSClient{hasGroup: true, decryptErr: errors.New("decrypt failed")}
	cfg := serviceMemberConfig()
	a := newTestServiceMemberAdapter(t, client, cfg)

	// Must not panic; dispatcher must not be reached.
	a.MaybeDispatch(context.Background(), groupMessageEvent("grp"), nil)
}

func TestServiceMemberSkipsOnDecryptNotApplicable(t *testing.T) {
	client := &fakeMLSClient{hasGroup: true, decryptOK: false}
	cfg := serviceMemberConfig()
	a := newTestServiceMemberAdapter(t, client, cfg)

	a.MaybeDispatch(context.Background(), groupMessageEvent("grp"), nil)
	require.Equal(t, 1, client.decryptCalls)
}

func TestServiceMemberForwardsDecryptedPayloadToDispatcher(t *testing.T) {
	payload := []byte(`{"action_type":"rotation","action_id":"r1","client_id":"c1","profile":"nip-kr/0.1.0"}`)
	client := &fakeMLSClient{hasGroup: true, decryptOK: true, decryptBytes: payload}
	cfg := serviceMemberConfig()

	s := newTestStorage(t)
	rc := NewRotationCoordinator(s, nil, []byte("unit-test-mac-key"), "unit-test-key-v1")
	dispatcher := NewServiceDispatcher(rc)
	a := NewServiceMemberAdapter(client, dispatcher, nil, cfg)

	a.MaybeDispatch(context.Background(), groupMessageEvent("grp"), nil)

	_, ok := rc.Rotation("r1")
	assert.True(t, ok, "a successfully decrypted service payload must reach the dispatcher")
}
