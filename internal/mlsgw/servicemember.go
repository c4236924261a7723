package mlsgw

import (
	"context"

	"fiatjaf.com/nostr"
	"github.com/rs/zerolog"

	"github.com/nostrmls/gateway/internal/gwlog"
)

// MLSClient is the narrow surface the service-member adapter needs from a
// local MLS client: membership checks and opportunistic decrypt. The
// concrete MLS implementation is out of scope and consumed as a
// library; this interface is the seam the adapter binds to.
type MLSClient interface {
	HasGroup(ctx context.Context, userID, groupID string) (bool, error)
	TryDecryptServiceRequest(ctx context.Context, ev *nostr.Event) ([]byte, bool, error)
}

// ServiceMemberAdapter is an optional subsystem, active only
// when enabled and configured for the in-process handler, that decrypts
// kind 445 events addressed to the gateway's own MLS identity and forwards
// the result to the service dispatcher. Plaintext never leaves this scope.
type ServiceMemberAdapter struct {
	client     MLSClient
	dispatcher *ServiceDispatcher
	metrics    *metrics

	enabled               bool
	preferredHandler      string
	gatingUseRegistryHint bool
	serviceUserID         string
}

// NewServiceMemberAdapter constructs an adapter. client may be nil, in
// which case the adapter is inert regardless of the enabled flag.
func NewServiceMemberAdapter(client MLSClient, dispatcher *ServiceDispatcher, m *metrics, cfg *Config) *ServiceMemberAdapter {
	return &ServiceMemberAdapter{
		client:                client,
		dispatcher:            dispatcher,
		metrics:               m,
		enabled:               cfg.EnableInProcessDecrypt,
		preferredHandler:      cfg.PreferredServiceHandler,
		gatingUseRegistryHint: cfg.GatingUseRegistryHint,
		serviceUserID:         cfg.MLSServiceUserID,
	}
}

// MaybeDispatch implements the gating order: (1) handler enabled
// and preferred == in-process, (2) optional registry hint, (3) membership
// check, (4) attempt decrypt. Failure at any step is silently skipped; only
// an error returned by the membership check or the decrypt attempt is
// counted, while a disabled handler, a false registry hint, a non-member
// group or a payload that is not a service request are not. Success
// forwards the decrypted JSON to the service dispatcher.
func (a *ServiceMemberAdapter) MaybeDispatch(ctx context.Context, ev *nostr.Event, group *GroupRecord) {
	log := gwlog.WithComponent("servicemember")

	if !a.enabled || a.preferredHandler != "in-process" || a.client == nil {
		return
	}

	if a.gatingUseRegistryHint {
		if group == nil || !group.ServiceMember {
			return
		}
	}

	groupID := firstTagValue(ev.Tags, "h")
	has, err := a.client.HasGroup(ctx, a.serviceUserID, groupID)
	if err != nil || !has {
		if err != nil {
			a.countFailure(log, "membership check failed", err)
		}
		return
	}

	payload, ok, err := a.client.TryDecryptServiceRequest(ctx, ev)
	if err != nil {
		a.countFailure(log, "decrypt failed", err)
		return
	}
	if !ok {
		return
	}

	a.dispatcher.Dispatch(ctx, payload)
}

func (a *ServiceMemberAdapter) countFailure(log zerolog.Logger, reason string, err error) {
	if a.metrics != nil {
		a.metrics.serviceDecryptFailure.Inc()
	}
	log.Debug().Err(err).Str("reason", reason).Msg("service-member gating step failed, skipping")
}
