package mlsgw

import (
	"context"
	"fmt"
	"strconv"

	"fiatjaf.com/nostr"

	"github.com/nostrmls/gateway/internal/gwlog"
	"github.com/nostrmls/gateway/internal/relayext"
)

var _ relayext.KindHandler = (*Pipeline)(nil)

// KindHandler processes one validated event of a specific kind. It runs
// fire-and-forget: callers log the returned error and move on, per the
// cooperative, errors-logged handler contract.
type KindHandler func(ctx context.Context, ev *nostr.Event) error

// Pipeline is the kind-dispatched validator/router, built as a flat table
// (kind -> handler) rather than an inheritance chain.
type Pipeline struct {
	cfg        *Config
	storage    Storage
	archive    *Archive
	roster     *RosterLog
	kps        *KeyPackageManager
	service    *ServiceMemberAdapter
	dispatcher *ServiceDispatcher
	metrics    *metrics

	handlers map[int]KindHandler

	initialized bool
}

// NewPipeline wires every component into the dispatch table. Initialize
// must be called once before Dispatch is used.
func NewPipeline(cfg *Config, storage Storage, archive *Archive, roster *RosterLog, kps *KeyPackageManager, service *ServiceMemberAdapter, dispatcher *ServiceDispatcher, m *metrics) *Pipeline {
	p := &Pipeline{
		cfg:        cfg,
		storage:    storage,
		archive:    archive,
		roster:     roster,
		kps:        kps,
		service:    service,
		dispatcher: dispatcher,
		metrics:    m,
	}

	p.handlers = map[int]KindHandler{
		KindKeyPackage:       p.handleKeyPackage,
		KindWelcome:          p.handleWelcome,
		KindGroupMessage:     p.handleGroupMessage,
		KindNoiseDM:          p.handleNoiseDM,
		KindRosterPolicy:     p.handleRosterPolicy,
		KindGiftWrap:         p.handleGiftWrap,
		KindKeyPackageRelays: p.handleKeyPackageRelays,
		KindServiceRequest:   p.handleServiceRequest,
		KindServiceAck:       p.handleServiceAck,
		KindServiceNotify:    p.handleServiceNotify,
	}

	return p
}

// Initialize runs migrations and probes health on the already-opened
// storage backend; the archive needs no separate setup step. The hourly
// sweep and startup backfill are
// started by the caller (see Backfill/GC in backfill.go) once Initialize
// succeeds.
func (p *Pipeline) Initialize(ctx context.Context) error {
	if err := p.storage.Migrate(ctx); err != nil {
		return fmt.Errorf("running storage migrations: %w", err)
	}
	if err := p.storage.HealthCheck(ctx); err != nil {
		return fmt.Errorf("storage health check failed: %w", err)
	}
	p.initialized = true
	return nil
}

// HandleEvent satisfies relayext.KindHandler, the seam a host relay
// framework calls into for every incoming event.
func (p *Pipeline) HandleEvent(ctx context.Context, ev *nostr.Event) {
	p.Dispatch(ctx, ev)
}

// Dispatch routes an event to its kind handler, if any is registered.
// Unregistered kinds (including the deprecated 447) are ignored here; 447
// has no handler because consumption is now driven by the REQ interceptor.
func (p *Pipeline) Dispatch(ctx context.Context, ev *nostr.Event) {
	log := gwlog.WithComponent("pipeline")

	handler, ok := p.handlers[int(ev.Kind)]
	if !ok {
		return
	}

	go func() {
		if err := handler(ctx, ev); err != nil {
			log.Warn().Err(err).Int("kind", int(ev.Kind)).Str("event_id", fmt.Sprintf("%x", ev.ID)).Msg("event handler failed")
		}
	}()
}

func (p *Pipeline) handleKeyPackage(ctx context.Context, ev *nostr.Event) error {
	return p.kps.Ingest(ctx, ev)
}

// handleWelcome drops top-level kind 444 Welcomes, which must travel
// wrapped in a 1059 giftwrap.
func (p *Pipeline) handleWelcome(ctx context.Context, ev *nostr.Event) error {
	gwlog.WithComponent("pipeline").Warn().Str("event_id", fmt.Sprintf("%x", ev.ID)).
		Msg("dropping top-level kind 444 welcome, must be wrapped in 1059")
	return nil
}

// handleGroupMessage handles kind 445: archive if
// enabled, warn on non-standard outer tags, update the group registry with
// author and epoch, and optionally attempt the service-member decrypt path.
func (p *Pipeline) handleGroupMessage(ctx context.Context, ev *nostr.Event) error {
	log := gwlog.WithComponent("pipeline")

	allowedOuterTags := map[string]bool{"h": true, "k": true, "mls_ver": true, "p": true}
	for _, t := range ev.Tags {
		if len(t) == 0 {
			continue
		}
		if !allowedOuterTags[t[0]] {
			log.Warn().Str("tag", t[0]).Msg("non-standard outer tag on kind 445")
		}
	}

	if p.cfg.EnableMessageArchive {
		if err := p.archive.MaybeArchive(ctx, ev); err != nil {
			log.Error().Err(err).Msg("archiving group message failed")
		}
	}

	groupID := firstTagValue(ev.Tags, "h")
	var group *GroupRecord
	if groupID != "" {
		author := fmt.Sprintf("%x", ev.PubKey)
		var epoch *int64
		if k := firstTagValue(ev.Tags, "k"); k != "" {
			if v, err := strconv.ParseInt(k, 10, 64); err == nil {
				epoch = &v
			}
		}
		if err := p.storage.UpsertGroup(ctx, groupID, nil, author, epoch); err != nil {
			log.Error().Err(err).Str("group_id", groupID).Msg("updating group registry on group message")
		}
		group, _ = p.storage.GetGroup(ctx, groupID)
	}

	if p.service != nil {
		p.service.MaybeDispatch(ctx, ev, group)
	}

	return nil
}

// handleNoiseDM handles kind 446: archive if enabled and count recipients;
// no storage mutation. A `p` tag is deliberately not required here.
func (p *Pipeline) handleNoiseDM(ctx context.Context, ev *nostr.Event) error {
	recipients := dedupeStrings(allTagValues(ev.Tags, "p"))
	gwlog.WithComponent("pipeline").Debug().Int("recipients", len(recipients)).
		Str("event_id", fmt.Sprintf("%x", ev.ID)).Msg("noise DM received")
	if p.cfg.EnableMessageArchive {
		return p.archive.MaybeArchive(ctx, ev)
	}
	return nil
}

func (p *Pipeline) handleRosterPolicy(ctx context.Context, ev *nostr.Event) error {
	return p.roster.Apply(ctx, ev)
}

// handleGiftWrap handles kind 1059: archive if enabled,
// require a `p` recipient tag, and never attempt decrypt.
func (p *Pipeline) handleGiftWrap(ctx context.Context, ev *nostr.Event) error {
	if !hasTag(ev.Tags, "p") {
		return wrapErr(ClassValidation, "MissingTag", fmt.Errorf("giftwrap missing p recipient tag"))
	}
	if p.cfg.EnableMessageArchive {
		return p.archive.MaybeArchive(ctx, ev)
	}
	return nil
}

// handleKeyPackageRelays handles kind 10051: collect
// relay tags, deduplicate, and upsert the owner's relay list.
func (p *Pipeline) handleKeyPackageRelays(ctx context.Context, ev *nostr.Event) error {
	author := fmt.Sprintf("%x", ev.PubKey)
	relays := dedupeStrings(unionStrings(allTagValues(ev.Tags, "relay"), allTagValues(ev.Tags, "relays")))
	return p.storage.UpsertKeyPackageRelays(ctx, author, relays)
}

// serviceTagNames are the control-plane tags expected on kinds 40910/40911.
// Missing tags are warned, not fatal; authorization happens downstream.
var serviceTagNames = []string{"service", "profile", "client", "action"}

// handleServiceRequest handles kind 40910: the content is a JSON
// service-request payload routed by the service dispatcher.
func (p *Pipeline) handleServiceRequest(ctx context.Context, ev *nostr.Event) error {
	log := gwlog.WithComponent("pipeline")
	for _, name := range serviceTagNames {
		if !hasTag(ev.Tags, name) {
			log.Warn().Str("tag", name).Msg("service-request missing control tag")
		}
	}
	p.dispatcher.Dispatch(ctx, []byte(ev.Content))
	return nil
}

// handleServiceAck handles kind 40911, feeding the rotation coordinator's
// quorum tracking.
func (p *Pipeline) handleServiceAck(ctx context.Context, ev *nostr.Event) error {
	p.dispatcher.DispatchAck(ctx, []byte(ev.Content))
	return nil
}

// handleServiceNotify handles kind 40912, which is observational only:
// notify traffic normally travels over MLS, so a 40912 on the relay side is
// just noted.
func (p *Pipeline) handleServiceNotify(ctx context.Context, ev *nostr.Event) error {
	gwlog.WithComponent("pipeline").Info().Str("event_id", fmt.Sprintf("%x", ev.ID)).Msg("service-notify observed")
	return nil
}
