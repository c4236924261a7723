package mlsgw

import (
	"context"
	"fmt"
	"net/http"

	"github.com/nostrmls/gateway/internal/gwlog"
	"github.com/nostrmls/gateway/internal/relayext"
)

// Gateway wires every component into the single object a host
// process embeds or a standalone daemon runs directly. It owns the storage
// handle's lifecycle; callers must call Close when done.
type Gateway struct {
	cfg *Config

	storage     Storage
	metrics     *metrics
	archive     *Archive
	roster      *RosterLog
	keypackages *KeyPackageManager
	rotation    *RotationCoordinator
	dispatcher  *ServiceDispatcher
	service     *ServiceMemberAdapter
	pipeline    *Pipeline
	reqHook     *ReqInterceptor
	backfill    *Backfiller
}

// NewGateway opens the bolt storage under cfg.DataDir (creating its buckets)
// and constructs every component against cfg; call Start to run migrations
// and kick off background work.
func NewGateway(cfg *Config) (*Gateway, error) {
	if cfg.StorageBackend != StorageBackendBolt {
		return nil, fmt.Errorf("unsupported storage backend %q: only bolt is wired in this build", cfg.StorageBackend)
	}

	storage, err := NewBoltStorage(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	m := newMetrics()
	archive := NewArchive(storage, cfg.MessageArchiveTTLDays, m)
	roster := NewRosterLog(storage, m)
	kps := NewKeyPackageManager(storage, m, cfg.MaxKeyPackagesPerUser, cfg.KeyPackageTTL)

	macKey, _ := DevHMACKey()
	rotation := NewRotationCoordinator(storage, m, macKey, devMACKeyRef)
	dispatcher := NewServiceDispatcher(rotation)

	// No in-process MLS client is wired into this build; MaybeDispatch
	// short-circuits on the nil client per its gating order.
	service := NewServiceMemberAdapter(nil, dispatcher, m, cfg)

	pipeline := NewPipeline(cfg, storage, archive, roster, kps, service, dispatcher, m)
	reqHook := NewReqInterceptor(kps, m)

	var sink relayext.EventSink // no host event store attached in this build
	backfiller := NewBackfiller(cfg, archive, kps, sink)

	return &Gateway{
		cfg:         cfg,
		storage:     storage,
		metrics:     m,
		archive:     archive,
		roster:      roster,
		keypackages: kps,
		rotation:    rotation,
		dispatcher:  dispatcher,
		service:     service,
		pipeline:    pipeline,
		reqHook:     reqHook,
		backfill:    backfiller,
	}, nil
}

// Start runs migrations, resumes any pending last-resort deletions left over
// from a prior process, performs the startup backfill, and launches the
// periodic GC sweep in the background.
func (g *Gateway) Start(ctx context.Context) error {
	log := gwlog.WithComponent("gateway")

	if err := g.pipeline.Initialize(ctx); err != nil {
		return err
	}

	if err := g.keypackages.ResumePendingDeletions(ctx); err != nil {
		log.Warn().Err(err).Msg("resuming pending last-resort deletions failed")
	}

	if err := g.backfill.RunStartupBackfill(ctx); err != nil {
		log.Warn().Err(err).Msg("startup backfill failed")
	}

	go g.backfill.RunPeriodicGC(ctx)

	return nil
}

// Pipeline returns the kind dispatcher, for a host framework to feed events into.
func (g *Gateway) Pipeline() *Pipeline { return g.pipeline }

// ReqInterceptor returns the REQ-time keypackage gate, for a host framework
// to consult before/after assembling query results.
func (g *Gateway) ReqInterceptor() *ReqInterceptor { return g.reqHook }

// Dispatcher returns the NIP-KR service-message dispatcher.
func (g *Gateway) Dispatcher() *ServiceDispatcher { return g.dispatcher }

// Archive exposes the message archive to the HTTP surface.
func (g *Gateway) Archive() *Archive { return g.archive }

// MetricsHandler exposes the gateway's Prometheus registry for mounting.
func (g *Gateway) MetricsHandler() http.Handler { return g.metrics.Handler() }

// Close releases the storage handle.
func (g *Gateway) Close() error {
	return g.storage.Close()
}
