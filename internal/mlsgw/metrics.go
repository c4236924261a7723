package mlsgw

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics groups every counter/histogram the gateway describes at
// initialization. All are registered against a
// dedicated registry so a host process embedding this gateway can mount
// Handler() alongside its own metrics without collisions.
type metrics struct {
	registry *prometheus.Registry

	keypackagesIngested   prometheus.Counter
	keypackagesRejected   *prometheus.CounterVec
	keypackagesConsumed   prometheus.Counter
	keypackagesServed     prometheus.Counter
	quotaExceeded         prometheus.Counter
	lastResortTimerStarts prometheus.Counter
	lastResortTimerFires  prometheus.Counter
	lastResortCancels     prometheus.Counter
	rateLimitExceeded     prometheus.Counter
	rosterStaleSequence   prometheus.Counter
	rotationPrepared      prometheus.Counter
	rotationPromoted      prometheus.Counter
	serviceDecryptFailure prometheus.Counter
	archiveCleanupRuns    prometheus.Counter
	archivedEventsTotal   *prometheus.CounterVec
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()

	m := &metrics{
		registry: reg,
		keypackagesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mls_gateway_keypackages_ingested_total",
			Help: "Total number of kind 443 keypackage events accepted.",
		}),
		keypackagesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mls_gateway_keypackages_rejected_total",
			Help: "Total number of kind 443 keypackage events rejected, by reason.",
		}, []string{"reason"}),
		keypackagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mls_gateway_keypackages_consumed_total",
			Help: "Total number of keypackages deleted as a result of consumption.",
		}),
		keypackagesServed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mls_gateway_keypackages_served_total",
			Help: "Total number of keypackages returned to REQ queries.",
		}),
		quotaExceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mls_gateway_quota_exceeded_total",
			Help: "Total number of keypackage ingests rejected for exceeding the per-owner quota.",
		}),
		lastResortTimerStarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mls_gateway_last_resort_timer_starts_total",
			Help: "Total number of last-resort deletion timers started.",
		}),
		lastResortTimerFires: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mls_gateway_last_resort_timer_fires_total",
			Help: "Total number of last-resort deletion timers that fired and deleted a keypackage.",
		}),
		lastResortCancels: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mls_gateway_last_resort_cancels_total",
			Help: "Total number of last-resort deletion timers canceled without deleting.",
		}),
		rateLimitExceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mls_gateway_rate_limit_exceeded_total",
			Help: "Total number of keypackage queries denied by the per-pair rate limiter.",
		}),
		rosterStaleSequence: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mls_gateway_roster_stale_sequence_total",
			Help: "Total number of roster/policy entries rejected for a stale sequence.",
		}),
		rotationPrepared: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mls_gateway_rotation_prepared_total",
			Help: "Total number of NIP-KR rotations prepared.",
		}),
		rotationPromoted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mls_gateway_rotation_promoted_total",
			Help: "Total number of NIP-KR rotations promoted.",
		}),
		serviceDecryptFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mls_gateway_service_decrypt_failures_total",
			Help: "Total number of failed service-member decrypt attempts.",
		}),
		archiveCleanupRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mls_gateway_archive_cleanup_runs_total",
			Help: "Total number of expired-archive cleanup passes run.",
		}),
		archivedEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mls_gateway_archived_events_total",
			Help: "Total number of events archived, by kind.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		m.keypackagesIngested, m.keypackagesRejected, m.keypackagesConsumed,
		m.keypackagesServed, m.quotaExceeded, m.lastResortTimerStarts,
		m.lastResortTimerFires, m.lastResortCancels, m.rateLimitExceeded,
		m.rosterStaleSequence, m.rotationPrepared, m.rotationPromoted,
		m.serviceDecryptFailure, m.archiveCleanupRuns, m.archivedEventsTotal,
	)

	return m
}

// Handler exposes the metrics registry over HTTP in the Prometheus
// exposition format, for a host process to mount under /metrics.
func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
