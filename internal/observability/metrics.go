// Package observability — metrics.go
//
// Prometheus metrics for the bbscore messaging core.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: bbscore_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - Peer/node identities are NOT used as label values (unbounded cardinality).
//   - Only bounded enums (verb names, state names, accepted/rejected) are labels.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for bbscore.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Mail engine (component D) ───────────────────────────────────────────

	// MailComposedTotal counts locally composed mail messages.
	MailComposedTotal prometheus.Counter

	// MailDeliveredLocalTotal counts mail delivered to a co-resident mailbox.
	MailDeliveredLocalTotal prometheus.Counter

	// MailAbandonedTotal counts local mail rows abandoned after exceeding
	// max attempts or max hop.
	MailAbandonedTotal prometheus.Counter

	// MailPendingGauge is the current count of undelivered local mail rows.
	MailPendingGauge prometheus.Gauge

	// ─── Remote mail protocol (component E) ──────────────────────────────────

	// MRPFramesSentTotal counts outbound MRP wire frames, by verb.
	MRPFramesSentTotal *prometheus.CounterVec

	// MRPFramesReceivedTotal counts inbound MRP wire frames, by verb and
	// outcome (accepted for a parsed MAILREQ, complete for a fully
	// assembled MAILDAT set).
	MRPFramesReceivedTotal *prometheus.CounterVec

	// MRPConversationsActive is the current number of in-flight MRP
	// sender/receiver/relay conversations.
	MRPConversationsActive prometheus.Gauge

	// MRPRetriesTotal counts MRP retry-ladder events, by stage (req, dlv
	// for retransmissions; req_exhausted, dlv_exhausted for give-ups).
	MRPRetriesTotal *prometheus.CounterVec

	// ─── Route announcement protocol (component F) ───────────────────────────

	// RAPPeerStateTransitionsTotal counts peer health state transitions.
	// Labels: from_state, to_state
	RAPPeerStateTransitionsTotal *prometheus.CounterVec

	// RAPPeersKnown is the current number of peers in the health table.
	RAPPeersKnown prometheus.Gauge

	// RAPRoutesLearned is the current number of entries in the route table.
	RAPRoutesLearned prometheus.Gauge

	// RAPRedrivesTotal counts queued mail redriven after a peer transitioned
	// back to alive.
	RAPRedrivesTotal prometheus.Counter

	// ─── Bulletin sync protocol (component G) ────────────────────────────────

	// BSPPostsSyncedOutboundTotal counts bulletin posts synced outbound,
	// across all boards.
	BSPPostsSyncedOutboundTotal prometheus.Counter

	// BSPPostsReceivedInboundTotal counts bulletin posts accepted inbound.
	BSPPostsReceivedInboundTotal prometheus.Counter

	// BSPFlushesTotal counts batch flush cycles, by trigger
	// (count, age).
	BSPFlushesTotal *prometheus.CounterVec

	// ─── Transport facade (component C) ──────────────────────────────────────

	// TransportSendsTotal counts outbound sends through the pacer.
	TransportSendsTotal prometheus.Counter

	// TransportSendWaitSeconds records time spent waiting on the send-floor
	// pacer before a send was allowed through.
	TransportSendWaitSeconds prometheus.Histogram

	// TransportReconnectsTotal counts adapter reconnect attempts.
	TransportReconnectsTotal prometheus.Counter

	// TransportReplyContextsActive is the current size of the reply-context
	// TTL table.
	TransportReplyContextsActive prometheus.Gauge

	// ─── Crypto envelope (component A) ────────────────────────────────────────

	// CryptoDecryptLegacySearchTotal counts decrypt calls that fell back to
	// the bounded legacy AAD search, by outcome (found, exhausted).
	CryptoDecryptLegacySearchTotal *prometheus.CounterVec

	// CryptoKdfDurationSeconds records argon2id derivation latency.
	CryptoKdfDurationSeconds prometheus.Histogram

	// ─── Storage ──────────────────────────────────────────────────────────────

	// StorageWriteLatency records BoltDB write transaction latency.
	StorageWriteLatency prometheus.Histogram

	// StorageSweepRemovedTotal counts rows removed by the expiry sweep,
	// by bucket (messages, routes, pending_mail, bulletins).
	StorageSweepRemovedTotal *prometheus.CounterVec

	// ─── Node ─────────────────────────────────────────────────────────────────

	// NodeUptimeSeconds is the number of seconds since the node started.
	NodeUptimeSeconds prometheus.Gauge

	// startTime records when the node started (for uptime calculation).
	startTime time.Time
}

// NewMetrics creates and registers all bbscore Prometheus metrics.
// Returns a *Metrics with all descriptors initialised.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		MailComposedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bbscore",
			Subsystem: "mail",
			Name:      "composed_total",
			Help:      "Total mail messages composed locally.",
		}),

		MailDeliveredLocalTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bbscore",
			Subsystem: "mail",
			Name:      "delivered_local_total",
			Help:      "Total mail messages delivered to a co-resident mailbox.",
		}),

		MailAbandonedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bbscore",
			Subsystem: "mail",
			Name:      "abandoned_total",
			Help:      "Total local mail rows abandoned after exceeding max attempts or max hop.",
		}),

		MailPendingGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bbscore",
			Subsystem: "mail",
			Name:      "pending",
			Help:      "Current number of undelivered local mail rows.",
		}),

		MRPFramesSentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bbscore",
			Subsystem: "mrp",
			Name:      "frames_sent_total",
			Help:      "Total outbound MRP wire frames, by verb.",
		}, []string{"verb"}),

		MRPFramesReceivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bbscore",
			Subsystem: "mrp",
			Name:      "frames_received_total",
			Help:      "Total inbound MRP wire frames, by verb and acceptance.",
		}, []string{"verb", "outcome"}),

		MRPConversationsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bbscore",
			Subsystem: "mrp",
			Name:      "conversations_active",
			Help:      "Current number of in-flight MRP sender/receiver/relay conversations.",
		}),

		MRPRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bbscore",
			Subsystem: "mrp",
			Name:      "retries_total",
			Help:      "Total MRP retry-ladder retransmissions, by stage.",
		}, []string{"stage"}),

		RAPPeerStateTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bbscore",
			Subsystem: "rap",
			Name:      "peer_state_transitions_total",
			Help:      "Total peer health state transitions, by from_state and to_state.",
		}, []string{"from_state", "to_state"}),

		RAPPeersKnown: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bbscore",
			Subsystem: "rap",
			Name:      "peers_known",
			Help:      "Current number of peers tracked in the health table.",
		}),

		RAPRoutesLearned: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bbscore",
			Subsystem: "rap",
			Name:      "routes_learned",
			Help:      "Current number of entries in the learned route table.",
		}),

		RAPRedrivesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bbscore",
			Subsystem: "rap",
			Name:      "redrives_total",
			Help:      "Total queued mail redriven after a peer transitioned back to alive.",
		}),

		BSPPostsSyncedOutboundTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bbscore",
			Subsystem: "bsp",
			Name:      "posts_synced_outbound_total",
			Help:      "Total bulletin posts synced outbound to peers.",
		}),

		BSPPostsReceivedInboundTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bbscore",
			Subsystem: "bsp",
			Name:      "posts_received_inbound_total",
			Help:      "Total bulletin posts accepted from inbound sync.",
		}),

		BSPFlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bbscore",
			Subsystem: "bsp",
			Name:      "flushes_total",
			Help:      "Total batch flush cycles, by trigger.",
		}, []string{"trigger"}),

		TransportSendsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bbscore",
			Subsystem: "transport",
			Name:      "sends_total",
			Help:      "Total outbound sends through the pacer.",
		}),

		TransportSendWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bbscore",
			Subsystem: "transport",
			Name:      "send_wait_seconds",
			Help:      "Time spent waiting on the send-floor pacer before a send was allowed through.",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 2, 3.5, 5, 10},
		}),

		TransportReconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bbscore",
			Subsystem: "transport",
			Name:      "reconnects_total",
			Help:      "Total adapter reconnect attempts.",
		}),

		TransportReplyContextsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bbscore",
			Subsystem: "transport",
			Name:      "reply_contexts_active",
			Help:      "Current size of the reply-context TTL table.",
		}),

		CryptoDecryptLegacySearchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bbscore",
			Subsystem: "crypto",
			Name:      "decrypt_legacy_search_total",
			Help:      "Total decrypt calls that fell back to the bounded legacy AAD search, by outcome.",
		}, []string{"outcome"}),

		CryptoKdfDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bbscore",
			Subsystem: "crypto",
			Name:      "kdf_duration_seconds",
			Help:      "argon2id key derivation latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		StorageWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bbscore",
			Subsystem: "storage",
			Name:      "write_latency_seconds",
			Help:      "BoltDB write transaction latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		StorageSweepRemovedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bbscore",
			Subsystem: "storage",
			Name:      "sweep_removed_total",
			Help:      "Total rows removed by the expiry sweep, by bucket.",
		}, []string{"bucket"}),

		NodeUptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bbscore",
			Subsystem: "node",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the node started.",
		}),
	}

	// Register all metrics with the dedicated registry.
	reg.MustRegister(
		m.MailComposedTotal,
		m.MailDeliveredLocalTotal,
		m.MailAbandonedTotal,
		m.MailPendingGauge,
		m.MRPFramesSentTotal,
		m.MRPFramesReceivedTotal,
		m.MRPConversationsActive,
		m.MRPRetriesTotal,
		m.RAPPeerStateTransitionsTotal,
		m.RAPPeersKnown,
		m.RAPRoutesLearned,
		m.RAPRedrivesTotal,
		m.BSPPostsSyncedOutboundTotal,
		m.BSPPostsReceivedInboundTotal,
		m.BSPFlushesTotal,
		m.TransportSendsTotal,
		m.TransportSendWaitSeconds,
		m.TransportReconnectsTotal,
		m.TransportReplyContextsActive,
		m.CryptoDecryptLegacySearchTotal,
		m.CryptoKdfDurationSeconds,
		m.StorageWriteLatency,
		m.StorageSweepRemovedTotal,
		m.NodeUptimeSeconds,
		// Standard Go runtime metrics.
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given address.
// Blocks until ctx is cancelled or the server fails.
// The server binds to addr (e.g., "127.0.0.1:9091") and serves GET /metrics.
// Returns an error only if the server fails to start or encounters a fatal error.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start uptime updater goroutine.
	go m.updateUptime(ctx)

	// Shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

// updateUptime periodically updates the NodeUptimeSeconds gauge.
func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.NodeUptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
