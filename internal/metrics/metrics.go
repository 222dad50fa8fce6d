package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the ad engine.
type Metrics struct {
	// Serving metrics
	ServeRequests *prometheus.CounterVec
	ServeLatency  *prometheus.HistogramVec
	NoFillReasons *prometheus.CounterVec
	AdRankScore   *prometheus.HistogramVec

	// Fraud metrics
	FraudHardBlocks  *prometheus.CounterVec
	FraudSoftFlags   *prometheus.CounterVec

	// Pacing metrics
	PacingRejections  *prometheus.CounterVec
	FreqCapRejections *prometheus.CounterVec

	// Impression lifecycle metrics
	ImpressionsIssued    *prometheus.CounterVec
	ImpressionsConfirmed *prometheus.CounterVec
	ImpressionsExpired   *prometheus.CounterVec
	BillingEvents        *prometheus.CounterVec

	// Click metrics
	Clicks      *prometheus.CounterVec
	ClickDedupe *prometheus.CounterVec

	// Auction metrics
	AuctionPromotions    prometheus.Counter
	AuctionClosures      prometheus.Counter
	AuctionNotifications prometheus.Counter
	AuctionTickDuration  prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ServeRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "serve_requests_total",
				Help:      "Total ad serving requests by decision kind",
			},
			[]string{"decision"},
		),
		ServeLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "serve_latency_seconds",
				Help:      "Serving decision latency in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
			},
			[]string{"decision"},
		),
		NoFillReasons: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "nofill_reasons_total",
				Help:      "Reasons a placement request produced no winning ad",
			},
			[]string{"reason"},
		),
		AdRankScore: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "adrank_score",
				Help:      "AdRank scores of ranked candidates",
				Buckets:   []float64{0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
			},
			[]string{"campaign_id"},
		),
		FraudHardBlocks: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fraud_hard_blocks_total",
				Help:      "Candidates excluded from ranking for fraud risk",
			},
			[]string{"campaign_id"},
		),
		FraudSoftFlags: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fraud_soft_flags_total",
				Help:      "Candidates penalized but still eligible",
			},
			[]string{"campaign_id"},
		),
		PacingRejections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pacing_rejections_total",
				Help:      "Candidates throttled for spending ahead of pace",
			},
			[]string{"campaign_id"},
		),
		FreqCapRejections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "freq_cap_rejections_total",
				Help:      "Candidates removed by viewer frequency caps",
			},
			[]string{"campaign_id", "window"},
		),
		ImpressionsIssued: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "impressions_issued_total",
				Help:      "Impression tokens issued",
			},
			[]string{"campaign_id"},
		),
		ImpressionsConfirmed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "impressions_confirmed_total",
				Help:      "Impression confirmations by billable outcome",
			},
			[]string{"billable"},
		),
		ImpressionsExpired: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "impressions_expired_total",
				Help:      "Impression tokens that expired unconfirmed",
			},
			[]string{"campaign_id"},
		),
		BillingEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "billing_events_total",
				Help:      "Billing events emitted to the budget ledger",
			},
			[]string{"campaign_id", "kind"},
		),
		Clicks: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "clicks_total",
				Help:      "Recorded clicks by billable outcome",
			},
			[]string{"billable"},
		),
		ClickDedupe: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "click_dedupe_total",
				Help:      "Clicks suppressed by the dedupe window",
			},
			[]string{"placement_id"},
		),
		AuctionPromotions: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auction_promotions_total",
				Help:      "Auction cycles promoted scheduled to live",
			},
		),
		AuctionClosures: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auction_closures_total",
				Help:      "Auction cycles closed",
			},
		),
		AuctionNotifications: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auction_notifications_total",
				Help:      "Watcher notifications enqueued",
			},
		),
		AuctionTickDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "auction_tick_duration_seconds",
				Help:      "Duration of auction ticker scans",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}
}

// RecordServe records one serving decision.
func (m *Metrics) RecordServe(decision string, d time.Duration) {
	m.ServeRequests.WithLabelValues(decision).Inc()
	m.ServeLatency.WithLabelValues(decision).Observe(d.Seconds())
}

// RecordNoFill records the reason a request produced no winning ad.
func (m *Metrics) RecordNoFill(reason string) {
	m.NoFillReasons.WithLabelValues(reason).Inc()
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
