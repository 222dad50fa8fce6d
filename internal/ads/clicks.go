package ads

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haulgrid/ad-engine/internal/config"
	"github.com/haulgrid/ad-engine/internal/metrics"
	"github.com/haulgrid/ad-engine/internal/models"
	"github.com/haulgrid/ad-engine/internal/storage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ClickDeduper reports whether a click is the first for its
// (placement, fingerprint) pair within the dedupe window.
type ClickDeduper interface {
	FirstInWindow(ctx context.Context, placementID, fingerprint string, window time.Duration) (bool, error)
}

// RedisClickDeduper claims dedupe slots with SET NX so concurrent
// instances agree on which click in a window bills.
type RedisClickDeduper struct {
	client *redis.Client
}

func NewRedisClickDeduper(client *redis.Client) *RedisClickDeduper {
	return &RedisClickDeduper{client: client}
}

func (d *RedisClickDeduper) FirstInWindow(ctx context.Context, placementID, fingerprint string, window time.Duration) (bool, error) {
	key := fmt.Sprintf("clickdedupe:%s:%s", placementID, fingerprint)
	return d.client.SetNX(ctx, key, 1, window).Result()
}

// InMemoryClickDeduper is a process-local ClickDeduper for tests and
// degraded single-instance runs.
type InMemoryClickDeduper struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

func NewInMemoryClickDeduper() *InMemoryClickDeduper {
	return &InMemoryClickDeduper{seen: make(map[string]time.Time), now: time.Now}
}

// SetClock overrides the deduper clock. Tests only.
func (d *InMemoryClickDeduper) SetClock(now func() time.Time) {
	d.now = now
}

func (d *InMemoryClickDeduper) FirstInWindow(ctx context.Context, placementID, fingerprint string, window time.Duration) (bool, error) {
	key := placementID + ":" + fingerprint
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.seen[key]; ok && now.Sub(last) < window {
		return false, nil
	}
	d.seen[key] = now
	return true, nil
}

// ClickService records clicks, suppressing repeats within the dedupe
// window and billing only the first click of each window.
type ClickService struct {
	deduper   ClickDeduper
	campaigns storage.CampaignRepo
	ledger    storage.EventLedger
	cfg       config.DeliveryConfig
	logger    *zap.Logger
	metrics   *metrics.Metrics

	now func() time.Time
}

func NewClickService(
	deduper ClickDeduper,
	campaigns storage.CampaignRepo,
	ledger storage.EventLedger,
	cfg config.DeliveryConfig,
	logger *zap.Logger,
	m *metrics.Metrics,
) *ClickService {
	return &ClickService{
		deduper:   deduper,
		campaigns: campaigns,
		ledger:    ledger,
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		now:       time.Now,
	}
}

// SetClock overrides the service clock. Tests only.
func (s *ClickService) SetClock(now func() time.Time) {
	s.now = now
}

// RecordClick registers a click on a placement. Duplicate clicks within
// the window are acknowledged but never billed. A dedupe backend failure
// also suppresses billing: double-charging an advertiser is worse than
// missing a click.
func (s *ClickService) RecordClick(ctx context.Context, placementID, fingerprint, campaignID string) (*models.ClickEvent, error) {
	now := s.now().UTC()

	first, err := s.deduper.FirstInWindow(ctx, placementID, fingerprint, s.cfg.ClickDedupeWindow)
	if err != nil {
		s.logger.Error("click dedupe check failed",
			zap.String("placement_id", placementID), zap.Error(err))
		first = false
	}

	ev := &models.ClickEvent{
		ID:          uuid.New().String(),
		PlacementID: placementID,
		Fingerprint: fingerprint,
		CampaignID:  campaignID,
		Billable:    first,
		OccurredAt:  now,
	}

	if s.metrics != nil {
		s.metrics.Clicks.WithLabelValues(strconv.FormatBool(first)).Inc()
		if !first {
			s.metrics.ClickDedupe.WithLabelValues(placementID).Inc()
		}
	}

	var cost int64
	if first && campaignID != "" {
		cost = s.bill(ctx, campaignID, now)
	}
	if s.ledger != nil {
		lev := &storage.LedgerEvent{
			EventType:    "click",
			CampaignID:   campaignID,
			PlacementKey: placementID,
			ViewerID:     fingerprint,
			Billable:     ev.Billable,
			CostMicros:   cost,
			OccurredAt:   now,
		}
		if err := s.ledger.Append(ctx, lev); err != nil {
			s.logger.Warn("appending click ledger event", zap.Error(err))
		}
	}
	return ev, nil
}

func (s *ClickService) bill(ctx context.Context, campaignID string, now time.Time) int64 {
	campaign, err := s.campaigns.GetByID(ctx, campaignID)
	if err != nil || campaign == nil {
		s.logger.Error("loading campaign for click billing",
			zap.String("campaign_id", campaignID), zap.Error(err))
		return 0
	}
	cost := campaign.CostPerImpressionMicros()
	if cost <= 0 {
		return 0
	}
	if err := s.campaigns.AddSpend(ctx, campaignID, cost, now.Format("2006-01-02")); err != nil {
		s.logger.Error("accruing click spend",
			zap.String("campaign_id", campaignID), zap.Int64("cost_micros", cost), zap.Error(err))
		return cost
	}
	if s.metrics != nil {
		s.metrics.BillingEvents.WithLabelValues(campaignID, "click").Inc()
	}
	return cost
}
