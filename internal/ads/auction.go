package ads

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/haulgrid/ad-engine/internal/metrics"
	"github.com/haulgrid/ad-engine/internal/models"
	"github.com/haulgrid/ad-engine/internal/storage"
	"go.uber.org/zap"
)

// TickSummary reports what one ticker pass did.
type TickSummary struct {
	Promoted int `json:"promoted"`
	Closed   int `json:"closed"`
	Notified int `json:"notified"`
}

// AuctionService drives premium-slot auction cycles through their state
// machine. Transitions are conditional writes in the repository, so
// overlapping ticks apply each transition at most once.
type AuctionService struct {
	cycles    storage.AuctionRepo
	watchers  storage.WatcherRepo
	outbox    storage.NotificationOutbox
	campaigns storage.CampaignRepo
	logger    *zap.Logger
	metrics   *metrics.Metrics

	now func() time.Time
}

func NewAuctionService(
	cycles storage.AuctionRepo,
	watchers storage.WatcherRepo,
	outbox storage.NotificationOutbox,
	campaigns storage.CampaignRepo,
	logger *zap.Logger,
	m *metrics.Metrics,
) *AuctionService {
	return &AuctionService{
		cycles:    cycles,
		watchers:  watchers,
		outbox:    outbox,
		campaigns: campaigns,
		logger:    logger,
		metrics:   m,
		now:       time.Now,
	}
}

// SetClock overrides the service clock. Tests only.
func (s *AuctionService) SetClock(now func() time.Time) {
	s.now = now
}

// Schedule creates a new scheduled cycle for a slot.
func (s *AuctionService) Schedule(ctx context.Context, slotKey string, startsAt, endsAt time.Time) (*models.AuctionCycle, error) {
	cycle := &models.AuctionCycle{
		ID:        uuid.New().String(),
		SlotKey:   slotKey,
		Status:    models.AuctionStatusScheduled,
		StartsAt:  startsAt,
		EndsAt:    endsAt,
		CreatedAt: s.now().UTC(),
	}
	if err := cycle.Validate(); err != nil {
		return nil, err
	}
	if err := s.cycles.Upsert(ctx, cycle); err != nil {
		return nil, fmt.Errorf("scheduling auction cycle: %w", err)
	}
	return cycle, nil
}

// Subscribe registers an advertiser as a watcher of a premium slot.
func (s *AuctionService) Subscribe(ctx context.Context, slotKey, advertiserID string) (*models.Watcher, error) {
	w := &models.Watcher{
		ID:           uuid.New().String(),
		SlotKey:      slotKey,
		AdvertiserID: advertiserID,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.watchers.Subscribe(ctx, w); err != nil {
		return nil, fmt.Errorf("subscribing watcher: %w", err)
	}
	return w, nil
}

// Tick scans for due transitions and applies them. Safe to call from
// overlapping schedulers; the conditional writes make each transition
// single-shot.
func (s *AuctionService) Tick(ctx context.Context) (*TickSummary, error) {
	start := time.Now()
	now := s.now().UTC()
	summary := &TickSummary{}

	due, err := s.cycles.DuePromotions(ctx, now)
	if err != nil {
		return summary, fmt.Errorf("scanning due promotions: %w", err)
	}
	for _, cycle := range due {
		// At most one cycle may be live per slot. The repository's
		// conditional write is authoritative; this read just avoids a
		// doomed attempt when the slot is visibly occupied.
		if live, err := s.cycles.LiveBySlot(ctx, cycle.SlotKey); err == nil && live != nil {
			continue
		}
		applied, err := s.cycles.Promote(ctx, cycle.ID)
		if err != nil {
			s.logger.Error("promoting auction cycle", zap.String("cycle_id", cycle.ID), zap.Error(err))
			continue
		}
		if !applied {
			continue
		}
		summary.Promoted++
		if s.metrics != nil {
			s.metrics.AuctionPromotions.Inc()
		}
		s.logger.Info("auction cycle live",
			zap.String("cycle_id", cycle.ID), zap.String("slot_key", cycle.SlotKey))
		summary.Notified += s.notifyWatchers(ctx, cycle, now)
	}

	closing, err := s.cycles.DueClosings(ctx, now)
	if err != nil {
		return summary, fmt.Errorf("scanning due closings: %w", err)
	}
	for _, cycle := range closing {
		applied, err := s.cycles.Close(ctx, cycle.ID)
		if err != nil {
			s.logger.Error("closing auction cycle", zap.String("cycle_id", cycle.ID), zap.Error(err))
			continue
		}
		if !applied {
			continue
		}
		summary.Closed++
		if s.metrics != nil {
			s.metrics.AuctionClosures.Inc()
		}
		s.settle(ctx, cycle, now)
	}

	if s.metrics != nil {
		s.metrics.AuctionTickDuration.Observe(time.Since(start).Seconds())
	}
	return summary, nil
}

// notifyWatchers fans the go-live event out to the notification outbox.
// Enqueue failures are logged and skipped; they never roll back the
// transition that produced them.
func (s *AuctionService) notifyWatchers(ctx context.Context, cycle *models.AuctionCycle, now time.Time) int {
	watchers, err := s.watchers.ListBySlot(ctx, cycle.SlotKey)
	if err != nil {
		s.logger.Error("listing slot watchers",
			zap.String("slot_key", cycle.SlotKey), zap.Error(err))
		return 0
	}
	notified := 0
	for _, w := range watchers {
		n := &models.Notification{
			ID:           uuid.New().String(),
			Kind:         models.NotificationAuctionLive,
			AdvertiserID: w.AdvertiserID,
			SlotKey:      cycle.SlotKey,
			CycleID:      cycle.ID,
			EnqueuedAt:   now,
		}
		if err := s.outbox.Enqueue(ctx, n); err != nil {
			s.logger.Error("enqueueing watcher notification",
				zap.String("advertiser_id", w.AdvertiserID), zap.Error(err))
			continue
		}
		notified++
		if s.metrics != nil {
			s.metrics.AuctionNotifications.Inc()
		}
	}
	return notified
}

// settle records the winner of a closed cycle. The winner is the
// highest-bidding active campaign targeting the slot; ties break toward
// the earliest-created campaign. Settlement is idempotent.
func (s *AuctionService) settle(ctx context.Context, cycle *models.AuctionCycle, now time.Time) {
	candidates, err := s.campaigns.ListActiveByTarget(ctx, cycle.SlotKey)
	if err != nil {
		s.logger.Error("listing settlement candidates",
			zap.String("slot_key", cycle.SlotKey), zap.Error(err))
		return
	}

	var winner *models.Campaign
	for _, c := range candidates {
		if winner == nil ||
			c.BidMicros > winner.BidMicros ||
			(c.BidMicros == winner.BidMicros && c.CreatedAt.Before(winner.CreatedAt)) {
			winner = c
		}
	}

	winnerID := ""
	if winner != nil {
		winnerID = winner.ID
	}
	applied, err := s.cycles.Settle(ctx, cycle.ID, winnerID, now)
	if err != nil {
		s.logger.Error("settling auction cycle", zap.String("cycle_id", cycle.ID), zap.Error(err))
		return
	}
	if applied {
		s.logger.Info("auction cycle settled",
			zap.String("cycle_id", cycle.ID),
			zap.String("slot_key", cycle.SlotKey),
			zap.String("winner_campaign_id", winnerID))
	}
}

// Run drives Tick on a fixed interval until the context is cancelled.
func (s *AuctionService) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil {
				s.logger.Error("auction tick failed", zap.Error(err))
			}
		}
	}
}
