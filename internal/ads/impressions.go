package ads

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/haulgrid/ad-engine/internal/config"
	"github.com/haulgrid/ad-engine/internal/metrics"
	"github.com/haulgrid/ad-engine/internal/models"
	"github.com/haulgrid/ad-engine/internal/storage"
	"go.uber.org/zap"
)

var (
	// ErrTokenNotFound is returned when the impression token was never
	// issued or has been purged.
	ErrTokenNotFound = errors.New("impression token not found")

	// ErrTokenExpired is returned when the token's TTL elapsed before
	// the client confirmed dwell.
	ErrTokenExpired = errors.New("impression token expired")
)

// ConfirmResult is the outcome of a dwell confirmation. Repeated
// confirmations of the same token return the stored first outcome.
type ConfirmResult struct {
	Billable         bool
	AlreadyConfirmed bool
}

// ImpressionService issues single-use impression tokens and settles them
// into billing events when the viewer's dwell clears the threshold.
type ImpressionService struct {
	store     storage.ImpressionStore
	campaigns storage.CampaignRepo
	ledger    storage.EventLedger
	cfg       config.DeliveryConfig
	logger    *zap.Logger
	metrics   *metrics.Metrics

	now func() time.Time
}

func NewImpressionService(
	store storage.ImpressionStore,
	campaigns storage.CampaignRepo,
	ledger storage.EventLedger,
	cfg config.DeliveryConfig,
	logger *zap.Logger,
	m *metrics.Metrics,
) *ImpressionService {
	return &ImpressionService{
		store:     store,
		campaigns: campaigns,
		ledger:    ledger,
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		now:       time.Now,
	}
}

// SetClock overrides the service clock. Tests only.
func (s *ImpressionService) SetClock(now func() time.Time) {
	s.now = now
}

// Issue creates a pending impression for the winning candidate and
// returns its token. The token expires unconfirmed after the TTL.
func (s *ImpressionService) Issue(ctx context.Context, c *models.Candidate, serveCtx *models.ServeContext) (*models.Impression, error) {
	now := s.now().UTC()
	imp := &models.Impression{
		Token:        uuid.New().String(),
		CampaignID:   c.Campaign.ID,
		CreativeID:   c.Creative.ID,
		ViewerID:     serveCtx.ViewerID,
		SessionID:    serveCtx.SessionID,
		PlacementKey: serveCtx.PlacementKey,
		Status:       models.ImpressionStatusPending,
		IssuedAt:     now,
		ExpiresAt:    now.Add(s.cfg.ImpressionTTL),
	}
	if err := s.store.Insert(ctx, imp); err != nil {
		return nil, fmt.Errorf("inserting impression: %w", err)
	}

	if s.metrics != nil {
		s.metrics.ImpressionsIssued.WithLabelValues(imp.CampaignID).Inc()
	}
	s.appendLedger(ctx, &storage.LedgerEvent{
		EventType:    "serve",
		CampaignID:   imp.CampaignID,
		CreativeID:   imp.CreativeID,
		PlacementKey: imp.PlacementKey,
		ViewerID:     imp.ViewerID,
		OccurredAt:   now,
	})
	return imp, nil
}

// ConfirmDwell settles an impression token against the reported dwell.
// The first confirmation wins; every later call for the same token
// returns the stored outcome without billing again.
func (s *ImpressionService) ConfirmDwell(ctx context.Context, token string, dwellMs int64) (*ConfirmResult, error) {
	imp, err := s.store.Get(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("loading impression: %w", err)
	}
	if imp == nil {
		return nil, ErrTokenNotFound
	}

	switch imp.Status {
	case models.ImpressionStatusConfirmed:
		return &ConfirmResult{Billable: imp.Billable, AlreadyConfirmed: true}, nil
	case models.ImpressionStatusExpired:
		return nil, ErrTokenExpired
	}

	now := s.now().UTC()
	if imp.Expired(now) {
		if err := s.store.MarkExpired(ctx, token); err != nil {
			s.logger.Warn("marking impression expired", zap.String("token", token), zap.Error(err))
		} else if s.metrics != nil {
			s.metrics.ImpressionsExpired.WithLabelValues(imp.CampaignID).Inc()
		}
		return nil, ErrTokenExpired
	}

	billable := dwellMs >= s.cfg.DwellThreshold.Milliseconds()
	applied, err := s.store.ConfirmOnce(ctx, token, dwellMs, billable, now)
	if err != nil {
		return nil, fmt.Errorf("confirming impression: %w", err)
	}
	if !applied {
		// Lost the race. The stored row carries the winning outcome.
		stored, err := s.store.Get(ctx, token)
		if err != nil {
			return nil, fmt.Errorf("re-reading impression: %w", err)
		}
		if stored == nil || stored.Status != models.ImpressionStatusConfirmed {
			return nil, ErrTokenExpired
		}
		return &ConfirmResult{Billable: stored.Billable, AlreadyConfirmed: true}, nil
	}

	if s.metrics != nil {
		s.metrics.ImpressionsConfirmed.WithLabelValues(strconv.FormatBool(billable)).Inc()
	}

	var cost int64
	if billable {
		cost = s.bill(ctx, imp, now)
	}
	s.appendLedger(ctx, &storage.LedgerEvent{
		EventType:    "impression_confirm",
		CampaignID:   imp.CampaignID,
		CreativeID:   imp.CreativeID,
		PlacementKey: imp.PlacementKey,
		ViewerID:     imp.ViewerID,
		Billable:     billable,
		CostMicros:   cost,
		OccurredAt:   now,
	})
	return &ConfirmResult{Billable: billable}, nil
}

func (s *ImpressionService) bill(ctx context.Context, imp *models.Impression, now time.Time) int64 {
	campaign, err := s.campaigns.GetByID(ctx, imp.CampaignID)
	if err != nil || campaign == nil {
		s.logger.Error("loading campaign for billing",
			zap.String("campaign_id", imp.CampaignID), zap.Error(err))
		return 0
	}
	cost := campaign.CostPerImpressionMicros()
	if cost <= 0 {
		return 0
	}
	if err := s.campaigns.AddSpend(ctx, campaign.ID, cost, now.Format("2006-01-02")); err != nil {
		// The impression is already confirmed; spend accrual is retried
		// by reconciliation against the event ledger.
		s.logger.Error("accruing impression spend",
			zap.String("campaign_id", campaign.ID), zap.Int64("cost_micros", cost), zap.Error(err))
		return cost
	}
	if s.metrics != nil {
		s.metrics.BillingEvents.WithLabelValues(campaign.ID, "impression").Inc()
	}
	return cost
}

func (s *ImpressionService) appendLedger(ctx context.Context, ev *storage.LedgerEvent) {
	if s.ledger == nil {
		return
	}
	if err := s.ledger.Append(ctx, ev); err != nil {
		s.logger.Warn("appending ledger event", zap.String("event_type", ev.EventType), zap.Error(err))
	}
}
