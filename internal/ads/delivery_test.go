package ads

import (
	"context"
	"testing"
	"time"

	"github.com/haulgrid/ad-engine/internal/config"
	"github.com/haulgrid/ad-engine/internal/models"
	"github.com/haulgrid/ad-engine/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type deliveryFixture struct {
	orch      *Orchestrator
	campaigns *storage.InMemoryCampaignRepo
	featured  *storage.InMemoryFeaturedRepo
	trust     *storage.StaticTrustProvider
	signals   *StaticSignalSource
	pacer     *InMemoryPacingController
	store     *storage.InMemoryImpressionStore
	now       time.Time
}

func newDeliveryFixture(t *testing.T, cfg config.DeliveryConfig) *deliveryFixture {
	t.Helper()
	if cfg.ImpressionTTL == 0 {
		cfg.ImpressionTTL = 10 * time.Minute
	}
	if cfg.DwellThreshold == 0 {
		cfg.DwellThreshold = 800 * time.Millisecond
	}
	if cfg.ExplorationTopN == 0 {
		cfg.ExplorationTopN = 3
	}

	f := &deliveryFixture{
		campaigns: storage.NewInMemoryCampaignRepo(),
		featured:  storage.NewInMemoryFeaturedRepo(),
		trust:     storage.NewStaticTrustProvider(),
		signals:   NewStaticSignalSource(),
		store:     storage.NewInMemoryImpressionStore(),
		now:       time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	f.pacer = NewInMemoryPacingController(config.PacingConfig{
		FreqCapPerViewerPerDay: 3,
		ThrottleRatio:          1.25,
	})

	logger := zap.NewNop()
	impressions := NewImpressionService(f.store, f.campaigns, nil, cfg, logger, nil)
	impressions.SetClock(func() time.Time { return f.now })

	f.orch = NewOrchestrator(
		f.campaigns, f.featured, f.trust, f.signals,
		NewFraudEvaluator(config.FraudConfig{HardBlockThreshold: 0.85, SoftPenaltyThreshold: 0.65}),
		NewScorer(cfg), f.pacer, impressions,
		cfg, logger, nil,
	)
	f.orch.SetClock(func() time.Time { return f.now })
	return f
}

func (f *deliveryFixture) addCampaign(t *testing.T, id string, bid int64) {
	t.Helper()
	require.NoError(t, f.campaigns.Upsert(context.Background(), &models.Campaign{
		ID:                id,
		AdvertiserID:      "adv-" + id,
		Name:              id,
		Status:            models.CampaignStatusActive,
		BidMicros:         bid,
		DailyBudgetMicros: 50_000_000,
		TotalBudgetMicros: 500_000_000,
		TargetKind:        models.TargetKindPlacement,
		TargetKey:         "sidebar",
		Creatives: []models.Creative{{
			ID:         id + "-cr",
			CampaignID: id,
			Headline:   "Headline " + id,
			LandingURL: "https://example.com/" + id,
			Approved:   true,
		}},
		CreatedAt: f.now.Add(-24 * time.Hour),
	}))
}

func serveCtx(viewer string) *models.ServeContext {
	return &models.ServeContext{
		PlacementKey: "sidebar",
		ViewerID:     viewer,
		IP:           "203.0.113.7",
	}
}

func TestServeReturnsHighestRankedCandidate(t *testing.T) {
	f := newDeliveryFixture(t, config.DeliveryConfig{ExplorationRate: 0})
	f.addCampaign(t, "low", 2_000_000)
	f.addCampaign(t, "high", 8_000_000)

	d := f.orch.ServeRequest(context.Background(), serveCtx("viewer-1"))
	require.Equal(t, models.DecisionServed, d.Kind)
	require.NotNil(t, d.Ad)
	assert.Equal(t, "high", d.Ad.CampaignID)
	assert.NotEmpty(t, d.Ad.ImpressionToken)

	imp, err := f.store.Get(context.Background(), d.Ad.ImpressionToken)
	require.NoError(t, err)
	assert.Equal(t, models.ImpressionStatusPending, imp.Status)
}

func TestHardBlockedCandidateNeverWins(t *testing.T) {
	f := newDeliveryFixture(t, config.DeliveryConfig{ExplorationRate: 0})
	f.addCampaign(t, "fraudulent", 9_000_000)
	f.addCampaign(t, "clean", 1_000_000)

	f.signals.Set("fraudulent", CandidateSignals{
		Fraud: models.FraudSignals{
			RapidClicks: 1, HighClickRate: 1, AdHopping: 1,
			GeoJumps: 1, IPReuse: 1, UAAnomaly: 1, Burst: 1,
		},
		PredictedCTR: 0.9,
		Relevance:    1.0,
	})

	for i := 0; i < 3; i++ {
		d := f.orch.ServeRequest(context.Background(), serveCtx(""))
		require.Equal(t, models.DecisionServed, d.Kind)
		assert.Equal(t, "clean", d.Ad.CampaignID)
	}
}

func TestSoftPenalizedCandidateStaysEligible(t *testing.T) {
	f := newDeliveryFixture(t, config.DeliveryConfig{ExplorationRate: 0})
	f.addCampaign(t, "flagged", 8_000_000)

	// Risk 0.82: above the soft threshold, below the hard block.
	f.signals.Set("flagged", CandidateSignals{
		Fraud: models.FraudSignals{
			RapidClicks: 1, HighClickRate: 1, AdHopping: 1, GeoJumps: 1, IPReuse: 1,
		},
		PredictedCTR: 0.5,
		Relevance:    1.0,
	})

	d := f.orch.ServeRequest(context.Background(), serveCtx(""))
	require.Equal(t, models.DecisionServed, d.Kind)
	assert.Equal(t, "flagged", d.Ad.CampaignID)
}

func TestFrequencyCapExcludesCampaign(t *testing.T) {
	f := newDeliveryFixture(t, config.DeliveryConfig{ExplorationRate: 0})
	f.addCampaign(t, "only", 5_000_000)

	for i := 0; i < 3; i++ {
		d := f.orch.ServeRequest(context.Background(), serveCtx("viewer-1"))
		require.Equal(t, models.DecisionServed, d.Kind)
	}

	// The 4th request from the same viewer finds no eligible candidate.
	d := f.orch.ServeRequest(context.Background(), serveCtx("viewer-1"))
	assert.Equal(t, models.DecisionNoAd, d.Kind)

	// Another viewer is still served.
	d = f.orch.ServeRequest(context.Background(), serveCtx("viewer-2"))
	assert.Equal(t, models.DecisionServed, d.Kind)
}

func TestFallbackWhenNoCandidates(t *testing.T) {
	f := newDeliveryFixture(t, config.DeliveryConfig{ExplorationRate: 0})
	f.featured.Put(&models.FeaturedPlacement{
		PlacementKey: "sidebar",
		Headline:     "House ad",
		LandingURL:   "https://example.com/featured",
	})

	d := f.orch.ServeRequest(context.Background(), serveCtx("viewer-1"))
	require.Equal(t, models.DecisionFallback, d.Kind)
	require.NotNil(t, d.Ad)
	assert.Equal(t, "House ad", d.Ad.Headline)
	assert.Empty(t, d.Ad.ImpressionToken)
}

func TestNoAdWhenNothingToServe(t *testing.T) {
	f := newDeliveryFixture(t, config.DeliveryConfig{ExplorationRate: 0})

	d := f.orch.ServeRequest(context.Background(), serveCtx("viewer-1"))
	assert.Equal(t, models.DecisionNoAd, d.Kind)
	assert.Nil(t, d.Ad)
}

func TestCampaignWithoutApprovedCreativeSkipped(t *testing.T) {
	f := newDeliveryFixture(t, config.DeliveryConfig{ExplorationRate: 0})
	require.NoError(t, f.campaigns.Upsert(context.Background(), &models.Campaign{
		ID:                "unapproved",
		AdvertiserID:      "adv-1",
		Name:              "unapproved",
		Status:            models.CampaignStatusActive,
		BidMicros:         9_000_000,
		DailyBudgetMicros: 50_000_000,
		TotalBudgetMicros: 500_000_000,
		TargetKind:        models.TargetKindPlacement,
		TargetKey:         "sidebar",
		Creatives: []models.Creative{{
			ID: "cr-1", CampaignID: "unapproved",
			Headline: "h", LandingURL: "https://example.com",
			Approved: false,
		}},
	}))

	d := f.orch.ServeRequest(context.Background(), serveCtx("viewer-1"))
	assert.Equal(t, models.DecisionNoAd, d.Kind)
}

func TestTrustDefaultsForUnknownAdvertiser(t *testing.T) {
	f := newDeliveryFixture(t, config.DeliveryConfig{ExplorationRate: 0})
	f.addCampaign(t, "known", 5_000_000)
	f.addCampaign(t, "unknown", 5_000_000)
	f.trust.Set("adv-known", 0.9)

	// Equal bids; the trusted advertiser outranks the 0.5 default.
	d := f.orch.ServeRequest(context.Background(), serveCtx(""))
	require.Equal(t, models.DecisionServed, d.Kind)
	assert.Equal(t, "known", d.Ad.CampaignID)
}
