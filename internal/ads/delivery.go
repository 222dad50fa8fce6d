package ads

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/haulgrid/ad-engine/internal/config"
	"github.com/haulgrid/ad-engine/internal/metrics"
	"github.com/haulgrid/ad-engine/internal/models"
	"github.com/haulgrid/ad-engine/internal/storage"
	"go.uber.org/zap"
)

// No-fill reasons reported on the serving metrics.
const (
	NoFillNoCandidates = "no_candidates"
	NoFillAllBlocked   = "all_blocked"
	NoFillAllPaced     = "all_paced"
	NoFillStoreError   = "store_error"
)

// CandidateSignals are the per-candidate behavioral inputs sourced from
// the signal pipeline.
type CandidateSignals struct {
	Fraud        models.FraudSignals
	PredictedCTR float64
	Relevance    float64
}

// SignalSource supplies behavioral signals for a candidate campaign in
// the context of one placement request. Implementations must be cheap;
// they sit on the hot serving path.
type SignalSource interface {
	Signals(ctx context.Context, serveCtx *models.ServeContext, campaignID string) CandidateSignals
}

// StaticSignalSource returns fixed defaults with optional per-campaign
// overrides. The production signal pipeline writes precomputed signals
// out-of-band; this source serves them from memory.
type StaticSignalSource struct {
	mu        sync.RWMutex
	defaults  CandidateSignals
	overrides map[string]CandidateSignals
}

func NewStaticSignalSource() *StaticSignalSource {
	return &StaticSignalSource{
		defaults: CandidateSignals{
			PredictedCTR: 0.05,
			Relevance:    1.0,
		},
		overrides: make(map[string]CandidateSignals),
	}
}

// Set installs an override for a campaign.
func (s *StaticSignalSource) Set(campaignID string, sig CandidateSignals) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[campaignID] = sig
}

func (s *StaticSignalSource) Signals(ctx context.Context, serveCtx *models.ServeContext, campaignID string) CandidateSignals {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sig, ok := s.overrides[campaignID]; ok {
		return sig
	}
	return s.defaults
}

// Orchestrator runs the full serving decision: candidate assembly, fraud
// gating, pacing, ranking, selection, and token issuance. It always
// returns a tagged decision; infrastructure failures degrade to the
// fallback rather than erroring the placement.
type Orchestrator struct {
	campaigns   storage.CampaignRepo
	featured    storage.FeaturedRepo
	trust       storage.TrustProvider
	signals     SignalSource
	fraud       *FraudEvaluator
	scorer      *Scorer
	pacer       PacingController
	impressions *ImpressionService
	cfg         config.DeliveryConfig
	logger      *zap.Logger
	metrics     *metrics.Metrics

	now func() time.Time
}

func NewOrchestrator(
	campaigns storage.CampaignRepo,
	featured storage.FeaturedRepo,
	trust storage.TrustProvider,
	signals SignalSource,
	fraud *FraudEvaluator,
	scorer *Scorer,
	pacer PacingController,
	impressions *ImpressionService,
	cfg config.DeliveryConfig,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Orchestrator {
	return &Orchestrator{
		campaigns:   campaigns,
		featured:    featured,
		trust:       trust,
		signals:     signals,
		fraud:       fraud,
		scorer:      scorer,
		pacer:       pacer,
		impressions: impressions,
		cfg:         cfg,
		logger:      logger,
		metrics:     m,
		now:         time.Now,
	}
}

// SetClock overrides the orchestrator clock. Tests only.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// ServeRequest decides what to render in one placement. The result is
// always a tagged decision: served with an impression token, the curated
// fallback, or an explicit no-ad.
func (o *Orchestrator) ServeRequest(ctx context.Context, serveCtx *models.ServeContext) *models.Decision {
	start := time.Now()
	decision := o.decide(ctx, serveCtx)
	decision.Geo = serveCtx.Geo
	if o.metrics != nil {
		o.metrics.RecordServe(string(decision.Kind), time.Since(start))
	}
	return decision
}

func (o *Orchestrator) decide(ctx context.Context, serveCtx *models.ServeContext) *models.Decision {
	now := o.now().UTC()

	active, err := o.campaigns.ListActiveByTarget(ctx, serveCtx.PlacementKey)
	if err != nil {
		o.logger.Error("listing serving candidates",
			zap.String("placement_key", serveCtx.PlacementKey), zap.Error(err))
		o.recordNoFill(NoFillStoreError)
		return o.fallback(ctx, serveCtx)
	}
	if len(active) == 0 {
		o.recordNoFill(NoFillNoCandidates)
		return o.fallback(ctx, serveCtx)
	}

	candidates := o.assemble(ctx, serveCtx, active)
	if len(candidates) == 0 {
		o.recordNoFill(NoFillAllBlocked)
		return o.fallback(ctx, serveCtx)
	}

	viewerKey := serveCtx.Fingerprint()
	eligible := candidates[:0]
	for _, c := range candidates {
		ok, _ := o.pacer.Allow(ctx, c.Campaign, viewerKey, now)
		if ok {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		o.recordNoFill(NoFillAllPaced)
		return o.fallback(ctx, serveCtx)
	}

	o.scorer.Rank(eligible)
	if o.metrics != nil {
		for _, c := range eligible {
			o.metrics.AdRankScore.WithLabelValues(c.Campaign.ID).Observe(c.Rank)
		}
	}

	rng := rand.New(rand.NewSource(now.UnixNano()))
	winner := o.scorer.Select(eligible, rng)

	imp, err := o.impressions.Issue(ctx, winner, serveCtx)
	if err != nil {
		o.logger.Error("issuing impression token",
			zap.String("campaign_id", winner.Campaign.ID), zap.Error(err))
		o.recordNoFill(NoFillStoreError)
		return o.fallback(ctx, serveCtx)
	}
	if err := o.pacer.RecordImpression(ctx, winner.Campaign.ID, viewerKey, now); err != nil {
		o.logger.Warn("recording frequency counters",
			zap.String("campaign_id", winner.Campaign.ID), zap.Error(err))
	}

	cr := winner.Creative
	return &models.Decision{
		Kind: models.DecisionServed,
		Ad: &models.ServedAd{
			AdID:            cr.ID,
			CampaignID:      winner.Campaign.ID,
			Headline:        cr.Headline,
			Body:            cr.Body,
			ImageURL:        cr.ImageURL,
			CTAText:         cr.CTAText,
			LandingURL:      cr.LandingURL,
			ImpressionToken: imp.Token,
		},
	}
}

// assemble builds scored candidates from active campaigns, dropping ones
// with no approved creative and ones hard-blocked for fraud risk.
func (o *Orchestrator) assemble(ctx context.Context, serveCtx *models.ServeContext, active []*models.Campaign) []*models.Candidate {
	var maxBid int64
	for _, c := range active {
		if c.BidMicros > maxBid {
			maxBid = c.BidMicros
		}
	}

	candidates := make([]*models.Candidate, 0, len(active))
	for _, campaign := range active {
		creative := firstApprovedCreative(campaign)
		if creative == nil {
			continue
		}

		sig := o.signals.Signals(ctx, serveCtx, campaign.ID)
		risk := o.fraud.Evaluate(sig.Fraud)
		if o.fraud.HardBlocked(risk) {
			if o.metrics != nil {
				o.metrics.FraudHardBlocks.WithLabelValues(campaign.ID).Inc()
			}
			continue
		}
		if o.fraud.SoftPenalized(risk) && o.metrics != nil {
			o.metrics.FraudSoftFlags.WithLabelValues(campaign.ID).Inc()
		}

		candidates = append(candidates, &models.Candidate{
			Campaign: campaign,
			Creative: creative,
			Signals: models.QualitySignals{
				BidNorm:      bidNorm(campaign.BidMicros, maxBid),
				PredictedCTR: sig.PredictedCTR,
				Relevance:    sig.Relevance,
				Trust:        o.trustScore(ctx, campaign.AdvertiserID),
				Quality:      creativeQuality(creative),
				FraudRisk:    risk,
			},
		})
	}
	return candidates
}

// trustScore resolves the advertiser's trust, defaulting new or
// unresolvable advertisers to the neutral midpoint.
func (o *Orchestrator) trustScore(ctx context.Context, advertiserID string) float64 {
	const defaultTrust = 0.5
	score, ok, err := o.trust.Score(ctx, advertiserID)
	if err != nil {
		o.logger.Warn("looking up advertiser trust",
			zap.String("advertiser_id", advertiserID), zap.Error(err))
		return defaultTrust
	}
	if !ok {
		return defaultTrust
	}
	return clamp01(score)
}

func (o *Orchestrator) fallback(ctx context.Context, serveCtx *models.ServeContext) *models.Decision {
	featured, err := o.featured.GetByPlacement(ctx, serveCtx.PlacementKey)
	if err != nil {
		o.logger.Warn("loading featured fallback",
			zap.String("placement_key", serveCtx.PlacementKey), zap.Error(err))
	}
	if featured == nil {
		return &models.Decision{Kind: models.DecisionNoAd}
	}
	return &models.Decision{
		Kind: models.DecisionFallback,
		Ad: &models.ServedAd{
			AdID:       "featured:" + featured.PlacementKey,
			Headline:   featured.Headline,
			Body:       featured.Body,
			ImageURL:   featured.ImageURL,
			CTAText:    featured.CTAText,
			LandingURL: featured.LandingURL,
		},
	}
}

func (o *Orchestrator) recordNoFill(reason string) {
	if o.metrics != nil {
		o.metrics.RecordNoFill(reason)
	}
}

func firstApprovedCreative(c *models.Campaign) *models.Creative {
	for i := range c.Creatives {
		if c.Creatives[i].Approved {
			return &c.Creatives[i]
		}
	}
	return nil
}

func bidNorm(bid, maxBid int64) float64 {
	if maxBid <= 0 {
		return 0
	}
	return float64(bid) / float64(maxBid)
}

// creativeQuality scores how completely a creative fills its renderable
// fields. Headline and landing URL are required, so the optional fields
// carry the signal.
func creativeQuality(cr *models.Creative) float64 {
	score := 0.4
	if cr.Body != "" {
		score += 0.2
	}
	if cr.ImageURL != "" {
		score += 0.2
	}
	if cr.CTAText != "" {
		score += 0.2
	}
	return score
}
