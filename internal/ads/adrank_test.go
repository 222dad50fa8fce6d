package ads

import (
	"math/rand"
	"testing"
	"time"

	"github.com/haulgrid/ad-engine/internal/config"
	"github.com/haulgrid/ad-engine/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScorer(rate float64, topN int) *Scorer {
	return NewScorer(config.DeliveryConfig{
		ExplorationRate: rate,
		ExplorationTopN: topN,
	})
}

func candidate(id string, createdAt time.Time, sig models.QualitySignals) *models.Candidate {
	return &models.Candidate{
		Campaign: &models.Campaign{ID: id, CreatedAt: createdAt},
		Creative: &models.Creative{ID: id + "-cr"},
		Signals:  sig,
	}
}

func TestScoreKnownScenario(t *testing.T) {
	s := newTestScorer(0, 3)

	clean := models.QualitySignals{
		BidNorm:      0.9,
		PredictedCTR: 0.5,
		Relevance:    0.8,
		Trust:        0.7,
		Quality:      0.6,
	}
	assert.InDelta(t, 0.773, s.Score(clean), 1e-9)

	risky := clean
	risky.FraudRisk = 0.7
	assert.InDelta(t, 0.528, s.Score(risky), 1e-9)
}

func TestScoreMonotonicity(t *testing.T) {
	s := newTestScorer(0, 3)
	base := models.QualitySignals{
		BidNorm:      0.5,
		PredictedCTR: 0.3,
		Relevance:    0.6,
		Trust:        0.5,
		Quality:      0.5,
		FraudRisk:    0.2,
	}

	higherBid := base
	higherBid.BidNorm = 0.6
	assert.Greater(t, s.Score(higherBid), s.Score(base))

	higherRisk := base
	higherRisk.FraudRisk = 0.3
	assert.Less(t, s.Score(higherRisk), s.Score(base))
}

func TestRankOrdersByScoreDescending(t *testing.T) {
	s := newTestScorer(0, 3)
	now := time.Now()

	low := candidate("low", now, models.QualitySignals{BidNorm: 0.2})
	high := candidate("high", now, models.QualitySignals{BidNorm: 0.9})
	mid := candidate("mid", now, models.QualitySignals{BidNorm: 0.5})

	cands := []*models.Candidate{low, high, mid}
	s.Rank(cands)

	assert.Equal(t, "high", cands[0].Campaign.ID)
	assert.Equal(t, "mid", cands[1].Campaign.ID)
	assert.Equal(t, "low", cands[2].Campaign.ID)
}

func TestRankTieBreaksByCampaignAge(t *testing.T) {
	s := newTestScorer(0, 3)
	now := time.Now()
	sig := models.QualitySignals{BidNorm: 0.5}

	younger := candidate("younger", now, sig)
	older := candidate("older", now.Add(-24*time.Hour), sig)

	cands := []*models.Candidate{younger, older}
	s.Rank(cands)

	assert.Equal(t, "older", cands[0].Campaign.ID)
}

func TestSelectWithoutExploration(t *testing.T) {
	s := newTestScorer(0, 3)
	rng := rand.New(rand.NewSource(1))

	cands := []*models.Candidate{
		candidate("a", time.Now(), models.QualitySignals{BidNorm: 0.9}),
		candidate("b", time.Now(), models.QualitySignals{BidNorm: 0.5}),
	}
	s.Rank(cands)

	for i := 0; i < 50; i++ {
		assert.Equal(t, "a", s.Select(cands, rng).Campaign.ID)
	}
}

func TestSelectExplorationPicksRunnersUp(t *testing.T) {
	s := newTestScorer(1.0, 2)
	rng := rand.New(rand.NewSource(42))
	now := time.Now()

	cands := []*models.Candidate{
		candidate("first", now, models.QualitySignals{BidNorm: 0.9}),
		candidate("second", now, models.QualitySignals{BidNorm: 0.7}),
		candidate("third", now, models.QualitySignals{BidNorm: 0.5}),
		candidate("fourth", now, models.QualitySignals{BidNorm: 0.3}),
	}
	s.Rank(cands)

	picked := map[string]int{}
	for i := 0; i < 200; i++ {
		picked[s.Select(cands, rng).Campaign.ID]++
	}

	// Exploration always fires at rate 1.0 and only reaches the top-2
	// runners-up.
	assert.Zero(t, picked["first"])
	assert.Zero(t, picked["fourth"])
	assert.Positive(t, picked["second"])
	assert.Positive(t, picked["third"])
}

func TestSelectEmptyAndSingle(t *testing.T) {
	s := newTestScorer(1.0, 3)
	rng := rand.New(rand.NewSource(7))

	require.Nil(t, s.Select(nil, rng))

	only := candidate("only", time.Now(), models.QualitySignals{BidNorm: 0.5})
	assert.Equal(t, "only", s.Select([]*models.Candidate{only}, rng).Campaign.ID)
}
