package ads

import (
	"math/rand"
	"sort"

	"github.com/haulgrid/ad-engine/internal/config"
	"github.com/haulgrid/ad-engine/internal/models"
)

// AdRank weights. rank = 0.55*bid + 0.20*ctr + 0.10*relevance +
// 0.08*trust + 0.07*quality - 0.35*fraud_risk. Fixed constants, not
// learned at request time.
const (
	weightBid       = 0.55
	weightCTR       = 0.20
	weightRelevance = 0.10
	weightTrust     = 0.08
	weightQuality   = 0.07
	penaltyFraud    = 0.35
)

// Scorer combines bid and quality signals into a single ranking value and
// selects the serving winner, reserving a fraction of decisions for
// exploration so CTR estimates stay calibrated.
type Scorer struct {
	explorationRate float64
	explorationTopN int
}

func NewScorer(cfg config.DeliveryConfig) *Scorer {
	return &Scorer{
		explorationRate: cfg.ExplorationRate,
		explorationTopN: cfg.ExplorationTopN,
	}
}

// Score computes the AdRank for one candidate's signals.
func (s *Scorer) Score(sig models.QualitySignals) float64 {
	return weightBid*sig.BidNorm +
		weightCTR*sig.PredictedCTR +
		weightRelevance*sig.Relevance +
		weightTrust*sig.Trust +
		weightQuality*sig.Quality -
		penaltyFraud*sig.FraudRisk
}

// Rank scores all candidates and orders them by descending AdRank. Ties
// break by earliest campaign creation time so identical scores never
// oscillate between established advertisers.
func (s *Scorer) Rank(candidates []*models.Candidate) {
	for _, c := range candidates {
		c.Rank = s.Score(c.Signals)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Rank != candidates[j].Rank {
			return candidates[i].Rank > candidates[j].Rank
		}
		return candidates[i].Campaign.CreatedAt.Before(candidates[j].Campaign.CreatedAt)
	})
}

// Select picks the serving winner from ranked candidates. With probability
// explorationRate it picks uniformly among the top-N runners-up instead of
// the top-ranked candidate. rng is request-scoped; Select never touches
// global randomness.
func (s *Scorer) Select(candidates []*models.Candidate, rng *rand.Rand) *models.Candidate {
	if len(candidates) == 0 {
		return nil
	}
	if len(candidates) > 1 && s.explorationRate > 0 && rng.Float64() < s.explorationRate {
		pool := len(candidates) - 1
		if pool > s.explorationTopN {
			pool = s.explorationTopN
		}
		return candidates[1+rng.Intn(pool)]
	}
	return candidates[0]
}
