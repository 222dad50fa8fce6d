package ads

import (
	"github.com/haulgrid/ad-engine/internal/config"
	"github.com/haulgrid/ad-engine/internal/models"
)

// Fraud signal weights. The weighted sum maps the normalized behavioral
// signals to a risk score in [0,1]; weights sum to 1.0. Fixed constants,
// adjusted only as a deployment-time configuration change.
const (
	weightRapidClicks   = 0.20
	weightHighClickRate = 0.15
	weightAdHopping     = 0.15
	weightGeoJumps      = 0.12
	weightIPReuse       = 0.20
	weightUAAnomaly     = 0.10
	weightBurst         = 0.08
)

// FraudEvaluator maps raw behavioral signals to a bounded risk score.
// Pure; no side effects.
type FraudEvaluator struct {
	cfg config.FraudConfig
}

func NewFraudEvaluator(cfg config.FraudConfig) *FraudEvaluator {
	return &FraudEvaluator{cfg: cfg}
}

// Evaluate combines the signal bundle into a fraud risk score in [0,1].
func (e *FraudEvaluator) Evaluate(s models.FraudSignals) float64 {
	risk := weightRapidClicks*clamp01(s.RapidClicks) +
		weightHighClickRate*clamp01(s.HighClickRate) +
		weightAdHopping*clamp01(s.AdHopping) +
		weightGeoJumps*clamp01(s.GeoJumps) +
		weightIPReuse*clamp01(s.IPReuse) +
		weightUAAnomaly*clamp01(s.UAAnomaly) +
		weightBurst*clamp01(s.Burst)
	return clamp01(risk)
}

// HardBlocked reports whether the risk excludes a candidate from ranking
// entirely.
func (e *FraudEvaluator) HardBlocked(risk float64) bool {
	return risk >= e.cfg.HardBlockThreshold
}

// SoftPenalized reports whether the candidate stays eligible but carries
// the fraud penalty in its AdRank.
func (e *FraudEvaluator) SoftPenalized(risk float64) bool {
	return risk >= e.cfg.SoftPenaltyThreshold && risk < e.cfg.HardBlockThreshold
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
