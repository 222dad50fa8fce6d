package models

// FraudSignals bundles the raw behavioral signals observed for one
// serving or click attempt. Each field is already normalized to [0,1].
type FraudSignals struct {
	RapidClicks   float64 `json:"rapid_clicks"`
	HighClickRate float64 `json:"high_click_rate"`
	AdHopping     float64 `json:"ad_hopping"`
	GeoJumps      float64 `json:"geo_jumps"`
	IPReuse       float64 `json:"ip_reuse"`
	UAAnomaly     float64 `json:"ua_anomaly"`
	Burst         float64 `json:"burst"`
}

// QualitySignals are the per-candidate inputs to AdRank scoring,
// all normalized to [0,1].
type QualitySignals struct {
	BidNorm      float64 `json:"bid_norm"`
	PredictedCTR float64 `json:"predicted_ctr"`
	Relevance    float64 `json:"relevance"`
	Trust        float64 `json:"trust"`
	Quality      float64 `json:"quality"`
	FraudRisk    float64 `json:"fraud_risk"`
}

// Candidate pairs a campaign and creative with its scoring signals for a
// single serving decision.
type Candidate struct {
	Campaign *Campaign      `json:"campaign"`
	Creative *Creative      `json:"creative"`
	Signals  QualitySignals `json:"signals"`
	Rank     float64        `json:"rank"`
}

// ServeContext carries the request-side context for one placement request.
type ServeContext struct {
	PlacementKey string `json:"placement_key"`
	ViewerID     string `json:"viewer_id,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
	IP           string `json:"-"`
	UserAgent    string `json:"-"`
	Geo          string `json:"geo,omitempty"`
	Page         string `json:"page,omitempty"`
	Format       string `json:"format,omitempty"`
}

// Fingerprint derives the actor identity used for frequency caps and click
// dedupe: the viewer id when known, the session otherwise.
func (sc *ServeContext) Fingerprint() string {
	if sc.ViewerID != "" {
		return sc.ViewerID
	}
	if sc.SessionID != "" {
		return "s:" + sc.SessionID
	}
	return "anon:" + sc.IP
}

// DecisionKind tags the result of a serving decision so callers cannot
// mistake an empty response for an error.
type DecisionKind string

const (
	DecisionServed   DecisionKind = "served"
	DecisionFallback DecisionKind = "fallback"
	DecisionNoAd     DecisionKind = "no_ad"
)

// ServedAd is the client-facing payload for a winning (or fallback) creative.
type ServedAd struct {
	AdID            string `json:"ad_id"`
	CampaignID      string `json:"campaign_id,omitempty"`
	Headline        string `json:"headline"`
	Body            string `json:"body,omitempty"`
	ImageURL        string `json:"image_url,omitempty"`
	CTAText         string `json:"cta,omitempty"`
	LandingURL      string `json:"landing_url"`
	ImpressionToken string `json:"impression_token,omitempty"`
}

// Decision is the tagged outcome of one placement request.
type Decision struct {
	Kind DecisionKind `json:"kind"`
	Ad   *ServedAd    `json:"ad,omitempty"`

	// Geo echoes the country the request resolved to, whether from the
	// GeoIP resolver or the caller's hint.
	Geo string `json:"geo,omitempty"`
}

// FeaturedPlacement is a manually curated non-auctioned fallback for a
// placement key, served when no campaign wins.
type FeaturedPlacement struct {
	PlacementKey string `json:"placement_key"`
	Headline     string `json:"headline"`
	Body         string `json:"body,omitempty"`
	ImageURL     string `json:"image_url,omitempty"`
	CTAText      string `json:"cta_text,omitempty"`
	LandingURL   string `json:"landing_url"`
}
