package models

import (
	"errors"
	"time"
)

type CampaignStatus string

const (
	CampaignStatusActive    CampaignStatus = "active"
	CampaignStatusPaused    CampaignStatus = "paused"
	CampaignStatusExhausted CampaignStatus = "exhausted"
	CampaignStatusCancelled CampaignStatus = "cancelled"
)

// TargetKind identifies what a campaign is targeting.
type TargetKind string

const (
	TargetKindLoad      TargetKind = "load"
	TargetKindProfile   TargetKind = "profile"
	TargetKindPlacement TargetKind = "placement"
)

// Campaign is an advertiser's budget envelope. All money values are
// fixed-point micro-currency units (1_000_000 micros = 1 unit).
type Campaign struct {
	ID           string         `json:"id"`
	AdvertiserID string         `json:"advertiser_id"`
	Name         string         `json:"name"`
	Status       CampaignStatus `json:"status"`

	// BidMicros is the CPM bid in micros.
	BidMicros         int64 `json:"bid_micros"`
	DailyBudgetMicros int64 `json:"daily_budget_micros"`
	TotalBudgetMicros int64 `json:"total_budget_micros"`

	// Spend accrues only through billing events, never on the serving path.
	// DailySpendMicros is only meaningful for the day recorded in SpendDay;
	// read it through DailySpendFor so stale counters lapse at the boundary.
	TotalSpendMicros int64  `json:"total_spend_micros"`
	DailySpendMicros int64  `json:"daily_spend_micros"`
	SpendDay         string `json:"spend_day,omitempty"`

	TargetKind TargetKind `json:"target_kind"`
	TargetKey  string     `json:"target_key"`

	Creatives []Creative `json:"creatives"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the campaign's required fields and budget invariants.
func (c *Campaign) Validate() error {
	if c.ID == "" {
		return errors.New("id is required")
	}
	if c.AdvertiserID == "" {
		return errors.New("advertiser_id is required")
	}
	if c.Name == "" {
		return errors.New("name is required")
	}
	if c.BidMicros <= 0 {
		return errors.New("bid_micros must be positive")
	}
	if c.TotalBudgetMicros <= 0 {
		return errors.New("total_budget_micros must be positive")
	}
	if c.DailyBudgetMicros <= 0 || c.DailyBudgetMicros > c.TotalBudgetMicros {
		return errors.New("daily_budget_micros must be positive and not exceed total budget")
	}
	if c.TargetKey == "" {
		return errors.New("target_key is required")
	}
	switch c.TargetKind {
	case TargetKindLoad, TargetKindProfile, TargetKindPlacement:
	default:
		return errors.New("invalid target_kind")
	}
	return nil
}

// DailySpendFor returns the daily spend counter as of the given day
// (formatted 2006-01-02). Spend recorded on an earlier day has lapsed.
func (c *Campaign) DailySpendFor(day string) int64 {
	if c.SpendDay != day {
		return 0
	}
	return c.DailySpendMicros
}

// BudgetRemaining reports whether the campaign can still accrue spend on
// the given day.
func (c *Campaign) BudgetRemaining(day string) bool {
	return c.TotalSpendMicros < c.TotalBudgetMicros && c.DailySpendFor(day) < c.DailyBudgetMicros
}

// CostPerImpressionMicros derives the per-impression cost from the CPM bid.
func (c *Campaign) CostPerImpressionMicros() int64 {
	return c.BidMicros / 1000
}

// Creative is the renderable unit tied to exactly one campaign.
// It is immutable once approved.
type Creative struct {
	ID         string `json:"id"`
	CampaignID string `json:"campaign_id"`
	Headline   string `json:"headline"`
	Body       string `json:"body,omitempty"`
	ImageURL   string `json:"image_url,omitempty"`
	CTAText    string `json:"cta_text,omitempty"`
	LandingURL string `json:"landing_url"`
	Approved   bool   `json:"approved"`

	CreatedAt time.Time `json:"created_at"`
}

func (cr *Creative) Validate() error {
	if cr.ID == "" {
		return errors.New("id is required")
	}
	if cr.CampaignID == "" {
		return errors.New("campaign_id is required")
	}
	if cr.Headline == "" {
		return errors.New("headline is required")
	}
	if cr.LandingURL == "" {
		return errors.New("landing_url is required")
	}
	return nil
}
