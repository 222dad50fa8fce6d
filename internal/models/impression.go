package models

import "time"

type ImpressionStatus string

const (
	ImpressionStatusPending   ImpressionStatus = "pending"
	ImpressionStatusConfirmed ImpressionStatus = "confirmed"
	ImpressionStatusExpired   ImpressionStatus = "expired"
)

// Impression is one serving event. The token is a single-use credential
// the client must present to confirm dwell and unlock billing.
type Impression struct {
	Token        string           `json:"token"`
	CampaignID   string           `json:"campaign_id"`
	CreativeID   string           `json:"creative_id"`
	ViewerID     string           `json:"viewer_id,omitempty"`
	SessionID    string           `json:"session_id,omitempty"`
	PlacementKey string           `json:"placement_key"`
	Status       ImpressionStatus `json:"status"`
	IssuedAt     time.Time        `json:"issued_at"`
	ExpiresAt    time.Time        `json:"expires_at"`

	// DwellMs is nil until the client reports dwell.
	DwellMs  *int64 `json:"dwell_ms,omitempty"`
	Billable bool   `json:"billable"`

	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
}

// Expired reports whether the token's TTL has elapsed at the given time.
func (i *Impression) Expired(now time.Time) bool {
	return now.After(i.ExpiresAt)
}

// ClickEvent is a billing-relevant click, deduplicated per
// (placement, actor fingerprint) within a rolling window.
type ClickEvent struct {
	ID          string    `json:"id"`
	PlacementID string    `json:"placement_id"`
	Fingerprint string    `json:"fingerprint"`
	CampaignID  string    `json:"campaign_id,omitempty"`
	Billable    bool      `json:"billable"`
	OccurredAt  time.Time `json:"occurred_at"`
}
