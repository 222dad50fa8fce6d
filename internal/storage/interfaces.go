package storage

import (
	"context"
	"time"

	"github.com/haulgrid/ad-engine/internal/models"
)

// CampaignRepo defines operations for campaign storage. The serving path
// only reads; spend mutates exclusively through AddSpend (atomic increment
// driven by confirmed billing events).
type CampaignRepo interface {
	ListAll(ctx context.Context) ([]*models.Campaign, error)
	GetByID(ctx context.Context, id string) (*models.Campaign, error)
	Upsert(ctx context.Context, c *models.Campaign) error

	// ListActiveByTarget returns active campaigns with budget remaining
	// that target the given placement key.
	ListActiveByTarget(ctx context.Context, targetKey string) ([]*models.Campaign, error)

	// AddSpend atomically accrues spend for a campaign. day carries the
	// spend date so the daily counter resets at day boundaries.
	AddSpend(ctx context.Context, campaignID string, micros int64, day string) error
}

// ImpressionStore persists impression tokens and resolves concurrent
// confirmations through conditional writes.
type ImpressionStore interface {
	Insert(ctx context.Context, imp *models.Impression) error
	Get(ctx context.Context, token string) (*models.Impression, error)

	// ConfirmOnce transitions a pending impression to confirmed with the
	// given dwell and billable outcome. It returns true only for the
	// single caller whose conditional write applied; all others must
	// re-read and use the stored result.
	ConfirmOnce(ctx context.Context, token string, dwellMs int64, billable bool, at time.Time) (bool, error)

	// MarkExpired transitions a pending impression past its TTL to
	// expired. Losing the race to a concurrent confirm is not an error.
	MarkExpired(ctx context.Context, token string) error
}

// AuctionRepo drives the premium-slot auction cycle state machine. The
// transition methods are conditional check-and-set operations so that
// overlapping ticks apply each transition at most once.
type AuctionRepo interface {
	Upsert(ctx context.Context, cycle *models.AuctionCycle) error
	GetByID(ctx context.Context, id string) (*models.AuctionCycle, error)

	// LiveBySlot returns the live cycle for a slot, or nil.
	LiveBySlot(ctx context.Context, slotKey string) (*models.AuctionCycle, error)

	// DuePromotions returns scheduled cycles whose start time has passed.
	DuePromotions(ctx context.Context, now time.Time) ([]*models.AuctionCycle, error)
	// DueClosings returns live cycles whose end time has passed.
	DueClosings(ctx context.Context, now time.Time) ([]*models.AuctionCycle, error)

	// Promote moves a cycle scheduled->live; returns false if the cycle
	// was no longer scheduled.
	Promote(ctx context.Context, id string) (bool, error)
	// Close moves a cycle live->closed; returns false if the cycle was
	// no longer live.
	Close(ctx context.Context, id string) (bool, error)

	// Settle records the settlement result exactly once per cycle.
	Settle(ctx context.Context, id, winnerCampaignID string, at time.Time) (bool, error)
}

// WatcherRepo stores advertiser subscriptions to premium slots.
type WatcherRepo interface {
	ListBySlot(ctx context.Context, slotKey string) ([]*models.Watcher, error)
	Subscribe(ctx context.Context, w *models.Watcher) error
}

// NotificationOutbox enqueues transition side effects for an external
// delivery collaborator. At-least-once; enqueue failures never roll back
// the state transition that produced them.
type NotificationOutbox interface {
	Enqueue(ctx context.Context, n *models.Notification) error
}

// FeaturedRepo serves the manually curated non-auctioned fallback.
type FeaturedRepo interface {
	GetByPlacement(ctx context.Context, placementKey string) (*models.FeaturedPlacement, error)
}

// TrustProvider looks up an advertiser's trust score in [0,1]. The bool
// reports whether a score exists; lookup failures are handled by callers
// with a default value, never surfaced.
type TrustProvider interface {
	Score(ctx context.Context, advertiserID string) (float64, bool, error)
}

// LedgerEvent is one append-only row in the ad event ledger.
type LedgerEvent struct {
	EventType    string
	CampaignID   string
	CreativeID   string
	PlacementKey string
	ViewerID     string
	Billable     bool
	CostMicros   int64
	OccurredAt   time.Time
}

// EventLedger records serve/confirm/click events for reporting. Append is
// best-effort from the caller's perspective.
type EventLedger interface {
	Append(ctx context.Context, ev *LedgerEvent) error
}
