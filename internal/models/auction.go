package models

import (
	"errors"
	"time"
)

type AuctionStatus string

const (
	AuctionStatusScheduled AuctionStatus = "scheduled"
	AuctionStatusLive      AuctionStatus = "live"
	AuctionStatusClosed    AuctionStatus = "closed"
)

// AuctionCycle is the scheduled-to-closed lifetime of a premium slot's
// bidding period. Status only moves forward: scheduled -> live -> closed.
type AuctionCycle struct {
	ID      string        `json:"id"`
	SlotKey string        `json:"slot_key"`
	Status  AuctionStatus `json:"status"`

	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at"`

	WinnerCampaignID string     `json:"winner_campaign_id,omitempty"`
	SettledAt        *time.Time `json:"settled_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

func (a *AuctionCycle) Validate() error {
	if a.ID == "" {
		return errors.New("id is required")
	}
	if a.SlotKey == "" {
		return errors.New("slot_key is required")
	}
	if !a.EndsAt.After(a.StartsAt) {
		return errors.New("ends_at must be after starts_at")
	}
	return nil
}

// Watcher subscribes an advertiser to go-live notifications for a premium
// slot. It carries no ownership semantics.
type Watcher struct {
	ID           string    `json:"id"`
	SlotKey      string    `json:"slot_key"`
	AdvertiserID string    `json:"advertiser_id"`
	CreatedAt    time.Time `json:"created_at"`
}

type NotificationKind string

const (
	NotificationAuctionLive NotificationKind = "auction_live"
)

// Notification is an outbox record produced by auction state transitions
// and drained by an external delivery collaborator, at-least-once.
type Notification struct {
	ID           string           `json:"id"`
	Kind         NotificationKind `json:"kind"`
	AdvertiserID string           `json:"advertiser_id"`
	SlotKey      string           `json:"slot_key"`
	CycleID      string           `json:"cycle_id"`
	EnqueuedAt   time.Time        `json:"enqueued_at"`
	DeliveredAt  *time.Time       `json:"delivered_at,omitempty"`
}
