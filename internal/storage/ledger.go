package storage

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouseEventLedger appends ad events to an append-only ClickHouse
// table for reporting. Writes are fire-and-forget from the serving path;
// callers log failures and move on.
type ClickHouseEventLedger struct {
	conn driver.Conn
}

func NewClickHouseEventLedger(conn driver.Conn) *ClickHouseEventLedger {
	return &ClickHouseEventLedger{conn: conn}
}

func (l *ClickHouseEventLedger) Append(ctx context.Context, ev *LedgerEvent) error {
	err := l.conn.Exec(ctx, `
		INSERT INTO ad_event_ledger
			(event_type, campaign_id, creative_id, placement_key, viewer_id, billable, cost_micros, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.EventType, ev.CampaignID, ev.CreativeID, ev.PlacementKey, ev.ViewerID,
		ev.Billable, ev.CostMicros, ev.OccurredAt)
	if err != nil {
		return fmt.Errorf("failed to append ledger event: %w", err)
	}
	return nil
}
