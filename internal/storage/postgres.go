package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/haulgrid/ad-engine/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresCampaignRepo implements CampaignRepo using PostgreSQL.
type PostgresCampaignRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresCampaignRepo(pool *pgxpool.Pool) *PostgresCampaignRepo {
	return &PostgresCampaignRepo{pool: pool}
}

const campaignColumns = `
	id, advertiser_id, name, status,
	bid_micros, daily_budget_micros, total_budget_micros,
	total_spend_micros, daily_spend_micros, spend_day,
	target_kind, target_key, created_at, updated_at
`

func scanCampaign(row pgx.Row) (*models.Campaign, error) {
	var c models.Campaign
	err := row.Scan(
		&c.ID, &c.AdvertiserID, &c.Name, &c.Status,
		&c.BidMicros, &c.DailyBudgetMicros, &c.TotalBudgetMicros,
		&c.TotalSpendMicros, &c.DailySpendMicros, &c.SpendDay,
		&c.TargetKind, &c.TargetKey, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *PostgresCampaignRepo) GetByID(ctx context.Context, id string) (*models.Campaign, error) {
	c, err := scanCampaign(r.pool.QueryRow(ctx, `
		SELECT `+campaignColumns+` FROM campaigns WHERE id = $1
	`, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}

	creatives, err := r.creativesByCampaign(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	c.Creatives = creatives
	return c, nil
}

func (r *PostgresCampaignRepo) ListAll(ctx context.Context) ([]*models.Campaign, error) {
	return r.list(ctx, `SELECT `+campaignColumns+` FROM campaigns ORDER BY created_at DESC`)
}

// ListActiveByTarget returns active campaigns with budget remaining for a
// placement key. The daily-spend filter treats a stale spend_day as a reset
// so campaigns become eligible again at the day boundary.
func (r *PostgresCampaignRepo) ListActiveByTarget(ctx context.Context, targetKey string) ([]*models.Campaign, error) {
	return r.list(ctx, `
		SELECT `+campaignColumns+` FROM campaigns
		WHERE status = 'active'
		  AND target_key = $1
		  AND total_spend_micros < total_budget_micros
		  AND (spend_day <> CURRENT_DATE::text OR daily_spend_micros < daily_budget_micros)
		ORDER BY created_at ASC
	`, targetKey)
}

func (r *PostgresCampaignRepo) list(ctx context.Context, query string, args ...any) ([]*models.Campaign, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []*models.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, c := range campaigns {
		creatives, err := r.creativesByCampaign(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		c.Creatives = creatives
	}
	return campaigns, nil
}

func (r *PostgresCampaignRepo) Upsert(ctx context.Context, c *models.Campaign) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO campaigns (
			id, advertiser_id, name, status,
			bid_micros, daily_budget_micros, total_budget_micros,
			target_kind, target_key, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			bid_micros = EXCLUDED.bid_micros,
			daily_budget_micros = EXCLUDED.daily_budget_micros,
			total_budget_micros = EXCLUDED.total_budget_micros,
			target_kind = EXCLUDED.target_kind,
			target_key = EXCLUDED.target_key,
			updated_at = EXCLUDED.updated_at
	`, c.ID, c.AdvertiserID, c.Name, c.Status,
		c.BidMicros, c.DailyBudgetMicros, c.TotalBudgetMicros,
		c.TargetKind, c.TargetKey, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert campaign: %w", err)
	}

	for _, cr := range c.Creatives {
		_, err = tx.Exec(ctx, `
			INSERT INTO creatives (id, campaign_id, headline, body, image_url, cta_text, landing_url, approved, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO NOTHING
		`, cr.ID, cr.CampaignID, cr.Headline, cr.Body, cr.ImageURL, cr.CTAText, cr.LandingURL, cr.Approved, cr.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to upsert creative: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// AddSpend accrues spend atomically. The daily counter resets when the
// stored spend_day differs from the billing day.
func (r *PostgresCampaignRepo) AddSpend(ctx context.Context, campaignID string, micros int64, day string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE campaigns SET
			total_spend_micros = total_spend_micros + $2,
			daily_spend_micros = CASE WHEN spend_day = $3 THEN daily_spend_micros + $2 ELSE $2 END,
			spend_day = $3,
			status = CASE
				WHEN total_spend_micros + $2 >= total_budget_micros THEN 'exhausted'
				ELSE status
			END,
			updated_at = now()
		WHERE id = $1
	`, campaignID, micros, day)
	if err != nil {
		return fmt.Errorf("failed to add spend: %w", err)
	}
	return nil
}

func (r *PostgresCampaignRepo) creativesByCampaign(ctx context.Context, campaignID string) ([]models.Creative, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, campaign_id, headline, body, image_url, cta_text, landing_url, approved, created_at
		FROM creatives WHERE campaign_id = $1 ORDER BY created_at ASC
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to get creatives: %w", err)
	}
	defer rows.Close()

	var creatives []models.Creative
	for rows.Next() {
		var cr models.Creative
		if err := rows.Scan(&cr.ID, &cr.CampaignID, &cr.Headline, &cr.Body, &cr.ImageURL,
			&cr.CTAText, &cr.LandingURL, &cr.Approved, &cr.CreatedAt); err != nil {
			return nil, err
		}
		creatives = append(creatives, cr)
	}
	return creatives, rows.Err()
}

// PostgresImpressionStore implements ImpressionStore using PostgreSQL.
type PostgresImpressionStore struct {
	pool *pgxpool.Pool
}

func NewPostgresImpressionStore(pool *pgxpool.Pool) *PostgresImpressionStore {
	return &PostgresImpressionStore{pool: pool}
}

func (s *PostgresImpressionStore) Insert(ctx context.Context, imp *models.Impression) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO impressions (token, campaign_id, creative_id, viewer_id, session_id, placement_key, status, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, imp.Token, imp.CampaignID, imp.CreativeID, imp.ViewerID, imp.SessionID,
		imp.PlacementKey, imp.Status, imp.IssuedAt, imp.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to insert impression: %w", err)
	}
	return nil
}

func (s *PostgresImpressionStore) Get(ctx context.Context, token string) (*models.Impression, error) {
	var imp models.Impression
	err := s.pool.QueryRow(ctx, `
		SELECT token, campaign_id, creative_id, viewer_id, session_id, placement_key,
		       status, issued_at, expires_at, dwell_ms, billable, confirmed_at
		FROM impressions WHERE token = $1
	`, token).Scan(
		&imp.Token, &imp.CampaignID, &imp.CreativeID, &imp.ViewerID, &imp.SessionID, &imp.PlacementKey,
		&imp.Status, &imp.IssuedAt, &imp.ExpiresAt, &imp.DwellMs, &imp.Billable, &imp.ConfirmedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get impression: %w", err)
	}
	return &imp, nil
}

// ConfirmOnce is a single conditional write: only one of N concurrent
// confirmations for a token observes rows_affected == 1.
func (s *PostgresImpressionStore) ConfirmOnce(ctx context.Context, token string, dwellMs int64, billable bool, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE impressions SET
			status = 'confirmed',
			dwell_ms = $2,
			billable = $3,
			confirmed_at = $4
		WHERE token = $1 AND status = 'pending'
	`, token, dwellMs, billable, at)
	if err != nil {
		return false, fmt.Errorf("failed to confirm impression: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresImpressionStore) MarkExpired(ctx context.Context, token string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE impressions SET status = 'expired', billable = false
		WHERE token = $1 AND status = 'pending'
	`, token)
	if err != nil {
		return fmt.Errorf("failed to expire impression: %w", err)
	}
	return nil
}

// PostgresAuctionRepo implements AuctionRepo using PostgreSQL. All
// transitions are conditional so concurrent ticks stay idempotent.
type PostgresAuctionRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresAuctionRepo(pool *pgxpool.Pool) *PostgresAuctionRepo {
	return &PostgresAuctionRepo{pool: pool}
}

const auctionColumns = `id, slot_key, status, starts_at, ends_at, winner_campaign_id, settled_at, created_at`

func scanCycle(row pgx.Row) (*models.AuctionCycle, error) {
	var a models.AuctionCycle
	var winner *string
	err := row.Scan(&a.ID, &a.SlotKey, &a.Status, &a.StartsAt, &a.EndsAt, &winner, &a.SettledAt, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	if winner != nil {
		a.WinnerCampaignID = *winner
	}
	return &a, nil
}

func (r *PostgresAuctionRepo) Upsert(ctx context.Context, cycle *models.AuctionCycle) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO auction_cycles (id, slot_key, status, starts_at, ends_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			starts_at = EXCLUDED.starts_at,
			ends_at = EXCLUDED.ends_at
	`, cycle.ID, cycle.SlotKey, cycle.Status, cycle.StartsAt, cycle.EndsAt, cycle.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert auction cycle: %w", err)
	}
	return nil
}

func (r *PostgresAuctionRepo) GetByID(ctx context.Context, id string) (*models.AuctionCycle, error) {
	a, err := scanCycle(r.pool.QueryRow(ctx, `
		SELECT `+auctionColumns+` FROM auction_cycles WHERE id = $1
	`, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get auction cycle: %w", err)
	}
	return a, nil
}

func (r *PostgresAuctionRepo) LiveBySlot(ctx context.Context, slotKey string) (*models.AuctionCycle, error) {
	a, err := scanCycle(r.pool.QueryRow(ctx, `
		SELECT `+auctionColumns+` FROM auction_cycles
		WHERE slot_key = $1 AND status = 'live'
	`, slotKey))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get live cycle: %w", err)
	}
	return a, nil
}

func (r *PostgresAuctionRepo) DuePromotions(ctx context.Context, now time.Time) ([]*models.AuctionCycle, error) {
	return r.listDue(ctx, `
		SELECT `+auctionColumns+` FROM auction_cycles
		WHERE status = 'scheduled' AND starts_at <= $1
		ORDER BY starts_at ASC
	`, now)
}

func (r *PostgresAuctionRepo) DueClosings(ctx context.Context, now time.Time) ([]*models.AuctionCycle, error) {
	return r.listDue(ctx, `
		SELECT `+auctionColumns+` FROM auction_cycles
		WHERE status = 'live' AND ends_at <= $1
		ORDER BY ends_at ASC
	`, now)
}

func (r *PostgresAuctionRepo) listDue(ctx context.Context, query string, now time.Time) ([]*models.AuctionCycle, error) {
	rows, err := r.pool.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list due cycles: %w", err)
	}
	defer rows.Close()

	var cycles []*models.AuctionCycle
	for rows.Next() {
		a, err := scanCycle(rows)
		if err != nil {
			return nil, err
		}
		cycles = append(cycles, a)
	}
	return cycles, rows.Err()
}

// Promote moves a cycle scheduled -> live. The NOT EXISTS guard keeps at
// most one cycle live per slot even when ticks overlap.
func (r *PostgresAuctionRepo) Promote(ctx context.Context, id string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE auction_cycles SET status = 'live'
		WHERE id = $1 AND status = 'scheduled'
		  AND NOT EXISTS (
			SELECT 1 FROM auction_cycles live
			WHERE live.slot_key = auction_cycles.slot_key AND live.status = 'live'
		  )
	`, id)
	if err != nil {
		return false, fmt.Errorf("failed to promote cycle: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresAuctionRepo) Close(ctx context.Context, id string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE auction_cycles SET status = 'closed'
		WHERE id = $1 AND status = 'live'
	`, id)
	if err != nil {
		return false, fmt.Errorf("failed to close cycle: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresAuctionRepo) Settle(ctx context.Context, id, winnerCampaignID string, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE auction_cycles SET winner_campaign_id = NULLIF($2, ''), settled_at = $3
		WHERE id = $1 AND settled_at IS NULL
	`, id, winnerCampaignID, at)
	if err != nil {
		return false, fmt.Errorf("failed to settle cycle: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// PostgresWatcherRepo implements WatcherRepo using PostgreSQL.
type PostgresWatcherRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresWatcherRepo(pool *pgxpool.Pool) *PostgresWatcherRepo {
	return &PostgresWatcherRepo{pool: pool}
}

func (r *PostgresWatcherRepo) ListBySlot(ctx context.Context, slotKey string) ([]*models.Watcher, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, slot_key, advertiser_id, created_at
		FROM watchers WHERE slot_key = $1
	`, slotKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list watchers: %w", err)
	}
	defer rows.Close()

	var watchers []*models.Watcher
	for rows.Next() {
		var w models.Watcher
		if err := rows.Scan(&w.ID, &w.SlotKey, &w.AdvertiserID, &w.CreatedAt); err != nil {
			return nil, err
		}
		watchers = append(watchers, &w)
	}
	return watchers, rows.Err()
}

func (r *PostgresWatcherRepo) Subscribe(ctx context.Context, w *models.Watcher) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO watchers (id, slot_key, advertiser_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (slot_key, advertiser_id) DO NOTHING
	`, w.ID, w.SlotKey, w.AdvertiserID, w.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to subscribe watcher: %w", err)
	}
	return nil
}

// PostgresNotificationOutbox implements NotificationOutbox using PostgreSQL.
type PostgresNotificationOutbox struct {
	pool *pgxpool.Pool
}

func NewPostgresNotificationOutbox(pool *pgxpool.Pool) *PostgresNotificationOutbox {
	return &PostgresNotificationOutbox{pool: pool}
}

func (o *PostgresNotificationOutbox) Enqueue(ctx context.Context, n *models.Notification) error {
	_, err := o.pool.Exec(ctx, `
		INSERT INTO notification_outbox (id, kind, advertiser_id, slot_key, cycle_id, enqueued_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, n.ID, n.Kind, n.AdvertiserID, n.SlotKey, n.CycleID, n.EnqueuedAt)
	if err != nil {
		return fmt.Errorf("failed to enqueue notification: %w", err)
	}
	return nil
}

// PostgresFeaturedRepo implements FeaturedRepo using PostgreSQL.
type PostgresFeaturedRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresFeaturedRepo(pool *pgxpool.Pool) *PostgresFeaturedRepo {
	return &PostgresFeaturedRepo{pool: pool}
}

func (r *PostgresFeaturedRepo) GetByPlacement(ctx context.Context, placementKey string) (*models.FeaturedPlacement, error) {
	var f models.FeaturedPlacement
	err := r.pool.QueryRow(ctx, `
		SELECT placement_key, headline, body, image_url, cta_text, landing_url
		FROM featured_placements WHERE placement_key = $1
	`, placementKey).Scan(&f.PlacementKey, &f.Headline, &f.Body, &f.ImageURL, &f.CTAText, &f.LandingURL)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get featured placement: %w", err)
	}
	return &f, nil
}

// PostgresTrustProvider reads advertiser trust scores maintained by the
// external trust-scoring collaborator.
type PostgresTrustProvider struct {
	pool *pgxpool.Pool
}

func NewPostgresTrustProvider(pool *pgxpool.Pool) *PostgresTrustProvider {
	return &PostgresTrustProvider{pool: pool}
}

func (p *PostgresTrustProvider) Score(ctx context.Context, advertiserID string) (float64, bool, error) {
	var score float64
	err := p.pool.QueryRow(ctx, `
		SELECT trust_score FROM advertiser_trust_scores WHERE advertiser_id = $1
	`, advertiserID).Scan(&score)
	if err == pgx.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get trust score: %w", err)
	}
	return score, true, nil
}
