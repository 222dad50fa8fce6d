package ads

import (
	"context"
	"testing"
	"time"

	"github.com/haulgrid/ad-engine/internal/config"
	"github.com/haulgrid/ad-engine/internal/models"
	"github.com/haulgrid/ad-engine/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type impressionFixture struct {
	svc       *ImpressionService
	store     *storage.InMemoryImpressionStore
	campaigns *storage.InMemoryCampaignRepo
	ledger    *storage.InMemoryEventLedger
	now       time.Time
}

func newImpressionFixture(t *testing.T) *impressionFixture {
	t.Helper()
	f := &impressionFixture{
		store:     storage.NewInMemoryImpressionStore(),
		campaigns: storage.NewInMemoryCampaignRepo(),
		ledger:    storage.NewInMemoryEventLedger(),
		now:       time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, f.campaigns.Upsert(context.Background(), &models.Campaign{
		ID:                "camp-1",
		AdvertiserID:      "adv-1",
		Name:              "test",
		Status:            models.CampaignStatusActive,
		BidMicros:         5_000_000,
		DailyBudgetMicros: 50_000_000,
		TotalBudgetMicros: 500_000_000,
		TargetKind:        models.TargetKindPlacement,
		TargetKey:         "sidebar",
	}))
	f.svc = NewImpressionService(f.store, f.campaigns, f.ledger, config.DeliveryConfig{
		ImpressionTTL:  10 * time.Minute,
		DwellThreshold: 800 * time.Millisecond,
	}, zap.NewNop(), nil)
	f.svc.SetClock(func() time.Time { return f.now })
	return f
}

func (f *impressionFixture) issue(t *testing.T) *models.Impression {
	t.Helper()
	imp, err := f.svc.Issue(context.Background(), &models.Candidate{
		Campaign: &models.Campaign{ID: "camp-1"},
		Creative: &models.Creative{ID: "cr-1"},
	}, &models.ServeContext{PlacementKey: "sidebar", ViewerID: "viewer-1"})
	require.NoError(t, err)
	return imp
}

func (f *impressionFixture) dailySpend(t *testing.T) int64 {
	t.Helper()
	c, err := f.campaigns.GetByID(context.Background(), "camp-1")
	require.NoError(t, err)
	return c.DailySpendMicros
}

func TestIssueCreatesPendingToken(t *testing.T) {
	f := newImpressionFixture(t)
	imp := f.issue(t)

	assert.NotEmpty(t, imp.Token)
	assert.Equal(t, models.ImpressionStatusPending, imp.Status)
	assert.Equal(t, f.now.Add(10*time.Minute), imp.ExpiresAt)
}

func TestConfirmBillableAboveThreshold(t *testing.T) {
	f := newImpressionFixture(t)
	imp := f.issue(t)

	res, err := f.svc.ConfirmDwell(context.Background(), imp.Token, 1200)
	require.NoError(t, err)
	assert.True(t, res.Billable)
	assert.False(t, res.AlreadyConfirmed)

	// CPM bid of 5_000_000 micros bills 5_000 micros per impression.
	assert.Equal(t, int64(5_000), f.dailySpend(t))
}

func TestConfirmNotBillableBelowThreshold(t *testing.T) {
	f := newImpressionFixture(t)
	imp := f.issue(t)

	res, err := f.svc.ConfirmDwell(context.Background(), imp.Token, 799)
	require.NoError(t, err)
	assert.False(t, res.Billable)
	assert.Zero(t, f.dailySpend(t))
}

func TestConfirmExactlyAtThreshold(t *testing.T) {
	f := newImpressionFixture(t)
	imp := f.issue(t)

	res, err := f.svc.ConfirmDwell(context.Background(), imp.Token, 800)
	require.NoError(t, err)
	assert.True(t, res.Billable)
}

func TestConfirmIsIdempotent(t *testing.T) {
	f := newImpressionFixture(t)
	imp := f.issue(t)

	first, err := f.svc.ConfirmDwell(context.Background(), imp.Token, 1000)
	require.NoError(t, err)
	require.True(t, first.Billable)

	// A repeat with different dwell returns the stored outcome and
	// never bills again.
	second, err := f.svc.ConfirmDwell(context.Background(), imp.Token, 100)
	require.NoError(t, err)
	assert.True(t, second.Billable)
	assert.True(t, second.AlreadyConfirmed)
	assert.Equal(t, int64(5_000), f.dailySpend(t))
}

func TestConfirmAfterTTLExpires(t *testing.T) {
	f := newImpressionFixture(t)
	imp := f.issue(t)

	f.now = f.now.Add(11 * time.Minute)
	_, err := f.svc.ConfirmDwell(context.Background(), imp.Token, 5000)
	assert.ErrorIs(t, err, ErrTokenExpired)
	assert.Zero(t, f.dailySpend(t))

	stored, err := f.store.Get(context.Background(), imp.Token)
	require.NoError(t, err)
	assert.Equal(t, models.ImpressionStatusExpired, stored.Status)

	// A later confirm of the expired token behaves the same.
	_, err = f.svc.ConfirmDwell(context.Background(), imp.Token, 5000)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestConfirmUnknownToken(t *testing.T) {
	f := newImpressionFixture(t)

	_, err := f.svc.ConfirmDwell(context.Background(), "no-such-token", 1000)
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestConfirmWritesLedgerEvents(t *testing.T) {
	f := newImpressionFixture(t)
	imp := f.issue(t)

	_, err := f.svc.ConfirmDwell(context.Background(), imp.Token, 1000)
	require.NoError(t, err)

	events := f.ledger.All()
	require.Len(t, events, 2)
	assert.Equal(t, "serve", events[0].EventType)
	assert.Equal(t, "impression_confirm", events[1].EventType)
	assert.True(t, events[1].Billable)
	assert.Equal(t, int64(5_000), events[1].CostMicros)
}
