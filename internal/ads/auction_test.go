package ads

import (
	"context"
	"testing"
	"time"

	"github.com/haulgrid/ad-engine/internal/models"
	"github.com/haulgrid/ad-engine/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type auctionFixture struct {
	svc       *AuctionService
	cycles    *storage.InMemoryAuctionRepo
	watchers  *storage.InMemoryWatcherRepo
	outbox    *storage.InMemoryNotificationOutbox
	campaigns *storage.InMemoryCampaignRepo
	now       time.Time
}

func newAuctionFixture(t *testing.T) *auctionFixture {
	t.Helper()
	f := &auctionFixture{
		cycles:    storage.NewInMemoryAuctionRepo(),
		watchers:  storage.NewInMemoryWatcherRepo(),
		outbox:    storage.NewInMemoryNotificationOutbox(),
		campaigns: storage.NewInMemoryCampaignRepo(),
		now:       time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	f.svc = NewAuctionService(f.cycles, f.watchers, f.outbox, f.campaigns, zap.NewNop(), nil)
	f.svc.SetClock(func() time.Time { return f.now })
	return f
}

func (f *auctionFixture) scheduleCycle(t *testing.T, slotKey string, startsAt, endsAt time.Time) *models.AuctionCycle {
	t.Helper()
	cycle, err := f.svc.Schedule(context.Background(), slotKey, startsAt, endsAt)
	require.NoError(t, err)
	return cycle
}

func (f *auctionFixture) addBidder(t *testing.T, id, slotKey string, bid int64, createdAt time.Time) {
	t.Helper()
	require.NoError(t, f.campaigns.Upsert(context.Background(), &models.Campaign{
		ID:                id,
		AdvertiserID:      "adv-" + id,
		Name:              id,
		Status:            models.CampaignStatusActive,
		BidMicros:         bid,
		DailyBudgetMicros: 50_000_000,
		TotalBudgetMicros: 500_000_000,
		TargetKind:        models.TargetKindPlacement,
		TargetKey:         slotKey,
		CreatedAt:         createdAt,
	}))
}

func TestTickPromotesDueCycleAndNotifiesWatchers(t *testing.T) {
	f := newAuctionFixture(t)
	ctx := context.Background()

	cycle := f.scheduleCycle(t, "slot-1", f.now.Add(-time.Minute), f.now.Add(time.Hour))
	_, err := f.svc.Subscribe(ctx, "slot-1", "adv-1")
	require.NoError(t, err)
	_, err = f.svc.Subscribe(ctx, "slot-1", "adv-2")
	require.NoError(t, err)

	summary, err := f.svc.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Promoted)
	assert.Equal(t, 2, summary.Notified)

	stored, err := f.cycles.GetByID(ctx, cycle.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AuctionStatusLive, stored.Status)

	notifications := f.outbox.All()
	require.Len(t, notifications, 2)
	for _, n := range notifications {
		assert.Equal(t, models.NotificationAuctionLive, n.Kind)
		assert.Equal(t, cycle.ID, n.CycleID)
	}
}

func TestOnlyOneCycleLivePerSlot(t *testing.T) {
	f := newAuctionFixture(t)
	ctx := context.Background()

	first := f.scheduleCycle(t, "slot-1", f.now.Add(-10*time.Minute), f.now.Add(30*time.Minute))
	second := f.scheduleCycle(t, "slot-1", f.now.Add(-5*time.Minute), f.now.Add(2*time.Hour))

	summary, err := f.svc.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Promoted)

	a, err := f.cycles.GetByID(ctx, first.ID)
	require.NoError(t, err)
	b, err := f.cycles.GetByID(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AuctionStatusLive, a.Status)
	assert.Equal(t, models.AuctionStatusScheduled, b.Status)

	// The slot stays single-occupancy while the first cycle runs.
	again, err := f.svc.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Promoted)

	// Once the live cycle closes, the deferred one takes the slot.
	f.now = f.now.Add(31 * time.Minute)
	closing, err := f.svc.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, closing.Closed)

	next, err := f.svc.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, next.Promoted)

	b, err = f.cycles.GetByID(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AuctionStatusLive, b.Status)
}

func TestPromoteRefusedWhileSlotOccupied(t *testing.T) {
	f := newAuctionFixture(t)
	ctx := context.Background()

	holder := f.scheduleCycle(t, "slot-1", f.now.Add(-time.Minute), f.now.Add(time.Hour))
	contender := f.scheduleCycle(t, "slot-1", f.now.Add(-time.Minute), f.now.Add(2*time.Hour))

	ok, err := f.cycles.Promote(ctx, holder.ID)
	require.NoError(t, err)
	require.True(t, ok)

	// The conditional write itself refuses, independent of the ticker's
	// pre-check, so overlapping schedulers cannot race past it.
	ok, err = f.cycles.Promote(ctx, contender.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTickIsIdempotent(t *testing.T) {
	f := newAuctionFixture(t)
	ctx := context.Background()

	f.scheduleCycle(t, "slot-1", f.now.Add(-time.Minute), f.now.Add(time.Hour))
	_, err := f.svc.Subscribe(ctx, "slot-1", "adv-1")
	require.NoError(t, err)

	first, err := f.svc.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Promoted)

	// A second pass over the same data does nothing new.
	second, err := f.svc.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, second.Promoted)
	assert.Zero(t, second.Notified)
	assert.Len(t, f.outbox.All(), 1)
}

func TestTickClosesAndSettles(t *testing.T) {
	f := newAuctionFixture(t)
	ctx := context.Background()

	cycle := f.scheduleCycle(t, "slot-1", f.now.Add(-2*time.Hour), f.now.Add(-time.Minute))
	require.NoError(t, f.cycles.Upsert(ctx, &models.AuctionCycle{
		ID: cycle.ID, SlotKey: cycle.SlotKey, Status: models.AuctionStatusLive,
		StartsAt: cycle.StartsAt, EndsAt: cycle.EndsAt, CreatedAt: cycle.CreatedAt,
	}))

	f.addBidder(t, "low", "slot-1", 2_000_000, f.now.Add(-48*time.Hour))
	f.addBidder(t, "high", "slot-1", 8_000_000, f.now.Add(-24*time.Hour))

	summary, err := f.svc.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Closed)

	stored, err := f.cycles.GetByID(ctx, cycle.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AuctionStatusClosed, stored.Status)
	assert.Equal(t, "high", stored.WinnerCampaignID)
	require.NotNil(t, stored.SettledAt)
}

func TestSettlementTieBreaksByCampaignAge(t *testing.T) {
	f := newAuctionFixture(t)
	ctx := context.Background()

	cycle := f.scheduleCycle(t, "slot-1", f.now.Add(-2*time.Hour), f.now.Add(-time.Minute))
	require.NoError(t, f.cycles.Upsert(ctx, &models.AuctionCycle{
		ID: cycle.ID, SlotKey: cycle.SlotKey, Status: models.AuctionStatusLive,
		StartsAt: cycle.StartsAt, EndsAt: cycle.EndsAt, CreatedAt: cycle.CreatedAt,
	}))

	f.addBidder(t, "younger", "slot-1", 5_000_000, f.now.Add(-time.Hour))
	f.addBidder(t, "older", "slot-1", 5_000_000, f.now.Add(-72*time.Hour))

	_, err := f.svc.Tick(ctx)
	require.NoError(t, err)

	stored, err := f.cycles.GetByID(ctx, cycle.ID)
	require.NoError(t, err)
	assert.Equal(t, "older", stored.WinnerCampaignID)
}

func TestTransitionsAreMonotonic(t *testing.T) {
	f := newAuctionFixture(t)
	ctx := context.Background()

	cycle := f.scheduleCycle(t, "slot-1", f.now.Add(-time.Minute), f.now.Add(time.Hour))

	ok, err := f.cycles.Promote(ctx, cycle.ID)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = f.cycles.Close(ctx, cycle.ID)
	require.NoError(t, err)
	require.True(t, ok)

	// A closed cycle can never be promoted or closed again.
	ok, err = f.cycles.Promote(ctx, cycle.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = f.cycles.Close(ctx, cycle.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSettleIsIdempotent(t *testing.T) {
	f := newAuctionFixture(t)
	ctx := context.Background()

	cycle := f.scheduleCycle(t, "slot-1", f.now.Add(-time.Minute), f.now.Add(time.Hour))

	ok, err := f.cycles.Settle(ctx, cycle.ID, "winner-1", f.now)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = f.cycles.Settle(ctx, cycle.ID, "winner-2", f.now)
	require.NoError(t, err)
	assert.False(t, ok)

	stored, err := f.cycles.GetByID(ctx, cycle.ID)
	require.NoError(t, err)
	assert.Equal(t, "winner-1", stored.WinnerCampaignID)
}

func TestEnqueueFailureDoesNotBlockPromotion(t *testing.T) {
	f := newAuctionFixture(t)
	ctx := context.Background()

	cycle := f.scheduleCycle(t, "slot-1", f.now.Add(-time.Minute), f.now.Add(time.Hour))
	_, err := f.svc.Subscribe(ctx, "slot-1", "adv-1")
	require.NoError(t, err)
	_, err = f.svc.Subscribe(ctx, "slot-1", "adv-2")
	require.NoError(t, err)

	f.outbox.FailNext()
	summary, err := f.svc.Tick(ctx)
	require.NoError(t, err)

	// The transition holds even though one enqueue failed.
	assert.Equal(t, 1, summary.Promoted)
	assert.Equal(t, 1, summary.Notified)

	stored, err := f.cycles.GetByID(ctx, cycle.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AuctionStatusLive, stored.Status)
}
