package ads

import (
	"context"
	"testing"
	"time"

	"github.com/haulgrid/ad-engine/internal/config"
	"github.com/haulgrid/ad-engine/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pacingCampaign(id string) *models.Campaign {
	return &models.Campaign{
		ID:                id,
		DailyBudgetMicros: 10_000_000,
		TotalBudgetMicros: 100_000_000,
	}
}

func TestDailyFrequencyCap(t *testing.T) {
	p := NewInMemoryPacingController(config.PacingConfig{
		FreqCapPerViewerPerDay: 3,
		ThrottleRatio:          1.25,
	})
	ctx := context.Background()
	c := pacingCampaign("camp-1")
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

	// Spread over hours so only the daily cap is in play.
	for i := 0; i < 3; i++ {
		at := now.Add(time.Duration(i) * time.Hour)
		ok, _ := p.Allow(ctx, c, "viewer-1", at)
		require.True(t, ok)
		require.NoError(t, p.RecordImpression(ctx, c.ID, "viewer-1", at))
	}

	ok, reason := p.Allow(ctx, c, "viewer-1", now.Add(4*time.Hour))
	assert.False(t, ok)
	assert.Equal(t, RejectDailyFreqCap, reason)

	// A different viewer is unaffected.
	ok, _ = p.Allow(ctx, c, "viewer-2", now.Add(4*time.Hour))
	assert.True(t, ok)

	// The cap resets at the day boundary.
	ok, _ = p.Allow(ctx, c, "viewer-1", now.Add(24*time.Hour))
	assert.True(t, ok)
}

func TestHourlyFrequencyCap(t *testing.T) {
	p := NewInMemoryPacingController(config.PacingConfig{
		FreqCapPerViewerPerDay:  3,
		FreqCapPerViewerPerHour: 1,
		ThrottleRatio:           1.25,
	})
	ctx := context.Background()
	c := pacingCampaign("camp-1")
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

	ok, _ := p.Allow(ctx, c, "viewer-1", now)
	require.True(t, ok)
	require.NoError(t, p.RecordImpression(ctx, c.ID, "viewer-1", now))

	ok, reason := p.Allow(ctx, c, "viewer-1", now.Add(10*time.Minute))
	assert.False(t, ok)
	assert.Equal(t, RejectHourlyFreqCap, reason)

	ok, _ = p.Allow(ctx, c, "viewer-1", now.Add(time.Hour))
	assert.True(t, ok)
}

func TestAheadOfPaceThrottling(t *testing.T) {
	p := NewInMemoryPacingController(config.PacingConfig{ThrottleRatio: 1.25})
	ctx := context.Background()
	noon := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	// Expected spend at noon is half the daily budget; the throttle
	// allows up to 1.25x that.
	onPace := pacingCampaign("on-pace")
	onPace.DailySpendMicros = 5_000_000
	onPace.SpendDay = "2026-03-10"
	ok, _ := p.Allow(ctx, onPace, "viewer-1", noon)
	assert.True(t, ok)

	ahead := pacingCampaign("ahead")
	ahead.DailySpendMicros = 7_000_000
	ahead.SpendDay = "2026-03-10"
	ok, reason := p.Allow(ctx, ahead, "viewer-1", noon)
	assert.False(t, ok)
	assert.Equal(t, RejectAheadOfPace, reason)

	// A spend counter left over from a previous day does not throttle.
	stale := pacingCampaign("stale")
	stale.DailySpendMicros = 9_000_000
	stale.SpendDay = "2026-03-09"
	ok, _ = p.Allow(ctx, stale, "viewer-1", noon)
	assert.True(t, ok)
}

func TestPacingSkipsCapsWithoutViewer(t *testing.T) {
	p := NewInMemoryPacingController(config.PacingConfig{
		FreqCapPerViewerPerDay: 1,
		ThrottleRatio:          1.25,
	})
	ctx := context.Background()
	c := pacingCampaign("camp-1")
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

	require.NoError(t, p.RecordImpression(ctx, c.ID, "", now))
	ok, _ := p.Allow(ctx, c, "", now)
	assert.True(t, ok)
}
