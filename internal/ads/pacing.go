package ads

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/haulgrid/ad-engine/internal/config"
	"github.com/haulgrid/ad-engine/internal/metrics"
	"github.com/haulgrid/ad-engine/internal/models"
	"github.com/redis/go-redis/v9"
)

// Rejection reasons reported by the pacing controller.
const (
	RejectDailyFreqCap  = "daily_freq_cap"
	RejectHourlyFreqCap = "hourly_freq_cap"
	RejectAheadOfPace   = "ahead_of_pace"
)

// PacingController gates candidates on per-viewer frequency caps and
// budget pacing. It only reads spend; budget decrements happen through
// billing events after impression confirmation, never at decision time.
type PacingController interface {
	// Allow reports whether the campaign may serve to the viewer now.
	// A false result carries the rejection reason.
	Allow(ctx context.Context, c *models.Campaign, viewerKey string, now time.Time) (bool, string)

	// RecordImpression bumps the viewer's frequency counters after a
	// token is issued.
	RecordImpression(ctx context.Context, campaignID, viewerKey string, now time.Time) error
}

// RedisPacingController implements PacingController with externalized
// counters so horizontally scaled instances share frequency state.
type RedisPacingController struct {
	client  *redis.Client
	cfg     config.PacingConfig
	metrics *metrics.Metrics
}

func NewRedisPacingController(client *redis.Client, cfg config.PacingConfig, m *metrics.Metrics) *RedisPacingController {
	return &RedisPacingController{client: client, cfg: cfg, metrics: m}
}

func freqDayKey(campaignID, viewerKey, day string) string {
	return fmt.Sprintf("freq:%s:%s:%s", campaignID, viewerKey, day)
}

func freqHourKey(campaignID, viewerKey, day string, hour int) string {
	return fmt.Sprintf("freq:%s:%s:%s:%02d", campaignID, viewerKey, day, hour)
}

func (p *RedisPacingController) Allow(ctx context.Context, c *models.Campaign, viewerKey string, now time.Time) (bool, string) {
	now = now.UTC()
	day := now.Format("2006-01-02")

	if viewerKey != "" {
		if p.cfg.FreqCapPerViewerPerDay > 0 {
			count, err := p.client.Get(ctx, freqDayKey(c.ID, viewerKey, day)).Int64()
			// Fail open: a Redis outage must not stop serving.
			if err == nil && count >= int64(p.cfg.FreqCapPerViewerPerDay) {
				p.reject(c.ID, RejectDailyFreqCap)
				return false, RejectDailyFreqCap
			}
		}
		if p.cfg.FreqCapPerViewerPerHour > 0 {
			count, err := p.client.Get(ctx, freqHourKey(c.ID, viewerKey, day, now.Hour())).Int64()
			if err == nil && count >= int64(p.cfg.FreqCapPerViewerPerHour) {
				p.reject(c.ID, RejectHourlyFreqCap)
				return false, RejectHourlyFreqCap
			}
		}
	}

	if aheadOfPace(c, now, p.cfg.ThrottleRatio) {
		if p.metrics != nil {
			p.metrics.PacingRejections.WithLabelValues(c.ID).Inc()
		}
		return false, RejectAheadOfPace
	}

	return true, ""
}

func (p *RedisPacingController) reject(campaignID, reason string) {
	if p.metrics == nil {
		return
	}
	switch reason {
	case RejectDailyFreqCap:
		p.metrics.FreqCapRejections.WithLabelValues(campaignID, "day").Inc()
	case RejectHourlyFreqCap:
		p.metrics.FreqCapRejections.WithLabelValues(campaignID, "hour").Inc()
	}
}

func (p *RedisPacingController) RecordImpression(ctx context.Context, campaignID, viewerKey string, now time.Time) error {
	if viewerKey == "" {
		return nil
	}
	now = now.UTC()
	day := now.Format("2006-01-02")

	pipe := p.client.Pipeline()

	dayKey := freqDayKey(campaignID, viewerKey, day)
	pipe.Incr(ctx, dayKey)
	pipe.Expire(ctx, dayKey, 25*time.Hour)

	hourKey := freqHourKey(campaignID, viewerKey, day, now.Hour())
	pipe.Incr(ctx, hourKey)
	pipe.Expire(ctx, hourKey, 2*time.Hour)

	_, err := pipe.Exec(ctx)
	return err
}

// aheadOfPace reports whether actual daily spend exceeds the throttle
// ratio of the expected linear pace. Campaigns deprioritized here are
// reconsidered on the next request, not failed.
func aheadOfPace(c *models.Campaign, now time.Time, throttleRatio float64) bool {
	spend := c.DailySpendFor(now.UTC().Format("2006-01-02"))
	if c.DailyBudgetMicros <= 0 || spend <= 0 {
		return false
	}
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	elapsed := now.Sub(midnight).Hours() / 24.0
	expected := float64(c.DailyBudgetMicros) * elapsed
	if expected <= 0 {
		// Day boundary: no pace established yet; any spend counts as ahead.
		return true
	}
	return float64(spend) > throttleRatio*expected
}

// InMemoryPacingController is a process-local PacingController for tests
// and degraded single-instance runs.
type InMemoryPacingController struct {
	cfg config.PacingConfig

	mu     sync.Mutex
	counts map[string]int64
}

func NewInMemoryPacingController(cfg config.PacingConfig) *InMemoryPacingController {
	return &InMemoryPacingController{cfg: cfg, counts: make(map[string]int64)}
}

func (p *InMemoryPacingController) Allow(ctx context.Context, c *models.Campaign, viewerKey string, now time.Time) (bool, string) {
	now = now.UTC()
	day := now.Format("2006-01-02")

	p.mu.Lock()
	dayCount := p.counts[freqDayKey(c.ID, viewerKey, day)]
	hourCount := p.counts[freqHourKey(c.ID, viewerKey, day, now.Hour())]
	p.mu.Unlock()

	if viewerKey != "" {
		if p.cfg.FreqCapPerViewerPerDay > 0 && dayCount >= int64(p.cfg.FreqCapPerViewerPerDay) {
			return false, RejectDailyFreqCap
		}
		if p.cfg.FreqCapPerViewerPerHour > 0 && hourCount >= int64(p.cfg.FreqCapPerViewerPerHour) {
			return false, RejectHourlyFreqCap
		}
	}

	if aheadOfPace(c, now, p.cfg.ThrottleRatio) {
		return false, RejectAheadOfPace
	}
	return true, ""
}

func (p *InMemoryPacingController) RecordImpression(ctx context.Context, campaignID, viewerKey string, now time.Time) error {
	if viewerKey == "" {
		return nil
	}
	now = now.UTC()
	day := now.Format("2006-01-02")

	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[freqDayKey(campaignID, viewerKey, day)]++
	p.counts[freqHourKey(campaignID, viewerKey, day, now.Hour())]++
	return nil
}
