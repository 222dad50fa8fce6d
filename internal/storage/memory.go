package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/haulgrid/ad-engine/internal/models"
)

// In-memory implementations back tests and degraded single-process runs.
// They mirror the conditional-write semantics of the Postgres versions.

// InMemoryCampaignRepo stores campaigns in memory.
type InMemoryCampaignRepo struct {
	mu        sync.RWMutex
	campaigns map[string]*models.Campaign
}

func NewInMemoryCampaignRepo() *InMemoryCampaignRepo {
	return &InMemoryCampaignRepo{
		campaigns: make(map[string]*models.Campaign),
	}
}

func (r *InMemoryCampaignRepo) ListAll(ctx context.Context) ([]*models.Campaign, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Campaign, 0, len(r.campaigns))
	for _, c := range r.campaigns {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *InMemoryCampaignRepo) GetByID(ctx context.Context, id string) (*models.Campaign, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.campaigns[id]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, nil
}

func (r *InMemoryCampaignRepo) Upsert(ctx context.Context, c *models.Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *c
	r.campaigns[c.ID] = &cp
	return nil
}

func (r *InMemoryCampaignRepo) ListActiveByTarget(ctx context.Context, targetKey string) ([]*models.Campaign, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	day := time.Now().UTC().Format("2006-01-02")
	var out []*models.Campaign
	for _, c := range r.campaigns {
		if c.Status != models.CampaignStatusActive || c.TargetKey != targetKey {
			continue
		}
		if !c.BudgetRemaining(day) {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *InMemoryCampaignRepo) AddSpend(ctx context.Context, campaignID string, micros int64, day string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[campaignID]
	if !ok {
		return nil
	}
	c.TotalSpendMicros += micros
	if c.SpendDay == day {
		c.DailySpendMicros += micros
	} else {
		c.DailySpendMicros = micros
		c.SpendDay = day
	}
	if c.TotalSpendMicros >= c.TotalBudgetMicros {
		c.Status = models.CampaignStatusExhausted
	}
	return nil
}

// InMemoryImpressionStore stores impressions in memory.
type InMemoryImpressionStore struct {
	mu          sync.Mutex
	impressions map[string]*models.Impression
}

func NewInMemoryImpressionStore() *InMemoryImpressionStore {
	return &InMemoryImpressionStore{impressions: make(map[string]*models.Impression)}
}

func (s *InMemoryImpressionStore) Insert(ctx context.Context, imp *models.Impression) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *imp
	s.impressions[imp.Token] = &cp
	return nil
}

func (s *InMemoryImpressionStore) Get(ctx context.Context, token string) (*models.Impression, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if imp, ok := s.impressions[token]; ok {
		cp := *imp
		return &cp, nil
	}
	return nil, nil
}

func (s *InMemoryImpressionStore) ConfirmOnce(ctx context.Context, token string, dwellMs int64, billable bool, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	imp, ok := s.impressions[token]
	if !ok || imp.Status != models.ImpressionStatusPending {
		return false, nil
	}
	imp.Status = models.ImpressionStatusConfirmed
	imp.DwellMs = &dwellMs
	imp.Billable = billable
	confirmedAt := at
	imp.ConfirmedAt = &confirmedAt
	return true, nil
}

func (s *InMemoryImpressionStore) MarkExpired(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if imp, ok := s.impressions[token]; ok && imp.Status == models.ImpressionStatusPending {
		imp.Status = models.ImpressionStatusExpired
		imp.Billable = false
	}
	return nil
}

// InMemoryAuctionRepo stores auction cycles in memory.
type InMemoryAuctionRepo struct {
	mu     sync.Mutex
	cycles map[string]*models.AuctionCycle
}

func NewInMemoryAuctionRepo() *InMemoryAuctionRepo {
	return &InMemoryAuctionRepo{cycles: make(map[string]*models.AuctionCycle)}
}

func (r *InMemoryAuctionRepo) Upsert(ctx context.Context, cycle *models.AuctionCycle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *cycle
	r.cycles[cycle.ID] = &cp
	return nil
}

func (r *InMemoryAuctionRepo) GetByID(ctx context.Context, id string) (*models.AuctionCycle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.cycles[id]; ok {
		cp := *a
		return &cp, nil
	}
	return nil, nil
}

func (r *InMemoryAuctionRepo) LiveBySlot(ctx context.Context, slotKey string) (*models.AuctionCycle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.cycles {
		if a.SlotKey == slotKey && a.Status == models.AuctionStatusLive {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *InMemoryAuctionRepo) DuePromotions(ctx context.Context, now time.Time) ([]*models.AuctionCycle, error) {
	return r.listDue(models.AuctionStatusScheduled, func(a *models.AuctionCycle) bool {
		return !a.StartsAt.After(now)
	})
}

func (r *InMemoryAuctionRepo) DueClosings(ctx context.Context, now time.Time) ([]*models.AuctionCycle, error) {
	return r.listDue(models.AuctionStatusLive, func(a *models.AuctionCycle) bool {
		return !a.EndsAt.After(now)
	})
}

func (r *InMemoryAuctionRepo) listDue(status models.AuctionStatus, due func(*models.AuctionCycle) bool) ([]*models.AuctionCycle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.AuctionCycle
	for _, a := range r.cycles {
		if a.Status == status && due(a) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartsAt.Equal(out[j].StartsAt) {
			return out[i].StartsAt.Before(out[j].StartsAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Promote enforces the one-live-cycle-per-slot invariant: a scheduled
// cycle stays scheduled while another cycle holds the slot live.
func (r *InMemoryAuctionRepo) Promote(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.cycles[id]
	if !ok || a.Status != models.AuctionStatusScheduled {
		return false, nil
	}
	for _, other := range r.cycles {
		if other.SlotKey == a.SlotKey && other.Status == models.AuctionStatusLive {
			return false, nil
		}
	}
	a.Status = models.AuctionStatusLive
	return true, nil
}

func (r *InMemoryAuctionRepo) Close(ctx context.Context, id string) (bool, error) {
	return r.transition(id, models.AuctionStatusLive, models.AuctionStatusClosed), nil
}

func (r *InMemoryAuctionRepo) transition(id string, from, to models.AuctionStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.cycles[id]
	if !ok || a.Status != from {
		return false
	}
	a.Status = to
	return true
}

func (r *InMemoryAuctionRepo) Settle(ctx context.Context, id, winnerCampaignID string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.cycles[id]
	if !ok || a.SettledAt != nil {
		return false, nil
	}
	a.WinnerCampaignID = winnerCampaignID
	settledAt := at
	a.SettledAt = &settledAt
	return true, nil
}

// InMemoryWatcherRepo stores watchers in memory.
type InMemoryWatcherRepo struct {
	mu       sync.RWMutex
	watchers map[string][]*models.Watcher // slot_key -> watchers
}

func NewInMemoryWatcherRepo() *InMemoryWatcherRepo {
	return &InMemoryWatcherRepo{watchers: make(map[string][]*models.Watcher)}
}

func (r *InMemoryWatcherRepo) ListBySlot(ctx context.Context, slotKey string) ([]*models.Watcher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.watchers[slotKey]
	out := make([]*models.Watcher, 0, len(list))
	for _, w := range list {
		cp := *w
		out = append(out, &cp)
	}
	return out, nil
}

func (r *InMemoryWatcherRepo) Subscribe(ctx context.Context, w *models.Watcher) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.watchers[w.SlotKey] {
		if existing.AdvertiserID == w.AdvertiserID {
			return nil
		}
	}
	cp := *w
	r.watchers[w.SlotKey] = append(r.watchers[w.SlotKey], &cp)
	return nil
}

// InMemoryNotificationOutbox collects notifications in memory.
type InMemoryNotificationOutbox struct {
	mu            sync.Mutex
	notifications []*models.Notification
	failNext      bool
}

func NewInMemoryNotificationOutbox() *InMemoryNotificationOutbox {
	return &InMemoryNotificationOutbox{}
}

func (o *InMemoryNotificationOutbox) Enqueue(ctx context.Context, n *models.Notification) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.failNext {
		o.failNext = false
		return context.DeadlineExceeded
	}
	cp := *n
	o.notifications = append(o.notifications, &cp)
	return nil
}

// All returns a snapshot of enqueued notifications.
func (o *InMemoryNotificationOutbox) All() []*models.Notification {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*models.Notification, len(o.notifications))
	copy(out, o.notifications)
	return out
}

// FailNext makes the next Enqueue return an error, for tests.
func (o *InMemoryNotificationOutbox) FailNext() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failNext = true
}

// InMemoryFeaturedRepo stores featured placements in memory.
type InMemoryFeaturedRepo struct {
	mu       sync.RWMutex
	featured map[string]*models.FeaturedPlacement
}

func NewInMemoryFeaturedRepo() *InMemoryFeaturedRepo {
	return &InMemoryFeaturedRepo{featured: make(map[string]*models.FeaturedPlacement)}
}

func (r *InMemoryFeaturedRepo) Put(f *models.FeaturedPlacement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *f
	r.featured[f.PlacementKey] = &cp
}

func (r *InMemoryFeaturedRepo) GetByPlacement(ctx context.Context, placementKey string) (*models.FeaturedPlacement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if f, ok := r.featured[placementKey]; ok {
		cp := *f
		return &cp, nil
	}
	return nil, nil
}

// StaticTrustProvider serves fixed trust scores, for tests and degraded runs.
type StaticTrustProvider struct {
	mu     sync.RWMutex
	scores map[string]float64
}

func NewStaticTrustProvider() *StaticTrustProvider {
	return &StaticTrustProvider{scores: make(map[string]float64)}
}

func (p *StaticTrustProvider) Set(advertiserID string, score float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scores[advertiserID] = score
}

func (p *StaticTrustProvider) Score(ctx context.Context, advertiserID string) (float64, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	score, ok := p.scores[advertiserID]
	return score, ok, nil
}

// InMemoryEventLedger collects ledger events in memory.
type InMemoryEventLedger struct {
	mu     sync.Mutex
	events []*LedgerEvent
}

func NewInMemoryEventLedger() *InMemoryEventLedger {
	return &InMemoryEventLedger{}
}

func (l *InMemoryEventLedger) Append(ctx context.Context, ev *LedgerEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := *ev
	l.events = append(l.events, &cp)
	return nil
}

// All returns a snapshot of recorded events.
func (l *InMemoryEventLedger) All() []*LedgerEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*LedgerEvent, len(l.events))
	copy(out, l.events)
	return out
}
