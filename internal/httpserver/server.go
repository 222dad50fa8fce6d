package httpserver

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/haulgrid/ad-engine/internal/ads"
	"github.com/haulgrid/ad-engine/internal/config"
	"github.com/haulgrid/ad-engine/internal/database"
	"github.com/haulgrid/ad-engine/internal/geo"
	"github.com/haulgrid/ad-engine/internal/metrics"
	"github.com/haulgrid/ad-engine/internal/models"
	"github.com/haulgrid/ad-engine/internal/storage"
	"go.uber.org/zap"
)

// Dependencies carries the shared infrastructure the server wires its
// services from. DB, Redis, ClickHouse, and Geo are optional; absent
// backends fall back to in-process implementations.
type Dependencies struct {
	DB         *database.PostgresDB
	Redis      *database.RedisDB
	ClickHouse *database.ClickHouseDB
	Geo        geo.Provider
	Config     *config.Config
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Server exposes the ad engine over HTTP.
type Server struct {
	mux    *http.ServeMux
	logger *zap.Logger
	cfg    *config.Config
	geo    geo.Provider

	campaigns    storage.CampaignRepo
	orchestrator *ads.Orchestrator
	impressions  *ads.ImpressionService
	clicks       *ads.ClickService
	auctions     *ads.AuctionService
}

// NewServer wires the storage layer and domain services from the given
// dependencies and registers all routes.
func NewServer(deps Dependencies) *Server {
	var (
		campaigns storage.CampaignRepo
		imps      storage.ImpressionStore
		cycles    storage.AuctionRepo
		watchers  storage.WatcherRepo
		outbox    storage.NotificationOutbox
		featured  storage.FeaturedRepo
		trust     storage.TrustProvider
	)
	if deps.DB != nil {
		campaigns = storage.NewPostgresCampaignRepo(deps.DB.Pool)
		imps = storage.NewPostgresImpressionStore(deps.DB.Pool)
		cycles = storage.NewPostgresAuctionRepo(deps.DB.Pool)
		watchers = storage.NewPostgresWatcherRepo(deps.DB.Pool)
		outbox = storage.NewPostgresNotificationOutbox(deps.DB.Pool)
		featured = storage.NewPostgresFeaturedRepo(deps.DB.Pool)
		trust = storage.NewPostgresTrustProvider(deps.DB.Pool)
	} else {
		deps.Logger.Warn("no database configured, using in-memory storage")
		campaigns = storage.NewInMemoryCampaignRepo()
		imps = storage.NewInMemoryImpressionStore()
		cycles = storage.NewInMemoryAuctionRepo()
		watchers = storage.NewInMemoryWatcherRepo()
		outbox = storage.NewInMemoryNotificationOutbox()
		featured = storage.NewInMemoryFeaturedRepo()
		trust = storage.NewStaticTrustProvider()
	}

	var ledger storage.EventLedger
	if deps.ClickHouse != nil {
		ledger = storage.NewClickHouseEventLedger(deps.ClickHouse.Conn)
	}

	var pacer ads.PacingController
	var deduper ads.ClickDeduper
	if deps.Redis != nil {
		pacer = ads.NewRedisPacingController(deps.Redis.Client, deps.Config.Pacing, deps.Metrics)
		deduper = ads.NewRedisClickDeduper(deps.Redis.Client)
	} else {
		deps.Logger.Warn("no redis configured, frequency state is process-local")
		pacer = ads.NewInMemoryPacingController(deps.Config.Pacing)
		deduper = ads.NewInMemoryClickDeduper()
	}

	fraud := ads.NewFraudEvaluator(deps.Config.Fraud)
	scorer := ads.NewScorer(deps.Config.Delivery)
	impressions := ads.NewImpressionService(imps, campaigns, ledger, deps.Config.Delivery, deps.Logger, deps.Metrics)
	clicks := ads.NewClickService(deduper, campaigns, ledger, deps.Config.Delivery, deps.Logger, deps.Metrics)
	auctions := ads.NewAuctionService(cycles, watchers, outbox, campaigns, deps.Logger, deps.Metrics)
	orchestrator := ads.NewOrchestrator(
		campaigns, featured, trust, ads.NewStaticSignalSource(),
		fraud, scorer, pacer, impressions,
		deps.Config.Delivery, deps.Logger, deps.Metrics,
	)

	s := &Server{
		mux:          http.NewServeMux(),
		logger:       deps.Logger,
		cfg:          deps.Config,
		geo:          deps.Geo,
		campaigns:    campaigns,
		orchestrator: orchestrator,
		impressions:  impressions,
		clicks:       clicks,
		auctions:     auctions,
	}
	s.routes()
	return s
}

// Auctions exposes the auction service so main can drive the ticker.
func (s *Server) Auctions() *ads.AuctionService {
	return s.auctions
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	if s.cfg.Metrics.Enabled {
		s.mux.Handle(s.cfg.Metrics.Path, metrics.Handler())
	}

	s.mux.HandleFunc("/ads/serve", s.handleServe)
	s.mux.HandleFunc("/ads/click", s.handleClick)
	s.mux.HandleFunc("/ads/impression/confirm", s.handleConfirm)

	s.mux.HandleFunc("/campaigns", s.handleCampaigns)
	s.mux.HandleFunc("/campaigns/", s.handleCampaignByID)

	s.mux.HandleFunc("/auctions", s.handleScheduleAuction)
	s.mux.HandleFunc("/auctions/watch", s.handleWatchSlot)
	s.mux.HandleFunc("/jobs/auction-tick", s.handleAuctionTick)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleServe decides what to render in one placement slot. The response
// is always 200 with a tagged decision; an empty slot is not an error.
func (s *Server) handleServe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	placement := q.Get("placement")
	if placement == "" {
		s.writeError(w, http.StatusBadRequest, "placement is required")
		return
	}

	serveCtx := &models.ServeContext{
		PlacementKey: placement,
		ViewerID:     q.Get("viewer"),
		SessionID:    q.Get("session"),
		Page:         q.Get("page"),
		Format:       q.Get("format"),
		IP:           clientIP(r),
		UserAgent:    r.UserAgent(),
	}
	// A caller-supplied geo hint is used as-is when no resolver is
	// configured; a resolver match overrides it.
	serveCtx.Geo = q.Get("geo")
	if s.geo != nil {
		if info, err := s.geo.Lookup(serveCtx.IP); err == nil && info != nil {
			serveCtx.Geo = info.CountryCode
		}
	}

	decision := s.orchestrator.ServeRequest(r.Context(), serveCtx)
	s.writeJSON(w, http.StatusOK, decision)
}

type clickRequest struct {
	PlacementID string `json:"placement_id"`
	CampaignID  string `json:"campaign_id,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	ViewerID    string `json:"viewer_id,omitempty"`
}

// handleClick records a click. The placement can arrive either as a
// JSON body or as query parameters (the pixel form used by clients
// that cannot send a body). Duplicates are acknowledged with 200 so
// clients cannot infer the billing outcome.
func (s *Server) handleClick(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w)
		return
	}
	var req clickRequest
	if r.Body != nil {
		// Body decode failures fall through to the query form.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	q := r.URL.Query()
	if req.PlacementID == "" {
		req.PlacementID = q.Get("id")
	}
	if req.CampaignID == "" {
		req.CampaignID = q.Get("campaign")
	}
	if req.ViewerID == "" {
		req.ViewerID = q.Get("viewer")
	}
	if req.SessionID == "" {
		req.SessionID = q.Get("session")
	}
	if req.PlacementID == "" {
		s.writeError(w, http.StatusBadRequest, "placement_id is required")
		return
	}

	fp := (&models.ServeContext{
		ViewerID:  req.ViewerID,
		SessionID: req.SessionID,
		IP:        clientIP(r),
	}).Fingerprint()

	if _, err := s.clicks.RecordClick(r.Context(), req.PlacementID, fp, req.CampaignID); err != nil {
		s.logger.Error("recording click", zap.Error(err))
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type confirmRequest struct {
	ImpressionToken string `json:"impression_token"`
	DwellMs         int64  `json:"dwell_ms"`
}

type confirmResponse struct {
	Success  bool `json:"success"`
	Billable bool `json:"billable"`
}

// handleConfirm settles an impression token against reported dwell.
// Confirmation is idempotent: repeats return the first outcome.
func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w)
		return
	}
	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ImpressionToken == "" {
		s.writeError(w, http.StatusBadRequest, "impression_token is required")
		return
	}
	if req.DwellMs < 0 {
		s.writeError(w, http.StatusBadRequest, "dwell_ms must be non-negative")
		return
	}

	result, err := s.impressions.ConfirmDwell(r.Context(), req.ImpressionToken, req.DwellMs)
	switch {
	case errors.Is(err, ads.ErrTokenNotFound):
		s.writeError(w, http.StatusNotFound, "unknown impression token")
		return
	case errors.Is(err, ads.ErrTokenExpired):
		// An expired token is an acknowledged non-billable confirm, not
		// a client error.
		s.writeJSON(w, http.StatusOK, confirmResponse{Success: true, Billable: false})
		return
	case err != nil:
		s.logger.Error("confirming impression", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, confirmResponse{Success: true, Billable: result.Billable})
}

func (s *Server) handleCampaigns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list, err := s.campaigns.ListAll(r.Context())
		if err != nil {
			s.logger.Error("listing campaigns", zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"campaigns": list, "count": len(list)})
	case http.MethodPost:
		var c models.Campaign
		if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		if c.Status == "" {
			c.Status = models.CampaignStatusActive
		}
		now := time.Now().UTC()
		c.CreatedAt = now
		c.UpdatedAt = now
		for i := range c.Creatives {
			if c.Creatives[i].ID == "" {
				c.Creatives[i].ID = uuid.New().String()
			}
			c.Creatives[i].CampaignID = c.ID
			c.Creatives[i].CreatedAt = now
		}
		if err := c.Validate(); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := s.campaigns.Upsert(r.Context(), &c); err != nil {
			s.logger.Error("creating campaign", zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		s.writeJSON(w, http.StatusCreated, &c)
	default:
		s.methodNotAllowed(w)
	}
}

func (s *Server) handleCampaignByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/campaigns/")
	if id == "" || strings.Contains(id, "/") {
		s.writeError(w, http.StatusNotFound, "not found")
		return
	}
	c, err := s.campaigns.GetByID(r.Context(), id)
	if err != nil {
		s.logger.Error("loading campaign", zap.String("id", id), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if c == nil {
		s.writeError(w, http.StatusNotFound, "campaign not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, http.StatusOK, c)
	case http.MethodPut:
		var update models.Campaign
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		// Identity, spend, and creatives are immutable through this route.
		c.Name = update.Name
		c.Status = update.Status
		c.BidMicros = update.BidMicros
		c.DailyBudgetMicros = update.DailyBudgetMicros
		c.TotalBudgetMicros = update.TotalBudgetMicros
		c.TargetKind = update.TargetKind
		c.TargetKey = update.TargetKey
		c.UpdatedAt = time.Now().UTC()
		if err := c.Validate(); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := s.campaigns.Upsert(r.Context(), c); err != nil {
			s.logger.Error("updating campaign", zap.String("id", id), zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		s.writeJSON(w, http.StatusOK, c)
	default:
		s.methodNotAllowed(w)
	}
}

type scheduleAuctionRequest struct {
	SlotKey  string    `json:"slot_key"`
	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at"`
}

func (s *Server) handleScheduleAuction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w)
		return
	}
	var req scheduleAuctionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cycle, err := s.auctions.Schedule(r.Context(), req.SlotKey, req.StartsAt, req.EndsAt)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, cycle)
}

type watchSlotRequest struct {
	SlotKey      string `json:"slot_key"`
	AdvertiserID string `json:"advertiser_id"`
}

func (s *Server) handleWatchSlot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w)
		return
	}
	var req watchSlotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SlotKey == "" || req.AdvertiserID == "" {
		s.writeError(w, http.StatusBadRequest, "slot_key and advertiser_id are required")
		return
	}
	watcher, err := s.auctions.Subscribe(r.Context(), req.SlotKey, req.AdvertiserID)
	if err != nil {
		s.logger.Error("subscribing watcher", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusCreated, watcher)
}

// handleAuctionTick runs one auction scan on demand, for cron-style
// schedulers that prefer HTTP over the in-process ticker.
func (s *Server) handleAuctionTick(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w)
		return
	}
	summary, err := s.auctions.Tick(r.Context())
	if err != nil {
		s.logger.Error("auction tick", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encoding response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) methodNotAllowed(w http.ResponseWriter) {
	s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
