// Package campaigns exposes the application service for campaign lifecycle
// and read-side queries. It owns the registry of live runs: one orchestrator
// and one bot pool per running campaign.
package campaigns

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"mapharvest/internal/domain"
	"mapharvest/internal/driver"
	"mapharvest/internal/events"
	"mapharvest/internal/geonames"
	"mapharvest/internal/metrics"
	"mapharvest/internal/orchestrator"
	"mapharvest/internal/pool"
	"mapharvest/internal/store"
)

// GeoResolver is the slice of the geonames client the service needs.
type GeoResolver interface {
	Cities(ctx context.Context, countryCode string, f geonames.CityFilter) ([]domain.Geoname, error)
	City(ctx context.Context, countryCode string, geonameID int) (*domain.Geoname, error)
}

// Service coordinates campaign lifecycle operations.
type Service struct {
	store       store.Store
	geo         GeoResolver
	driver      driver.Driver
	bus         *events.Bus
	log         *zap.Logger
	met         *metrics.Metrics
	runCfg      orchestrator.Config
	stagger     time.Duration
	defaultBots int

	mu   sync.Mutex
	runs map[string]*run
}

type run struct {
	cancel context.CancelFunc
	pool   *pool.Pool
	done   chan struct{}
}

// New wires the service. defaultBots overrides the built-in bot count for
// specs that omit max_bots; zero keeps the domain default.
func New(st store.Store, geo GeoResolver, d driver.Driver, bus *events.Bus,
	log *zap.Logger, met *metrics.Metrics, runCfg orchestrator.Config,
	stagger time.Duration, defaultBots int) *Service {
	return &Service{
		store:       st,
		geo:         geo,
		driver:      d,
		bus:         bus,
		log:         log,
		met:         met,
		runCfg:      runCfg,
		stagger:     stagger,
		defaultBots: defaultBots,
		runs:        make(map[string]*run),
	}
}

// Create resolves the geographic scope into cities and materializes the
// campaign with its task set in one transaction.
func (s *Service) Create(ctx context.Context, title string, spec domain.CampaignSpec) (*domain.Campaign, error) {
	if spec.MaxBots == 0 && s.defaultBots > 0 {
		spec.MaxBots = s.defaultBots
	}
	spec.Normalize()
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	cities, err := s.resolveCities(ctx, spec)
	if err != nil {
		return nil, err
	}
	if len(cities) == 0 {
		return nil, domain.Invalidf("no cities match the campaign scope")
	}

	campaign := domain.NewCampaign(title, spec)
	tasks := make([]*domain.Task, 0, len(cities))
	for _, city := range cities {
		tasks = append(tasks, domain.NewTask(campaign.ID, spec.Activity, city))
	}
	campaign.TotalTasks = len(tasks)

	err = s.store.WithinTx(ctx, func(u store.UnitOfWork) error {
		if err := u.Campaigns().Add(ctx, campaign); err != nil {
			return err
		}
		return u.Tasks().AddAll(ctx, tasks)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("campaign created",
		zap.String("campaign_id", campaign.ID),
		zap.String("title", campaign.Title),
		zap.Int("total_tasks", campaign.TotalTasks))
	return campaign, nil
}

func (s *Service) resolveCities(ctx context.Context, spec domain.CampaignSpec) ([]domain.Geoname, error) {
	if spec.CityGeonameID > 0 {
		city, err := s.geo.City(ctx, spec.CountryCode, spec.CityGeonameID)
		if err != nil {
			return nil, err
		}
		return []domain.Geoname{*city}, nil
	}
	return s.geo.Cities(ctx, spec.CountryCode, geonames.CityFilter{
		Admin1Code:    spec.Admin1Code,
		Admin2Code:    spec.Admin2Code,
		MinPopulation: spec.MinPopulation,
	})
}

// Start spawns an orchestrator run for a startable campaign.
func (s *Service) Start(ctx context.Context, campaignID string) error {
	campaign, err := s.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if !campaign.CanStart() {
		if campaign.TotalTasks == 0 {
			return domain.Conflictf("campaign %s has no tasks", campaignID)
		}
		return domain.Conflictf("campaign %s is %s, expected PENDING", campaignID, campaign.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, running := s.runs[campaignID]; running {
		return domain.Conflictf("campaign %s is already running", campaignID)
	}
	s.launch(campaignID)
	return nil
}

// launch starts the run goroutine. Caller holds s.mu.
func (s *Service) launch(campaignID string) {
	runCtx, cancel := context.WithCancel(context.Background())
	p := pool.New(s.driver, s.bus, s.log, s.stagger)
	orch := orchestrator.New(s.store, p, s.bus, s.log, s.met, s.runCfg)

	r := &run{cancel: cancel, pool: p, done: make(chan struct{})}
	s.runs[campaignID] = r

	go func() {
		defer close(r.done)
		defer cancel()
		if err := orch.Run(runCtx, campaignID); err != nil && runCtx.Err() == nil {
			s.log.Error("campaign run ended with error",
				zap.String("campaign_id", campaignID), zap.Error(err))
		}
		s.mu.Lock()
		delete(s.runs, campaignID)
		s.mu.Unlock()
	}()
}

// Pause stops the live run. Task and campaign state is left as-is in
// storage; Resume reconciles it.
func (s *Service) Pause(ctx context.Context, campaignID string) error {
	return s.stopRun(campaignID)
}

// Cancel stops the live run. Like Pause, the campaign stays resumable;
// nothing extracted is discarded.
func (s *Service) Cancel(ctx context.Context, campaignID string) error {
	return s.stopRun(campaignID)
}

func (s *Service) stopRun(campaignID string) error {
	s.mu.Lock()
	r, ok := s.runs[campaignID]
	s.mu.Unlock()
	if !ok {
		return domain.Conflictf("campaign %s is not running", campaignID)
	}
	r.cancel()
	return nil
}

// Resume reconciles interrupted state back to PENDING and starts a new run.
// Completed tasks keep their results; only non-COMPLETED tasks re-run.
func (s *Service) Resume(ctx context.Context, campaignID string) error {
	s.mu.Lock()
	if _, running := s.runs[campaignID]; running {
		s.mu.Unlock()
		return domain.Conflictf("campaign %s is already running", campaignID)
	}
	s.mu.Unlock()

	err := s.store.WithinTx(ctx, func(u store.UnitOfWork) error {
		c, err := u.Campaigns().Get(ctx, campaignID)
		if err != nil {
			return err
		}
		if err := c.ResetForResume(); err != nil {
			return err
		}
		tasks, err := u.Tasks().OfCampaign(ctx, campaignID)
		if err != nil {
			return err
		}
		pending := 0
		for _, t := range tasks {
			switch t.Status {
			case domain.TaskInProgress, domain.TaskFailed:
				if err := t.ResetPending(); err != nil {
					return err
				}
				if err := u.Tasks().Update(ctx, t); err != nil {
					return err
				}
				pending++
			case domain.TaskPending:
				pending++
			}
		}
		if pending == 0 {
			return domain.Conflictf("campaign %s has no tasks left to run", campaignID)
		}
		return u.Campaigns().Update(ctx, c)
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, running := s.runs[campaignID]; running {
		return domain.Conflictf("campaign %s is already running", campaignID)
	}
	s.launch(campaignID)
	return nil
}

// Archive soft-removes a finished campaign.
func (s *Service) Archive(ctx context.Context, campaignID string) error {
	return s.store.WithinTx(ctx, func(u store.UnitOfWork) error {
		c, err := u.Campaigns().Get(ctx, campaignID)
		if err != nil {
			return err
		}
		if err := c.MarkArchived(); err != nil {
			return err
		}
		return u.Campaigns().Update(ctx, c)
	})
}

// Read side.

// List returns campaigns newest-first, excluding archived ones unless asked.
func (s *Service) List(ctx context.Context, includeArchived bool) ([]*domain.Campaign, error) {
	return s.store.ListCampaigns(ctx, includeArchived)
}

// Get loads one campaign.
func (s *Service) Get(ctx context.Context, campaignID string) (*domain.Campaign, error) {
	return s.store.GetCampaign(ctx, campaignID)
}

// PlacesOf returns the places extracted under a campaign.
func (s *Service) PlacesOf(ctx context.Context, campaignID string) ([]*domain.Place, error) {
	if _, err := s.store.GetCampaign(ctx, campaignID); err != nil {
		return nil, err
	}
	return s.store.PlacesOfCampaign(ctx, campaignID)
}

// TasksOf returns a campaign's tasks.
func (s *Service) TasksOf(ctx context.Context, campaignID string) ([]*domain.Task, error) {
	if _, err := s.store.GetCampaign(ctx, campaignID); err != nil {
		return nil, err
	}
	return s.store.TasksOfCampaign(ctx, campaignID)
}

// Status is the live view served to WS queries.
type Status struct {
	CampaignID     string     `json:"campaign_id"`
	Title          string     `json:"title"`
	Status         string     `json:"status"`
	Progress       float64    `json:"progress"`
	TotalTasks     int        `json:"total_tasks"`
	CompletedTasks int        `json:"completed_tasks"`
	FailedTasks    int        `json:"failed_tasks"`
	Running        bool       `json:"running"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// Status reports campaign progress plus whether a run is live in-process.
func (s *Service) Status(ctx context.Context, campaignID string) (*Status, error) {
	c, err := s.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	_, running := s.runs[campaignID]
	s.mu.Unlock()
	return &Status{
		CampaignID:     c.ID,
		Title:          c.Title,
		Status:         string(c.Status),
		Progress:       c.Progress(),
		TotalTasks:     c.TotalTasks,
		CompletedTasks: c.CompletedTasks,
		FailedTasks:    c.FailedTasks,
		Running:        running,
		StartedAt:      c.StartedAt,
		CompletedAt:    c.CompletedAt,
	}, nil
}

// Statistics aggregates the extraction output of a campaign.
type Statistics struct {
	CampaignID     string  `json:"campaign_id"`
	TotalTasks     int     `json:"total_tasks"`
	CompletedTasks int     `json:"completed_tasks"`
	FailedTasks    int     `json:"failed_tasks"`
	PlacesCount    int     `json:"places_count"`
	AverageRating  float64 `json:"average_rating"`
}

// Statistics computes task and place aggregates for a campaign.
func (s *Service) Statistics(ctx context.Context, campaignID string) (*Statistics, error) {
	c, err := s.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	places, err := s.store.PlacesOfCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	var ratingSum float64
	rated := 0
	for _, p := range places {
		if p.Rating != nil {
			ratingSum += *p.Rating
			rated++
		}
	}
	stats := &Statistics{
		CampaignID:     c.ID,
		TotalTasks:     c.TotalTasks,
		CompletedTasks: c.CompletedTasks,
		FailedTasks:    c.FailedTasks,
		PlacesCount:    len(places),
	}
	if rated > 0 {
		stats.AverageRating = ratingSum / float64(rated)
	}
	return stats, nil
}

// BotInfo reports the live pool state of a running campaign. A campaign
// without a live run has no bots.
func (s *Service) BotInfo(campaignID string) []pool.Info {
	s.mu.Lock()
	r, ok := s.runs[campaignID]
	s.mu.Unlock()
	if !ok {
		return []pool.Info{}
	}
	return r.pool.Bots()
}

// Shutdown cancels every live run and waits for them up to the deadline in
// ctx.
func (s *Service) Shutdown(ctx context.Context) {
	s.mu.Lock()
	running := make([]*run, 0, len(s.runs))
	for _, r := range s.runs {
		r.cancel()
		running = append(running, r)
	}
	s.mu.Unlock()

	for _, r := range running {
		select {
		case <-r.done:
		case <-ctx.Done():
			return
		}
	}
}
