package store

import (
	"context"
	"sort"
	"sync"

	"mapharvest/internal/domain"
)

// Memory is the in-process store used by tests and as the development
// fallback when no DATABASE_URL is configured. Transactions are serialized
// by a single writer lock and mutate a shallow clone of the maps; the clone
// is swapped in only on commit, so a failed callback leaves no trace.
type Memory struct {
	mu        sync.RWMutex
	txMu      sync.Mutex
	campaigns   map[string]*domain.Campaign
	tasks       map[string]*domain.Task
	places      map[string]*domain.Place
	enrichments map[string]*domain.EnrichmentTask
	// fingerprint -> place id, for dedup
	prints map[string]string
	// place id + type -> enrichment task id, for dedup
	enrichKeys map[string]string
	// insertion order for deterministic listings
	campaignSeq, taskSeq, placeSeq, enrichSeq int
	campaignOrd                               map[string]int
	taskOrd                                   map[string]int
	placeOrd                                  map[string]int
	enrichOrd                                 map[string]int
}

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		campaigns:   make(map[string]*domain.Campaign),
		tasks:       make(map[string]*domain.Task),
		places:      make(map[string]*domain.Place),
		enrichments: make(map[string]*domain.EnrichmentTask),
		prints:      make(map[string]string),
		enrichKeys:  make(map[string]string),
		campaignOrd: make(map[string]int),
		taskOrd:     make(map[string]int),
		placeOrd:    make(map[string]int),
		enrichOrd:   make(map[string]int),
	}
}

type memoryTx struct {
	s *Memory

	campaigns   map[string]*domain.Campaign
	tasks       map[string]*domain.Task
	places      map[string]*domain.Place
	enrichments map[string]*domain.EnrichmentTask
	prints      map[string]string
	enrichKeys  map[string]string

	campaignSeq, taskSeq, placeSeq, enrichSeq int
	campaignOrd                               map[string]int
	taskOrd                                   map[string]int
	placeOrd                                  map[string]int
	enrichOrd                                 map[string]int
}

// WithinTx implements Store.
func (s *Memory) WithinTx(ctx context.Context, fn func(UnitOfWork) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	tx := &memoryTx{
		s:           s,
		campaigns:   cloneMap(s.campaigns),
		tasks:       cloneMap(s.tasks),
		places:      cloneMap(s.places),
		enrichments: cloneMap(s.enrichments),
		prints:      cloneMap(s.prints),
		enrichKeys:  cloneMap(s.enrichKeys),
		campaignSeq: s.campaignSeq,
		taskSeq:     s.taskSeq,
		placeSeq:    s.placeSeq,
		enrichSeq:   s.enrichSeq,
		campaignOrd: cloneMap(s.campaignOrd),
		taskOrd:     cloneMap(s.taskOrd),
		placeOrd:    cloneMap(s.placeOrd),
		enrichOrd:   cloneMap(s.enrichOrd),
	}
	s.mu.RUnlock()

	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	s.campaigns = tx.campaigns
	s.tasks = tx.tasks
	s.places = tx.places
	s.enrichments = tx.enrichments
	s.prints = tx.prints
	s.enrichKeys = tx.enrichKeys
	s.campaignSeq = tx.campaignSeq
	s.taskSeq = tx.taskSeq
	s.placeSeq = tx.placeSeq
	s.enrichSeq = tx.enrichSeq
	s.campaignOrd = tx.campaignOrd
	s.taskOrd = tx.taskOrd
	s.placeOrd = tx.placeOrd
	s.enrichOrd = tx.enrichOrd
	s.mu.Unlock()
	return nil
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (tx *memoryTx) Campaigns() CampaignRepository     { return (*memoryCampaigns)(tx) }
func (tx *memoryTx) Tasks() TaskRepository             { return (*memoryTasks)(tx) }
func (tx *memoryTx) Places() PlaceRepository           { return (*memoryPlaces)(tx) }
func (tx *memoryTx) Enrichments() EnrichmentRepository { return (*memoryEnrichments)(tx) }

type memoryCampaigns memoryTx

func (r *memoryCampaigns) Add(_ context.Context, c *domain.Campaign) error {
	if _, exists := r.campaigns[c.ID]; exists {
		return domain.Conflictf("campaign %s already exists", c.ID)
	}
	cp := *c
	r.campaigns[c.ID] = &cp
	r.campaignOrd[c.ID] = r.campaignSeq
	r.campaignSeq++
	return nil
}

func (r *memoryCampaigns) Get(_ context.Context, id string) (*domain.Campaign, error) {
	c, ok := r.campaigns[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *memoryCampaigns) Update(_ context.Context, c *domain.Campaign) error {
	if _, ok := r.campaigns[c.ID]; !ok {
		return domain.ErrNotFound
	}
	cp := *c
	r.campaigns[c.ID] = &cp
	return nil
}

type memoryTasks memoryTx

func (r *memoryTasks) AddAll(_ context.Context, tasks []*domain.Task) error {
	for _, t := range tasks {
		if _, exists := r.tasks[t.ID]; exists {
			return domain.Conflictf("task %s already exists", t.ID)
		}
		cp := *t
		r.tasks[t.ID] = &cp
		r.taskOrd[t.ID] = r.taskSeq
		r.taskSeq++
	}
	return nil
}

func (r *memoryTasks) Get(_ context.Context, id string) (*domain.Task, error) {
	t, ok := r.tasks[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *memoryTasks) Update(_ context.Context, t *domain.Task) error {
	if _, ok := r.tasks[t.ID]; !ok {
		return domain.ErrNotFound
	}
	cp := *t
	r.tasks[t.ID] = &cp
	return nil
}

func (r *memoryTasks) OfCampaign(_ context.Context, campaignID string) ([]*domain.Task, error) {
	return tasksOf(r.tasks, r.taskOrd, campaignID), nil
}

type memoryPlaces memoryTx

func (r *memoryPlaces) Add(_ context.Context, p *domain.Place) (bool, error) {
	if _, dup := r.prints[p.Fingerprint]; dup {
		return false, nil
	}
	cp := clonePlace(p)
	r.places[p.ID] = cp
	r.prints[p.Fingerprint] = p.ID
	r.placeOrd[p.ID] = r.placeSeq
	r.placeSeq++
	return true, nil
}

func (r *memoryPlaces) OfTask(_ context.Context, taskID string) ([]*domain.Place, error) {
	return placesOf(r.places, r.placeOrd, func(p *domain.Place) bool {
		return p.SourceTaskID == taskID
	}), nil
}

type memoryEnrichments memoryTx

func enrichKey(placeID string, typ domain.EnrichmentType) string {
	return placeID + "\x00" + string(typ)
}

func (r *memoryEnrichments) Add(_ context.Context, t *domain.EnrichmentTask) (bool, error) {
	if _, dup := r.enrichKeys[enrichKey(t.PlaceID, t.Type)]; dup {
		return false, nil
	}
	cp := *t
	r.enrichments[t.ID] = &cp
	r.enrichKeys[enrichKey(t.PlaceID, t.Type)] = t.ID
	r.enrichOrd[t.ID] = r.enrichSeq
	r.enrichSeq++
	return true, nil
}

func (r *memoryEnrichments) Get(_ context.Context, id string) (*domain.EnrichmentTask, error) {
	t, ok := r.enrichments[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *memoryEnrichments) Update(_ context.Context, t *domain.EnrichmentTask) error {
	if _, ok := r.enrichments[t.ID]; !ok {
		return domain.ErrNotFound
	}
	cp := *t
	r.enrichments[t.ID] = &cp
	return nil
}

func (r *memoryEnrichments) NextPending(_ context.Context, maxAttempts int) (*domain.EnrichmentTask, error) {
	var oldest *domain.EnrichmentTask
	for _, t := range r.enrichments {
		claimable := t.Status == domain.TaskPending ||
			(t.Status == domain.TaskFailed && t.Attempts < maxAttempts)
		if !claimable {
			continue
		}
		if oldest == nil || r.enrichOrd[t.ID] < r.enrichOrd[oldest.ID] {
			oldest = t
		}
	}
	if oldest == nil {
		return nil, domain.ErrNotFound
	}
	cp := *oldest
	if err := cp.MarkInProgress(); err != nil {
		return nil, err
	}
	r.enrichments[cp.ID] = &cp
	out := cp
	return &out, nil
}

// Read-side queries, outside any unit of work.

func (s *Memory) GetCampaign(_ context.Context, id string) (*domain.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Memory) ListCampaigns(_ context.Context, includeArchived bool) ([]*domain.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Campaign, 0, len(s.campaigns))
	for _, c := range s.campaigns {
		if !includeArchived && c.Status == domain.CampaignArchived {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	// newest first
	sort.Slice(out, func(i, j int) bool {
		return s.campaignOrd[out[i].ID] > s.campaignOrd[out[j].ID]
	})
	return out, nil
}

func (s *Memory) TasksOfCampaign(_ context.Context, campaignID string) ([]*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return tasksOf(s.tasks, s.taskOrd, campaignID), nil
}

func (s *Memory) PlacesOfCampaign(_ context.Context, campaignID string) ([]*domain.Place, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	taskIDs := make(map[string]bool)
	for _, t := range s.tasks {
		if t.CampaignID == campaignID {
			taskIDs[t.ID] = true
		}
	}
	return placesOf(s.places, s.placeOrd, func(p *domain.Place) bool {
		return taskIDs[p.SourceTaskID]
	}), nil
}

// Close implements Store. The memory store holds no resources.
func (s *Memory) Close() {}

func tasksOf(tasks map[string]*domain.Task, ord map[string]int, campaignID string) []*domain.Task {
	out := make([]*domain.Task, 0)
	for _, t := range tasks {
		if t.CampaignID == campaignID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return ord[out[i].ID] < ord[out[j].ID]
	})
	return out
}

func placesOf(places map[string]*domain.Place, ord map[string]int, keep func(*domain.Place) bool) []*domain.Place {
	out := make([]*domain.Place, 0)
	for _, p := range places {
		if keep(p) {
			out = append(out, clonePlace(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return ord[out[i].ID] < ord[out[j].ID]
	})
	return out
}

func clonePlace(p *domain.Place) *domain.Place {
	cp := *p
	if p.Coordinates != nil {
		coords := *p.Coordinates
		cp.Coordinates = &coords
	}
	if p.Rating != nil {
		v := *p.Rating
		cp.Rating = &v
	}
	if p.ReviewCount != nil {
		v := *p.ReviewCount
		cp.ReviewCount = &v
	}
	if len(p.Reviews) > 0 {
		cp.Reviews = append([]domain.Review(nil), p.Reviews...)
	}
	return &cp
}
