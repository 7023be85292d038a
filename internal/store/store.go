// Package store persists campaigns, tasks, and extracted places. All writes
// go through WithinTx: the unit of work commits when the callback returns
// nil and rolls back otherwise. Events are published by callers only after
// a successful commit.
package store

import (
	"context"

	"mapharvest/internal/domain"
)

// Store is the persistence boundary. Read-side queries run outside any unit
// of work.
type Store interface {
	// WithinTx runs fn inside one transaction. Commit on nil, rollback on
	// error or panic.
	WithinTx(ctx context.Context, fn func(UnitOfWork) error) error

	GetCampaign(ctx context.Context, id string) (*domain.Campaign, error)
	// ListCampaigns returns campaigns newest-first. Archived campaigns are
	// included only when includeArchived is set.
	ListCampaigns(ctx context.Context, includeArchived bool) ([]*domain.Campaign, error)
	TasksOfCampaign(ctx context.Context, campaignID string) ([]*domain.Task, error)
	// PlacesOfCampaign returns every place whose source task belongs to the
	// campaign, reviews included.
	PlacesOfCampaign(ctx context.Context, campaignID string) ([]*domain.Place, error)

	Close()
}

// UnitOfWork scopes repository access to one transaction.
type UnitOfWork interface {
	Campaigns() CampaignRepository
	Tasks() TaskRepository
	Places() PlaceRepository
	Enrichments() EnrichmentRepository
}

// CampaignRepository persists campaign aggregates.
type CampaignRepository interface {
	Add(ctx context.Context, c *domain.Campaign) error
	Get(ctx context.Context, id string) (*domain.Campaign, error)
	Update(ctx context.Context, c *domain.Campaign) error
}

// TaskRepository persists extraction tasks.
type TaskRepository interface {
	AddAll(ctx context.Context, tasks []*domain.Task) error
	Get(ctx context.Context, id string) (*domain.Task, error)
	Update(ctx context.Context, t *domain.Task) error
	OfCampaign(ctx context.Context, campaignID string) ([]*domain.Task, error)
}

// PlaceRepository persists extracted places. Add dedupes on the place
// fingerprint: a duplicate is silently dropped and reported as not added.
type PlaceRepository interface {
	Add(ctx context.Context, p *domain.Place) (added bool, err error)
	OfTask(ctx context.Context, taskID string) ([]*domain.Place, error)
}

// EnrichmentRepository persists place enrichment tasks. Add dedupes per
// place and type: a place gets at most one enrichment task of each type.
type EnrichmentRepository interface {
	Add(ctx context.Context, t *domain.EnrichmentTask) (added bool, err error)
	Get(ctx context.Context, id string) (*domain.EnrichmentTask, error)
	Update(ctx context.Context, t *domain.EnrichmentTask) error
	// NextPending claims the oldest claimable task: PENDING, or FAILED with
	// attempts under maxAttempts. The claim marks it IN_PROGRESS before
	// returning. ErrNotFound means the backlog is empty.
	NextPending(ctx context.Context, maxAttempts int) (*domain.EnrichmentTask, error)
}
