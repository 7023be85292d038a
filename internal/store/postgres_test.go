package store

import (
	"context"
	"os"
	"sync"
	"testing"

	"go.uber.org/zap"

	"mapharvest/internal/domain"
)

// openTestPostgres connects to the database named by TEST_DATABASE_URL, or
// skips. These tests need a live postgres; everything else in the package
// runs against the memory store.
func openTestPostgres(t *testing.T) *Postgres {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	s, err := OpenPostgres(context.Background(), url, zap.NewNop())
	if err != nil {
		t.Fatalf("OpenPostgres: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func seedPostgresCampaign(t *testing.T, s *Postgres, taskCount int) *domain.Campaign {
	t.Helper()
	spec := domain.CampaignSpec{Activity: "restaurants", CountryCode: "ES", LocationName: "Madrid"}
	spec.Normalize()
	campaign := domain.NewCampaign("", spec)
	tasks := make([]*domain.Task, 0, taskCount)
	for i := 0; i < taskCount; i++ {
		tasks = append(tasks, domain.NewTask(campaign.ID, spec.Activity,
			domain.Geoname{GeonameID: 1000 + i, Name: "City"}))
	}
	campaign.TotalTasks = taskCount

	err := s.WithinTx(context.Background(), func(u UnitOfWork) error {
		if err := u.Campaigns().Add(context.Background(), campaign); err != nil {
			return err
		}
		return u.Tasks().AddAll(context.Background(), tasks)
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return campaign
}

// Concurrent task completions increment the same campaign row. The in-tx
// campaign read locks the row, so no increment may be lost.
func TestPostgres_ConcurrentCounterUpdates(t *testing.T) {
	s := openTestPostgres(t)
	campaign := seedPostgresCampaign(t, s, 40)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				err := s.WithinTx(context.Background(), func(u UnitOfWork) error {
					c, err := u.Campaigns().Get(context.Background(), campaign.ID)
					if err != nil {
						return err
					}
					c.TaskCompleted()
					return u.Campaigns().Update(context.Background(), c)
				})
				if err != nil {
					t.Errorf("WithinTx: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	got, err := s.GetCampaign(context.Background(), campaign.ID)
	if err != nil {
		t.Fatalf("GetCampaign: %v", err)
	}
	if got.CompletedTasks != 40 {
		t.Fatalf("completed_tasks = %d, want 40 (an increment was lost)", got.CompletedTasks)
	}
}

func TestPostgres_RollbackDiscardsWrites(t *testing.T) {
	s := openTestPostgres(t)
	campaign := seedPostgresCampaign(t, s, 1)

	sentinel := domain.Conflictf("abort")
	err := s.WithinTx(context.Background(), func(u UnitOfWork) error {
		c, err := u.Campaigns().Get(context.Background(), campaign.ID)
		if err != nil {
			return err
		}
		if err := c.MarkInProgress(); err != nil {
			return err
		}
		if err := u.Campaigns().Update(context.Background(), c); err != nil {
			return err
		}
		return sentinel
	})
	if err == nil {
		t.Fatal("WithinTx should surface the callback error")
	}

	got, err := s.GetCampaign(context.Background(), campaign.ID)
	if err != nil {
		t.Fatalf("GetCampaign: %v", err)
	}
	if got.Status != domain.CampaignPending {
		t.Fatalf("status = %s, rollback must discard the update", got.Status)
	}
}
