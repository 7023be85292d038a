package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"mapharvest/internal/domain"
)

func seedCampaign(t *testing.T, s *Memory, cities ...string) (*domain.Campaign, []*domain.Task) {
	t.Helper()
	spec := domain.CampaignSpec{Activity: "restaurants", CountryCode: "ES", LocationName: "Madrid"}
	spec.Normalize()
	campaign := domain.NewCampaign("", spec)
	tasks := make([]*domain.Task, 0, len(cities))
	for i, name := range cities {
		tasks = append(tasks, domain.NewTask(campaign.ID, spec.Activity,
			domain.Geoname{GeonameID: 1000 + i, Name: name}))
	}
	campaign.TotalTasks = len(tasks)

	err := s.WithinTx(context.Background(), func(u UnitOfWork) error {
		if err := u.Campaigns().Add(context.Background(), campaign); err != nil {
			return err
		}
		return u.Tasks().AddAll(context.Background(), tasks)
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return campaign, tasks
}

func TestMemory_CommitAndRollback(t *testing.T) {
	t.Parallel()

	s := NewMemory()
	campaign, _ := seedCampaign(t, s, "Madrid")

	boom := errors.New("boom")
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
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithinTx = %v, want boom", err)
	}

	got, err := s.GetCampaign(context.Background(), campaign.ID)
	if err != nil {
		t.Fatalf("GetCampaign: %v", err)
	}
	if got.Status != domain.CampaignPending {
		t.Fatalf("status = %s, rollback must discard the update", got.Status)
	}
}

func TestMemory_GetUnknownIsNotFound(t *testing.T) {
	t.Parallel()

	s := NewMemory()
	if _, err := s.GetCampaign(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("GetCampaign = %v, want ErrNotFound", err)
	}
	err := s.WithinTx(context.Background(), func(u UnitOfWork) error {
		_, err := u.Tasks().Get(context.Background(), "missing")
		return err
	})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("task Get = %v, want ErrNotFound", err)
	}
}

func TestMemory_PlaceFingerprintDedup(t *testing.T) {
	t.Parallel()

	s := NewMemory()
	_, tasks := seedCampaign(t, s, "Madrid")
	taskID := tasks[0].ID

	err := s.WithinTx(context.Background(), func(u UnitOfWork) error {
		first := domain.NewPlace(taskID, "Casa Botín", "Calle de Cuchilleros 17")
		added, err := u.Places().Add(context.Background(), first)
		if err != nil {
			return err
		}
		if !added {
			t.Error("first insert should be added")
		}
		dup := domain.NewPlace(taskID, "  casa botín ", "calle de cuchilleros 17")
		added, err = u.Places().Add(context.Background(), dup)
		if err != nil {
			return err
		}
		if added {
			t.Error("duplicate fingerprint must be dropped")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithinTx: %v", err)
	}

	places, err := s.PlacesOfCampaign(context.Background(), tasks[0].CampaignID)
	if err != nil {
		t.Fatalf("PlacesOfCampaign: %v", err)
	}
	if len(places) != 1 {
		t.Fatalf("places = %d, want 1", len(places))
	}
}

func TestMemory_PlacesOfCampaignFollowsTasks(t *testing.T) {
	t.Parallel()

	s := NewMemory()
	campaignA, tasksA := seedCampaign(t, s, "Madrid")
	_, tasksB := seedCampaign(t, s, "Sevilla")

	err := s.WithinTx(context.Background(), func(u UnitOfWork) error {
		for i, taskID := range []string{tasksA[0].ID, tasksB[0].ID} {
			p := domain.NewPlace(taskID, "Place", string(rune('A'+i)))
			if _, err := u.Places().Add(context.Background(), p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithinTx: %v", err)
	}

	places, err := s.PlacesOfCampaign(context.Background(), campaignA.ID)
	if err != nil {
		t.Fatalf("PlacesOfCampaign: %v", err)
	}
	if len(places) != 1 || places[0].SourceTaskID != tasksA[0].ID {
		t.Fatalf("campaign A places = %+v", places)
	}
}

func TestMemory_ListCampaignsFiltersArchived(t *testing.T) {
	t.Parallel()

	s := NewMemory()
	a, _ := seedCampaign(t, s, "Madrid")
	b, _ := seedCampaign(t, s, "Sevilla")

	err := s.WithinTx(context.Background(), func(u UnitOfWork) error {
		c, err := u.Campaigns().Get(context.Background(), a.ID)
		if err != nil {
			return err
		}
		_ = c.MarkInProgress()
		_ = c.MarkCompleted()
		if err := c.MarkArchived(); err != nil {
			return err
		}
		return u.Campaigns().Update(context.Background(), c)
	})
	if err != nil {
		t.Fatalf("archive: %v", err)
	}

	visible, err := s.ListCampaigns(context.Background(), false)
	if err != nil {
		t.Fatalf("ListCampaigns: %v", err)
	}
	if len(visible) != 1 || visible[0].ID != b.ID {
		t.Fatalf("visible campaigns = %+v", visible)
	}

	all, err := s.ListCampaigns(context.Background(), true)
	if err != nil {
		t.Fatalf("ListCampaigns(all): %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("all campaigns = %d, want 2", len(all))
	}
	// newest first
	if all[0].ID != b.ID {
		t.Error("listing should be newest-first")
	}
}

func TestMemory_ConcurrentCounterUpdatesSerialize(t *testing.T) {
	t.Parallel()

	s := NewMemory()
	names := make([]string, 40)
	for i := range names {
		names[i] = "City"
	}
	campaign, _ := seedCampaign(t, s, names...)

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

func TestMemory_EnrichmentClaimOrderAndDedup(t *testing.T) {
	t.Parallel()

	s := NewMemory()
	ctx := context.Background()

	var first, second string
	err := s.WithinTx(ctx, func(u UnitOfWork) error {
		a, err := domain.NewEnrichmentTask("p1", "https://one.example")
		if err != nil {
			return err
		}
		added, err := u.Enrichments().Add(ctx, a)
		if err != nil {
			return err
		}
		if !added {
			t.Error("first task should be added")
		}
		first = a.ID

		dup, err := domain.NewEnrichmentTask("p1", "https://one.example/other")
		if err != nil {
			return err
		}
		added, err = u.Enrichments().Add(ctx, dup)
		if err != nil {
			return err
		}
		if added {
			t.Error("second WEBSITE task for the same place must be dropped")
		}

		b, err := domain.NewEnrichmentTask("p2", "https://two.example")
		if err != nil {
			return err
		}
		if _, err := u.Enrichments().Add(ctx, b); err != nil {
			return err
		}
		second = b.ID
		return nil
	})
	if err != nil {
		t.Fatalf("WithinTx: %v", err)
	}

	err = s.WithinTx(ctx, func(u UnitOfWork) error {
		got, err := u.Enrichments().NextPending(ctx, 3)
		if err != nil {
			return err
		}
		if got.ID != first {
			t.Errorf("claimed %s, want oldest %s", got.ID, first)
		}
		if got.Status != domain.TaskInProgress || got.Attempts != 1 {
			t.Errorf("claim must mark IN_PROGRESS with one attempt, got %s/%d",
				got.Status, got.Attempts)
		}

		got, err = u.Enrichments().NextPending(ctx, 3)
		if err != nil {
			return err
		}
		if got.ID != second {
			t.Errorf("claimed %s, want %s", got.ID, second)
		}

		_, err = u.Enrichments().NextPending(ctx, 3)
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("empty backlog should be ErrNotFound, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithinTx: %v", err)
	}
}

func TestMemory_EnrichmentFailedClaimableUnderBudget(t *testing.T) {
	t.Parallel()

	s := NewMemory()
	ctx := context.Background()

	et, err := domain.NewEnrichmentTask("p1", "https://one.example")
	if err != nil {
		t.Fatalf("NewEnrichmentTask: %v", err)
	}
	err = s.WithinTx(ctx, func(u UnitOfWork) error {
		if _, err := u.Enrichments().Add(ctx, et); err != nil {
			return err
		}
		claimed, err := u.Enrichments().NextPending(ctx, 2)
		if err != nil {
			return err
		}
		if err := claimed.MarkFailed("website unreachable"); err != nil {
			return err
		}
		return u.Enrichments().Update(ctx, claimed)
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	err = s.WithinTx(ctx, func(u UnitOfWork) error {
		claimed, err := u.Enrichments().NextPending(ctx, 2)
		if err != nil {
			return err
		}
		if claimed.Attempts != 2 {
			t.Errorf("attempts = %d, want 2", claimed.Attempts)
		}
		if err := claimed.MarkFailed("website unreachable"); err != nil {
			return err
		}
		return u.Enrichments().Update(ctx, claimed)
	})
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}

	// Budget spent: two failed attempts against a budget of two.
	err = s.WithinTx(ctx, func(u UnitOfWork) error {
		_, err := u.Enrichments().NextPending(ctx, 2)
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("exhausted task should not be claimable, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithinTx: %v", err)
	}
}

func TestMemory_ReadsReturnCopies(t *testing.T) {
	t.Parallel()

	s := NewMemory()
	campaign, _ := seedCampaign(t, s, "Madrid")

	got, _ := s.GetCampaign(context.Background(), campaign.ID)
	got.Title = "mutated"

	again, _ := s.GetCampaign(context.Background(), campaign.ID)
	if again.Title == "mutated" {
		t.Fatal("store handed out a shared pointer")
	}
}
