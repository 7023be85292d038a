// Package orchestrator coordinates one campaign run: it claims pending
// tasks, fans them out over the bot pool, applies the retry policy, and
// computes the final campaign status. One Orchestrator instance serves one
// run.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mapharvest/internal/domain"
	"mapharvest/internal/driver"
	"mapharvest/internal/events"
	"mapharvest/internal/metrics"
	"mapharvest/internal/pool"
	"mapharvest/internal/queue"
	"mapharvest/internal/store"
)

// Config tunes a run.
type Config struct {
	// RetryBudget is the maximum attempts per task for transient failures.
	RetryBudget int
	// SnapshotInterval paces BotSnapshotCaptured while a bot works.
	SnapshotInterval time.Duration
	// GraceWindow bounds how long in-flight drivers may keep running after
	// cancellation before the pool is force-drained.
	GraceWindow time.Duration
	// IdlePoll is the wait between queue polls when the queue is empty but
	// other workers are still in flight.
	IdlePoll time.Duration
}

// DefaultConfig returns the standard run tuning.
func DefaultConfig() Config {
	return Config{
		RetryBudget:      2,
		SnapshotInterval: time.Second,
		GraceWindow:      10 * time.Second,
		IdlePoll:         100 * time.Millisecond,
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.RetryBudget <= 0 {
		c.RetryBudget = d.RetryBudget
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = d.SnapshotInterval
	}
	if c.GraceWindow <= 0 {
		c.GraceWindow = d.GraceWindow
	}
	if c.IdlePoll <= 0 {
		c.IdlePoll = d.IdlePoll
	}
}

// Orchestrator runs one campaign to completion.
type Orchestrator struct {
	store store.Store
	pool  *pool.Pool
	bus   *events.Bus
	log   *zap.Logger
	met   *metrics.Metrics
	cfg   Config

	inflight atomic.Int64
	fatal    atomic.Bool
}

// New wires an orchestrator for one run. The pool must be unused.
func New(st store.Store, p *pool.Pool, bus *events.Bus, log *zap.Logger, met *metrics.Metrics, cfg Config) *Orchestrator {
	cfg.normalize()
	return &Orchestrator{store: st, pool: p, bus: bus, log: log, met: met, cfg: cfg}
}

// Run executes the campaign and blocks until the run terminates. On
// cancellation, in-flight tasks are left IN_PROGRESS in storage for resume
// reconciliation and the campaign keeps its IN_PROGRESS status.
func (o *Orchestrator) Run(ctx context.Context, campaignID string) error {
	campaign, pending, err := o.claimCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	o.met.CampaignsStarted.Inc()
	o.log.Info("campaign run started",
		zap.String("campaign_id", campaignID),
		zap.Int("pending_tasks", len(pending)),
		zap.Int("max_bots", campaign.Spec.MaxBots))

	if len(pending) == 0 {
		return o.finalize(ctx, campaignID)
	}

	if err := o.pool.Initialize(ctx, campaignID, campaign.Spec.MaxBots); err != nil {
		o.failCampaign(ctx, campaignID)
		return err
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	// Force-drain the pool when cancellation outlives the grace window;
	// closing the sessions aborts any driver step still in flight.
	runDone := make(chan struct{})
	watchdogDone := make(chan struct{})
	go func() {
		defer close(watchdogDone)
		select {
		case <-runDone:
			return
		case <-ctx.Done():
		}
		timer := time.NewTimer(o.cfg.GraceWindow)
		defer timer.Stop()
		select {
		case <-timer.C:
			o.pool.Drain(context.Background())
		case <-runDone:
		}
	}()

	q := queue.New()
	ids := make([]string, 0, len(pending))
	for _, t := range pending {
		ids = append(ids, t.ID)
	}
	q.EnqueueAll(ids)

	g, workerCtx := errgroup.WithContext(runCtx)
	for i := 0; i < campaign.Spec.MaxBots; i++ {
		g.Go(func() error {
			return o.worker(workerCtx, campaign, q)
		})
	}
	runErr := g.Wait()
	close(runDone)
	<-watchdogDone

	cancelRun()
	o.pool.Drain(context.WithoutCancel(ctx))

	if ctx.Err() != nil {
		// Cancelled from outside: leave campaign and in-flight tasks as
		// they are; resume reconciles them.
		o.log.Info("campaign run cancelled", zap.String("campaign_id", campaignID))
		return ctx.Err()
	}
	if o.fatal.Load() {
		o.failCampaign(ctx, campaignID)
		if runErr == nil {
			runErr = &domain.FatalError{Detail: "bot pool exhausted"}
		}
		return runErr
	}
	if runErr != nil {
		o.failCampaign(ctx, campaignID)
		return runErr
	}
	return o.finalize(ctx, campaignID)
}

func (o *Orchestrator) claimCampaign(ctx context.Context, campaignID string) (*domain.Campaign, []*domain.Task, error) {
	var campaign *domain.Campaign
	var pending []*domain.Task
	err := o.store.WithinTx(ctx, func(u store.UnitOfWork) error {
		c, err := u.Campaigns().Get(ctx, campaignID)
		if err != nil {
			return err
		}
		if err := c.MarkInProgress(); err != nil {
			return err
		}
		if err := u.Campaigns().Update(ctx, c); err != nil {
			return err
		}
		tasks, err := u.Tasks().OfCampaign(ctx, campaignID)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if t.Status == domain.TaskPending {
				pending = append(pending, t)
			}
		}
		campaign = c
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return campaign, pending, nil
}

// worker drains the queue. It exits when the queue is empty and no peer has
// a task in flight, or on cancellation, or on a fatal pool error.
func (o *Orchestrator) worker(ctx context.Context, campaign *domain.Campaign, q *queue.Queue) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		taskID, ok := q.Dequeue()
		if !ok {
			if o.inflight.Load() == 0 {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(o.cfg.IdlePoll):
			}
			continue
		}

		o.inflight.Add(1)
		err := o.runTask(ctx, campaign, taskID, q)
		o.inflight.Add(-1)
		if err != nil {
			return err
		}
	}
}

// runTask executes one task attempt end to end. A returned error is fatal
// for the whole run; task-level failures are absorbed into task state.
func (o *Orchestrator) runTask(ctx context.Context, campaign *domain.Campaign, taskID string, q *queue.Queue) error {
	bot, err := o.pool.Acquire(ctx)
	if err != nil {
		// Cancelled or drained; the task stays PENDING in storage.
		return nil
	}

	task, err := o.claimTask(ctx, taskID)
	if err != nil {
		o.pool.Release(bot)
		var ce *domain.ConflictError
		if errors.As(err, &ce) || errors.Is(err, domain.ErrNotFound) {
			o.log.Warn("skipping unclaimable task",
				zap.String("task_id", taskID), zap.Error(err))
			return nil
		}
		return fmt.Errorf("claim task %s: %w", taskID, err)
	}

	bot.SetWorking(task.ID)
	o.bus.Publish(events.NewBotTaskAssigned(campaign.ID, bot.ID, task.ID))
	o.bus.Publish(events.NewTaskStarted(campaign.ID, task.ID, task.SearchSeed, task.GeonameName))

	started := time.Now()
	records, extractErr := o.extract(ctx, campaign, task, bot)

	if extractErr == nil {
		if err := o.completeTask(ctx, campaign, task, records, time.Since(started)); err != nil {
			o.pool.Release(bot)
			return fmt.Errorf("complete task %s: %w", task.ID, err)
		}
		o.bus.Publish(events.NewBotTaskCompleted(campaign.ID, bot.ID, task.ID))
		o.pool.Release(bot)
		return nil
	}

	if driver.IsCancelled(extractErr) || ctx.Err() != nil {
		// Leave the task IN_PROGRESS for resume reconciliation.
		o.pool.Release(bot)
		return nil
	}

	crashed := !bot.Session.Alive()
	if crashed {
		o.met.BotsReplaced.Inc()
		fresh, replaceErr := o.pool.Replace(ctx, bot, extractErr)
		if replaceErr != nil {
			o.log.Error("bot replacement failed, aborting run",
				zap.String("campaign_id", campaign.ID), zap.Error(replaceErr))
			o.fatal.Store(true)
			if err := o.failTask(ctx, campaign, task, extractErr.Error()); err != nil {
				o.log.Warn("failed to persist task failure", zap.Error(err))
			}
			return fmt.Errorf("replace bot: %w", replaceErr)
		}
		bot = fresh
	} else if driver.IsTransient(extractErr) {
		o.bus.Publish(events.NewBotError(campaign.ID, bot.ID, extractErr.Error()))
	}

	retriable := crashed || driver.IsTransient(extractErr)
	if retriable && task.CanRetry(o.cfg.RetryBudget) {
		if err := o.requeueTask(ctx, task); err != nil {
			o.pool.Release(bot)
			return fmt.Errorf("requeue task %s: %w", task.ID, err)
		}
		o.log.Info("task re-enqueued after transient failure",
			zap.String("task_id", task.ID),
			zap.Int("attempts", task.Attempts),
			zap.Error(extractErr))
		q.Enqueue(task.ID)
		o.pool.Release(bot)
		return nil
	}

	if err := o.failTask(ctx, campaign, task, extractErr.Error()); err != nil {
		o.pool.Release(bot)
		return fmt.Errorf("fail task %s: %w", task.ID, err)
	}
	o.bus.Publish(events.NewBotTaskCompleted(campaign.ID, bot.ID, task.ID))
	o.pool.Release(bot)
	return nil
}

// extract drives the Maps search pipeline for one task, publishing periodic
// snapshots while the steps run.
func (o *Orchestrator) extract(ctx context.Context, campaign *domain.Campaign, task *domain.Task, bot *pool.Bot) ([]driver.PlaceRecord, error) {
	session := bot.Session

	snapCtx, stopSnapshots := context.WithCancel(ctx)
	snapDone := make(chan struct{})
	go func() {
		defer close(snapDone)
		ticker := time.NewTicker(o.cfg.SnapshotInterval)
		defer ticker.Stop()
		for {
			select {
			case <-snapCtx.Done():
				return
			case <-ticker.C:
				png, err := session.CaptureImage(snapCtx)
				if err != nil {
					continue
				}
				o.bus.Publish(events.NewBotSnapshotCaptured(
					campaign.ID, bot.ID, task.ID, pool.StatusWorking,
					png, session.CurrentURL()))
			}
		}
	}()
	defer func() {
		stopSnapshots()
		<-snapDone
	}()

	searchURL := driver.SearchURL(task.SearchSeed, task.GeonameName, campaign.Spec.Locale)
	if err := session.Navigate(ctx, searchURL); err != nil {
		return nil, err
	}
	if err := session.WaitFor(ctx, driver.ResultsSelector); err != nil {
		return nil, err
	}
	if err := session.ScrollResults(ctx, scrollBudget(campaign.Spec.MaxResults)); err != nil {
		return nil, err
	}
	records, err := session.ParseResults(ctx, campaign.Spec.MaxResults)
	if err != nil {
		return nil, err
	}
	if png, err := session.CaptureImage(ctx); err == nil {
		o.bus.Publish(events.NewBotSnapshotCaptured(
			campaign.ID, bot.ID, task.ID, pool.StatusWorking,
			png, session.CurrentURL()))
	}
	return records, nil
}

// scrollBudget sizes the scroll loop from the requested result count. Each
// scroll surfaces a handful of new cards.
func scrollBudget(maxResults int) int {
	n := maxResults / 5
	if n < 3 {
		n = 3
	}
	return n
}

func (o *Orchestrator) claimTask(ctx context.Context, taskID string) (*domain.Task, error) {
	var task *domain.Task
	err := o.store.WithinTx(ctx, func(u store.UnitOfWork) error {
		t, err := u.Tasks().Get(ctx, taskID)
		if err != nil {
			return err
		}
		if err := t.MarkInProgress(); err != nil {
			return err
		}
		if err := u.Tasks().Update(ctx, t); err != nil {
			return err
		}
		task = t
		return nil
	})
	return task, err
}

// completeTask persists the places and the task/campaign transition in one
// unit of work, then publishes the success events. Places that carry a
// website get an enrichment task queued in the same transaction.
func (o *Orchestrator) completeTask(ctx context.Context, campaign *domain.Campaign, task *domain.Task, records []driver.PlaceRecord, took time.Duration) error {
	var added []*domain.Place
	err := o.store.WithinTx(ctx, func(u store.UnitOfWork) error {
		added = added[:0]
		for _, rec := range records {
			if campaign.Spec.MinRating > 0 && rec.Rating != nil && *rec.Rating < campaign.Spec.MinRating {
				continue
			}
			place := placeFromRecord(task, rec)
			ok, err := u.Places().Add(ctx, place)
			if err != nil {
				return err
			}
			if ok {
				added = append(added, place)
			}
		}

		for _, p := range added {
			if p.Website == "" {
				continue
			}
			et, err := domain.NewEnrichmentTask(p.ID, p.Website)
			if err != nil {
				return err
			}
			if _, err := u.Enrichments().Add(ctx, et); err != nil {
				return err
			}
		}

		t, err := u.Tasks().Get(ctx, task.ID)
		if err != nil {
			return err
		}
		if err := t.MarkCompleted(); err != nil {
			return err
		}
		if err := u.Tasks().Update(ctx, t); err != nil {
			return err
		}

		c, err := u.Campaigns().Get(ctx, campaign.ID)
		if err != nil {
			return err
		}
		c.TaskCompleted()
		return u.Campaigns().Update(ctx, c)
	})
	if err != nil {
		return err
	}

	for _, p := range added {
		o.met.PlacesExtracted.Inc()
		o.bus.Publish(events.NewPlaceExtracted(campaign.ID, task.ID, p.ID, p.Name))
	}
	o.met.TasksCompleted.Inc()
	o.bus.Publish(events.NewTaskCompleted(campaign.ID, task.ID, len(added), took))
	o.log.Info("task completed",
		zap.String("campaign_id", campaign.ID),
		zap.String("task_id", task.ID),
		zap.Int("places", len(added)),
		zap.Duration("took", took))
	return nil
}

func (o *Orchestrator) requeueTask(ctx context.Context, task *domain.Task) error {
	return o.store.WithinTx(ctx, func(u store.UnitOfWork) error {
		t, err := u.Tasks().Get(ctx, task.ID)
		if err != nil {
			return err
		}
		if err := t.ResetPending(); err != nil {
			return err
		}
		return u.Tasks().Update(ctx, t)
	})
}

func (o *Orchestrator) failTask(ctx context.Context, campaign *domain.Campaign, task *domain.Task, msg string) error {
	err := o.store.WithinTx(ctx, func(u store.UnitOfWork) error {
		t, err := u.Tasks().Get(ctx, task.ID)
		if err != nil {
			return err
		}
		if err := t.MarkFailed(msg); err != nil {
			return err
		}
		if err := u.Tasks().Update(ctx, t); err != nil {
			return err
		}

		c, err := u.Campaigns().Get(ctx, campaign.ID)
		if err != nil {
			return err
		}
		c.TaskFailed()
		return u.Campaigns().Update(ctx, c)
	})
	if err != nil {
		return err
	}
	o.met.TasksFailed.Inc()
	o.bus.Publish(events.NewTaskFailed(campaign.ID, task.ID, msg))
	o.log.Warn("task failed",
		zap.String("campaign_id", campaign.ID),
		zap.String("task_id", task.ID),
		zap.String("error", msg))
	return nil
}

// finalize computes the terminal campaign status from the task outcomes.
func (o *Orchestrator) finalize(ctx context.Context, campaignID string) error {
	return o.store.WithinTx(ctx, func(u store.UnitOfWork) error {
		c, err := u.Campaigns().Get(ctx, campaignID)
		if err != nil {
			return err
		}
		tasks, err := u.Tasks().OfCampaign(ctx, campaignID)
		if err != nil {
			return err
		}
		failed := 0
		for _, t := range tasks {
			if t.Status == domain.TaskFailed {
				failed++
			}
		}
		if failed > 0 {
			err = c.MarkFailed()
		} else {
			err = c.MarkCompleted()
		}
		if err != nil {
			return err
		}
		o.log.Info("campaign run finished",
			zap.String("campaign_id", campaignID),
			zap.String("status", string(c.Status)),
			zap.Int("completed_tasks", c.CompletedTasks),
			zap.Int("failed_tasks", c.FailedTasks))
		return u.Campaigns().Update(ctx, c)
	})
}

func (o *Orchestrator) failCampaign(ctx context.Context, campaignID string) {
	err := o.store.WithinTx(context.WithoutCancel(ctx), func(u store.UnitOfWork) error {
		c, err := u.Campaigns().Get(ctx, campaignID)
		if err != nil {
			return err
		}
		if err := c.MarkFailed(); err != nil {
			return err
		}
		return u.Campaigns().Update(ctx, c)
	})
	if err != nil {
		o.log.Error("failed to mark campaign FAILED",
			zap.String("campaign_id", campaignID), zap.Error(err))
	}
}

func placeFromRecord(task *domain.Task, rec driver.PlaceRecord) *domain.Place {
	p := domain.NewPlace(task.ID, rec.Name, rec.Address)
	p.City = task.GeonameName
	p.Category = rec.Category
	p.Rating = rec.Rating
	p.ReviewCount = rec.ReviewCount
	p.Phone = rec.Phone
	p.Website = rec.Website
	if rec.Latitude != nil && rec.Longitude != nil {
		p.Coordinates = &domain.Coordinates{Latitude: *rec.Latitude, Longitude: *rec.Longitude}
	}
	for _, rv := range rec.Reviews {
		p.Reviews = append(p.Reviews, domain.Review{
			ID:       domain.NewID(),
			Author:   rv.Author,
			Rating:   rv.Rating,
			Text:     rv.Text,
			PostedAt: rv.PostedAt,
		})
	}
	return p
}
