// Package pool manages the fixed set of browser bots backing one campaign
// run. Bots are opened once during Initialize, handed to workers through
// Acquire/Release, replaced on crash, and torn down by Drain.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mapharvest/internal/domain"
	"mapharvest/internal/driver"
	"mapharvest/internal/events"
)

// Bot statuses reported by Info.
const (
	StatusIdle    = "idle"
	StatusWorking = "working"
)

const openAttempts = 3

// Bot is one pooled browser session.
type Bot struct {
	ID      string
	Session driver.Session

	mu     sync.Mutex
	status string
	taskID string
}

func newBot(session driver.Session) *Bot {
	return &Bot{
		ID:      uuid.NewString(),
		Session: session,
		status:  StatusIdle,
	}
}

// SetWorking marks the bot as busy with a task.
func (b *Bot) SetWorking(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = StatusWorking
	b.taskID = taskID
}

// SetIdle clears the bot's task binding.
func (b *Bot) SetIdle() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = StatusIdle
	b.taskID = ""
}

// Info is a point-in-time view of a bot for status queries.
type Info struct {
	ID     string `json:"bot_id"`
	Status string `json:"status"`
	TaskID string `json:"task_id,omitempty"`
}

// Info snapshots the bot's current binding.
func (b *Bot) Info() Info {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Info{ID: b.ID, Status: b.status, TaskID: b.taskID}
}

// Pool is the fixed-size bot pool for one campaign run. Acquire order is
// FIFO across waiting workers. At all times len(free)+inuse == total.
type Pool struct {
	driver  driver.Driver
	bus     *events.Bus
	log     *zap.Logger
	stagger time.Duration

	mu         sync.Mutex
	campaignID string
	bots       map[string]*Bot
	free       []*Bot
	waiters    []chan *Bot
	drained    bool
}

// New builds an empty pool. stagger is the delay between consecutive bot
// launches during Initialize; zero disables pacing.
func New(d driver.Driver, bus *events.Bus, log *zap.Logger, stagger time.Duration) *Pool {
	return &Pool{
		driver:  d,
		bus:     bus,
		log:     log,
		stagger: stagger,
		bots:    make(map[string]*Bot),
	}
}

// Initialize opens size sessions concurrently, each with a bounded retry.
// Launches are staggered by the pool's pacing delay. Any bot failing all its
// attempts aborts the whole run with a FatalError; sessions already opened
// are closed again.
func (p *Pool) Initialize(ctx context.Context, campaignID string, size int) error {
	if size <= 0 {
		return domain.Invalidf("pool size must be positive")
	}

	p.mu.Lock()
	p.campaignID = campaignID
	p.drained = false
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < size; i++ {
		delay := time.Duration(i) * p.stagger
		g.Go(func() error {
			if delay > 0 {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case <-time.After(delay):
				}
			}
			session, err := p.openSession(gctx)
			if err != nil {
				return err
			}
			bot := newBot(session)

			p.mu.Lock()
			p.bots[bot.ID] = bot
			p.free = append(p.free, bot)
			p.mu.Unlock()

			p.log.Info("bot initialized",
				zap.String("campaign_id", campaignID),
				zap.String("bot_id", bot.ID))
			p.bus.Publish(events.NewBotInitialized(campaignID, bot.ID))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		p.Drain(context.WithoutCancel(ctx))
		return &domain.FatalError{Detail: "bot pool initialization failed", Err: err}
	}
	return nil
}

// openSession opens one driver session with exponential backoff. Permanent
// and cancelled failures stop the retry loop immediately.
func (p *Pool) openSession(ctx context.Context) (driver.Session, error) {
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), openAttempts-1), ctx)

	var session driver.Session
	err := backoff.Retry(func() error {
		s, err := p.driver.Open(ctx)
		if err != nil {
			if !driver.IsTransient(err) {
				return backoff.Permanent(err)
			}
			p.log.Warn("bot session open failed, retrying", zap.Error(err))
			return err
		}
		session = s
		return nil
	}, bo)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	return session, nil
}

// Acquire hands out an idle bot, blocking until one is released or ctx ends.
// Waiting workers are served in arrival order.
func (p *Pool) Acquire(ctx context.Context) (*Bot, error) {
	p.mu.Lock()
	if p.drained {
		p.mu.Unlock()
		return nil, domain.Conflictf("pool is drained")
	}
	if len(p.free) > 0 {
		bot := p.free[0]
		p.free = p.free[1:]
		p.mu.Unlock()
		return bot, nil
	}
	ch := make(chan *Bot, 1)
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()

	select {
	case bot := <-ch:
		if bot == nil {
			return nil, domain.Conflictf("pool is drained")
		}
		return bot, nil
	case <-ctx.Done():
		p.mu.Lock()
		for i, w := range p.waiters {
			if w == ch {
				p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
				p.mu.Unlock()
				return nil, ctx.Err()
			}
		}
		p.mu.Unlock()
		// A release raced the cancellation and already picked this waiter.
		if bot := <-ch; bot != nil {
			p.Release(bot)
		}
		return nil, ctx.Err()
	}
}

// Release returns a bot to the pool, waking the oldest waiter if any.
func (p *Pool) Release(bot *Bot) {
	bot.SetIdle()

	p.mu.Lock()
	if p.drained || p.bots[bot.ID] == nil {
		p.mu.Unlock()
		p.closeBot(context.Background(), bot)
		return
	}
	if len(p.waiters) > 0 {
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()
		ch <- bot
		return
	}
	p.free = append(p.free, bot)
	p.mu.Unlock()
}

// Replace retires a crashed bot and opens a successor in its slot. The
// caller keeps ownership of the returned bot.
func (p *Pool) Replace(ctx context.Context, bot *Bot, cause error) (*Bot, error) {
	p.mu.Lock()
	campaignID := p.campaignID
	delete(p.bots, bot.ID)
	p.mu.Unlock()

	p.bus.Publish(events.NewBotError(campaignID, bot.ID, cause.Error()))
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), driver.CloseTimeout)
	_ = bot.Session.Close(closeCtx)
	cancel()
	p.bus.Publish(events.NewBotClosed(campaignID, bot.ID))

	session, err := p.openSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("replace bot %s: %w", bot.ID, err)
	}
	fresh := newBot(session)

	p.mu.Lock()
	if p.drained {
		p.mu.Unlock()
		p.closeBot(context.WithoutCancel(ctx), fresh)
		return nil, domain.Conflictf("pool is drained")
	}
	p.bots[fresh.ID] = fresh
	p.mu.Unlock()

	p.log.Info("bot replaced",
		zap.String("campaign_id", campaignID),
		zap.String("old_bot_id", bot.ID),
		zap.String("bot_id", fresh.ID))
	p.bus.Publish(events.NewBotInitialized(campaignID, fresh.ID))
	return fresh, nil
}

// Drain closes every bot and fails all waiters. Calling it twice is a no-op.
func (p *Pool) Drain(ctx context.Context) {
	p.mu.Lock()
	if p.drained {
		p.mu.Unlock()
		return
	}
	p.drained = true
	bots := make([]*Bot, 0, len(p.bots))
	for _, b := range p.bots {
		bots = append(bots, b)
	}
	p.bots = make(map[string]*Bot)
	p.free = nil
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, ch := range waiters {
		ch <- nil
	}
	for _, b := range bots {
		p.closeBot(ctx, b)
	}
}

func (p *Pool) closeBot(ctx context.Context, bot *Bot) {
	closeCtx, cancel := context.WithTimeout(ctx, driver.CloseTimeout)
	defer cancel()
	if err := bot.Session.Close(closeCtx); err != nil {
		p.log.Warn("bot session close failed",
			zap.String("bot_id", bot.ID), zap.Error(err))
	}
	p.mu.Lock()
	campaignID := p.campaignID
	p.mu.Unlock()
	p.bus.Publish(events.NewBotClosed(campaignID, bot.ID))
}

// Size reports the number of live bots.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.bots)
}

// Bots snapshots every live bot for status queries.
func (p *Pool) Bots() []Info {
	p.mu.Lock()
	bots := make([]*Bot, 0, len(p.bots))
	for _, b := range p.bots {
		bots = append(bots, b)
	}
	p.mu.Unlock()

	infos := make([]Info, 0, len(bots))
	for _, b := range bots {
		infos = append(infos, b.Info())
	}
	return infos
}
