package events

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Handler receives events of the kind it subscribed to. Handlers must not
// block for long; slow consumers forward to their own bounded queue.
type Handler func(Event)

// Bus is the process-wide publish/subscribe registry, keyed by event kind.
// The registry lock is held only for subscribe/unsubscribe, never across
// dispatch.
type Bus struct {
	log  *zap.Logger
	mu   sync.RWMutex
	next int
	subs map[Kind]map[int]Handler
}

// NewBus creates an empty bus.
func NewBus(log *zap.Logger) *Bus {
	return &Bus{
		log:  log,
		subs: make(map[Kind]map[int]Handler),
	}
}

// Subscribe registers a handler for a kind and returns its unsubscribe
// handle. Unsubscribing twice is harmless.
func (b *Bus) Subscribe(kind Kind, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	if b.subs[kind] == nil {
		b.subs[kind] = make(map[int]Handler)
	}
	b.subs[kind][id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[kind], id)
	}
}

// SubscribeAll registers a handler for every known kind and returns a single
// unsubscribe handle covering them all.
func (b *Bus) SubscribeAll(h Handler) (unsubscribe func()) {
	kinds := []Kind{
		KindBotInitialized, KindBotTaskAssigned, KindBotSnapshotCapture,
		KindBotTaskCompleted, KindBotError, KindBotClosed,
		KindTaskStarted, KindPlaceExtracted, KindTaskCompleted, KindTaskFailed,
	}
	unsubs := make([]func(), 0, len(kinds))
	for _, k := range kinds {
		unsubs = append(unsubs, b.Subscribe(k, h))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Publish dispatches the event to every handler registered for its kind, in
// subscription order. A panicking handler is caught and logged; delivery to
// the remaining handlers continues. Within one publisher, events arrive in
// publish order.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	reg := b.subs[ev.Kind()]
	ids := make([]int, 0, len(reg))
	for id := range reg {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, reg[id])
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.dispatch(h, ev)
	}
}

func (b *Bus) dispatch(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked",
				zap.String("kind", string(ev.Kind())),
				zap.Any("panic", r))
		}
	}()
	h(ev)
}

// SubscriberCount reports registrations for a kind.
func (b *Bus) SubscriberCount(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[kind])
}
