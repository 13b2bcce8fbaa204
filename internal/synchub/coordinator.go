package synchub

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultDebounce is the trailing-debounce delay applied to refreshes
	// scheduled after a mutation.
	DefaultDebounce = 500 * time.Millisecond

	refreshTimeout = 10 * time.Second
)

// RefreshFunc receives the latest full snapshot of a collection.
type RefreshFunc func(records []Record)

type registration struct {
	refresh RefreshFunc
	filter  Filter
}

// Coordinator binds named collections to refresh callbacks and coalesces
// bursts of mutations into a single re-fetch per collection. At most one
// registration is active per collection name; registering again replaces the
// previous one. Refreshes always consult the registration map at fire time,
// so a replaced callback is never invoked by a timer scheduled earlier.
type Coordinator struct {
	store  CollectionStore
	logger *slog.Logger

	mu     sync.Mutex
	regs   map[string]*registration
	timers map[string]*time.Timer
}

// Stats reports the registered collections and those with a pending
// debounced refresh.
type Stats struct {
	Registered []string
	Pending    []string
}

func NewCoordinator(store CollectionStore, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:  store,
		logger: logger,
		regs:   map[string]*registration{},
		timers: map[string]*time.Timer{},
	}
}

// Register binds collection to refresh, replacing any prior registration.
func (c *Coordinator) Register(collection string, refresh RefreshFunc, filter Filter) {
	collection = strings.TrimSpace(collection)
	if collection == "" || refresh == nil {
		return
	}
	c.mu.Lock()
	c.regs[collection] = &registration{refresh: refresh, filter: filter}
	c.mu.Unlock()
	c.logger.Debug("sync registration added", "collection", collection)
}

// RegisterAndRefresh registers and immediately fetches the collection once.
func (c *Coordinator) RegisterAndRefresh(ctx context.Context, collection string, refresh RefreshFunc, filter Filter) error {
	c.Register(collection, refresh, filter)
	return c.RefreshNow(ctx, collection)
}

// Unregister removes the registration and synchronously cancels any pending
// debounce timer. No refresh for collection fires after Unregister returns.
func (c *Coordinator) Unregister(collection string) {
	collection = strings.TrimSpace(collection)
	c.mu.Lock()
	delete(c.regs, collection)
	if timer, ok := c.timers[collection]; ok {
		timer.Stop()
		delete(c.timers, collection)
	}
	c.mu.Unlock()
	c.logger.Debug("sync registration removed", "collection", collection)
}

// ScheduleRefresh arms a trailing-debounce refresh of collection. Scheduling
// again before the timer fires cancels the previous timer and restarts the
// delay, so only the last call in a burst produces a fetch.
func (c *Coordinator) ScheduleRefresh(collection string, debounce time.Duration) {
	collection = strings.TrimSpace(collection)
	if collection == "" {
		return
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if timer, ok := c.timers[collection]; ok {
		timer.Stop()
	}
	c.timers[collection] = time.AfterFunc(debounce, func() {
		c.fire(collection)
	})
}

// RefreshNow bypasses the debounce and fetches immediately.
func (c *Coordinator) RefreshNow(ctx context.Context, collection string) error {
	collection = strings.TrimSpace(collection)
	c.mu.Lock()
	reg, ok := c.regs[collection]
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("refresh requested for unregistered collection", "collection", collection)
		return nil
	}
	records, err := c.store.GetAll(ctx, collection, reg.filter)
	if err != nil {
		return err
	}
	reg.refresh(records)
	return nil
}

// RefreshAll immediately refreshes every registered collection.
func (c *Coordinator) RefreshAll(ctx context.Context) error {
	c.mu.Lock()
	collections := make([]string, 0, len(c.regs))
	for collection := range c.regs {
		collections = append(collections, collection)
	}
	c.mu.Unlock()
	var lastErr error
	for _, collection := range collections {
		if err := c.RefreshNow(ctx, collection); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := Stats{
		Registered: make([]string, 0, len(c.regs)),
		Pending:    make([]string, 0, len(c.timers)),
	}
	for collection := range c.regs {
		stats.Registered = append(stats.Registered, collection)
	}
	for collection := range c.timers {
		stats.Pending = append(stats.Pending, collection)
	}
	return stats
}

// fire runs when a debounce timer elapses. The registration is looked up
// here, not at schedule time. Fetch failures are logged and dropped; the
// refresh is a best-effort side effect of an already-completed mutation.
func (c *Coordinator) fire(collection string) {
	c.mu.Lock()
	delete(c.timers, collection)
	reg, ok := c.regs[collection]
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("debounced refresh fired for unregistered collection", "collection", collection)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()
	records, err := c.store.GetAll(ctx, collection, reg.filter)
	if err != nil {
		c.logger.Error("collection refresh failed", "collection", collection, "error", err)
		return
	}
	reg.refresh(records)
}

// MutateThenRefresh executes mutation against collection and, on success,
// schedules a debounced refresh. A failed mutation propagates its error
// unchanged and schedules nothing.
func MutateThenRefresh[T any](ctx context.Context, c *Coordinator, collection string, debounce time.Duration, mutation func(context.Context) (T, error)) (T, error) {
	result, err := mutation(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	c.ScheduleRefresh(collection, debounce)
	return result, nil
}

// CreateThenRefresh creates a record and schedules a refresh of collection.
func (c *Coordinator) CreateThenRefresh(ctx context.Context, collection string, record Record, debounce time.Duration) (Record, error) {
	return MutateThenRefresh(ctx, c, collection, debounce, func(ctx context.Context) (Record, error) {
		return c.store.Create(ctx, collection, record)
	})
}

func (c *Coordinator) UpdateThenRefresh(ctx context.Context, collection, id string, patch Record, debounce time.Duration) (Record, error) {
	return MutateThenRefresh(ctx, c, collection, debounce, func(ctx context.Context) (Record, error) {
		return c.store.Update(ctx, collection, id, patch)
	})
}

func (c *Coordinator) DeleteThenRefresh(ctx context.Context, collection, id string, debounce time.Duration) error {
	_, err := MutateThenRefresh(ctx, c, collection, debounce, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.store.Delete(ctx, collection, id)
	})
	return err
}

func (c *Coordinator) UpsertThenRefresh(ctx context.Context, collection string, record Record, debounce time.Duration) (Record, error) {
	return MutateThenRefresh(ctx, c, collection, debounce, func(ctx context.Context) (Record, error) {
		return c.store.Upsert(ctx, collection, record)
	})
}

func (c *Coordinator) BulkCreateThenRefresh(ctx context.Context, collection string, records []Record, debounce time.Duration) ([]Record, error) {
	return MutateThenRefresh(ctx, c, collection, debounce, func(ctx context.Context) ([]Record, error) {
		return c.store.BulkCreate(ctx, collection, records)
	})
}
