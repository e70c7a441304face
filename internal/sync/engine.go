// Package sync keeps a local copy of one collection endpoint consistent
// with the server while letting mutations apply optimistically. Server
// rejections revert the local copy; realtime pushes that race a pending
// local change become conflicts for the caller to resolve.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/asagents/service-gateway/internal/backend"
	"github.com/asagents/service-gateway/internal/cache"
	"github.com/asagents/service-gateway/internal/logging"
	"github.com/asagents/service-gateway/internal/metrics"
	"github.com/asagents/service-gateway/internal/realtime"
)

// API is the collection CRUD surface the engine drives. backend.Collections
// implements it.
type API interface {
	List(ctx context.Context, endpoint string, filters map[string]string) ([]backend.Record, error)
	Create(ctx context.Context, endpoint string, item backend.Record) (backend.Record, error)
	Update(ctx context.Context, endpoint, id string, patch backend.Record) (backend.Record, error)
	Delete(ctx context.Context, endpoint, id string) error
}

// Hub is the slice of the realtime client the engine needs. A nil Hub
// disables realtime integration and the background sync gate.
type Hub interface {
	IsConnected() bool
	Subscribe(eventType string, handler realtime.EventHandler) func()
	OnConnectionChange(handler realtime.ConnectionHandler) func()
}

// Options configures one engine instance.
type Options struct {
	// Endpoint is the collection path, e.g. "/projects".
	Endpoint string
	// Filters are applied to every list fetch.
	Filters map[string]string
	// EntityType matches incoming realtime events to this engine.
	EntityType string
	// SyncInterval is the background refresh cadence. Zero disables it.
	SyncInterval time.Duration
	// CacheKey, when set, caches the fetched collection under this key.
	CacheKey string
	CacheTTL time.Duration
}

// PendingOp tracks an optimistic mutation awaiting server acknowledgement.
type PendingOp struct {
	Type      string         `json:"type"`
	Data      backend.Record `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Conflict records a realtime push that raced a pending local change. The
// engine never picks a side on its own.
type Conflict struct {
	ID         string         `json:"id"`
	EntityID   string         `json:"entityId"`
	LocalData  backend.Record `json:"localData"`
	ServerData backend.Record `json:"serverData"`
	Timestamp  time.Time      `json:"timestamp"`
}

// State is a snapshot of the engine.
type State struct {
	Data           []backend.Record `json:"data"`
	Loading        bool             `json:"loading"`
	Error          string           `json:"error,omitempty"`
	LastSync       time.Time        `json:"lastSync"`
	IsConnected    bool             `json:"isConnected"`
	PendingUpdates int              `json:"pendingUpdates"`
	Conflicts      []Conflict       `json:"conflicts"`
}

// Listener receives a state snapshot after every change.
type Listener func(State)

// Engine synchronizes one collection endpoint.
type Engine struct {
	api    API
	hub    Hub
	cache  cache.Cache
	meter  *metrics.Metrics
	logger *logging.Logger
	opts   Options

	mu        sync.Mutex
	data      []backend.Record
	loading   bool
	lastErr   string
	lastSync  time.Time
	connected bool
	pending   map[string]PendingOp
	conflicts []Conflict
	listeners map[int]Listener
	nextID    int
	unsubs    []func()
}

// NewEngine creates an engine. Call Refresh for the initial load and Run
// for background sync.
func NewEngine(api API, hub Hub, store cache.Cache, meter *metrics.Metrics, logger *logging.Logger, opts Options) *Engine {
	e := &Engine{
		api:       api,
		hub:       hub,
		cache:     store,
		meter:     meter,
		logger:    logger.With("sync"),
		opts:      opts,
		data:      []backend.Record{},
		pending:   make(map[string]PendingOp),
		listeners: make(map[int]Listener),
	}

	if hub != nil {
		e.unsubs = append(e.unsubs,
			hub.Subscribe("*", e.HandleEvent),
			hub.OnConnectionChange(func(connected bool) {
				e.mutate(func() { e.connected = connected })
			}),
		)
	}

	return e
}

// ==================== fetch ====================

// Refresh fetches the collection from the server. On failure it keeps the
// current data, records the error, and falls back to the cache when one is
// configured and the engine holds nothing yet.
func (e *Engine) Refresh(ctx context.Context) error {
	e.mutate(func() {
		e.loading = true
		e.lastErr = ""
	})
	return e.fetch(ctx)
}

// ForceSync discards all pending operations and recorded conflicts, then
// refreshes immediately. It is the escape hatch for abandoning local state
// in favor of the server's view.
func (e *Engine) ForceSync(ctx context.Context) error {
	e.mutate(func() {
		e.pending = make(map[string]PendingOp)
		e.conflicts = nil
	})
	return e.Refresh(ctx)
}

// silentRefresh re-fetches without toggling the loading flag. Used to
// revert optimistic state after a server rejection.
func (e *Engine) silentRefresh(ctx context.Context) {
	if err := e.fetch(ctx); err != nil {
		e.logger.Warn().Err(err).Str("endpoint", e.opts.Endpoint).Msg("revert refresh failed")
	}
}

func (e *Engine) fetch(ctx context.Context) error {
	items, err := e.api.List(ctx, e.opts.Endpoint, e.opts.Filters)
	if err != nil {
		e.meter.RecordSyncOp(e.opts.Endpoint, "error")
		e.mutate(func() {
			e.loading = false
			e.lastErr = err.Error()
		})
		e.loadFromCache(ctx)
		return fmt.Errorf("sync fetch %s: %w", e.opts.Endpoint, err)
	}

	e.meter.RecordSyncOp(e.opts.Endpoint, "success")
	e.mutate(func() {
		e.data = items
		e.loading = false
		e.lastErr = ""
		e.lastSync = time.Now()
	})
	e.saveToCache(ctx, items)
	return nil
}

func (e *Engine) loadFromCache(ctx context.Context) {
	if e.cache == nil || e.opts.CacheKey == "" {
		return
	}
	e.mu.Lock()
	empty := len(e.data) == 0
	e.mu.Unlock()
	if !empty {
		return
	}

	raw, ok := e.cache.Get(ctx, e.opts.CacheKey)
	if !ok {
		return
	}
	var items []backend.Record
	if err := json.Unmarshal(raw, &items); err != nil {
		e.logger.Warn().Err(err).Msg("corrupt cache entry dropped")
		e.cache.Delete(ctx, e.opts.CacheKey)
		return
	}
	e.mutate(func() { e.data = items })
	e.logger.Info().Str("key", e.opts.CacheKey).Int("items", len(items)).Msg("served stale data from cache")
}

func (e *Engine) saveToCache(ctx context.Context, items []backend.Record) {
	if e.cache == nil || e.opts.CacheKey == "" {
		return
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return
	}
	if err := e.cache.Set(ctx, e.opts.CacheKey, raw, e.opts.CacheTTL); err != nil {
		e.logger.Warn().Err(err).Msg("cache write failed")
	}
}

// ==================== mutations ====================

// Create inserts the item optimistically under a temporary id, then swaps
// in the server-assigned record on acknowledgement. On rejection the
// optimistic insert is removed and the error returned.
func (e *Engine) Create(ctx context.Context, item backend.Record) (backend.Record, error) {
	tempID := "temp-" + uuid.NewString()

	optimistic := cloneRecord(item)
	optimistic["id"] = tempID
	optimistic["createdAt"] = time.Now().Format(time.RFC3339)

	e.mutate(func() {
		e.data = append(e.data, optimistic)
		e.pending[tempID] = PendingOp{Type: "create", Data: optimistic, Timestamp: time.Now()}
	})

	created, err := e.api.Create(ctx, e.opts.Endpoint, item)
	if err != nil {
		e.meter.RecordSyncOp(e.opts.Endpoint, "error")
		e.mutate(func() {
			e.data = removeByID(e.data, tempID)
			delete(e.pending, tempID)
			e.lastErr = err.Error()
		})
		e.silentRefresh(ctx)
		return nil, fmt.Errorf("create failed: %w", err)
	}

	e.meter.RecordSyncOp(e.opts.Endpoint, "success")
	e.mutate(func() {
		delete(e.pending, tempID)
		if created != nil {
			e.data = replaceByID(e.data, tempID, created)
		} else {
			e.data = removeByID(e.data, tempID)
		}
		e.lastErr = ""
	})
	return created, nil
}

// Update applies the patch optimistically and sends it to the server. On
// rejection the pending marker is dropped and a refresh restores the
// server's view.
func (e *Engine) Update(ctx context.Context, id string, patch backend.Record) error {
	now := time.Now()

	var merged backend.Record
	e.mutate(func() {
		for i, item := range e.data {
			if itemID(item) != id {
				continue
			}
			merged = cloneRecord(item)
			for k, v := range patch {
				merged[k] = v
			}
			merged["updatedAt"] = now.Format(time.RFC3339)
			e.data[i] = merged
			break
		}
		// No pending marker without a local entity: there is nothing
		// optimistic to protect from a racing server push.
		if merged != nil {
			e.pending[id] = PendingOp{Type: "update", Data: merged, Timestamp: now}
		}
	})

	updated, err := e.api.Update(ctx, e.opts.Endpoint, id, patch)
	if err != nil {
		e.meter.RecordSyncOp(e.opts.Endpoint, "error")
		e.mutate(func() {
			delete(e.pending, id)
			e.lastErr = err.Error()
		})
		e.silentRefresh(ctx)
		return fmt.Errorf("update failed: %w", err)
	}

	e.meter.RecordSyncOp(e.opts.Endpoint, "success")
	e.mutate(func() {
		delete(e.pending, id)
		if updated != nil {
			e.data = replaceByID(e.data, id, updated)
		}
		e.lastErr = ""
	})
	return nil
}

// Delete removes the item optimistically. On rejection a refresh restores
// it.
func (e *Engine) Delete(ctx context.Context, id string) error {
	e.mutate(func() {
		e.data = removeByID(e.data, id)
		e.pending[id] = PendingOp{Type: "delete", Timestamp: time.Now()}
	})

	if err := e.api.Delete(ctx, e.opts.Endpoint, id); err != nil {
		e.meter.RecordSyncOp(e.opts.Endpoint, "error")
		e.mutate(func() {
			delete(e.pending, id)
			e.lastErr = err.Error()
		})
		e.silentRefresh(ctx)
		return fmt.Errorf("delete failed: %w", err)
	}

	e.meter.RecordSyncOp(e.opts.Endpoint, "success")
	e.mutate(func() {
		delete(e.pending, id)
		e.lastErr = ""
	})
	return nil
}

// ==================== realtime ====================

// HandleEvent applies a realtime push to the local data. An update that
// arrives while a local change for the same entity is pending, carrying a
// server timestamp older than the local one, becomes a conflict instead of
// a data change.
func (e *Engine) HandleEvent(event realtime.Event) {
	if event.EntityType == "" || !strings.Contains(e.opts.Endpoint, event.EntityType) {
		return
	}

	switch event.Type {
	case "created":
		if event.Data == nil {
			return
		}
		e.mutate(func() {
			if indexByID(e.data, event.EntityID) >= 0 {
				return
			}
			e.data = append(e.data, backend.Record(event.Data))
		})
	case "updated":
		e.applyServerUpdate(event)
	case "deleted":
		e.mutate(func() {
			e.data = removeByID(e.data, event.EntityID)
			delete(e.pending, event.EntityID)
		})
	}
}

func (e *Engine) applyServerUpdate(event realtime.Event) {
	serverData := backend.Record(event.Data)

	e.mu.Lock()
	pendingOp, hasPending := e.pending[event.EntityID]
	e.mu.Unlock()

	if hasPending {
		serverTime, ok := recordUpdatedAt(serverData)
		if ok && serverTime.Before(pendingOp.Timestamp) {
			conflict := Conflict{
				ID:         fmt.Sprintf("%s_%d", event.EntityID, time.Now().UnixNano()),
				EntityID:   event.EntityID,
				LocalData:  pendingOp.Data,
				ServerData: serverData,
				Timestamp:  time.Now(),
			}
			e.meter.RecordConflict()
			e.logger.Warn().Str("entity", event.EntityID).Msg("conflict detected, keeping local data")
			e.mutate(func() { e.conflicts = append(e.conflicts, conflict) })
			return
		}
	}

	if serverData == nil {
		return
	}
	e.mutate(func() {
		if idx := indexByID(e.data, event.EntityID); idx >= 0 {
			e.data[idx] = serverData
		} else {
			e.data = append(e.data, serverData)
		}
	})
}

// ResolveConflict settles one recorded conflict. Resolution is "local"
// (keep ours, push it), "server" (take theirs), or "merge" (apply the
// caller-supplied record).
func (e *Engine) ResolveConflict(ctx context.Context, conflictID, resolution string, merged backend.Record) error {
	var target *Conflict
	e.mu.Lock()
	for i := range e.conflicts {
		if e.conflicts[i].ID == conflictID {
			c := e.conflicts[i]
			target = &c
			break
		}
	}
	e.mu.Unlock()
	if target == nil {
		return fmt.Errorf("unknown conflict %q", conflictID)
	}

	var chosen backend.Record
	switch resolution {
	case "local":
		chosen = target.LocalData
	case "server":
		chosen = target.ServerData
	case "merge":
		if merged == nil {
			return fmt.Errorf("merge resolution requires merged data")
		}
		chosen = merged
	default:
		return fmt.Errorf("unknown resolution %q", resolution)
	}

	e.mutate(func() {
		if chosen != nil {
			e.data = replaceByID(e.data, target.EntityID, chosen)
		}
		kept := e.conflicts[:0]
		for _, c := range e.conflicts {
			if c.ID != conflictID {
				kept = append(kept, c)
			}
		}
		e.conflicts = kept
	})

	// Local and merged outcomes must win on the server too.
	if resolution != "server" && chosen != nil {
		if err := e.Update(ctx, target.EntityID, chosen); err != nil {
			return fmt.Errorf("failed to push conflict resolution: %w", err)
		}
	}
	return nil
}

// ==================== lifecycle ====================

// Run refreshes on the configured interval while the realtime hub is
// connected. It blocks until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	if e.opts.SyncInterval <= 0 {
		return
	}
	ticker := time.NewTicker(e.opts.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.hub != nil && !e.hub.IsConnected() {
				continue
			}
			e.silentRefresh(ctx)
		}
	}
}

// ClearError drops the last recorded error.
func (e *Engine) ClearError() {
	e.mutate(func() { e.lastErr = "" })
}

// Snapshot returns a copy of the current state.
func (e *Engine) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// Subscribe registers a listener invoked after every state change. The
// returned function unsubscribes.
func (e *Engine) Subscribe(fn Listener) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

// Close detaches the engine from the realtime hub.
func (e *Engine) Close() {
	for _, unsub := range e.unsubs {
		unsub()
	}
	e.unsubs = nil
}

// mutate applies fn under the lock and notifies listeners outside it.
func (e *Engine) mutate(fn func()) {
	e.mu.Lock()
	fn()
	snapshot := e.snapshotLocked()
	listeners := make([]Listener, 0, len(e.listeners))
	for _, l := range e.listeners {
		listeners = append(listeners, l)
	}
	e.mu.Unlock()

	for _, l := range listeners {
		l(snapshot)
	}
}

func (e *Engine) snapshotLocked() State {
	data := make([]backend.Record, len(e.data))
	for i, item := range e.data {
		data[i] = cloneRecord(item)
	}
	conflicts := append([]Conflict(nil), e.conflicts...)
	if conflicts == nil {
		conflicts = []Conflict{}
	}
	return State{
		Data:           data,
		Loading:        e.loading,
		Error:          e.lastErr,
		LastSync:       e.lastSync,
		IsConnected:    e.connected,
		PendingUpdates: len(e.pending),
		Conflicts:      conflicts,
	}
}

// ==================== helpers ====================

func itemID(item backend.Record) string {
	if id, ok := item["id"].(string); ok {
		return id
	}
	if id, ok := item["id"].(float64); ok {
		return fmt.Sprintf("%.0f", id)
	}
	return ""
}

func indexByID(items []backend.Record, id string) int {
	for i, item := range items {
		if itemID(item) == id {
			return i
		}
	}
	return -1
}

func removeByID(items []backend.Record, id string) []backend.Record {
	out := items[:0]
	for _, item := range items {
		if itemID(item) != id {
			out = append(out, item)
		}
	}
	return out
}

func replaceByID(items []backend.Record, id string, replacement backend.Record) []backend.Record {
	if idx := indexByID(items, id); idx >= 0 {
		items[idx] = replacement
	}
	return items
}

func cloneRecord(item backend.Record) backend.Record {
	out := make(backend.Record, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

// recordUpdatedAt extracts the server-side modification time, accepting
// RFC 3339 strings and unix-millisecond numbers.
func recordUpdatedAt(item backend.Record) (time.Time, bool) {
	raw, ok := item["updatedAt"]
	if !ok {
		return time.Time{}, false
	}
	switch v := raw.(type) {
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t, true
		}
	case float64:
		return time.UnixMilli(int64(v)), true
	}
	return time.Time{}, false
}
