package sync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asagents/service-gateway/internal/backend"
	"github.com/asagents/service-gateway/internal/cache"
	"github.com/asagents/service-gateway/internal/logging"
	"github.com/asagents/service-gateway/internal/metrics"
	"github.com/asagents/service-gateway/internal/realtime"
)

// fakeAPI is an in-memory collection backend with switchable failures.
type fakeAPI struct {
	mu       sync.Mutex
	items    []backend.Record
	failList bool
	failMut  bool
	created  backend.Record
	onUpdate func()
}

func (f *fakeAPI) List(_ context.Context, _ string, _ map[string]string) ([]backend.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failList {
		return nil, errors.New("list unavailable")
	}
	out := make([]backend.Record, len(f.items))
	for i, item := range f.items {
		clone := make(backend.Record, len(item))
		for k, v := range item {
			clone[k] = v
		}
		out[i] = clone
	}
	return out, nil
}

func (f *fakeAPI) Create(_ context.Context, _ string, _ backend.Record) (backend.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failMut {
		return nil, errors.New("create rejected")
	}
	return f.created, nil
}

func (f *fakeAPI) Update(_ context.Context, _, _ string, _ backend.Record) (backend.Record, error) {
	if f.onUpdate != nil {
		f.onUpdate()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failMut {
		return nil, errors.New("update rejected")
	}
	return nil, nil
}

func (f *fakeAPI) Delete(_ context.Context, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failMut {
		return errors.New("delete rejected")
	}
	return nil
}

func (f *fakeAPI) setItems(items ...backend.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = items
}

func (f *fakeAPI) setFailMut(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failMut = fail
}

type fakeHub struct {
	mu        sync.Mutex
	connected bool
	connFn    realtime.ConnectionHandler
}

func (h *fakeHub) IsConnected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}

func (h *fakeHub) Subscribe(string, realtime.EventHandler) func() { return func() {} }

func (h *fakeHub) OnConnectionChange(fn realtime.ConnectionHandler) func() {
	h.mu.Lock()
	h.connFn = fn
	connected := h.connected
	h.mu.Unlock()
	fn(connected)
	return func() {}
}

func (h *fakeHub) setConnected(connected bool) {
	h.mu.Lock()
	h.connected = connected
	fn := h.connFn
	h.mu.Unlock()
	if fn != nil {
		fn(connected)
	}
}

func newTestEngine(t *testing.T, api *fakeAPI, hub Hub) *Engine {
	t.Helper()
	engine := NewEngine(api, hub, nil, metrics.New("test"), logging.Nop(), Options{
		Endpoint:   "/projects",
		EntityType: "project",
	})
	t.Cleanup(engine.Close)
	return engine
}

func TestRefreshLoadsData(t *testing.T) {
	api := &fakeAPI{}
	api.setItems(backend.Record{"id": "a", "name": "Alpha"})
	engine := newTestEngine(t, api, nil)

	require.NoError(t, engine.Refresh(context.Background()))

	state := engine.Snapshot()
	require.Len(t, state.Data, 1)
	assert.Equal(t, "a", state.Data[0]["id"])
	assert.False(t, state.Loading)
	assert.Empty(t, state.Error)
	assert.False(t, state.LastSync.IsZero())
}

func TestRefreshFailureKeepsDataAndRecordsError(t *testing.T) {
	api := &fakeAPI{}
	api.setItems(backend.Record{"id": "a"})
	engine := newTestEngine(t, api, nil)
	require.NoError(t, engine.Refresh(context.Background()))

	api.mu.Lock()
	api.failList = true
	api.mu.Unlock()

	err := engine.Refresh(context.Background())
	require.Error(t, err)

	state := engine.Snapshot()
	assert.NotEmpty(t, state.Error)
	require.Len(t, state.Data, 1, "existing data survives a failed refresh")
}

func TestCreateReplacesTempID(t *testing.T) {
	api := &fakeAPI{created: backend.Record{"id": "srv-1", "name": "Alpha"}}
	engine := newTestEngine(t, api, nil)

	var sawTemp, sawPending bool
	unsub := engine.Subscribe(func(s State) {
		for _, item := range s.Data {
			if id, _ := item["id"].(string); len(id) > 5 && id[:5] == "temp-" {
				sawTemp = true
			}
		}
		if s.PendingUpdates > 0 {
			sawPending = true
		}
	})
	defer unsub()

	created, err := engine.Create(context.Background(), backend.Record{"name": "Alpha"})
	require.NoError(t, err)
	assert.Equal(t, "srv-1", created["id"])

	assert.True(t, sawTemp, "optimistic insert must use a temp id")
	assert.True(t, sawPending, "create must be tracked as pending")

	state := engine.Snapshot()
	require.Len(t, state.Data, 1)
	assert.Equal(t, "srv-1", state.Data[0]["id"])
	assert.Zero(t, state.PendingUpdates)
}

func TestCreateFailureRevertsToServerState(t *testing.T) {
	api := &fakeAPI{}
	api.setItems(backend.Record{"id": "a", "name": "Alpha"})
	engine := newTestEngine(t, api, nil)
	require.NoError(t, engine.Refresh(context.Background()))

	api.setFailMut(true)

	_, err := engine.Create(context.Background(), backend.Record{"name": "Doomed"})
	require.Error(t, err)

	state := engine.Snapshot()
	require.Len(t, state.Data, 1, "rejected create must not leave the optimistic item behind")
	assert.Equal(t, "a", state.Data[0]["id"])
	assert.Zero(t, state.PendingUpdates)
}

func TestUpdateAppliesOptimistically(t *testing.T) {
	api := &fakeAPI{}
	api.setItems(backend.Record{"id": "a", "name": "Alpha"})
	engine := newTestEngine(t, api, nil)
	require.NoError(t, engine.Refresh(context.Background()))

	require.NoError(t, engine.Update(context.Background(), "a", backend.Record{"name": "Alpha v2"}))

	state := engine.Snapshot()
	require.Len(t, state.Data, 1)
	assert.Equal(t, "Alpha v2", state.Data[0]["name"])
	assert.Contains(t, state.Data[0], "updatedAt")
	assert.Zero(t, state.PendingUpdates)
}

func TestUpdateFailureRevertsToServerState(t *testing.T) {
	api := &fakeAPI{}
	api.setItems(backend.Record{"id": "a", "name": "Alpha"})
	engine := newTestEngine(t, api, nil)
	require.NoError(t, engine.Refresh(context.Background()))

	api.setFailMut(true)

	err := engine.Update(context.Background(), "a", backend.Record{"name": "Rejected"})
	require.Error(t, err)

	state := engine.Snapshot()
	require.Len(t, state.Data, 1)
	assert.Equal(t, "Alpha", state.Data[0]["name"], "rejected update must revert")
	assert.Zero(t, state.PendingUpdates)
}

func TestDeleteFailureRestoresItem(t *testing.T) {
	api := &fakeAPI{}
	api.setItems(backend.Record{"id": "a", "name": "Alpha"})
	engine := newTestEngine(t, api, nil)
	require.NoError(t, engine.Refresh(context.Background()))

	api.setFailMut(true)

	err := engine.Delete(context.Background(), "a")
	require.Error(t, err)

	state := engine.Snapshot()
	require.Len(t, state.Data, 1, "rejected delete must restore the item")
	assert.Zero(t, state.PendingUpdates)
}

// =============================================================================
// Realtime events
// =============================================================================

func TestHandleEventCreatedAndDeleted(t *testing.T) {
	api := &fakeAPI{}
	engine := newTestEngine(t, api, nil)

	engine.HandleEvent(realtime.Event{
		Type:       "created",
		EntityType: "project",
		EntityID:   "a",
		Data:       map[string]any{"id": "a", "name": "Pushed"},
	})
	state := engine.Snapshot()
	require.Len(t, state.Data, 1)
	assert.Equal(t, "Pushed", state.Data[0]["name"])

	// Duplicate create is ignored.
	engine.HandleEvent(realtime.Event{
		Type:       "created",
		EntityType: "project",
		EntityID:   "a",
		Data:       map[string]any{"id": "a"},
	})
	assert.Len(t, engine.Snapshot().Data, 1)

	engine.HandleEvent(realtime.Event{
		Type:       "deleted",
		EntityType: "project",
		EntityID:   "a",
	})
	assert.Empty(t, engine.Snapshot().Data)
}

func TestHandleEventIgnoresOtherEntityTypes(t *testing.T) {
	api := &fakeAPI{}
	engine := newTestEngine(t, api, nil)

	engine.HandleEvent(realtime.Event{
		Type:       "created",
		EntityType: "invoice",
		EntityID:   "i1",
		Data:       map[string]any{"id": "i1"},
	})
	assert.Empty(t, engine.Snapshot().Data)
}

func TestHandleEventUpdateWithoutPendingApplies(t *testing.T) {
	api := &fakeAPI{}
	api.setItems(backend.Record{"id": "a", "name": "Alpha"})
	engine := newTestEngine(t, api, nil)
	require.NoError(t, engine.Refresh(context.Background()))

	engine.HandleEvent(realtime.Event{
		Type:       "updated",
		EntityType: "project",
		EntityID:   "a",
		Data:       map[string]any{"id": "a", "name": "Server v2", "updatedAt": time.Now().Format(time.RFC3339)},
	})

	state := engine.Snapshot()
	assert.Equal(t, "Server v2", state.Data[0]["name"])
	assert.Empty(t, state.Conflicts)
}

func TestConflictDetectedWhenServerUpdateIsOlder(t *testing.T) {
	api := &fakeAPI{}
	api.setItems(backend.Record{"id": "a", "name": "Alpha"})
	engine := newTestEngine(t, api, nil)
	require.NoError(t, engine.Refresh(context.Background()))

	// Deliver a stale server push while the local update is still pending.
	api.onUpdate = func() {
		engine.HandleEvent(realtime.Event{
			Type:       "updated",
			EntityType: "project",
			EntityID:   "a",
			Data: map[string]any{
				"id":        "a",
				"name":      "Stale server version",
				"updatedAt": time.Now().Add(-time.Hour).Format(time.RFC3339),
			},
		})
	}

	require.NoError(t, engine.Update(context.Background(), "a", backend.Record{"name": "Local v2"}))

	state := engine.Snapshot()
	require.Len(t, state.Conflicts, 1)
	conflict := state.Conflicts[0]
	assert.Equal(t, "a", conflict.EntityID)
	assert.Equal(t, "Local v2", conflict.LocalData["name"])
	assert.Equal(t, "Stale server version", conflict.ServerData["name"])

	// Local data untouched by the stale push.
	assert.Equal(t, "Local v2", state.Data[0]["name"])
}

func TestNewerServerUpdateWinsOverPending(t *testing.T) {
	api := &fakeAPI{}
	api.setItems(backend.Record{"id": "a", "name": "Alpha"})
	engine := newTestEngine(t, api, nil)
	require.NoError(t, engine.Refresh(context.Background()))

	api.onUpdate = func() {
		engine.HandleEvent(realtime.Event{
			Type:       "updated",
			EntityType: "project",
			EntityID:   "a",
			Data: map[string]any{
				"id":        "a",
				"name":      "Newer server version",
				"updatedAt": time.Now().Add(time.Hour).Format(time.RFC3339),
			},
		})
	}

	require.NoError(t, engine.Update(context.Background(), "a", backend.Record{"name": "Local v2"}))
	assert.Empty(t, engine.Snapshot().Conflicts)
}

func TestResolveConflict(t *testing.T) {
	api := &fakeAPI{}
	api.setItems(backend.Record{"id": "a", "name": "Alpha"})
	engine := newTestEngine(t, api, nil)
	require.NoError(t, engine.Refresh(context.Background()))

	api.onUpdate = func() {
		engine.HandleEvent(realtime.Event{
			Type:       "updated",
			EntityType: "project",
			EntityID:   "a",
			Data: map[string]any{
				"id":        "a",
				"name":      "Server version",
				"updatedAt": time.Now().Add(-time.Hour).Format(time.RFC3339),
			},
		})
		api.onUpdate = nil
	}

	require.NoError(t, engine.Update(context.Background(), "a", backend.Record{"name": "Local version"}))
	state := engine.Snapshot()
	require.Len(t, state.Conflicts, 1)
	conflictID := state.Conflicts[0].ID

	require.NoError(t, engine.ResolveConflict(context.Background(), conflictID, "server", nil))

	state = engine.Snapshot()
	assert.Empty(t, state.Conflicts)
	assert.Equal(t, "Server version", state.Data[0]["name"])
}

func TestResolveConflictUnknownID(t *testing.T) {
	engine := newTestEngine(t, &fakeAPI{}, nil)
	err := engine.ResolveConflict(context.Background(), "nope", "server", nil)
	assert.Error(t, err)
}

func TestResolveConflictBadResolution(t *testing.T) {
	api := &fakeAPI{}
	api.setItems(backend.Record{"id": "a"})
	engine := newTestEngine(t, api, nil)
	require.NoError(t, engine.Refresh(context.Background()))

	api.onUpdate = func() {
		engine.HandleEvent(realtime.Event{
			Type:       "updated",
			EntityType: "project",
			EntityID:   "a",
			Data:       map[string]any{"id": "a", "updatedAt": time.Now().Add(-time.Hour).Format(time.RFC3339)},
		})
		api.onUpdate = nil
	}
	require.NoError(t, engine.Update(context.Background(), "a", backend.Record{"x": 1}))
	conflictID := engine.Snapshot().Conflicts[0].ID

	assert.Error(t, engine.ResolveConflict(context.Background(), conflictID, "coin-flip", nil))
	assert.Error(t, engine.ResolveConflict(context.Background(), conflictID, "merge", nil))
}

// =============================================================================
// Cache and connectivity
// =============================================================================

func TestRefreshFallsBackToCache(t *testing.T) {
	store := cache.NewMemory()
	defer store.Close()

	cached, err := json.Marshal([]backend.Record{{"id": "cached"}})
	require.NoError(t, err)
	require.NoError(t, store.Set(context.Background(), "projects", cached, time.Minute))

	api := &fakeAPI{failList: true}
	engine := NewEngine(api, nil, store, metrics.New("test"), logging.Nop(), Options{
		Endpoint: "/projects",
		CacheKey: "projects",
	})
	defer engine.Close()

	require.Error(t, engine.Refresh(context.Background()))

	state := engine.Snapshot()
	require.Len(t, state.Data, 1)
	assert.Equal(t, "cached", state.Data[0]["id"])
	assert.NotEmpty(t, state.Error, "cache fallback still reports the fetch failure")
}

func TestConnectionStateTracksHub(t *testing.T) {
	hub := &fakeHub{}
	engine := newTestEngine(t, &fakeAPI{}, hub)

	assert.False(t, engine.Snapshot().IsConnected)

	hub.setConnected(true)
	assert.True(t, engine.Snapshot().IsConnected)

	hub.setConnected(false)
	assert.False(t, engine.Snapshot().IsConnected)
}

func TestForceSyncAndClearError(t *testing.T) {
	api := &fakeAPI{failList: true}
	engine := newTestEngine(t, api, nil)

	require.Error(t, engine.ForceSync(context.Background()))
	assert.NotEmpty(t, engine.Snapshot().Error)

	engine.ClearError()
	assert.Empty(t, engine.Snapshot().Error)

	api.mu.Lock()
	api.failList = false
	api.mu.Unlock()
	api.setItems(backend.Record{"id": "a"})

	require.NoError(t, engine.ForceSync(context.Background()))
	state := engine.Snapshot()
	assert.Len(t, state.Data, 1)
	assert.Zero(t, state.PendingUpdates)
	assert.Empty(t, state.Conflicts)
}

func TestForceSyncDiscardsPendingAndConflicts(t *testing.T) {
	api := &fakeAPI{}
	api.setItems(backend.Record{"id": "a", "name": "Alpha"})
	engine := newTestEngine(t, api, nil)
	require.NoError(t, engine.Refresh(context.Background()))

	api.onUpdate = func() {
		engine.HandleEvent(realtime.Event{
			Type:       "updated",
			EntityType: "project",
			EntityID:   "a",
			Data: map[string]any{
				"id":        "a",
				"name":      "Stale server version",
				"updatedAt": time.Now().Add(-time.Hour).Format(time.RFC3339),
			},
		})
		api.onUpdate = nil
	}
	require.NoError(t, engine.Update(context.Background(), "a", backend.Record{"name": "Local v2"}))
	require.Len(t, engine.Snapshot().Conflicts, 1)

	// An operation still awaiting acknowledgement.
	engine.mu.Lock()
	engine.pending["a"] = PendingOp{Type: "update", Timestamp: time.Now()}
	engine.mu.Unlock()

	require.NoError(t, engine.ForceSync(context.Background()))

	state := engine.Snapshot()
	assert.Empty(t, state.Conflicts, "forced sync abandons recorded conflicts")
	assert.Zero(t, state.PendingUpdates, "forced sync abandons pending operations")

	// With nothing pending, server pushes apply again even when older.
	engine.HandleEvent(realtime.Event{
		Type:       "updated",
		EntityType: "project",
		EntityID:   "a",
		Data: map[string]any{
			"id":        "a",
			"name":      "Server again",
			"updatedAt": time.Now().Add(-time.Hour).Format(time.RFC3339),
		},
	})
	state = engine.Snapshot()
	assert.Empty(t, state.Conflicts)
	assert.Equal(t, "Server again", state.Data[0]["name"])
}

func TestUpdateWithoutLocalEntitySkipsPending(t *testing.T) {
	api := &fakeAPI{}
	engine := newTestEngine(t, api, nil)

	// A push for the same entity races the in-flight update.
	api.onUpdate = func() {
		engine.HandleEvent(realtime.Event{
			Type:       "updated",
			EntityType: "project",
			EntityID:   "ghost",
			Data: map[string]any{
				"id":        "ghost",
				"name":      "Server copy",
				"updatedAt": time.Now().Add(-time.Hour).Format(time.RFC3339),
			},
		})
	}

	require.NoError(t, engine.Update(context.Background(), "ghost", backend.Record{"name": "Local"}))

	state := engine.Snapshot()
	assert.Empty(t, state.Conflicts, "updating an entity with no local copy tracks nothing optimistic")
	require.Len(t, state.Data, 1)
	assert.Equal(t, "Server copy", state.Data[0]["name"])
}
