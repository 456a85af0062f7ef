package stores

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/intentd/intentd/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected an error for a missing path")
	}
}

func TestJournalAppendReplay(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	entries := []engine.StateEntry{
		{Key: "cluster/gpu-a/status", Version: 1, Value: json.RawMessage(`"allocating"`), Timestamp: now},
		{Key: "cluster/gpu-a/status", Version: 2, Value: json.RawMessage(`"ready"`), Timestamp: now},
		{Key: "predicate/nodes_allocated", Version: 1, Value: json.RawMessage("true"), Timestamp: now},
		{Key: "cluster/gpu-a/status", Version: 3, Deleted: true, Timestamp: now},
	}
	if err := store.Append(ctx, entries); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	replayed, err := store.Replay(ctx)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if len(replayed) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(replayed))
	}
	for i, e := range replayed {
		if e.Key != entries[i].Key || e.Version != entries[i].Version {
			t.Errorf("entry %d out of order: got %s@%d", i, e.Key, e.Version)
		}
	}
	if string(replayed[1].Value) != `"ready"` {
		t.Errorf("value lost in round trip: %s", replayed[1].Value)
	}
	if !replayed[3].Deleted || replayed[3].Value != nil {
		t.Errorf("tombstone lost in round trip: %+v", replayed[3])
	}
}

func TestJournalRejectsDuplicateVersion(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	entry := engine.StateEntry{Key: "k", Version: 1, Value: json.RawMessage("1"), Timestamp: time.Now().UTC()}
	if err := store.Append(ctx, []engine.StateEntry{entry}); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := store.Append(ctx, []engine.StateEntry{entry}); err == nil {
		t.Error("expected the unique constraint to reject a duplicate version")
	}
}

func TestSaveAndGetIntent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	intent := engine.NewIntent("provision_gpu_cluster", map[string]interface{}{"count": float64(8)})
	intent.Budget = 100

	if err := store.SaveIntent(ctx, intent, engine.IntentStatusExecuting); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	// Saving again with a new status updates in place.
	if err := store.SaveIntent(ctx, intent, engine.IntentStatusComplete); err != nil {
		t.Fatalf("second save failed: %v", err)
	}

	got, status, err := store.GetIntent(ctx, intent.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if status != engine.IntentStatusComplete {
		t.Errorf("expected status %s, got %s", engine.IntentStatusComplete, status)
	}
	if got.Kind != intent.Kind || got.Budget != intent.Budget {
		t.Errorf("intent lost in round trip: %+v", got)
	}
	if got.Constraints["count"] != float64(8) {
		t.Errorf("constraints lost in round trip: %v", got.Constraints)
	}
}

func TestGetIntentNotFound(t *testing.T) {
	store := setupTestStore(t)
	if _, _, err := store.GetIntent(context.Background(), "missing"); err == nil {
		t.Error("expected an error for a missing intent")
	}
}

func TestListIntents(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		intent := engine.NewIntent("provision_gpu_cluster", nil)
		intent.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		if err := store.SaveIntent(ctx, intent, engine.IntentStatusComplete); err != nil {
			t.Fatalf("save failed: %v", err)
		}
	}

	intents, err := store.ListIntents(ctx, 2, 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(intents) != 2 {
		t.Errorf("expected 2 intents with limit 2, got %d", len(intents))
	}
}

func TestSaveAndGetPlan(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	plan := engine.NewPlan("intent-1", []engine.Step{
		{ActionID: "allocate_nodes", Effects: []string{"nodes_allocated"}, Cost: 50},
		{ActionID: "start_cluster", Cost: 10},
	})
	plan.Status = engine.PlanStatusSelected

	if err := store.SavePlan(ctx, plan); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, err := store.GetPlan(ctx, plan.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.TotalCost != 60 || len(got.Steps) != 2 {
		t.Errorf("plan lost in round trip: %+v", got)
	}
	if got.Status != engine.PlanStatusSelected {
		t.Errorf("expected status %s, got %s", engine.PlanStatusSelected, got.Status)
	}
}

func TestSaveEventIdempotent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	event := &engine.Event{
		ID:        "ev-1",
		PlanID:    "plan-1",
		Sequence:  1,
		Type:      engine.EventExecuting,
		StepIndex: 0,
		Payload:   map[string]interface{}{"action_id": "allocate_nodes"},
		Timestamp: time.Now().UTC(),
	}
	if err := store.SaveEvent(ctx, event); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	// Replays of the same sequence are ignored.
	if err := store.SaveEvent(ctx, event); err != nil {
		t.Fatalf("idempotent save failed: %v", err)
	}

	events, err := store.ListEvents(ctx, "plan-1", 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Payload["action_id"] != "allocate_nodes" {
		t.Errorf("payload lost in round trip: %v", events[0].Payload)
	}
}

func TestListEventsFromSequence(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for seq := uint64(1); seq <= 5; seq++ {
		event := &engine.Event{
			ID:        "ev-" + string(rune('0'+seq)),
			PlanID:    "plan-1",
			Sequence:  seq,
			Type:      engine.EventExecuting,
			StepIndex: int(seq) - 1,
			Timestamp: time.Now().UTC(),
		}
		if err := store.SaveEvent(ctx, event); err != nil {
			t.Fatalf("save failed: %v", err)
		}
	}

	events, err := store.ListEvents(ctx, "plan-1", 3)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected events 3..5, got %d", len(events))
	}
	if events[0].Sequence != 3 {
		t.Errorf("expected the list to start at sequence 3, got %d", events[0].Sequence)
	}
}

func TestSaveAndGetArtifact(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	artifact := &engine.Artifact{
		ID:       "artifact-1",
		PlanID:   "plan-1",
		IntentID: "intent-1",
		Outputs: []map[string]interface{}{
			{"node_ids": []interface{}{"n1", "n2"}},
		},
		Proof:      &engine.Proof{Scheme: "merkle-sha256", Root: "abc123"},
		ActualCost: 80,
		Outcome:    "completed",
		CreatedAt:  time.Now().UTC(),
	}
	if err := store.SaveArtifact(ctx, artifact); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, err := store.GetArtifact(ctx, "plan-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.ID != "artifact-1" || got.ActualCost != 80 {
		t.Errorf("artifact lost in round trip: %+v", got)
	}
	if got.Proof == nil || got.Proof.Root != "abc123" {
		t.Errorf("proof lost in round trip: %+v", got.Proof)
	}
}

func TestGetArtifactNotFound(t *testing.T) {
	store := setupTestStore(t)
	if _, err := store.GetArtifact(context.Background(), "missing"); err == nil {
		t.Error("expected an error for a missing artifact")
	}
}
