package statestore

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/intentd/intentd/pkg/engine"
	"github.com/intentd/intentd/pkg/telemetry"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	s, err := New(logger, opts...)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return s
}

func commitN(t *testing.T, s *Store, key string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		v, err := s.Commit(ctx, key, uint64(i), json.RawMessage(`"v"`))
		if err != nil {
			t.Fatalf("commit %d failed: %v", i, err)
		}
		if v != uint64(i+1) {
			t.Fatalf("expected version %d, got %d", i+1, v)
		}
	}
}

func TestCommitVersioning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.Commit(ctx, "cluster/a", 0, json.RawMessage(`{"status":"new"}`))
	if err != nil {
		t.Fatalf("initial commit failed: %v", err)
	}
	if v != 1 {
		t.Errorf("expected version 1, got %d", v)
	}

	v, err = s.Commit(ctx, "cluster/a", 1, json.RawMessage(`{"status":"ready"}`))
	if err != nil {
		t.Fatalf("second commit failed: %v", err)
	}
	if v != 2 {
		t.Errorf("expected version 2, got %d", v)
	}

	entry, err := s.Get(ctx, "cluster/a")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if entry.Version != 2 {
		t.Errorf("expected latest version 2, got %d", entry.Version)
	}
}

func TestCommitConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	commitN(t, s, "cluster/a", 5)

	// First writer at expectedVersion 5 wins.
	if _, err := s.Commit(ctx, "cluster/a", 5, json.RawMessage(`1`)); err != nil {
		t.Fatalf("commit at version 5 failed: %v", err)
	}

	// Second writer with the same expectation must get a conflict.
	_, err := s.Commit(ctx, "cluster/a", 5, json.RawMessage(`2`))
	if err == nil {
		t.Fatal("expected conflict, got nil")
	}
	if !engine.IsConflict(err) {
		t.Errorf("expected conflict class, got: %v", err)
	}
	if !engine.HasCode(err, engine.ErrCodeStateConflict) {
		t.Errorf("expected STATE_CONFLICT code, got: %v", err)
	}
}

func TestConcurrentCommitExactlyOneWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	commitN(t, s, "cluster/a", 5)

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Commit(ctx, "cluster/a", 5, json.RawMessage(`"w"`))
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else if !engine.IsConflict(err) {
			t.Errorf("expected conflict error, got: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("expected exactly one winner, got %d", wins)
	}
}

func TestReadAtTimeTravel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	values := []string{`"one"`, `"two"`, `"three"`}
	for i, v := range values {
		if _, err := s.Commit(ctx, "k", uint64(i), json.RawMessage(v)); err != nil {
			t.Fatalf("commit failed: %v", err)
		}
	}

	for i, want := range values {
		entry, err := s.ReadAt(ctx, "k", uint64(i+1))
		if err != nil {
			t.Fatalf("readAt %d failed: %v", i+1, err)
		}
		if string(entry.Value) != want {
			t.Errorf("readAt %d: expected %s, got %s", i+1, want, entry.Value)
		}
	}

	// Reading at a later version returns the newest at-or-before entry.
	entry, err := s.ReadAt(ctx, "k", 100)
	if err != nil {
		t.Fatalf("readAt 100 failed: %v", err)
	}
	if entry.Version != 3 {
		t.Errorf("expected version 3, got %d", entry.Version)
	}

	// New commits never rewrite history.
	if _, err := s.Commit(ctx, "k", 3, json.RawMessage(`"four"`)); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	entry, err = s.ReadAt(ctx, "k", 2)
	if err != nil {
		t.Fatalf("readAt 2 failed: %v", err)
	}
	if string(entry.Value) != `"two"` {
		t.Errorf("history changed under readAt: got %s", entry.Value)
	}
}

func TestDeleteTombstone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	commitN(t, s, "k", 2)

	v, err := s.Delete(ctx, "k", 2)
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if v != 3 {
		t.Errorf("expected tombstone version 3, got %d", v)
	}

	entry, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get after delete failed: %v", err)
	}
	if !entry.Deleted {
		t.Error("expected tombstone")
	}

	// History before the tombstone remains readable.
	old, err := s.ReadAt(ctx, "k", 2)
	if err != nil {
		t.Fatalf("readAt before tombstone failed: %v", err)
	}
	if old.Deleted {
		t.Error("pre-delete version should not be a tombstone")
	}

	// A new commit must expect the tombstone's version.
	if _, err := s.Commit(ctx, "k", 0, json.RawMessage(`1`)); err == nil {
		t.Error("expected conflict committing at version 0 over a tombstone")
	}
	if _, err := s.Commit(ctx, "k", 3, json.RawMessage(`1`)); err != nil {
		t.Errorf("commit at tombstone version failed: %v", err)
	}
}

func TestHistory(t *testing.T) {
	s := newTestStore(t)
	commitN(t, s, "k", 4)

	hist, err := s.History(context.Background(), "k")
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(hist) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(hist))
	}
	for i, e := range hist {
		if e.Version != uint64(i+1) {
			t.Errorf("entry %d: expected version %d, got %d", i, i+1, e.Version)
		}
	}
}

func TestSubscribeCommitOrder(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.Subscribe(ctx, "cluster/**")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	keys := []string{"cluster/a/status", "cluster/b/status", "cluster/a/status"}
	expects := []uint64{0, 0, 1}
	for i, k := range keys {
		if _, err := s.Commit(context.Background(), k, expects[i], json.RawMessage(`true`)); err != nil {
			t.Fatalf("commit failed: %v", err)
		}
	}
	// Non-matching key must not be delivered.
	if _, err := s.Commit(context.Background(), "other/key", 0, json.RawMessage(`true`)); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	var got []engine.StateChange
	for i := 0; i < len(keys); i++ {
		got = append(got, <-ch)
	}
	var lastSeq uint64
	for i, c := range got {
		if c.Entry.Key != keys[i] {
			t.Errorf("change %d: expected key %s, got %s", i, keys[i], c.Entry.Key)
		}
		if c.CommitSeq <= lastSeq {
			t.Errorf("commit order violated: seq %d after %d", c.CommitSeq, lastSeq)
		}
		lastSeq = c.CommitSeq
	}
}

func TestSubscriberDroppedOnOverflow(t *testing.T) {
	s := newTestStore(t, WithSubscriberBuffer(2))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.Subscribe(ctx, "*")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	// Nobody reads; the third matching commit overflows the buffer.
	for i := 0; i < 3; i++ {
		if _, err := s.Commit(context.Background(), "k", uint64(i), json.RawMessage(`1`)); err != nil {
			t.Fatalf("commit failed: %v", err)
		}
	}

	received := 0
	for range ch {
		received++
	}
	// Channel was closed by the drop; only the buffered changes arrived.
	if received != 2 {
		t.Errorf("expected 2 buffered changes before drop, got %d", received)
	}
}

func TestApplyBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	commitN(t, s, "a", 1)

	err := s.Apply(ctx, []engine.Put{
		{Key: "a", Value: json.RawMessage(`2`)},
		{Key: "b", Value: json.RawMessage(`1`)},
		{Key: "a", Value: json.RawMessage(`3`)},
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	a, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("get a failed: %v", err)
	}
	// One prior commit plus two batch writes.
	if a.Version != 3 {
		t.Errorf("expected a at version 3, got %d", a.Version)
	}
	b, err := s.Get(ctx, "b")
	if err != nil {
		t.Fatalf("get b failed: %v", err)
	}
	if b.Version != 1 {
		t.Errorf("expected b at version 1, got %d", b.Version)
	}
}

func TestSnapshotPredicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Commit(ctx, PredicatePrefix+"nodes_allocated", 0, json.RawMessage(`true`)); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if _, err := s.Commit(ctx, PredicatePrefix+"network_ready", 0, json.RawMessage(`false`)); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if _, err := s.Commit(ctx, PredicatePrefix+"stale", 0, json.RawMessage(`true`)); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if _, err := s.Delete(ctx, PredicatePrefix+"stale", 1); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := s.Commit(ctx, "cluster/a", 0, json.RawMessage(`"x"`)); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	snap, err := s.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	preds := snap.Predicates()
	if !preds["nodes_allocated"] {
		t.Error("expected nodes_allocated predicate to hold")
	}
	if preds["network_ready"] {
		t.Error("false predicate should not hold")
	}
	if preds["stale"] {
		t.Error("tombstoned predicate should not hold")
	}
	if _, ok := snap.Get("cluster/a"); !ok {
		t.Error("expected cluster/a in snapshot")
	}

	// The snapshot is isolated from later commits.
	if _, err := s.Commit(ctx, PredicatePrefix+"late", 0, json.RawMessage(`true`)); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if snap.Predicates()["late"] {
		t.Error("snapshot must not observe later commits")
	}
}
