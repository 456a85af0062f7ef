package statestore

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/intentd/intentd/pkg/engine"
	"github.com/intentd/intentd/pkg/telemetry"
)

// PredicatePrefix is the key prefix under which world-state predicates live.
const PredicatePrefix = engine.PredicateKeyPrefix

// defaultSubscriberBuffer is the per-subscriber channel capacity.
const defaultSubscriberBuffer = 256

// Journal is an optional durable sink for committed entries. The SQLite
// implementation lives in pkg/stores.
type Journal interface {
	// Append durably records committed entries in commit order.
	Append(ctx context.Context, entries []engine.StateEntry) error

	// Replay returns all journaled entries in commit order.
	Replay(ctx context.Context) ([]engine.StateEntry, error)
}

// Store is an in-memory versioned key/value store with optimistic
// concurrency, time-travel reads, and ordered change subscriptions. It
// implements engine.StateStore.
type Store struct {
	mu        sync.RWMutex
	entries   map[string][]engine.StateEntry
	commitSeq uint64
	subs      map[*subscriber]struct{}

	journal Journal
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	bufSize int
}

type subscriber struct {
	pattern glob.Glob
	ch      chan engine.StateChange
	done    <-chan struct{}
	closed  bool
}

// Option customizes a Store.
type Option func(*Store)

// WithJournal attaches a durable journal. Existing journal entries are
// replayed into memory by New.
func WithJournal(j Journal) Option {
	return func(s *Store) { s.journal = j }
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithSubscriberBuffer overrides the per-subscriber channel capacity.
func WithSubscriberBuffer(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.bufSize = n
		}
	}
}

// New creates a store. If a journal is attached, its entries are replayed so
// state survives restarts.
func New(logger *telemetry.Logger, opts ...Option) (*Store, error) {
	s := &Store{
		entries: make(map[string][]engine.StateEntry),
		subs:    make(map[*subscriber]struct{}),
		logger:  logger.NewComponentLogger("statestore"),
		bufSize: defaultSubscriberBuffer,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.journal != nil {
		replayed, err := s.journal.Replay(context.Background())
		if err != nil {
			return nil, err
		}
		for _, e := range replayed {
			s.entries[e.Key] = append(s.entries[e.Key], e)
			s.commitSeq++
		}
		if len(replayed) > 0 {
			s.logger.WithField("entries", len(replayed)).Info("state journal replayed")
		}
	}
	return s, nil
}

// Get returns the latest entry for a key. Tombstones report Deleted.
func (s *Store) Get(ctx context.Context, key string) (*engine.StateEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain, ok := s.entries[key]
	if !ok {
		return nil, notFound(key)
	}
	e := chain[len(chain)-1]
	return &e, nil
}

// ReadAt returns the entry for a key as of the given version: the newest
// entry with Version <= version.
func (s *Store) ReadAt(ctx context.Context, key string, version uint64) (*engine.StateEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain, ok := s.entries[key]
	if !ok {
		return nil, notFound(key)
	}
	// Chains are version-ordered, binary search is fine.
	i := sort.Search(len(chain), func(i int) bool { return chain[i].Version > version })
	if i == 0 {
		return nil, engine.NewPermanentError("no state at or before version", nil).
			WithCode(engine.ErrCodeNotFound).
			WithDetail("key", key).
			WithDetail("version", version)
	}
	e := chain[i-1]
	return &e, nil
}

// History returns all versions of a key in ascending version order.
func (s *Store) History(ctx context.Context, key string) ([]engine.StateEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain, ok := s.entries[key]
	if !ok {
		return nil, notFound(key)
	}
	out := make([]engine.StateEntry, len(chain))
	copy(out, chain)
	return out, nil
}

// Commit writes a new version of a key if expectedVersion matches the key's
// current version (0 for a key with no history). It returns the new version.
func (s *Store) Commit(ctx context.Context, key string, expectedVersion uint64, value json.RawMessage) (uint64, error) {
	return s.commit(ctx, key, expectedVersion, value, false)
}

// Delete writes a tombstone for a key under the same optimistic contract as
// Commit. The key's version history is retained.
func (s *Store) Delete(ctx context.Context, key string, expectedVersion uint64) (uint64, error) {
	return s.commit(ctx, key, expectedVersion, nil, true)
}

func (s *Store) commit(ctx context.Context, key string, expectedVersion uint64, value json.RawMessage, deleted bool) (uint64, error) {
	s.mu.Lock()
	cur := s.currentVersionLocked(key)
	if cur != expectedVersion {
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.RecordStateCommit("conflict")
		}
		return 0, engine.NewConflictError("state version conflict", nil).
			WithCode(engine.ErrCodeStateConflict).
			WithDetail("key", key).
			WithDetail("expected_version", expectedVersion).
			WithDetail("current_version", cur)
	}
	entry := engine.StateEntry{
		Key:       key,
		Version:   cur + 1,
		Value:     cloneRaw(value),
		Deleted:   deleted,
		Timestamp: time.Now().UTC(),
	}
	s.entries[key] = append(s.entries[key], entry)
	s.commitSeq++
	change := engine.StateChange{Entry: entry, CommitSeq: s.commitSeq}
	s.notifyLocked(change)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordStateCommit("ok")
	}
	if s.journal != nil {
		if err := s.journal.Append(ctx, []engine.StateEntry{entry}); err != nil {
			s.logger.WithError(err).WithField("key", key).Warn("journal append failed")
		}
	}
	return entry.Version, nil
}

// Apply atomically writes a batch of puts, bumping each key's version.
// A nil Value writes a tombstone. Either every put commits or none do;
// subscribers observe the batch as consecutive changes.
func (s *Store) Apply(ctx context.Context, puts []engine.Put) error {
	if len(puts) == 0 {
		return nil
	}
	now := time.Now().UTC()

	s.mu.Lock()
	batch := make([]engine.StateEntry, 0, len(puts))
	// Versions are computed against the batch as well, so a key written
	// twice in one batch gets two consecutive versions.
	staged := make(map[string]uint64, len(puts))
	for _, p := range puts {
		cur, ok := staged[p.Key]
		if !ok {
			cur = s.currentVersionLocked(p.Key)
		}
		entry := engine.StateEntry{
			Key:       p.Key,
			Version:   cur + 1,
			Value:     cloneRaw(p.Value),
			Deleted:   p.Value == nil,
			Timestamp: now,
		}
		staged[p.Key] = entry.Version
		batch = append(batch, entry)
	}
	for _, entry := range batch {
		s.entries[entry.Key] = append(s.entries[entry.Key], entry)
		s.commitSeq++
		s.notifyLocked(engine.StateChange{Entry: entry, CommitSeq: s.commitSeq})
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordStateCommit("ok")
	}
	if s.journal != nil {
		if err := s.journal.Append(ctx, batch); err != nil {
			s.logger.WithError(err).WithField("keys", len(batch)).Warn("journal append failed")
		}
	}
	return nil
}

// Subscribe delivers committed changes whose keys match the glob pattern, in
// global commit order, until ctx is done. A subscriber that falls behind by
// more than the buffer capacity has its channel closed and must resubscribe.
func (s *Store) Subscribe(ctx context.Context, pattern string) (<-chan engine.StateChange, error) {
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, engine.NewPermanentError("invalid subscription pattern", err).
			WithCode(engine.ErrCodeValidation).
			WithDetail("pattern", pattern)
	}
	sub := &subscriber{
		pattern: g,
		ch:      make(chan engine.StateChange, s.bufSize),
		done:    ctx.Done(),
	}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		if _, ok := s.subs[sub]; ok {
			delete(s.subs, sub)
			if !sub.closed {
				close(sub.ch)
			}
		}
		s.mu.Unlock()
	}()
	return sub.ch, nil
}

// Snapshot returns a consistent read-only view of current state.
func (s *Store) Snapshot(ctx context.Context) (engine.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := &snapshot{
		values:     make(map[string]json.RawMessage),
		predicates: make(map[string]bool),
	}
	for key, chain := range s.entries {
		last := chain[len(chain)-1]
		if last.Deleted {
			continue
		}
		snap.values[key] = cloneRaw(last.Value)
		if strings.HasPrefix(key, PredicatePrefix) && isTrue(last.Value) {
			snap.predicates[strings.TrimPrefix(key, PredicatePrefix)] = true
		}
	}
	return snap, nil
}

// notifyLocked delivers a change to matching subscribers. Callers hold the
// write lock, which is what guarantees global commit order across channels.
func (s *Store) notifyLocked(change engine.StateChange) {
	for sub := range s.subs {
		if sub.closed || !sub.pattern.Match(change.Entry.Key) {
			continue
		}
		select {
		case sub.ch <- change:
		default:
			// Blocking here would stall every committer behind one slow
			// consumer. Drop the subscriber instead.
			sub.closed = true
			close(sub.ch)
			delete(s.subs, sub)
			if s.metrics != nil {
				s.metrics.RecordSubscriberDrop()
			}
			s.logger.Warn("state subscriber dropped: buffer full")
		}
	}
}

func (s *Store) currentVersionLocked(key string) uint64 {
	chain, ok := s.entries[key]
	if !ok {
		return 0
	}
	return chain[len(chain)-1].Version
}

func notFound(key string) error {
	return engine.NewPermanentError("state key not found", nil).
		WithCode(engine.ErrCodeNotFound).
		WithDetail("key", key)
}

func cloneRaw(v json.RawMessage) json.RawMessage {
	if v == nil {
		return nil
	}
	out := make(json.RawMessage, len(v))
	copy(out, v)
	return out
}

func isTrue(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("true"))
}

// snapshot is an immutable point-in-time view. It implements engine.Snapshot.
type snapshot struct {
	values     map[string]json.RawMessage
	predicates map[string]bool
}

func (s *snapshot) Predicates() map[string]bool {
	out := make(map[string]bool, len(s.predicates))
	for k := range s.predicates {
		out[k] = true
	}
	return out
}

func (s *snapshot) Get(key string) (json.RawMessage, bool) {
	v, ok := s.values[key]
	return v, ok
}
