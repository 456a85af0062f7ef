package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/intentd/intentd/pkg/engine"
	"github.com/intentd/intentd/pkg/telemetry"
)

// defaultSubscriberBuffer is the per-subscriber channel capacity.
const defaultSubscriberBuffer = 256

// Bus is an in-memory event bus with one ordered, replayable stream per
// plan. It implements engine.EventBus.
//
// Each stream retains its full event log, so a subscriber can replay from
// any sequence number. Sequences are assigned under the stream lock and are
// strictly increasing from 1 with no gaps.
type Bus struct {
	mu      sync.RWMutex
	streams map[string]*stream

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	bufSize int
}

type stream struct {
	mu     sync.RWMutex
	events []engine.Event
	subs   map[*subscriber]struct{}
}

type subscriber struct {
	ch     chan engine.Event
	notify chan struct{}
	cursor uint64
}

// Option customizes a Bus.
type Option func(*Bus)

// WithMetrics attaches a metrics recorder.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// WithSubscriberBuffer overrides the per-subscriber channel capacity.
func WithSubscriberBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.bufSize = n
		}
	}
}

// New creates an event bus.
func New(logger *telemetry.Logger, opts ...Option) *Bus {
	b := &Bus{
		streams: make(map[string]*stream),
		logger:  logger.NewComponentLogger("eventbus"),
		bufSize: defaultSubscriberBuffer,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish appends an event to the plan's stream, assigning the next sequence
// number. Use stepIndex -1 for plan-level events.
func (b *Bus) Publish(ctx context.Context, planID string, typ engine.EventType, stepIndex int, payload map[string]interface{}) (*engine.Event, error) {
	if err := typ.Validate(); err != nil {
		return nil, engine.NewPermanentError("invalid event type", err).
			WithCode(engine.ErrCodeValidation).WithPlan(planID)
	}
	st := b.stream(planID)

	st.mu.Lock()
	event := engine.Event{
		ID:        uuid.New().String(),
		PlanID:    planID,
		Sequence:  uint64(len(st.events)) + 1,
		Type:      typ,
		StepIndex: stepIndex,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	st.events = append(st.events, event)
	for sub := range st.subs {
		select {
		case sub.notify <- struct{}{}:
		default:
		}
	}
	st.mu.Unlock()

	if b.metrics != nil {
		b.metrics.RecordEventPublished()
	}
	return &event, nil
}

// Subscribe replays the plan's events from sequence fromSeq (1 or 0 replays
// everything) and then streams live events until ctx is done. A subscriber
// whose buffer stays full has its channel closed and must resubscribe.
func (b *Bus) Subscribe(ctx context.Context, planID string, fromSeq uint64) (<-chan engine.Event, error) {
	st := b.stream(planID)
	cursor := fromSeq
	if cursor > 0 {
		cursor--
	}
	sub := &subscriber{
		ch:     make(chan engine.Event, b.bufSize),
		notify: make(chan struct{}, 1),
		cursor: cursor,
	}

	st.mu.Lock()
	st.subs[sub] = struct{}{}
	st.mu.Unlock()

	go b.pump(ctx, st, sub)
	return sub.ch, nil
}

// Events returns the plan's stored events from fromSeq onward.
func (b *Bus) Events(ctx context.Context, planID string, fromSeq uint64) ([]engine.Event, error) {
	st := b.stream(planID)
	st.mu.RLock()
	defer st.mu.RUnlock()
	start := 0
	if fromSeq > 1 {
		start = int(fromSeq) - 1
	}
	if start >= len(st.events) {
		return nil, nil
	}
	out := make([]engine.Event, len(st.events)-start)
	copy(out, st.events[start:])
	return out, nil
}

// pump moves events from the stream log to one subscriber, preserving order.
// The full log backs the pump, so replay and live delivery share one path.
func (b *Bus) pump(ctx context.Context, st *stream, sub *subscriber) {
	defer func() {
		st.mu.Lock()
		if _, ok := st.subs[sub]; ok {
			delete(st.subs, sub)
			close(sub.ch)
		}
		st.mu.Unlock()
	}()

	for {
		for {
			st.mu.RLock()
			if sub.cursor >= uint64(len(st.events)) {
				st.mu.RUnlock()
				break
			}
			event := st.events[sub.cursor]
			st.mu.RUnlock()

			select {
			case sub.ch <- event:
				sub.cursor++
			default:
				// Buffer full: the consumer fell behind the bound. Drop it
				// rather than stall publishers or grow without limit.
				if b.metrics != nil {
					b.metrics.RecordSubscriberDrop()
				}
				b.logger.WithPlanID(event.PlanID).Warn("event subscriber dropped: buffer full")
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-sub.notify:
		}
	}
}

func (b *Bus) stream(planID string) *stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.streams[planID]
	if !ok {
		st = &stream{subs: make(map[*subscriber]struct{})}
		b.streams[planID] = st
	}
	return st
}
