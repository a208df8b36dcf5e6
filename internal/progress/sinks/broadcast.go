package sinks

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/plantedlabs/venuescout/internal/progress"
)

// Broadcast fans run events out to live subscribers, keyed by run ID. The API
// layer attaches one subscriber per open event-stream request. Slow
// subscribers lose events rather than stalling the hub.
type Broadcast struct {
	mu     sync.Mutex
	subs   map[string]map[int]chan progress.Event
	nextID int
	closed bool
	logger *zap.Logger
}

// NewBroadcast constructs a Broadcast sink.
func NewBroadcast(logger *zap.Logger) *Broadcast {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcast{
		subs:   make(map[string]map[int]chan progress.Event),
		logger: logger,
	}
}

// Subscribe registers interest in one run's events. The returned cancel
// function must be called when the subscriber goes away; it closes the
// channel.
func (b *Broadcast) Subscribe(runID string, buffer int) (<-chan progress.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan progress.Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.nextID++
	id := b.nextID
	if b.subs[runID] == nil {
		b.subs[runID] = make(map[int]chan progress.Event)
	}
	b.subs[runID][id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.subs[runID]; ok {
			if _, ok := set[id]; ok {
				delete(set, id)
				close(ch)
				if len(set) == 0 {
					delete(b.subs, runID)
				}
			}
		}
	}
	return ch, cancel
}

// SubscriberCount reports the number of live subscribers for a run.
func (b *Broadcast) SubscriberCount(runID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[runID])
}

// Consume delivers each event to the run's subscribers without blocking.
func (b *Broadcast) Consume(_ context.Context, batch []progress.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	for _, evt := range batch {
		for _, ch := range b.subs[evt.RunID] {
			select {
			case ch <- evt:
			default:
				b.logger.Debug("dropping run event for slow subscriber",
					zap.String("run_id", evt.RunID), zap.String("stage", string(evt.Stage)))
			}
		}
	}
	return nil
}

// Close terminates all subscriber channels.
func (b *Broadcast) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for runID, set := range b.subs {
		for id, ch := range set {
			close(ch)
			delete(set, id)
		}
		delete(b.subs, runID)
	}
	return nil
}
