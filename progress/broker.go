// Package progress fans run progress events out to subscribers.
//
// Every run gets an ordered event log; subscribing replays the log into the
// subscriber's channel and then feeds live events, with no duplicates and no
// gap between the two segments (both happen under the run's lock). A
// subscriber that stops draining is disconnected rather than allowed to
// block publication: its channel is closed early, which the consumer can
// distinguish from normal completion by the absence of a terminal event.
package progress

import (
	"sync"

	"github.com/qaweaverhq/qaweaver/run"
	"github.com/qaweaverhq/qaweaver/types"
)

const defaultBuffer = 64

type Broker struct {
	mu   sync.RWMutex
	runs map[string]*runLog
}

type runLog struct {
	mu      sync.Mutex
	runID   string
	nextSeq int
	history []types.ProgressEvent
	subs    map[int]*subscriber
	nextSub int
	closed  bool
}

type subscriber struct {
	ch chan types.ProgressEvent
}

// Subscription is one attached consumer. Events is closed when the run
// reaches a terminal status, the subscriber cancels, or the subscriber is
// dropped for not draining.
type Subscription struct {
	Events <-chan types.ProgressEvent
	cancel func()
}

func (s *Subscription) Cancel() {
	if s != nil && s.cancel != nil {
		s.cancel()
	}
}

func NewBroker() *Broker {
	return &Broker{runs: map[string]*runLog{}}
}

// Open creates the event log for a run. Called once, at run registration,
// before any event can be published.
func (b *Broker) Open(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.runs[runID]; !exists {
		b.runs[runID] = &runLog{runID: runID, subs: map[int]*subscriber{}}
	}
}

// Publish appends an event to the run's log and forwards it to every
// attached subscriber. The sequence number is assigned here, so per-run
// ordering is exactly publication order. Publishing to an unknown or closed
// run is a no-op.
func (b *Broker) Publish(runID string, event types.ProgressEvent) {
	b.mu.RLock()
	log := b.runs[runID]
	b.mu.RUnlock()
	if log == nil {
		return
	}

	log.mu.Lock()
	defer log.mu.Unlock()
	if log.closed {
		return
	}
	event.RunID = runID
	event.Seq = log.nextSeq
	log.nextSeq++
	log.history = append(log.history, event)

	for id, sub := range log.subs {
		select {
		case sub.ch <- event:
		default:
			// Subscriber stopped draining; disconnect it so it cannot
			// block delivery to others.
			delete(log.subs, id)
			close(sub.ch)
		}
	}
}

// Subscribe attaches a consumer to a run's stream. The returned channel
// first carries a replay of all events published so far, then live events.
// Subscribing to a completed run yields the full history followed by
// channel close. Unknown runs return run.ErrUnknownRun.
func (b *Broker) Subscribe(runID string, buffer int) (*Subscription, error) {
	b.mu.RLock()
	log := b.runs[runID]
	b.mu.RUnlock()
	if log == nil {
		return nil, run.ErrUnknownRun
	}
	if buffer <= 0 {
		buffer = defaultBuffer
	}

	log.mu.Lock()
	defer log.mu.Unlock()

	ch := make(chan types.ProgressEvent, len(log.history)+buffer)
	for _, event := range log.history {
		ch <- event
	}
	if log.closed {
		close(ch)
		return &Subscription{Events: ch, cancel: func() {}}, nil
	}

	id := log.nextSub
	log.nextSub++
	log.subs[id] = &subscriber{ch: ch}

	cancel := func() {
		log.mu.Lock()
		defer log.mu.Unlock()
		if sub, ok := log.subs[id]; ok {
			delete(log.subs, id)
			close(sub.ch)
		}
	}
	return &Subscription{Events: ch, cancel: cancel}, nil
}

// Close tears the run's channel down after the terminal event has been
// published: every subscriber channel is completed and removed. The history
// is retained so late subscribers still get a full replay.
func (b *Broker) Close(runID string) {
	b.mu.RLock()
	log := b.runs[runID]
	b.mu.RUnlock()
	if log == nil {
		return
	}

	log.mu.Lock()
	defer log.mu.Unlock()
	if log.closed {
		return
	}
	log.closed = true
	for id, sub := range log.subs {
		delete(log.subs, id)
		close(sub.ch)
	}
}

// History returns a copy of the events published so far for a run.
func (b *Broker) History(runID string) ([]types.ProgressEvent, error) {
	b.mu.RLock()
	log := b.runs[runID]
	b.mu.RUnlock()
	if log == nil {
		return nil, run.ErrUnknownRun
	}
	log.mu.Lock()
	defer log.mu.Unlock()
	return append([]types.ProgressEvent(nil), log.history...), nil
}
