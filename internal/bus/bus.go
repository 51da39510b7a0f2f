// Package bus fans newly accepted envelopes out to live subscribers. The
// subscriber registry lives behind a single mutex and only the broadcaster
// mutates it; request handlers interact with it exclusively through
// Subscribe, Unsubscribe, and the subscription channel.
package bus

import (
	"sync"

	"github.com/basket/agentlens/internal/envelope"
)

const defaultBufferSize = 100

// Subscription represents one live subscriber handle.
type Subscription struct {
	id int
	ch chan envelope.Envelope
}

// Ch returns the channel to receive envelopes on. It is closed when the
// subscription is removed, whether by Unsubscribe or by falling behind.
func (s *Subscription) Ch() <-chan envelope.Envelope {
	return s.ch
}

// Broadcaster delivers each published envelope to every current subscriber.
// Publishing never blocks on a slow or dead subscriber: a subscriber whose
// buffer is full is removed from the set instead of stalling the ingestion
// path. New subscribers receive only envelopes published after they
// subscribe; history lives in the event store, not here.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[int]*Subscription
	nextID int
}

// New creates an empty Broadcaster.
func New() *Broadcaster {
	return &Broadcaster{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe registers a new subscriber with a buffered channel.
func (b *Broadcaster) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id: b.nextID,
		ch: make(chan envelope.Envelope, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel. Safe to call
// twice or after the broadcaster already dropped the subscriber.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish attempts delivery to every current subscriber. A full buffer marks
// the subscriber as fallen behind: it is removed and its channel closed.
// The failure stays local to that subscriber and never propagates to the
// caller.
func (b *Broadcaster) Publish(env envelope.Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subs {
		select {
		case sub.ch <- env:
		default:
			delete(b.subs, id)
			close(sub.ch)
		}
	}
}

// SubscriberCount returns the number of active subscriptions. It is exposed
// as an observability gauge and plays no role in correctness.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
