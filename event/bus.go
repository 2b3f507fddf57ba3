package event

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	finsight "github.com/finsight/finsight"
	"github.com/finsight/finsight/id"
)

// DefaultRetention is the default number of events retained per document
// for subscriber replay.
const DefaultRetention = 256

// Bus is the in-process progress event broker. Publication assigns the
// document's next sequence number under the topic lock, so sequence
// order always matches publish (commit) order. Callers must publish only
// after the corresponding job state change is durable.
type Bus struct {
	logger    *slog.Logger
	retention int

	mu     sync.RWMutex
	topics map[string]*topic

	// Metrics.
	totalPublished atomic.Int64
	totalDropped   atomic.Int64
}

// topic holds one document's sequence counter, retention ring, and
// subscriber set.
type topic struct {
	mu       sync.Mutex
	nextSeq  uint64 // next sequence to assign; sequences start at 1
	ring     []*Event
	subs     map[string]*Subscription
	terminal bool
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithRetention sets the per-document replay buffer size.
func WithRetention(n int) BusOption {
	return func(b *Bus) { b.retention = n }
}

// WithLogger sets the bus logger.
func WithLogger(logger *slog.Logger) BusOption {
	return func(b *Bus) { b.logger = logger }
}

// NewBus creates an event bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		logger:    slog.Default(),
		retention: DefaultRetention,
		topics:    make(map[string]*topic),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish assigns the event's sequence number and fans it out to the
// document's subscribers. A subscriber that cannot keep up is closed
// with a resync signal rather than delivered a gap. A terminal event
// closes every subscription after delivery.
func (b *Bus) Publish(evt *Event) {
	t := b.topic(evt.DocumentID, true)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextSeq++
	evt.ID = id.NewEventID()
	evt.Sequence = t.nextSeq
	evt.Timestamp = time.Now().UTC()

	t.ring = append(t.ring, evt)
	if len(t.ring) > b.retention {
		t.ring = t.ring[len(t.ring)-b.retention:]
	}

	for subID, sub := range t.subs {
		if sub.send(evt) {
			b.totalPublished.Add(1)
			continue
		}
		// The subscriber's buffer is full; a silent drop would create a
		// gap in its stream, so force it to resync instead.
		b.totalDropped.Add(1)
		delete(t.subs, subID)
		sub.closeWithErr(finsight.ErrResyncRequired)
		b.logger.Debug("subscriber lagging, forced resync",
			slog.String("document_id", evt.DocumentID.String()),
			slog.String("subscriber_id", subID),
		)
	}

	if evt.Terminal() {
		t.terminal = true
		for subID, sub := range t.subs {
			delete(t.subs, subID)
			sub.closeWithErr(nil)
		}
	}
}

// Subscribe attaches an observer to a document's event stream.
//
// fromSeq zero means live-only: no replay, events flow from the next
// publication. A non-zero fromSeq requests replay of every retained
// event with sequence >= fromSeq; if the oldest retained sequence is
// already past fromSeq the subscriber missed events that can never be
// replayed and finsight.ErrResyncRequired is returned — re-fetch the
// job status, then subscribe live.
//
// If the document's stream already ended, replayed events are delivered
// and the subscription closes immediately after.
func (b *Bus) Subscribe(docID id.DocumentID, fromSeq uint64) (*Subscription, error) {
	t := b.topic(docID, true)

	t.mu.Lock()
	defer t.mu.Unlock()

	var replay []*Event
	if fromSeq > 0 {
		oldest := t.nextSeq + 1 - uint64(len(t.ring))
		if fromSeq < oldest {
			return nil, finsight.ErrResyncRequired
		}
		for _, evt := range t.ring {
			if evt.Sequence >= fromSeq {
				replay = append(replay, evt)
			}
		}
	}

	// Buffer must hold the full replay plus room for live events.
	sub := newSubscription(id.NewSubscriberID().String(), b.retention+len(replay))
	for _, evt := range replay {
		sub.send(evt)
	}

	if t.terminal {
		sub.closeWithErr(nil)
		return sub, nil
	}

	t.subs[sub.id] = sub
	sub.detach = func() { b.unsubscribe(docID, sub.id) }
	return sub, nil
}

// NextSequence returns the sequence number the document's next event
// will carry.
func (b *Bus) NextSequence(docID id.DocumentID) uint64 {
	t := b.topic(docID, false)
	if t == nil {
		return 1
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nextSeq + 1
}

// Stats returns bus counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	topics := len(b.topics)
	subs := 0
	for _, t := range b.topics {
		t.mu.Lock()
		subs += len(t.subs)
		t.mu.Unlock()
	}
	b.mu.RUnlock()

	return Stats{
		TopicCount:      topics,
		SubscriberCount: subs,
		TotalPublished:  b.totalPublished.Load(),
		TotalDropped:    b.totalDropped.Load(),
	}
}

// Stats contains bus metrics.
type Stats struct {
	TopicCount      int   `json:"topic_count"`
	SubscriberCount int   `json:"subscriber_count"`
	TotalPublished  int64 `json:"total_published"`
	TotalDropped    int64 `json:"total_dropped"`
}

// Forget drops a document's topic entirely: retention ring, sequence
// counter, and subscribers. Used when the owning document is deleted.
func (b *Bus) Forget(docID id.DocumentID) {
	b.mu.Lock()
	t, ok := b.topics[docID.String()]
	delete(b.topics, docID.String())
	b.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for subID, sub := range t.subs {
		delete(t.subs, subID)
		sub.closeWithErr(nil)
	}
}

// Close shuts down all subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.topics {
		t.mu.Lock()
		for subID, sub := range t.subs {
			delete(t.subs, subID)
			sub.closeWithErr(nil)
		}
		t.mu.Unlock()
	}
}

func (b *Bus) topic(docID id.DocumentID, create bool) *topic {
	key := docID.String()

	b.mu.RLock()
	t, ok := b.topics[key]
	b.mu.RUnlock()
	if ok || !create {
		return t
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok = b.topics[key]; ok {
		return t
	}
	t = &topic{subs: make(map[string]*Subscription)}
	b.topics[key] = t
	return t
}

func (b *Bus) unsubscribe(docID id.DocumentID, subID string) {
	t := b.topic(docID, false)
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, subID)
}
