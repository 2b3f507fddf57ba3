package event

import "sync/atomic"

// Subscription is one observer's attachment to a document's event
// stream. Read events from C until it closes, then check Err: a nil
// error means a normal end (terminal event or explicit Close); a
// finsight.ErrResyncRequired means the subscriber fell behind and must
// re-fetch the job status before subscribing again.
type Subscription struct {
	id     string
	ch     chan *Event
	closed atomic.Bool
	err    atomic.Pointer[error]

	// detach removes the subscription from its topic; set by the bus.
	detach func()
}

func newSubscription(id string, buffer int) *Subscription {
	return &Subscription{
		id: id,
		ch: make(chan *Event, buffer),
	}
}

// ID returns the subscriber identifier.
func (s *Subscription) ID() string { return s.id }

// C returns the read-only event channel.
func (s *Subscription) C() <-chan *Event { return s.ch }

// Err reports why the channel closed. Valid after C is closed.
func (s *Subscription) Err() error {
	if p := s.err.Load(); p != nil {
		return *p
	}
	return nil
}

// Close detaches the subscription and closes its channel.
// Safe to call multiple times.
func (s *Subscription) Close() {
	if s.detach != nil {
		s.detach()
	}
	s.closeWithErr(nil)
}

// send attempts a non-blocking delivery.
// Returns false if the buffer is full or the subscription is closed.
func (s *Subscription) send(evt *Event) bool {
	if s.closed.Load() {
		return false
	}
	select {
	case s.ch <- evt:
		return true
	default:
		return false
	}
}

// closeWithErr records the close reason and closes the channel once.
func (s *Subscription) closeWithErr(err error) {
	if s.closed.CompareAndSwap(false, true) {
		if err != nil {
			s.err.Store(&err)
		}
		close(s.ch)
	}
}
