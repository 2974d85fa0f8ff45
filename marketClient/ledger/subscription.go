package ledger

import "sync"

// Subscription is one live event stream from the ledger.
type Subscription struct {
	events  <-chan Event
	stop    func()
	once    sync.Once
	onClose func()
}

// NewSubscription wraps an event channel and the function that ends it.
// stop must close events.
func NewSubscription(events <-chan Event, stop func()) *Subscription {
	return &Subscription{events: events, stop: stop}
}

// Events returns the channel events are delivered on. It is closed by Unsubscribe.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Unsubscribe stops the stream. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		if s.stop != nil {
			s.stop()
		}
		if s.onClose != nil {
			s.onClose()
		}
	})
}
