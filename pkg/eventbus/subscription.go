package eventbus

import (
	"context"

	"github.com/google/uuid"
)

// Handler processes one matching Event. Its error (or panic), if any,
// is caught by the bus, logged, and counted in eventbus_failed_total;
// no subscriptionError event is published for it. It never aborts
// sibling handlers or the publish call.
type Handler func(ctx context.Context, event Event) error

// SubscribeOptions configures a Subscribe call.
type SubscribeOptions struct {
	Once     bool
	Async    bool
	Priority int
	Filter   func(Event) bool
}

// Subscription is a live registration binding a handler to an event
// pattern. It becomes inactive on explicit unsubscribe, after its
// first successful invocation when Once is set, or on explicit
// deactivation; an inactive subscription receives no future events.
type Subscription struct {
	ID        string
	Pattern   string // literal event type, or "*" for all
	Handler   Handler
	Once      bool
	Async     bool
	Priority  int
	Filter    func(Event) bool
	active    bool
	invoked   int64
	lastError error
}

func newSubscription(pattern string, handler Handler, opts SubscribeOptions) *Subscription {
	return &Subscription{
		ID:       uuid.NewString(),
		Pattern:  pattern,
		Handler:  handler,
		Once:     opts.Once,
		Async:    opts.Async,
		Priority: opts.Priority,
		Filter:   opts.Filter,
		active:   true,
	}
}

func (s *Subscription) matches(evt Event) bool {
	if !s.active {
		return false
	}
	if s.Pattern != "*" && s.Pattern != evt.Type {
		return false
	}
	if s.Filter != nil && !s.Filter(evt) {
		return false
	}
	return true
}

// Stats is a point-in-time view of a subscription's activity,
// returned by ListSubscriptions.
type Stats struct {
	ID       string
	Pattern  string
	Priority int
	Async    bool
	Once     bool
	Active   bool
	Invoked  int64
}
