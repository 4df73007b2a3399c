package eventbus

import "context"

// Middleware transforms or filters an Event before dispatch. Returning
// a nil Event silently drops it (not an error); returning a non-nil
// error aborts the whole publish.
type Middleware func(ctx context.Context, event Event) (*Event, error)

// MiddlewareChain runs an ordered list of Middleware over an Event.
type MiddlewareChain struct {
	steps []Middleware
}

// NewMiddlewareChain builds a chain that runs steps in order.
func NewMiddlewareChain(steps ...Middleware) *MiddlewareChain {
	return &MiddlewareChain{steps: append([]Middleware{}, steps...)}
}

// Use appends a step to the end of the chain.
func (c *MiddlewareChain) Use(step Middleware) {
	c.steps = append(c.steps, step)
}

// Run applies every step in order. A nil result (with nil error) means
// a step dropped the event; Run stops and returns (nil, nil).
func (c *MiddlewareChain) Run(ctx context.Context, event Event) (*Event, error) {
	current := event
	for _, step := range c.steps {
		result, err := step(ctx, current)
		if err != nil {
			return nil, err
		}
		if result == nil {
			return nil, nil
		}
		current = *result
	}
	return &current, nil
}
