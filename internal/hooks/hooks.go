// Package hooks is the lifecycle hook registry. Each event has at most one
// handler; registering a second one fails instead of replacing the first.
package hooks

import (
	"context"
	"sync"

	"golang.org/x/xerrors"
)

// Event names a lifecycle point handlers can attach to.
type Event string

// AfterPingCollection runs on every assembled ping payload before it is
// stored. The handler may return a modified payload.
const AfterPingCollection Event = "afterPingCollection"

var (
	ErrAlreadyRegistered = xerrors.New("hooks: handler already registered")
	ErrUnknownEvent      = xerrors.New("hooks: unknown event")
)

// Handler transforms a ping payload.
type Handler func(ctx context.Context, payload map[string]any) (map[string]any, error)

// Registry maps events to their single handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Event]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: map[Event]Handler{}}
}

func known(event Event) bool {
	return event == AfterPingCollection
}

// Register attaches h to event.
func (r *Registry) Register(event Event, h Handler) error {
	if !known(event) {
		return xerrors.Errorf("register %q: %w", event, ErrUnknownEvent)
	}
	if h == nil {
		return xerrors.Errorf("register %q: nil handler", event)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[event]; ok {
		return xerrors.Errorf("register %q: %w", event, ErrAlreadyRegistered)
	}
	r.handlers[event] = h
	return nil
}

// Unregister detaches the handler of event, if any.
func (r *Registry) Unregister(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, event)
}

// Trigger runs the handler of event. Without a handler payload is returned
// unchanged and handled is false.
func (r *Registry) Trigger(ctx context.Context, event Event, payload map[string]any) (out map[string]any, handled bool, err error) {
	r.mu.RLock()
	h, ok := r.handlers[event]
	r.mu.RUnlock()
	if !ok {
		return payload, false, nil
	}
	out, err = h(ctx, payload)
	if err != nil {
		return nil, true, xerrors.Errorf("%s handler: %w", event, err)
	}
	return out, true, nil
}
