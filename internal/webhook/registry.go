package webhook

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Outcome is how a delivery was settled.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
)

// Handler applies one event type.
type Handler func(ctx context.Context, event Event) (Outcome, error)

// Registry dispatches events by processor type. Types without a handler go
// to the fallback, which logs and acknowledges them.
type Registry struct {
	mutex    sync.RWMutex
	handlers map[string]Handler
	fallback Handler
}

// NewRegistry returns a registry whose fallback acknowledges unknown events.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		handlers: map[string]Handler{},
		fallback: func(ctx context.Context, event Event) (Outcome, error) {
			header := event.Header()
			logger.Info("webhook event ignored",
				zap.String("event_id", header.ID),
				zap.String("event_type", header.Type),
			)
			return OutcomeIgnored, nil
		},
	}
}

// Register binds handler to every listed event type.
func (registry *Registry) Register(handler Handler, eventTypes ...string) {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	for _, eventType := range eventTypes {
		registry.handlers[eventType] = handler
	}
}

// Dispatch runs the handler registered for the event type.
func (registry *Registry) Dispatch(ctx context.Context, event Event) (Outcome, error) {
	registry.mutex.RLock()
	handler, ok := registry.handlers[event.Header().Type]
	registry.mutex.RUnlock()
	if !ok {
		handler = registry.fallback
	}
	return handler(ctx, event)
}
