package event

import "context"

// Publisher is the interface for handing a recorded ChangeEvent to the
// asynchronous fan-out paths.
type Publisher interface {
	PublishChanged(ctx context.Context, event *ChangeEvent) error
}

// NoOpPublisher is a Publisher that does nothing (for in-process usage
// without fan-out).
type NoOpPublisher struct{}

// PublishChanged is a no-op.
func (p *NoOpPublisher) PublishChanged(_ context.Context, _ *ChangeEvent) error {
	return nil
}

// CallbackPublisher is a Publisher that calls a callback function (for testing).
type CallbackPublisher struct {
	callback func(ctx context.Context, event *ChangeEvent) error
}

// NewCallbackPublisher creates a new CallbackPublisher.
func NewCallbackPublisher(cb func(ctx context.Context, event *ChangeEvent) error) *CallbackPublisher {
	return &CallbackPublisher{callback: cb}
}

// PublishChanged calls the callback.
func (p *CallbackPublisher) PublishChanged(ctx context.Context, event *ChangeEvent) error {
	return p.callback(ctx, event)
}
