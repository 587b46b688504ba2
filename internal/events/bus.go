package events

import "context"

// Handler is the function the worker logic implements.
// If it returns nil, the message is Acknowledged (removed from queue).
// If it returns error, the message is Nacked (retried).
type Handler func(ctx context.Context, payload []byte) error

type Subscription struct {
	Unsubscribe func() error
}

type Bus interface {
	Publish(subject string, data []byte, msgID string) error
	Subscribe(subject string, group string, name string, handler Handler) (Subscription, error)
	Close() error
}
