package core

import "context"

// SendEvent forwards a stream event to the consumer, giving up when the
// request context is canceled first.
func SendEvent(ctx context.Context, events chan<- Event, event Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case events <- event:
		return nil
	}
}

// SendTerminalEvent emits the final event of a stream without blocking. It
// relies on the events channel having capacity for at least one event, so
// the producer goroutine can always deliver its terminal error and exit
// even after the consumer stops reading.
func SendTerminalEvent(events chan<- Event, event Event) {
	select {
	case events <- event:
	default:
	}
}
