package mockprovider

import (
	"context"
	"sync"
	"time"

	"loom/internal/llm/core"
)

// Provider emits a predefined event script for deterministic tests.
type Provider struct {
	Events []core.Event
	Delay  time.Duration

	mu       sync.Mutex
	requests []*core.Request
}

// ScriptedText returns a provider that streams text in fixed-size chunks and
// finishes with the given stop reason.
func ScriptedText(text string, chunkSize int, reason core.StopReason) *Provider {
	if chunkSize <= 0 {
		chunkSize = len(text)
	}

	events := []core.Event{{Type: core.EventStart}}
	for i := 0; i < len(text); i += chunkSize {
		end := i + chunkSize
		if end > len(text) {
			end = len(text)
		}
		events = append(events, core.Event{Type: core.EventTextDelta, TextDelta: text[i:end]})
	}
	events = append(events, core.Event{
		Type: core.EventDone,
		Done: &core.DonePayload{Reason: reason},
	})

	return &Provider{Events: events}
}

// Stream emits scripted events in order until exhaustion or cancellation.
func (m *Provider) Stream(ctx context.Context, req *core.Request) (<-chan core.Event, error) {
	m.recordRequest(req)

	out := make(chan core.Event, 1)
	go func() {
		defer close(out)
		for _, ev := range m.Events {
			if m.Delay > 0 {
				timer := time.NewTimer(m.Delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					core.SendTerminalEvent(out, core.Event{
						Type: core.EventError,
						Done: &core.DonePayload{Reason: core.StopReasonAborted},
						Err:  ctx.Err(),
					})
					return
				case <-timer.C:
				}
			}

			select {
			case <-ctx.Done():
				core.SendTerminalEvent(out, core.Event{
					Type: core.EventError,
					Done: &core.DonePayload{Reason: core.StopReasonAborted},
					Err:  ctx.Err(),
				})
				return
			case out <- ev:
			}
		}
	}()

	return out, nil
}

// LastRequest returns the most recent request passed to Stream, or nil.
func (m *Provider) LastRequest() *core.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return nil
	}
	return m.requests[len(m.requests)-1]
}

// RequestCount returns how many times Stream has been called.
func (m *Provider) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *Provider) recordRequest(req *core.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
}
