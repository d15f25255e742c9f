package mockprovider

import (
	"context"
	"testing"

	"loom/internal/llm/core"
)

// TestMockProviderStreamsScriptedEvents verifies deterministic event ordering.
func TestMockProviderStreamsScriptedEvents(t *testing.T) {
	t.Parallel()

	mp := &Provider{
		Events: []core.Event{
			{Type: core.EventStart},
			{Type: core.EventTextDelta, TextDelta: "hello"},
			{
				Type: core.EventDone,
				Done: &core.DonePayload{
					Reason: core.StopReasonStop,
				},
			},
		},
	}

	stream, err := mp.Stream(context.Background(), &core.Request{Model: "mock"})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	var got []core.EventType
	for ev := range stream {
		got = append(got, ev.Type)
	}

	want := []core.EventType{core.EventStart, core.EventTextDelta, core.EventDone}
	if len(got) != len(want) {
		t.Fatalf("event count mismatch: got %d want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d mismatch: got %s want %s", i, got[i], want[i])
		}
	}
}

// TestScriptedTextChunksAndFinishes verifies the chunked-script helper.
func TestScriptedTextChunksAndFinishes(t *testing.T) {
	t.Parallel()

	mp := ScriptedText("hello world", 4, core.StopReasonStop)

	stream, err := mp.Stream(context.Background(), &core.Request{Model: "mock"})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	text := ""
	var last core.Event
	for ev := range stream {
		if ev.Type == core.EventTextDelta {
			text += ev.TextDelta
		}
		last = ev
	}

	if text != "hello world" {
		t.Fatalf("accumulated text = %q, want %q", text, "hello world")
	}
	if last.Type != core.EventDone || last.Done == nil || last.Done.Reason != core.StopReasonStop {
		t.Fatalf("final event = %+v, want done/stop", last)
	}
}

// TestMockProviderRecordsRequests verifies request capture for assertions.
func TestMockProviderRecordsRequests(t *testing.T) {
	t.Parallel()

	mp := ScriptedText("ok", 0, core.StopReasonStop)
	if mp.LastRequest() != nil {
		t.Fatal("LastRequest() should be nil before any call")
	}

	req := &core.Request{Model: "mock", System: "be brief"}
	stream, err := mp.Stream(context.Background(), req)
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	for range stream {
	}

	if got := mp.RequestCount(); got != 1 {
		t.Fatalf("RequestCount() = %d, want 1", got)
	}
	if got := mp.LastRequest(); got == nil || got.System != "be brief" {
		t.Fatalf("LastRequest() = %+v, want recorded request", got)
	}
}
