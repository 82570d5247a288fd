package proxy

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nulpointcorp/modelgate/internal/relay"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSC() *StreamingContext {
	return newStreamingContext(time.Now(), discardLogger())
}

func TestStreamingContextTextAccumulation(t *testing.T) {
	sc := newSC()
	sc.Observe(relay.Event{Type: relay.EventMessageStart, MessageID: "msg_1", Model: "gpt-4o"})
	sc.Observe(relay.Event{Type: relay.EventBlockStart, Index: relay.Idx(0), Block: relay.BlockText})
	sc.Observe(relay.Event{Type: relay.EventBlockDelta, Index: relay.Idx(0), Text: "Hello, "})
	sc.Observe(relay.Event{Type: relay.EventBlockDelta, Index: relay.Idx(0), Text: "world"})
	sc.Observe(relay.Event{Type: relay.EventMessageDelta, StopReason: "end_turn",
		Usage: &relay.Usage{InputTokens: 12, OutputTokens: 4}})

	resp := sc.Response("fallback")
	if resp.ID != "msg_1" || resp.Model != "gpt-4o" {
		t.Errorf("identity: got id=%q model=%q", resp.ID, resp.Model)
	}
	if resp.Content != "Hello, world" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.StopReason != "end_turn" {
		t.Errorf("stop = %q", resp.StopReason)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 4 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestStreamingContextThinking(t *testing.T) {
	sc := newSC()
	sc.Observe(relay.Event{Type: relay.EventBlockStart, Index: relay.Idx(0), Block: relay.BlockThinking})
	sc.Observe(relay.Event{Type: relay.EventBlockDelta, Index: relay.Idx(0), Thinking: "pondering"})
	sc.Observe(relay.Event{Type: relay.EventBlockStart, Index: relay.Idx(1), Block: relay.BlockText})
	sc.Observe(relay.Event{Type: relay.EventBlockDelta, Index: relay.Idx(1), Text: "answer"})

	resp := sc.Response("m")
	if resp.Thinking != "pondering" || resp.Content != "answer" {
		t.Errorf("got thinking=%q content=%q", resp.Thinking, resp.Content)
	}
}

func TestStreamingContextToolCallRouting(t *testing.T) {
	sc := newSC()
	sc.Observe(relay.Event{Type: relay.EventBlockStart, Index: relay.Idx(0),
		Block: relay.BlockToolUse, ToolID: "call_a", ToolName: "get_weather"})
	sc.Observe(relay.Event{Type: relay.EventBlockStart, Index: relay.Idx(1),
		Block: relay.BlockToolUse, ToolID: "call_b", ToolName: "get_time"})
	sc.Observe(relay.Event{Type: relay.EventBlockDelta, Index: relay.Idx(0), PartialJSON: `{"city":`})
	sc.Observe(relay.Event{Type: relay.EventBlockDelta, Index: relay.Idx(1), PartialJSON: `{"tz":"UTC"}`})
	sc.Observe(relay.Event{Type: relay.EventBlockDelta, Index: relay.Idx(0), PartialJSON: `"Oslo"}`})

	resp := sc.Response("m")
	if len(resp.ToolCalls) != 2 {
		t.Fatalf("got %d tool calls, want 2", len(resp.ToolCalls))
	}
	if resp.ToolCalls[0].ID != "call_a" || resp.ToolCalls[0].Arguments != `{"city":"Oslo"}` {
		t.Errorf("call_a = %+v", resp.ToolCalls[0])
	}
	if resp.ToolCalls[1].ID != "call_b" || resp.ToolCalls[1].Arguments != `{"tz":"UTC"}` {
		t.Errorf("call_b = %+v", resp.ToolCalls[1])
	}
	if resp.StopReason != "tool_use" {
		t.Errorf("stop = %q, want tool_use", resp.StopReason)
	}
}

func TestStreamingContextDeltaWithoutIndexDropped(t *testing.T) {
	sc := newSC()
	sc.Observe(relay.Event{Type: relay.EventBlockStart, Index: relay.Idx(0),
		Block: relay.BlockToolUse, ToolID: "call_a", ToolName: "fn"})
	// No index: must not be attributed to any block.
	sc.Observe(relay.Event{Type: relay.EventBlockDelta, PartialJSON: `{"x":1}`})
	// Unknown index: same.
	sc.Observe(relay.Event{Type: relay.EventBlockDelta, Index: relay.Idx(9), PartialJSON: `{"y":2}`})

	resp := sc.Response("m")
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("got %d tool calls, want 1", len(resp.ToolCalls))
	}
	if resp.ToolCalls[0].Arguments != "" {
		t.Errorf("arguments = %q, want empty", resp.ToolCalls[0].Arguments)
	}
}

func TestStreamingContextToolStartWithoutIndexSkipped(t *testing.T) {
	sc := newSC()
	sc.Observe(relay.Event{Type: relay.EventBlockStart,
		Block: relay.BlockToolUse, ToolID: "call_a", ToolName: "fn"})

	resp := sc.Response("m")
	if len(resp.ToolCalls) != 0 {
		t.Errorf("got %d tool calls, want 0", len(resp.ToolCalls))
	}
}

func TestStreamingContextFirstChunkOnce(t *testing.T) {
	sc := newStreamingContext(time.Now().Add(-time.Second), discardLogger())
	if sc.TTFT() >= 0 {
		t.Fatal("ttft set before first chunk")
	}
	sc.FirstChunk()
	first := sc.TTFT()
	if first < time.Second {
		t.Errorf("ttft = %v, want >= 1s", first)
	}
	sc.FirstChunk()
	if sc.TTFT() != first {
		t.Error("second FirstChunk moved ttft")
	}
}

func TestStreamingContextMarkSavedOnce(t *testing.T) {
	sc := newSC()
	if !sc.MarkSaved() {
		t.Fatal("first MarkSaved must return true")
	}
	if sc.MarkSaved() {
		t.Fatal("second MarkSaved must return false")
	}
}

func TestStreamingContextFallbacks(t *testing.T) {
	sc := newSC()
	resp := sc.Response("fallback-model")
	if resp.Model != "fallback-model" {
		t.Errorf("model = %q", resp.Model)
	}
	if resp.ID == "" {
		t.Error("id must be synthesized")
	}
	if resp.StopReason != "end_turn" {
		t.Errorf("stop = %q, want end_turn", resp.StopReason)
	}
	if resp.Usage.InputTokens != -1 || resp.Usage.OutputTokens != -1 {
		t.Errorf("usage = %+v, want unknown", resp.Usage)
	}
}

func TestStreamStateString(t *testing.T) {
	states := map[streamState]string{
		stateIdle: "idle", stateConnecting: "connecting", stateFirstChunk: "first_chunk",
		stateStreaming: "streaming", stateCompleted: "completed",
		stateAborted: "aborted", stateFailed: "failed",
	}
	for s, want := range states {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", s, got, want)
		}
	}
}
