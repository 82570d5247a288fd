package relay

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestOpenAIRequestParse(t *testing.T) {
	body := []byte(`{
		"model": "gpt-4o",
		"messages": [
			{"role": "system", "content": "be brief"},
			{"role": "user", "content": [{"type":"text","text":"hi "},{"type":"text","text":"there"}]}
		],
		"max_completion_tokens": 128,
		"temperature": 0.2,
		"stop": ["END"],
		"logit_bias": {"50256": -100}
	}`)

	req, err := requestAdapters[DialectOpenAI].Parse(body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if req.Model != "gpt-4o" {
		t.Errorf("model = %q", req.Model)
	}
	if len(req.Messages) != 2 {
		t.Fatalf("messages = %d", len(req.Messages))
	}
	if req.Messages[1].Content != "hi there" {
		t.Errorf("content parts not flattened: %q", req.Messages[1].Content)
	}
	if req.MaxTokens != 128 {
		t.Errorf("max tokens = %d", req.MaxTokens)
	}
	if req.Temperature == nil || *req.Temperature != 0.2 {
		t.Errorf("temperature = %v", req.Temperature)
	}
	if len(req.StopSequences) != 1 || req.StopSequences[0] != "END" {
		t.Errorf("stop = %v", req.StopSequences)
	}
	if _, ok := req.ExtraParams["logit_bias"]; !ok {
		t.Errorf("unknown field not carried in extras: %v", req.ExtraParams)
	}
	if _, ok := req.ExtraParams["model"]; ok {
		t.Errorf("known field leaked into extras")
	}
}

func TestOpenAIRequestParseErrors(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"bad json", `{`},
		{"no model", `{"messages":[{"role":"user","content":"x"}]}`},
		{"no messages", `{"model":"m"}`},
		{"stream with n", `{"model":"m","messages":[{"role":"user","content":"x"}],"stream":true,"n":2}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := requestAdapters[DialectOpenAI].Parse([]byte(tc.body))
			if err == nil {
				t.Fatal("expected error")
			}
			var pe *ParseError
			if !errorsAs(err, &pe) {
				t.Fatalf("expected ParseError, got %T", err)
			}
		})
	}
}

func errorsAs(err error, target **ParseError) bool {
	pe, ok := err.(*ParseError)
	if ok {
		*target = pe
	}
	return ok
}

func TestAnthropicRequestParse(t *testing.T) {
	body := []byte(`{
		"model": "claude-sonnet",
		"system": "be brief",
		"max_tokens": 1024,
		"top_k": 40,
		"messages": [
			{"role": "user", "content": "hello"},
			{"role": "assistant", "content": [
				{"type":"text","text":"let me check"},
				{"type":"tool_use","id":"toolu_1","name":"get_weather","input":{"city":"Oslo"}}
			]},
			{"role": "user", "content": [
				{"type":"tool_result","tool_use_id":"toolu_1","content":"rainy"}
			]}
		]
	}`)

	req, err := requestAdapters[DialectAnthropic].Parse(body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if req.System != "be brief" {
		t.Errorf("system = %q", req.System)
	}
	if req.TopK == nil || *req.TopK != 40 {
		t.Errorf("top_k = %v", req.TopK)
	}
	if len(req.Messages) != 3 {
		t.Fatalf("messages = %d: %+v", len(req.Messages), req.Messages)
	}
	asst := req.Messages[1]
	if len(asst.ToolCalls) != 1 || asst.ToolCalls[0].Name != "get_weather" {
		t.Errorf("tool calls = %+v", asst.ToolCalls)
	}
	if !json.Valid([]byte(asst.ToolCalls[0].Arguments)) {
		t.Errorf("tool input not valid JSON: %q", asst.ToolCalls[0].Arguments)
	}
	toolMsg := req.Messages[2]
	if toolMsg.Role != "tool" || toolMsg.ToolCallID != "toolu_1" || toolMsg.Content != "rainy" {
		t.Errorf("tool result message = %+v", toolMsg)
	}
}

func TestResponsesRequestParse(t *testing.T) {
	t.Run("string input", func(t *testing.T) {
		req, err := requestAdapters[DialectResponses].Parse([]byte(
			`{"model":"gpt-4o","input":"hello","instructions":"be brief","max_output_tokens":64}`))
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if len(req.Messages) != 1 || req.Messages[0].Content != "hello" {
			t.Errorf("messages = %+v", req.Messages)
		}
		if req.System != "be brief" || req.MaxTokens != 64 {
			t.Errorf("system=%q max=%d", req.System, req.MaxTokens)
		}
	})

	t.Run("item list with tool loop", func(t *testing.T) {
		req, err := requestAdapters[DialectResponses].Parse([]byte(`{
			"model": "gpt-4o",
			"input": [
				{"type":"message","role":"user","content":[{"type":"input_text","text":"weather?"}]},
				{"type":"function_call","call_id":"call_1","name":"get_weather","arguments":"{\"city\":\"Oslo\"}"},
				{"type":"function_call_output","call_id":"call_1","output":"rainy"}
			]
		}`))
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if len(req.Messages) != 3 {
			t.Fatalf("messages = %d", len(req.Messages))
		}
		if req.Messages[1].ToolCalls[0].ID != "call_1" {
			t.Errorf("call id = %+v", req.Messages[1].ToolCalls)
		}
		if req.Messages[2].Role != "tool" || req.Messages[2].Content != "rainy" {
			t.Errorf("tool output message = %+v", req.Messages[2])
		}
	})
}

func TestOpenAIUnaryRender(t *testing.T) {
	resp := &Response{
		Model:      "gpt-4o",
		Content:    "hi",
		Thinking:   "pondering",
		StopReason: "end_turn",
		Usage:      Usage{InputTokens: 10, OutputTokens: 5},
	}
	body := responseAdapters[DialectOpenAI].Unary(resp)

	var wire openAIResponseWire
	if err := json.Unmarshal(body, &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if wire.Object != "chat.completion" {
		t.Errorf("object = %q", wire.Object)
	}
	if wire.Choices[0].FinishReason != "stop" {
		t.Errorf("finish = %q", wire.Choices[0].FinishReason)
	}
	if wire.Choices[0].Message.ReasoningContent != "pondering" {
		t.Errorf("reasoning = %q", wire.Choices[0].Message.ReasoningContent)
	}
	if wire.Usage.TotalTokens != 15 {
		t.Errorf("total = %d", wire.Usage.TotalTokens)
	}
}

func TestAnthropicUnaryRenderToolUse(t *testing.T) {
	resp := &Response{
		Model:      "claude-sonnet",
		ToolCalls:  []ToolCall{{ID: "toolu_1", Name: "get_weather", Arguments: `{"city":"Oslo"}`}},
		StopReason: "tool_calls",
		Usage:      Usage{InputTokens: 20, OutputTokens: 8},
	}
	body := responseAdapters[DialectAnthropic].Unary(resp)

	var wire anthropicResponseWire
	if err := json.Unmarshal(body, &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if wire.StopReason != "tool_use" {
		t.Errorf("stop_reason = %q", wire.StopReason)
	}
	if len(wire.Content) != 1 || wire.Content[0].Type != "tool_use" {
		t.Fatalf("content = %+v", wire.Content)
	}
	if wire.Content[0].Name != "get_weather" {
		t.Errorf("tool name = %q", wire.Content[0].Name)
	}
}

func TestOpenAIStreamEncoderToolCalls(t *testing.T) {
	enc := responseAdapters[DialectOpenAI].NewStreamEncoder("gpt-4o")

	events := []Event{
		{Type: EventMessageStart, MessageID: "msg_1", Model: "gpt-4o"},
		{Type: EventBlockStart, Index: Idx(0), Block: BlockText},
		{Type: EventBlockDelta, Index: Idx(0), Text: "checking"},
		{Type: EventBlockStop, Index: Idx(0)},
		{Type: EventBlockStart, Index: Idx(1), Block: BlockToolUse, ToolID: "toolu_1", ToolName: "get_weather"},
		{Type: EventBlockDelta, Index: Idx(1), PartialJSON: `{"city":`},
		{Type: EventBlockDelta, Index: Idx(1), PartialJSON: `"Oslo"}`},
		{Type: EventBlockStop, Index: Idx(1)},
		{Type: EventMessageDelta, StopReason: "tool_use"},
		{Type: EventMessageStop},
	}

	var out bytes.Buffer
	for _, ev := range events {
		for _, frame := range enc.Encode(ev) {
			out.Write(frame)
		}
	}
	out.Write(enc.Done())

	s := out.String()
	if !strings.HasSuffix(s, "data: [DONE]\n\n") {
		t.Errorf("missing [DONE] terminator")
	}
	if !strings.Contains(s, `"tool_calls"`) {
		t.Errorf("tool_calls delta missing:\n%s", s)
	}
	if !strings.Contains(s, `"finish_reason":"tool_calls"`) {
		t.Errorf("finish_reason not mapped:\n%s", s)
	}
	// Tool block at IR index 1 must come out as openai tool index 0.
	if !strings.Contains(s, `"index":0,"id":"toolu_1"`) {
		t.Errorf("tool index not remapped:\n%s", s)
	}
}

func TestOpenAIStreamEncoderDropsUnindexedToolDelta(t *testing.T) {
	enc := responseAdapters[DialectOpenAI].NewStreamEncoder("gpt-4o")
	frames := enc.Encode(Event{Type: EventBlockDelta, PartialJSON: `{"x":1}`})
	if len(frames) != 0 {
		t.Fatalf("expected unindexed tool delta to be dropped, got %d frames", len(frames))
	}
}

func TestAnthropicStreamEncoderRoundTrip(t *testing.T) {
	enc := responseAdapters[DialectAnthropic].NewStreamEncoder("claude-sonnet")

	var out bytes.Buffer
	events := []Event{
		{Type: EventMessageStart, MessageID: "msg_1", Model: "claude-sonnet"},
		{Type: EventBlockStart, Index: Idx(0), Block: BlockText},
		{Type: EventBlockDelta, Index: Idx(0), Text: "hello"},
		{Type: EventBlockStop, Index: Idx(0)},
		{Type: EventMessageDelta, StopReason: "end_turn", Usage: &Usage{OutputTokens: 3}},
		{Type: EventMessageStop},
	}
	for _, ev := range events {
		for _, frame := range enc.Encode(ev) {
			out.Write(frame)
		}
	}
	if done := enc.Done(); done != nil {
		t.Errorf("anthropic stream must not have a terminator, got %q", done)
	}

	s := out.String()
	for _, want := range []string{
		"event: message_start\n",
		"event: content_block_delta\n",
		`"text_delta"`,
		`"stop_reason":"end_turn"`,
		"event: message_stop\n",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("missing %q in:\n%s", want, s)
		}
	}
}

func TestResponsesStreamEncoderAssemblesCompleted(t *testing.T) {
	enc := responseAdapters[DialectResponses].NewStreamEncoder("gpt-4o")

	var out bytes.Buffer
	events := []Event{
		{Type: EventMessageStart, Model: "gpt-4o"},
		{Type: EventBlockStart, Index: Idx(0), Block: BlockText},
		{Type: EventBlockDelta, Index: Idx(0), Text: "par"},
		{Type: EventBlockDelta, Index: Idx(0), Text: "tial"},
		{Type: EventBlockStop, Index: Idx(0)},
		{Type: EventMessageDelta, StopReason: "end_turn", Usage: &Usage{InputTokens: 4, OutputTokens: 2}},
		{Type: EventMessageStop},
	}
	for _, ev := range events {
		for _, frame := range enc.Encode(ev) {
			out.Write(frame)
		}
	}
	s := out.String()
	if !strings.Contains(s, "event: response.created\n") {
		t.Errorf("missing response.created")
	}
	if !strings.Contains(s, `"delta":"par"`) {
		t.Errorf("missing text delta:\n%s", s)
	}
	if !strings.Contains(s, "event: response.completed\n") {
		t.Errorf("missing response.completed")
	}
	if !strings.Contains(s, `"text":"partial"`) {
		t.Errorf("completed envelope did not assemble text:\n%s", s)
	}
}

func TestStopReasonMapping(t *testing.T) {
	cases := []struct{ in, openai, anthropic string }{
		{"end_turn", "stop", "end_turn"},
		{"tool_use", "tool_calls", "tool_use"},
		{"max_tokens", "length", "max_tokens"},
		{"", "stop", "end_turn"},
	}
	for _, tc := range cases {
		if got := StopToOpenAI(tc.in); got != tc.openai {
			t.Errorf("StopToOpenAI(%q) = %q, want %q", tc.in, got, tc.openai)
		}
		if got := StopToAnthropic(StopToOpenAI(tc.in)); got != tc.anthropic {
			t.Errorf("round trip of %q = %q, want %q", tc.in, got, tc.anthropic)
		}
	}
}

func TestFlattenThinking(t *testing.T) {
	resp := &Response{Content: "answer", Thinking: "why"}
	if got := FlattenThinking(resp); got != "<think>why</think>answer" {
		t.Errorf("got %q", got)
	}
	resp.Thinking = ""
	if got := FlattenThinking(resp); got != "answer" {
		t.Errorf("got %q", got)
	}
}
