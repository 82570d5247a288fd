package relay

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Known top-level OpenAI chat request fields. Anything else is carried in
// ExtraParams and forwarded verbatim.
var openAIKnownFields = map[string]bool{
	"model": true, "messages": true, "tools": true, "tool_choice": true,
	"max_tokens": true, "max_completion_tokens": true, "temperature": true,
	"top_p": true, "n": true, "stream": true, "stop": true,
	"stream_options": true,
}

type (
	openAIToolCallWire struct {
		ID       string `json:"id"`
		Type     string `json:"type"`
		Function struct {
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		} `json:"function"`
	}

	openAIMessageWire struct {
		Role             string               `json:"role"`
		Content          json.RawMessage      `json:"content"`
		ReasoningContent string               `json:"reasoning_content,omitempty"`
		ToolCalls        []openAIToolCallWire `json:"tool_calls,omitempty"`
		ToolCallID       string               `json:"tool_call_id,omitempty"`
	}

	openAIToolWire struct {
		Type     string `json:"type"`
		Function struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			Parameters  json.RawMessage `json:"parameters"`
		} `json:"function"`
	}

	openAIRequestWire struct {
		Model               string              `json:"model"`
		Messages            []openAIMessageWire `json:"messages"`
		Tools               []openAIToolWire    `json:"tools"`
		ToolChoice          json.RawMessage     `json:"tool_choice"`
		MaxTokens           int                 `json:"max_tokens"`
		MaxCompletionTokens int                 `json:"max_completion_tokens"`
		Temperature         *float64            `json:"temperature"`
		TopP                *float64            `json:"top_p"`
		N                   int                 `json:"n"`
		Stream              bool                `json:"stream"`
		Stop                json.RawMessage     `json:"stop"`
	}
)

// flattenContent accepts the OpenAI content union (string or array of
// typed parts) and returns the concatenated text.
func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range parts {
		if p.Type == "" || p.Type == "text" || p.Type == "input_text" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

func parseStop(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil
		}
		return []string{s}
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	return nil
}

type openAIRequestAdapter struct{}

func (openAIRequestAdapter) Parse(body []byte) (*Request, error) {
	var wire openAIRequestWire
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, parseErrf("invalid JSON: %s", err.Error())
	}
	if wire.Model == "" {
		return nil, parseErrf("field 'model' is required")
	}
	if len(wire.Messages) == 0 {
		return nil, parseErrf("field 'messages' must not be empty")
	}
	if wire.Stream && wire.N > 1 {
		return nil, parseErrf("'stream' is not supported with n>1")
	}

	req := &Request{
		Model:      wire.Model,
		MaxTokens:  wire.MaxCompletionTokens,
		N:          wire.N,
		Stream:     wire.Stream,
		ToolChoice: wire.ToolChoice,
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = wire.MaxTokens
	}
	req.Temperature = wire.Temperature
	req.TopP = wire.TopP
	req.StopSequences = parseStop(wire.Stop)

	for _, m := range wire.Messages {
		msg := Message{
			Role:       m.Role,
			Content:    flattenContent(m.Content),
			Thinking:   m.ReasoningContent,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
		req.Messages = append(req.Messages, msg)
	}

	for _, t := range wire.Tools {
		if t.Type != "" && t.Type != "function" {
			continue
		}
		req.Tools = append(req.Tools, Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}

	req.ExtraParams = extraParams(body, openAIKnownFields)
	return req, nil
}

// extraParams collects unknown top-level fields for verbatim forwarding.
func extraParams(body []byte, known map[string]bool) map[string]json.RawMessage {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(body, &all); err != nil {
		return nil
	}
	extras := make(map[string]json.RawMessage)
	for k, v := range all {
		if !known[k] {
			extras[k] = v
		}
	}
	if len(extras) == 0 {
		return nil
	}
	return extras
}

type (
	openAIUsageWire struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	openAIChoiceWire struct {
		Index        int               `json:"index"`
		Message      openAIMessageWire `json:"message"`
		FinishReason string            `json:"finish_reason"`
	}

	openAIResponseWire struct {
		ID      string             `json:"id"`
		Object  string             `json:"object"`
		Created int64              `json:"created"`
		Model   string             `json:"model"`
		Choices []openAIChoiceWire `json:"choices"`
		Usage   openAIUsageWire    `json:"usage"`
	}
)

type openAIResponseAdapter struct{}

func (openAIResponseAdapter) Unary(resp *Response) []byte {
	msg := openAIMessageWire{
		Role:             "assistant",
		Content:          mustJSONString(resp.Content),
		ReasoningContent: resp.Thinking,
	}
	for _, tc := range resp.ToolCalls {
		w := openAIToolCallWire{ID: tc.ID, Type: "function"}
		w.Function.Name = tc.Name
		w.Function.Arguments = tc.Arguments
		msg.ToolCalls = append(msg.ToolCalls, w)
	}

	out := openAIResponseWire{
		ID:      nonEmpty(resp.ID, "chatcmpl-"+uuid.NewString()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []openAIChoiceWire{{
			Message:      msg,
			FinishReason: StopToOpenAI(resp.StopReason),
		}},
		Usage: openAIUsageWire{
			PromptTokens:     max0(resp.Usage.InputTokens),
			CompletionTokens: max0(resp.Usage.OutputTokens),
			TotalTokens:      max0(resp.Usage.InputTokens) + max0(resp.Usage.OutputTokens),
		},
	}
	body, _ := json.Marshal(out)
	return body
}

func (openAIResponseAdapter) NewStreamEncoder(model string) StreamEncoder {
	return &openAIStreamEncoder{
		id:      "chatcmpl-" + uuid.NewString(),
		model:   model,
		created: time.Now().Unix(),
		toolIdx: make(map[int]int),
	}
}

// openAIStreamEncoder emits chat.completion.chunk frames. IR content-block
// indexes are remapped onto OpenAI tool-call indexes (0-based among tool
// calls only) as tool blocks open.
type openAIStreamEncoder struct {
	id       string
	model    string
	created  int64
	sentRole bool
	toolIdx  map[int]int // IR block index -> openai tool_calls index
	numTools int
}

type (
	openAIDeltaToolCall struct {
		Index    int    `json:"index"`
		ID       string `json:"id,omitempty"`
		Type     string `json:"type,omitempty"`
		Function *struct {
			Name      string `json:"name,omitempty"`
			Arguments string `json:"arguments"`
		} `json:"function,omitempty"`
	}

	openAIDelta struct {
		Role             string                `json:"role,omitempty"`
		Content          *string               `json:"content,omitempty"`
		ReasoningContent string                `json:"reasoning_content,omitempty"`
		ToolCalls        []openAIDeltaToolCall `json:"tool_calls,omitempty"`
	}

	openAIChunkChoice struct {
		Index        int         `json:"index"`
		Delta        openAIDelta `json:"delta"`
		FinishReason *string     `json:"finish_reason"`
	}

	openAIChunkWire struct {
		ID      string              `json:"id"`
		Object  string              `json:"object"`
		Created int64               `json:"created"`
		Model   string              `json:"model"`
		Choices []openAIChunkChoice `json:"choices"`
		Usage   *openAIUsageWire    `json:"usage,omitempty"`
	}
)

func (e *openAIStreamEncoder) chunk(delta openAIDelta, finish *string, usage *openAIUsageWire) []byte {
	w := openAIChunkWire{
		ID:      e.id,
		Object:  "chat.completion.chunk",
		Created: e.created,
		Model:   e.model,
		Choices: []openAIChunkChoice{{Delta: delta, FinishReason: finish}},
		Usage:   usage,
	}
	data, _ := json.Marshal(w)
	return sseFrame(data)
}

func (e *openAIStreamEncoder) Encode(ev Event) [][]byte {
	switch ev.Type {
	case EventMessageStart:
		e.sentRole = true
		return [][]byte{e.chunk(openAIDelta{Role: "assistant"}, nil, nil)}

	case EventBlockStart:
		if ev.Block != BlockToolUse || ev.Index == nil {
			return nil
		}
		idx := e.numTools
		e.toolIdx[*ev.Index] = idx
		e.numTools++
		tc := openAIDeltaToolCall{Index: idx, ID: ev.ToolID, Type: "function"}
		tc.Function = &struct {
			Name      string `json:"name,omitempty"`
			Arguments string `json:"arguments"`
		}{Name: ev.ToolName}
		return [][]byte{e.chunk(openAIDelta{ToolCalls: []openAIDeltaToolCall{tc}}, nil, nil)}

	case EventBlockDelta:
		switch {
		case ev.Text != "":
			text := ev.Text
			return [][]byte{e.chunk(openAIDelta{Content: &text}, nil, nil)}
		case ev.Thinking != "":
			return [][]byte{e.chunk(openAIDelta{ReasoningContent: ev.Thinking}, nil, nil)}
		case ev.PartialJSON != "":
			if ev.Index == nil {
				return nil
			}
			idx, ok := e.toolIdx[*ev.Index]
			if !ok {
				return nil
			}
			tc := openAIDeltaToolCall{Index: idx}
			tc.Function = &struct {
				Name      string `json:"name,omitempty"`
				Arguments string `json:"arguments"`
			}{Arguments: ev.PartialJSON}
			return [][]byte{e.chunk(openAIDelta{ToolCalls: []openAIDeltaToolCall{tc}}, nil, nil)}
		}
		return nil

	case EventMessageDelta:
		reason := StopToOpenAI(ev.StopReason)
		return [][]byte{e.chunk(openAIDelta{}, &reason, nil)}

	case EventUsage:
		if ev.Usage == nil {
			return nil
		}
		u := &openAIUsageWire{
			PromptTokens:     max0(ev.Usage.InputTokens),
			CompletionTokens: max0(ev.Usage.OutputTokens),
			TotalTokens:      max0(ev.Usage.InputTokens) + max0(ev.Usage.OutputTokens),
		}
		w := openAIChunkWire{
			ID: e.id, Object: "chat.completion.chunk",
			Created: e.created, Model: e.model,
			Choices: []openAIChunkChoice{}, Usage: u,
		}
		data, _ := json.Marshal(w)
		return [][]byte{sseFrame(data)}
	}
	return nil
}

func (e *openAIStreamEncoder) Done() []byte {
	return []byte("data: [DONE]\n\n")
}

func (e *openAIStreamEncoder) ErrorFrame(message, errType string) []byte {
	data, _ := json.Marshal(openaiErrFrame{Error: APIErrorShape{Message: message, Type: errType}})
	return sseFrame(data)
}

type APIErrorShape struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type openaiErrFrame struct {
	Error APIErrorShape `json:"error"`
}

func mustJSONString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

func nonEmpty(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}

func max0(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
