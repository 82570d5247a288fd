package relay

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

var anthropicKnownFields = map[string]bool{
	"model": true, "messages": true, "system": true, "tools": true,
	"tool_choice": true, "max_tokens": true, "temperature": true,
	"top_p": true, "top_k": true, "stream": true, "stop_sequences": true,
}

type (
	anthropicContentBlockWire struct {
		Type      string          `json:"type"`
		Text      string          `json:"text,omitempty"`
		Thinking  string          `json:"thinking,omitempty"`
		ID        string          `json:"id,omitempty"`
		Name      string          `json:"name,omitempty"`
		Input     json.RawMessage `json:"input,omitempty"`
		ToolUseID string          `json:"tool_use_id,omitempty"`
		Content   json.RawMessage `json:"content,omitempty"`
	}

	anthropicMessageWire struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}

	anthropicToolWire struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		InputSchema json.RawMessage `json:"input_schema"`
	}

	anthropicRequestWire struct {
		Model         string                 `json:"model"`
		Messages      []anthropicMessageWire `json:"messages"`
		System        json.RawMessage        `json:"system"`
		Tools         []anthropicToolWire    `json:"tools"`
		ToolChoice    json.RawMessage        `json:"tool_choice"`
		MaxTokens     int                    `json:"max_tokens"`
		Temperature   *float64               `json:"temperature"`
		TopP          *float64               `json:"top_p"`
		TopK          *int                   `json:"top_k"`
		Stream        bool                   `json:"stream"`
		StopSequences []string               `json:"stop_sequences"`
	}
)

type anthropicRequestAdapter struct{}

func (anthropicRequestAdapter) Parse(body []byte) (*Request, error) {
	var wire anthropicRequestWire
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, parseErrf("invalid JSON: %s", err.Error())
	}
	if wire.Model == "" {
		return nil, parseErrf("field 'model' is required")
	}
	if len(wire.Messages) == 0 {
		return nil, parseErrf("field 'messages' must not be empty")
	}

	req := &Request{
		Model:         wire.Model,
		System:        flattenAnthropicSystem(wire.System),
		ToolChoice:    wire.ToolChoice,
		MaxTokens:     wire.MaxTokens,
		Temperature:   wire.Temperature,
		TopP:          wire.TopP,
		TopK:          wire.TopK,
		Stream:        wire.Stream,
		StopSequences: wire.StopSequences,
	}

	for _, m := range wire.Messages {
		msgs, err := anthropicToIRMessages(m)
		if err != nil {
			return nil, err
		}
		req.Messages = append(req.Messages, msgs...)
	}

	for _, t := range wire.Tools {
		req.Tools = append(req.Tools, Tool{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		})
	}

	req.ExtraParams = extraParams(body, anthropicKnownFields)
	return req, nil
}

// flattenAnthropicSystem accepts the system union (string or array of text
// blocks) and returns the concatenated text.
func flattenAnthropicSystem(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []anthropicContentBlockWire
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// anthropicToIRMessages converts one Anthropic message to IR messages.
// A user message carrying tool_result blocks fans out into one role=tool
// message per result, since the IR follows the OpenAI convention of one
// result message per call.
func anthropicToIRMessages(m anthropicMessageWire) ([]Message, error) {
	// Plain string content.
	var text string
	if err := json.Unmarshal(m.Content, &text); err == nil {
		return []Message{{Role: m.Role, Content: text}}, nil
	}

	var blocks []anthropicContentBlockWire
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil, parseErrf("invalid message content for role %q", m.Role)
	}

	var out []Message
	msg := Message{Role: m.Role}
	var sb, think strings.Builder
	for _, b := range blocks {
		switch b.Type {
		case "text":
			sb.WriteString(b.Text)
		case "thinking":
			think.WriteString(b.Thinking)
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: string(b.Input),
			})
		case "tool_result":
			out = append(out, Message{
				Role:       "tool",
				Content:    flattenToolResult(b.Content),
				ToolCallID: b.ToolUseID,
			})
		}
	}
	msg.Content = sb.String()
	msg.Thinking = think.String()
	if msg.Content != "" || msg.Thinking != "" || len(msg.ToolCalls) > 0 {
		out = append([]Message{msg}, out...)
	}
	return out, nil
}

func flattenToolResult(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []anthropicContentBlockWire
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return string(raw)
	}
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

type (
	anthropicUsageWire struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	}

	anthropicResponseWire struct {
		ID           string                      `json:"id"`
		Type         string                      `json:"type"`
		Role         string                      `json:"role"`
		Model        string                      `json:"model"`
		Content      []anthropicContentBlockWire `json:"content"`
		StopReason   string                      `json:"stop_reason"`
		StopSequence *string                     `json:"stop_sequence"`
		Usage        anthropicUsageWire          `json:"usage"`
	}
)

type anthropicResponseAdapter struct{}

func (anthropicResponseAdapter) Unary(resp *Response) []byte {
	out := anthropicResponseWire{
		ID:         nonEmpty(resp.ID, "msg_"+uuid.NewString()),
		Type:       "message",
		Role:       "assistant",
		Model:      resp.Model,
		StopReason: StopToAnthropic(resp.StopReason),
		Usage: anthropicUsageWire{
			InputTokens:  max0(resp.Usage.InputTokens),
			OutputTokens: max0(resp.Usage.OutputTokens),
		},
	}
	if resp.Thinking != "" {
		out.Content = append(out.Content, anthropicContentBlockWire{
			Type: "thinking", Thinking: resp.Thinking,
		})
	}
	if resp.Content != "" || len(resp.ToolCalls) == 0 {
		out.Content = append(out.Content, anthropicContentBlockWire{
			Type: "text", Text: resp.Content,
		})
	}
	for _, tc := range resp.ToolCalls {
		input := json.RawMessage(tc.Arguments)
		if !json.Valid(input) {
			input = json.RawMessage("{}")
		}
		out.Content = append(out.Content, anthropicContentBlockWire{
			Type:  "tool_use",
			ID:    nonEmpty(tc.ID, "toolu_"+uuid.NewString()),
			Name:  tc.Name,
			Input: input,
		})
	}
	body, _ := json.Marshal(out)
	return body
}

func (anthropicResponseAdapter) NewStreamEncoder(model string) StreamEncoder {
	return &anthropicStreamEncoder{model: model}
}

// anthropicStreamEncoder emits the typed event:/data: pair frames of the
// Anthropic messages stream. The IR event set mirrors this wire format, so
// encoding is mostly a direct re-framing.
type anthropicStreamEncoder struct {
	model string
	msgID string
}

func anthFrame(event string, payload any) []byte {
	data, _ := json.Marshal(payload)
	return sseEventFrame(event, data)
}

func (e *anthropicStreamEncoder) Encode(ev Event) [][]byte {
	switch ev.Type {
	case EventMessageStart:
		e.msgID = nonEmpty(ev.MessageID, "msg_"+uuid.NewString())
		return [][]byte{anthFrame("message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            e.msgID,
				"type":          "message",
				"role":          "assistant",
				"model":         nonEmpty(ev.Model, e.model),
				"content":       []any{},
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage":         map[string]int{"input_tokens": 0, "output_tokens": 0},
			},
		})}

	case EventBlockStart:
		if ev.Index == nil {
			return nil
		}
		block := map[string]any{"type": string(ev.Block)}
		switch ev.Block {
		case BlockText:
			block["text"] = ""
		case BlockThinking:
			block["thinking"] = ""
		case BlockToolUse:
			block["id"] = ev.ToolID
			block["name"] = ev.ToolName
			block["input"] = map[string]any{}
		}
		return [][]byte{anthFrame("content_block_start", map[string]any{
			"type":          "content_block_start",
			"index":         *ev.Index,
			"content_block": block,
		})}

	case EventBlockDelta:
		if ev.Index == nil {
			return nil
		}
		var delta map[string]any
		switch {
		case ev.Text != "":
			delta = map[string]any{"type": "text_delta", "text": ev.Text}
		case ev.Thinking != "":
			delta = map[string]any{"type": "thinking_delta", "thinking": ev.Thinking}
		case ev.PartialJSON != "":
			delta = map[string]any{"type": "input_json_delta", "partial_json": ev.PartialJSON}
		default:
			return nil
		}
		return [][]byte{anthFrame("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": *ev.Index,
			"delta": delta,
		})}

	case EventBlockStop:
		if ev.Index == nil {
			return nil
		}
		return [][]byte{anthFrame("content_block_stop", map[string]any{
			"type":  "content_block_stop",
			"index": *ev.Index,
		})}

	case EventMessageDelta:
		payload := map[string]any{
			"type": "message_delta",
			"delta": map[string]any{
				"stop_reason":   StopToAnthropic(ev.StopReason),
				"stop_sequence": nil,
			},
		}
		if ev.Usage != nil {
			payload["usage"] = map[string]int{"output_tokens": max0(ev.Usage.OutputTokens)}
		}
		return [][]byte{anthFrame("message_delta", payload)}

	case EventUsage:
		if ev.Usage == nil {
			return nil
		}
		return [][]byte{anthFrame("message_delta", map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{},
			"usage": map[string]int{"output_tokens": max0(ev.Usage.OutputTokens)},
		})}

	case EventMessageStop:
		return [][]byte{anthFrame("message_stop", map[string]any{"type": "message_stop"})}
	}
	return nil
}

// Done returns nil: the Anthropic stream ends at message_stop with no
// trailing terminator frame.
func (e *anthropicStreamEncoder) Done() []byte { return nil }

func (e *anthropicStreamEncoder) ErrorFrame(message, errType string) []byte {
	return anthFrame("error", map[string]any{
		"type": "error",
		"error": map[string]string{
			"type":    errType,
			"message": message,
		},
	})
}
