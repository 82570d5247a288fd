package relay

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

var responsesKnownFields = map[string]bool{
	"model": true, "input": true, "instructions": true, "tools": true,
	"tool_choice": true, "max_output_tokens": true, "temperature": true,
	"top_p": true, "stream": true,
}

type (
	responsesInputItemWire struct {
		Type    string          `json:"type"`
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`

		// function_call / function_call_output items
		ID        string `json:"id,omitempty"`
		CallID    string `json:"call_id,omitempty"`
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
		Output    string `json:"output,omitempty"`
	}

	responsesToolWire struct {
		Type        string          `json:"type"`
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Parameters  json.RawMessage `json:"parameters"`
	}

	responsesRequestWire struct {
		Model           string              `json:"model"`
		Input           json.RawMessage     `json:"input"`
		Instructions    string              `json:"instructions"`
		Tools           []responsesToolWire `json:"tools"`
		ToolChoice      json.RawMessage     `json:"tool_choice"`
		MaxOutputTokens int                 `json:"max_output_tokens"`
		Temperature     *float64            `json:"temperature"`
		TopP            *float64            `json:"top_p"`
		Stream          bool                `json:"stream"`
	}
)

type responsesRequestAdapter struct{}

func (responsesRequestAdapter) Parse(body []byte) (*Request, error) {
	var wire responsesRequestWire
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, parseErrf("invalid JSON: %s", err.Error())
	}
	if wire.Model == "" {
		return nil, parseErrf("field 'model' is required")
	}
	if len(wire.Input) == 0 {
		return nil, parseErrf("field 'input' is required")
	}

	req := &Request{
		Model:       wire.Model,
		System:      wire.Instructions,
		ToolChoice:  wire.ToolChoice,
		MaxTokens:   wire.MaxOutputTokens,
		Temperature: wire.Temperature,
		TopP:        wire.TopP,
		Stream:      wire.Stream,
	}

	// Input is either a plain string (one user turn) or an item list.
	var text string
	if err := json.Unmarshal(wire.Input, &text); err == nil {
		req.Messages = []Message{{Role: "user", Content: text}}
	} else {
		var items []responsesInputItemWire
		if err := json.Unmarshal(wire.Input, &items); err != nil {
			return nil, parseErrf("field 'input' must be a string or an array of items")
		}
		for _, it := range items {
			switch it.Type {
			case "", "message":
				req.Messages = append(req.Messages, Message{
					Role:    nonEmpty(it.Role, "user"),
					Content: flattenContent(it.Content),
				})
			case "function_call":
				req.Messages = append(req.Messages, Message{
					Role: "assistant",
					ToolCalls: []ToolCall{{
						ID:        nonEmpty(it.CallID, it.ID),
						Name:      it.Name,
						Arguments: it.Arguments,
					}},
				})
			case "function_call_output":
				req.Messages = append(req.Messages, Message{
					Role:       "tool",
					Content:    it.Output,
					ToolCallID: it.CallID,
				})
			}
		}
	}
	if len(req.Messages) == 0 {
		return nil, parseErrf("field 'input' must not be empty")
	}

	for _, t := range wire.Tools {
		if t.Type != "" && t.Type != "function" {
			continue
		}
		req.Tools = append(req.Tools, Tool{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}

	req.ExtraParams = extraParams(body, responsesKnownFields)
	return req, nil
}

type (
	responsesOutputContentWire struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}

	responsesOutputItemWire struct {
		ID      string                       `json:"id"`
		Type    string                       `json:"type"`
		Role    string                       `json:"role,omitempty"`
		Status  string                       `json:"status,omitempty"`
		Content []responsesOutputContentWire `json:"content,omitempty"`

		CallID    string `json:"call_id,omitempty"`
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	}

	responsesUsageWire struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
		TotalTokens  int `json:"total_tokens"`
	}

	responsesResponseWire struct {
		ID        string                    `json:"id"`
		Object    string                    `json:"object"`
		CreatedAt int64                     `json:"created_at"`
		Status    string                    `json:"status"`
		Model     string                    `json:"model"`
		Output    []responsesOutputItemWire `json:"output"`
		Usage     responsesUsageWire        `json:"usage"`
	}
)

type responsesResponseAdapter struct{}

func buildResponsesEnvelope(resp *Response, id string, status string) responsesResponseWire {
	out := responsesResponseWire{
		ID:        id,
		Object:    "response",
		CreatedAt: time.Now().Unix(),
		Status:    status,
		Model:     resp.Model,
		Usage: responsesUsageWire{
			InputTokens:  max0(resp.Usage.InputTokens),
			OutputTokens: max0(resp.Usage.OutputTokens),
			TotalTokens:  max0(resp.Usage.InputTokens) + max0(resp.Usage.OutputTokens),
		},
	}
	if resp.Content != "" || len(resp.ToolCalls) == 0 {
		out.Output = append(out.Output, responsesOutputItemWire{
			ID:     "msg_" + uuid.NewString(),
			Type:   "message",
			Role:   "assistant",
			Status: "completed",
			Content: []responsesOutputContentWire{
				{Type: "output_text", Text: resp.Content},
			},
		})
	}
	for _, tc := range resp.ToolCalls {
		out.Output = append(out.Output, responsesOutputItemWire{
			ID:        "fc_" + uuid.NewString(),
			Type:      "function_call",
			Status:    "completed",
			CallID:    tc.ID,
			Name:      tc.Name,
			Arguments: tc.Arguments,
		})
	}
	return out
}

func (responsesResponseAdapter) Unary(resp *Response) []byte {
	id := resp.ID
	if id == "" {
		id = "resp_" + uuid.NewString()
	}
	body, _ := json.Marshal(buildResponsesEnvelope(resp, id, "completed"))
	return body
}

func (responsesResponseAdapter) NewStreamEncoder(model string) StreamEncoder {
	return &responsesStreamEncoder{
		id:    "resp_" + uuid.NewString(),
		model: model,
	}
}

// responsesStreamEncoder emits the Responses API event stream. It tracks
// enough state to assemble the final response.completed envelope from the
// deltas it has already forwarded.
type responsesStreamEncoder struct {
	id    string
	model string
	seq   int

	text      string
	toolCalls []ToolCall
	openTool  *ToolCall
	stop      string
	usage     Usage

	itemOpen bool
	outIndex int
}

func (e *responsesStreamEncoder) frame(event string, payload map[string]any) []byte {
	e.seq++
	payload["sequence_number"] = e.seq
	data, _ := json.Marshal(payload)
	return sseEventFrame(event, data)
}

func (e *responsesStreamEncoder) Encode(ev Event) [][]byte {
	switch ev.Type {
	case EventMessageStart:
		resp := buildResponsesEnvelope(&Response{Model: e.model}, e.id, "in_progress")
		resp.Output = []responsesOutputItemWire{}
		return [][]byte{e.frame("response.created", map[string]any{
			"type":     "response.created",
			"response": resp,
		})}

	case EventBlockStart:
		switch ev.Block {
		case BlockText, BlockThinking:
			if e.itemOpen {
				return nil
			}
			e.itemOpen = true
			return [][]byte{e.frame("response.output_item.added", map[string]any{
				"type":         "response.output_item.added",
				"output_index": e.outIndex,
				"item": responsesOutputItemWire{
					ID:      "msg_" + uuid.NewString(),
					Type:    "message",
					Role:    "assistant",
					Status:  "in_progress",
					Content: []responsesOutputContentWire{},
				},
			})}
		case BlockToolUse:
			frames := e.closeItem()
			e.openTool = &ToolCall{ID: ev.ToolID, Name: ev.ToolName}
			frames = append(frames, e.frame("response.output_item.added", map[string]any{
				"type":         "response.output_item.added",
				"output_index": e.outIndex,
				"item": responsesOutputItemWire{
					ID:     "fc_" + uuid.NewString(),
					Type:   "function_call",
					Status: "in_progress",
					CallID: ev.ToolID,
					Name:   ev.ToolName,
				},
			}))
			return frames
		}
		return nil

	case EventBlockDelta:
		switch {
		case ev.Text != "":
			e.text += ev.Text
			return [][]byte{e.frame("response.output_text.delta", map[string]any{
				"type":          "response.output_text.delta",
				"output_index":  e.outIndex,
				"content_index": 0,
				"delta":         ev.Text,
			})}
		case ev.PartialJSON != "" && e.openTool != nil:
			e.openTool.Arguments += ev.PartialJSON
			return [][]byte{e.frame("response.function_call_arguments.delta", map[string]any{
				"type":         "response.function_call_arguments.delta",
				"output_index": e.outIndex,
				"delta":        ev.PartialJSON,
			})}
		}
		// Thinking deltas have no Responses wire representation.
		return nil

	case EventBlockStop:
		if e.openTool != nil {
			return e.closeItem()
		}
		return nil

	case EventMessageDelta:
		e.stop = ev.StopReason
		if ev.Usage != nil {
			e.usage = *ev.Usage
		}
		return nil

	case EventUsage:
		if ev.Usage != nil {
			e.usage = *ev.Usage
		}
		return nil

	case EventMessageStop:
		frames := e.closeItem()
		final := buildResponsesEnvelope(&Response{
			Model:     e.model,
			Content:   e.text,
			ToolCalls: e.toolCalls,
			Usage:     e.usage,
		}, e.id, "completed")
		frames = append(frames, e.frame("response.completed", map[string]any{
			"type":     "response.completed",
			"response": final,
		}))
		return frames
	}
	return nil
}

// closeItem emits the output_item.done frame for whichever item is open.
func (e *responsesStreamEncoder) closeItem() [][]byte {
	if e.openTool != nil {
		tc := *e.openTool
		e.toolCalls = append(e.toolCalls, tc)
		e.openTool = nil
		frame := e.frame("response.output_item.done", map[string]any{
			"type":         "response.output_item.done",
			"output_index": e.outIndex,
			"item": responsesOutputItemWire{
				Type:      "function_call",
				Status:    "completed",
				CallID:    tc.ID,
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
		e.outIndex++
		return [][]byte{frame}
	}
	if e.itemOpen {
		e.itemOpen = false
		frame := e.frame("response.output_item.done", map[string]any{
			"type":         "response.output_item.done",
			"output_index": e.outIndex,
			"item": responsesOutputItemWire{
				Type:   "message",
				Role:   "assistant",
				Status: "completed",
				Content: []responsesOutputContentWire{
					{Type: "output_text", Text: e.text},
				},
			},
		})
		e.outIndex++
		return [][]byte{frame}
	}
	return nil
}

func (e *responsesStreamEncoder) Done() []byte {
	return []byte("data: [DONE]\n\n")
}

func (e *responsesStreamEncoder) ErrorFrame(message, errType string) []byte {
	data, _ := json.Marshal(map[string]any{
		"type":    "error",
		"code":    errType,
		"message": message,
	})
	return sseEventFrame("error", data)
}
