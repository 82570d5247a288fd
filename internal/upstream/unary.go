package upstream

import (
	"encoding/json"
	"fmt"

	"github.com/nulpointcorp/modelgate/internal/relay"
)

// ParseUnary decodes a complete provider response body into the IR.
func ParseUnary(t Target, body []byte) (*relay.Response, error) {
	switch t.Dialect() {
	case TypeAnthropic:
		return parseAnthropicUnary(body)
	case TypeResponses:
		return parseResponsesUnary(body)
	default:
		return parseOpenAIUnary(body)
	}
}

type openAIWireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

func (u openAIWireUsage) toIR() relay.Usage {
	usage := relay.Usage{InputTokens: -1, OutputTokens: -1}
	if u.PromptTokens > 0 {
		usage.InputTokens = u.PromptTokens
	}
	if u.CompletionTokens > 0 {
		usage.OutputTokens = u.CompletionTokens
	}
	return usage
}

func parseOpenAIUnary(body []byte) (*relay.Response, error) {
	var wire struct {
		ID      string `json:"id"`
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content          string `json:"content"`
				ReasoningContent string `json:"reasoning_content"`
				ToolCalls        []struct {
					ID       string `json:"id"`
					Function struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage openAIWireUsage `json:"usage"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("upstream: decode openai response: %w", err)
	}
	if len(wire.Choices) == 0 {
		return nil, fmt.Errorf("upstream: openai response has no choices")
	}

	choice := wire.Choices[0]
	resp := &relay.Response{
		ID:         wire.ID,
		Model:      wire.Model,
		Content:    choice.Message.Content,
		Thinking:   choice.Message.ReasoningContent,
		StopReason: relay.StopToAnthropic(choice.FinishReason),
		Usage:      wire.Usage.toIR(),
	}
	for _, tc := range choice.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, relay.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return resp, nil
}

func parseAnthropicUnary(body []byte) (*relay.Response, error) {
	var wire struct {
		ID      string `json:"id"`
		Model   string `json:"model"`
		Content []struct {
			Type     string          `json:"type"`
			Text     string          `json:"text"`
			Thinking string          `json:"thinking"`
			ID       string          `json:"id"`
			Name     string          `json:"name"`
			Input    json.RawMessage `json:"input"`
		} `json:"content"`
		StopReason string `json:"stop_reason"`
		Usage      struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("upstream: decode anthropic response: %w", err)
	}

	resp := &relay.Response{
		ID:         wire.ID,
		Model:      wire.Model,
		StopReason: wire.StopReason,
		Usage:      relay.Usage{InputTokens: -1, OutputTokens: -1},
	}
	if wire.Usage.InputTokens > 0 {
		resp.Usage.InputTokens = wire.Usage.InputTokens
	}
	if wire.Usage.OutputTokens > 0 {
		resp.Usage.OutputTokens = wire.Usage.OutputTokens
	}
	for _, b := range wire.Content {
		switch b.Type {
		case "text":
			resp.Content += b.Text
		case "thinking":
			resp.Thinking += b.Thinking
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, relay.ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: string(b.Input),
			})
		}
	}
	return resp, nil
}

func parseResponsesUnary(body []byte) (*relay.Response, error) {
	var wire struct {
		ID     string `json:"id"`
		Model  string `json:"model"`
		Status string `json:"status"`
		Output []struct {
			Type    string `json:"type"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
			CallID    string `json:"call_id"`
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		} `json:"output"`
		IncompleteDetails *struct {
			Reason string `json:"reason"`
		} `json:"incomplete_details"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("upstream: decode responses response: %w", err)
	}

	resp := &relay.Response{
		ID:         wire.ID,
		Model:      wire.Model,
		StopReason: "end_turn",
		Usage:      relay.Usage{InputTokens: -1, OutputTokens: -1},
	}
	if wire.Usage.InputTokens > 0 {
		resp.Usage.InputTokens = wire.Usage.InputTokens
	}
	if wire.Usage.OutputTokens > 0 {
		resp.Usage.OutputTokens = wire.Usage.OutputTokens
	}
	if wire.IncompleteDetails != nil && wire.IncompleteDetails.Reason == "max_output_tokens" {
		resp.StopReason = "max_tokens"
	}
	for _, item := range wire.Output {
		switch item.Type {
		case "message":
			for _, c := range item.Content {
				if c.Type == "output_text" {
					resp.Content += c.Text
				}
			}
		case "function_call":
			resp.ToolCalls = append(resp.ToolCalls, relay.ToolCall{
				ID:        item.CallID,
				Name:      item.Name,
				Arguments: item.Arguments,
			})
		}
	}
	if len(resp.ToolCalls) > 0 {
		resp.StopReason = "tool_use"
	}
	return resp, nil
}
