package upstream

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/nulpointcorp/modelgate/internal/relay"
)

// Events consumes the provider SSE body and converts it to IR events on the
// returned channel. The channel is closed at end of stream; the body is
// always closed. Malformed frames are skipped, never fatal: providers in the
// wild drift from the published framing (missing "data: " space, bare
// [DONE] lines, finish_reason and usage packed into one chunk).
func Events(body io.ReadCloser, t Target) <-chan relay.Event {
	ch := make(chan relay.Event, 64)
	go func() {
		defer body.Close()
		defer close(ch)
		switch t.Dialect() {
		case TypeAnthropic:
			parseAnthropicStream(body, ch)
		case TypeResponses:
			parseResponsesStream(body, ch)
		default:
			parseOpenAIStream(body, ch)
		}
	}()
	return ch
}

// dataLine extracts the payload from an SSE line. Returns ok=false for
// comments, event: lines and blanks. Tolerates a missing space after the
// colon.
func dataLine(line string) (string, bool) {
	switch {
	case strings.HasPrefix(line, "data: "):
		return line[len("data: "):], true
	case strings.HasPrefix(line, "data:"):
		return line[len("data:"):], true
	case line == "[DONE]":
		// Some OpenAI-compatible servers emit the terminator bare.
		return "[DONE]", true
	default:
		return "", false
	}
}

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return sc
}

type openAIChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			ToolCalls        []struct {
				Index    *int   `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIWireUsage `json:"usage"`
}

// parseOpenAIStream lifts the flat chunk stream into the block event model.
// Text, thinking and each tool call get their own IR block; the OpenAI
// tool_calls index is remapped to the IR block index as blocks open.
func parseOpenAIStream(r io.Reader, ch chan<- relay.Event) {
	var (
		started     bool
		nextIndex   int
		textIdx     = -1
		thinkIdx    = -1
		toolIdx     = map[int]int{} // openai tool index -> IR block index
		finishedFin bool
	)

	closeOpenTextBlocks := func() {
		if thinkIdx >= 0 {
			ch <- relay.Event{Type: relay.EventBlockStop, Index: relay.Idx(thinkIdx)}
			thinkIdx = -1
		}
		if textIdx >= 0 {
			ch <- relay.Event{Type: relay.EventBlockStop, Index: relay.Idx(textIdx)}
			textIdx = -1
		}
	}
	closeAllBlocks := func() {
		closeOpenTextBlocks()
		for _, idx := range toolIdx {
			ch <- relay.Event{Type: relay.EventBlockStop, Index: relay.Idx(idx)}
		}
		toolIdx = map[int]int{}
	}

	sc := newScanner(r)
	for sc.Scan() {
		data, ok := dataLine(strings.TrimRight(sc.Text(), "\r"))
		if !ok {
			continue
		}
		if data == "[DONE]" {
			break
		}

		var chunk openAIChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}

		if !started {
			started = true
			ch <- relay.Event{Type: relay.EventMessageStart, MessageID: chunk.ID, Model: chunk.Model}
		}

		// Usage can ride on the final content chunk or on a trailing
		// choice-less chunk; accept both.
		if chunk.Usage != nil {
			usage := chunk.Usage.toIR()
			ch <- relay.Event{Type: relay.EventUsage, Usage: &usage}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.ReasoningContent != "" {
			if thinkIdx < 0 {
				thinkIdx = nextIndex
				nextIndex++
				ch <- relay.Event{Type: relay.EventBlockStart, Index: relay.Idx(thinkIdx), Block: relay.BlockThinking}
			}
			ch <- relay.Event{Type: relay.EventBlockDelta, Index: relay.Idx(thinkIdx), Thinking: choice.Delta.ReasoningContent}
		}
		if choice.Delta.Content != "" {
			if thinkIdx >= 0 {
				ch <- relay.Event{Type: relay.EventBlockStop, Index: relay.Idx(thinkIdx)}
				thinkIdx = -1
			}
			if textIdx < 0 {
				textIdx = nextIndex
				nextIndex++
				ch <- relay.Event{Type: relay.EventBlockStart, Index: relay.Idx(textIdx), Block: relay.BlockText}
			}
			ch <- relay.Event{Type: relay.EventBlockDelta, Index: relay.Idx(textIdx), Text: choice.Delta.Content}
		}
		for _, tc := range choice.Delta.ToolCalls {
			if tc.Index == nil {
				// No index, no safe attribution. Forward an unindexed
				// delta so the consumer can log and drop it.
				ch <- relay.Event{Type: relay.EventBlockDelta, PartialJSON: tc.Function.Arguments}
				continue
			}
			irIdx, known := toolIdx[*tc.Index]
			if tc.ID != "" || tc.Function.Name != "" {
				if !known {
					irIdx = nextIndex
					nextIndex++
					toolIdx[*tc.Index] = irIdx
					known = true
					ch <- relay.Event{
						Type:     relay.EventBlockStart,
						Index:    relay.Idx(irIdx),
						Block:    relay.BlockToolUse,
						ToolID:   tc.ID,
						ToolName: tc.Function.Name,
					}
				}
			}
			if tc.Function.Arguments != "" && known {
				ch <- relay.Event{Type: relay.EventBlockDelta, Index: relay.Idx(irIdx), PartialJSON: tc.Function.Arguments}
			}
		}
		if choice.FinishReason != "" && !finishedFin {
			finishedFin = true
			closeAllBlocks()
			ch <- relay.Event{Type: relay.EventMessageDelta, StopReason: relay.StopToAnthropic(choice.FinishReason)}
		}
	}

	if started {
		if !finishedFin {
			closeAllBlocks()
			ch <- relay.Event{Type: relay.EventMessageDelta, StopReason: "end_turn"}
		}
		ch <- relay.Event{Type: relay.EventMessageStop}
	}
}

// parseAnthropicStream re-frames the anthropic event stream, which the IR
// mirrors one to one. Event names are taken from the data payload's type
// field so a missing event: line does not break parsing.
func parseAnthropicStream(r io.Reader, ch chan<- relay.Event) {
	sc := newScanner(r)
	for sc.Scan() {
		data, ok := dataLine(strings.TrimRight(sc.Text(), "\r"))
		if !ok || data == "[DONE]" {
			continue
		}

		var frame struct {
			Type    string `json:"type"`
			Index   *int   `json:"index"`
			Message struct {
				ID    string `json:"id"`
				Model string `json:"model"`
				Usage struct {
					InputTokens int `json:"input_tokens"`
				} `json:"usage"`
			} `json:"message"`
			ContentBlock struct {
				Type string `json:"type"`
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"content_block"`
			Delta struct {
				Type        string `json:"type"`
				Text        string `json:"text"`
				Thinking    string `json:"thinking"`
				PartialJSON string `json:"partial_json"`
				StopReason  string `json:"stop_reason"`
			} `json:"delta"`
			Usage *struct {
				InputTokens  int `json:"input_tokens"`
				OutputTokens int `json:"output_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			continue
		}

		switch frame.Type {
		case "message_start":
			ch <- relay.Event{
				Type:      relay.EventMessageStart,
				MessageID: frame.Message.ID,
				Model:     frame.Message.Model,
			}
			if frame.Message.Usage.InputTokens > 0 {
				usage := relay.Usage{InputTokens: frame.Message.Usage.InputTokens, OutputTokens: -1}
				ch <- relay.Event{Type: relay.EventUsage, Usage: &usage}
			}
		case "content_block_start":
			ch <- relay.Event{
				Type:     relay.EventBlockStart,
				Index:    frame.Index,
				Block:    relay.BlockKind(frame.ContentBlock.Type),
				ToolID:   frame.ContentBlock.ID,
				ToolName: frame.ContentBlock.Name,
			}
		case "content_block_delta":
			ch <- relay.Event{
				Type:        relay.EventBlockDelta,
				Index:       frame.Index,
				Text:        frame.Delta.Text,
				Thinking:    frame.Delta.Thinking,
				PartialJSON: frame.Delta.PartialJSON,
			}
		case "content_block_stop":
			ch <- relay.Event{Type: relay.EventBlockStop, Index: frame.Index}
		case "message_delta":
			ev := relay.Event{Type: relay.EventMessageDelta, StopReason: frame.Delta.StopReason}
			if frame.Usage != nil {
				usage := relay.Usage{InputTokens: -1, OutputTokens: frame.Usage.OutputTokens}
				if frame.Usage.InputTokens > 0 {
					usage.InputTokens = frame.Usage.InputTokens
				}
				ev.Usage = &usage
			}
			ch <- ev
		case "message_stop":
			ch <- relay.Event{Type: relay.EventMessageStop}
			return
		}
	}
}

// parseResponsesStream lifts the Responses API event stream into block
// events. Text output and each function call become separate blocks.
func parseResponsesStream(r io.Reader, ch chan<- relay.Event) {
	var (
		started   bool
		nextIndex int
		textIdx   = -1
		itemIdx   = map[int]int{} // output_index -> IR block index
	)

	sc := newScanner(r)
	for sc.Scan() {
		data, ok := dataLine(strings.TrimRight(sc.Text(), "\r"))
		if !ok || data == "[DONE]" {
			continue
		}

		var frame struct {
			Type        string `json:"type"`
			OutputIndex int    `json:"output_index"`
			Delta       string `json:"delta"`
			Item        struct {
				Type   string `json:"type"`
				CallID string `json:"call_id"`
				Name   string `json:"name"`
			} `json:"item"`
			Response struct {
				ID                string `json:"id"`
				Model             string `json:"model"`
				IncompleteDetails *struct {
					Reason string `json:"reason"`
				} `json:"incomplete_details"`
				Usage *struct {
					InputTokens  int `json:"input_tokens"`
					OutputTokens int `json:"output_tokens"`
				} `json:"usage"`
			} `json:"response"`
		}
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			continue
		}

		switch frame.Type {
		case "response.created":
			started = true
			ch <- relay.Event{
				Type:      relay.EventMessageStart,
				MessageID: frame.Response.ID,
				Model:     frame.Response.Model,
			}
		case "response.output_item.added":
			if frame.Item.Type != "function_call" {
				continue
			}
			irIdx := nextIndex
			nextIndex++
			itemIdx[frame.OutputIndex] = irIdx
			ch <- relay.Event{
				Type:     relay.EventBlockStart,
				Index:    relay.Idx(irIdx),
				Block:    relay.BlockToolUse,
				ToolID:   frame.Item.CallID,
				ToolName: frame.Item.Name,
			}
		case "response.output_text.delta":
			if textIdx < 0 {
				textIdx = nextIndex
				nextIndex++
				ch <- relay.Event{Type: relay.EventBlockStart, Index: relay.Idx(textIdx), Block: relay.BlockText}
			}
			ch <- relay.Event{Type: relay.EventBlockDelta, Index: relay.Idx(textIdx), Text: frame.Delta}
		case "response.function_call_arguments.delta":
			irIdx, known := itemIdx[frame.OutputIndex]
			if !known {
				ch <- relay.Event{Type: relay.EventBlockDelta, PartialJSON: frame.Delta}
				continue
			}
			ch <- relay.Event{Type: relay.EventBlockDelta, Index: relay.Idx(irIdx), PartialJSON: frame.Delta}
		case "response.output_item.done":
			if irIdx, known := itemIdx[frame.OutputIndex]; known {
				ch <- relay.Event{Type: relay.EventBlockStop, Index: relay.Idx(irIdx)}
				delete(itemIdx, frame.OutputIndex)
			}
		case "response.completed", "response.incomplete":
			if textIdx >= 0 {
				ch <- relay.Event{Type: relay.EventBlockStop, Index: relay.Idx(textIdx)}
				textIdx = -1
			}
			stop := "end_turn"
			if frame.Response.IncompleteDetails != nil && frame.Response.IncompleteDetails.Reason == "max_output_tokens" {
				stop = "max_tokens"
			}
			ev := relay.Event{Type: relay.EventMessageDelta, StopReason: stop}
			if frame.Response.Usage != nil {
				usage := relay.Usage{InputTokens: -1, OutputTokens: -1}
				if frame.Response.Usage.InputTokens > 0 {
					usage.InputTokens = frame.Response.Usage.InputTokens
				}
				if frame.Response.Usage.OutputTokens > 0 {
					usage.OutputTokens = frame.Response.Usage.OutputTokens
				}
				ev.Usage = &usage
			}
			ch <- ev
			ch <- relay.Event{Type: relay.EventMessageStop}
			return
		}
	}

	if started {
		ch <- relay.Event{Type: relay.EventMessageStop}
	}
}
