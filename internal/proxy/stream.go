package proxy

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nulpointcorp/modelgate/internal/relay"
)

// streamState is the per-request streaming state machine.
type streamState int

const (
	stateIdle streamState = iota
	stateConnecting
	stateFirstChunk
	stateStreaming
	stateCompleted
	stateAborted
	stateFailed
)

func (s streamState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateConnecting:
		return "connecting"
	case stateFirstChunk:
		return "first_chunk"
	case stateStreaming:
		return "streaming"
	case stateCompleted:
		return "completed"
	case stateAborted:
		return "aborted"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type toolCallAccum struct {
	id   string
	name string
	args strings.Builder
}

// StreamingContext accumulates one streaming exchange: partial text and
// thinking, tool-call reassembly keyed by tool id, usage, and the
// save-exactly-once guard for the terminal completion write.
type StreamingContext struct {
	start time.Time
	ttft  time.Duration // -1 until the first chunk

	state streamState

	messageID string
	model     string

	text     strings.Builder
	thinking strings.Builder

	// Tool calls are keyed by id; indexToID only routes deltas. A delta
	// without an index never mutates any tool's arguments.
	tools     map[string]*toolCallAccum
	toolOrder []string
	indexToID map[int]string

	usage      relay.Usage
	stopReason string

	saved bool
	log   *slog.Logger
}

func newStreamingContext(start time.Time, log *slog.Logger) *StreamingContext {
	return &StreamingContext{
		start:     start,
		ttft:      -1,
		state:     stateConnecting,
		tools:     map[string]*toolCallAccum{},
		indexToID: map[int]string{},
		usage:     relay.Usage{InputTokens: -1, OutputTokens: -1},
		log:       log,
	}
}

// FirstChunk records TTFT and advances the state machine. Only the first
// call has an effect.
func (s *StreamingContext) FirstChunk() {
	if s.ttft >= 0 {
		return
	}
	s.ttft = time.Since(s.start)
	s.state = stateFirstChunk
}

// TTFT returns the time to first chunk, or -1 when none arrived.
func (s *StreamingContext) TTFT() time.Duration { return s.ttft }

// Observe folds one upstream event into the accumulated state.
func (s *StreamingContext) Observe(ev relay.Event) {
	if s.state == stateFirstChunk {
		s.state = stateStreaming
	}

	switch ev.Type {
	case relay.EventMessageStart:
		s.messageID = ev.MessageID
		if ev.Model != "" {
			s.model = ev.Model
		}
		if ev.Usage != nil {
			s.mergeUsage(ev.Usage)
		}

	case relay.EventBlockStart:
		if ev.Block != relay.BlockToolUse {
			return
		}
		if ev.Index == nil {
			s.log.Warn("tool_block_start_without_index", slog.String("tool_id", ev.ToolID))
			return
		}
		s.indexToID[*ev.Index] = ev.ToolID
		if _, ok := s.tools[ev.ToolID]; !ok {
			s.tools[ev.ToolID] = &toolCallAccum{id: ev.ToolID, name: ev.ToolName}
			s.toolOrder = append(s.toolOrder, ev.ToolID)
		}

	case relay.EventBlockDelta:
		if ev.Text != "" {
			s.text.WriteString(ev.Text)
		}
		if ev.Thinking != "" {
			s.thinking.WriteString(ev.Thinking)
		}
		if ev.PartialJSON != "" {
			if ev.Index == nil {
				s.log.Warn("tool_delta_without_index_dropped")
				return
			}
			id, ok := s.indexToID[*ev.Index]
			if !ok {
				s.log.Warn("tool_delta_for_unknown_block", slog.Int("index", *ev.Index))
				return
			}
			s.tools[id].args.WriteString(ev.PartialJSON)
		}

	case relay.EventMessageDelta:
		if ev.StopReason != "" {
			s.stopReason = ev.StopReason
		}
		if ev.Usage != nil {
			s.mergeUsage(ev.Usage)
		}

	case relay.EventUsage:
		if ev.Usage != nil {
			s.mergeUsage(ev.Usage)
		}
	}
}

func (s *StreamingContext) mergeUsage(u *relay.Usage) {
	if u.InputTokens >= 0 {
		s.usage.InputTokens = u.InputTokens
	}
	if u.OutputTokens >= 0 {
		s.usage.OutputTokens = u.OutputTokens
	}
}

// Finish moves the context to its terminal state.
func (s *StreamingContext) Finish(state streamState) {
	s.state = state
}

// MarkSaved flips the save-once guard. The first caller gets true and owns
// the completion write; later callers must not write again.
func (s *StreamingContext) MarkSaved() bool {
	if s.saved {
		return false
	}
	s.saved = true
	return true
}

// Response assembles the final IR response from the accumulated stream.
func (s *StreamingContext) Response(fallbackModel string) *relay.Response {
	model := s.model
	if model == "" {
		model = fallbackModel
	}
	id := s.messageID
	if id == "" {
		id = fmt.Sprintf("cmpl-%d", s.start.UnixNano())
	}

	var calls []relay.ToolCall
	for _, tid := range s.toolOrder {
		acc := s.tools[tid]
		calls = append(calls, relay.ToolCall{
			ID:        acc.id,
			Name:      acc.name,
			Arguments: acc.args.String(),
		})
	}

	stop := s.stopReason
	if stop == "" {
		if len(calls) > 0 {
			stop = "tool_use"
		} else {
			stop = "end_turn"
		}
	}

	return &relay.Response{
		ID:         id,
		Model:      model,
		Content:    s.text.String(),
		Thinking:   s.thinking.String(),
		ToolCalls:  calls,
		StopReason: stop,
		Usage:      s.usage,
	}
}
