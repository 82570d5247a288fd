// Package relay translates between the three client wire formats
// (OpenAI chat, OpenAI responses, Anthropic messages) and the internal
// request/response representation the rest of the gateway works with.
//
// The stream event set mirrors Anthropic's content-block model because it is
// the strictest superset of the three dialects: OpenAI deltas map onto text
// and tool-use blocks, reasoning deltas map onto thinking blocks.
package relay

import "encoding/json"

// Dialect identifies a client wire format.
type Dialect string

const (
	DialectOpenAI    Dialect = "openai-chat"
	DialectResponses Dialect = "openai-responses"
	DialectAnthropic Dialect = "anthropic"
)

// Tool is a function tool specification in provider-neutral form.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// ToolCall is a completed tool invocation emitted by the assistant.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // JSON text, as assembled from the stream
}

// Message is a single conversation turn.
type Message struct {
	Role       string
	Content    string
	Thinking   string
	ToolCalls  []ToolCall
	ToolCallID string // set on role=tool result messages
}

// Request is the internal form of an inbound completion request.
type Request struct {
	Model          string // logical model, provider suffix stripped
	TargetProvider string // from model@provider suffix or X-Provider header

	Messages      []Message
	System        string
	Tools         []Tool
	ToolChoice    json.RawMessage
	MaxTokens     int
	Temperature   *float64
	TopP          *float64
	TopK          *int
	N             int
	Stream        bool
	StopSequences []string

	// ExtraParams carries unrecognized request fields forwarded verbatim to
	// the upstream. ExtraHeaders carries forwardable client headers.
	ExtraParams  map[string]json.RawMessage
	ExtraHeaders map[string]string
}

// Usage is the token accounting for one exchange. -1 means unknown.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is the internal form of a complete (non-streaming) upstream answer.
type Response struct {
	ID         string
	Model      string
	Content    string
	Thinking   string
	ToolCalls  []ToolCall
	StopReason string // end_turn | tool_use | max_tokens | stop_sequence
	Usage      Usage
}

// EventType enumerates the internal stream events.
type EventType string

const (
	EventMessageStart EventType = "message_start"
	EventBlockStart   EventType = "content_block_start"
	EventBlockDelta   EventType = "content_block_delta"
	EventBlockStop    EventType = "content_block_stop"
	EventMessageDelta EventType = "message_delta"
	EventMessageStop  EventType = "message_stop"
	EventUsage        EventType = "usage"
)

// BlockKind identifies the content block a start event opens.
type BlockKind string

const (
	BlockText     BlockKind = "text"
	BlockThinking BlockKind = "thinking"
	BlockToolUse  BlockKind = "tool_use"
)

// Event is one internal stream event. Index is a pointer so a missing index
// on the wire is distinguishable from index 0; a tool delta without an index
// must be dropped, never guessed (see the streaming context).
type Event struct {
	Type  EventType
	Index *int

	// EventMessageStart
	MessageID string
	Model     string

	// EventBlockStart
	Block    BlockKind
	ToolID   string
	ToolName string

	// EventBlockDelta
	Text        string
	Thinking    string
	PartialJSON string

	// EventMessageDelta / EventUsage
	StopReason string
	Usage      *Usage
}

// Idx returns a pointer to i. Helper for building events.
func Idx(i int) *int { return &i }

// StopReason normalization between the OpenAI and Anthropic vocabularies.
func StopToOpenAI(reason string) string {
	switch reason {
	case "tool_use":
		return "tool_calls"
	case "max_tokens":
		return "length"
	case "end_turn", "stop_sequence", "":
		return "stop"
	default:
		return reason
	}
}

func StopToAnthropic(reason string) string {
	switch reason {
	case "tool_calls":
		return "tool_use"
	case "length":
		return "max_tokens"
	case "stop", "":
		return "end_turn"
	default:
		return reason
	}
}
