package relay

import "fmt"

// ParseError is a client-facing request validation failure. Handlers map it
// to a 400 in the inbound dialect's error shape.
type ParseError struct {
	Message string
}

func (e *ParseError) Error() string { return e.Message }

func parseErrf(format string, args ...any) error {
	return &ParseError{Message: fmt.Sprintf(format, args...)}
}

// RequestAdapter parses an inbound body in one client dialect into the IR.
type RequestAdapter interface {
	Parse(body []byte) (*Request, error)
}

// ResponseAdapter renders IR responses back into one client dialect.
type ResponseAdapter interface {
	// Unary renders a complete response body.
	Unary(resp *Response) []byte
	// NewStreamEncoder returns a fresh per-request SSE encoder.
	NewStreamEncoder(model string) StreamEncoder
}

// StreamEncoder turns IR events into fully framed SSE bytes. Encoders are
// stateful (chunk ids, block index bookkeeping) and never shared between
// requests.
type StreamEncoder interface {
	// Encode returns zero or more SSE frames for the event.
	Encode(ev Event) [][]byte
	// Done returns the trailing frame(s), e.g. "data: [DONE]" for OpenAI
	// dialects. May be nil (Anthropic has no terminator).
	Done() []byte
	// ErrorFrame renders an in-stream error in the dialect's shape.
	ErrorFrame(message, errType string) []byte
}

var (
	requestAdapters = map[Dialect]RequestAdapter{
		DialectOpenAI:    openAIRequestAdapter{},
		DialectResponses: responsesRequestAdapter{},
		DialectAnthropic: anthropicRequestAdapter{},
	}
	responseAdapters = map[Dialect]ResponseAdapter{
		DialectOpenAI:    openAIResponseAdapter{},
		DialectResponses: responsesResponseAdapter{},
		DialectAnthropic: anthropicResponseAdapter{},
	}
)

// Adapters returns the request and response adapters for a dialect.
func Adapters(d Dialect) (RequestAdapter, ResponseAdapter, bool) {
	req, ok1 := requestAdapters[d]
	resp, ok2 := responseAdapters[d]
	return req, resp, ok1 && ok2
}

// FlattenThinking returns the assistant content with any thinking text
// folded into a leading <think>...</think> block. Used for the stored
// completion record, never for the wire.
func FlattenThinking(resp *Response) string {
	if resp.Thinking == "" {
		return resp.Content
	}
	return "<think>" + resp.Thinking + "</think>" + resp.Content
}

func sseFrame(data []byte) []byte {
	out := make([]byte, 0, len(data)+8)
	out = append(out, "data: "...)
	out = append(out, data...)
	out = append(out, '\n', '\n')
	return out
}

func sseEventFrame(event string, data []byte) []byte {
	out := make([]byte, 0, len(event)+len(data)+16)
	out = append(out, "event: "...)
	out = append(out, event...)
	out = append(out, '\n')
	out = append(out, "data: "...)
	out = append(out, data...)
	out = append(out, '\n', '\n')
	return out
}
