// Package tokenizer estimates prompt token counts with tiktoken. Estimates
// feed the TPM pre-flight when the upstream has not reported usage yet; they
// are never used for billing.
package tokenizer

import (
	"github.com/pkoukk/tiktoken-go"

	"github.com/nulpointcorp/modelgate/internal/relay"
)

// messageOverhead approximates the per-message framing tokens of the chat
// formats.
const messageOverhead = 4

// Estimator counts tokens with the cl100k_base encoding. When the encoding
// cannot be loaded it falls back to a bytes/4 heuristic.
type Estimator struct {
	enc *tiktoken.Tiktoken
}

// New returns an Estimator. Loading the encoding may fetch the vocabulary
// on first use; failures are tolerated.
func New() *Estimator {
	enc, err := tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
	if err != nil {
		return &Estimator{}
	}
	return &Estimator{enc: enc}
}

// Count returns the token count of one text.
func (e *Estimator) Count(text string) int {
	if text == "" {
		return 0
	}
	if e.enc == nil {
		return (len(text) + 3) / 4
	}
	return len(e.enc.Encode(text, nil, nil))
}

// CountRequest estimates the prompt size of an IR request: system, message
// contents, thinking, and tool call arguments, plus per-message overhead.
func (e *Estimator) CountRequest(req *relay.Request) int {
	total := e.Count(req.System)
	for _, m := range req.Messages {
		total += messageOverhead
		total += e.Count(m.Content)
		total += e.Count(m.Thinking)
		for _, tc := range m.ToolCalls {
			total += e.Count(tc.Name) + e.Count(tc.Arguments)
		}
	}
	for _, tool := range req.Tools {
		total += e.Count(tool.Name) + e.Count(tool.Description) + e.Count(string(tool.Parameters))
	}
	return total
}
