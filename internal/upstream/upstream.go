// Package upstream builds and issues provider HTTP requests and parses
// provider responses into the relay IR. The server side stays on fasthttp;
// outbound calls use net/http because its streaming body plays well with the
// per-attempt context deadlines the failover executor sets.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/nulpointcorp/modelgate/internal/relay"
)

// Provider types.
const (
	TypeOpenAI    = "openai"
	TypeResponses = "openai-responses"
	TypeAnthropic = "anthropic"
	TypeAzure     = "azure"
	TypeOllama    = "ollama"
)

const defaultAnthropicVersion = "2023-06-01"

// Target is one concrete upstream destination: a provider row joined with
// the model row that maps the logical model onto the provider's model name.
type Target struct {
	ProviderID   uint
	ProviderName string
	Type         string
	BaseURL      string
	APIKey       string
	APIVersion   string
	ProxyURL     string // optional egress proxy for this provider
	ModelID      uint
	Model        string // provider-side model name
}

// Dialect returns the wire dialect the target speaks. Azure and Ollama are
// OpenAI-compatible.
func (t Target) Dialect() string {
	switch t.Type {
	case TypeAnthropic:
		return TypeAnthropic
	case TypeResponses:
		return TypeResponses
	default:
		return TypeOpenAI
	}
}

func (t Target) url(path string) string {
	return strings.TrimRight(t.BaseURL, "/") + path
}

// ChatURL returns the completion endpoint for the target's dialect.
func (t Target) ChatURL() string {
	switch t.Dialect() {
	case TypeAnthropic:
		return t.url("/messages")
	case TypeResponses:
		return t.url("/responses")
	default:
		return t.url("/chat/completions")
	}
}

// EmbeddingsURL returns the embeddings endpoint (OpenAI wire only).
func (t Target) EmbeddingsURL() string { return t.url("/embeddings") }

// StatusError is a non-2xx upstream answer. The failover executor inspects
// the code to decide between retry and verbatim passthrough.
type StatusError struct {
	Code        int
	Body        []byte
	ContentType string
	Provider    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream %s: status %d", e.Provider, e.Code)
}

func (e *StatusError) HTTPStatus() int { return e.Code }

// Client issues provider requests. Providers with a proxy URL get their own
// http.Client whose transport dials through that proxy; the clients are
// built once per proxy URL and reused.
type Client struct {
	direct *http.Client

	mu      sync.Mutex
	proxied map[string]*http.Client
}

// New returns a Client. No client-level timeout is set; callers bound each
// attempt with a context deadline.
func New() *Client {
	return &Client{
		direct:  &http.Client{},
		proxied: map[string]*http.Client{},
	}
}

// clientFor picks the http.Client for the target, building the proxied one
// on first use.
func (c *Client) clientFor(t Target) (*http.Client, error) {
	if t.ProxyURL == "" {
		return c.direct, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.proxied[t.ProxyURL]; ok {
		return cl, nil
	}
	proxy, err := url.Parse(t.ProxyURL)
	if err != nil {
		return nil, fmt.Errorf("upstream %s: proxy url: %w", t.ProviderName, err)
	}
	cl := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxy)},
	}
	c.proxied[t.ProxyURL] = cl
	return cl, nil
}

// Do sends body to url and returns the response. Non-2xx answers are read
// fully and returned as *StatusError.
func (c *Client) Do(ctx context.Context, t Target, url string, body []byte, stream bool, extraHeaders map[string]string) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	switch t.Dialect() {
	case TypeAnthropic:
		httpReq.Header.Set("x-api-key", t.APIKey)
		version := t.APIVersion
		if version == "" {
			version = defaultAnthropicVersion
		}
		httpReq.Header.Set("anthropic-version", version)
	default:
		if t.APIKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+t.APIKey)
		}
	}
	for k, v := range extraHeaders {
		if ForwardableHeader(k) {
			httpReq.Header.Set(k, v)
		}
	}

	httpClient, err := c.clientFor(t)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream %s: %w", t.ProviderName, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return nil, &StatusError{
			Code:        resp.StatusCode,
			Body:        respBody,
			ContentType: resp.Header.Get("Content-Type"),
			Provider:    t.ProviderName,
		}
	}
	return resp, nil
}

// Chat issues a completion request in the target's dialect.
func (c *Client) Chat(ctx context.Context, t Target, req *relay.Request) (*http.Response, error) {
	body, err := EncodeRequest(t, req)
	if err != nil {
		return nil, err
	}
	return c.Do(ctx, t, t.ChatURL(), body, req.Stream, req.ExtraHeaders)
}

// excludedHeaderPrefixes are client headers never forwarded upstream.
var excludedHeaderPrefixes = []string{
	"host", "connection", "content-length", "content-type",
	"authorization", "x-api-key", "anthropic-version",
	"accept", "user-agent", "origin", "referer", "cookie",
	"sec-", "x-modelgate-", "reqid", "x-provider",
}

// ForwardableHeader reports whether a client header may be passed through
// to the upstream verbatim.
func ForwardableHeader(name string) bool {
	lower := strings.ToLower(name)
	for _, p := range excludedHeaderPrefixes {
		if strings.HasPrefix(lower, p) {
			return false
		}
	}
	return true
}

// EncodeRequest renders the IR request into the target dialect's wire body.
// ExtraParams are merged at the top level so unrecognized client fields
// reach the provider verbatim.
func EncodeRequest(t Target, req *relay.Request) ([]byte, error) {
	var payload map[string]any
	switch t.Dialect() {
	case TypeAnthropic:
		payload = encodeAnthropic(t, req)
	case TypeResponses:
		payload = encodeResponses(t, req)
	default:
		payload = encodeOpenAI(t, req)
	}
	for k, v := range req.ExtraParams {
		if _, exists := payload[k]; !exists {
			payload[k] = v
		}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("upstream: marshal request: %w", err)
	}
	return body, nil
}

func encodeOpenAI(t Target, req *relay.Request) map[string]any {
	var msgs []map[string]any
	if req.System != "" {
		msgs = append(msgs, map[string]any{"role": "system", "content": req.System})
	}
	for _, m := range req.Messages {
		wm := map[string]any{"role": m.Role, "content": m.Content}
		if m.Thinking != "" {
			wm["reasoning_content"] = m.Thinking
		}
		if m.ToolCallID != "" {
			wm["tool_call_id"] = m.ToolCallID
		}
		if len(m.ToolCalls) > 0 {
			var calls []map[string]any
			for _, tc := range m.ToolCalls {
				calls = append(calls, map[string]any{
					"id":   tc.ID,
					"type": "function",
					"function": map[string]any{
						"name":      tc.Name,
						"arguments": tc.Arguments,
					},
				})
			}
			wm["tool_calls"] = calls
		}
		msgs = append(msgs, wm)
	}

	payload := map[string]any{"model": t.Model, "messages": msgs}
	if len(req.Tools) > 0 {
		var tools []map[string]any
		for _, tool := range req.Tools {
			tools = append(tools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        tool.Name,
					"description": tool.Description,
					"parameters":  tool.Parameters,
				},
			})
		}
		payload["tools"] = tools
	}
	if len(req.ToolChoice) > 0 {
		payload["tool_choice"] = req.ToolChoice
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		payload["top_p"] = *req.TopP
	}
	if req.N > 1 {
		payload["n"] = req.N
	}
	if len(req.StopSequences) > 0 {
		payload["stop"] = req.StopSequences
	}
	if req.Stream {
		payload["stream"] = true
		payload["stream_options"] = map[string]any{"include_usage": true}
	}
	return payload
}

func encodeAnthropic(t Target, req *relay.Request) map[string]any {
	var msgs []map[string]any
	for _, m := range req.Messages {
		switch {
		case m.Role == "tool":
			// One tool result per IR message; anthropic wants it as a user
			// turn carrying a tool_result block.
			msgs = append(msgs, map[string]any{
				"role": "user",
				"content": []map[string]any{{
					"type":        "tool_result",
					"tool_use_id": m.ToolCallID,
					"content":     m.Content,
				}},
			})
		case len(m.ToolCalls) > 0 || m.Thinking != "":
			var blocks []map[string]any
			if m.Thinking != "" {
				blocks = append(blocks, map[string]any{"type": "thinking", "thinking": m.Thinking})
			}
			if m.Content != "" {
				blocks = append(blocks, map[string]any{"type": "text", "text": m.Content})
			}
			for _, tc := range m.ToolCalls {
				input := json.RawMessage(tc.Arguments)
				if !json.Valid(input) {
					input = json.RawMessage("{}")
				}
				blocks = append(blocks, map[string]any{
					"type":  "tool_use",
					"id":    tc.ID,
					"name":  tc.Name,
					"input": input,
				})
			}
			msgs = append(msgs, map[string]any{"role": m.Role, "content": blocks})
		default:
			msgs = append(msgs, map[string]any{"role": m.Role, "content": m.Content})
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		// max_tokens is mandatory on the anthropic wire.
		maxTokens = 4096
	}
	payload := map[string]any{
		"model":      t.Model,
		"messages":   msgs,
		"max_tokens": maxTokens,
	}
	if req.System != "" {
		payload["system"] = req.System
	}
	if len(req.Tools) > 0 {
		var tools []map[string]any
		for _, tool := range req.Tools {
			tools = append(tools, map[string]any{
				"name":         tool.Name,
				"description":  tool.Description,
				"input_schema": tool.Parameters,
			})
		}
		payload["tools"] = tools
	}
	if len(req.ToolChoice) > 0 {
		payload["tool_choice"] = req.ToolChoice
	}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		payload["top_p"] = *req.TopP
	}
	if req.TopK != nil {
		payload["top_k"] = *req.TopK
	}
	if len(req.StopSequences) > 0 {
		payload["stop_sequences"] = req.StopSequences
	}
	if req.Stream {
		payload["stream"] = true
	}
	return payload
}

func encodeResponses(t Target, req *relay.Request) map[string]any {
	var input []map[string]any
	for _, m := range req.Messages {
		switch {
		case m.Role == "tool":
			input = append(input, map[string]any{
				"type":    "function_call_output",
				"call_id": m.ToolCallID,
				"output":  m.Content,
			})
		case len(m.ToolCalls) > 0:
			if m.Content != "" {
				input = append(input, map[string]any{
					"type": "message", "role": m.Role, "content": m.Content,
				})
			}
			for _, tc := range m.ToolCalls {
				input = append(input, map[string]any{
					"type":      "function_call",
					"call_id":   tc.ID,
					"name":      tc.Name,
					"arguments": tc.Arguments,
				})
			}
		default:
			input = append(input, map[string]any{
				"type": "message", "role": m.Role, "content": m.Content,
			})
		}
	}

	payload := map[string]any{"model": t.Model, "input": input}
	if req.System != "" {
		payload["instructions"] = req.System
	}
	if len(req.Tools) > 0 {
		var tools []map[string]any
		for _, tool := range req.Tools {
			tools = append(tools, map[string]any{
				"type":        "function",
				"name":        tool.Name,
				"description": tool.Description,
				"parameters":  tool.Parameters,
			})
		}
		payload["tools"] = tools
	}
	if len(req.ToolChoice) > 0 {
		payload["tool_choice"] = req.ToolChoice
	}
	if req.MaxTokens > 0 {
		payload["max_output_tokens"] = req.MaxTokens
	}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		payload["top_p"] = *req.TopP
	}
	if req.Stream {
		payload["stream"] = true
	}
	return payload
}
