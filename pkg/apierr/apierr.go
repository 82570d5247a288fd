// Package apierr provides structured API error types and HTTP status mapping.
//
// Error bodies are rendered in the shape of the inbound API dialect: OpenAI
// clients receive the {"error":{...}} envelope, Anthropic clients receive the
// {"type":"error","error":{...}} envelope. The dialect is a plain string so
// this package does not depend on the relay package.
package apierr

import (
	"encoding/json"
	"strconv"

	"github.com/valyala/fasthttp"
)

// Dialect constants. Must match the relay package's dialect names.
const (
	DialectOpenAI    = "openai-chat"
	DialectResponses = "openai-responses"
	DialectAnthropic = "anthropic"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeNotFound          = "not_found_error"
	TypeConflict          = "conflict_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeInvalidAPIKey     = "invalid_api_key"
	CodeInternalError     = "internal_error"
	CodeProviderError     = "provider_error"
	CodeRequestTimeout    = "request_timeout"
	CodeModelNotFound     = "model_not_found"
	CodeDuplicateRequest  = "duplicate_request"
	CodeInvalidRequest    = "invalid_request"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	}
	openaiEnvelope struct {
		Error APIError `json:"error"`
	}
	anthropicEnvelope struct {
		Type  string   `json:"type"`
		Error APIError `json:"error"`
	}
)

// Body renders the error body for the given dialect without writing it.
// Streaming handlers use this to emit in-stream error frames.
func Body(dialect, message, errType, code string) []byte {
	var body []byte
	if dialect == DialectAnthropic {
		// Anthropic omits the code field and wraps in a typed envelope.
		body, _ = json.Marshal(anthropicEnvelope{
			Type:  "error",
			Error: APIError{Message: message, Type: errType},
		})
	} else {
		body, _ = json.Marshal(openaiEnvelope{Error: APIError{
			Message: message,
			Type:    errType,
			Code:    code,
		}})
	}
	return body
}

// Write writes the error as JSON to the fasthttp response with the given
// HTTP status, shaped for the inbound dialect.
func Write(ctx *fasthttp.RequestCtx, dialect string, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(Body(dialect, message, errType, code))
}

// WriteAuth writes a 401 invalid-key error.
func WriteAuth(ctx *fasthttp.RequestCtx, dialect string) {
	Write(ctx, dialect, fasthttp.StatusUnauthorized,
		"Invalid API key", TypeAuthenticationErr, CodeInvalidAPIKey)
}

// WriteRateLimit writes a 429 rate limit error with Retry-After.
func WriteRateLimit(ctx *fasthttp.RequestCtx, dialect, message string) {
	ctx.Response.Header.Set("Retry-After", "60")
	if message == "" {
		message = "Rate limit exceeded"
	}
	Write(ctx, dialect, fasthttp.StatusTooManyRequests,
		message, TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteConflict writes a 409 duplicate-request error with a jittered
// Retry-After. Used by the request-id dedup gate for in-flight replays.
func WriteConflict(ctx *fasthttp.RequestCtx, dialect, reqID string, retryAfterSec int) {
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(retryAfterSec))
	Write(ctx, dialect, fasthttp.StatusConflict,
		"request "+reqID+" is already in flight", TypeConflict, CodeDuplicateRequest)
}

// WriteModelNotFound writes a 404 for an unresolvable model.
func WriteModelNotFound(ctx *fasthttp.RequestCtx, dialect, model string) {
	Write(ctx, dialect, fasthttp.StatusNotFound,
		"model "+strconv.Quote(model)+" not found", TypeNotFound, CodeModelNotFound)
}

// WriteUpstreamExhausted writes a 502 after every failover candidate failed.
func WriteUpstreamExhausted(ctx *fasthttp.RequestCtx, dialect string, attempts int) {
	Write(ctx, dialect, fasthttp.StatusBadGateway,
		"all upstream providers failed after "+strconv.Itoa(attempts)+" attempt(s)",
		TypeProviderError, CodeProviderError)
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx, dialect string) {
	Write(ctx, dialect, fasthttp.StatusGatewayTimeout,
		"provider request timed out", TypeProviderError, CodeRequestTimeout)
}
